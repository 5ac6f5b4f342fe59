package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"tuitionflow/application"
	"tuitionflow/gateway"
	"tuitionflow/notify"
	"tuitionflow/tuition"
)

func testConfig() Config {
	return Config{
		FXRate:           110,
		DomesticCurrency: "BDT",
		GatewayCurrency:  "USD",
	}
}

func newHarness() (*Coordinator, *fakeStore, *fakePostRegistry, *fakeLedger, *fakeGateway, *captureEmitter) {
	store := newFakeStore()
	posts := &fakePostRegistry{post: tuition.Post{
		ID:        "post-1",
		StudentID: "student-1",
		Subject:   "Physics",
		Status:    tuition.StatusApproved,
	}}
	ledger := &fakeLedger{apps: map[string]*application.Application{
		"app-1": {
			ID:             "app-1",
			PostID:         "post-1",
			TutorID:        "tutor-1",
			ExpectedSalary: 5500,
			Status:         application.StatusPending,
		},
	}}
	gw := &fakeGateway{intents: map[string]gateway.Intent{}}
	emitter := &captureEmitter{}

	// Share one sequence counter so tests can assert write ordering, and one
	// application map so the conditional approve mutates what the ledger reads.
	store.bind(ledger.apps)
	posts.store = store

	coord := NewCoordinator(store, posts, ledger, gw, testConfig()).
		WithNotifier(emitter).
		WithClock(func() time.Time { return time.Date(2024, 10, 31, 12, 0, 0, 0, time.UTC) })

	return coord, store, posts, ledger, gw, emitter
}

func succeededIntent() gateway.Intent {
	return gateway.Intent{
		ID:       "pi_123",
		Status:   gateway.IntentStatusSucceeded,
		Amount:   5000,
		Currency: "usd",
		Metadata: map[string]string{
			"application_id":  "app-1",
			"post_id":         "post-1",
			"tutor_id":        "tutor-1",
			"student_id":      "student-1",
			"domestic_amount": "5500",
		},
	}
}

func TestGatewayAmount_FixedRateConversion(t *testing.T) {
	coord, _, _, _, _, _ := newHarness()

	cases := []struct {
		domestic int64
		want     int64
	}{
		{5500, 5000},  // 5500 / 110 * 100
		{5000, 4545},  // round(4545.45...)
		{1, 1},        // round(0.909...) = 1
		{110, 100},
		{12345, 11223}, // round(11222.7...)
	}
	for _, tc := range cases {
		if got := coord.GatewayAmount(tc.domestic); got != tc.want {
			t.Fatalf("GatewayAmount(%d) = %d, want %d", tc.domestic, got, tc.want)
		}
	}
}

func TestCreateChargeIntent_EmbedsMetadata(t *testing.T) {
	coord, _, _, _, gw, _ := newHarness()

	handle, err := coord.CreateChargeIntent(context.Background(), "app-1", "student-1")
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if handle.DomesticAmount != 5500 || handle.GatewayAmount != 5000 {
		t.Fatalf("unexpected amounts: %+v", handle)
	}
	if handle.Currency != "BDT" {
		t.Fatalf("expected domestic currency, got %s", handle.Currency)
	}

	created := gw.lastCreated
	if created.Metadata["application_id"] != "app-1" || created.Metadata["student_id"] != "student-1" {
		t.Fatalf("metadata not embedded: %+v", created.Metadata)
	}
	if created.Metadata["domestic_amount"] != "5500" {
		t.Fatalf("expected domestic amount in metadata, got %q", created.Metadata["domestic_amount"])
	}
	if created.Currency != "USD" {
		t.Fatalf("expected gateway currency, got %s", created.Currency)
	}
}

func TestCreateChargeIntent_OnlyPostOwner(t *testing.T) {
	coord, _, _, _, _, _ := newHarness()

	if _, err := coord.CreateChargeIntent(context.Background(), "app-1", "intruder"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCreateChargeIntent_OnlyPendingApplication(t *testing.T) {
	coord, _, _, ledger, _, _ := newHarness()
	ledger.apps["app-1"].Status = application.StatusRejected

	if _, err := coord.CreateChargeIntent(context.Background(), "app-1", "student-1"); !errors.Is(err, application.ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestSettle_HappyPath(t *testing.T) {
	coord, store, posts, ledger, gw, emitter := newHarness()
	gw.intents["pi_123"] = succeededIntent()

	res, err := coord.Settle(context.Background(), "pi_123")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.AlreadySettled {
		t.Fatal("first settle must not report already settled")
	}
	if res.Payment.ExternalChargeRef != "pi_123" || res.Payment.Amount != 5500 || res.Payment.Currency != "BDT" {
		t.Fatalf("unexpected ledger entry: %+v", res.Payment)
	}
	if res.Application.Status != application.StatusApproved {
		t.Fatalf("expected approved application, got %s", res.Application.Status)
	}
	if res.Application.ApprovedAt == nil || res.Application.PaymentID == nil {
		t.Fatalf("expected approval stamps, got %+v", res.Application)
	}

	if posts.closedWith != "tutor-1" {
		t.Fatalf("expected post closed with tutor-1, got %q", posts.closedWith)
	}
	if ledger.supersededPost != "post-1" || ledger.supersededExcept != "app-1" {
		t.Fatalf("expected siblings superseded, got (%q, %q)", ledger.supersededPost, ledger.supersededExcept)
	}
	if store.insertOrder != 1 || posts.closeOrder != 2 {
		t.Fatalf("ledger write must precede post close, got insert=%d close=%d", store.insertOrder, posts.closeOrder)
	}
	if len(emitter.emitted) != 2 {
		t.Fatalf("expected payer and payee alerts, got %d", len(emitter.emitted))
	}
}

func TestSettle_SecondCallIdempotent(t *testing.T) {
	coord, store, _, _, gw, emitter := newHarness()
	gw.intents["pi_123"] = succeededIntent()

	first, err := coord.Settle(context.Background(), "pi_123")
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}

	second, err := coord.Settle(context.Background(), "pi_123")
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !second.AlreadySettled {
		t.Fatal("second settle must report already settled")
	}
	if second.Payment.ID != first.Payment.ID {
		t.Fatalf("expected same ledger row, got %q and %q", first.Payment.ID, second.Payment.ID)
	}
	if len(store.payments) != 1 {
		t.Fatalf("expected exactly one ledger row, got %d", len(store.payments))
	}
	// No second round of notifications.
	if len(emitter.emitted) != 2 {
		t.Fatalf("expected 2 notifications total, got %d", len(emitter.emitted))
	}
}

func TestSettle_NonSucceededChargeWritesNothing(t *testing.T) {
	coord, store, _, ledger, gw, _ := newHarness()
	intent := succeededIntent()
	intent.Status = gateway.IntentStatusPending
	gw.intents["pi_123"] = intent

	_, err := coord.Settle(context.Background(), "pi_123")
	if !errors.Is(err, ErrChargeNotSucceeded) {
		t.Fatalf("expected ErrChargeNotSucceeded, got %v", err)
	}
	if len(store.payments) != 0 {
		t.Fatalf("expected no ledger rows, got %d", len(store.payments))
	}
	if ledger.apps["app-1"].Status != application.StatusPending {
		t.Fatalf("expected application untouched, got %s", ledger.apps["app-1"].Status)
	}
}

func TestSettle_UnknownMetadata(t *testing.T) {
	coord, _, _, _, gw, _ := newHarness()

	intent := succeededIntent()
	intent.Metadata = map[string]string{}
	gw.intents["pi_123"] = intent

	if _, err := coord.Settle(context.Background(), "pi_123"); !errors.Is(err, ErrUnknownCharge) {
		t.Fatalf("expected ErrUnknownCharge for missing metadata, got %v", err)
	}

	intent = succeededIntent()
	intent.Metadata["application_id"] = "ghost"
	gw.intents["pi_123"] = intent

	if _, err := coord.Settle(context.Background(), "pi_123"); !errors.Is(err, ErrUnknownCharge) {
		t.Fatalf("expected ErrUnknownCharge for ghost application, got %v", err)
	}
}

func TestSettle_SupersededApplicationRejected(t *testing.T) {
	coord, store, _, ledger, gw, _ := newHarness()
	gw.intents["pi_123"] = succeededIntent()
	ledger.apps["app-1"].Status = application.StatusSuperseded

	if _, err := coord.Settle(context.Background(), "pi_123"); !errors.Is(err, application.ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if len(store.payments) != 0 {
		t.Fatalf("expected no ledger rows for superseded application, got %d", len(store.payments))
	}
}

func TestSettle_LostRaceBeforeLedgerVisible(t *testing.T) {
	coord, _, _, ledger, gw, _ := newHarness()
	gw.intents["pi_123"] = succeededIntent()
	// Another caller already won the conditional transition but its ledger
	// write is not yet visible.
	ledger.apps["app-1"].Status = application.StatusApproved

	if _, err := coord.Settle(context.Background(), "pi_123"); !errors.Is(err, ErrSettlementInProgress) {
		t.Fatalf("expected ErrSettlementInProgress, got %v", err)
	}
}

func TestSettle_NotificationFailureSwallowed(t *testing.T) {
	coord, _, _, _, gw, emitter := newHarness()
	gw.intents["pi_123"] = succeededIntent()
	emitter.err = errors.New("smtp down")

	res, err := coord.Settle(context.Background(), "pi_123")
	if err != nil {
		t.Fatalf("settle must not fail on notification errors: %v", err)
	}
	if res.Application.Status != application.StatusApproved {
		t.Fatalf("expected approved, got %s", res.Application.Status)
	}
}

func TestSettleEvent_VerifiedSignature(t *testing.T) {
	coord, store, _, _, _, _ := newHarness()
	cfg := testConfig()
	cfg.WebhookSecret = "whsec_test"
	coord.cfg = cfg

	payload := eventPayload(t, "payment_intent.succeeded", succeededIntent())
	header := gateway.SignatureHeader(payload, "whsec_test", time.Now())

	res, err := coord.SettleEvent(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("settle event: %v", err)
	}
	if res.Payment.ExternalChargeRef != "pi_123" {
		t.Fatalf("unexpected payment: %+v", res.Payment)
	}
	if len(store.payments) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(store.payments))
	}
}

func TestSettleEvent_BadSignature(t *testing.T) {
	coord, store, _, _, _, _ := newHarness()
	cfg := testConfig()
	cfg.WebhookSecret = "whsec_test"
	coord.cfg = cfg

	payload := eventPayload(t, "payment_intent.succeeded", succeededIntent())
	header := gateway.SignatureHeader(payload, "whsec_wrong", time.Now())

	if _, err := coord.SettleEvent(context.Background(), payload, header); !errors.Is(err, gateway.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if len(store.payments) != 0 {
		t.Fatalf("expected no ledger rows, got %d", len(store.payments))
	}
}

func TestSettleEvent_IgnoredType(t *testing.T) {
	coord, _, _, _, _, _ := newHarness()
	cfg := testConfig()
	cfg.WebhookSecret = "whsec_test"
	coord.cfg = cfg

	payload := eventPayload(t, "payment_intent.created", succeededIntent())
	header := gateway.SignatureHeader(payload, "whsec_test", time.Now())

	if _, err := coord.SettleEvent(context.Background(), payload, header); !errors.Is(err, ErrEventIgnored) {
		t.Fatalf("expected ErrEventIgnored, got %v", err)
	}
}

func TestSettleEvent_NoSecretRefetchesFromGateway(t *testing.T) {
	coord, _, _, _, gw, _ := newHarness()
	gw.intents["pi_123"] = succeededIntent()

	// The unverified payload claims success but settlement must consult the
	// gateway, which reports the charge still pending.
	pending := succeededIntent()
	gw.intents["pi_123"] = pendingCopy(pending)

	payload := eventPayload(t, "payment_intent.succeeded", succeededIntent())

	if _, err := coord.SettleEvent(context.Background(), payload, ""); !errors.Is(err, ErrChargeNotSucceeded) {
		t.Fatalf("expected re-fetch to surface ErrChargeNotSucceeded, got %v", err)
	}
	if !gw.retrieved {
		t.Fatal("expected gateway re-fetch on unverified payload")
	}
}

func TestSettleEvent_WebhookThenConfirmConverge(t *testing.T) {
	coord, store, _, _, gw, _ := newHarness()
	cfg := testConfig()
	cfg.WebhookSecret = "whsec_test"
	coord.cfg = cfg
	gw.intents["pi_123"] = succeededIntent()

	payload := eventPayload(t, "payment_intent.succeeded", succeededIntent())
	header := gateway.SignatureHeader(payload, "whsec_test", time.Now())

	first, err := coord.SettleEvent(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("webhook settle: %v", err)
	}

	second, err := coord.Settle(context.Background(), "pi_123")
	if err != nil {
		t.Fatalf("confirm settle: %v", err)
	}
	if !second.AlreadySettled || second.Payment.ID != first.Payment.ID {
		t.Fatalf("paths must converge on one ledger row: %+v vs %+v", first.Payment, second.Payment)
	}
	if len(store.payments) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(store.payments))
	}
}

func eventPayload(t *testing.T, eventType string, intent gateway.Intent) []byte {
	t.Helper()
	var event gateway.Event
	event.ID = "evt_1"
	event.Type = eventType
	event.Data.Object = intent
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func pendingCopy(intent gateway.Intent) gateway.Intent {
	intent.Status = gateway.IntentStatusPending
	return intent
}

type fakeStore struct {
	payments    map[string]PaymentRecord // by charge ref
	byApp       map[string]PaymentRecord
	apps        map[string]*application.Application
	nextID      int
	seq         int
	insertOrder int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments: make(map[string]PaymentRecord),
		byApp:    make(map[string]PaymentRecord),
		nextID:   1,
	}
}

// bind wires the store to the ledger's application map so the conditional
// approve mutates the same rows the coordinator reads.
func (f *fakeStore) bind(apps map[string]*application.Application) {
	f.apps = apps
}

func (f *fakeStore) GetPaymentByChargeRef(ctx context.Context, ref string) (PaymentRecord, error) {
	rec, ok := f.payments[ref]
	if !ok {
		return PaymentRecord{}, ErrPaymentNotFound
	}
	return rec, nil
}

func (f *fakeStore) GetPaymentByApplication(ctx context.Context, applicationID string) (PaymentRecord, error) {
	rec, ok := f.byApp[applicationID]
	if !ok {
		return PaymentRecord{}, ErrPaymentNotFound
	}
	return rec, nil
}

func (f *fakeStore) InsertPayment(ctx context.Context, rec PaymentRecord) (PaymentRecord, error) {
	if _, exists := f.payments[rec.ExternalChargeRef]; exists {
		return PaymentRecord{}, ErrDuplicateCharge
	}
	rec.ID = fmt.Sprintf("pay-%d", f.nextID)
	f.nextID++
	rec.CreatedAt = time.Now().UTC()
	f.payments[rec.ExternalChargeRef] = rec
	f.byApp[rec.ApplicationID] = rec
	f.seq++
	f.insertOrder = f.seq
	return rec, nil
}

func (f *fakeStore) ApproveIfPending(ctx context.Context, applicationID string) (bool, error) {
	app, ok := f.apps[applicationID]
	if !ok {
		return false, nil
	}
	if app.Status != application.StatusPending {
		return false, nil
	}
	app.Status = application.StatusApproved
	return true, nil
}

func (f *fakeStore) FinalizeApproval(ctx context.Context, applicationID, paymentID string, at time.Time) (application.Application, error) {
	app, ok := f.apps[applicationID]
	if !ok || app.Status != application.StatusApproved {
		return application.Application{}, fmt.Errorf("settlement: finalize approval: application %s is not approved", applicationID)
	}
	app.ApprovedAt = &at
	app.PaymentID = &paymentID
	return *app, nil
}

func (f *fakeStore) HistoryForStudent(ctx context.Context, studentID string) ([]PaymentRecord, error) {
	out := make([]PaymentRecord, 0)
	for _, rec := range f.payments {
		if rec.StudentID == studentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) RevenueForTutor(ctx context.Context, tutorID string) ([]PaymentRecord, int64, error) {
	out := make([]PaymentRecord, 0)
	var total int64
	for _, rec := range f.payments {
		if rec.TutorID == tutorID {
			out = append(out, rec)
			total += rec.Amount
		}
	}
	return out, total, nil
}

type fakePostRegistry struct {
	post       tuition.Post
	closedWith string
	closeOrder int
	store      *fakeStore
}

func (f *fakePostRegistry) Get(ctx context.Context, id string) (tuition.Post, error) {
	if id != f.post.ID {
		return tuition.Post{}, tuition.ErrNotFound
	}
	return f.post, nil
}

func (f *fakePostRegistry) Close(ctx context.Context, postID, tutorID string) (tuition.Post, error) {
	if postID != f.post.ID {
		return tuition.Post{}, tuition.ErrNotFound
	}
	f.closedWith = tutorID
	f.post.Status = tuition.StatusClosed
	f.post.AssignedTutorID = &tutorID
	if f.store != nil {
		f.store.seq++
		f.closeOrder = f.store.seq
	}
	return f.post, nil
}

type fakeLedger struct {
	apps             map[string]*application.Application
	supersededPost   string
	supersededExcept string
}

func (f *fakeLedger) Get(ctx context.Context, id string) (application.Application, error) {
	app, ok := f.apps[id]
	if !ok {
		return application.Application{}, application.ErrNotFound
	}
	return *app, nil
}

func (f *fakeLedger) SupersedeSiblings(ctx context.Context, postID, exceptID string) (int64, error) {
	f.supersededPost = postID
	f.supersededExcept = exceptID
	var n int64
	for _, app := range f.apps {
		if app.PostID == postID && app.ID != exceptID && app.Status == application.StatusPending {
			app.Status = application.StatusSuperseded
			n++
		}
	}
	return n, nil
}

type fakeGateway struct {
	intents     map[string]gateway.Intent
	lastCreated gateway.CreateIntentParams
	retrieved   bool
}

func (f *fakeGateway) CreateIntent(ctx context.Context, params gateway.CreateIntentParams) (gateway.Intent, error) {
	f.lastCreated = params
	intent := gateway.Intent{
		ID:           "pi_123",
		ClientSecret: "pi_123_secret",
		Status:       gateway.IntentStatusPending,
		Amount:       params.Amount,
		Currency:     params.Currency,
		Metadata:     params.Metadata,
	}
	f.intents[intent.ID] = intent
	return intent, nil
}

func (f *fakeGateway) RetrieveIntent(ctx context.Context, id string) (gateway.Intent, error) {
	f.retrieved = true
	intent, ok := f.intents[id]
	if !ok {
		return gateway.Intent{}, gateway.ErrIntentNotFound
	}
	return intent, nil
}

type captureEmitter struct {
	emitted []notify.Notification
	err     error
}

func (c *captureEmitter) Emit(ctx context.Context, n notify.Notification) error {
	if c.err != nil {
		return c.err
	}
	c.emitted = append(c.emitted, n)
	return nil
}
