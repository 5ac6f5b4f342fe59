package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"tuitionflow/application"
	"tuitionflow/gateway"
	"tuitionflow/notify"
	"tuitionflow/tuition"

	"go.uber.org/zap"
)

var (
	// ErrForbidden signals the requester does not own the post being paid for.
	ErrForbidden = errors.New("settlement: requester does not own the post")
	// ErrChargeNotSucceeded signals the gateway reports the charge in a
	// non-succeeded state; nothing was written.
	ErrChargeNotSucceeded = errors.New("settlement: charge has not succeeded")
	// ErrUnknownCharge signals the charge metadata references no known
	// application. Logged for manual review; retrying will not help.
	ErrUnknownCharge = errors.New("settlement: charge references no known application")
	// ErrEventIgnored signals a webhook event type that settlement does not
	// act on. Webhook callers acknowledge it anyway.
	ErrEventIgnored = errors.New("settlement: event type ignored")
	// ErrSettlementInProgress signals a concurrent caller won the race but
	// its ledger write was not yet visible. Safe to retry.
	ErrSettlementInProgress = errors.New("settlement: concurrent settlement in progress")
)

// PostRegistry is the slice of the tuition registry the coordinator drives.
type PostRegistry interface {
	Get(ctx context.Context, id string) (tuition.Post, error)
	Close(ctx context.Context, postID, tutorID string) (tuition.Post, error)
}

// ApplicationLedger is the slice of the application ledger the coordinator
// drives.
type ApplicationLedger interface {
	Get(ctx context.Context, id string) (application.Application, error)
	SupersedeSiblings(ctx context.Context, postID, exceptID string) (int64, error)
}

// Config carries the fixed settlement parameters. FXRate is the single
// configured conversion constant shared by intent creation and validation;
// it is never inferred at request time.
type Config struct {
	FXRate           float64
	DomesticCurrency string
	GatewayCurrency  string
	WebhookSecret    string
}

// Coordinator turns an external payment confirmation into an atomic,
// idempotent approval of one application, the closure of its post, and the
// supersession of sibling applications. It is safe under true parallelism:
// the only guarded transition is the conditional pending-to-approved write.
type Coordinator struct {
	store    Store
	posts    PostRegistry
	apps     ApplicationLedger
	gw       gateway.Client
	notifier notify.Emitter
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

func NewCoordinator(store Store, posts PostRegistry, apps ApplicationLedger, gw gateway.Client, cfg Config) *Coordinator {
	if cfg.FXRate <= 0 {
		panic("settlement: FXRate must be positive")
	}
	if cfg.DomesticCurrency == "" {
		cfg.DomesticCurrency = "BDT"
	}
	if cfg.GatewayCurrency == "" {
		cfg.GatewayCurrency = "USD"
	}
	return &Coordinator{
		store:  store,
		posts:  posts,
		apps:   apps,
		gw:     gw,
		logger: zap.NewNop(),
		cfg:    cfg,
		now:    time.Now,
	}
}

func (c *Coordinator) WithNotifier(n notify.Emitter) *Coordinator {
	c.notifier = n
	return c
}

func (c *Coordinator) WithLogger(logger *zap.Logger) *Coordinator {
	c.logger = logger
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// GatewayAmount converts a domestic amount into gateway minor units using the
// fixed configured rate: round(domestic / rate * 100).
func (c *Coordinator) GatewayAmount(domestic int64) int64 {
	return int64(math.Round(float64(domestic) / c.cfg.FXRate * 100))
}

// CreateChargeIntent asks the gateway for a charge intent covering the given
// application. Only the post owner may call it, and only while the
// application is pending. No local state changes.
func (c *Coordinator) CreateChargeIntent(ctx context.Context, applicationID, requesterID string) (IntentHandle, error) {
	if applicationID == "" {
		return IntentHandle{}, fmt.Errorf("settlement: application id required")
	}

	app, err := c.apps.Get(ctx, applicationID)
	if err != nil {
		return IntentHandle{}, err
	}
	if app.Status != application.StatusPending {
		return IntentHandle{}, application.ErrNotPending
	}

	post, err := c.posts.Get(ctx, app.PostID)
	if err != nil {
		return IntentHandle{}, err
	}
	if post.StudentID != requesterID {
		return IntentHandle{}, ErrForbidden
	}

	domestic := app.ExpectedSalary
	intent, err := c.gw.CreateIntent(ctx, gateway.CreateIntentParams{
		Amount:      c.GatewayAmount(domestic),
		Currency:    c.cfg.GatewayCurrency,
		Description: fmt.Sprintf("Payment for %s", post.Title),
		Metadata: map[string]string{
			metaApplicationID:  app.ID,
			metaPostID:         app.PostID,
			metaTutorID:        app.TutorID,
			metaStudentID:      post.StudentID,
			metaDomesticAmount: strconv.FormatInt(domestic, 10),
		},
	})
	if err != nil {
		return IntentHandle{}, err
	}

	return IntentHandle{
		IntentID:       intent.ID,
		ClientSecret:   intent.ClientSecret,
		DomesticAmount: domestic,
		GatewayAmount:  intent.Amount,
		Currency:       c.cfg.DomesticCurrency,
	}, nil
}

// Settle is the client-confirmation path. It re-fetches the authoritative
// charge from the gateway, then converges with the callback path on the same
// idempotent transition.
func (c *Coordinator) Settle(ctx context.Context, chargeRef string) (Result, error) {
	if chargeRef == "" {
		return Result{}, fmt.Errorf("settlement: charge reference required")
	}

	if res, ok, err := c.existingSettlement(ctx, chargeRef); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	intent, err := c.gw.RetrieveIntent(ctx, chargeRef)
	if err != nil {
		return Result{}, err
	}

	return c.settleIntent(ctx, intent)
}

// SettleEvent is the callback path. A verified event's embedded charge is
// trusted; without a configured secret the payload is treated as a hint only
// and the authoritative state is re-fetched from the gateway.
func (c *Coordinator) SettleEvent(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	var (
		event    gateway.Event
		verified bool
		err      error
	)
	if c.cfg.WebhookSecret != "" {
		event, err = gateway.ConstructEvent(payload, sigHeader, c.cfg.WebhookSecret)
		verified = true
	} else {
		c.logger.Warn("webhook secret not configured; accepting unverified payload")
		event, err = gateway.ParseEventInsecure(payload)
	}
	if err != nil {
		return Result{}, err
	}

	if event.Type != gateway.EventIntentSucceeded {
		return Result{}, ErrEventIgnored
	}

	chargeRef := event.Data.Object.ID
	if chargeRef == "" {
		return Result{}, fmt.Errorf("settlement: event carries no charge reference")
	}

	if !verified {
		return c.Settle(ctx, chargeRef)
	}

	if res, ok, err := c.existingSettlement(ctx, chargeRef); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	return c.settleIntent(ctx, event.Data.Object)
}

// existingSettlement is the idempotency check shared by both paths: a ledger
// row for the charge reference means the work is already done.
func (c *Coordinator) existingSettlement(ctx context.Context, chargeRef string) (Result, bool, error) {
	rec, err := c.store.GetPaymentByChargeRef(ctx, chargeRef)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}

	app, err := c.apps.Get(ctx, rec.ApplicationID)
	if err != nil {
		return Result{}, false, err
	}
	return Result{Payment: rec, Application: app, AlreadySettled: true}, true, nil
}

func (c *Coordinator) settleIntent(ctx context.Context, intent gateway.Intent) (Result, error) {
	if intent.Status != gateway.IntentStatusSucceeded {
		return Result{}, ErrChargeNotSucceeded
	}

	applicationID := intent.Metadata[metaApplicationID]
	if applicationID == "" {
		c.logger.Error("charge metadata missing application reference; manual review required",
			zap.String("charge_ref", intent.ID))
		return Result{}, ErrUnknownCharge
	}

	app, err := c.apps.Get(ctx, applicationID)
	if err != nil {
		if errors.Is(err, application.ErrNotFound) {
			c.logger.Error("charge references unknown application; manual review required",
				zap.String("charge_ref", intent.ID),
				zap.String("application_id", applicationID))
			return Result{}, ErrUnknownCharge
		}
		return Result{}, err
	}

	domestic := app.ExpectedSalary
	if raw := intent.Metadata[metaDomesticAmount]; raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			domestic = parsed
		}
	}

	// Race guard: exactly one caller wins this conditional transition.
	won, err := c.store.ApproveIfPending(ctx, applicationID)
	if err != nil {
		return Result{}, err
	}
	if !won {
		return c.observeLostRace(ctx, applicationID)
	}

	// Ledger first: from here on the payment row is the durable source of
	// truth. A crash before the remaining writes leaves a reconciliation
	// trail instead of lost money.
	rec, err := c.store.InsertPayment(ctx, PaymentRecord{
		ExternalChargeRef: intent.ID,
		ApplicationID:     app.ID,
		PostID:            app.PostID,
		StudentID:         intent.Metadata[metaStudentID],
		TutorID:           app.TutorID,
		Amount:            domestic,
		Currency:          c.cfg.DomesticCurrency,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateCharge) {
			res, ok, exErr := c.existingSettlement(ctx, intent.ID)
			if exErr != nil {
				return Result{}, exErr
			}
			if ok {
				return res, nil
			}
		}
		return Result{}, err
	}

	approved, err := c.store.FinalizeApproval(ctx, app.ID, rec.ID, c.now().UTC())
	if err != nil {
		return Result{}, err
	}

	post, err := c.posts.Close(ctx, app.PostID, app.TutorID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: close post after ledger write: %w", err)
	}

	if _, err := c.apps.SupersedeSiblings(ctx, app.PostID, app.ID); err != nil {
		return Result{}, fmt.Errorf("settlement: supersede siblings after ledger write: %w", err)
	}

	c.notifyParties(ctx, rec, post)

	return Result{Payment: rec, Application: approved}, nil
}

// observeLostRace resolves a failed conditional transition. An approved
// application with a visible ledger row means another caller settled first;
// anything else is a genuine conflict.
func (c *Coordinator) observeLostRace(ctx context.Context, applicationID string) (Result, error) {
	app, err := c.apps.Get(ctx, applicationID)
	if err != nil {
		return Result{}, err
	}
	if app.Status != application.StatusApproved {
		return Result{}, application.ErrNotPending
	}

	rec, err := c.store.GetPaymentByApplication(ctx, applicationID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return Result{}, ErrSettlementInProgress
		}
		return Result{}, err
	}
	return Result{Payment: rec, Application: app, AlreadySettled: true}, nil
}

// notifyParties emits the payer and payee alerts. Failures are logged and
// swallowed; notification delivery never unwinds a settlement.
func (c *Coordinator) notifyParties(ctx context.Context, rec PaymentRecord, post tuition.Post) {
	if c.notifier == nil {
		return
	}

	if rec.StudentID != "" {
		if err := c.notifier.Emit(ctx, notify.Notification{
			RecipientID: rec.StudentID,
			Kind:        notify.KindPayment,
			Title:       "Payment Successful",
			Body:        fmt.Sprintf("Your payment of %d %s for %s tuition was successful.", rec.Amount, rec.Currency, post.Subject),
			RelatedID:   &rec.ID,
		}); err != nil {
			c.logger.Warn("payer notification failed", zap.String("payment_id", rec.ID), zap.Error(err))
		}
	}

	if err := c.notifier.Emit(ctx, notify.Notification{
		RecipientID: rec.TutorID,
		Kind:        notify.KindPayment,
		Title:       "New Tuition Hiring",
		Body:        fmt.Sprintf("Congratulations! A student has paid for your services for the %s tuition.", post.Subject),
		RelatedID:   &rec.ID,
	}); err != nil {
		c.logger.Warn("payee notification failed", zap.String("payment_id", rec.ID), zap.Error(err))
	}
}

// HistoryForStudent lists a student's settled payments, newest first.
func (c *Coordinator) HistoryForStudent(ctx context.Context, studentID string) ([]PaymentRecord, error) {
	return c.store.HistoryForStudent(ctx, studentID)
}

// RevenueForTutor lists a tutor's settled payments with their total.
func (c *Coordinator) RevenueForTutor(ctx context.Context, tutorID string) ([]PaymentRecord, int64, error) {
	return c.store.RevenueForTutor(ctx, tutorID)
}
