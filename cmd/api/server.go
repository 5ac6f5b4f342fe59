package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tuitionflow/application"
	"tuitionflow/auth"
	"tuitionflow/directory"
	"tuitionflow/gateway"
	"tuitionflow/notify"
	"tuitionflow/settlement"
	"tuitionflow/tuition"

	"go.uber.org/zap"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// settlementService is the slice of the coordinator the HTTP layer uses.
type settlementService interface {
	CreateChargeIntent(ctx context.Context, applicationID, requesterID string) (settlement.IntentHandle, error)
	Settle(ctx context.Context, chargeRef string) (settlement.Result, error)
	SettleEvent(ctx context.Context, payload []byte, sigHeader string) (settlement.Result, error)
	HistoryForStudent(ctx context.Context, studentID string) ([]settlement.PaymentRecord, error)
	RevenueForTutor(ctx context.Context, tutorID string) ([]settlement.PaymentRecord, int64, error)
}

// notificationService is the slice of the notification store the HTTP layer uses.
type notificationService interface {
	List(ctx context.Context, recipientID string, limit int) ([]notify.Notification, error)
	MarkRead(ctx context.Context, recipientID, notificationID string) (notify.Notification, error)
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)
}

// Server routes HTTP traffic to the domain services.
type Server struct {
	authService        *auth.Service
	postService        *tuition.Service
	applicationService *application.Service
	settlementService  settlementService
	notifyService      notificationService
	directoryService   *directory.Service
	logger             *zap.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/me", s.requireAuth(s.handleMe))

	mux.HandleFunc("/api/posts", s.handlePosts)
	mux.HandleFunc("/api/posts/mine", s.requireAuth(s.handleMyPosts))
	mux.HandleFunc("/api/posts/", s.handlePostDetail)

	mux.HandleFunc("/api/applications", s.requireAuth(s.handleApplications))
	mux.HandleFunc("/api/applications/", s.requireAuth(s.handleApplicationDetail))

	mux.HandleFunc("/api/payments/confirm", s.requireAuth(s.handleConfirmPayment))
	mux.HandleFunc("/api/payments/history", s.requireAuth(s.handlePaymentHistory))
	mux.HandleFunc("/api/payments/revenue", s.requireAuth(s.handleTutorRevenue))

	mux.HandleFunc("/api/webhooks/payment", s.handlePaymentWebhook)

	mux.HandleFunc("/api/notifications", s.requireAuth(s.handleNotifications))
	mux.HandleFunc("/api/notifications/", s.requireAuth(s.handleNotificationDetail))

	mux.HandleFunc("/api/tutors", s.handleTutors)
	mux.HandleFunc("/api/tutors/", s.handleTutorProfile)

	return mux
}

// requireAuth resolves the bearer token into a user identity before the
// wrapped handler runs.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func requestIdentity(r *http.Request) (string, auth.Role, bool) {
	userID, ok := r.Context().Value(ctxKeyUserID).(string)
	if !ok || userID == "" {
		return "", "", false
	}
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return userID, role, true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		User:  toUserResponse(result.User),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, _, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	user, err := s.authService.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(*user))
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListPosts(w, r)
	case http.MethodPost:
		s.requireAuth(s.handleCreatePost)(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := tuition.Filters{
		Status:    tuition.Status(q.Get("status")),
		Subject:   q.Get("subject"),
		Location:  q.Get("location"),
		SortKey:   q.Get("sort"),
		SortOrder: q.Get("order"),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filters.Page = page
	}
	if size, err := strconv.Atoi(q.Get("pageSize")); err == nil {
		filters.PageSize = size
	}
	// Unauthenticated listings only ever see approved posts.
	if filters.Status == "" || filters.Status == tuition.StatusPending {
		filters.Status = tuition.StatusApproved
	}

	result, err := s.postService.List(r.Context(), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list posts failed")
		return
	}

	items := make([]postResponse, 0, len(result.Items))
	for _, post := range result.Items {
		items = append(items, toPostResponse(post))
	}
	writeJSON(w, http.StatusOK, listResponse[postResponse]{Items: items, Total: result.Total})
}

// handleMyPosts lists the authenticated student's own posts, including the
// pending and rejected ones the public listing hides.
func (s *Server) handleMyPosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, _, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	q := r.URL.Query()
	filters := tuition.Filters{
		Status:    tuition.Status(q.Get("status")),
		SortKey:   q.Get("sort"),
		SortOrder: q.Get("order"),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filters.Page = page
	}
	if size, err := strconv.Atoi(q.Get("pageSize")); err == nil {
		filters.PageSize = size
	}

	result, err := s.postService.ListMine(r.Context(), userID, filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list posts failed")
		return
	}

	items := make([]postResponse, 0, len(result.Items))
	for _, post := range result.Items {
		items = append(items, toPostResponse(post))
	}
	writeJSON(w, http.StatusOK, listResponse[postResponse]{Items: items, Total: result.Total})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	userID, role, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if role != auth.RoleStudent {
		writeError(w, http.StatusForbidden, "only students may post tuitions")
		return
	}

	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	post, err := s.postService.Create(r.Context(), userID, tuition.CreateParams{
		Title:       req.Title,
		Subject:     req.Subject,
		ClassLevel:  req.ClassLevel,
		Location:    req.Location,
		BudgetMin:   req.BudgetMin,
		BudgetMax:   req.BudgetMax,
		Schedule:    req.Schedule,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toPostResponse(post))
}

func (s *Server) handlePostDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/posts/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "post id required")
		return
	}

	if postID, found := strings.CutSuffix(rest, "/applications"); found {
		s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
			s.handlePostApplications(w, r, postID)
		})(w, r)
		return
	}

	if strings.Contains(rest, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetPost(w, r, rest)
	case http.MethodPatch:
		s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
			s.handleModeratePost(w, r, rest)
		})(w, r)
	case http.MethodPut:
		s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
			s.handleUpdatePost(w, r, rest)
		})(w, r)
	case http.MethodDelete:
		s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
			s.handleDeletePost(w, r, rest)
		})(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleUpdatePost lets the owning student revise a post that is still
// awaiting moderation.
func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request, postID string) {
	userID, _, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	post, err := s.postService.UpdateByOwner(r.Context(), postID, userID, tuition.CreateParams{
		Title:       req.Title,
		Subject:     req.Subject,
		ClassLevel:  req.ClassLevel,
		Location:    req.Location,
		BudgetMin:   req.BudgetMin,
		BudgetMax:   req.BudgetMax,
		Schedule:    req.Schedule,
		Description: req.Description,
	})
	if err != nil {
		writePostError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPostResponse(post))
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request, postID string) {
	userID, _, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := s.postService.DeleteByOwner(r.Context(), postID, userID); err != nil {
		writePostError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request, postID string) {
	post, err := s.postService.Get(r.Context(), postID)
	if err != nil {
		if errors.Is(err, tuition.ErrNotFound) {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toPostResponse(post))
}

func (s *Server) handleModeratePost(w http.ResponseWriter, r *http.Request, postID string) {
	_, role, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "only admins may moderate posts")
		return
	}

	var req struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	post, err := s.postService.Moderate(r.Context(), postID, tuition.Decision(req.Decision))
	if err != nil {
		switch {
		case errors.Is(err, tuition.ErrNotFound):
			writeError(w, http.StatusNotFound, "post not found")
		case errors.Is(err, tuition.ErrPostClosed):
			writeError(w, http.StatusConflict, "post is closed")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, toPostResponse(post))
}

func (s *Server) handlePostApplications(w http.ResponseWriter, r *http.Request, postID string) {
	userID, role, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		apps, err := s.applicationService.ListForPost(r.Context(), postID, userID)
		if err != nil {
			writeApplicationError(w, err)
			return
		}
		items := make([]applicationResponse, 0, len(apps))
		for _, app := range apps {
			items = append(items, toApplicationResponse(app))
		}
		writeJSON(w, http.StatusOK, listResponse[applicationResponse]{Items: items, Total: len(items)})

	case http.MethodPost:
		if role != auth.RoleTutor {
			writeError(w, http.StatusForbidden, "only tutors may apply")
			return
		}
		var req termsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		app, err := s.applicationService.Submit(r.Context(), postID, userID, req.toTerms())
		if err != nil {
			writeApplicationError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toApplicationResponse(app))

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleApplications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, role, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if role != auth.RoleTutor {
		writeError(w, http.StatusForbidden, "only tutors have applications")
		return
	}

	apps, err := s.applicationService.ListForTutor(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list applications failed")
		return
	}
	items := make([]applicationResponse, 0, len(apps))
	for _, app := range apps {
		items = append(items, toApplicationResponse(app))
	}
	writeJSON(w, http.StatusOK, listResponse[applicationResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleApplicationDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/applications/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "application id required")
		return
	}

	if applicationID, found := strings.CutSuffix(rest, "/decision"); found {
		s.handleDecideApplication(w, r, applicationID)
		return
	}

	if strings.Contains(rest, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	userID, role, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	switch r.Method {
	case http.MethodPatch:
		if role != auth.RoleTutor {
			writeError(w, http.StatusForbidden, "only the applying tutor may edit")
			return
		}
		var req termsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		app, err := s.applicationService.Update(r.Context(), rest, userID, req.toTerms())
		if err != nil {
			writeApplicationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toApplicationResponse(app))

	case http.MethodDelete:
		if role != auth.RoleTutor {
			writeError(w, http.StatusForbidden, "only the applying tutor may withdraw")
			return
		}
		if err := s.applicationService.Withdraw(r.Context(), rest, userID); err != nil {
			writeApplicationError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleDecideApplication applies the post owner's verdict. Rejection lands
// immediately; approval returns a charge intent because the approved state is
// only ever reached through a settled payment.
func (s *Server) handleDecideApplication(w http.ResponseWriter, r *http.Request, applicationID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, _, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		Approve bool `json:"approve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	eligible, app, err := s.applicationService.Decide(r.Context(), applicationID, userID, req.Approve)
	if err != nil {
		writeApplicationError(w, err)
		return
	}

	if eligible == nil {
		writeJSON(w, http.StatusOK, decisionResponse{Application: toApplicationResponse(app)})
		return
	}

	handle, err := s.settlementService.CreateChargeIntent(r.Context(), eligible.ApplicationID, userID)
	if err != nil {
		writeSettlementError(w, err)
		return
	}

	resp := decisionResponse{Application: toApplicationResponse(app)}
	resp.Payment = &intentResponse{
		IntentID:       handle.IntentID,
		ClientSecret:   handle.ClientSecret,
		DomesticAmount: handle.DomesticAmount,
		GatewayAmount:  handle.GatewayAmount,
		Currency:       handle.Currency,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleConfirmPayment is the client-confirmation settlement path.
func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	_, role, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if role != auth.RoleStudent {
		writeError(w, http.StatusForbidden, "only students may confirm payments")
		return
	}

	var req struct {
		PaymentIntentID string `json:"paymentIntentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentIntentID == "" {
		writeError(w, http.StatusBadRequest, "paymentIntentId required")
		return
	}

	result, err := s.settlementService.Settle(r.Context(), req.PaymentIntentID)
	if err != nil {
		writeSettlementError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSettlementResponse(result))
}

// handlePaymentWebhook is the callback settlement path. Signature failures are
// rejected; every other outcome is acknowledged so the gateway stops retrying
// work that cannot succeed.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	_, err = s.settlementService.SettleEvent(r.Context(), payload, r.Header.Get("Gateway-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrInvalidSignature), errors.Is(err, gateway.ErrSignatureExpired):
			writeError(w, http.StatusBadRequest, "signature verification failed")
			return
		case errors.Is(err, settlement.ErrEventIgnored):
			// Not an error; the event type is simply not ours.
		default:
			s.logger.Error("webhook settlement failed", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handlePaymentHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, _, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	records, err := s.settlementService.HistoryForStudent(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "payment history failed")
		return
	}

	items := make([]paymentResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toPaymentResponse(rec))
	}
	writeJSON(w, http.StatusOK, listResponse[paymentResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleTutorRevenue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, role, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if role != auth.RoleTutor {
		writeError(w, http.StatusForbidden, "only tutors have revenue")
		return
	}

	records, total, err := s.settlementService.RevenueForTutor(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "revenue lookup failed")
		return
	}

	items := make([]paymentResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toPaymentResponse(rec))
	}
	writeJSON(w, http.StatusOK, revenueResponse{Items: items, TotalRevenue: total})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, _, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.notifyService.List(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list notifications failed")
		return
	}

	out := make([]notificationResponse, 0, len(items))
	for _, n := range items {
		out = append(out, toNotificationResponse(n))
	}
	writeJSON(w, http.StatusOK, listResponse[notificationResponse]{Items: out, Total: len(out)})
}

func (s *Server) handleNotificationDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/notifications/")
	if rest == "read-all" {
		s.handleMarkAllNotificationsRead(w, r)
		return
	}
	notificationID, found := strings.CutSuffix(rest, "/read")
	if !found || notificationID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, _, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	n, err := s.notifyService.MarkRead(r.Context(), userID, notificationID)
	if err != nil {
		if errors.Is(err, notify.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}

	writeJSON(w, http.StatusOK, toNotificationResponse(n))
}

func (s *Server) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, _, ok := requestIdentity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	updated, err := s.notifyService.MarkAllRead(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "mark all read failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

func (s *Server) handleTutors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	profiles, err := s.directoryService.ListTutors(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list tutors failed")
		return
	}

	items := make([]profileResponse, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, toProfileResponse(p))
	}
	writeJSON(w, http.StatusOK, listResponse[profileResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleTutorProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/tutors/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "tutor id required")
		return
	}

	profile, err := s.directoryService.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tutor not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(profile))
}

func writePostError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tuition.ErrNotFound):
		writeError(w, http.StatusNotFound, "post not found")
	case errors.Is(err, tuition.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, tuition.ErrPostNotPending):
		writeError(w, http.StatusConflict, "post has already been moderated")
	case errors.Is(err, tuition.ErrPostClosed):
		writeError(w, http.StatusConflict, "post is closed")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeApplicationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, application.ErrNotFound), errors.Is(err, tuition.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, application.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, application.ErrDuplicate):
		writeError(w, http.StatusConflict, "already applied to this post")
	case errors.Is(err, application.ErrNotPending):
		writeError(w, http.StatusConflict, "application is not pending")
	case errors.Is(err, application.ErrPostNotOpen):
		writeError(w, http.StatusConflict, "post is not open for applications")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeSettlementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, application.ErrNotFound), errors.Is(err, settlement.ErrPaymentNotFound), errors.Is(err, gateway.ErrIntentNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, settlement.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, application.ErrNotPending):
		writeError(w, http.StatusConflict, "application is not pending")
	case errors.Is(err, settlement.ErrChargeNotSucceeded):
		writeError(w, http.StatusConflict, "payment has not succeeded")
	case errors.Is(err, settlement.ErrSettlementInProgress):
		writeError(w, http.StatusConflict, "settlement in progress, retry shortly")
	case errors.Is(err, settlement.ErrUnknownCharge):
		writeError(w, http.StatusUnprocessableEntity, "charge references no known application")
	case errors.Is(err, gateway.ErrUnavailable):
		writeError(w, http.StatusBadGateway, "payment gateway unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "settlement failed")
	}
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type userResponse struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	FullName  string  `json:"fullName"`
	Phone     *string `json:"phone,omitempty"`
	PhotoURL  *string `json:"photoUrl,omitempty"`
	Role      string  `json:"role"`
	CreatedAt string  `json:"createdAt"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type createPostRequest struct {
	Title       string `json:"title"`
	Subject     string `json:"subject"`
	ClassLevel  string `json:"classLevel"`
	Location    string `json:"location"`
	BudgetMin   int64  `json:"budgetMin"`
	BudgetMax   int64  `json:"budgetMax"`
	Schedule    string `json:"schedule"`
	Description string `json:"description"`
}

type postResponse struct {
	ID                string  `json:"id"`
	StudentID         string  `json:"studentId"`
	Title             string  `json:"title"`
	Subject           string  `json:"subject"`
	ClassLevel        string  `json:"classLevel"`
	Location          string  `json:"location"`
	BudgetMin         int64   `json:"budgetMin"`
	BudgetMax         int64   `json:"budgetMax"`
	Schedule          string  `json:"schedule"`
	Description       string  `json:"description"`
	Status            string  `json:"status"`
	ApplicationsCount int     `json:"applicationsCount"`
	AssignedTutorID   *string `json:"assignedTutorId,omitempty"`
	CreatedAt         string  `json:"createdAt"`
}

type termsRequest struct {
	Qualifications string `json:"qualifications"`
	Experience     string `json:"experience"`
	ExpectedSalary int64  `json:"expectedSalary"`
	Availability   string `json:"availability"`
	Note           string `json:"note"`
}

func (t termsRequest) toTerms() application.Terms {
	return application.Terms{
		Qualifications: t.Qualifications,
		Experience:     t.Experience,
		ExpectedSalary: t.ExpectedSalary,
		Availability:   t.Availability,
		Note:           t.Note,
	}
}

type applicationResponse struct {
	ID             string  `json:"id"`
	PostID         string  `json:"postId"`
	TutorID        string  `json:"tutorId"`
	Qualifications string  `json:"qualifications"`
	Experience     string  `json:"experience"`
	ExpectedSalary int64   `json:"expectedSalary"`
	Availability   string  `json:"availability"`
	Note           string  `json:"note,omitempty"`
	Status         string  `json:"status"`
	ApprovedAt     *string `json:"approvedAt,omitempty"`
	CreatedAt      string  `json:"createdAt"`
}

type intentResponse struct {
	IntentID       string `json:"intentId"`
	ClientSecret   string `json:"clientSecret"`
	DomesticAmount int64  `json:"domesticAmount"`
	GatewayAmount  int64  `json:"gatewayAmount"`
	Currency       string `json:"currency"`
}

type decisionResponse struct {
	Application applicationResponse `json:"application"`
	Payment     *intentResponse     `json:"payment,omitempty"`
}

type paymentResponse struct {
	ID                string `json:"id"`
	ExternalChargeRef string `json:"externalChargeRef"`
	ApplicationID     string `json:"applicationId"`
	PostID            string `json:"postId"`
	StudentID         string `json:"studentId"`
	TutorID           string `json:"tutorId"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	CreatedAt         string `json:"createdAt"`
}

type settlementResponse struct {
	Payment        paymentResponse     `json:"payment"`
	Application    applicationResponse `json:"application"`
	AlreadySettled bool                `json:"alreadySettled"`
}

type revenueResponse struct {
	Items        []paymentResponse `json:"items"`
	TotalRevenue int64             `json:"totalRevenue"`
}

type notificationResponse struct {
	ID          string  `json:"id"`
	RecipientID string  `json:"recipientId"`
	SenderID    *string `json:"senderId,omitempty"`
	Kind        string  `json:"kind"`
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	RelatedID   *string `json:"relatedId,omitempty"`
	Read        bool    `json:"read"`
	CreatedAt   string  `json:"createdAt"`
}

type profileResponse struct {
	ID        string  `json:"id"`
	FullName  string  `json:"fullName"`
	PhotoURL  *string `json:"photoUrl,omitempty"`
	Role      string  `json:"role"`
	CreatedAt string  `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Phone:     u.Phone,
		PhotoURL:  u.PhotoURL,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func toPostResponse(p tuition.Post) postResponse {
	return postResponse{
		ID:                p.ID,
		StudentID:         p.StudentID,
		Title:             p.Title,
		Subject:           p.Subject,
		ClassLevel:        p.ClassLevel,
		Location:          p.Location,
		BudgetMin:         p.BudgetMin,
		BudgetMax:         p.BudgetMax,
		Schedule:          p.Schedule,
		Description:       p.Description,
		Status:            string(p.Status),
		ApplicationsCount: p.ApplicationsCount,
		AssignedTutorID:   p.AssignedTutorID,
		CreatedAt:         p.CreatedAt.Format(time.RFC3339),
	}
}

func toApplicationResponse(a application.Application) applicationResponse {
	resp := applicationResponse{
		ID:             a.ID,
		PostID:         a.PostID,
		TutorID:        a.TutorID,
		Qualifications: a.Qualifications,
		Experience:     a.Experience,
		ExpectedSalary: a.ExpectedSalary,
		Availability:   a.Availability,
		Note:           a.Note,
		Status:         string(a.Status),
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
	}
	if a.ApprovedAt != nil {
		formatted := a.ApprovedAt.Format(time.RFC3339)
		resp.ApprovedAt = &formatted
	}
	return resp
}

func toPaymentResponse(rec settlement.PaymentRecord) paymentResponse {
	return paymentResponse{
		ID:                rec.ID,
		ExternalChargeRef: rec.ExternalChargeRef,
		ApplicationID:     rec.ApplicationID,
		PostID:            rec.PostID,
		StudentID:         rec.StudentID,
		TutorID:           rec.TutorID,
		Amount:            rec.Amount,
		Currency:          rec.Currency,
		CreatedAt:         rec.CreatedAt.Format(time.RFC3339),
	}
}

func toSettlementResponse(res settlement.Result) settlementResponse {
	return settlementResponse{
		Payment:        toPaymentResponse(res.Payment),
		Application:    toApplicationResponse(res.Application),
		AlreadySettled: res.AlreadySettled,
	}
}

func toNotificationResponse(n notify.Notification) notificationResponse {
	return notificationResponse{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		SenderID:    n.SenderID,
		Kind:        n.Kind,
		Title:       n.Title,
		Body:        n.Body,
		RelatedID:   n.RelatedID,
		Read:        n.Read,
		CreatedAt:   n.CreatedAt.Format(time.RFC3339),
	}
}

func toProfileResponse(p directory.Profile) profileResponse {
	return profileResponse{
		ID:        p.ID,
		FullName:  p.FullName,
		PhotoURL:  p.PhotoURL,
		Role:      string(p.Role),
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
