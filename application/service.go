package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tuitionflow/notify"
	"tuitionflow/tuition"

	"github.com/google/uuid"
)

var (
	// ErrForbidden signals the caller does not own the entity it is mutating.
	ErrForbidden = errors.New("application: forbidden")
	// ErrPostNotOpen signals the target post is not accepting applications.
	ErrPostNotOpen = errors.New("application: post is not open for applications")
)

// PostRegistry is the slice of the tuition registry the ledger relies on.
type PostRegistry interface {
	Get(ctx context.Context, id string) (tuition.Post, error)
	AdjustApplicationsCount(ctx context.Context, postID string, delta int) error
}

// NameSource resolves display names for notification text.
type NameSource interface {
	DisplayName(ctx context.Context, id, fallback string) string
}

type Service struct {
	repo     Repository
	posts    PostRegistry
	notifier notify.Emitter
	names    NameSource
	idGen    func() string
	now      func() time.Time
}

func NewService(repo Repository, posts PostRegistry) *Service {
	return &Service{
		repo:  repo,
		posts: posts,
		idGen: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

func (s *Service) WithNotifier(n notify.Emitter) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithNames(n NameSource) *Service {
	s.names = n
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// Submit files a tutor's application against an approved post. Uniqueness of
// (post, tutor) is enforced by the insert, not by a prior read.
func (s *Service) Submit(ctx context.Context, postID, tutorID string, terms Terms) (Application, error) {
	if postID == "" || tutorID == "" {
		return Application{}, fmt.Errorf("application: post id and tutor id are required")
	}
	if err := validateTerms(terms); err != nil {
		return Application{}, err
	}

	post, err := s.posts.Get(ctx, postID)
	if err != nil {
		return Application{}, err
	}
	if post.Status != tuition.StatusApproved {
		return Application{}, ErrPostNotOpen
	}

	created, err := s.repo.Insert(ctx, Application{
		ID:             s.idGen(),
		PostID:         postID,
		TutorID:        tutorID,
		Qualifications: terms.Qualifications,
		Experience:     terms.Experience,
		ExpectedSalary: terms.ExpectedSalary,
		Availability:   terms.Availability,
		Note:           terms.Note,
	})
	if err != nil {
		return Application{}, err
	}

	// Display counter and alert are both best effort.
	_ = s.posts.AdjustApplicationsCount(ctx, postID, 1)
	if s.notifier != nil {
		applicant := "A tutor"
		if s.names != nil {
			applicant = s.names.DisplayName(ctx, tutorID, applicant)
		}
		_ = s.notifier.Emit(ctx, notify.Notification{
			RecipientID: post.StudentID,
			SenderID:    &tutorID,
			Kind:        notify.KindApplication,
			Title:       "New Application Received",
			Body:        fmt.Sprintf("%s has applied for your %s tuition.", applicant, post.Subject),
			RelatedID:   &created.ID,
		})
	}

	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Application, error) {
	return s.repo.GetByID(ctx, id)
}

// Update rewrites the terms of the tutor's own pending application.
func (s *Service) Update(ctx context.Context, applicationID, tutorID string, terms Terms) (Application, error) {
	if err := validateTerms(terms); err != nil {
		return Application{}, err
	}
	return s.repo.UpdateTerms(ctx, applicationID, tutorID, terms)
}

// Withdraw removes the tutor's own pending application and releases the
// uniqueness slot so the tutor could re-apply later.
func (s *Service) Withdraw(ctx context.Context, applicationID, tutorID string) error {
	app, err := s.repo.DeletePending(ctx, applicationID, tutorID)
	if err != nil {
		return err
	}
	_ = s.posts.AdjustApplicationsCount(ctx, app.PostID, -1)
	return nil
}

// Decide applies the post owner's verdict. Reject transitions directly;
// approve only validates eligibility and returns a snapshot for the
// settlement coordinator, because approval is gated on successful payment.
func (s *Service) Decide(ctx context.Context, applicationID, ownerID string, approve bool) (*PaymentEligible, Application, error) {
	app, err := s.repo.GetByID(ctx, applicationID)
	if err != nil {
		return nil, Application{}, err
	}

	post, err := s.posts.Get(ctx, app.PostID)
	if err != nil {
		return nil, Application{}, err
	}
	if post.StudentID != ownerID {
		return nil, Application{}, ErrForbidden
	}
	if app.Status != StatusPending {
		return nil, Application{}, ErrNotPending
	}

	if !approve {
		rejected, err := s.repo.Reject(ctx, applicationID)
		if err != nil {
			return nil, Application{}, err
		}
		return nil, rejected, nil
	}

	return &PaymentEligible{
		ApplicationID: app.ID,
		PostID:        app.PostID,
		TutorID:       app.TutorID,
		StudentID:     post.StudentID,
		Amount:        app.ExpectedSalary,
	}, app, nil
}

// SupersedeSiblings closes the remaining pending applications once one of
// them was approved. Idempotent.
func (s *Service) SupersedeSiblings(ctx context.Context, postID, exceptID string) (int64, error) {
	return s.repo.SupersedeSiblings(ctx, postID, exceptID)
}

// ListForPost returns a post's applications to its owner.
func (s *Service) ListForPost(ctx context.Context, postID, ownerID string) ([]Application, error) {
	post, err := s.posts.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.StudentID != ownerID {
		return nil, ErrForbidden
	}
	return s.repo.ListForPost(ctx, postID)
}

func (s *Service) ListForTutor(ctx context.Context, tutorID string) ([]Application, error) {
	return s.repo.ListForTutor(ctx, tutorID)
}

func validateTerms(terms Terms) error {
	if terms.Qualifications == "" || terms.Experience == "" || terms.Availability == "" {
		return fmt.Errorf("application: qualifications, experience and availability are required")
	}
	if terms.ExpectedSalary <= 0 {
		return fmt.Errorf("application: invalid expected salary")
	}
	return nil
}
