package tuition

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	repo  Repository
	idGen func() string
	now   func() time.Time
}

type CreateParams struct {
	Title       string
	Subject     string
	ClassLevel  string
	Location    string
	BudgetMin   int64
	BudgetMax   int64
	Schedule    string
	Description string
}

type ListResult struct {
	Items []Post
	Total int
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:  repo,
		idGen: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// Create registers a new post in the pending state, awaiting moderation.
func (s *Service) Create(ctx context.Context, studentID string, params CreateParams) (Post, error) {
	if studentID == "" {
		return Post{}, fmt.Errorf("tuition: missing student id")
	}
	if err := validateParams(params); err != nil {
		return Post{}, err
	}

	post := Post{
		ID:          s.idGen(),
		StudentID:   studentID,
		Title:       params.Title,
		Subject:     params.Subject,
		ClassLevel:  params.ClassLevel,
		Location:    params.Location,
		BudgetMin:   params.BudgetMin,
		BudgetMax:   params.BudgetMax,
		Schedule:    params.Schedule,
		Description: params.Description,
		Status:      StatusPending,
	}

	return s.repo.Create(ctx, post)
}

func (s *Service) Get(ctx context.Context, id string) (Post, error) {
	return s.repo.GetByID(ctx, id)
}

// UpdateByOwner lets the posting student revise a post that moderation has
// not yet settled.
func (s *Service) UpdateByOwner(ctx context.Context, postID, studentID string, params CreateParams) (Post, error) {
	if err := validateParams(params); err != nil {
		return Post{}, err
	}
	return s.repo.UpdateDetails(ctx, postID, studentID, params)
}

// DeleteByOwner removes the posting student's own post unless settlement has
// closed it.
func (s *Service) DeleteByOwner(ctx context.Context, postID, studentID string) error {
	return s.repo.DeleteByOwner(ctx, postID, studentID)
}

// ListMine returns the student's own posts in every state, unlike the public
// listing which only ever shows approved ones.
func (s *Service) ListMine(ctx context.Context, studentID string, filters Filters) (ListResult, error) {
	filters.StudentID = studentID
	return s.List(ctx, filters)
}

// Moderate applies an admin decision to a pending post.
func (s *Service) Moderate(ctx context.Context, postID string, decision Decision) (Post, error) {
	var status Status
	switch decision {
	case DecisionApprove:
		status = StatusApproved
	case DecisionReject:
		status = StatusRejected
	default:
		return Post{}, fmt.Errorf("tuition: unknown moderation decision %q", decision)
	}
	return s.repo.SetStatus(ctx, postID, status)
}

// AdjustApplicationsCount is display bookkeeping only; callers ignore the
// outcome beyond logging.
func (s *Service) AdjustApplicationsCount(ctx context.Context, postID string, delta int) error {
	return s.repo.AdjustApplicationsCount(ctx, postID, delta)
}

// Close is reserved for the settlement coordinator; it assigns the hired
// tutor and seals the post.
func (s *Service) Close(ctx context.Context, postID, tutorID string) (Post, error) {
	if tutorID == "" {
		return Post{}, fmt.Errorf("tuition: close missing tutor id")
	}
	return s.repo.Close(ctx, postID, tutorID)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func validateParams(params CreateParams) error {
	if params.Title == "" || params.Subject == "" || params.ClassLevel == "" ||
		params.Location == "" || params.Schedule == "" || params.Description == "" {
		return fmt.Errorf("tuition: title, subject, class level, location, schedule and description are required")
	}
	if params.BudgetMin <= 0 || params.BudgetMax <= 0 || params.BudgetMin > params.BudgetMax {
		return fmt.Errorf("tuition: invalid budget range")
	}
	return nil
}
