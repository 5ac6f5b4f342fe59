package directory

import "context"

// ProfileReader abstracts repository operations for the service.
type ProfileReader interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	ListTutors(ctx context.Context, limit int) ([]Profile, error)
}

// Service exposes business-level profile lookups. Notification bodies and
// listing pages source display names from here rather than the auth layer.
type Service struct {
	repo ProfileReader
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the public profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// ListTutors returns up to limit tutor profiles.
func (s *Service) ListTutors(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.ListTutors(ctx, limit)
}

// DisplayName resolves a user's display name, falling back to a generic
// label when the profile is missing so notification text never breaks.
func (s *Service) DisplayName(ctx context.Context, id string, fallback string) string {
	profile, err := s.repo.GetByID(ctx, id)
	if err != nil || profile.FullName == "" {
		return fallback
	}
	return profile.FullName
}
