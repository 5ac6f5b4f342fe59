package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested profile does not exist.
var ErrNotFound = errors.New("directory: not found")

// Repository provides read access to public user profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a public profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	const query = `
		SELECT id, full_name, photo_url, role, created_at
		FROM users
		WHERE id = $1
	`

	var profile Profile
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&profile.ID,
		&profile.FullName,
		&profile.PhotoURL,
		&profile.Role,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("directory: query by id: %w", err)
	}

	return profile, nil
}

// ListTutors fetches up to limit tutor profiles ordered by name.
func (r *Repository) ListTutors(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, full_name, photo_url, role, created_at
		FROM users
		WHERE role = 'tutor'
		ORDER BY full_name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("directory: list tutors: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var profile Profile
		if err := rows.Scan(&profile.ID, &profile.FullName, &profile.PhotoURL, &profile.Role, &profile.CreatedAt); err != nil {
			return nil, fmt.Errorf("directory: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: iterate profiles: %w", err)
	}

	return profiles, nil
}
