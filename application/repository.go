package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("application: not found")
	// ErrDuplicate signals the (post, tutor) uniqueness constraint fired. It
	// is raised by the insert itself, never by a prior read, so concurrent
	// submissions from the same tutor cannot both succeed.
	ErrDuplicate = errors.New("application: tutor already applied to this post")
	// ErrNotPending signals a mutation aimed at an application that left the
	// pending state.
	ErrNotPending = errors.New("application: not pending")
)

type Repository interface {
	Insert(ctx context.Context, app Application) (Application, error)
	GetByID(ctx context.Context, id string) (Application, error)
	UpdateTerms(ctx context.Context, id, tutorID string, terms Terms) (Application, error)
	DeletePending(ctx context.Context, id, tutorID string) (Application, error)
	Reject(ctx context.Context, id string) (Application, error)
	SupersedeSiblings(ctx context.Context, postID, exceptID string) (int64, error)
	ListForPost(ctx context.Context, postID string) ([]Application, error)
	ListForTutor(ctx context.Context, tutorID string) ([]Application, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const appColumns = `id, post_id, tutor_id, qualifications, experience, expected_salary,
	availability, note, status::text, approved_at, payment_id, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, app Application) (Application, error) {
	query := `
		INSERT INTO applications (id, post_id, tutor_id, qualifications, experience,
			expected_salary, availability, note, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, 'pending')
		RETURNING ` + appColumns

	row := r.pool.QueryRow(ctx, query,
		app.ID,
		app.PostID,
		app.TutorID,
		app.Qualifications,
		app.Experience,
		app.ExpectedSalary,
		app.Availability,
		app.Note,
	)

	created, err := scanApplication(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Application{}, ErrDuplicate
		}
		return Application{}, fmt.Errorf("application: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Application, error) {
	query := `SELECT ` + appColumns + ` FROM applications WHERE id = $1`

	app, err := scanApplication(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("application: get: %w", err)
	}
	return app, nil
}

// UpdateTerms rewrites the tutor-editable content. The WHERE clause carries
// both the ownership and the pending gate so a superseded or approved row is
// never touched.
func (r *PGRepository) UpdateTerms(ctx context.Context, id, tutorID string, terms Terms) (Application, error) {
	query := `
		UPDATE applications
		SET qualifications = $3,
		    experience = $4,
		    expected_salary = $5,
		    availability = $6,
		    note = $7,
		    updated_at = now()
		WHERE id = $1 AND tutor_id = $2 AND status = 'pending'
		RETURNING ` + appColumns

	app, err := scanApplication(r.pool.QueryRow(ctx, query, id, tutorID,
		terms.Qualifications, terms.Experience, terms.ExpectedSalary, terms.Availability, terms.Note))
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Application{}, fmt.Errorf("application: update terms: %w", err)
	}
	return Application{}, r.classifyMiss(ctx, id, tutorID)
}

// DeletePending withdraws a tutor's own pending application. Deleting frees
// the (post, tutor) uniqueness slot, matching a full withdrawal.
func (r *PGRepository) DeletePending(ctx context.Context, id, tutorID string) (Application, error) {
	query := `
		DELETE FROM applications
		WHERE id = $1 AND tutor_id = $2 AND status = 'pending'
		RETURNING ` + appColumns

	app, err := scanApplication(r.pool.QueryRow(ctx, query, id, tutorID))
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Application{}, fmt.Errorf("application: delete pending: %w", err)
	}
	return Application{}, r.classifyMiss(ctx, id, tutorID)
}

func (r *PGRepository) Reject(ctx context.Context, id string) (Application, error) {
	query := `
		UPDATE applications
		SET status = 'rejected',
		    updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + appColumns

	app, err := scanApplication(r.pool.QueryRow(ctx, query, id))
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Application{}, fmt.Errorf("application: reject: %w", err)
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return Application{}, err
	}
	return Application{}, ErrNotPending
}

// SupersedeSiblings closes every other pending application on the post. A
// replay when none remain pending matches zero rows and is a no-op.
func (r *PGRepository) SupersedeSiblings(ctx context.Context, postID, exceptID string) (int64, error) {
	const query = `
		UPDATE applications
		SET status = 'closed',
		    updated_at = now()
		WHERE post_id = $1 AND id <> $2 AND status = 'pending'
	`
	tag, err := r.pool.Exec(ctx, query, postID, exceptID)
	if err != nil {
		return 0, fmt.Errorf("application: supersede siblings: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGRepository) ListForPost(ctx context.Context, postID string) ([]Application, error) {
	query := `SELECT ` + appColumns + ` FROM applications WHERE post_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, postID)
}

func (r *PGRepository) ListForTutor(ctx context.Context, tutorID string) ([]Application, error) {
	query := `SELECT ` + appColumns + ` FROM applications WHERE tutor_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, tutorID)
}

func (r *PGRepository) list(ctx context.Context, query string, arg any) ([]Application, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("application: list: %w", err)
	}
	defer rows.Close()

	out := make([]Application, 0, 8)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("application: scan: %w", err)
		}
		out = append(out, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("application: iterate: %w", err)
	}
	return out, nil
}

// classifyMiss turns a zero-row conditional write into the precise failure:
// missing row, wrong owner, or a row that already left pending.
func (r *PGRepository) classifyMiss(ctx context.Context, id, tutorID string) error {
	app, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if app.TutorID != tutorID {
		return ErrForbidden
	}
	return ErrNotPending
}

func scanApplication(row pgx.Row) (Application, error) {
	var app Application
	return app, row.Scan(
		&app.ID,
		&app.PostID,
		&app.TutorID,
		&app.Qualifications,
		&app.Experience,
		&app.ExpectedSalary,
		&app.Availability,
		&app.Note,
		&app.Status,
		&app.ApprovedAt,
		&app.PaymentID,
		&app.CreatedAt,
		&app.UpdatedAt,
	)
}
