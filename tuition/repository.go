package tuition

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("tuition: post not found")
	// ErrPostClosed is returned when a moderation decision targets a post
	// that settlement already closed.
	ErrPostClosed = errors.New("tuition: post already closed")
	// ErrPostNotOpen is returned when Close finds the post outside the
	// approved state.
	ErrPostNotOpen = errors.New("tuition: post not open for assignment")
	// ErrForbidden signals an owner-scoped operation against someone else's
	// post.
	ErrForbidden = errors.New("tuition: post does not belong to requester")
	// ErrPostNotPending is returned when an owner edit targets a post that
	// moderation already settled.
	ErrPostNotPending = errors.New("tuition: post is no longer pending")
)

type Repository interface {
	Create(ctx context.Context, post Post) (Post, error)
	GetByID(ctx context.Context, id string) (Post, error)
	SetStatus(ctx context.Context, id string, status Status) (Post, error)
	UpdateDetails(ctx context.Context, id, studentID string, params CreateParams) (Post, error)
	DeleteByOwner(ctx context.Context, id, studentID string) error
	AdjustApplicationsCount(ctx context.Context, id string, delta int) error
	Close(ctx context.Context, id, tutorID string) (Post, error)
	List(ctx context.Context, filters Filters) ([]Post, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const postColumns = `id, student_id, title, subject, class_level, location, budget_min, budget_max,
	schedule, description, status::text, applications_count, assigned_tutor_id, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, post Post) (Post, error) {
	query := `
		INSERT INTO tuition_posts (id, student_id, title, subject, class_level, location,
			budget_min, budget_max, schedule, description, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + postColumns

	row := r.pool.QueryRow(ctx, query,
		post.ID,
		post.StudentID,
		post.Title,
		post.Subject,
		post.ClassLevel,
		post.Location,
		post.BudgetMin,
		post.BudgetMax,
		post.Schedule,
		post.Description,
		post.Status,
	)

	created, err := scanPost(row)
	if err != nil {
		return Post{}, fmt.Errorf("tuition: create post: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Post, error) {
	query := `SELECT ` + postColumns + ` FROM tuition_posts WHERE id = $1`

	post, err := scanPost(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Post{}, ErrNotFound
		}
		return Post{}, fmt.Errorf("tuition: get post: %w", err)
	}
	return post, nil
}

// SetStatus applies a moderation verdict. Closed posts are immutable, so the
// update is conditional and the closed case is reported as a conflict.
func (r *PGRepository) SetStatus(ctx context.Context, id string, status Status) (Post, error) {
	query := `
		UPDATE tuition_posts
		SET status = $2::post_status,
		    updated_at = now()
		WHERE id = $1 AND status <> 'closed'
		RETURNING ` + postColumns

	post, err := scanPost(r.pool.QueryRow(ctx, query, id, status))
	if err == nil {
		return post, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Post{}, fmt.Errorf("tuition: set status: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tuition_posts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Post{}, fmt.Errorf("tuition: set status check: %w", err)
	}
	if exists {
		return Post{}, ErrPostClosed
	}
	return Post{}, ErrNotFound
}

// UpdateDetails rewrites the owner's own post while it is still pending.
// Moderated posts are frozen so edits cannot sidestep the review queue.
func (r *PGRepository) UpdateDetails(ctx context.Context, id, studentID string, params CreateParams) (Post, error) {
	query := `
		UPDATE tuition_posts
		SET title = $3,
		    subject = $4,
		    class_level = $5,
		    location = $6,
		    budget_min = $7,
		    budget_max = $8,
		    schedule = $9,
		    description = $10,
		    updated_at = now()
		WHERE id = $1 AND student_id = $2 AND status = 'pending'
		RETURNING ` + postColumns

	post, err := scanPost(r.pool.QueryRow(ctx, query, id, studentID,
		params.Title,
		params.Subject,
		params.ClassLevel,
		params.Location,
		params.BudgetMin,
		params.BudgetMax,
		params.Schedule,
		params.Description,
	))
	if err == nil {
		return post, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Post{}, fmt.Errorf("tuition: update details: %w", err)
	}
	return Post{}, r.classifyOwnerMiss(ctx, id, studentID, ErrPostNotPending)
}

// DeleteByOwner removes the owner's own post along with its applications.
// Closed posts are part of the settlement record and stay put.
func (r *PGRepository) DeleteByOwner(ctx context.Context, id, studentID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM tuition_posts WHERE id = $1 AND student_id = $2 AND status <> 'closed'`,
		id, studentID)
	if err != nil {
		return fmt.Errorf("tuition: delete post: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.classifyOwnerMiss(ctx, id, studentID, ErrPostClosed)
}

// classifyOwnerMiss resolves a zero-row owner-scoped write into the sentinel
// the caller can act on.
func (r *PGRepository) classifyOwnerMiss(ctx context.Context, id, studentID string, stateErr error) error {
	var ownerID string
	err := r.pool.QueryRow(ctx, `SELECT student_id FROM tuition_posts WHERE id = $1`, id).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("tuition: owner check: %w", err)
	}
	if ownerID != studentID {
		return ErrForbidden
	}
	return stateErr
}

// AdjustApplicationsCount nudges the display counter, clamped at zero. Best
// effort only.
func (r *PGRepository) AdjustApplicationsCount(ctx context.Context, id string, delta int) error {
	const query = `
		UPDATE tuition_posts
		SET applications_count = GREATEST(applications_count + $2, 0),
		    updated_at = now()
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, delta); err != nil {
		return fmt.Errorf("tuition: adjust applications count: %w", err)
	}
	return nil
}

// Close transitions an approved post to closed and records the hired tutor.
// The update is conditional on the approved status so two settlements cannot
// both close the same post.
func (r *PGRepository) Close(ctx context.Context, id, tutorID string) (Post, error) {
	query := `
		UPDATE tuition_posts
		SET status = 'closed',
		    assigned_tutor_id = $2,
		    updated_at = now()
		WHERE id = $1 AND status = 'approved'
		RETURNING ` + postColumns

	post, err := scanPost(r.pool.QueryRow(ctx, query, id, tutorID))
	if err == nil {
		return post, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Post{}, fmt.Errorf("tuition: close post: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tuition_posts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Post{}, fmt.Errorf("tuition: close check: %w", err)
	}
	if exists {
		return Post{}, ErrPostNotOpen
	}
	return Post{}, ErrNotFound
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Post, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	base := `SELECT ` + postColumns + ` FROM tuition_posts`
	where := []string{"1=1"}
	args := []any{}

	if filters.StudentID != "" {
		where = append(where, fmt.Sprintf("student_id=$%d", len(args)+1))
		args = append(args, filters.StudentID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.Subject != "" {
		where = append(where, fmt.Sprintf("subject ILIKE '%%' || $%d || '%%'", len(args)+1))
		args = append(args, filters.Subject)
	}
	if filters.Location != "" {
		where = append(where, fmt.Sprintf("location ILIKE '%%' || $%d || '%%'", len(args)+1))
		args = append(args, filters.Location)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`%s%s ORDER BY %s %s LIMIT %d OFFSET %d`, base, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("tuition: query list: %w", err)
	}
	defer rows.Close()

	list := []Post{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("tuition: scan post: %w", err)
		}
		list = append(list, post)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("tuition: iterate posts: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM tuition_posts%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("tuition: count list: %w", err)
	}

	return list, total, nil
}

func scanPost(row pgx.Row) (Post, error) {
	var post Post
	return post, row.Scan(
		&post.ID,
		&post.StudentID,
		&post.Title,
		&post.Subject,
		&post.ClassLevel,
		&post.Location,
		&post.BudgetMin,
		&post.BudgetMax,
		&post.Schedule,
		&post.Description,
		&post.Status,
		&post.ApplicationsCount,
		&post.AssignedTutorID,
		&post.CreatedAt,
		&post.UpdatedAt,
	)
}

func mapSortKey(key string) string {
	switch key {
	case "subject":
		return "subject"
	case "budgetMin":
		return "budget_min"
	case "budgetMax":
		return "budget_max"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}
