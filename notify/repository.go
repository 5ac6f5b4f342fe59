package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("notify: notification not found")

// Repository persists notifications and doubles as the Emitter used by the
// settlement and application services.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Emit(ctx context.Context, n Notification) error {
	if n.RecipientID == "" || n.Kind == "" || n.Title == "" {
		return fmt.Errorf("notify: recipient, kind and title are required")
	}

	const query = `
		INSERT INTO notifications (recipient_id, sender_id, kind, title, body, related_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.pool.Exec(ctx, query, n.RecipientID, n.SenderID, n.Kind, n.Title, n.Body, n.RelatedID); err != nil {
		return fmt.Errorf("notify: insert: %w", err)
	}
	return nil
}

func (r *Repository) List(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const query = `
		SELECT id, recipient_id, sender_id, kind, title, body, related_id, read, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: list: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0, limit)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.SenderID, &n.Kind, &n.Title, &n.Body, &n.RelatedID, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate: %w", err)
	}
	return out, nil
}

// MarkAllRead flags every unread notification for the recipient and reports
// how many were flipped.
func (r *Repository) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET read = TRUE WHERE recipient_id = $1 AND NOT read`,
		recipientID)
	if err != nil {
		return 0, fmt.Errorf("notify: mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkRead flags the recipient's own notification as read.
func (r *Repository) MarkRead(ctx context.Context, recipientID, notificationID string) (Notification, error) {
	const query = `
		UPDATE notifications
		SET read = TRUE
		WHERE id = $1 AND recipient_id = $2
		RETURNING id, recipient_id, sender_id, kind, title, body, related_id, read, created_at
	`
	var n Notification
	err := r.pool.QueryRow(ctx, query, notificationID, recipientID).
		Scan(&n.ID, &n.RecipientID, &n.SenderID, &n.Kind, &n.Title, &n.Body, &n.RelatedID, &n.Read, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Notification{}, ErrNotFound
		}
		return Notification{}, fmt.Errorf("notify: mark read: %w", err)
	}
	return n, nil
}
