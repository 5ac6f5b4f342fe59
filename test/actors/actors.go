package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Settler replays the settlement write sequence for one external charge over
// and over, mimicking the webhook and client-confirm paths racing each other.
// The conditional pending-to-approved update is the only guarded step; losers
// must observe the winner's writes and stand down.
func Settler(ctx context.Context, pool *pgxpool.Pool, chargeRef, applicationID, postID, studentID, tutorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tag, err := pool.Exec(ctx, `UPDATE applications SET status='approved', updated_at=now() WHERE id=$1 AND status='pending'`, applicationID)
		if err != nil {
			return fmt.Errorf("settler approve: %w", err)
		}
		if tag.RowsAffected() == 1 {
			// Winner: ledger first, then the dependent writes.
			var paymentID string
			err := pool.QueryRow(ctx, `
				INSERT INTO payments (external_charge_ref, application_id, post_id, student_id, tutor_id, amount, currency)
				VALUES ($1, $2, $3, $4, $5, 5500, 'BDT')
				RETURNING id
			`, chargeRef, applicationID, postID, studentID, tutorID).Scan(&paymentID)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23505" {
					// duplicate charge; another run already settled
					continue
				}
				return fmt.Errorf("settler ledger insert: %w", err)
			}
			if _, err := pool.Exec(ctx, `UPDATE applications SET approved_at=now(), payment_id=$2, updated_at=now() WHERE id=$1 AND status='approved'`, applicationID, paymentID); err != nil {
				return fmt.Errorf("settler finalize: %w", err)
			}
			if _, err := pool.Exec(ctx, `UPDATE tuition_posts SET status='closed', assigned_tutor_id=$2, updated_at=now() WHERE id=$1 AND status='approved'`, postID, tutorID); err != nil {
				return fmt.Errorf("settler close post: %w", err)
			}
			if _, err := pool.Exec(ctx, `UPDATE applications SET status='closed', updated_at=now() WHERE post_id=$1 AND id<>$2 AND status='pending'`, postID, applicationID); err != nil {
				return fmt.Errorf("settler supersede: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Applicant hammers the same (post, tutor) pair with inserts; the unique
// constraint must admit at most one live row.
func Applicant(ctx context.Context, pool *pgxpool.Pool, postID, tutorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO applications (post_id, tutor_id, qualifications, experience, expected_salary, availability)
			VALUES ($1, $2, 'BSc', '2 years', 5000, 'evenings')
		`, postID, tutorID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// expected under contention
			} else if !errors.Is(err, context.Canceled) {
				return fmt.Errorf("applicant insert: %w", err)
			}
		} else {
			_, _ = pool.Exec(ctx, `UPDATE tuition_posts SET applications_count = GREATEST(applications_count + 1, 0) WHERE id=$1`, postID)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Withdrawer deletes its own pending application and decrements the display
// counter, racing the supersede sweep for the same rows.
func Withdrawer(ctx context.Context, pool *pgxpool.Pool, postID, tutorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tag, err := pool.Exec(ctx, `DELETE FROM applications WHERE post_id=$1 AND tutor_id=$2 AND status='pending'`, postID, tutorID)
		if err != nil {
			return fmt.Errorf("withdrawer delete: %w", err)
		}
		if tag.RowsAffected() == 1 {
			_, _ = pool.Exec(ctx, `UPDATE tuition_posts SET applications_count = GREATEST(applications_count - 1, 0) WHERE id=$1`, postID)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Moderator flips pending posts between approved and rejected, but must never
// resurrect a closed one.
func Moderator(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	statuses := []string{"approved", "rejected"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		status := statuses[rand.Intn(len(statuses))]
		var postID string
		err := pool.QueryRow(ctx, `SELECT id FROM tuition_posts WHERE status='pending' LIMIT 1`).Scan(&postID)
		if err == nil {
			_, _ = pool.Exec(ctx, `UPDATE tuition_posts SET status=$2::post_status, updated_at=now() WHERE id=$1 AND status <> 'closed'`, postID, status)
		} else if !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("moderator pick: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Notifier emits alert rows the way the services do, exercising the
// notifications table under write load.
func Notifier(ctx context.Context, pool *pgxpool.Pool, recipientID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO notifications (recipient_id, kind, title, body)
			VALUES ($1, 'payment', 'Payment Successful', 'stress notification')
		`, recipientID)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("notifier insert: %w", err)
		}
		time.Sleep(time.Duration(80+rand.Intn(80)) * time.Millisecond)
	}
}
