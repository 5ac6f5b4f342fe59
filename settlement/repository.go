package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tuitionflow/application"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrPaymentNotFound = errors.New("settlement: payment not found")
	// ErrDuplicateCharge signals the ledger already holds a row for the
	// external charge reference; the insert-time unique index raised it.
	ErrDuplicateCharge = errors.New("settlement: duplicate external charge reference")
)

// Store is the persistence surface the coordinator drives. The conditional
// approve is the single mutual-exclusion point of the whole settlement flow.
type Store interface {
	GetPaymentByChargeRef(ctx context.Context, ref string) (PaymentRecord, error)
	GetPaymentByApplication(ctx context.Context, applicationID string) (PaymentRecord, error)
	InsertPayment(ctx context.Context, rec PaymentRecord) (PaymentRecord, error)
	ApproveIfPending(ctx context.Context, applicationID string) (bool, error)
	FinalizeApproval(ctx context.Context, applicationID, paymentID string, at time.Time) (application.Application, error)
	HistoryForStudent(ctx context.Context, studentID string) ([]PaymentRecord, error)
	RevenueForTutor(ctx context.Context, tutorID string) ([]PaymentRecord, int64, error)
}

type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const paymentColumns = `id, external_charge_ref, application_id, post_id, student_id, tutor_id,
	amount, currency, created_at`

func (s *PGStore) GetPaymentByChargeRef(ctx context.Context, ref string) (PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE external_charge_ref = $1`
	return s.getPayment(ctx, query, ref)
}

func (s *PGStore) GetPaymentByApplication(ctx context.Context, applicationID string) (PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE application_id = $1`
	return s.getPayment(ctx, query, applicationID)
}

func (s *PGStore) getPayment(ctx context.Context, query string, arg any) (PaymentRecord, error) {
	rec, err := scanPayment(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentRecord{}, ErrPaymentNotFound
		}
		return PaymentRecord{}, fmt.Errorf("settlement: get payment: %w", err)
	}
	return rec, nil
}

// InsertPayment appends the ledger entry. This is the first durable write of
// a settlement; everything after it can be reconciled from this row.
func (s *PGStore) InsertPayment(ctx context.Context, rec PaymentRecord) (PaymentRecord, error) {
	query := `
		INSERT INTO payments (external_charge_ref, application_id, post_id, student_id, tutor_id, amount, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + paymentColumns

	created, err := scanPayment(s.pool.QueryRow(ctx, query,
		rec.ExternalChargeRef,
		rec.ApplicationID,
		rec.PostID,
		rec.StudentID,
		rec.TutorID,
		rec.Amount,
		rec.Currency,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return PaymentRecord{}, ErrDuplicateCharge
		}
		return PaymentRecord{}, fmt.Errorf("settlement: insert payment: %w", err)
	}
	return created, nil
}

// ApproveIfPending is the race guard: a single conditional write that flips
// the application from pending to approved. Exactly one concurrent caller
// sees rows-affected 1; everyone else observes the already-taken transition.
func (s *PGStore) ApproveIfPending(ctx context.Context, applicationID string) (bool, error) {
	const query = `
		UPDATE applications
		SET status = 'approved',
		    updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := s.pool.Exec(ctx, query, applicationID)
	if err != nil {
		return false, fmt.Errorf("settlement: approve if pending: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeApproval stamps the approval time and ledger linkage after the
// payment row exists.
func (s *PGStore) FinalizeApproval(ctx context.Context, applicationID, paymentID string, at time.Time) (application.Application, error) {
	const query = `
		UPDATE applications
		SET approved_at = $2,
		    payment_id = $3,
		    updated_at = now()
		WHERE id = $1 AND status = 'approved'
		RETURNING id, post_id, tutor_id, qualifications, experience, expected_salary,
			availability, note, status::text, approved_at, payment_id, created_at, updated_at
	`
	var app application.Application
	err := s.pool.QueryRow(ctx, query, applicationID, at, paymentID).Scan(
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
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return application.Application{}, fmt.Errorf("settlement: finalize approval: application %s is not approved", applicationID)
		}
		return application.Application{}, fmt.Errorf("settlement: finalize approval: %w", err)
	}
	return app, nil
}

func (s *PGStore) HistoryForStudent(ctx context.Context, studentID string) ([]PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE student_id = $1 ORDER BY created_at DESC`
	return s.listPayments(ctx, query, studentID)
}

// RevenueForTutor returns a tutor's completed payments and their sum.
func (s *PGStore) RevenueForTutor(ctx context.Context, tutorID string) ([]PaymentRecord, int64, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE tutor_id = $1 ORDER BY created_at DESC`
	records, err := s.listPayments(ctx, query, tutorID)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	for _, rec := range records {
		total += rec.Amount
	}
	return records, total, nil
}

func (s *PGStore) listPayments(ctx context.Context, query string, arg any) ([]PaymentRecord, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("settlement: list payments: %w", err)
	}
	defer rows.Close()

	out := make([]PaymentRecord, 0, 8)
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("settlement: scan payment: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate payments: %w", err)
	}
	return out, nil
}

func scanPayment(row pgx.Row) (PaymentRecord, error) {
	var rec PaymentRecord
	return rec, row.Scan(
		&rec.ID,
		&rec.ExternalChargeRef,
		&rec.ApplicationID,
		&rec.PostID,
		&rec.StudentID,
		&rec.TutorID,
		&rec.Amount,
		&rec.Currency,
		&rec.CreatedAt,
	)
}
