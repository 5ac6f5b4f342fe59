package settlement

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"tuitionflow/application"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func TestConcurrentSettlementSingleWinner(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	requiredTables := []string{"users", "tuition_posts", "applications", "payments"}
	for _, tbl := range requiredTables {
		if !tableExists(ctx, pool, tbl) {
			t.Skipf("table %s does not exist; ensure migrations are applied", tbl)
		}
	}

	mustInsert := func(query string, args ...any) string {
		var id string
		if err := pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			t.Fatalf("seed statement failed: %v", err)
		}
		return id
	}

	nonce := time.Now().UnixNano()
	studentID := mustInsert(`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Seed Student', 'x', 'student') RETURNING id`,
		fmt.Sprintf("student+%d@example.com", nonce))
	tutorID := mustInsert(`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Seed Tutor', 'x', 'tutor') RETURNING id`,
		fmt.Sprintf("tutor+%d@example.com", nonce))
	rivalID := mustInsert(`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Rival Tutor', 'x', 'tutor') RETURNING id`,
		fmt.Sprintf("rival+%d@example.com", nonce))

	postID := mustInsert(`
		INSERT INTO tuition_posts (student_id, title, subject, class_level, location, budget_min, budget_max, schedule, description, status)
		VALUES ($1, 'Physics tutor needed', 'Physics', '11', 'Dhaka', 4000, 6000, '3 days/week', 'HSC syllabus', 'approved')
		RETURNING id
	`, studentID)

	appID := mustInsert(`
		INSERT INTO applications (post_id, tutor_id, qualifications, experience, expected_salary, availability, status)
		VALUES ($1, $2, 'BSc', '3 years', 5500, 'evenings', 'pending')
		RETURNING id
	`, postID, tutorID)
	rivalAppID := mustInsert(`
		INSERT INTO applications (post_id, tutor_id, qualifications, experience, expected_salary, availability, status)
		VALUES ($1, $2, 'MSc', '5 years', 6000, 'mornings', 'pending')
		RETURNING id
	`, postID, rivalID)

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM payments WHERE post_id = $1`, postID)
		pool.Exec(ctx2, `DELETE FROM applications WHERE post_id = $1`, postID)
		pool.Exec(ctx2, `DELETE FROM tuition_posts WHERE id = $1`, postID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2, $3)`, studentID, tutorID, rivalID)
	})

	store := NewStore(pool)

	// Many callers race over the same conditional transition; exactly one wins.
	var wins int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			won, err := store.ApproveIfPending(gctx, appID)
			if err != nil {
				return err
			}
			if won {
				atomic.AddInt64(&wins, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent approve: %v", err)
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	rec, err := store.InsertPayment(ctx, PaymentRecord{
		ExternalChargeRef: fmt.Sprintf("pi_itest_%d", nonce),
		ApplicationID:     appID,
		PostID:            postID,
		StudentID:         studentID,
		TutorID:           tutorID,
		Amount:            5500,
		Currency:          "BDT",
	})
	if err != nil {
		t.Fatalf("insert payment: %v", err)
	}

	// The charge reference is the idempotency key; a replayed insert is refused.
	_, err = store.InsertPayment(ctx, PaymentRecord{
		ExternalChargeRef: rec.ExternalChargeRef,
		ApplicationID:     rivalAppID,
		PostID:            postID,
		StudentID:         studentID,
		TutorID:           rivalID,
		Amount:            6000,
		Currency:          "BDT",
	})
	if !errors.Is(err, ErrDuplicateCharge) {
		t.Fatalf("expected ErrDuplicateCharge, got %v", err)
	}

	approved, err := store.FinalizeApproval(ctx, appID, rec.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("finalize approval: %v", err)
	}
	if approved.Status != application.StatusApproved || approved.PaymentID == nil {
		t.Fatalf("unexpected finalized application: %+v", approved)
	}

	byRef, err := store.GetPaymentByChargeRef(ctx, rec.ExternalChargeRef)
	if err != nil || byRef.ID != rec.ID {
		t.Fatalf("get by charge ref: %v (%+v)", err, byRef)
	}

	_, total, err := store.RevenueForTutor(ctx, tutorID)
	if err != nil {
		t.Fatalf("revenue: %v", err)
	}
	if total != 5500 {
		t.Fatalf("expected revenue 5500, got %d", total)
	}
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, name string) bool {
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists); err != nil {
		return false
	}
	return exists
}
