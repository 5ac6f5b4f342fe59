package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_approved_application",
			SQL: `SELECT post_id, COUNT(*) FROM applications
                  WHERE status = 'approved'
                  GROUP BY post_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_payment_implies_approved",
			SQL: `SELECT p.id, a.status FROM payments p
                  JOIN applications a ON a.id = p.application_id
                  WHERE a.status <> 'approved'`,
		},
		{
			Name: "O3_charge_ref_unique",
			SQL: `SELECT external_charge_ref, COUNT(*) FROM payments
                  GROUP BY external_charge_ref HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_closed_post_linkage",
			SQL: `SELECT tp.id FROM tuition_posts tp
                  WHERE tp.status = 'closed'
                    AND (tp.assigned_tutor_id IS NULL
                      OR NOT EXISTS (
                          SELECT 1 FROM applications a
                          WHERE a.post_id = tp.id
                            AND a.status = 'approved'
                            AND a.tutor_id = tp.assigned_tutor_id))`,
		},
		{
			Name: "O5_application_pair_unique",
			SQL: `SELECT post_id, tutor_id, COUNT(*) FROM applications
                  GROUP BY post_id, tutor_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_counter_non_negative",
			SQL:  `SELECT id, applications_count FROM tuition_posts WHERE applications_count < 0`,
		},
		{
			Name: "O7_ledger_append_only",
			SQL: `SELECT a.id FROM applications a
                  WHERE a.payment_id IS NOT NULL
                    AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.id = a.payment_id)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
