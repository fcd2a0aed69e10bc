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

// All returns the invariant queries. Each must come back empty at every point
// in time; a row is a counterexample.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_order_per_request",
			SQL: `SELECT request_id, COUNT(*) FROM orders
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_active_request_has_winner_and_order",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status = 'active'
                    AND (r.selected_performer_id IS NULL
                         OR NOT EXISTS (SELECT 1 FROM orders o WHERE o.request_id = r.id))`,
		},
		{
			Name: "O3_order_matches_selected_performer",
			SQL: `SELECT o.id FROM orders o
                  JOIN requests r ON r.id = o.request_id
                  WHERE r.selected_performer_id IS DISTINCT FROM o.performer_id`,
		},
		{
			Name: "O4_order_and_request_status_agree",
			SQL: `SELECT r.id, r.status, o.status FROM requests r
                  JOIN orders o ON o.request_id = r.id
                  WHERE (r.status = 'completed' AND o.status <> 'completed')
                     OR (r.status IN ('canceled_by_client','canceled_by_performer') AND o.status = 'active')`,
		},
		{
			Name: "O5_no_response_before_moderation",
			SQL: `SELECT rr.id FROM request_responses rr
                  JOIN requests r ON r.id = rr.request_id
                  WHERE r.moderation_status <> 'approved'`,
		},
		{
			Name: "O6_one_response_per_performer",
			SQL: `SELECT request_id, performer_id, COUNT(*) FROM request_responses
                  GROUP BY request_id, performer_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_review_only_for_completed_order",
			SQL: `SELECT v.id FROM reviews v
                  JOIN orders o ON o.id = v.order_id
                  WHERE o.status <> 'completed'`,
		},
		{
			Name: "O8_rating_aggregate_consistent",
			SQL: `SELECT p.id, p.rating, p.review_count FROM performers p
                  WHERE p.rating < 0 OR p.rating > 5
                     OR p.review_count <> (SELECT COUNT(*) FROM reviews v WHERE v.performer_id = p.id)`,
		},
		{
			Name: "O9_cancellation_carries_reason",
			SQL: `SELECT id FROM requests
                  WHERE status IN ('canceled_by_client','canceled_by_performer')
                    AND COALESCE(cancel_reason, '') = ''`,
		},
		{
			Name: "O10_outbox_progress",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
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
