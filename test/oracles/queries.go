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

// All returns the invariant checks run against a live database mid-stress.
// Every query selects violating rows; an empty result means the invariant
// holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_no_negative_balance",
			SQL:  `SELECT order_id, balance FROM orders WHERE balance < 0`,
		},
		{
			Name: "O2_single_funding",
			SQL: `SELECT payment_id, COUNT(*) FROM payment_events
                  WHERE type = 'payment.funded'
                  GROUP BY payment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_single_settlement",
			SQL: `SELECT payment_id, COUNT(*) FROM payment_events
                  WHERE type IN ('payment.released','payment.refunded')
                  GROUP BY payment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_balance_conservation",
			SQL: `SELECT o.order_id, o.balance, COALESCE(SUM(
                      CASE WHEN e.type IN ('order.deposited','payment.funded') THEN e.amount
                           WHEN e.type IN ('payment.released','payment.refunded','order.swept') THEN -e.amount
                           ELSE 0 END), 0) AS from_events
                  FROM orders o
                  LEFT JOIN payment_events e ON e.order_id = o.order_id
                  GROUP BY o.order_id, o.balance
                  HAVING o.balance <> COALESCE(SUM(
                      CASE WHEN e.type IN ('order.deposited','payment.funded') THEN e.amount
                           WHEN e.type IN ('payment.released','payment.refunded','order.swept') THEN -e.amount
                           ELSE 0 END), 0)`,
		},
		{
			Name: "O5_dispute_state_linkage",
			SQL: `SELECT d.payment_id FROM disputes d
                  JOIN payments p ON p.id = d.payment_id
                  WHERE (d.resolved AND p.state <> 'resolved')
                     OR (NOT d.resolved AND p.state <> 'disputed')`,
		},
		{
			Name: "O6_resolution_recorded",
			SQL: `SELECT payment_id FROM disputes
                  WHERE resolved AND (resolution IS NULL OR resolution = '' OR resolved_at IS NULL)`,
		},
		{
			Name: "O7_terminal_event_present",
			SQL: `SELECT p.id, p.state FROM payments p
                  WHERE p.state IN ('released','refunded')
                    AND NOT EXISTS (
                        SELECT 1 FROM payment_events e
                        WHERE e.payment_id = p.id AND e.type = 'payment.' || p.state)`,
		},
		{
			Name: "O8_funded_has_funding_event",
			SQL: `SELECT p.id FROM payments p
                  WHERE p.state IN ('funded','disputed','resolved','released','refunded')
                    AND NOT EXISTS (
                        SELECT 1 FROM payment_events e
                        WHERE e.payment_id = p.id AND e.type = 'payment.funded')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
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
