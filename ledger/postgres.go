package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
)

const pgUniqueViolation = "23505"

// PGStore persists payments, disputes and order balances in Postgres. Every
// Apply method runs its state flip and balance adjustment in one transaction,
// with the state flip expressed as a conditional UPDATE so a lost race
// surfaces as escrow.ErrStateConflict instead of a blind overwrite. Each
// transition also appends a payment_events row in the same transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) InsertPayment(ctx context.Context, p *escrow.Payment) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin insert payment: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	if err := tx.QueryRow(ctx, `SELECT nextval('payment_ids')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("ledger: allocate payment id: %w", err)
	}

	const insertSQL = `
INSERT INTO payments (id, order_id, buyer, supplier, amount, state, payment_type, milestone_number, total_milestones, document_hash, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`
	if _, err := tx.Exec(ctx, insertSQL,
		id, p.OrderID, p.Buyer, p.Supplier, p.Amount, string(p.State), string(p.Type),
		p.MilestoneNumber, p.TotalMilestones, p.DocumentHash, p.CreatedAt,
	); err != nil {
		return 0, fmt.Errorf("ledger: insert payment: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO orders (order_id, balance) VALUES ($1, 0) ON CONFLICT (order_id) DO NOTHING`, p.OrderID); err != nil {
		return 0, fmt.Errorf("ledger: ensure order row: %w", err)
	}

	if err := insertEvent(ctx, tx, id, p.OrderID, "payment.created", 0); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("ledger: commit insert payment: %w", err)
	}
	return id, nil
}

func (s *PGStore) GetPayment(ctx context.Context, id int64) (*escrow.Payment, error) {
	const query = `
SELECT id, order_id, buyer, supplier, amount, state, payment_type, milestone_number, total_milestones, document_hash, created_at
FROM payments WHERE id = $1
`
	var (
		p     escrow.Payment
		state string
		ptype string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.OrderID, &p.Buyer, &p.Supplier, &p.Amount, &state, &ptype,
		&p.MilestoneNumber, &p.TotalMilestones, &p.DocumentHash, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, escrow.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("ledger: get payment: %w", err)
	}
	p.State = escrow.PaymentState(state)
	p.Type = escrow.PaymentType(ptype)
	return &p, nil
}

func (s *PGStore) PaymentsForOrder(ctx context.Context, orderID int64) ([]int64, error) {
	// Ids are allocated from one sequence at insert, so id order is creation
	// order.
	rows, err := s.pool.Query(ctx, `SELECT id FROM payments WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list order payments: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: scan payment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate payment ids: %w", err)
	}
	return ids, nil
}

func (s *PGStore) OrderBalance(ctx context.Context, orderID int64) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM orders WHERE order_id = $1`, orderID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: order balance: %w", err)
	}
	return balance, nil
}

func (s *PGStore) Deposit(ctx context.Context, orderID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: deposit amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin deposit: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsertSQL = `
INSERT INTO orders (order_id, balance) VALUES ($1, $2)
ON CONFLICT (order_id) DO UPDATE SET balance = orders.balance + EXCLUDED.balance
RETURNING balance
`
	var balance int64
	if err := tx.QueryRow(ctx, upsertSQL, orderID, amount).Scan(&balance); err != nil {
		return 0, fmt.Errorf("ledger: deposit: %w", err)
	}

	if err := insertEvent(ctx, tx, 0, orderID, "order.deposited", amount); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("ledger: commit deposit: %w", err)
	}
	return balance, nil
}

func (s *PGStore) ApplyFunding(ctx context.Context, paymentID, orderID, amount int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin funding: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := casState(ctx, tx, paymentID, escrow.StateCreated, escrow.StateFunded); err != nil {
		return err
	}

	const creditSQL = `
INSERT INTO orders (order_id, balance) VALUES ($1, $2)
ON CONFLICT (order_id) DO UPDATE SET balance = orders.balance + EXCLUDED.balance
`
	if _, err := tx.Exec(ctx, creditSQL, orderID, amount); err != nil {
		return fmt.Errorf("ledger: credit order balance: %w", err)
	}

	if err := insertEvent(ctx, tx, paymentID, orderID, "payment.funded", amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit funding: %w", err)
	}
	return nil
}

func (s *PGStore) ApplyRelease(ctx context.Context, paymentID, orderID, amount int64) error {
	return s.applyDebit(ctx, paymentID, orderID, amount, escrow.StateReleased, "payment.released")
}

func (s *PGStore) ApplyRefund(ctx context.Context, paymentID, orderID, amount int64) error {
	return s.applyDebit(ctx, paymentID, orderID, amount, escrow.StateRefunded, "payment.refunded")
}

// applyDebit handles the two Funded exits that move funds out of the order
// balance. The balance debit is a single conditional UPDATE so it can never
// run the balance negative, even if a concurrent writer slipped past the
// engine's serialization.
func (s *PGStore) applyDebit(ctx context.Context, paymentID, orderID, amount int64, to escrow.PaymentState, event string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin %s: %w", event, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE orders SET balance = balance - $2 WHERE order_id = $1 AND balance >= $2`, orderID, amount)
	if err != nil {
		return fmt.Errorf("ledger: debit order balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrNegativeBalance
	}

	if err := casState(ctx, tx, paymentID, escrow.StateFunded, to); err != nil {
		return err
	}

	if err := insertEvent(ctx, tx, paymentID, orderID, event, amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit %s: %w", event, err)
	}
	return nil
}

func (s *PGStore) ApplyDispute(ctx context.Context, d *escrow.Dispute) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin dispute: %w", err)
	}
	defer tx.Rollback(ctx)

	var orderID int64
	if err := tx.QueryRow(ctx, `SELECT order_id FROM payments WHERE id = $1`, d.PaymentID).Scan(&orderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.ErrPaymentNotFound
		}
		return fmt.Errorf("ledger: load payment for dispute: %w", err)
	}

	if err := casState(ctx, tx, d.PaymentID, escrow.StateFunded, escrow.StateDisputed); err != nil {
		return err
	}

	const insertSQL = `
INSERT INTO disputes (payment_id, reason, evidence, resolved, created_at)
VALUES ($1, $2, $3, FALSE, $4)
`
	if _, err := tx.Exec(ctx, insertSQL, d.PaymentID, d.Reason, d.Evidence, d.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return escrow.ErrDisputeExists
		}
		return fmt.Errorf("ledger: insert dispute: %w", err)
	}

	if err := insertEvent(ctx, tx, d.PaymentID, orderID, "payment.disputed", 0); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit dispute: %w", err)
	}
	return nil
}

func (s *PGStore) ApplyResolution(ctx context.Context, paymentID int64, resolution string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin resolution: %w", err)
	}
	defer tx.Rollback(ctx)

	const updateSQL = `
UPDATE disputes
SET resolved = TRUE, resolution = $2, resolved_at = $3
WHERE payment_id = $1 AND resolved = FALSE
`
	tag, err := tx.Exec(ctx, updateSQL, paymentID, resolution, at)
	if err != nil {
		return fmt.Errorf("ledger: resolve dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var resolved bool
		if err := tx.QueryRow(ctx, `SELECT resolved FROM disputes WHERE payment_id = $1`, paymentID).Scan(&resolved); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return escrow.ErrDisputeNotFound
			}
			return fmt.Errorf("ledger: check dispute: %w", err)
		}
		return escrow.ErrDisputeResolved
	}

	var orderID int64
	if err := tx.QueryRow(ctx, `SELECT order_id FROM payments WHERE id = $1`, paymentID).Scan(&orderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.ErrPaymentNotFound
		}
		return fmt.Errorf("ledger: load payment for resolution: %w", err)
	}

	if err := casState(ctx, tx, paymentID, escrow.StateDisputed, escrow.StateResolved); err != nil {
		return err
	}

	if err := insertEvent(ctx, tx, paymentID, orderID, "payment.resolved", 0); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit resolution: %w", err)
	}
	return nil
}

func (s *PGStore) SweepOrderBalance(ctx context.Context, orderID, expected int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin sweep: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE orders SET balance = 0 WHERE order_id = $1 AND balance = $2`, orderID, expected)
	if err != nil {
		return fmt.Errorf("ledger: sweep balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrBalanceConflict
	}

	if err := insertEvent(ctx, tx, 0, orderID, "order.swept", expected); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit sweep: %w", err)
	}
	return nil
}

func (s *PGStore) GetDispute(ctx context.Context, paymentID int64) (*escrow.Dispute, error) {
	const query = `
SELECT payment_id, reason, evidence, resolved, COALESCE(resolution, ''), created_at, resolved_at
FROM disputes WHERE payment_id = $1
`
	var d escrow.Dispute
	err := s.pool.QueryRow(ctx, query, paymentID).Scan(
		&d.PaymentID, &d.Reason, &d.Evidence, &d.Resolved, &d.Resolution, &d.CreatedAt, &d.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, escrow.ErrDisputeNotFound
		}
		return nil, fmt.Errorf("ledger: get dispute: %w", err)
	}
	return &d, nil
}

// casState performs the guarded state flip inside the caller's transaction.
func casState(ctx context.Context, tx pgx.Tx, paymentID int64, from, to escrow.PaymentState) error {
	tag, err := tx.Exec(ctx, `UPDATE payments SET state = $3 WHERE id = $1 AND state = $2`,
		paymentID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("ledger: update payment state: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, paymentID).Scan(&exists); err != nil {
		return fmt.Errorf("ledger: check payment: %w", err)
	}
	if !exists {
		return escrow.ErrPaymentNotFound
	}
	return escrow.ErrStateConflict
}

func insertEvent(ctx context.Context, tx pgx.Tx, paymentID, orderID int64, eventType string, amount int64) error {
	var pid any
	if paymentID > 0 {
		pid = paymentID
	}
	const q = `INSERT INTO payment_events (payment_id, order_id, type, amount) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, q, pid, orderID, eventType, amount); err != nil {
		return fmt.Errorf("ledger: insert event: %w", err)
	}
	return nil
}
