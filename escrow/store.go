package escrow

import (
	"context"
	"errors"
	"time"
)

// Store sentinel errors. Implementations return these so the engine can map a
// storage-level rejection onto the caller-facing error classes.
var (
	ErrPaymentNotFound = errors.New("escrow: payment not found")
	ErrDisputeNotFound = errors.New("escrow: dispute not found")
	// ErrStateConflict signals a compare-and-swap transition lost its race:
	// the payment was no longer in the expected state when the write landed.
	ErrStateConflict = errors.New("escrow: payment state changed underneath")
	// ErrNegativeBalance signals a balance adjustment that would take the
	// order ledger below zero. The adjustment is not applied.
	ErrNegativeBalance = errors.New("escrow: order balance would go negative")
	// ErrBalanceConflict signals a sweep raced a concurrent balance change.
	ErrBalanceConflict = errors.New("escrow: order balance changed underneath")
	ErrDisputeExists   = errors.New("escrow: dispute already filed")
	ErrDisputeResolved = errors.New("escrow: dispute already resolved")
)

// Store is the persistence collaborator behind the engine. Each Apply method
// performs its state flip and balance adjustment as one atomic unit: a single
// transaction in the Postgres implementation, a single mutex hold in the
// in-memory one. State flips are compare-and-swap, never blind overwrites.
//
// All operations touching one order must be linearizable with respect to each
// other; the engine additionally serializes them per order.
type Store interface {
	// InsertPayment assigns the next payment id, persists the record and
	// appends it to its order's payment list. Ids are strictly increasing and
	// never reused.
	InsertPayment(ctx context.Context, p *Payment) (int64, error)
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	// PaymentsForOrder returns the order's payment ids in creation order.
	PaymentsForOrder(ctx context.Context, orderID int64) ([]int64, error)

	// OrderBalance returns the held balance for the order; zero for an order
	// the store has never seen.
	OrderBalance(ctx context.Context, orderID int64) (int64, error)
	// Deposit adds amount to the order balance and returns the new balance.
	Deposit(ctx context.Context, orderID, amount int64) (int64, error)

	// ApplyFunding flips Created->Funded and credits the order balance.
	ApplyFunding(ctx context.Context, paymentID, orderID, amount int64) error
	// ApplyRelease flips Funded->Released and debits the order balance,
	// failing with ErrNegativeBalance if the balance cannot cover it.
	ApplyRelease(ctx context.Context, paymentID, orderID, amount int64) error
	// ApplyRefund flips Funded->Refunded and debits the order balance.
	ApplyRefund(ctx context.Context, paymentID, orderID, amount int64) error
	// ApplyDispute flips Funded->Disputed and files the dispute record.
	// At most one dispute may ever exist per payment.
	ApplyDispute(ctx context.Context, d *Dispute) error
	// ApplyResolution flips Disputed->Resolved and marks the dispute
	// resolved, recording the resolution text and timestamp.
	ApplyResolution(ctx context.Context, paymentID int64, resolution string, at time.Time) error
	// SweepOrderBalance zeroes the order balance, failing with
	// ErrBalanceConflict unless it still equals expected.
	SweepOrderBalance(ctx context.Context, orderID, expected int64) error

	GetDispute(ctx context.Context, paymentID int64) (*Dispute, error)
}
