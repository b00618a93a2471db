// Package escrow owns the payment lifecycle: the state machine that moves a
// payment from creation through funding to release, refund or dispute
// resolution, and the balance accounting that goes with each transition.
package escrow

import (
	"time"
)

// PaymentState enumerates the lifecycle states of a payment.
type PaymentState string

const (
	StateCreated  PaymentState = "created"
	StateFunded   PaymentState = "funded"
	StateReleased PaymentState = "released"
	StateRefunded PaymentState = "refunded"
	StateDisputed PaymentState = "disputed"
	StateResolved PaymentState = "resolved"
)

// Valid reports whether the state is one of the supported values.
func (s PaymentState) Valid() bool {
	switch s {
	case StateCreated, StateFunded, StateReleased, StateRefunded, StateDisputed, StateResolved:
		return true
	default:
		return false
	}
}

// Terminal reports whether the main flow is finished for a payment in this
// state. Disputed is not terminal: it still awaits resolution.
func (s PaymentState) Terminal() bool {
	switch s {
	case StateReleased, StateRefunded, StateResolved:
		return true
	default:
		return false
	}
}

// HoldsFunds reports whether funds credited for this payment are still sitting
// in the order ledger balance.
func (s PaymentState) HoldsFunds() bool {
	return s == StateFunded || s == StateDisputed
}

// PaymentType distinguishes a one-shot payment from one leg of a milestone
// schedule.
type PaymentType string

const (
	TypeFullPayment PaymentType = "full_payment"
	TypeMilestone   PaymentType = "milestone"
)

// Valid reports whether the payment type is supported.
func (t PaymentType) Valid() bool {
	return t == TypeFullPayment || t == TypeMilestone
}

// Payment is the append-only record of a single escrowed payment. Everything
// except State is immutable after creation; State is mutated only by the
// engine through guarded transitions.
type Payment struct {
	ID              int64
	OrderID         int64
	Buyer           string
	Supplier        string
	Amount          int64 // minor units
	State           PaymentState
	Type            PaymentType
	MilestoneNumber int
	TotalMilestones int
	DocumentHash    string
	CreatedAt       time.Time
}

// Clone returns a copy the caller can mutate without touching the stored
// record.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Dispute is the single challenge a funded payment may receive. It is created
// with Resolved false and flips to true exactly once.
type Dispute struct {
	PaymentID  int64
	Reason     string
	Evidence   string
	Resolved   bool
	Resolution string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Clone returns a copy of the dispute record.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	if d.ResolvedAt != nil {
		at := *d.ResolvedAt
		clone.ResolvedAt = &at
	}
	return &clone
}
