// Package wallet is the boundary to the underlying value-transfer system. The
// engine submits typed intents and waits for confirmation; whether the other
// side is a real chain or the in-memory simulator is invisible to it.
package wallet

import (
	"context"
	"time"
)

// Intent is a state-changing instruction for the value-transfer system. Each
// operation has its own variant so the contract is checked at compile time
// instead of through stringly-typed call encoding.
type Intent interface {
	intentKind() string
}

// TransferIntent moves an amount in minor units between two party accounts.
type TransferIntent struct {
	From   string
	To     string
	Amount int64
	Memo   string
}

func (TransferIntent) intentKind() string { return "transfer" }

// FeeSplitIntent pays a party and the fee account out of one source in a
// single settlement. Both legs apply together or not at all, so a
// confirmation failure can never leave the payout delivered with the fee
// still owed.
type FeeSplitIntent struct {
	From       string
	To         string
	FeeAccount string
	Payout     int64
	Fee        int64
	Memo       string
}

func (FeeSplitIntent) intentKind() string { return "fee_split" }

// Handle identifies a submitted intent while confirmation is pending.
type Handle struct {
	ID          string
	SubmittedAt time.Time
}

// Receipt reports a confirmed intent.
type Receipt struct {
	HandleID    string
	ConfirmedAt time.Time
}

// Adapter submits intents and waits for their confirmation. Submission and
// confirmation can each fail for transport reasons that say nothing about
// business validity; those surface as *TransportError.
type Adapter interface {
	Submit(ctx context.Context, intent Intent) (Handle, error)
	AwaitConfirmation(ctx context.Context, handle Handle) (*Receipt, error)
}
