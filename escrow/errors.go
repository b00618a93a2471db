package escrow

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed input before any state is touched. It is
// never worth retrying unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("escrow: invalid %s: %s", e.Field, e.Reason)
}

// StateGuardError rejects an operation attempted from a state that does not
// permit it. Callers should re-fetch the payment before deciding what to do
// next.
type StateGuardError struct {
	PaymentID int64
	State     PaymentState
	Op        string
}

func (e *StateGuardError) Error() string {
	return fmt.Sprintf("escrow: cannot %s payment %d in state %s", e.Op, e.PaymentID, e.State)
}

// InsufficientBalanceError rejects a movement the order ledger or the paying
// party cannot cover. Not retryable until funds are added.
type InsufficientBalanceError struct {
	OrderID   int64  // set when the order ledger balance is short
	Account   string // set when a party account is short
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	if e.Account != "" {
		return fmt.Sprintf("escrow: account %s cannot cover %d", e.Account, e.Requested)
	}
	return fmt.Sprintf("escrow: order %d balance %d cannot cover %d", e.OrderID, e.Available, e.Requested)
}

// NotFoundError reports a missing payment, order entry or dispute.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("escrow: %s %d not found", e.Kind, e.ID)
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStateGuard reports whether err is a state-machine guard rejection.
func IsStateGuard(err error) bool {
	var se *StateGuardError
	return errors.As(err, &se)
}

// IsInsufficientBalance reports whether err is a balance rejection.
func IsInsufficientBalance(err error) bool {
	var ie *InsufficientBalanceError
	return errors.As(err, &ie)
}

// IsNotFound reports whether err refers to a missing record.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}
