package wallet

import (
	"errors"
	"fmt"
)

// ErrInsufficientFunds signals the debited account cannot cover the transfer.
// It is a business rejection, not a transport failure, and is never retryable
// without adding funds first.
var ErrInsufficientFunds = errors.New("wallet: insufficient funds")

// ErrUnknownHandle signals a confirmation request for a handle that was never
// submitted here.
var ErrUnknownHandle = errors.New("wallet: unknown intent handle")

// TransportError reports a network or chain level failure. The business state
// may or may not have changed on the other side; callers retry with backoff
// and must not assume the transfer failed.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("wallet: %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport-class failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
