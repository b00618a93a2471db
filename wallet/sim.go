package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulator is an in-memory stand-in for the real value-transfer system. It
// keeps party balances in a map and applies a submitted transfer only when the
// caller awaits its confirmation, mirroring the submit-then-confirm contract
// of a real chain. Failure and latency injection hooks exist for tests.
type Simulator struct {
	mu       sync.Mutex
	balances map[string]int64
	pending  map[string]Intent

	latency       time.Duration
	submitFailure error
	confirmFails  int

	nowFn func() time.Time
}

// NewSimulator returns an empty simulator. Seed balances with Mint before
// submitting transfers.
func NewSimulator() *Simulator {
	return &Simulator{
		balances: make(map[string]int64),
		pending:  make(map[string]Intent),
		nowFn:    time.Now,
	}
}

// Mint credits an account out of thin air. Test and bootstrap helper.
func (s *Simulator) Mint(account string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] += amount
}

// Balance returns the current balance of an account in minor units.
func (s *Simulator) Balance(account string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account]
}

// SetLatency makes every confirmation wait the given duration first, so tests
// can exercise context deadlines.
func (s *Simulator) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// FailSubmissions makes every Submit return the given error as a transport
// failure until called again with nil.
func (s *Simulator) FailSubmissions(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitFailure = err
}

// FailNextConfirmations makes the next n confirmations fail with a transport
// error while keeping the intent pending, so the caller can retry.
func (s *Simulator) FailNextConfirmations(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmFails = n
}

// SetNowFunc overrides the simulator clock. Tests only.
func (s *Simulator) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Submit validates and parks the intent for later confirmation. No balance is
// moved here.
func (s *Simulator) Submit(ctx context.Context, intent Intent) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, &TransportError{Op: "submit", Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.submitFailure != nil {
		return Handle{}, &TransportError{Op: "submit", Err: s.submitFailure}
	}

	switch it := intent.(type) {
	case TransferIntent:
		if it.From == "" || it.To == "" {
			return Handle{}, fmt.Errorf("wallet: transfer requires both accounts")
		}
		if it.Amount <= 0 {
			return Handle{}, fmt.Errorf("wallet: transfer amount must be positive")
		}
	case FeeSplitIntent:
		if it.From == "" || it.To == "" {
			return Handle{}, fmt.Errorf("wallet: fee split requires both accounts")
		}
		if it.Payout < 0 || it.Fee < 0 || it.Payout+it.Fee <= 0 {
			return Handle{}, fmt.Errorf("wallet: fee split amounts must sum positive")
		}
		if it.Fee > 0 && it.FeeAccount == "" {
			return Handle{}, fmt.Errorf("wallet: fee split with a fee requires a fee account")
		}
	default:
		return Handle{}, fmt.Errorf("wallet: unsupported intent %T", intent)
	}

	h := Handle{ID: uuid.NewString(), SubmittedAt: s.nowFn()}
	s.pending[h.ID] = intent
	return h, nil
}

// AwaitConfirmation applies the pending intent and returns its receipt. A
// context deadline surfaces as a timeout-flagged transport error with the
// intent still pending; the transfer may yet complete on a later await.
func (s *Simulator) AwaitConfirmation(ctx context.Context, handle Handle) (*Receipt, error) {
	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, &TransportError{Op: "confirm", Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded), Err: ctx.Err()}
		}
	} else if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "confirm", Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.pending[handle.ID]
	if !ok {
		return nil, ErrUnknownHandle
	}

	if s.confirmFails > 0 {
		s.confirmFails--
		return nil, &TransportError{Op: "confirm", Err: errors.New("injected confirmation failure")}
	}

	switch it := intent.(type) {
	case TransferIntent:
		if s.balances[it.From] < it.Amount {
			// Rejected by the ledger on the other side: drop the intent so a
			// retry does not double-apply once funds arrive unnoticed.
			delete(s.pending, handle.ID)
			return nil, fmt.Errorf("%w: account %s holds %d, needs %d",
				ErrInsufficientFunds, it.From, s.balances[it.From], it.Amount)
		}
		s.balances[it.From] -= it.Amount
		s.balances[it.To] += it.Amount
	case FeeSplitIntent:
		total := it.Payout + it.Fee
		if s.balances[it.From] < total {
			delete(s.pending, handle.ID)
			return nil, fmt.Errorf("%w: account %s holds %d, needs %d",
				ErrInsufficientFunds, it.From, s.balances[it.From], total)
		}
		// Both legs land under one lock hold: a payout can never confirm
		// with its fee still owed.
		s.balances[it.From] -= total
		if it.Payout > 0 {
			s.balances[it.To] += it.Payout
		}
		if it.Fee > 0 {
			s.balances[it.FeeAccount] += it.Fee
		}
	}

	delete(s.pending, handle.ID)
	return &Receipt{HandleID: handle.ID, ConfirmedAt: s.nowFn()}, nil
}
