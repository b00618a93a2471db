// Package ledger provides the persistence implementations behind the escrow
// engine: an in-memory store used by the simulator and tests, and a Postgres
// store for real deployments. Both satisfy escrow.Store, so the engine logic
// is identical whichever one backs it.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"escrowflow/escrow"
)

type orderEntry struct {
	balance    int64
	paymentIDs []int64
}

// MemoryStore keeps everything in maps behind a single mutex, which makes
// every Apply method trivially atomic. It is the swappable stand-in for the
// Postgres store.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	payments map[int64]*escrow.Payment
	disputes map[int64]*escrow.Dispute
	orders   map[int64]*orderEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[int64]*escrow.Payment),
		disputes: make(map[int64]*escrow.Dispute),
		orders:   make(map[int64]*orderEntry),
	}
}

func (s *MemoryStore) order(orderID int64) *orderEntry {
	o, ok := s.orders[orderID]
	if !ok {
		o = &orderEntry{}
		s.orders[orderID] = o
	}
	return o
}

func (s *MemoryStore) InsertPayment(_ context.Context, p *escrow.Payment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID

	stored := p.Clone()
	stored.ID = id
	s.payments[id] = stored
	o := s.order(p.OrderID)
	o.paymentIDs = append(o.paymentIDs, id)
	return id, nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id int64) (*escrow.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, escrow.ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) PaymentsForOrder(_ context.Context, orderID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	out := make([]int64, len(o.paymentIDs))
	copy(out, o.paymentIDs)
	return out, nil
}

func (s *MemoryStore) OrderBalance(_ context.Context, orderID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return 0, nil
	}
	return o.balance, nil
}

func (s *MemoryStore) Deposit(_ context.Context, orderID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("ledger: deposit amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.order(orderID)
	o.balance += amount
	return o.balance, nil
}

// swapState is the CAS primitive behind every transition.
func (s *MemoryStore) swapState(id int64, from, to escrow.PaymentState) (*escrow.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, escrow.ErrPaymentNotFound
	}
	if p.State != from {
		return nil, escrow.ErrStateConflict
	}
	p.State = to
	return p, nil
}

func (s *MemoryStore) ApplyFunding(_ context.Context, paymentID, orderID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.swapState(paymentID, escrow.StateCreated, escrow.StateFunded); err != nil {
		return err
	}
	s.order(orderID).balance += amount
	return nil
}

func (s *MemoryStore) ApplyRelease(_ context.Context, paymentID, orderID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.order(orderID)
	if o.balance < amount {
		return escrow.ErrNegativeBalance
	}
	if _, err := s.swapState(paymentID, escrow.StateFunded, escrow.StateReleased); err != nil {
		return err
	}
	o.balance -= amount
	return nil
}

func (s *MemoryStore) ApplyRefund(_ context.Context, paymentID, orderID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.order(orderID)
	if o.balance < amount {
		return escrow.ErrNegativeBalance
	}
	if _, err := s.swapState(paymentID, escrow.StateFunded, escrow.StateRefunded); err != nil {
		return err
	}
	o.balance -= amount
	return nil
}

func (s *MemoryStore) ApplyDispute(_ context.Context, d *escrow.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.disputes[d.PaymentID]; exists {
		return escrow.ErrDisputeExists
	}
	if _, err := s.swapState(d.PaymentID, escrow.StateFunded, escrow.StateDisputed); err != nil {
		return err
	}
	s.disputes[d.PaymentID] = d.Clone()
	return nil
}

func (s *MemoryStore) ApplyResolution(_ context.Context, paymentID int64, resolution string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disputes[paymentID]
	if !ok {
		return escrow.ErrDisputeNotFound
	}
	if d.Resolved {
		return escrow.ErrDisputeResolved
	}
	if _, err := s.swapState(paymentID, escrow.StateDisputed, escrow.StateResolved); err != nil {
		return err
	}
	d.Resolved = true
	d.Resolution = resolution
	resolvedAt := at
	d.ResolvedAt = &resolvedAt
	return nil
}

func (s *MemoryStore) SweepOrderBalance(_ context.Context, orderID, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.balance != expected {
		return escrow.ErrBalanceConflict
	}
	o.balance = 0
	return nil
}

func (s *MemoryStore) GetDispute(_ context.Context, paymentID int64) (*escrow.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disputes[paymentID]
	if !ok {
		return nil, escrow.ErrDisputeNotFound
	}
	return d.Clone(), nil
}
