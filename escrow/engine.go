package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"escrowflow/dochash"
	"escrowflow/money"
	"escrowflow/wallet"
)

const maxFeeRateBps = 1000

// Options configures an Engine at construction.
type Options struct {
	// FeeRateBps is the platform fee in basis points of a thousand
	// (25 means 2.5%). Deducted from every release before crediting the
	// supplier.
	FeeRateBps int64
	// HoldingAccount receives funded amounts until release or refund.
	HoldingAccount string
	// FeeAccount receives the platform's cut on release.
	FeeAccount string
	// Emitter receives lifecycle events; nil means discard.
	Emitter Emitter
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Engine drives the payment state machine. It validates guards, submits
// transfers through the wallet adapter, and only after confirmation applies
// the matching store transition. A failed guard or a failed transport call
// leaves payment state and ledger balance untouched.
//
// Construct one engine per process and hand it to callers; collaborators are
// injected so the same logic runs against the simulator or a real backend.
type Engine struct {
	store      Store
	transport  wallet.Adapter
	emitter    Emitter
	feeRateBps int64
	holding    string
	feeAccount string
	nowFn      func() time.Time

	mu         sync.Mutex
	orderLocks map[int64]*orderLock
}

// orderLock is reference counted so idle entries can be evicted. The map
// otherwise grows with every order id ever touched.
type orderLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine wires an engine with its collaborators.
func NewEngine(store Store, transport wallet.Adapter, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("escrow: store required")
	}
	if transport == nil {
		return nil, fmt.Errorf("escrow: transport adapter required")
	}
	if opts.FeeRateBps < 0 || opts.FeeRateBps > maxFeeRateBps {
		return nil, fmt.Errorf("escrow: fee rate %d out of range [0,%d]", opts.FeeRateBps, maxFeeRateBps)
	}
	if strings.TrimSpace(opts.HoldingAccount) == "" {
		return nil, fmt.Errorf("escrow: holding account required")
	}
	if opts.FeeRateBps > 0 && strings.TrimSpace(opts.FeeAccount) == "" {
		return nil, fmt.Errorf("escrow: fee account required when fee rate is set")
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = NoopEmitter{}
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:      store,
		transport:  transport,
		emitter:    emitter,
		feeRateBps: opts.FeeRateBps,
		holding:    opts.HoldingAccount,
		feeAccount: opts.FeeAccount,
		nowFn:      nowFn,
		orderLocks: make(map[int64]*orderLock),
	}, nil
}

// lockOrder serializes every balance-touching operation per order. Lost
// updates between concurrent read-modify-write sequences are impossible while
// the lock is held; the store's conditional writes are the backstop.
func (e *Engine) lockOrder(orderID int64) func() {
	e.mu.Lock()
	l, ok := e.orderLocks[orderID]
	if !ok {
		l = &orderLock{}
		e.orderLocks[orderID] = l
	}
	l.refs++
	e.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.orderLocks, orderID)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) emit(t EventType, paymentID, orderID, amount int64) {
	e.emitter.Emit(Event{Type: t, PaymentID: paymentID, OrderID: orderID, Amount: amount, At: e.nowFn()})
}

// submit sends one intent and waits for its confirmation.
func (e *Engine) submit(ctx context.Context, intent wallet.Intent) (*wallet.Receipt, error) {
	handle, err := e.transport.Submit(ctx, intent)
	if err != nil {
		return nil, err
	}
	return e.transport.AwaitConfirmation(ctx, handle)
}

func (e *Engine) transfer(ctx context.Context, from, to string, amount int64, memo string) (*wallet.Receipt, error) {
	return e.submit(ctx, wallet.TransferIntent{From: from, To: to, Amount: amount, Memo: memo})
}

// CreatePaymentParams carries the caller's input for a new payment. Amount is
// in minor units; use money.Parse at the boundary.
type CreatePaymentParams struct {
	OrderID         int64
	Buyer           string
	Supplier        string
	Amount          int64
	Type            PaymentType
	MilestoneNumber int
	TotalMilestones int
	DocumentHash    string
}

func (p CreatePaymentParams) validate() error {
	if p.OrderID <= 0 {
		return &ValidationError{Field: "order_id", Reason: "must be positive"}
	}
	if strings.TrimSpace(p.Buyer) == "" {
		return &ValidationError{Field: "buyer", Reason: "required"}
	}
	if strings.TrimSpace(p.Supplier) == "" {
		return &ValidationError{Field: "supplier", Reason: "required"}
	}
	if p.Buyer == p.Supplier {
		return &ValidationError{Field: "supplier", Reason: "must differ from buyer"}
	}
	if p.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if p.Amount > money.MaxAmount {
		return &ValidationError{Field: "amount", Reason: "exceeds the maximum amount"}
	}
	if !p.Type.Valid() {
		return &ValidationError{Field: "payment_type", Reason: fmt.Sprintf("unsupported type %q", p.Type)}
	}
	switch p.Type {
	case TypeMilestone:
		if p.TotalMilestones <= 0 {
			return &ValidationError{Field: "total_milestones", Reason: "must be positive for milestone payments"}
		}
		if p.MilestoneNumber < 0 || p.MilestoneNumber > p.TotalMilestones {
			return &ValidationError{Field: "milestone_number", Reason: "must be between 0 and total_milestones"}
		}
	default:
		if p.MilestoneNumber != 0 || p.TotalMilestones != 0 {
			return &ValidationError{Field: "milestone_number", Reason: "only valid for milestone payments"}
		}
	}
	if err := dochash.Validate(p.DocumentHash); err != nil {
		return &ValidationError{Field: "document_hash", Reason: err.Error()}
	}
	return nil
}

// CreatePayment records a new payment in state Created. No funds move; the id
// counter is only consumed once the input has passed validation.
func (e *Engine) CreatePayment(ctx context.Context, params CreatePaymentParams) (*Payment, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	unlock := e.lockOrder(params.OrderID)
	defer unlock()

	payment := &Payment{
		OrderID:         params.OrderID,
		Buyer:           strings.TrimSpace(params.Buyer),
		Supplier:        strings.TrimSpace(params.Supplier),
		Amount:          params.Amount,
		State:           StateCreated,
		Type:            params.Type,
		MilestoneNumber: params.MilestoneNumber,
		TotalMilestones: params.TotalMilestones,
		DocumentHash:    strings.ToLower(params.DocumentHash),
		CreatedAt:       e.nowFn(),
	}

	id, err := e.store.InsertPayment(ctx, payment)
	if err != nil {
		return nil, fmt.Errorf("escrow: insert payment: %w", err)
	}
	payment.ID = id

	e.emit(EventPaymentCreated, id, payment.OrderID, 0)
	return payment.Clone(), nil
}

// Confirmation reports a completed money movement.
type Confirmation struct {
	PaymentID int64
	OrderID   int64
	Amount    int64
	Fee       int64
	Payout    int64
	Balance   int64
	Receipt   *wallet.Receipt
}

// FundPayment moves the full payment amount from the buyer into the holding
// account and flips the payment to Funded. The amount must match the payment
// exactly: partial funding does not exist.
func (e *Engine) FundPayment(ctx context.Context, paymentID, amount int64) (*Confirmation, error) {
	p, err := e.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockOrder(p.OrderID)
	defer unlock()

	// Re-read under the order lock: the state may have moved while we waited.
	p, err = e.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State != StateCreated {
		return nil, &StateGuardError{PaymentID: paymentID, State: p.State, Op: "fund"}
	}
	if amount != p.Amount {
		return nil, &ValidationError{Field: "amount", Reason: fmt.Sprintf("must equal payment amount %s", money.Format(p.Amount))}
	}

	receipt, err := e.transfer(ctx, p.Buyer, e.holding, amount, fmt.Sprintf("fund payment %d", paymentID))
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			return nil, &InsufficientBalanceError{Account: p.Buyer, Requested: amount}
		}
		return nil, err
	}

	if err := e.applyTransition(ctx, "fund", paymentID, func() error {
		return e.store.ApplyFunding(ctx, paymentID, p.OrderID, amount)
	}); err != nil {
		return nil, err
	}

	e.emit(EventPaymentFunded, paymentID, p.OrderID, amount)
	return &Confirmation{PaymentID: paymentID, OrderID: p.OrderID, Amount: amount, Receipt: receipt}, nil
}

// Deposit credits an order's balance directly, without a payment record. Used
// for milestone-less funding of an order.
func (e *Engine) Deposit(ctx context.Context, orderID int64, from string, amount int64) (*Confirmation, error) {
	if orderID <= 0 {
		return nil, &ValidationError{Field: "order_id", Reason: "must be positive"}
	}
	if strings.TrimSpace(from) == "" {
		return nil, &ValidationError{Field: "from", Reason: "required"}
	}
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if amount > money.MaxAmount {
		return nil, &ValidationError{Field: "amount", Reason: "exceeds the maximum amount"}
	}

	unlock := e.lockOrder(orderID)
	defer unlock()

	receipt, err := e.transfer(ctx, from, e.holding, amount, fmt.Sprintf("deposit order %d", orderID))
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			return nil, &InsufficientBalanceError{Account: from, Requested: amount}
		}
		return nil, err
	}

	balance, err := e.store.Deposit(ctx, orderID, amount)
	if err != nil {
		return nil, fmt.Errorf("escrow: record deposit: %w", err)
	}

	e.emit(EventOrderDeposited, 0, orderID, amount)
	return &Confirmation{OrderID: orderID, Amount: amount, Balance: balance, Receipt: receipt}, nil
}

// ReleasePayment settles a funded payment in the supplier's favour. The
// platform fee is deducted first; fee plus payout always equals the payment
// amount exactly.
func (e *Engine) ReleasePayment(ctx context.Context, paymentID int64) (*Confirmation, error) {
	p, err := e.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockOrder(p.OrderID)
	defer unlock()

	p, err = e.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State != StateFunded {
		return nil, &StateGuardError{PaymentID: paymentID, State: p.State, Op: "release"}
	}
	balance, err := e.store.OrderBalance(ctx, p.OrderID)
	if err != nil {
		return nil, fmt.Errorf("escrow: read order balance: %w", err)
	}
	if balance < p.Amount {
		return nil, &InsufficientBalanceError{OrderID: p.OrderID, Available: balance, Requested: p.Amount}
	}

	fee, payout := money.SplitFee(p.Amount, e.feeRateBps)

	receipt, err := e.payOut(ctx, p.Supplier, fee, payout, fmt.Sprintf("release payment %d", paymentID))
	if err != nil {
		return nil, err
	}

	if err := e.applyTransition(ctx, "release", paymentID, func() error {
		return e.store.ApplyRelease(ctx, paymentID, p.OrderID, p.Amount)
	}); err != nil {
		return nil, err
	}

	e.emit(EventPaymentReleased, paymentID, p.OrderID, p.Amount)
	return &Confirmation{PaymentID: paymentID, OrderID: p.OrderID, Amount: p.Amount, Fee: fee, Payout: payout, Receipt: receipt}, nil
}

// RefundPayment returns a funded payment's full amount to the buyer. No fee is
// taken on refund.
func (e *Engine) RefundPayment(ctx context.Context, paymentID int64) (*Confirmation, error) {
	p, err := e.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockOrder(p.OrderID)
	defer unlock()

	p, err = e.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State != StateFunded {
		return nil, &StateGuardError{PaymentID: paymentID, State: p.State, Op: "refund"}
	}
	balance, err := e.store.OrderBalance(ctx, p.OrderID)
	if err != nil {
		return nil, fmt.Errorf("escrow: read order balance: %w", err)
	}
	if balance < p.Amount {
		return nil, &InsufficientBalanceError{OrderID: p.OrderID, Available: balance, Requested: p.Amount}
	}

	receipt, err := e.transfer(ctx, e.holding, p.Buyer, p.Amount, fmt.Sprintf("refund payment %d", paymentID))
	if err != nil {
		return nil, err
	}

	if err := e.applyTransition(ctx, "refund", paymentID, func() error {
		return e.store.ApplyRefund(ctx, paymentID, p.OrderID, p.Amount)
	}); err != nil {
		return nil, err
	}

	e.emit(EventPaymentRefunded, paymentID, p.OrderID, p.Amount)
	return &Confirmation{PaymentID: paymentID, OrderID: p.OrderID, Amount: p.Amount, Payout: p.Amount, Receipt: receipt}, nil
}

// ReleaseToSupplier sweeps an order's entire held balance to the supplier with
// the usual fee split. It refuses to run while any payment on the order still
// holds funds (Funded or Disputed): sweeping those out from under their
// payments would break reconciliation.
func (e *Engine) ReleaseToSupplier(ctx context.Context, orderID int64, supplier string) (*Confirmation, error) {
	if orderID <= 0 {
		return nil, &ValidationError{Field: "order_id", Reason: "must be positive"}
	}
	if strings.TrimSpace(supplier) == "" {
		return nil, &ValidationError{Field: "supplier", Reason: "required"}
	}

	unlock := e.lockOrder(orderID)
	defer unlock()

	balance, err := e.store.OrderBalance(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("escrow: read order balance: %w", err)
	}
	if balance <= 0 {
		return nil, &InsufficientBalanceError{OrderID: orderID, Available: balance, Requested: 1}
	}

	ids, err := e.store.PaymentsForOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list order payments: %w", err)
	}
	for _, id := range ids {
		p, err := e.getPayment(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.State.HoldsFunds() {
			return nil, &StateGuardError{PaymentID: id, State: p.State, Op: "sweep order of"}
		}
	}

	fee, payout := money.SplitFee(balance, e.feeRateBps)

	receipt, err := e.payOut(ctx, supplier, fee, payout, fmt.Sprintf("sweep order %d", orderID))
	if err != nil {
		return nil, err
	}

	if err := e.store.SweepOrderBalance(ctx, orderID, balance); err != nil {
		return nil, fmt.Errorf("escrow: sweep order %d: %w", orderID, err)
	}

	e.emit(EventOrderSwept, 0, orderID, balance)
	return &Confirmation{OrderID: orderID, Amount: balance, Fee: fee, Payout: payout, Receipt: receipt}, nil
}

// CreateDispute files the single allowed dispute against a funded payment and
// flips it to Disputed. The held funds stay put until resolution.
func (e *Engine) CreateDispute(ctx context.Context, paymentID int64, reason, evidence string) (*Dispute, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &ValidationError{Field: "reason", Reason: "required"}
	}

	p, err := e.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockOrder(p.OrderID)
	defer unlock()

	p, err = e.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State != StateFunded {
		return nil, &StateGuardError{PaymentID: paymentID, State: p.State, Op: "dispute"}
	}

	d := &Dispute{
		PaymentID: paymentID,
		Reason:    strings.TrimSpace(reason),
		Evidence:  strings.TrimSpace(evidence),
		CreatedAt: e.nowFn(),
	}
	if err := e.store.ApplyDispute(ctx, d); err != nil {
		switch {
		case errors.Is(err, ErrDisputeExists), errors.Is(err, ErrStateConflict):
			return nil, e.guardFromCurrentState(ctx, paymentID, "dispute")
		case errors.Is(err, ErrPaymentNotFound):
			return nil, &NotFoundError{Kind: "payment", ID: paymentID}
		default:
			return nil, fmt.Errorf("escrow: file dispute: %w", err)
		}
	}

	e.emit(EventPaymentDisputed, paymentID, p.OrderID, 0)
	return d.Clone(), nil
}

// ResolveDispute records the outcome of a disputed payment and flips it to
// Resolved. Resolution is a recorded verdict, not a fund movement: once every
// payment on the order is terminal the balance is swept or refunded through
// the explicit calls.
func (e *Engine) ResolveDispute(ctx context.Context, paymentID int64, resolution string) (*Dispute, error) {
	if strings.TrimSpace(resolution) == "" {
		return nil, &ValidationError{Field: "resolution", Reason: "required"}
	}

	p, err := e.getPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockOrder(p.OrderID)
	defer unlock()

	if err := e.store.ApplyResolution(ctx, paymentID, strings.TrimSpace(resolution), e.nowFn()); err != nil {
		switch {
		case errors.Is(err, ErrDisputeNotFound):
			return nil, &NotFoundError{Kind: "dispute", ID: paymentID}
		case errors.Is(err, ErrDisputeResolved), errors.Is(err, ErrStateConflict):
			return nil, e.guardFromCurrentState(ctx, paymentID, "resolve")
		case errors.Is(err, ErrPaymentNotFound):
			return nil, &NotFoundError{Kind: "payment", ID: paymentID}
		default:
			return nil, fmt.Errorf("escrow: resolve dispute: %w", err)
		}
	}

	e.emit(EventPaymentResolved, paymentID, p.OrderID, 0)
	return e.GetDispute(ctx, paymentID)
}

// GetPayment returns a copy of the payment record.
func (e *Engine) GetPayment(ctx context.Context, paymentID int64) (*Payment, error) {
	return e.getPayment(ctx, paymentID)
}

// GetDispute returns a copy of the dispute filed against the payment.
func (e *Engine) GetDispute(ctx context.Context, paymentID int64) (*Dispute, error) {
	d, err := e.store.GetDispute(ctx, paymentID)
	if err != nil {
		if errors.Is(err, ErrDisputeNotFound) {
			return nil, &NotFoundError{Kind: "dispute", ID: paymentID}
		}
		return nil, fmt.Errorf("escrow: get dispute: %w", err)
	}
	return d.Clone(), nil
}

// GetBalance returns the order's held balance; zero for an unknown order.
func (e *Engine) GetBalance(ctx context.Context, orderID int64) (int64, error) {
	balance, err := e.store.OrderBalance(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("escrow: read order balance: %w", err)
	}
	return balance, nil
}

// GetOrderPayments returns the order's payment ids in creation order.
func (e *Engine) GetOrderPayments(ctx context.Context, orderID int64) ([]int64, error) {
	ids, err := e.store.PaymentsForOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list order payments: %w", err)
	}
	return ids, nil
}

func (e *Engine) getPayment(ctx context.Context, paymentID int64) (*Payment, error) {
	p, err := e.store.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return nil, &NotFoundError{Kind: "payment", ID: paymentID}
		}
		return nil, fmt.Errorf("escrow: get payment: %w", err)
	}
	return p.Clone(), nil
}

// payOut settles the fee-split release out of the holding account as one
// intent: a failed or timed-out confirmation means neither the supplier nor
// the fee account was credited, so the caller can retry without double-paying
// either leg.
func (e *Engine) payOut(ctx context.Context, supplier string, fee, payout int64, memo string) (*wallet.Receipt, error) {
	if fee == 0 {
		return e.transfer(ctx, e.holding, supplier, payout, memo)
	}
	return e.submit(ctx, wallet.FeeSplitIntent{
		From:       e.holding,
		To:         supplier,
		FeeAccount: e.feeAccount,
		Payout:     payout,
		Fee:        fee,
		Memo:       memo,
	})
}

// applyTransition runs a store transition and maps a lost CAS race back onto
// the guard error the caller would have seen had it arrived second.
func (e *Engine) applyTransition(ctx context.Context, op string, paymentID int64, apply func() error) error {
	err := apply()
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrStateConflict):
		return e.guardFromCurrentState(ctx, paymentID, op)
	case errors.Is(err, ErrPaymentNotFound):
		return &NotFoundError{Kind: "payment", ID: paymentID}
	case errors.Is(err, ErrNegativeBalance):
		p, perr := e.getPayment(ctx, paymentID)
		if perr != nil {
			return perr
		}
		balance, berr := e.store.OrderBalance(ctx, p.OrderID)
		if berr != nil {
			balance = 0
		}
		return &InsufficientBalanceError{OrderID: p.OrderID, Available: balance, Requested: p.Amount}
	default:
		return fmt.Errorf("escrow: apply %s: %w", op, err)
	}
}

func (e *Engine) guardFromCurrentState(ctx context.Context, paymentID int64, op string) error {
	p, err := e.getPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	return &StateGuardError{PaymentID: paymentID, State: p.State, Op: op}
}
