package escrow

import (
	"time"

	"github.com/rs/zerolog"
)

// EventType names a lifecycle event emitted after a successful transition.
type EventType string

const (
	EventPaymentCreated  EventType = "payment.created"
	EventPaymentFunded   EventType = "payment.funded"
	EventPaymentReleased EventType = "payment.released"
	EventPaymentRefunded EventType = "payment.refunded"
	EventPaymentDisputed EventType = "payment.disputed"
	EventPaymentResolved EventType = "payment.resolved"
	EventOrderDeposited  EventType = "order.deposited"
	EventOrderSwept      EventType = "order.swept"
)

// Event is the immutable record of one applied transition. Amount carries the
// funds moved by the transition, zero for pure state flips.
type Event struct {
	Type      EventType
	PaymentID int64
	OrderID   int64
	Amount    int64
	At        time.Time
}

// Emitter receives lifecycle events. Emit is called after the transition has
// committed; implementations must not fail the operation.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// LogEmitter writes each event as a structured log line.
type LogEmitter struct {
	Logger zerolog.Logger
}

func (l LogEmitter) Emit(ev Event) {
	l.Logger.Info().
		Str("event", string(ev.Type)).
		Int64("payment_id", ev.PaymentID).
		Int64("order_id", ev.OrderID).
		Int64("amount", ev.Amount).
		Time("at", ev.At).
		Msg("escrow event")
}
