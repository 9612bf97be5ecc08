package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Event describes one completed or rejected lifecycle operation.
type Event struct {
	Operation Operation
	PaymentID string
	// Payment is the record after the operation, or nil when the operation
	// was rejected before a record existed or changed.
	Payment *Payment
	Outcome string
	// Amount is the refunded amount for refunds and the authorized amount
	// for authorizations.
	Amount decimal.Decimal
	// Reason is the refund reason or the decline reason.
	Reason string
	Err    error
	At     time.Time
}

// Observer receives lifecycle events after the store has been written.
// Errors are logged and never undo the transition.
type Observer interface {
	Observe(ctx context.Context, ev Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event) error

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
