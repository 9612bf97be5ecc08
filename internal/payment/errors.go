package payment

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no payment exists with the given ID.
	ErrNotFound = errors.New("payment not found")

	// ErrDuplicateID is returned by Store.Insert when the ID is already taken.
	ErrDuplicateID = errors.New("payment id already exists")

	// ErrDuplicateIdempotencyKey is returned by Store.Insert when another
	// payment was already created under the same idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used by another payment")

	// ErrReservationPending is returned when another process holds the
	// idempotency key and did not produce a payment in time.
	ErrReservationPending = errors.New("idempotency key is held by an in-flight authorization")
)

// ValidationError reports a malformed authorization or refund request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidStateTransitionError reports an operation the current status forbids.
type InvalidStateTransitionError struct {
	PaymentID string
	Operation Operation
	Current   Status
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s payment %s in status %s", e.Operation, e.PaymentID, e.Current)
}

// InvalidRefundAmountError reports a refund amount outside (0, remaining].
type InvalidRefundAmountError struct {
	PaymentID string
	Requested decimal.Decimal
	Remaining decimal.Decimal
	Reason    string
}

func (e *InvalidRefundAmountError) Error() string {
	return fmt.Sprintf("invalid refund amount %s for payment %s (remaining %s): %s",
		e.Requested.String(), e.PaymentID, e.Remaining.String(), e.Reason)
}

// PaymentDeclinedError is returned when the gateway declines an authorization.
// The declined payment has been persisted and is carried in Payment.
type PaymentDeclinedError struct {
	Payment *Payment
	Reason  string
}

func (e *PaymentDeclinedError) Error() string {
	return fmt.Sprintf("payment %s declined: %s", e.Payment.ID, e.Reason)
}

// GatewayError wraps a gateway failure. No state change was made.
type GatewayError struct {
	Op  Operation
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ReceiptUnavailableError reports a receipt request for a payment that was never captured.
type ReceiptUnavailableError struct {
	PaymentID string
	Current   Status
}

func (e *ReceiptUnavailableError) Error() string {
	return fmt.Sprintf("receipt unavailable for payment %s in status %s", e.PaymentID, e.Current)
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
