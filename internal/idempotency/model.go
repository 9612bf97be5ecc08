// Package idempotency maps client-supplied idempotency keys to the payment
// created for them, so retried authorizations never create a second hold.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not indexed.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrInvalidKey is returned when the key is empty.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds MaxKeyLength.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// Entry is one indexed key.
type Entry struct {
	Key       string    `cbor:"1,keyasint" json:"key"`
	PaymentID string    `cbor:"2,keyasint" json:"payment_id"`
	CreatedAt time.Time `cbor:"3,keyasint" json:"created_at"`
}

// ValidateKey checks if an idempotency key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// Index maps idempotency keys to payment IDs.
type Index interface {
	// Reserve binds key to paymentID if the key is unbound. It returns the
	// payment ID the key is bound to after the call and whether this call
	// created the binding. Reserve is linearizable per key.
	Reserve(ctx context.Context, key, paymentID string) (owner string, reserved bool, err error)

	// Lookup returns the payment ID bound to key, or ErrKeyNotFound.
	Lookup(ctx context.Context, key string) (string, error)

	// Release removes the binding only if key is still bound to paymentID.
	Release(ctx context.Context, key, paymentID string) error

	// DeleteOlderThan removes bindings created more than d ago.
	DeleteOlderThan(ctx context.Context, d time.Duration) (int64, error)
}
