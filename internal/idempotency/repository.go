package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryIndex implements Index with a mutex-guarded map. The lock covers
// only the map operations, never a gateway call.
type InMemoryIndex struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// NewInMemoryIndex creates an empty in-memory index.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Reserve binds key to paymentID unless it is already bound.
func (x *InMemoryIndex) Reserve(ctx context.Context, key, paymentID string) (string, bool, error) {
	if err := ValidateKey(key); err != nil {
		return "", false, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if existing, ok := x.entries[key]; ok {
		return existing.PaymentID, false, nil
	}
	x.entries[key] = Entry{Key: key, PaymentID: paymentID, CreatedAt: x.now()}
	return paymentID, true, nil
}

// Lookup returns the payment ID bound to key.
func (x *InMemoryIndex) Lookup(ctx context.Context, key string) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.entries[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return entry.PaymentID, nil
}

// Release unbinds key if it still points at paymentID.
func (x *InMemoryIndex) Release(ctx context.Context, key, paymentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if entry, ok := x.entries[key]; ok && entry.PaymentID == paymentID {
		delete(x.entries, key)
	}
	return nil
}

// DeleteOlderThan removes entries created before now minus d.
func (x *InMemoryIndex) DeleteOlderThan(ctx context.Context, d time.Duration) (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	cutoff := x.now().Add(-d)
	var deleted int64
	for key, entry := range x.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(x.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of indexed keys.
func (x *InMemoryIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.entries)
}
