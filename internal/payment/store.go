package payment

import (
	"context"
	"sync"
	"sync/atomic"
)

// Store persists payments. Implementations must serialize Update calls for
// the same ID while allowing updates to different IDs to proceed in parallel.
type Store interface {
	// Insert stores a new payment. Returns ErrDuplicateID if the ID exists
	// and ErrDuplicateIdempotencyKey if another payment holds the key.
	Insert(ctx context.Context, p *Payment) error

	// Get returns a copy of the payment. Returns ErrNotFound if missing.
	Get(ctx context.Context, id string) (*Payment, error)

	// GetByIdempotencyKey returns the payment created under key. Returns
	// ErrNotFound if no payment carries it.
	GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error)

	// Update runs fn on a copy of the payment while holding that payment's
	// lock. If fn returns nil the copy replaces the stored record; otherwise
	// the record is left untouched and fn's error is returned.
	Update(ctx context.Context, id string, fn func(p *Payment) error) (*Payment, error)

	// List returns payments matching the filter in creation order. Reads
	// never wait on an Update in progress.
	List(ctx context.Context, f Filter) ([]*Payment, error)
}

// storeEntry guards one payment record. mu serializes Update; current
// holds the last committed version, which is never modified once stored.
type storeEntry struct {
	mu      sync.Mutex
	current atomic.Pointer[Payment]
}

// InMemoryStore is an in-memory Store. The map lock is only held to find or
// add entries; transitions lock the individual entry and reads load the
// committed version without locking it.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*storeEntry
	byKey   map[string]string
	order   []string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]*storeEntry),
		byKey:   make(map[string]string),
	}
}

// Insert stores a copy of p.
func (s *InMemoryStore) Insert(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[p.ID]; exists {
		return ErrDuplicateID
	}
	if p.IdempotencyKey != "" {
		if _, exists := s.byKey[p.IdempotencyKey]; exists {
			return ErrDuplicateIdempotencyKey
		}
		s.byKey[p.IdempotencyKey] = p.ID
	}
	e := &storeEntry{}
	e.current.Store(p.Clone())
	s.entries[p.ID] = e
	s.order = append(s.order, p.ID)
	return nil
}

func (s *InMemoryStore) entry(id string) (*storeEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Get returns a copy of the payment with the given ID.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, notFound(id)
	}
	return e.current.Load().Clone(), nil
}

// GetByIdempotencyKey returns a copy of the payment created under key.
func (s *InMemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error) {
	s.mu.RLock()
	id, ok := s.byKey[key]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound("idempotency key " + key)
	}
	return s.Get(ctx, id)
}

// Update applies fn to the payment under its entry lock.
func (s *InMemoryStore) Update(ctx context.Context, id string, fn func(p *Payment) error) (*Payment, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, notFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.current.Load().Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	e.current.Store(working)
	return working.Clone(), nil
}

// List returns matching payments in insertion order.
func (s *InMemoryStore) List(ctx context.Context, f Filter) ([]*Payment, error) {
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	entries := make([]*storeEntry, len(ids))
	for i, id := range ids {
		entries[i] = s.entries[id]
	}
	s.mu.RUnlock()

	limit := f.EffectiveLimit()
	results := make([]*Payment, 0)
	for _, e := range entries {
		p := e.current.Load()
		if !f.Matches(p) {
			continue
		}
		results = append(results, p.Clone())
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}
