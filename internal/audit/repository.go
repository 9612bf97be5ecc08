package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrChainBroken is returned by VerifyHashChain when an entry was altered,
// removed or reordered.
var ErrChainBroken = errors.New("audit hash chain broken")

// Repository defines the interface for journal storage.
type Repository interface {
	// Append records an entry, chaining it to the previous one.
	Append(ctx context.Context, entry LogEntry) (*Entry, error)

	// QueryByEntity returns entries for an entity, oldest first.
	// A limit of 0 returns everything.
	QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error)

	// QueryBySubject returns entries recorded for a caller, newest first.
	// A limit of 0 returns everything.
	QueryBySubject(ctx context.Context, subject string, limit int) ([]*Entry, error)

	// QueryAll returns every entry, oldest first.
	QueryAll(ctx context.Context) ([]*Entry, error)

	// GetLastHash returns the hash of the newest entry, or "" when empty.
	GetLastHash() (string, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	entries []*Entry
	now     func() time.Time
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{now: time.Now}
}

// Append implements Repository.
func (r *InMemoryRepository) Append(ctx context.Context, entry LogEntry) (*Entry, error) {
	e := &Entry{
		ID:         uuid.New().String(),
		Subject:    entry.Subject,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Action:     entry.Action,
		Outcome:    entry.Outcome,
		CreatedAt:  r.now().UTC(),
		Amount:     entry.Amount,
		Currency:   entry.Currency,
		Status:     entry.Status,
		Reason:     entry.Reason,
		RequestID:  entry.RequestID,
	}

	r.mu.Lock()
	if n := len(r.entries); n > 0 {
		e.PreviousHash = r.entries[n-1].Hash
	}
	e.Hash = computeHash(e)
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	out := *e
	return &out, nil
}

// QueryByEntity implements Repository.
func (r *InMemoryRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Entry
	for _, e := range r.entries {
		if e.EntityType != entityType || e.EntityID != entityID {
			continue
		}
		cp := *e
		results = append(results, &cp)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// QueryBySubject implements Repository.
func (r *InMemoryRepository) QueryBySubject(ctx context.Context, subject string, limit int) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Entry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Subject != subject {
			continue
		}
		cp := *r.entries[i]
		results = append(results, &cp)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// QueryAll implements Repository.
func (r *InMemoryRepository) QueryAll(ctx context.Context) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*Entry, len(r.entries))
	for i, e := range r.entries {
		cp := *e
		results[i] = &cp
	}
	return results, nil
}

// GetLastHash implements Repository.
func (r *InMemoryRepository) GetLastHash() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return "", nil
	}
	return r.entries[len(r.entries)-1].Hash, nil
}

// VerifyHashChain recomputes every hash in order. It returns the number of
// entries checked, or ErrChainBroken naming the first bad entry.
func VerifyHashChain(entries []*Entry) (int, error) {
	prev := ""
	for i, e := range entries {
		if e.PreviousHash != prev {
			return i, fmt.Errorf("%w: entry %d (%s) does not link to its predecessor", ErrChainBroken, i, e.ID)
		}
		if computeHash(e) != e.Hash {
			return i, fmt.Errorf("%w: entry %d (%s) content does not match its hash", ErrChainBroken, i, e.ID)
		}
		prev = e.Hash
	}
	return len(entries), nil
}
