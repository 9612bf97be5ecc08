// Package audit keeps a tamper-evident journal of payment lifecycle
// operations for compliance and incident response.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// EntityTypePayment is the entity type of every lifecycle entry.
const EntityTypePayment = "payment"

// Outcomes mirror the lifecycle outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeDeclined = "declined"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
	OutcomeReplayed = "replayed"
)

// Entry is a single journal record.
type Entry struct {
	ID         string
	Subject    string
	EntityType string
	EntityID   string
	Action     string
	Outcome    string
	CreatedAt  time.Time

	// Amount is the decimal string of the authorized or refunded amount.
	Amount   string
	Currency string
	Status   string
	Reason   string

	RequestID string

	// PreviousHash is the Hash of the entry before this one, empty for the first.
	PreviousHash string
	Hash         string
}

// LogEntry is the input for appending an entry.
type LogEntry struct {
	Subject    string
	EntityType string
	EntityID   string
	Action     string
	Outcome    string

	Amount   string
	Currency string
	Status   string
	Reason   string

	RequestID string
}

// computeHash returns the SHA-256 of e's content chained to e.PreviousHash.
func computeHash(e *Entry) string {
	fields := []string{
		e.PreviousHash,
		e.ID,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.Subject,
		e.EntityType,
		e.EntityID,
		e.Action,
		e.Outcome,
		e.Amount,
		e.Currency,
		e.Status,
		e.Reason,
		e.RequestID,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}
