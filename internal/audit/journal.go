package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ssrikantan/contoso-payments-api/internal/middleware"
	"github.com/ssrikantan/contoso-payments-api/internal/payment"
)

var (
	// ErrNilRepository is returned when a Journal has no repository.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidEntityType is returned when an invalid entity type is provided.
	ErrInvalidEntityType = errors.New("entity type cannot be empty")
	// ErrInvalidEntityID is returned when an invalid entity ID is provided.
	ErrInvalidEntityID = errors.New("entity ID cannot be empty")
	// ErrInvalidAction is returned when an invalid action is provided.
	ErrInvalidAction = errors.New("action cannot be empty")
)

// unassignedID is the entity ID of attempts rejected before an ID was issued.
const unassignedID = "unassigned"

// ValidActions defines the allowed actions for journal entries.
var ValidActions = map[string]bool{
	string(payment.OpAuthorize): true,
	string(payment.OpCapture):   true,
	string(payment.OpVoid):      true,
	string(payment.OpRefund):    true,
}

func validateLogEntry(entry LogEntry) error {
	if entry.EntityType != EntityTypePayment {
		return ErrInvalidEntityType
	}
	if entry.EntityID == "" {
		return ErrInvalidEntityID
	}
	if !ValidActions[entry.Action] {
		return ErrInvalidAction
	}
	return nil
}

// Journal records every lifecycle operation, including rejected and failed
// attempts. It implements payment.Observer.
type Journal struct {
	repo   Repository
	logger *slog.Logger
}

var _ payment.Observer = (*Journal)(nil)

// NewJournal creates a journal backed by repo. A nil logger uses slog.Default().
func NewJournal(repo Repository, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{repo: repo, logger: logger}
}

// Observe appends an entry for ev. The caller's subject and request ID are
// taken from ctx.
func (j *Journal) Observe(ctx context.Context, ev payment.Event) error {
	if j.repo == nil {
		return ErrNilRepository
	}

	entry := LogEntry{
		Subject:    middleware.GetSubject(ctx),
		EntityType: EntityTypePayment,
		EntityID:   ev.PaymentID,
		Action:     string(ev.Operation),
		Outcome:    ev.Outcome,
		Reason:     ev.Reason,
		RequestID:  middleware.GetRequestID(ctx),
	}
	if entry.EntityID == "" {
		entry.EntityID = unassignedID
	}
	if entry.Reason == "" && ev.Err != nil {
		entry.Reason = ev.Err.Error()
	}

	amount := ev.Amount
	if p := ev.Payment; p != nil {
		entry.Currency = p.Currency
		entry.Status = string(p.Status)
		if amount.IsZero() {
			amount = p.Amount
		}
	}
	if !amount.IsZero() {
		entry.Amount = amount.String()
	}

	if err := validateLogEntry(entry); err != nil {
		return err
	}

	e, err := j.repo.Append(ctx, entry)
	if err != nil {
		return err
	}
	j.logger.DebugContext(ctx, "audit entry recorded",
		slog.String("audit_id", e.ID),
		slog.String("payment_id", e.EntityID),
		slog.String("action", e.Action),
		slog.String("outcome", e.Outcome),
	)
	return nil
}

// History returns the entries for a payment, oldest first.
func (j *Journal) History(ctx context.Context, paymentID string) ([]*Entry, error) {
	if j.repo == nil {
		return nil, ErrNilRepository
	}
	return j.repo.QueryByEntity(ctx, EntityTypePayment, paymentID, 0)
}

// Verify checks the whole chain and returns the number of entries checked.
func (j *Journal) Verify(ctx context.Context) (int, error) {
	if j.repo == nil {
		return 0, ErrNilRepository
	}
	entries, err := j.repo.QueryAll(ctx)
	if err != nil {
		return 0, err
	}
	return VerifyHashChain(entries)
}
