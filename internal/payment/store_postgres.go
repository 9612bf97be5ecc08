package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/ssrikantan/contoso-payments-api/internal/tracing"
)

const paymentColumns = `id, order_id, customer_id, amount, currency, status, payment_method,
	card_last_four, card_brand, authorization_code, decline_reason, refunded_amount,
	idempotency_key, created_at, updated_at, captured_at, refunded_at`

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// idempotencyKeyConstraint is the name Postgres gives the UNIQUE constraint
// on payments.idempotency_key.
const idempotencyKeyConstraint = "payments_idempotency_key_key"

// PostgresStore is a Store backed by the payments table. Update locks the
// row with SELECT ... FOR UPDATE for the duration of the callback.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a store over an open database handle.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Insert adds a new payment row.
func (s *PostgresStore) Insert(ctx context.Context, p *Payment) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''),
			NULLIF($11, ''), $12, NULLIF($13, ''), $14, $15, $16, $17)`,
		p.ID, p.OrderID, p.CustomerID, p.Amount, p.Currency, string(p.Status), string(p.Method),
		p.CardLastFour, p.CardBrand, p.AuthorizationCode, p.DeclineReason, p.RefundedAmount,
		p.IdempotencyKey, p.CreatedAt, p.UpdatedAt, p.CapturedAt, p.RefundedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == idempotencyKeyConstraint {
				return ErrDuplicateIdempotencyKey
			}
			return ErrDuplicateID
		}
		return fmt.Errorf("insert payment %s: %w", p.ID, err)
	}
	return nil
}

// Get loads one payment by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (p *Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err = scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return p, err
}

// GetByIdempotencyKey loads the payment created under key.
func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (p *Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key)
	p, err = scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("idempotency key " + key)
	}
	return p, err
}

// Update locks the row, applies fn and writes the result in one transaction.
func (s *PostgresStore) Update(ctx context.Context, id string, fn func(p *Payment) error) (p *Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.WarnContext(ctx, "failed to rollback payment update",
				slog.String("payment_id", id),
				slog.String("error", rbErr.Error()),
			)
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	p, err = scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}

	if err := fn(p); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET
			status = $2, authorization_code = NULLIF($3, ''), decline_reason = NULLIF($4, ''),
			refunded_amount = $5, updated_at = $6, captured_at = $7, refunded_at = $8
		WHERE id = $1`,
		p.ID, string(p.Status), p.AuthorizationCode, p.DeclineReason,
		p.RefundedAmount, p.UpdatedAt, p.CapturedAt, p.RefundedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update payment %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit payment %s: %w", id, err)
	}
	return p, nil
}

// List returns matching payments ordered by insertion sequence.
func (s *PostgresStore) List(ctx context.Context, f Filter) (payments []*Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.OrderID != "" {
		add("order_id", f.OrderID)
	}
	if f.CustomerID != "" {
		add("customer_id", f.CustomerID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.EffectiveLimit())
	query += fmt.Sprintf(` ORDER BY seq LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	payments = make([]*Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p                                      Payment
		status, method                         string
		lastFour, brand, authCode, declineText sql.NullString
		idempotencyKey                         sql.NullString
		capturedAt, refundedAt                 sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.CustomerID, &p.Amount, &p.Currency, &status, &method,
		&lastFour, &brand, &authCode, &declineText, &p.RefundedAmount,
		&idempotencyKey, &p.CreatedAt, &p.UpdatedAt, &capturedAt, &refundedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	p.Status = Status(status)
	p.Method = Method(method)
	p.CardLastFour = lastFour.String
	p.CardBrand = brand.String
	p.AuthorizationCode = authCode.String
	p.DeclineReason = declineText.String
	p.IdempotencyKey = idempotencyKey.String
	if capturedAt.Valid {
		t := capturedAt.Time
		p.CapturedAt = &t
	}
	if refundedAt.Valid {
		t := refundedAt.Time
		p.RefundedAt = &t
	}
	return &p, nil
}
