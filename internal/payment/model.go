// Package payment implements the payment lifecycle: authorization holds,
// captures, voids and refunds, backed by a pluggable store and gateway.
package payment

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of a payment.
type Status string

const (
	// StatusPending is the transient state before the gateway has answered.
	StatusPending Status = "pending"
	// StatusAuthorized means funds are held and may be captured or voided.
	StatusAuthorized Status = "authorized"
	// StatusCaptured means the held funds were settled.
	StatusCaptured Status = "captured"
	// StatusDeclined means the gateway refused the authorization.
	StatusDeclined Status = "declined"
	// StatusVoided means the hold was released before capture.
	StatusVoided Status = "voided"
	// StatusRefunded means the full captured amount was returned.
	StatusRefunded Status = "refunded"
	// StatusPartiallyRefunded means part of the captured amount was returned.
	StatusPartiallyRefunded Status = "partially_refunded"
	// StatusFailed means the authorization ended in a definitive failure.
	StatusFailed Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusAuthorized,
	StatusCaptured,
	StatusDeclined,
	StatusVoided,
	StatusRefunded,
	StatusPartiallyRefunded,
	StatusFailed,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no operation can move a payment out of s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Method is the payment instrument family.
type Method string

const (
	MethodCreditCard   Method = "credit_card"
	MethodDebitCard    Method = "debit_card"
	MethodBankTransfer Method = "bank_transfer"
	MethodWallet       Method = "digital_wallet"
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	switch m {
	case MethodCreditCard, MethodDebitCard, MethodBankTransfer, MethodWallet:
		return true
	}
	return false
}

// RequiresCard reports whether the method needs card details at authorization.
func (m Method) RequiresCard() bool {
	return m == MethodCreditCard || m == MethodDebitCard
}

// CardDetails is the instrument reference supplied at authorization.
// Token is forwarded to the gateway and never stored or logged.
type CardDetails struct {
	Token    string `json:"token"`
	LastFour string `json:"last_four"`
	Brand    string `json:"brand"`
	ExpMonth int    `json:"exp_month,omitempty"`
	ExpYear  int    `json:"exp_year,omitempty"`
}

// Payment is the persisted record of one payment.
type Payment struct {
	ID                string          `json:"id"`
	OrderID           string          `json:"order_id"`
	CustomerID        string          `json:"customer_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            Status          `json:"status"`
	Method            Method          `json:"payment_method"`
	CardLastFour      string          `json:"card_last_four,omitempty"`
	CardBrand         string          `json:"card_brand,omitempty"`
	AuthorizationCode string          `json:"authorization_code,omitempty"`
	DeclineReason     string          `json:"decline_reason,omitempty"`
	RefundedAmount    decimal.Decimal `json:"refunded_amount"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CapturedAt        *time.Time      `json:"captured_at,omitempty"`
	RefundedAt        *time.Time      `json:"refunded_at,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	cp := *p
	if p.CapturedAt != nil {
		t := *p.CapturedAt
		cp.CapturedAt = &t
	}
	if p.RefundedAt != nil {
		t := *p.RefundedAt
		cp.RefundedAt = &t
	}
	return &cp
}

// RemainingRefundable is the captured amount not yet refunded.
func (p *Payment) RemainingRefundable() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}

// AuthorizeRequest is the input to Lifecycle.Authorize.
type AuthorizeRequest struct {
	OrderID        string          `json:"order_id"`
	CustomerID     string          `json:"customer_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Method         Method          `json:"payment_method"`
	Card           *CardDetails    `json:"card_details,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// RefundRequest is the input to Lifecycle.Refund. A nil Amount refunds the
// whole remaining balance.
type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason"`
}

// Filter selects payments for Lifecycle.List. Zero fields match everything.
type Filter struct {
	OrderID    string
	CustomerID string
	Status     Status
	Limit      int
}

// DefaultListLimit caps List results when Filter.Limit is not positive.
const DefaultListLimit = 50

// Matches reports whether p satisfies every non-empty criterion of f.
func (f Filter) Matches(p *Payment) bool {
	if f.OrderID != "" && p.OrderID != f.OrderID {
		return false
	}
	if f.CustomerID != "" && p.CustomerID != f.CustomerID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	return true
}

// EffectiveLimit returns the limit List applies for f.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// NewID returns a fresh payment identifier of the form PAY-XXXXXXXXXXXX.
func NewID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "PAY-" + strings.ToUpper(hex[:12])
}
