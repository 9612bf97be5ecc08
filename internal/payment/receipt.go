package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Receipt is the customer-facing projection of a captured payment.
type Receipt struct {
	ReceiptID         string           `json:"receipt_id"`
	PaymentID         string           `json:"payment_id"`
	OrderID           string           `json:"order_id"`
	CustomerID        string           `json:"customer_id"`
	Amount            decimal.Decimal  `json:"amount"`
	Currency          string           `json:"currency"`
	Status            Status           `json:"status"`
	PaymentMethod     Method           `json:"payment_method"`
	Card              string           `json:"card,omitempty"`
	CardBrand         string           `json:"card_brand,omitempty"`
	AuthorizationCode string           `json:"authorization_code"`
	CapturedAt        *time.Time       `json:"captured_at,omitempty"`
	RefundedAmount    *decimal.Decimal `json:"refunded_amount,omitempty"`
	IssuedAt          time.Time        `json:"issued_at"`
}

// NewReceipt projects p into a receipt. It fails for payments that were
// never captured.
func NewReceipt(p *Payment, issuedAt time.Time) (*Receipt, error) {
	if !receiptStatuses[p.Status] {
		return nil, &ReceiptUnavailableError{PaymentID: p.ID, Current: p.Status}
	}

	r := &Receipt{
		ReceiptID:         "RCP-" + p.ID,
		PaymentID:         p.ID,
		OrderID:           p.OrderID,
		CustomerID:        p.CustomerID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Status:            p.Status,
		PaymentMethod:     p.Method,
		CardBrand:         p.CardBrand,
		AuthorizationCode: p.AuthorizationCode,
		IssuedAt:          issuedAt,
	}
	if p.CardLastFour != "" {
		r.Card = "****" + p.CardLastFour
	}
	if p.CapturedAt != nil {
		t := *p.CapturedAt
		r.CapturedAt = &t
	}
	if p.RefundedAmount.IsPositive() {
		refunded := p.RefundedAmount
		r.RefundedAmount = &refunded
	}
	return r, nil
}
