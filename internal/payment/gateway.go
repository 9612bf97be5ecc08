package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GatewayRequest carries what a gateway needs to place an authorization hold.
type GatewayRequest struct {
	PaymentID string
	Amount    decimal.Decimal
	Currency  string
	Method    Method
	Card      *CardDetails
}

// Verdict is a gateway's answer to an authorization request.
// Exactly one of AuthorizationCode or DeclineReason is set.
type Verdict struct {
	Approved          bool
	AuthorizationCode string
	DeclineReason     string
}

// Approve returns an approving verdict with the given code.
func Approve(code string) Verdict {
	return Verdict{Approved: true, AuthorizationCode: code}
}

// Decline returns a declining verdict with the given reason.
func Decline(reason string) Verdict {
	return Verdict{DeclineReason: reason}
}

// Gateway is the external settlement provider. A returned error means the
// call failed (timeout, transport, provider outage); a decline is a Verdict.
type Gateway interface {
	Authorize(ctx context.Context, req GatewayRequest) (Verdict, error)
	Capture(ctx context.Context, p *Payment) error
}

// SimulatedGatewayLimit is the largest amount SimulatedGateway approves.
var SimulatedGatewayLimit = decimal.NewFromInt(10000)

// SimulatedGateway approves or declines deterministically from the card
// token and amount. It never fails.
type SimulatedGateway struct{}

// NewSimulatedGateway returns a gateway for local development and tests.
func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{}
}

// Authorize declines tokens containing DECLINE or INSUFFICIENT and amounts
// above SimulatedGatewayLimit; everything else is approved.
func (g *SimulatedGateway) Authorize(ctx context.Context, req GatewayRequest) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	var token string
	if req.Card != nil {
		token = strings.ToUpper(req.Card.Token)
	}

	switch {
	case strings.Contains(token, "DECLINE"):
		return Decline("Card declined by issuer"), nil
	case strings.Contains(token, "INSUFFICIENT"):
		return Decline("Insufficient funds"), nil
	case req.Amount.GreaterThan(SimulatedGatewayLimit):
		return Decline("Amount exceeds limit"), nil
	}
	return Approve(newAuthorizationCode()), nil
}

// Capture always succeeds.
func (g *SimulatedGateway) Capture(ctx context.Context, p *Payment) error {
	return ctx.Err()
}

func newAuthorizationCode() string {
	id := uuid.New()
	sum := sha256.Sum256(id[:])
	return strings.ToUpper(hex.EncodeToString(sum[:])[:8])
}
