package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"

	"github.com/ssrikantan/contoso-payments-api/internal/tracing"
)

// IntentClient is the subset of the Stripe PaymentIntents API the gateway uses.
type IntentClient interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
}

// stripeIntents calls the Stripe SDK package functions.
type stripeIntents struct{}

func (stripeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(params)
}

func (stripeIntents) Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Capture(id, params)
}

// StripeGateway authorizes with manual-capture PaymentIntents. The intent ID
// is used as the authorization code so capture can find the intent again.
type StripeGateway struct {
	intents IntentClient
}

// NewStripeGateway configures the Stripe SDK with apiKey and returns a gateway.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{intents: stripeIntents{}}
}

// NewStripeGatewayWithClient returns a gateway backed by the given client.
func NewStripeGatewayWithClient(client IntentClient) *StripeGateway {
	return &StripeGateway{intents: client}
}

// Authorize creates and confirms a PaymentIntent with capture_method=manual.
// Card errors reported by Stripe become declines.
func (g *StripeGateway) Authorize(ctx context.Context, req GatewayRequest) (v Verdict, err error) {
	ctx, endSpan := tracing.StartGatewaySpan(ctx, "stripe", string(OpAuthorize))
	defer func() { endSpan(err) }()

	if req.Card == nil || req.Card.Token == "" {
		return Decline("Missing payment method"), nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(minorUnits(req)),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod:      stripe.String(req.Card.Token),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:            stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.PaymentID)
	params.AddMetadata("payment_id", req.PaymentID)

	intent, err := g.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return Decline(stripeErr.Msg), nil
		}
		return Verdict{}, fmt.Errorf("create payment intent: %w", err)
	}

	if intent.Status != stripe.PaymentIntentStatusRequiresCapture {
		return Decline(fmt.Sprintf("Payment intent not authorized (status %s)", intent.Status)), nil
	}
	return Approve(intent.ID), nil
}

// Capture captures the PaymentIntent recorded as the authorization code.
func (g *StripeGateway) Capture(ctx context.Context, p *Payment) (err error) {
	ctx, endSpan := tracing.StartGatewaySpan(ctx, "stripe", string(OpCapture))
	defer func() { endSpan(err) }()

	if p.AuthorizationCode == "" {
		return fmt.Errorf("payment %s has no payment intent", p.ID)
	}

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + p.ID)

	if _, err := g.intents.Capture(p.AuthorizationCode, params); err != nil {
		return fmt.Errorf("capture payment intent %s: %w", p.AuthorizationCode, err)
	}
	return nil
}

// minorUnits converts the request amount to the integer minor units Stripe expects.
func minorUnits(req GatewayRequest) int64 {
	return req.Amount.Shift(2).Round(0).IntPart()
}
