package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ssrikantan/contoso-payments-api/internal/idempotency"
)

var errGatewayDown = errors.New("gateway unavailable")

// approveGateway approves every authorization and capture.
type approveGateway struct{}

func (approveGateway) Authorize(ctx context.Context, req GatewayRequest) (Verdict, error) {
	return Approve("AUTH0001"), nil
}

func (approveGateway) Capture(ctx context.Context, p *Payment) error { return nil }

// declineGateway declines every authorization.
type declineGateway struct{ reason string }

func (g declineGateway) Authorize(ctx context.Context, req GatewayRequest) (Verdict, error) {
	return Decline(g.reason), nil
}

func (declineGateway) Capture(ctx context.Context, p *Payment) error { return nil }

// failingGateway returns authErr / captureErr from the respective calls.
type failingGateway struct {
	authErr    error
	captureErr error
}

func (g failingGateway) Authorize(ctx context.Context, req GatewayRequest) (Verdict, error) {
	if g.authErr != nil {
		return Verdict{}, g.authErr
	}
	return Approve("AUTH0002"), nil
}

func (g failingGateway) Capture(ctx context.Context, p *Payment) error { return g.captureErr }

// countingGateway wraps another gateway, counts calls and can delay authorizations.
type countingGateway struct {
	next      Gateway
	delay     time.Duration
	authCalls atomic.Int64
	capCalls  atomic.Int64
}

func (g *countingGateway) Authorize(ctx context.Context, req GatewayRequest) (Verdict, error) {
	g.authCalls.Add(1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	return g.next.Authorize(ctx, req)
}

func (g *countingGateway) Capture(ctx context.Context, p *Payment) error {
	g.capCalls.Add(1)
	return g.next.Capture(ctx, p)
}

// blockingGateway blocks until the context is done, ignoring nothing else.
type blockingGateway struct{}

func (blockingGateway) Authorize(ctx context.Context, req GatewayRequest) (Verdict, error) {
	<-ctx.Done()
	return Verdict{}, ctx.Err()
}

func (blockingGateway) Capture(ctx context.Context, p *Payment) error {
	<-ctx.Done()
	return ctx.Err()
}

// recordingObserver keeps every event it sees.
type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) Observe(ctx context.Context, ev Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
	return nil
}

func (o *recordingObserver) snapshot() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Event, len(o.events))
	copy(out, o.events)
	return out
}

func newTestLifecycle(gw Gateway) (*Lifecycle, *InMemoryStore, *idempotency.InMemoryIndex) {
	store := NewInMemoryStore()
	index := idempotency.NewInMemoryIndex()
	return NewLifecycle(store, index, gw, Options{}), store, index
}

func cardRequest(amount string, token string) AuthorizeRequest {
	return AuthorizeRequest{
		OrderID:    "ORD-1",
		CustomerID: "CUST-1",
		Amount:     decimal.RequireFromString(amount),
		Currency:   "USD",
		Method:     MethodCreditCard,
		Card: &CardDetails{
			Token:    token,
			LastFour: "4242",
			Brand:    "visa",
		},
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// gatedGateway approves authorizations and captures, but each call blocks
// until release is closed or its context ends. entered receives one value
// per call that reached the gateway.
type gatedGateway struct {
	entered   chan struct{}
	release   chan struct{}
	authCalls atomic.Int64
}

func newGatedGateway() *gatedGateway {
	return &gatedGateway{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gatedGateway) wait(ctx context.Context) error {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedGateway) Authorize(ctx context.Context, req GatewayRequest) (Verdict, error) {
	g.authCalls.Add(1)
	if err := g.wait(ctx); err != nil {
		return Verdict{}, err
	}
	return Approve("AUTH0003"), nil
}

func (g *gatedGateway) Capture(ctx context.Context, p *Payment) error {
	return g.wait(ctx)
}

// captureGate approves authorizations immediately and gates captures.
type captureGate struct {
	*gatedGateway
}

func (captureGate) Authorize(ctx context.Context, req GatewayRequest) (Verdict, error) {
	return Approve("AUTH0004"), nil
}

// racingStore stores a competing payment under the same idempotency key
// just before the first keyed Insert, as a second process would.
type racingStore struct {
	*InMemoryStore
	once    sync.Once
	rivalID string
}

func (s *racingStore) Insert(ctx context.Context, p *Payment) error {
	if p.IdempotencyKey != "" {
		s.once.Do(func() {
			rival := p.Clone()
			rival.ID = s.rivalID
			rival.AuthorizationCode = "RIVAL001"
			_ = s.InMemoryStore.Insert(ctx, rival)
		})
	}
	return s.InMemoryStore.Insert(ctx, p)
}
