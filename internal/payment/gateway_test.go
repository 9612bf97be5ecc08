package payment

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

func TestSimulatedGateway_Authorize(t *testing.T) {
	gw := NewSimulatedGateway()
	codePattern := regexp.MustCompile(`^[0-9A-F]{8}$`)

	tests := []struct {
		name       string
		token      string
		amount     string
		approved   bool
		wantReason string
	}{
		{"approved", "tok_visa", "100", true, ""},
		{"decline token", "tok_DECLINE_me", "100", false, "Card declined by issuer"},
		{"decline token lowercase", "decline-test", "100", false, "Card declined by issuer"},
		{"insufficient funds", "INSUFFICIENT-1", "100", false, "Insufficient funds"},
		{"over limit", "tok_visa", "10000.01", false, "Amount exceeds limit"},
		{"at limit", "tok_visa", "10000", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := gw.Authorize(context.Background(), GatewayRequest{
				Amount: dec(tt.amount),
				Card:   &CardDetails{Token: tt.token},
			})
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if v.Approved != tt.approved {
				t.Errorf("Approved = %v, want %v", v.Approved, tt.approved)
			}
			if v.DeclineReason != tt.wantReason {
				t.Errorf("DeclineReason = %q, want %q", v.DeclineReason, tt.wantReason)
			}
			if tt.approved && !codePattern.MatchString(v.AuthorizationCode) {
				t.Errorf("AuthorizationCode = %q, want 8 uppercase hex characters", v.AuthorizationCode)
			}
		})
	}
}

func TestSimulatedGateway_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSimulatedGateway().Authorize(ctx, GatewayRequest{Amount: dec("1")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Authorize() error = %v, want context.Canceled", err)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	inner := &countingGateway{next: failingGateway{authErr: errGatewayDown}}
	var states []BreakerState
	cb := NewCircuitBreakerGateway(inner, BreakerConfig{
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
		OnStateChange:    func(s BreakerState) { states = append(states, s) },
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cb.Authorize(ctx, GatewayRequest{}); !errors.Is(err, errGatewayDown) {
			t.Fatalf("call %d error = %v, want errGatewayDown", i, err)
		}
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("State() = %s, want open", cb.State())
	}

	if _, err := cb.Authorize(ctx, GatewayRequest{}); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker error = %v, want ErrCircuitOpen", err)
	}
	if inner.authCalls.Load() != 3 {
		t.Errorf("inner gateway called %d times, want 3", inner.authCalls.Load())
	}
	if err := cb.HealthCheck(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("HealthCheck() = %v, want ErrCircuitOpen", err)
	}
	if len(states) != 1 || states[0] != BreakerOpen {
		t.Errorf("state changes = %v, want [open]", states)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	gw := &switchableGateway{err: errGatewayDown}
	cb := NewCircuitBreakerGateway(gw, BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = cb.Authorize(ctx, GatewayRequest{})
	if cb.State() != BreakerOpen {
		t.Fatalf("State() = %s, want open", cb.State())
	}

	// A failed probe re-opens the circuit.
	now = now.Add(2 * time.Minute)
	if _, err := cb.Authorize(ctx, GatewayRequest{}); !errors.Is(err, errGatewayDown) {
		t.Fatalf("probe error = %v, want errGatewayDown", err)
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("State() after failed probe = %s, want open", cb.State())
	}

	// A successful probe closes it.
	now = now.Add(2 * time.Minute)
	gw.err = nil
	if _, err := cb.Authorize(ctx, GatewayRequest{}); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Errorf("State() after successful probe = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_DeclinesDoNotTrip(t *testing.T) {
	cb := NewCircuitBreakerGateway(declineGateway{reason: "no"}, BreakerConfig{FailureThreshold: 1})

	for i := 0; i < 5; i++ {
		v, err := cb.Authorize(context.Background(), GatewayRequest{})
		if err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
		if v.Approved {
			t.Fatal("expected a decline")
		}
	}
	if cb.State() != BreakerClosed {
		t.Errorf("State() = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpenMapsToGatewayError(t *testing.T) {
	cb := NewCircuitBreakerGateway(failingGateway{authErr: errGatewayDown}, BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})
	lc, store, _ := newTestLifecycle(cb)
	ctx := context.Background()

	_, _ = lc.Authorize(ctx, cardRequest("10", "tok_visa"))
	_, err := lc.Authorize(ctx, cardRequest("10", "tok_visa"))

	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Authorize() error = %v, want GatewayError wrapping ErrCircuitOpen", err)
	}
	all, _ := store.List(ctx, Filter{})
	if len(all) != 0 {
		t.Errorf("store holds %d payments, want 0", len(all))
	}
}

// switchableGateway fails with err when set.
type switchableGateway struct{ err error }

func (g *switchableGateway) Authorize(ctx context.Context, req GatewayRequest) (Verdict, error) {
	if g.err != nil {
		return Verdict{}, g.err
	}
	return Approve("AUTH0003"), nil
}

func (g *switchableGateway) Capture(ctx context.Context, p *Payment) error { return g.err }
