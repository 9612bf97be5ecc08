package payment

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the gateway while the breaker is open.
var ErrCircuitOpen = errors.New("gateway circuit open")

// BreakerState is the state of a CircuitBreakerGateway.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig tunes a CircuitBreakerGateway.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit (default 5)
	SuccessThreshold int           // half-open successes that close it again (default 1)
	OpenTimeout      time.Duration // time before a half-open probe is allowed (default 30s)

	// IsFailure decides which errors count toward opening. Defaults to every
	// error except context cancellation by the caller.
	IsFailure func(error) bool

	// OnStateChange is called with the new state after every transition.
	OnStateChange func(BreakerState)
}

// CircuitBreakerGateway wraps a Gateway and fails fast after repeated failures.
// Declines are answers, not failures, and never trip the breaker.
type CircuitBreakerGateway struct {
	next Gateway
	cfg  BreakerConfig
	now  func() time.Time

	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	openedAt     time.Time
	probeRunning bool
}

// NewCircuitBreakerGateway decorates next with a circuit breaker.
func NewCircuitBreakerGateway(next Gateway, cfg BreakerConfig) *CircuitBreakerGateway {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	return &CircuitBreakerGateway{next: next, cfg: cfg, now: time.Now}
}

// Authorize forwards to the wrapped gateway unless the circuit is open.
func (g *CircuitBreakerGateway) Authorize(ctx context.Context, req GatewayRequest) (Verdict, error) {
	if err := g.beforeCall(); err != nil {
		return Verdict{}, err
	}
	v, err := g.next.Authorize(ctx, req)
	g.afterCall(err)
	return v, err
}

// Capture forwards to the wrapped gateway unless the circuit is open.
func (g *CircuitBreakerGateway) Capture(ctx context.Context, p *Payment) error {
	if err := g.beforeCall(); err != nil {
		return err
	}
	err := g.next.Capture(ctx, p)
	g.afterCall(err)
	return err
}

// State returns the current breaker state.
func (g *CircuitBreakerGateway) State() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// HealthCheck reports an error while the circuit is open.
func (g *CircuitBreakerGateway) HealthCheck(ctx context.Context) error {
	if g.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (g *CircuitBreakerGateway) beforeCall() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if g.now().Sub(g.openedAt) < g.cfg.OpenTimeout {
			return ErrCircuitOpen
		}
		g.setState(BreakerHalfOpen)
		g.successes = 0
		g.probeRunning = false
	}

	// Half-open admits one probe at a time.
	if g.probeRunning {
		return ErrCircuitOpen
	}
	g.probeRunning = true
	return nil
}

func (g *CircuitBreakerGateway) afterCall(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == BreakerHalfOpen {
		g.probeRunning = false
	}

	if err == nil {
		switch g.state {
		case BreakerClosed:
			g.failures = 0
		case BreakerHalfOpen:
			g.successes++
			if g.successes >= g.cfg.SuccessThreshold {
				g.failures = 0
				g.successes = 0
				g.setState(BreakerClosed)
			}
		}
		return
	}

	if !g.cfg.IsFailure(err) {
		return
	}

	switch g.state {
	case BreakerClosed:
		g.failures++
		if g.failures >= g.cfg.FailureThreshold {
			g.trip()
		}
	case BreakerHalfOpen:
		g.trip()
	}
}

// trip opens the circuit. Caller holds g.mu.
func (g *CircuitBreakerGateway) trip() {
	g.openedAt = g.now()
	g.successes = 0
	g.probeRunning = false
	g.setState(BreakerOpen)
}

// setState records a transition. Caller holds g.mu.
func (g *CircuitBreakerGateway) setState(s BreakerState) {
	if g.state == s {
		return
	}
	g.state = s
	if g.cfg.OnStateChange != nil {
		g.cfg.OnStateChange(s)
	}
}
