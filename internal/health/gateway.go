package health

import (
	"context"
	"errors"

	"github.com/ssrikantan/contoso-payments-api/internal/payment"
)

// ErrBreakerOpen is reported while the gateway circuit breaker rejects calls.
var ErrBreakerOpen = errors.New("gateway circuit breaker is open")

// BreakerStater exposes a circuit breaker's state.
// *payment.CircuitBreakerGateway implements it.
type BreakerStater interface {
	State() payment.BreakerState
}

// GatewayChecker fails readiness while the gateway breaker is open. A
// half-open breaker counts as ready so probe traffic can close it.
type GatewayChecker struct {
	breaker BreakerStater
}

// NewGatewayChecker creates a checker for breaker.
func NewGatewayChecker(breaker BreakerStater) *GatewayChecker {
	return &GatewayChecker{breaker: breaker}
}

// HealthCheck implements the readiness check.
func (g *GatewayChecker) HealthCheck(ctx context.Context) error {
	if g.breaker.State() == payment.BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}
