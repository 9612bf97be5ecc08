package health

import (
	"context"
	"errors"
	"testing"

	"github.com/ssrikantan/contoso-payments-api/internal/payment"
)

type fixedBreaker payment.BreakerState

func (b fixedBreaker) State() payment.BreakerState { return payment.BreakerState(b) }

func TestGatewayChecker(t *testing.T) {
	tests := []struct {
		state   payment.BreakerState
		wantErr error
	}{
		{payment.BreakerClosed, nil},
		{payment.BreakerHalfOpen, nil},
		{payment.BreakerOpen, ErrBreakerOpen},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			err := NewGatewayChecker(fixedBreaker(tt.state)).HealthCheck(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("HealthCheck() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
