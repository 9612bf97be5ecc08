package payment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metric names.
const (
	MetricTransitionsTotal    = "payments_transitions_total"
	MetricGatewayDuration     = "payments_gateway_duration_seconds"
	MetricRefundedAmountTotal = "payments_refunded_amount_total"
	MetricIdempotencyHits     = "payments_idempotency_hits_total"
	MetricBreakerState        = "payments_gateway_breaker_state"
)

// Outcome labels for MetricTransitionsTotal.
const (
	OutcomeSuccess  = "success"
	OutcomeDeclined = "declined"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
	OutcomeReplayed = "replayed"
)

// Metrics holds the lifecycle collectors. A nil *Metrics records nothing.
type Metrics struct {
	transitions     *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	refunded        *prometheus.CounterVec
	idempotencyHits prometheus.Counter
	breakerState    prometheus.Gauge
}

// NewMetrics creates unregistered lifecycle metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTransitionsTotal,
				Help: "Lifecycle operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		gatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricGatewayDuration,
				Help:    "Gateway call latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		refunded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRefundedAmountTotal,
				Help: "Sum of refunded amounts by currency",
			},
			[]string{"currency"},
		),
		idempotencyHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricIdempotencyHits,
				Help: "Authorizations answered from an existing idempotency key",
			},
		),
		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricBreakerState,
				Help: "Gateway circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns every collector, for registration and tests.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transitions,
		m.gatewayDuration,
		m.refunded,
		m.idempotencyHits,
		m.breakerState,
	}
}

func (m *Metrics) observeTransition(op Operation, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(op), outcome).Inc()
}

func (m *Metrics) observeGateway(op Operation, seconds float64) {
	if m == nil {
		return
	}
	m.gatewayDuration.WithLabelValues(string(op)).Observe(seconds)
}

func (m *Metrics) addRefunded(currency string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.refunded.WithLabelValues(currency).Add(amount.InexactFloat64())
}

func (m *Metrics) incIdempotencyHit() {
	if m == nil {
		return
	}
	m.idempotencyHits.Inc()
}

// SetBreakerState publishes the breaker state; pass it as BreakerConfig.OnStateChange.
func (m *Metrics) SetBreakerState(s BreakerState) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(s))
}
