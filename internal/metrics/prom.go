package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/raine/receipt-vision/internal/faults"
)

// promMirror exposes the same counters on /metrics. With a nil registerer
// the collectors still work but stay unregistered.
type promMirror struct {
	attempts  *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	retries   *prometheus.CounterVec
	kinds     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	cost      *prometheus.CounterVec
	alerts    *prometheus.CounterVec
}

func newPromMirror(reg prometheus.Registerer) *promMirror {
	factory := promauto.With(reg)
	return &promMirror{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptvision_attempts_total",
			Help: "Operation attempts by outcome.",
		}, []string{"operation", "outcome"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptvision_fallbacks_total",
			Help: "Requests answered by the fallback cascade.",
		}, []string{"operation"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptvision_retries_total",
			Help: "Retries scheduled by the retry engine.",
		}, []string{"operation"}),
		kinds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptvision_error_kinds_total",
			Help: "Classified failures by kind.",
		}, []string{"operation", "kind"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "receiptvision_operation_duration_seconds",
			Help:    "Operation latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
		}, []string{"operation"}),
		cost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptvision_model_cost_usd_total",
			Help: "Accumulated model spend in USD.",
		}, []string{"operation"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receiptvision_alerts_total",
			Help: "Alerts raised by type.",
		}, []string{"type"}),
	}
}

func (p *promMirror) observeAttempt(operation, outcome string, latency time.Duration) {
	p.attempts.WithLabelValues(operation, outcome).Inc()
	p.latency.WithLabelValues(operation).Observe(latency.Seconds())
}

func (p *promMirror) observeFallback(operation string) {
	p.fallbacks.WithLabelValues(operation).Inc()
}

func (p *promMirror) observeRetry(operation string) {
	p.retries.WithLabelValues(operation).Inc()
}

func (p *promMirror) observeKind(operation string, kind faults.Kind) {
	p.kinds.WithLabelValues(operation, string(kind)).Inc()
}

func (p *promMirror) observeCost(operation string, costUSD float64) {
	p.cost.WithLabelValues(operation).Add(costUSD)
}

func (p *promMirror) observeAlert(typ AlertType) {
	p.alerts.WithLabelValues(string(typ)).Inc()
}
