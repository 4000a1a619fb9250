package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/raine/receipt-vision/internal/breaker"
	"github.com/raine/receipt-vision/internal/faults"
)

const (
	// DefaultLatencyWindow is how many recent latency samples are kept per
	// operation.
	DefaultLatencyWindow = 100
	// DefaultLatencyCeiling is the per-call latency above which an alert
	// fires.
	DefaultLatencyCeiling = 20 * time.Second

	failureAlertThreshold  = 5
	failureAlertWindow     = 5 * time.Minute
	fallbackAlertThreshold = 3
	fallbackAlertWindow    = 10 * time.Minute

	// alertMuteWindow suppresses repeats of the same alert type for the
	// same operation.
	alertMuteWindow = 5 * time.Minute
	maxStoredAlerts = 200
)

// AlertType names a degradation pattern. Alerts are observations only; they
// never take corrective action themselves.
type AlertType string

const (
	AlertHighLatency        AlertType = "HIGH_LATENCY"
	AlertHighFailureRate    AlertType = "HIGH_FAILURE_RATE"
	AlertHighFallbackRate   AlertType = "HIGH_FALLBACK_RATE"
	AlertManualIntervention AlertType = "MANUAL_INTERVENTION"
)

// Alert is one entry in the append-only alert log.
type Alert struct {
	Type      AlertType       `json:"type"`
	Severity  faults.Severity `json:"severity"`
	Operation string          `json:"operation"`
	Message   string          `json:"message"`
	Time      time.Time       `json:"time"`
}

type opStats struct {
	total    int64
	success  int64
	failure  int64
	fallback int64
	retries  int64
	costUSD  float64

	latencies     []time.Duration
	attemptTimes  []time.Time
	failureTimes  []time.Time
	fallbackTimes []time.Time
	kinds         map[faults.Kind]int64
	lastOutcome   time.Time
}

// Options tunes a Service. Zero values get defaults; a nil Registerer keeps
// the Prometheus mirror unregistered, which tests rely on.
type Options struct {
	LatencyWindow  int
	LatencyCeiling time.Duration
	Registerer     prometheus.Registerer
}

// Service records per-operation outcomes, keeps bounded sliding windows and
// derives alerts from them. Safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	ops     map[string]*opStats
	alerts  []Alert
	muted   map[string]time.Time
	started time.Time
	now     func() time.Time

	latencyWindow  int
	latencyCeiling time.Duration

	onAlert       func(Alert)
	circuitStatus func() map[string]breaker.Status

	prom *promMirror
}

func NewService(opts Options) *Service {
	if opts.LatencyWindow <= 0 {
		opts.LatencyWindow = DefaultLatencyWindow
	}
	if opts.LatencyCeiling <= 0 {
		opts.LatencyCeiling = DefaultLatencyCeiling
	}
	return &Service{
		ops:            make(map[string]*opStats),
		muted:          make(map[string]time.Time),
		started:        time.Now(),
		now:            time.Now,
		latencyWindow:  opts.LatencyWindow,
		latencyCeiling: opts.LatencyCeiling,
		prom:           newPromMirror(opts.Registerer),
	}
}

// SetAlertHook registers a function called with every new alert, outside the
// service lock. Set it during startup, before recording begins.
func (s *Service) SetAlertHook(fn func(Alert)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAlert = fn
}

// SetCircuitStatusFunc wires in the circuit breaker view used by Report.
func (s *Service) SetCircuitStatusFunc(fn func() map[string]breaker.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitStatus = fn
}

func (s *Service) stats(operation string) *opStats {
	st, ok := s.ops[operation]
	if !ok {
		st = &opStats{kinds: make(map[faults.Kind]int64)}
		s.ops[operation] = st
	}
	return st
}

// RecordSuccess records one successful call and its latency.
func (s *Service) RecordSuccess(operation string, latency time.Duration) {
	s.prom.observeAttempt(operation, "success", latency)

	s.mu.Lock()
	now := s.now()
	st := s.stats(operation)
	st.total++
	st.success++
	s.observe(st, latency, now)
	fired := s.checkLatency(operation, latency, now)
	hook := s.onAlert
	s.mu.Unlock()

	dispatch(hook, fired)
}

// RecordFailure records one failed call with its classified kind.
func (s *Service) RecordFailure(operation string, latency time.Duration, kind faults.Kind) {
	s.prom.observeAttempt(operation, "failure", latency)
	s.prom.observeKind(operation, kind)

	s.mu.Lock()
	now := s.now()
	st := s.stats(operation)
	st.total++
	st.failure++
	st.kinds[kind]++
	st.failureTimes = pruneTimes(append(st.failureTimes, now), now.Add(-failureAlertWindow))
	s.observe(st, latency, now)

	var fired []Alert
	fired = append(fired, s.checkLatency(operation, latency, now)...)
	if len(st.failureTimes) >= failureAlertThreshold {
		fired = append(fired, s.fire(Alert{
			Type:      AlertHighFailureRate,
			Severity:  faults.SeverityHigh,
			Operation: operation,
			Message: fmt.Sprintf("%d failures on %s in the last %s",
				len(st.failureTimes), operation, failureAlertWindow),
			Time: now,
		})...)
	}
	hook := s.onAlert
	s.mu.Unlock()

	dispatch(hook, fired)
}

// RecordFallback records that a request was answered by the fallback
// cascade.
func (s *Service) RecordFallback(operation string) {
	s.prom.observeFallback(operation)

	s.mu.Lock()
	now := s.now()
	st := s.stats(operation)
	st.fallback++
	st.fallbackTimes = pruneTimes(append(st.fallbackTimes, now), now.Add(-fallbackAlertWindow))

	var fired []Alert
	if len(st.fallbackTimes) >= fallbackAlertThreshold {
		fired = s.fire(Alert{
			Type:      AlertHighFallbackRate,
			Severity:  faults.SeverityMedium,
			Operation: operation,
			Message: fmt.Sprintf("%d fallback results on %s in the last %s",
				len(st.fallbackTimes), operation, fallbackAlertWindow),
			Time: now,
		})
	}
	hook := s.onAlert
	s.mu.Unlock()

	dispatch(hook, fired)
}

// RecordRetry counts one scheduled retry.
func (s *Service) RecordRetry(operation string) {
	s.prom.observeRetry(operation)

	s.mu.Lock()
	s.stats(operation).retries++
	s.mu.Unlock()
}

// RecordCost accumulates model spend for an operation.
func (s *Service) RecordCost(operation string, costUSD float64) {
	s.prom.observeCost(operation, costUSD)

	s.mu.Lock()
	s.stats(operation).costUSD += costUSD
	s.mu.Unlock()
}

// RaiseAlert appends an alert directly, bypassing threshold evaluation but
// not mute suppression. Used for manual-intervention escalations.
func (s *Service) RaiseAlert(typ AlertType, severity faults.Severity, operation, message string) {
	s.mu.Lock()
	fired := s.fire(Alert{
		Type:      typ,
		Severity:  severity,
		Operation: operation,
		Message:   message,
		Time:      s.now(),
	})
	hook := s.onAlert
	s.mu.Unlock()

	dispatch(hook, fired)
}

func (s *Service) observe(st *opStats, latency time.Duration, now time.Time) {
	st.lastOutcome = now
	st.attemptTimes = pruneTimes(append(st.attemptTimes, now), now.Add(-failureAlertWindow))
	st.latencies = append(st.latencies, latency)
	if len(st.latencies) > s.latencyWindow {
		st.latencies = st.latencies[len(st.latencies)-s.latencyWindow:]
	}
}

func (s *Service) checkLatency(operation string, latency time.Duration, now time.Time) []Alert {
	if latency <= s.latencyCeiling {
		return nil
	}
	return s.fire(Alert{
		Type:      AlertHighLatency,
		Severity:  faults.SeverityMedium,
		Operation: operation,
		Message: fmt.Sprintf("%s took %s, ceiling is %s",
			operation, latency.Round(time.Millisecond), s.latencyCeiling),
		Time: now,
	})
}

// fire appends the alert unless an identical type+operation alert fired
// within the mute window. Must be called with the lock held.
func (s *Service) fire(a Alert) []Alert {
	muteKey := string(a.Type) + "/" + a.Operation
	if until, ok := s.muted[muteKey]; ok && a.Time.Before(until) {
		return nil
	}
	s.muted[muteKey] = a.Time.Add(alertMuteWindow)

	s.alerts = append(s.alerts, a)
	if len(s.alerts) > maxStoredAlerts {
		s.alerts = s.alerts[len(s.alerts)-maxStoredAlerts:]
	}
	s.prom.observeAlert(a.Type)

	log.Warn().
		Str("type", string(a.Type)).
		Str("severity", string(a.Severity)).
		Str("operation", a.Operation).
		Msg(a.Message)

	return []Alert{a}
}

func dispatch(hook func(Alert), alerts []Alert) {
	if hook == nil {
		return
	}
	for _, a := range alerts {
		hook(a)
	}
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(ts) && ts[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return ts
	}
	return append(ts[:0:0], ts[idx:]...)
}
