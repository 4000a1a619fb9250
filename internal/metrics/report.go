package metrics

import (
	"fmt"
	"runtime"
	"time"

	"github.com/samber/lo"

	"github.com/raine/receipt-vision/internal/breaker"
	"github.com/raine/receipt-vision/internal/faults"
)

// OpMetrics is the point-in-time view of one operation.
type OpMetrics struct {
	Operation string `json:"operation"`
	Total     int64  `json:"total"`
	Success   int64  `json:"success"`
	Failure   int64  `json:"failure"`
	Fallback  int64  `json:"fallback"`
	Retries   int64  `json:"retries"`

	// Windowed views cover the recent sliding window only.
	WindowAttempts int           `json:"windowAttempts"`
	WindowFailures int           `json:"windowFailures"`
	ErrorRate      float64       `json:"errorRate"`
	AvgLatency     time.Duration `json:"avgLatency"`

	CostUSD     float64          `json:"costUSD"`
	ErrorKinds  map[string]int64 `json:"errorKinds,omitempty"`
	LastOutcome time.Time        `json:"lastOutcome"`
}

// Snapshot is the full current state of the metrics service.
type Snapshot struct {
	Uptime       time.Duration        `json:"uptime"`
	Operations   map[string]OpMetrics `json:"operations"`
	RecentAlerts []Alert              `json:"recentAlerts"`
}

// Report is the operator-facing summary with derived rates and
// recommendations.
type Report struct {
	GeneratedAt     time.Time `json:"generatedAt"`
	Uptime          string    `json:"uptime"`
	TotalRequests   int64     `json:"totalRequests"`
	SuccessRate     float64   `json:"successRate"`
	FallbackRate    float64   `json:"fallbackRate"`
	TopErrorKind    string    `json:"topErrorKind,omitempty"`
	OpenCircuits    int       `json:"openCircuits"`
	TotalCostUSD    float64   `json:"totalCostUSD"`
	AllocMB         float64   `json:"allocMB"`
	Goroutines      int       `json:"goroutines"`
	Recommendations []string  `json:"recommendations"`
}

// Snapshot returns a copy of all per-operation metrics and recent alerts.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ops := make(map[string]OpMetrics, len(s.ops))
	for name, st := range s.ops {
		attempts := countSince(st.attemptTimes, now.Add(-failureAlertWindow))
		failures := countSince(st.failureTimes, now.Add(-failureAlertWindow))
		errorRate := 0.0
		if attempts > 0 {
			errorRate = float64(failures) / float64(attempts)
		}

		kinds := make(map[string]int64, len(st.kinds))
		for k, v := range st.kinds {
			kinds[string(k)] = v
		}

		ops[name] = OpMetrics{
			Operation:      name,
			Total:          st.total,
			Success:        st.success,
			Failure:        st.failure,
			Fallback:       st.fallback,
			Retries:        st.retries,
			WindowAttempts: attempts,
			WindowFailures: failures,
			ErrorRate:      errorRate,
			AvgLatency:     avgDuration(st.latencies),
			CostUSD:        st.costUSD,
			ErrorKinds:     kinds,
			LastOutcome:    st.lastOutcome,
		}
	}

	alerts := make([]Alert, len(s.alerts))
	copy(alerts, s.alerts)

	return Snapshot{
		Uptime:       now.Sub(s.started),
		Operations:   ops,
		RecentAlerts: alerts,
	}
}

// Report summarizes the snapshot into operator-facing rates, resource usage
// and plain-language recommendations.
func (s *Service) Report() Report {
	snap := s.Snapshot()

	var total, success, fallback int64
	var cost float64
	kindTotals := map[faults.Kind]int64{}
	for _, op := range snap.Operations {
		total += op.Total
		success += op.Success
		fallback += op.Fallback
		cost += op.CostUSD
		for k, v := range op.ErrorKinds {
			kindTotals[faults.Kind(k)] += v
		}
	}

	successRate := 1.0
	fallbackRate := 0.0
	if total > 0 {
		successRate = float64(success) / float64(total)
		fallbackRate = float64(fallback) / float64(total)
	}

	topKind := ""
	if len(kindTotals) > 0 {
		entries := lo.Entries(kindTotals)
		top := lo.MaxBy(entries, func(a, b lo.Entry[faults.Kind, int64]) bool {
			return a.Value > b.Value
		})
		topKind = string(top.Key)
	}

	openCircuits := 0
	s.mu.Lock()
	statusFn := s.circuitStatus
	s.mu.Unlock()
	if statusFn != nil {
		for _, st := range statusFn() {
			if st.State != breaker.StateClosed {
				openCircuits++
			}
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Report{
		GeneratedAt:     time.Now(),
		Uptime:          snap.Uptime.Round(time.Second).String(),
		TotalRequests:   total,
		SuccessRate:     successRate,
		FallbackRate:    fallbackRate,
		TopErrorKind:    topKind,
		OpenCircuits:    openCircuits,
		TotalCostUSD:    cost,
		AllocMB:         float64(mem.Alloc) / 1024 / 1024,
		Goroutines:      runtime.NumGoroutine(),
		Recommendations: recommendations(successRate, fallbackRate, total, openCircuits, faults.Kind(topKind)),
	}
}

func recommendations(successRate, fallbackRate float64, total int64, openCircuits int, topKind faults.Kind) []string {
	var recs []string
	if openCircuits > 0 {
		recs = append(recs, fmt.Sprintf("%d circuit(s) open: check the upstream model endpoint, then reset via POST /recover", openCircuits))
	}
	if total >= 10 && successRate < 0.9 {
		recs = append(recs, fmt.Sprintf("success rate is %.0f%%: inspect recent alerts and error kinds", successRate*100))
	}
	if total >= 10 && fallbackRate > 0.2 {
		recs = append(recs, "over a fifth of requests used fallback: those results need manual review")
	}
	switch topKind {
	case faults.KindRateLimited:
		recs = append(recs, "rate limiting dominates failures: lower request volume or raise the quota")
	case faults.KindAuthentication:
		recs = append(recs, "authentication failures present: verify the model API keys")
	case faults.KindTimeout:
		recs = append(recs, "timeouts dominate failures: consider longer per-attempt timeouts for large images")
	}
	if len(recs) == 0 {
		recs = append(recs, "all systems nominal")
	}
	return recs
}

func countSince(ts []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range ts {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

func avgDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}
