package recovery

import (
	"time"

	"github.com/raine/receipt-vision/internal/breaker"
	"github.com/raine/receipt-vision/internal/metrics"
)

// ServiceState classifies one watched service's health.
type ServiceState string

const (
	StateUp       ServiceState = "up"
	StateDegraded ServiceState = "degraded"
	StateDown     ServiceState = "down"
)

// OverallState aggregates service states into one system verdict.
type OverallState string

const (
	OverallHealthy  OverallState = "healthy"
	OverallDegraded OverallState = "degraded"
	OverallCritical OverallState = "critical"
	OverallDown     OverallState = "down"
)

// ServiceStatus describes one watched service at a point in time.
type ServiceStatus struct {
	Status       ServiceState  `json:"status"`
	LastCheck    time.Time     `json:"lastCheck"`
	ErrorRate    float64       `json:"errorRate"`
	ResponseTime time.Duration `json:"responseTime"`
}

// SystemHealth is the aggregate view served on the ops endpoints.
type SystemHealth struct {
	Overall               OverallState             `json:"overall"`
	Services              map[string]ServiceStatus `json:"services"`
	ActiveRecoveryActions []string                 `json:"activeRecoveryActions"`
	Recommendations       []string                 `json:"recommendations,omitempty"`
	CheckedAt             time.Time                `json:"checkedAt"`
}

// deriveStatus classifies a service from its recent metrics window and
// breaker state. A service with no recent traffic counts as up.
func deriveStatus(op metrics.OpMetrics, st breaker.Status, ceiling time.Duration, now time.Time) ServiceStatus {
	status := ServiceStatus{
		Status:       StateUp,
		LastCheck:    now,
		ErrorRate:    op.ErrorRate,
		ResponseTime: op.AvgLatency,
	}
	switch {
	case st.State == breaker.StateOpen:
		status.Status = StateDown
	case op.WindowAttempts >= 4 && op.ErrorRate >= 0.5:
		status.Status = StateDown
	case op.WindowAttempts >= 3 && op.ErrorRate >= 0.2:
		status.Status = StateDegraded
	case ceiling > 0 && op.AvgLatency > ceiling:
		status.Status = StateDegraded
	}
	return status
}

// overall folds service states into the system verdict. Two or more services
// down means the system is down, a single one is critical, and any
// degradation keeps the verdict at degraded.
func overall(services map[string]ServiceStatus) OverallState {
	var down, degraded int
	for _, st := range services {
		switch st.Status {
		case StateDown:
			down++
		case StateDegraded:
			degraded++
		}
	}
	switch {
	case down >= 2:
		return OverallDown
	case down == 1:
		return OverallCritical
	case degraded > 0:
		return OverallDegraded
	default:
		return OverallHealthy
	}
}
