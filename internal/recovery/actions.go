package recovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raine/receipt-vision/internal/breaker"
	"github.com/raine/receipt-vision/internal/faults"
	"github.com/raine/receipt-vision/internal/metrics"
	"github.com/raine/receipt-vision/internal/recognition"
)

// Strategy names one recovery approach.
type Strategy string

const (
	StrategyImmediateRetry      Strategy = "immediate_retry"
	StrategyDelayedRetry        Strategy = "delayed_retry"
	StrategyFallbackService     Strategy = "fallback_service"
	StrategyGracefulDegradation Strategy = "graceful_degradation"
	StrategyCircuitBreakerReset Strategy = "circuit_breaker_reset"
	StrategyManualIntervention  Strategy = "manual_intervention"
)

// Descriptor describes a recovery action for operators.
type Descriptor struct {
	Strategy          Strategy      `json:"strategy"`
	Description       string        `json:"description"`
	EstimatedRecovery time.Duration `json:"estimatedRecovery"`
	Priority          int           `json:"priority"`
	Conditions        []string      `json:"conditions,omitempty"`
}

// Action is one recovery step for a service. Execute returns true when the
// action believes it restored the service.
type Action interface {
	Describe() Descriptor
	Execute(ctx context.Context) bool
}

// RecognitionControl is the slice of the recognition service that recovery
// actions steer.
type RecognitionControl interface {
	SetForceFallback(v bool)
	ForceFallbackActive() bool
	SwitchToSecondary() bool
	SwitchToPrimary() bool
	UsingSecondary() bool
	ModelProbe(ctx context.Context) error
	PrimaryProbe(ctx context.Context) error
}

// ActionDeps carries everything the default recovery actions operate on.
type ActionDeps struct {
	Breakers     *breaker.Registry
	Metrics      *metrics.Service
	Recognition  RecognitionControl
	StorageProbe func(ctx context.Context) error
}

// DefaultActionTable builds the recovery actions for every watched service,
// ordered by priority descending.
func DefaultActionTable(deps ActionDeps) map[string][]Action {
	modelProbe := func(ctx context.Context) error {
		return deps.Recognition.ModelProbe(ctx)
	}

	table := map[string][]Action{
		recognition.OpModelInvoke: {
			&immediateRetry{service: recognition.OpModelInvoke, probe: modelProbe, breakers: deps.Breakers},
			&delayedRetry{service: recognition.OpModelInvoke, delay: 5 * time.Second, probe: modelProbe, breakers: deps.Breakers},
			&fallbackService{control: deps.Recognition},
			&gracefulDegradation{control: deps.Recognition},
			&manualIntervention{service: recognition.OpModelInvoke, metrics: deps.Metrics},
		},
		recognition.OpStorage: {
			&immediateRetry{service: recognition.OpStorage, probe: deps.StorageProbe, breakers: deps.Breakers},
			&delayedRetry{service: recognition.OpStorage, delay: 5 * time.Second, probe: deps.StorageProbe, breakers: deps.Breakers},
			&manualIntervention{service: recognition.OpStorage, metrics: deps.Metrics},
		},
		recognition.OpRecognition: {
			&circuitBreakerReset{service: recognition.OpRecognition, breakers: deps.Breakers},
			&gracefulDegradation{control: deps.Recognition},
			&manualIntervention{service: recognition.OpRecognition, metrics: deps.Metrics},
		},
		recognition.OpImagePipeline: {
			&circuitBreakerReset{service: recognition.OpImagePipeline, breakers: deps.Breakers},
			&manualIntervention{service: recognition.OpImagePipeline, metrics: deps.Metrics},
		},
	}

	for _, actions := range table {
		sort.SliceStable(actions, func(i, j int) bool {
			return actions[i].Describe().Priority > actions[j].Describe().Priority
		})
	}
	return table
}

// immediateRetry probes the service right away and closes its breaker when
// the probe answers.
type immediateRetry struct {
	service  string
	probe    func(ctx context.Context) error
	breakers *breaker.Registry
}

func (a *immediateRetry) Describe() Descriptor {
	return Descriptor{
		Strategy:          StrategyImmediateRetry,
		Description:       "probe the service and reset its circuit breaker on success",
		EstimatedRecovery: 5 * time.Second,
		Priority:          8,
		Conditions:        []string{"transient network failures"},
	}
}

func (a *immediateRetry) Execute(ctx context.Context) bool {
	if a.probe == nil {
		return false
	}
	if err := a.probe(ctx); err != nil {
		log.Warn().Err(err).Str("service", a.service).Msg("immediate retry probe failed")
		return false
	}
	a.breakers.Reset(a.service)
	log.Info().Str("service", a.service).Msg("probe succeeded, circuit breaker reset")
	return true
}

// delayedRetry waits out a short backoff before probing again.
type delayedRetry struct {
	service  string
	delay    time.Duration
	probe    func(ctx context.Context) error
	breakers *breaker.Registry
}

func (a *delayedRetry) Describe() Descriptor {
	return Descriptor{
		Strategy:          StrategyDelayedRetry,
		Description:       "wait before probing the service again",
		EstimatedRecovery: 30 * time.Second,
		Priority:          6,
		Conditions:        []string{"rate limiting", "short upstream outages"},
	}
}

func (a *delayedRetry) Execute(ctx context.Context) bool {
	if a.probe == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(a.delay):
	}
	if err := a.probe(ctx); err != nil {
		log.Warn().Err(err).Str("service", a.service).Msg("delayed retry probe failed")
		return false
	}
	a.breakers.Reset(a.service)
	log.Info().Str("service", a.service).Msg("delayed probe succeeded, circuit breaker reset")
	return true
}

// fallbackService moves model traffic to the standby client.
type fallbackService struct {
	control RecognitionControl
}

func (a *fallbackService) Describe() Descriptor {
	return Descriptor{
		Strategy:          StrategyFallbackService,
		Description:       "switch model traffic to the standby client",
		EstimatedRecovery: 10 * time.Second,
		Priority:          5,
		Conditions:        []string{"primary model endpoint outage"},
	}
}

func (a *fallbackService) Execute(ctx context.Context) bool {
	if a.control == nil {
		return false
	}
	return a.control.SwitchToSecondary()
}

// circuitBreakerReset unconditionally closes the breaker so traffic gets a
// fresh chance.
type circuitBreakerReset struct {
	service  string
	breakers *breaker.Registry
}

func (a *circuitBreakerReset) Describe() Descriptor {
	return Descriptor{
		Strategy:          StrategyCircuitBreakerReset,
		Description:       "close the circuit breaker and let traffic through",
		EstimatedRecovery: time.Second,
		Priority:          4,
		Conditions:        []string{"breaker stuck open after upstream recovered"},
	}
}

func (a *circuitBreakerReset) Execute(ctx context.Context) bool {
	a.breakers.Reset(a.service)
	log.Info().Str("service", a.service).Msg("circuit breaker reset")
	return true
}

// gracefulDegradation turns on forced fallback mode so requests keep being
// answered while the model pipeline is out.
type gracefulDegradation struct {
	control RecognitionControl
}

func (a *gracefulDegradation) Describe() Descriptor {
	return Descriptor{
		Strategy:          StrategyGracefulDegradation,
		Description:       "serve heuristic fallback results instead of calling the model",
		EstimatedRecovery: time.Minute,
		Priority:          3,
		Conditions:        []string{"persistent model pipeline failures"},
	}
}

func (a *gracefulDegradation) Execute(ctx context.Context) bool {
	if a.control == nil || a.control.ForceFallbackActive() {
		return false
	}
	a.control.SetForceFallback(true)
	return true
}

// manualIntervention gives up on automation and pages an operator.
type manualIntervention struct {
	service string
	metrics *metrics.Service
}

func (a *manualIntervention) Describe() Descriptor {
	return Descriptor{
		Strategy:    StrategyManualIntervention,
		Description: "automatic recovery exhausted, page an operator",
		Priority:    1,
	}
}

func (a *manualIntervention) Execute(ctx context.Context) bool {
	log.Error().Str("service", a.service).Msg("automatic recovery exhausted, operator attention required")
	a.metrics.RaiseAlert(metrics.AlertManualIntervention, faults.SeverityHigh, a.service,
		fmt.Sprintf("automatic recovery for %s exhausted", a.service))
	return false
}
