package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"

	"github.com/raine/receipt-vision/internal/breaker"
	"github.com/raine/receipt-vision/internal/faults"
	"github.com/raine/receipt-vision/internal/metrics"
	"github.com/raine/receipt-vision/internal/recognition"
)

const (
	// DefaultCheckInterval is the time between health evaluations.
	DefaultCheckInterval = 30 * time.Second

	// DefaultCooldown is how long a recovery action gets to take effect
	// before the service is rechecked.
	DefaultCooldown = 10 * time.Second

	// opRecovery is the metrics operation recovery outcomes are recorded
	// under.
	opRecovery = "recovery"
)

// Options configure the orchestrator.
type Options struct {
	CheckInterval  time.Duration
	Cooldown       time.Duration
	LatencyCeiling time.Duration
	Watched        []string
	Actions        map[string][]Action
	Control        RecognitionControl
}

// Orchestrator periodically derives system health and runs recovery actions
// for services that are not up.
type Orchestrator struct {
	metrics  *metrics.Service
	breakers *breaker.Registry
	actions  map[string][]Action
	watched  []string
	interval time.Duration
	cooldown time.Duration
	ceiling  time.Duration
	control  RecognitionControl

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewOrchestrator creates the recovery orchestrator.
func NewOrchestrator(m *metrics.Service, breakers *breaker.Registry, opts Options) *Orchestrator {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.LatencyCeiling <= 0 {
		opts.LatencyCeiling = metrics.DefaultLatencyCeiling
	}
	if len(opts.Watched) == 0 {
		opts.Watched = []string{
			recognition.OpModelInvoke,
			recognition.OpRecognition,
			recognition.OpImagePipeline,
			recognition.OpStorage,
		}
	}
	return &Orchestrator{
		metrics:  m,
		breakers: breakers,
		actions:  opts.Actions,
		watched:  opts.Watched,
		interval: opts.CheckInterval,
		cooldown: opts.Cooldown,
		ceiling:  opts.LatencyCeiling,
		control:  opts.Control,
		inFlight: make(map[string]bool),
	}
}

// Run starts the health check loop. It blocks until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Info().Dur("interval", o.interval).Msg("starting recovery orchestrator")

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("recovery orchestrator stopped")
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// tick evaluates health once and recovers unhealthy services in parallel.
func (o *Orchestrator) tick(ctx context.Context) {
	health := o.SystemHealth()
	if health.Overall == OverallHealthy {
		o.maybeClearDegradation(ctx)
		o.maybeRestorePrimary(ctx)
		return
	}

	log.Warn().Str("overall", string(health.Overall)).Msg("system unhealthy, evaluating recovery")

	p := pool.New().WithContext(ctx)
	for name, st := range health.Services {
		if st.Status == StateUp {
			continue
		}
		p.Go(func(ctx context.Context) error {
			o.recoverService(ctx, name)
			return nil
		})
	}
	_ = p.Wait()
}

// recoverService walks the service's actions in priority order and stops at
// the first one that reports success.
func (o *Orchestrator) recoverService(ctx context.Context, service string) {
	if !o.claim(service) {
		log.Debug().Str("service", service).Msg("recovery already in progress")
		return
	}
	defer o.release(service)

	actions := o.actions[service]
	if len(actions) == 0 {
		log.Warn().Str("service", service).Msg("no recovery actions configured")
		return
	}

	for _, action := range actions {
		d := action.Describe()
		log.Info().
			Str("service", service).
			Str("strategy", string(d.Strategy)).
			Int("priority", d.Priority).
			Msg("executing recovery action")

		start := time.Now()
		ok := action.Execute(ctx)
		if !ok {
			o.metrics.RecordFailure(opRecovery, time.Since(start), faults.KindUnknown)
			continue
		}
		o.metrics.RecordSuccess(opRecovery, time.Since(start))

		// give the action a moment to take effect, then confirm
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cooldown):
		}

		if st := o.serviceStatus(service); st.Status == StateUp {
			log.Info().
				Str("service", service).
				Str("strategy", string(d.Strategy)).
				Msg("service recovered")
		} else {
			log.Warn().
				Str("service", service).
				Str("strategy", string(d.Strategy)).
				Msg("service still unhealthy after recovery action")
		}
		return
	}

	log.Error().Str("service", service).Msg("all recovery actions failed")
}

// TriggerManual runs the named strategy for a service right away. An empty
// strategy runs the service's actions in priority order.
func (o *Orchestrator) TriggerManual(ctx context.Context, service string, strategy Strategy) error {
	actions, ok := o.actions[service]
	if !ok {
		return fmt.Errorf("unknown service: %s", service)
	}

	matched := lo.Filter(actions, func(a Action, _ int) bool {
		return strategy == "" || a.Describe().Strategy == strategy
	})
	if len(matched) == 0 {
		return fmt.Errorf("no %s action configured for %s", strategy, service)
	}

	if !o.claim(service) {
		return fmt.Errorf("recovery already in progress for %s", service)
	}
	defer o.release(service)

	for _, action := range matched {
		d := action.Describe()
		log.Info().
			Str("service", service).
			Str("strategy", string(d.Strategy)).
			Msg("running manual recovery action")

		start := time.Now()
		if action.Execute(ctx) {
			o.metrics.RecordSuccess(opRecovery, time.Since(start))
			return nil
		}
		o.metrics.RecordFailure(opRecovery, time.Since(start), faults.KindUnknown)
	}
	return fmt.Errorf("recovery actions for %s did not succeed", service)
}

// SystemHealth derives the current health of every watched service from its
// metrics window and breaker state.
func (o *Orchestrator) SystemHealth() SystemHealth {
	snap := o.metrics.Snapshot()
	now := time.Now()

	services := make(map[string]ServiceStatus, len(o.watched))
	for _, name := range o.watched {
		services[name] = deriveStatus(snap.Operations[name], o.breakers.Status(name), o.ceiling, now)
	}

	health := SystemHealth{
		Overall:               overall(services),
		Services:              services,
		ActiveRecoveryActions: o.activeRecoveries(),
		CheckedAt:             now,
	}
	health.Recommendations = o.recommendations(services)
	return health
}

// ActionDescriptors lists the configured recovery actions per service.
func (o *Orchestrator) ActionDescriptors() map[string][]Descriptor {
	out := make(map[string][]Descriptor, len(o.actions))
	for service, actions := range o.actions {
		out[service] = lo.Map(actions, func(a Action, _ int) Descriptor {
			return a.Describe()
		})
	}
	return out
}

func (o *Orchestrator) serviceStatus(service string) ServiceStatus {
	snap := o.metrics.Snapshot()
	return deriveStatus(snap.Operations[service], o.breakers.Status(service), o.ceiling, time.Now())
}

// maybeClearDegradation turns forced fallback mode off once the model
// answers probes again.
func (o *Orchestrator) maybeClearDegradation(ctx context.Context) {
	if o.control == nil || !o.control.ForceFallbackActive() {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := o.control.ModelProbe(probeCtx); err != nil {
		log.Debug().Err(err).Msg("model probe still failing, keeping forced fallback")
		return
	}
	o.control.SetForceFallback(false)
	log.Info().Msg("model healthy again, cleared forced fallback mode")
}

// maybeRestorePrimary moves traffic back to the primary client once it
// answers probes again.
func (o *Orchestrator) maybeRestorePrimary(ctx context.Context) {
	if o.control == nil || !o.control.UsingSecondary() {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := o.control.PrimaryProbe(probeCtx); err != nil {
		log.Debug().Err(err).Msg("primary model still failing, keeping standby client")
		return
	}
	o.control.SwitchToPrimary()
	log.Info().Msg("primary model healthy again, restored traffic")
}

func (o *Orchestrator) recommendations(services map[string]ServiceStatus) []string {
	var recs []string
	for _, name := range o.watched {
		switch services[name].Status {
		case StateDown:
			recs = append(recs, fmt.Sprintf("%s is down, automatic recovery is running", name))
		case StateDegraded:
			recs = append(recs, fmt.Sprintf("%s is degraded, watch its error rate", name))
		}
	}
	if o.control != nil && o.control.ForceFallbackActive() {
		recs = append(recs, "forced fallback mode is active, results are heuristic drafts")
	}
	if o.control != nil && o.control.UsingSecondary() {
		recs = append(recs, "standby model client is serving traffic")
	}
	return recs
}

func (o *Orchestrator) claim(service string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[service] {
		return false
	}
	o.inFlight[service] = true
	return true
}

func (o *Orchestrator) release(service string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, service)
}

func (o *Orchestrator) activeRecoveries() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := lo.Keys(o.inFlight)
	sort.Strings(names)
	return names
}
