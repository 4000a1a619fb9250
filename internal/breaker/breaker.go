package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raine/receipt-vision/internal/faults"
)

// State is the lifecycle position of one circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	// DefaultThreshold is the number of consecutive failures that opens a
	// circuit.
	DefaultThreshold = 5
	// DefaultCooldown is how long an open circuit rejects calls before
	// allowing a trial.
	DefaultCooldown = 30 * time.Second
)

// Status is a point-in-time view of one circuit.
type Status struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt"`
	Threshold           int       `json:"threshold"`
}

type circuit struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

// Registry tracks one circuit per operation key. Keys are created lazily in
// the closed state. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewRegistry creates a registry. Non-positive threshold or cooldown fall
// back to the defaults.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Registry{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (r *Registry) circuit(key string) *circuit {
	c, ok := r.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		r.circuits[key] = c
	}
	return c
}

// Allow reports whether a call on key may proceed. A nil return means go
// ahead. When the circuit is open, it returns a synthetic unavailable
// failure without the caller touching the upstream. Once the cool-down has
// elapsed the circuit moves to half-open and exactly one caller is let
// through as the trial; concurrent callers keep getting rejected until the
// trial is recorded.
func (r *Registry) Allow(key string) *faults.Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuit(key)
	switch c.state {
	case StateOpen:
		if r.now().Sub(c.openedAt) >= r.cooldown {
			c.state = StateHalfOpen
			c.probing = true
			log.Info().Str("operation", key).Msg("circuit half-open, allowing trial call")
			return nil
		}
		return r.rejection(key, c)
	case StateHalfOpen:
		if !c.probing {
			c.probing = true
			return nil
		}
		return r.rejection(key, c)
	default:
		return nil
	}
}

func (r *Registry) rejection(key string, c *circuit) *faults.Info {
	return faults.New(
		faults.KindUnavailable,
		fmt.Sprintf("circuit breaker open for %s", key),
		map[string]any{
			"operation": key,
			"state":     string(c.state),
			"openedAt":  c.openedAt,
		},
	)
}

// RecordSuccess closes the circuit and clears the failure count.
func (r *Registry) RecordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuit(key)
	if c.state == StateHalfOpen {
		log.Info().Str("operation", key).Msg("trial call succeeded, closing circuit")
	}
	c.state = StateClosed
	c.consecutiveFailures = 0
	c.openedAt = time.Time{}
	c.probing = false
}

// RecordFailure increments the consecutive failure count and opens the
// circuit at the threshold. A failed half-open trial reopens immediately and
// restarts the cool-down.
func (r *Registry) RecordFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuit(key)
	if c.state == StateHalfOpen {
		c.state = StateOpen
		c.openedAt = r.now()
		c.probing = false
		log.Warn().Str("operation", key).Msg("trial call failed, reopening circuit")
		return
	}

	c.consecutiveFailures++
	if c.state == StateClosed && c.consecutiveFailures >= r.threshold {
		c.state = StateOpen
		c.openedAt = r.now()
		log.Warn().
			Str("operation", key).
			Int("consecutiveFailures", c.consecutiveFailures).
			Msg("circuit opened")
	}
}

// Reset forces the circuit for key back to closed. Resetting an unknown or
// already closed circuit is a no-op.
func (r *Registry) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.circuits[key]
	if !ok {
		return
	}
	if c.state != StateClosed {
		log.Info().Str("operation", key).Str("from", string(c.state)).Msg("circuit reset")
	}
	c.state = StateClosed
	c.consecutiveFailures = 0
	c.openedAt = time.Time{}
	c.probing = false
}

// ResetAll resets every tracked circuit.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.circuits))
	for key := range r.circuits {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.Reset(key)
	}
}

// Status returns the current view of one circuit. Unknown keys report a
// closed circuit.
func (r *Registry) Status(key string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.circuits[key]
	if !ok {
		return Status{State: StateClosed, Threshold: r.threshold}
	}
	return Status{
		State:               c.state,
		ConsecutiveFailures: c.consecutiveFailures,
		OpenedAt:            c.openedAt,
		Threshold:           r.threshold,
	}
}

// AllStatuses returns a snapshot of every tracked circuit.
func (r *Registry) AllStatuses() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Status, len(r.circuits))
	for key, c := range r.circuits {
		out[key] = Status{
			State:               c.state,
			ConsecutiveFailures: c.consecutiveFailures,
			OpenedAt:            c.openedAt,
			Threshold:           r.threshold,
		}
	}
	return out
}

// OpenCount returns how many circuits are currently open or half-open.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.circuits {
		if c.state != StateClosed {
			n++
		}
	}
	return n
}
