package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/raine/receipt-vision/internal/breaker"
	"github.com/raine/receipt-vision/internal/faults"
)

// Config controls a single Execute call. Callers derive a fresh Config per
// request; Execute never mutates it.
type Config struct {
	// MaxRetries is the number of retries after the first attempt, so the
	// total number of attempts is MaxRetries+1.
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterEnabled     bool
	// Timeout is the hard deadline for each individual attempt.
	Timeout time.Duration
}

// DefaultConfig returns the baseline tuning for model calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          8 * time.Second,
		BackoffMultiplier: 2,
		JitterEnabled:     true,
		Timeout:           30 * time.Second,
	}
}

// Recorder receives per-attempt outcomes. *metrics.Service satisfies it.
type Recorder interface {
	RecordSuccess(operation string, latency time.Duration)
	RecordFailure(operation string, latency time.Duration, kind faults.Kind)
	RecordRetry(operation string)
}

// Engine runs units of work with bounded retries. Every attempt first
// consults the circuit breaker for the operation key and reports its outcome
// back to the breaker and the recorder.
type Engine struct {
	breakers *breaker.Registry
	rec      Recorder
}

// NewEngine creates an engine. rec may be nil when no metrics are wanted.
func NewEngine(breakers *breaker.Registry, rec Recorder) *Engine {
	return &Engine{breakers: breakers, rec: rec}
}

// Execute runs fn under cfg, retrying transient failures with exponential
// backoff. Delays grow as BaseDelay*BackoffMultiplier^attempt capped at
// MaxDelay, with ±25% jitter when enabled. Non-retryable failures and an
// open circuit stop immediately. The returned value is nil on success and
// the last classified failure otherwise.
func (e *Engine) Execute(ctx context.Context, operation string, cfg Config, fn func(ctx context.Context) error) *faults.Info {
	var last *faults.Info
	attempt := 0

	work := func() error {
		if info := e.breakers.Allow(operation); info != nil {
			last = info
			log.Warn().
				Str("operation", operation).
				Int("attempt", attempt+1).
				Msg("call rejected by open circuit")
			return backoff.Permanent(info)
		}

		attempt++
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		start := time.Now()
		err := fn(attemptCtx)
		cancel()
		latency := time.Since(start)

		if err == nil {
			e.breakers.RecordSuccess(operation)
			if e.rec != nil {
				e.rec.RecordSuccess(operation, latency)
			}
			return nil
		}

		info := faults.Classify(err, map[string]any{
			"operation": operation,
			"attempt":   attempt,
		})
		last = info
		e.breakers.RecordFailure(operation)
		if e.rec != nil {
			e.rec.RecordFailure(operation, latency, info.Kind)
		}
		log.Warn().
			Str("operation", operation).
			Int("attempt", attempt).
			Str("kind", string(info.Kind)).
			Dur("latency", latency).
			Err(err).
			Msg("attempt failed")

		if !info.Retryable() {
			return backoff.Permanent(info)
		}
		if e.rec != nil && attempt <= cfg.MaxRetries {
			e.rec.RecordRetry(operation)
		}
		return info
	}

	// WithMaxRetries treats zero as unlimited, so a single-attempt config
	// uses StopBackOff instead.
	var bo backoff.BackOff = &backoff.StopBackOff{}
	if cfg.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(newBackOff(cfg), uint64(cfg.MaxRetries))
	}
	if err := backoff.Retry(work, backoff.WithContext(bo, ctx)); err != nil {
		if last != nil {
			return last
		}
		// the context was cancelled before any attempt ran
		return faults.Classify(err, map[string]any{"operation": operation})
	}
	return nil
}

func newBackOff(cfg Config) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.Multiplier = cfg.BackoffMultiplier
	bo.MaxInterval = cfg.MaxDelay
	bo.MaxElapsedTime = 0
	if cfg.JitterEnabled {
		bo.RandomizationFactor = 0.25
	} else {
		bo.RandomizationFactor = 0
	}
	bo.Reset()
	return bo
}
