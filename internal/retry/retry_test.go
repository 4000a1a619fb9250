package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raine/receipt-vision/internal/breaker"
	"github.com/raine/receipt-vision/internal/faults"
)

type countingRecorder struct {
	mu        sync.Mutex
	successes int
	failures  int
	retries   int
	kinds     []faults.Kind
}

func (r *countingRecorder) RecordSuccess(operation string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
}

func (r *countingRecorder) RecordFailure(operation string, latency time.Duration, kind faults.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	r.kinds = append(r.kinds, kind)
}

func (r *countingRecorder) RecordRetry(operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:        maxRetries,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
		JitterEnabled:     false,
		Timeout:           time.Second,
	}
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	rec := &countingRecorder{}
	e := NewEngine(breaker.NewRegistry(5, time.Minute), rec)

	calls := 0
	info := e.Execute(context.Background(), "model_invoke", fastConfig(3), func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.Nil(t, info)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, rec.successes)
	assert.Equal(t, 0, rec.retries)
}

func TestExecuteExhaustsRetries(t *testing.T) {
	rec := &countingRecorder{}
	e := NewEngine(breaker.NewRegistry(100, time.Minute), rec)

	calls := 0
	info := e.Execute(context.Background(), "model_invoke", fastConfig(3), func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	})

	require.NotNil(t, info)
	// 1 initial attempt + 3 retries
	assert.Equal(t, 4, calls)
	assert.Equal(t, faults.KindNetwork, info.Kind)
	assert.Equal(t, 4, rec.failures)
	assert.Equal(t, 3, rec.retries)
	assert.Equal(t, 0, rec.successes)
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	rec := &countingRecorder{}
	e := NewEngine(breaker.NewRegistry(100, time.Minute), rec)

	calls := 0
	info := e.Execute(context.Background(), "model_invoke", fastConfig(3), func(ctx context.Context) error {
		calls++
		return errors.New("request failed: POST /v1/messages (status: 401)")
	})

	require.NotNil(t, info)
	assert.Equal(t, 1, calls)
	assert.Equal(t, faults.KindAuthentication, info.Kind)
	assert.Equal(t, 0, rec.retries)
}

func TestExecuteRecoversMidway(t *testing.T) {
	rec := &countingRecorder{}
	e := NewEngine(breaker.NewRegistry(100, time.Minute), rec)

	calls := 0
	info := e.Execute(context.Background(), "model_invoke", fastConfig(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("request failed: POST /v1/messages (status: 503)")
		}
		return nil
	})

	assert.Nil(t, info)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, rec.failures)
	assert.Equal(t, 1, rec.successes)
	assert.Equal(t, 2, rec.retries)
}

func TestExecuteZeroRetriesMeansSingleAttempt(t *testing.T) {
	e := NewEngine(breaker.NewRegistry(100, time.Minute), nil)

	calls := 0
	info := e.Execute(context.Background(), "model_invoke", fastConfig(0), func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	})

	require.NotNil(t, info)
	assert.Equal(t, 1, calls)
}

func TestExecuteAttemptTimeout(t *testing.T) {
	e := NewEngine(breaker.NewRegistry(100, time.Minute), nil)

	cfg := fastConfig(2)
	cfg.Timeout = 10 * time.Millisecond

	calls := 0
	info := e.Execute(context.Background(), "model_invoke", cfg, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	require.NotNil(t, info)
	// every attempt hits its own deadline, then retries run out
	assert.Equal(t, 3, calls)
	assert.Equal(t, faults.KindTimeout, info.Kind)
}

func TestExecuteShortCircuitsWhenCircuitOpens(t *testing.T) {
	breakers := breaker.NewRegistry(3, time.Minute)
	e := NewEngine(breakers, nil)

	calls := 0
	info := e.Execute(context.Background(), "model_invoke", fastConfig(10), func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	})

	require.NotNil(t, info)
	// the third consecutive failure opens the circuit, the fourth attempt
	// is rejected before calling fn
	assert.Equal(t, 3, calls)
	assert.Equal(t, faults.KindUnavailable, info.Kind)
	assert.Contains(t, info.Message, "circuit breaker open")
	assert.Equal(t, breaker.StateOpen, breakers.Status("model_invoke").State)
}

func TestExecuteRejectedImmediatelyOnOpenCircuit(t *testing.T) {
	breakers := breaker.NewRegistry(1, time.Minute)
	breakers.RecordFailure("model_invoke")
	e := NewEngine(breakers, nil)

	calls := 0
	info := e.Execute(context.Background(), "model_invoke", fastConfig(3), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NotNil(t, info)
	assert.Equal(t, 0, calls)
	assert.Equal(t, faults.KindUnavailable, info.Kind)
}

func TestExecuteCancelledContext(t *testing.T) {
	e := NewEngine(breaker.NewRegistry(100, time.Minute), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	info := e.Execute(ctx, "model_invoke", fastConfig(3), func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	require.NotNil(t, info)
}

func TestBackoffScheduleWithoutJitter(t *testing.T) {
	bo := newBackOff(Config{
		MaxRetries:        3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
		JitterEnabled:     false,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, bo.NextBackOff(), "delay %d", i)
	}
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	for i := 0; i < 50; i++ {
		bo := newBackOff(Config{
			BaseDelay:         100 * time.Millisecond,
			MaxDelay:          time.Second,
			BackoffMultiplier: 2,
			JitterEnabled:     true,
		})
		d := bo.NextBackOff()
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.JitterEnabled)
	assert.Greater(t, cfg.MaxDelay, cfg.BaseDelay)
	assert.Greater(t, cfg.Timeout, time.Duration(0))
}
