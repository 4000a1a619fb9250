package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raine/receipt-vision/internal/faults"
)

func newTestRegistry(threshold int, cooldown time.Duration) (*Registry, *time.Time) {
	r := NewRegistry(threshold, cooldown)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestOpensAtThreshold(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)

	r.RecordFailure("model_invoke")
	r.RecordFailure("model_invoke")
	assert.Equal(t, StateClosed, r.Status("model_invoke").State)
	assert.Nil(t, r.Allow("model_invoke"))

	r.RecordFailure("model_invoke")
	assert.Equal(t, StateOpen, r.Status("model_invoke").State)
}

func TestOpenCircuitRejectsWithSyntheticFailure(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)
	r.RecordFailure("model_invoke")

	info := r.Allow("model_invoke")
	require.NotNil(t, info)
	assert.Equal(t, faults.KindUnavailable, info.Kind)
	assert.Contains(t, info.Message, "model_invoke")
	assert.Equal(t, "model_invoke", info.Context["operation"])
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)

	r.RecordFailure("model_invoke")
	r.RecordFailure("model_invoke")
	r.RecordSuccess("model_invoke")
	r.RecordFailure("model_invoke")
	r.RecordFailure("model_invoke")

	// interleaved success keeps the streak below the threshold
	assert.Equal(t, StateClosed, r.Status("model_invoke").State)
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	r, now := newTestRegistry(1, time.Minute)
	r.RecordFailure("model_invoke")
	require.Equal(t, StateOpen, r.Status("model_invoke").State)

	*now = now.Add(61 * time.Second)

	// first caller after the cool-down is the trial
	assert.Nil(t, r.Allow("model_invoke"))
	assert.Equal(t, StateHalfOpen, r.Status("model_invoke").State)

	// concurrent callers are rejected while the trial is in flight
	assert.NotNil(t, r.Allow("model_invoke"))
	assert.NotNil(t, r.Allow("model_invoke"))
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	r, now := newTestRegistry(1, time.Minute)
	r.RecordFailure("model_invoke")
	*now = now.Add(2 * time.Minute)

	require.Nil(t, r.Allow("model_invoke"))
	r.RecordSuccess("model_invoke")

	st := r.Status("model_invoke")
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Nil(t, r.Allow("model_invoke"))
}

func TestHalfOpenFailureReopensAndRestartsCooldown(t *testing.T) {
	r, now := newTestRegistry(1, time.Minute)
	r.RecordFailure("model_invoke")
	*now = now.Add(2 * time.Minute)

	require.Nil(t, r.Allow("model_invoke"))
	r.RecordFailure("model_invoke")
	assert.Equal(t, StateOpen, r.Status("model_invoke").State)

	// cool-down restarted at the trial failure, so calls are still rejected
	*now = now.Add(30 * time.Second)
	assert.NotNil(t, r.Allow("model_invoke"))

	*now = now.Add(31 * time.Second)
	assert.Nil(t, r.Allow("model_invoke"))
}

func TestCircuitsAreIndependent(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)

	r.RecordFailure("model_invoke")
	assert.NotNil(t, r.Allow("model_invoke"))
	assert.Nil(t, r.Allow("storage"))
	assert.Equal(t, StateClosed, r.Status("storage").State)
}

func TestResetIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)
	r.RecordFailure("model_invoke")
	require.Equal(t, StateOpen, r.Status("model_invoke").State)

	r.Reset("model_invoke")
	assert.Equal(t, StateClosed, r.Status("model_invoke").State)
	assert.Nil(t, r.Allow("model_invoke"))

	r.Reset("model_invoke")
	assert.Equal(t, StateClosed, r.Status("model_invoke").State)

	// resetting an unknown key is a no-op
	r.Reset("never_seen")
	assert.Equal(t, StateClosed, r.Status("never_seen").State)
}

func TestResetAll(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)
	r.RecordFailure("model_invoke")
	r.RecordFailure("storage")

	r.ResetAll()

	for key, st := range r.AllStatuses() {
		assert.Equal(t, StateClosed, st.State, key)
	}
	assert.Equal(t, 0, r.OpenCount())
}

func TestAllStatuses(t *testing.T) {
	r, _ := newTestRegistry(2, time.Minute)
	r.RecordFailure("model_invoke")
	r.RecordFailure("model_invoke")
	r.RecordFailure("storage")

	statuses := r.AllStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, StateOpen, statuses["model_invoke"].State)
	assert.Equal(t, StateClosed, statuses["storage"].State)
	assert.Equal(t, 1, statuses["storage"].ConsecutiveFailures)
	assert.Equal(t, 1, r.OpenCount())
}

func TestStatusUnknownKeyIsClosed(t *testing.T) {
	r, _ := newTestRegistry(5, time.Minute)
	st := r.Status("model_invoke")
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 5, st.Threshold)
}
