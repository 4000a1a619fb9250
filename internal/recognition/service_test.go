package recognition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raine/receipt-vision/internal/breaker"
	"github.com/raine/receipt-vision/internal/fallback"
	"github.com/raine/receipt-vision/internal/faults"
	"github.com/raine/receipt-vision/internal/imaging"
	"github.com/raine/receipt-vision/internal/llm"
	"github.com/raine/receipt-vision/internal/metrics"
	"github.com/raine/receipt-vision/internal/retry"
	"github.com/raine/receipt-vision/internal/storage"
)

const modelText = `{"items":[{"name":"Maito 1L","unit_price":1.29,"quantity":2,"total_price":2.58},{"name":"Ruisleipä","unit_price":2.49,"quantity":1,"total_price":2.49}],"total":5.07,"confidence":0.93}`

type stubAnalyzer struct {
	validation *imaging.Validation
	quality    *imaging.QualityAnalysis
	payload    []byte
}

func (a *stubAnalyzer) Validate(path string) (*imaging.Validation, error) {
	return a.validation, nil
}

func (a *stubAnalyzer) AnalyzeQuality(path string) (*imaging.QualityAnalysis, error) {
	return a.quality, nil
}

func (a *stubAnalyzer) Preprocess(path string, opts imaging.PreprocessOptions) (*imaging.Preprocessed, error) {
	return &imaging.Preprocessed{
		Buffer: a.payload,
		Metadata: imaging.Metadata{
			Format: "image/jpeg",
			Size:   int64(len(a.payload)),
		},
	}, nil
}

func goodAnalyzer() *stubAnalyzer {
	return &stubAnalyzer{
		validation: &imaging.Validation{IsValid: true},
		quality: &imaging.QualityAnalysis{
			Quality:  imaging.GradeGood,
			Score:    0.75,
			Metadata: imaging.Metadata{Format: "image/jpeg", Size: 150 * 1024},
		},
		payload: []byte("fake image bytes"),
	}
}

type stubClient struct {
	mu      sync.Mutex
	calls   int
	fn      func(req llm.Request) (*llm.Response, error)
	name    string
	pingErr error
}

func (c *stubClient) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.fn(req)
}

func (c *stubClient) Ping(ctx context.Context) error { return c.pingErr }

func (c *stubClient) Name() string {
	if c.name == "" {
		return "stub"
	}
	return c.name
}

func (c *stubClient) invocations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func textClient(text string) *stubClient {
	return &stubClient{fn: func(req llm.Request) (*llm.Response, error) {
		return &llm.Response{
			Content: []llm.ContentBlock{{Type: "text", Text: text}},
			Model:   "stub-model",
			Usage:   llm.Usage{InputTokens: 1000, OutputTokens: 50, TotalTokens: 1050, CostUSD: 0.0007},
		}, nil
	}}
}

func failingClient(err error) *stubClient {
	return &stubClient{fn: func(req llm.Request) (*llm.Response, error) {
		return nil, err
	}}
}

type stubStore struct {
	mu      sync.Mutex
	entries map[string]*storage.CachedRecognition
	getErr  error
	setErr  error
}

func newStubStore() *stubStore {
	return &stubStore{entries: make(map[string]*storage.CachedRecognition)}
}

func (s *stubStore) GetRecognitionCache(hash string) (*storage.CachedRecognition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	entry, ok := s.entries[hash]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

func (s *stubStore) SetRecognitionCache(entry *storage.CachedRecognition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	copied := *entry
	s.entries[entry.ImageHash] = &copied
	return nil
}

func (s *stubStore) PruneRecognitionCache(olderThan time.Duration) (int64, error) { return 0, nil }
func (s *stubStore) AppendAlert(record *storage.AlertRecord) error                { return nil }
func (s *stubStore) RecentAlerts(limit int) ([]storage.AlertRecord, error)        { return nil, nil }
func (s *stubStore) Ping() error                                                  { return nil }
func (s *stubStore) Close() error                                                 { return nil }

func fastRetryConfig(maxRetries int) func(imaging.Grade, int64) retry.Config {
	return func(imaging.Grade, int64) retry.Config {
		return retry.Config{
			MaxRetries:        maxRetries,
			BaseDelay:         time.Millisecond,
			MaxDelay:          2 * time.Millisecond,
			BackoffMultiplier: 2.0,
			Timeout:           time.Second,
		}
	}
}

func newTestService(analyzer imaging.Analyzer, client llm.Client) (*Service, *metrics.Service, *breaker.Registry) {
	m := metrics.NewService(metrics.Options{})
	breakers := breaker.NewRegistry(breaker.DefaultThreshold, breaker.DefaultCooldown)
	engine := retry.NewEngine(breakers, m)
	svc := NewService(analyzer, client, engine, m)
	svc.retryConfig = fastRetryConfig(2)
	return svc, m, breakers
}

func TestRecognizeSuccess(t *testing.T) {
	client := textClient(modelText)
	svc, m, _ := newTestService(goodAnalyzer(), client)

	res, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{EnableFallback: true})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, 1, client.invocations())
	assert.NotEmpty(t, res.RequestID)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "Maito 1L", res.Items[0].Name)
	assert.InDelta(t, 5.07, res.TotalAmount, 1e-9)
	assert.InDelta(t, 0.93, res.Confidence, 1e-9)
	assert.False(t, res.FallbackUsed)
	assert.False(t, res.Cached)
	require.NotNil(t, res.QualityAnalysis)
	assert.Equal(t, imaging.GradeGood, res.QualityAnalysis.Quality)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Operations[OpRecognition].Success)
	assert.Equal(t, int64(1), snap.Operations[OpModelInvoke].Success)
	assert.Equal(t, int64(1), snap.Operations[OpImagePipeline].Success)
	assert.InDelta(t, 0.0007, snap.Operations[OpModelInvoke].CostUSD, 1e-9)
}

func TestRecognizeRecomputesTotal(t *testing.T) {
	// the model claims a total that does not match the line items
	text := `{"items":[{"name":"Maito 1L","unit_price":1.29,"quantity":2,"total_price":2.58}],"total":99.99,"confidence":0.9}`
	svc, _, _ := newTestService(goodAnalyzer(), textClient(text))

	res, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{})
	require.NoError(t, err)
	assert.InDelta(t, 2.58, res.TotalAmount, 1e-9)
}

func TestPoorQualitySkipsModel(t *testing.T) {
	analyzer := goodAnalyzer()
	analyzer.quality = &imaging.QualityAnalysis{
		Quality:  imaging.GradePoor,
		Score:    0.2,
		Metadata: imaging.Metadata{Format: "image/jpeg", Size: 8 * 1024},
	}
	client := textClient(modelText)
	svc, m, _ := newTestService(analyzer, client)

	res, err := svc.Recognize(context.Background(), "/photos/blurry.jpg", Options{EnableFallback: true})
	require.NoError(t, err)

	assert.Equal(t, 0, client.invocations())
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, string(fallback.StrategyBasicHeuristic), res.FallbackStrategy)
	require.NotNil(t, res.QualityAnalysis)
	assert.Equal(t, imaging.GradePoor, res.QualityAnalysis.Quality)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Operations[OpRecognition].Fallback)
	assert.NotContains(t, snap.Operations, OpModelInvoke)
}

func TestPoorQualityWithoutFallbackStillInvokes(t *testing.T) {
	analyzer := goodAnalyzer()
	analyzer.quality = &imaging.QualityAnalysis{
		Quality:  imaging.GradePoor,
		Score:    0.2,
		Metadata: imaging.Metadata{Format: "image/jpeg", Size: 8 * 1024},
	}
	client := textClient(modelText)
	svc, _, _ := newTestService(analyzer, client)

	res, err := svc.Recognize(context.Background(), "/photos/blurry.jpg", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, client.invocations())
	assert.False(t, res.FallbackUsed)
}

func TestInvalidImageFailsFast(t *testing.T) {
	analyzer := goodAnalyzer()
	analyzer.validation = &imaging.Validation{IsValid: false, Errors: []string{"unsupported image format: .txt"}}
	client := textClient(modelText)
	svc, m, _ := newTestService(analyzer, client)

	res, err := svc.Recognize(context.Background(), "/photos/notes.txt", Options{EnableFallback: true})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 0, client.invocations())

	info, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, faults.KindImageProcessing, info.Kind)
	assert.Contains(t, info.Message, "unsupported image format")

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Operations[OpImagePipeline].Failure)
	assert.Equal(t, int64(1), snap.Operations[OpRecognition].Failure)
}

func TestTimeoutExhaustsRetriesThenFallsBack(t *testing.T) {
	client := failingClient(errors.New("request timed out after 30s"))
	svc, m, _ := newTestService(goodAnalyzer(), client)

	res, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{EnableFallback: true})
	require.NoError(t, err)

	// two retries after the first attempt
	assert.Equal(t, 3, client.invocations())
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, string(fallback.StrategyBasicHeuristic), res.FallbackStrategy)

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.Operations[OpModelInvoke].Failure)
	assert.Equal(t, int64(2), snap.Operations[OpModelInvoke].Retries)
	assert.Equal(t, int64(1), snap.Operations[OpRecognition].Fallback)
}

func TestParseFailureUsesEnhancedFallback(t *testing.T) {
	client := textClient("I could not read this receipt, sorry.")
	svc, _, _ := newTestService(goodAnalyzer(), client)

	res, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{EnableFallback: true})
	require.NoError(t, err)

	// a parse failure does not retry the model
	assert.Equal(t, 1, client.invocations())
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, string(fallback.StrategyEnhancedHeuristic), res.FallbackStrategy)
	require.NotEmpty(t, res.Items)
	assert.Empty(t, res.Items[0].Name)
}

func TestRateLimitUsesTemplateFallback(t *testing.T) {
	client := failingClient(errors.New("request failed: POST /v1/messages (status: 429)"))
	svc, _, _ := newTestService(goodAnalyzer(), client)

	res, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{EnableFallback: true})
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, string(fallback.StrategyTemplate), res.FallbackStrategy)
	assert.LessOrEqual(t, res.Confidence, 0.10)
}

func TestAuthFailureWithoutFallback(t *testing.T) {
	client := failingClient(errors.New("request failed: POST /v1/messages (status: 401)"))
	svc, m, _ := newTestService(goodAnalyzer(), client)

	res, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{})
	require.Error(t, err)
	assert.Nil(t, res)

	// authentication failures are not retryable
	assert.Equal(t, 1, client.invocations())
	info, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, faults.KindAuthentication, info.Kind)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Operations[OpRecognition].Failure)
}

func TestOpenCircuitRejectsWithoutInvoking(t *testing.T) {
	client := textClient(modelText)
	svc, _, breakers := newTestService(goodAnalyzer(), client)

	for i := 0; i < breaker.DefaultThreshold; i++ {
		breakers.RecordFailure(OpModelInvoke)
	}

	res, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 0, client.invocations())

	info, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, faults.KindUnavailable, info.Kind)
	assert.Contains(t, info.Message, "circuit breaker open")
}

func TestCacheMissThenHit(t *testing.T) {
	client := textClient(modelText)
	store := newStubStore()
	svc, m, _ := newTestService(goodAnalyzer(), client)
	svc.WithStore(store)

	first, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, client.invocations())

	second, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, client.invocations())
	assert.Equal(t, first.Items, second.Items)
	assert.NotEqual(t, first.RequestID, second.RequestID)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Operations[OpRecognition].Success)
	assert.Equal(t, int64(1), snap.Operations[OpModelInvoke].Success)
}

func TestCacheReadErrorFallsThroughToModel(t *testing.T) {
	client := textClient(modelText)
	store := newStubStore()
	store.getErr = errors.New("database is locked")
	svc, m, _ := newTestService(goodAnalyzer(), client)
	svc.WithStore(store)

	res, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 1, client.invocations())

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Operations[OpStorage].Failure)
}

func TestFallbackResultsAreNotCached(t *testing.T) {
	client := failingClient(errors.New("connection refused"))
	store := newStubStore()
	svc, _, _ := newTestService(goodAnalyzer(), client)
	svc.WithStore(store)

	res, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{EnableFallback: true})
	require.NoError(t, err)
	require.True(t, res.FallbackUsed)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.entries)
}

func TestForcedFallbackSkipsModel(t *testing.T) {
	client := textClient(modelText)
	svc, _, _ := newTestService(goodAnalyzer(), client)

	svc.SetForceFallback(true)
	assert.True(t, svc.ForceFallbackActive())

	res, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{EnableFallback: true})
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, 0, client.invocations())

	svc.SetForceFallback(false)
	res, err = svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{EnableFallback: true})
	require.NoError(t, err)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, 1, client.invocations())
}

func TestForcedFallbackWithFallbackDisabled(t *testing.T) {
	client := textClient(modelText)
	svc, _, _ := newTestService(goodAnalyzer(), client)
	svc.SetForceFallback(true)

	res, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 0, client.invocations())

	info, ok := faults.As(err)
	require.True(t, ok)
	assert.Equal(t, faults.KindUnavailable, info.Kind)
}

func TestSwitchToSecondary(t *testing.T) {
	primary := failingClient(errors.New("context deadline exceeded"))
	primary.name = "gemini"
	secondary := textClient(modelText)
	secondary.name = "anthropic"

	svc, _, _ := newTestService(goodAnalyzer(), primary)
	svc.WithSecondary(secondary)

	assert.Equal(t, "gemini", svc.ActiveModel())
	assert.False(t, svc.UsingSecondary())

	require.True(t, svc.SwitchToSecondary())
	assert.True(t, svc.UsingSecondary())
	assert.Equal(t, "anthropic", svc.ActiveModel())

	// already switched
	assert.False(t, svc.SwitchToSecondary())

	res, err := svc.Recognize(context.Background(), "/photos/receipt.jpg", Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, primary.invocations())
	assert.Equal(t, 1, secondary.invocations())
	assert.False(t, res.FallbackUsed)

	// primary recovered
	require.True(t, svc.SwitchToPrimary())
	assert.False(t, svc.UsingSecondary())
	assert.Equal(t, "gemini", svc.ActiveModel())

	// already back on the primary
	assert.False(t, svc.SwitchToPrimary())
}

func TestSwitchToSecondaryWithoutStandby(t *testing.T) {
	svc, _, _ := newTestService(goodAnalyzer(), textClient(modelText))
	assert.False(t, svc.SwitchToSecondary())
	assert.False(t, svc.SwitchToPrimary())
}

func TestModelProbe(t *testing.T) {
	client := textClient(modelText)
	svc, _, _ := newTestService(goodAnalyzer(), client)
	assert.NoError(t, svc.ModelProbe(context.Background()))

	client.pingErr = errors.New("service unavailable")
	assert.Error(t, svc.ModelProbe(context.Background()))
}

func TestPrimaryProbeIgnoresSwitchover(t *testing.T) {
	primary := textClient(modelText)
	primary.pingErr = errors.New("service unavailable")
	svc, _, _ := newTestService(goodAnalyzer(), primary)
	svc.WithSecondary(textClient(modelText))

	require.True(t, svc.SwitchToSecondary())
	assert.NoError(t, svc.ModelProbe(context.Background()))
	assert.Error(t, svc.PrimaryProbe(context.Background()))
}

func TestRetryConfigFor(t *testing.T) {
	tests := []struct {
		name        string
		grade       imaging.Grade
		size        int64
		wantRetries int
		wantTimeout time.Duration
	}{
		{"excellent small", imaging.GradeExcellent, 500 * 1024, 3, 30 * time.Second},
		{"good small", imaging.GradeGood, 500 * 1024, 3, 30 * time.Second},
		{"fair", imaging.GradeFair, 500 * 1024, 2, 20 * time.Second},
		{"poor", imaging.GradePoor, 500 * 1024, 1, 12 * time.Second},
		{"good large", imaging.GradeGood, 3 << 20, 3, 45 * time.Second},
		{"good huge", imaging.GradeGood, 7 << 20, 3, 60 * time.Second},
		{"fair huge", imaging.GradeFair, 7 << 20, 2, 50 * time.Second},
		{"poor huge", imaging.GradePoor, 7 << 20, 1, 42 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := retryConfigFor(tt.grade, tt.size)
			assert.Equal(t, tt.wantRetries, cfg.MaxRetries)
			assert.Equal(t, tt.wantTimeout, cfg.Timeout)
		})
	}
}

func TestHashImageIsStable(t *testing.T) {
	a := hashImage([]byte("payload"))
	b := hashImage([]byte("payload"))
	c := hashImage([]byte("other"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestFallbackEligibleKinds(t *testing.T) {
	eligible := []faults.Kind{
		faults.KindNetwork, faults.KindTimeout, faults.KindRateLimited,
		faults.KindUnavailable, faults.KindParsing, faults.KindAuthentication,
	}
	for _, k := range eligible {
		assert.True(t, fallbackEligible(k), string(k))
	}
	assert.False(t, fallbackEligible(faults.KindImageProcessing))
	assert.False(t, fallbackEligible(faults.KindUnknown))
}
