package recognition

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/raine/receipt-vision/internal/fallback"
	"github.com/raine/receipt-vision/internal/faults"
	"github.com/raine/receipt-vision/internal/imaging"
	"github.com/raine/receipt-vision/internal/llm"
	"github.com/raine/receipt-vision/internal/metrics"
	"github.com/raine/receipt-vision/internal/receipt"
	"github.com/raine/receipt-vision/internal/retry"
	"github.com/raine/receipt-vision/internal/storage"
)

// Operation names used for metrics and circuit breaker keys.
const (
	OpRecognition   = "recognition"
	OpModelInvoke   = "model_invoke"
	OpImagePipeline = "image_pipeline"
	OpStorage       = "storage"
)

// Options control a single recognition request.
type Options struct {
	// EnableFallback allows a degraded heuristic result when the model
	// pipeline fails, instead of returning the error.
	EnableFallback bool
}

// Service runs the full recognition pipeline: image checks, model invocation
// with retries and circuit breaking, response parsing, caching and fallbacks.
type Service struct {
	analyzer  imaging.Analyzer
	primary   llm.Client
	secondary llm.Client
	engine    *retry.Engine
	metrics   *metrics.Service
	cascade   *fallback.Cascade
	store     storage.Store

	mu            sync.Mutex
	useSecondary  bool
	forceFallback bool

	retryConfig func(grade imaging.Grade, size int64) retry.Config
}

// NewService wires the recognition pipeline around the primary model client.
func NewService(analyzer imaging.Analyzer, primary llm.Client, engine *retry.Engine, m *metrics.Service) *Service {
	return &Service{
		analyzer:    analyzer,
		primary:     primary,
		engine:      engine,
		metrics:     m,
		cascade:     fallback.NewCascade(),
		retryConfig: retryConfigFor,
	}
}

// WithSecondary registers a standby model client for switchover.
func (s *Service) WithSecondary(client llm.Client) *Service {
	s.secondary = client
	return s
}

// WithStore enables the persistent recognition cache.
func (s *Service) WithStore(store storage.Store) *Service {
	s.store = store
	return s
}

// Recognize transcribes the receipt photo at path into line items.
func (s *Service) Recognize(ctx context.Context, path string, opts Options) (*receipt.Result, error) {
	start := time.Now()
	requestID := uuid.NewString()

	logger := log.With().Str("requestId", requestID).Str("image", filepath.Base(path)).Logger()
	logger.Info().Bool("fallbackEnabled", opts.EnableFallback).Msg("starting receipt recognition")

	validation, err := s.analyzer.Validate(path)
	if err != nil {
		return s.failImage(err.Error(), requestID, path, start)
	}
	if !validation.IsValid {
		return s.failImage("invalid image: "+strings.Join(validation.Errors, "; "), requestID, path, start)
	}

	quality, err := s.analyzer.AnalyzeQuality(path)
	if err != nil {
		return s.failImage(err.Error(), requestID, path, start)
	}

	// A poor photo rarely survives the model, and forced fallback mode
	// means recovery decided the model should not be called at all.
	forced := s.ForceFallbackActive()
	if forced || quality.Quality == imaging.GradePoor {
		if opts.EnableFallback {
			logger.Warn().
				Bool("forced", forced).
				Str("grade", string(quality.Quality)).
				Msg("skipping model, serving fallback result")
			res := s.cascade.Recognize(fallback.Input{
				Path:        path,
				PayloadSize: quality.Metadata.Size,
				Quality:     quality,
			}, nil)
			return s.finish(res, requestID, start, logger), nil
		}
		if forced {
			info := faults.New(faults.KindUnavailable,
				"recognition is in forced fallback mode and the request disabled fallback",
				map[string]any{"operation": OpRecognition})
			return s.fail(info, requestID, start)
		}
		// Poor quality with fallback disabled still gets a model attempt.
	}

	pre, err := s.analyzer.Preprocess(path, imaging.PreprocessOptions{})
	if err != nil {
		return s.failImage(err.Error(), requestID, path, start)
	}
	s.metrics.RecordSuccess(OpImagePipeline, time.Since(start))

	hash := hashImage(pre.Buffer)
	if cached := s.cacheLookup(hash, logger); cached != nil {
		cached.Cached = true
		cached.QualityAnalysis = quality
		return s.finish(cached, requestID, start, logger), nil
	}

	req := llm.Request{
		Prompt:      llm.ReceiptPrompt(),
		ImageBase64: base64.StdEncoding.EncodeToString(pre.Buffer),
		MIMEType:    imaging.MIMEType(path),
	}
	client := s.client()
	cfg := s.retryConfig(quality.Quality, pre.Metadata.Size)

	var resp *llm.Response
	cause := s.engine.Execute(ctx, OpModelInvoke, cfg, func(ctx context.Context) error {
		r, err := client.Invoke(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	var res *receipt.Result
	if cause == nil {
		s.metrics.RecordCost(OpModelInvoke, resp.Usage.CostUSD)

		parsed, parseErr := receipt.ParseModelText(resp.Text())
		if parseErr != nil {
			cause = faults.Classify(parseErr, map[string]any{
				"operation": OpRecognition,
				"model":     resp.Model,
			})
		} else {
			res = s.buildResult(parsed, quality, logger)
			s.cacheStore(hash, res, resp.Model, logger)
		}
	}

	if cause != nil {
		if opts.EnableFallback && fallbackEligible(cause.Kind) {
			logger.Warn().
				Str("kind", string(cause.Kind)).
				Msg("model pipeline failed, serving fallback result")
			res = s.cascade.Recognize(fallback.Input{
				Path:        path,
				PayloadSize: pre.Metadata.Size,
				Quality:     quality,
			}, cause)
			return s.finish(res, requestID, start, logger), nil
		}
		return s.fail(cause, requestID, start)
	}

	return s.finish(res, requestID, start, logger), nil
}

// ModelProbe checks that the active model endpoint answers.
func (s *Service) ModelProbe(ctx context.Context) error {
	return s.client().Ping(ctx)
}

// ActiveModel returns the name of the client currently receiving traffic.
func (s *Service) ActiveModel() string {
	return s.client().Name()
}

// SwitchToSecondary flips model traffic to the standby client. Returns false
// when no standby is configured or traffic already moved.
func (s *Service) SwitchToSecondary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secondary == nil || s.useSecondary {
		return false
	}
	s.useSecondary = true
	log.Warn().Str("client", s.secondary.Name()).Msg("switched model traffic to secondary client")
	return true
}

// SwitchToPrimary moves model traffic back to the primary client. Returns
// false when traffic was not on the standby.
func (s *Service) SwitchToPrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.useSecondary {
		return false
	}
	s.useSecondary = false
	log.Info().Str("client", s.primary.Name()).Msg("restored model traffic to primary client")
	return true
}

// UsingSecondary reports whether the standby client is serving traffic.
func (s *Service) UsingSecondary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useSecondary
}

// PrimaryProbe checks that the primary model endpoint answers, regardless of
// which client is serving traffic.
func (s *Service) PrimaryProbe(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

// SetForceFallback routes every request to the fallback cascade without
// calling the model. Recovery uses this as graceful degradation.
func (s *Service) SetForceFallback(v bool) {
	s.mu.Lock()
	prev := s.forceFallback
	s.forceFallback = v
	s.mu.Unlock()
	if prev != v {
		log.Warn().Bool("forced", v).Msg("forced fallback mode changed")
	}
}

// ForceFallbackActive reports whether forced fallback mode is on.
func (s *Service) ForceFallbackActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceFallback
}

func (s *Service) client() llm.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.useSecondary && s.secondary != nil {
		return s.secondary
	}
	return s.primary
}

func (s *Service) cacheLookup(hash string, logger zerolog.Logger) *receipt.Result {
	if s.store == nil {
		return nil
	}
	lookupStart := time.Now()
	cached, err := s.store.GetRecognitionCache(hash)
	if err != nil {
		s.metrics.RecordFailure(OpStorage, time.Since(lookupStart), faults.KindUnknown)
		logger.Warn().Err(err).Msg("failed to check recognition cache")
		return nil
	}
	s.metrics.RecordSuccess(OpStorage, time.Since(lookupStart))
	if cached == nil {
		return nil
	}
	logger.Debug().Str("hash", hash[:16]).Msg("recognition cache hit")
	res := cached.Result
	return &res
}

func (s *Service) cacheStore(hash string, res *receipt.Result, model string, logger zerolog.Logger) {
	if s.store == nil {
		return
	}
	writeStart := time.Now()
	err := s.store.SetRecognitionCache(&storage.CachedRecognition{
		ImageHash: hash,
		Result:    *res,
		Model:     model,
	})
	if err != nil {
		s.metrics.RecordFailure(OpStorage, time.Since(writeStart), faults.KindUnknown)
		logger.Warn().Err(err).Msg("failed to cache recognition result")
		return
	}
	s.metrics.RecordSuccess(OpStorage, time.Since(writeStart))
	logger.Debug().Str("hash", hash[:16]).Msg("cached recognition result")
}

func (s *Service) buildResult(parsed *receipt.Parsed, quality *imaging.QualityAnalysis, logger zerolog.Logger) *receipt.Result {
	res := &receipt.Result{
		Items:           parsed.Items,
		Confidence:      parsed.Confidence,
		TotalAmount:     receipt.SumTotal(parsed.Items),
		QualityAnalysis: quality,
	}
	if parsed.ModelTotal != 0 && math.Abs(parsed.ModelTotal-res.TotalAmount) > receipt.PriceTolerance {
		logger.Debug().
			Float64("modelTotal", parsed.ModelTotal).
			Float64("computedTotal", res.TotalAmount).
			Msg("model total does not match line items, keeping computed total")
	}
	return res
}

func (s *Service) finish(res *receipt.Result, requestID string, start time.Time, logger zerolog.Logger) *receipt.Result {
	res.RequestID = requestID
	res.ProcessingTime = time.Since(start)
	s.metrics.RecordSuccess(OpRecognition, res.ProcessingTime)
	if res.FallbackUsed {
		s.metrics.RecordFallback(OpRecognition)
	}
	logger.Info().
		Int("items", len(res.Items)).
		Float64("confidence", res.Confidence).
		Float64("total", res.TotalAmount).
		Bool("fallback", res.FallbackUsed).
		Bool("cached", res.Cached).
		Dur("took", res.ProcessingTime).
		Msg("receipt recognition finished")
	return res
}

func (s *Service) fail(info *faults.Info, requestID string, start time.Time) (*receipt.Result, error) {
	s.metrics.RecordFailure(OpRecognition, time.Since(start), info.Kind)
	log.Error().
		Str("requestId", requestID).
		Str("kind", string(info.Kind)).
		Str("severity", string(info.Severity)).
		Msg(info.Message)
	return nil, info
}

func (s *Service) failImage(msg, requestID, path string, start time.Time) (*receipt.Result, error) {
	info := faults.New(faults.KindImageProcessing, msg, map[string]any{
		"operation": OpImagePipeline,
		"image":     path,
	})
	s.metrics.RecordFailure(OpImagePipeline, time.Since(start), info.Kind)
	return s.fail(info, requestID, start)
}

// fallbackEligible reports whether a failure kind can be answered with a
// degraded heuristic result. Unknown and image kinds fail hard so the caller
// sees the real problem.
func fallbackEligible(kind faults.Kind) bool {
	switch kind {
	case faults.KindNetwork, faults.KindTimeout, faults.KindRateLimited,
		faults.KindUnavailable, faults.KindParsing, faults.KindAuthentication:
		return true
	}
	return false
}

// retryConfigFor tunes retries by image quality and payload size. Low quality
// photos get fewer attempts since repeats rarely help them, large payloads
// get longer per-attempt timeouts.
func retryConfigFor(grade imaging.Grade, size int64) retry.Config {
	cfg := retry.DefaultConfig()
	switch grade {
	case imaging.GradeFair:
		cfg.MaxRetries = 2
		cfg.Timeout = 20 * time.Second
	case imaging.GradePoor:
		cfg.MaxRetries = 1
		cfg.Timeout = 12 * time.Second
	}
	if size > 2<<20 {
		cfg.Timeout += 15 * time.Second
	}
	if size > 6<<20 {
		cfg.Timeout += 15 * time.Second
	}
	if cfg.Timeout > 60*time.Second {
		cfg.Timeout = 60 * time.Second
	}
	return cfg
}

// hashImage builds the cache key for an image payload.
func hashImage(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

