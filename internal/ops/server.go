package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/raine/receipt-vision/internal/faults"
	"github.com/raine/receipt-vision/internal/metrics"
	"github.com/raine/receipt-vision/internal/receipt"
	"github.com/raine/receipt-vision/internal/recognition"
	"github.com/raine/receipt-vision/internal/recovery"
	"github.com/raine/receipt-vision/internal/storage"
)

const (
	// MaxUploadSize is the maximum accepted image upload (10MB).
	MaxUploadSize = 10 * 1024 * 1024

	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
	alertHistoryLimit = 50
)

// RecoveryTrigger is the slice of the recovery orchestrator the ops surface
// exposes to operators.
type RecoveryTrigger interface {
	SystemHealth() recovery.SystemHealth
	TriggerManual(ctx context.Context, service string, strategy recovery.Strategy) error
	ActionDescriptors() map[string][]recovery.Descriptor
}

// Recognizer runs one receipt recognition request.
type Recognizer interface {
	Recognize(ctx context.Context, path string, opts recognition.Options) (*receipt.Result, error)
}

// Server provides the operator HTTP endpoints: health checks, Prometheus
// metrics, error reports, alert history, manual recovery and a recognize
// endpoint for ad hoc uploads.
type Server struct {
	metrics    *metrics.Service
	recovery   RecoveryTrigger
	recognizer Recognizer
	store      storage.Store
	server     *http.Server
}

// NewServer wires the ops endpoints. store may be nil, in which case alert
// history is served from the in-memory log only.
func NewServer(addr string, m *metrics.Service, trigger RecoveryTrigger, recognizer Recognizer, store storage.Store) *Server {
	mux := http.NewServeMux()
	s := &Server{
		metrics:    m,
		recovery:   trigger,
		recognizer: recognizer,
		store:      store,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/recovery/actions", s.handleActions)
	mux.HandleFunc("/recover", s.handleRecover)
	mux.HandleFunc("/recognize", s.handleRecognize)

	return s
}

// Run starts the HTTP server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down ops server")
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.recovery.SystemHealth()

	code := http.StatusOK
	if health.Overall == recovery.OverallCritical || health.Overall == recovery.OverallDown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(health.Overall)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recovery.SystemHealth())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Report())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, s.metrics.Snapshot().RecentAlerts)
		return
	}
	alerts, err := s.store.RecentAlerts(alertHistoryLimit)
	if err != nil {
		log.Error().Err(err).Msg("failed to read alert history")
		writeError(w, http.StatusInternalServerError, "failed to read alert history")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recovery.ActionDescriptors())
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}

	service := r.URL.Query().Get("service")
	if service == "" {
		writeError(w, http.StatusBadRequest, "service parameter is required")
		return
	}
	strategy := recovery.Strategy(r.URL.Query().Get("strategy"))

	log.Info().Str("service", service).Str("strategy", string(strategy)).Msg("manual recovery requested")

	if err := s.recovery.TriggerManual(r.Context(), service, strategy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recovered", "service": service})
}

func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	if s.recognizer == nil {
		writeError(w, http.StatusServiceUnavailable, "recognition is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("image too large: exceeds limit of %d bytes", int64(MaxUploadSize)))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, `multipart field "image" is required`)
		return
	}
	defer file.Close()

	path, err := saveUpload(file, header.Filename)
	if err != nil {
		log.Error().Err(err).Msg("failed to stage uploaded image")
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	defer os.Remove(path)

	opts := recognition.Options{EnableFallback: r.FormValue("fallback") != "false"}
	result, err := s.recognizer.Recognize(r.Context(), path, opts)
	if err != nil {
		info, ok := faults.As(err)
		if !ok {
			writeError(w, http.StatusInternalServerError, "receipt recognition failed")
			return
		}
		writeJSON(w, statusForKind(info.Kind), map[string]string{
			"error": info.UserMessage(),
			"kind":  string(info.Kind),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// saveUpload stages the multipart file on disk so the image pipeline can
// read it by path. The original extension is kept because format checks key
// off it.
func saveUpload(file multipart.File, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".jpg"
	}
	tmp, err := os.CreateTemp("", "receipt-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, file); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	return tmp.Name(), nil
}

func statusForKind(kind faults.Kind) int {
	switch kind {
	case faults.KindImageProcessing:
		return http.StatusUnprocessableEntity
	case faults.KindRateLimited:
		return http.StatusTooManyRequests
	case faults.KindTimeout:
		return http.StatusGatewayTimeout
	case faults.KindNetwork, faults.KindUnavailable:
		return http.StatusServiceUnavailable
	case faults.KindAuthentication, faults.KindParsing:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
