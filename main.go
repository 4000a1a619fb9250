package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raine/receipt-vision/config"
	"github.com/raine/receipt-vision/internal/breaker"
	"github.com/raine/receipt-vision/internal/imaging"
	"github.com/raine/receipt-vision/internal/llm"
	"github.com/raine/receipt-vision/internal/metrics"
	"github.com/raine/receipt-vision/internal/notify"
	"github.com/raine/receipt-vision/internal/ops"
	"github.com/raine/receipt-vision/internal/recognition"
	"github.com/raine/receipt-vision/internal/recovery"
	"github.com/raine/receipt-vision/internal/retry"
	"github.com/raine/receipt-vision/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const logFileName = "receipt-vision.log"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// Try to load existing .env file
	config.LoadEnvFile()

	// JOURNAL_STREAM is set by systemd when running as a service.
	// Skip file logging under systemd (journald handles it, and ProtectSystem=strict
	// makes the working directory read-only).
	if _, underSystemd := os.LookupEnv("JOURNAL_STREAM"); underSystemd {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		// Local development: log to both stderr and file
		logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open log file")
		}
		defer logFile.Close()

		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
		fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
		multiWriter := io.MultiWriter(consoleWriter, fileWriter)
		log.Logger = log.Output(multiWriter)

		log.Info().Str("logFile", logFileName).Msg("logging to file")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.GeminiAPIKey == "" {
		log.Fatal().Msg("GEMINI_API_KEY environment variable is required")
	}

	// Create context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize recognition store")
	}
	defer store.Close()
	log.Info().Str("dbPath", cfg.DBPath).Msg("recognition store initialized")

	m := metrics.NewService(metrics.Options{
		LatencyCeiling: cfg.LatencyCeiling,
		Registerer:     prometheus.DefaultRegisterer,
	})
	breakers := breaker.NewRegistry(cfg.BreakerThreshold, cfg.BreakerCooldown)
	m.SetCircuitStatusFunc(breakers.AllStatuses)

	// Forward high severity alerts to Telegram when an alert bot is configured
	var notifier *notify.TelegramNotifier
	if cfg.TelegramBotToken != "" && cfg.TelegramAlertChat != 0 {
		tg, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize telegram alert bot")
		}
		tg.Debug = false
		log.Info().Str("username", tg.Self.UserName).Msg("alert bot authorized")
		notifier = notify.NewTelegramNotifier(tg, cfg.TelegramAlertChat)
	}

	m.SetAlertHook(func(a metrics.Alert) {
		record := &storage.AlertRecord{
			Type:      string(a.Type),
			Severity:  string(a.Severity),
			Operation: a.Operation,
			Message:   a.Message,
			CreatedAt: a.Time,
		}
		if err := store.AppendAlert(record); err != nil {
			// Continue anyway - the in-memory alert log still has it
			log.Warn().Err(err).Msg("failed to persist alert")
		}
		if notifier != nil {
			notifier.NotifyAlert(a)
		}
	})

	gemini, err := llm.NewGeminiClient(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize gemini client")
	}
	log.Info().Str("model", gemini.Name()).Msg("primary model client initialized")

	engine := retry.NewEngine(breakers, m)
	recognizer := recognition.NewService(imaging.NewFileAnalyzer(), gemini, engine, m).WithStore(store)

	if cfg.AnthropicAPIKey != "" {
		anthropic := llm.NewAnthropicClient(llm.AnthropicOpts{APIKey: cfg.AnthropicAPIKey})
		recognizer.WithSecondary(anthropic)
		log.Info().Str("model", anthropic.Name()).Msg("standby model client initialized")
	}

	actions := recovery.DefaultActionTable(recovery.ActionDeps{
		Breakers:     breakers,
		Metrics:      m,
		Recognition:  recognizer,
		StorageProbe: func(ctx context.Context) error { return store.Ping() },
	})
	orchestrator := recovery.NewOrchestrator(m, breakers, recovery.Options{
		CheckInterval:  cfg.CheckInterval,
		Cooldown:       cfg.RecoveryCooldown,
		LatencyCeiling: cfg.LatencyCeiling,
		Actions:        actions,
		Control:        recognizer,
	})

	opsServer := ops.NewServer(cfg.OpsAddr, m, orchestrator, recognizer, store)

	g, ctx := errgroup.WithContext(ctx)

	// Run recovery orchestrator health check loop
	g.Go(func() error {
		orchestrator.Run(ctx)
		return nil
	})

	// Run operator HTTP endpoints
	g.Go(func() error {
		return opsServer.Run(ctx)
	})

	// Prune stale recognition cache entries daily
	g.Go(func() error {
		runCachePruner(ctx, store, cfg.CacheMaxAge)
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

// runCachePruner drops cached recognitions older than maxAge once a day.
func runCachePruner(ctx context.Context, store storage.Store, maxAge time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.PruneRecognitionCache(maxAge); err != nil {
				log.Error().Err(err).Msg("failed to prune recognition cache")
			}
		}
	}
}
