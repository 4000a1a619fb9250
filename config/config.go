package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	AppName     = "receipt-vision"
	EnvFileName = "config.env"
)

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// Config holds everything the service reads from the environment. Durations
// accept Go duration syntax ("30s", "5m", "720h").
type Config struct {
	// GeminiAPIKey authenticates the primary vision model. Required.
	GeminiAPIKey string
	// AnthropicAPIKey enables the standby model when set.
	AnthropicAPIKey string

	DBPath  string
	OpsAddr string

	// TelegramBotToken and TelegramAlertChat enable alert forwarding when
	// both are set.
	TelegramBotToken  string
	TelegramAlertChat int64

	BreakerThreshold int
	BreakerCooldown  time.Duration
	CheckInterval    time.Duration
	RecoveryCooldown time.Duration
	LatencyCeiling   time.Duration
	CacheMaxAge      time.Duration
}

// FromEnv reads the config from environment variables, applying defaults for
// everything optional. Call LoadEnvFile first to pick up the config file.
func FromEnv() (Config, error) {
	cfg := Config{
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		DBPath:           envOr("RECEIPT_DB_PATH", "recognitions.db"),
		OpsAddr:          envOr("OPS_ADDR", ":8090"),
		TelegramBotToken: os.Getenv("ALERT_BOT_TOKEN"),
	}

	var err error
	if cfg.TelegramAlertChat, err = envInt64("ALERT_CHAT_ID", 0); err != nil {
		return Config{}, err
	}
	if cfg.BreakerThreshold, err = envInt("BREAKER_THRESHOLD", 5); err != nil {
		return Config{}, err
	}
	if cfg.BreakerCooldown, err = envDuration("BREAKER_COOLDOWN", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.CheckInterval, err = envDuration("HEALTH_CHECK_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.RecoveryCooldown, err = envDuration("RECOVERY_COOLDOWN", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.LatencyCeiling, err = envDuration("LATENCY_CEILING", 20*time.Second); err != nil {
		return Config{}, err
	}
	// 30 days keeps the recognition cache useful without letting it grow forever.
	if cfg.CacheMaxAge, err = envDuration("CACHE_MAX_AGE", 720*time.Hour); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	return d, nil
}
