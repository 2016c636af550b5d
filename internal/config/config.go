package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"message-coalescer/internal/usecase"
)

// Store backends for the long-running service.
const (
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Config is every environment-driven setting. It is read once in main.
type Config struct {
	BufferTable      string
	DispatchQueueURL string
	ParamPrefix      string
	WhatsAppAPIURL   string
	OpenAIBaseURL    string

	MaxContextItems     int
	DispatchConcurrency int

	StoreBackend  string
	Port          string
	SweepSchedule string
	LogLevel      slog.Level

	Engine usecase.Settings
}

// LoadDotEnv reads a .env file into the environment when one exists.
// Variables already set are not overridden.
func LoadDotEnv(paths ...string) {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "err", err)
	}
}

// Load reads the configuration from the environment. Every key in required
// must be set; missing keys are reported together.
func Load(required ...string) (Config, error) {
	var missing []string
	for _, key := range required {
		if strings.TrimSpace(os.Getenv(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: required environment variables not set: %s", strings.Join(missing, ", "))
	}

	cfg := Config{
		BufferTable:      env("BUFFER_TABLE", ""),
		DispatchQueueURL: env("DISPATCH_QUEUE_URL", ""),
		ParamPrefix:      env("PARAM_PREFIX", ""),
		WhatsAppAPIURL:   env("WHATSAPP_API_URL", ""),
		OpenAIBaseURL:    env("OPENAI_BASE_URL", ""),

		MaxContextItems:     envInt("MAX_CONTEXT_ITEMS", 20),
		DispatchConcurrency: envInt("DISPATCH_CONCURRENCY", 4),

		StoreBackend:  strings.ToLower(env("STORE_BACKEND", BackendDynamoDB)),
		Port:          env("PORT", "8080"),
		SweepSchedule: env("SWEEP_SCHEDULE", "@every 1m"),
		LogLevel:      envLevel("LOG_LEVEL", slog.LevelInfo),

		Engine: usecase.Settings{
			Window:              envDuration("WINDOW", usecase.DefaultWindow),
			TTL:                 envDuration("TTL", usecase.DefaultTTL),
			MaxBatchSize:        envInt("MAX_BATCH_SIZE", usecase.DefaultMaxBatchSize),
			IngestMaxAttempts:   envInt("INGEST_MAX_ATTEMPTS", 0),
			IngestBackoffMin:    envDuration("INGEST_BACKOFF_MIN", 0),
			IngestBackoffMax:    envDuration("INGEST_BACKOFF_MAX", 0),
			DispatchMaxAttempts: envInt("DISPATCH_MAX_ATTEMPTS", 0),
			DispatchBackoffMin:  envDuration("DISPATCH_BACKOFF_MIN", 0),
			DispatchBackoffMax:  envDuration("DISPATCH_BACKOFF_MAX", 0),
			DuplicateWindow:     envDuration("DUPLICATE_WINDOW", usecase.DefaultDuplicateWindow),
			ClaimGrace:          envDuration("CLAIM_GRACE", usecase.DefaultClaimGrace),
		},
	}
	if cfg.DispatchConcurrency <= 0 {
		cfg.DispatchConcurrency = 1
	}
	switch cfg.StoreBackend {
	case BackendDynamoDB, BackendMemory:
	default:
		return Config{}, fmt.Errorf("config: unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == BackendDynamoDB && cfg.BufferTable == "" {
		return Config{}, errors.New("config: BUFFER_TABLE is required for the dynamodb backend")
	}
	return cfg, nil
}

func env(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func envLevel(key string, def slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return def
	}
	return l
}
