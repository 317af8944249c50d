// Package config loads service settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ServiceName  string `mapstructure:"SERVICE_NAME"`
	HTTPPort     string `mapstructure:"HTTP_PORT"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	RedisAddr    string `mapstructure:"REDIS_ADDR"`
	RedisPass    string `mapstructure:"REDIS_PASSWORD"`
	RedisDB      int    `mapstructure:"REDIS_DB"`
	NATSURL      string `mapstructure:"NATS_URL"`
	JWTSecret    string `mapstructure:"JWT_SECRET"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	LogFormat    string `mapstructure:"LOG_FORMAT"`
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	OperationTimeout   time.Duration `mapstructure:"OPERATION_TIMEOUT"`
	TransitionRetries  int           `mapstructure:"TRANSITION_RETRIES"`
	FanoutLimit        int           `mapstructure:"FANOUT_LIMIT"`
	IdempotencyTTL     time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	IdempotencyPending time.Duration `mapstructure:"IDEMPOTENCY_PENDING_TTL"`
	ListingCacheTTL    time.Duration `mapstructure:"LISTING_CACHE_TTL"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	ExpirySweepEvery   time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`
	ShutdownTimeout    time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var defaults = map[string]any{
	"SERVICE_NAME":                "marketflow",
	"HTTP_PORT":                   "8080",
	"DATABASE_URL":                "",
	"DB_MAX_CONNS":                0,
	"REDIS_ADDR":                  "",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"NATS_URL":                    "",
	"JWT_SECRET":                  "",
	"LOG_LEVEL":                   "info",
	"LOG_FORMAT":                  "json",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
	"OPERATION_TIMEOUT":           "5s",
	"TRANSITION_RETRIES":          3,
	"FANOUT_LIMIT":                8,
	"IDEMPOTENCY_TTL":             "24h",
	"IDEMPOTENCY_PENDING_TTL":     "30s",
	"LISTING_CACHE_TTL":           "1m",
	"OUTBOX_POLL_INTERVAL":        "1s",
	"OUTBOX_BATCH_SIZE":           50,
	"OUTBOX_MAX_ATTEMPTS":         10,
	"EXPIRY_SWEEP_INTERVAL":       "1m",
	"SHUTDOWN_TIMEOUT":            "10s",
}

// Load reads envFile when it exists, then the process environment.
// Environment variables win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.HTTPPort == "" {
		errs = append(errs, errors.New("HTTP_PORT is required"))
	}
	for name, d := range map[string]time.Duration{
		"OPERATION_TIMEOUT":       c.OperationTimeout,
		"IDEMPOTENCY_TTL":         c.IdempotencyTTL,
		"IDEMPOTENCY_PENDING_TTL": c.IdempotencyPending,
		"LISTING_CACHE_TTL":       c.ListingCacheTTL,
		"OUTBOX_POLL_INTERVAL":    c.OutboxPollInterval,
		"EXPIRY_SWEEP_INTERVAL":   c.ExpirySweepEvery,
		"SHUTDOWN_TIMEOUT":        c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.TransitionRetries < 1 {
		errs = append(errs, fmt.Errorf("TRANSITION_RETRIES must be at least 1, got %d", c.TransitionRetries))
	}
	if c.FanoutLimit <= 0 {
		errs = append(errs, fmt.Errorf("FANOUT_LIMIT must be positive, got %d", c.FanoutLimit))
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE and OUTBOX_MAX_ATTEMPTS must be positive"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
