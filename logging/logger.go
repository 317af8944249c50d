package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level and encoding of the process logger.
type Config struct {
	Level   string
	Format  string
	Service string
}

// New builds the process logger. Format "console" (or "text") selects the
// human readable encoder, anything else emits JSON.
func New(cfg Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	if strings.EqualFold(cfg.Level, "debug") {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "" {
		level = "info"
	}
	if err := zapConfig.Level.UnmarshalText([]byte(level)); err != nil {
		fmt.Fprintf(os.Stderr, "logging: invalid LOG_LEVEL %q, defaulting to info\n", cfg.Level)
		zapConfig.Level.SetLevel(zapcore.InfoLevel)
	}

	switch strings.ToLower(cfg.Format) {
	case "console", "text":
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		zapConfig.Encoding = "json"
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	if cfg.Service != "" {
		logger = logger.With(zap.String("service", cfg.Service))
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
