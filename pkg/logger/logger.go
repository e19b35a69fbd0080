package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a zap logger for the given level and output format
// ("json" or "console"). Unknown levels fall back to info.
func New(level, format string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		// Config above is static; Build only fails on bad output paths.
		return zap.NewNop()
	}
	return logger
}

// NewNop returns a no-op logger for tests that do not assert on output.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
