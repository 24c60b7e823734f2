// Package observability constructs the zap loggers used across the CLI and
// server. Logging defaults to structured JSON; the "console" profile is for
// interactive use.
package observability

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the shared logger for command paths. It defaults to a
// console logger at info level and is replaced by Init once configuration
// has been loaded.
var CLILogger = zap.NewNop()

var initMu sync.Mutex

// NewLogger builds a logger for the given level ("debug", "info", "warn",
// "error") and profile ("structured" or "console").
func NewLogger(level string, profile string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", "structured":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown logging profile: %s", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Init replaces CLILogger with a configured logger. Safe to call more than
// once; the previous logger is flushed.
func Init(level string, profile string) error {
	logger, err := NewLogger(level, profile)
	if err != nil {
		return err
	}

	initMu.Lock()
	defer initMu.Unlock()
	_ = CLILogger.Sync()
	CLILogger = logger
	return nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}
