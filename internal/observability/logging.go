// Package observability wires structured logging for the CLI and server.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger. It is usable before Init is called
// (it defaults to info-level console output) so commands can log during
// early startup and argument validation.
var CLILogger = mustDefaultLogger()

// Init reconfigures CLILogger from the resolved logging config.
//
// profile "STRUCTURED" emits JSON; anything else emits console output.
func Init(level string, profile string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	encoding := "console"
	if strings.EqualFold(strings.TrimSpace(profile), "STRUCTURED") {
		encoding = "json"
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = encoding
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	CLILogger = logger
	return nil
}

// Sync flushes buffered log entries. Safe to call on process exit.
func Sync() {
	_ = CLILogger.Sync()
}

func parseLevel(level string) (zapcore.Level, error) {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

func mustDefaultLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
