package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rentalhub-sale-api/internal/config"
)

// newLogger builds the process logger: development config outside
// production, JSON production config otherwise. LOG_LEVEL overrides the
// profile's level.
func newLogger(app config.AppConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if app.IsDevelopment() {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zcfg.DisableStacktrace = !app.IsDevelopment()

	if lvl := strings.TrimSpace(app.LogLevel); lvl != "" {
		var parsed zapcore.Level
		if err := parsed.Set(lvl); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", lvl, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(parsed)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(zap.String("service", app.Name)), nil
}

// ensureDir creates the parent directory of a SQLite database file.
func ensureDir(path string) error {
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}
