// Package observability sets up the combat server's logging and tracing.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/skirmish/internal/config"
)

// NewLogger builds the process logger from cfg.
//
// Precondition: cfg.Level is a zap level name; cfg.Format is "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
		// Every mutation is logged once; never sample them away.
		zapCfg.Sampling = nil
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = level
	zapCfg.DisableStacktrace = level.Level() > zapcore.DebugLevel
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// CombatLogger returns a child logger tagged with the combat and acting user.
//
// Precondition: base must be non-nil.
func CombatLogger(base *zap.Logger, combatID, userID string) *zap.Logger {
	fields := []zap.Field{zap.String("combat_id", combatID)}
	if userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	return base.With(fields...)
}
