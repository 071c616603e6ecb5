// Package telemetry provides the process-wide structured logger and metrics
// registry shared by every component: gateway, primary, bft and sync log
// through the same *zap.Logger, and they and storage and mempool publish to
// the same prometheus registry rather than constructing their own.
package telemetry

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. production selects JSON output at
// info level (for a running validator); the non-production path is
// console-encoded and debug level, matching the teacher's dev/prod split.
func NewLogger(production bool) (*zap.Logger, error) {
	if production {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	return cfg.Build()
}

// Named returns a child logger scoped to a component, e.g. "gateway",
// "primary", "bft", "sync", "storage", "mempool".
func Named(base *zap.Logger, component string) *zap.Logger {
	return base.Named(component)
}
