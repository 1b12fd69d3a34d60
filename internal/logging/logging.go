// Package logging builds the process-wide structured logger from a
// configured ServerConfig.LogLevel. Every other package accepts a
// *zap.Logger rather than reaching for a package-global, matching the
// teacher's style of passing collaborators in explicitly.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kunal/realtime-infer-serve/internal/types"
)

// New builds a production-style zap logger at the given level.
func New(level types.LogLevel) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(toZapLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func toZapLevel(level types.LogLevel) zapcore.Level {
	switch level {
	case types.LogDebug:
		return zapcore.DebugLevel
	case types.LogWarn:
		return zapcore.WarnLevel
	case types.LogError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewNop returns a no-op logger, used as the zero-value collaborator in
// tests that don't care about log output.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
