// Package logging wires a single zap.Logger instance through the core,
// in place of the teacher's per-call log.Printf lines.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-leveled zap.Logger. verbose mirrors the
// teacher's bigcache.Config.Verbose switch, turning on debug-level output.
func New(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		// Building the production config can only fail on a malformed
		// encoder, which is never the case here; fall back rather than
		// leave the core with no logger at all.
		logger = zap.NewNop()
	}
	return logger
}

// Nop returns a logger that discards everything, used by tests that
// don't care about log output.
func Nop() *zap.Logger {
	return zap.NewNop()
}

var (
	defaultOnce sync.Once
	defaultLog  *zap.Logger
)

// Default returns a process-wide fallback logger for code paths that run
// before a CoreContext is available (e.g. config loading).
func Default() *zap.Logger {
	defaultOnce.Do(func() {
		defaultLog = New(false)
	})
	return defaultLog
}
