// Package logging provides the shared logger setup for the controller.
//
// All packages log through logr, backed by zap. Verbosity follows the
// usual convention: V(0) for operator-relevant events, V(DEBUG) for
// per-evaluation detail, V(TRACE) for hot-path routing decisions.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels used with logger.V().
const (
	DEBUG = 1
	TRACE = 2
)

// Log is the root logger. It is a no-op until SetLogger is called.
var Log = logr.Discard()

// SetLogger replaces the root logger.
func SetLogger(l logr.Logger) {
	Log = l
}

// NewLogger builds a production zap-backed logger at the given verbosity.
// Verbosity 0 maps to info level; higher values enable V(n) output.
func NewLogger(verbosity int) logr.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	zl, err := cfg.Build()
	if err != nil {
		// Production config cannot fail to build with a valid level;
		// fall back to a no-op logger rather than panicking.
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}

// NewTestLogger builds a development logger at full verbosity and installs
// it as the root logger. Intended for test suite bootstraps.
func NewTestLogger() logr.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-TRACE))
	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard()
	}
	l := zapr.NewLogger(zl)
	SetLogger(l)
	return l
}

type contextKey struct{}

// IntoContext returns a context carrying the given logger.
func IntoContext(ctx context.Context, l logr.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger stored in ctx, or the root logger.
func FromContext(ctx context.Context) logr.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(logr.Logger); ok {
			return l
		}
	}
	return Log
}
