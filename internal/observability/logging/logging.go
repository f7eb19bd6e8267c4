// Package logging builds the engine's structured logger. Every entry is
// JSON, scoped to a component name, and never carries key material —
// callers pass an apperr.Error's Kind/Op/Corr fields, not raw state.
package logging

import (
	"log/slog"
	"os"

	"e2ee/internal/apperr"
)

type Config struct {
	Component   string
	Environment string
	Level       string
}

// New returns a slog.Logger configured the way the rest of the codebase
// configures its service loggers: a JSON handler on stdout, level parsed
// from a string, with component/env attributes attached once up front.
func New(cfg Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler).With(
		slog.String("component", cfg.Component),
		slog.String("env", cfg.Environment),
	)
}

// Noop returns a logger that discards everything, used as the zero-value
// default so components never need a nil check before logging.
func Noop() *slog.Logger {
	return slog.New(slog.NewJSONHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// LogFailure logs err at error level with the op/kind/correlation id a
// *apperr.Error carries, so every exported operation's failure is
// traceable without the message ever containing key material. A no-op
// when err is nil.
func LogFailure(logger *slog.Logger, err error) {
	if err == nil {
		return
	}
	if logger == nil {
		logger = Noop()
	}
	ae, ok := err.(*apperr.Error)
	if !ok {
		logger.Error("operation failed", slog.String("error", err.Error()))
		return
	}
	logger.Error("operation failed",
		slog.String("op", ae.Op),
		slog.String("err_kind", string(ae.Kind)),
		slog.String("corr", ae.Corr),
	)
}
