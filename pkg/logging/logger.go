package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Options control root logger construction.
type Options struct {
	Level     string // "debug", "info", "warn", "error"
	Format    string // "json" or "text"
	AddSource bool
}

// New builds the root logger for the process.
func New(opts Options) *slog.Logger {
	ho := &slog.HandlerOptions{
		Level:     ParseLevel(opts.Level),
		AddSource: opts.AddSource,
	}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, ho)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, ho)
	}
	return slog.New(handler)
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	return base.With(
		slog.String("component", component),
	)
}

// WithCall tags every line with the call the work belongs to.
func WithCall(base *slog.Logger, callID string) *slog.Logger {
	return base.With(slog.String("call_id", callID))
}

// WithTurn tags every line with the turn being processed.
func WithTurn(base *slog.Logger, turnID string) *slog.Logger {
	return base.With(slog.String("turn_id", turnID))
}
