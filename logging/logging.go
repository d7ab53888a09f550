// Package logging configures the process-wide slog logger used by every
// core component (pool, matcher, stepexec, coordinator, workflow,
// checkpoint, monitor).
package logging

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const modulePrefix = "github.com/agentmesh/orchestrator"

// ParseLevel converts a string log level to slog.Level. Unrecognised values
// fall back to Warn rather than erroring, since a misconfigured log level
// should not prevent the engine from starting.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Options configures Init.
type Options struct {
	Level  string
	JSON   bool
	Output *os.File
}

// Init builds and installs the process-wide default logger. Below Debug
// level, log records originating outside this module are dropped — this
// keeps third-party library chatter (etcd client, consul client, go-plugin)
// out of normal operational logs while still surfacing it when debugging.
func Init(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := ParseLevel(opts.Level)

	handlerOpts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}

	var base slog.Handler
	if opts.JSON {
		base = slog.NewJSONHandler(out, handlerOpts)
	} else {
		base = slog.NewTextHandler(out, handlerOpts)
	}

	filtered := &filteringHandler{handler: base, minLevel: level}
	logger := slog.New(filtered)
	slog.SetDefault(logger)
	return logger
}

// filteringHandler wraps a slog.Handler and, below Debug, only emits records
// whose call site is inside this module.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || h.isOwnPackage(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func (h *filteringHandler) isOwnPackage(pc uintptr) bool {
	if pc == 0 {
		return true
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return true
	}
	name := fn.Name()
	file, _ := fn.FileLine(pc)
	return strings.Contains(name, modulePrefix) || strings.Contains(file, "orchestrator/")
}

// With returns a logger scoped to a component name, the convention every
// package in this module follows for its internal logger field.
func With(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
