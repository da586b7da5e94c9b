// Package logger provides structured logging with per-component levels and
// OpenTelemetry trace context integration, following the same shape as the
// teacher repo's lib/logger package.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const loggerKey contextKey = "logger"

// Component names for per-component logging configuration. These replace
// the teacher's subsystem table (API, IMAGES, INGRESS, ...) with the
// runner's own components.
const (
	ComponentRunner     = "RUNNER"
	ComponentConfig     = "CONFIG"
	ComponentSupervisor = "SUPERVISOR"
	ComponentWatch      = "WATCH"
	ComponentTemplate   = "TEMPLATE"
	ComponentQMP        = "QMP"
	ComponentGuestAgent = "GUESTAGENT"
	ComponentVmopAgent  = "VMOPAGENT"
	ComponentCPU        = "CPU"
	ComponentRAM        = "RAM"
	ComponentMedia      = "MEDIA"
	ComponentDisplay    = "DISPLAY"
	ComponentK8s        = "K8S"
)

var allComponents = []string{
	ComponentRunner, ComponentConfig, ComponentSupervisor, ComponentWatch,
	ComponentTemplate, ComponentQMP, ComponentGuestAgent, ComponentVmopAgent,
	ComponentCPU, ComponentRAM, ComponentMedia, ComponentDisplay, ComponentK8s,
}

// Config holds logging configuration.
type Config struct {
	// DefaultLevel is the default log level for all components.
	DefaultLevel slog.Level
	// ComponentLevels maps component names to their specific log levels.
	// If a component is not in this map, DefaultLevel is used.
	ComponentLevels map[string]slog.Level
	// AddSource adds source file information to log entries.
	AddSource bool
}

// NewConfig creates a Config from environment variables. Reads LOG_LEVEL
// for the default level and LOG_LEVEL_<COMPONENT> for per-component
// overrides; like the OTEL_EXPORTER_OTLP_* settings read in cmd/runner,
// it comes from the environment rather than the YAML config file, matching the teacher's
// split between process-level and workload-level configuration.
func NewConfig() Config {
	cfg := Config{
		DefaultLevel:    slog.LevelInfo,
		ComponentLevels: make(map[string]slog.Level),
		AddSource:       false,
	}

	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		cfg.DefaultLevel = parseLevel(levelStr)
	}

	for _, component := range allComponents {
		envKey := "LOG_LEVEL_" + component
		if levelStr := os.Getenv(envKey); levelStr != "" {
			cfg.ComponentLevels[component] = parseLevel(levelStr)
		}
	}

	return cfg
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelFor returns the log level for the given component.
func (c Config) LevelFor(component string) slog.Level {
	if level, ok := c.ComponentLevels[component]; ok {
		return level
	}
	return c.DefaultLevel
}

// New creates a root *slog.Logger with JSON output.
func New(cfg Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.DefaultLevel,
		AddSource: cfg.AddSource,
	}))
}

// ForComponent creates a logger for a specific component at its configured
// level. If otelHandler is non-nil, records are fanned out to it as well
// as stdout.
func ForComponent(component string, cfg Config, otelHandler slog.Handler) *slog.Logger {
	level := cfg.LevelFor(component)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	})

	var baseHandler slog.Handler = jsonHandler
	if otelHandler != nil {
		baseHandler = &multiHandler{handlers: []slog.Handler{jsonHandler, otelHandler}}
	}

	return slog.New(&traceContextHandler{
		Handler:   baseHandler,
		component: component,
		level:     level,
	})
}

// traceContextHandler wraps a slog.Handler to add trace context and the
// component name to every record.
type traceContextHandler struct {
	slog.Handler
	component string
	level     slog.Level
}

func (h *traceContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *traceContextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("component", h.component))

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	return h.Handler.Handle(ctx, r)
}

func (h *traceContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceContextHandler{Handler: h.Handler.WithAttrs(attrs), component: h.component, level: h.level}
}

func (h *traceContextHandler) WithGroup(name string) slog.Handler {
	return &traceContextHandler{Handler: h.Handler.WithGroup(name), component: h.component, level: h.level}
}

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// AddToContext adds a logger to the context.
func AddToContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext retrieves the logger from context, or the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
