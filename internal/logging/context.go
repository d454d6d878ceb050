// Package logging carries correlation ids on the context and injects them
// into every slog record.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	stepIDKey
	definitionKey
	actorKey
)

// Attribute names written to log records.
const (
	AttrInstanceID = "instance_id"
	AttrStepID     = "step_id"
	AttrDefinition = "definition"
	AttrActor      = "actor"
)

var correlated = []struct {
	key  ctxKey
	attr string
}{
	{instanceIDKey, AttrInstanceID},
	{stepIDKey, AttrStepID},
	{definitionKey, AttrDefinition},
	{actorKey, AttrActor},
}

// WithInstanceID returns a context tagged with an instance id.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithStepID returns a context tagged with a step id.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithDefinition returns a context tagged with a definition ref ("id@vN").
func WithDefinition(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, definitionKey, ref)
}

// WithActor returns a context tagged with the user or system acting.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func InstanceID(ctx context.Context) string { return str(ctx, instanceIDKey) }
func StepID(ctx context.Context) string     { return str(ctx, stepIDKey) }
func Definition(ctx context.Context) string { return str(ctx, definitionKey) }
func Actor(ctx context.Context) string      { return str(ctx, actorKey) }

func str(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, c := range correlated {
		if v := str(ctx, c.key); v != "" {
			out = append(out, slog.String(c.attr, v))
		}
	}
	return out
}

// LogWith returns logger enriched with the context's correlation ids.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler injects correlation ids from the context into every record,
// so logger.InfoContext(ctx, ...) is enough at call sites.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// New builds the process logger. format is "json" or "text"; level is one of
// debug, info, warn, error (default info).
func New(w io.Writer, format, level string) *slog.Logger {
	return NewLeveled(w, format, ParseLevel(level))
}

// NewLeveled is New with a caller-owned level, so a *slog.LevelVar can
// change verbosity while the process runs.
func NewLeveled(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(h))
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Discard is a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
