// Package logging builds the process slog.Logger and carries per-request
// loggers through context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	loggerKey
)

// ParseLevel accepts slog level names in any case ("debug", "WARN",
// "info+2"). Anything unparseable is info.
func ParseLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// New returns a logger writing to stdout. See NewWithWriter.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter returns a logger in one of three formats: "json" for
// production, "tint" for colored local output, anything else for logfmt
// text. Records logged with a context that carries a sampled span get
// trace_id and span_id attributes.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	debug := lvl <= slog.LevelDebug

	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, AddSource: debug})
	case "tint":
		h = tint.NewHandler(w, &tint.Options{
			Level:       lvl,
			AddSource:   debug,
			TimeFormat:  time.TimeOnly,
			ReplaceAttr: dropEmptyStrings,
		})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl, AddSource: debug})
	}
	return slog.New(traceHandler{h})
}

func dropEmptyStrings(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
		return slog.Attr{}
	}
	return a
}

// traceHandler stamps records with the active span from their context.
type traceHandler struct{ slog.Handler }

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

// WithRequestID stores the request ID in ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request ID stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is FromContext tagged with the request ID when there is one.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if id := RequestID(ctx); id != "" {
		return logger.With("request_id", id)
	}
	return logger
}
