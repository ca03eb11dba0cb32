// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the intake service.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures the logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.  Defaults to info.
	Level string
	// Format is "json" or "text".  Defaults to json.
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
}

type ctxKey string

const (
	callIDKey ctxKey = "call_id"
	firmIDKey ctxKey = "firm_id"
)

// redactedKeys never reach the log output in clear text.
var redactedKeys = map[string]bool{
	"api_key":    true,
	"auth_token": true,
	"password":   true,
	"token":      true,
}

// NewLogger builds a slog logger that also stamps call and firm IDs carried
// in the context onto every record.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if redactedKeys[strings.ToLower(a.Key)] {
				return slog.String(a.Key, "[REDACTED]")
			}
			return a
		},
	}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(cfg.Output, opts)
	} else {
		h = slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.New(contextHandler{h})
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithCall returns a context that tags log records with the call ID.
func WithCall(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey, callID)
}

// WithFirm returns a context that tags log records with the firm ID.
func WithFirm(ctx context.Context, firmID string) context.Context {
	return context.WithValue(ctx, firmIDKey, firmID)
}

// CallID returns the call ID stored by WithCall.
func CallID(ctx context.Context) string {
	v, _ := ctx.Value(callIDKey).(string)
	return v
}

type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if v, ok := ctx.Value(callIDKey).(string); ok && v != "" {
		r.AddAttrs(slog.String(string(callIDKey), v))
	}
	if v, ok := ctx.Value(firmIDKey).(string); ok && v != "" {
		r.AddAttrs(slog.String(string(firmIDKey), v))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// Discard returns a logger that drops everything.  Used in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
