// Package observability provides the engine's structured logging,
// secret-redacting log fields, Prometheus metrics, and OTLP tracing
// setup.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the structured logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string `yaml:"level" json:"level"`

	// Format is "json" or "text". JSON is the default.
	Format string `yaml:"format" json:"format"`

	// Output defaults to os.Stdout. Not settable from config files.
	Output io.Writer `yaml:"-" json:"-"`

	// AddSource includes file:line in every record.
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// ContextKey types the context values the logger lifts into log fields.
type ContextKey string

const (
	// RequestIDKey correlates every record of one turn.
	RequestIDKey ContextKey = "request_id"

	// SessionIDKey correlates records of one conversation.
	SessionIDKey ContextKey = "session_id"
)

// secretPatterns match credential shapes that must never reach a log
// sink: vendor API keys, bearer tokens, JWTs, and generic key=value
// secrets.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password|authorization)[=:]\s*\S+`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{16,}`),
}

// secretFieldNames are log-field keys whose values are replaced outright,
// regardless of shape.
var secretFieldNames = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"password":      true,
	"secret":        true,
	"token":         true,
}

const redactedPlaceholder = "[REDACTED]"

// Logger wraps slog with level/format configuration, request/session-id
// context correlation, and redaction of credential-shaped values in
// messages and fields.
type Logger struct {
	slog *slog.Logger
}

// NewLogger builds a Logger from config, defaulting to info-level JSON on
// stdout.
func NewLogger(cfg LogConfig) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return &Logger{slog: slog.New(handler)}
}

// MustNewLogger is NewLogger for call sites that have no error path of
// their own; the current implementation cannot fail, so this is purely a
// naming convention kept for the process entry point.
func MustNewLogger(cfg LogConfig) *Logger {
	return NewLogger(cfg)
}

// Slog exposes the underlying slog.Logger for collaborators that take
// one directly.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args []any) {
	fields := make([]any, 0, len(args)+4)
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		fields = append(fields, string(RequestIDKey), id)
	}
	if id, ok := ctx.Value(SessionIDKey).(string); ok && id != "" {
		fields = append(fields, string(SessionIDKey), id)
	}
	fields = append(fields, redactFields(args)...)
	l.slog.Log(ctx, level, Redact(msg), fields...)
}

// WithRequestID stamps a request id into ctx for correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// WithSessionID stamps a session id into ctx for correlation.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// Redact replaces credential-shaped substrings in s.
func Redact(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// redactFields walks alternating key/value log args: values under
// secret-named keys are replaced whole by the placeholder, string values elsewhere are
// pattern-redacted, and everything else passes through.
func redactFields(args []any) []any {
	out := make([]any, len(args))
	copy(out, args)
	for i := 0; i+1 < len(out); i += 2 {
		key, ok := out[i].(string)
		if !ok {
			continue
		}
		if secretFieldNames[strings.ToLower(key)] {
			out[i+1] = redactedPlaceholder
			continue
		}
		switch v := out[i+1].(type) {
		case string:
			out[i+1] = Redact(v)
		case error:
			out[i+1] = Redact(v.Error())
		case fmt.Stringer:
			out[i+1] = Redact(v.String())
		}
	}
	return out
}
