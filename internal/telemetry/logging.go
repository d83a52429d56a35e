package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/relay/internal/safety"
	"github.com/basket/relay/internal/shared"
)

// NewLogger builds the JSON logger every component writes through. Records
// go to <home>/logs/system.jsonl and, unless quiet, to stdout as well.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	lvl := parseLevel(level)
	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	logger := slog.New(&idHandler{inner: handler}).With("component", "relay", "trace_id", "-")
	return logger, file, nil
}

// idKeys are attributes a record carries at most once. Loggers derived with
// With replace an earlier value instead of repeating the key.
var idKeys = map[string]bool{"component": true, "trace_id": true, "agent_id": true, "session_id": true}

// idHandler holds the id attributes itself and adds them to each record.
type idHandler struct {
	inner slog.Handler
	ids   []slog.Attr
}

func (h *idHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *idHandler) Handle(ctx context.Context, r slog.Record) error {
	if len(h.ids) > 0 {
		r = r.Clone()
		r.AddAttrs(h.ids...)
	}
	return h.inner.Handle(ctx, r)
}

func (h *idHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &idHandler{inner: h.inner, ids: append([]slog.Attr(nil), h.ids...)}
	var rest []slog.Attr
	for _, a := range attrs {
		if !idKeys[a.Key] {
			rest = append(rest, a)
			continue
		}
		replaced := false
		for i := range next.ids {
			if next.ids[i].Key == a.Key {
				next.ids[i] = a
				replaced = true
			}
		}
		if !replaced {
			next.ids = append(next.ids, a)
		}
	}
	if len(rest) > 0 {
		next.inner = h.inner.WithAttrs(rest)
	}
	return next
}

func (h *idHandler) WithGroup(name string) slog.Handler {
	return &idHandler{inner: h.inner.WithGroup(name), ids: h.ids}
}

// Component returns logger tagged with a component name. A nil logger falls
// back to slog.Default.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// FromContext adds the trace, agent and session ids carried by ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"trace_id", shared.TraceID(ctx)}
	if agent := shared.AgentID(ctx); agent != "" {
		attrs = append(attrs, "agent_id", agent)
	}
	if session := shared.SessionID(ctx); session != "" {
		attrs = append(attrs, "session_id", session)
	}
	return logger.With(attrs...)
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Full redaction for strings containing bearer tokens or auth headers.
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	// Apply shared pattern-based redaction for other secrets.
	redacted := safety.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
