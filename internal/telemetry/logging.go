// Package telemetry owns the observability stack: the process-wide
// structured logger and the OpenTelemetry trace/metric providers.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/agentcore/internal/shared"
)

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger builds the process-wide structured logger: JSON lines appended
// to <home>/logs/orchestrator.jsonl and, unless quiet, mirrored to stdout.
// Secret-bearing attributes are redacted before they reach either sink.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, "orchestrator.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}

	lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: redactAttr,
	})
	logger := slog.New(handler).With("component", "orchestrator", "trace_id", "-")
	return logger, file, nil
}

// WithTrace returns a child logger stamped with the context's trace id, so
// every line it emits can be correlated with the request that caused it.
func WithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	return logger.With("trace_id", shared.TraceID(ctx))
}

// ComponentLogger names the subsystem a child logger speaks for (engine,
// bus, scheduler, breaker, memory).
func ComponentLogger(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("component", name)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if keyLooksSensitive(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func keyLooksSensitive(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "encryption_key"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Full redaction for strings containing bearer tokens or auth headers.
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	// Pattern-based redaction for everything else.
	if redacted := shared.Redact(v); redacted != v {
		return redacted, true
	}
	return v, false
}
