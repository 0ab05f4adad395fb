package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a minimal structured logger with secret redaction.
func New() *slog.Logger {
	return NewWithLevel(os.Getenv("LOG_LEVEL"))
}

// NewWithLevel returns a text logger at the named level; unknown names fall back to info.
func NewWithLevel(level string) *slog.Logger {
	return newText(os.Stdout, ParseLevel(level))
}

// NewPretty returns a colored console logger for interactive use.
func NewPretty(level string) *slog.Logger {
	return newPretty(os.Stdout, ParseLevel(level))
}

// NewFormat picks the handler by name: "pretty" or anything else for text.
func NewFormat(format, level string) *slog.Logger {
	if strings.EqualFold(format, "pretty") {
		return NewPretty(level)
	}
	return NewWithLevel(level)
}

func newText(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	})
	return slog.New(handler)
}

func newPretty(w io.Writer, level slog.Level) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:       level,
		TimeFormat:  time.DateTime,
		ReplaceAttr: redact,
	})
	return slog.New(handler)
}

// ParseLevel maps debug/info/warn(ing)/error to slog levels.
func ParseLevel(level string) slog.Level {
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

func redact(groups []string, a slog.Attr) slog.Attr {
	if isSecretKey(a.Key) {
		a.Value = slog.StringValue("[redacted]")
	}
	return a
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "token") || strings.Contains(k, "secret") || strings.Contains(k, "key") || strings.Contains(k, "pass")
}
