// Package logging configures structured logging for the API process.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// Audit receives moderator-capability uses and report resolutions.
// It falls back to the default logger until Setup runs.
var Audit = slog.Default()

// Setup installs a JSON slog default on stdout and opens the audit sink.
// LOG_LEVEL selects DEBUG, INFO, WARN or ERROR (default INFO). ERROR
// records carry a stack trace. An empty auditPath writes audit records
// to stdout alongside the main log.
func Setup(auditPath string) (io.Closer, error) {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(slog.New(&stackHandler{Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})}))

	if auditPath == "" {
		Audit = slog.Default().With("log", "audit")
		return nopCloser{}, nil
	}
	f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		Audit = slog.Default().With("log", "audit")
		return nopCloser{}, fmt.Errorf("open audit log %s: %w", auditPath, err)
	}
	Audit = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return f, nil
}

func parseLevel(s string) slog.Level {
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

// Fatal logs at Error level and exits with code 1.
func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type stackHandler struct {
	slog.Handler
}

func (h *stackHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		r.AddAttrs(slog.String("stacktrace", string(buf[:n])))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *stackHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &stackHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *stackHandler) WithGroup(name string) slog.Handler {
	return &stackHandler{Handler: h.Handler.WithGroup(name)}
}
