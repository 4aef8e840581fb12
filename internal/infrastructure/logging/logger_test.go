package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/nerrad567/hearth-core/internal/infrastructure/config"
)

func TestNew(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.LoggingConfig
	}{
		{"json stdout", config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}},
		{"text stderr", config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}},
		{"unknown format falls back to json", config.LoggingConfig{Level: "info", Format: "xml"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if logger := New(tc.cfg, "1.0.0", nil); logger == nil {
				t.Fatal("New() returned nil")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.input); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

type countingHandler struct {
	next slog.Handler
	n    *int
}

func (h countingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}
func (h countingHandler) Handle(ctx context.Context, r slog.Record) error {
	*h.n++
	return h.next.Handle(ctx, r)
}
func (h countingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return countingHandler{next: h.next.WithAttrs(attrs), n: h.n}
}
func (h countingHandler) WithGroup(name string) slog.Handler {
	return countingHandler{next: h.next.WithGroup(name), n: h.n}
}

func TestNewWrapHook(t *testing.T) {
	var seen int
	logger := New(config.LoggingConfig{Level: "info"}, "dev", func(h slog.Handler) slog.Handler {
		return countingHandler{next: h, n: &seen}
	})

	logger.Info("through the hook")
	if seen != 1 {
		t.Errorf("wrap handler saw %d records, want 1", seen)
	}
}

func TestWith(t *testing.T) {
	logger := Default().With("component", "test")
	if logger == nil {
		t.Fatal("With() returned nil")
	}
	logger.Info("does not panic")
}
