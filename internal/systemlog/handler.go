package systemlog

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
)

// Handler is a slog.Handler that mirrors warning-and-above records
// into a Store while forwarding everything to the wrapped handler.
// Wrap the process root handler with it so any component's errors
// surface in the system log without wiring.
type Handler struct {
	store *Store
	next  slog.Handler
}

// NewHandler wraps next. next may be nil when only capture is wanted.
func NewHandler(store *Store, next slog.Handler) *Handler {
	return &Handler{store: store, next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= slog.LevelWarn {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		h.capture(r)
	}
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.next
	if next != nil {
		next = next.WithAttrs(attrs)
	}
	return &Handler{store: h.store, next: next}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	next := h.next
	if next != nil {
		next = next.WithGroup(name)
	}
	return &Handler{store: h.store, next: next}
}

func (h *Handler) capture(r slog.Record) {
	rec := Record{
		Logger:  "hearth",
		Level:   levelName(r.Level),
		Message: r.Message,
	}
	if r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		if frame, _ := frames.Next(); frame.File != "" {
			rec.File = shortFile(frame.File)
			rec.Line = frame.Line
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "logger", "component":
			rec.Logger = a.Value.String()
		case "error", "err":
			rec.RootCause = a.Value.String()
		}
		return true
	})
	h.store.Record(rec)
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	default:
		return strings.ToLower(l.String())
	}
}

// shortFile trims the build-environment prefix, keeping the last two
// path elements.
func shortFile(file string) string {
	parts := strings.Split(file, "/")
	if len(parts) <= 2 {
		return file
	}
	return strings.Join(parts[len(parts)-2:], "/")
}
