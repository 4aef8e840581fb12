package registry

import (
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
	"github.com/nerrad567/hearth-core/internal/infrastructure/storage"
)

// Logger defines the logging interface used by the registries.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Events is the slice of the event bus the registries need: firing
// registry-updated events after mutations.
type Events interface {
	Fire(eventType string, data map[string]any, ctx core.Context, origin core.Origin)
}

// noopEvents drops events; used when a registry runs without a bus.
type noopEvents struct{}

func (noopEvents) Fire(string, map[string]any, core.Context, core.Origin) {}

// Store is the slice of the storage component the registries need.
// A nil Store keeps a registry purely in memory.
type Store interface {
	Load(key string) (*storage.Stored, error)
	Write(key string, version, minorVersion int, data any) error
	Delay(key string, window time.Duration, provider storage.SaveProvider)
}

// saveDelay is the debounce window for registry persistence. A burst
// of mutations produces a single write.
const saveDelay = 10 * time.Second

// stringSet index helpers shared by the registries.

func indexAdd(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func indexRemove(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// containsString reports whether s is in list.
func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// removeString returns list without s, preserving order.
func removeString(list []string, s string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
