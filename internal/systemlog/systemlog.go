// Package systemlog keeps a bounded, deduplicated record of warnings
// and errors raised anywhere in the process.
//
// Entries are keyed by where they came from. Repeated occurrences of
// the same problem bump a counter instead of growing the store, and
// the oldest entry is evicted once the cap is reached.
package systemlog

import (
	"sync"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

const (
	// defaultMaxEntries caps the store.
	defaultMaxEntries = 50

	// maxMessagesPerEntry bounds the distinct messages kept per key.
	maxMessagesPerEntry = 5
)

// Bus is the event publisher the store notifies. core.Bus satisfies
// it.
type Bus interface {
	Fire(eventType string, data map[string]any, ctx core.Context, origin core.Origin)
}

// key identifies a log site. Two records with the same key are the
// same problem recurring.
type key struct {
	logger    string
	file      string
	line      int
	rootCause string
}

// Entry is one deduplicated problem.
type Entry struct {
	Logger        string    `json:"name"`
	Level         string    `json:"level"`
	File          string    `json:"source_file,omitempty"`
	Line          int       `json:"source_line,omitempty"`
	RootCause     string    `json:"root_cause,omitempty"`
	Messages      []string  `json:"message"`
	Count         int       `json:"count"`
	FirstOccurred time.Time `json:"first_occurred"`
	Timestamp     time.Time `json:"timestamp"`
}

// Record is one raw occurrence to fold into the store.
type Record struct {
	Logger    string
	Level     string
	Message   string
	File      string
	Line      int
	RootCause string
}

// Store holds the deduplicated entries.
type Store struct {
	bus Bus
	max int
	now func() time.Time

	// FireEvents makes every recorded occurrence publish a
	// system_log_event on the bus.
	FireEvents bool

	mu      sync.Mutex
	entries map[key]*Entry
	order   []key // insertion order, oldest first
}

// NewStore creates a store publishing to bus (which may be nil).
// maxEntries <= 0 selects the default cap of 50.
func NewStore(bus Bus, maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Store{
		bus:     bus,
		max:     maxEntries,
		now:     time.Now,
		entries: make(map[key]*Entry),
	}
}

// SetBus wires the event bus after construction. The store is usually
// created before the bus so it can capture logs from the bus itself.
func (s *Store) SetBus(bus Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
}

// Write records a message without source information, the entry point
// for external callers such as a system_log.write service.
func (s *Store) Write(message, level, logger string) {
	if logger == "" {
		logger = "system_log.external"
	}
	if level == "" {
		level = "error"
	}
	s.Record(Record{Logger: logger, Level: level, Message: message})
}

// Record folds one occurrence into the store.
func (s *Store) Record(rec Record) {
	now := s.now().UTC()
	k := key{logger: rec.Logger, file: rec.File, line: rec.Line, rootCause: rec.RootCause}

	s.mu.Lock()
	e, ok := s.entries[k]
	if ok {
		e.Count++
		e.Timestamp = now
		e.Level = rec.Level
		if !containsMessage(e.Messages, rec.Message) && len(e.Messages) < maxMessagesPerEntry {
			e.Messages = append(e.Messages, rec.Message)
		}
		s.moveToEnd(k)
	} else {
		e = &Entry{
			Logger:        rec.Logger,
			Level:         rec.Level,
			File:          rec.File,
			Line:          rec.Line,
			RootCause:     rec.RootCause,
			Messages:      []string{rec.Message},
			Count:         1,
			FirstOccurred: now,
			Timestamp:     now,
		}
		s.entries[k] = e
		s.order = append(s.order, k)
		if len(s.order) > s.max {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.entries, oldest)
		}
	}
	snapshot := *e
	snapshot.Messages = append([]string(nil), e.Messages...)
	bus := s.bus
	s.mu.Unlock()

	if s.FireEvents && bus != nil {
		bus.Fire(core.EventSystemLog, eventData(&snapshot), core.Context{}, core.OriginLocal)
	}
}

// List returns entries newest-activity-first. The returned entries
// are copies.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.entries[s.order[i]]
		c := *e
		c.Messages = append([]string(nil), e.Messages...)
		out = append(out, c)
	}
	return out
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[key]*Entry)
	s.order = nil
}

func (s *Store) moveToEnd(k key) {
	for i, ok := range s.order {
		if ok == k {
			s.order = append(append(s.order[:i:i], s.order[i+1:]...), k)
			return
		}
	}
}

func containsMessage(msgs []string, m string) bool {
	for _, have := range msgs {
		if have == m {
			return true
		}
	}
	return false
}

func eventData(e *Entry) map[string]any {
	data := map[string]any{
		"name":           e.Logger,
		"level":          e.Level,
		"message":        e.Messages,
		"count":          e.Count,
		"first_occurred": e.FirstOccurred,
		"timestamp":      e.Timestamp,
	}
	if e.File != "" {
		data["source"] = []any{e.File, e.Line}
	}
	return data
}
