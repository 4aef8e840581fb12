package recorder

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
	"github.com/nerrad567/hearth-core/internal/infrastructure/database"
)

type metricPoint struct {
	domain   string
	entityID string
	value    float64
}

type fakeMetrics struct {
	mu     sync.Mutex
	points []metricPoint
}

func (m *fakeMetrics) WriteState(domain, entityID string, value float64, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, metricPoint{domain: domain, entityID: entityID, value: value})
}

func (m *fakeMetrics) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

type harness struct {
	db     *database.DB
	bus    *core.Bus
	states *core.StateStore
	rec    *Recorder
}

func newHarness(t *testing.T, metrics Metrics, cfg Config) *harness {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := core.NewBus(nil)
	t.Cleanup(bus.Close)
	states := core.NewStateStore(bus, nil)

	rec, err := New(db, bus, metrics, cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(rec.Close)

	return &harness{db: db, bus: bus, states: states, rec: rec}
}

func (h *harness) set(t *testing.T, id core.EntityID, state string, attrs *core.Attributes) {
	t.Helper()
	if _, err := h.states.Set(id, state, attrs, core.Context{}, false); err != nil {
		t.Fatalf("Set(%s) error = %v", id, err)
	}
}

// waitHistory polls until the entity has at least n rows.
func (h *harness) waitHistory(t *testing.T, id core.EntityID, n int) []Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := h.rec.History(context.Background(), id, 0)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(entries) >= n {
			return entries
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("history for %s never reached %d rows", id, n)
	return nil
}

func TestRecordsStateChanges(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, "light.kitchen", "on", core.NewAttributes("brightness", 128))
	h.set(t, "light.kitchen", "off", nil)

	entries := h.waitHistory(t, "light.kitchen", 2)
	// Newest first.
	if entries[0].State != "off" || entries[1].State != "on" {
		t.Errorf("states = [%s %s], want [off on]", entries[0].State, entries[1].State)
	}
	if got := entries[1].Attributes["brightness"]; got != float64(128) {
		t.Errorf("brightness = %v (%T), want 128", got, got)
	}
	if entries[0].EntityID != "light.kitchen" {
		t.Errorf("entity_id = %s", entries[0].EntityID)
	}
	if entries[0].RecordedAt.Before(entries[1].RecordedAt) {
		t.Errorf("ordering wrong: %v before %v", entries[0].RecordedAt, entries[1].RecordedAt)
	}
}

func TestNoRowForNoopWrite(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, "sensor.temp", "21", nil)
	h.waitHistory(t, "sensor.temp", 1)

	// Same state and attributes: no state_changed, no row.
	h.set(t, "sensor.temp", "21", nil)
	h.set(t, "sensor.temp", "22", nil)
	entries := h.waitHistory(t, "sensor.temp", 2)
	if len(entries) != 2 {
		t.Errorf("got %d rows, want 2", len(entries))
	}
}

func TestNumericMirror(t *testing.T) {
	metrics := &fakeMetrics{}
	h := newHarness(t, metrics, Config{})

	h.set(t, "sensor.temp", "21.5", nil)
	h.set(t, "light.kitchen", "on", nil) // not numeric, no point
	h.waitHistory(t, "light.kitchen", 1)

	deadline := time.Now().Add(2 * time.Second)
	for metrics.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.points) != 1 {
		t.Fatalf("got %d metric points, want 1", len(metrics.points))
	}
	p := metrics.points[0]
	if p.domain != "sensor" || p.entityID != "sensor.temp" || p.value != 21.5 {
		t.Errorf("point = %+v", p)
	}
}

func TestHistoryLimit(t *testing.T) {
	h := newHarness(t, nil, Config{})

	for i := 0; i < 5; i++ {
		h.set(t, "counter.n", string(rune('a'+i)), nil)
	}
	h.waitHistory(t, "counter.n", 5)

	entries, err := h.rec.History(context.Background(), "counter.n", 3)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d rows, want 3", len(entries))
	}
}

func TestPrune(t *testing.T) {
	h := newHarness(t, nil, Config{Retention: 24 * time.Hour})

	old := time.Now().Add(-48 * time.Hour).UTC().UnixNano()
	_, err := h.db.ExecContext(context.Background(),
		"INSERT INTO state_history (entity_id, state, attributes, recorded_at) VALUES (?, ?, ?, ?)",
		"sensor.old", "1", "", old,
	)
	if err != nil {
		t.Fatalf("seed insert error = %v", err)
	}
	h.set(t, "sensor.fresh", "2", nil)
	h.waitHistory(t, "sensor.fresh", 1)

	deleted, err := h.rec.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("pruned %d rows, want 1", deleted)
	}

	stale, err := h.rec.History(context.Background(), "sensor.old", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("stale rows survived prune: %d", len(stale))
	}
	fresh, _ := h.rec.History(context.Background(), "sensor.fresh", 0)
	if len(fresh) != 1 {
		t.Errorf("fresh row lost in prune")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, "sensor.temp", "1", nil)
	h.set(t, "sensor.temp", "2", nil)
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.bus.Flush(flushCtx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	h.rec.Close()

	entries, err := h.rec.History(context.Background(), "sensor.temp", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d rows after Close, want 2", len(entries))
	}
}
