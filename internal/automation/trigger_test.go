package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
	"github.com/nerrad567/hearth-core/internal/template"
)

// rig bundles a live bus, state store, service registry, and runtime
// for trigger and script tests.
type rig struct {
	bus      *core.Bus
	states   *core.StateStore
	services *core.ServiceRegistry
	rt       *Runtime
}

func newRig(t *testing.T) *rig {
	t.Helper()
	bus := core.NewBus(nil)
	t.Cleanup(bus.Close)
	states := core.NewStateStore(bus, nil)
	services := core.NewServiceRegistry(bus, nil)
	engine := template.NewEngine(states)
	return &rig{
		bus:      bus,
		states:   states,
		services: services,
		rt:       NewRuntime(states, bus, services, engine, nil),
	}
}

func (r *rig) set(t *testing.T, id core.EntityID, state string, attrs *core.Attributes) {
	t.Helper()
	if _, err := r.states.Set(id, state, attrs, core.Context{}, false); err != nil {
		t.Fatalf("Set(%s, %s) error: %v", id, state, err)
	}
}

func (r *rig) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.bus.Flush(ctx); err != nil {
		t.Fatalf("Flush error: %v", err)
	}
}

// fireRecorder collects TriggerData across goroutines.
type fireRecorder struct {
	mu    sync.Mutex
	fires []TriggerData
}

func (f *fireRecorder) record(td TriggerData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fires = append(f.fires, td)
}

func (f *fireRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fires)
}

func (f *fireRecorder) last() TriggerData {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fires) == 0 {
		return TriggerData{}
	}
	return f.fires[len(f.fires)-1]
}

// waitCount polls until the recorder reaches n fires or the deadline
// passes.
func (f *fireRecorder) waitCount(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %d fires, want %d", f.count(), n)
}

func attach(t *testing.T, r *rig, trig Trigger, rec *fireRecorder) {
	t.Helper()
	detach, err := r.rt.attachTrigger(trig, rec.record)
	if err != nil {
		t.Fatalf("attachTrigger error: %v", err)
	}
	t.Cleanup(detach)
}

func TestStateTrigger(t *testing.T) {
	t.Run("to filter", func(t *testing.T) {
		r := newRig(t)
		r.set(t, "light.kitchen", "off", nil)
		r.flush(t)

		rec := &fireRecorder{}
		attach(t, r, Trigger{
			Platform: "state",
			ID:       "t1",
			EntityID: []core.EntityID{"light.kitchen"},
			To:       []string{"on"},
		}, rec)

		r.set(t, "light.kitchen", "on", nil)
		r.flush(t)
		if rec.count() != 1 {
			t.Fatalf("got %d fires, want 1", rec.count())
		}
		td := rec.last()
		if td.ID != "t1" || td.Vars["to_state"] != "on" || td.Vars["from_state"] != "off" {
			t.Errorf("TriggerData = %+v", td)
		}

		// Re-reporting the same state is not a change.
		r.set(t, "light.kitchen", "on", nil)
		r.flush(t)
		if rec.count() != 1 {
			t.Errorf("got %d fires after no-op set, want 1", rec.count())
		}
	})

	t.Run("from veto", func(t *testing.T) {
		r := newRig(t)
		r.set(t, "light.kitchen", "unavailable", nil)
		r.flush(t)

		rec := &fireRecorder{}
		attach(t, r, Trigger{
			Platform: "state",
			EntityID: []core.EntityID{"light.kitchen"},
			From:     []string{"off"},
			To:       []string{"on"},
		}, rec)

		r.set(t, "light.kitchen", "on", nil)
		r.flush(t)
		if rec.count() != 0 {
			t.Errorf("got %d fires from unavailable, want 0", rec.count())
		}
	})

	t.Run("not_to veto", func(t *testing.T) {
		r := newRig(t)
		r.set(t, "light.kitchen", "off", nil)
		r.flush(t)

		rec := &fireRecorder{}
		attach(t, r, Trigger{
			Platform: "state",
			EntityID: []core.EntityID{"light.kitchen"},
			NotTo:    []string{"unavailable"},
		}, rec)

		r.set(t, "light.kitchen", "unavailable", nil)
		r.flush(t)
		if rec.count() != 0 {
			t.Errorf("got %d fires, want 0", rec.count())
		}
		r.set(t, "light.kitchen", "on", nil)
		r.flush(t)
		if rec.count() != 1 {
			t.Errorf("got %d fires, want 1", rec.count())
		}
	})

	t.Run("unwatched entity ignored", func(t *testing.T) {
		r := newRig(t)
		rec := &fireRecorder{}
		attach(t, r, Trigger{
			Platform: "state",
			EntityID: []core.EntityID{"light.kitchen"},
			To:       []string{"on"},
		}, rec)

		r.set(t, "light.bed", "on", nil)
		r.flush(t)
		if rec.count() != 0 {
			t.Errorf("got %d fires for unwatched entity, want 0", rec.count())
		}
	})

	t.Run("attribute change", func(t *testing.T) {
		r := newRig(t)
		r.set(t, "climate.hall", "heat", core.NewAttributes("preset", "home"))
		r.flush(t)

		rec := &fireRecorder{}
		attach(t, r, Trigger{
			Platform:  "state",
			EntityID:  []core.EntityID{"climate.hall"},
			Attribute: "preset",
			To:        []string{"away"},
		}, rec)

		// State string change without the attribute changing.
		r.set(t, "climate.hall", "cool", core.NewAttributes("preset", "home"))
		r.flush(t)
		if rec.count() != 0 {
			t.Errorf("got %d fires on unchanged attribute, want 0", rec.count())
		}

		r.set(t, "climate.hall", "cool", core.NewAttributes("preset", "away"))
		r.flush(t)
		if rec.count() != 1 {
			t.Errorf("got %d fires, want 1", rec.count())
		}
	})
}

func TestStateTriggerFor(t *testing.T) {
	t.Run("held match fires after the hold", func(t *testing.T) {
		r := newRig(t)
		r.set(t, "binary_sensor.door", "off", nil)
		r.flush(t)

		rec := &fireRecorder{}
		attach(t, r, Trigger{
			Platform: "state",
			EntityID: []core.EntityID{"binary_sensor.door"},
			To:       []string{"on"},
			For:      30 * time.Millisecond,
		}, rec)

		r.set(t, "binary_sensor.door", "on", nil)
		r.flush(t)
		if rec.count() != 0 {
			t.Fatalf("fired before hold elapsed")
		}
		rec.waitCount(t, 1)
	})

	t.Run("broken match cancels", func(t *testing.T) {
		r := newRig(t)
		r.set(t, "binary_sensor.door", "off", nil)
		r.flush(t)

		rec := &fireRecorder{}
		attach(t, r, Trigger{
			Platform: "state",
			EntityID: []core.EntityID{"binary_sensor.door"},
			To:       []string{"on"},
			For:      60 * time.Millisecond,
		}, rec)

		r.set(t, "binary_sensor.door", "on", nil)
		r.flush(t)
		r.set(t, "binary_sensor.door", "off", nil)
		r.flush(t)

		time.Sleep(120 * time.Millisecond)
		if rec.count() != 0 {
			t.Errorf("got %d fires after broken match, want 0", rec.count())
		}
	})
}

func TestNumericStateTrigger(t *testing.T) {
	t.Run("fires once on crossing", func(t *testing.T) {
		r := newRig(t)
		rec := &fireRecorder{}
		attach(t, r, Trigger{
			Platform: "numeric_state",
			EntityID: []core.EntityID{"sensor.temp"},
			Above:    LiteralThreshold(73),
		}, rec)

		r.set(t, "sensor.temp", "70", nil)
		r.flush(t)
		r.set(t, "sensor.temp", "71", nil)
		r.flush(t)
		if rec.count() != 0 {
			t.Fatalf("fired below threshold")
		}
		r.set(t, "sensor.temp", "75", nil)
		r.flush(t)
		if rec.count() != 1 {
			t.Fatalf("got %d fires on crossing, want 1", rec.count())
		}
		if rec.last().Vars["value"] != 75.0 {
			t.Errorf("value = %v, want 75", rec.last().Vars["value"])
		}

		// Still above: no re-fire.
		r.set(t, "sensor.temp", "76", nil)
		r.flush(t)
		if rec.count() != 1 {
			t.Errorf("got %d fires while staying above, want 1", rec.count())
		}

		// Drop below and cross again.
		r.set(t, "sensor.temp", "70", nil)
		r.flush(t)
		r.set(t, "sensor.temp", "80", nil)
		r.flush(t)
		if rec.count() != 2 {
			t.Errorf("got %d fires after re-crossing, want 2", rec.count())
		}
	})

	t.Run("entity reference threshold", func(t *testing.T) {
		r := newRig(t)
		r.set(t, "input_number.limit", "50", nil)
		r.flush(t)

		rec := &fireRecorder{}
		attach(t, r, Trigger{
			Platform: "numeric_state",
			EntityID: []core.EntityID{"sensor.power"},
			Above:    EntityThreshold("input_number.limit"),
		}, rec)

		r.set(t, "sensor.power", "49", nil)
		r.flush(t)
		r.set(t, "sensor.power", "51", nil)
		r.flush(t)
		if rec.count() != 1 {
			t.Errorf("got %d fires, want 1", rec.count())
		}
	})

	t.Run("band with above and below", func(t *testing.T) {
		r := newRig(t)
		rec := &fireRecorder{}
		attach(t, r, Trigger{
			Platform: "numeric_state",
			EntityID: []core.EntityID{"sensor.humidity"},
			Above:    LiteralThreshold(40),
			Below:    LiteralThreshold(60),
		}, rec)

		r.set(t, "sensor.humidity", "70", nil)
		r.flush(t)
		if rec.count() != 0 {
			t.Fatalf("fired outside band")
		}
		r.set(t, "sensor.humidity", "50", nil)
		r.flush(t)
		if rec.count() != 1 {
			t.Errorf("got %d fires entering band, want 1", rec.count())
		}
	})
}

func TestEventTrigger(t *testing.T) {
	t.Run("subset match", func(t *testing.T) {
		r := newRig(t)
		rec := &fireRecorder{}
		attach(t, r, Trigger{
			Platform:  "event",
			EventType: "custom_event",
			EventData: map[string]any{"kind": "motion", "meta": map[string]any{"room": "hall"}},
		}, rec)

		r.bus.Fire("custom_event", map[string]any{
			"kind":  "motion",
			"meta":  map[string]any{"room": "hall", "extra": true},
			"other": 1,
		}, core.Context{}, core.OriginLocal)
		r.flush(t)
		if rec.count() != 1 {
			t.Errorf("got %d fires on subset match, want 1", rec.count())
		}

		r.bus.Fire("custom_event", map[string]any{
			"kind": "motion",
			"meta": map[string]any{"room": "kitchen"},
		}, core.Context{}, core.OriginLocal)
		r.flush(t)
		if rec.count() != 1 {
			t.Errorf("got %d fires on mismatched nested data, want 1", rec.count())
		}
	})

	t.Run("user filter", func(t *testing.T) {
		r := newRig(t)
		rec := &fireRecorder{}
		attach(t, r, Trigger{
			Platform:  "event",
			EventType: "custom_event",
			UserID:    []string{"user-a"},
		}, rec)

		r.bus.Fire("custom_event", nil, core.Context{ID: "c1", UserID: "user-b"}, core.OriginLocal)
		r.flush(t)
		if rec.count() != 0 {
			t.Errorf("got %d fires for wrong user, want 0", rec.count())
		}
		r.bus.Fire("custom_event", nil, core.Context{ID: "c2", UserID: "user-a"}, core.OriginLocal)
		r.flush(t)
		if rec.count() != 1 {
			t.Errorf("got %d fires for matching user, want 1", rec.count())
		}
	})
}

func TestZoneTrigger(t *testing.T) {
	r := newRig(t)
	r.set(t, "zone.home", "zoning", core.NewAttributes(
		"friendly_name", "Home",
		"latitude", 52.1,
		"longitude", 4.3,
		"radius", 100.0,
	))
	r.set(t, "device_tracker.phone", "not_home", core.NewAttributes(
		"latitude", 53.0,
		"longitude", 5.0,
	))
	r.flush(t)

	rec := &fireRecorder{}
	attach(t, r, Trigger{
		Platform: "zone",
		EntityID: []core.EntityID{"device_tracker.phone"},
		Zone:     "home",
		Event:    "enter",
	}, rec)

	// Move inside the radius.
	r.set(t, "device_tracker.phone", "not_home", core.NewAttributes(
		"latitude", 52.1001,
		"longitude", 4.3001,
	))
	r.flush(t)
	if rec.count() != 1 {
		t.Fatalf("got %d fires on enter, want 1", rec.count())
	}

	// Moving within the zone is not another enter.
	r.set(t, "device_tracker.phone", "not_home", core.NewAttributes(
		"latitude", 52.1002,
		"longitude", 4.3001,
	))
	r.flush(t)
	if rec.count() != 1 {
		t.Errorf("got %d fires moving inside zone, want 1", rec.count())
	}
}

func TestTemplateTrigger(t *testing.T) {
	r := newRig(t)
	r.set(t, "sensor.temp", "15", nil)
	r.flush(t)

	rec := &fireRecorder{}
	attach(t, r, Trigger{
		Platform: "template",
		Template: "{{ states('sensor.temp') | float(0) > 20 }}",
	}, rec)

	r.set(t, "sensor.temp", "25", nil)
	r.flush(t)
	if rec.count() != 1 {
		t.Fatalf("got %d fires on becoming truthy, want 1", rec.count())
	}

	// Still truthy: no transition.
	r.set(t, "sensor.temp", "26", nil)
	r.flush(t)
	if rec.count() != 1 {
		t.Errorf("got %d fires while staying truthy, want 1", rec.count())
	}

	// Falsy, then truthy again.
	r.set(t, "sensor.temp", "10", nil)
	r.flush(t)
	r.set(t, "sensor.temp", "30", nil)
	r.flush(t)
	if rec.count() != 2 {
		t.Errorf("got %d fires after second transition, want 2", rec.count())
	}
}

func TestHubTrigger(t *testing.T) {
	r := newRig(t)
	rec := &fireRecorder{}
	attach(t, r, Trigger{Platform: "homeassistant", Event: "start"}, rec)

	r.bus.Fire(core.EventHubStart, nil, core.Context{}, core.OriginLocal)
	r.flush(t)
	if rec.count() != 1 {
		t.Errorf("got %d fires on hub start, want 1", rec.count())
	}
}

func TestUnknownTriggerPlatform(t *testing.T) {
	r := newRig(t)
	_, err := r.rt.attachTrigger(Trigger{Platform: "nope"}, func(TriggerData) {})
	if err == nil {
		t.Fatal("attachTrigger(nope) succeeded, want error")
	}
}

func TestPatternMatches(t *testing.T) {
	cases := []struct {
		field string
		v     int
		want  bool
	}{
		{"*", 17, true},
		{"", 17, true},
		{"5", 5, true},
		{"5", 6, false},
		{"/5", 0, true},
		{"/5", 5, true},
		{"/5", 55, true},
		{"/5", 7, false},
		{"/15", 30, true},
		{"/15", 31, false},
	}
	for _, tc := range cases {
		if got := patternMatches(tc.field, tc.v); got != tc.want {
			t.Errorf("patternMatches(%q, %d) = %v, want %v", tc.field, tc.v, got, tc.want)
		}
	}
}

func TestNextPatternTime(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 3, 0, time.UTC)

	t.Run("every five seconds", func(t *testing.T) {
		at := nextPatternTime(base, "*", "*", "/5")
		want := time.Date(2024, 6, 1, 12, 0, 5, 0, time.UTC)
		if !at.Equal(want) {
			t.Errorf("got %v, want %v", at, want)
		}
		// The following fire lands on the next multiple, never between.
		at2 := nextPatternTime(at, "*", "*", "/5")
		if got := at2.Second(); got != 10 {
			t.Errorf("second fire at second %d, want 10", got)
		}
	})

	t.Run("hour minute literal", func(t *testing.T) {
		at := nextPatternTime(base, "6", "30", "0")
		want := time.Date(2024, 6, 2, 6, 30, 0, 0, time.UTC)
		if !at.Equal(want) {
			t.Errorf("got %v, want %v", at, want)
		}
	})

	t.Run("strictly after now", func(t *testing.T) {
		onBoundary := time.Date(2024, 6, 1, 12, 0, 5, 0, time.UTC)
		at := nextPatternTime(onBoundary, "*", "*", "/5")
		if got := at.Second(); got != 10 {
			t.Errorf("got second %d, want 10", got)
		}
	})
}

func TestParseClockTime(t *testing.T) {
	h, m, s, err := parseClockTime("07:30:15")
	if err != nil || h != 7 || m != 30 || s != 15 {
		t.Errorf("parseClockTime(07:30:15) = %d:%d:%d, %v", h, m, s, err)
	}
	if _, _, _, err := parseClockTime("25:00"); err == nil {
		t.Error("parseClockTime(25:00) succeeded, want error")
	}
	if _, _, _, err := parseClockTime("bogus"); err == nil {
		t.Error("parseClockTime(bogus) succeeded, want error")
	}
}

func TestNextTimeOfDay(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	at := nextTimeOfDay(now, 7, 30, 0)
	want := time.Date(2024, 6, 2, 7, 30, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Errorf("got %v, want %v (next day)", at, want)
	}
	at = nextTimeOfDay(now, 18, 0, 0)
	want = time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Errorf("got %v, want %v (same day)", at, want)
	}
}

func TestEventDataMatches(t *testing.T) {
	cases := []struct {
		name string
		want map[string]any
		got  map[string]any
		ok   bool
	}{
		{"empty filter", map[string]any{}, map[string]any{"a": 1}, true},
		{"scalar equal", map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2}, true},
		{"scalar differs", map[string]any{"a": 1}, map[string]any{"a": 2}, false},
		{"missing key", map[string]any{"a": 1}, map[string]any{}, false},
		{
			"nested subset",
			map[string]any{"m": map[string]any{"x": 1}},
			map[string]any{"m": map[string]any{"x": 1, "y": 2}},
			true,
		},
		{
			"arrays exact",
			map[string]any{"l": []any{1, 2}},
			map[string]any{"l": []any{1, 2, 3}},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := eventDataMatches(tc.want, tc.got); got != tc.ok {
				t.Errorf("eventDataMatches = %v, want %v", got, tc.ok)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"00:01:30", 90 * time.Second},
		{"01:30", 90 * time.Second},
		{"15", 15 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"2m", 2 * time.Minute},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		if err != nil {
			t.Errorf("ParseDuration(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseDuration("-5"); err == nil {
		t.Error("ParseDuration(-5) succeeded, want error")
	}
}
