package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

func waitCalls(t *testing.T, rec *callRecorder, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %d calls, want %d", rec.count(), want)
}

// settle waits long enough for any stray asynchronous run to land.
func settle() { time.Sleep(100 * time.Millisecond) }

func TestAutomationEndToEnd(t *testing.T) {
	r := newRig(t)
	r.set(t, "light.kitchen", "off", nil)
	r.flush(t)

	rec := &callRecorder{}
	rec.install(r, "notify", "send")
	r.services.Register("light", "turn_on", func(_ context.Context, call core.ServiceCall) (core.ServiceResponse, error) {
		id, _ := call.Data["entity_id"].(string)
		_, err := r.states.Set(core.EntityID(id), "on", nil, call.Context, false)
		return nil, err
	}, nil, core.ResponseNone)

	var mu sync.Mutex
	var triggered []core.Event
	unsub := r.bus.Subscribe(core.EventAutomationTriggered, func(e core.Event) error {
		mu.Lock()
		triggered = append(triggered, e)
		mu.Unlock()
		return nil
	})
	t.Cleanup(unsub)

	autos := NewAutomations(r.rt, nil)
	t.Cleanup(autos.Close)
	err := autos.Add(Config{
		ID:    "kitchen_light_notify",
		Alias: "Kitchen light notify",
		Triggers: []Trigger{{
			Platform: "state",
			EntityID: []core.EntityID{"light.kitchen"},
			To:       []string{"on"},
		}},
		Actions: []Action{{
			Service: "notify.send",
			Data:    map[string]any{"message": "kitchen is {{ trigger.to_state }}"},
		}},
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}

	// Drive the state change through the service layer, the same path
	// a real caller takes.
	_, err = r.services.Call(context.Background(), "light", "turn_on",
		map[string]any{"entity_id": "light.kitchen"}, core.Context{}, false)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	r.flush(t)

	waitCalls(t, rec, 1)
	if got := rec.last().Data["message"]; got != "kitchen is on" {
		t.Errorf("message = %v, want %q", got, "kitchen is on")
	}

	r.flush(t)
	mu.Lock()
	defer mu.Unlock()
	if len(triggered) != 1 {
		t.Fatalf("got %d triggered events, want 1", len(triggered))
	}
	if triggered[0].Data["entity_id"] != "automation.kitchen_light_notify" {
		t.Errorf("triggered entity_id = %v", triggered[0].Data["entity_id"])
	}
	if triggered[0].Data["name"] != "Kitchen light notify" {
		t.Errorf("triggered name = %v", triggered[0].Data["name"])
	}
}

func TestAutomationConditionGate(t *testing.T) {
	r := newRig(t)
	r.set(t, "light.kitchen", "off", nil)
	r.set(t, "input_boolean.guard", "off", nil)
	r.flush(t)
	rec := &callRecorder{}
	rec.install(r, "notify", "send")

	autos := NewAutomations(r.rt, nil)
	t.Cleanup(autos.Close)
	cfg := Config{
		ID: "guarded",
		Triggers: []Trigger{{
			Platform: "state",
			EntityID: []core.EntityID{"light.kitchen"},
			To:       []string{"on"},
		}},
		Conditions: []Condition{{
			Kind:     "state",
			EntityID: []core.EntityID{"input_boolean.guard"},
			State:    []string{"on"},
		}},
		Actions: []Action{{Service: "notify.send"}},
	}
	if err := autos.Add(cfg); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	r.set(t, "light.kitchen", "on", nil)
	r.flush(t)
	settle()
	if rec.count() != 0 {
		t.Fatalf("blocked automation ran %d times", rec.count())
	}

	r.set(t, "input_boolean.guard", "on", nil)
	r.set(t, "light.kitchen", "off", nil)
	r.set(t, "light.kitchen", "on", nil)
	r.flush(t)
	waitCalls(t, rec, 1)
}

func TestAutomationManualTrigger(t *testing.T) {
	r := newRig(t)
	r.set(t, "input_boolean.guard", "off", nil)
	r.flush(t)
	rec := &callRecorder{}
	rec.install(r, "notify", "send")

	autos := NewAutomations(r.rt, nil)
	t.Cleanup(autos.Close)
	err := autos.Add(Config{
		ID: "manual",
		Conditions: []Condition{{
			Kind:     "state",
			EntityID: []core.EntityID{"input_boolean.guard"},
			State:    []string{"on"},
		}},
		Actions: []Action{{Service: "notify.send"}},
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}

	// Manual trigger bypasses conditions and blocks until done.
	if err := autos.Trigger(context.Background(), "manual"); err != nil {
		t.Fatalf("Trigger error: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("got %d calls, want 1", rec.count())
	}

	if err := autos.Trigger(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestAutomationRegistry(t *testing.T) {
	r := newRig(t)
	autos := NewAutomations(r.rt, nil)
	t.Cleanup(autos.Close)

	cfg := Config{ID: "a", Actions: []Action{{Event: "noop"}}}
	if err := autos.Add(cfg); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := autos.Add(cfg); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Add = %v, want ErrAlreadyExists", err)
	}
	if err := autos.Add(Config{Actions: []Action{{Event: "noop"}}}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing id Add = %v, want ErrInvalidConfig", err)
	}
	if err := autos.Add(Config{ID: "b", Triggers: []Trigger{{Platform: "bogus"}}}); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("bogus platform Add = %v, want ErrUnknownPlatform", err)
	}
	if err := autos.Add(Config{ID: "c"}); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	if got := autos.List(); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("List = %v, want [a c]", got)
	}

	got, err := autos.Get("a")
	if err != nil || got.Mode != ModeSingle {
		t.Errorf("Get(a) = %+v, %v; want default single mode", got, err)
	}
	if _, err := autos.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}

	if err := autos.Remove("a"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if err := autos.Remove("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestAutomationRemoveDetaches(t *testing.T) {
	r := newRig(t)
	r.set(t, "light.kitchen", "off", nil)
	r.flush(t)
	rec := &callRecorder{}
	rec.install(r, "notify", "send")

	autos := NewAutomations(r.rt, nil)
	t.Cleanup(autos.Close)
	err := autos.Add(Config{
		ID: "detach_me",
		Triggers: []Trigger{{
			Platform: "state",
			EntityID: []core.EntityID{"light.kitchen"},
			To:       []string{"on"},
		}},
		Actions: []Action{{Service: "notify.send"}},
	})
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := autos.Remove("detach_me"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}

	r.set(t, "light.kitchen", "on", nil)
	r.flush(t)
	settle()
	if rec.count() != 0 {
		t.Errorf("removed automation ran %d times", rec.count())
	}
}

func TestAutomationModes(t *testing.T) {
	// Each subtest reuses the same shape: a slow automation fired
	// twice in quick succession. Mode decides how many runs land.
	fireTwice := func(t *testing.T, r *rig) {
		t.Helper()
		r.set(t, "light.kitchen", "on", nil)
		r.set(t, "light.kitchen", "off", nil)
		r.set(t, "light.kitchen", "on", nil)
		r.flush(t)
	}

	setup := func(t *testing.T, mode Mode) (*rig, *callRecorder, *Automations) {
		t.Helper()
		r := newRig(t)
		r.set(t, "light.kitchen", "off", nil)
		r.flush(t)
		rec := &callRecorder{}
		rec.install(r, "notify", "send")

		autos := NewAutomations(r.rt, nil)
		t.Cleanup(autos.Close)
		err := autos.Add(Config{
			ID:   "slow",
			Mode: mode,
			Triggers: []Trigger{{
				Platform: "state",
				EntityID: []core.EntityID{"light.kitchen"},
				To:       []string{"on"},
			}},
			Actions: []Action{
				{Service: "notify.send"},
				{Delay: "0.08"},
			},
		})
		if err != nil {
			t.Fatalf("Add error: %v", err)
		}
		return r, rec, autos
	}

	t.Run("single skips overlapping run", func(t *testing.T) {
		r, rec, _ := setup(t, ModeSingle)
		fireTwice(t, r)
		waitCalls(t, rec, 1)
		settle()
		if rec.count() != 1 {
			t.Errorf("got %d runs, want 1", rec.count())
		}
	})

	t.Run("queued runs both in order", func(t *testing.T) {
		r, rec, _ := setup(t, ModeQueued)
		fireTwice(t, r)
		waitCalls(t, rec, 2)
	})

	t.Run("parallel runs both", func(t *testing.T) {
		r, rec, _ := setup(t, ModeParallel)
		fireTwice(t, r)
		waitCalls(t, rec, 2)
	})

	t.Run("restart cancels the earlier run", func(t *testing.T) {
		r := newRig(t)
		r.set(t, "light.kitchen", "off", nil)
		r.flush(t)
		rec := &callRecorder{}
		rec.install(r, "notify", "send")

		autos := NewAutomations(r.rt, nil)
		t.Cleanup(autos.Close)
		err := autos.Add(Config{
			ID:   "restartable",
			Mode: ModeRestart,
			Triggers: []Trigger{{
				Platform: "state",
				EntityID: []core.EntityID{"light.kitchen"},
				To:       []string{"on"},
			}},
			Actions: []Action{
				{Delay: "0.08"},
				{Service: "notify.send"},
			},
		})
		if err != nil {
			t.Fatalf("Add error: %v", err)
		}

		// The first run is cancelled mid-delay by the second trigger,
		// so only the second run's notify lands.
		fireTwice(t, r)
		waitCalls(t, rec, 1)
		settle()
		if rec.count() != 1 {
			t.Errorf("got %d calls, want 1", rec.count())
		}
	})
}
