package automation

import (
	"testing"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

func evalCond(t *testing.T, r *rig, c Condition, td *TriggerData) bool {
	t.Helper()
	ok, err := r.rt.EvalCondition(c, td)
	if err != nil {
		t.Fatalf("EvalCondition error: %v", err)
	}
	return ok
}

func TestStateCondition(t *testing.T) {
	r := newRig(t)
	r.set(t, "light.kitchen", "on", core.NewAttributes("brightness", 128))
	r.set(t, "light.bed", "off", nil)
	r.flush(t)

	t.Run("single match", func(t *testing.T) {
		c := Condition{Kind: "state", EntityID: []core.EntityID{"light.kitchen"}, State: []string{"on"}}
		if !evalCond(t, r, c, nil) {
			t.Error("got false, want true")
		}
	})

	t.Run("all entities must match", func(t *testing.T) {
		c := Condition{
			Kind:     "state",
			EntityID: []core.EntityID{"light.kitchen", "light.bed"},
			State:    []string{"on"},
		}
		if evalCond(t, r, c, nil) {
			t.Error("got true with one entity off, want false")
		}
	})

	t.Run("value list", func(t *testing.T) {
		c := Condition{
			Kind:     "state",
			EntityID: []core.EntityID{"light.bed"},
			State:    []string{"off", "unavailable"},
		}
		if !evalCond(t, r, c, nil) {
			t.Error("got false, want true")
		}
	})

	t.Run("attribute", func(t *testing.T) {
		c := Condition{
			Kind:      "state",
			EntityID:  []core.EntityID{"light.kitchen"},
			Attribute: "brightness",
			State:     []string{"128"},
		}
		if !evalCond(t, r, c, nil) {
			t.Error("got false, want true")
		}
	})

	t.Run("absent entity", func(t *testing.T) {
		c := Condition{Kind: "state", EntityID: []core.EntityID{"light.nope"}, State: []string{"on"}}
		if evalCond(t, r, c, nil) {
			t.Error("got true for absent entity, want false")
		}
	})

	t.Run("regex mode", func(t *testing.T) {
		c := Condition{
			Kind:     "state",
			EntityID: []core.EntityID{"light.kitchen"},
			State:    []string{"^o.$"},
			Match:    "regex",
		}
		if !evalCond(t, r, c, nil) {
			t.Error("got false, want pattern match")
		}
	})
}

func TestNumericCondition(t *testing.T) {
	r := newRig(t)
	r.set(t, "sensor.temp", "21.5", nil)
	r.set(t, "input_number.limit", "20", nil)
	r.flush(t)

	t.Run("above literal", func(t *testing.T) {
		c := Condition{
			Kind:     "numeric_state",
			EntityID: []core.EntityID{"sensor.temp"},
			Above:    LiteralThreshold(20),
		}
		if !evalCond(t, r, c, nil) {
			t.Error("got false, want true")
		}
	})

	t.Run("above entity reference", func(t *testing.T) {
		c := Condition{
			Kind:     "numeric_state",
			EntityID: []core.EntityID{"sensor.temp"},
			Above:    EntityThreshold("input_number.limit"),
		}
		if !evalCond(t, r, c, nil) {
			t.Error("got false, want true")
		}
	})

	t.Run("band excludes", func(t *testing.T) {
		c := Condition{
			Kind:     "numeric_state",
			EntityID: []core.EntityID{"sensor.temp"},
			Above:    LiteralThreshold(10),
			Below:    LiteralThreshold(20),
		}
		if evalCond(t, r, c, nil) {
			t.Error("got true outside band, want false")
		}
	})

	t.Run("non-numeric state", func(t *testing.T) {
		r.set(t, "sensor.broken", "unavailable", nil)
		r.flush(t)
		c := Condition{
			Kind:     "numeric_state",
			EntityID: []core.EntityID{"sensor.broken"},
			Above:    LiteralThreshold(0),
		}
		if evalCond(t, r, c, nil) {
			t.Error("got true for non-numeric state, want false")
		}
	})
}

func TestTemplateCondition(t *testing.T) {
	r := newRig(t)
	r.set(t, "sensor.temp", "25", nil)
	r.flush(t)

	c := Condition{Kind: "template", Template: "{{ states('sensor.temp') | float(0) > 20 }}"}
	if !evalCond(t, r, c, nil) {
		t.Error("got false, want true")
	}

	c = Condition{Kind: "template", Template: "{{ trigger.platform == 'state' }}"}
	td := &TriggerData{Platform: "state"}
	if !evalCond(t, r, c, td) {
		t.Error("trigger variable not visible to template condition")
	}
}

func TestTimeCondition(t *testing.T) {
	r := newRig(t)
	// Saturday 23:00.
	r.rt.SetClock(func() time.Time {
		return time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)
	})

	t.Run("plain window", func(t *testing.T) {
		c := Condition{Kind: "time", After: "22:00", Before: "23:30"}
		if !evalCond(t, r, c, nil) {
			t.Error("got false inside window, want true")
		}
	})

	t.Run("wraparound window", func(t *testing.T) {
		c := Condition{Kind: "time", After: "22:00", Before: "06:00"}
		if !evalCond(t, r, c, nil) {
			t.Error("got false at 23:00 in 22:00-06:00 window, want true")
		}
		r.rt.SetClock(func() time.Time {
			return time.Date(2024, 6, 2, 5, 0, 0, 0, time.UTC)
		})
		if !evalCond(t, r, c, nil) {
			t.Error("got false at 05:00 in 22:00-06:00 window, want true")
		}
		r.rt.SetClock(func() time.Time {
			return time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)
		})
		if evalCond(t, r, c, nil) {
			t.Error("got true at noon in 22:00-06:00 window, want false")
		}
	})

	t.Run("weekday filter", func(t *testing.T) {
		r.rt.SetClock(func() time.Time {
			return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) // Saturday
		})
		c := Condition{Kind: "time", Weekday: []string{"sat", "sun"}}
		if !evalCond(t, r, c, nil) {
			t.Error("got false on Saturday, want true")
		}
		c = Condition{Kind: "time", Weekday: []string{"mon"}}
		if evalCond(t, r, c, nil) {
			t.Error("got true on Saturday for mon filter, want false")
		}
	})
}

func TestSunCondition(t *testing.T) {
	r := newRig(t)
	// Sun set at 20:00 today; next rising tomorrow 05:00, next setting
	// tomorrow 20:00.
	r.set(t, "sun.sun", "below_horizon", core.NewAttributes(
		"next_rising", "2024-06-02T05:00:00Z",
		"next_setting", "2024-06-02T20:00:00Z",
	))
	r.flush(t)
	r.rt.SetClock(func() time.Time {
		return time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC)
	})

	if !evalCond(t, r, Condition{Kind: "sun", AfterSun: "sunset"}, nil) {
		t.Error("after sunset at 22:00 = false, want true")
	}
	if evalCond(t, r, Condition{Kind: "sun", BeforeSun: "sunset"}, nil) {
		t.Error("before sunset at 22:00 = true, want false")
	}
	if evalCond(t, r, Condition{Kind: "sun", AfterSun: "sunrise"}, nil) {
		// 22:00 is after today's 05:00 sunrise; next_rising is
		// tomorrow's, which maps back to today.
		t.Error("after sunrise at 22:00 = false, want true")
	}
}

func TestZoneCondition(t *testing.T) {
	r := newRig(t)
	r.set(t, "zone.home", "zoning", core.NewAttributes(
		"latitude", 52.1, "longitude", 4.3, "radius", 100.0,
	))
	r.set(t, "device_tracker.phone", "somewhere", core.NewAttributes(
		"latitude", 52.1001, "longitude", 4.3001,
	))
	r.flush(t)

	c := Condition{
		Kind:     "zone",
		EntityID: []core.EntityID{"device_tracker.phone"},
		Zone:     []string{"home"},
	}
	if !evalCond(t, r, c, nil) {
		t.Error("got false for tracker inside zone, want true")
	}

	r.set(t, "device_tracker.phone", "somewhere", core.NewAttributes(
		"latitude", 53.0, "longitude", 5.0,
	))
	r.flush(t)
	if evalCond(t, r, c, nil) {
		t.Error("got true for tracker outside zone, want false")
	}
}

func TestTriggerCondition(t *testing.T) {
	r := newRig(t)
	c := Condition{Kind: "trigger", TriggerID: []string{"door_opened"}}

	if !evalCond(t, r, c, &TriggerData{Platform: "state", ID: "door_opened"}) {
		t.Error("got false for matching trigger id, want true")
	}
	if evalCond(t, r, c, &TriggerData{Platform: "state", ID: "other"}) {
		t.Error("got true for other trigger id, want false")
	}
	if evalCond(t, r, c, nil) {
		t.Error("got true without trigger context, want false")
	}
}

func TestDeviceCondition(t *testing.T) {
	r := newRig(t)
	c := Condition{Kind: "device", Domain: "hue", DeviceID: "dev-1"}

	if evalCond(t, r, c, nil) {
		t.Error("got true without a registered evaluator, want false")
	}

	r.rt.RegisterDeviceCondition("hue", func(cond Condition) bool {
		return cond.DeviceID == "dev-1"
	})
	if !evalCond(t, r, c, nil) {
		t.Error("got false from registered evaluator, want true")
	}
}

func TestBooleanConditions(t *testing.T) {
	r := newRig(t)
	r.set(t, "light.kitchen", "on", nil)
	r.set(t, "light.bed", "off", nil)
	r.flush(t)

	on := Condition{Kind: "state", EntityID: []core.EntityID{"light.kitchen"}, State: []string{"on"}}
	off := Condition{Kind: "state", EntityID: []core.EntityID{"light.bed"}, State: []string{"on"}}

	t.Run("and", func(t *testing.T) {
		if evalCond(t, r, Condition{Kind: "and", Conditions: []Condition{on, off}}, nil) {
			t.Error("and = true, want false")
		}
	})
	t.Run("or", func(t *testing.T) {
		if !evalCond(t, r, Condition{Kind: "or", Conditions: []Condition{off, on}}, nil) {
			t.Error("or = false, want true")
		}
	})
	t.Run("not", func(t *testing.T) {
		if !evalCond(t, r, Condition{Kind: "not", Conditions: []Condition{off}}, nil) {
			t.Error("not = false, want true")
		}
	})
	t.Run("empty and is true", func(t *testing.T) {
		if !evalCond(t, r, Condition{Kind: "and"}, nil) {
			t.Error("empty and = false, want true")
		}
	})
	t.Run("or short-circuits past invalid", func(t *testing.T) {
		// First branch true: the malformed second branch is never
		// evaluated.
		bad := Condition{Kind: "state"}
		if !evalCond(t, r, Condition{Kind: "or", Conditions: []Condition{on, bad}}, nil) {
			t.Error("or did not short-circuit on first true branch")
		}
	})
}
