package core

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestAttributesOrderRoundTrip(t *testing.T) {
	a := NewAttributes("zulu", 1.0, "alpha", "x", "mike", []any{"a", "b"})

	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"zulu":1,"alpha":"x","mike":["a","b"]}`
	if string(raw) != want {
		t.Errorf("Marshal() = %s, want %s", raw, want)
	}

	var back Attributes
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !reflect.DeepEqual(back.Keys(), []string{"zulu", "alpha", "mike"}) {
		t.Errorf("Keys() after round trip = %v", back.Keys())
	}
	if !a.Equal(&back) {
		t.Error("round-tripped attributes not Equal to original")
	}
}

func TestAttributesEqual(t *testing.T) {
	t.Run("order does not affect equality", func(t *testing.T) {
		a := NewAttributes("x", 1.0, "y", 2.0)
		b := NewAttributes("y", 2.0, "x", 1.0)
		if !a.Equal(b) {
			t.Error("Equal() = false for same contents in different order")
		}
	})

	t.Run("value differences detected", func(t *testing.T) {
		a := NewAttributes("x", 1.0)
		b := NewAttributes("x", 2.0)
		if a.Equal(b) {
			t.Error("Equal() = true for differing values")
		}
	})

	t.Run("nil equals empty", func(t *testing.T) {
		var a *Attributes
		b := &Attributes{}
		if !a.Equal(b) {
			t.Error("Equal() = false for nil vs empty")
		}
	})
}

func TestAttributesSetReplaceKeepsPosition(t *testing.T) {
	a := NewAttributes("first", 1, "second", 2)
	a.Set("first", 10)
	if !reflect.DeepEqual(a.Keys(), []string{"first", "second"}) {
		t.Errorf("Keys() = %v, want position preserved", a.Keys())
	}
	v, _ := a.Get("first")
	if v != 10 {
		t.Errorf("Get(first) = %v, want 10", v)
	}
}
