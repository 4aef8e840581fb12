package template

import (
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

type fakeStates struct {
	byID map[core.EntityID]*core.State
}

func (f *fakeStates) Get(id core.EntityID) *core.State { return f.byID[id] }

func (f *fakeStates) All() []*core.State {
	out := make([]*core.State, 0, len(f.byID))
	for _, s := range f.byID {
		out = append(out, s)
	}
	return out
}

func testClock() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestEngine() *Engine {
	ts := time.Date(2024, 6, 1, 11, 30, 0, 0, time.UTC)
	src := &fakeStates{byID: map[core.EntityID]*core.State{
		"light.kitchen": {
			EntityID: "light.kitchen",
			State:    "on",
			Attributes: core.NewAttributes(
				"friendly_name", "Kitchen",
				"brightness", 128,
			),
			LastChanged:  ts,
			LastUpdated:  ts,
			LastReported: ts,
		},
		"light.bed": {
			EntityID:    "light.bed",
			State:       "off",
			Attributes:  core.NewAttributes(),
			LastChanged: ts,
			LastUpdated: ts,
		},
		"sensor.temp": {
			EntityID: "sensor.temp",
			State:    "21.5",
			Attributes: core.NewAttributes(
				"unit_of_measurement", "C",
			),
			LastChanged: ts,
			LastUpdated: ts,
		},
	}}
	e := NewEngine(src)
	e.SetClock(testClock)
	e.SetLocation(time.UTC)
	return e
}

func renderString(t *testing.T, e *Engine, src string, vars map[string]any) string {
	t.Helper()
	got, err := e.Render(src, vars)
	if err != nil {
		t.Fatalf("Render(%q) error: %v", src, err)
	}
	return got
}

func TestRenderExpressions(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"int add", "{{ 1 + 2 }}", "3"},
		{"true division", "{{ 10 / 4 }}", "2.5"},
		{"floor division", "{{ 7 // 2 }}", "3"},
		{"floor division negative", "{{ -7 // 2 }}", "-4"},
		{"modulo sign", "{{ -7 % 3 }}", "2"},
		{"power", "{{ 2 ** 10 }}", "1024"},
		{"float stays float", "{{ 1.0 + 1 }}", "2.0"},
		{"string concat", "{{ 'a' ~ 1 }}", "a1"},
		{"string repeat", "{{ 'ab' * 2 }}", "abab"},
		{"list concat", "{{ [1, 2] + [3] }}", "[1, 2, 3]"},
		{"and returns operand", "{{ 1 and 2 }}", "2"},
		{"or returns operand", "{{ 0 or 'x' }}", "x"},
		{"bool literal", "{{ true }}", "True"},
		{"none literal", "{{ none }}", "None"},
		{"conditional expr", "{{ 'hot' if 30 > 25 else 'cold' }}", "hot"},
		{"comparison chain", "{{ 3 > 2 }}", "True"},
		{"in operator", "{{ 2 in [1, 2, 3] }}", "True"},
		{"not in", "{{ 'x' not in 'abc' }}", "True"},
		{"index negative", "{{ [1, 2, 3][-1] }}", "3"},
		{"slice", "{{ 'hearth'[0:4] }}", "hear"},
		{"dict literal sorted", "{{ {'b': 1, 'a': 2} }}", "{'a': 2, 'b': 1}"},
		{"string method", "{{ 'Kitchen Light'.lower() }}", "kitchen light"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := renderString(t, e, tc.src, nil); got != tc.want {
				t.Errorf("Render(%q) = %q, want %q", tc.src, got, tc.want)
			}
		})
	}
}

func TestRenderControlFlow(t *testing.T) {
	e := newTestEngine()

	t.Run("if elif else", func(t *testing.T) {
		src := "{% if x > 3 %}big{% elif x > 1 %}mid{% else %}small{% endif %}"
		if got := renderString(t, e, src, map[string]any{"x": 2}); got != "mid" {
			t.Errorf("got %q, want %q", got, "mid")
		}
	})

	t.Run("for with loop vars", func(t *testing.T) {
		src := "{% for x in [10, 20, 30] %}{{ loop.index }}:{{ x }} {% endfor %}"
		if got := renderString(t, e, src, nil); got != "1:10 2:20 3:30 " {
			t.Errorf("got %q", got)
		}
	})

	t.Run("for else on empty", func(t *testing.T) {
		src := "{% for x in [] %}{{ x }}{% else %}empty{% endfor %}"
		if got := renderString(t, e, src, nil); got != "empty" {
			t.Errorf("got %q, want %q", got, "empty")
		}
	})

	t.Run("for unpacking items", func(t *testing.T) {
		src := "{% for k, v in {'b': 2, 'a': 1}.items() %}{{ k }}={{ v }};{% endfor %}"
		if got := renderString(t, e, src, nil); got != "a=1;b=2;" {
			t.Errorf("got %q, want %q", got, "a=1;b=2;")
		}
	})

	t.Run("set", func(t *testing.T) {
		src := "{% set x = 5 %}{{ x * 2 }}"
		if got := renderString(t, e, src, nil); got != "10" {
			t.Errorf("got %q, want %q", got, "10")
		}
	})

	t.Run("whitespace trim", func(t *testing.T) {
		src := "a {{- 'b' -}} c"
		if got := renderString(t, e, src, nil); got != "abc" {
			t.Errorf("got %q, want %q", got, "abc")
		}
	})

	t.Run("comment stripped", func(t *testing.T) {
		src := "x{# not rendered #}y"
		if got := renderString(t, e, src, nil); got != "xy" {
			t.Errorf("got %q, want %q", got, "xy")
		}
	})
}

func TestRenderFilters(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"round default", "{{ 2.5 | round }}", "3"},
		{"round precision", "{{ 1.55 | round(1) }}", "1.6"},
		{"round floor", "{{ 2.7 | round(0, 'floor') }}", "2"},
		{"round ceil", "{{ 2.1 | round(0, 'ceil') }}", "3"},
		{"round half below", "{{ 2.24 | round(0, 'half') }}", "2.0"},
		{"round half boundary", "{{ 2.25 | round(0, 'half') }}", "2.5"},
		{"round half above", "{{ 2.76 | round(0, 'half') }}", "3.0"},
		{"abs", "{{ -4 | abs }}", "4"},
		{"sqrt", "{{ 16 | sqrt }}", "4.0"},
		{"average", "{{ [1, 2, 3] | average }}", "2.0"},
		{"median odd", "{{ [5, 1, 3] | median }}", "3"},
		{"float from string", "{{ '21.5' | float + 0.5 }}", "22.0"},
		{"int with default", "{{ 'abc' | int(0) }}", "0"},
		{"upper", "{{ 'on' | upper }}", "ON"},
		{"join", "{{ ['a', 'b'] | join(', ') }}", "a, b"},
		{"default undefined", "{{ missing | default('x') }}", "x"},
		{"default falsy", "{{ '' | default('x', true) }}", "x"},
		{"slugify", "{{ 'Living Room #2' | slugify }}", "living_room_2"},
		{"regex match", "{{ 'light.k1' | regex_match('light\\.') }}", "True"},
		{"regex replace", "{{ 'a-b-c' | regex_replace('-', '.') }}", "a.b.c"},
		{"regex replace backrefs", "{{ 'John Smith' | regex_replace('(\\w+) (\\w+)', '\\2 \\1') }}", "Smith John"},
		{"regex findall no groups", "{{ 'a1 b2' | regex_findall('\\w\\d') }}", "['a1', 'b2']"},
		{"regex findall one group", "{{ 'Breakfast at 9, lunch at 12' | regex_findall('at (\\d+)') }}", "['9', '12']"},
		{"regex findall two groups", "{{ 'John Smith' | regex_findall('(\\w+) (\\w+)') }}", "[['John', 'Smith']]"},
		{"ordinal", "{{ 3 | ordinal }}", "3rd"},
		{"ordinal teens", "{{ 11 | ordinal }}", "11th"},
		{"to json", "{{ {'b': 1, 'a': 2} | to_json }}", `{"a":2,"b":1}`},
		{"from json index", "{{ ('[1, 2.5]' | from_json)[1] }}", "2.5"},
		{"flatten", "{{ [1, [2, [3]]] | flatten }}", "[1, 2, 3]"},
		{"unique", "{{ [1, 2, 1, 3] | unique }}", "[1, 2, 3]"},
		{"sort", "{{ [3, 1, 2] | sort }}", "[1, 2, 3]"},
		{"length", "{{ 'hearth' | length }}", "6"},
		{"base64 round trip", "{{ 'hub' | base64_encode | base64_decode }}", "hub"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := renderString(t, e, tc.src, nil); got != tc.want {
				t.Errorf("Render(%q) = %q, want %q", tc.src, got, tc.want)
			}
		})
	}
}

func TestRenderTests(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"is number", "{{ 5 is number }}", "True"},
		{"is not number", "{{ 'x' is not number }}", "True"},
		{"is string", "{{ 'x' is string }}", "True"},
		{"is defined", "{{ missing is defined }}", "False"},
		{"is undefined", "{{ missing is undefined }}", "True"},
		{"is none", "{{ none is none }}", "True"},
		{"is list", "{{ [1] is list }}", "True"},
		{"divisibleby", "{{ 9 is divisibleby 3 }}", "True"},
		{"is match", "{{ 'abc' is match('a') }}", "True"},
		{"is search", "{{ 'abc' is search('b') }}", "True"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := renderString(t, e, tc.src, nil); got != tc.want {
				t.Errorf("Render(%q) = %q, want %q", tc.src, got, tc.want)
			}
		})
	}
}

func TestRenderStates(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"states call", "{{ states('light.kitchen') }}", "on"},
		{"states call absent", "{{ states('light.missing') }}", "unknown"},
		{"attribute path", "{{ states.light.kitchen.state }}", "on"},
		{"state attributes", "{{ states.light.kitchen.attributes.brightness }}", "128"},
		{"friendly name", "{{ states.light.kitchen.name }}", "Kitchen"},
		{"absent object undefined", "{{ states.light.missing is undefined }}", "True"},
		{"is_state", "{{ is_state('light.kitchen', 'on') }}", "True"},
		{"is_state list", "{{ is_state('light.kitchen', ['off', 'on']) }}", "True"},
		{"is_state absent", "{{ is_state('light.missing', 'on') }}", "False"},
		{"state_attr", "{{ state_attr('light.kitchen', 'brightness') }}", "128"},
		{"state_attr absent", "{{ state_attr('light.kitchen', 'nope') is none }}", "True"},
		{"has_value", "{{ has_value('sensor.temp') }}", "True"},
		{"domain iteration sorted", "{% for s in states.light %}{{ s.entity_id }} {% endfor %}", "light.bed light.kitchen "},
		{"domain count", "{{ states.light | list | count }}", "2"},
		{"numeric state math", "{{ states('sensor.temp') | float + 0.5 }}", "22.0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := renderString(t, e, tc.src, nil); got != tc.want {
				t.Errorf("Render(%q) = %q, want %q", tc.src, got, tc.want)
			}
		})
	}
}

func TestRenderDateTime(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"now year", "{{ now().year }}", "2024"},
		{"strftime", "{{ now().strftime('%Y-%m-%d %H:%M') }}", "2024-06-01 12:00"},
		{"timedelta add", "{{ (now() + timedelta(hours=2)).hour }}", "14"},
		{"timedelta str", "{{ timedelta(days=1, hours=2) }}", "1 day, 2:00:00"},
		{"datetime difference", "{{ now() - as_datetime('2024-06-01 10:00:00') }}", "2:00:00"},
		{"as_timestamp round trip", "{{ as_datetime(as_timestamp(now())).hour }}", "12"},
		{"today_at", "{{ today_at('07:30').minute }}", "30"},
		{"as_timedelta", "{{ as_timedelta('0:05:00').total_seconds() }}", "300.0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := renderString(t, e, tc.src, nil); got != tc.want {
				t.Errorf("Render(%q) = %q, want %q", tc.src, got, tc.want)
			}
		})
	}
}

func TestRenderDeterminism(t *testing.T) {
	e := newTestEngine()
	src := "{% for k in {'b': 1, 'a': 2, 'c': 3} %}{{ k }}{% endfor %}"
	first := renderString(t, e, src, nil)
	for i := 0; i < 20; i++ {
		if got := renderString(t, e, src, nil); got != first {
			t.Fatalf("render %d = %q, want %q", i, got, first)
		}
	}
	if first != "abc" {
		t.Errorf("got %q, want %q", first, "abc")
	}
}

func TestRenderVariables(t *testing.T) {
	e := newTestEngine()

	t.Run("vars visible", func(t *testing.T) {
		got := renderString(t, e, "{{ name }}", map[string]any{"name": "hub"})
		if got != "hub" {
			t.Errorf("got %q, want %q", got, "hub")
		}
	})

	t.Run("vars normalized", func(t *testing.T) {
		got := renderString(t, e, "{{ n + 1 }}", map[string]any{"n": 2})
		if got != "3" {
			t.Errorf("got %q, want %q", got, "3")
		}
	})

	t.Run("undefined renders empty", func(t *testing.T) {
		if got := renderString(t, e, "x{{ missing }}y", nil); got != "xy" {
			t.Errorf("got %q, want %q", got, "xy")
		}
	})
}

func TestRenderErrors(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		name string
		src  string
	}{
		{"unclosed output", "{{ 1 + 2"},
		{"unclosed block", "{% if true %}x"},
		{"unknown filter", "{{ 1 | nope }}"},
		{"unknown test", "{{ 1 is nope }}"},
		{"call undefined", "{{ missing() }}"},
		{"division by zero", "{{ 1 / 0 }}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.Render(tc.src, nil); err == nil {
				t.Errorf("Render(%q) succeeded, want error", tc.src)
			}
		})
	}
}

func TestRenderBool(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		name string
		src  string
		want bool
	}{
		{"true comparison", "{{ 1 > 0 }}", true},
		{"false comparison", "{{ 1 > 2 }}", false},
		{"off string", "{{ 'off' }}", false},
		{"arbitrary string", "{{ 'abc' }}", true},
		{"blank output", "{{ missing }}", false},
		{"none output", "{{ none }}", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.RenderBool(tc.src, nil)
			if err != nil {
				t.Fatalf("RenderBool(%q) error: %v", tc.src, err)
			}
			if got != tc.want {
				t.Errorf("RenderBool(%q) = %v, want %v", tc.src, got, tc.want)
			}
		})
	}
}

func TestIsTemplate(t *testing.T) {
	if !IsTemplate("{{ states('light.kitchen') }}") {
		t.Error("IsTemplate(output block) = false, want true")
	}
	if !IsTemplate("{% if x %}y{% endif %}") {
		t.Error("IsTemplate(statement block) = false, want true")
	}
	if IsTemplate("plain text") {
		t.Error("IsTemplate(plain text) = true, want false")
	}
}

func TestPlainTextPassthrough(t *testing.T) {
	e := newTestEngine()
	src := "no blocks here, just text with a } and a { brace"
	if got := renderString(t, e, src, nil); got != src {
		t.Errorf("got %q, want input unchanged", got)
	}
}

func TestEngineNilSource(t *testing.T) {
	e := NewEngine(nil)
	e.SetClock(testClock)
	e.SetLocation(time.UTC)
	got := renderString(t, e, "{{ states('light.kitchen') }}", nil)
	if got != "unknown" {
		t.Errorf("got %q, want %q", got, "unknown")
	}
	if got := renderString(t, e, "{{ states.light | list | count }}", nil); got != "0" {
		t.Errorf("domain count = %q, want %q", got, "0")
	}
}

func TestStateObjectTimestamps(t *testing.T) {
	e := newTestEngine()
	got := renderString(t, e, "{{ states.light.kitchen.last_changed.strftime('%H:%M') }}", nil)
	if got != "11:30" {
		t.Errorf("got %q, want %q", got, "11:30")
	}
	got = renderString(t, e, "{{ (now() - states.light.kitchen.last_changed).total_seconds() }}", nil)
	if !strings.HasPrefix(got, "1800") {
		t.Errorf("got %q, want 1800 seconds", got)
	}
}
