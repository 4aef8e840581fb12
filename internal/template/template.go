package template

import (
	"strings"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

// Engine renders templates against a state source. Engines are cheap
// and safe for concurrent use once configured.
type Engine struct {
	states StateSource
	now    func() time.Time
	loc    *time.Location
}

// emptySource backs an engine with no state machine attached, so
// states lookups resolve to absent rather than panicking.
type emptySource struct{}

func (emptySource) Get(core.EntityID) *core.State { return nil }
func (emptySource) All() []*core.State            { return nil }

// NewEngine returns an engine reading entity state from source.
// A nil source behaves as an empty state machine.
func NewEngine(source StateSource) *Engine {
	if source == nil {
		source = emptySource{}
	}
	return &Engine{
		states: source,
		now:    time.Now,
		loc:    time.Local,
	}
}

// SetClock overrides the engine's wall clock. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// SetLocation sets the timezone used by now(), today_at and state
// object timestamps.
func (e *Engine) SetLocation(loc *time.Location) {
	if loc != nil {
		e.loc = loc
	}
}

// IsTemplate reports whether src contains template syntax. Plain
// strings pass through rendering unchanged, so callers can use this
// to skip the parse entirely.
func IsTemplate(src string) bool {
	return strings.Contains(src, "{{") ||
		strings.Contains(src, "{%") ||
		strings.Contains(src, "{#")
}

// Render parses and evaluates src. vars are exposed as top-level
// names alongside the engine globals; variables shadow globals.
func (e *Engine) Render(src string, vars map[string]any) (string, error) {
	nodes, err := parseTemplate(src)
	if err != nil {
		return "", err
	}
	ev := &env{scopes: []map[string]any{e.buildGlobals()}}
	ev.push()
	for _, k := range sortedKeys(vars) {
		ev.set(k, normalizeValue(vars[k]))
	}
	ev.push()
	var out strings.Builder
	if err := renderNodes(nodes, ev, &out); err != nil {
		return "", err
	}
	return out.String(), nil
}

// RenderBool renders src and folds the result to a boolean the way
// condition templates are evaluated: "false", "no", "off", "0",
// "none" and blank output are false, everything else is true.
func (e *Engine) RenderBool(src string, vars map[string]any) (bool, error) {
	s, err := e.Render(src, vars)
	if err != nil {
		return false, err
	}
	return TruthyString(s), nil
}
