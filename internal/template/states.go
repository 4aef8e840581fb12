package template

import (
	"sort"
	"strings"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

// StateSource is the slice of the state machine templates read from.
type StateSource interface {
	Get(entityID core.EntityID) *core.State
	All() []*core.State
}

// statesRoot backs the `states` template object. It is callable
// (states('light.x') returns the state string), attribute-traversable
// (states.light.x returns the state object), and iterable (all state
// objects sorted by entity id).
type statesRoot struct {
	source StateSource
	loc    *time.Location
}

// callAsFunction implements states('domain.object'). Unknown entities
// yield the string "unknown", matching the state machine's convention
// for absent states.
func (r *statesRoot) callAsFunction(args []any, pos int) (any, error) {
	if len(args) != 1 {
		return nil, errAt(pos, "states() expects one argument")
	}
	id, ok := args[0].(string)
	if !ok {
		return nil, errAt(pos, "states() expects an entity id string")
	}
	s := r.source.Get(core.EntityID(id))
	if s == nil {
		return "unknown", nil
	}
	return s.State, nil
}

func (r *statesRoot) domain(name string) any {
	return &domainGroup{source: r.source, domain: name, loc: r.loc}
}

// iterate returns all state objects sorted by entity id, which
// naturally groups them by domain.
func (r *statesRoot) iterate() []any {
	all := r.source.All()
	sort.Slice(all, func(i, j int) bool { return all[i].EntityID < all[j].EntityID })
	out := make([]any, len(all))
	for i, s := range all {
		out[i] = &stateObject{state: s, loc: r.loc}
	}
	return out
}

// domainGroup is states.<domain>: object ids resolve to state
// objects, iteration yields the domain's states sorted by entity id.
type domainGroup struct {
	source StateSource
	domain string
	loc    *time.Location
}

func (g *domainGroup) object(name string) any {
	s := g.source.Get(core.EntityID(g.domain + "." + name))
	if s == nil {
		return undefined{name: g.domain + "." + name}
	}
	return &stateObject{state: s, loc: g.loc}
}

func (g *domainGroup) iterate() []any {
	var members []*core.State
	for _, s := range g.source.All() {
		if s.EntityID.Domain() == g.domain {
			members = append(members, s)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].EntityID < members[j].EntityID })
	out := make([]any, len(members))
	for i, s := range members {
		out[i] = &stateObject{state: s, loc: g.loc}
	}
	return out
}

// stateObject is the template view of one state row.
type stateObject struct {
	state *core.State
	loc   *time.Location
}

func (o *stateObject) attr(name string) (any, bool) {
	s := o.state
	switch name {
	case "state":
		return s.State, true
	case "entity_id":
		return string(s.EntityID), true
	case "domain":
		return s.EntityID.Domain(), true
	case "object_id":
		return s.EntityID.ObjectID(), true
	case "name":
		if v, ok := s.Attributes.Get("friendly_name"); ok {
			if fn, isStr := v.(string); isStr {
				return fn, true
			}
		}
		return string(s.EntityID), true
	case "attributes":
		return normalizeAttrs(s.Attributes.Map()), true
	case "last_changed":
		return NewDateTime(s.LastChanged.In(o.loc)), true
	case "last_updated":
		return NewDateTime(s.LastUpdated.In(o.loc)), true
	case "last_reported":
		return NewDateTime(s.LastReported.In(o.loc)), true
	case "context":
		return map[string]any{
			"id":        s.Context.ID,
			"parent_id": s.Context.ParentID,
			"user_id":   s.Context.UserID,
		}, true
	}
	return nil, false
}

func (o *stateObject) repr() string {
	var b strings.Builder
	b.WriteString("<state ")
	b.WriteString(string(o.state.EntityID))
	b.WriteByte('=')
	b.WriteString(o.state.State)
	b.WriteString(" @ ")
	b.WriteString(o.state.LastChanged.In(o.loc).Format("2006-01-02T15:04:05.000000-07:00"))
	b.WriteByte('>')
	return b.String()
}

// normalizeAttrs converts attribute values into template value types
// so arithmetic and comparisons behave.
func normalizeAttrs(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

// normalizeValue maps arbitrary Go values from attributes or
// variables onto the engine's value model.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64, float64, string, bool, nil:
		return x
	case float32:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalizeValue(item)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out
	case map[string]any:
		return normalizeAttrs(x)
	case time.Time:
		return NewDateTime(x)
	case time.Duration:
		return NewTimeDelta(x)
	default:
		return v
	}
}
