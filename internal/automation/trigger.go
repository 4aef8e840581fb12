package automation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

// attachTrigger wires one trigger config to its event source and
// returns a detach function. fire is called with TriggerData on every
// match; it must be safe for concurrent use.
func (r *Runtime) attachTrigger(t Trigger, fire func(TriggerData)) (func(), error) {
	switch t.Platform {
	case "state":
		return r.attachStateTrigger(t, fire)
	case "numeric_state":
		return r.attachNumericStateTrigger(t, fire)
	case "event":
		return r.attachEventTrigger(t, fire)
	case "zone":
		return r.attachZoneTrigger(t, fire)
	case "template":
		return r.attachTemplateTrigger(t, fire)
	case "homeassistant":
		return r.attachHubTrigger(t, fire)
	case "time":
		return r.attachTimeTrigger(t, fire)
	case "time_pattern":
		return r.attachTimePatternTrigger(t, fire)
	case "sun":
		return r.attachSunTrigger(t, fire)
	case "webhook":
		// Owned by the HTTP layer; nothing to match on the bus.
		return func() {}, nil
	}
	return nil, fmt.Errorf("%w: trigger %q", ErrUnknownPlatform, t.Platform)
}

// eventStates unpacks a state_changed event.
func eventStates(e core.Event) (core.EntityID, *core.State, *core.State, bool) {
	id, _ := e.Data["entity_id"].(string)
	if id == "" {
		return "", nil, nil, false
	}
	old, _ := e.Data["old_state"].(*core.State)
	next, _ := e.Data["new_state"].(*core.State)
	return core.EntityID(id), old, next, true
}

// watchesEntity reports whether id is in the trigger's entity list.
func watchesEntity(list []core.EntityID, id core.EntityID) bool {
	for _, e := range list {
		if e == id {
			return true
		}
	}
	return false
}

// observedValue extracts the compared value: the state string, or the
// named attribute rendered as a string. ok is false when the entity
// has no state (or lacks the attribute).
func observedValue(s *core.State, attribute string) (string, bool) {
	if s == nil {
		return "", false
	}
	if attribute == "" {
		return s.State, true
	}
	v, ok := s.Attributes.Get(attribute)
	if !ok {
		return "", false
	}
	return fmt.Sprint(v), true
}

func inList(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// pendingTable tracks armed "for:" timers keyed by entity, so a later
// event that breaks the match can cancel the deferred fire.
type pendingTable struct {
	mu     sync.Mutex
	timers map[core.EntityID]*time.Timer
}

func newPendingTable() *pendingTable {
	return &pendingTable{timers: make(map[core.EntityID]*time.Timer)}
}

// arm schedules fn after d, replacing any pending timer for id.
func (p *pendingTable) arm(id core.EntityID, d time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[id]; ok {
		t.Stop()
	}
	p.timers[id] = time.AfterFunc(d, func() {
		p.mu.Lock()
		delete(p.timers, id)
		p.mu.Unlock()
		fn()
	})
}

func (p *pendingTable) cancel(id core.EntityID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[id]; ok {
		t.Stop()
		delete(p.timers, id)
	}
}

func (p *pendingTable) cancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}

func (r *Runtime) attachStateTrigger(t Trigger, fire func(TriggerData)) (func(), error) {
	if len(t.EntityID) == 0 {
		return nil, fmt.Errorf("%w: state trigger needs entity_id", ErrInvalidConfig)
	}
	pending := newPendingTable()

	matches := func(oldVal string, oldOK bool, newVal string, newOK bool) bool {
		if len(t.From) > 0 && (!oldOK || !inList(t.From, oldVal)) {
			return false
		}
		if len(t.NotFrom) > 0 && oldOK && inList(t.NotFrom, oldVal) {
			return false
		}
		if len(t.To) > 0 && (!newOK || !inList(t.To, newVal)) {
			return false
		}
		if len(t.NotTo) > 0 && newOK && inList(t.NotTo, newVal) {
			return false
		}
		return true
	}

	emit := func(id core.EntityID, oldVal, newVal string) {
		fire(TriggerData{
			Platform: "state",
			ID:       t.ID,
			Vars: map[string]any{
				"entity_id":  string(id),
				"from_state": oldVal,
				"to_state":   newVal,
			},
		})
	}

	unsub := r.bus.Subscribe(core.EventStateChanged, func(e core.Event) error {
		id, old, next, ok := eventStates(e)
		if !ok || !watchesEntity(t.EntityID, id) {
			return nil
		}
		oldVal, oldOK := observedValue(old, t.Attribute)
		newVal, newOK := observedValue(next, t.Attribute)
		if oldOK && newOK && oldVal == newVal {
			// No observed change; also not a reason to cancel a
			// pending match.
			return nil
		}
		if !matches(oldVal, oldOK, newVal, newOK) {
			pending.cancel(id)
			return nil
		}
		if t.For <= 0 {
			emit(id, oldVal, newVal)
			return nil
		}
		pending.arm(id, t.For, func() {
			// Re-check that the match still holds after the hold time.
			cur, curOK := observedValue(r.states.Get(id), t.Attribute)
			if !curOK {
				return
			}
			if len(t.To) > 0 && !inList(t.To, cur) {
				return
			}
			if len(t.To) == 0 && cur != newVal {
				return
			}
			emit(id, oldVal, cur)
		})
		return nil
	})
	return func() {
		unsub()
		pending.cancelAll()
	}, nil
}

func (r *Runtime) attachNumericStateTrigger(t Trigger, fire func(TriggerData)) (func(), error) {
	if len(t.EntityID) == 0 {
		return nil, fmt.Errorf("%w: numeric_state trigger needs entity_id", ErrInvalidConfig)
	}
	if t.Above == nil && t.Below == nil {
		return nil, fmt.Errorf("%w: numeric_state trigger needs above or below", ErrInvalidConfig)
	}
	pending := newPendingTable()

	var mu sync.Mutex
	wasInside := make(map[core.EntityID]bool)

	inside := func(v float64) bool {
		if above, ok := t.Above.resolve(r.states); t.Above != nil {
			if !ok || v <= above {
				return false
			}
		}
		if below, ok := t.Below.resolve(r.states); t.Below != nil {
			if !ok || v >= below {
				return false
			}
		}
		return true
	}

	emit := func(id core.EntityID, v float64) {
		fire(TriggerData{
			Platform: "numeric_state",
			ID:       t.ID,
			Vars: map[string]any{
				"entity_id": string(id),
				"value":     v,
			},
		})
	}

	unsub := r.bus.Subscribe(core.EventStateChanged, func(e core.Event) error {
		id, _, next, ok := eventStates(e)
		if !ok || !watchesEntity(t.EntityID, id) {
			return nil
		}
		var v float64
		var numeric bool
		if t.Attribute != "" {
			v, numeric = attrFloat(next, t.Attribute)
		} else {
			v, numeric = numericState(next)
		}
		if !numeric {
			mu.Lock()
			delete(wasInside, id)
			mu.Unlock()
			pending.cancel(id)
			return nil
		}
		now := inside(v)

		mu.Lock()
		was := wasInside[id]
		wasInside[id] = now
		mu.Unlock()

		if !now {
			pending.cancel(id)
			return nil
		}
		if was {
			return nil
		}
		if t.For <= 0 {
			emit(id, v)
			return nil
		}
		pending.arm(id, t.For, func() {
			cur, numOK := numericState(r.states.Get(id))
			if t.Attribute != "" {
				cur, numOK = attrFloat(r.states.Get(id), t.Attribute)
			}
			if numOK && inside(cur) {
				emit(id, cur)
			}
		})
		return nil
	})
	return func() {
		unsub()
		pending.cancelAll()
	}, nil
}

// eventDataMatches does the shallow subset comparison for event
// triggers: maps are subset-compared recursively, arrays and scalars
// must match exactly.
func eventDataMatches(want, got map[string]any) bool {
	for k, wv := range want {
		gv, ok := got[k]
		if !ok {
			return false
		}
		wm, wIsMap := wv.(map[string]any)
		gm, gIsMap := gv.(map[string]any)
		if wIsMap && gIsMap {
			if !eventDataMatches(wm, gm) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(wv, gv) {
			return false
		}
	}
	return true
}

func (r *Runtime) attachEventTrigger(t Trigger, fire func(TriggerData)) (func(), error) {
	if t.EventType == "" {
		return nil, fmt.Errorf("%w: event trigger needs event_type", ErrInvalidConfig)
	}
	unsub := r.bus.Subscribe(t.EventType, func(e core.Event) error {
		if len(t.EventData) > 0 && !eventDataMatches(t.EventData, e.Data) {
			return nil
		}
		if len(t.UserID) > 0 && !inList(t.UserID, e.Context.UserID) {
			return nil
		}
		fire(TriggerData{
			Platform: "event",
			ID:       t.ID,
			Vars: map[string]any{
				"event": map[string]any{
					"event_type": e.Type,
					"data":       e.Data,
				},
			},
		})
		return nil
	})
	return unsub, nil
}

func (r *Runtime) attachZoneTrigger(t Trigger, fire func(TriggerData)) (func(), error) {
	if len(t.EntityID) == 0 || t.Zone == "" {
		return nil, fmt.Errorf("%w: zone trigger needs entity_id and zone", ErrInvalidConfig)
	}
	event := t.Event
	if event == "" {
		event = "enter"
	}
	zone := zoneEntityID(t.Zone)

	unsub := r.bus.Subscribe(core.EventStateChanged, func(e core.Event) error {
		id, old, next, ok := eventStates(e)
		if !ok || !watchesEntity(t.EntityID, id) {
			return nil
		}
		oldIn := r.inZone(old, zone)
		newIn := r.inZone(next, zone)
		if oldIn == newIn {
			return nil
		}
		if (event == "enter") != newIn {
			return nil
		}
		fire(TriggerData{
			Platform: "zone",
			ID:       t.ID,
			Vars: map[string]any{
				"entity_id": string(id),
				"zone":      string(zone),
				"event":     event,
			},
		})
		return nil
	})
	return unsub, nil
}

func (r *Runtime) attachTemplateTrigger(t Trigger, fire func(TriggerData)) (func(), error) {
	if t.Template == "" {
		return nil, fmt.Errorf("%w: template trigger needs a template", ErrInvalidConfig)
	}
	pending := newPendingTable()
	const pendingKey = core.EntityID("template")

	var mu sync.Mutex
	prev, err := r.tmpl.RenderBool(t.Template, nil)
	if err != nil {
		prev = false
	}

	emit := func() {
		fire(TriggerData{Platform: "template", ID: t.ID, Vars: map[string]any{}})
	}

	unsub := r.bus.Subscribe(core.EventStateChanged, func(e core.Event) error {
		cur, err := r.tmpl.RenderBool(t.Template, nil)
		if err != nil {
			r.logger.Warn("template trigger render failed", "error", err)
			return nil
		}

		mu.Lock()
		was := prev
		prev = cur
		mu.Unlock()

		if !cur {
			pending.cancel(pendingKey)
			return nil
		}
		if was {
			return nil
		}
		if t.For <= 0 {
			emit()
			return nil
		}
		pending.arm(pendingKey, t.For, func() {
			still, err := r.tmpl.RenderBool(t.Template, nil)
			if err == nil && still {
				emit()
			}
		})
		return nil
	})
	return func() {
		unsub()
		pending.cancelAll()
	}, nil
}

func (r *Runtime) attachHubTrigger(t Trigger, fire func(TriggerData)) (func(), error) {
	eventType := core.EventHubStart
	if t.Event == "shutdown" || t.Event == "stop" {
		eventType = core.EventHubStop
	}
	unsub := r.bus.Subscribe(eventType, func(e core.Event) error {
		fire(TriggerData{
			Platform: "homeassistant",
			ID:       t.ID,
			Vars:     map[string]any{"event": t.Event},
		})
		return nil
	})
	return unsub, nil
}

// scheduleLoop runs a goroutine firing at times produced by next. A
// zero next time means "cannot compute now"; the loop retries after a
// minute.
func (r *Runtime) scheduleLoop(next func(time.Time) time.Time, fn func(time.Time)) func() {
	stop := make(chan struct{})
	go func() {
		for {
			now := r.now()
			at := next(now)
			wait := time.Minute
			if !at.IsZero() {
				wait = at.Sub(now)
				if wait < 0 {
					wait = 0
				}
			}
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
				if !at.IsZero() {
					fn(at)
				}
			case <-stop:
				timer.Stop()
				return
			}
		}
	}()
	return func() { close(stop) }
}

// parseClockTime parses "HH:MM" or "HH:MM:SS".
func parseClockTime(s string) (h, m, sec int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, fmt.Errorf("%w: time %q", ErrInvalidConfig, s)
	}
	h, err = strconv.Atoi(parts[0])
	if err == nil {
		m, err = strconv.Atoi(parts[1])
	}
	if err == nil && len(parts) == 3 {
		sec, err = strconv.Atoi(parts[2])
	}
	if err != nil || h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, 0, 0, fmt.Errorf("%w: time %q", ErrInvalidConfig, s)
	}
	return h, m, sec, nil
}

// nextTimeOfDay returns the next instant with the given wall-clock
// time, strictly after now.
func nextTimeOfDay(now time.Time, h, m, sec int) time.Time {
	at := time.Date(now.Year(), now.Month(), now.Day(), h, m, sec, 0, now.Location())
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func (r *Runtime) attachTimeTrigger(t Trigger, fire func(TriggerData)) (func(), error) {
	if t.At == "" {
		return nil, fmt.Errorf("%w: time trigger needs at", ErrInvalidConfig)
	}
	isEntity := core.ValidEntityID(t.At)
	if !isEntity {
		if _, _, _, err := parseClockTime(t.At); err != nil {
			return nil, err
		}
	}

	next := func(now time.Time) time.Time {
		at := t.At
		if isEntity {
			s := r.states.Get(core.EntityID(t.At))
			if s == nil {
				return time.Time{}
			}
			at = s.State
		}
		h, m, sec, err := parseClockTime(at)
		if err != nil {
			return time.Time{}
		}
		return nextTimeOfDay(now, h, m, sec)
	}
	detach := r.scheduleLoop(next, func(at time.Time) {
		fire(TriggerData{
			Platform: "time",
			ID:       t.ID,
			Vars:     map[string]any{"now": at.Format("15:04:05")},
		})
	})
	return detach, nil
}

// patternMatches checks one time_pattern field against a value.
// Fields are "*" (or empty), a literal number, or "/N" for multiples
// of N.
func patternMatches(field string, v int) bool {
	field = strings.TrimSpace(field)
	if field == "" || field == "*" {
		return true
	}
	if strings.HasPrefix(field, "/") {
		n, err := strconv.Atoi(field[1:])
		if err != nil || n <= 0 {
			return false
		}
		return v%n == 0
	}
	n, err := strconv.Atoi(field)
	if err != nil {
		return false
	}
	return v == n
}

// validPatternField validates a time_pattern field at attach time.
func validPatternField(field string, max int) bool {
	field = strings.TrimSpace(field)
	if field == "" || field == "*" {
		return true
	}
	body := field
	if strings.HasPrefix(field, "/") {
		body = field[1:]
		n, err := strconv.Atoi(body)
		return err == nil && n > 0 && n <= max
	}
	n, err := strconv.Atoi(body)
	return err == nil && n >= 0 && n <= max
}

// nextPatternTime finds the next second strictly after now matching
// all three pattern fields.
func nextPatternTime(now time.Time, hours, minutes, seconds string) time.Time {
	at := now.Truncate(time.Second)
	// Worst case (one matching second per day) stays well under this
	// bound across a two-day scan.
	for i := 0; i < 2*24*60*60; i++ {
		at = at.Add(time.Second)
		if patternMatches(hours, at.Hour()) &&
			patternMatches(minutes, at.Minute()) &&
			patternMatches(seconds, at.Second()) {
			return at
		}
	}
	return time.Time{}
}

func (r *Runtime) attachTimePatternTrigger(t Trigger, fire func(TriggerData)) (func(), error) {
	if !validPatternField(t.Hours, 23) ||
		!validPatternField(t.Minutes, 59) ||
		!validPatternField(t.Seconds, 59) {
		return nil, fmt.Errorf("%w: time_pattern fields", ErrInvalidConfig)
	}
	next := func(now time.Time) time.Time {
		return nextPatternTime(now, t.Hours, t.Minutes, t.Seconds)
	}
	detach := r.scheduleLoop(next, func(at time.Time) {
		fire(TriggerData{
			Platform: "time_pattern",
			ID:       t.ID,
			Vars:     map[string]any{"now": at.Format("15:04:05")},
		})
	})
	return detach, nil
}

// sunEntityID is where the sun integration publishes rise/set times.
const sunEntityID = core.EntityID("sun.sun")

// nextSunEvent reads the next_rising/next_setting attribute and
// applies the offset. Zero when unavailable.
func (r *Runtime) nextSunEvent(event string, offset time.Duration) time.Time {
	s := r.states.Get(sunEntityID)
	if s == nil {
		return time.Time{}
	}
	attr := "next_rising"
	if event == "sunset" {
		attr = "next_setting"
	}
	raw, ok := s.Attributes.Get(attr)
	if !ok {
		return time.Time{}
	}
	iso, ok := raw.(string)
	if !ok {
		return time.Time{}
	}
	at, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return time.Time{}
	}
	return at.Add(offset)
}

func (r *Runtime) attachSunTrigger(t Trigger, fire func(TriggerData)) (func(), error) {
	event := t.Event
	if event != "sunrise" && event != "sunset" {
		return nil, fmt.Errorf("%w: sun trigger event %q", ErrInvalidConfig, t.Event)
	}
	next := func(now time.Time) time.Time {
		at := r.nextSunEvent(event, t.Offset)
		if at.IsZero() || !at.After(now) {
			return time.Time{}
		}
		return at
	}
	detach := r.scheduleLoop(next, func(time.Time) {
		fire(TriggerData{
			Platform: "sun",
			ID:       t.ID,
			Vars:     map[string]any{"event": event},
		})
	})
	return detach, nil
}
