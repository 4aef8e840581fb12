package automation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// EvalCondition evaluates one condition tree against current state.
// trigger may be nil when no trigger context exists (manual runs).
//
// Evaluation never suspends: it reads state snapshots, renders
// templates inline, and short-circuits through and/or.
func (r *Runtime) EvalCondition(c Condition, trigger *TriggerData) (bool, error) {
	switch c.Kind {
	case "and", "":
		for _, sub := range c.Conditions {
			ok, err := r.EvalCondition(sub, trigger)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case "or":
		for _, sub := range c.Conditions {
			ok, err := r.EvalCondition(sub, trigger)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case "not":
		for _, sub := range c.Conditions {
			ok, err := r.EvalCondition(sub, trigger)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	case "state":
		return r.evalStateCondition(c)
	case "numeric_state":
		return r.evalNumericCondition(c)
	case "template":
		return r.evalTemplateCondition(c, trigger)
	case "time":
		return r.evalTimeCondition(c)
	case "sun":
		return r.evalSunCondition(c)
	case "zone":
		return r.evalZoneCondition(c)
	case "trigger":
		return evalTriggerCondition(c, trigger), nil
	case "device":
		return r.evalDeviceCondition(c), nil
	}
	return false, fmt.Errorf("%w: condition %q", ErrUnknownPlatform, c.Kind)
}

// evalStateCondition: every listed entity must match one of the
// wanted values (exactly, or by pattern in regex mode).
func (r *Runtime) evalStateCondition(c Condition) (bool, error) {
	if len(c.EntityID) == 0 || len(c.State) == 0 {
		return false, fmt.Errorf("%w: state condition needs entity_id and state", ErrInvalidConfig)
	}
	var patterns []*regexp.Regexp
	if c.Match == "regex" {
		patterns = make([]*regexp.Regexp, 0, len(c.State))
		for _, p := range c.State {
			re, err := regexp.Compile(p)
			if err != nil {
				return false, fmt.Errorf("%w: state pattern %q", ErrInvalidConfig, p)
			}
			patterns = append(patterns, re)
		}
	}
	for _, id := range c.EntityID {
		v, ok := observedValue(r.states.Get(id), c.Attribute)
		if !ok {
			return false, nil
		}
		if patterns != nil {
			matched := false
			for _, re := range patterns {
				if re.MatchString(v) {
					matched = true
					break
				}
			}
			if !matched {
				return false, nil
			}
			continue
		}
		if !inList(c.State, v) {
			return false, nil
		}
	}
	return true, nil
}

// evalNumericCondition: every listed entity's value must sit inside
// the configured bounds.
func (r *Runtime) evalNumericCondition(c Condition) (bool, error) {
	if len(c.EntityID) == 0 {
		return false, fmt.Errorf("%w: numeric_state condition needs entity_id", ErrInvalidConfig)
	}
	if c.Above == nil && c.Below == nil {
		return false, fmt.Errorf("%w: numeric_state condition needs above or below", ErrInvalidConfig)
	}
	for _, id := range c.EntityID {
		s := r.states.Get(id)
		var v float64
		var ok bool
		if c.Attribute != "" {
			v, ok = attrFloat(s, c.Attribute)
		} else {
			v, ok = numericState(s)
		}
		if !ok {
			return false, nil
		}
		if c.Above != nil {
			above, bok := c.Above.resolve(r.states)
			if !bok || v <= above {
				return false, nil
			}
		}
		if c.Below != nil {
			below, bok := c.Below.resolve(r.states)
			if !bok || v >= below {
				return false, nil
			}
		}
	}
	return true, nil
}

func (r *Runtime) evalTemplateCondition(c Condition, trigger *TriggerData) (bool, error) {
	if c.Template == "" {
		return false, fmt.Errorf("%w: template condition needs a template", ErrInvalidConfig)
	}
	var vars map[string]any
	if trigger != nil {
		vars = map[string]any{"trigger": trigger.templateVars()}
	}
	return r.tmpl.RenderBool(c.Template, vars)
}

// weekdayNames maps config names to time.Weekday.
var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
	"sun": time.Sunday,
}

// evalTimeCondition checks the weekday filter and the after/before
// window. A window with after > before wraps midnight.
func (r *Runtime) evalTimeCondition(c Condition) (bool, error) {
	now := r.now()
	if len(c.Weekday) > 0 {
		ok := false
		for _, w := range c.Weekday {
			if wd, known := weekdayNames[strings.ToLower(w)]; known && now.Weekday() == wd {
				ok = true
				break
			}
		}
		if !ok {
			return false, nil
		}
	}
	if c.After == "" && c.Before == "" {
		return true, nil
	}

	secOfDay := now.Hour()*3600 + now.Minute()*60 + now.Second()
	after, before := 0, 24*3600
	if c.After != "" {
		h, m, s, err := parseClockTime(c.After)
		if err != nil {
			return false, err
		}
		after = h*3600 + m*60 + s
	}
	if c.Before != "" {
		h, m, s, err := parseClockTime(c.Before)
		if err != nil {
			return false, err
		}
		before = h*3600 + m*60 + s
	}
	if after <= before {
		return secOfDay >= after && secOfDay < before, nil
	}
	// Wraparound window, e.g. after 22:00 before 06:00.
	return secOfDay >= after || secOfDay < before, nil
}

// sunEventToday maps the published next_rising/next_setting instant
// to today's occurrence: when the next one is already tomorrow, the
// event happened today and lies one day back.
func (r *Runtime) sunEventToday(event string, offset time.Duration, now time.Time) time.Time {
	next := r.nextSunEvent(event, 0)
	if next.IsZero() {
		return time.Time{}
	}
	local := next.In(now.Location())
	ny, nm, nd := now.Date()
	ly, lm, ld := local.Date()
	if ly != ny || lm != nm || ld != nd {
		local = local.AddDate(0, 0, -1)
	}
	return local.Add(offset)
}

// evalSunCondition gates on the current time relative to today's
// rise/set instants derived from sun.sun.
func (r *Runtime) evalSunCondition(c Condition) (bool, error) {
	if c.AfterSun == "" && c.BeforeSun == "" {
		return false, fmt.Errorf("%w: sun condition needs after or before", ErrInvalidConfig)
	}
	now := r.now()
	if c.AfterSun != "" {
		at := r.sunEventToday(c.AfterSun, c.AfterOffset, now)
		if at.IsZero() || now.Before(at) {
			return false, nil
		}
	}
	if c.BeforeSun != "" {
		at := r.sunEventToday(c.BeforeSun, c.BeforeOffset, now)
		if at.IsZero() || !now.Before(at) {
			return false, nil
		}
	}
	return true, nil
}

// evalZoneCondition: every listed entity must be inside at least one
// of the listed zones.
func (r *Runtime) evalZoneCondition(c Condition) (bool, error) {
	if len(c.EntityID) == 0 || len(c.Zone) == 0 {
		return false, fmt.Errorf("%w: zone condition needs entity_id and zone", ErrInvalidConfig)
	}
	for _, id := range c.EntityID {
		tracker := r.states.Get(id)
		inAny := false
		for _, z := range c.Zone {
			if r.inZone(tracker, zoneEntityID(z)) {
				inAny = true
				break
			}
		}
		if !inAny {
			return false, nil
		}
	}
	return true, nil
}

// evalTriggerCondition passes when the firing trigger's id is listed.
func evalTriggerCondition(c Condition, trigger *TriggerData) bool {
	if trigger == nil || trigger.ID == "" {
		return false
	}
	return inList(c.TriggerID, trigger.ID)
}

// evalDeviceCondition delegates to the integration's registered
// evaluator. Without one the condition is false: a guard that cannot
// be evaluated must not authorize the action.
func (r *Runtime) evalDeviceCondition(c Condition) bool {
	fn, ok := r.deviceCondition(c.Domain)
	if !ok {
		r.logger.Warn("device condition has no evaluator, treating as false",
			"domain", c.Domain,
			"device_id", c.DeviceID,
		)
		return false
	}
	return fn(c)
}

// EvalConditions evaluates a condition list as an implicit and.
func (r *Runtime) EvalConditions(conds []Condition, trigger *TriggerData) (bool, error) {
	for _, c := range conds {
		ok, err := r.EvalCondition(c, trigger)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
