package automation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

// Logger defines the logging interface used by the automation runtime.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// States is the read surface the runtime needs from the state store.
type States interface {
	Get(entityID core.EntityID) *core.State
	All() []*core.State
}

// Bus is the event surface the runtime needs: trigger attachment and
// event/automation_triggered publication.
type Bus interface {
	Subscribe(eventType string, handler core.EventHandler) func()
	Fire(eventType string, data map[string]any, ctx core.Context, origin core.Origin)
}

// ServiceCaller dispatches service actions.
type ServiceCaller interface {
	Call(ctx context.Context, domain, service string, data map[string]any, callCtx core.Context, returnResponse bool) (core.ServiceResponse, error)
}

// Renderer evaluates templates for template triggers, conditions, and
// templated action fields.
type Renderer interface {
	Render(src string, vars map[string]any) (string, error)
	RenderBool(src string, vars map[string]any) (bool, error)
}

// Threshold is a numeric bound: either a literal value or a reference
// to another entity whose state is coerced at evaluation time.
type Threshold struct {
	Value  float64
	Entity core.EntityID
}

// LiteralThreshold builds a fixed numeric threshold.
func LiteralThreshold(v float64) *Threshold { return &Threshold{Value: v} }

// EntityThreshold builds a threshold read from another entity's state.
func EntityThreshold(id core.EntityID) *Threshold { return &Threshold{Entity: id} }

// resolve returns the current bound value. False when the referenced
// entity is absent or non-numeric.
func (t *Threshold) resolve(states States) (float64, bool) {
	if t == nil {
		return 0, false
	}
	if t.Entity == "" {
		return t.Value, true
	}
	s := states.Get(t.Entity)
	if s == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s.State), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Trigger is one trigger configuration. Platform selects the variant;
// the other fields apply per platform.
type Trigger struct {
	Platform string
	ID       string

	// state, numeric_state, zone, template
	EntityID  []core.EntityID
	From      []string
	NotFrom   []string
	To        []string
	NotTo     []string
	Attribute string
	For       time.Duration

	// numeric_state
	Above *Threshold
	Below *Threshold

	// event
	EventType string
	EventData map[string]any
	UserID    []string

	// zone
	Zone  string
	Event string // zone: enter/leave; sun: sunrise/sunset; homeassistant: start/stop

	// template
	Template string

	// time
	At string // "HH:MM[:SS]" or an entity id holding one

	// time_pattern: each "*", "N", or "/N"
	Hours   string
	Minutes string
	Seconds string

	// sun
	Offset time.Duration

	// webhook (delegated to the HTTP layer, never matched here)
	WebhookID string
}

// TriggerData is what a matched trigger hands to conditions and
// scripts, exposed in templates as the trigger variable.
type TriggerData struct {
	Platform string
	ID       string
	Vars     map[string]any
}

// templateVars renders TriggerData as the template-visible map.
func (t *TriggerData) templateVars() map[string]any {
	if t == nil {
		return nil
	}
	vars := map[string]any{
		"platform": t.Platform,
	}
	if t.ID != "" {
		vars["id"] = t.ID
	}
	for k, v := range t.Vars {
		vars[k] = v
	}
	return vars
}

// Condition is one condition node. Kind selects the variant;
// and/or/not recurse through Conditions.
type Condition struct {
	Kind       string
	Conditions []Condition

	// state, numeric_state, zone
	EntityID  []core.EntityID
	State     []string
	Match     string // "regex" switches state matching to pattern mode
	Attribute string

	// numeric_state
	Above *Threshold
	Below *Threshold

	// template
	Template string

	// time
	After   string // "HH:MM[:SS]"
	Before  string
	Weekday []string

	// sun
	AfterSun  string // sunrise/sunset
	BeforeSun string
	AfterOffset  time.Duration
	BeforeOffset time.Duration

	// zone
	Zone []string

	// trigger
	TriggerID []string

	// device
	DeviceID string
	Domain   string
}

// Repeat configures a repeat action. Exactly one of Count, ForEach,
// While, Until selects the mode.
type Repeat struct {
	Count    int
	ForEach  []any
	ForEachTemplate string
	While    []Condition
	Until    []Condition
	Sequence []Action
}

// ChooseOption is one branch of a choose action.
type ChooseOption struct {
	Conditions []Condition
	Sequence   []Action
}

// Action is one script step. Exactly one variant group should be set;
// kind() resolves which.
type Action struct {
	// Enabled=false short-circuits the step. Nil means enabled.
	Enabled *bool

	// service
	Service          string
	Data             map[string]any
	Target           map[string]any
	ResponseVariable string

	// delay: duration string ("HH:MM:SS", "MM:SS", seconds) or template
	Delay string

	// variables
	Variables map[string]any

	// condition
	Condition *Condition

	// stop
	Stop      string
	StopError bool

	// event
	Event     string
	EventData map[string]any

	// scene
	Scene string

	// choose / if
	Choose  []ChooseOption
	Default []Action
	If      []Condition
	Then    []Action
	Else    []Action

	// repeat
	Repeat *Repeat

	// sequence
	Sequence []Action

	// parallel: each element is one branch
	Parallel [][]Action

	// wait_for_trigger / wait_template
	WaitForTrigger    []Trigger
	WaitTemplate      string
	Timeout           time.Duration
	ContinueOnTimeout bool
}

// actionKind names for dispatch and error messages.
const (
	actionService        = "service"
	actionDelay          = "delay"
	actionVariables      = "variables"
	actionCondition      = "condition"
	actionStop           = "stop"
	actionEvent          = "event"
	actionScene          = "scene"
	actionChoose         = "choose"
	actionIf             = "if"
	actionRepeat         = "repeat"
	actionSequence       = "sequence"
	actionParallel       = "parallel"
	actionWaitForTrigger = "wait_for_trigger"
	actionWaitTemplate   = "wait_template"
)

// kind resolves which variant this action is.
func (a *Action) kind() (string, error) {
	switch {
	case a.Service != "":
		return actionService, nil
	case a.Delay != "":
		return actionDelay, nil
	case a.Variables != nil:
		return actionVariables, nil
	case a.Condition != nil:
		return actionCondition, nil
	case a.Stop != "":
		return actionStop, nil
	case a.Event != "":
		return actionEvent, nil
	case a.Scene != "":
		return actionScene, nil
	case len(a.Choose) > 0:
		return actionChoose, nil
	case len(a.If) > 0:
		return actionIf, nil
	case a.Repeat != nil:
		return actionRepeat, nil
	case len(a.Sequence) > 0:
		return actionSequence, nil
	case len(a.Parallel) > 0:
		return actionParallel, nil
	case len(a.WaitForTrigger) > 0:
		return actionWaitForTrigger, nil
	case a.WaitTemplate != "":
		return actionWaitTemplate, nil
	}
	return "", fmt.Errorf("%w: empty action", ErrInvalidConfig)
}

// enabled reports whether the step should run.
func (a *Action) enabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Mode governs run concurrency for one automation.
type Mode string

const (
	// ModeSingle skips a new run while one is in flight.
	ModeSingle Mode = "single"
	// ModeRestart cancels the running instance and starts over.
	ModeRestart Mode = "restart"
	// ModeQueued runs instances one after another.
	ModeQueued Mode = "queued"
	// ModeParallel runs every instance concurrently.
	ModeParallel Mode = "parallel"
)

// Config is one automation bundle.
type Config struct {
	ID         string
	Alias      string
	Mode       Mode
	MaxQueued  int // queued mode backlog cap; 0 means 10
	Triggers   []Trigger
	Conditions []Condition
	Actions    []Action
}

// ParseDuration accepts the duration shapes automations use:
// "HH:MM:SS", "MM:SS", a bare number of seconds, or a Go duration
// string.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrInvalidConfig)
	}
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) > 3 {
			return 0, fmt.Errorf("%w: duration %q", ErrInvalidConfig, s)
		}
		var total time.Duration
		for _, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil || f < 0 {
				return 0, fmt.Errorf("%w: duration %q", ErrInvalidConfig, s)
			}
			total = total*60 + time.Duration(f*float64(time.Second))
		}
		return total, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 {
			return 0, fmt.Errorf("%w: negative duration %q", ErrInvalidConfig, s)
		}
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: duration %q", ErrInvalidConfig, s)
	}
	return d, nil
}
