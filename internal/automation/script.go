package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
	"github.com/nerrad567/hearth-core/internal/template"
)

// repeatCap bounds every repeat mode. Hitting it logs a warning and
// stops the loop rather than erroring.
const repeatCap = 10000

// waitTemplatePoll is the re-render interval for wait_template.
const waitTemplatePoll = 500 * time.Millisecond

// ExecutionContext is the mutable state of one script run. Each run
// owns its context, which is what makes scripts re-entrant.
type ExecutionContext struct {
	Variables map[string]any
	Trigger   *TriggerData
	Response  any

	// StopOnConditionFail makes a false condition action abort the
	// run with ErrConditionFailed instead of continuing.
	StopOnConditionFail bool

	// BusContext links fired events and service calls to the run.
	BusContext core.Context

	repeat map[string]any
	wait   map[string]any
}

// NewExecutionContext builds a run context with its own variable
// scope.
func NewExecutionContext(trigger *TriggerData, busCtx core.Context) *ExecutionContext {
	if busCtx.IsZero() {
		busCtx = core.NewContext("")
	}
	return &ExecutionContext{
		Variables:  make(map[string]any),
		Trigger:    trigger,
		BusContext: busCtx,
	}
}

// clone copies the context for a parallel branch. Variables are
// copied one level deep; branches must not rely on sharing.
func (ec *ExecutionContext) clone() *ExecutionContext {
	vars := make(map[string]any, len(ec.Variables))
	for k, v := range ec.Variables {
		vars[k] = v
	}
	return &ExecutionContext{
		Variables:           vars,
		Trigger:             ec.Trigger,
		StopOnConditionFail: ec.StopOnConditionFail,
		BusContext:          ec.BusContext,
		repeat:              ec.repeat,
		wait:                ec.wait,
	}
}

// templateVars is the variable surface scripts expose to templates.
func (ec *ExecutionContext) templateVars() map[string]any {
	vars := make(map[string]any, len(ec.Variables)+3)
	for k, v := range ec.Variables {
		vars[k] = v
	}
	if ec.Trigger != nil {
		vars["trigger"] = ec.Trigger.templateVars()
	}
	if ec.repeat != nil {
		vars["repeat"] = ec.repeat
	}
	if ec.wait != nil {
		vars["wait"] = ec.wait
	}
	return vars
}

// stopSignal is the internal control-flow error a stop action raises.
type stopSignal struct {
	reason  string
	isError bool
}

func (s stopSignal) Error() string {
	if s.reason == "" {
		return "stopped"
	}
	return "stopped: " + s.reason
}

// Script executes an ordered action sequence.
type Script struct {
	name    string
	actions []Action
	rt      *Runtime
}

// NewScript builds a script. name appears in logs only.
func NewScript(rt *Runtime, name string, actions []Action) *Script {
	return &Script{name: name, actions: actions, rt: rt}
}

// Run executes the sequence and returns the response value, if any
// action set one. A stop action halts cleanly unless it carries
// error: true.
func (s *Script) Run(ctx context.Context, ec *ExecutionContext) (any, error) {
	err := s.runSequence(ctx, ec, s.actions)
	if err != nil {
		var stop stopSignal
		if asStop(err, &stop) {
			if stop.isError {
				return nil, fmt.Errorf("%w: %s", ErrStopped, stop.reason)
			}
			return ec.Response, nil
		}
		return nil, err
	}
	return ec.Response, nil
}

func asStop(err error, out *stopSignal) bool {
	s, ok := err.(stopSignal)
	if ok {
		*out = s
	}
	return ok
}

func (s *Script) runSequence(ctx context.Context, ec *ExecutionContext, actions []Action) error {
	for i := range actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runAction(ctx, ec, &actions[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Script) runAction(ctx context.Context, ec *ExecutionContext, a *Action) error {
	if !a.enabled() {
		return nil
	}
	kind, err := a.kind()
	if err != nil {
		return err
	}
	switch kind {
	case actionService:
		return s.runService(ctx, ec, a)
	case actionDelay:
		return s.runDelay(ctx, ec, a)
	case actionVariables:
		return s.runVariables(ec, a)
	case actionCondition:
		return s.runCondition(ec, a)
	case actionStop:
		return stopSignal{reason: a.Stop, isError: a.StopError}
	case actionEvent:
		return s.runEvent(ec, a)
	case actionScene:
		return s.runScene(ctx, ec, a)
	case actionChoose:
		return s.runChoose(ctx, ec, a)
	case actionIf:
		return s.runIf(ctx, ec, a)
	case actionRepeat:
		return s.runRepeat(ctx, ec, a)
	case actionSequence:
		return s.runSequence(ctx, ec, a.Sequence)
	case actionParallel:
		return s.runParallel(ctx, ec, a)
	case actionWaitForTrigger:
		return s.runWaitForTrigger(ctx, ec, a)
	case actionWaitTemplate:
		return s.runWaitTemplate(ctx, ec, a)
	}
	return fmt.Errorf("%w: action %q", ErrInvalidConfig, kind)
}

// renderValue renders template strings inside v against the run's
// variables. Maps and lists recurse; everything else passes through.
func (s *Script) renderValue(v any, vars map[string]any) (any, error) {
	switch x := v.(type) {
	case string:
		if !template.IsTemplate(x) {
			return x, nil
		}
		return s.rt.tmpl.Render(x, vars)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			rendered, err := s.renderValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			rendered, err := s.renderValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func (s *Script) renderMap(m map[string]any, vars map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out, err := s.renderValue(m, vars)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (s *Script) runService(ctx context.Context, ec *ExecutionContext, a *Action) error {
	vars := ec.templateVars()
	name, err := s.renderValue(a.Service, vars)
	if err != nil {
		return err
	}
	domain, service, ok := strings.Cut(name.(string), ".")
	if !ok {
		return fmt.Errorf("%w: service %q", ErrInvalidConfig, name)
	}
	data, err := s.renderMap(a.Data, vars)
	if err != nil {
		return err
	}
	target, err := s.renderMap(a.Target, vars)
	if err != nil {
		return err
	}
	data = core.MergeTarget(data, target)

	wantResponse := a.ResponseVariable != ""
	resp, err := s.rt.services.Call(ctx, domain, service, data, ec.BusContext, wantResponse)
	if err != nil {
		return err
	}
	if wantResponse {
		ec.Variables[a.ResponseVariable] = map[string]any(resp)
		ec.Response = resp
	}
	return nil
}

func (s *Script) runDelay(ctx context.Context, ec *ExecutionContext, a *Action) error {
	raw, err := s.renderValue(a.Delay, ec.templateVars())
	if err != nil {
		return err
	}
	d, err := ParseDuration(raw.(string))
	if err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Script) runVariables(ec *ExecutionContext, a *Action) error {
	vars := ec.templateVars()
	for _, k := range sortedVarKeys(a.Variables) {
		rendered, err := s.renderValue(a.Variables[k], vars)
		if err != nil {
			return err
		}
		ec.Variables[k] = rendered
		vars[k] = rendered
	}
	return nil
}

func (s *Script) runCondition(ec *ExecutionContext, a *Action) error {
	ok, err := s.rt.EvalCondition(*a.Condition, ec.Trigger)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if ec.StopOnConditionFail {
		return ErrConditionFailed
	}
	s.rt.logger.Debug("condition action false, continuing", "script", s.name)
	return nil
}

func (s *Script) runEvent(ec *ExecutionContext, a *Action) error {
	data, err := s.renderMap(a.EventData, ec.templateVars())
	if err != nil {
		return err
	}
	s.rt.bus.Fire(a.Event, data, ec.BusContext, core.OriginLocal)
	return nil
}

func (s *Script) runScene(ctx context.Context, ec *ExecutionContext, a *Action) error {
	_, err := s.rt.services.Call(ctx, "scene", "turn_on",
		map[string]any{"entity_id": a.Scene}, ec.BusContext, false)
	return err
}

func (s *Script) runChoose(ctx context.Context, ec *ExecutionContext, a *Action) error {
	for i := range a.Choose {
		ok, err := s.rt.EvalConditions(a.Choose[i].Conditions, ec.Trigger)
		if err != nil {
			return err
		}
		if ok {
			return s.runSequence(ctx, ec, a.Choose[i].Sequence)
		}
	}
	if len(a.Default) > 0 {
		return s.runSequence(ctx, ec, a.Default)
	}
	return nil
}

func (s *Script) runIf(ctx context.Context, ec *ExecutionContext, a *Action) error {
	ok, err := s.rt.EvalConditions(a.If, ec.Trigger)
	if err != nil {
		return err
	}
	if ok {
		return s.runSequence(ctx, ec, a.Then)
	}
	if len(a.Else) > 0 {
		return s.runSequence(ctx, ec, a.Else)
	}
	return nil
}

func (s *Script) runRepeat(ctx context.Context, ec *ExecutionContext, a *Action) error {
	r := a.Repeat
	prior := ec.repeat
	defer func() { ec.repeat = prior }()

	setRepeatVar := func(index int, last bool, item any, hasItem bool) {
		v := map[string]any{
			"index": int64(index),
			"first": index == 1,
			"last":  last,
		}
		if hasItem {
			v["item"] = item
		}
		ec.repeat = v
	}

	switch {
	case r.Count > 0:
		n := r.Count
		if n > repeatCap {
			s.rt.logger.Warn("repeat count capped", "script", s.name, "count", n)
			n = repeatCap
		}
		for i := 1; i <= n; i++ {
			setRepeatVar(i, i == n, nil, false)
			if err := s.runSequence(ctx, ec, r.Sequence); err != nil {
				return err
			}
		}
		return nil

	case r.ForEach != nil || r.ForEachTemplate != "":
		items := r.ForEach
		if r.ForEachTemplate != "" {
			rendered, err := s.rt.tmpl.Render(r.ForEachTemplate, ec.templateVars())
			if err != nil {
				return err
			}
			// Templated for_each must produce a JSON list, typically
			// via the to_json filter.
			var parsed []any
			if err := json.Unmarshal([]byte(rendered), &parsed); err != nil {
				return fmt.Errorf("%w: for_each template did not render a JSON list", ErrInvalidConfig)
			}
			items = parsed
		}
		if len(items) > repeatCap {
			s.rt.logger.Warn("repeat for_each capped", "script", s.name, "items", len(items))
			items = items[:repeatCap]
		}
		for i, item := range items {
			setRepeatVar(i+1, i == len(items)-1, item, true)
			if err := s.runSequence(ctx, ec, r.Sequence); err != nil {
				return err
			}
		}
		return nil

	case len(r.While) > 0:
		for i := 1; ; i++ {
			if i > repeatCap {
				s.rt.logger.Warn("repeat while hit iteration cap", "script", s.name)
				return nil
			}
			ok, err := s.rt.EvalConditions(r.While, ec.Trigger)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			setRepeatVar(i, false, nil, false)
			if err := s.runSequence(ctx, ec, r.Sequence); err != nil {
				return err
			}
		}

	case len(r.Until) > 0:
		for i := 1; ; i++ {
			if i > repeatCap {
				s.rt.logger.Warn("repeat until hit iteration cap", "script", s.name)
				return nil
			}
			setRepeatVar(i, false, nil, false)
			if err := s.runSequence(ctx, ec, r.Sequence); err != nil {
				return err
			}
			ok, err := s.rt.EvalConditions(r.Until, ec.Trigger)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: repeat needs count, for_each, while, or until", ErrInvalidConfig)
}

func (s *Script) runParallel(ctx context.Context, ec *ExecutionContext, a *Action) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := range a.Parallel {
		branch := a.Parallel[i]
		branchEC := ec.clone()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.runSequence(ctx, branchEC, branch); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (s *Script) runWaitForTrigger(ctx context.Context, ec *ExecutionContext, a *Action) error {
	matched := make(chan TriggerData, 1)
	var detachers []func()
	for _, t := range a.WaitForTrigger {
		detach, err := s.rt.attachTrigger(t, func(td TriggerData) {
			select {
			case matched <- td:
			default:
			}
		})
		if err != nil {
			for _, d := range detachers {
				d()
			}
			return err
		}
		detachers = append(detachers, detach)
	}
	defer func() {
		for _, d := range detachers {
			d()
		}
	}()

	var timeout <-chan time.Time
	if a.Timeout > 0 {
		timer := time.NewTimer(a.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case td := <-matched:
		ec.wait = map[string]any{
			"completed": true,
			"trigger":   td.templateVars(),
		}
		return nil
	case <-timeout:
		ec.wait = map[string]any{"completed": false}
		if a.ContinueOnTimeout {
			return nil
		}
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Script) runWaitTemplate(ctx context.Context, ec *ExecutionContext, a *Action) error {
	var deadline <-chan time.Time
	if a.Timeout > 0 {
		timer := time.NewTimer(a.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	check := func() (bool, error) {
		return s.rt.tmpl.RenderBool(a.WaitTemplate, ec.templateVars())
	}
	if ok, err := check(); err != nil {
		return err
	} else if ok {
		ec.wait = map[string]any{"completed": true}
		return nil
	}

	ticker := time.NewTicker(waitTemplatePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ok, err := check()
			if err != nil {
				return err
			}
			if ok {
				ec.wait = map[string]any{"completed": true}
				return nil
			}
		case <-deadline:
			ec.wait = map[string]any{"completed": false}
			if a.ContinueOnTimeout {
				return nil
			}
			return ErrWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sortedVarKeys keeps variable assignment order stable.
func sortedVarKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
