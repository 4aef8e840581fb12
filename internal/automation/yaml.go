package automation

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/hearth-core/internal/core"
)

// LoadFile reads a YAML automations file and returns the parsed configs.
func LoadFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("automation: read %s: %w", path, err)
	}
	configs, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("automation: parse %s: %w", path, err)
	}
	return configs, nil
}

// FromYAML parses a YAML document holding a list of automations.
//
// The wire shape follows the conventional automations file layout:
//
//	- id: kitchen_motion
//	  alias: Kitchen motion light
//	  mode: restart
//	  trigger:
//	    - platform: state
//	      entity_id: binary_sensor.kitchen_motion
//	      to: "on"
//	      for: "00:00:05"
//	  condition:
//	    - condition: numeric_state
//	      entity_id: sensor.kitchen_illuminance
//	      below: 40
//	  action:
//	    - service: light.turn_on
//	      target:
//	        entity_id: light.kitchen
//
// Both singular and plural section keys (trigger/triggers and so on) are
// accepted. Scalar-or-list fields such as entity_id take either form.
func FromYAML(data []byte) ([]Config, error) {
	var wires []configWire
	if err := yaml.Unmarshal(data, &wires); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	configs := make([]Config, 0, len(wires))
	for i, w := range wires {
		cfg, err := w.convert()
		if err != nil {
			name := w.ID
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("automation %s: %w", name, err)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

type configWire struct {
	ID         string          `yaml:"id"`
	Alias      string          `yaml:"alias"`
	Mode       string          `yaml:"mode"`
	Max        int             `yaml:"max"`
	Trigger    []triggerWire   `yaml:"trigger"`
	Triggers   []triggerWire   `yaml:"triggers"`
	Condition  []conditionWire `yaml:"condition"`
	Conditions []conditionWire `yaml:"conditions"`
	Action     []actionWire    `yaml:"action"`
	Actions    []actionWire    `yaml:"actions"`
}

func (w configWire) convert() (Config, error) {
	cfg := Config{
		ID:        w.ID,
		Alias:     w.Alias,
		Mode:      Mode(w.Mode),
		MaxQueued: w.Max,
	}

	for _, tw := range append(w.Trigger, w.Triggers...) {
		trig, err := tw.convert()
		if err != nil {
			return Config{}, err
		}
		cfg.Triggers = append(cfg.Triggers, trig)
	}
	for _, cw := range append(w.Condition, w.Conditions...) {
		cond, err := cw.convert()
		if err != nil {
			return Config{}, err
		}
		cfg.Conditions = append(cfg.Conditions, cond)
	}
	actions, err := convertActions(append(w.Action, w.Actions...))
	if err != nil {
		return Config{}, err
	}
	cfg.Actions = actions

	return cfg, nil
}

// stringList accepts a scalar or a sequence of scalars. Unquoted numbers
// and booleans keep their literal text, matching how states are compared.
type stringList []string

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*s = nil
			return nil
		}
		*s = stringList{node.Value}
		return nil
	case yaml.SequenceNode:
		out := make(stringList, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("%w: expected scalar list item at line %d", ErrInvalidConfig, item.Line)
			}
			out = append(out, item.Value)
		}
		*s = out
		return nil
	}
	return fmt.Errorf("%w: expected scalar or list at line %d", ErrInvalidConfig, node.Line)
}

func (s stringList) entityIDs() []core.EntityID {
	if len(s) == 0 {
		return nil
	}
	out := make([]core.EntityID, len(s))
	for i, v := range s {
		out[i] = core.EntityID(v)
	}
	return out
}

// thresholdWire accepts a number or an entity id string.
type thresholdWire Threshold

func (t *thresholdWire) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: expected number or entity id at line %d", ErrInvalidConfig, node.Line)
	}
	if v, err := strconv.ParseFloat(node.Value, 64); err == nil {
		t.Value = v
		return nil
	}
	if !core.ValidEntityID(node.Value) {
		return fmt.Errorf("%w: threshold %q is neither a number nor an entity id", ErrInvalidConfig, node.Value)
	}
	t.Entity = core.EntityID(node.Value)
	return nil
}

func (t *thresholdWire) threshold() *Threshold {
	if t == nil {
		return nil
	}
	th := Threshold(*t)
	return &th
}

// durationWire accepts a duration string ("00:05", "30", "1h") or a
// mapping of hours/minutes/seconds/milliseconds. A leading minus on the
// string form negates, for sun offsets.
type durationWire time.Duration

func (d *durationWire) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		s := strings.TrimSpace(node.Value)
		neg := strings.HasPrefix(s, "-")
		if neg {
			s = s[1:]
		}
		dur, err := ParseDuration(s)
		if err != nil {
			return err
		}
		if neg {
			dur = -dur
		}
		*d = durationWire(dur)
		return nil
	case yaml.MappingNode:
		var parts struct {
			Hours        float64 `yaml:"hours"`
			Minutes      float64 `yaml:"minutes"`
			Seconds      float64 `yaml:"seconds"`
			Milliseconds float64 `yaml:"milliseconds"`
		}
		if err := node.Decode(&parts); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		total := time.Duration(parts.Hours*float64(time.Hour)) +
			time.Duration(parts.Minutes*float64(time.Minute)) +
			time.Duration(parts.Seconds*float64(time.Second)) +
			time.Duration(parts.Milliseconds*float64(time.Millisecond))
		*d = durationWire(total)
		return nil
	}
	return fmt.Errorf("%w: expected duration at line %d", ErrInvalidConfig, node.Line)
}

type triggerWire struct {
	Platform      string         `yaml:"platform"`
	ID            string         `yaml:"id"`
	EntityID      stringList     `yaml:"entity_id"`
	From          stringList     `yaml:"from"`
	NotFrom       stringList     `yaml:"not_from"`
	To            stringList     `yaml:"to"`
	NotTo         stringList     `yaml:"not_to"`
	Attribute     string         `yaml:"attribute"`
	For           durationWire   `yaml:"for"`
	Above         *thresholdWire `yaml:"above"`
	Below         *thresholdWire `yaml:"below"`
	EventType     string         `yaml:"event_type"`
	EventData     map[string]any `yaml:"event_data"`
	UserID        stringList     `yaml:"user_id"`
	Zone          string         `yaml:"zone"`
	Event         string         `yaml:"event"`
	ValueTemplate string         `yaml:"value_template"`
	At            string         `yaml:"at"`
	Hours         scalarString   `yaml:"hours"`
	Minutes       scalarString   `yaml:"minutes"`
	Seconds       scalarString   `yaml:"seconds"`
	Offset        durationWire   `yaml:"offset"`
	WebhookID     string         `yaml:"webhook_id"`
}

func (w triggerWire) convert() (Trigger, error) {
	if w.Platform == "" {
		return Trigger{}, fmt.Errorf("%w: trigger missing platform", ErrInvalidConfig)
	}
	return Trigger{
		Platform:  w.Platform,
		ID:        w.ID,
		EntityID:  w.EntityID.entityIDs(),
		From:      w.From,
		NotFrom:   w.NotFrom,
		To:        w.To,
		NotTo:     w.NotTo,
		Attribute: w.Attribute,
		For:       time.Duration(w.For),
		Above:     w.Above.threshold(),
		Below:     w.Below.threshold(),
		EventType: w.EventType,
		EventData: w.EventData,
		UserID:    w.UserID,
		Zone:      w.Zone,
		Event:     w.Event,
		Template:  w.ValueTemplate,
		At:        w.At,
		Hours:     string(w.Hours),
		Minutes:   string(w.Minutes),
		Seconds:   string(w.Seconds),
		Offset:    time.Duration(w.Offset),
		WebhookID: w.WebhookID,
	}, nil
}

// scalarString keeps the literal text of a scalar, so time_pattern
// fields like "/5" and bare 5 both survive.
type scalarString string

func (s *scalarString) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: expected scalar at line %d", ErrInvalidConfig, node.Line)
	}
	*s = scalarString(node.Value)
	return nil
}

type conditionWire struct {
	// template shorthand: a bare string condition.
	shorthand string

	Condition     string          `yaml:"condition"`
	Conditions    []conditionWire `yaml:"conditions"`
	EntityID      stringList      `yaml:"entity_id"`
	State         stringList      `yaml:"state"`
	Match         string          `yaml:"match"`
	Attribute     string          `yaml:"attribute"`
	Above         *thresholdWire  `yaml:"above"`
	Below         *thresholdWire  `yaml:"below"`
	ValueTemplate string          `yaml:"value_template"`
	After         string          `yaml:"after"`
	Before        string          `yaml:"before"`
	Weekday       stringList      `yaml:"weekday"`
	AfterOffset   durationWire    `yaml:"after_offset"`
	BeforeOffset  durationWire    `yaml:"before_offset"`
	Zone          stringList      `yaml:"zone"`
	TriggerID     stringList      `yaml:"id"`
	DeviceID      string          `yaml:"device_id"`
	Domain        string          `yaml:"domain"`
}

func (w *conditionWire) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		w.shorthand = node.Value
		return nil
	}
	type plain conditionWire
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*w = conditionWire(p)
	return nil
}

func (w conditionWire) convert() (Condition, error) {
	if w.shorthand != "" {
		return Condition{Kind: "template", Template: w.shorthand}, nil
	}
	if w.Condition == "" {
		return Condition{}, fmt.Errorf("%w: condition missing kind", ErrInvalidConfig)
	}

	cond := Condition{
		Kind:         w.Condition,
		EntityID:     w.EntityID.entityIDs(),
		State:        w.State,
		Match:        w.Match,
		Attribute:    w.Attribute,
		Above:        w.Above.threshold(),
		Below:        w.Below.threshold(),
		Template:     w.ValueTemplate,
		Weekday:      w.Weekday,
		AfterOffset:  time.Duration(w.AfterOffset),
		BeforeOffset: time.Duration(w.BeforeOffset),
		Zone:         w.Zone,
		TriggerID:    w.TriggerID,
		DeviceID:     w.DeviceID,
		Domain:       w.Domain,
	}

	// The sun condition reuses after/before for sunrise/sunset names.
	if w.Condition == "sun" {
		cond.AfterSun = w.After
		cond.BeforeSun = w.Before
	} else {
		cond.After = w.After
		cond.Before = w.Before
	}

	for _, cw := range w.Conditions {
		sub, err := cw.convert()
		if err != nil {
			return Condition{}, err
		}
		cond.Conditions = append(cond.Conditions, sub)
	}
	return cond, nil
}

func convertConditions(wires []conditionWire) ([]Condition, error) {
	if len(wires) == 0 {
		return nil, nil
	}
	out := make([]Condition, 0, len(wires))
	for _, w := range wires {
		c, err := w.convert()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type actionWire struct {
	// set when the step is an inline condition mapping.
	condition *conditionWire

	Enabled           *bool            `yaml:"enabled"`
	Service           string           `yaml:"service"`
	Data              map[string]any   `yaml:"data"`
	Target            map[string]any   `yaml:"target"`
	ResponseVariable  string           `yaml:"response_variable"`
	Delay             delayWire        `yaml:"delay"`
	Variables         map[string]any   `yaml:"variables"`
	Stop              string           `yaml:"stop"`
	Error             bool             `yaml:"error"`
	Event             string           `yaml:"event"`
	EventData         map[string]any   `yaml:"event_data"`
	Scene             string           `yaml:"scene"`
	Choose            []chooseWire     `yaml:"choose"`
	Default           []actionWire     `yaml:"default"`
	If                []conditionWire  `yaml:"if"`
	Then              []actionWire     `yaml:"then"`
	Else              []actionWire     `yaml:"else"`
	Repeat            *repeatWire      `yaml:"repeat"`
	Sequence          []actionWire     `yaml:"sequence"`
	Parallel          []parallelBranch `yaml:"parallel"`
	WaitForTrigger    []triggerWire    `yaml:"wait_for_trigger"`
	WaitTemplate      string           `yaml:"wait_template"`
	Timeout           durationWire     `yaml:"timeout"`
	ContinueOnTimeout bool             `yaml:"continue_on_timeout"`
}

func (w *actionWire) UnmarshalYAML(node *yaml.Node) error {
	// A mapping whose "condition" key holds a string is an inline
	// condition step, not a service action.
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == "condition" && node.Content[i+1].Kind == yaml.ScalarNode {
				var cw conditionWire
				if err := node.Decode(&cw); err != nil {
					return err
				}
				w.condition = &cw
				return nil
			}
		}
	}
	type plain actionWire
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*w = actionWire(p)
	return nil
}

func (w actionWire) convert() (Action, error) {
	if w.condition != nil {
		cond, err := w.condition.convert()
		if err != nil {
			return Action{}, err
		}
		return Action{Condition: &cond}, nil
	}

	a := Action{
		Enabled:           w.Enabled,
		Service:           w.Service,
		Data:              w.Data,
		Target:            w.Target,
		ResponseVariable:  w.ResponseVariable,
		Delay:             string(w.Delay),
		Variables:         w.Variables,
		Stop:              w.Stop,
		StopError:         w.Error,
		Event:             w.Event,
		EventData:         w.EventData,
		Scene:             w.Scene,
		WaitTemplate:      w.WaitTemplate,
		Timeout:           time.Duration(w.Timeout),
		ContinueOnTimeout: w.ContinueOnTimeout,
	}

	var err error
	if a.Default, err = convertActions(w.Default); err != nil {
		return Action{}, err
	}
	if a.If, err = convertConditions(w.If); err != nil {
		return Action{}, err
	}
	if a.Then, err = convertActions(w.Then); err != nil {
		return Action{}, err
	}
	if a.Else, err = convertActions(w.Else); err != nil {
		return Action{}, err
	}
	if a.Sequence, err = convertActions(w.Sequence); err != nil {
		return Action{}, err
	}

	for _, cw := range w.Choose {
		conds, err := convertConditions(cw.Conditions)
		if err != nil {
			return Action{}, err
		}
		seq, err := convertActions(cw.Sequence)
		if err != nil {
			return Action{}, err
		}
		a.Choose = append(a.Choose, ChooseOption{Conditions: conds, Sequence: seq})
	}

	if w.Repeat != nil {
		rep, err := w.Repeat.convert()
		if err != nil {
			return Action{}, err
		}
		a.Repeat = rep
	}

	for _, branch := range w.Parallel {
		seq, err := convertActions(branch.actions)
		if err != nil {
			return Action{}, err
		}
		a.Parallel = append(a.Parallel, seq)
	}

	for _, tw := range w.WaitForTrigger {
		trig, err := tw.convert()
		if err != nil {
			return Action{}, err
		}
		a.WaitForTrigger = append(a.WaitForTrigger, trig)
	}

	return a, nil
}

func convertActions(wires []actionWire) ([]Action, error) {
	if len(wires) == 0 {
		return nil, nil
	}
	out := make([]Action, 0, len(wires))
	for _, w := range wires {
		a, err := w.convert()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// delayWire accepts a delay as a duration string, a template, or an
// hours/minutes/seconds mapping. The mapping form is folded to seconds.
type delayWire string

func (d *delayWire) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*d = delayWire(node.Value)
		return nil
	}
	var dur durationWire
	if err := dur.UnmarshalYAML(node); err != nil {
		return err
	}
	*d = delayWire(strconv.FormatFloat(time.Duration(dur).Seconds(), 'f', -1, 64))
	return nil
}

type chooseWire struct {
	Conditions []conditionWire `yaml:"conditions"`
	Sequence   []actionWire    `yaml:"sequence"`
}

// parallelBranch is one branch of a parallel action: either a mapping
// with a sequence key, or a single action.
type parallelBranch struct {
	actions []actionWire
}

func (b *parallelBranch) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == "sequence" {
				var seq []actionWire
				if err := node.Content[i+1].Decode(&seq); err != nil {
					return err
				}
				b.actions = seq
				return nil
			}
		}
	}
	var single actionWire
	if err := node.Decode(&single); err != nil {
		return err
	}
	b.actions = []actionWire{single}
	return nil
}

// forEachWire accepts a list of items or a template string.
type forEachWire struct {
	items    []any
	template string
}

func (f *forEachWire) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		f.template = node.Value
		return nil
	case yaml.SequenceNode:
		return node.Decode(&f.items)
	}
	return fmt.Errorf("%w: expected list or template at line %d", ErrInvalidConfig, node.Line)
}

type repeatWire struct {
	Count    int             `yaml:"count"`
	ForEach  *forEachWire    `yaml:"for_each"`
	While    []conditionWire `yaml:"while"`
	Until    []conditionWire `yaml:"until"`
	Sequence []actionWire    `yaml:"sequence"`
}

func (w repeatWire) convert() (*Repeat, error) {
	rep := &Repeat{Count: w.Count}
	if w.ForEach != nil {
		rep.ForEach = w.ForEach.items
		rep.ForEachTemplate = w.ForEach.template
	}

	var err error
	if rep.While, err = convertConditions(w.While); err != nil {
		return nil, err
	}
	if rep.Until, err = convertConditions(w.Until); err != nil {
		return nil, err
	}
	if rep.Sequence, err = convertActions(w.Sequence); err != nil {
		return nil, err
	}
	return rep, nil
}
