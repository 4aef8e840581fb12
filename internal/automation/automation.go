package automation

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/hearth-core/internal/core"
)

// defaultMaxQueued bounds the backlog of a queued-mode automation.
const defaultMaxQueued = 10

// automation is one attached bundle with its run bookkeeping.
type automation struct {
	cfg    Config
	script *Script

	detachers []func()

	mu      sync.Mutex
	running int
	queued  int
	cancel  context.CancelFunc // cancels the active run in restart mode
	queueMu sync.Mutex         // serializes runs in queued mode
}

// Automations owns every configured automation: it attaches triggers
// to the bus, gates runs through conditions, and executes scripts
// honoring each automation's mode.
type Automations struct {
	rt     *Runtime
	logger Logger

	mu    sync.Mutex
	items map[string]*automation
	order []string

	wg sync.WaitGroup
}

// NewAutomations creates the registry. rt is required.
func NewAutomations(rt *Runtime, logger Logger) *Automations {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Automations{
		rt:     rt,
		logger: logger,
		items:  make(map[string]*automation),
	}
}

// Add attaches cfg's triggers and registers the automation. The id
// must be unique.
func (a *Automations) Add(cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("%w: automation needs an id", ErrInvalidConfig)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSingle
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = defaultMaxQueued
	}

	a.mu.Lock()
	if _, exists := a.items[cfg.ID]; exists {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.ID)
	}
	auto := &automation{
		cfg:    cfg,
		script: NewScript(a.rt, cfg.ID, cfg.Actions),
	}
	a.items[cfg.ID] = auto
	a.order = append(a.order, cfg.ID)
	a.mu.Unlock()

	for i := range cfg.Triggers {
		detach, err := a.rt.attachTrigger(cfg.Triggers[i], func(td TriggerData) {
			a.handleTrigger(auto, td)
		})
		if err != nil {
			a.detachLocked(cfg.ID)
			return fmt.Errorf("automation %s: %w", cfg.ID, err)
		}
		auto.detachers = append(auto.detachers, detach)
	}

	a.logger.Info("automation attached",
		"automation_id", cfg.ID,
		"triggers", len(cfg.Triggers),
		"mode", string(cfg.Mode),
	)
	return nil
}

// Remove detaches and forgets an automation.
func (a *Automations) Remove(id string) error {
	return a.detachLocked(id)
}

func (a *Automations) detachLocked(id string) error {
	a.mu.Lock()
	auto, ok := a.items[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(a.items, id)
	for i, oid := range a.order {
		if oid == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.mu.Unlock()

	for _, d := range auto.detachers {
		d()
	}
	return nil
}

// List returns automation ids in attach order.
func (a *Automations) List() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Get returns the config for id.
func (a *Automations) Get(id string) (Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	auto, ok := a.items[id]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return auto.cfg, nil
}

// Trigger runs an automation manually, bypassing its conditions, and
// blocks until the run completes.
func (a *Automations) Trigger(ctx context.Context, id string) error {
	a.mu.Lock()
	auto, ok := a.items[id]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ec := NewExecutionContext(nil, core.Context{})
	a.fireTriggered(auto, ec.BusContext)
	_, err := auto.script.Run(ctx, ec)
	return err
}

// Close detaches every automation and waits for in-flight runs.
func (a *Automations) Close() {
	for _, id := range a.List() {
		_ = a.detachLocked(id)
	}
	a.wg.Wait()
}

// handleTrigger is the trigger-to-run path: condition gate, triggered
// event, then a mode-governed script run.
func (a *Automations) handleTrigger(auto *automation, td TriggerData) {
	ok, err := a.rt.EvalConditions(auto.cfg.Conditions, &td)
	if err != nil {
		a.logger.Error("automation condition error",
			"automation_id", auto.cfg.ID,
			"error", err,
		)
		return
	}
	if !ok {
		a.logger.Debug("automation conditions not met",
			"automation_id", auto.cfg.ID,
			"trigger", td.Platform,
		)
		return
	}

	switch auto.cfg.Mode {
	case ModeSingle:
		auto.mu.Lock()
		if auto.running > 0 {
			auto.mu.Unlock()
			a.logger.Warn("automation already running, skipping",
				"automation_id", auto.cfg.ID,
			)
			return
		}
		auto.running++
		auto.mu.Unlock()
		a.startRun(auto, td, nil)

	case ModeRestart:
		auto.mu.Lock()
		if auto.cancel != nil {
			auto.cancel()
		}
		runCtx, cancel := context.WithCancel(context.Background())
		auto.cancel = cancel
		auto.running++
		auto.mu.Unlock()
		a.startRun(auto, td, runCtx)

	case ModeQueued:
		auto.mu.Lock()
		if auto.queued >= auto.cfg.MaxQueued {
			auto.mu.Unlock()
			a.logger.Warn("automation queue full, dropping run",
				"automation_id", auto.cfg.ID,
			)
			return
		}
		auto.queued++
		auto.running++
		auto.mu.Unlock()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			auto.queueMu.Lock()
			defer auto.queueMu.Unlock()
			auto.mu.Lock()
			auto.queued--
			auto.mu.Unlock()
			a.run(context.Background(), auto, td)
		}()

	case ModeParallel:
		auto.mu.Lock()
		auto.running++
		auto.mu.Unlock()
		a.startRun(auto, td, nil)

	default:
		a.logger.Error("automation has unknown mode",
			"automation_id", auto.cfg.ID,
			"mode", string(auto.cfg.Mode),
		)
	}
}

// startRun launches one asynchronous run. runCtx may be nil for a
// background context.
func (a *Automations) startRun(auto *automation, td TriggerData, runCtx context.Context) {
	if runCtx == nil {
		runCtx = context.Background()
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(runCtx, auto, td)
	}()
}

// run executes the script once; the caller has already incremented
// running.
func (a *Automations) run(ctx context.Context, auto *automation, td TriggerData) {
	defer func() {
		auto.mu.Lock()
		auto.running--
		auto.mu.Unlock()
	}()

	ec := NewExecutionContext(&td, core.Context{})
	a.fireTriggered(auto, ec.BusContext)

	if _, err := auto.script.Run(ctx, ec); err != nil {
		a.logger.Error("automation run failed",
			"automation_id", auto.cfg.ID,
			"error", err,
		)
		return
	}
	a.logger.Debug("automation run complete", "automation_id", auto.cfg.ID)
}

// fireTriggered publishes the automation_triggered event.
func (a *Automations) fireTriggered(auto *automation, busCtx core.Context) {
	name := auto.cfg.Alias
	if name == "" {
		name = auto.cfg.ID
	}
	a.rt.bus.Fire(core.EventAutomationTriggered, map[string]any{
		"entity_id": "automation." + auto.cfg.ID,
		"name":      name,
	}, busCtx, core.OriginLocal)
}
