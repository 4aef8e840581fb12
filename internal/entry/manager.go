package entry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nerrad567/hearth-core/internal/core"
	"github.com/nerrad567/hearth-core/internal/infrastructure/storage"
)

// Logger defines the logging interface used by the manager.
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

// Events is the slice of the event bus the manager needs.
type Events interface {
	Fire(eventType string, data map[string]any, ctx core.Context, origin core.Origin)
}

type noopEvents struct{}

func (noopEvents) Fire(string, map[string]any, core.Context, core.Origin) {}

// Store is the slice of the storage component the manager needs. A
// nil Store keeps entries purely in memory.
type Store interface {
	Load(key string) (*storage.Stored, error)
	Write(key string, version, minorVersion int, data any) error
	Delay(key string, window time.Duration, provider storage.SaveProvider)
}

// Detacher severs a removed config entry from the rest of the system,
// typically the registry cascade. A nil Detacher skips the cascade.
type Detacher interface {
	DetachConfigEntry(entryID string)
}

// SetupFunc brings an integration instance online. The returned error
// classifies the outcome: nil means loaded, a NotReadyError schedules
// a retry, an AuthFailedError requests reauthentication, an error
// wrapping ErrMigrationFailed parks the entry terminally, and any
// other error records a plain setup failure.
type SetupFunc func(ctx context.Context, e *ConfigEntry) error

// UnloadFunc tears an integration instance down. A non-nil error
// leaves the entry in failed_unload.
type UnloadFunc func(ctx context.Context, e *ConfigEntry) error

// Handlers is the per-domain pair of lifecycle callbacks.
type Handlers struct {
	Setup  SetupFunc
	Unload UnloadFunc
}

const (
	storageKey   = "core.config_entries"
	version      = 1
	minorVersion = 5

	saveDelay = 10 * time.Second

	// Retry backoff doubles from retryBase per attempt, capped at
	// retryMax.
	retryBase = 5 * time.Second
	retryMax  = 5 * time.Minute
)

// AddOptions carries the optional fields of Manager.Add.
type AddOptions struct {
	UniqueID     string
	Source       string
	Options      map[string]any
	Version      int
	MinorVersion int
}

// Manager owns the config entry table and drives each entry through
// its lifecycle.
//
// All public methods are thread-safe. Setup, Unload, and Reload for
// the same entry serialize behind a per-entry lock; distinct entries
// proceed concurrently.
type Manager struct {
	mu    sync.RWMutex
	rows  map[string]*ConfigEntry
	order []string

	byDomainUnique map[string]string // domain + "\x00" + unique_id → entry id

	locks   map[string]*sync.Mutex
	retries map[string]*time.Timer
	closed  bool

	handlersMu sync.RWMutex
	handlers   map[string]Handlers

	detacher Detacher
	store    Store
	events   Events
	logger   Logger
}

// NewManager creates a config entry manager and loads persisted
// entries. store, events, detacher, and logger may each be nil.
func NewManager(store Store, events Events, detacher Detacher, logger Logger) (*Manager, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if events == nil {
		events = noopEvents{}
	}
	m := &Manager{
		rows:           make(map[string]*ConfigEntry),
		byDomainUnique: make(map[string]string),
		locks:          make(map[string]*sync.Mutex),
		retries:        make(map[string]*time.Timer),
		handlers:       make(map[string]Handlers),
		detacher:       detacher,
		store:          store,
		events:         events,
		logger:         logger,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterDomain installs the lifecycle handlers for a domain,
// replacing any previous registration.
func (m *Manager) RegisterDomain(domain string, h Handlers) {
	m.handlersMu.Lock()
	m.handlers[domain] = h
	m.handlersMu.Unlock()
}

// handlersFor returns the handlers for a domain.
func (m *Manager) handlersFor(domain string) (Handlers, bool) {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	h, ok := m.handlers[domain]
	return h, ok
}

// Get returns the entry with the given id, or nil.
func (m *Manager) Get(entryID string) *ConfigEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rows[entryID]
}

// List returns all entries in insertion order.
func (m *Manager) List() []*ConfigEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ConfigEntry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.rows[id])
	}
	return out
}

// ListByDomain returns the entries of one domain in insertion order.
func (m *Manager) ListByDomain(domain string) []*ConfigEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ConfigEntry
	for _, id := range m.order {
		if row := m.rows[id]; row.Domain == domain {
			out = append(out, row)
		}
	}
	return out
}

// EntryDomain returns the domain of an entry. It satisfies the
// registry's config-entry lookup.
func (m *Manager) EntryDomain(entryID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[entryID]
	if !ok {
		return "", false
	}
	return row.Domain, true
}

// EntryDisabled reports whether an entry is disabled. Unknown entries
// count as disabled.
func (m *Manager) EntryDisabled(entryID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[entryID]
	if !ok {
		return true
	}
	return row.Disabled()
}

// Add creates a new entry in not_loaded. A unique id colliding with
// an existing entry of the same domain fails with ErrAlreadyExists.
func (m *Manager) Add(domain, title string, data map[string]any, opts AddOptions) (*ConfigEntry, error) {
	now := time.Now().UTC()
	source := opts.Source
	if source == "" {
		source = SourceUser
	}
	ver := opts.Version
	if ver == 0 {
		ver = 1
	}

	m.mu.Lock()
	if opts.UniqueID != "" {
		key := domain + "\x00" + opts.UniqueID
		if existing, ok := m.byDomainUnique[key]; ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: domain %s unique_id %s (entry %s)",
				ErrAlreadyExists, domain, opts.UniqueID, existing)
		}
	}
	row := &ConfigEntry{
		EntryID:      newEntryID(),
		Domain:       domain,
		Title:        title,
		Data:         data,
		Options:      opts.Options,
		UniqueID:     opts.UniqueID,
		Source:       source,
		State:        StateNotLoaded,
		Version:      ver,
		MinorVersion: opts.MinorVersion,
		CreatedAt:    now,
		ModifiedAt:   now,
	}
	m.rows[row.EntryID] = row
	m.order = append(m.order, row.EntryID)
	if row.UniqueID != "" {
		m.byDomainUnique[row.Domain+"\x00"+row.UniqueID] = row.EntryID
	}
	m.mu.Unlock()

	m.fireChanged("create", row.EntryID)
	m.scheduleSave()
	m.logger.Info("config entry added", "entry_id", row.EntryID, "domain", domain, "title", title)
	return row, nil
}

// Setup brings an entry online. It serializes with other lifecycle
// calls for the same entry, transitions through setup_in_progress,
// and classifies the handler's result.
func (m *Manager) Setup(ctx context.Context, entryID string) error {
	lock, err := m.lockFor(entryID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	return m.setupLocked(ctx, entryID)
}

// setupLocked runs setup with the per-entry lock already held.
func (m *Manager) setupLocked(ctx context.Context, entryID string) error {
	row, err := m.transition(entryID, StateSetupInProgress, "")
	if err != nil {
		return err
	}
	m.cancelRetry(entryID)

	h, ok := m.handlersFor(row.Domain)
	if !ok || h.Setup == nil {
		m.mustTransition(entryID, StateSetupError, "no setup handler")
		return fmt.Errorf("%w: %s", ErrNoHandler, row.Domain)
	}

	err = h.Setup(ctx, row)
	var (
		notReady *NotReadyError
		authErr  *AuthFailedError
	)
	switch {
	case err == nil:
		m.setTries(entryID, 0)
		m.mustTransition(entryID, StateLoaded, "")
		m.logger.Info("config entry loaded", "entry_id", entryID, "domain", row.Domain)
		return nil

	case errors.As(err, &notReady):
		tries := m.bumpTries(entryID)
		m.mustTransition(entryID, StateSetupRetry, notReady.Reason)
		m.scheduleRetry(entryID, tries)
		m.logger.Warn("config entry not ready, retry scheduled",
			"entry_id", entryID, "domain", row.Domain, "tries", tries, "reason", notReady.Reason)
		return err

	case errors.As(err, &authErr):
		m.mustTransition(entryID, StateSetupError, authErr.Reason)
		m.events.Fire(core.EventConfigEntryReauth, map[string]any{
			"entry_id": entryID,
			"domain":   row.Domain,
		}, core.Context{}, core.OriginLocal)
		m.logger.Error("config entry authentication failed",
			"entry_id", entryID, "domain", row.Domain, "reason", authErr.Reason)
		return err

	case errors.Is(err, ErrMigrationFailed):
		m.mustTransition(entryID, StateMigrationError, err.Error())
		m.logger.Error("config entry migration failed", "entry_id", entryID, "domain", row.Domain)
		return err

	default:
		m.mustTransition(entryID, StateSetupError, err.Error())
		m.logger.Error("config entry setup failed",
			"entry_id", entryID, "domain", row.Domain, "error", err)
		return err
	}
}

// Unload takes a loaded (or errored) entry back to not_loaded.
func (m *Manager) Unload(ctx context.Context, entryID string) error {
	lock, err := m.lockFor(entryID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	return m.unloadLocked(ctx, entryID)
}

// unloadLocked runs unload with the per-entry lock already held.
func (m *Manager) unloadLocked(ctx context.Context, entryID string) error {
	row, err := m.transition(entryID, StateUnloadInProgress, "")
	if err != nil {
		return err
	}
	m.cancelRetry(entryID)

	h, _ := m.handlersFor(row.Domain)
	if h.Unload != nil {
		if err := h.Unload(ctx, row); err != nil {
			m.mustTransition(entryID, StateFailedUnload, err.Error())
			m.logger.Error("config entry unload failed",
				"entry_id", entryID, "domain", row.Domain, "error", err)
			return fmt.Errorf("unloading entry %s: %w", entryID, err)
		}
	}
	m.setTries(entryID, 0)
	m.mustTransition(entryID, StateNotLoaded, "")
	m.logger.Info("config entry unloaded", "entry_id", entryID, "domain", row.Domain)
	return nil
}

// Reload unloads then sets up an entry under a single hold of its
// lock. An entry that was never loaded is just set up.
func (m *Manager) Reload(ctx context.Context, entryID string) error {
	lock, err := m.lockFor(entryID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	row := m.Get(entryID)
	if row == nil {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	if row.State != StateNotLoaded && row.State != StateSetupRetry && row.State != StateSetupError {
		if err := m.unloadLocked(ctx, entryID); err != nil {
			return err
		}
	}
	return m.setupLocked(ctx, entryID)
}

// Remove unloads the entry if needed, deletes it, and detaches it
// from the registries. Removal is the only exit from
// migration_error.
func (m *Manager) Remove(ctx context.Context, entryID string) error {
	lock, err := m.lockFor(entryID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	row := m.Get(entryID)
	if row == nil {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	if row.State == StateLoaded || row.State == StateFailedUnload {
		if err := m.unloadLocked(ctx, entryID); err != nil {
			return err
		}
	}
	m.cancelRetry(entryID)

	m.mu.Lock()
	row = m.rows[entryID]
	delete(m.rows, entryID)
	for i, id := range m.order {
		if id == entryID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if row.UniqueID != "" {
		delete(m.byDomainUnique, row.Domain+"\x00"+row.UniqueID)
	}
	delete(m.locks, entryID)
	m.mu.Unlock()

	if m.detacher != nil {
		m.detacher.DetachConfigEntry(entryID)
	}
	m.fireChanged("remove", entryID)
	m.scheduleSave()
	m.logger.Info("config entry removed", "entry_id", entryID, "domain", row.Domain)
	return nil
}

// UpdateOptions replaces the entry's options map.
func (m *Manager) UpdateOptions(entryID string, options map[string]any) (*ConfigEntry, error) {
	return m.update(entryID, func(next *ConfigEntry) {
		next.Options = options
	})
}

// UpdateData replaces the entry's data map.
func (m *Manager) UpdateData(entryID string, data map[string]any) (*ConfigEntry, error) {
	return m.update(entryID, func(next *ConfigEntry) {
		next.Data = data
	})
}

// SetDisabledBy marks the entry disabled ("" re-enables it). The
// caller is responsible for unloading or setting up as appropriate.
func (m *Manager) SetDisabledBy(entryID, disabledBy string) (*ConfigEntry, error) {
	return m.update(entryID, func(next *ConfigEntry) {
		next.DisabledBy = disabledBy
	})
}

// SetTitle renames the entry.
func (m *Manager) SetTitle(entryID, title string) (*ConfigEntry, error) {
	return m.update(entryID, func(next *ConfigEntry) {
		next.Title = title
	})
}

// update clones, mutates, and republishes a row.
func (m *Manager) update(entryID string, mutate func(*ConfigEntry)) (*ConfigEntry, error) {
	m.mu.Lock()
	row, ok := m.rows[entryID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	next := row.clone()
	mutate(next)
	next.ModifiedAt = time.Now().UTC()
	m.rows[entryID] = next
	m.mu.Unlock()

	m.fireChanged("update", entryID)
	m.scheduleSave()
	return next, nil
}

// transition moves an entry to next, enforcing the lifecycle table.
// Returns the snapshot after the move.
func (m *Manager) transition(entryID string, next State, reason string) (*ConfigEntry, error) {
	m.mu.Lock()
	row, ok := m.rows[entryID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	if !canTransition(row.State, next) {
		from := row.State
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, next)
	}
	updated := row.clone()
	updated.State = next
	updated.Reason = reason
	m.rows[entryID] = updated
	m.mu.Unlock()

	m.fireChanged("update", entryID)
	return updated, nil
}

// mustTransition applies a transition the lifecycle table guarantees.
// A failure here is a bug in the table or the call sequence.
func (m *Manager) mustTransition(entryID string, next State, reason string) {
	if _, err := m.transition(entryID, next, reason); err != nil {
		m.logger.Error("lifecycle table violation", "entry_id", entryID, "next", next, "error", err)
	}
}

func (m *Manager) setTries(entryID string, tries int) {
	m.mu.Lock()
	if row, ok := m.rows[entryID]; ok && row.Tries != tries {
		next := row.clone()
		next.Tries = tries
		m.rows[entryID] = next
	}
	m.mu.Unlock()
}

func (m *Manager) bumpTries(entryID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[entryID]
	if !ok {
		return 0
	}
	next := row.clone()
	next.Tries++
	m.rows[entryID] = next
	return next.Tries
}

// retryDelay doubles from retryBase per attempt, capped at retryMax.
func retryDelay(tries int) time.Duration {
	d := retryBase
	for i := 1; i < tries; i++ {
		d *= 2
		if d >= retryMax {
			return retryMax
		}
	}
	return d
}

// scheduleRetry arms the backoff timer for a not-ready entry.
func (m *Manager) scheduleRetry(entryID string, tries int) {
	delay := retryDelay(tries)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if t, ok := m.retries[entryID]; ok {
		t.Stop()
	}
	m.retries[entryID] = time.AfterFunc(delay, func() {
		m.cancelRetry(entryID)
		if err := m.Setup(context.Background(), entryID); err != nil {
			m.logger.Debug("config entry retry did not load", "entry_id", entryID, "error", err)
		}
	})
	m.mu.Unlock()
}

func (m *Manager) cancelRetry(entryID string) {
	m.mu.Lock()
	if t, ok := m.retries[entryID]; ok {
		t.Stop()
		delete(m.retries, entryID)
	}
	m.mu.Unlock()
}

// lockFor returns the per-entry lifecycle lock, creating it on first
// use.
func (m *Manager) lockFor(entryID string) (*sync.Mutex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[entryID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	lock, ok := m.locks[entryID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[entryID] = lock
	}
	return lock, nil
}

// Close stops pending retry timers. Entries are left as they are;
// persistence flushing belongs to the storage component's Close.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.retries {
		t.Stop()
		delete(m.retries, id)
	}
	m.mu.Unlock()
}

func (m *Manager) fireChanged(action, entryID string) {
	m.events.Fire("config_entry_changed", map[string]any{
		"action":   action,
		"entry_id": entryID,
	}, core.Context{}, core.OriginLocal)
}

type entryData struct {
	Entries []*ConfigEntry `json:"entries"`
}

// load restores persisted entries. Runtime state always starts over
// as not_loaded.
func (m *Manager) load() error {
	if m.store == nil {
		return nil
	}
	stored, err := m.store.Load(storageKey)
	if err != nil {
		return fmt.Errorf("loading config entries: %w", err)
	}
	if stored == nil {
		return nil
	}
	if stored.Version != version {
		return fmt.Errorf("loading config entries: unsupported version %d.%d", stored.Version, stored.MinorVersion)
	}

	var data entryData
	if err := json.Unmarshal(stored.Data, &data); err != nil {
		return fmt.Errorf("decoding config entries: %w", err)
	}
	for _, row := range data.Entries {
		row.State = StateNotLoaded
		m.rows[row.EntryID] = row
		m.order = append(m.order, row.EntryID)
		if row.UniqueID != "" {
			m.byDomainUnique[row.Domain+"\x00"+row.UniqueID] = row.EntryID
		}
	}
	m.logger.Info("config entries loaded", "entries", len(data.Entries))
	return nil
}

func (m *Manager) snapshotData() entryData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data := entryData{Entries: make([]*ConfigEntry, 0, len(m.order))}
	for _, id := range m.order {
		data.Entries = append(data.Entries, m.rows[id])
	}
	return data
}

// Save writes the entry table to storage immediately.
func (m *Manager) Save() error {
	if m.store == nil {
		return nil
	}
	return m.store.Write(storageKey, version, minorVersion, m.snapshotData())
}

func (m *Manager) scheduleSave() {
	if m.store == nil {
		return
	}
	m.store.Delay(storageKey, saveDelay, func() (int, int, any) {
		return version, minorVersion, m.snapshotData()
	})
}

// newEntryID mints a 32 character hex id.
func newEntryID() string {
	id := uuid.NewString()
	out := make([]byte, 0, 32)
	for i := 0; i < len(id); i++ {
		if id[i] != '-' {
			out = append(out, id[i])
		}
	}
	return string(out)
}
