package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Storage key and schema version for the floor registry.
const (
	floorStorageKey   = "core.floor_registry"
	floorVersion      = 1
	floorMinorVersion = 2
)

// FloorEntry is one row of the floor registry.
type FloorEntry struct {
	ID      string   `json:"floor_id"`
	Name    string   `json:"name"`
	Level   int      `json:"level"`
	Icon    string   `json:"icon,omitempty"`
	Aliases []string `json:"aliases,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// FloorChanges describes an update to a floor row.
type FloorChanges struct {
	Name    *string
	Level   *int
	Icon    *string
	Aliases *[]string
}

// FloorRegistry is the persistent catalog of floors.
type FloorRegistry struct {
	mu     sync.RWMutex
	rows   map[string]*FloorEntry
	order  []string
	byName map[string]string

	store  Store
	events Events
	logger Logger
}

// NewFloorRegistry creates a floor registry and loads persisted rows.
func NewFloorRegistry(store Store, events Events, logger Logger) (*FloorRegistry, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if events == nil {
		events = noopEvents{}
	}
	r := &FloorRegistry{
		rows:   make(map[string]*FloorEntry),
		byName: make(map[string]string),
		store:  store,
		events: events,
		logger: logger,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the row with the given id, or nil.
func (r *FloorRegistry) Get(id string) *FloorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rows[id]
}

// List returns all rows in insertion order.
func (r *FloorRegistry) List() []*FloorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*FloorEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rows[id])
	}
	return out
}

// Create adds a new floor. Names must be unique.
func (r *FloorRegistry) Create(name string, level int) (*FloorEntry, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty floor name", ErrInvalidName)
	}
	now := time.Now().UTC()

	r.mu.Lock()
	if _, exists := r.byName[Slugify(name)]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: floor %q", ErrAlreadyExists, name)
	}
	row := &FloorEntry{
		ID:         NewRowID(),
		Name:       name,
		Level:      level,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	r.rows[row.ID] = row
	r.order = append(r.order, row.ID)
	r.byName[Slugify(name)] = row.ID
	r.mu.Unlock()

	r.scheduleSave()
	return row, nil
}

// Update applies changes to a floor row.
func (r *FloorRegistry) Update(id string, changes FloorChanges) (*FloorEntry, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	row, ok := r.rows[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFloorNotFound, id)
	}
	next := *row
	if changes.Name != nil && Slugify(*changes.Name) != Slugify(row.Name) {
		if _, exists := r.byName[Slugify(*changes.Name)]; exists {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: floor %q", ErrAlreadyExists, *changes.Name)
		}
		delete(r.byName, Slugify(row.Name))
		next.Name = *changes.Name
		r.byName[Slugify(next.Name)] = id
	}
	if changes.Level != nil {
		next.Level = *changes.Level
	}
	if changes.Icon != nil {
		next.Icon = *changes.Icon
	}
	if changes.Aliases != nil {
		next.Aliases = append([]string(nil), (*changes.Aliases)...)
	}
	next.ModifiedAt = now
	r.rows[id] = &next
	r.mu.Unlock()

	r.scheduleSave()
	return &next, nil
}

// Delete removes a floor. Areas on it are the caller's cascade
// (see Registries.DeleteFloor).
func (r *FloorRegistry) Delete(id string) error {
	r.mu.Lock()
	row, ok := r.rows[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFloorNotFound, id)
	}
	delete(r.byName, Slugify(row.Name))
	delete(r.rows, id)
	r.order = removeString(r.order, id)
	r.mu.Unlock()

	r.scheduleSave()
	return nil
}

// floorData is the persisted shape of the registry.
type floorData struct {
	Floors []*FloorEntry `json:"floors"`
}

func (r *FloorRegistry) load() error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.Load(floorStorageKey)
	if err != nil {
		return fmt.Errorf("loading floor registry: %w", err)
	}
	if stored == nil {
		return nil
	}
	if stored.Version != floorVersion {
		return fmt.Errorf("loading floor registry: unsupported version %d.%d", stored.Version, stored.MinorVersion)
	}
	var data floorData
	if err := json.Unmarshal(stored.Data, &data); err != nil {
		return fmt.Errorf("decoding floor registry: %w", err)
	}
	for _, row := range data.Floors {
		r.rows[row.ID] = row
		r.order = append(r.order, row.ID)
		r.byName[Slugify(row.Name)] = row.ID
	}
	r.logger.Info("floor registry loaded", "floors", len(data.Floors))
	return nil
}

func (r *FloorRegistry) snapshotData() floorData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data := floorData{Floors: make([]*FloorEntry, 0, len(r.order))}
	for _, id := range r.order {
		data.Floors = append(data.Floors, r.rows[id])
	}
	return data
}

// Save writes the registry to storage immediately.
func (r *FloorRegistry) Save() error {
	if r.store == nil {
		return nil
	}
	return r.store.Write(floorStorageKey, floorVersion, floorMinorVersion, r.snapshotData())
}

func (r *FloorRegistry) scheduleSave() {
	if r.store == nil {
		return
	}
	r.store.Delay(floorStorageKey, saveDelay, func() (int, int, any) {
		return floorVersion, floorMinorVersion, r.snapshotData()
	})
}
