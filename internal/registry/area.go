package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

// Storage key and schema version for the area registry.
const (
	areaStorageKey   = "core.area_registry"
	areaVersion      = 1
	areaMinorVersion = 8
)

// AreaEntry is one row of the area registry.
type AreaEntry struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	FloorID string   `json:"floor_id,omitempty"`
	Icon    string   `json:"icon,omitempty"`
	Picture string   `json:"picture,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
	Labels  []string `json:"labels,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// clone returns a mutable copy of the row.
func (a *AreaEntry) clone() *AreaEntry {
	cpy := *a
	if a.Aliases != nil {
		cpy.Aliases = append([]string(nil), a.Aliases...)
	}
	if a.Labels != nil {
		cpy.Labels = append([]string(nil), a.Labels...)
	}
	return &cpy
}

// AreaChanges describes an update to an area row.
type AreaChanges struct {
	Name    *string
	FloorID *string
	Icon    *string
	Picture *string
	Aliases *[]string
	Labels  *[]string
}

// AreaRegistry is the persistent catalog of areas.
type AreaRegistry struct {
	mu    sync.RWMutex
	rows  map[string]*AreaEntry
	order []string

	byName  map[string]string // normalized name → id
	byFloor map[string]map[string]struct{}
	byLabel map[string]map[string]struct{}

	store  Store
	events Events
	logger Logger
}

// NewAreaRegistry creates an area registry and loads persisted rows.
func NewAreaRegistry(store Store, events Events, logger Logger) (*AreaRegistry, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if events == nil {
		events = noopEvents{}
	}
	r := &AreaRegistry{
		rows:    make(map[string]*AreaEntry),
		byName:  make(map[string]string),
		byFloor: make(map[string]map[string]struct{}),
		byLabel: make(map[string]map[string]struct{}),
		store:   store,
		events:  events,
		logger:  logger,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the row with the given id, or nil.
func (r *AreaRegistry) Get(id string) *AreaEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rows[id]
}

// GetByName returns the row with the given name (case/format
// insensitive), or nil.
func (r *AreaRegistry) GetByName(name string) *AreaEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byName[Slugify(name)]; ok {
		return r.rows[id]
	}
	return nil
}

// List returns all rows in insertion order.
func (r *AreaRegistry) List() []*AreaEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AreaEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rows[id])
	}
	return out
}

// ListByFloor returns rows on floorID in insertion order.
func (r *AreaRegistry) ListByFloor(floorID string) []*AreaEntry {
	return r.listIndexed(r.byFloor, floorID)
}

// ListByLabel returns rows carrying labelID in insertion order.
func (r *AreaRegistry) ListByLabel(labelID string) []*AreaEntry {
	return r.listIndexed(r.byLabel, labelID)
}

func (r *AreaRegistry) listIndexed(idx map[string]map[string]struct{}, key string) []*AreaEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := idx[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]*AreaEntry, 0, len(set))
	for _, id := range r.order {
		if _, ok := set[id]; ok {
			out = append(out, r.rows[id])
		}
	}
	return out
}

// Create adds a new area. Names must be unique (after slugifying).
func (r *AreaRegistry) Create(name string, changes AreaChanges) (*AreaEntry, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty area name", ErrInvalidName)
	}
	now := time.Now().UTC()

	r.mu.Lock()
	if _, exists := r.byName[Slugify(name)]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: area %q", ErrAlreadyExists, name)
	}
	row := &AreaEntry{
		ID:         NewRowID(),
		Name:       name,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	applyAreaChanges(row, changes)
	r.insert(row)
	r.mu.Unlock()

	r.fireUpdated("create", row.ID)
	r.scheduleSave()
	return row, nil
}

// Update applies changes to an area row.
func (r *AreaRegistry) Update(id string, changes AreaChanges) (*AreaEntry, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	row, ok := r.rows[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAreaNotFound, id)
	}
	if changes.Name != nil && Slugify(*changes.Name) != Slugify(row.Name) {
		if _, exists := r.byName[Slugify(*changes.Name)]; exists {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: area %q", ErrAlreadyExists, *changes.Name)
		}
	}
	next := row.clone()
	applyAreaChanges(next, changes)
	next.ModifiedAt = now
	r.reindex(row, next)
	r.mu.Unlock()

	r.fireUpdated("update", id)
	r.scheduleSave()
	return next, nil
}

// Delete removes an area. Cascades to entities and devices are the
// caller's responsibility (see Registries.DeleteArea).
func (r *AreaRegistry) Delete(id string) error {
	r.mu.Lock()
	row, ok := r.rows[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAreaNotFound, id)
	}
	r.unindex(row)
	delete(r.rows, id)
	r.order = removeString(r.order, id)
	r.mu.Unlock()

	r.fireUpdated("remove", id)
	r.scheduleSave()
	return nil
}

// ClearFloorID nulls floor_id on every area on floorID, returning the
// ids that changed.
func (r *AreaRegistry) ClearFloorID(floorID string) []string {
	return r.clearField(r.byFloor, floorID, func(next *AreaEntry) {
		next.FloorID = ""
	})
}

// ClearLabelID removes labelID from every area's labels set,
// returning the ids that changed.
func (r *AreaRegistry) ClearLabelID(labelID string) []string {
	return r.clearField(r.byLabel, labelID, func(next *AreaEntry) {
		next.Labels = removeString(next.Labels, labelID)
	})
}

func (r *AreaRegistry) clearField(idx map[string]map[string]struct{}, key string, mutate func(*AreaEntry)) []string {
	now := time.Now().UTC()

	r.mu.Lock()
	set := idx[key]
	ids := make([]string, 0, len(set))
	for _, id := range r.order {
		if _, ok := set[id]; ok {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		row := r.rows[id]
		next := row.clone()
		mutate(next)
		next.ModifiedAt = now
		r.reindex(row, next)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.fireUpdated("update", id)
	}
	if len(ids) > 0 {
		r.scheduleSave()
	}
	return ids
}

func applyAreaChanges(row *AreaEntry, changes AreaChanges) {
	if changes.Name != nil {
		row.Name = *changes.Name
	}
	if changes.FloorID != nil {
		row.FloorID = *changes.FloorID
	}
	if changes.Icon != nil {
		row.Icon = *changes.Icon
	}
	if changes.Picture != nil {
		row.Picture = *changes.Picture
	}
	if changes.Aliases != nil {
		row.Aliases = append([]string(nil), (*changes.Aliases)...)
	}
	if changes.Labels != nil {
		row.Labels = append([]string(nil), (*changes.Labels)...)
	}
}

// insert adds a row to the indexes. Caller must hold the write lock.
func (r *AreaRegistry) insert(row *AreaEntry) {
	r.rows[row.ID] = row
	r.order = append(r.order, row.ID)
	r.index(row)
}

func (r *AreaRegistry) index(row *AreaEntry) {
	r.byName[Slugify(row.Name)] = row.ID
	indexAdd(r.byFloor, row.FloorID, row.ID)
	for _, label := range row.Labels {
		indexAdd(r.byLabel, label, row.ID)
	}
}

func (r *AreaRegistry) unindex(row *AreaEntry) {
	delete(r.byName, Slugify(row.Name))
	indexRemove(r.byFloor, row.FloorID, row.ID)
	for _, label := range row.Labels {
		indexRemove(r.byLabel, label, row.ID)
	}
}

func (r *AreaRegistry) reindex(old, next *AreaEntry) {
	r.unindex(old)
	r.rows[next.ID] = next
	r.index(next)
}

func (r *AreaRegistry) fireUpdated(action, areaID string) {
	r.events.Fire(core.EventAreaRegistryUpdated, map[string]any{
		"action":  action,
		"area_id": areaID,
	}, core.Context{}, core.OriginLocal)
}

// areaData is the persisted shape of the registry.
type areaData struct {
	Areas []*AreaEntry `json:"areas"`
}

func (r *AreaRegistry) load() error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.Load(areaStorageKey)
	if err != nil {
		return fmt.Errorf("loading area registry: %w", err)
	}
	if stored == nil {
		return nil
	}
	if stored.Version != areaVersion {
		return fmt.Errorf("loading area registry: unsupported version %d.%d", stored.Version, stored.MinorVersion)
	}
	var data areaData
	if err := json.Unmarshal(stored.Data, &data); err != nil {
		return fmt.Errorf("decoding area registry: %w", err)
	}
	for _, row := range data.Areas {
		r.insert(row)
	}
	r.logger.Info("area registry loaded", "areas", len(data.Areas))
	return nil
}

func (r *AreaRegistry) snapshotData() areaData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data := areaData{Areas: make([]*AreaEntry, 0, len(r.order))}
	for _, id := range r.order {
		data.Areas = append(data.Areas, r.rows[id])
	}
	return data
}

// Save writes the registry to storage immediately.
func (r *AreaRegistry) Save() error {
	if r.store == nil {
		return nil
	}
	return r.store.Write(areaStorageKey, areaVersion, areaMinorVersion, r.snapshotData())
}

func (r *AreaRegistry) scheduleSave() {
	if r.store == nil {
		return
	}
	r.store.Delay(areaStorageKey, saveDelay, func() (int, int, any) {
		return areaVersion, areaMinorVersion, r.snapshotData()
	})
}
