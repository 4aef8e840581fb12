package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Storage key and schema version for the label registry.
const (
	labelStorageKey   = "core.label_registry"
	labelVersion      = 1
	labelMinorVersion = 2
)

// LabelEntry is one row of the label registry.
type LabelEntry struct {
	ID          string `json:"label_id"`
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Description string `json:"description,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// LabelChanges describes an update to a label row.
type LabelChanges struct {
	Name        *string
	Color       *string
	Icon        *string
	Description *string
}

// LabelRegistry is the persistent catalog of labels.
type LabelRegistry struct {
	mu     sync.RWMutex
	rows   map[string]*LabelEntry
	order  []string
	byName map[string]string

	store  Store
	events Events
	logger Logger
}

// NewLabelRegistry creates a label registry and loads persisted rows.
func NewLabelRegistry(store Store, events Events, logger Logger) (*LabelRegistry, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if events == nil {
		events = noopEvents{}
	}
	r := &LabelRegistry{
		rows:   make(map[string]*LabelEntry),
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
func (r *LabelRegistry) Get(id string) *LabelEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rows[id]
}

// List returns all rows in insertion order.
func (r *LabelRegistry) List() []*LabelEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*LabelEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rows[id])
	}
	return out
}

// Create adds a new label. Names must be unique.
func (r *LabelRegistry) Create(name string, changes LabelChanges) (*LabelEntry, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty label name", ErrInvalidName)
	}
	now := time.Now().UTC()

	r.mu.Lock()
	if _, exists := r.byName[Slugify(name)]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: label %q", ErrAlreadyExists, name)
	}
	row := &LabelEntry{
		ID:         NewRowID(),
		Name:       name,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if changes.Color != nil {
		row.Color = *changes.Color
	}
	if changes.Icon != nil {
		row.Icon = *changes.Icon
	}
	if changes.Description != nil {
		row.Description = *changes.Description
	}
	r.rows[row.ID] = row
	r.order = append(r.order, row.ID)
	r.byName[Slugify(name)] = row.ID
	r.mu.Unlock()

	r.scheduleSave()
	return row, nil
}

// Update applies changes to a label row.
func (r *LabelRegistry) Update(id string, changes LabelChanges) (*LabelEntry, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	row, ok := r.rows[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrLabelNotFound, id)
	}
	next := *row
	if changes.Name != nil && Slugify(*changes.Name) != Slugify(row.Name) {
		if _, exists := r.byName[Slugify(*changes.Name)]; exists {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: label %q", ErrAlreadyExists, *changes.Name)
		}
		delete(r.byName, Slugify(row.Name))
		next.Name = *changes.Name
		r.byName[Slugify(next.Name)] = id
	}
	if changes.Color != nil {
		next.Color = *changes.Color
	}
	if changes.Icon != nil {
		next.Icon = *changes.Icon
	}
	if changes.Description != nil {
		next.Description = *changes.Description
	}
	next.ModifiedAt = now
	r.rows[id] = &next
	r.mu.Unlock()

	r.scheduleSave()
	return &next, nil
}

// Delete removes a label. Stripping it from entities, devices, and
// areas is the caller's cascade (see Registries.DeleteLabel).
func (r *LabelRegistry) Delete(id string) error {
	r.mu.Lock()
	row, ok := r.rows[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLabelNotFound, id)
	}
	delete(r.byName, Slugify(row.Name))
	delete(r.rows, id)
	r.order = removeString(r.order, id)
	r.mu.Unlock()

	r.scheduleSave()
	return nil
}

// labelData is the persisted shape of the registry.
type labelData struct {
	Labels []*LabelEntry `json:"labels"`
}

func (r *LabelRegistry) load() error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.Load(labelStorageKey)
	if err != nil {
		return fmt.Errorf("loading label registry: %w", err)
	}
	if stored == nil {
		return nil
	}
	if stored.Version != labelVersion {
		return fmt.Errorf("loading label registry: unsupported version %d.%d", stored.Version, stored.MinorVersion)
	}
	var data labelData
	if err := json.Unmarshal(stored.Data, &data); err != nil {
		return fmt.Errorf("decoding label registry: %w", err)
	}
	for _, row := range data.Labels {
		r.rows[row.ID] = row
		r.order = append(r.order, row.ID)
		r.byName[Slugify(row.Name)] = row.ID
	}
	r.logger.Info("label registry loaded", "labels", len(data.Labels))
	return nil
}

func (r *LabelRegistry) snapshotData() labelData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data := labelData{Labels: make([]*LabelEntry, 0, len(r.order))}
	for _, id := range r.order {
		data.Labels = append(data.Labels, r.rows[id])
	}
	return data
}

// Save writes the registry to storage immediately.
func (r *LabelRegistry) Save() error {
	if r.store == nil {
		return nil
	}
	return r.store.Write(labelStorageKey, labelVersion, labelMinorVersion, r.snapshotData())
}

func (r *LabelRegistry) scheduleSave() {
	if r.store == nil {
		return
	}
	r.store.Delay(labelStorageKey, saveDelay, func() (int, int, any) {
		return labelVersion, labelMinorVersion, r.snapshotData()
	})
}
