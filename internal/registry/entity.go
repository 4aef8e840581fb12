package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

// Storage key and schema version for the entity registry.
const (
	entityStorageKey   = "core.entity_registry"
	entityVersion      = 1
	entityMinorVersion = 19
)

// EntityEntry is one row of the entity registry.
//
// Rows are copy-on-write: every mutation publishes a new *EntityEntry
// and handed-out pointers are immutable snapshots.
type EntityEntry struct {
	ID       string        `json:"id"`
	EntityID core.EntityID `json:"entity_id"`
	UniqueID string        `json:"unique_id,omitempty"`
	Platform string        `json:"platform"`

	Name         string `json:"name,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	Icon         string `json:"icon,omitempty"`

	DeviceID         string `json:"device_id,omitempty"`
	AreaID           string `json:"area_id,omitempty"`
	ConfigEntryID    string `json:"config_entry_id,omitempty"`
	ConfigSubentryID string `json:"config_subentry_id,omitempty"`

	DisabledBy string   `json:"disabled_by,omitempty"`
	HiddenBy   string   `json:"hidden_by,omitempty"`
	Labels     []string `json:"labels,omitempty"`

	Capabilities      map[string]any `json:"capabilities,omitempty"`
	UnitOfMeasurement string         `json:"unit_of_measurement,omitempty"`
	SupportedFeatures int            `json:"supported_features,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Domain returns the entity id's domain.
func (e *EntityEntry) Domain() string { return e.EntityID.Domain() }

// clone returns a mutable copy of the row.
func (e *EntityEntry) clone() *EntityEntry {
	cpy := *e
	if e.Labels != nil {
		cpy.Labels = append([]string(nil), e.Labels...)
	}
	if e.Capabilities != nil {
		cpy.Capabilities = make(map[string]any, len(e.Capabilities))
		for k, v := range e.Capabilities {
			cpy.Capabilities[k] = v
		}
	}
	return &cpy
}

// deletedKey identifies a soft-deleted entity row.
type deletedKey struct {
	domain, platform, uniqueID string
}

// EntityOptions carries the optional fields of GetOrCreate.
type EntityOptions struct {
	SuggestedObjectID string
	Name              string
	OriginalName      string
	Icon              string
	DeviceID          string
	AreaID            string
	ConfigEntryID     string
	ConfigSubentryID  string
	DisabledBy        string
	HiddenBy          string
	Capabilities      map[string]any
	UnitOfMeasurement string
	SupportedFeatures int
}

// EntityChanges describes an update to an entity row. Nil pointers
// leave the field untouched.
type EntityChanges struct {
	NewEntityID *core.EntityID
	Name        *string
	Icon        *string
	AreaID      *string
	DeviceID    *string
	DisabledBy  *string
	HiddenBy    *string
	Labels      *[]string
}

// EntityRegistry is the persistent catalog of known entities.
//
// All public methods are thread-safe. Reads return immutable
// snapshots and never block writers beyond the short index-update
// critical section.
type EntityRegistry struct {
	mu    sync.RWMutex
	rows  map[string]*EntityEntry // by row id
	order []string                // insertion order of row ids

	byEntityID map[core.EntityID]string
	byUniqueID map[deletedKey]string // (domain, platform, unique_id) → row id
	byDevice   map[string]map[string]struct{}
	byEntry    map[string]map[string]struct{}
	byArea     map[string]map[string]struct{}
	byPlatform map[string]map[string]struct{}
	byLabel    map[string]map[string]struct{}

	deleted      map[deletedKey]*EntityEntry
	deletedOrder []deletedKey

	store  Store
	events Events
	logger Logger
}

// NewEntityRegistry creates an entity registry and loads persisted
// rows. store and events may be nil (in-memory, silent).
func NewEntityRegistry(store Store, events Events, logger Logger) (*EntityRegistry, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if events == nil {
		events = noopEvents{}
	}
	r := &EntityRegistry{
		rows:       make(map[string]*EntityEntry),
		byEntityID: make(map[core.EntityID]string),
		byUniqueID: make(map[deletedKey]string),
		byDevice:   make(map[string]map[string]struct{}),
		byEntry:    make(map[string]map[string]struct{}),
		byArea:     make(map[string]map[string]struct{}),
		byPlatform: make(map[string]map[string]struct{}),
		byLabel:    make(map[string]map[string]struct{}),
		deleted:    make(map[deletedKey]*EntityEntry),
		store:      store,
		events:     events,
		logger:     logger,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// GetByID returns the row with the given registry id, or nil.
func (r *EntityRegistry) GetByID(id string) *EntityEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rows[id]
}

// Get returns the row for an entity id, or nil.
func (r *EntityRegistry) Get(entityID core.EntityID) *EntityEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byEntityID[entityID]; ok {
		return r.rows[id]
	}
	return nil
}

// List returns all rows in insertion order.
func (r *EntityRegistry) List() []*EntityEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EntityEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rows[id])
	}
	return out
}

// ListByDevice returns rows bound to deviceID in insertion order.
func (r *EntityRegistry) ListByDevice(deviceID string) []*EntityEntry {
	return r.listIndexed(r.byDevice, deviceID)
}

// ListByConfigEntry returns rows bound to entryID in insertion order.
func (r *EntityRegistry) ListByConfigEntry(entryID string) []*EntityEntry {
	return r.listIndexed(r.byEntry, entryID)
}

// ListByArea returns rows in areaID in insertion order.
func (r *EntityRegistry) ListByArea(areaID string) []*EntityEntry {
	return r.listIndexed(r.byArea, areaID)
}

// ListByPlatform returns rows registered by platform in insertion
// order.
func (r *EntityRegistry) ListByPlatform(platform string) []*EntityEntry {
	return r.listIndexed(r.byPlatform, platform)
}

// ListByLabel returns rows carrying labelID in insertion order.
func (r *EntityRegistry) ListByLabel(labelID string) []*EntityEntry {
	return r.listIndexed(r.byLabel, labelID)
}

func (r *EntityRegistry) listIndexed(idx map[string]map[string]struct{}, key string) []*EntityEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := idx[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]*EntityEntry, 0, len(set))
	for _, id := range r.order {
		if _, ok := set[id]; ok {
			out = append(out, r.rows[id])
		}
	}
	return out
}

// GenerateEntityID produces an unused entity id from a suggestion by
// appending _2, _3, … until the id is free in the registry, free
// according to reserved (typically the state store), and not the
// entity's own current id.
//
// current, when non-empty, is always considered available so that an
// entity keeps its id across re-registration. reserved may be nil.
func (r *EntityRegistry) GenerateEntityID(domain, suggestedObjectID string, current core.EntityID, reserved func(core.EntityID) bool) core.EntityID {
	base := Slugify(suggestedObjectID)
	if base == "" {
		base = "unnamed"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := 1; ; i++ {
		object := base
		if i > 1 {
			object = base + "_" + strconv.Itoa(i)
		}
		candidate := core.EntityID(domain + "." + object)
		if candidate == current && current != "" {
			return candidate
		}
		if _, taken := r.byEntityID[candidate]; taken {
			continue
		}
		if reserved != nil && reserved(candidate) {
			continue
		}
		return candidate
	}
}

// GetOrCreate registers an entity, reusing rows where possible:
//
//  1. A live row with the same (domain, platform, unique_id) is
//     returned as-is.
//  2. A live row with the suggested entity id adopts uniqueID if it
//     has none, and is returned.
//  3. A soft-deleted row with the same triple is restored with its
//     original id and created_at.
//  4. Otherwise a new row is created under a generated entity id.
//
// reserved is consulted when generating new entity ids; pass the
// state store's containment check.
func (r *EntityRegistry) GetOrCreate(domain, platform, uniqueID string, opts EntityOptions, reserved func(core.EntityID) bool) (*EntityEntry, error) {
	now := time.Now().UTC()
	key := deletedKey{domain, platform, uniqueID}

	r.mu.Lock()

	// 1. Live row by unique id.
	if uniqueID != "" {
		if id, ok := r.byUniqueID[key]; ok {
			row := r.rows[id]
			r.mu.Unlock()
			return row, nil
		}
	}

	// 2. Live row by suggested entity id.
	if opts.SuggestedObjectID != "" {
		candidate := core.EntityID(domain + "." + Slugify(opts.SuggestedObjectID))
		if id, ok := r.byEntityID[candidate]; ok {
			row := r.rows[id]
			if row.UniqueID == "" && uniqueID != "" {
				next := row.clone()
				next.UniqueID = uniqueID
				next.ModifiedAt = now
				r.reindex(row, next)
				row = next
			}
			r.mu.Unlock()
			r.scheduleSave()
			return row, nil
		}
	}

	// 3. Restore a soft-deleted row.
	if restored, ok := r.deleted[key]; ok {
		delete(r.deleted, key)
		for i, dk := range r.deletedOrder {
			if dk == key {
				r.deletedOrder = append(r.deletedOrder[:i], r.deletedOrder[i+1:]...)
				break
			}
		}
		next := restored.clone()
		next.ModifiedAt = now
		// Reclaim the old entity id when free, otherwise generate.
		if _, taken := r.byEntityID[next.EntityID]; taken || (reserved != nil && reserved(next.EntityID)) {
			next.EntityID = r.generateLocked(domain, opts.SuggestedObjectID, "", reserved)
		}
		r.insert(next)
		r.mu.Unlock()

		r.fireUpdated("create", next.EntityID)
		r.scheduleSave()
		r.logger.Debug("entity restored", "entity_id", next.EntityID, "platform", platform)
		return next, nil
	}

	// 4. Create a new row.
	suggestion := opts.SuggestedObjectID
	if suggestion == "" {
		suggestion = uniqueID
	}
	row := &EntityEntry{
		ID:                NewRowID(),
		EntityID:          r.generateLocked(domain, suggestion, "", reserved),
		UniqueID:          uniqueID,
		Platform:          platform,
		Name:              opts.Name,
		OriginalName:      opts.OriginalName,
		Icon:              opts.Icon,
		DeviceID:          opts.DeviceID,
		AreaID:            opts.AreaID,
		ConfigEntryID:     opts.ConfigEntryID,
		ConfigSubentryID:  opts.ConfigSubentryID,
		DisabledBy:        opts.DisabledBy,
		HiddenBy:          opts.HiddenBy,
		Capabilities:      opts.Capabilities,
		UnitOfMeasurement: opts.UnitOfMeasurement,
		SupportedFeatures: opts.SupportedFeatures,
		CreatedAt:         now,
		ModifiedAt:        now,
	}
	r.insert(row)
	r.mu.Unlock()

	r.fireUpdated("create", row.EntityID)
	r.scheduleSave()
	r.logger.Debug("entity created", "entity_id", row.EntityID, "platform", platform)
	return row, nil
}

// generateLocked is GenerateEntityID for callers already holding the
// write lock.
func (r *EntityRegistry) generateLocked(domain, suggested string, current core.EntityID, reserved func(core.EntityID) bool) core.EntityID {
	base := Slugify(suggested)
	if base == "" {
		base = "unnamed"
	}
	for i := 1; ; i++ {
		object := base
		if i > 1 {
			object = base + "_" + strconv.Itoa(i)
		}
		candidate := core.EntityID(domain + "." + object)
		if candidate == current && current != "" {
			return candidate
		}
		if _, taken := r.byEntityID[candidate]; taken {
			continue
		}
		if reserved != nil && reserved(candidate) {
			continue
		}
		return candidate
	}
}

// Update applies changes to the row for entityID and returns the new
// snapshot. Renaming to an entity id owned by another row fails with
// ErrAlreadyExists.
func (r *EntityRegistry) Update(entityID core.EntityID, changes EntityChanges) (*EntityEntry, error) {
	r.mu.Lock()
	id, ok := r.byEntityID[entityID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	row := r.rows[id]

	if changes.NewEntityID != nil && *changes.NewEntityID != row.EntityID {
		if _, taken := r.byEntityID[*changes.NewEntityID]; taken {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, *changes.NewEntityID)
		}
	}

	next := row.clone()
	if changes.NewEntityID != nil {
		next.EntityID = *changes.NewEntityID
	}
	if changes.Name != nil {
		next.Name = *changes.Name
	}
	if changes.Icon != nil {
		next.Icon = *changes.Icon
	}
	if changes.AreaID != nil {
		next.AreaID = *changes.AreaID
	}
	if changes.DeviceID != nil {
		next.DeviceID = *changes.DeviceID
	}
	if changes.DisabledBy != nil {
		next.DisabledBy = *changes.DisabledBy
	}
	if changes.HiddenBy != nil {
		next.HiddenBy = *changes.HiddenBy
	}
	if changes.Labels != nil {
		next.Labels = append([]string(nil), (*changes.Labels)...)
	}
	next.ModifiedAt = time.Now().UTC()
	r.reindex(row, next)
	r.mu.Unlock()

	r.fireUpdated("update", next.EntityID)
	r.scheduleSave()
	return next, nil
}

// Remove soft-deletes the row for entityID. The row is retained keyed
// by (domain, platform, unique_id) so a later re-registration of the
// same triple restores it.
func (r *EntityRegistry) Remove(entityID core.EntityID) error {
	r.mu.Lock()
	id, ok := r.byEntityID[entityID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	row := r.rows[id]
	r.unindex(row)
	delete(r.rows, id)
	r.order = removeString(r.order, id)

	if row.UniqueID != "" {
		key := deletedKey{row.Domain(), row.Platform, row.UniqueID}
		if _, exists := r.deleted[key]; !exists {
			r.deletedOrder = append(r.deletedOrder, key)
		}
		r.deleted[key] = row
	}
	r.mu.Unlock()

	r.fireUpdated("remove", entityID)
	r.scheduleSave()
	r.logger.Debug("entity removed", "entity_id", entityID)
	return nil
}

// ClearAreaID nulls area_id on every row in areaID, returning the
// entity ids that changed.
func (r *EntityRegistry) ClearAreaID(areaID string) []core.EntityID {
	return r.clearField(r.byArea, areaID, func(next *EntityEntry) {
		next.AreaID = ""
	})
}

// ClearConfigEntry detaches entryID from every row, returning the
// entity ids that changed.
func (r *EntityRegistry) ClearConfigEntry(entryID string) []core.EntityID {
	return r.clearField(r.byEntry, entryID, func(next *EntityEntry) {
		next.ConfigEntryID = ""
		next.ConfigSubentryID = ""
	})
}

// ClearDeviceID nulls device_id on every row bound to deviceID,
// returning the entity ids that changed.
func (r *EntityRegistry) ClearDeviceID(deviceID string) []core.EntityID {
	return r.clearField(r.byDevice, deviceID, func(next *EntityEntry) {
		next.DeviceID = ""
	})
}

// ClearLabelID removes labelID from every row's labels set, returning
// the entity ids that changed.
func (r *EntityRegistry) ClearLabelID(labelID string) []core.EntityID {
	return r.clearField(r.byLabel, labelID, func(next *EntityEntry) {
		next.Labels = removeString(next.Labels, labelID)
	})
}

// clearField applies mutate to every row in the index bucket for key.
func (r *EntityRegistry) clearField(idx map[string]map[string]struct{}, key string, mutate func(*EntityEntry)) []core.EntityID {
	now := time.Now().UTC()

	r.mu.Lock()
	set := idx[key]
	ids := make([]string, 0, len(set))
	for _, id := range r.order {
		if _, ok := set[id]; ok {
			ids = append(ids, id)
		}
	}
	var changed []core.EntityID
	for _, id := range ids {
		row := r.rows[id]
		next := row.clone()
		mutate(next)
		next.ModifiedAt = now
		r.reindex(row, next)
		changed = append(changed, next.EntityID)
	}
	r.mu.Unlock()

	for _, eid := range changed {
		r.fireUpdated("update", eid)
	}
	if len(changed) > 0 {
		r.scheduleSave()
	}
	return changed
}

// insert adds a row to the primary and secondary indexes.
// Caller must hold the write lock.
func (r *EntityRegistry) insert(row *EntityEntry) {
	r.rows[row.ID] = row
	r.order = append(r.order, row.ID)
	r.index(row)
}

func (r *EntityRegistry) index(row *EntityEntry) {
	r.byEntityID[row.EntityID] = row.ID
	if row.UniqueID != "" {
		r.byUniqueID[deletedKey{row.Domain(), row.Platform, row.UniqueID}] = row.ID
	}
	indexAdd(r.byDevice, row.DeviceID, row.ID)
	indexAdd(r.byEntry, row.ConfigEntryID, row.ID)
	indexAdd(r.byArea, row.AreaID, row.ID)
	indexAdd(r.byPlatform, row.Platform, row.ID)
	for _, label := range row.Labels {
		indexAdd(r.byLabel, label, row.ID)
	}
}

func (r *EntityRegistry) unindex(row *EntityEntry) {
	delete(r.byEntityID, row.EntityID)
	if row.UniqueID != "" {
		delete(r.byUniqueID, deletedKey{row.Domain(), row.Platform, row.UniqueID})
	}
	indexRemove(r.byDevice, row.DeviceID, row.ID)
	indexRemove(r.byEntry, row.ConfigEntryID, row.ID)
	indexRemove(r.byArea, row.AreaID, row.ID)
	indexRemove(r.byPlatform, row.Platform, row.ID)
	for _, label := range row.Labels {
		indexRemove(r.byLabel, label, row.ID)
	}
}

// reindex swaps old for next in the indexes without touching the
// insertion order. Caller must hold the write lock.
func (r *EntityRegistry) reindex(old, next *EntityEntry) {
	r.unindex(old)
	r.rows[next.ID] = next
	r.index(next)
}

// fireUpdated publishes an entity_registry_updated event.
func (r *EntityRegistry) fireUpdated(action string, entityID core.EntityID) {
	r.events.Fire(core.EventEntityRegistryUpdated, map[string]any{
		"action":    action,
		"entity_id": string(entityID),
	}, core.Context{}, core.OriginLocal)
}

// entityData is the persisted shape of the registry.
type entityData struct {
	Entities        []*EntityEntry `json:"entities"`
	DeletedEntities []*EntityEntry `json:"deleted_entities"`
}

// load restores persisted rows. A missing file leaves the registry
// empty.
func (r *EntityRegistry) load() error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.Load(entityStorageKey)
	if err != nil {
		return fmt.Errorf("loading entity registry: %w", err)
	}
	if stored == nil {
		return nil
	}
	if stored.Version != entityVersion {
		return fmt.Errorf("loading entity registry: unsupported version %d.%d", stored.Version, stored.MinorVersion)
	}

	var data entityData
	if err := json.Unmarshal(stored.Data, &data); err != nil {
		return fmt.Errorf("decoding entity registry: %w", err)
	}
	for _, row := range data.Entities {
		r.insert(row)
	}
	for _, row := range data.DeletedEntities {
		key := deletedKey{row.Domain(), row.Platform, row.UniqueID}
		r.deleted[key] = row
		r.deletedOrder = append(r.deletedOrder, key)
	}
	r.logger.Info("entity registry loaded",
		"entities", len(data.Entities),
		"deleted", len(data.DeletedEntities),
	)
	return nil
}

// snapshotData builds the persisted shape under the read lock.
func (r *EntityRegistry) snapshotData() entityData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data := entityData{
		Entities:        make([]*EntityEntry, 0, len(r.order)),
		DeletedEntities: make([]*EntityEntry, 0, len(r.deletedOrder)),
	}
	for _, id := range r.order {
		data.Entities = append(data.Entities, r.rows[id])
	}
	for _, key := range r.deletedOrder {
		data.DeletedEntities = append(data.DeletedEntities, r.deleted[key])
	}
	return data
}

// Save writes the registry to storage immediately.
func (r *EntityRegistry) Save() error {
	if r.store == nil {
		return nil
	}
	return r.store.Write(entityStorageKey, entityVersion, entityMinorVersion, r.snapshotData())
}

// scheduleSave queues a debounced write.
func (r *EntityRegistry) scheduleSave() {
	if r.store == nil {
		return
	}
	r.store.Delay(entityStorageKey, saveDelay, func() (int, int, any) {
		return entityVersion, entityMinorVersion, r.snapshotData()
	})
}
