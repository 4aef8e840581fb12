package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

// Storage key and schema version for the device registry.
const (
	deviceStorageKey   = "core.device_registry"
	deviceVersion      = 1
	deviceMinorVersion = 12
)

// ConnectionTypeMAC marks connections whose id is a MAC address and
// must be stored in normalized form.
const ConnectionTypeMAC = "mac"

// DisabledBy values for devices and entities.
const (
	DisabledByUser        = "user"
	DisabledByIntegration = "integration"
	DisabledByConfigEntry = "config_entry"
)

// lowPriorityDomains are generic-transport integrations whose device
// metadata is superseded by any entry that knows the device better.
var lowPriorityDomains = map[string]struct{}{
	"homekit_controller": {},
	"matter":             {},
	"mqtt":               {},
	"upnp":               {},
}

// DeviceIdentifier is a (domain, id) pair unique across all live
// devices. Serialized as a 2-element JSON array.
type DeviceIdentifier struct {
	Domain string
	ID     string
}

// MarshalJSON encodes the identifier as ["domain", "id"].
func (d DeviceIdentifier) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{d.Domain, d.ID})
}

// UnmarshalJSON decodes ["domain", "id"]. Longer arrays are tolerated
// for backward compatibility; extra parts join the id with ":".
func (d *DeviceIdentifier) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) < 2 {
		return fmt.Errorf("device identifier: want at least 2 elements, got %d", len(parts))
	}
	d.Domain = parts[0]
	d.ID = strings.Join(parts[1:], ":")
	return nil
}

// DeviceConnection is a (type, id) pair unique across all live
// devices. Serialized as a 2-element JSON array.
type DeviceConnection struct {
	Type string
	ID   string
}

// MarshalJSON encodes the connection as ["type", "id"].
func (c DeviceConnection) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{c.Type, c.ID})
}

// UnmarshalJSON decodes ["type", "id"].
func (c *DeviceConnection) UnmarshalJSON(data []byte) error {
	var parts [2]string
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	c.Type = parts[0]
	c.ID = parts[1]
	return nil
}

// DeviceEntry is one row of the device registry. Rows are
// copy-on-write snapshots like EntityEntry.
type DeviceEntry struct {
	ID string `json:"id"`

	ConfigEntries    []string            `json:"config_entries"`
	ConfigSubentries map[string][]string `json:"config_subentries,omitempty"`

	Identifiers []DeviceIdentifier `json:"identifiers,omitempty"`
	Connections []DeviceConnection `json:"connections,omitempty"`

	Name             string `json:"name,omitempty"`
	NameByUser       string `json:"name_by_user,omitempty"`
	Manufacturer     string `json:"manufacturer,omitempty"`
	Model            string `json:"model,omitempty"`
	SWVersion        string `json:"sw_version,omitempty"`
	HWVersion        string `json:"hw_version,omitempty"`
	SerialNumber     string `json:"serial_number,omitempty"`
	ConfigurationURL string `json:"configuration_url,omitempty"`

	ViaDeviceID        string   `json:"via_device_id,omitempty"`
	AreaID             string   `json:"area_id,omitempty"`
	Labels             []string `json:"labels,omitempty"`
	DisabledBy         string   `json:"disabled_by,omitempty"`
	PrimaryConfigEntry string   `json:"primary_config_entry,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// clone returns a mutable copy of the row.
func (d *DeviceEntry) clone() *DeviceEntry {
	cpy := *d
	cpy.ConfigEntries = append([]string(nil), d.ConfigEntries...)
	if d.ConfigSubentries != nil {
		cpy.ConfigSubentries = make(map[string][]string, len(d.ConfigSubentries))
		for k, v := range d.ConfigSubentries {
			cpy.ConfigSubentries[k] = append([]string(nil), v...)
		}
	}
	cpy.Identifiers = append([]DeviceIdentifier(nil), d.Identifiers...)
	cpy.Connections = append([]DeviceConnection(nil), d.Connections...)
	if d.Labels != nil {
		cpy.Labels = append([]string(nil), d.Labels...)
	}
	return &cpy
}

// HasConfigEntry reports whether the device is attached to entryID.
func (d *DeviceEntry) HasConfigEntry(entryID string) bool {
	return containsString(d.ConfigEntries, entryID)
}

// EntryInfo is what the device registry needs to know about config
// entries: the integration domain (for primary promotion) and whether
// the entry is disabled (for disabled_by recomputation). A nil
// EntryInfo disables both refinements.
type EntryInfo interface {
	EntryDomain(entryID string) (string, bool)
	EntryDisabled(entryID string) bool
}

// DeviceOptions carries the fields of DeviceRegistry.GetOrCreate.
type DeviceOptions struct {
	ConfigEntryID    string
	ConfigSubentryID string // "" means no subentry

	Identifiers []DeviceIdentifier
	Connections []DeviceConnection

	Name             string
	Manufacturer     string
	Model            string
	SWVersion        string
	HWVersion        string
	SerialNumber     string
	ConfigurationURL string
	ViaDeviceID      string

	// InitialDisabledBy is applied only when the call creates the row.
	InitialDisabledBy string
}

// hasIdentifyingFields reports whether the options carry non-default
// device metadata, which qualifies the entry for primary promotion.
func (o DeviceOptions) hasIdentifyingFields() bool {
	return o.Name != "" || o.Manufacturer != "" || o.Model != "" ||
		o.SWVersion != "" || o.HWVersion != "" || o.SerialNumber != "" ||
		o.ConfigurationURL != ""
}

// DeviceChanges describes an update to a device row. Nil pointers
// leave the field untouched.
type DeviceChanges struct {
	// AddConfigEntryID attaches an entry (with optional subentry).
	AddConfigEntryID    string
	AddConfigSubentryID string

	// RemoveConfigEntryID detaches an entry. When
	// RemoveConfigSubentryID is non-nil only that subentry is
	// removed; the entry itself stays while other subentries remain.
	RemoveConfigEntryID    string
	RemoveConfigSubentryID *string

	// NewIdentifiers / NewConnections are merged in. Values owned by
	// another live device fail the update with ErrCollision.
	NewIdentifiers []DeviceIdentifier
	NewConnections []DeviceConnection

	Name        *string
	NameByUser  *string
	AreaID      *string
	DisabledBy  *string
	ViaDeviceID *string
	Labels      *[]string
}

// DeviceRegistry is the persistent catalog of known devices.
type DeviceRegistry struct {
	mu    sync.RWMutex
	rows  map[string]*DeviceEntry
	order []string

	byIdentifier map[DeviceIdentifier]string
	byConnection map[DeviceConnection]string
	byEntry      map[string]map[string]struct{}
	byArea       map[string]map[string]struct{}
	byVia        map[string]map[string]struct{}
	byLabel      map[string]map[string]struct{}

	deleted []*DeviceEntry

	entryInfo EntryInfo
	store     Store
	events    Events
	logger    Logger
}

// NewDeviceRegistry creates a device registry and loads persisted
// rows. entryInfo, store, and events may each be nil.
func NewDeviceRegistry(store Store, events Events, entryInfo EntryInfo, logger Logger) (*DeviceRegistry, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if events == nil {
		events = noopEvents{}
	}
	r := &DeviceRegistry{
		rows:         make(map[string]*DeviceEntry),
		byIdentifier: make(map[DeviceIdentifier]string),
		byConnection: make(map[DeviceConnection]string),
		byEntry:      make(map[string]map[string]struct{}),
		byArea:       make(map[string]map[string]struct{}),
		byVia:        make(map[string]map[string]struct{}),
		byLabel:      make(map[string]map[string]struct{}),
		entryInfo:    entryInfo,
		store:        store,
		events:       events,
		logger:       logger,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetEntryInfo wires the config-entry lookup after construction,
// breaking the construction cycle between the two managers.
func (r *DeviceRegistry) SetEntryInfo(info EntryInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryInfo = info
}

// Get returns the row with the given id, or nil.
func (r *DeviceRegistry) Get(id string) *DeviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rows[id]
}

// GetByIdentifier returns the row owning the identifier, or nil.
func (r *DeviceRegistry) GetByIdentifier(ident DeviceIdentifier) *DeviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byIdentifier[ident]; ok {
		return r.rows[id]
	}
	return nil
}

// GetByConnection returns the row owning the connection, or nil.
// MAC connections are normalized before lookup.
func (r *DeviceRegistry) GetByConnection(conn DeviceConnection) *DeviceEntry {
	if conn.Type == ConnectionTypeMAC {
		if mac, err := NormalizeMAC(conn.ID); err == nil {
			conn.ID = mac
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byConnection[conn]; ok {
		return r.rows[id]
	}
	return nil
}

// List returns all rows in insertion order.
func (r *DeviceRegistry) List() []*DeviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DeviceEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rows[id])
	}
	return out
}

// ListByConfigEntry returns rows attached to entryID in insertion
// order.
func (r *DeviceRegistry) ListByConfigEntry(entryID string) []*DeviceEntry {
	return r.listIndexed(r.byEntry, entryID)
}

// ListByArea returns rows in areaID in insertion order.
func (r *DeviceRegistry) ListByArea(areaID string) []*DeviceEntry {
	return r.listIndexed(r.byArea, areaID)
}

// ListByVia returns rows routed through deviceID in insertion order.
func (r *DeviceRegistry) ListByVia(deviceID string) []*DeviceEntry {
	return r.listIndexed(r.byVia, deviceID)
}

// ListByLabel returns rows carrying labelID in insertion order.
func (r *DeviceRegistry) ListByLabel(labelID string) []*DeviceEntry {
	return r.listIndexed(r.byLabel, labelID)
}

func (r *DeviceRegistry) listIndexed(idx map[string]map[string]struct{}, key string) []*DeviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := idx[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]*DeviceEntry, 0, len(set))
	for _, id := range r.order {
		if _, ok := set[id]; ok {
			out = append(out, r.rows[id])
		}
	}
	return out
}

// GetOrCreate looks a device up by identifier (then connection) and
// merges the supplied info into it, or creates a new row.
//
// On merge: the config entry is attached (appending its subentry),
// new identifiers and connections are added, and the primary config
// entry is promoted when unset or when the current primary belongs to
// a low-priority domain and the incoming entry supplies identifying
// fields. InitialDisabledBy applies only on creation.
func (r *DeviceRegistry) GetOrCreate(opts DeviceOptions) (*DeviceEntry, error) {
	if opts.ConfigEntryID == "" {
		return nil, fmt.Errorf("registry: get_or_create device without config entry")
	}
	conns, err := normalizeConnections(opts.Connections)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	r.mu.Lock()

	existingID := ""
	for _, ident := range opts.Identifiers {
		if id, ok := r.byIdentifier[ident]; ok {
			existingID = id
			break
		}
	}
	if existingID == "" {
		for _, conn := range conns {
			if id, ok := r.byConnection[conn]; ok {
				existingID = id
				break
			}
		}
	}

	if existingID != "" {
		row := r.rows[existingID]

		// Reject merges that would steal an identifier or connection
		// from a different live device.
		for _, ident := range opts.Identifiers {
			if owner, ok := r.byIdentifier[ident]; ok && owner != existingID {
				r.mu.Unlock()
				return nil, fmt.Errorf("%w: identifier %v owned by device %s", ErrCollision, ident, owner)
			}
		}
		for _, conn := range conns {
			if owner, ok := r.byConnection[conn]; ok && owner != existingID {
				r.mu.Unlock()
				return nil, fmt.Errorf("%w: connection %v owned by device %s", ErrCollision, conn, owner)
			}
		}

		next := row.clone()
		r.mergeInto(next, opts, conns)
		next.ModifiedAt = now
		r.reindex(row, next)
		r.mu.Unlock()

		r.fireUpdated("update", next.ID)
		r.scheduleSave()
		return next, nil
	}

	// Create a new row.
	if opts.ViaDeviceID != "" {
		if _, ok := r.rows[opts.ViaDeviceID]; !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: via_device %s", ErrDeviceNotFound, opts.ViaDeviceID)
		}
	}
	row := &DeviceEntry{
		ID:                 NewRowID(),
		ConfigEntries:      []string{opts.ConfigEntryID},
		ConfigSubentries:   map[string][]string{opts.ConfigEntryID: {opts.ConfigSubentryID}},
		Identifiers:        append([]DeviceIdentifier(nil), opts.Identifiers...),
		Connections:        conns,
		Name:               opts.Name,
		Manufacturer:       opts.Manufacturer,
		Model:              opts.Model,
		SWVersion:          opts.SWVersion,
		HWVersion:          opts.HWVersion,
		SerialNumber:       opts.SerialNumber,
		ConfigurationURL:   opts.ConfigurationURL,
		ViaDeviceID:        opts.ViaDeviceID,
		DisabledBy:         opts.InitialDisabledBy,
		PrimaryConfigEntry: opts.ConfigEntryID,
		CreatedAt:          now,
		ModifiedAt:         now,
	}
	r.insert(row)
	r.mu.Unlock()

	r.fireUpdated("create", row.ID)
	r.scheduleSave()
	r.logger.Debug("device created", "device_id", row.ID, "name", row.Name)
	return row, nil
}

// mergeInto folds opts into next. Caller must hold the write lock.
func (r *DeviceRegistry) mergeInto(next *DeviceEntry, opts DeviceOptions, conns []DeviceConnection) {
	if !next.HasConfigEntry(opts.ConfigEntryID) {
		next.ConfigEntries = append(next.ConfigEntries, opts.ConfigEntryID)
	}
	if next.ConfigSubentries == nil {
		next.ConfigSubentries = make(map[string][]string)
	}
	subs := next.ConfigSubentries[opts.ConfigEntryID]
	if !containsString(subs, opts.ConfigSubentryID) {
		next.ConfigSubentries[opts.ConfigEntryID] = append(subs, opts.ConfigSubentryID)
	}

	for _, ident := range opts.Identifiers {
		if !containsIdentifier(next.Identifiers, ident) {
			next.Identifiers = append(next.Identifiers, ident)
		}
	}
	for _, conn := range conns {
		if !containsConnection(next.Connections, conn) {
			next.Connections = append(next.Connections, conn)
		}
	}

	// Metadata fills gaps but never overwrites non-empty fields,
	// unless the entry wins primary promotion below.
	fillString(&next.Name, opts.Name)
	fillString(&next.Manufacturer, opts.Manufacturer)
	fillString(&next.Model, opts.Model)
	fillString(&next.SWVersion, opts.SWVersion)
	fillString(&next.HWVersion, opts.HWVersion)
	fillString(&next.SerialNumber, opts.SerialNumber)
	fillString(&next.ConfigurationURL, opts.ConfigurationURL)

	if r.shouldPromotePrimary(next, opts) {
		next.PrimaryConfigEntry = opts.ConfigEntryID
		if opts.Name != "" {
			next.Name = opts.Name
		}
		if opts.Manufacturer != "" {
			next.Manufacturer = opts.Manufacturer
		}
		if opts.Model != "" {
			next.Model = opts.Model
		}
	}

	// Adding an enabled entry to a device disabled because all of its
	// entries were disabled re-enables it.
	if next.DisabledBy == DisabledByConfigEntry && r.entryInfo != nil &&
		!r.entryInfo.EntryDisabled(opts.ConfigEntryID) {
		next.DisabledBy = ""
	}
}

// shouldPromotePrimary applies the primary-config-entry promotion
// rules. Caller must hold the lock.
func (r *DeviceRegistry) shouldPromotePrimary(row *DeviceEntry, opts DeviceOptions) bool {
	if row.PrimaryConfigEntry == "" {
		return true
	}
	if row.PrimaryConfigEntry == opts.ConfigEntryID {
		return false
	}
	if r.entryInfo == nil || !opts.hasIdentifyingFields() {
		return false
	}
	domain, ok := r.entryInfo.EntryDomain(row.PrimaryConfigEntry)
	if !ok {
		return true // primary entry no longer exists
	}
	_, low := lowPriorityDomains[domain]
	return low
}

// Update applies changes to the row for deviceID.
//
// Returns the new snapshot, or nil when removing the last config
// entry deleted the device. Identifier or connection additions owned
// by another device fail with ErrCollision; pointing via_device at
// the device itself fails with ErrSelfReference.
func (r *DeviceRegistry) Update(deviceID string, changes DeviceChanges) (*DeviceEntry, error) {
	conns, err := normalizeConnections(changes.NewConnections)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	r.mu.Lock()
	row, ok := r.rows[deviceID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	for _, ident := range changes.NewIdentifiers {
		if owner, exists := r.byIdentifier[ident]; exists && owner != deviceID {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: identifier %v owned by device %s", ErrCollision, ident, owner)
		}
	}
	for _, conn := range conns {
		if owner, exists := r.byConnection[conn]; exists && owner != deviceID {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: connection %v owned by device %s", ErrCollision, conn, owner)
		}
	}
	if changes.ViaDeviceID != nil && *changes.ViaDeviceID == deviceID {
		r.mu.Unlock()
		return nil, ErrSelfReference
	}

	next := row.clone()

	if changes.AddConfigEntryID != "" {
		r.mergeInto(next, DeviceOptions{
			ConfigEntryID:    changes.AddConfigEntryID,
			ConfigSubentryID: changes.AddConfigSubentryID,
		}, nil)
	}

	if changes.RemoveConfigEntryID != "" {
		removed := r.detachEntry(next, changes.RemoveConfigEntryID, changes.RemoveConfigSubentryID)
		if removed && len(next.ConfigEntries) == 0 {
			// Last config entry gone: the device is deleted.
			r.removeLocked(row)
			cleared := r.clearViaLocked(deviceID, now)
			r.mu.Unlock()

			r.fireUpdated("remove", deviceID)
			for _, childID := range cleared {
				r.fireUpdated("update", childID)
			}
			r.scheduleSave()
			r.logger.Debug("device removed with last config entry", "device_id", deviceID)
			return nil, nil
		}
	}

	for _, ident := range changes.NewIdentifiers {
		if !containsIdentifier(next.Identifiers, ident) {
			next.Identifiers = append(next.Identifiers, ident)
		}
	}
	for _, conn := range conns {
		if !containsConnection(next.Connections, conn) {
			next.Connections = append(next.Connections, conn)
		}
	}
	if changes.Name != nil {
		next.Name = *changes.Name
	}
	if changes.NameByUser != nil {
		next.NameByUser = *changes.NameByUser
	}
	if changes.AreaID != nil {
		next.AreaID = *changes.AreaID
	}
	if changes.DisabledBy != nil {
		next.DisabledBy = *changes.DisabledBy
	}
	if changes.ViaDeviceID != nil {
		next.ViaDeviceID = *changes.ViaDeviceID
	}
	if changes.Labels != nil {
		next.Labels = append([]string(nil), (*changes.Labels)...)
	}

	next.ModifiedAt = now
	r.reindex(row, next)
	r.mu.Unlock()

	r.fireUpdated("update", deviceID)
	r.scheduleSave()
	return next, nil
}

// detachEntry removes a config entry (or just one subentry) from
// next. Returns true when the whole entry was detached. Also
// recomputes primary and disabled_by. Caller must hold the lock.
func (r *DeviceRegistry) detachEntry(next *DeviceEntry, entryID string, subentry *string) bool {
	if !next.HasConfigEntry(entryID) {
		return false
	}

	if subentry != nil {
		subs := removeString(next.ConfigSubentries[entryID], *subentry)
		if len(subs) > 0 {
			next.ConfigSubentries[entryID] = subs
			return false // entry stays while other subentries remain
		}
	}

	next.ConfigEntries = removeString(next.ConfigEntries, entryID)
	if next.ConfigSubentries != nil {
		delete(next.ConfigSubentries, entryID)
	}
	if next.PrimaryConfigEntry == entryID {
		next.PrimaryConfigEntry = ""
	}

	// Every remaining entry disabled: the device follows suit.
	if r.entryInfo != nil && len(next.ConfigEntries) > 0 && next.DisabledBy == "" {
		allDisabled := true
		for _, id := range next.ConfigEntries {
			if !r.entryInfo.EntryDisabled(id) {
				allDisabled = false
				break
			}
		}
		if allDisabled {
			next.DisabledBy = DisabledByConfigEntry
		}
	}
	return true
}

// Delete removes a device outright, clearing via_device_id on its
// children. The row is retained in the deleted list for diagnostics.
func (r *DeviceRegistry) Delete(deviceID string) error {
	now := time.Now().UTC()

	r.mu.Lock()
	row, ok := r.rows[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	r.removeLocked(row)
	cleared := r.clearViaLocked(deviceID, now)
	r.mu.Unlock()

	r.fireUpdated("remove", deviceID)
	for _, childID := range cleared {
		r.fireUpdated("update", childID)
	}
	r.scheduleSave()
	return nil
}

// ClearConfigEntry detaches entryID from every device. Devices whose
// last entry it was are deleted. Returns the ids of updated rows and
// the ids of deleted rows.
func (r *DeviceRegistry) ClearConfigEntry(entryID string) (updated, deleted []string) {
	r.mu.RLock()
	set := r.byEntry[entryID]
	ids := make([]string, 0, len(set))
	for _, id := range r.order {
		if _, ok := set[id]; ok {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		entry, err := r.Update(id, DeviceChanges{RemoveConfigEntryID: entryID})
		if err != nil {
			r.logger.Error("config entry cascade failed", "device_id", id, "error", err)
			continue
		}
		if entry == nil {
			deleted = append(deleted, id)
		} else {
			updated = append(updated, id)
		}
	}
	return updated, deleted
}

// ClearAreaID nulls area_id on every device in areaID, returning the
// ids that changed.
func (r *DeviceRegistry) ClearAreaID(areaID string) []string {
	return r.clearField(r.byArea, areaID, func(next *DeviceEntry) {
		next.AreaID = ""
	})
}

// ClearLabelID removes labelID from every device's labels set,
// returning the ids that changed.
func (r *DeviceRegistry) ClearLabelID(labelID string) []string {
	return r.clearField(r.byLabel, labelID, func(next *DeviceEntry) {
		next.Labels = removeString(next.Labels, labelID)
	})
}

// ClearViaDevice nulls via_device_id on every child of deviceID,
// returning the ids that changed.
func (r *DeviceRegistry) ClearViaDevice(deviceID string) []string {
	now := time.Now().UTC()
	r.mu.Lock()
	changed := r.clearViaLocked(deviceID, now)
	r.mu.Unlock()

	for _, id := range changed {
		r.fireUpdated("update", id)
	}
	if len(changed) > 0 {
		r.scheduleSave()
	}
	return changed
}

// clearViaLocked is ClearViaDevice under an already-held write lock.
func (r *DeviceRegistry) clearViaLocked(deviceID string, now time.Time) []string {
	set := r.byVia[deviceID]
	ids := make([]string, 0, len(set))
	for _, id := range r.order {
		if _, ok := set[id]; ok {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		row := r.rows[id]
		next := row.clone()
		next.ViaDeviceID = ""
		next.ModifiedAt = now
		r.reindex(row, next)
	}
	return ids
}

// clearField applies mutate to every row in the index bucket for key.
func (r *DeviceRegistry) clearField(idx map[string]map[string]struct{}, key string, mutate func(*DeviceEntry)) []string {
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

// insert adds a row to the primary and secondary indexes.
// Caller must hold the write lock.
func (r *DeviceRegistry) insert(row *DeviceEntry) {
	r.rows[row.ID] = row
	r.order = append(r.order, row.ID)
	r.index(row)
}

func (r *DeviceRegistry) index(row *DeviceEntry) {
	for _, ident := range row.Identifiers {
		r.byIdentifier[ident] = row.ID
	}
	for _, conn := range row.Connections {
		r.byConnection[conn] = row.ID
	}
	for _, entryID := range row.ConfigEntries {
		indexAdd(r.byEntry, entryID, row.ID)
	}
	indexAdd(r.byArea, row.AreaID, row.ID)
	indexAdd(r.byVia, row.ViaDeviceID, row.ID)
	for _, label := range row.Labels {
		indexAdd(r.byLabel, label, row.ID)
	}
}

func (r *DeviceRegistry) unindex(row *DeviceEntry) {
	for _, ident := range row.Identifiers {
		delete(r.byIdentifier, ident)
	}
	for _, conn := range row.Connections {
		delete(r.byConnection, conn)
	}
	for _, entryID := range row.ConfigEntries {
		indexRemove(r.byEntry, entryID, row.ID)
	}
	indexRemove(r.byArea, row.AreaID, row.ID)
	indexRemove(r.byVia, row.ViaDeviceID, row.ID)
	for _, label := range row.Labels {
		indexRemove(r.byLabel, label, row.ID)
	}
}

// reindex swaps old for next in the indexes. Caller must hold the
// write lock.
func (r *DeviceRegistry) reindex(old, next *DeviceEntry) {
	r.unindex(old)
	r.rows[next.ID] = next
	r.index(next)
}

// removeLocked drops a row entirely. Caller must hold the write lock.
func (r *DeviceRegistry) removeLocked(row *DeviceEntry) {
	r.unindex(row)
	delete(r.rows, row.ID)
	r.order = removeString(r.order, row.ID)
	r.deleted = append(r.deleted, row)
}

// fireUpdated publishes a device_registry_updated event.
func (r *DeviceRegistry) fireUpdated(action, deviceID string) {
	r.events.Fire(core.EventDeviceRegistryUpdated, map[string]any{
		"action":    action,
		"device_id": deviceID,
	}, core.Context{}, core.OriginLocal)
}

// deviceData is the persisted shape of the registry.
type deviceData struct {
	Devices        []*DeviceEntry `json:"devices"`
	DeletedDevices []*DeviceEntry `json:"deleted_devices"`
}

// load restores persisted rows.
func (r *DeviceRegistry) load() error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.Load(deviceStorageKey)
	if err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}
	if stored == nil {
		return nil
	}
	if stored.Version != deviceVersion {
		return fmt.Errorf("loading device registry: unsupported version %d.%d", stored.Version, stored.MinorVersion)
	}

	var data deviceData
	if err := json.Unmarshal(stored.Data, &data); err != nil {
		return fmt.Errorf("decoding device registry: %w", err)
	}
	for _, row := range data.Devices {
		// Older files may hold unnormalized MACs.
		for i, conn := range row.Connections {
			if conn.Type == ConnectionTypeMAC {
				if mac, macErr := NormalizeMAC(conn.ID); macErr == nil {
					row.Connections[i].ID = mac
				}
			}
		}
		r.insert(row)
	}
	r.deleted = data.DeletedDevices
	r.logger.Info("device registry loaded",
		"devices", len(data.Devices),
		"deleted", len(data.DeletedDevices),
	)
	return nil
}

// snapshotData builds the persisted shape under the read lock.
func (r *DeviceRegistry) snapshotData() deviceData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data := deviceData{
		Devices:        make([]*DeviceEntry, 0, len(r.order)),
		DeletedDevices: append([]*DeviceEntry(nil), r.deleted...),
	}
	for _, id := range r.order {
		data.Devices = append(data.Devices, r.rows[id])
	}
	return data
}

// Save writes the registry to storage immediately.
func (r *DeviceRegistry) Save() error {
	if r.store == nil {
		return nil
	}
	return r.store.Write(deviceStorageKey, deviceVersion, deviceMinorVersion, r.snapshotData())
}

// scheduleSave queues a debounced write.
func (r *DeviceRegistry) scheduleSave() {
	if r.store == nil {
		return
	}
	r.store.Delay(deviceStorageKey, saveDelay, func() (int, int, any) {
		return deviceVersion, deviceMinorVersion, r.snapshotData()
	})
}

// normalizeConnections normalizes MAC ids, leaving other connection
// types untouched.
func normalizeConnections(conns []DeviceConnection) ([]DeviceConnection, error) {
	if len(conns) == 0 {
		return nil, nil
	}
	out := make([]DeviceConnection, len(conns))
	for i, conn := range conns {
		if conn.Type == ConnectionTypeMAC {
			mac, err := NormalizeMAC(conn.ID)
			if err != nil {
				return nil, err
			}
			conn.ID = mac
		}
		out[i] = conn
	}
	return out, nil
}

func containsIdentifier(list []DeviceIdentifier, ident DeviceIdentifier) bool {
	for _, v := range list {
		if v == ident {
			return true
		}
	}
	return false
}

func containsConnection(list []DeviceConnection, conn DeviceConnection) bool {
	for _, v := range list {
		if v == conn {
			return true
		}
	}
	return false
}

// fillString sets *dst to v only when *dst is empty.
func fillString(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}
