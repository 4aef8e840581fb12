package registry

import "fmt"

// Registries bundles the five catalogs and wires the cross-registry
// deletion cascades. Constructing through NewRegistries guarantees
// the cascades fire in a consistent order.
type Registries struct {
	Entities *EntityRegistry
	Devices  *DeviceRegistry
	Areas    *AreaRegistry
	Floors   *FloorRegistry
	Labels   *LabelRegistry

	logger Logger
}

// NewRegistries constructs and loads all five registries against the
// same store and event sink.
func NewRegistries(store Store, events Events, entryInfo EntryInfo, logger Logger) (*Registries, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	entities, err := NewEntityRegistry(store, events, logger)
	if err != nil {
		return nil, err
	}
	devices, err := NewDeviceRegistry(store, events, entryInfo, logger)
	if err != nil {
		return nil, err
	}
	areas, err := NewAreaRegistry(store, events, logger)
	if err != nil {
		return nil, err
	}
	floors, err := NewFloorRegistry(store, events, logger)
	if err != nil {
		return nil, err
	}
	labels, err := NewLabelRegistry(store, events, logger)
	if err != nil {
		return nil, err
	}
	return &Registries{
		Entities: entities,
		Devices:  devices,
		Areas:    areas,
		Floors:   floors,
		Labels:   labels,
		logger:   logger,
	}, nil
}

// DeleteFloor removes a floor and nulls floor_id on its areas.
func (r *Registries) DeleteFloor(floorID string) error {
	cleared := r.Areas.ClearFloorID(floorID)
	if err := r.Floors.Delete(floorID); err != nil {
		return err
	}
	r.logger.Debug("floor deleted", "floor_id", floorID, "areas_cleared", len(cleared))
	return nil
}

// DeleteArea removes an area and nulls area_id on its entities and
// devices.
func (r *Registries) DeleteArea(areaID string) error {
	entities := r.Entities.ClearAreaID(areaID)
	devices := r.Devices.ClearAreaID(areaID)
	if err := r.Areas.Delete(areaID); err != nil {
		return err
	}
	r.logger.Debug("area deleted",
		"area_id", areaID,
		"entities_cleared", len(entities),
		"devices_cleared", len(devices),
	)
	return nil
}

// DeleteLabel removes a label from the catalog and strips it from
// every entity, device, and area.
func (r *Registries) DeleteLabel(labelID string) error {
	r.Entities.ClearLabelID(labelID)
	r.Devices.ClearLabelID(labelID)
	r.Areas.ClearLabelID(labelID)
	return r.Labels.Delete(labelID)
}

// DeleteDevice removes a device, nulls via_device_id on its children,
// and detaches its entities.
func (r *Registries) DeleteDevice(deviceID string) error {
	if err := r.Devices.Delete(deviceID); err != nil {
		return err
	}
	r.Entities.ClearDeviceID(deviceID)
	return nil
}

// DetachConfigEntry removes a config entry from every entity and
// device. Devices whose last entry it was are deleted, detaching
// their entities in turn.
func (r *Registries) DetachConfigEntry(entryID string) {
	r.Entities.ClearConfigEntry(entryID)
	_, deleted := r.Devices.ClearConfigEntry(entryID)
	for _, deviceID := range deleted {
		r.Entities.ClearDeviceID(deviceID)
	}
}

// SaveAll flushes every registry to storage immediately. Used at
// shutdown.
func (r *Registries) SaveAll() error {
	var firstErr error
	for name, save := range map[string]func() error{
		"entity": r.Entities.Save,
		"device": r.Devices.Save,
		"area":   r.Areas.Save,
		"floor":  r.Floors.Save,
		"label":  r.Labels.Save,
	} {
		if err := save(); err != nil {
			r.logger.Error("registry save failed", "registry", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("saving %s registry: %w", name, err)
			}
		}
	}
	return firstErr
}
