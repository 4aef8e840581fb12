// Package registry implements the hub's persistent catalogs: the
// entity, device, area, floor, and label registries.
//
// All five share a shape: a primary id → row index plus secondary
// indexes maintained on every mutation, insertion-order iteration,
// and copy-on-write rows (a mutation clones the row, mutates the
// clone, and re-indexes it, so handed-out snapshots never change
// underneath a reader).
//
// Rows relate to each other by id only. Deleting a row cascades
// through exported Clear* methods that return the ids of every row
// they touched, so the caller can fire follow-up events. The
// Registries facade wires the standard cascades:
//
//   - floor deleted  → areas lose their floor_id
//   - area deleted   → entities and devices lose their area_id
//   - label deleted  → removed from every labels set
//   - device deleted → children lose their via_device_id
//   - config entry removed → detached everywhere; devices whose last
//     entry it was are deleted
//
// Entity rows are soft-deleted: a removed entity is retained keyed by
// (domain, platform, unique_id) and restored with its original id and
// created_at if the same triple ever registers again.
//
// Each registry persists itself through the storage package under its
// own key, debounced so bursts of mutations produce one write.
package registry
