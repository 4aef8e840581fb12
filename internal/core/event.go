package core

import "time"

// Origin describes where an event came from.
type Origin string

const (
	// OriginLocal marks events produced inside this process.
	OriginLocal Origin = "LOCAL"
	// OriginRemote marks events injected by an external caller.
	OriginRemote Origin = "REMOTE"
)

// Event names reserved by the core. External code fires its own event
// types freely but must not fire these; each is owned by exactly one
// component.
const (
	EventStateChanged          = "state_changed"
	EventCallService           = "call_service"
	EventServiceRegistered     = "service_registered"
	EventServiceRemoved        = "service_removed"
	EventHubStart              = "homeassistant_start"
	EventHubStop               = "homeassistant_stop"
	EventNotificationsUpdated  = "persistent_notifications_updated"
	EventSystemLog             = "system_log_event"
	EventEntityRegistryUpdated = "entity_registry_updated"
	EventDeviceRegistryUpdated = "device_registry_updated"
	EventAreaRegistryUpdated   = "area_registry_updated"
	EventConfigEntryReauth     = "config_entry_reauth"
	EventAutomationTriggered   = "automation_triggered"
)

// Event is a single occurrence on the bus. Events are immutable once
// fired; Data must not be mutated by subscribers.
type Event struct {
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Context   Context        `json:"context"`
	Origin    Origin         `json:"origin"`
	TimeFired time.Time      `json:"time_fired"`
}
