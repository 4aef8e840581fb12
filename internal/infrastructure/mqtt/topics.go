package mqtt

import "fmt"

// TopicPrefix is the root of the hearth topic namespace.
const TopicPrefix = "hearth"

// Topics builds topic strings for the hearth MQTT namespace.
//
// All topics share the "hearth/" prefix:
//
//	hearth/state/<domain>/<object_id>   retained entity state
//	hearth/event/<event_type>           bus events mirrored to MQTT
//	hearth/service/call                 inbound service call requests
//	hearth/service/result/<call_id>     service call responses
//	hearth/system/status                hub online/offline status (LWT)
type Topics struct{}

// State returns the retained state topic for an entity.
//
// Example: hearth/state/light/kitchen
func (Topics) State(domain, objectID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, domain, objectID)
}

// Event returns the topic an event type is mirrored to.
//
// Example: hearth/event/automation_triggered
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, eventType)
}

// ServiceCall returns the topic the hub listens on for service call requests.
func (Topics) ServiceCall() string {
	return TopicPrefix + "/service/call"
}

// ServiceResult returns the response topic for a service call.
//
// Example: hearth/service/result/01J8ZQ3V9GX5T2M4K6N8P0R2S4
func (Topics) ServiceResult(callID string) string {
	return fmt.Sprintf("%s/service/result/%s", TopicPrefix, callID)
}

// SystemStatus returns the hub status topic used for LWT and
// online/offline announcements.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllStates returns a pattern matching every entity state topic.
//
// Pattern: hearth/state/+/+
func (Topics) AllStates() string {
	return TopicPrefix + "/state/+/+"
}

// AllEvents returns a pattern matching every mirrored event topic.
//
// Pattern: hearth/event/+
func (Topics) AllEvents() string {
	return TopicPrefix + "/event/+"
}
