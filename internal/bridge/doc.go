// Package bridge connects the hub's event bus and service registry to the
// MQTT surface.
//
// Outbound, it mirrors every state_changed event to a retained message on
// hearth/state/<domain>/<object_id>, so an MQTT subscriber sees the full
// current state of the hub without any request/response handshake. Inbound,
// it accepts service call requests on hearth/service/call and publishes each
// outcome to hearth/service/result/<call_id>, or to a response topic named
// in the request.
package bridge
