// Package mqtt provides the broker connection for the hearth MQTT surface.
//
// It manages:
//   - Connection to the broker with auto-reconnect and backoff
//   - Publishing with QoS and retained-message support
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament on hearth/system/status for offline detection
//
// The bridge package builds on this client to mirror entity state to
// hearth/state/<domain>/<object_id> and to accept service calls on
// hearth/service/call.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.ServiceCall(), 1,
//	    func(topic string, payload []byte) error {
//	        return handleCall(payload)
//	    })
package mqtt
