package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nerrad567/hearth-core/internal/core"
	"github.com/nerrad567/hearth-core/internal/infrastructure/mqtt"
)

// defaultCallTimeout bounds service calls made on behalf of MQTT clients.
const defaultCallTimeout = 10 * time.Second

// Broker is the MQTT surface the bridge needs. *mqtt.Client satisfies it.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Bus is the event bus surface the bridge needs.
type Bus interface {
	Subscribe(eventType string, handler core.EventHandler) func()
}

// Services is the service registry surface the bridge needs.
type Services interface {
	Call(ctx context.Context, domain, service string, data map[string]any, callCtx core.Context, returnResponse bool) (core.ServiceResponse, error)
}

// Logger is the logging surface the bridge needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Bridge mirrors entity state to retained MQTT topics and accepts service
// call requests from the broker.
//
// State flow: every state_changed event is published to
// hearth/state/<domain>/<object_id> as a retained message, so subscribers
// always see the current state of every entity. A removed entity clears the
// retained message with an empty payload.
//
// Call flow: JSON requests on hearth/service/call are dispatched to the
// service registry; the outcome is published to hearth/service/result/<id>
// unless the request names its own response topic.
type Bridge struct {
	broker   Broker
	services Services
	logger   Logger
	qos      byte

	unsubBus func()
}

// statePayload is the wire shape of a retained entity state message.
type statePayload struct {
	EntityID    string           `json:"entity_id"`
	State       string           `json:"state"`
	Attributes  *core.Attributes `json:"attributes"`
	LastChanged time.Time        `json:"last_changed"`
	LastUpdated time.Time        `json:"last_updated"`
}

// callRequest is the wire shape accepted on the service call topic.
type callRequest struct {
	Domain         string         `json:"domain"`
	Service        string         `json:"service"`
	ServiceData    map[string]any `json:"service_data"`
	Target         map[string]any `json:"target"`
	ReturnResponse bool           `json:"return_response"`
	ResponseTopic  string         `json:"response_topic,omitempty"`
}

// callResult is the wire shape of a service call outcome.
type callResult struct {
	CallID   string               `json:"call_id"`
	Success  bool                 `json:"success"`
	Error    string               `json:"error,omitempty"`
	Response core.ServiceResponse `json:"response,omitempty"`
}

// New wires the bridge: subscribes to state_changed on the bus and to the
// service call topic on the broker. qos applies to call results; retained
// state uses the broker's configured QoS.
func New(broker Broker, bus Bus, services Services, qos byte, logger Logger) (*Bridge, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	b := &Bridge{
		broker:   broker,
		services: services,
		logger:   logger,
		qos:      qos,
	}

	b.unsubBus = bus.Subscribe(core.EventStateChanged, b.onStateChanged)

	if err := broker.Subscribe(mqtt.Topics{}.ServiceCall(), qos, b.onServiceCall); err != nil {
		b.unsubBus()
		return nil, fmt.Errorf("bridge: subscribe service call topic: %w", err)
	}

	return b, nil
}

// Close detaches the bridge from the bus and the broker.
func (b *Bridge) Close() error {
	if b.unsubBus != nil {
		b.unsubBus()
		b.unsubBus = nil
	}
	if err := b.broker.Unsubscribe(mqtt.Topics{}.ServiceCall()); err != nil {
		return fmt.Errorf("bridge: unsubscribe service call topic: %w", err)
	}
	return nil
}

func (b *Bridge) onStateChanged(evt core.Event) error {
	id, _ := evt.Data["entity_id"].(string)
	if !core.ValidEntityID(id) {
		return nil
	}
	entityID := core.EntityID(id)
	topic := mqtt.Topics{}.State(entityID.Domain(), entityID.ObjectID())

	next, _ := evt.Data["new_state"].(*core.State)
	if next == nil {
		// Entity removed: clear the retained message.
		if err := b.broker.PublishRetained(topic, nil); err != nil {
			b.logger.Warn("bridge: clear retained state failed", "entity_id", id, "error", err)
		}
		return nil
	}

	payload, err := json.Marshal(statePayload{
		EntityID:    id,
		State:       next.State,
		Attributes:  next.Attributes,
		LastChanged: next.LastChanged,
		LastUpdated: next.LastUpdated,
	})
	if err != nil {
		return fmt.Errorf("bridge: marshal state %s: %w", id, err)
	}

	if err := b.broker.PublishRetained(topic, payload); err != nil {
		b.logger.Warn("bridge: publish state failed", "entity_id", id, "error", err)
	}
	return nil
}

func (b *Bridge) onServiceCall(_ string, payload []byte) error {
	var req callRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("bridge: decode service call: %w", err)
	}
	if req.Domain == "" || req.Service == "" {
		return fmt.Errorf("bridge: service call missing domain or service")
	}

	callID := ulid.Make().String()
	data := core.MergeTarget(req.ServiceData, req.Target)

	ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
	defer cancel()

	resp, err := b.services.Call(ctx, req.Domain, req.Service, data, core.NewContext(""), req.ReturnResponse)

	result := callResult{CallID: callID, Success: err == nil, Response: resp}
	if err != nil {
		result.Error = err.Error()
	}

	out, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("bridge: marshal call result %s: %w", callID, err)
	}

	topic := req.ResponseTopic
	if topic == "" {
		topic = mqtt.Topics{}.ServiceResult(callID)
	}
	if err := b.broker.Publish(topic, out, b.qos, false); err != nil {
		b.logger.Warn("bridge: publish call result failed", "call_id", callID, "error", err)
	}
	return nil
}
