package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
	"github.com/nerrad567/hearth-core/internal/infrastructure/mqtt"
)

// fakeBroker records publishes and captures subscription handlers so tests
// can inject inbound messages directly.
type fakeBroker struct {
	mu        sync.Mutex
	published []publishRecord
	handlers  map[string]mqtt.MessageHandler
	pubErr    error
}

type publishRecord struct {
	topic    string
	payload  []byte
	retained bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeBroker) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, publishRecord{topic, append([]byte(nil), payload...), retained})
	return nil
}

func (f *fakeBroker) PublishRetained(topic string, payload []byte) error {
	return f.Publish(topic, payload, 1, true)
}

func (f *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeBroker) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *fakeBroker) records() []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishRecord(nil), f.published...)
}

func (f *fakeBroker) inject(t *testing.T, topic string, payload []byte) error {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	if handler == nil {
		t.Fatalf("no handler subscribed on %s", topic)
	}
	return handler(topic, payload)
}

type harness struct {
	broker   *fakeBroker
	bus      *core.Bus
	states   *core.StateStore
	services *core.ServiceRegistry
	bridge   *Bridge
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	broker := newFakeBroker()
	bus := core.NewBus(nil)
	states := core.NewStateStore(bus, nil)
	services := core.NewServiceRegistry(bus, nil)

	b, err := New(broker, bus, services, 1, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })

	return &harness{broker: broker, bus: bus, states: states, services: services, bridge: b}
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.bus.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

func TestStateMirroredRetained(t *testing.T) {
	h := newHarness(t)

	attrs := core.NewAttributes("brightness", 128)
	if _, err := h.states.Set("light.kitchen", "on", attrs, core.NewContext(""), false); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	h.flush(t)

	recs := h.broker.records()
	if len(recs) != 1 {
		t.Fatalf("published %d messages, want 1", len(recs))
	}
	rec := recs[0]
	if rec.topic != "hearth/state/light/kitchen" {
		t.Errorf("topic = %s, want hearth/state/light/kitchen", rec.topic)
	}
	if !rec.retained {
		t.Error("state message not retained")
	}

	var wire statePayload
	if err := json.Unmarshal(rec.payload, &wire); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if wire.EntityID != "light.kitchen" || wire.State != "on" {
		t.Errorf("payload = %+v, want light.kitchen on", wire)
	}
	if got, _ := wire.Attributes.Get("brightness"); got != float64(128) {
		t.Errorf("brightness = %v, want 128", got)
	}
	if wire.LastChanged.IsZero() || wire.LastUpdated.IsZero() {
		t.Error("timestamps missing from wire payload")
	}
}

func TestRemovedEntityClearsRetained(t *testing.T) {
	h := newHarness(t)

	if _, err := h.states.Set("light.hall", "on", nil, core.NewContext(""), false); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	h.states.Remove("light.hall", core.NewContext(""))
	h.flush(t)

	recs := h.broker.records()
	if len(recs) != 2 {
		t.Fatalf("published %d messages, want 2", len(recs))
	}
	last := recs[1]
	if last.topic != "hearth/state/light/hall" {
		t.Errorf("topic = %s, want hearth/state/light/hall", last.topic)
	}
	if len(last.payload) != 0 {
		t.Errorf("clear payload = %q, want empty", last.payload)
	}
	if !last.retained {
		t.Error("clear message not retained")
	}
}

func TestServiceCallDispatch(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var got core.ServiceCall
	h.services.Register("light", "turn_on", func(_ context.Context, call core.ServiceCall) (core.ServiceResponse, error) {
		mu.Lock()
		got = call
		mu.Unlock()
		return nil, nil
	}, nil, core.ResponseNone)

	req := []byte(`{
		"domain": "light",
		"service": "turn_on",
		"service_data": {"brightness": 200},
		"target": {"entity_id": "light.kitchen"}
	}`)
	if err := h.broker.inject(t, "hearth/service/call", req); err != nil {
		t.Fatalf("inject error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Domain != "light" || got.Service != "turn_on" {
		t.Errorf("call = %s.%s, want light.turn_on", got.Domain, got.Service)
	}
	if got.Data["entity_id"] != "light.kitchen" {
		t.Errorf("entity_id = %v, want light.kitchen (target merge)", got.Data["entity_id"])
	}
	if got.Data["brightness"] != float64(200) {
		t.Errorf("brightness = %v, want 200", got.Data["brightness"])
	}

	recs := h.broker.records()
	if len(recs) != 1 {
		t.Fatalf("published %d messages, want 1 result", len(recs))
	}
	if !strings.HasPrefix(recs[0].topic, "hearth/service/result/") {
		t.Errorf("result topic = %s, want hearth/service/result/<id>", recs[0].topic)
	}
	var result callResult
	if err := json.Unmarshal(recs[0].payload, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.Success || result.Error != "" {
		t.Errorf("result = %+v, want success", result)
	}
	if result.CallID == "" {
		t.Error("result missing call_id")
	}
}

func TestServiceCallResponsePayload(t *testing.T) {
	h := newHarness(t)

	h.services.Register("conversation", "process", func(context.Context, core.ServiceCall) (core.ServiceResponse, error) {
		return core.ServiceResponse{"answer": 42}, nil
	}, nil, core.ResponseOnly)

	req := []byte(`{
		"domain": "conversation",
		"service": "process",
		"return_response": true,
		"response_topic": "hearth/service/result/custom"
	}`)
	if err := h.broker.inject(t, "hearth/service/call", req); err != nil {
		t.Fatalf("inject error = %v", err)
	}

	recs := h.broker.records()
	if len(recs) != 1 {
		t.Fatalf("published %d messages, want 1", len(recs))
	}
	if recs[0].topic != "hearth/service/result/custom" {
		t.Errorf("topic = %s, want hearth/service/result/custom", recs[0].topic)
	}

	var result callResult
	if err := json.Unmarshal(recs[0].payload, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Response["answer"] != float64(42) {
		t.Errorf("response = %v, want answer 42", result.Response)
	}
}

func TestServiceCallErrorReported(t *testing.T) {
	h := newHarness(t)

	req := []byte(`{"domain": "light", "service": "no_such_service"}`)
	if err := h.broker.inject(t, "hearth/service/call", req); err != nil {
		t.Fatalf("inject error = %v", err)
	}

	recs := h.broker.records()
	if len(recs) != 1 {
		t.Fatalf("published %d messages, want 1", len(recs))
	}
	var result callResult
	if err := json.Unmarshal(recs[0].payload, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Success {
		t.Error("result.Success = true for unknown service")
	}
	if !strings.Contains(result.Error, "unknown service") {
		t.Errorf("result.Error = %q, want unknown service", result.Error)
	}
}

func TestServiceCallMalformed(t *testing.T) {
	h := newHarness(t)

	if err := h.broker.inject(t, "hearth/service/call", []byte("{not json")); err == nil {
		t.Error("inject(malformed) error = nil, want decode error")
	}
	if err := h.broker.inject(t, "hearth/service/call", []byte(`{"service": "turn_on"}`)); err == nil {
		t.Error("inject(missing domain) error = nil, want error")
	}
	if recs := h.broker.records(); len(recs) != 0 {
		t.Errorf("published %d messages for malformed requests, want 0", len(recs))
	}
}

func TestCloseDetaches(t *testing.T) {
	h := newHarness(t)

	if err := h.bridge.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	h.broker.mu.Lock()
	_, subscribed := h.broker.handlers["hearth/service/call"]
	h.broker.mu.Unlock()
	if subscribed {
		t.Error("service call handler still subscribed after Close")
	}

	if _, err := h.states.Set("light.kitchen", "on", nil, core.NewContext(""), false); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	h.flush(t)
	if recs := h.broker.records(); len(recs) != 0 {
		t.Errorf("published %d messages after Close, want 0", len(recs))
	}
}

func TestPublishFailureDoesNotError(t *testing.T) {
	h := newHarness(t)
	h.broker.mu.Lock()
	h.broker.pubErr = errors.New("broker gone")
	h.broker.mu.Unlock()

	if _, err := h.states.Set("light.kitchen", "on", nil, core.NewContext(""), false); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	// Flush must not fail; publish errors are logged, not propagated.
	h.flush(t)
}
