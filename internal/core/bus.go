package core

import (
	"context"
	"sync"
	"time"
)

// Logger defines the logging interface used by the core components.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// WildcardEventType subscribes a handler to every event type.
const WildcardEventType = "*"

// EventHandler receives fired events. A returned error is logged and
// swallowed; it never blocks other subscribers.
type EventHandler func(Event) error

// subscription binds a handler to an event type. The id makes
// unsubscription idempotent.
type subscription struct {
	id      uint64
	handler EventHandler
}

// Bus is the hub's publish/subscribe event channel.
//
// Firing is non-blocking: events are queued and delivered on a single
// dispatcher goroutine, so for any two events fired in order by the
// same caller, every subscriber observes them in that order.
//
// Subscriber lists are copy-on-write: dispatch reads a snapshot and
// holds no locks while handlers run.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]subscription
	nextID      uint64

	queue  []Event
	cond   *sync.Cond
	closed bool
	done   chan struct{}

	logger Logger
}

// NewBus creates an event bus and starts its dispatcher goroutine.
// Call Close to stop it.
func NewBus(logger Logger) *Bus {
	if logger == nil {
		logger = noopLogger{}
	}
	b := &Bus{
		subscribers: make(map[string][]subscription),
		done:        make(chan struct{}),
		logger:      logger,
	}
	b.cond = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Subscribe registers handler for eventType (WildcardEventType for
// all events). The returned function removes the subscription and is
// safe to call more than once.
func (b *Bus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	// Copy-on-write: dispatch may be iterating the previous slice.
	current := b.subscribers[eventType]
	next := make([]subscription, len(current), len(current)+1)
	copy(next, current)
	b.subscribers[eventType] = append(next, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		current := b.subscribers[eventType]
		for i, sub := range current {
			if sub.id != id {
				continue
			}
			next := make([]subscription, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			if len(next) == 0 {
				delete(b.subscribers, eventType)
			} else {
				b.subscribers[eventType] = next
			}
			return
		}
	}
}

// Fire queues an event for delivery and returns immediately.
// TimeFired and Origin are filled in if unset. Firing on a closed bus
// is a logged no-op.
func (b *Bus) Fire(eventType string, data map[string]any, ctx Context, origin Origin) {
	if origin == "" {
		origin = OriginLocal
	}
	if ctx.IsZero() {
		ctx = NewContext("")
	}
	event := Event{
		Type:      eventType,
		Data:      data,
		Context:   ctx,
		Origin:    origin,
		TimeFired: time.Now().UTC(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("event dropped, bus closed", "event_type", eventType)
		return
	}
	b.queue = append(b.queue, event)
	b.cond.Signal()
	b.mu.Unlock()
}

// dispatch drains the queue, invoking subscribers in registration
// order. Runs until Close.
func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		event := b.queue[0]
		b.queue = b.queue[1:]
		subs := b.subscribers[event.Type]
		var wildcard []subscription
		if event.Type != flushEventType {
			wildcard = b.subscribers[WildcardEventType]
		}
		b.mu.Unlock()

		b.deliver(event, subs)
		b.deliver(event, wildcard)
	}
}

// deliver invokes each handler, logging and swallowing errors so one
// failing subscriber cannot block the rest.
func (b *Bus) deliver(event Event, subs []subscription) {
	for _, sub := range subs {
		if err := sub.handler(event); err != nil {
			b.logger.Error("event subscriber failed",
				"event_type", event.Type,
				"error", err,
			)
		}
	}
}

// Flush blocks until every event queued before the call has been
// delivered, or ctx is cancelled. Used by tests and by teardown.
func (b *Bus) Flush(ctx context.Context) error {
	drained := make(chan struct{})
	unsub := b.Subscribe(flushEventType, func(Event) error {
		close(drained)
		return nil
	})
	defer unsub()
	b.Fire(flushEventType, nil, Context{}, OriginLocal)

	select {
	case <-drained:
		return nil
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushEventType is internal to Flush; subscribers never see it by
// accident because they subscribe by exact type.
const flushEventType = "__flush__"

// Close stops the dispatcher after draining queued events. Subsequent
// Fire calls are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cond.Signal()
	b.mu.Unlock()
	<-b.done
}
