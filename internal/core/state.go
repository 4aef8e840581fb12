package core

import (
	"sync"
	"time"
)

// State is an immutable snapshot of one entity at a point in time.
//
// Timestamp semantics:
//   - LastChanged advances only when the state string changed.
//   - LastUpdated advances whenever anything about the entity was
//     rewritten (including attributes-only changes).
//   - LastReported advances on every write, even a no-op one.
type State struct {
	EntityID     EntityID    `json:"entity_id"`
	State        string      `json:"state"`
	Attributes   *Attributes `json:"attributes"`
	LastChanged  time.Time   `json:"last_changed"`
	LastUpdated  time.Time   `json:"last_updated"`
	LastReported time.Time   `json:"last_reported"`
	Context      Context     `json:"context"`
}

// Attr returns the named attribute, or nil when absent.
func (s *State) Attr(name string) any {
	if s == nil {
		return nil
	}
	v, _ := s.Attributes.Get(name)
	return v
}

// Transition describes the outcome of a StateStore.Set call.
type Transition struct {
	Old *State
	New *State
	// Fired is true when a state_changed event was published.
	Fired bool
}

// StateStore is the authoritative entity → state mapping.
//
// All returned *State values are read-only snapshots; writes replace
// the stored pointer under a short internal mutex and fire
// state_changed on the bus. Readers never block writers.
type StateStore struct {
	mu     sync.RWMutex
	states map[EntityID]*State
	order  []EntityID // insertion order, for stable All() snapshots

	bus    *Bus
	logger Logger
}

// NewStateStore creates a state store that fires state_changed events
// on bus.
func NewStateStore(bus *Bus, logger Logger) *StateStore {
	if logger == nil {
		logger = noopLogger{}
	}
	return &StateStore{
		states: make(map[EntityID]*State),
		bus:    bus,
		logger: logger,
	}
}

// Get returns the current state snapshot for entityID, or nil when
// the entity has no state.
func (s *StateStore) Get(entityID EntityID) *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[entityID]
}

// All returns a stable snapshot of every state, in the order entities
// first appeared.
func (s *StateStore) All() []*State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]*State, 0, len(s.order))
	for _, id := range s.order {
		if st, ok := s.states[id]; ok {
			states = append(states, st)
		}
	}
	return states
}

// Count returns the number of entities with a state.
func (s *StateStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// Set writes a new state for entityID and fires state_changed when
// anything observable changed (or forceUpdate is set).
//
// Rules:
//   - Same state string, equal attributes, no force: only
//     LastReported advances; no event fires.
//   - Attributes-only change: LastChanged preserved, LastUpdated
//     advances, event fires.
//   - State-string change: both timestamps advance, event fires.
//
// attrs may be nil for "no attributes". The caller must not mutate
// attrs after the call.
func (s *StateStore) Set(entityID EntityID, newState string, attrs *Attributes, ctx Context, forceUpdate bool) (Transition, error) {
	if !ValidEntityID(string(entityID)) {
		return Transition{}, ErrInvalidEntityID
	}
	if attrs == nil {
		attrs = &Attributes{}
	}
	if ctx.IsZero() {
		ctx = NewContext("")
	}
	s.mu.Lock()
	now := time.Now().UTC()
	old := s.states[entityID]

	sameState := old != nil && old.State == newState
	sameAttrs := old != nil && old.Attributes.Equal(attrs)

	if sameState && sameAttrs && !forceUpdate {
		// Nothing observable changed; record the report only.
		updated := *old
		updated.LastReported = now
		s.states[entityID] = &updated
		s.mu.Unlock()
		return Transition{Old: old, New: &updated}, nil
	}

	next := &State{
		EntityID:     entityID,
		State:        newState,
		Attributes:   attrs,
		LastChanged:  now,
		LastUpdated:  now,
		LastReported: now,
		Context:      ctx,
	}
	if sameState {
		next.LastChanged = old.LastChanged
	}
	if old == nil {
		s.order = append(s.order, entityID)
	}
	s.states[entityID] = next

	// Fire while still holding the lock so the bus queue order matches
	// commit order. Fire only appends to the queue, it never blocks.
	s.fireStateChanged(entityID, old, next, ctx)
	s.mu.Unlock()

	return Transition{Old: old, New: next, Fired: true}, nil
}

// Remove deletes the entity's state and fires state_changed with a
// nil new state. Returns the removed state, or nil if none existed.
func (s *StateStore) Remove(entityID EntityID, ctx Context) *State {
	if ctx.IsZero() {
		ctx = NewContext("")
	}

	s.mu.Lock()
	old, ok := s.states[entityID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.states, entityID)
	for i, id := range s.order {
		if id == entityID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.fireStateChanged(entityID, old, nil, ctx)
	s.mu.Unlock()

	return old
}

// fireStateChanged publishes the transition on the bus. Old and new
// may each be nil (entity appeared / disappeared).
func (s *StateStore) fireStateChanged(entityID EntityID, old, next *State, ctx Context) {
	data := map[string]any{
		"entity_id": string(entityID),
	}
	if old != nil {
		data["old_state"] = old
	} else {
		data["old_state"] = nil
	}
	if next != nil {
		data["new_state"] = next
	} else {
		data["new_state"] = nil
	}
	s.bus.Fire(EventStateChanged, data, ctx, OriginLocal)
}
