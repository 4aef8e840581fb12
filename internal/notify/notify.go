// Package notify holds persistent notifications: user-visible notices
// that survive until dismissed. Every change fires a bus event so UI
// subscribers can refresh without polling.
package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/hearth-core/internal/core"
)

// ErrNotFound is returned when dismissing an unknown notification.
var ErrNotFound = errors.New("notify: notification not found")

// Bus is the event publisher. core.Bus satisfies it.
type Bus interface {
	Fire(eventType string, data map[string]any, ctx core.Context, origin core.Origin)
}

// Notification is one persistent notice.
type Notification struct {
	ID        string    `json:"notification_id"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager owns the live notifications.
type Manager struct {
	bus Bus
	now func() time.Time

	mu    sync.Mutex
	items map[string]Notification
	order []string // creation order
}

// NewManager creates an empty manager. bus may be nil.
func NewManager(bus Bus) *Manager {
	return &Manager{
		bus:   bus,
		now:   time.Now,
		items: make(map[string]Notification),
	}
}

// Create adds or replaces a notification. An empty id gets a
// generated one. The (possibly generated) id is returned.
func (m *Manager) Create(id, message, title string, ctx core.Context) string {
	if id == "" {
		id = uuid.NewString()
	}
	n := Notification{
		ID:        id,
		Title:     title,
		Message:   message,
		CreatedAt: m.now().UTC(),
	}

	m.mu.Lock()
	if existing, ok := m.items[id]; ok {
		// Replacing keeps the original creation time and position.
		n.CreatedAt = existing.CreatedAt
	} else {
		m.order = append(m.order, id)
	}
	m.items[id] = n
	m.mu.Unlock()

	m.fireUpdated(id, "added", ctx)
	return id
}

// Dismiss removes one notification.
func (m *Manager) Dismiss(id string, ctx core.Context) error {
	m.mu.Lock()
	if _, ok := m.items[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.items, id)
	m.removeFromOrder(id)
	m.mu.Unlock()

	m.fireUpdated(id, "removed", ctx)
	return nil
}

// DismissAll removes every notification, firing one event per
// removal.
func (m *Manager) DismissAll(ctx core.Context) {
	m.mu.Lock()
	removed := m.order
	m.items = make(map[string]Notification)
	m.order = nil
	m.mu.Unlock()

	for _, id := range removed {
		m.fireUpdated(id, "removed", ctx)
	}
}

// Get returns one notification.
func (m *Manager) Get(id string) (Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	return n, ok
}

// List returns notifications in creation order.
func (m *Manager) List() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.items[id])
	}
	return out
}

func (m *Manager) removeFromOrder(id string) {
	for i, have := range m.order {
		if have == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Manager) fireUpdated(id, action string, ctx core.Context) {
	if m.bus == nil {
		return
	}
	m.bus.Fire(core.EventNotificationsUpdated, map[string]any{
		"notification_id": id,
		"action":          action,
	}, ctx, core.OriginLocal)
}
