package core

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Context carries causal metadata through the system. Every state
// mutation and every event holds one; parent linkage ties an effect
// (a light turning on) back to its cause (the automation run that
// called the service).
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// ulidSource guards a monotonic entropy source so that IDs generated
// within the same millisecond still sort in generation order.
var ulidSource = struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}{
	entropy: ulid.Monotonic(rand.Reader, 0),
}

// newULID returns a fresh lowercase-insensitive ULID string.
func newULID() string {
	ulidSource.mu.Lock()
	defer ulidSource.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidSource.entropy).String()
}

// NewContext creates a fresh context with no parent.
// userID may be empty for system-originated mutations.
func NewContext(userID string) Context {
	return Context{ID: newULID(), UserID: userID}
}

// NewChildContext creates a context whose ParentID records parent as
// the cause. The user id is inherited.
func NewChildContext(parent Context) Context {
	return Context{ID: newULID(), ParentID: parent.ID, UserID: parent.UserID}
}

// IsZero reports whether the context was never initialised.
func (c Context) IsZero() bool { return c.ID == "" }
