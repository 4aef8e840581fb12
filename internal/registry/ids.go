package registry

import (
	"strings"

	"github.com/google/uuid"
)

// NewRowID generates a registry row id: a random UUID as 32 lowercase
// hex characters, matching the on-disk format of every catalog.
func NewRowID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
