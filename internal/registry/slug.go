package registry

import "strings"

// Slugify converts a free-form name to entity-id object form:
// lowercase, [a-z0-9_], runs of other characters collapsed to single
// underscores, trimmed at both ends.
//
// Example: "Living Room Ceiling!" becomes "living_room_ceiling".
func Slugify(name string) string {
	var b strings.Builder
	lastUnderscore := true // suppress leading underscore
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}
