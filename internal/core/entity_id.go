package core

import "strings"

// EntityID addresses a single entity as "<domain>.<object_id>".
//
// Both parts are non-empty, ASCII lowercase, restricted to [a-z0-9_].
// An EntityID is immutable; construct one through NewEntityID so that
// invalid ids never circulate.
type EntityID string

// NewEntityID validates s and returns it as an EntityID.
// Returns ErrInvalidEntityID if s is not a valid entity id.
func NewEntityID(s string) (EntityID, error) {
	if !ValidEntityID(s) {
		return "", ErrInvalidEntityID
	}
	return EntityID(s), nil
}

// ValidEntityID reports whether s is a well-formed entity id.
func ValidEntityID(s string) bool {
	domain, object, ok := strings.Cut(s, ".")
	if !ok {
		return false
	}
	return validSlugPart(domain) && validSlugPart(object)
}

// validSlugPart reports whether s is non-empty and contains only
// [a-z0-9_].
func validSlugPart(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' {
			continue
		}
		return false
	}
	return true
}

// Domain returns the part before the dot ("light" in "light.kitchen").
func (e EntityID) Domain() string {
	domain, _, _ := strings.Cut(string(e), ".")
	return domain
}

// ObjectID returns the part after the dot ("kitchen" in "light.kitchen").
func (e EntityID) ObjectID() string {
	_, object, _ := strings.Cut(string(e), ".")
	return object
}

// String returns the id in its wire form.
func (e EntityID) String() string { return string(e) }
