package registry

import (
	"fmt"
	"strings"
)

// macHexDigits is the number of hex digits in a MAC-48 address.
const macHexDigits = 12

// NormalizeMAC converts any common MAC notation to the canonical
// lowercase colon-separated form.
//
// Accepted inputs (case-insensitive):
//
//	aa:bb:cc:dd:ee:ff
//	AA-BB-CC-DD-EE-FF
//	AABB.CCDD.EEFF
//	AABBCCDDEEFF
//
// All normalize to "aa:bb:cc:dd:ee:ff".
func NormalizeMAC(mac string) (string, error) {
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ':', '-', '.':
			return -1
		}
		return r
	}, mac)

	if len(stripped) != macHexDigits {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	stripped = strings.ToLower(stripped)
	for i := 0; i < len(stripped); i++ {
		c := stripped[i]
		if c >= '0' && c <= '9' || c >= 'a' && c <= 'f' {
			continue
		}
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}

	var b strings.Builder
	for i := 0; i < macHexDigits; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(stripped[i : i+2])
	}
	return b.String(), nil
}
