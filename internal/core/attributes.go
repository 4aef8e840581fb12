package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Attributes is an insertion-ordered string-keyed map. State
// attributes must round-trip through JSON with their original key
// order, which Go maps cannot guarantee, so the order is tracked
// explicitly.
//
// The zero value is ready to use. Attributes is not safe for
// concurrent mutation; the state store only mutates private copies.
type Attributes struct {
	keys   []string
	values map[string]any
}

// NewAttributes builds Attributes from alternating key/value pairs.
//
// Example:
//
//	core.NewAttributes("brightness", 255, "color_mode", "rgb")
func NewAttributes(pairs ...any) *Attributes {
	a := &Attributes{}
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		a.Set(key, pairs[i+1])
	}
	return a
}

// AttributesFromMap builds Attributes from m with keys in the order
// given by order. Keys of m absent from order are appended in map
// iteration order (callers wanting determinism pass a full order).
func AttributesFromMap(m map[string]any, order []string) *Attributes {
	a := &Attributes{}
	for _, k := range order {
		if v, ok := m[k]; ok {
			a.Set(k, v)
		}
	}
	for k, v := range m {
		if _, ok := a.Get(k); !ok {
			a.Set(k, v)
		}
	}
	return a
}

// Get returns the value for key and whether it was present.
func (a *Attributes) Get(key string) (any, bool) {
	if a == nil || a.values == nil {
		return nil, false
	}
	v, ok := a.values[key]
	return v, ok
}

// Set inserts or replaces key. A new key is appended to the iteration
// order; replacing keeps the original position.
func (a *Attributes) Set(key string, value any) {
	if a.values == nil {
		a.values = make(map[string]any)
	}
	if _, exists := a.values[key]; !exists {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

// Len returns the number of attributes.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Keys returns the keys in insertion order. The slice is a copy.
func (a *Attributes) Keys() []string {
	if a == nil {
		return nil
	}
	keys := make([]string, len(a.keys))
	copy(keys, a.keys)
	return keys
}

// Map returns a plain map copy of the attributes. Order is lost;
// useful for handing data to code that does not care.
func (a *Attributes) Map() map[string]any {
	if a == nil {
		return map[string]any{}
	}
	m := make(map[string]any, len(a.keys))
	for k, v := range a.values {
		m[k] = v
	}
	return m
}

// Copy returns an independent copy. Values are shared, which is safe
// because attribute values are treated as immutable once stored.
func (a *Attributes) Copy() *Attributes {
	cpy := &Attributes{}
	if a == nil {
		return cpy
	}
	cpy.keys = make([]string, len(a.keys))
	copy(cpy.keys, a.keys)
	cpy.values = make(map[string]any, len(a.values))
	for k, v := range a.values {
		cpy.values[k] = v
	}
	return cpy
}

// Equal reports whether a and b hold the same keys and deeply equal
// values. Key order does not affect equality.
func (a *Attributes) Equal(b *Attributes) bool {
	if a.Len() != b.Len() {
		return false
	}
	if a == nil || b == nil {
		return true // both empty
	}
	for k, av := range a.values {
		bv, ok := b.values[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the attributes as a JSON object with keys in
// insertion order.
func (a *Attributes) MarshalJSON() ([]byte, error) {
	if a == nil || len(a.keys) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(a.values[k])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving key order.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("attributes: expected object, got %v", tok)
	}
	a.keys = nil
	a.values = make(map[string]any)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("attribute %q: %w", key, err)
		}
		a.Set(key, normalizeJSONNumbers(value))
	}
	_, err = dec.Token() // closing brace
	return err
}

// normalizeJSONNumbers converts json.Number values back to float64 so
// decoded attributes compare equal to ones set in code. Numbers that
// do not fit a float64 stay as strings.
func normalizeJSONNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = normalizeJSONNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeJSONNumbers(t[k])
		}
		return t
	default:
		return v
	}
}
