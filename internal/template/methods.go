package template

import (
	"fmt"
	"sort"
	"strings"
)

// stringMethod resolves Python str methods as bound callables.
func stringMethod(s, name string) (any, bool) {
	var fn callable
	switch name {
	case "upper":
		fn = func([]any, map[string]any) (any, error) { return strings.ToUpper(s), nil }
	case "lower":
		fn = func([]any, map[string]any) (any, error) { return strings.ToLower(s), nil }
	case "title":
		fn = func([]any, map[string]any) (any, error) { return titleCase(s), nil }
	case "capitalize":
		fn = func([]any, map[string]any) (any, error) {
			if s == "" {
				return s, nil
			}
			return strings.ToUpper(s[:1]) + strings.ToLower(s[1:]), nil
		}
	case "strip":
		fn = func(args []any, _ map[string]any) (any, error) {
			if len(args) == 1 {
				cut, ok := args[0].(string)
				if !ok {
					return nil, fmt.Errorf("strip argument must be a string")
				}
				return strings.Trim(s, cut), nil
			}
			return strings.TrimSpace(s), nil
		}
	case "lstrip":
		fn = func([]any, map[string]any) (any, error) { return strings.TrimLeft(s, " \t\r\n"), nil }
	case "rstrip":
		fn = func([]any, map[string]any) (any, error) { return strings.TrimRight(s, " \t\r\n"), nil }
	case "split":
		fn = func(args []any, _ map[string]any) (any, error) {
			var parts []string
			if len(args) == 0 {
				parts = strings.Fields(s)
			} else {
				sep, ok := args[0].(string)
				if !ok {
					return nil, fmt.Errorf("split separator must be a string")
				}
				parts = strings.Split(s, sep)
			}
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return out, nil
		}
	case "replace":
		fn = func(args []any, _ map[string]any) (any, error) {
			if len(args) < 2 {
				return nil, fmt.Errorf("replace expects two arguments")
			}
			old, ok1 := args[0].(string)
			new_, ok2 := args[1].(string)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("replace arguments must be strings")
			}
			return strings.ReplaceAll(s, old, new_), nil
		}
	case "startswith":
		fn = func(args []any, _ map[string]any) (any, error) {
			prefix, ok := argString(args, 0)
			if !ok {
				return nil, fmt.Errorf("startswith expects a string")
			}
			return strings.HasPrefix(s, prefix), nil
		}
	case "endswith":
		fn = func(args []any, _ map[string]any) (any, error) {
			suffix, ok := argString(args, 0)
			if !ok {
				return nil, fmt.Errorf("endswith expects a string")
			}
			return strings.HasSuffix(s, suffix), nil
		}
	default:
		return nil, false
	}
	return &boundMethod{name: name, fn: fn}, true
}

func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

// titleCase uppercases the first letter of each word.
func titleCase(s string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range s {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		switch {
		case isLetter && !prevLetter:
			b.WriteString(strings.ToUpper(string(r)))
		case isLetter:
			b.WriteString(strings.ToLower(string(r)))
		default:
			b.WriteRune(r)
		}
		prevLetter = isLetter
	}
	return b.String()
}

// dictMethod resolves Python dict methods as bound callables. Key
// ordering is sorted for determinism.
func dictMethod(m map[string]any, name string) (any, bool) {
	var fn callable
	switch name {
	case "keys":
		fn = func([]any, map[string]any) (any, error) {
			return sortedKeysAny(m), nil
		}
	case "values":
		fn = func([]any, map[string]any) (any, error) {
			keys := sortedKeys(m)
			out := make([]any, len(keys))
			for i, k := range keys {
				out[i] = m[k]
			}
			return out, nil
		}
	case "items":
		fn = func([]any, map[string]any) (any, error) {
			keys := sortedKeys(m)
			out := make([]any, len(keys))
			for i, k := range keys {
				out[i] = []any{k, m[k]}
			}
			return out, nil
		}
	case "get":
		fn = func(args []any, _ map[string]any) (any, error) {
			key, ok := argString(args, 0)
			if !ok {
				return nil, fmt.Errorf("get expects a string key")
			}
			if v, present := m[key]; present {
				return v, nil
			}
			if len(args) > 1 {
				return args[1], nil
			}
			return nil, nil
		}
	default:
		return nil, false
	}
	return &boundMethod{name: name, fn: fn}, true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysAny(m map[string]any) []any {
	keys := sortedKeys(m)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
