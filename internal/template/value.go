package template

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// callable is a function value reachable from template expressions.
// Keyword arguments arrive in kwargs; a nil map means none were
// given.
type callable func(args []any, kwargs map[string]any) (any, error)

// boundMethod adapts a method on a concrete value into a callable.
type boundMethod struct {
	name string
	fn   callable
}

func (m *boundMethod) call(args []any, kwargs map[string]any) (any, error) {
	return m.fn(args, kwargs)
}

// TruthyString applies the hub's string truthiness rules: empty,
// whitespace-only, and the words false/no/off/0/none (any case) are
// false, everything else is true.
func TruthyString(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return false
	}
	switch strings.ToLower(t) {
	case "false", "no", "off", "0", "none":
		return false
	}
	return true
}

// truthy is Python truthiness for values inside expressions.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	case *DateTime:
		return true
	case TimeDelta:
		return x.d != 0
	case undefined:
		return false
	default:
		return true
	}
}

// toFloat coerces numbers, numeric strings, and bools.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// toInt coerces to an integer, truncating floats.
func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err == nil {
			return n, true
		}
		f, ferr := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if ferr != nil {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

// isNumber reports whether v is an int or float value.
func isNumber(v any) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

// normalizeNumber collapses a float with no fractional part that came
// out of integer-only arithmetic back to an int. Used by filters that
// promote through float64 internally.
func normalizeNumber(f float64) any {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return int64(f)
	}
	return f
}

// valueEqual compares two values with numeric cross-type equality and
// deep equality for containers.
func valueEqual(a, b any) bool {
	if an, aok := toNumericOnly(a); aok {
		if bn, bok := toNumericOnly(b); bok {
			return an == bn
		}
		return false
	}
	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		s, ok := b.(string)
		return ok && x == s
	case bool:
		v, ok := b.(bool)
		return ok && x == v
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valueEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, present := y[k]
			if !present || !valueEqual(v, w) {
				return false
			}
		}
		return true
	case *DateTime:
		y, ok := b.(*DateTime)
		return ok && x.t.Equal(y.t)
	case TimeDelta:
		y, ok := b.(TimeDelta)
		return ok && x.d == y.d
	default:
		return a == b
	}
}

// toNumericOnly is toFloat restricted to genuine numbers and bools,
// so "1" != 1 under == while 1 == 1.0 holds.
func toNumericOnly(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// compareValues orders two values. Numbers, strings, datetimes, and
// timedeltas are comparable; anything else errors.
func compareValues(a, b any) (int, error) {
	if an, aok := toNumericOnly(a); aok {
		bn, bok := toNumericOnly(b)
		if !bok {
			return 0, fmt.Errorf("cannot compare %s with %s", typeName(a), typeName(b))
		}
		switch {
		case an < bn:
			return -1, nil
		case an > bn:
			return 1, nil
		}
		return 0, nil
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare string with %s", typeName(b))
		}
		return strings.Compare(x, y), nil
	case *DateTime:
		y, ok := b.(*DateTime)
		if !ok {
			return 0, fmt.Errorf("cannot compare datetime with %s", typeName(b))
		}
		switch {
		case x.t.Before(y.t):
			return -1, nil
		case x.t.After(y.t):
			return 1, nil
		}
		return 0, nil
	case TimeDelta:
		y, ok := b.(TimeDelta)
		if !ok {
			return 0, fmt.Errorf("cannot compare timedelta with %s", typeName(b))
		}
		switch {
		case x.d < y.d:
			return -1, nil
		case x.d > y.d:
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot compare %s with %s", typeName(a), typeName(b))
}

// typeName reports Python-style type names, used by typeof and error
// messages.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	case *DateTime:
		return "datetime"
	case TimeDelta:
		return "timedelta"
	case undefined:
		return "undefined"
	case callable, *boundMethod:
		return "function"
	case *statesRoot:
		return "states"
	case *domainGroup:
		return "domain"
	case *stateObject:
		return "state"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// stringify renders a value the way Python's str() would inside a
// template output block.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case string:
		return x
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(repr(item))
		}
		b.WriteByte(']')
		return b.String()
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(repr(k))
			b.WriteString(": ")
			b.WriteString(repr(x[k]))
		}
		b.WriteByte('}')
		return b.String()
	case *DateTime:
		return x.String()
	case TimeDelta:
		return x.String()
	case *stateObject:
		return x.repr()
	case undefined:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// repr is stringify with quotes around strings, for container
// elements.
func repr(v any) string {
	if s, ok := v.(string); ok {
		return "'" + strings.ReplaceAll(s, "'", "\\'") + "'"
	}
	return stringify(v)
}

// formatFloat prints floats the shortest way that round-trips,
// keeping a trailing .0 on whole values so floats stay visibly
// floats.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") && !math.IsInf(f, 0) && !math.IsNaN(f) {
		s += ".0"
	}
	return s
}

// length reports the Python len() of a value.
func length(v any) (int64, bool) {
	switch x := v.(type) {
	case string:
		return int64(len([]rune(x))), true
	case []any:
		return int64(len(x)), true
	case map[string]any:
		return int64(len(x)), true
	}
	return 0, false
}

// contains implements the `in` operator.
func contains(item, container any) (bool, error) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("'in <string>' requires string operand, got %s", typeName(item))
		}
		return strings.Contains(c, s), nil
	case []any:
		for _, v := range c {
			if valueEqual(item, v) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, present := c[s]
		return present, nil
	default:
		return false, fmt.Errorf("%s is not iterable", typeName(container))
	}
}
