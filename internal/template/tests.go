package template

import (
	"fmt"
	"regexp"
)

// testFunc implements an "is" test. args come from the test call
// site, e.g. value is divisibleby 3.
type testFunc func(v any, args []any) (bool, error)

var tests = map[string]testFunc{
	"defined":   func(v any, _ []any) (bool, error) { return !isUndefined(v), nil },
	"undefined": func(v any, _ []any) (bool, error) { return isUndefined(v), nil },
	"none":      func(v any, _ []any) (bool, error) { return v == nil, nil },
	"boolean":   func(v any, _ []any) (bool, error) { _, ok := v.(bool); return ok, nil },
	"string":    func(v any, _ []any) (bool, error) { _, ok := v.(string); return ok, nil },
	"list": func(v any, _ []any) (bool, error) {
		_, ok := v.([]any)
		return ok, nil
	},
	"mapping": func(v any, _ []any) (bool, error) {
		_, ok := v.(map[string]any)
		return ok, nil
	},
	"number":   testNumber,
	"integer":  func(v any, _ []any) (bool, error) { _, ok := v.(int64); return ok, nil },
	"float":    func(v any, _ []any) (bool, error) { _, ok := v.(float64); return ok, nil },
	"datetime": func(v any, _ []any) (bool, error) { _, ok := v.(*DateTime); return ok, nil },
	"odd":      testOdd,
	"even":     testEven,
	"divisibleby": func(v any, args []any) (bool, error) {
		n, ok := toInt(v)
		if !ok {
			return false, fmt.Errorf("expects an integer")
		}
		if len(args) < 1 {
			return false, fmt.Errorf("divisibleby needs a divisor")
		}
		d, dok := toInt(args[0])
		if !dok || d == 0 {
			return false, fmt.Errorf("invalid divisor")
		}
		return n%d == 0, nil
	},
	"eq": testEq,
	"ne": func(v any, args []any) (bool, error) {
		eq, err := testEq(v, args)
		return !eq, err
	},
	"match":  testMatch,
	"search": testSearch,
	"contains": func(v any, args []any) (bool, error) {
		if len(args) < 1 {
			return false, fmt.Errorf("contains needs a value")
		}
		return contains(args[0], v)
	},
	"in": func(v any, args []any) (bool, error) {
		if len(args) < 1 {
			return false, fmt.Errorf("in needs a container")
		}
		return contains(v, args[0])
	},
}

func testNumber(v any, _ []any) (bool, error) {
	switch v.(type) {
	case int64, float64:
		return true, nil
	}
	return false, nil
}

func testOdd(v any, _ []any) (bool, error) {
	n, ok := toInt(v)
	if !ok {
		return false, fmt.Errorf("expects an integer")
	}
	return n%2 != 0, nil
}

func testEven(v any, _ []any) (bool, error) {
	n, ok := toInt(v)
	if !ok {
		return false, fmt.Errorf("expects an integer")
	}
	return n%2 == 0, nil
}

func testEq(v any, args []any) (bool, error) {
	if len(args) < 1 {
		return false, fmt.Errorf("eq needs a value")
	}
	return valueEqual(v, args[0]), nil
}

func testMatch(v any, args []any) (bool, error) {
	pattern, err := testPattern(args)
	if err != nil {
		return false, err
	}
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return false, fmt.Errorf("invalid pattern %q", pattern)
	}
	return re.MatchString(stringify(v)), nil
}

func testSearch(v any, args []any) (bool, error) {
	pattern, err := testPattern(args)
	if err != nil {
		return false, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid pattern %q", pattern)
	}
	return re.MatchString(stringify(v)), nil
}

func testPattern(args []any) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("needs a pattern")
	}
	s, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("pattern must be a string")
	}
	return s, nil
}
