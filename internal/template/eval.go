package template

import (
	"math"
	"sort"
	"strings"
)

// undefined is the value of a name or attribute that does not exist.
// It is falsy, renders as the empty string, and fails arithmetic.
type undefined struct {
	name string
}

func isUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// env is one rendering environment: a scope chain over the engine's
// global surface.
type env struct {
	scopes []map[string]any
}

func (e *env) push() {
	e.scopes = append(e.scopes, make(map[string]any))
}

func (e *env) pop() {
	e.scopes = e.scopes[:len(e.scopes)-1]
}

func (e *env) set(name string, v any) {
	e.scopes[len(e.scopes)-1][name] = v
}

func (e *env) lookup(name string) (any, bool) {
	for i := len(e.scopes) - 1; i >= 0; i-- {
		if v, ok := e.scopes[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

// renderNodes evaluates a node list into out.
func renderNodes(nodes []node, ev *env, out *strings.Builder) error {
	for _, n := range nodes {
		switch x := n.(type) {
		case *textNode:
			out.WriteString(x.text)

		case *outputNode:
			v, err := evalExpr(x.expr, ev)
			if err != nil {
				return err
			}
			if !isUndefined(v) {
				out.WriteString(stringify(v))
			}

		case *setNode:
			v, err := evalExpr(x.expr, ev)
			if err != nil {
				return err
			}
			ev.set(x.name, v)

		case *ifNode:
			taken := false
			for _, br := range x.branches {
				v, err := evalExpr(br.cond, ev)
				if err != nil {
					return err
				}
				if truthy(v) {
					taken = true
					if err := renderNodes(br.body, ev, out); err != nil {
						return err
					}
					break
				}
			}
			if !taken && x.elseBody != nil {
				if err := renderNodes(x.elseBody, ev, out); err != nil {
					return err
				}
			}

		case *forNode:
			if err := renderFor(x, ev, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func renderFor(f *forNode, ev *env, out *strings.Builder) error {
	iter, err := evalExpr(f.iter, ev)
	if err != nil {
		return err
	}
	items, err := iterate(iter)
	if err != nil {
		return errAt(f.iter.position(), "%s", err)
	}
	if len(items) == 0 {
		if f.elseBody != nil {
			return renderNodes(f.elseBody, ev, out)
		}
		return nil
	}
	ev.push()
	defer ev.pop()
	for i, item := range items {
		ev.set("loop", map[string]any{
			"index":  int64(i + 1),
			"index0": int64(i),
			"first":  i == 0,
			"last":   i == len(items)-1,
			"length": int64(len(items)),
		})
		if len(f.vars) == 1 {
			ev.set(f.vars[0], item)
		} else {
			parts, ok := item.([]any)
			if !ok || len(parts) != len(f.vars) {
				return errAt(f.iter.position(), "cannot unpack %s into %d names", typeName(item), len(f.vars))
			}
			for j, name := range f.vars {
				ev.set(name, parts[j])
			}
		}
		if err := renderNodes(f.body, ev, out); err != nil {
			return err
		}
	}
	return nil
}

// iterate flattens a value into the deterministic list a for loop
// walks. Maps iterate over sorted keys.
func iterate(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	case string:
		runes := []rune(x)
		out := make([]any, len(runes))
		for i, r := range runes {
			out[i] = string(r)
		}
		return out, nil
	case *statesRoot:
		return x.iterate(), nil
	case *domainGroup:
		return x.iterate(), nil
	case undefined:
		return nil, nil
	default:
		return nil, errIterate(v)
	}
}

func errIterate(v any) error {
	return &Error{Msg: typeName(v) + " is not iterable"}
}

func evalExpr(e expr, ev *env) (any, error) {
	switch x := e.(type) {
	case *litExpr:
		return x.val, nil

	case *nameExpr:
		if v, ok := ev.lookup(x.name); ok {
			return v, nil
		}
		return undefined{name: x.name}, nil

	case *listExpr:
		out := make([]any, len(x.items))
		for i, item := range x.items {
			v, err := evalExpr(item, ev)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case *dictExpr:
		out := make(map[string]any, len(x.keys))
		for i := range x.keys {
			k, err := evalExpr(x.keys[i], ev)
			if err != nil {
				return nil, err
			}
			key, ok := k.(string)
			if !ok {
				return nil, errAt(x.keys[i].position(), "dict keys must be strings, got %s", typeName(k))
			}
			v, err := evalExpr(x.vals[i], ev)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil

	case *unaryExpr:
		return evalUnary(x, ev)

	case *binExpr:
		return evalBinary(x, ev)

	case *condExpr:
		c, err := evalExpr(x.cond, ev)
		if err != nil {
			return nil, err
		}
		if truthy(c) {
			return evalExpr(x.then, ev)
		}
		if x.els == nil {
			return undefined{}, nil
		}
		return evalExpr(x.els, ev)

	case *attrExpr:
		v, err := evalExpr(x.x, ev)
		if err != nil {
			return nil, err
		}
		return getAttr(v, x.name, x.pos)

	case *indexExpr:
		return evalIndex(x, ev)

	case *callExpr:
		return evalCall(x, ev)

	case *filterExpr:
		return evalFilter(x, ev)

	case *testExpr:
		return evalTest(x, ev)
	}
	return nil, errAt(e.position(), "unsupported expression")
}

func evalUnary(x *unaryExpr, ev *env) (any, error) {
	v, err := evalExpr(x.x, ev)
	if err != nil {
		return nil, err
	}
	switch x.op {
	case "not":
		return !truthy(v), nil
	case "-":
		switch n := v.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		case TimeDelta:
			return TimeDelta{d: -n.d}, nil
		}
		return nil, errAt(x.pos, "cannot negate %s", typeName(v))
	case "+":
		if isNumber(v) {
			return v, nil
		}
		return nil, errAt(x.pos, "unary + on %s", typeName(v))
	}
	return nil, errAt(x.pos, "unknown operator %q", x.op)
}

func evalBinary(x *binExpr, ev *env) (any, error) {
	// and/or short-circuit and return the deciding operand.
	if x.op == "and" || x.op == "or" {
		l, err := evalExpr(x.l, ev)
		if err != nil {
			return nil, err
		}
		if x.op == "and" && !truthy(l) {
			return l, nil
		}
		if x.op == "or" && truthy(l) {
			return l, nil
		}
		return evalExpr(x.r, ev)
	}

	l, err := evalExpr(x.l, ev)
	if err != nil {
		return nil, err
	}
	r, err := evalExpr(x.r, ev)
	if err != nil {
		return nil, err
	}

	switch x.op {
	case "==":
		return valueEqual(l, r), nil
	case "!=":
		return !valueEqual(l, r), nil
	case "<", "<=", ">", ">=":
		c, err := compareValues(l, r)
		if err != nil {
			return nil, errAt(x.pos, "%s", err)
		}
		switch x.op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "in":
		ok, err := contains(l, r)
		if err != nil {
			return nil, errAt(x.pos, "%s", err)
		}
		return ok, nil
	case "~":
		return stringify(l) + stringify(r), nil
	}
	return arith(x.op, l, r, x.pos)
}

// arith implements + - * / // % ** with Python numeric behavior.
func arith(op string, l, r any, pos int) (any, error) {
	// Non-numeric + and * special cases first.
	switch op {
	case "+":
		switch a := l.(type) {
		case string:
			if b, ok := r.(string); ok {
				return a + b, nil
			}
		case []any:
			if b, ok := r.([]any); ok {
				out := make([]any, 0, len(a)+len(b))
				out = append(out, a...)
				out = append(out, b...)
				return out, nil
			}
		case *DateTime:
			if b, ok := r.(TimeDelta); ok {
				return NewDateTime(a.t.Add(b.d)), nil
			}
		case TimeDelta:
			switch b := r.(type) {
			case TimeDelta:
				return TimeDelta{d: a.d + b.d}, nil
			case *DateTime:
				return NewDateTime(b.t.Add(a.d)), nil
			}
		}
	case "-":
		switch a := l.(type) {
		case *DateTime:
			switch b := r.(type) {
			case TimeDelta:
				return NewDateTime(a.t.Add(-b.d)), nil
			case *DateTime:
				return TimeDelta{d: a.t.Sub(b.t)}, nil
			}
		case TimeDelta:
			if b, ok := r.(TimeDelta); ok {
				return TimeDelta{d: a.d - b.d}, nil
			}
		}
	case "*":
		if s, ok := l.(string); ok {
			if n, nok := r.(int64); nok {
				return strings.Repeat(s, int(max64(n, 0))), nil
			}
		}
		if list, ok := l.([]any); ok {
			if n, nok := r.(int64); nok {
				out := make([]any, 0, len(list)*int(max64(n, 0)))
				for i := int64(0); i < n; i++ {
					out = append(out, list...)
				}
				return out, nil
			}
		}
	}

	li, lIsInt := l.(int64)
	ri, rIsInt := r.(int64)
	if lIsInt && rIsInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, errAt(pos, "division by zero")
			}
			return float64(li) / float64(ri), nil
		case "//":
			if ri == 0 {
				return nil, errAt(pos, "division by zero")
			}
			return floorDivInt(li, ri), nil
		case "%":
			if ri == 0 {
				return nil, errAt(pos, "modulo by zero")
			}
			return pyModInt(li, ri), nil
		case "**":
			if ri >= 0 {
				return intPow(li, ri), nil
			}
			return math.Pow(float64(li), float64(ri)), nil
		}
	}

	lf, lok := toNumericOnly(l)
	rf, rok := toNumericOnly(r)
	if !lok || !rok {
		return nil, errAt(pos, "unsupported operand types for %s: %s and %s", op, typeName(l), typeName(r))
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, errAt(pos, "division by zero")
		}
		return lf / rf, nil
	case "//":
		if rf == 0 {
			return nil, errAt(pos, "division by zero")
		}
		return math.Floor(lf / rf), nil
	case "%":
		if rf == 0 {
			return nil, errAt(pos, "modulo by zero")
		}
		m := math.Mod(lf, rf)
		if m != 0 && (m < 0) != (rf < 0) {
			m += rf
		}
		return m, nil
	case "**":
		return math.Pow(lf, rf), nil
	}
	return nil, errAt(pos, "unknown operator %q", op)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// floorDivInt is Python's // for integers.
func floorDivInt(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// pyModInt is Python's % for integers: the result takes the divisor's
// sign.
func pyModInt(a, b int64) int64 {
	m := a % b
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

func intPow(base, exp int64) int64 {
	out := int64(1)
	for i := int64(0); i < exp; i++ {
		out *= base
	}
	return out
}

func evalIndex(x *indexExpr, ev *env) (any, error) {
	v, err := evalExpr(x.x, ev)
	if err != nil {
		return nil, err
	}
	if x.isSlice {
		return evalSlice(x, v, ev)
	}
	idx, err := evalExpr(x.idx, ev)
	if err != nil {
		return nil, err
	}
	switch c := v.(type) {
	case []any:
		i, ok := toInt(idx)
		if !ok {
			return nil, errAt(x.pos, "list index must be an integer, got %s", typeName(idx))
		}
		if i < 0 {
			i += int64(len(c))
		}
		if i < 0 || i >= int64(len(c)) {
			return nil, errAt(x.pos, "list index %d out of range", i)
		}
		return c[i], nil
	case map[string]any:
		k, ok := idx.(string)
		if !ok {
			return nil, errAt(x.pos, "dict key must be a string, got %s", typeName(idx))
		}
		if val, present := c[k]; present {
			return val, nil
		}
		return undefined{name: k}, nil
	case string:
		i, ok := toInt(idx)
		if !ok {
			return nil, errAt(x.pos, "string index must be an integer")
		}
		runes := []rune(c)
		if i < 0 {
			i += int64(len(runes))
		}
		if i < 0 || i >= int64(len(runes)) {
			return nil, errAt(x.pos, "string index %d out of range", i)
		}
		return string(runes[i]), nil
	case *stateObject:
		if k, ok := idx.(string); ok {
			return getAttr(c, k, x.pos)
		}
	}
	return nil, errAt(x.pos, "%s is not subscriptable", typeName(v))
}

func evalSlice(x *indexExpr, v any, ev *env) (any, error) {
	var items []any
	var isString bool
	switch c := v.(type) {
	case []any:
		items = c
	case string:
		isString = true
		for _, r := range c {
			items = append(items, string(r))
		}
	default:
		return nil, errAt(x.pos, "%s does not support slicing", typeName(v))
	}

	lo, hi := int64(0), int64(len(items))
	if x.lo != nil {
		v, err := evalExpr(x.lo, ev)
		if err != nil {
			return nil, err
		}
		n, ok := toInt(v)
		if !ok {
			return nil, errAt(x.pos, "slice bounds must be integers")
		}
		lo = n
	}
	if x.hi != nil {
		v, err := evalExpr(x.hi, ev)
		if err != nil {
			return nil, err
		}
		n, ok := toInt(v)
		if !ok {
			return nil, errAt(x.pos, "slice bounds must be integers")
		}
		hi = n
	}
	n := int64(len(items))
	if lo < 0 {
		lo += n
	}
	if hi < 0 {
		hi += n
	}
	lo = clamp64(lo, 0, n)
	hi = clamp64(hi, 0, n)
	if lo > hi {
		lo = hi
	}
	out := items[lo:hi]
	if isString {
		var b strings.Builder
		for _, r := range out {
			b.WriteString(r.(string))
		}
		return b.String(), nil
	}
	return append([]any(nil), out...), nil
}

func clamp64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func evalCall(x *callExpr, ev *env) (any, error) {
	fn, err := evalExpr(x.fn, ev)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(x.args))
	for i, a := range x.args {
		v, err := evalExpr(a, ev)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	var kwargs map[string]any
	if len(x.kwargs) > 0 {
		kwargs = make(map[string]any, len(x.kwargs))
		for k, a := range x.kwargs {
			v, err := evalExpr(a, ev)
			if err != nil {
				return nil, err
			}
			kwargs[k] = v
		}
	}
	return callValue(fn, args, kwargs, x.pos)
}

func callValue(fn any, args []any, kwargs map[string]any, pos int) (any, error) {
	switch f := fn.(type) {
	case callable:
		out, err := f(args, kwargs)
		if err != nil {
			return nil, errAt(pos, "%s", err)
		}
		return out, nil
	case *boundMethod:
		out, err := f.call(args, kwargs)
		if err != nil {
			return nil, errAt(pos, "%s: %s", f.name, err)
		}
		return out, nil
	case *statesRoot:
		return f.callAsFunction(args, pos)
	case undefined:
		return nil, errAt(pos, "%q is undefined", f.name)
	default:
		return nil, errAt(pos, "%s is not callable", typeName(fn))
	}
}

func evalFilter(x *filterExpr, ev *env) (any, error) {
	v, err := evalExpr(x.x, ev)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(x.args))
	for i, a := range x.args {
		av, err := evalExpr(a, ev)
		if err != nil {
			return nil, err
		}
		args[i] = av
	}
	var kwargs map[string]any
	if len(x.kwargs) > 0 {
		kwargs = make(map[string]any, len(x.kwargs))
		for k, a := range x.kwargs {
			av, err := evalExpr(a, ev)
			if err != nil {
				return nil, err
			}
			kwargs[k] = av
		}
	}
	f, ok := filters[x.name]
	if !ok {
		return nil, errAt(x.pos, "unknown filter %q", x.name)
	}
	out, err := f(v, args, kwargs)
	if err != nil {
		return nil, errAt(x.pos, "filter %s: %s", x.name, err)
	}
	return out, nil
}

func evalTest(x *testExpr, ev *env) (any, error) {
	v, err := evalExpr(x.x, ev)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(x.args))
	for i, a := range x.args {
		av, err := evalExpr(a, ev)
		if err != nil {
			return nil, err
		}
		args[i] = av
	}
	t, ok := tests[x.name]
	if !ok {
		return nil, errAt(x.pos, "unknown test %q", x.name)
	}
	out, err := t(v, args)
	if err != nil {
		return nil, errAt(x.pos, "test %s: %s", x.name, err)
	}
	if x.negate {
		return !out, nil
	}
	return out, nil
}

// getAttr resolves attribute access across the value kinds templates
// can see.
func getAttr(v any, name string, pos int) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if val, ok := x[name]; ok {
			return val, nil
		}
		if m, ok := dictMethod(x, name); ok {
			return m, nil
		}
		return undefined{name: name}, nil
	case string:
		if m, ok := stringMethod(x, name); ok {
			return m, nil
		}
		return undefined{name: name}, nil
	case *DateTime:
		if a, ok := x.attr(name); ok {
			return a, nil
		}
		return undefined{name: name}, nil
	case TimeDelta:
		if a, ok := x.attr(name); ok {
			return a, nil
		}
		return undefined{name: name}, nil
	case *statesRoot:
		return x.domain(name), nil
	case *domainGroup:
		return x.object(name), nil
	case *stateObject:
		if a, ok := x.attr(name); ok {
			return a, nil
		}
		return undefined{name: name}, nil
	case undefined:
		return x, nil
	default:
		return nil, errAt(pos, "%s has no attribute %q", typeName(v), name)
	}
}
