package template

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// filterFunc transforms a piped value. args/kwargs come from the
// filter call site.
type filterFunc func(v any, args []any, kwargs map[string]any) (any, error)

var filters = map[string]filterFunc{
	"round":   filterRound,
	"abs":     filterAbs,
	"sqrt":    filterSqrt,
	"log":     filterLog,
	"sin":     mathFilter(math.Sin),
	"cos":     mathFilter(math.Cos),
	"tan":     mathFilter(math.Tan),
	"asin":    mathFilter(math.Asin),
	"acos":    mathFilter(math.Acos),
	"atan":    mathFilter(math.Atan),
	"atan2":   filterAtan2,
	"average": filterAverage,
	"median":  filterMedian,

	"float": filterFloat,
	"int":   filterInt,
	"bool":  filterBool,

	"slugify":       filterSlugify,
	"regex_replace": filterRegexReplace,
	"regex_findall": filterRegexFindall,
	"regex_match":   filterRegexMatch,
	"regex_search":  filterRegexSearch,
	"ordinal":       filterOrdinal,

	"base64_encode": filterBase64Encode,
	"base64_decode": filterBase64Decode,
	"urlencode":     filterURLEncode,

	"to_json":   filterToJSON,
	"from_json": filterFromJSON,
	"flatten":   filterFlatten,

	"upper":      filterUpper,
	"lower":      filterLower,
	"title":      filterTitle,
	"capitalize": filterCapitalize,
	"trim":       filterTrim,
	"replace":    filterReplace,
	"join":       filterJoin,
	"length":     filterLength,
	"count":      filterLength,
	"first":      filterFirst,
	"last":       filterLast,
	"sort":       filterSort,
	"unique":     filterUnique,
	"reverse":    filterReverse,
	"sum":        filterSum,
	"default":    filterDefault,
	"d":          filterDefault,
	"string":     filterString,
	"list":       filterList,
	"contains":   filterContains,
	"min":        func(v any, args []any, _ map[string]any) (any, error) { return pickFrom(v, -1) },
	"max":        func(v any, args []any, _ map[string]any) (any, error) { return pickFrom(v, 1) },
}

func pickFrom(v any, want int) (any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expects a list")
	}
	return pickExtreme(list, want)
}

func filterRound(v any, args []any, kwargs map[string]any) (any, error) {
	f, ok := toFloat(v)
	if !ok {
		if len(args) > 2 {
			return args[2], nil
		}
		if d, present := kwargs["default"]; present {
			return d, nil
		}
		return nil, fmt.Errorf("cannot round %s", typeName(v))
	}
	precision := int64(0)
	if len(args) > 0 {
		if n, nok := toInt(args[0]); nok {
			precision = n
		}
	}
	method := "common"
	if len(args) > 1 {
		if s, sok := args[1].(string); sok {
			method = s
		}
	}
	switch method {
	case "common":
		scale := math.Pow(10, float64(precision))
		f = math.Round(f*scale) / scale
	case "ceil":
		scale := math.Pow(10, float64(precision))
		f = math.Ceil(f*scale) / scale
	case "floor":
		scale := math.Pow(10, float64(precision))
		f = math.Floor(f*scale) / scale
	case "half":
		// Round to the nearest 0.5 regardless of precision.
		f = math.Round(f*2) / 2
	default:
		return nil, fmt.Errorf("unknown rounding method %q", method)
	}
	if precision == 0 && method != "half" {
		return int64(f), nil
	}
	return f, nil
}

func filterAbs(v any, _ []any, _ map[string]any) (any, error) {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return -x, nil
		}
		return x, nil
	case float64:
		return math.Abs(x), nil
	}
	return nil, fmt.Errorf("cannot take abs of %s", typeName(v))
}

func filterSqrt(v any, args []any, kwargs map[string]any) (any, error) {
	f, ok := toFloat(v)
	if !ok || f < 0 {
		if d, present := kwargs["default"]; present {
			return d, nil
		}
		if len(args) > 0 {
			return args[0], nil
		}
		return nil, fmt.Errorf("cannot take sqrt of %s", stringify(v))
	}
	return math.Sqrt(f), nil
}

func filterLog(v any, args []any, kwargs map[string]any) (any, error) {
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		if d, present := kwargs["default"]; present {
			return d, nil
		}
		return nil, fmt.Errorf("cannot take log of %s", stringify(v))
	}
	if len(args) > 0 {
		base, bok := toFloat(args[0])
		if !bok || base <= 0 || base == 1 {
			return nil, fmt.Errorf("invalid log base")
		}
		return math.Log(f) / math.Log(base), nil
	}
	return math.Log(f), nil
}

// mathFilter lifts a float function into a filter.
func mathFilter(fn func(float64) float64) filterFunc {
	return func(v any, args []any, kwargs map[string]any) (any, error) {
		f, ok := toFloat(v)
		if !ok {
			if d, present := kwargs["default"]; present {
				return d, nil
			}
			return nil, fmt.Errorf("expects a number, got %s", typeName(v))
		}
		return fn(f), nil
	}
}

func filterAtan2(v any, args []any, _ map[string]any) (any, error) {
	y, ok1 := toFloat(v)
	if len(args) < 1 {
		return nil, fmt.Errorf("atan2 expects a second coordinate")
	}
	x, ok2 := toFloat(args[0])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("atan2 expects numbers")
	}
	return math.Atan2(y, x), nil
}

func numericList(v any) ([]float64, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expects a list, got %s", typeName(v))
	}
	out := make([]float64, 0, len(list))
	for _, item := range list {
		f, fok := toFloat(item)
		if !fok {
			return nil, fmt.Errorf("non-numeric element %s", stringify(item))
		}
		out = append(out, f)
	}
	return out, nil
}

func filterAverage(v any, args []any, _ map[string]any) (any, error) {
	nums, err := numericList(v)
	if err != nil || len(nums) == 0 {
		if len(args) > 0 {
			return args[0], nil
		}
		if err == nil {
			err = fmt.Errorf("empty list")
		}
		return nil, err
	}
	sum := 0.0
	for _, n := range nums {
		sum += n
	}
	return sum / float64(len(nums)), nil
}

func filterMedian(v any, args []any, _ map[string]any) (any, error) {
	nums, err := numericList(v)
	if err != nil || len(nums) == 0 {
		if len(args) > 0 {
			return args[0], nil
		}
		if err == nil {
			err = fmt.Errorf("empty list")
		}
		return nil, err
	}
	sorted := append([]float64(nil), nums...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return normalizeNumber(sorted[mid]), nil
	}
	return (sorted[mid-1] + sorted[mid]) / 2, nil
}

func filterFloat(v any, args []any, _ map[string]any) (any, error) {
	if f, ok := toFloat(v); ok {
		return f, nil
	}
	if len(args) > 0 {
		return args[0], nil
	}
	return nil, fmt.Errorf("cannot convert %s to float", stringify(v))
}

func filterInt(v any, args []any, kwargs map[string]any) (any, error) {
	callArgs := append([]any{v}, args...)
	return fnInt(callArgs, kwargs)
}

func filterBool(v any, args []any, _ map[string]any) (any, error) {
	callArgs := append([]any{v}, args...)
	return fnBool(callArgs, nil)
}

func filterSlugify(v any, args []any, _ map[string]any) (any, error) {
	sep := "_"
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			sep = s
		}
	}
	return slugifyWith(stringify(v), sep), nil
}

// slugifyWith lowercases and collapses everything outside [a-z0-9]
// into single separators.
func slugifyWith(s, sep string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteString(sep)
			}
			pendingSep = false
			b.WriteRune(r)
		} else {
			pendingSep = true
		}
	}
	return b.String()
}

func filterRegexReplace(v any, args []any, _ map[string]any) (any, error) {
	s := stringify(v)
	find, replace := "", ""
	if len(args) > 0 {
		if f, ok := args[0].(string); ok {
			find = f
		}
	}
	if len(args) > 1 {
		if r, ok := args[1].(string); ok {
			replace = r
		}
	}
	re, err := regexp.Compile(find)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q", find)
	}
	return re.ReplaceAllString(s, translateBackrefs(replace)), nil
}

// translateBackrefs rewrites Python-style \N backreferences to the $N
// form ReplaceAllString expects. \\ escapes a literal backslash.
func translateBackrefs(replace string) string {
	var b strings.Builder
	for i := 0; i < len(replace); i++ {
		c := replace[i]
		if c != '\\' || i+1 >= len(replace) {
			b.WriteByte(c)
			continue
		}
		next := replace[i+1]
		switch {
		case next >= '0' && next <= '9':
			b.WriteByte('$')
			b.WriteByte(next)
			i++
		case next == '\\':
			b.WriteByte('\\')
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func filterRegexFindall(v any, args []any, _ map[string]any) (any, error) {
	s := stringify(v)
	find := ""
	if len(args) > 0 {
		if f, ok := args[0].(string); ok {
			find = f
		}
	}
	re, err := regexp.Compile(find)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q", find)
	}
	matches := re.FindAllStringSubmatch(s, -1)
	out := make([]any, len(matches))
	for i, m := range matches {
		// Like Python's re.findall: with one group return that group,
		// with several return the group tuple, with none the whole match.
		switch len(m) {
		case 1:
			out[i] = m[0]
		case 2:
			out[i] = m[1]
		default:
			groups := make([]any, len(m)-1)
			for j, g := range m[1:] {
				groups[j] = g
			}
			out[i] = groups
		}
	}
	return out, nil
}

func regexCompile(find string, ignorecase bool) (*regexp.Regexp, error) {
	if ignorecase {
		find = "(?i)" + find
	}
	re, err := regexp.Compile(find)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q", find)
	}
	return re, nil
}

func regexArgs(args []any, kwargs map[string]any) (find string, ignorecase bool) {
	if len(args) > 0 {
		if f, ok := args[0].(string); ok {
			find = f
		}
	}
	if len(args) > 1 {
		ignorecase = truthy(args[1])
	}
	if v, ok := kwargs["ignorecase"]; ok {
		ignorecase = truthy(v)
	}
	return find, ignorecase
}

// filterRegexMatch anchors at the start of the string, like Python's
// re.match.
func filterRegexMatch(v any, args []any, kwargs map[string]any) (any, error) {
	find, ignorecase := regexArgs(args, kwargs)
	re, err := regexCompile("^(?:"+find+")", ignorecase)
	if err != nil {
		return nil, err
	}
	return re.MatchString(stringify(v)), nil
}

func filterRegexSearch(v any, args []any, kwargs map[string]any) (any, error) {
	find, ignorecase := regexArgs(args, kwargs)
	re, err := regexCompile(find, ignorecase)
	if err != nil {
		return nil, err
	}
	return re.MatchString(stringify(v)), nil
}

func filterOrdinal(v any, _ []any, _ map[string]any) (any, error) {
	n, ok := toInt(v)
	if !ok {
		return nil, fmt.Errorf("expects an integer")
	}
	suffix := "th"
	if n%100 < 11 || n%100 > 13 {
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix), nil
}

func filterBase64Encode(v any, _ []any, _ map[string]any) (any, error) {
	return base64.StdEncoding.EncodeToString([]byte(stringify(v))), nil
}

func filterBase64Decode(v any, _ []any, _ map[string]any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expects a string")
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 input")
	}
	return string(out), nil
}

func filterURLEncode(v any, _ []any, _ map[string]any) (any, error) {
	switch x := v.(type) {
	case string:
		return url.QueryEscape(x), nil
	case map[string]any:
		q := url.Values{}
		for _, k := range sortedKeys(x) {
			q.Set(k, stringify(x[k]))
		}
		return q.Encode(), nil
	}
	return url.QueryEscape(stringify(v)), nil
}

func filterToJSON(v any, args []any, kwargs map[string]any) (any, error) {
	pretty := false
	if len(args) > 0 {
		pretty = truthy(args[0])
	}
	if p, ok := kwargs["pretty_print"]; ok {
		pretty = truthy(p)
	}
	jsonVal := toJSONValue(v)
	var (
		out []byte
		err error
	)
	if pretty {
		out, err = json.MarshalIndent(jsonVal, "", "  ")
	} else {
		out, err = json.Marshal(jsonVal)
	}
	if err != nil {
		return nil, fmt.Errorf("not JSON serializable: %s", typeName(v))
	}
	return string(out), nil
}

// toJSONValue maps engine values onto JSON-serializable ones.
func toJSONValue(v any) any {
	switch x := v.(type) {
	case *DateTime:
		return x.String()
	case TimeDelta:
		return x.String()
	case undefined:
		return nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = toJSONValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = toJSONValue(val)
		}
		return out
	default:
		return v
	}
}

func filterFromJSON(v any, _ []any, _ map[string]any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expects a string")
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid JSON")
	}
	return normalizeJSON(out), nil
}

// normalizeJSON converts decoded JSON into engine values, keeping
// integers integral.
func normalizeJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i, item := range x {
			x[i] = normalizeJSON(item)
		}
		return x
	case map[string]any:
		for k, item := range x {
			x[k] = normalizeJSON(item)
		}
		return x
	default:
		return v
	}
}

func filterFlatten(v any, args []any, kwargs map[string]any) (any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expects a list, got %s", typeName(v))
	}
	levels := int64(-1) // flatten fully
	if len(args) > 0 {
		if n, nok := toInt(args[0]); nok {
			levels = n
		}
	}
	if lv, present := kwargs["levels"]; present {
		if n, nok := toInt(lv); nok {
			levels = n
		}
	}
	return flattenList(list, levels), nil
}

func flattenList(list []any, levels int64) []any {
	var out []any
	for _, item := range list {
		if inner, ok := item.([]any); ok && levels != 0 {
			out = append(out, flattenList(inner, levels-1)...)
		} else {
			out = append(out, item)
		}
	}
	return out
}

func filterUpper(v any, _ []any, _ map[string]any) (any, error) {
	return strings.ToUpper(stringify(v)), nil
}

func filterLower(v any, _ []any, _ map[string]any) (any, error) {
	return strings.ToLower(stringify(v)), nil
}

func filterTitle(v any, _ []any, _ map[string]any) (any, error) {
	return titleCase(stringify(v)), nil
}

func filterCapitalize(v any, _ []any, _ map[string]any) (any, error) {
	s := stringify(v)
	if s == "" {
		return s, nil
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:]), nil
}

func filterTrim(v any, _ []any, _ map[string]any) (any, error) {
	return strings.TrimSpace(stringify(v)), nil
}

func filterReplace(v any, args []any, _ map[string]any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("expects old and new strings")
	}
	old, ok1 := args[0].(string)
	new_, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("arguments must be strings")
	}
	return strings.ReplaceAll(stringify(v), old, new_), nil
}

func filterJoin(v any, args []any, _ map[string]any) (any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expects a list, got %s", typeName(v))
	}
	sep := ""
	if len(args) > 0 {
		if s, sok := args[0].(string); sok {
			sep = s
		}
	}
	parts := make([]string, len(list))
	for i, item := range list {
		parts[i] = stringify(item)
	}
	return strings.Join(parts, sep), nil
}

func filterLength(v any, _ []any, _ map[string]any) (any, error) {
	if n, ok := length(v); ok {
		return n, nil
	}
	return nil, fmt.Errorf("%s has no length", typeName(v))
}

func filterFirst(v any, _ []any, _ map[string]any) (any, error) {
	switch x := v.(type) {
	case []any:
		if len(x) == 0 {
			return undefined{}, nil
		}
		return x[0], nil
	case string:
		if x == "" {
			return undefined{}, nil
		}
		return string([]rune(x)[0]), nil
	}
	return nil, fmt.Errorf("%s has no first element", typeName(v))
}

func filterLast(v any, _ []any, _ map[string]any) (any, error) {
	switch x := v.(type) {
	case []any:
		if len(x) == 0 {
			return undefined{}, nil
		}
		return x[len(x)-1], nil
	case string:
		if x == "" {
			return undefined{}, nil
		}
		runes := []rune(x)
		return string(runes[len(runes)-1]), nil
	}
	return nil, fmt.Errorf("%s has no last element", typeName(v))
}

func filterSort(v any, args []any, kwargs map[string]any) (any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expects a list, got %s", typeName(v))
	}
	out, err := sortAnySlice(list)
	if err != nil {
		return nil, err
	}
	reverse := false
	if len(args) > 0 {
		reverse = truthy(args[0])
	}
	if r, present := kwargs["reverse"]; present {
		reverse = truthy(r)
	}
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func filterUnique(v any, _ []any, _ map[string]any) (any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expects a list, got %s", typeName(v))
	}
	var out []any
	for _, item := range list {
		dup := false
		for _, seen := range out {
			if valueEqual(item, seen) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, item)
		}
	}
	return out, nil
}

func filterReverse(v any, _ []any, _ map[string]any) (any, error) {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[len(x)-1-i] = item
		}
		return out, nil
	case string:
		runes := []rune(x)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	}
	return nil, fmt.Errorf("cannot reverse %s", typeName(v))
}

func filterSum(v any, _ []any, _ map[string]any) (any, error) {
	nums, err := numericList(v)
	if err != nil {
		return nil, err
	}
	sum := 0.0
	for _, n := range nums {
		sum += n
	}
	return normalizeNumber(sum), nil
}

func filterDefault(v any, args []any, _ map[string]any) (any, error) {
	fallback := any("")
	if len(args) > 0 {
		fallback = args[0]
	}
	// default(x, true) also replaces falsy values.
	if len(args) > 1 && truthy(args[1]) {
		if !truthy(v) {
			return fallback, nil
		}
		return v, nil
	}
	if isUndefined(v) || v == nil {
		return fallback, nil
	}
	return v, nil
}

func filterString(v any, _ []any, _ map[string]any) (any, error) {
	return stringify(v), nil
}

func filterList(v any, _ []any, _ map[string]any) (any, error) {
	items, err := iterate(v)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func filterContains(v any, args []any, _ map[string]any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("expects a value to look for")
	}
	ok, err := contains(args[0], v)
	if err != nil {
		return nil, err
	}
	return ok, nil
}
