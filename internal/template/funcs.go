package template

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

// buildGlobals assembles the function surface for one render. The
// clock is sampled per call so now() inside loops stays consistent
// with the engine's injected time source.
func (e *Engine) buildGlobals() map[string]any {
	root := &statesRoot{source: e.states, loc: e.loc}
	g := map[string]any{
		"states": root,

		"is_state":      callable(e.fnIsState),
		"state_attr":    callable(e.fnStateAttr),
		"is_state_attr": callable(e.fnIsStateAttr),
		"has_value":     callable(e.fnHasValue),

		"now":           callable(e.fnNow),
		"utcnow":        callable(e.fnUtcnow),
		"today_at":      callable(e.fnTodayAt),
		"as_timestamp":  callable(fnAsTimestamp),
		"as_datetime":   callable(e.fnAsDatetime),
		"as_local":      callable(e.fnAsLocal),
		"strptime":      callable(fnStrptime),
		"timedelta":     callable(fnTimedelta),
		"as_timedelta":  callable(fnAsTimedelta),
		"relative_time": callable(e.fnRelativeTime),
		"time_since":    callable(e.fnTimeSince),
		"time_until":    callable(e.fnTimeUntil),

		"iif":      callable(fnIif),
		"distance": callable(fnDistance),
		"typeof":   callable(fnTypeof),
		"range":    callable(fnRange),
		"min":      callable(fnMin),
		"max":      callable(fnMax),
		"float":    callable(fnFloat),
		"int":      callable(fnInt),
		"bool":     callable(fnBool),
	}
	return g
}

func (e *Engine) fnIsState(args []any, _ map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("is_state expects entity id and value")
	}
	id, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("is_state entity id must be a string")
	}
	s := e.states.Get(core.EntityID(id))
	current := "unknown"
	if s != nil {
		current = s.State
	}
	switch want := args[1].(type) {
	case string:
		return current == want, nil
	case []any:
		for _, w := range want {
			if ws, isStr := w.(string); isStr && current == ws {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, fmt.Errorf("is_state value must be a string or list")
	}
}

func (e *Engine) fnStateAttr(args []any, _ map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("state_attr expects entity id and attribute")
	}
	id, ok1 := args[0].(string)
	attr, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("state_attr arguments must be strings")
	}
	s := e.states.Get(core.EntityID(id))
	if s == nil {
		return nil, nil
	}
	v, ok := s.Attributes.Get(attr)
	if !ok {
		return nil, nil
	}
	return normalizeValue(v), nil
}

func (e *Engine) fnIsStateAttr(args []any, kwargs map[string]any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("is_state_attr expects entity id, attribute, and value")
	}
	got, err := e.fnStateAttr(args[:2], nil)
	if err != nil {
		return nil, err
	}
	return valueEqual(got, normalizeValue(args[2])), nil
}

func (e *Engine) fnHasValue(args []any, _ map[string]any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("has_value expects one entity id")
	}
	id, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("has_value entity id must be a string")
	}
	s := e.states.Get(core.EntityID(id))
	if s == nil {
		return false, nil
	}
	return s.State != "unknown" && s.State != "unavailable", nil
}

func (e *Engine) fnNow(args []any, _ map[string]any) (any, error) {
	return NewDateTime(e.now().In(e.loc)), nil
}

func (e *Engine) fnUtcnow(args []any, _ map[string]any) (any, error) {
	return NewDateTime(e.now().UTC()), nil
}

func (e *Engine) fnTodayAt(args []any, _ map[string]any) (any, error) {
	spec := "00:00"
	if len(args) > 0 {
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("today_at expects a time string")
		}
		spec = s
	}
	h, m, sec, err := parseClock(spec)
	if err != nil {
		return nil, err
	}
	n := e.now().In(e.loc)
	return NewDateTime(time.Date(n.Year(), n.Month(), n.Day(), h, m, sec, 0, e.loc)), nil
}

// parseClock parses "HH:MM" or "HH:MM:SS".
func parseClock(s string) (h, m, sec int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, fmt.Errorf("invalid time %q", s)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return 0, 0, 0, fmt.Errorf("invalid time %q", s)
		}
		nums[i] = n
	}
	h, m = nums[0], nums[1]
	if len(nums) == 3 {
		sec = nums[2]
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, 0, 0, fmt.Errorf("invalid time %q", s)
	}
	return h, m, sec, nil
}

func fnAsTimestamp(args []any, _ map[string]any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("as_timestamp expects a value")
	}
	t, err := coerceDateTime(args[0])
	if err != nil {
		if len(args) > 1 {
			return args[1], nil
		}
		return nil, err
	}
	return float64(t.UnixNano()) / 1e9, nil
}

func (e *Engine) fnAsDatetime(args []any, _ map[string]any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("as_datetime expects a value")
	}
	t, err := coerceDateTime(args[0])
	if err != nil {
		if len(args) > 1 {
			return args[1], nil
		}
		return nil, nil
	}
	return NewDateTime(t), nil
}

func (e *Engine) fnAsLocal(args []any, _ map[string]any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("as_local expects one value")
	}
	t, err := coerceDateTime(args[0])
	if err != nil {
		return nil, err
	}
	return NewDateTime(t.In(e.loc)), nil
}

// coerceDateTime accepts DateTime values, unix timestamps, and ISO
// style strings.
func coerceDateTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case *DateTime:
		return x.t, nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case float64:
		sec := int64(x)
		nsec := int64((x - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	case string:
		return parseDateTimeString(x)
	}
	return time.Time{}, fmt.Errorf("cannot interpret %s as a datetime", typeName(v))
}

// iso-ish layouts accepted for datetime strings, most specific first.
var datetimeLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDateTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	// Bare unix timestamp in a string.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a datetime", s)
}

func fnStrptime(args []any, _ map[string]any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("strptime expects value and format")
	}
	value, ok1 := args[0].(string)
	format, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("strptime arguments must be strings")
	}
	layout, err := strptimeLayout(format)
	if err != nil {
		if len(args) > 2 {
			return args[2], nil
		}
		return nil, err
	}
	t, err := time.Parse(layout, value)
	if err != nil {
		if len(args) > 2 {
			return args[2], nil
		}
		return nil, fmt.Errorf("strptime: %q does not match %q", value, format)
	}
	return NewDateTime(t), nil
}

func fnTimedelta(args []any, kwargs map[string]any) (any, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("timedelta takes keyword arguments only")
	}
	var d time.Duration
	for k, v := range kwargs {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("timedelta %s must be a number", k)
		}
		switch k {
		case "weeks":
			d += time.Duration(f * float64(7*24*time.Hour))
		case "days":
			d += time.Duration(f * float64(24*time.Hour))
		case "hours":
			d += time.Duration(f * float64(time.Hour))
		case "minutes":
			d += time.Duration(f * float64(time.Minute))
		case "seconds":
			d += time.Duration(f * float64(time.Second))
		case "milliseconds":
			d += time.Duration(f * float64(time.Millisecond))
		default:
			return nil, fmt.Errorf("timedelta got unexpected keyword %q", k)
		}
	}
	return NewTimeDelta(d), nil
}

func fnAsTimedelta(args []any, _ map[string]any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("as_timedelta expects one value")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("as_timedelta expects a string")
	}
	d, err := parseTimeDeltaString(s)
	if err != nil {
		return nil, nil
	}
	return NewTimeDelta(d), nil
}

// parseTimeDeltaString accepts "HH:MM:SS[.ffffff]" with an optional
// "D day[s], " prefix, the str(timedelta) shape.
func parseTimeDeltaString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var days int64
	if i := strings.Index(s, "day"); i >= 0 {
		n, err := strconv.ParseInt(strings.TrimSpace(s[:i]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timedelta %q", s)
		}
		days = n
		rest := s[i:]
		if j := strings.IndexByte(rest, ','); j >= 0 {
			s = strings.TrimSpace(rest[j+1:])
		} else {
			s = "0:00:00"
		}
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 && len(parts) != 2 {
		return 0, fmt.Errorf("invalid timedelta %q", s)
	}
	var secPart string
	var h, m int64
	var err error
	if len(parts) == 3 {
		if h, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
			return 0, fmt.Errorf("invalid timedelta %q", s)
		}
		if m, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return 0, fmt.Errorf("invalid timedelta %q", s)
		}
		secPart = parts[2]
	} else {
		// "H:MM" means hours and minutes.
		if h, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
			return 0, fmt.Errorf("invalid timedelta %q", s)
		}
		if m, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return 0, fmt.Errorf("invalid timedelta %q", s)
		}
		secPart = "0"
	}
	sec, err := strconv.ParseFloat(secPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timedelta %q", s)
	}
	d := time.Duration(days)*24*time.Hour +
		time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec*float64(time.Second))
	if neg {
		d = -d
	}
	return d, nil
}

func (e *Engine) fnRelativeTime(args []any, _ map[string]any) (any, error) {
	return e.fnTimeSince(args, nil)
}

func (e *Engine) fnTimeSince(args []any, kwargs map[string]any) (any, error) {
	return e.humanizeDelta(args, kwargs, false)
}

func (e *Engine) fnTimeUntil(args []any, kwargs map[string]any) (any, error) {
	return e.humanizeDelta(args, kwargs, true)
}

func (e *Engine) humanizeDelta(args []any, kwargs map[string]any, until bool) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("expects a datetime")
	}
	t, err := coerceDateTime(args[0])
	if err != nil {
		return nil, err
	}
	precision := int64(1)
	if len(args) > 1 {
		if n, ok := toInt(args[1]); ok {
			precision = n
		}
	}
	if v, ok := kwargs["precision"]; ok {
		if n, nok := toInt(v); nok {
			precision = n
		}
	}
	d := e.now().Sub(t)
	if until {
		d = -d
	}
	// The wrong direction renders the input instead of a negative
	// span.
	if d < 0 {
		return stringify(args[0]), nil
	}
	return humanizeDuration(d, precision), nil
}

// humanizeDuration renders a duration as its largest units, e.g.
// "1 hour 35 minutes" with precision 2.
func humanizeDuration(d time.Duration, precision int64) string {
	if precision < 1 {
		precision = 1
	}
	type unit struct {
		name string
		span time.Duration
	}
	units := []unit{
		{"year", 365 * 24 * time.Hour},
		{"month", 30 * 24 * time.Hour},
		{"day", 24 * time.Hour},
		{"hour", time.Hour},
		{"minute", time.Minute},
		{"second", time.Second},
	}
	var parts []string
	for _, u := range units {
		if int64(len(parts)) >= precision {
			break
		}
		n := int64(d / u.span)
		if n == 0 && len(parts) == 0 && u.span > time.Second {
			continue
		}
		d -= time.Duration(n) * u.span
		label := u.name
		if n != 1 {
			label += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, label))
	}
	if len(parts) == 0 {
		return "0 seconds"
	}
	return strings.Join(parts, " ")
}

func fnIif(args []any, _ map[string]any) (any, error) {
	if len(args) < 1 || len(args) > 4 {
		return nil, fmt.Errorf("iif expects one to four arguments")
	}
	cond := args[0]
	if cond == nil && len(args) > 3 {
		return args[3], nil
	}
	ifTrue, ifFalse := any(true), any(false)
	if len(args) > 1 {
		ifTrue = args[1]
	}
	if len(args) > 2 {
		ifFalse = args[2]
	}
	if truthy(cond) {
		return ifTrue, nil
	}
	return ifFalse, nil
}

// earthRadiusKm is the mean Earth radius used by the Haversine
// distance.
const earthRadiusKm = 6371.0

func fnDistance(args []any, _ map[string]any) (any, error) {
	if len(args) != 4 {
		return nil, fmt.Errorf("distance expects lat1, lon1, lat2, lon2")
	}
	coords := make([]float64, 4)
	for i, a := range args {
		f, ok := toFloat(a)
		if !ok {
			return nil, fmt.Errorf("distance coordinates must be numbers")
		}
		coords[i] = f
	}
	return haversineKm(coords[0], coords[1], coords[2], coords[3]), nil
}

// haversineKm returns the great-circle distance in kilometers.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func fnTypeof(args []any, _ map[string]any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("typeof expects one value")
	}
	return typeName(args[0]), nil
}

func fnRange(args []any, _ map[string]any) (any, error) {
	var start, stop, step int64 = 0, 0, 1
	switch len(args) {
	case 1:
		n, ok := toInt(args[0])
		if !ok {
			return nil, fmt.Errorf("range arguments must be integers")
		}
		stop = n
	case 2, 3:
		a, ok1 := toInt(args[0])
		b, ok2 := toInt(args[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("range arguments must be integers")
		}
		start, stop = a, b
		if len(args) == 3 {
			c, ok := toInt(args[2])
			if !ok || c == 0 {
				return nil, fmt.Errorf("range step must be a non-zero integer")
			}
			step = c
		}
	default:
		return nil, fmt.Errorf("range expects one to three arguments")
	}
	var out []any
	if step > 0 {
		for i := start; i < stop; i += step {
			out = append(out, i)
		}
	} else {
		for i := start; i > stop; i += step {
			out = append(out, i)
		}
	}
	return out, nil
}

func fnMin(args []any, _ map[string]any) (any, error) {
	return pickExtreme(args, -1)
}

func fnMax(args []any, _ map[string]any) (any, error) {
	return pickExtreme(args, 1)
}

func pickExtreme(args []any, want int) (any, error) {
	items := args
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			items = list
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("empty sequence")
	}
	best := items[0]
	for _, v := range items[1:] {
		c, err := compareValues(v, best)
		if err != nil {
			return nil, err
		}
		if (want > 0 && c > 0) || (want < 0 && c < 0) {
			best = v
		}
	}
	return best, nil
}

func fnFloat(args []any, _ map[string]any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("float expects a value")
	}
	if f, ok := toFloat(args[0]); ok {
		return f, nil
	}
	if len(args) > 1 {
		return args[1], nil
	}
	return nil, fmt.Errorf("cannot convert %s to float", typeName(args[0]))
}

func fnInt(args []any, kwargs map[string]any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("int expects a value")
	}
	if s, ok := args[0].(string); ok {
		if base, present := kwargs["base"]; present {
			b, bok := toInt(base)
			if !bok {
				return nil, fmt.Errorf("int base must be an integer")
			}
			n, err := strconv.ParseInt(strings.TrimSpace(s), int(b), 64)
			if err == nil {
				return n, nil
			}
			if len(args) > 1 {
				return args[1], nil
			}
			return nil, fmt.Errorf("cannot convert %q to int", s)
		}
	}
	if n, ok := toInt(args[0]); ok {
		return n, nil
	}
	if len(args) > 1 {
		return args[1], nil
	}
	return nil, fmt.Errorf("cannot convert %s to int", typeName(args[0]))
}

func fnBool(args []any, _ map[string]any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("bool expects a value")
	}
	switch x := args[0].(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "on", "enable", "1":
			return true, nil
		case "false", "no", "off", "disable", "0":
			return false, nil
		}
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	}
	if len(args) > 1 {
		return args[1], nil
	}
	return nil, fmt.Errorf("cannot convert %s to bool", typeName(args[0]))
}

// sortAnySlice orders a copied slice of comparable values, used by
// filters needing determinism.
func sortAnySlice(items []any) ([]any, error) {
	out := append([]any(nil), items...)
	var sortErr error
	sort.SliceStable(out, func(i, j int) bool {
		c, err := compareValues(out[i], out[j])
		if err != nil && sortErr == nil {
			sortErr = err
		}
		return c < 0
	})
	return out, sortErr
}
