package template

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateTime is the template-visible datetime value. It exposes Python
// style attributes and methods and supports arithmetic with
// timedeltas.
type DateTime struct {
	t time.Time
}

// NewDateTime wraps a time.Time.
func NewDateTime(t time.Time) *DateTime {
	return &DateTime{t: t}
}

// Time returns the underlying time.
func (d *DateTime) Time() time.Time { return d.t }

func (d *DateTime) String() string {
	// Python str(datetime): "2026-08-31 14:05:09+01:00" with
	// microseconds only when non-zero.
	s := d.t.Format("2006-01-02 15:04:05")
	if us := d.t.Nanosecond() / 1000; us != 0 {
		s += fmt.Sprintf(".%06d", us)
	}
	return s + d.t.Format("-07:00")
}

// attr resolves Python datetime attributes and bound methods.
func (d *DateTime) attr(name string) (any, bool) {
	switch name {
	case "year":
		return int64(d.t.Year()), true
	case "month":
		return int64(d.t.Month()), true
	case "day":
		return int64(d.t.Day()), true
	case "hour":
		return int64(d.t.Hour()), true
	case "minute":
		return int64(d.t.Minute()), true
	case "second":
		return int64(d.t.Second()), true
	case "microsecond":
		return int64(d.t.Nanosecond() / 1000), true
	case "timestamp":
		return d.methodTimestamp(), true
	case "weekday":
		return d.methodWeekday(), true
	case "isoweekday":
		return d.methodIsoweekday(), true
	case "strftime":
		return &boundMethod{name: "strftime", fn: d.methodStrftime}, true
	case "isoformat":
		return &boundMethod{name: "isoformat", fn: d.methodIsoformat}, true
	case "date":
		return &boundMethod{name: "date", fn: d.methodDate}, true
	case "replace":
		return &boundMethod{name: "replace", fn: d.methodReplace}, true
	}
	return nil, false
}

// timestamp, weekday, and isoweekday carry Python's callable shape.
func (d *DateTime) methodTimestamp() *boundMethod {
	return &boundMethod{name: "timestamp", fn: func([]any, map[string]any) (any, error) {
		return float64(d.t.UnixNano()) / 1e9, nil
	}}
}

func (d *DateTime) methodWeekday() *boundMethod {
	return &boundMethod{name: "weekday", fn: func([]any, map[string]any) (any, error) {
		// Monday is 0.
		return int64((int(d.t.Weekday()) + 6) % 7), nil
	}}
}

func (d *DateTime) methodIsoweekday() *boundMethod {
	return &boundMethod{name: "isoweekday", fn: func([]any, map[string]any) (any, error) {
		// Monday is 1.
		return int64((int(d.t.Weekday())+6)%7 + 1), nil
	}}
}

func (d *DateTime) methodStrftime(args []any, _ map[string]any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("strftime expects one argument")
	}
	format, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("strftime format must be a string")
	}
	return strftime(d.t, format), nil
}

func (d *DateTime) methodIsoformat(args []any, _ map[string]any) (any, error) {
	s := d.t.Format("2006-01-02T15:04:05")
	if us := d.t.Nanosecond() / 1000; us != 0 {
		s += fmt.Sprintf(".%06d", us)
	}
	s += d.t.Format("-07:00")
	return s, nil
}

func (d *DateTime) methodDate(args []any, _ map[string]any) (any, error) {
	return d.t.Format("2006-01-02"), nil
}

func (d *DateTime) methodReplace(args []any, kwargs map[string]any) (any, error) {
	t := d.t
	year, month, day := t.Year(), int(t.Month()), t.Day()
	hour, minute, sec := t.Hour(), t.Minute(), t.Second()
	nsec := t.Nanosecond()
	for k, v := range kwargs {
		n, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("replace %s must be an integer", k)
		}
		switch k {
		case "year":
			year = int(n)
		case "month":
			month = int(n)
		case "day":
			day = int(n)
		case "hour":
			hour = int(n)
		case "minute":
			minute = int(n)
		case "second":
			sec = int(n)
		case "microsecond":
			nsec = int(n) * 1000
		default:
			return nil, fmt.Errorf("replace got unexpected keyword %q", k)
		}
	}
	return NewDateTime(time.Date(year, time.Month(month), day, hour, minute, sec, nsec, t.Location())), nil
}

// TimeDelta is a signed duration with Python timedelta semantics.
type TimeDelta struct {
	d time.Duration
}

// NewTimeDelta wraps a duration.
func NewTimeDelta(d time.Duration) TimeDelta { return TimeDelta{d: d} }

// Duration returns the underlying duration.
func (t TimeDelta) Duration() time.Duration { return t.d }

func (t TimeDelta) String() string {
	// Python str(timedelta): "1 day, 2:03:04" / "2:03:04.500000".
	d := t.d
	neg := d < 0
	if neg {
		d = -d
	}
	days := int64(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int64(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int64(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	s := int64(d / time.Second)
	us := (d - time.Duration(s)*time.Second) / time.Microsecond

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	if days != 0 {
		b.WriteString(strconv.FormatInt(days, 10))
		if days == 1 {
			b.WriteString(" day, ")
		} else {
			b.WriteString(" days, ")
		}
	}
	fmt.Fprintf(&b, "%d:%02d:%02d", h, m, s)
	if us != 0 {
		fmt.Fprintf(&b, ".%06d", us)
	}
	return b.String()
}

// attr resolves Python timedelta attributes.
func (t TimeDelta) attr(name string) (any, bool) {
	switch name {
	case "days":
		return int64(t.d / (24 * time.Hour)), true
	case "seconds":
		rem := t.d % (24 * time.Hour)
		return int64(rem / time.Second), true
	case "total_seconds":
		return &boundMethod{name: "total_seconds", fn: func([]any, map[string]any) (any, error) {
			return t.d.Seconds(), nil
		}}, true
	}
	return nil, false
}

// strftimeConversions maps Python strftime directives to Go layout
// fragments. Directives with no layout equivalent are computed.
var strftimeConversions = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
	'I': "03",
	'p': "PM",
	'a': "Mon",
	'A': "Monday",
	'b': "Jan",
	'B': "January",
	'z': "-0700",
	'Z': "MST",
}

// strftime renders t with a Python strftime format string.
func strftime(t time.Time, format string) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			b.WriteByte(format[i])
			continue
		}
		i++
		c := format[i]
		if layout, ok := strftimeConversions[c]; ok {
			b.WriteString(t.Format(layout))
			continue
		}
		switch c {
		case '%':
			b.WriteByte('%')
		case 'f':
			fmt.Fprintf(&b, "%06d", t.Nanosecond()/1000)
		case 'j':
			fmt.Fprintf(&b, "%03d", t.YearDay())
		case 'w':
			fmt.Fprintf(&b, "%d", int(t.Weekday()))
		case 'U':
			fmt.Fprintf(&b, "%02d", weekOfYear(t, time.Sunday))
		case 'W':
			fmt.Fprintf(&b, "%02d", weekOfYear(t, time.Monday))
		default:
			b.WriteByte('%')
			b.WriteByte(c)
		}
	}
	return b.String()
}

// weekOfYear counts full weeks since the first firstDay of the year,
// matching Python's %U / %W.
func weekOfYear(t time.Time, firstDay time.Weekday) int {
	yday := t.YearDay() - 1
	wday := int(t.Weekday())
	offset := (wday - int(firstDay) + 7) % 7
	return (yday - offset + 7) / 7
}

// strptimeLayout converts a Python strptime format to a Go layout.
// Computed directives (%j, %U, %W) are not supported for parsing.
func strptimeLayout(format string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			b.WriteByte(format[i])
			continue
		}
		i++
		c := format[i]
		if c == '%' {
			b.WriteByte('%')
			continue
		}
		if c == 'f' {
			b.WriteString("000000")
			continue
		}
		layout, ok := strftimeConversions[c]
		if !ok {
			return "", fmt.Errorf("unsupported strptime directive %%%c", c)
		}
		b.WriteString(layout)
	}
	return b.String(), nil
}
