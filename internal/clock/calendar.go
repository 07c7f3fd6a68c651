package clock

import (
	"sort"
	"time"
)

// Converter renders a time as a struct-time array. withDST appends the
// daylight-saving flag.
type Converter func(t time.Time, withDST bool) []any

// Func computes one calendar's value for a timestamp
type Func func(t time.Time, conv Converter) any

// registry maps a published subtopic to its calendar. It is filled by init
// functions only and never written afterwards.
var registry = map[string]Func{}

func register(name string, fn Func) {
	if _, exists := registry[name]; exists {
		panic("clock: calendar registered twice: " + name)
	}
	registry[name] = fn
}

// Lookup returns the calendar registered under name
func Lookup(name string) (Func, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Calendars returns the registered calendar names in sorted order
func Calendars() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	register("ISOWeek", isoWeek)
	register("Julian", julian)
}

// isoWeek publishes [struct-time, [isoYear, isoWeek, isoWeekday(Mon=1)]] in local time.
func isoWeek(t time.Time, conv Converter) any {
	local := t.Local()
	year, week := local.ISOWeek()
	weekday := int(local.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return []any{conv(local, false), []int{year, week, weekday}}
}

// julianEpoch is the Unix epoch as a Julian date
const julianEpoch = 2440587.5

// julian publishes [julianDate, modifiedJulianDate], both UTC based.
func julian(t time.Time, _ Converter) any {
	jd := julianEpoch + float64(t.UnixMilli())/86400000
	return []float64{jd, jd - 2400000.5}
}
