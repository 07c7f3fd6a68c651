// Package clock publishes the current time in several renderings on every
// interval: UTC, Unix seconds, local time with its zones, extra time zones and
// the registered calendars.
package clock

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
	"github.com/rmacdonaldsmith/mqagents/pkg/transcribe"
)

// ErrUnknownCalendar is returned for a calendar name that is not registered
var ErrUnknownCalendar = errors.New("unknown calendar")

// StructTime renders t as [year, month, day, hour, minute, second, weekday, yearday],
// with Monday as weekday 0 and yearday counted from 1. withDST appends whether
// daylight saving is in effect.
func StructTime(t time.Time, withDST bool) []any {
	out := []any{
		t.Year(), int(t.Month()), t.Day(),
		t.Hour(), t.Minute(), t.Second(),
		(int(t.Weekday()) + 6) % 7, t.YearDay(),
	}
	if withDST {
		out = append(out, t.IsDST())
	}
	return out
}

// Zone is a time zone abbreviation and its offset in seconds west of UTC
type Zone struct {
	Name        string
	SecondsWest int
}

// MarshalJSON renders the zone as [name, secondsWest]
func (z Zone) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{z.Name, z.SecondsWest})
}

// Zones returns the standard zone of loc and, if loc observes daylight saving
// in the year of ref, its daylight zone.
func Zones(loc *time.Location, ref time.Time) []Zone {
	year := ref.In(loc).Year()
	jan := time.Date(year, time.January, 1, 12, 0, 0, 0, loc)
	jul := time.Date(year, time.July, 1, 12, 0, 0, 0, loc)

	std, dst := jan, jul
	if jan.IsDST() {
		std, dst = jul, jan
	}

	stdName, stdOffset := std.Zone()
	zones := []Zone{{Name: stdName, SecondsWest: -stdOffset}}
	if dst.IsDST() {
		dstName, dstOffset := dst.Zone()
		zones = append(zones, Zone{Name: dstName, SecondsWest: -dstOffset})
	}
	return zones
}

// Config selects what the service publishes
type Config struct {
	// Calendars to publish; nil publishes every registered calendar
	Calendars []string

	// Extra IANA zones published under Zone/<name>
	TimeZones []string
}

// Service publishes the time on every interval. It implements publisher.Handler.
type Service struct {
	pub       transcribe.Publisher
	logger    *zap.Logger
	local     *time.Location
	zones     map[string]*time.Location
	zoneNames []string
	calendars []string
}

// Ensure Service implements publisher.Handler
var _ publisher.Handler = (*Service)(nil)

// NewService creates a clock service publishing through pub
func NewService(pub transcribe.Publisher, config Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	calendars := config.Calendars
	if calendars == nil {
		calendars = Calendars()
	}
	for _, name := range calendars {
		if _, ok := Lookup(name); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCalendar, name)
		}
	}

	zones := make(map[string]*time.Location, len(config.TimeZones))
	for _, name := range config.TimeZones {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("load time zone %q: %w", name, err)
		}
		zones[name] = loc
	}

	return &Service{
		pub:       pub,
		logger:    logger.Named("clock"),
		local:     time.Local,
		zones:     zones,
		zoneNames: config.TimeZones,
		calendars: calendars,
	}, nil
}

func (s *Service) publishJSON(subtopic string, v any, retain bool) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode value", zap.String("topic", subtopic), zap.Error(err))
		return
	}
	s.pub.Publish(subtopic, data, transcribe.DefaultQoS, retain)
}

// OnConnected publishes the local zones, retained
func (s *Service) OnConnected(ts time.Time, connectCount int) {
	s.publishJSON("Local/tz", Zones(s.local, ts), true)
	for _, name := range s.zoneNames {
		s.publishJSON("Zone/"+name+"/tz", Zones(s.zones[name], ts), true)
	}
}

// OnDisconnected does nothing
func (s *Service) OnDisconnected(ts time.Time, clean bool) {}

// OnReceive does nothing; the clock subscribes to no topics
func (s *Service) OnReceive(ts time.Time, topic string, message []byte, qos byte, retain bool) {}

// OnInterval publishes every rendering of ts
func (s *Service) OnInterval(ts time.Time) {
	s.publishJSON("UTC", StructTime(ts.UTC(), false), false)
	s.pub.Publish("UTC/unix", []byte(UnixString(ts)), transcribe.DefaultQoS, false)

	local := ts.In(s.local)
	s.publishJSON("Local", StructTime(local, len(Zones(s.local, ts)) > 1), false)

	for _, name := range s.zoneNames {
		loc := s.zones[name]
		s.publishJSON("Zone/"+name, StructTime(ts.In(loc), len(Zones(loc, ts)) > 1), false)
	}

	for _, name := range s.calendars {
		fn, _ := Lookup(name)
		s.publishJSON(name, fn(ts, StructTime), false)
	}
}

// UnixString renders ts as Unix seconds with millisecond precision
func UnixString(ts time.Time) string {
	return strconv.FormatFloat(float64(ts.UnixMilli())/1000, 'f', 3, 64)
}
