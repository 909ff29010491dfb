// Package schedule computes the next execution instant of recurring jobs.
//
// Every calculation is pure: the same Spec and reference instant always
// produce the same result, independent of the process clock or local zone.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSpec indicates a schedule definition that can never produce a run.
var ErrInvalidSpec = errors.New("invalid schedule")

// ErrNoOccurrence indicates a valid expression that has no future occurrence.
var ErrNoOccurrence = errors.New("schedule has no future occurrence")

// Cadence enumerates the supported recurrence kinds.
type Cadence string

const (
	CadenceDaily     Cadence = "daily"
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	// CadenceCustom evaluates a cron expression or descriptor such as "@every 90m".
	CadenceCustom Cadence = "custom"
)

// Valid reports whether c is a known cadence.
func (c Cadence) Valid() bool {
	switch c {
	case CadenceDaily, CadenceWeekly, CadenceMonthly, CadenceQuarterly, CadenceCustom:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Cadence) UnmarshalText(text []byte) error {
	v := Cadence(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("%w: unknown cadence %q", ErrInvalidSpec, string(text))
	}
	*c = v
	return nil
}

// TimeOfDay is a wall-clock time in the job's timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses an "HH:MM" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q must be HH:MM", ErrInvalidSpec, s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: hour %q: %v", ErrInvalidSpec, hh, err)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: minute %q: %v", ErrInvalidSpec, mm, err)
	}
	t := TimeOfDay{Hour: hour, Minute: minute}
	if err := t.validate(); err != nil {
		return TimeOfDay{}, err
	}
	return t, nil
}

func (t TimeOfDay) validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("%w: time of day %02d:%02d out of range", ErrInvalidSpec, t.Hour, t.Minute)
	}
	return nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// WeekdayConvention identifies how an integer day-of-week was numbered by its producer.
type WeekdayConvention int

const (
	// WeekdaySundayFirst numbers days 0=Sunday through 6=Saturday.
	WeekdaySundayFirst WeekdayConvention = iota
	// WeekdayISO numbers days 1=Monday through 7=Sunday.
	WeekdayISO
)

// NormalizeWeekday converts a day number in the given convention to a time.Weekday.
func NormalizeWeekday(day int, conv WeekdayConvention) (time.Weekday, error) {
	switch conv {
	case WeekdaySundayFirst:
		if day < 0 || day > 6 {
			return 0, fmt.Errorf("%w: day %d outside 0..6", ErrInvalidSpec, day)
		}
		return time.Weekday(day), nil
	case WeekdayISO:
		if day < 1 || day > 7 {
			return 0, fmt.Errorf("%w: ISO day %d outside 1..7", ErrInvalidSpec, day)
		}
		return time.Weekday(day % 7), nil
	default:
		return 0, fmt.Errorf("%w: unknown weekday convention %d", ErrInvalidSpec, conv)
	}
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday accepts an English day name or a Sunday-first number.
func ParseWeekday(s string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if d, ok := weekdayNames[v]; ok {
		return d, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidSpec, s)
	}
	return NormalizeWeekday(n, WeekdaySundayFirst)
}

// Params carries the cadence-specific inputs. Fields irrelevant to a cadence are ignored.
type Params struct {
	TimeOfDay  TimeOfDay    `json:"time_of_day"`
	DayOfWeek  time.Weekday `json:"day_of_week"`
	DayOfMonth int          `json:"day_of_month,omitempty"`
	Expression string       `json:"expression,omitempty"`
}

// Spec fully describes when a job recurs.
type Spec struct {
	Cadence Cadence `json:"cadence"`
	Params  Params  `json:"params"`
	// Timezone is an IANA zone name. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Location resolves the spec's timezone.
func (s Spec) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSpec, s.Timezone, err)
	}
	return loc, nil
}

// Validate checks the spec without computing an occurrence.
func (s Spec) Validate() error {
	if !s.Cadence.Valid() {
		return fmt.Errorf("%w: unknown cadence %q", ErrInvalidSpec, s.Cadence)
	}
	if _, err := s.Location(); err != nil {
		return err
	}

	switch s.Cadence {
	case CadenceCustom:
		_, err := s.customSchedule()
		return err
	case CadenceWeekly:
		if s.Params.DayOfWeek < time.Sunday || s.Params.DayOfWeek > time.Saturday {
			return fmt.Errorf("%w: day of week %d outside 0..6", ErrInvalidSpec, s.Params.DayOfWeek)
		}
	case CadenceMonthly:
		if s.Params.DayOfMonth < 1 || s.Params.DayOfMonth > 31 {
			return fmt.Errorf("%w: day of month %d outside 1..31", ErrInvalidSpec, s.Params.DayOfMonth)
		}
	case CadenceDaily, CadenceQuarterly:
	}
	return s.Params.TimeOfDay.validate()
}

func (s Spec) customSchedule() (cron.Schedule, error) {
	expr := strings.TrimSpace(s.Params.Expression)
	if expr == "" {
		return nil, fmt.Errorf("%w: custom cadence requires an expression", ErrInvalidSpec)
	}
	// Zone prefixes would bypass the spec's own timezone.
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: set the timezone on the schedule, not in the expression", ErrInvalidSpec)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: expression %q: %v", ErrInvalidSpec, expr, err)
	}
	return sched, nil
}

func (s Spec) String() string {
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	switch s.Cadence {
	case CadenceWeekly:
		return fmt.Sprintf("weekly %s %s %s", s.Params.DayOfWeek, s.Params.TimeOfDay, tz)
	case CadenceMonthly:
		return fmt.Sprintf("monthly day %d %s %s", s.Params.DayOfMonth, s.Params.TimeOfDay, tz)
	case CadenceCustom:
		return fmt.Sprintf("custom %q %s", s.Params.Expression, tz)
	default:
		return fmt.Sprintf("%s %s %s", s.Cadence, s.Params.TimeOfDay, tz)
	}
}
