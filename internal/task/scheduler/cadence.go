package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const day = 24 * time.Hour

// cronParser accepts 5-field and 6-field (with seconds) specs plus descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cadence describes when a recurring task fires: either an interval with an
// optional time-of-day anchor, or a cron expression. Timezone applies to both.
//
// Canonical text form:
//
//	every 24h0m0s at 04:30 in Europe/Berlin
//	every 15m0s
//	cron 0 9 * * MON in UTC
type Cadence struct {
	Every    time.Duration
	At       string // "HH:MM"; only with Every
	Timezone string // IANA name; empty means UTC
	Cron     string
}

// Validate checks that the cadence is well formed and evaluable.
func (c Cadence) Validate() error {
	_, err := c.Schedule()
	return err
}

func (c Cadence) IsZero() bool {
	return c.Every == 0 && c.Cron == "" && c.At == "" && c.Timezone == ""
}

// InZone returns a copy with Timezone set to tz when it was empty.
func (c Cadence) InZone(tz string) Cadence {
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = strings.TrimSpace(tz)
	}
	return c
}

// Location resolves Timezone.
func (c Cadence) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("cadence: invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Schedule converts the cadence into a cron.Schedule evaluated in its timezone.
func (c Cadence) Schedule() (cron.Schedule, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	expr := strings.TrimSpace(c.Cron)
	switch {
	case expr != "" && (c.Every != 0 || c.At != ""):
		return nil, errors.New("cadence: cron cannot be combined with every/at")
	case expr != "":
		base, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("cadence: invalid cron %q: %w", expr, err)
		}
		return zoned{base: base, loc: loc}, nil
	case c.Every <= 0:
		return nil, errors.New("cadence: every must be > 0")
	case strings.TrimSpace(c.At) == "":
		return zoned{base: cron.Every(c.Every), loc: loc}, nil
	}
	h, m, err := parseHHMM(c.At)
	if err != nil {
		return nil, fmt.Errorf("cadence: %w", err)
	}
	if c.Every >= day && c.Every%day != 0 {
		return nil, fmt.Errorf("cadence: anchored interval %s must be a whole number of days or shorter than a day", c.Every)
	}
	return anchored{every: c.Every, hour: h, minute: m, loc: loc}, nil
}

// Next returns the first fire time strictly after from.
func (c Cadence) Next(from time.Time) (time.Time, error) {
	s, err := c.Schedule()
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}

func (c Cadence) String() string {
	var b strings.Builder
	if expr := strings.TrimSpace(c.Cron); expr != "" {
		b.WriteString("cron ")
		b.WriteString(expr)
	} else {
		b.WriteString("every ")
		b.WriteString(c.Every.String())
		if at := strings.TrimSpace(c.At); at != "" {
			b.WriteString(" at ")
			b.WriteString(at)
		}
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		b.WriteString(" in ")
		b.WriteString(tz)
	}
	return b.String()
}

func (c Cadence) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Cadence) UnmarshalText(b []byte) error {
	parsed, err := ParseCadence(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCadence parses the canonical text form produced by Cadence.String.
func ParseCadence(raw string) (Cadence, error) {
	s := strings.TrimSpace(raw)
	var c Cadence
	if i := strings.LastIndex(s, " in "); i >= 0 {
		c.Timezone = strings.TrimSpace(s[i+len(" in "):])
		s = strings.TrimSpace(s[:i])
	}
	switch {
	case strings.HasPrefix(s, "cron "):
		c.Cron = strings.TrimSpace(strings.TrimPrefix(s, "cron "))
	case strings.HasPrefix(s, "every "):
		rest := strings.TrimSpace(strings.TrimPrefix(s, "every "))
		if i := strings.Index(rest, " at "); i >= 0 {
			c.At = strings.TrimSpace(rest[i+len(" at "):])
			rest = strings.TrimSpace(rest[:i])
		}
		d, err := time.ParseDuration(rest)
		if err != nil {
			return Cadence{}, fmt.Errorf("cadence: invalid interval %q: %w", rest, err)
		}
		c.Every = d
	default:
		return Cadence{}, fmt.Errorf("cadence: cannot parse %q", raw)
	}
	if err := c.Validate(); err != nil {
		return Cadence{}, err
	}
	return c, nil
}

// FromSchedule builds a cadence from a ParseSchedule string (cron, duration or
// HH:MM interval) plus optional anchor and timezone.
func FromSchedule(schedule, at, tz string) (Cadence, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return Cadence{}, err
	}
	c := Cadence{Timezone: strings.TrimSpace(tz)}
	switch ps.Kind {
	case SpecCron:
		if strings.TrimSpace(at) != "" {
			return Cadence{}, errors.New("cadence: 'at' cannot be used with a cron schedule")
		}
		c.Cron = ps.Cron
	default:
		c.Every = ps.Every
		c.At = strings.TrimSpace(at)
	}
	if err := c.Validate(); err != nil {
		return Cadence{}, err
	}
	return c, nil
}

// zoned evaluates base in loc.
type zoned struct {
	base cron.Schedule
	loc  *time.Location
}

func (z zoned) Next(t time.Time) time.Time { return z.base.Next(t.In(z.loc)) }

// anchored fires at hour:minute local time and every interval after that.
// Whole-day intervals step by calendar days so the wall clock time survives
// DST changes; the day phase is fixed relative to 1970-01-01.
type anchored struct {
	every        time.Duration
	hour, minute int
	loc          *time.Location
}

func (a anchored) Next(t time.Time) time.Time {
	t = t.In(a.loc)
	base := time.Date(t.Year(), t.Month(), t.Day(), a.hour, a.minute, 0, 0, a.loc)

	if a.every%day == 0 {
		n := int(a.every / day)
		if r := ((civilDay(base) % n) + n) % n; r != 0 {
			base = base.AddDate(0, 0, n-r)
		}
		for !base.After(t) {
			base = base.AddDate(0, 0, n)
		}
		return base
	}

	diff := t.Sub(base)
	k := diff / a.every
	if diff < 0 && diff%a.every != 0 {
		k--
	}
	return base.Add((k + 1) * a.every)
}

func civilDay(t time.Time) int {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(d.Unix() / 86400)
}
