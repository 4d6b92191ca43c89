package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is the result of ParseSchedule.
//
// Accepted forms:
//   - cron: "30 4 * * *", "@daily", "@every 55m"
//   - Go duration interval: "24h", "2h30m"
//   - HH:MM interval: "02:30" (2 hours 30 minutes)
//
// The prefixes "cron:" and "every:" force one interpretation.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		if _, err := cronParser.Parse(s); err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", s, err)
		}
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf(
			"invalid schedule %q (use cron like '30 4 * * *', HH:MM like '02:30', or duration like '24h')",
			raw,
		)
	}
	return ps, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

// parseHHMM parses a wall-clock time of day.
func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
