package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string; path names the field in errors.
// Empty means 0; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseDurationAllowZero is like ParseDurationOrDefault, but an explicit
// zero ("0s") is kept so a feature can be switched off.
func ParseDurationAllowZero(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return ParseDurationField(path, raw)
}
