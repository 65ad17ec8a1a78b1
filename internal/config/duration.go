package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string from the config. Blank
// means zero; negative values are rejected. field names the key in errors.
func ParseDurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", field, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for blank or zero.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// ParseDurationBelow is ParseDurationOrDefault with an exclusive upper bound.
func ParseDurationBelow(field, raw string, def, limit time.Duration) (time.Duration, error) {
	d, err := ParseDurationOrDefault(field, raw, def)
	if err != nil {
		return 0, err
	}
	if d >= limit {
		return 0, fmt.Errorf("%s must be between 0 and %s, got %s", field, limit, d)
	}
	return d, nil
}
