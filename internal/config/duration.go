package config

import (
	"fmt"
	"strings"
	"time"
)

// Every duration knob in the config (offset, action_duration, busy_timeout)
// is a magnitude, so negative values are rejected uniformly here. path names
// the offending field in errors, e.g. "tasks[2].offset".

// ParseDurationField parses a Go duration string. Empty means "unset" and
// parses to zero so callers can layer their own defaults on top.
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
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is unset or zero.
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

// isOff reports whether an optional duration field carries the "off"
// sentinel, which disables the knob instead of setting a magnitude.
func isOff(raw string) bool {
	return strings.EqualFold(strings.TrimSpace(raw), "off")
}
