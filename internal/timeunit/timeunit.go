// Package timeunit defines the time scales used to configure task cadence
// and to render timing statistics.
package timeunit

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Unit is a time scale expressed as a nanosecond multiplier.
type Unit uint64

const (
	Nanoseconds  Unit = 1
	Microseconds Unit = 1_000 * Nanoseconds
	Milliseconds Unit = 1_000 * Microseconds
	Seconds      Unit = 1_000 * Milliseconds
	Minutes      Unit = 60 * Seconds
	Hours        Unit = 60 * Minutes
)

func (u Unit) String() string {
	switch u {
	case Nanoseconds:
		return "nanoseconds"
	case Microseconds:
		return "microseconds"
	case Milliseconds:
		return "milliseconds"
	case Seconds:
		return "seconds"
	case Minutes:
		return "minutes"
	case Hours:
		return "hours"
	default:
		return fmt.Sprintf("unit(%d)", uint64(u))
	}
}

// Valid reports whether u is one of the defined scales.
func (u Unit) Valid() bool {
	switch u {
	case Nanoseconds, Microseconds, Milliseconds, Seconds, Minutes, Hours:
		return true
	}
	return false
}

// Period computes rate*u as a duration.
// A zero rate is a valid "disabled" period.
func (u Unit) Period(rate uint64) (time.Duration, error) {
	if rate == 0 {
		return 0, nil
	}
	if !u.Valid() {
		return 0, fmt.Errorf("invalid time unit %d", uint64(u))
	}
	if rate > math.MaxInt64/uint64(u) {
		return 0, fmt.Errorf("period overflows: %d x %s", rate, u)
	}
	return time.Duration(rate * uint64(u)), nil
}

// Scale converts a nanosecond magnitude into this unit.
func (u Unit) Scale(ns float64) float64 {
	return ns / float64(u)
}

// Parse accepts both full unit names and the usual short forms
// ("ms", "us"/"µs", "ns", "s", "m", "h").
func Parse(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ns", "nanosecond", "nanoseconds":
		return Nanoseconds, nil
	case "us", "µs", "microsecond", "microseconds":
		return Microseconds, nil
	case "ms", "millisecond", "milliseconds":
		return Milliseconds, nil
	case "s", "sec", "second", "seconds":
		return Seconds, nil
	case "m", "min", "minute", "minutes":
		return Minutes, nil
	case "h", "hour", "hours":
		return Hours, nil
	}
	return 0, fmt.Errorf("unknown time unit %q", s)
}

// MarshalText / UnmarshalText let Unit live directly in config structs
// (both the YAML and strict-JSON decode paths go through TextUnmarshaler).

func (u Unit) MarshalText() ([]byte, error) {
	if !u.Valid() {
		return nil, fmt.Errorf("invalid time unit %d", uint64(u))
	}
	return []byte(u.String()), nil
}

func (u *Unit) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*u = p
	return nil
}
