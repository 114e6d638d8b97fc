package app

import (
	"fmt"
	"strings"
	"time"

	"cadenced/internal/runner"
)

// BuildAction maps a config action kind to a callable. "sleep" blocks for
// the given duration, "busy" burns CPU for it (useful to provoke overruns
// when tuning the offset), "noop" returns immediately.
func BuildAction(kind string, d time.Duration) (runner.Action, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "noop":
		return func() {}, nil
	case "sleep":
		return func() { time.Sleep(d) }, nil
	case "busy":
		return func() {
			deadline := time.Now().Add(d)
			for time.Now().Before(deadline) {
			}
		}, nil
	}
	return nil, fmt.Errorf("unknown action %q", kind)
}
