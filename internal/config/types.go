package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cadenced/internal/timeunit"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Report controls how statistics are rendered and, optionally, a cron
	// schedule for intermediate snapshots while tasks keep running.
	Report ReportConfig `json:"report,omitempty"`

	// History persists finished-run summaries to SQLite.
	// If omitted, nothing is persisted.
	History *HistoryConfig `json:"history,omitempty"`

	Tasks []TaskConfig `json:"tasks"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console,omitempty"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type ReportConfig struct {
	// Unit scales summaries and snapshots. Defaults to milliseconds.
	Unit timeunit.Unit `json:"unit,omitempty"`

	// Schedule is a cron spec or descriptor ("@every 1m", "@hourly") for
	// intermediate snapshots. Empty disables snapshots.
	Schedule string `json:"schedule,omitempty"`
}

type HistoryConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`

	// BusyTimeout is a Go duration string (e.g. "500ms"). Unset selects
	// a conservative package default.
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// MaxRows caps stored runs per task. <=0 selects the package default.
	MaxRows int `json:"max_rows,omitempty"`
}

// TaskConfig describes one periodic task.
//
// rate * unit is the target period. rate 0 is valid and means the task is
// configured but does not run.
type TaskConfig struct {
	Name string        `json:"name"`
	Rate uint64        `json:"rate"`
	Unit timeunit.Unit `json:"unit,omitempty"`

	// Statistics defaults to true when omitted.
	Statistics *bool `json:"statistics,omitempty"`

	// Offset is a Go duration string overriding the scheduling-overhead
	// pre-compensation. Empty selects the runner default (50µs); "off"
	// disables the pre-compensation entirely.
	Offset string `json:"offset,omitempty"`

	// Action selects the built-in demo action: "noop", "sleep" or "busy".
	// Defaults to "noop".
	Action string `json:"action,omitempty"`

	// ActionDuration is how long "sleep" and "busy" actions take.
	ActionDuration string `json:"action_duration,omitempty"`

	// ApplyImmediately controls hot-reload rate changes: true restarts the
	// loop at once, false defers the new rate to the next cycle boundary.
	// Defaults to true.
	ApplyImmediately *bool `json:"apply_immediately,omitempty"`
}

func (t TaskConfig) StatisticsEnabled() bool {
	return t.Statistics == nil || *t.Statistics
}

func (t TaskConfig) Immediate() bool {
	return t.ApplyImmediately == nil || *t.ApplyImmediately
}

// OffsetDuration maps the offset field onto the runner's convention:
// zero keeps the runner default, a negative value disables the
// pre-compensation. "off" in the config selects the latter, since a
// literal negative duration is rejected by validation.
func (t TaskConfig) OffsetDuration() (time.Duration, error) {
	if isOff(t.Offset) {
		return -1, nil
	}
	return ParseDurationField("offset", t.Offset)
}

// Validate rejects configs that could not be applied.
// It is also the hook Watch() runs before publishing a reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	seen := map[string]bool{}
	for i, t := range cfg.Tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("tasks[%d]: duplicate task name %q", i, name)
		}
		seen[name] = true

		if t.Rate > 0 {
			if !t.Unit.Valid() {
				return fmt.Errorf("tasks[%d] (%s): unit is required when rate > 0", i, name)
			}
			if _, err := t.Unit.Period(t.Rate); err != nil {
				return fmt.Errorf("tasks[%d] (%s): %w", i, name, err)
			}
		}
		if !isOff(t.Offset) {
			if _, err := ParseDurationField(fmt.Sprintf("tasks[%d].offset", i), t.Offset); err != nil {
				return err
			}
		}
		if _, err := ParseDurationField(fmt.Sprintf("tasks[%d].action_duration", i), t.ActionDuration); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(t.Action)) {
		case "", "noop", "sleep", "busy":
		default:
			return fmt.Errorf("tasks[%d] (%s): unknown action %q", i, name, t.Action)
		}
	}

	if cfg.History != nil && cfg.History.Enabled {
		if strings.TrimSpace(cfg.History.Path) == "" {
			return errors.New("history.path is required when history is enabled")
		}
		if _, err := ParseDurationField("history.busy_timeout", cfg.History.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// defaultBusyTimeout keeps concurrent snapshot reads from surfacing
// SQLITE_BUSY during a run save; the driver itself defaults to failing
// immediately.
const defaultBusyTimeout = 5 * time.Second

// BusyTimeoutDuration parses the configured busy timeout, tolerating nil
// and falling back to defaultBusyTimeout when the field is unset.
func (h *HistoryConfig) BusyTimeoutDuration() time.Duration {
	if h == nil {
		return 0
	}
	d, err := ParseDurationOrDefault("history.busy_timeout", h.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return 0
	}
	return d
}
