package config

import (
	"reflect"
	"sort"

	"cadenced/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections, (2) safe
// structured attrs for logging, and (3) the names of tasks whose definition
// changed (added, removed or edited).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 8)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.String("report.unit", newCfg.Report.Unit.String()),
			logx.String("report.schedule", newCfg.Report.Schedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.History, newCfg.History) {
		changed = append(changed, "history")
		attrs = append(attrs, logx.Bool("history.enabled", newCfg.History != nil && newCfg.History.Enabled))
	}

	tasks := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(tasks) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.Int("tasks.changed", len(tasks)))
	}

	return changed, attrs, tasks
}

func diffTasks(oldTasks, newTasks []TaskConfig) []string {
	oldByName := make(map[string]TaskConfig, len(oldTasks))
	for _, t := range oldTasks {
		oldByName[t.Name] = t
	}
	newByName := make(map[string]TaskConfig, len(newTasks))
	for _, t := range newTasks {
		newByName[t.Name] = t
	}

	names := map[string]bool{}
	for name, nt := range newByName {
		ot, ok := oldByName[name]
		if !ok || !reflect.DeepEqual(ot, nt) {
			names[name] = true
		}
	}
	for name := range oldByName {
		if _, ok := newByName[name]; !ok {
			names[name] = true
		}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
