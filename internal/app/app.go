// Package app wires config, logging, history and the periodic runners into
// one daemon with hot-reloadable configuration.
package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"cadenced/internal/config"
	"cadenced/internal/history"
	"cadenced/internal/report"
	"cadenced/internal/runner"
	"cadenced/internal/timeunit"
	"cadenced/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    *history.Store
	reporter *report.Reporter

	mu      sync.Mutex
	cfg     *config.Config
	runners map[string]*runner.Runner

	sub    chan *config.Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads and validates the config file and brings up logging.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	return &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log,
		cfg:     cfg,
		runners: map[string]*runner.Runner{},
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	if cfg.History != nil && cfg.History.Enabled {
		st, err := history.Open(history.Config{
			Path:        cfg.History.Path,
			BusyTimeout: cfg.History.BusyTimeoutDuration(),
			MaxRows:     cfg.History.MaxRows,
		}, a.log.With(logx.String("comp", "history")))
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		a.store = st
	}

	if strings.TrimSpace(cfg.Report.Schedule) != "" {
		rep, err := report.NewReporter(cfg.Report.Schedule, reportUnit(cfg), a.log.With(logx.String("comp", "report")))
		if err != nil {
			return err
		}
		a.reporter = rep
	}

	for _, t := range cfg.Tasks {
		if err := a.startTask(t, cfg); err != nil {
			a.stopAllRunners()
			if a.store != nil {
				_ = a.store.Close()
				a.store = nil
			}
			return err
		}
	}
	if a.reporter != nil {
		a.reporter.Start()
	}

	wctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.sub = a.cfgMgr.Subscribe(4)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(wctx)
	}()
	go func() {
		defer a.wg.Done()
		a.applyLoop(wctx)
	}()

	a.log.Info("cadenced started", logx.Int("tasks", len(cfg.Tasks)))
	return nil
}

// Stop tears everything down in reverse order. The context bounds how long
// history writes may take; runners themselves stop promptly.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.sub != nil {
		a.cfgMgr.Unsubscribe(a.sub)
		a.sub = nil
	}

	if a.reporter != nil {
		a.reporter.Stop()
	}
	a.stopAllRunnersCtx(ctx)

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("history close failed", logx.Err(err))
		}
		a.store = nil
	}
	a.log.Info("cadenced stopped")
	return a.logSvc.Close()
}

func (a *App) startTask(t config.TaskConfig, cfg *config.Config) error {
	action, err := BuildAction(t.Action, actionDuration(t))
	if err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	offset, _ := t.OffsetDuration()

	r, err := runner.New(runner.Config{
		Name:              t.Name,
		Rate:              t.Rate,
		Unit:              t.Unit,
		CollectStatistics: t.StatisticsEnabled(),
		Offset:            offset,
		ReportUnit:        reportUnit(cfg),
	}, action, a.log)
	if err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}

	a.mu.Lock()
	a.runners[t.Name] = r
	a.mu.Unlock()
	if a.reporter != nil {
		a.reporter.Add(r)
	}
	a.log.Info("task configured",
		logx.String("task", t.Name),
		logx.Uint64("rate", t.Rate),
		logx.String("unit", t.Unit.String()),
		logx.Bool("running", r.Running()),
	)
	return nil
}

// stopTask stops the runner and persists its totals, if any.
func (a *App) stopTask(ctx context.Context, name string, r *runner.Runner) {
	r.Stop()
	if a.store == nil {
		return
	}
	tot, ok := r.Totals()
	if !ok || tot.Samples == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.store.SaveRun(sctx, name, r.Period(), tot); err != nil {
		a.log.Warn("history save failed", logx.String("task", name), logx.Err(err))
	}
}

func (a *App) stopAllRunners() { a.stopAllRunnersCtx(context.Background()) }

func (a *App) stopAllRunnersCtx(ctx context.Context) {
	a.mu.Lock()
	runners := make(map[string]*runner.Runner, len(a.runners))
	for k, v := range a.runners {
		runners[k] = v
	}
	a.runners = map[string]*runner.Runner{}
	a.mu.Unlock()

	for name, r := range runners {
		a.stopTask(ctx, name, r)
	}
}

// applyLoop reacts to config reloads published by the watcher.
func (a *App) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.sub:
			if !ok {
				return
			}
			a.applyConfig(ctx, cfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.mu.Lock()
	old := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	changed, attrs, taskNames := config.SummarizeChange(old, cfg)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.Any("sections", changed)}, attrs...)...)

	for _, section := range changed {
		switch section {
		case "logging":
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
		case "report", "history":
			// Reporter schedule and storage layout are fixed for the
			// process lifetime; a restart picks them up.
			a.log.Warn("section change requires restart", logx.String("section", section))
		}
	}

	for _, name := range taskNames {
		a.applyTaskChange(ctx, name, old, cfg)
	}
}

func (a *App) applyTaskChange(ctx context.Context, name string, old, cfg *config.Config) {
	oldTask, _ := findTask(old, name)
	newTask, hasNew := findTask(cfg, name)

	a.mu.Lock()
	r := a.runners[name]
	a.mu.Unlock()

	switch {
	case hasNew && r == nil:
		if err := a.startTask(newTask, cfg); err != nil {
			a.log.Error("task add failed", logx.String("task", name), logx.Err(err))
		}
	case !hasNew && r != nil:
		a.mu.Lock()
		delete(a.runners, name)
		a.mu.Unlock()
		if a.reporter != nil {
			a.reporter.Remove(name)
		}
		a.stopTask(ctx, name, r)
		a.log.Info("task removed", logx.String("task", name))
	case hasNew && r != nil:
		if onlyRateChanged(oldTask, newTask) {
			if err := r.SetRate(newTask.Rate, newTask.Unit, newTask.Immediate()); err != nil {
				a.log.Error("rate change failed", logx.String("task", name), logx.Err(err))
				return
			}
			a.log.Info("task rate changed",
				logx.String("task", name),
				logx.Uint64("rate", newTask.Rate),
				logx.String("unit", newTask.Unit.String()),
				logx.Bool("immediate", newTask.Immediate()),
			)
			return
		}
		// Action/offset/statistics changes need a fresh runner. Drop the
		// old snapshot source up front so a failed rebuild does not leave
		// the reporter polling a stopped runner; startTask re-registers.
		a.mu.Lock()
		delete(a.runners, name)
		a.mu.Unlock()
		if a.reporter != nil {
			a.reporter.Remove(name)
		}
		a.stopTask(ctx, name, r)
		if err := a.startTask(newTask, cfg); err != nil {
			a.log.Error("task rebuild failed", logx.String("task", name), logx.Err(err))
		}
	}
}

func findTask(cfg *config.Config, name string) (config.TaskConfig, bool) {
	if cfg == nil {
		return config.TaskConfig{}, false
	}
	for _, t := range cfg.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return config.TaskConfig{}, false
}

// onlyRateChanged reports whether the definitions differ in cadence alone,
// which SetRate can apply without rebuilding the runner.
func onlyRateChanged(oldTask, newTask config.TaskConfig) bool {
	o, n := oldTask, newTask
	o.Rate, o.Unit, o.ApplyImmediately = 0, 0, nil
	n.Rate, n.Unit, n.ApplyImmediately = 0, 0, nil
	return reflect.DeepEqual(o, n)
}

func actionDuration(t config.TaskConfig) time.Duration {
	d, _ := config.ParseDurationField("action_duration", t.ActionDuration)
	return d
}

func reportUnit(cfg *config.Config) timeunit.Unit {
	if cfg.Report.Unit.Valid() {
		return cfg.Report.Unit
	}
	return timeunit.Milliseconds
}
