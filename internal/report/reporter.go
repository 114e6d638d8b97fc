package report

import (
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"cadenced/internal/stats"
	"cadenced/internal/timeunit"
	"cadenced/pkg/logx"
)

// Source is anything that can snapshot its timing statistics mid-run.
// *runner.Runner satisfies it.
type Source interface {
	Name() string
	Summary(unit timeunit.Unit) (stats.Summary, bool)
}

// Reporter logs an intermediate statistics snapshot for each source on a
// cron schedule, without disturbing the runners. Useful for long-lived
// daemons where the final on-stop summary is hours away.
type Reporter struct {
	c    *cron.Cron
	unit timeunit.Unit
	log  logx.Logger

	mu      sync.Mutex
	sources map[string]Source
}

// NewReporter validates the schedule and registers the snapshot job.
// The schedule accepts standard 5-field cron specs and descriptors such as
// "@hourly" or "@every 1m".
func NewReporter(schedule string, unit timeunit.Unit, log logx.Logger) (*Reporter, error) {
	if !unit.Valid() {
		unit = timeunit.Milliseconds
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Reporter{
		c:       cron.New(),
		unit:    unit,
		log:     log,
		sources: map[string]Source{},
	}
	if _, err := r.c.AddFunc(schedule, r.snapshot); err != nil {
		return nil, fmt.Errorf("report schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Add registers src under its name, replacing any previous source with the
// same name. Runners are rebuilt on config changes, so replacement keeps the
// snapshot set pointing at the live instance.
func (r *Reporter) Add(src Source) {
	r.mu.Lock()
	r.sources[src.Name()] = src
	r.mu.Unlock()
}

// Remove drops the source registered under name. Unknown names are a no-op.
func (r *Reporter) Remove(name string) {
	r.mu.Lock()
	delete(r.sources, name)
	r.mu.Unlock()
}

func (r *Reporter) Start() { r.c.Start() }

// Stop halts the schedule and waits for an in-flight snapshot to finish.
func (r *Reporter) Stop() {
	<-r.c.Stop().Done()
}

func (r *Reporter) snapshot() {
	r.mu.Lock()
	sources := make([]Source, 0, len(r.sources))
	for _, src := range r.sources {
		sources = append(sources, src)
	}
	r.mu.Unlock()
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name() < sources[j].Name() })

	for _, src := range sources {
		sum, ok := src.Summary(r.unit)
		if !ok {
			r.log.Debug("no samples yet", logx.String("task", src.Name()))
			continue
		}
		r.log.Info("timing snapshot",
			logx.String("task", src.Name()),
			logx.Uint64("samples", sum.Samples),
			logx.Float64("avg_error", sum.AvgError),
			logx.Float64("avg_compensation", sum.AvgCompensation),
			logx.Float64("max_error", sum.MaxError),
			logx.Float64("min_error", sum.MinError),
			logx.Uint64("tolerance_exceeded", sum.ToleranceExceeded),
			logx.String("unit", sum.Unit.String()),
		)
	}
}
