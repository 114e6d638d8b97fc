package runner

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cadenced/internal/report"
	"cadenced/internal/stats"
	"cadenced/internal/timeunit"
	"cadenced/pkg/logx"
)

// DefaultOffset pre-compensates for the cost of the timer/select machinery
// itself. It is deliberately a tunable: the right value varies by platform
// and kernel tick granularity.
const DefaultOffset = 50 * time.Microsecond

// Action is the work invoked once per cycle. It takes no arguments and
// returns nothing; anything the action needs must be captured in the closure.
// Panics are not recovered here; the loop goroutine still releases its
// resources on unwind, so Stop never hangs on a crashed action.
type Action func()

type Config struct {
	// Name identifies the runner in logs and reports.
	Name string

	// Rate and Unit define the target period (Rate * Unit nanoseconds).
	// A zero period is valid and means "configured off": no goroutine starts.
	Rate uint64
	Unit timeunit.Unit

	// CollectStatistics enables per-cycle timing accounting.
	CollectStatistics bool

	// Offset is subtracted from every computed sleep to pre-compensate for
	// scheduling overhead. Zero selects DefaultOffset; use a negative value
	// to disable the offset entirely.
	Offset time.Duration

	// ReportUnit scales the final summary. Zero selects milliseconds.
	ReportUnit timeunit.Unit

	// Sink receives the final summary on Stop when statistics are enabled.
	// Nil selects a stdout console sink.
	Sink report.Sink
}

// Runner invokes an action at a fixed cadence, compensating each cycle's
// sleep for the action's own execution time.
//
// One background goroutine per Runner; cycles never overlap. Stop and
// SetRate assume a single controller goroutine, matching the rest of the
// service lifecycle in this repo.
type Runner struct {
	cfg    Config
	action Action
	log    logx.Logger

	offset     time.Duration
	reportUnit timeunit.Unit

	// nil when statistics are disabled. Kept across SetRate restarts so a
	// run's samples survive a cadence change.
	collector *stats.Collector

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}

	// True from start until the run's summary has been emitted. A run can
	// end through Stop or through a zero-period SetRate; whichever path
	// observes the flag first owns the emit.
	summaryDue bool

	pendMu  sync.Mutex
	pending *time.Duration

	// Throttles overrun warnings so a persistently slow action cannot
	// flood the log at cycle frequency.
	warnLim *rate.Limiter
}

// New builds the runner and, if the configured period is positive, starts
// the loop immediately.
func New(cfg Config, action Action, log logx.Logger) (*Runner, error) {
	if action == nil {
		return nil, errors.New("runner: action is required")
	}
	if cfg.Rate > 0 && !cfg.Unit.Valid() {
		return nil, errors.New("runner: invalid time unit")
	}
	period, err := cfg.Unit.Period(cfg.Rate)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	r := &Runner{
		cfg:        cfg,
		action:     action,
		log:        log.With(logx.String("runner", cfg.Name)),
		offset:     cfg.Offset,
		reportUnit: cfg.ReportUnit,
		warnLim:    rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	if r.offset == 0 {
		r.offset = DefaultOffset
	} else if r.offset < 0 {
		r.offset = 0
	}
	if r.reportUnit == 0 {
		r.reportUnit = timeunit.Milliseconds
	}
	if cfg.CollectStatistics {
		r.collector = stats.NewCollector()
		if r.cfg.Sink == nil {
			r.cfg.Sink = report.NewConsole(nil)
		}
	}

	if period > 0 {
		r.start(period)
	}
	return r, nil
}

func (r *Runner) Name() string { return r.cfg.Name }

// Running reports whether the loop goroutine is alive.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doneCh == nil {
		return false
	}
	select {
	case <-r.doneCh:
		return false
	default:
		return true
	}
}

// Summary snapshots the current statistics scaled into unit.
// ok=false when statistics are disabled or no cycle has completed yet.
func (r *Runner) Summary(unit timeunit.Unit) (stats.Summary, bool) {
	if r.collector == nil {
		return stats.Summary{}, false
	}
	return r.collector.Summarize(unit)
}

// Totals snapshots the raw accumulators, for persistence.
// ok=false when statistics are disabled.
func (r *Runner) Totals() (stats.Totals, bool) {
	if r.collector == nil {
		return stats.Totals{}, false
	}
	return r.collector.Totals(), true
}

// Period returns the currently configured target period.
func (r *Runner) Period() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, _ := r.cfg.Unit.Period(r.cfg.Rate)
	return p
}

// Stop signals the loop, waits for the goroutine to exit, and emits the
// final summary to the sink. Calling Stop on a stopped (or never-started)
// runner is a no-op. Must not be called from inside the action: the join
// would deadlock.
func (r *Runner) Stop() {
	r.halt()
	r.emitSummary()
}

// emitSummary pushes the run's summary to the sink at most once. It is a
// no-op unless a run ended without its summary being emitted yet, so every
// shutdown path can call it unconditionally.
func (r *Runner) emitSummary() {
	if r.collector == nil {
		return
	}
	r.mu.Lock()
	due := r.summaryDue
	r.summaryDue = false
	r.mu.Unlock()
	if !due {
		return
	}
	sum, ok := r.collector.Summarize(r.reportUnit)
	if !ok {
		r.log.Info("stopped before any cycle completed; no statistics")
		return
	}
	if err := r.cfg.Sink.Emit(r.cfg.Name, sum); err != nil {
		r.log.Warn("summary emit failed", logx.Err(err))
	}
}

// SetRate changes the cadence.
//
// immediate=true aborts the in-flight cycle (its pending wait included) and
// restarts the loop with the new period. immediate=false stages the period;
// the in-flight cycle finishes its wait under the old cadence and the next
// cycle picks up the new one at the boundary. Either way a zero period
// ends the run: the loop stops and the final summary reaches the sink just
// as it would on Stop.
//
// Like Stop, SetRate assumes one controller goroutine; concurrent SetRate
// calls need external serialization.
func (r *Runner) SetRate(rateVal uint64, unit timeunit.Unit, immediate bool) error {
	if rateVal > 0 && !unit.Valid() {
		return errors.New("runner: invalid time unit")
	}
	period, err := unit.Period(rateVal)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cfg.Rate, r.cfg.Unit = rateVal, unit
	running := r.stopCh != nil
	r.mu.Unlock()

	if !immediate && running {
		r.stagePending(period)
		return nil
	}

	r.halt()
	r.clearPending()
	if period > 0 {
		// Restart. No summary is emitted; the collector keeps accumulating
		// across the restart.
		r.start(period)
		return nil
	}
	// A zero period ends the run, so the summary is owed now. A later Stop
	// sees the flag already cleared and emits nothing.
	r.emitSummary()
	return nil
}

func (r *Runner) start(period time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.summaryDue = true
	r.log.Debug("runner starting", logx.Duration("period", period))
	go r.loop(period, r.stopCh, r.doneCh)
}

// halt closes the stop channel and joins the loop goroutine.
// It reports whether this call performed the Running -> Stopped transition.
func (r *Runner) halt() bool {
	r.mu.Lock()
	stopCh, doneCh := r.stopCh, r.doneCh
	r.stopCh, r.doneCh = nil, nil
	r.mu.Unlock()

	if stopCh == nil {
		return false
	}
	close(stopCh)
	<-doneCh
	return true
}

func (r *Runner) stagePending(period time.Duration) {
	r.pendMu.Lock()
	p := period
	r.pending = &p
	r.pendMu.Unlock()
}

func (r *Runner) clearPending() {
	r.pendMu.Lock()
	r.pending = nil
	r.pendMu.Unlock()
}

func (r *Runner) takePending() (time.Duration, bool) {
	r.pendMu.Lock()
	defer r.pendMu.Unlock()
	if r.pending == nil {
		return 0, false
	}
	p := *r.pending
	r.pending = nil
	return p, true
}

// loop is the single execution context of the runner.
//
// Per cycle: run the action, compute how much of the period is left, sleep
// that long (minus the scheduling offset), then record how close the full
// cycle came to the target. The timer wait doubles as the cancellation
// point; stop wins immediately without waiting out the remainder.
func (r *Runner) loop(period time.Duration, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if p, ok := r.takePending(); ok {
			if p <= 0 {
				r.log.Debug("staged zero period; loop exiting")
				r.emitSummary()
				return
			}
			r.log.Debug("staged period applied", logx.Duration("period", p))
			period = p
		}

		start := time.Now()
		r.action()
		elapsed := time.Since(start)

		sleep := period - elapsed
		if sleep < 0 {
			// The action overran the period. Only the overrun within the
			// current cycle is compensated; time lost to fully skipped
			// periods is not recovered. Catch-up execution would change
			// the cadence guarantee, so it stays a non-goal.
			over := -sleep
			sleep = period - over%period
			if r.warnLim.Allow() {
				r.log.Warn("action overran period",
					logx.Duration("elapsed", elapsed),
					logx.Duration("period", period),
					logx.Duration("over", over),
				)
			}
		}

		sleep -= r.offset
		if sleep < 0 {
			sleep = 0
		}

		timer.Reset(sleep)
		select {
		case <-stopCh:
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}

		if r.collector != nil {
			r.collector.RecordCycle(start, time.Now(), period)
			r.collector.RecordCompensation(sleep)
		}
	}
}
