package runner

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cadenced/internal/stats"
	"cadenced/internal/timeunit"
	"cadenced/pkg/logx"
)

type captureSink struct {
	mu    sync.Mutex
	tasks []string
	sums  []stats.Summary
}

func (c *captureSink) Emit(task string, sum stats.Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
	c.sums = append(c.sums, sum)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sums)
}

func TestZeroRateDoesNotStart(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	r, err := New(Config{
		Name:              "idle",
		Rate:              0,
		CollectStatistics: true,
		Sink:              sink,
	}, func() { t.Error("action must not run") }, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Running() {
		t.Fatal("runner with zero period must not start")
	}

	// Stop on a never-started runner is a safe no-op, repeatedly.
	r.Stop()
	r.Stop()
	if sink.count() != 0 {
		t.Fatalf("no summary expected, got %d", sink.count())
	}
}

func TestNilActionRejected(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Rate: 1, Unit: timeunit.Seconds}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for nil action")
	}
}

func TestStopJoinsLoop(t *testing.T) {
	t.Parallel()

	var count atomic.Int64
	r, err := New(Config{
		Name: "counter",
		Rate: 10, Unit: timeunit.Milliseconds,
	}, func() { count.Add(1) }, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	time.Sleep(55 * time.Millisecond)
	r.Stop()
	if r.Running() {
		t.Fatal("Running after Stop")
	}

	// The loop must be fully joined: no further invocations.
	after := count.Load()
	if after == 0 {
		t.Fatal("action never ran")
	}
	time.Sleep(40 * time.Millisecond)
	if got := count.Load(); got != after {
		t.Fatalf("action ran after Stop: %d -> %d", after, got)
	}

	r.Stop() // idempotent
}

func TestCadenceConvergence(t *testing.T) {
	t.Parallel()

	period := 50 * time.Millisecond
	sink := &captureSink{}
	r, err := New(Config{
		Name: "steady",
		Rate: 50, Unit: timeunit.Milliseconds,
		CollectStatistics: true,
		ReportUnit:        timeunit.Milliseconds,
		Sink:              sink,
	}, func() { time.Sleep(10 * time.Millisecond) }, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	time.Sleep(10 * period)
	r.Stop()

	if sink.count() != 1 {
		t.Fatalf("expected one summary, got %d", sink.count())
	}
	sum := sink.sums[0]
	// The first invocation is only recorded after its full wait completes,
	// so ~500ms holds about 9 samples.
	if sum.Samples < 7 || sum.Samples > 10 {
		t.Fatalf("Samples = %d, want ~9", sum.Samples)
	}
	// Tolerance band is 5% of 50ms = 2.5ms; a 10ms action leaves plenty of
	// compensated headroom, so no cycle should exceed it.
	if sum.ToleranceExceeded != 0 {
		t.Fatalf("ToleranceExceeded = %d, want 0", sum.ToleranceExceeded)
	}
	if sum.AvgError >= 2.5 {
		t.Fatalf("AvgError = %.3fms, want < 2.5ms", sum.AvgError)
	}
	if sum.MinError > sum.MaxError {
		t.Fatalf("MinError %v > MaxError %v", sum.MinError, sum.MaxError)
	}
	if sink.tasks[0] != "steady" {
		t.Fatalf("task = %q, want steady", sink.tasks[0])
	}
}

func TestOverrunCountsPerCycle(t *testing.T) {
	t.Parallel()

	r, err := New(Config{
		Name: "slow",
		Rate: 50, Unit: timeunit.Milliseconds,
		CollectStatistics: true,
		Sink:              &captureSink{},
	}, func() { time.Sleep(60 * time.Millisecond) }, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Each cycle: 60ms action + ~40ms compensated sleep = ~100ms.
	time.Sleep(450 * time.Millisecond)
	r.Stop()

	tot, ok := r.Totals()
	if !ok {
		t.Fatal("expected totals")
	}
	if tot.Samples < 2 {
		t.Fatalf("Samples = %d, want >= 2", tot.Samples)
	}
	// Every completed cycle overran the 5% band, and exactly once per cycle.
	if tot.ToleranceExceeded != tot.Samples {
		t.Fatalf("ToleranceExceeded = %d, Samples = %d, want equal", tot.ToleranceExceeded, tot.Samples)
	}
}

func TestStopDuringLongWaitReturnsPromptly(t *testing.T) {
	t.Parallel()

	r, err := New(Config{
		Name: "longwait",
		Rate: 1, Unit: timeunit.Hours,
	}, func() {}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the loop enter its wait

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not wake the sleeping cycle")
	}
}

func TestStopBeforeFirstCycleEmitsNothing(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	r, err := New(Config{
		Name: "early",
		Rate: 1, Unit: timeunit.Minutes,
		CollectStatistics: true,
		Sink:              sink,
	}, func() {}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	r.Stop()

	// No cycle completed its wait, so there is no data to report.
	if sink.count() != 0 {
		t.Fatalf("expected no summary, got %d", sink.count())
	}
}

func TestSetRateImmediateAbortsInFlightWait(t *testing.T) {
	t.Parallel()

	var count atomic.Int64
	r, err := New(Config{
		Name: "reschedule",
		Rate: 1, Unit: timeunit.Minutes,
	}, func() { count.Add(1) }, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // first action done, loop is waiting

	if err := r.SetRate(10, timeunit.Milliseconds, true); err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	r.Stop()

	// Without the restart the second invocation would be a minute away.
	if got := count.Load(); got < 3 {
		t.Fatalf("count = %d, want >= 3 after immediate restart", got)
	}
}

func TestSetRateDeferredAppliesAtNextBoundary(t *testing.T) {
	t.Parallel()

	var count atomic.Int64
	r, err := New(Config{
		Name: "deferred",
		Rate: 200, Unit: timeunit.Milliseconds,
	}, func() { count.Add(1) }, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	time.Sleep(30 * time.Millisecond) // inside the first wait

	if err := r.SetRate(10, timeunit.Milliseconds, false); err != nil {
		t.Fatalf("SetRate: %v", err)
	}

	// The in-flight cycle keeps waiting under the old 200ms period.
	time.Sleep(80 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Fatalf("count = %d during old-period wait, want 1", got)
	}

	// After the boundary the 10ms cadence kicks in.
	time.Sleep(250 * time.Millisecond)
	if got := count.Load(); got < 6 {
		t.Fatalf("count = %d after deferred apply, want >= 6", got)
	}
	r.Stop()
}

func TestSetRateZeroStopsLoop(t *testing.T) {
	t.Parallel()

	r, err := New(Config{
		Name: "tozero",
		Rate: 10, Unit: timeunit.Milliseconds,
	}, func() {}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.SetRate(0, timeunit.Milliseconds, true); err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	if r.Running() {
		t.Fatal("loop still running after zero rate")
	}
	r.Stop()
}

func TestSetRateZeroEmitsFinalSummary(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	r, err := New(Config{
		Name: "drain",
		Rate: 10, Unit: timeunit.Milliseconds,
		CollectStatistics: true,
		Sink:              sink,
	}, func() {}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	waitForSamples(t, r)

	// Stopping via a zero rate ends the run, so the recorded samples must
	// reach the sink here rather than vanish.
	if err := r.SetRate(0, timeunit.Milliseconds, true); err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected summary on zero-rate stop, got %d", sink.count())
	}
	if sink.sums[0].Samples == 0 {
		t.Fatal("summary carries no samples")
	}

	// The run already reported; Stop must not emit a duplicate.
	r.Stop()
	if sink.count() != 1 {
		t.Fatalf("duplicate summary after Stop, got %d", sink.count())
	}
}

func TestSetRateZeroDeferredEmitsAtBoundary(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	r, err := New(Config{
		Name: "drainlater",
		Rate: 10, Unit: timeunit.Milliseconds,
		CollectStatistics: true,
		Sink:              sink,
	}, func() {}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	waitForSamples(t, r)

	if err := r.SetRate(0, timeunit.Milliseconds, false); err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no summary after staged zero rate")
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
	if sink.count() != 1 {
		t.Fatalf("expected exactly one summary, got %d", sink.count())
	}
}

// waitForSamples blocks until the collector has recorded at least one cycle.
func waitForSamples(t *testing.T, r *Runner) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if tot, ok := r.Totals(); ok && tot.Samples > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no samples recorded in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSummarySnapshotWhileRunning(t *testing.T) {
	t.Parallel()

	r, err := New(Config{
		Name: "snapshot",
		Rate: 10, Unit: timeunit.Milliseconds,
		CollectStatistics: true,
		Sink:              &captureSink{},
	}, func() {}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if sum, ok := r.Summary(timeunit.Microseconds); ok {
			if sum.Samples == 0 {
				t.Fatal("ok snapshot with zero samples")
			}
			if sum.Unit != timeunit.Microseconds {
				t.Fatalf("Unit = %v, want microseconds", sum.Unit)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no samples recorded in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatisticsDisabled(t *testing.T) {
	t.Parallel()

	r, err := New(Config{
		Name: "nostats",
		Rate: 10, Unit: timeunit.Milliseconds,
	}, func() {}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	time.Sleep(35 * time.Millisecond)
	r.Stop()

	if _, ok := r.Totals(); ok {
		t.Fatal("Totals should report no collector")
	}
	if _, ok := r.Summary(timeunit.Milliseconds); ok {
		t.Fatal("Summary should report no collector")
	}
}
