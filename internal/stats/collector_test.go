package stats

import (
	"math"
	"testing"
	"time"

	"cadenced/internal/timeunit"
)

func TestRecordCycleAccumulates(t *testing.T) {
	t.Parallel()

	expected := 50 * time.Millisecond
	elapsed := []time.Duration{
		48 * time.Millisecond, // 2ms under
		51 * time.Millisecond, // 1ms over
		50 * time.Millisecond, // exact
		60 * time.Millisecond, // 10ms over, beyond 5% tolerance
	}

	c := NewCollector()
	base := time.Now()
	for _, e := range elapsed {
		c.RecordCycle(base, base.Add(e), expected)
	}

	tot := c.Totals()
	if tot.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", tot.Samples)
	}
	wantAccum := uint64(2+1+0+10) * uint64(time.Millisecond)
	if tot.ErrorAccum != wantAccum {
		t.Fatalf("ErrorAccum = %d, want %d", tot.ErrorAccum, wantAccum)
	}
	if tot.MaxError != uint64(10*time.Millisecond) {
		t.Fatalf("MaxError = %d, want 10ms", tot.MaxError)
	}
	if tot.MinError != 0 {
		t.Fatalf("MinError = %d, want 0", tot.MinError)
	}
	if tot.MinError > tot.MaxError {
		t.Fatalf("MinError %d > MaxError %d", tot.MinError, tot.MaxError)
	}
	// Only the 60ms cycle crosses 50ms*1.05; 51ms does not.
	if tot.ToleranceExceeded != 1 {
		t.Fatalf("ToleranceExceeded = %d, want 1", tot.ToleranceExceeded)
	}

	sum, ok := c.Summarize(timeunit.Milliseconds)
	if !ok {
		t.Fatal("Summarize reported no data")
	}
	if sum.AvgError != 13.0/4.0 {
		t.Fatalf("AvgError = %v, want 3.25", sum.AvgError)
	}
	if sum.MaxError != 10 || sum.MinError != 0 {
		t.Fatalf("Max/Min = %v/%v, want 10/0", sum.MaxError, sum.MinError)
	}
	if sum.Unit != timeunit.Milliseconds {
		t.Fatalf("Unit = %v, want milliseconds", sum.Unit)
	}
}

func TestRecordCompensation(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	base := time.Now()
	c.RecordCycle(base, base.Add(time.Millisecond), time.Millisecond)
	c.RecordCycle(base, base.Add(time.Millisecond), time.Millisecond)
	c.RecordCompensation(40 * time.Millisecond)
	c.RecordCompensation(44 * time.Millisecond)
	c.RecordCompensation(-time.Second) // clamped, never underflows

	sum, ok := c.Summarize(timeunit.Milliseconds)
	if !ok {
		t.Fatal("Summarize reported no data")
	}
	if sum.AvgCompensation != 42 {
		t.Fatalf("AvgCompensation = %v, want 42", sum.AvgCompensation)
	}
}

func TestSummarizeNoSamples(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	sum, ok := c.Summarize(timeunit.Seconds)
	if ok {
		t.Fatalf("expected no data, got %+v", sum)
	}
	if sum != (Summary{}) {
		t.Fatalf("no-data summary should be zero, got %+v", sum)
	}

	tot := c.Totals()
	if tot.MinError != math.MaxUint64 {
		t.Fatalf("MinError should start at MaxUint64, got %d", tot.MinError)
	}
}

func TestToleranceCountsPerCycle(t *testing.T) {
	t.Parallel()

	expected := 50 * time.Millisecond
	c := NewCollector()
	base := time.Now()
	for i := 0; i < 5; i++ {
		c.RecordCycle(base, base.Add(60*time.Millisecond), expected)
	}
	if got := c.Totals().ToleranceExceeded; got != 5 {
		t.Fatalf("ToleranceExceeded = %d, want 5", got)
	}
}
