// Package stats accumulates per-cycle timing-error samples for a periodic
// runner and produces summary metrics.
package stats

import (
	"math"
	"sync"
	"time"

	"cadenced/internal/timeunit"
)

// toleranceFactor marks a cycle as "exceeded" when its actual duration is
// more than 5% over the target period.
const toleranceFactor = 1.05

// Totals is a raw snapshot of the accumulators, in nanoseconds.
// MinError is math.MaxUint64 until the first sample lands.
type Totals struct {
	Samples           uint64
	ErrorAccum        uint64
	CompensationAccum uint64
	MaxError          uint64
	MinError          uint64
	ToleranceExceeded uint64
}

// Summary holds derived metrics scaled into a display unit.
type Summary struct {
	Samples           uint64
	AvgError          float64
	AvgCompensation   float64
	MaxError          float64
	MinError          float64
	ToleranceExceeded uint64
	Unit              timeunit.Unit
}

// Collector gathers cycle samples. The runner records from its single loop
// goroutine; the mutex exists so snapshot readers (periodic reporting, final
// summary) can run concurrently with it.
type Collector struct {
	mu sync.Mutex
	t  Totals
}

func NewCollector() *Collector {
	return &Collector{t: Totals{MinError: math.MaxUint64}}
}

// RecordCycle computes the absolute deviation of (end-start) from the
// expected period and folds it into the accumulators. Deviation in either
// direction counts as error.
func (c *Collector) RecordCycle(start, end time.Time, expected time.Duration) {
	actual := end.Sub(start)

	var errNS uint64
	if diff := actual - expected; diff >= 0 {
		errNS = uint64(diff)
	} else {
		errNS = uint64(-diff)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.t.Samples++
	c.t.ErrorAccum += errNS
	if errNS > c.t.MaxError {
		c.t.MaxError = errNS
	}
	if errNS < c.t.MinError {
		c.t.MinError = errNS
	}
	if float64(actual) > float64(expected)*toleranceFactor {
		c.t.ToleranceExceeded++
	}
}

// RecordCompensation adds the amount of compensated sleep granted to a cycle.
func (c *Collector) RecordCompensation(waited time.Duration) {
	if waited < 0 {
		waited = 0
	}
	c.mu.Lock()
	c.t.CompensationAccum += uint64(waited)
	c.mu.Unlock()
}

// Totals returns a raw snapshot, suitable for persistence.
func (c *Collector) Totals() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Summarize derives averages scaled into the requested unit.
// With zero samples there is nothing to divide by; it reports ok=false and
// callers must treat that as "no data".
func (c *Collector) Summarize(unit timeunit.Unit) (Summary, bool) {
	return c.Totals().Summarize(unit)
}

// Summarize scales a raw snapshot into the requested unit.
func (t Totals) Summarize(unit timeunit.Unit) (Summary, bool) {
	if t.Samples == 0 {
		return Summary{}, false
	}
	n := float64(t.Samples)
	return Summary{
		Samples:           t.Samples,
		AvgError:          unit.Scale(float64(t.ErrorAccum) / n),
		AvgCompensation:   unit.Scale(float64(t.CompensationAccum) / n),
		MaxError:          unit.Scale(float64(t.MaxError)),
		MinError:          unit.Scale(float64(t.MinError)),
		ToleranceExceeded: t.ToleranceExceeded,
		Unit:              unit,
	}, true
}
