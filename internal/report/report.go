// Package report delivers timing summaries to their destinations.
package report

import (
	"fmt"
	"io"
	"os"
	"sync"

	"cadenced/internal/stats"
)

// Sink receives a finished summary. Implementations must tolerate being
// called from the controller goroutine that stopped the runner.
type Sink interface {
	Emit(task string, sum stats.Summary) error
}

// Console writes the classic fixed-precision results block.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole writes to out, or stdout when out is nil.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out}
}

func (c *Console) Emit(task string, sum stats.Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unit := sum.Unit.String()
	var b []byte
	b = append(b, "  --------------- // --------------\n"...)
	if task != "" {
		b = fmt.Appendf(b, "Task: %s\n", task)
	}
	b = fmt.Appendf(b, "Samples taken: %d\n", sum.Samples)
	b = fmt.Appendf(b, "Deviation average: %.6f %s\n", sum.AvgError, unit)
	b = fmt.Appendf(b, "Compensation average: %.6f %s\n", sum.AvgCompensation, unit)
	b = fmt.Appendf(b, "Max variance: %.6f %s\n", sum.MaxError, unit)
	b = fmt.Appendf(b, "Min variance: %.6f %s\n", sum.MinError, unit)
	b = fmt.Appendf(b, "Tolerance exceeded %d times\n", sum.ToleranceExceeded)

	_, err := c.out.Write(b)
	return err
}

// Multi fans a summary out to several sinks. All sinks are attempted; the
// first error wins.
type Multi []Sink

func (m Multi) Emit(task string, sum stats.Summary) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(task, sum); err != nil && first == nil {
			first = err
		}
	}
	return first
}
