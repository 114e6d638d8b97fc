// Package runner implements a self-correcting periodic task runner.
//
// # Drift compensation
//
// A naive "act, sleep period, repeat" loop drifts: each cycle inherits the
// action's execution time on top of the period. The runner instead measures
// the action and sleeps only the remainder of the period, plus a small
// configurable offset for the cost of the timer machinery itself. Over many
// cycles the average cadence converges on the target.
//
// When an action overruns its period, only the overrun inside the current
// cycle is folded into the next sleep (remainder modulo the period). Cycles
// that were skipped entirely are not replayed:
//
//	--->xxxx------>x----------->xxxx------->
//	|-------|-------|-------|-------|-------|
//
// (x marks the compensated sleep; bars mark period boundaries.)
//
// # Lifecycle
//
// One goroutine per Runner, started at construction when the period is
// positive. Stop closes a channel to wake the in-flight wait, joins the
// goroutine, then pushes the timing summary to the configured sink. The
// cancellation check happens between cycles and during the wait, never by
// interrupting the action.
package runner
