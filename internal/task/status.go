package task

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Status is a state in the task state machine (spec.md §4.1).
type Status string

// Recognized statuses.
const (
	StatusEnqueued       Status = "enqueued"
	StatusRunning        Status = "running"
	StatusComplete       Status = "complete"
	StatusNotFound       Status = "notFound"
	StatusFailed         Status = "failed"
	StatusCanceled       Status = "canceled"
	StatusWaitingToRetry Status = "waitingToRetry"
	StatusPaused         Status = "paused"
)

// IsTerminal reports whether s is an absorbing state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusNotFound, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// terminalProgress maps terminal (and Paused/WaitingToRetry) statuses to the
// negative-progress sentinel values from spec.md §4.4.4. Complete maps to
// +1.0, handled separately by callers.
var terminalProgress = map[Status]float64{
	StatusFailed:         -1,
	StatusCanceled:       -2,
	StatusNotFound:       -3,
	StatusWaitingToRetry: -4,
	StatusPaused:         -5,
}

// ProgressSentinel returns the sentinel progress value associated with a
// terminal (or paused/waiting) status, and whether one is defined for s.
func ProgressSentinel(s Status) (float64, bool) {
	if s == StatusComplete {
		return 1.0, true
	}

	v, ok := terminalProgress[s]
	return v, ok
}

// transitions enumerates the legal (from, event) -> to edges of the state
// machine. "admitted", "cancel", "complete", "notFound", "retryableError",
// "fatalError", "pauseRequested", "timeoutResumable", "timeoutFatal",
// "backoffElapsed", and "resume" are the recognized events.
type edge struct {
	from  Status
	event string
}

var transitions = map[edge]Status{
	{StatusEnqueued, "admitted"}: StatusRunning,
	{StatusEnqueued, "cancel"}:   StatusCanceled,

	{StatusRunning, "complete"}:          StatusComplete,
	{StatusRunning, "notFound"}:          StatusNotFound,
	{StatusRunning, "fatalError"}:        StatusFailed,
	{StatusRunning, "retryableError"}:    StatusWaitingToRetry,
	{StatusRunning, "cancel"}:            StatusCanceled,
	{StatusRunning, "pauseRequested"}:    StatusPaused,
	{StatusRunning, "timeoutResumable"}:  StatusPaused,
	{StatusRunning, "timeoutFatal"}:      StatusFailed,

	{StatusWaitingToRetry, "backoffElapsed"}: StatusEnqueued,

	{StatusPaused, "resume"}: StatusEnqueued,
	{StatusPaused, "cancel"}: StatusCanceled,
}

// ErrIllegalTransition is returned by Transition when the (from, event) pair
// has no edge in the state machine.
type ErrIllegalTransition struct {
	From  Status
	Event string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("task: no transition for event %q from status %q", e.Event, e.From)
}

// Transition returns the status reached by firing event from from. Terminal
// statuses accept no events (the state machine has no outgoing edges from
// them): firing any event against a terminal status is always illegal.
func Transition(from Status, event string) (Status, error) {
	if from.IsTerminal() {
		return "", &ErrIllegalTransition{From: from, Event: event}
	}

	to, ok := transitions[edge{from, event}]
	if !ok {
		return "", &ErrIllegalTransition{From: from, Event: event}
	}

	return to, nil
}

// Retry backoff constants (spec.md §4.1): exponential with jitter, base 2s,
// cap 5 minutes, ±10% jitter.
const (
	backoffBase   = 2 * time.Second
	backoffCap    = 5 * time.Minute
	backoffJitter = 0.1
)

// RetryBackoff computes the exponential backoff-with-jitter delay for a task
// that has consumed (retries - retriesRemaining) attempts so far.
func RetryBackoff(retries, retriesRemaining int) time.Duration {
	consumed := retries - retriesRemaining
	if consumed < 0 {
		consumed = 0
	}

	raw := float64(backoffBase) * math.Pow(2, float64(consumed))
	if raw > float64(backoffCap) {
		raw = float64(backoffCap)
	}

	jitter := raw * backoffJitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter, not security-sensitive
	d := raw + jitter

	if d < 0 {
		d = 0
	}

	return time.Duration(d)
}
