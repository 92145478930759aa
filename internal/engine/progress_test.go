package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

// TestProgressTracker_ThrottlesWithinOneWindow drives several large (>0.02)
// deltas inside a single 500ms window and asserts only the first-byte
// Running transition's emit fires — spec.md §4.4.4 requires both the
// interval AND the delta thresholds to clear before a subsequent update is
// allowed, not either one.
func TestProgressTracker_ThrottlesWithinOneWindow(t *testing.T) {
	reporter := newRecordingReporter()
	status := newRecordingReporter()

	tk := task.Task{TaskID: "p1"}
	tracker := newProgressTracker(tk, status, reporter, 1000)

	base := time.Now()

	tracker.onBytes(base, 0) // first call: always emits (Running transition)
	require.Len(t, reporter.progress, 1)

	// Three more samples, each crossing the 0.02 delta, all within the
	// same 500ms window.
	tracker.onBytes(base.Add(100*time.Millisecond), 300)
	tracker.onBytes(base.Add(200*time.Millisecond), 600)
	tracker.onBytes(base.Add(300*time.Millisecond), 900)

	assert.Len(t, reporter.progress, 1, "no additional emit until both the interval and the delta clear")
}

// TestProgressTracker_EmitsOnceIntervalAndDeltaBothClear confirms an update
// after the window elapses AND the delta is exceeded.
func TestProgressTracker_EmitsOnceIntervalAndDeltaBothClear(t *testing.T) {
	reporter := newRecordingReporter()
	status := newRecordingReporter()

	tk := task.Task{TaskID: "p2"}
	tracker := newProgressTracker(tk, status, reporter, 1000)

	base := time.Now()

	tracker.onBytes(base, 0)
	require.Len(t, reporter.progress, 1)

	// Within the window but under the delta: must not emit.
	tracker.onBytes(base.Add(100*time.Millisecond), 5)
	assert.Len(t, reporter.progress, 1)

	// Past the window and past the delta: must emit.
	tracker.onBytes(base.Add(600*time.Millisecond), 300)
	assert.Len(t, reporter.progress, 2)
}
