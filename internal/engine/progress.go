package engine

import (
	"time"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

// progressThrottle minimum interval (spec.md §4.4.4).
const progressThrottleInterval = 500 * time.Millisecond

// progressThrottle minimum delta (spec.md §4.4.4).
const progressThrottleDelta = 0.02

// speedSampleWeight implements the rolling EMA "(3*old + new)/4" (spec.md
// §4.4.4).
const speedSampleWeight = 4.0

// progressTracker accumulates the state needed to throttle progress
// updates, compute rolling speed, and emit the first-chunk Running
// transition exactly once.
type progressTracker struct {
	t                task.Task
	reporter         ProgressReporter
	statusReporter   StatusReporter
	expectedFileSize int64

	startedRunning bool
	lastEmit       time.Time
	lastProgress   float64
	speedMBps      float64
	lastSampleAt   time.Time
	lastSampleByte int64
}

func newProgressTracker(t task.Task, status StatusReporter, progress ProgressReporter, expectedFileSize int64) *progressTracker {
	return &progressTracker{t: t, reporter: progress, statusReporter: status, expectedFileSize: expectedFileSize}
}

// onBytes is called after every chunk write with the cumulative bytes
// transferred so far. now is injected for deterministic tests.
func (p *progressTracker) onBytes(now time.Time, bytesTotal int64) {
	if !p.startedRunning {
		p.startedRunning = true
		p.lastSampleAt = now
		p.lastSampleByte = bytesTotal

		if p.statusReporter != nil {
			p.statusReporter.ReportStatus(task.StatusUpdate{Task: p.t, Status: task.StatusRunning})
		}

		p.emit(now, 0)

		return
	}

	progress := p.progressOf(bytesTotal)

	elapsed := now.Sub(p.lastSampleAt)
	if elapsed > 0 {
		instant := float64(bytesTotal-p.lastSampleByte) / elapsed.Seconds() / (1024 * 1024)
		p.speedMBps = (speedSampleWeight-1)*p.speedMBps/speedSampleWeight + instant/speedSampleWeight
		p.lastSampleAt = now
		p.lastSampleByte = bytesTotal
	}

	if now.Sub(p.lastEmit) < progressThrottleInterval || progress-p.lastProgress < progressThrottleDelta {
		return
	}

	p.emit(now, progress)
}

func (p *progressTracker) progressOf(bytesTotal int64) float64 {
	if p.expectedFileSize <= 0 {
		return 0
	}

	return float64(bytesTotal) / float64(p.expectedFileSize)
}

func (p *progressTracker) emit(now time.Time, progress float64) {
	p.lastEmit = now
	p.lastProgress = progress

	if p.reporter == nil {
		return
	}

	var remainingMs int64

	if p.speedMBps > 0 && p.expectedFileSize > 0 {
		remainingBytes := float64(p.expectedFileSize) - progress*float64(p.expectedFileSize)
		remainingSeconds := remainingBytes / (p.speedMBps * 1024 * 1024)
		remainingMs = int64(remainingSeconds * 1000)
	}

	p.reporter.ReportProgress(task.ProgressUpdate{
		Task:             p.t,
		Progress:         progress,
		ExpectedFileSize: p.expectedFileSize,
		NetworkSpeedMBps: p.speedMBps,
		TimeRemainingMs:  remainingMs,
	})
}

// emitTerminal always delivers the final progress sentinel for a terminal
// status, bypassing throttling (spec.md §4.4.4: "final updates are always
// delivered").
func (p *progressTracker) emitTerminal(status task.Status) {
	if p.reporter == nil {
		return
	}

	value, ok := task.ProgressSentinel(status)
	if !ok {
		value = 1.0
	}

	p.reporter.ReportProgress(task.ProgressUpdate{Task: p.t, Progress: value, ExpectedFileSize: p.expectedFileSize})
}
