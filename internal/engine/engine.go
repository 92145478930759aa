// Package engine implements the TransferEngine (spec.md §4.4): one HTTP
// exchange per task, with download/upload/data-request paths, progress
// reporting, and failure/retry persistence. Grounded on the teacher's
// internal/graph/client.go retry-with-backoff loop, generalized from a
// single Graph-API base URL to arbitrary task URLs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/tonimelisma/xfer-engine/internal/platform"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

// Transient-retry tuning for the HTTP exchange itself (distinct from the
// Scheduler's WaitingToRetry backoff, which operates at task granularity
// across re-enqueues). Mirrors the teacher's graph/client.go constants.
const (
	maxTransientRetries = 5
	transientBaseBackoff = 1 * time.Second
	transientMaxBackoff  = 60 * time.Second
	transientBackoffFactor = 2.0
	transientJitterFraction = 0.25
)

const minReadBuffer = 8 * 1024 // spec.md §4.4.1 step 10: "fixed buffer (≥8 KiB)"

// StatusReporter delivers status transitions to the UpdatePipeline.
type StatusReporter interface {
	ReportStatus(u task.StatusUpdate)
}

// ProgressReporter delivers progress samples to the UpdatePipeline.
type ProgressReporter interface {
	ReportProgress(u task.ProgressUpdate)
}

// Finisher notifies the HoldingQueue that a task vacated a concurrency slot.
type Finisher interface {
	TaskFinished(taskID string)
}

// ResumeStore persists and retrieves ResumeData across pause/resume and
// resumable failures (spec.md §4.4.5).
type ResumeStore interface {
	SaveResumeData(ctx context.Context, rd task.ResumeData) error
	DeleteResumeData(ctx context.Context, taskID string) error
	GetResumeData(ctx context.Context, taskID string) (task.ResumeData, bool, error)
}

// StartHook is the optional onTaskStart callback (spec.md §4.4.1 step 4): it
// may return a modified task (new URL/headers); the engine restarts request
// composition with the modification. Must be idempotent; called at most
// once per task start.
type StartHook func(ctx context.Context, t task.Task) (task.Task, error)

// AuthHook is the optional onAuthCallback: invoked once per exchange on a
// 401 response, before the configured transient retry budget is consumed.
// Returns the task with rewritten auth material (normally a refreshed
// Authorization header); the engine retries the request once with it.
type AuthHook func(ctx context.Context, t task.Task) (task.Task, error)

// DiskSpaceChecker reports available bytes at path, for the pre-flight
// check in spec.md §4.4.1 step 7.
type DiskSpaceChecker func(path string) (uint64, error)

// Config controls engine-wide policy knobs, most sourced from
// internal/config (spec.md §6.4).
type Config struct {
	AllowWeakETag                bool
	CheckAvailableSpaceBytes     uint64 // 0 disables the pre-flight check
	SkipExistingLargerThanBytes  int64  // carried from config; the engine does not read it and runs no skip-existing check
	RequireWiFiDefault           bool
	ParallelChunks               int // worker count for KindParallelDownload/KindMultiUpload; <=1 falls back to 4 workers
}

// Engine runs one HTTP exchange per task. A pool of worker goroutines (via
// the HoldingQueue's dispatch) each hold at most one in-flight exchange;
// within an exchange, cancel/pause are checked cooperatively between chunks.
type Engine struct {
	httpClient *http.Client
	platform   *platform.Platform
	cfg        Config
	logger     *slog.Logger

	status   StatusReporter
	progress ProgressReporter
	finisher Finisher
	resume   ResumeStore
	onStart  StartHook
	onAuth   AuthHook

	mu        sync.Mutex
	inFlight  map[string]*exchange // taskId -> in-progress exchange, for Cancel/Pause
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New constructs an Engine. httpClient defaults to http.DefaultClient if nil.
func New(httpClient *http.Client, plat *platform.Platform, cfg Config, status StatusReporter, progress ProgressReporter, finisher Finisher, resume ResumeStore, onStart StartHook, onAuth AuthHook, logger *slog.Logger) *Engine {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if plat == nil {
		plat = platform.New()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		httpClient: httpClient,
		platform:   plat,
		cfg:        cfg,
		logger:     logger,
		status:     status,
		progress:   progress,
		finisher:   finisher,
		resume:     resume,
		onStart:    onStart,
		onAuth:     onAuth,
		inFlight:   make(map[string]*exchange),
		sleepFunc:  timeSleep,
	}
}

// exchange tracks the mutable state of one in-flight task, guarded by its
// own lock per spec.md §5 ("a second, per-task lock guards TransferEngine's
// mutable fields during a transfer"). expectedSize/bytesDone back the global
// remainingBytesToDownload accounting in checkDiskSpace/sumOtherRemainingBytes
// (spec.md §5).
type exchange struct {
	mu           sync.Mutex
	t            task.Task
	canceled     bool
	pauseReq     bool
	cancel       context.CancelFunc
	expectedSize int64
	bytesDone    int64
}

// setExpectedSize records the total byte size of the in-flight transfer once
// known (Content-Length, Content-Range total, or local file size).
func (ex *exchange) setExpectedSize(n int64) {
	ex.mu.Lock()
	ex.expectedSize = n
	ex.mu.Unlock()
}

// setBytesDone records cumulative bytes transferred so far.
func (ex *exchange) setBytesDone(n int64) {
	ex.mu.Lock()
	ex.bytesDone = n
	ex.mu.Unlock()
}

// remainingBytes returns the bytes this exchange still has left to move, or
// 0 if its size isn't known yet.
func (ex *exchange) remainingBytes() uint64 {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ex.expectedSize <= 0 {
		return 0
	}

	remaining := ex.expectedSize - ex.bytesDone
	if remaining <= 0 {
		return 0
	}

	return uint64(remaining)
}

// Start begins a task's HTTP exchange. Implements queue.Starter. Runs on its
// own goroutine (the queue dispatches it that way); Start itself blocks
// until the task reaches a terminal or suspended (Paused/WaitingToRetry)
// state, then calls finisher.TaskFinished.
func (e *Engine) Start(t task.Task) {
	ctx, cancel := context.WithCancel(context.Background())

	ex := &exchange{t: t, cancel: cancel}
	e.mu.Lock()
	e.inFlight[t.TaskID] = ex
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, t.TaskID)
		e.mu.Unlock()
		e.finisher.TaskFinished(t.TaskID)
	}()

	switch t.Kind {
	case task.KindDownload:
		e.runDownload(ctx, ex)
	case task.KindParallelDownload:
		e.runParallelDownload(ctx, ex)
	case task.KindUpload:
		e.runUpload(ctx, ex)
	case task.KindMultiUpload:
		e.runParallelUpload(ctx, ex)
	case task.KindDataRequest:
		e.runDataRequest(ctx, ex)
	default:
		e.emitFailed(t, task.NewException(task.ExceptionGeneral, fmt.Sprintf("unrecognized task kind %q", t.Kind), 0))
	}
}

// RequestCancel marks a task canceled and cancels its context. Implements
// the Scheduler's in-flight cancellation path (spec.md §4.6
// cancelTasksWithIds).
func (e *Engine) RequestCancel(taskID string) bool {
	e.mu.Lock()
	ex, ok := e.inFlight[taskID]
	e.mu.Unlock()

	if !ok {
		return false
	}

	ex.mu.Lock()
	ex.canceled = true
	ex.mu.Unlock()
	ex.cancel()

	return true
}

// RequestPause marks a task paused. Returns false if the task is not
// in-flight or not pausable (allowPause is false) — spec.md §4.6 pause().
func (e *Engine) RequestPause(taskID string) bool {
	e.mu.Lock()
	ex, ok := e.inFlight[taskID]
	e.mu.Unlock()

	if !ok {
		return false
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	if !ex.t.AllowPause {
		return false
	}

	ex.pauseReq = true

	return true
}

// ActiveTaskIDs returns the set of taskIds the engine currently considers
// in-flight, for HoldingQueue.Reconcile.
func (e *Engine) ActiveTaskIDs() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]bool, len(e.inFlight))
	for id := range e.inFlight {
		out[id] = true
	}

	return out
}

func (ex *exchange) isCanceled() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	return ex.canceled
}

func (ex *exchange) isPauseRequested() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	return ex.pauseReq
}

func (e *Engine) emitStatus(u task.StatusUpdate) {
	if e.status != nil {
		e.status.ReportStatus(u)
	}
}

func (e *Engine) emitProgress(u task.ProgressUpdate) {
	if e.progress != nil {
		e.progress.ReportProgress(u)
	}
}

func (e *Engine) emitFailed(t task.Task, exc task.Exception) {
	e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusFailed, Exception: &exc})
	if sentinel, ok := task.ProgressSentinel(task.StatusFailed); ok {
		e.emitProgress(task.ProgressUpdate{Task: t, Progress: sentinel})
	}
}

// calcTransientBackoff computes exponential backoff with jitter for one
// HTTP-layer retry attempt, mirroring the teacher's graph/client.go
// calcBackoff (±25% jitter, base 1s, cap 60s, factor 2).
func calcTransientBackoff(attempt int) time.Duration {
	backoff := float64(transientBaseBackoff) * math.Pow(transientBackoffFactor, float64(attempt))
	if backoff > float64(transientMaxBackoff) {
		backoff = float64(transientMaxBackoff)
	}

	jitter := backoff * transientJitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // not security sensitive
	backoff += jitter

	return time.Duration(backoff)
}

func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// applyAuthHook invokes the task's onAuthCallback (if one is wired and the
// task names one) and reports whether t was replaced. Callers retry the
// request once with the returned task when ran is true and err is nil.
func (e *Engine) applyAuthHook(ctx context.Context, t task.Task) (updated task.Task, ran bool, err error) {
	if e.onAuth == nil || t.AuthHookName == "" {
		return t, false, nil
	}

	updated, err = e.onAuth(ctx, t)
	if err != nil {
		return t, true, err
	}

	return updated, true, nil
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
