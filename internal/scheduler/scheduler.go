// Package scheduler implements the Scheduler (spec.md §4.6): the public
// orchestration surface over HoldingQueue, TransferEngine, and DurableStore.
// Grounded on the teacher's internal/sync/orchestrator.go (single owner
// mutex coordinating a queue of work against a shared persistent ledger).
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/tonimelisma/xfer-engine/internal/queue"
	"github.com/tonimelisma/xfer-engine/internal/store"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

// StalePartialAge is the age threshold past which an on-disk .part file is
// reported as an abandoned download (spec.md SUPPLEMENTED FEATURES).
const StalePartialAge = 48 * time.Hour

// RequireWiFiMode is the global WiFi-requirement override (spec.md §6.4).
type RequireWiFiMode string

// Recognized modes.
const (
	RequireWiFiPerTask RequireWiFiMode = "perTask"
	RequireWiFiAll     RequireWiFiMode = "all"
	RequireWiFiNone    RequireWiFiMode = "none"
)

// hostOf extracts the URL host a task targets, for per-host failure
// cooldown bookkeeping (spec.md SUPPLEMENTED FEATURES).
func hostOf(t task.Task) string {
	u, err := url.Parse(t.URL)
	if err != nil || u.Host == "" {
		return ""
	}

	return u.Host
}

func effectiveRequiresWiFi(mode RequireWiFiMode, t task.Task) bool {
	switch mode {
	case RequireWiFiAll:
		return true
	case RequireWiFiNone:
		return false
	default:
		return t.RequiresWiFi
	}
}

// Engine is the subset of *engine.Engine the Scheduler drives directly, kept
// narrow so this package has no import-time dependency on internal/engine.
type Engine interface {
	RequestCancel(taskID string) bool
	RequestPause(taskID string) bool
	ActiveTaskIDs() map[string]bool
}

// DurableStore is the subset of *store.Store the Scheduler persists task
// records and paused-task snapshots through.
type DurableStore interface {
	Put(ctx context.Context, collection, id string, document []byte, nowMillis int64) error
	Get(ctx context.Context, collection, id string) ([]byte, error)
	GetAll(ctx context.Context, collection string) (map[string][]byte, error)
	Delete(ctx context.Context, collection, id string) error
	DeleteCollection(ctx context.Context, collection string) error
}

// Downstream is the pipeline the Scheduler forwards every status/progress
// update to, after updating its own bookkeeping.
type Downstream interface {
	ReportStatus(u task.StatusUpdate)
	ReportProgress(u task.ProgressUpdate)
}

// Clock returns milliseconds since epoch.
type Clock func() int64

// FinishedHook is the optional onTaskFinishedCallback (spec.md §6.1):
// invoked once a task's status reaches a terminal state, after bookkeeping
// and before forwarding to Downstream.
type FinishedHook func(ctx context.Context, u task.StatusUpdate)

// Scheduler is the top-level orchestrator: enqueue/cancel/pause/resume,
// TaskRecord queries, the WaitingToRetry backoff wheel, and requireWiFi
// mode changes (spec.md §4.6).
type Scheduler struct {
	q   *queue.Queue
	eng Engine

	durable    DurableStore
	tracking   bool
	downstream Downstream
	clock      Clock
	logger     *slog.Logger
	onFinish   FinishedHook

	mu      sync.Mutex
	records map[string]task.Record
	groups  map[string]map[string]bool // group -> set of taskIds

	wifiMu sync.Mutex
	wifi   RequireWiFiMode

	retryMu sync.Mutex
	retry   map[string]*time.Timer
}

// New builds a Scheduler. trackingEnabled controls whether task records are
// persisted to durable's "tasks" collection (spec.md §4.2 tracking note);
// when false, records live only in memory for the life of the process.
func New(q *queue.Queue, eng Engine, durable DurableStore, downstream Downstream, trackingEnabled bool, clock Clock, onFinish FinishedHook, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		q:          q,
		eng:        eng,
		durable:    durable,
		tracking:   trackingEnabled,
		downstream: downstream,
		clock:      clock,
		onFinish:   onFinish,
		logger:     logger,
		records:    make(map[string]task.Record),
		groups:     make(map[string]map[string]bool),
		wifi:       RequireWiFiPerTask,
		retry:      make(map[string]*time.Timer),
	}
}

// Enqueue validates t, applies defaults and the current requireWiFi
// override, persists a TaskRecord if tracking is enabled, and places it in
// the HoldingQueue (spec.md §4.6 enqueue()).
func (s *Scheduler) Enqueue(ctx context.Context, t task.Task) (task.Task, error) {
	t = t.WithDefaults(s.clock())

	s.wifiMu.Lock()
	t.RequiresWiFi = effectiveRequiresWiFi(s.wifi, t)
	s.wifiMu.Unlock()

	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}

	s.recordEnqueued(ctx, t)
	s.q.Add(t)

	return t, nil
}

// EnqueueAll enqueues every task in ts, collecting one error per failed
// entry (spec.md §4.6 enqueueAll()). The returned slices are index-aligned
// with ts.
func (s *Scheduler) EnqueueAll(ctx context.Context, ts []task.Task) ([]task.Task, []error) {
	out := make([]task.Task, len(ts))
	errs := make([]error, len(ts))

	for i, t := range ts {
		out[i], errs[i] = s.Enqueue(ctx, t)
	}

	return out, errs
}

func (s *Scheduler) recordEnqueued(ctx context.Context, t task.Task) {
	rec := task.Record{Task: t, Status: task.StatusEnqueued}
	s.storeRecord(ctx, rec)
}

func (s *Scheduler) storeRecord(ctx context.Context, rec task.Record) {
	s.mu.Lock()
	s.records[rec.Task.TaskID] = rec

	if s.groups[rec.Task.Group] == nil {
		s.groups[rec.Task.Group] = make(map[string]bool)
	}
	s.groups[rec.Task.Group][rec.Task.TaskID] = true
	s.mu.Unlock()

	if !s.tracking {
		return
	}

	doc, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("scheduler: marshal task record failed", "taskId", rec.Task.TaskID, "error", err)
		return
	}

	if err := s.durable.Put(ctx, store.CollectionTasks, rec.Task.TaskID, doc, s.clock()); err != nil {
		s.logger.Error("scheduler: persist task record failed", "taskId", rec.Task.TaskID, "error", err)
	}
}

// ReportStatus implements engine.StatusReporter: the Scheduler sits between
// TransferEngine and UpdatePipeline so it can maintain TaskRecord state and
// drive the WaitingToRetry backoff wheel before forwarding.
func (s *Scheduler) ReportStatus(u task.StatusUpdate) {
	s.mu.Lock()
	rec := s.records[u.Task.TaskID]
	rec.Task = u.Task
	rec.Status = u.Status
	rec.Exception = u.Exception
	s.records[u.Task.TaskID] = rec
	s.mu.Unlock()

	s.storeRecord(context.Background(), rec)

	switch u.Status {
	case task.StatusWaitingToRetry, task.StatusFailed:
		s.q.RecordHostFailure(hostOf(u.Task))
		if u.Status == task.StatusWaitingToRetry {
			s.scheduleRetry(u.Task)
		}
	case task.StatusComplete:
		s.q.RecordHostSuccess(hostOf(u.Task))
	case task.StatusPaused:
		s.persistPaused(context.Background(), u.Task)
	case task.StatusEnqueued:
		s.deletePaused(context.Background(), u.Task.TaskID)
	}

	if u.Status.IsTerminal() {
		s.deletePaused(context.Background(), u.Task.TaskID)

		if s.onFinish != nil && u.Task.FinishedHookName != "" {
			s.onFinish(context.Background(), u)
		}
	}

	if s.downstream != nil {
		s.downstream.ReportStatus(u)
	}
}

// ReportProgress implements engine.ProgressReporter, forwarding after
// updating the cached record's progress/expected size.
func (s *Scheduler) ReportProgress(u task.ProgressUpdate) {
	s.mu.Lock()
	rec, ok := s.records[u.Task.TaskID]
	if ok {
		rec.Progress = u.Progress
		rec.ExpectedFileSize = u.ExpectedFileSize
		s.records[u.Task.TaskID] = rec
	}
	s.mu.Unlock()

	if s.downstream != nil {
		s.downstream.ReportProgress(u)
	}
}

// EmitCanceled implements queue.Canceler for tasks canceled while still
// pending (never reached the transport layer): it is routed through the
// same ReportStatus path so bookkeeping and delivery stay uniform.
func (s *Scheduler) EmitCanceled(t task.Task) {
	s.ReportStatus(task.StatusUpdate{Task: t, Status: task.StatusCanceled})
}

func (s *Scheduler) persistPaused(ctx context.Context, t task.Task) {
	if !s.tracking {
		return
	}

	doc, err := json.Marshal(t)
	if err != nil {
		s.logger.Error("scheduler: marshal paused task failed", "taskId", t.TaskID, "error", err)
		return
	}

	if err := s.durable.Put(ctx, store.CollectionPausedTasks, t.TaskID, doc, s.clock()); err != nil {
		s.logger.Error("scheduler: persist paused task failed", "taskId", t.TaskID, "error", err)
	}
}

func (s *Scheduler) deletePaused(ctx context.Context, taskID string) {
	if !s.tracking {
		return
	}

	if err := s.durable.Delete(ctx, store.CollectionPausedTasks, taskID); err != nil {
		s.logger.Error("scheduler: delete paused task failed", "taskId", taskID, "error", err)
	}
}

// scheduleRetry arms a one-shot timer for t's backoff delay; when it fires,
// t re-enters the queue with retriesRemaining decremented (spec.md §4.6
// backoff dispatcher).
func (s *Scheduler) scheduleRetry(t task.Task) {
	delay := task.RetryBackoff(t.Retries, t.RetriesRemaining)

	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	if existing, ok := s.retry[t.TaskID]; ok {
		existing.Stop()
	}

	s.retry[t.TaskID] = time.AfterFunc(delay, func() {
		s.retryMu.Lock()
		delete(s.retry, t.TaskID)
		s.retryMu.Unlock()

		next := t
		next.RetriesRemaining--

		rec := task.Record{Task: next, Status: task.StatusEnqueued}
		s.storeRecord(context.Background(), rec)
		s.q.Add(next)
	})
}

// CancelTasksWithIds removes pending tasks from the HoldingQueue and signals
// TransferEngine to cancel any that are already in flight (spec.md §4.6
// cancelTasksWithIds()).
func (s *Scheduler) CancelTasksWithIds(ids []string) {
	s.q.CancelTasksWithIds(ids)

	for _, id := range ids {
		s.eng.RequestCancel(id)
		s.cancelPendingRetry(id)
	}
}

func (s *Scheduler) cancelPendingRetry(taskID string) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	if timer, ok := s.retry[taskID]; ok {
		timer.Stop()
		delete(s.retry, taskID)
	}
}

// Pause requests that an in-flight task pause, per spec.md §4.6 pause():
// only honored when the task allows pausing and is currently in flight.
func (s *Scheduler) Pause(taskID string) bool {
	return s.eng.RequestPause(taskID)
}

// ErrNoResumeData is returned by Resume when no ResumeData exists for the
// requested task.
var ErrNoResumeData = errors.New("scheduler: no resume data for task")

// ResumeDataReader is the read side of engine.ResumeStore the Scheduler
// needs to hydrate a resumed task's priority and bookkeeping before
// re-enqueuing (spec.md §4.6 resume(): "reads ResumeData; re-enqueues with
// priority equal to the original").
type ResumeDataReader interface {
	GetResumeData(ctx context.Context, taskID string) (task.ResumeData, bool, error)
}

// Resume reads taskID's persisted ResumeData and re-enqueues it at its
// original priority (spec.md §4.6 resume()).
func (s *Scheduler) Resume(ctx context.Context, taskID string, resumeData ResumeDataReader) (task.Task, error) {
	rd, ok, err := resumeData.GetResumeData(ctx, taskID)
	if err != nil {
		return task.Task{}, fmt.Errorf("scheduler: resume %s: %w", taskID, err)
	}

	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNoResumeData, taskID)
	}

	t := rd.Task
	t.RangeStart = rd.RequiredStartByte

	return s.Enqueue(ctx, t)
}

// Reset cancels every task (optionally scoped to one group) and clears
// queue/record state for that scope (spec.md §4.6 reset()).
func (s *Scheduler) Reset(group string) {
	var ids []string

	s.mu.Lock()
	if group == "" {
		for id := range s.records {
			ids = append(ids, id)
		}
	} else {
		for id := range s.groups[group] {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	if group == "" {
		s.q.CancelAll()
	}

	s.CancelTasksWithIds(ids)

	s.mu.Lock()
	for _, id := range ids {
		delete(s.records, id)
	}
	if group != "" {
		delete(s.groups, group)
	}
	s.mu.Unlock()
}

// TaskForID returns the cached TaskRecord for taskID (spec.md §4.6
// taskForId()).
func (s *Scheduler) TaskForID(taskID string) (task.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]

	return rec, ok
}

// AllTasks returns every cached TaskRecord (spec.md §4.6 allTasks()).
func (s *Scheduler) AllTasks() []task.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]task.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}

	return out
}

// AllTaskIDs returns every known taskId (spec.md §4.6 allTaskIds()).
func (s *Scheduler) AllTaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}

	return out
}

// ReportStalePartials walks downloadRoot for ".part" files older than
// StalePartialAge and logs each one at Warn, so an operator notices transfers
// abandoned by a crash or a killed process. A clean cancel removes its .part
// file; a paused or resumable-failed download keeps it for resume, so one
// left longer than StalePartialAge is reported as well. The extension matches the
// engine's own temp-file naming (internal/engine/download.go's
// resolveDownloadPaths: taskID + ".part"). Grounded on the teacher's
// internal/sync/session_store.go reportStalePartials.
func (s *Scheduler) ReportStalePartials(downloadRoot string) {
	var stale []string

	err := filepath.WalkDir(downloadRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".part" {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}

		if time.Since(info.ModTime()) > StalePartialAge {
			rel, relErr := filepath.Rel(downloadRoot, path)
			if relErr != nil {
				rel = path
			}

			stale = append(stale, rel)
		}

		return nil
	})
	if err != nil {
		s.logger.Warn("scheduler: error scanning for stale partials", "error", err)
		return
	}

	if len(stale) == 0 {
		return
	}

	s.logger.Warn("scheduler: stale .part files found", "count", len(stale), "olderThan", StalePartialAge)

	for _, p := range stale {
		s.logger.Warn("scheduler: stale partial", "path", p)
	}
}

// SetRequireWiFi changes the global WiFi-requirement mode. Enqueued
// (pending, not yet admitted) tasks whose effective requirement changed are
// pulled out and re-added under the new mode. Running tasks are paused
// (if rescheduleRunning and the task is resumable) so they produce resume
// data rather than being interrupted mid-transfer uncleanly (spec.md §4.6
// setRequireWiFi()).
func (s *Scheduler) SetRequireWiFi(mode RequireWiFiMode, rescheduleRunning bool) {
	s.wifiMu.Lock()
	s.wifi = mode
	s.wifiMu.Unlock()

	for _, id := range s.q.PendingTaskIDs() {
		t, ok := s.q.TakePending(id)
		if !ok {
			continue
		}

		newWiFi := effectiveRequiresWiFi(mode, t)
		if newWiFi == t.RequiresWiFi {
			s.q.Add(t)
			continue
		}

		t.RequiresWiFi = newWiFi
		s.storeRecord(context.Background(), task.Record{Task: t, Status: task.StatusEnqueued})
		s.q.Add(t)
	}

	if !rescheduleRunning {
		return
	}

	for id := range s.eng.ActiveTaskIDs() {
		s.eng.RequestPause(id)
	}
}
