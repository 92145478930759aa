// Package queue implements the HoldingQueue admission controller
// (spec.md §4.3): a priority queue ordered by (priority asc, creationTime
// asc) honoring global/per-host/per-group concurrency caps, with a Reconcile
// method that recomputes the counters against the transport layer. The queue
// runs no timer of its own: counters are reconciled only when a caller
// invokes Reconcile. Grounded on the teacher's
// internal/sync failure_tracker.go mutex-guarded-map idiom and worker.go's
// dispatch-under-lock pattern.
package queue

import (
	"container/heap"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

// Unlimited is the default cap value meaning "effectively unbounded"
// (spec.md §4.3).
const Unlimited = 1 << 30

// ReconcileInterval is the ≤10s cadence for calling Reconcile (spec.md §4.3
// reconcile()). Nothing in this module calls Reconcile on a timer.
const ReconcileInterval = 10 * time.Second

// Per-host failure suppression (spec.md SUPPLEMENTED FEATURES), grounded on
// the teacher's internal/sync/failure_tracker.go: a host that fails
// repeatedly within the cooldown window has its pending admissions delayed
// (not canceled or failed) until the window lapses or a success clears it.
const (
	hostFailureThreshold = 3
	hostFailureCooldown  = 30 * time.Minute
)

type hostFailureRecord struct {
	count  int
	lastAt time.Time
}

// Starter is invoked when an item is admitted past all caps. Implemented by
// internal/engine.TransferEngine; kept as a narrow interface here so queue
// has no import-time dependency on the engine package.
type Starter interface {
	Start(t task.Task)
}

// Canceler emits a synchronous Canceled status update for a task that never
// reached the transport layer (spec.md §4.3 cancelTasksWithIds/cancelAll).
type Canceler interface {
	EmitCanceled(t task.Task)
}

// item is one entry held in the queue's heap, ordered by (priority asc,
// creationTime asc).
type item struct {
	task  task.Task
	host  string
	group string
	index int
}

type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}

	return h[i].task.CreationTime < h[j].task.CreationTime
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]

	return it
}

// Caps bounds concurrency globally, per host, and per group. Zero values are
// normalized to Unlimited by New.
type Caps struct {
	MaxConcurrent        int
	MaxConcurrentByHost  int
	MaxConcurrentByGroup int
}

// Queue is the HoldingQueue admission controller. All state mutation happens
// under mu; long-running I/O (disk, network) must never run while mu is
// held (spec.md §4.3 concurrency note).
type Queue struct {
	mu sync.Mutex

	caps Caps

	pending   priorityHeap
	byTaskID  map[string]*item
	running   map[string]*item // taskId -> item, for reconcile/taskFinished
	concurrent int
	perHost   map[string]int
	perGroup  map[string]int

	starter  Starter
	canceler Canceler
	logger   *slog.Logger

	hostFailures map[string]*hostFailureRecord
	nowFunc      func() time.Time
}

// New constructs a Queue with the given caps (zero fields normalized to
// Unlimited), dispatching admitted items to starter and synchronously
// canceled items to canceler.
func New(caps Caps, starter Starter, canceler Canceler, logger *slog.Logger) *Queue {
	if caps.MaxConcurrent <= 0 {
		caps.MaxConcurrent = Unlimited
	}

	if caps.MaxConcurrentByHost <= 0 {
		caps.MaxConcurrentByHost = Unlimited
	}

	if caps.MaxConcurrentByGroup <= 0 {
		caps.MaxConcurrentByGroup = Unlimited
	}

	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		caps:         caps,
		byTaskID:     make(map[string]*item),
		running:      make(map[string]*item),
		perHost:      make(map[string]int),
		perGroup:     make(map[string]int),
		starter:      starter,
		canceler:     canceler,
		logger:       logger,
		hostFailures: make(map[string]*hostFailureRecord),
		nowFunc:      time.Now,
	}
	heap.Init(&q.pending)

	return q
}

// SetStarter replaces the Starter, for construction orders where the engine
// that dispatches admitted tasks is built after the Queue (the engine in
// turn needs the Queue as its Finisher).
func (q *Queue) SetStarter(starter Starter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.starter = starter
}

// SetCanceler replaces the Canceler, for callers whose Canceler implementation
// needs a reference back to the Queue itself (construction order: build the
// Queue with a placeholder, then wire the real Canceler once it exists).
func (q *Queue) SetCanceler(c Canceler) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.canceler = c
}

// SetClock overrides the queue's time source, for deterministic tests of
// the failure-cooldown window.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nowFunc = now
}

// RecordHostFailure registers a transfer failure against host, arming or
// extending its suppression window once hostFailureThreshold is reached
// within hostFailureCooldown. Suppression only delays future admission from
// that host's pending items; it never touches task status.
func (q *Queue) RecordHostFailure(host string) {
	if host == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.hostFailures[host]
	if !ok || q.nowFunc().Sub(rec.lastAt) > hostFailureCooldown {
		rec = &hostFailureRecord{}
		q.hostFailures[host] = rec
	}

	rec.count++
	rec.lastAt = q.nowFunc()

	if rec.count == hostFailureThreshold {
		q.logger.Warn("queue: host entering failure cooldown", slog.String("host", host), slog.Int("failures", rec.count))
	}
}

// RecordHostSuccess clears host's failure record, per the teacher's
// failure_tracker.go: success clears the suppression state immediately.
func (q *Queue) RecordHostSuccess(host string) {
	if host == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.hostFailures, host)
}

// hostSuppressedLocked reports whether host is currently within its failure
// cooldown window. Must be called with mu held.
func (q *Queue) hostSuppressedLocked(host string) bool {
	rec, ok := q.hostFailures[host]
	if !ok {
		return false
	}

	if rec.count < hostFailureThreshold {
		return false
	}

	if q.nowFunc().Sub(rec.lastAt) > hostFailureCooldown {
		delete(q.hostFailures, host)
		return false
	}

	return true
}

func hostOf(t task.Task) string {
	u, err := url.Parse(t.URL)
	if err != nil || u.Host == "" {
		return ""
	}

	return u.Host
}

// Add inserts t in priority order and attempts to advance the queue
// (spec.md §4.3 add()).
func (q *Queue) Add(t task.Task) {
	q.mu.Lock()

	it := &item{task: t, host: hostOf(t), group: t.Group}
	heap.Push(&q.pending, it)
	q.byTaskID[t.TaskID] = it

	q.advanceLocked()

	q.mu.Unlock()
}

// advanceLocked pops items in priority order while concurrent < maxConcurrent,
// skipping (but preserving) items whose host/group caps are saturated. Must
// be called with mu held.
func (q *Queue) advanceLocked() {
	var skipped []*item

	for q.concurrent < q.caps.MaxConcurrent && q.pending.Len() > 0 {
		it := heap.Pop(&q.pending).(*item)

		if q.perHost[it.host] >= q.caps.MaxConcurrentByHost || q.perGroup[it.group] >= q.caps.MaxConcurrentByGroup {
			skipped = append(skipped, it)
			continue
		}

		if q.hostSuppressedLocked(it.host) {
			q.logger.Warn("queue: delaying admission, host in failure cooldown", slog.String("host", it.host), slog.String("task_id", it.task.TaskID))
			skipped = append(skipped, it)
			continue
		}

		q.concurrent++
		q.perHost[it.host]++
		q.perGroup[it.group]++
		delete(q.byTaskID, it.task.TaskID)
		q.running[it.task.TaskID] = it

		starter := q.starter
		t := it.task

		// Dispatch outside the mutex: Start() may block on I/O setup.
		go func() {
			starter.Start(t)
		}()
	}

	for _, it := range skipped {
		heap.Push(&q.pending, it)
	}
}

// TaskFinished decrements the running counters for taskId and advances the
// queue (spec.md §4.3 taskFinished()).
func (q *Queue) TaskFinished(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.running[taskID]
	if !ok {
		return
	}

	delete(q.running, taskID)
	q.concurrent--
	q.perHost[it.host]--
	q.perGroup[it.group]--

	if q.perHost[it.host] <= 0 {
		delete(q.perHost, it.host)
	}

	if q.perGroup[it.group] <= 0 {
		delete(q.perGroup, it.group)
	}

	q.advanceLocked()
}

// CancelTasksWithIds removes matching pending items and emits a synchronous
// Canceled status for each (spec.md §4.3). Items already running are not
// touched here; the Scheduler signals the engine directly for those.
func (q *Queue) CancelTasksWithIds(ids []string) {
	q.mu.Lock()

	var canceled []task.Task

	for _, id := range ids {
		it, ok := q.byTaskID[id]
		if !ok {
			continue
		}

		q.removePendingLocked(it)
		canceled = append(canceled, it.task)
	}

	q.mu.Unlock()

	for _, t := range canceled {
		q.canceler.EmitCanceled(t)
	}
}

// TakePending removes a pending (not yet admitted) item without emitting a
// Canceled status, returning its task. Used by the Scheduler to re-enqueue
// a task under new parameters (e.g. after setRequireWiFi) without treating
// the removal as a cancellation.
func (q *Queue) TakePending(taskID string) (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byTaskID[taskID]
	if !ok {
		return task.Task{}, false
	}

	q.removePendingLocked(it)

	return it.task, true
}

// PendingTaskIDs returns the taskIds currently held (not yet admitted).
func (q *Queue) PendingTaskIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.byTaskID))
	for id := range q.byTaskID {
		ids = append(ids, id)
	}

	return ids
}

// CancelAll removes every pending item and emits Canceled for each.
func (q *Queue) CancelAll() {
	q.mu.Lock()

	canceled := make([]task.Task, 0, len(q.byTaskID))
	for _, it := range q.byTaskID {
		canceled = append(canceled, it.task)
	}

	q.pending = q.pending[:0]
	q.byTaskID = make(map[string]*item)

	q.mu.Unlock()

	for _, t := range canceled {
		q.canceler.EmitCanceled(t)
	}
}

// removePendingLocked removes it from the pending heap. Must be called with
// mu held.
func (q *Queue) removePendingLocked(it *item) {
	heap.Remove(&q.pending, it.index)
	delete(q.byTaskID, it.task.TaskID)
}

// Reconcile recomputes the concurrency counters from the given set of
// taskIds currently known to be in flight at the transport layer, recovering
// from any missed TaskFinished call (spec.md §4.3 reconcile()).
func (q *Queue) Reconcile(activeTaskIDs map[string]bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, it := range q.running {
		if !activeTaskIDs[id] {
			q.logger.Warn("queue: reconcile recovering stale running entry", slog.String("task_id", id))
			delete(q.running, id)
			q.concurrent--
			q.perHost[it.host]--
			q.perGroup[it.group]--
		}
	}

	q.advanceLocked()
}

// Len returns the number of pending (not yet admitted) items, for tests and
// status reporting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pending.Len()
}

// RunningCount returns the number of items currently admitted.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.concurrent
}
