package scheduler

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/xfer-engine/internal/queue"
	"github.com/tonimelisma/xfer-engine/internal/store"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

type fakeEngine struct {
	mu       sync.Mutex
	canceled []string
	paused   []string
	started  []task.Task
}

func (f *fakeEngine) Start(t task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.started = append(f.started, t)
}

func (f *fakeEngine) RequestCancel(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.canceled = append(f.canceled, taskID)

	return true
}

func (f *fakeEngine) RequestPause(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.paused = append(f.paused, taskID)

	return true
}

func (f *fakeEngine) ActiveTaskIDs() map[string]bool {
	return map[string]bool{}
}

type memDurable struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte
}

func newMemDurable() *memDurable {
	return &memDurable{docs: make(map[string]map[string][]byte)}
}

func (m *memDurable) Put(_ context.Context, collection, id string, document []byte, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string][]byte)
	}
	m.docs[collection][id] = document

	return nil
}

func (m *memDurable) Get(_ context.Context, collection, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[collection][id]
	if !ok {
		return nil, store.ErrNotFound
	}

	return doc, nil
}

func (m *memDurable) GetAll(_ context.Context, collection string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(m.docs[collection]))
	for k, v := range m.docs[collection] {
		out[k] = v
	}

	return out, nil
}

func (m *memDurable) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs[collection], id)

	return nil
}

func (m *memDurable) DeleteCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs, collection)

	return nil
}

func (m *memDurable) has(collection, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.docs[collection][id]

	return ok
}

type fakeDownstream struct {
	mu       sync.Mutex
	statuses []task.StatusUpdate
}

func (f *fakeDownstream) ReportStatus(u task.StatusUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statuses = append(f.statuses, u)
}

func (f *fakeDownstream) ReportProgress(task.ProgressUpdate) {}

func fixedClock() int64 { return 1000 }

func newTestScheduler(t *testing.T) (*Scheduler, *queue.Queue, *fakeEngine, *memDurable, *fakeDownstream) {
	t.Helper()

	eng := &fakeEngine{}
	durable := newMemDurable()
	down := &fakeDownstream{}

	q := queue.New(queue.Caps{}, eng, nil, nil)
	s := New(q, eng, durable, down, true, fixedClock, nil, nil)
	q.SetCanceler(s)

	return s, q, eng, durable, down
}

func TestEnqueue_PersistsRecordAndAdmitsTask(t *testing.T) {
	s, _, eng, durable, _ := newTestScheduler(t)

	tk := task.Task{TaskID: "t1", Kind: task.KindDownload, URL: "https://example.com/a", HTTPMethod: "GET"}
	got, err := s.Enqueue(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)

	time.Sleep(20 * time.Millisecond)

	eng.mu.Lock()
	assert.Len(t, eng.started, 1)
	eng.mu.Unlock()

	assert.True(t, durable.has(store.CollectionTasks, "t1"))

	rec, ok := s.TaskForID("t1")
	require.True(t, ok)
	assert.Equal(t, task.StatusEnqueued, rec.Status)
}

func TestEnqueue_RejectsInvalidTask(t *testing.T) {
	s, _, _, _, _ := newTestScheduler(t)

	_, err := s.Enqueue(context.Background(), task.Task{TaskID: "bad", Filename: "a/b", HTTPMethod: "GET"})
	assert.Error(t, err)
}

func TestReportStatus_WaitingToRetrySchedulesReenqueue(t *testing.T) {
	s, q, _, _, down := newTestScheduler(t)

	tk := task.Task{TaskID: "retry1", Kind: task.KindDownload, Retries: 3, RetriesRemaining: 3}
	s.ReportStatus(task.StatusUpdate{Task: tk, Status: task.StatusWaitingToRetry})

	require.Eventually(t, func() bool {
		rec, ok := s.TaskForID("retry1")
		return ok && rec.Status == task.StatusEnqueued && rec.Task.RetriesRemaining == 2
	}, 10*time.Second, 10*time.Millisecond)

	_ = q
	down.mu.Lock()
	require.NotEmpty(t, down.statuses)
	down.mu.Unlock()
}

func TestReportStatus_PausedPersistsAndEnqueuedClears(t *testing.T) {
	s, _, _, durable, _ := newTestScheduler(t)

	tk := task.Task{TaskID: "pause1"}
	s.ReportStatus(task.StatusUpdate{Task: tk, Status: task.StatusPaused})
	assert.True(t, durable.has(store.CollectionPausedTasks, "pause1"))

	s.ReportStatus(task.StatusUpdate{Task: tk, Status: task.StatusEnqueued})
	assert.False(t, durable.has(store.CollectionPausedTasks, "pause1"))
}

// TestReportStatus_InvokesFinishedHookOnTerminalStatus confirms the
// FinishedHook wired via scheduler.New fires exactly once, on the terminal
// status, with the named task's onTaskFinishedCallback (spec.md §6.1).
func TestReportStatus_InvokesFinishedHookOnTerminalStatus(t *testing.T) {
	eng := &fakeEngine{}
	durable := newMemDurable()
	down := &fakeDownstream{}

	var mu sync.Mutex

	var seen []task.StatusUpdate

	onFinish := func(_ context.Context, u task.StatusUpdate) {
		mu.Lock()
		defer mu.Unlock()

		seen = append(seen, u)
	}

	q := queue.New(queue.Caps{}, eng, nil, nil)
	s := New(q, eng, durable, down, true, fixedClock, onFinish, nil)
	q.SetCanceler(s)

	tk := task.Task{TaskID: "fin1", FinishedHookName: "notify"}

	s.ReportStatus(task.StatusUpdate{Task: tk, Status: task.StatusRunning})

	mu.Lock()
	assert.Empty(t, seen, "non-terminal status must not invoke the finished hook")
	mu.Unlock()

	s.ReportStatus(task.StatusUpdate{Task: tk, Status: task.StatusComplete})

	mu.Lock()
	require.Len(t, seen, 1)
	assert.Equal(t, task.StatusComplete, seen[0].Status)
	mu.Unlock()
}

// TestReportStatus_SkipsFinishedHookWhenTaskNamesNone confirms a task with
// no FinishedHookName never invokes onFinish, even on a terminal status.
func TestReportStatus_SkipsFinishedHookWhenTaskNamesNone(t *testing.T) {
	eng := &fakeEngine{}
	durable := newMemDurable()
	down := &fakeDownstream{}

	called := false

	onFinish := func(_ context.Context, _ task.StatusUpdate) {
		called = true
	}

	q := queue.New(queue.Caps{}, eng, nil, nil)
	s := New(q, eng, durable, down, true, fixedClock, onFinish, nil)
	q.SetCanceler(s)

	s.ReportStatus(task.StatusUpdate{Task: task.Task{TaskID: "fin2"}, Status: task.StatusComplete})

	assert.False(t, called)
}

func TestCancelTasksWithIds_CancelsRunningAndPending(t *testing.T) {
	s, q, eng, _, _ := newTestScheduler(t)

	q.Add(task.Task{TaskID: "held", Priority: 5})
	time.Sleep(10 * time.Millisecond)

	s.CancelTasksWithIds([]string{"held"})

	eng.mu.Lock()
	assert.Contains(t, eng.canceled, "held")
	eng.mu.Unlock()
}

func TestPause_DelegatesToEngine(t *testing.T) {
	s, _, eng, _, _ := newTestScheduler(t)

	ok := s.Pause("x")
	assert.True(t, ok)

	eng.mu.Lock()
	assert.Contains(t, eng.paused, "x")
	eng.mu.Unlock()
}

type fakeResumeReader struct {
	data map[string]task.ResumeData
}

func (f *fakeResumeReader) GetResumeData(_ context.Context, taskID string) (task.ResumeData, bool, error) {
	rd, ok := f.data[taskID]
	return rd, ok, nil
}

func TestResume_ReEnqueuesFromResumeData(t *testing.T) {
	s, _, eng, _, _ := newTestScheduler(t)

	reader := &fakeResumeReader{data: map[string]task.ResumeData{
		"r1": {Task: task.Task{TaskID: "r1", Kind: task.KindDownload, Priority: 3}, RequiredStartByte: 4096},
	}}

	got, err := s.Resume(context.Background(), "r1", reader)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.RangeStart)
	assert.Equal(t, 3, got.Priority)

	time.Sleep(20 * time.Millisecond)
	eng.mu.Lock()
	require.Len(t, eng.started, 1)
	eng.mu.Unlock()
}

func TestResume_MissingResumeDataErrors(t *testing.T) {
	s, _, _, _, _ := newTestScheduler(t)

	_, err := s.Resume(context.Background(), "missing", &fakeResumeReader{data: map[string]task.ResumeData{}})
	assert.ErrorIs(t, err, ErrNoResumeData)
}

func TestReset_ClearsRecordsAndCancelsPending(t *testing.T) {
	s, _, _, _, _ := newTestScheduler(t)

	_, err := s.Enqueue(context.Background(), task.Task{TaskID: "g1", Kind: task.KindDownload, Group: "alpha"})
	require.NoError(t, err)
	_, err = s.Enqueue(context.Background(), task.Task{TaskID: "g2", Kind: task.KindDownload, Group: "beta"})
	require.NoError(t, err)

	s.Reset("alpha")

	_, ok := s.TaskForID("g1")
	assert.False(t, ok)

	_, ok = s.TaskForID("g2")
	assert.True(t, ok)
}

func TestReportStatus_RepeatedFailuresSuppressHostAdmission(t *testing.T) {
	s, q, _, _, _ := newTestScheduler(t)

	failing := task.Task{TaskID: "f", Kind: task.KindDownload, URL: "https://flaky.example.com/a"}
	for i := 0; i < 3; i++ {
		s.ReportStatus(task.StatusUpdate{Task: failing, Status: task.StatusFailed})
	}

	_, err := s.Enqueue(context.Background(), task.Task{TaskID: "f2", Kind: task.KindDownload, URL: "https://flaky.example.com/b", HTTPMethod: "GET"})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, q.Len(), "task for a suppressed host must stay pending, not be admitted")
}

func TestReportStalePartials_LogsOnlyFilesOlderThanThreshold(t *testing.T) {
	s, _, _, _, _ := newTestScheduler(t)

	var buf bytes.Buffer
	s.logger = slog.New(slog.NewTextHandler(&buf, nil))

	dir := t.TempDir()

	// Naming mirrors internal/engine/download.go's resolveDownloadPaths:
	// tempPath = filepath.Join(tempBase, t.TaskID+".part").
	stalePath := filepath.Join(dir, "old-task"+".part")
	require.NoError(t, os.WriteFile(stalePath, []byte("x"), 0o644))
	oldTime := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(stalePath, oldTime, oldTime))

	freshPath := filepath.Join(dir, "fresh-task"+".part")
	require.NoError(t, os.WriteFile(freshPath, []byte("x"), 0o644))

	otherPath := filepath.Join(dir, "done.bin")
	require.NoError(t, os.WriteFile(otherPath, []byte("x"), 0o644))

	s.ReportStalePartials(dir)

	assert.Contains(t, buf.String(), "old-task.part")
	assert.NotContains(t, buf.String(), "fresh-task.part")
	assert.NotContains(t, buf.String(), "done.bin")
}

func TestReportStalePartials_NoStaleFilesLogsNothing(t *testing.T) {
	s, _, _, _, _ := newTestScheduler(t)

	var buf bytes.Buffer
	s.logger = slog.New(slog.NewTextHandler(&buf, nil))

	dir := t.TempDir()
	s.ReportStalePartials(dir)

	assert.Empty(t, buf.String())
}

func TestSetRequireWiFi_UpdatesPendingTasksEffectiveFlag(t *testing.T) {
	eng := &fakeEngine{}
	durable := newMemDurable()
	down := &fakeDownstream{}

	q := queue.New(queue.Caps{MaxConcurrent: 1}, eng, nil, nil)
	s := New(q, eng, durable, down, true, fixedClock, nil, nil)
	q.SetCanceler(s)

	_, err := s.Enqueue(context.Background(), task.Task{TaskID: "blocker", Kind: task.KindDownload, Priority: 5})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = s.Enqueue(context.Background(), task.Task{TaskID: "w1", Kind: task.KindDownload, Priority: 5})
	require.NoError(t, err)

	require.Equal(t, 1, q.Len(), "w1 must still be pending behind the cap-1 blocker")

	s.SetRequireWiFi(RequireWiFiAll, false)

	rec, ok := s.TaskForID("w1")
	require.True(t, ok)
	assert.True(t, rec.Task.RequiresWiFi)
}
