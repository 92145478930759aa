package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/xfer-engine/internal/store"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

type memStore struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]map[string][]byte)}
}

func (m *memStore) Put(_ context.Context, collection, id string, document []byte, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string][]byte)
	}

	m.docs[collection][id] = document

	return nil
}

func (m *memStore) Get(_ context.Context, collection, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[collection][id]
	if !ok {
		return nil, store.ErrNotFound
	}

	return doc, nil
}

func (m *memStore) GetAll(_ context.Context, collection string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(m.docs[collection]))
	for k, v := range m.docs[collection] {
		out[k] = v
	}

	return out, nil
}

func (m *memStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs[collection], id)

	return nil
}

type fakeHost struct {
	mu           sync.Mutex
	failStatus   bool
	failProgress bool
	statuses     []task.StatusUpdate
	progress     []task.ProgressUpdate
}

func (h *fakeHost) StatusUpdate(_ context.Context, u task.StatusUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failStatus {
		return assert.AnError
	}

	h.statuses = append(h.statuses, u)

	return nil
}

func (h *fakeHost) ProgressUpdate(_ context.Context, u task.ProgressUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failProgress {
		return assert.AnError
	}

	h.progress = append(h.progress, u)

	return nil
}

func (h *fakeHost) CanResume(context.Context, task.Task, bool) error { return nil }

func (h *fakeHost) ResumeDataUpdate(context.Context, task.Task, string, int64) error { return nil }

func fixedClock() int64 { return 1000 }

func TestReportStatus_DeliversWhenHostReachable(t *testing.T) {
	host := &fakeHost{}
	ds := newMemStore()
	p := New(host, ds, fixedClock, nil)

	p.ReportStatus(task.StatusUpdate{Task: task.Task{TaskID: "t1"}, Status: task.StatusRunning})

	require.Len(t, host.statuses, 1)
	assert.Equal(t, "t1", host.statuses[0].Task.TaskID)

	all, err := ds.GetAll(context.Background(), store.CollectionUndeliveredStatus)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReportStatus_FallsBackWhenHostUnreachable(t *testing.T) {
	host := &fakeHost{failStatus: true}
	ds := newMemStore()
	p := New(host, ds, fixedClock, nil)

	p.ReportStatus(task.StatusUpdate{Task: task.Task{TaskID: "t2"}, Status: task.StatusComplete})

	doc, err := ds.Get(context.Background(), store.CollectionUndeliveredStatus, "t2")
	require.NoError(t, err)

	var u task.UndeliveredUpdate
	require.NoError(t, json.Unmarshal(doc, &u))
	assert.Equal(t, task.UndeliveredStatus, u.Kind)
	require.NotNil(t, u.Status)
	assert.Equal(t, task.StatusComplete, u.Status.Status)
}

func TestReportProgress_NoHostWiredFallsBack(t *testing.T) {
	ds := newMemStore()
	p := New(nil, ds, fixedClock, nil)

	p.ReportProgress(task.ProgressUpdate{Task: task.Task{TaskID: "t3"}, Progress: 0.5})

	doc, err := ds.Get(context.Background(), store.CollectionUndeliveredProgress, "t3")
	require.NoError(t, err)

	var u task.UndeliveredUpdate
	require.NoError(t, json.Unmarshal(doc, &u))
	require.NotNil(t, u.Progress)
	assert.Equal(t, 0.5, u.Progress.Progress)
}

func TestDrainUndelivered_ReplaysAndDeletesOnSuccess(t *testing.T) {
	host := &fakeHost{failStatus: true}
	ds := newMemStore()
	p := New(host, ds, fixedClock, nil)

	p.ReportStatus(task.StatusUpdate{Task: task.Task{TaskID: "t4"}, Status: task.StatusFailed})

	all, err := ds.GetAll(context.Background(), store.CollectionUndeliveredStatus)
	require.NoError(t, err)
	require.Len(t, all, 1)

	host.failStatus = false

	require.NoError(t, p.DrainUndelivered(context.Background(), task.UndeliveredStatus))

	require.Len(t, host.statuses, 1)
	assert.Equal(t, "t4", host.statuses[0].Task.TaskID)

	all, err = ds.GetAll(context.Background(), store.CollectionUndeliveredStatus)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDrainUndelivered_LeavesItemOnRepeatedFailure(t *testing.T) {
	host := &fakeHost{failStatus: true}
	ds := newMemStore()
	p := New(host, ds, fixedClock, nil)

	p.ReportStatus(task.StatusUpdate{Task: task.Task{TaskID: "t5"}, Status: task.StatusFailed})

	require.NoError(t, p.DrainUndelivered(context.Background(), task.UndeliveredStatus))

	all, err := ds.GetAll(context.Background(), store.CollectionUndeliveredStatus)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDrainUndelivered_NoHostWiredErrors(t *testing.T) {
	ds := newMemStore()
	p := New(nil, ds, fixedClock, nil)

	err := p.DrainUndelivered(context.Background(), task.UndeliveredStatus)
	assert.Error(t, err)
}
