package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockFsWatcher implements FsWatcher with injectable channels, mirroring the
// teacher's internal/sync/observer_local_handlers_test.go mock.
type mockFsWatcher struct {
	events chan fsnotify.Event
	errs   chan error
	once   sync.Once
}

func newMockFsWatcher() *mockFsWatcher {
	return &mockFsWatcher{
		events: make(chan fsnotify.Event, 10),
		errs:   make(chan error, 10),
	}
}

func (m *mockFsWatcher) Add(string) error              { return nil }
func (m *mockFsWatcher) Remove(string) error           { return nil }
func (m *mockFsWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockFsWatcher) Errors() <-chan error          { return m.errs }

func (m *mockFsWatcher) Close() error {
	m.once.Do(func() { close(m.events); close(m.errs) })
	return nil
}

func TestTempFileWatcher_InvalidatesResumeDataOnDelete(t *testing.T) {
	mock := newMockFsWatcher()
	resume := newMemResumeStore()

	require.NoError(t, resume.SaveResumeData(context.Background(), taskResumeDataFor("task-1")))

	tw := &TempFileWatcher{
		dir:    "/tmp/xfer-engine",
		resume: resume,
		logger: discardLogger(),
		watcherFactory: func() (FsWatcher, error) {
			return mock, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tw.Run(ctx)

	mock.events <- fsnotify.Event{Name: "/tmp/xfer-engine/task-1.part", Op: fsnotify.Remove}

	require.Eventually(t, func() bool {
		_, ok, _ := resume.GetResumeData(context.Background(), "task-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTempFileWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	mock := newMockFsWatcher()
	resume := newMemResumeStore()

	require.NoError(t, resume.SaveResumeData(context.Background(), taskResumeDataFor("task-2")))

	tw := &TempFileWatcher{
		dir:    "/tmp/xfer-engine",
		resume: resume,
		logger: discardLogger(),
		watcherFactory: func() (FsWatcher, error) {
			return mock, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tw.Run(ctx)

	mock.events <- fsnotify.Event{Name: "/tmp/xfer-engine/unrelated.txt", Op: fsnotify.Remove}
	mock.events <- fsnotify.Event{Name: "/tmp/xfer-engine/task-2.part", Op: fsnotify.Write}

	time.Sleep(50 * time.Millisecond)

	_, ok, _ := resume.GetResumeData(context.Background(), "task-2")
	assert.True(t, ok, "a Write event (not Remove/Rename) must not invalidate resume data")
}

func TestTaskIDFromTempFile(t *testing.T) {
	assert.Equal(t, "abc-123", taskIDFromTempFile("/tmp/xfer-engine/abc-123.part"))
	assert.Equal(t, "", taskIDFromTempFile("/tmp/xfer-engine/notes.txt"))
}

func taskResumeDataFor(taskID string) task.ResumeData {
	return task.ResumeData{Task: task.Task{TaskID: taskID}, RequiredStartByte: 512}
}
