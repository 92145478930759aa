package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Backoff bounds for TempFileWatcher's watch-setup retry loop, mirroring the
// teacher's observer_local.go watchErrInitBackoff/watchErrMaxBackoff shape.
const (
	tempWatchBackoffInit = 1 * time.Second
	tempWatchBackoffMax  = 30 * time.Second
)

// FsWatcher abstracts filesystem event monitoring so tests can inject a
// mock, the same seam the teacher's internal/sync/observer_local.go cuts
// against *fsnotify.Watcher.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWrapper adapts *fsnotify.Watcher to FsWatcher: fsnotify exposes
// Events/Errors as public fields, not methods.
type fsnotifyWrapper struct{ w *fsnotify.Watcher }

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Remove(name string) error      { return fw.w.Remove(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// TempFileWatcher watches the engine's temp-file directory for ".part"
// files deleted out from under a suspended transfer (e.g. an operator or a
// cleanup script removing scratch files while a task sits WaitingToRetry or
// Paused) and invalidates the matching ResumeData so the next resume attempt
// fails fast with a clear "resume is not possible" exception instead of
// re-opening a file that no longer exists at the recorded offset.
type TempFileWatcher struct {
	dir            string
	resume         ResumeStore
	logger         *slog.Logger
	watcherFactory func() (FsWatcher, error)
}

// NewTempFileWatcher builds a watcher over dir (normally
// platform.BasePath(task.BaseTemporary)).
func NewTempFileWatcher(dir string, resume ResumeStore, logger *slog.Logger) *TempFileWatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &TempFileWatcher{
		dir:    dir,
		resume: resume,
		logger: logger,
		watcherFactory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		},
	}
}

// Run starts the watch loop in its own goroutine; it exits when ctx is done.
func (tw *TempFileWatcher) Run(ctx context.Context) {
	go func() {
		backoff := tempWatchBackoffInit

		for {
			if err := tw.watchOnce(ctx); err != nil {
				tw.logger.Warn("engine: temp file watcher restarting after error", "error", err, "backoff", backoff)

				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}

				backoff *= 2
				if backoff > tempWatchBackoffMax {
					backoff = tempWatchBackoffMax
				}

				continue
			}

			return
		}
	}()
}

func (tw *TempFileWatcher) watchOnce(ctx context.Context) error {
	w, err := tw.watcherFactory()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(tw.dir); err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}

			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}

			taskID := taskIDFromTempFile(ev.Name)
			if taskID == "" {
				continue
			}

			if tw.resume == nil {
				continue
			}

			if err := tw.resume.DeleteResumeData(ctx, taskID); err != nil {
				tw.logger.Warn("engine: failed to invalidate resume data after temp file deletion", "task_id", taskID, "error", err)
			} else {
				tw.logger.Info("engine: temp file deleted externally, resume data invalidated", "task_id", taskID, "path", ev.Name)
			}

		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}

			tw.logger.Warn("engine: temp file watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

// taskIDFromTempFile recovers the TaskID a ".part" file belongs to, per the
// naming convention in resolveDownloadPaths (taskID + ".part"). Returns ""
// for unrelated files in the same directory.
func taskIDFromTempFile(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".part") {
		return ""
	}

	return strings.TrimSuffix(base, ".part")
}
