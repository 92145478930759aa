package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// configWatchBackoffInit/Max bound the retry delay after a watcher setup
// failure (e.g. the config file's directory briefly missing during an
// atomic rewrite), mirroring the teacher's observer_local.go watch-error
// backoff shape.
const (
	configWatchBackoffInit = 1 * time.Second
	configWatchBackoffMax  = 30 * time.Second
)

// watchConfigFile calls reload whenever path is written, in addition to
// notifyOnReload's SIGHUP trigger — so an editor save takes effect without
// the operator needing to know the daemon's PID. Runs until ctx is done.
func watchConfigFile(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	go func() {
		backoff := configWatchBackoffInit

		for {
			if err := runConfigWatchLoop(ctx, path, logger, reload); err != nil {
				logger.Warn("serve: config watcher restarting after error", "error", err, "backoff", backoff)

				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}

				backoff *= 2
				if backoff > configWatchBackoffMax {
					backoff = configWatchBackoffMax
				}

				continue
			}

			return
		}
	}()
}

func runConfigWatchLoop(ctx context.Context, path string, logger *slog.Logger, reload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the containing directory, not the file itself: editors and
	// atomic config writers (internal/config's WriteDefaultConfig included)
	// commonly replace the file via rename, which drops a direct watch on
	// the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	base := filepath.Base(path)

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Base(ev.Name) != base {
				continue
			}

			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			logger.Info("serve: config file changed, reloading", "path", path)
			reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("serve: config watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}
