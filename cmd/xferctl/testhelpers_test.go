package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/xfer-engine/internal/store"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

// newTestCommand returns a bare cobra.Command whose context already carries
// a CLIContext pointed at a fresh SQLite file under t.TempDir(), mirroring
// what root.go's PersistentPreRunE would have set up.
func newTestCommand(t *testing.T) (*cobra.Command, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "xferctl.db")
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	cc := &CLIContext{DBPath: dbPath, Logger: logger}

	cmd := &cobra.Command{}
	cmd.SetContext(context.WithValue(context.Background(), cliContextKey{}, cc))

	return cmd, dbPath
}

// testWriter adapts testing.T.Log to io.Writer, so library logging surfaces
// in `go test -v` output instead of being silently dropped.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// seedTaskRecord writes rec directly into the tasks collection, bypassing
// any engine/scheduler machinery, so command tests can set up store state
// without running a live stack.
func seedTaskRecord(t *testing.T, dbPath string, rec task.Record) {
	t.Helper()

	ctx := context.Background()

	db, err := store.Open(ctx, dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	doc, err := json.Marshal(rec)
	require.NoError(t, err)

	require.NoError(t, db.Put(ctx, store.CollectionTasks, rec.Task.TaskID, doc, 0))
}

// readTaskRecord reads back a task's persisted record for assertions.
func readTaskRecord(t *testing.T, dbPath, taskID string) (task.Record, bool) {
	t.Helper()

	ctx := context.Background()

	db, err := store.Open(ctx, dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	doc, err := db.Get(ctx, store.CollectionTasks, taskID)
	if err != nil {
		return task.Record{}, false
	}

	var rec task.Record
	require.NoError(t, json.Unmarshal(doc, &rec))

	return rec, true
}
