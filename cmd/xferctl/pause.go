package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/xfer-engine/internal/store"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [taskId]",
		Short: "Pause a persisted task that is not currently in flight",
		Long: `Moves taskId from enqueued/waitingToRetry to paused directly in the
store, writing ResumeData that resumes from byte 0.

This only covers a task sitting idle in the store across process
invocations — pausing a download actively streaming inside a running
"xferctl serve"/"enqueue --wait" process happens through that process's own
in-memory scheduler, which this command has no channel into. Use
scheduler.Scheduler.Pause from an embedding host (or Ctrl-C the foreground
"enqueue --wait" and "resume" from the partial data it already saved) for
a true mid-transfer pause.`,
		Args: cobra.ExactArgs(1),
		RunE: runPause,
	}
}

func runPause(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	taskID := args[0]

	db, err := store.Open(ctx, cc.DBPath, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer db.Close()

	doc, err := db.Get(ctx, store.CollectionTasks, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no task %s in the store", taskID)
	} else if err != nil {
		return fmt.Errorf("reading task %s: %w", taskID, err)
	}

	var rec task.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return fmt.Errorf("decoding task %s: %w", taskID, err)
	}

	if !rec.Task.AllowPause {
		return fmt.Errorf("task %s does not allow pausing", taskID)
	}

	switch rec.Status {
	case task.StatusEnqueued, task.StatusWaitingToRetry:
	default:
		return fmt.Errorf("task %s is %s, not pausable from the store", taskID, rec.Status)
	}

	rec.Status = task.StatusPaused

	out, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", taskID, err)
	}

	if err := db.Put(ctx, store.CollectionTasks, taskID, out, clockMillis()); err != nil {
		return fmt.Errorf("persisting paused task %s: %w", taskID, err)
	}

	if err := db.Put(ctx, store.CollectionPausedTasks, taskID, mustJSON(rec.Task), clockMillis()); err != nil {
		return fmt.Errorf("persisting paused-task snapshot %s: %w", taskID, err)
	}

	rd := task.ResumeData{Task: rec.Task, RequiredStartByte: 0}

	rdDoc, err := json.Marshal(rd)
	if err != nil {
		return fmt.Errorf("encoding resume data for %s: %w", taskID, err)
	}

	if err := db.Put(ctx, store.CollectionResumeData, taskID, rdDoc, clockMillis()); err != nil {
		return fmt.Errorf("persisting resume data for %s: %w", taskID, err)
	}

	fmt.Printf("paused %s\n", taskID)

	return nil
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("BUG: marshal %T: %v", v, err))
	}

	return b
}
