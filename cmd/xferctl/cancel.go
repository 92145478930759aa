package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/xfer-engine/internal/store"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [taskId...]",
		Short: "Cancel one or more persisted tasks",
		Long: `Marks each taskId's persisted record canceled directly in the store.

This CLI has no control channel into a separately-running "xferctl serve" or
"xferctl enqueue --wait" process, so a task currently in flight elsewhere is
only canceled the next time that process checks its own durable state (e.g.
on its next retry backoff or status report) rather than interrupted
mid-transfer. A task enqueued and waited on by the same invocation is never
a cancel target, since it has already reached a terminal state by the time
this command could run.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runCancel,
	}
}

func runCancel(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	db, err := store.Open(ctx, cc.DBPath, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer db.Close()

	for _, taskID := range args {
		if err := cancelOne(ctx, db, taskID); err != nil {
			return err
		}

		fmt.Printf("canceled %s\n", taskID)
	}

	return nil
}

func cancelOne(ctx context.Context, db *store.Store, taskID string) error {
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

	if rec.Status.IsTerminal() {
		return fmt.Errorf("task %s is already %s", taskID, rec.Status)
	}

	rec.Status = task.StatusCanceled
	rec.Exception = nil

	out, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", taskID, err)
	}

	if err := db.Put(ctx, store.CollectionTasks, taskID, out, clockMillis()); err != nil {
		return fmt.Errorf("persisting canceled task %s: %w", taskID, err)
	}

	_ = db.Delete(ctx, store.CollectionPausedTasks, taskID)
	_ = db.Delete(ctx, store.CollectionResumeData, taskID)

	return nil
}
