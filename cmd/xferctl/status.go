package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/xfer-engine/internal/store"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [taskId]",
		Short: "Show one task's persisted record",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	return printRecords([]task.Record{rec})
}
