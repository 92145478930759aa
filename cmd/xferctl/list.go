package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/xfer-engine/internal/store"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

var listFlags struct {
	group  string
	status string
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every task record persisted in the store",
		Long: `Reads task records directly from the store database rather than
from a live scheduler, so it shows every task ever enqueued against
--data-dir, regardless of which process (if any) is currently driving it.`,
		Args: cobra.NoArgs,
		RunE: runList,
	}

	cmd.Flags().StringVar(&listFlags.group, "group", "", "only show tasks in this group")
	cmd.Flags().StringVar(&listFlags.status, "status", "", "only show tasks in this status")

	return cmd
}

func runList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	db, err := store.Open(ctx, cc.DBPath, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer db.Close()

	docs, err := db.GetAll(ctx, store.CollectionTasks)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}

	records := make([]task.Record, 0, len(docs))
	for id, doc := range docs {
		var rec task.Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			cc.Logger.Warn("list: skipping unreadable task record", "taskId", id, "error", err)
			continue
		}

		if listFlags.group != "" && rec.Task.Group != listFlags.group {
			continue
		}

		if listFlags.status != "" && string(rec.Status) != listFlags.status {
			continue
		}

		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Task.CreationTime < records[j].Task.CreationTime })

	return printRecords(records)
}

func printRecords(records []task.Record) error {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("no tasks")
		return nil
	}

	for _, rec := range records {
		fmt.Printf("%s\t%-12s\t%5.1f%%\t%-10s\t%s\n",
			rec.Task.TaskID, rec.Status, rec.Progress*100, rec.Task.Group, rec.Task.URL) //nolint:mnd // percentage conversion
	}

	return nil
}
