package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeFlags struct {
	wait bool
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume [taskId]",
		Short: "Re-enqueue a paused task from its persisted resume data",
		Long: `Reads taskId's ResumeData from the task store and re-enqueues it at its
original priority, continuing from the byte offset recorded when it was
paused. Works across process restarts — the paused task need not have been
enqueued by this same invocation, or even this same machine's prior run,
as long as --data-dir points at the store that holds its resume data.`,
		Args: cobra.ExactArgs(1),
		RunE: runResume,
	}

	cmd.Flags().BoolVar(&resumeFlags.wait, "wait", true, "block until the task reaches a terminal state, printing progress")

	return cmd
}

func runResume(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	taskID := args[0]

	printer := newStatusPrinter(flagQuiet, flagJSON)

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	stack, err := buildEngineStack(ctx, cc.DBPath, cc.Cfg, printer, cc.Logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	resumed, err := stack.sched.Resume(ctx, taskID, stack.resume)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	fmt.Printf("resumed task %s from byte %d\n", resumed.TaskID, resumed.RangeStart)

	return waitForTerminal(ctx, printer, resumed.TaskID, resumeFlags.wait)
}
