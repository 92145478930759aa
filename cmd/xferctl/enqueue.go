package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

// enqueueFlags collects the task-construction flags shared by enqueue.
var enqueueFlags struct {
	kind        string
	method      string
	filename    string
	directory   string
	group       string
	bodyString  string
	priority    int
	retries     int
	requireWiFi bool
	allowPause  bool
	wait        bool
}

func newEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue [url]",
		Short: "Submit one task and, with --wait (the default), drive it to completion in the foreground",
		Long: `Builds a task from the given URL and flags, submits it to a fresh
in-process engine stack backed by the task store database, and (unless
--wait=false) blocks printing status/progress lines until the task reaches
a terminal state.

Every task enqueued this way is visible to "xferctl list"/"status" from any
other invocation sharing the same --data-dir, since task records are
persisted to the store regardless of which process is driving them.`,
		Args: cobra.ExactArgs(1),
		RunE: runEnqueue,
	}

	cmd.Flags().StringVar(&enqueueFlags.kind, "kind", "download", "task kind: download, upload, dataRequest, parallelDownload, multiUpload")
	cmd.Flags().StringVar(&enqueueFlags.method, "method", "", "HTTP method (defaults to GET for downloads, POST for uploads)")
	cmd.Flags().StringVar(&enqueueFlags.filename, "filename", "?", `destination filename ("?" derives it from the response)`)
	cmd.Flags().StringVar(&enqueueFlags.directory, "directory", "", "destination directory, relative to the base directory")
	cmd.Flags().StringVar(&enqueueFlags.group, "group", "default", "task group, for group-scoped cancel/pause/reset")
	cmd.Flags().StringVar(&enqueueFlags.bodyString, "body", "", "request body for upload/dataRequest tasks")
	cmd.Flags().IntVar(&enqueueFlags.priority, "priority", task.DefaultPriority, "priority, 0 (highest) to 10 (lowest)")
	cmd.Flags().IntVar(&enqueueFlags.retries, "retries", 3, "retry attempts on a retryable failure") //nolint:mnd // CLI default, not a protocol constant
	cmd.Flags().BoolVar(&enqueueFlags.requireWiFi, "task-require-wifi", false, "this task only proceeds on an unmetered network")
	cmd.Flags().BoolVar(&enqueueFlags.allowPause, "allow-pause", false, "allow this download to be paused and resumed (GET only)")
	cmd.Flags().BoolVar(&enqueueFlags.wait, "wait", true, "block until the task reaches a terminal state, printing progress")

	return cmd
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	t := task.NewTask(clockMillis())
	t.Kind = task.Kind(enqueueFlags.kind)
	t.URL = args[0]
	t.Filename = enqueueFlags.filename
	t.Directory = enqueueFlags.directory
	t.Group = enqueueFlags.group
	t.BodyString = enqueueFlags.bodyString
	t.Priority = enqueueFlags.priority
	t.Retries = enqueueFlags.retries
	t.RequiresWiFi = enqueueFlags.requireWiFi
	t.AllowPause = enqueueFlags.allowPause
	t.Updates = task.UpdatesStatusAndProgress

	if enqueueFlags.method != "" {
		t.HTTPMethod = enqueueFlags.method
	} else if t.Kind == task.KindUpload || t.Kind == task.KindMultiUpload {
		t.HTTPMethod = "POST"
	}

	t = t.WithDefaults(clockMillis())
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	printer := newStatusPrinter(flagQuiet, flagJSON)

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	stack, err := buildEngineStack(ctx, cc.DBPath, cc.Cfg, printer, cc.Logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	enqueued, err := stack.sched.Enqueue(ctx, t)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	fmt.Printf("enqueued task %s\n", enqueued.TaskID)

	return waitForTerminal(ctx, printer, enqueued.TaskID, enqueueFlags.wait)
}

// waitForTerminal blocks on done until the task printer reports a terminal
// or paused status for taskID (or ctx is canceled), then turns a non-Complete
// outcome into an error. A no-op when wait is false.
func waitForTerminal(ctx context.Context, printer *statusPrinter, taskID string, wait bool) error {
	if !wait {
		return nil
	}

	select {
	case <-printer.done(taskID):
	case <-ctx.Done():
	}

	if st, ok := printer.final(taskID); ok && st != task.StatusComplete {
		return fmt.Errorf("task %s ended in status %s", taskID, st)
	}

	return nil
}

// statusPrinter is a scheduler.Downstream that prints human- or JSON-
// formatted lines to stdout and tracks per-task terminal completion so
// runEnqueue/runResume know when to stop waiting.
type statusPrinter struct {
	quiet bool
	json  bool

	mu      sync.Mutex
	entries map[string]*printerEntry
}

type printerEntry struct {
	done   chan struct{}
	status task.Status
	closed bool
}

func newStatusPrinter(quiet, json bool) *statusPrinter {
	return &statusPrinter{quiet: quiet, json: json, entries: make(map[string]*printerEntry)}
}

func (p *statusPrinter) entryForLocked(taskID string) *printerEntry {
	e, ok := p.entries[taskID]
	if !ok {
		e = &printerEntry{done: make(chan struct{})}
		p.entries[taskID] = e
	}

	return e
}

func (p *statusPrinter) entryFor(taskID string) *printerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.entryForLocked(taskID)
}

func (p *statusPrinter) ReportStatus(u task.StatusUpdate) {
	if !p.quiet {
		if p.json {
			fmt.Printf(`{"taskId":%q,"status":%q}`+"\n", u.Task.TaskID, u.Status)
		} else {
			fmt.Printf("[%s] %s\n", u.Task.TaskID, u.Status)
		}
	}

	if u.Status.IsTerminal() || u.Status == task.StatusPaused {
		p.mu.Lock()
		e := p.entryForLocked(u.Task.TaskID)
		e.status = u.Status

		if !e.closed {
			e.closed = true
			close(e.done)
		}
		p.mu.Unlock()
	}
}

func (p *statusPrinter) ReportProgress(u task.ProgressUpdate) {
	if p.quiet || p.json {
		return
	}

	fmt.Printf("[%s] %.1f%%\n", u.Task.TaskID, u.Progress*100) //nolint:mnd // percentage conversion
}

func (p *statusPrinter) done(taskID string) <-chan struct{} {
	return p.entryFor(taskID).done
}

func (p *statusPrinter) final(taskID string) (task.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[taskID]
	if !ok {
		return "", false
	}

	return e.status, e.closed
}
