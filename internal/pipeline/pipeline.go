// Package pipeline implements UpdatePipeline (spec.md §4.5): the delivery
// path from TransferEngine to the host callback channel, with fallback
// persistence to DurableStore when the channel is unreachable and replay on
// reconnection.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tonimelisma/xfer-engine/internal/callback"
	"github.com/tonimelisma/xfer-engine/internal/store"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

// DurableStore is the subset of *store.Store the pipeline needs for
// fallback persistence, named here so tests can supply an in-memory fake.
type DurableStore interface {
	Put(ctx context.Context, collection, id string, document []byte, nowMillis int64) error
	Get(ctx context.Context, collection, id string) ([]byte, error)
	GetAll(ctx context.Context, collection string) (map[string][]byte, error)
	Delete(ctx context.Context, collection, id string) error
}

// Clock returns the current time in milliseconds since epoch; it is
// injected so tests can supply a fixed value, the same way store.Store.Put
// takes its timestamp as a nowMillis parameter.
type Clock func() int64

// Pipeline delivers status/progress updates to a HostChannel, falling back
// to DurableStore when the channel errors, and replays on drainUndelivered.
//
// A single mutex serializes delivery: this keeps the per-taskId "deliver,
// or else persist the fallback" sequence atomic without the bookkeeping of
// a per-task lock table, at the cost of serializing all tasks' deliveries
// through one lock. Delivery is a cheap local call (the host channel is
// in-process or a short-lived RPC), so this is not expected to bottleneck
// compared to the engine's I/O-bound transfers.
type Pipeline struct {
	mu     sync.Mutex
	host   callback.HostChannel // nil means "no channel wired yet"
	store  DurableStore
	clock  Clock
	logger *slog.Logger
}

// New builds a Pipeline. host may be nil if no channel has been wired yet
// (e.g. at startup before the UI process connects); every update then
// falls back to DurableStore until SetHostChannel is called.
func New(host callback.HostChannel, durable DurableStore, clock Clock, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{host: host, store: durable, clock: clock, logger: logger}
}

// SetHostChannel replaces the wired channel, e.g. when the host process
// reconnects after a restart.
func (p *Pipeline) SetHostChannel(host callback.HostChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.host = host
}

// ReportStatus implements engine.StatusReporter. Status updates for a given
// taskId are delivered in the order ReportStatus is called for that taskId.
func (p *Pipeline) ReportStatus(u task.StatusUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx := context.Background()

	if p.host != nil {
		err := p.host.StatusUpdate(ctx, u)
		if err == nil {
			return
		}

		p.logger.Warn("pipeline: status delivery failed, falling back to durable store",
			"taskId", u.Task.TaskID, "error", err)
	}

	p.persistUndelivered(ctx, task.UndeliveredStatus, u.Task.TaskID, task.UndeliveredUpdate{
		TaskID: u.Task.TaskID,
		Kind:   task.UndeliveredStatus,
		Status: &u,
	})
}

// ReportProgress implements engine.ProgressReporter. Progress updates may
// be coalesced: persisting always overwrites any prior undelivered progress
// for the same taskId, since only the latest matters once delivery resumes.
func (p *Pipeline) ReportProgress(u task.ProgressUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx := context.Background()

	if p.host != nil {
		err := p.host.ProgressUpdate(ctx, u)
		if err == nil {
			return
		}

		p.logger.Warn("pipeline: progress delivery failed, falling back to durable store",
			"taskId", u.Task.TaskID, "error", err)
	}

	p.persistUndelivered(ctx, task.UndeliveredProgress, u.Task.TaskID, task.UndeliveredUpdate{
		TaskID:   u.Task.TaskID,
		Kind:     task.UndeliveredProgress,
		Progress: &u,
	})
}

func (p *Pipeline) persistUndelivered(ctx context.Context, kind task.UndeliveredKind, taskID string, update task.UndeliveredUpdate) {
	collection := collectionFor(kind)

	doc, err := json.Marshal(update)
	if err != nil {
		p.logger.Error("pipeline: marshal undelivered update failed", "taskId", taskID, "error", err)
		return
	}

	if err := p.store.Put(ctx, collection, taskID, doc, p.clock()); err != nil {
		p.logger.Error("pipeline: persist undelivered update failed", "taskId", taskID, "error", err)
	}
}

func collectionFor(kind task.UndeliveredKind) string {
	if kind == task.UndeliveredProgress {
		return store.CollectionUndeliveredProgress
	}

	return store.CollectionUndeliveredStatus
}

// DrainUndelivered replays every undelivered update of the given kind
// through the host channel, deleting each after a successful delivery.
// Items that fail again are left in place for the next drain.
func (p *Pipeline) DrainUndelivered(ctx context.Context, kind task.UndeliveredKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.host == nil {
		return errors.New("pipeline: drain requested with no host channel wired")
	}

	collection := collectionFor(kind)

	docs, err := p.store.GetAll(ctx, collection)
	if err != nil {
		return fmt.Errorf("pipeline: list undelivered %s: %w", kind, err)
	}

	for taskID, doc := range docs {
		var update task.UndeliveredUpdate
		if err := json.Unmarshal(doc, &update); err != nil {
			p.logger.Error("pipeline: undelivered document corrupt, dropping", "taskId", taskID, "kind", kind, "error", err)
			_ = p.store.Delete(ctx, collection, taskID)
			continue
		}

		if err := p.deliver(ctx, update); err != nil {
			p.logger.Warn("pipeline: drain delivery still failing", "taskId", taskID, "kind", kind, "error", err)
			continue
		}

		if err := p.store.Delete(ctx, collection, taskID); err != nil {
			p.logger.Error("pipeline: delete delivered undelivered document failed", "taskId", taskID, "error", err)
		}
	}

	return nil
}

func (p *Pipeline) deliver(ctx context.Context, u task.UndeliveredUpdate) error {
	switch u.Kind {
	case task.UndeliveredStatus:
		if u.Status == nil {
			return nil
		}

		return p.host.StatusUpdate(ctx, *u.Status)
	case task.UndeliveredProgress:
		if u.Progress == nil {
			return nil
		}

		return p.host.ProgressUpdate(ctx, *u.Progress)
	default:
		return fmt.Errorf("pipeline: unrecognized undelivered kind %q", u.Kind)
	}
}
