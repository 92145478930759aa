package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/xfer-engine/internal/callback"
	"github.com/tonimelisma/xfer-engine/internal/config"
	"github.com/tonimelisma/xfer-engine/internal/engine"
	"github.com/tonimelisma/xfer-engine/internal/pipeline"
	"github.com/tonimelisma/xfer-engine/internal/platform"
	"github.com/tonimelisma/xfer-engine/internal/queue"
	"github.com/tonimelisma/xfer-engine/internal/scheduler"
	"github.com/tonimelisma/xfer-engine/internal/store"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

// clockMillis is the Clock implementation shared by Scheduler and the
// document store: milliseconds since epoch, matching task.CreationTime's
// unit.
func clockMillis() int64 {
	return time.Now().UnixMilli()
}

// reporterHandle breaks the construction cycle between Engine and
// Scheduler: Engine.New requires a StatusReporter/ProgressReporter at
// construction, but the Scheduler that implements both needs the already-
// constructed Engine passed into scheduler.New. reporterHandle is built
// first, handed to Engine as a stand-in, then pointed at the real Scheduler
// once it exists — the same role queue.Queue's SetStarter/SetCanceler play
// for the Queue side of the same cycle.
type reporterHandle struct {
	sched atomic.Pointer[scheduler.Scheduler]
}

func (h *reporterHandle) ReportStatus(u task.StatusUpdate) {
	if s := h.sched.Load(); s != nil {
		s.ReportStatus(u)
	}
}

func (h *reporterHandle) ReportProgress(u task.ProgressUpdate) {
	if s := h.sched.Load(); s != nil {
		s.ReportProgress(u)
	}
}

// engineStack bundles the live objects a command drives: Enqueue/Resume
// through sched, status/progress observed via downstream, everything backed
// by db for cross-process visibility (list/status read db directly without
// needing a running stack at all).
type engineStack struct {
	db     *store.Store
	sched  *scheduler.Scheduler
	eng    *engine.Engine
	q      *queue.Queue
	resume *store.ResumeStore
}

// Close releases resources held by the stack. Safe to call once.
func (s *engineStack) Close() error {
	return s.db.Close()
}

// buildEngineStack wires Store -> Platform -> Engine -> Queue -> Scheduler
// per cfg, using the two-phase SetStarter/SetCanceler construction to break
// the Queue<->Scheduler cycle and a reporterHandle to break the
// Engine<->Scheduler cycle. downstream receives every status/progress
// update after Scheduler bookkeeping runs; pass nil for none.
func buildEngineStack(ctx context.Context, dbPath string, cfg *config.Config, downstream scheduler.Downstream, logger *slog.Logger) (*engineStack, error) {
	db, err := store.Open(ctx, dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening task store: %w", err)
	}

	plat := platform.New()
	resumeStore := store.NewResumeStore(db, clockMillis)

	caps := queue.Caps{
		MaxConcurrent:        cfg.Engine.HoldingQueueMaxConcurrent,
		MaxConcurrentByHost:  cfg.Engine.HoldingQueueMaxConcurrentByHost,
		MaxConcurrentByGroup: cfg.Engine.HoldingQueueMaxConcurrentByGroup,
	}
	q := queue.New(caps, nil, nil, logger)

	rh := &reporterHandle{}

	engCfg := engine.Config{
		AllowWeakETag:               cfg.Engine.AllowWeakETag,
		CheckAvailableSpaceBytes:    uint64(cfg.Engine.CheckAvailableSpaceMiB) * 1024 * 1024,
		SkipExistingLargerThanBytes: cfg.Engine.SkipExistingFilesLargerThanMiB * 1024 * 1024,
		RequireWiFiDefault:          cfg.Engine.RequireWiFi,
		ParallelChunks:              cfg.Engine.ParallelChunks,
	}

	httpClient, err := buildHTTPClient(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := newCallbackRegistry()
	onStart := func(ctx context.Context, t task.Task) (task.Task, error) {
		updated, _, err := registry.InvokeStartHook(ctx, t.StartHookName, t)
		return updated, err
	}
	onAuth := func(ctx context.Context, t task.Task) (task.Task, error) {
		updated, _, err := registry.InvokeAuthHook(ctx, t.AuthHookName, t)
		return updated, err
	}
	onFinish := func(ctx context.Context, u task.StatusUpdate) {
		registry.InvokeFinishedHook(ctx, u.Task.FinishedHookName, u)
	}

	eng := engine.New(httpClient, plat, engCfg, rh, rh, q, resumeStore, onStart, onAuth, logger)
	q.SetStarter(eng)

	sched := scheduler.New(q, eng, db, downstream, true, clockMillis, onFinish, logger)
	rh.sched.Store(sched)
	q.SetCanceler(sched)

	wifiMode := scheduler.RequireWiFiPerTask
	if cfg.Engine.RequireWiFi {
		wifiMode = scheduler.RequireWiFiAll
	}
	sched.SetRequireWiFi(wifiMode, false)

	if tempDir, err := plat.BasePath(task.BaseTemporary); err == nil {
		if err := os.MkdirAll(tempDir, 0o755); err != nil { //nolint:mnd
			logger.Warn("skipping temp file watcher: could not create temp directory", "error", err)
		} else {
			engine.NewTempFileWatcher(tempDir, resumeStore, logger).Run(ctx)
		}
	} else {
		logger.Warn("skipping temp file watcher: could not resolve temp directory", "error", err)
	}

	return &engineStack{db: db, sched: sched, eng: eng, q: q, resume: resumeStore}, nil
}

// buildHTTPClient applies the network section's timeouts, grounded on the
// teacher's root.go distinction between a bounded metadata client and an
// unbounded transfer client: here, ConnectTimeout bounds dialing and
// DataTimeout bounds the wait for response headers once the request is
// sent; body reads have no idle timeout, so the overall transfer is
// unbounded, matching large-file downloads over slow links.
func buildHTTPClient(cfg *config.Config) (*http.Client, error) {
	connectTimeout, err := time.ParseDuration(cfg.Network.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("network.connect_timeout: %w", err)
	}

	dataTimeout, err := time.ParseDuration(cfg.Network.DataTimeout)
	if err != nil {
		return nil, fmt.Errorf("network.data_timeout: %w", err)
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: dataTimeout,
	}

	if cfg.Engine.ProxyAddress != "" {
		proxyURL, err := url.Parse(fmt.Sprintf("http://%s:%d", cfg.Engine.ProxyAddress, cfg.Engine.ProxyPort))
		if err != nil {
			return nil, fmt.Errorf("engine.proxy_address: %w", err)
		}

		transport.Proxy = http.ProxyURL(proxyURL)
	}

	if cfg.Network.ForceHTTP11 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	return &http.Client{Transport: transport}, nil
}

// newCallbackRegistry returns an empty registry: the built-in command
// surface never registers hooks by name itself (it has no embedding host to
// ask), but buildEngineStack's onStart/onAuth/onFinish closures always
// resolve a task's onTaskStartCallback/onAuthCallback/onTaskFinishedCallback
// against it, so an embedder driving xferctl's engine stack in-process can
// still register named hooks (including callback.OAuth2AuthHook for
// onAuthCallback) before a task runs.
func newCallbackRegistry() *callback.CallbackRegistry {
	return callback.NewRegistry()
}

// newPipeline builds the UpdatePipeline backing a Scheduler's downstream,
// falling back to db when host is nil (no embedding host connected yet).
func newPipeline(host callback.HostChannel, db *store.Store, logger *slog.Logger) *pipeline.Pipeline {
	return pipeline.New(host, db, clockMillis, logger)
}
