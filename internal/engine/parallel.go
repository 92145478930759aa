package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/xfer-engine/internal/platform"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

// byteRange is an inclusive [start, end] byte span of a range-resumable
// resource, one per chunk worker.
type byteRange struct{ start, end int64 }

// parallelWorkerCount returns the configured chunk fan-out, defaulting to 4
// (mirrors the HoldingQueue's own "a knob, with a sane floor" shape).
func (e *Engine) parallelWorkerCount() int {
	if e.cfg.ParallelChunks > 1 {
		return e.cfg.ParallelChunks
	}

	return 4
}

// splitRanges divides [0, total) into at most n roughly-equal inclusive
// byte ranges.
func splitRanges(total int64, n int) []byteRange {
	if n < 1 {
		n = 1
	}

	if int64(n) > total {
		n = int(total)
	}

	if n < 1 {
		n = 1
	}

	chunkSize := total / int64(n)
	ranges := make([]byteRange, 0, n)

	start := int64(0)
	for i := 0; i < n; i++ {
		end := start + chunkSize - 1
		if i == n-1 {
			end = total - 1
		}

		ranges = append(ranges, byteRange{start: start, end: end})
		start = end + 1
	}

	return ranges
}

// runParallelDownload implements task.KindParallelDownload: a small Range
// probe discovers the resource's total size and range support, then
// parallelWorkerCount() chunk workers fetch disjoint byte ranges
// concurrently into the destination temp file via WriteAt, bounded by an
// errgroup.Group (spec.md §5's "worker units bounded by maxConcurrent",
// applied within a single task instead of across tasks). Falls back to the
// ordinary single-stream path when the server doesn't support ranges — a
// task marked ParallelDownload still completes, just without the fan-out.
//
// Resume-on-failure is not implemented for this path: a mid-transfer
// failure here is reported Failed with no ResumeData, the same way the
// teacher's internal/sync/transfer.go treats a failed parallel segment as
// unrecoverable rather than partially resumable.
func (e *Engine) runParallelDownload(ctx context.Context, ex *exchange) {
	t := ex.t

	if t.RequiresWiFi && platform.IsMeteredNetwork() {
		return
	}

	if e.onStart != nil {
		modified, err := e.onStart(ctx, t)
		if err != nil {
			e.failDownload(t, fmt.Errorf("engine: onTaskStart hook: %w", err))
			return
		}

		t = modified
	}

	probe, err := e.doWithRetry(ctx, t, nil, "bytes=0-0")
	if err != nil {
		e.failDownload(t, err)
		return
	}

	probe.Body.Close()

	if probe.StatusCode != http.StatusPartialContent || !acceptsRanges(probe.Header.Get("Accept-Ranges")) {
		e.logger.Debug("engine: server does not support byte ranges, falling back to single-stream transfer", "task_id", t.TaskID)
		e.runSingleStreamFallback(ctx, ex, t)

		return
	}

	cr, err := parseContentRange(probe.Header.Get("Content-Range"))
	if err != nil || cr.Total <= 0 {
		e.logger.Debug("engine: server omitted a usable Content-Range total, falling back to single-stream transfer", "task_id", t.TaskID)
		e.runSingleStreamFallback(ctx, ex, t)

		return
	}

	total := cr.Total
	ex.setExpectedSize(total)

	finalPath, tempPath, err := e.resolveDownloadPaths(t, probe)
	if err != nil {
		e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))
		return
	}

	if e.cfg.CheckAvailableSpaceBytes > 0 {
		if err := e.checkDiskSpace(ex, filepath.Dir(tempPath), total); err != nil {
			e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))
			return
		}
	}

	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil { //nolint:mnd
		e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))
		return
	}

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:mnd
	if err != nil {
		e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))
		return
	}

	if err := f.Truncate(total); err != nil {
		f.Close()
		e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))

		return
	}

	tracker := newProgressTracker(t, e.status, e.progress, total)

	var bytesDone int64

	var trackerMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelWorkerCount())

	for _, r := range splitRanges(total, e.parallelWorkerCount()) {
		r := r

		g.Go(func() error {
			return e.fetchChunk(gctx, ex, t, f, r, &bytesDone, tracker, &trackerMu)
		})
	}

	waitErr := g.Wait()
	f.Close()

	if waitErr != nil {
		if ex.isCanceled() {
			os.Remove(tempPath)
			e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusCanceled})
			tracker.emitTerminal(task.StatusCanceled)

			return
		}

		os.Remove(tempPath)
		e.emitFailed(t, task.NewException(task.ExceptionConnection, waitErr.Error(), 0))

		return
	}

	if err := platform.MoveFile(tempPath, finalPath); err != nil {
		e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))
		return
	}

	if e.resume != nil {
		_ = e.resume.DeleteResumeData(ctx, t.TaskID)
	}

	e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusComplete})
	tracker.emitTerminal(task.StatusComplete)
}

// runSingleStreamFallback runs the ordinary (non-chunked) download path for
// a task whose onTaskStart hook (if any) has already been applied, so it
// must not be applied a second time.
func (e *Engine) runSingleStreamFallback(ctx context.Context, ex *exchange, t task.Task) {
	resp, err := e.doWithRetry(ctx, t, nil, "")
	if err != nil {
		e.failDownload(t, err)
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 206:
		e.streamDownload(ctx, ex, t, resp, nil)
	case resp.StatusCode == http.StatusNotFound:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusNotFound, ResponseBody: string(body)})

		if sentinel, ok := task.ProgressSentinel(task.StatusNotFound); ok {
			e.emitProgress(task.ProgressUpdate{Task: t, Progress: sentinel})
		}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		e.emitFailed(t, task.NewException(task.ExceptionHTTPResponse, string(body), resp.StatusCode))
	}
}

// fetchChunk fetches one byte range into f at the matching offset.
func (e *Engine) fetchChunk(ctx context.Context, ex *exchange, t task.Task, f *os.File, r byteRange, bytesDone *int64, tracker *progressTracker, trackerMu *sync.Mutex) error {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", r.start, r.end)

	resp, err := e.doWithRetry(ctx, t, nil, rangeHeader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("engine: chunk %d-%d: unexpected status %d: %s", r.start, r.end, resp.StatusCode, body)
	}

	offset := r.start
	buf := make([]byte, minReadBuffer)

	for {
		if ex.isCanceled() {
			return context.Canceled
		}

		n, readErr := resp.Body.Read(buf)

		if n > 0 {
			if _, werr := f.WriteAt(buf[:n], offset); werr != nil {
				return werr
			}

			offset += int64(n)

			total := atomic.AddInt64(bytesDone, int64(n))
			ex.setBytesDone(total)

			trackerMu.Lock()
			tracker.onBytes(time.Now(), total)
			trackerMu.Unlock()
		}

		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}

			return readErr
		}
	}
}

// runParallelUpload implements task.KindMultiUpload: a binary upload body is
// split into parallelWorkerCount() byte ranges, each PUT concurrently with a
// Content-Range header identifying its place in the whole (grounded on the
// teacher's internal/graph/upload.go session-chunk shape, generalized from
// sequential chunks to concurrent ones via errgroup). A multipart upload
// body has no well-defined way to split across requests, so it always runs
// as the ordinary single-request multipart exchange.
func (e *Engine) runParallelUpload(ctx context.Context, ex *exchange) {
	t := ex.t

	if t.RequiresWiFi && platform.IsMeteredNetwork() {
		return
	}

	if !t.IsBinaryUpload() {
		e.runUpload(ctx, ex)
		return
	}

	path, err := t.ResolvedPath(e.platform)
	if err != nil {
		e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))
		return
	}

	f, err := os.Open(path)
	if err != nil {
		e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))
		return
	}

	total := info.Size()
	if total == 0 {
		e.runUpload(ctx, ex)
		return
	}

	ex.setExpectedSize(total)

	tracker := newProgressTracker(t, e.status, e.progress, total)

	var bytesDone int64

	var trackerMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelWorkerCount())

	for _, r := range splitRanges(total, e.parallelWorkerCount()) {
		r := r

		g.Go(func() error {
			return e.uploadChunk(gctx, ex, t, f, r, total, &bytesDone, tracker, &trackerMu)
		})
	}

	if err := g.Wait(); err != nil {
		if ex.isCanceled() {
			e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusCanceled})
			tracker.emitTerminal(task.StatusCanceled)

			return
		}

		e.emitFailed(t, task.NewException(task.ExceptionConnection, err.Error(), 0))

		return
	}

	e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusComplete})
	tracker.emitTerminal(task.StatusComplete)
}

// uploadChunk PUTs one byte range of f, then advances bytesDone/tracker.
func (e *Engine) uploadChunk(ctx context.Context, ex *exchange, t task.Task, f *os.File, r byteRange, total int64, bytesDone *int64, tracker *progressTracker, trackerMu *sync.Mutex) error {
	if ex.isCanceled() {
		return context.Canceled
	}

	if err := e.uploadChunkWithRetry(ctx, t, f, r, total); err != nil {
		return err
	}

	n := atomic.AddInt64(bytesDone, r.end-r.start+1)
	ex.setBytesDone(n)

	trackerMu.Lock()
	tracker.onBytes(time.Now(), n)
	trackerMu.Unlock()

	return nil
}

// uploadChunkWithRetry mirrors doUploadWithRetry's transient-failure backoff
// for one Content-Range chunk; each retry re-opens a fresh SectionReader
// since the prior attempt's reader is already exhausted.
func (e *Engine) uploadChunkWithRetry(ctx context.Context, t task.Task, f *os.File, r byteRange, total int64) error {
	size := r.end - r.start + 1

	var attempt int
	authTried := false

	for {
		section := io.NewSectionReader(f, r.start, size)

		req, err := http.NewRequestWithContext(ctx, t.HTTPMethod, t.URL, section)
		if err != nil {
			return err
		}

		for k, v := range t.Headers {
			req.Header.Set(k, v)
		}

		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.start, r.end, total))
		req.ContentLength = size

		resp, err := e.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if attempt >= maxTransientRetries {
				return fmt.Errorf("engine: chunk upload %d-%d failed after %d retries: %w", r.start, r.end, maxTransientRetries, err)
			}

			if sleepErr := e.sleepFunc(ctx, calcTransientBackoff(attempt)); sleepErr != nil {
				return sleepErr
			}

			attempt++

			continue
		}

		if resp.StatusCode == http.StatusUnauthorized && !authTried {
			authTried = true

			updated, ran, hookErr := e.applyAuthHook(ctx, t)
			resp.Body.Close()

			if ran {
				if hookErr != nil {
					return fmt.Errorf("engine: chunk upload %d-%d auth hook: %w", r.start, r.end, hookErr)
				}

				t = updated

				continue
			}

			return fmt.Errorf("engine: chunk upload %d-%d: status %d", r.start, r.end, resp.StatusCode)
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		if !isRetryableStatus(resp.StatusCode) || attempt >= maxTransientRetries {
			return fmt.Errorf("engine: chunk upload %d-%d: status %d: %s", r.start, r.end, resp.StatusCode, body)
		}

		if sleepErr := e.sleepFunc(ctx, calcTransientBackoff(attempt)); sleepErr != nil {
			return sleepErr
		}

		attempt++
	}
}
