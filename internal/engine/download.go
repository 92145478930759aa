package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tonimelisma/xfer-engine/internal/platform"
	"github.com/tonimelisma/xfer-engine/internal/task"
)

// knownContentLengthHeader is a custom header callers may set when the
// server does not report Content-Length or Content-Range (spec.md §4.4.1
// step 6).
const knownContentLengthHeader = "Known-Content-Length"

func (e *Engine) runDownload(ctx context.Context, ex *exchange) {
	t := ex.t

	if t.RequiresWiFi && platform.IsMeteredNetwork() {
		// Not started; the Scheduler re-admits the task on the next
		// connectivity event (spec.md §4.4.1 step 1). No status transition
		// fires since the task never left Enqueued.
		return
	}

	var resumeFrom *task.ResumeData

	if e.resume != nil {
		if rd, ok, err := e.resume.GetResumeData(ctx, t.TaskID); err == nil && ok {
			resumeFrom = &rd
		}
	}

	resp, finalTask, err := e.openDownloadResponse(ctx, t, resumeFrom)
	if err != nil {
		e.failDownload(t, err)
		return
	}
	defer resp.Body.Close()

	t = finalTask

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 206:
	case resp.StatusCode == http.StatusNotFound:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusNotFound, ResponseBody: string(body)})

		if sentinel, ok := task.ProgressSentinel(task.StatusNotFound); ok {
			e.emitProgress(task.ProgressUpdate{Task: t, Progress: sentinel})
		}

		return
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		exc := task.NewException(task.ExceptionHTTPResponse, string(body), resp.StatusCode)
		e.emitFailed(t, exc)

		return
	}

	e.streamDownload(ctx, ex, t, resp, resumeFrom)
}

// openDownloadResponse composes the request, opens the response, and
// applies the onTaskStart hook restart (spec.md §4.4.1 steps 2-4). When
// resumeFrom is non-nil, start = taskRangeStart + requiredStartByte is used
// to compose the Range header.
func (e *Engine) openDownloadResponse(ctx context.Context, t task.Task, resumeFrom *task.ResumeData) (*http.Response, task.Task, error) {
	if e.onStart != nil {
		modified, err := e.onStart(ctx, t)
		if err != nil {
			return nil, t, fmt.Errorf("engine: onTaskStart hook: %w", err)
		}

		t = modified
	}

	var rangeHeader string

	if resumeFrom != nil {
		rangeHeader = fmt.Sprintf("bytes=%d-", t.RangeStart+resumeFrom.RequiredStartByte)
	}

	resp, err := e.doWithRetry(ctx, t, nil, rangeHeader)
	if err != nil {
		return nil, t, err
	}

	return resp, t, nil
}

// doWithRetry executes the task's HTTP exchange, retrying transient
// network/5xx/429 failures with backoff+jitter (grounded on the teacher's
// graph/client.go doRetry loop), honoring Retry-After on 429.
func (e *Engine) doWithRetry(ctx context.Context, t task.Task, body io.Reader, rangeHeader string) (*http.Response, error) {
	var attempt int
	authTried := false

	for {
		req, err := e.buildRequest(ctx, t, body, rangeHeader)
		if err != nil {
			return nil, err
		}

		resp, err := e.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			if attempt >= maxTransientRetries {
				return nil, fmt.Errorf("engine: request failed after %d retries: %w", maxTransientRetries, err)
			}

			if sleepErr := e.sleepFunc(ctx, calcTransientBackoff(attempt)); sleepErr != nil {
				return nil, sleepErr
			}

			attempt++

			continue
		}

		if resp.StatusCode == http.StatusUnauthorized && !authTried {
			authTried = true

			updated, ran, hookErr := e.applyAuthHook(ctx, t)
			if ran {
				resp.Body.Close()

				if hookErr != nil {
					return nil, fmt.Errorf("engine: auth hook: %w", hookErr)
				}

				t = updated

				continue
			}
		}

		if !isRetryableStatus(resp.StatusCode) || attempt >= maxTransientRetries {
			return resp, nil
		}

		backoff := calcTransientBackoff(attempt)
		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, convErr := strconv.Atoi(ra); convErr == nil && secs > 0 {
					backoff = time.Duration(secs) * time.Second
				}
			}
		}

		resp.Body.Close()

		if sleepErr := e.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, sleepErr
		}

		attempt++
	}
}

// doUploadWithRetry mirrors doWithRetry for upload bodies, with
// contentType/contentLen applied: a 401 gets one auth-hook retry, and a
// 5xx/429 response is retried with the same backoff (Retry-After honored on
// 429) up to maxTransientRetries times. Both retries happen only when body
// is an io.Seeker that rewinds to the start. A transport error is returned
// without a retry, so uploads that fail mid-stream are reported Failed
// (spec.md §4.4.2 does not define an upload resume path).
func (e *Engine) doUploadWithRetry(ctx context.Context, t task.Task, body io.Reader, contentType string, contentLen int64) (*http.Response, error) {
	return e.doUploadWithAuthRetry(ctx, t, body, contentType, contentLen, false, 0)
}

func (e *Engine) doUploadWithAuthRetry(ctx context.Context, t task.Task, body io.Reader, contentType string, contentLen int64, authTried bool, attempt int) (*http.Response, error) {
	req, err := e.buildRequest(ctx, t, body, "")
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", contentType)

	if contentLen >= 0 {
		req.ContentLength = contentLen
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && !authTried {
		updated, ran, hookErr := e.applyAuthHook(ctx, t)
		if ran {
			resp.Body.Close()

			if hookErr != nil {
				return nil, fmt.Errorf("engine: auth hook: %w", hookErr)
			}

			if seeker, ok := body.(io.Seeker); ok {
				if _, serr := seeker.Seek(0, io.SeekStart); serr == nil {
					return e.doUploadWithAuthRetry(ctx, updated, body, contentType, contentLen, true, attempt)
				}
			}

			return resp, nil
		}
	}

	if isRetryableStatus(resp.StatusCode) && attempt < maxTransientRetries {
		resp.Body.Close()

		backoff := calcTransientBackoff(attempt)
		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, convErr := strconv.Atoi(ra); convErr == nil && secs > 0 {
					backoff = time.Duration(secs) * time.Second
				}
			}
		}

		if sleepErr := e.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, sleepErr
		}

		if seeker, ok := body.(io.Seeker); ok {
			if _, serr := seeker.Seek(0, io.SeekStart); serr == nil {
				return e.doUploadWithAuthRetry(ctx, t, body, contentType, contentLen, authTried, attempt+1)
			}
		}

		return resp, nil
	}

	return resp, nil
}

func (e *Engine) buildRequest(ctx context.Context, t task.Task, body io.Reader, rangeHeader string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, t.HTTPMethod, t.URL, body)
	if err != nil {
		return nil, fmt.Errorf("engine: building request: %w", err)
	}

	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	if len(t.QueryParams) > 0 {
		q := req.URL.Query()
		for k, v := range t.QueryParams {
			q.Set(k, v)
		}

		req.URL.RawQuery = q.Encode()
	}

	return req, nil
}

// streamDownload implements spec.md §4.4.1 steps 5-11.
func (e *Engine) streamDownload(ctx context.Context, ex *exchange, t task.Task, resp *http.Response, resumeFrom *task.ResumeData) {
	finalPath, tempPath, err := e.resolveDownloadPaths(t, resp)
	if err != nil {
		e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))
		return
	}

	expectedSize := contentLength(resp)
	ex.setExpectedSize(expectedSize)

	if e.cfg.CheckAvailableSpaceBytes > 0 && expectedSize > 0 {
		if err := e.checkDiskSpace(ex, filepath.Dir(tempPath), expectedSize); err != nil {
			e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))
			return
		}
	}

	resuming := resp.StatusCode == http.StatusPartialContent

	if resuming && resumeFrom != nil {
		if !etagsMatch(resumeFrom.ETag, resp.Header.Get("ETag"), e.cfg.AllowWeakETag) {
			os.Remove(tempPath)
			e.emitFailed(t, task.NewException(task.ExceptionResume, "ETag no longer matches; resume is not possible", 0))

			return
		}
	}

	f, startByte, err := e.openTempFile(tempPath, t, resp, resuming)
	if err != nil {
		var resumeErr *resumeImpossibleError
		if errors.As(err, &resumeErr) {
			e.emitFailed(t, task.NewException(task.ExceptionResume, err.Error(), 0))
			return
		}

		e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))

		return
	}
	defer f.Close()

	tracker := newProgressTracker(t, e.status, e.progress, expectedSize)

	bytesTotal := startByte
	buf := make([]byte, minReadBuffer)

	emitCanceled := func() {
		f.Close()
		os.Remove(tempPath)
		e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusCanceled})
		tracker.emitTerminal(task.StatusCanceled)
	}

	for {
		if ex.isCanceled() {
			emitCanceled()
			return
		}

		n, readErr := resp.Body.Read(buf)

		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				e.emitFailed(t, task.NewException(task.ExceptionFileSystem, werr.Error(), 0))
				return
			}

			bytesTotal += int64(n)
			ex.setBytesDone(bytesTotal)
			tracker.onBytes(time.Now(), bytesTotal)
		}

		if ex.isPauseRequested() {
			if t.AllowPause && acceptsRanges(resp.Header.Get("Accept-Ranges")) {
				e.pauseDownload(ctx, t, tempPath, bytesTotal, resp.Header.Get("ETag"))
				tracker.emitTerminal(task.StatusPaused)

				return
			}

			e.emitFailed(t, task.NewException(task.ExceptionGeneral, "pause requested but task is not resumable", 0))

			return
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}

			if ex.isCanceled() {
				emitCanceled()
				return
			}

			e.failMidTransfer(ctx, t, tempPath, bytesTotal, resp.Header.Get("ETag"), resp.Header.Get("Accept-Ranges"), readErr)

			return
		}
	}

	if err := f.Close(); err != nil {
		e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))
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

// resumeImpossibleError marks a failure in the resume preflight check
// (spec.md §4.4.1 step 9) as distinct from an ordinary filesystem error.
type resumeImpossibleError struct{ reason string }

func (e *resumeImpossibleError) Error() string { return e.reason }

// openTempFile opens (or creates) the temp file for a download, applying the
// resume preflight when resp is a 206 (spec.md §4.4.1 steps 8-9).
func (e *Engine) openTempFile(tempPath string, t task.Task, resp *http.Response, resuming bool) (*os.File, int64, error) {
	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil { //nolint:mnd
		return nil, 0, err
	}

	if !resuming {
		f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:mnd
		return f, 0, err
	}

	cr, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return nil, 0, &resumeImpossibleError{reason: err.Error()}
	}

	info, statErr := os.Stat(tempPath)
	if statErr != nil {
		return nil, 0, &resumeImpossibleError{reason: "resume requested but temp file is missing"}
	}

	requiredStart := cr.Start - t.RangeStart
	if requiredStart < 0 || requiredStart > info.Size() {
		return nil, 0, &resumeImpossibleError{reason: fmt.Sprintf("temp file too short to resume at offset %d", requiredStart)}
	}

	f, err := os.OpenFile(tempPath, os.O_WRONLY, 0o644) //nolint:mnd
	if err != nil {
		return nil, 0, err
	}

	if err := f.Truncate(requiredStart); err != nil {
		f.Close()
		return nil, 0, err
	}

	if _, err := f.Seek(requiredStart, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, err
	}

	return f, requiredStart, nil
}

// resumeThresholdBytes is the "bytesTotal > 1 MiB" gate from spec.md §4.4.5.
const resumeThresholdBytes = 1024 * 1024

// failMidTransfer implements spec.md §4.4.5: persist ResumeData when the
// stream is large enough and the server declared range support; otherwise
// delete the temp file. Failed is emitted either way.
func (e *Engine) failMidTransfer(ctx context.Context, t task.Task, tempPath string, bytesTotal int64, etag, acceptRanges string, cause error) {
	if bytesTotal > resumeThresholdBytes && acceptsRanges(acceptRanges) && e.resume != nil {
		rd := task.ResumeData{Task: t, TempFilePath: tempPath, RequiredStartByte: bytesTotal, ETag: etag}
		if err := e.resume.SaveResumeData(ctx, rd); err != nil {
			e.logger.Warn("engine: failed to persist resume data", "task_id", t.TaskID, "error", err.Error())
		}
	} else {
		os.Remove(tempPath)
	}

	e.emitFailed(t, task.NewException(task.ExceptionConnection, cause.Error(), 0))
}

func (e *Engine) pauseDownload(ctx context.Context, t task.Task, tempPath string, bytesTotal int64, etag string) {
	if e.resume != nil {
		rd := task.ResumeData{Task: t, TempFilePath: tempPath, RequiredStartByte: bytesTotal, ETag: etag}
		if err := e.resume.SaveResumeData(ctx, rd); err != nil {
			e.logger.Warn("engine: failed to persist resume data on pause", "task_id", t.TaskID, "error", err.Error())
		}
	}

	e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusPaused})
}

func (e *Engine) failDownload(t task.Task, err error) {
	e.emitFailed(t, task.NewException(task.ExceptionConnection, err.Error(), 0))
}

// resolveDownloadPaths determines the final destination path and a sibling
// temp-file path, deriving the filename from the response when the task
// requested it (spec.md §4.4.1 step 5).
func (e *Engine) resolveDownloadPaths(t task.Task, resp *http.Response) (finalPath, tempPath string, err error) {
	if t.HasUnknownFilename() {
		t.Filename = deriveFilename(resp, t.URL)
	}

	finalPath, err = t.ResolvedPath(e.platform)
	if err != nil {
		return "", "", err
	}

	if t.UniqueFilename {
		finalPath, err = uniquifyFilename(finalPath)
		if err != nil {
			return "", "", err
		}
	}

	tempBase, tempErr := e.platform.BasePath(task.BaseTemporary)
	if tempErr != nil {
		tempBase = filepath.Dir(finalPath)
	}

	tempPath = filepath.Join(tempBase, t.TaskID+".part")

	return finalPath, tempPath, nil
}

func (e *Engine) checkDiskSpace(ex *exchange, dir string, expectedSize int64) error {
	available, err := platform.SpaceAvailable(dir)
	if err != nil {
		// Unsupported platform or unreadable volume: skip the check rather
		// than fail tasks spuriously.
		return nil
	}

	inFlightRemaining := e.sumOtherRemainingBytes(ex)

	if available < uint64(expectedSize)+inFlightRemaining+e.cfg.CheckAvailableSpaceBytes {
		return fmt.Errorf("engine: insufficient disk space: %d available, need %d for this task plus %d in-flight plus %d threshold",
			available, expectedSize, inFlightRemaining, e.cfg.CheckAvailableSpaceBytes)
	}

	return nil
}

// sumOtherRemainingBytes totals the remaining bytes of every in-flight
// exchange besides except, implementing spec.md §5's global
// remainingBytesToDownload accounting.
func (e *Engine) sumOtherRemainingBytes(except *exchange) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var total uint64

	for _, other := range e.inFlight {
		if other == except {
			continue
		}

		total += other.remainingBytes()
	}

	return total
}

func contentLength(resp *http.Response) int64 {
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if parsed, err := parseContentRange(cr); err == nil && parsed.Total > 0 {
			return parsed.Total
		}
	}

	if known := resp.Header.Get(knownContentLengthHeader); known != "" {
		if n, err := strconv.ParseInt(known, 10, 64); err == nil {
			return n
		}
	}

	return -1
}

