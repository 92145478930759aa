package engine

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

// maxDataRequestBody bounds the in-memory capture of a data-request body
// (spec.md §4.4.3: "body is captured in memory into a UTF-8 decoded
// string"). 32 MiB accommodates typical API payloads without letting a
// misbehaving server exhaust memory.
const maxDataRequestBody = 32 * 1024 * 1024

func (e *Engine) runDataRequest(ctx context.Context, ex *exchange) {
	t := ex.t

	var body io.Reader

	if t.BodyBytes != nil {
		body = bytes.NewReader(t.BodyBytes)
	} else if t.BodyString != "" {
		body = strings.NewReader(t.BodyString)
	}

	resp, err := e.doWithRetry(ctx, t, body, "")
	if err != nil {
		e.emitFailed(t, task.NewException(task.ExceptionConnection, err.Error(), 0))
		return
	}
	defer resp.Body.Close()

	e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusRunning})
	e.emitProgress(task.ProgressUpdate{Task: t, Progress: 0})

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxDataRequestBody))
	if readErr != nil {
		e.emitFailed(t, task.NewException(task.ExceptionConnection, readErr.Error(), 0))
		return
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusComplete, ResponseBody: string(respBody)})

		if sentinel, ok := task.ProgressSentinel(task.StatusComplete); ok {
			e.emitProgress(task.ProgressUpdate{Task: t, Progress: sentinel})
		}
	case resp.StatusCode == http.StatusNotFound:
		e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusNotFound, ResponseBody: string(respBody)})

		if sentinel, ok := task.ProgressSentinel(task.StatusNotFound); ok {
			e.emitProgress(task.ProgressUpdate{Task: t, Progress: sentinel})
		}
	default:
		e.emitFailed(t, task.NewException(task.ExceptionHTTPResponse, string(respBody), resp.StatusCode))
	}
}
