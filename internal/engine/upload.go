package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

// multipartBoundary is the fixed per-process literal used to frame
// multipart/form-data upload bodies (spec.md §4.4.2). Prefixed with enough
// hyphens to be well-formed per RFC 2046.
const multipartBoundary = "----xferEngineBoundary7MA4YWxkTrZu0gW"

func (e *Engine) runUpload(ctx context.Context, ex *exchange) {
	t := ex.t

	body, contentType, contentLen, err := e.buildUploadBody(t)
	if err != nil {
		e.emitFailed(t, task.NewException(task.ExceptionFileSystem, err.Error(), 0))
		return
	}

	if closer, ok := body.(io.Closer); ok {
		defer closer.Close()
	}

	ex.setExpectedSize(contentLen)

	e.emitStatus(task.StatusUpdate{Task: t, Status: task.StatusRunning})

	resp, err := e.doUploadWithRetry(ctx, t, body, contentType, contentLen)
	if err != nil {
		e.emitFailed(t, task.NewException(task.ExceptionConnection, err.Error(), 0))
		return
	}
	defer resp.Body.Close()

	ex.setBytesDone(contentLen)

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

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

// buildUploadBody composes the request body per spec.md §4.4.2: a raw byte
// stream for binary uploads, or a multipart/form-data envelope otherwise.
func (e *Engine) buildUploadBody(t task.Task) (io.Reader, string, int64, error) {
	if t.IsBinaryUpload() {
		return e.binaryUploadBody(t)
	}

	return e.multipartUploadBody(t)
}

func (e *Engine) binaryUploadBody(t task.Task) (io.Reader, string, int64, error) {
	path, err := t.ResolvedPath(e.platform)
	if err != nil {
		return nil, "", 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, "", 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, "", 0, err
	}

	mimeType := t.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return f, mimeType, info.Size(), nil
}

func (e *Engine) multipartUploadBody(t task.Task) (io.Reader, string, int64, error) {
	var buf bytes.Buffer

	if t.Filename != "" {
		path, err := t.ResolvedPath(e.platform)
		if err != nil {
			return nil, "", 0, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", 0, err
		}

		mimeType := t.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		field := t.FileField
		if field == "" {
			field = "file"
		}

		fmt.Fprintf(&buf, "--%s\r\n", multipartBoundary)
		fmt.Fprintf(&buf, "Content-Disposition: form-data; name=%q; filename=%q\r\n", field, t.Filename)
		fmt.Fprintf(&buf, "Content-Type: %s\r\n\r\n", mimeType)
		buf.Write(data)
		buf.WriteString("\r\n")
	}

	for name, value := range t.BodyFields {
		fmt.Fprintf(&buf, "--%s\r\n", multipartBoundary)
		fmt.Fprintf(&buf, "Content-Disposition: form-data; name=%q\r\n\r\n", name)
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}

	fmt.Fprintf(&buf, "--%s--\r\n", multipartBoundary)

	contentType := "multipart/form-data; boundary=" + multipartBoundary

	return bytes.NewReader(buf.Bytes()), contentType, int64(buf.Len()), nil
}
