// Package wsbridge implements the host callback channel (spec.md §6.1) over
// a single WebSocket connection, one JSON frame per text message. It is
// one possible transport for callback.HostChannel; an in-process host can
// implement the interface directly instead.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

// frameKind tags each JSON frame sent over the connection so a single
// stream can carry all four required method invocations.
type frameKind string

const (
	frameStatusUpdate   frameKind = "statusUpdate"
	frameProgressUpdate frameKind = "progressUpdate"
	frameCanResume      frameKind = "canResume"
	frameResumeData     frameKind = "resumeData"
	frameAck            frameKind = "ack"
)

// frame is the wire envelope for every message exchanged with the host.
type frame struct {
	Kind  frameKind       `json:"kind"`
	SeqID uint64          `json:"seqId"`
	Body  json.RawMessage `json:"body,omitempty"`
}

type canResumeBody struct {
	Task      task.Task `json:"task"`
	Resumable bool      `json:"resumable"`
}

type resumeDataBody struct {
	Task              task.Task `json:"task"`
	Base64Data        string    `json:"base64Data"`
	RequiredStartByte int64     `json:"requiredStartByte"`
}

// ackTimeout bounds how long a call waits for the host's ack before
// treating the channel as unreachable.
const ackTimeout = 5 * time.Second

// Bridge implements callback.HostChannel over a *websocket.Conn. Every
// call blocks for an ack frame carrying the same seqId, or returns an
// error once ackTimeout elapses.
type Bridge struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	logger  *slog.Logger
	nextSeq uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan error
}

// New wraps an already-established WebSocket connection (see Accept/Dial).
func New(conn *websocket.Conn, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan error),
	}

	go b.readLoop()

	return b
}

// Accept upgrades an inbound HTTP request to a WebSocket and returns a
// ready-to-use Bridge. The caller owns w/r lifecycle as usual for an
// http.Handler.
func Accept(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*Bridge, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: accept: %w", err)
	}

	return New(conn, logger), nil
}

// Dial connects to a host-side WebSocket listener at url.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Bridge, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial: %w", err)
	}

	return New(conn, logger), nil
}

// Close tears down the underlying connection.
func (b *Bridge) Close() error {
	return b.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (b *Bridge) readLoop() {
	ctx := context.Background()

	for {
		_, data, err := b.conn.Read(ctx)
		if err != nil {
			b.failAllPending(fmt.Errorf("wsbridge: connection closed: %w", err))
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Warn("wsbridge: malformed frame", "error", err)
			continue
		}

		if f.Kind != frameAck {
			// This process never receives onTaskStartCallback/onAuthCallback
			// invocations over the wire; it only calls out. Unrecognized
			// inbound kinds are logged and dropped.
			b.logger.Warn("wsbridge: unexpected inbound frame kind", "kind", f.Kind)
			continue
		}

		b.resolvePending(f.SeqID, f.Body)
	}
}

func (b *Bridge) resolvePending(seqID uint64, body json.RawMessage) {
	b.pendingMu.Lock()
	ch, ok := b.pending[seqID]
	if ok {
		delete(b.pending, seqID)
	}
	b.pendingMu.Unlock()

	if !ok {
		return
	}

	var ackErr string
	if len(body) > 0 {
		_ = json.Unmarshal(body, &ackErr)
	}

	if ackErr != "" {
		ch <- fmt.Errorf("wsbridge: host reported error: %s", ackErr)
	} else {
		ch <- nil
	}
}

func (b *Bridge) failAllPending(err error) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	for seqID, ch := range b.pending {
		ch <- err
		delete(b.pending, seqID)
	}
}

func (b *Bridge) call(ctx context.Context, kind frameKind, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("wsbridge: marshal %s: %w", kind, err)
	}

	b.mu.Lock()
	b.nextSeq++
	seqID := b.nextSeq
	b.mu.Unlock()

	ch := make(chan error, 1)

	b.pendingMu.Lock()
	b.pending[seqID] = ch
	b.pendingMu.Unlock()

	f := frame{Kind: kind, SeqID: seqID, Body: payload}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("wsbridge: marshal frame: %w", err)
	}

	if err := b.conn.Write(ctx, websocket.MessageText, data); err != nil {
		b.pendingMu.Lock()
		delete(b.pending, seqID)
		b.pendingMu.Unlock()

		return fmt.Errorf("wsbridge: write: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	select {
	case err := <-ch:
		return err
	case <-timeoutCtx.Done():
		b.pendingMu.Lock()
		delete(b.pending, seqID)
		b.pendingMu.Unlock()

		return fmt.Errorf("wsbridge: %s: %w", kind, timeoutCtx.Err())
	}
}

// StatusUpdate implements callback.HostChannel.
func (b *Bridge) StatusUpdate(ctx context.Context, u task.StatusUpdate) error {
	return b.call(ctx, frameStatusUpdate, u)
}

// ProgressUpdate implements callback.HostChannel.
func (b *Bridge) ProgressUpdate(ctx context.Context, u task.ProgressUpdate) error {
	return b.call(ctx, frameProgressUpdate, u)
}

// CanResume implements callback.HostChannel.
func (b *Bridge) CanResume(ctx context.Context, t task.Task, resumable bool) error {
	return b.call(ctx, frameCanResume, canResumeBody{Task: t, Resumable: resumable})
}

// ResumeDataUpdate implements callback.HostChannel.
func (b *Bridge) ResumeDataUpdate(ctx context.Context, t task.Task, base64Data string, requiredStartByte int64) error {
	return b.call(ctx, frameResumeData, resumeDataBody{
		Task:              t,
		Base64Data:        base64Data,
		RequiredStartByte: requiredStartByte,
	})
}
