package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

// newAckingServer starts a WebSocket server that immediately acks every
// frame it receives, optionally rejecting frames whose kind matches
// rejectKind with a non-empty error body.
func newAckingServer(t *testing.T, rejectKind frameKind) *httptest.Server {
	t.Helper()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := context.Background()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}

			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}

			var ackBody []byte
			if f.Kind == rejectKind {
				ackBody, _ = json.Marshal("rejected by test server")
			} else {
				ackBody, _ = json.Marshal("")
			}

			reply := frame{Kind: frameAck, SeqID: f.SeqID, Body: ackBody}
			replyData, _ := json.Marshal(reply)

			if err := conn.Write(ctx, websocket.MessageText, replyData); err != nil {
				return
			}
		}
	}))

	t.Cleanup(srv.Close)

	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestStatusUpdate_DeliversAndAcks(t *testing.T) {
	srv := newAckingServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := Dial(ctx, wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer b.Close()

	err = b.StatusUpdate(ctx, task.StatusUpdate{Task: task.Task{TaskID: "t1"}, Status: task.StatusRunning})
	assert.NoError(t, err)
}

func TestProgressUpdate_HostRejectionReturnsError(t *testing.T) {
	srv := newAckingServer(t, frameProgressUpdate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := Dial(ctx, wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer b.Close()

	err = b.ProgressUpdate(ctx, task.ProgressUpdate{Task: task.Task{TaskID: "t2"}, Progress: 0.5})
	assert.Error(t, err)
}

func TestCanResume_DeliversAndAcks(t *testing.T) {
	srv := newAckingServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := Dial(ctx, wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer b.Close()

	assert.NoError(t, b.CanResume(ctx, task.Task{TaskID: "t3"}, true))
}

func TestResumeDataUpdate_DeliversAndAcks(t *testing.T) {
	srv := newAckingServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := Dial(ctx, wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer b.Close()

	assert.NoError(t, b.ResumeDataUpdate(ctx, task.Task{TaskID: "t4"}, "ZGF0YQ==", 128))
}

func TestCall_TimesOutWhenServerNeverAcks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// Read but never ack, to force the caller's ack-wait to time out.
		conn.Read(context.Background())
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := Dial(ctx, wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer b.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer callCancel()

	err = b.StatusUpdate(callCtx, task.StatusUpdate{Task: task.Task{TaskID: "t5"}, Status: task.StatusRunning})
	assert.Error(t, err)
}
