package callback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

func TestInvokeStartHook_RunsRegisteredHookAndReplacesTask(t *testing.T) {
	r := NewRegistry()
	r.RegisterStartHook("rewriteFilename", func(_ context.Context, tk task.Task) (task.Task, bool, error) {
		tk.Filename = "rewritten.bin"
		return tk, true, nil
	})

	got, ran, err := r.InvokeStartHook(context.Background(), "rewriteFilename", task.Task{Filename: "orig.bin"})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "rewritten.bin", got.Filename)
}

func TestInvokeStartHook_EmptyNameIsNoop(t *testing.T) {
	r := NewRegistry()

	got, ran, err := r.InvokeStartHook(context.Background(), "", task.Task{Filename: "orig.bin"})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, "orig.bin", got.Filename)
}

func TestInvokeStartHook_UnregisteredNameErrors(t *testing.T) {
	r := NewRegistry()

	_, _, err := r.InvokeStartHook(context.Background(), "missing", task.Task{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHookNotRegistered)
}

func TestInvokeAuthHook_NoReplaceKeepsOriginalTask(t *testing.T) {
	r := NewRegistry()
	r.RegisterAuthHook("refreshToken", func(_ context.Context, tk task.Task) (task.Task, bool, error) {
		return task.Task{}, false, nil
	})

	orig := task.Task{TaskID: "t1"}
	got, ran, err := r.InvokeAuthHook(context.Background(), "refreshToken", orig)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, orig, got)
}

func TestInvokeFinishedHook_CallsRegisteredHook(t *testing.T) {
	r := NewRegistry()

	var received task.StatusUpdate
	r.RegisterFinishedHook("logFinish", func(_ context.Context, u task.StatusUpdate) {
		received = u
	})

	ran := r.InvokeFinishedHook(context.Background(), "logFinish", task.StatusUpdate{Status: task.StatusComplete})
	assert.True(t, ran)
	assert.Equal(t, task.StatusComplete, received.Status)
}

func TestInvokeFinishedHook_UnregisteredNameIsNoop(t *testing.T) {
	r := NewRegistry()

	ran := r.InvokeFinishedHook(context.Background(), "missing", task.StatusUpdate{})
	assert.False(t, ran)
}
