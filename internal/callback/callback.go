// Package callback models the bidirectional host callback channel
// (spec.md §6.1): the engine is the caller, the host is the responder.
package callback

import (
	"context"
	"fmt"
	"sync"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

// HostChannel is the method-invocation surface the engine drives. A call
// returning an error causes the caller (UpdatePipeline) to fall back to
// DurableStore; the next successful invocation triggers replay.
type HostChannel interface {
	StatusUpdate(ctx context.Context, u task.StatusUpdate) error
	ProgressUpdate(ctx context.Context, u task.ProgressUpdate) error
	CanResume(ctx context.Context, t task.Task, resumable bool) error
	ResumeDataUpdate(ctx context.Context, t task.Task, base64Data string, requiredStartByte int64) error
}

// StartHookFunc and friends are registered by name rather than held as raw
// function-pointer handles: the original stores numeric handles for these
// top-level callbacks so they survive serialization across a process
// boundary; Go has no equivalent need, so a name keyed registry fills the
// same "stable opaque reference, explicit registration at startup" role.
type (
	StartHookFunc    func(ctx context.Context, t task.Task) (task.Task, bool, error)
	FinishedHookFunc func(ctx context.Context, u task.StatusUpdate)
	AuthHookFunc     func(ctx context.Context, t task.Task) (task.Task, bool, error)
)

// CallbackRegistry holds the three optional host callbacks
// (onTaskStartCallback, onTaskFinishedCallback, onAuthCallback) under
// caller-chosen names, so they can be registered once at startup and
// looked up by name wherever a Task carries one.
type CallbackRegistry struct {
	mu       sync.RWMutex
	onStart  map[string]StartHookFunc
	onFinish map[string]FinishedHookFunc
	onAuth   map[string]AuthHookFunc
}

// NewRegistry returns an empty CallbackRegistry.
func NewRegistry() *CallbackRegistry {
	return &CallbackRegistry{
		onStart:  make(map[string]StartHookFunc),
		onFinish: make(map[string]FinishedHookFunc),
		onAuth:   make(map[string]AuthHookFunc),
	}
}

// RegisterStartHook makes fn callable by name from a task's StartHookName.
func (r *CallbackRegistry) RegisterStartHook(name string, fn StartHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onStart[name] = fn
}

// RegisterFinishedHook makes fn callable by name from a task's FinishedHookName.
func (r *CallbackRegistry) RegisterFinishedHook(name string, fn FinishedHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onFinish[name] = fn
}

// RegisterAuthHook makes fn callable by name from a task's AuthHookName.
func (r *CallbackRegistry) RegisterAuthHook(name string, fn AuthHookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onAuth[name] = fn
}

// StartHook looks up a registered onTaskStartCallback by name. ok is false
// when name is empty or unregistered, in which case the caller should
// proceed without invoking a hook.
func (r *CallbackRegistry) StartHook(name string) (StartHookFunc, bool) {
	if name == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.onStart[name]

	return fn, ok
}

// FinishedHook looks up a registered onTaskFinishedCallback by name.
func (r *CallbackRegistry) FinishedHook(name string) (FinishedHookFunc, bool) {
	if name == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.onFinish[name]

	return fn, ok
}

// AuthHook looks up a registered onAuthCallback by name.
func (r *CallbackRegistry) AuthHook(name string) (AuthHookFunc, bool) {
	if name == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.onAuth[name]

	return fn, ok
}

// ErrHookNotRegistered is returned by InvokeStartHook/InvokeAuthHook when a
// task names a hook that was never registered.
var ErrHookNotRegistered = fmt.Errorf("callback: hook not registered")

// InvokeStartHook resolves and calls the onTaskStartCallback named by t, if
// any. ran is false when t names no hook.
func (r *CallbackRegistry) InvokeStartHook(ctx context.Context, name string, t task.Task) (updated task.Task, ran bool, err error) {
	fn, ok := r.StartHook(name)
	if !ok {
		if name != "" {
			return t, false, fmt.Errorf("%w: %s", ErrHookNotRegistered, name)
		}

		return t, false, nil
	}

	updated, replaced, err := fn(ctx, t)
	if err != nil {
		return t, true, err
	}

	if !replaced {
		return t, true, nil
	}

	return updated, true, nil
}

// InvokeAuthHook resolves and calls the onAuthCallback named by t, if any.
func (r *CallbackRegistry) InvokeAuthHook(ctx context.Context, name string, t task.Task) (updated task.Task, ran bool, err error) {
	fn, ok := r.AuthHook(name)
	if !ok {
		if name != "" {
			return t, false, fmt.Errorf("%w: %s", ErrHookNotRegistered, name)
		}

		return t, false, nil
	}

	updated, replaced, err := fn(ctx, t)
	if err != nil {
		return t, true, err
	}

	if !replaced {
		return t, true, nil
	}

	return updated, true, nil
}

// InvokeFinishedHook resolves and calls the onTaskFinishedCallback named by
// u.Task, if any. Finished hooks have no return value to merge back.
func (r *CallbackRegistry) InvokeFinishedHook(ctx context.Context, name string, u task.StatusUpdate) bool {
	fn, ok := r.FinishedHook(name)
	if !ok {
		return false
	}

	fn(ctx, u)

	return true
}
