// Package task provides a small background-job abstraction: an
// asynchronous runner, a named Task wrapper with lifecycle callbacks, and
// a Supervisor that polls task state on a fixed interval and dispatches
// the callbacks.
package task

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotStarted     = errors.New("task not started")
	ErrAlreadyStarted = errors.New("task already started")
)

// Callback receives the task's execution handle.
type Callback func(*Handle)

// Config fully describes a Task. Unknown settings do not exist: anything
// a task's work needs must be captured here at construction time.
type Config struct {
	// Name identifies the task within a Supervisor. Empty means a
	// generated unique name.
	Name string

	// Work is the asynchronous unit to run. Required.
	Work Work

	// Lifecycle callbacks; any of them may be nil.
	OnRunning   Callback
	OnCompleted Callback
	OnFailed    Callback
}

// Task is a named unit of asynchronous work with an execution handle and
// optional lifecycle callbacks.
type Task struct {
	name        string
	work        Work
	onRunning   Callback
	onCompleted Callback
	onFailed    Callback

	mu        sync.Mutex
	handle    *Handle
	startedAt time.Time
}

func New(cfg Config) *Task {
	name := cfg.Name
	if name == "" {
		name = uuid.NewString()
	}
	return &Task{
		name:        name,
		work:        cfg.Work,
		onRunning:   cfg.OnRunning,
		onCompleted: cfg.OnCompleted,
		onFailed:    cfg.OnFailed,
	}
}

func (t *Task) Name() string { return t.name }

// Start launches the task's work asynchronously and records the start
// time. A second call fails with ErrAlreadyStarted.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle != nil {
		return ErrAlreadyStarted
	}
	t.startedAt = time.Now()
	t.handle = Run(t.work)
	return nil
}

// State returns the task's execution state, or ErrNotStarted before Start.
func (t *Task) State() (State, error) {
	h := t.currentHandle()
	if h == nil {
		return "", ErrNotStarted
	}
	return h.State(), nil
}

// Uptime returns the wall-clock time since Start, or ErrNotStarted.
func (t *Task) Uptime() (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle == nil {
		return 0, ErrNotStarted
	}
	return time.Since(t.startedAt), nil
}

// Stop requests cancellation of the task's work. It is idempotent:
// stopping an unstarted, already-stopped or completed task is a no-op.
func (t *Task) Stop() {
	if h := t.currentHandle(); h != nil {
		h.Cancel()
	}
}

// Handle returns the execution handle, or nil before Start.
func (t *Task) Handle() *Handle { return t.currentHandle() }

// InvokeRunning calls the on-running callback with the task's handle.
// A missing callback, like an unstarted task, is a no-op.
func (t *Task) InvokeRunning() { t.invoke(t.onRunning) }

// InvokeCompleted calls the on-completed callback with the task's handle.
func (t *Task) InvokeCompleted() { t.invoke(t.onCompleted) }

// InvokeFailed calls the on-failed callback with the task's handle.
func (t *Task) InvokeFailed() { t.invoke(t.onFailed) }

func (t *Task) invoke(cb Callback) {
	h := t.currentHandle()
	if cb == nil || h == nil {
		return
	}
	cb(h)
}

func (t *Task) currentHandle() *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}
