package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of an asynchronously running unit of work.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// Terminal reports whether a state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStopped:
		return true
	default:
		return false
	}
}

// Work is one unit of asynchronous work. Implementations must honor ctx at
// every blocking point; cancellation is delivered through it.
type Work func(ctx context.Context) error

// Handle tracks one unit of work launched by Run. It is safe for
// concurrent use.
type Handle struct {
	mu      sync.Mutex
	state   State
	started time.Time
	err     error

	cancel context.CancelFunc
	done   chan struct{}
}

// Run launches work on its own goroutine under a cancellable context and
// returns a handle for observing and cancelling it.
func Run(work Work) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		state:   StatePending,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(h.done)

		h.mu.Lock()
		if h.state.Terminal() {
			// Cancelled before the goroutine was scheduled.
			h.mu.Unlock()
			return
		}
		h.state = StateRunning
		h.mu.Unlock()

		err := work(ctx)

		h.mu.Lock()
		defer h.mu.Unlock()
		if h.state.Terminal() {
			return
		}
		switch {
		case errors.Is(err, context.Canceled):
			h.state = StateStopped
		case err != nil:
			h.state = StateFailed
			h.err = err
		default:
			h.state = StateCompleted
		}
	}()

	return h
}

// State returns the current execution state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Elapsed returns the wall-clock time since the work was launched.
func (h *Handle) Elapsed() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.started)
}

// Err returns the failure recorded for the work, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel requests cancellation and marks the handle stopped without
// waiting for the work to acknowledge. The goroutine unwinds through its
// context; a work function that ignores its context keeps no claim on the
// handle, which already reads as stopped.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if !h.state.Terminal() {
		h.state = StateStopped
	}
	h.mu.Unlock()
	h.cancel()
}

// Done is closed once the work goroutine has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
