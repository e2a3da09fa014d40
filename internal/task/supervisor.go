package task

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

const (
	defaultTickInterval = 500 * time.Millisecond
	defaultTaskTimeout  = 60 * time.Minute
)

// ErrDuplicateTask is returned by Add when a task with the same name is
// already managed. Use Replace for an explicit stop-then-replace.
var ErrDuplicateTask = errors.New("task name already managed")

// SupervisorConfig holds the Supervisor's timing constants.
type SupervisorConfig struct {
	// TickInterval between state polls. Default 500ms.
	TickInterval time.Duration
	// TaskTimeout is the uptime ceiling; tasks past it are stopped on the
	// next tick. Default 60 minutes.
	TaskTimeout time.Duration
}

// Supervisor owns a set of Tasks keyed by name. On every tick it reads
// each task's state and dispatches the matching lifecycle callback, and
// stops tasks whose uptime exceeds the timeout ceiling. The supervisor
// never transitions task state itself; it only observes.
type Supervisor struct {
	interval time.Duration
	timeout  time.Duration

	mu    sync.Mutex
	tasks map[string]*Task
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	return &Supervisor{
		interval: cfg.TickInterval,
		timeout:  cfg.TaskTimeout,
		tasks:    make(map[string]*Task),
	}
}

// Start launches the tick loop on its own goroutine. It returns
// immediately and runs until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

// Add inserts a task into the managed set. Adding a name that is already
// managed fails with ErrDuplicateTask rather than silently replacing a
// possibly-running task.
func (s *Supervisor) Add(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.Name()]; exists {
		return ErrDuplicateTask
	}
	s.tasks[t.Name()] = t
	return nil
}

// Replace stops any task managed under the same name and inserts t in its
// place.
func (s *Supervisor) Replace(t *Task) {
	s.mu.Lock()
	old := s.tasks[t.Name()]
	s.tasks[t.Name()] = t
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

// Remove stops the named task and drops it from the managed set. Unknown
// names are a no-op.
func (s *Supervisor) Remove(name string) {
	s.mu.Lock()
	t := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Len returns the number of managed tasks.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Tick runs one supervision pass: the timeout sweep followed by per-task
// callback dispatch. Exposed so tests can drive the supervisor without
// waiting on the ticker.
func (s *Supervisor) Tick() {
	s.mu.Lock()
	snapshot := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		snapshot = append(snapshot, t)
	}
	s.mu.Unlock()

	for _, t := range snapshot {
		if uptime, err := t.Uptime(); err == nil && uptime > s.timeout {
			log.Printf("supervisor: task %q exceeded %s uptime, stopping", t.Name(), s.timeout)
			t.Stop()
		}
		s.dispatch(t)
	}
}

// dispatch reads one task's state and invokes the matching callback. A
// panicking callback is contained here so one task cannot poison the tick
// for the others.
func (s *Supervisor) dispatch(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("supervisor: callback panic in task %q: %v", t.Name(), r)
		}
	}()

	state, err := t.State()
	if err != nil {
		return
	}
	switch state {
	case StateRunning:
		t.InvokeRunning()
	case StateCompleted:
		t.InvokeCompleted()
	case StateFailed:
		t.InvokeFailed()
	}
}
