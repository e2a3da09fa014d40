// Package logout builds the asynchronous tasks that warn, wait and then
// forcibly terminate a remote session.
package logout

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/draintools/draind/internal/directory"
	"github.com/draintools/draind/internal/task"
)

// Result describes how one logout task ended.
type Result string

const (
	ResultLoggedOff       Result = "logged_off"
	ResultLogoffFailed    Result = "logoff_failed"
	ResultSessionGone     Result = "session_gone"
	ResultIdentityChanged Result = "identity_changed"
)

// ResultHook observes the outcome of a logout task. Hooks run on the
// task's goroutine and must not block.
type ResultHook func(session directory.Session, result Result)

// FactoryConfig wires a Factory. Directory, Messenger and Terminator are
// required; OnResult may be nil.
type FactoryConfig struct {
	Directory  directory.Directory
	Messenger  directory.Messenger
	Terminator directory.Terminator

	MessageTitle string
	// MessageBody is a format string with one %s verb receiving the
	// humanized delay ("1 minute", "5 minutes").
	MessageBody string

	OnResult ResultHook
}

// Factory constructs and starts logout tasks.
type Factory struct {
	dir      directory.Directory
	msg      directory.Messenger
	term     directory.Terminator
	title    string
	body     string
	onResult ResultHook
}

func NewFactory(cfg FactoryConfig) *Factory {
	return &Factory{
		dir:      cfg.Directory,
		msg:      cfg.Messenger,
		term:     cfg.Terminator,
		title:    cfg.MessageTitle,
		body:     cfg.MessageBody,
		onResult: cfg.OnResult,
	}
}

// Schedule starts an asynchronous logout for the given session and returns
// its task immediately; it never blocks for the delay. The session's
// identity fields are captured here, by value: the running work never
// reads shared state that the caller may mutate later.
//
// The work warns the session (skipped when the delay is zero), sleeps the
// delay, then re-checks that the captured ID still belongs to the captured
// username before forcing logoff. A reused ID is left untouched.
func (f *Factory) Schedule(s directory.Session, delayMinutes int) (*task.Task, error) {
	captured := s
	delay := time.Duration(delayMinutes) * time.Minute

	t := task.New(task.Config{
		Name: fmt.Sprintf("logout-%d-%s", captured.ID, uuid.NewString()[:8]),
		Work: func(ctx context.Context) error {
			return f.run(ctx, captured, delay)
		},
	})
	if err := t.Start(); err != nil {
		return nil, err
	}
	return t, nil
}

func (f *Factory) run(ctx context.Context, s directory.Session, delay time.Duration) error {
	if delay > 0 {
		body := fmt.Sprintf(f.body, FormatMinutes(int(delay/time.Minute)))
		if err := f.msg.SendMessage(ctx, s.Host, s.ID, f.title, body); err != nil {
			// Notification is best-effort; the logout still proceeds.
			log.Printf("logout: warning for %s failed: %v", s, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	live, err := f.dir.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("re-check %s: %w", s, err)
	}

	for _, candidate := range live {
		if candidate.ID != s.ID {
			continue
		}
		if candidate.Username != s.Username {
			// The ID now belongs to someone else; terminating it would hit
			// an unrelated user.
			log.Printf("logout: %s now belongs to %q, skipping", s, candidate.Username)
			f.notify(s, ResultIdentityChanged)
			return nil
		}
		if err := f.term.ForceLogoff(ctx, s.Host, s.ID); err != nil {
			log.Printf("logout: force logoff of %s failed: %v", s, err)
			f.notify(s, ResultLogoffFailed)
			return fmt.Errorf("force logoff %s: %w", s, err)
		}
		log.Printf("logout: %s logged off", s)
		f.notify(s, ResultLoggedOff)
		return nil
	}

	f.notify(s, ResultSessionGone)
	return nil
}

func (f *Factory) notify(s directory.Session, r Result) {
	if f.onResult != nil {
		f.onResult(s, r)
	}
}

// FormatMinutes renders a minute count for the warning message: "1 minute"
// singular, "N minutes" otherwise.
func FormatMinutes(n int) string {
	if n == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", n)
}
