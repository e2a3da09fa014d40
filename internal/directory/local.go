package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
)

const killGrace = 2 * time.Second

// LocalProvider backs the session primitives with the local host: sessions
// come from the utmp login records, warnings are written to the session's
// terminal, and logoff terminates the session-leader process.
//
// The session ID handed out is the PID of the oldest process attached to
// the login's terminal. PIDs are reused by the kernel, which is exactly the
// ID-reuse hazard the reconciler's identity checks defend against.
type LocalProvider struct{}

func NewLocalProvider() *LocalProvider { return &LocalProvider{} }

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) ListSessions(ctx context.Context) ([]Session, error) {
	users, err := host.UsersWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	leaders, err := terminalLeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var sessions []Session
	for _, u := range users {
		term := normalizeTerminal(u.Terminal)
		if term == "" {
			continue
		}
		leader, ok := leaders[term]
		if !ok {
			// Login record with no surviving process: nothing to warn or
			// terminate, so it is not a session we can act on.
			continue
		}
		state := StateActive
		if _, err := os.Stat(filepath.Join("/dev", term)); err != nil {
			state = StateDisconnected
		}
		remote := strings.TrimSpace(u.Host)
		if remote == "" {
			remote = "localhost"
		}
		sessions = append(sessions, Session{
			ID:       leader,
			Username: u.User,
			Host:     remote,
			State:    state,
		})
	}
	return sessions, nil
}

func (p *LocalProvider) SendMessage(ctx context.Context, _ string, sessionID int, title, body string) error {
	proc, err := process.NewProcessWithContext(ctx, int32(sessionID))
	if err != nil {
		return fmt.Errorf("resolve session %d: %w", sessionID, err)
	}
	term, err := proc.TerminalWithContext(ctx)
	if err != nil || normalizeTerminal(term) == "" {
		return fmt.Errorf("session %d has no terminal", sessionID)
	}

	tty, err := os.OpenFile(filepath.Join("/dev", normalizeTerminal(term)), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open terminal for session %d: %w", sessionID, err)
	}
	defer tty.Close()

	banner := fmt.Sprintf("\r\n*** %s ***\r\n%s\r\n", title, body)
	if _, err := tty.WriteString(banner); err != nil {
		return fmt.Errorf("write warning to session %d: %w", sessionID, err)
	}
	return nil
}

func (p *LocalProvider) ForceLogoff(ctx context.Context, _ string, sessionID int) error {
	proc, err := process.NewProcessWithContext(ctx, int32(sessionID))
	if err != nil {
		// Already gone; the point of the call is achieved.
		return nil
	}
	if err := proc.TerminateWithContext(ctx); err != nil {
		return fmt.Errorf("terminate session %d: %w", sessionID, err)
	}

	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		running, err := proc.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if err := proc.KillWithContext(ctx); err != nil {
		return fmt.Errorf("kill session %d: %w", sessionID, err)
	}
	return nil
}

// terminalLeaders maps each terminal to the PID of its oldest attached
// process, which for a login session is the session leader (shell or sshd
// child).
func terminalLeaders(ctx context.Context) (map[string]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	leaders := make(map[string]int)
	starts := make(map[string]int64)
	for _, proc := range procs {
		term, err := proc.TerminalWithContext(ctx)
		if err != nil {
			continue
		}
		term = normalizeTerminal(term)
		if term == "" {
			continue
		}
		created, err := proc.CreateTimeWithContext(ctx)
		if err != nil {
			continue
		}
		if prev, ok := starts[term]; !ok || created < prev {
			starts[term] = created
			leaders[term] = int(proc.Pid)
		}
	}
	return leaders, nil
}

func normalizeTerminal(term string) string {
	return strings.TrimPrefix(strings.TrimSpace(term), "/dev/")
}
