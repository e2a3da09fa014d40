package directory

import (
	"context"
	"errors"
	"fmt"
)

// State describes the connectivity of a remote session.
type State string

const (
	StateActive       State = "active"
	StateDisconnected State = "disconnected"
)

// ErrUnavailable marks a transient failure to enumerate sessions. Callers
// skip the current pass and retry on their next interval.
var ErrUnavailable = errors.New("session directory unavailable")

// Session is one live remote login as reported by the directory. ID is the
// session identity, but only while the session is live: the directory may
// hand the same ID to an unrelated session after the original logs out.
type Session struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Host     string `json:"host"`
	State    State  `json:"state"`
}

func (s Session) String() string {
	return fmt.Sprintf("session %d (%s@%s, %s)", s.ID, s.Username, s.Host, s.State)
}

// Directory enumerates the live sessions on a host.
type Directory interface {
	ListSessions(ctx context.Context) ([]Session, error)
}

// Messenger delivers a warning notice to one session. Delivery is
// best-effort; callers log failures and proceed.
type Messenger interface {
	SendMessage(ctx context.Context, host string, sessionID int, title, body string) error
}

// Terminator forcibly ends a session by ID.
type Terminator interface {
	ForceLogoff(ctx context.Context, host string, sessionID int) error
}

// Provider bundles the three session primitives behind one backend.
type Provider interface {
	Directory
	Messenger
	Terminator
	Name() string
}

// IsUnavailable reports whether err is a transient enumeration failure
// rather than a hard fault.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
