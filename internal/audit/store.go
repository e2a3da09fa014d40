// Package audit keeps a trail of logout lifecycle events: what was
// scheduled, cancelled and executed, for which session and when.
package audit

import (
	"context"
	"strings"
	"time"
)

// Record is one logout lifecycle event.
type Record struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	SessionID int       `json:"session_id"`
	Username  string    `json:"username"`
	Host      string    `json:"host"`
	// DelayMinutes is the delay the logout was scheduled with; only
	// meaningful for scheduled events.
	DelayMinutes int       `json:"delay_minutes"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// Event names recorded by the reconciler and the logout tasks.
const (
	EventScheduled       = "scheduled"
	EventCancelledStale  = "cancelled_stale"
	EventCancelledReused = "cancelled_reused"
	EventCancelledDrain  = "cancelled_drain"
	EventLoggedOff       = "logged_off"
	EventLogoffFailed    = "logoff_failed"
	EventSessionGone     = "session_gone"
	EventIdentityChanged = "identity_changed"
)

type Store interface {
	Append(ctx context.Context, rec Record) error
	ListRecent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// NewStore picks a backend for the audit trail: postgres when a database
// URL is configured, otherwise an in-memory ring. Mirrors the task-store
// selection in the rest of the stack.
func NewStore(ctx context.Context, databaseURL string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(0), "in-memory", nil
	}
	st, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, "", err
	}
	return st, "postgres", nil
}
