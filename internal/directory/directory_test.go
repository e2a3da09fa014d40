package directory

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsUnavailable(t *testing.T) {
	if !IsUnavailable(ErrUnavailable) {
		t.Fatal("IsUnavailable(ErrUnavailable) = false")
	}
	wrapped := fmt.Errorf("list sessions: %w", ErrUnavailable)
	if !IsUnavailable(wrapped) {
		t.Fatal("IsUnavailable did not unwrap the chain")
	}
	if IsUnavailable(errors.New("other")) {
		t.Fatal("IsUnavailable matched an unrelated error")
	}
}

func TestSessionString(t *testing.T) {
	s := Session{ID: 12, Username: "alice", Host: "srv1", State: StateDisconnected}
	want := "session 12 (alice@srv1, disconnected)"
	if got := s.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestNormalizeTerminal(t *testing.T) {
	cases := map[string]string{
		"/dev/pts/3": "pts/3",
		"pts/3":      "pts/3",
		" tty1 ":     "tty1",
		"":           "",
	}
	for in, want := range cases {
		if got := normalizeTerminal(in); got != want {
			t.Fatalf("normalizeTerminal(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMockProviderLogoffRemovesSession(t *testing.T) {
	p := NewMockProvider(
		Session{ID: 1, Username: "alice", Host: "srv1", State: StateActive},
		Session{ID: 2, Username: "bob", Host: "srv1", State: StateActive},
	)

	if err := p.ForceLogoff(context.Background(), "srv1", 1); err != nil {
		t.Fatalf("ForceLogoff() error = %v", err)
	}

	live, err := p.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(live) != 1 || live[0].ID != 2 {
		t.Fatalf("ListSessions() = %+v, want only session 2", live)
	}
	if got := p.Logoffs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("Logoffs() = %v, want [1]", got)
	}
}
