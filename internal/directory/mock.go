package directory

import (
	"context"
	"sync"
)

// SentMessage records one warning delivered through the mock provider.
type SentMessage struct {
	Host      string
	SessionID int
	Title     string
	Body      string
}

// MockProvider is an in-memory directory used by tests and by -mock runs.
// The session set is mutable so callers can script churn between ticks.
type MockProvider struct {
	mu       sync.Mutex
	sessions []Session
	messages []SentMessage
	logoffs  []int

	listErr    error
	messageErr error
	logoffErr  error
}

func NewMockProvider(sessions ...Session) *MockProvider {
	return &MockProvider{sessions: sessions}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) ListSessions(_ context.Context) ([]Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]Session, len(p.sessions))
	copy(out, p.sessions)
	return out, nil
}

func (p *MockProvider) SendMessage(_ context.Context, host string, sessionID int, title, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messageErr != nil {
		return p.messageErr
	}
	p.messages = append(p.messages, SentMessage{Host: host, SessionID: sessionID, Title: title, Body: body})
	return nil
}

func (p *MockProvider) ForceLogoff(_ context.Context, _ string, sessionID int) error {
	p.mu.Lock()
	if p.logoffErr != nil {
		err := p.logoffErr
		p.mu.Unlock()
		return err
	}
	p.logoffs = append(p.logoffs, sessionID)
	p.mu.Unlock()

	// Logged-off sessions disappear from subsequent listings, like a real
	// directory would report.
	p.RemoveSession(sessionID)
	return nil
}

// SetSessions replaces the live session set.
func (p *MockProvider) SetSessions(sessions ...Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = make([]Session, len(sessions))
	copy(p.sessions, sessions)
}

// RemoveSession drops the session with the given ID, if present.
func (p *MockProvider) RemoveSession(sessionID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.sessions[:0]
	for _, s := range p.sessions {
		if s.ID != sessionID {
			kept = append(kept, s)
		}
	}
	p.sessions = kept
}

// FailListWith makes subsequent ListSessions calls return err. Passing nil
// restores normal behavior.
func (p *MockProvider) FailListWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErr = err
}

// FailMessageWith makes subsequent SendMessage calls return err.
func (p *MockProvider) FailMessageWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messageErr = err
}

// FailLogoffWith makes subsequent ForceLogoff calls return err.
func (p *MockProvider) FailLogoffWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logoffErr = err
}

// Messages returns a copy of all warnings delivered so far.
func (p *MockProvider) Messages() []SentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SentMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Logoffs returns the session IDs forcibly logged off so far.
func (p *MockProvider) Logoffs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.logoffs))
	copy(out, p.logoffs)
	return out
}
