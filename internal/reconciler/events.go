package reconciler

import (
	"sync"
	"time"
)

type EventType string

const (
	EventGracePassed    EventType = "grace_period_passed"
	EventScheduled      EventType = "logout_scheduled"
	EventCancelled      EventType = "logout_cancelled"
	EventLogoutResult   EventType = "logout_result"
	EventStatus         EventType = "status"
	EventDirectoryError EventType = "directory_error"
	EventDrained        EventType = "drained"
)

// Event is one entry in the reconciler's observable status stream.
type Event struct {
	Type         EventType  `json:"type"`
	SessionID    int        `json:"session_id,omitempty"`
	Username     string     `json:"username,omitempty"`
	Host         string     `json:"host,omitempty"`
	DelayMinutes int        `json:"delay_minutes,omitempty"`
	Live         int        `json:"live"`
	Queued       int        `json:"queued"`
	LatestLogout *time.Time `json:"latest_logout,omitempty"`
	Detail       string     `json:"detail,omitempty"`
	At           time.Time  `json:"at"`
}

// hub fans events out to subscribers. Each subscriber gets a buffered
// channel; a full channel drops the event rather than blocking the
// reconciler loop.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

func (h *hub) publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; drop rather than stall the loop.
		}
	}
}
