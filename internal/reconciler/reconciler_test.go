package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/draintools/draind/internal/audit"
	"github.com/draintools/draind/internal/directory"
	"github.com/draintools/draind/internal/task"
)

func testConfig() Config {
	return Config{
		LogoutDelayMinutes:  2,
		PollIntervalSeconds: 1,
		GracePeriodMinutes:  30,
		MessageTitle:        "Maintenance notice",
		MessageBody:         "You will be logged off in %s.",
	}
}

func waitForLogoff(t *testing.T, p *directory.MockProvider, sessionID int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range p.Logoffs() {
			if id == sessionID {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %d was never logged off, logoffs: %v", sessionID, p.Logoffs())
}

func TestTickQueuesLiveSessionsOnce(t *testing.T) {
	p := directory.NewMockProvider(
		directory.Session{ID: 2, Username: "bob", Host: "srv1", State: directory.StateActive},
		directory.Session{ID: 1, Username: "alice", Host: "srv1", State: directory.StateActive},
	)
	r := New(testConfig(), p, nil, nil)
	defer r.stopAll()

	r.Tick(context.Background())

	queue := r.QueueSnapshot()
	if len(queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(queue))
	}
	if queue[0].SessionID != 1 || queue[1].SessionID != 2 {
		t.Fatalf("queue not ordered by session ID: %+v", queue)
	}
	if queue[0].DelayMinutes != 2 {
		t.Fatalf("DelayMinutes = %d, want configured delay 2", queue[0].DelayMinutes)
	}

	// A second tick over the same live set must not re-schedule.
	r.Tick(context.Background())
	if got := len(r.QueueSnapshot()); got != 2 {
		t.Fatalf("queue length after second tick = %d, want 2", got)
	}
}

func TestTickImmediateLogoffAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriodMinutes = 0
	p := directory.NewMockProvider(directory.Session{ID: 5, Username: "alice", Host: "srv1", State: directory.StateActive})
	r := New(cfg, p, nil, nil)
	defer r.stopAll()

	r.Tick(context.Background())

	waitForLogoff(t, p, 5)
	if msgs := p.Messages(); len(msgs) != 0 {
		t.Fatalf("immediate logoff delivered a warning: %v", msgs)
	}
	if q := r.QueueSnapshot(); q[0].DelayMinutes != 0 {
		t.Fatalf("DelayMinutes = %d, want 0 after grace expiry", q[0].DelayMinutes)
	}

	// The logged-off session disappears from the listing, so the next tick
	// drops the stale entry.
	r.Tick(context.Background())
	if got := len(r.QueueSnapshot()); got != 0 {
		t.Fatalf("queue length after session vanished = %d, want 0", got)
	}
}

func TestTickCapsDelayAtCutoff(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriodMinutes = 1
	cfg.LogoutDelayMinutes = 5
	p := directory.NewMockProvider(directory.Session{ID: 3, Username: "carol", Host: "srv1", State: directory.StateActive})
	r := New(cfg, p, nil, nil)
	defer r.stopAll()

	r.Tick(context.Background())

	q := r.QueueSnapshot()
	if len(q) != 1 {
		t.Fatalf("queue length = %d, want 1", len(q))
	}
	if q[0].DelayMinutes != 1 {
		t.Fatalf("DelayMinutes = %d, want 1 (capped at minutes to cutoff)", q[0].DelayMinutes)
	}
}

func TestTickDisconnectedSessionsSkipWarning(t *testing.T) {
	p := directory.NewMockProvider(directory.Session{ID: 8, Username: "dave", Host: "srv1", State: directory.StateDisconnected})
	r := New(testConfig(), p, nil, nil)
	defer r.stopAll()

	r.Tick(context.Background())

	q := r.QueueSnapshot()
	if len(q) != 1 || q[0].DelayMinutes != 0 {
		t.Fatalf("disconnected session queued as %+v, want zero delay", q)
	}
	waitForLogoff(t, p, 8)
}

func TestTickCancelsStaleEntries(t *testing.T) {
	p := directory.NewMockProvider(directory.Session{ID: 4, Username: "erin", Host: "srv1", State: directory.StateActive})
	store := audit.NewMemoryStore(0)
	r := New(testConfig(), p, store, nil)
	defer r.stopAll()

	r.Tick(context.Background())
	if got := len(r.QueueSnapshot()); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}

	p.SetSessions()
	r.Tick(context.Background())

	if got := len(r.QueueSnapshot()); got != 0 {
		t.Fatalf("queue length after session left = %d, want 0", got)
	}
	records, err := store.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(records) == 0 || records[0].Event != audit.EventCancelledStale {
		t.Fatalf("latest audit record = %+v, want %s", records, audit.EventCancelledStale)
	}
}

func TestTickRequeuesReusedIDSameTick(t *testing.T) {
	p := directory.NewMockProvider(directory.Session{ID: 6, Username: "alice", Host: "srv1", State: directory.StateActive})
	r := New(testConfig(), p, nil, nil)
	defer r.stopAll()

	r.Tick(context.Background())

	p.SetSessions(directory.Session{ID: 6, Username: "mallory", Host: "srv1", State: directory.StateActive})
	r.Tick(context.Background())

	q := r.QueueSnapshot()
	if len(q) != 1 {
		t.Fatalf("queue length = %d, want 1", len(q))
	}
	if q[0].Username != "mallory" {
		t.Fatalf("queued username = %q, want requeue under the new owner", q[0].Username)
	}
}

func TestTickSkipsOperatorSessions(t *testing.T) {
	cfg := testConfig()
	cfg.OperatorUser = "ops"
	p := directory.NewMockProvider(
		directory.Session{ID: 1, Username: "ops", Host: "srv1", State: directory.StateActive},
		directory.Session{ID: 2, Username: "alice", Host: "srv1", State: directory.StateActive},
	)
	r := New(cfg, p, nil, nil)
	defer r.stopAll()

	r.Tick(context.Background())

	q := r.QueueSnapshot()
	if len(q) != 1 || q[0].SessionID != 2 {
		t.Fatalf("queue = %+v, want only the non-operator session", q)
	}
}

func TestTickDirectoryFailureLeavesQueueAlone(t *testing.T) {
	p := directory.NewMockProvider(directory.Session{ID: 9, Username: "frank", Host: "srv1", State: directory.StateActive})
	r := New(testConfig(), p, nil, nil)
	defer r.stopAll()

	r.Tick(context.Background())
	if got := len(r.QueueSnapshot()); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}

	p.FailListWith(errors.New("winsta unreachable"))
	if drained := r.Tick(context.Background()); drained {
		t.Fatal("failed tick reported drained")
	}
	if got := len(r.QueueSnapshot()); got != 1 {
		t.Fatalf("queue length after failed enumeration = %d, want 1 untouched entry", got)
	}
}

func TestPollDelayBacksOffAndRecovers(t *testing.T) {
	p := directory.NewMockProvider()
	r := New(testConfig(), p, nil, nil)
	defer r.stopAll()

	base := time.Second
	if got := r.pollDelay(); got != base {
		t.Fatalf("pollDelay() = %v, want base %v", got, base)
	}

	p.FailListWith(errors.New("unreachable"))
	for i := 0; i < 10; i++ {
		r.Tick(context.Background())
	}
	if got := r.pollDelay(); got != base*backoffCap {
		t.Fatalf("pollDelay() after repeated failures = %v, want cap %v", got, base*backoffCap)
	}

	p.FailListWith(nil)
	r.Tick(context.Background())
	if got := r.pollDelay(); got != base {
		t.Fatalf("pollDelay() after recovery = %v, want base %v", got, base)
	}
}

func TestTickDrainOnEmpty(t *testing.T) {
	cfg := testConfig()
	cfg.DrainOnEmpty = true
	p := directory.NewMockProvider()
	r := New(cfg, p, nil, nil)

	if drained := r.Tick(context.Background()); !drained {
		t.Fatal("empty live set with drain enabled did not report drained")
	}
}

func TestRunExitsWhenDrained(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriodMinutes = 0
	cfg.DrainOnEmpty = true
	p := directory.NewMockProvider(directory.Session{ID: 1, Username: "alice", Host: "srv1", State: directory.StateActive})
	r := New(cfg, p, nil, nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil on drain completion", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not exit after draining the last session")
	}
	waitForLogoff(t, p, 1)
}

func TestEnableDrainAndStatus(t *testing.T) {
	p := directory.NewMockProvider(directory.Session{ID: 1, Username: "alice", Host: "srv1", State: directory.StateActive})
	r := New(testConfig(), p, nil, nil)
	defer r.stopAll()

	r.Tick(context.Background())

	st := r.Status()
	if st.Provider != "mock" {
		t.Fatalf("Status().Provider = %q, want mock", st.Provider)
	}
	if st.GracePassed {
		t.Fatal("Status().GracePassed = true inside a 30 minute grace period")
	}
	if st.Live != 1 || st.Queued != 1 {
		t.Fatalf("Status() live=%d queued=%d, want 1/1", st.Live, st.Queued)
	}
	if st.Draining {
		t.Fatal("Status().Draining = true before EnableDrain")
	}

	r.EnableDrain()
	if !r.Draining() {
		t.Fatal("Draining() = false after EnableDrain")
	}
}

func TestGraceFlipHonorsBoundarySlack(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriodMinutes = 1

	var mu sync.Mutex
	current := time.Now()
	cfg.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	setNow := func(at time.Time) {
		mu.Lock()
		current = at
		mu.Unlock()
	}

	p := directory.NewMockProvider()
	r := New(cfg, p, nil, nil)
	cutoff := r.Status().CutoffTime

	// Lands just inside the slack of the last whole-minute boundary: the
	// remaining 59.5s still count as one minute, so no flip.
	setNow(cutoff.Add(-59500 * time.Millisecond))
	r.Tick(context.Background())
	if r.Status().GracePassed {
		t.Fatal("grace flipped with a full slack-adjusted minute on the clock")
	}

	setNow(cutoff.Add(-58 * time.Second))
	r.Tick(context.Background())
	if !r.Status().GracePassed {
		t.Fatal("grace did not flip once under the slack-adjusted minute")
	}
}

func TestQueuedTasksAreSupervised(t *testing.T) {
	sup := task.NewSupervisor(task.SupervisorConfig{})
	cfg := testConfig()
	cfg.Supervisor = sup
	p := directory.NewMockProvider(directory.Session{ID: 11, Username: "alice", Host: "srv1", State: directory.StateActive})
	r := New(cfg, p, nil, nil)
	defer r.stopAll()

	r.Tick(context.Background())
	if got := sup.Len(); got != 1 {
		t.Fatalf("supervised tasks = %d after admission, want 1", got)
	}

	p.SetSessions()
	r.Tick(context.Background())
	if got := sup.Len(); got != 0 {
		t.Fatalf("supervised tasks = %d after stale removal, want 0", got)
	}
}

func TestSupervisorCeilingStopsQueuedLogout(t *testing.T) {
	sup := task.NewSupervisor(task.SupervisorConfig{TaskTimeout: time.Millisecond})
	cfg := testConfig()
	cfg.Supervisor = sup
	p := directory.NewMockProvider(directory.Session{ID: 12, Username: "bob", Host: "srv1", State: directory.StateActive})
	r := New(cfg, p, nil, nil)
	defer r.stopAll()

	r.Tick(context.Background())
	q := r.QueueSnapshot()
	if len(q) != 1 {
		t.Fatalf("queue length = %d, want 1", len(q))
	}

	time.Sleep(5 * time.Millisecond)
	sup.Tick()

	state, err := q[0].task.State()
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state != task.StateStopped {
		t.Fatalf("task state = %q after uptime sweep, want %q", state, task.StateStopped)
	}
}

func TestSubscribeDeliversStatusEvents(t *testing.T) {
	p := directory.NewMockProvider(directory.Session{ID: 1, Username: "alice", Host: "srv1", State: directory.StateActive})
	r := New(testConfig(), p, nil, nil)
	defer r.stopAll()

	events, cancel := r.Subscribe()
	defer cancel()

	r.Tick(context.Background())

	deadline := time.After(2 * time.Second)
	sawScheduled, sawStatus := false, false
	for !(sawScheduled && sawStatus) {
		select {
		case evt := <-events:
			switch evt.Type {
			case EventScheduled:
				sawScheduled = true
			case EventStatus:
				if evt.Live != 1 || evt.Queued != 1 {
					t.Fatalf("status event live=%d queued=%d, want 1/1", evt.Live, evt.Queued)
				}
				sawStatus = true
			}
		case <-deadline:
			t.Fatalf("missing events: scheduled=%v status=%v", sawScheduled, sawStatus)
		}
	}
}
