// Package reconciler drives the session-termination loop: it polls the
// session directory, keeps a queue of in-flight logout tasks consistent
// with the live set, and escalates from notify-then-delay to immediate
// logoff once the grace period elapses.
package reconciler

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/draintools/draind/internal/audit"
	"github.com/draintools/draind/internal/directory"
	"github.com/draintools/draind/internal/logout"
	"github.com/draintools/draind/internal/observability"
	"github.com/draintools/draind/internal/task"
)

// graceSlack keeps the grace flag from flipping a tick early when the
// loop lands exactly on the cutoff boundary.
const graceSlack = time.Second

// backoffCap bounds the enumeration-failure backoff as a multiple of the
// poll interval.
const backoffCap = 8

// Config holds the reconciler parameters. Bounds are enforced by the
// config package before the loop starts.
type Config struct {
	LogoutDelayMinutes  int
	PollIntervalSeconds int
	GracePeriodMinutes  int
	DrainOnEmpty        bool
	OperatorUser        string
	Verbose             bool

	MessageTitle string
	MessageBody  string

	// Supervisor, when set, tracks every scheduled logout task so its
	// timeout ceiling applies to them.
	Supervisor *task.Supervisor

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// QueuedLogout is one scheduled logout tracked by the reconciler. Entries
// are only ever replaced whole, never updated in place, so Username and
// LogoutTime always describe the task that was actually started.
type QueuedLogout struct {
	SessionID    int       `json:"session_id"`
	Username     string    `json:"username"`
	Host         string    `json:"host"`
	DelayMinutes int       `json:"delay_minutes"`
	LogoutTime   time.Time `json:"logout_time"`

	task *task.Task
}

// Status is a point-in-time summary of the reconciler.
type Status struct {
	Provider        string    `json:"provider"`
	GracePassed     bool      `json:"grace_passed"`
	CutoffTime      time.Time `json:"cutoff_time"`
	MinutesToCutoff int       `json:"minutes_to_cutoff"`
	Live            int       `json:"live_sessions"`
	Queued          int       `json:"queued_logouts"`
	Draining        bool      `json:"draining"`
}

// Reconciler owns the logout queue. The queue is mutated only by the
// control goroutine running Run/Tick; the mutex exists for the read-only
// Status and QueueSnapshot views served from other goroutines.
type Reconciler struct {
	cfg      Config
	provider directory.Provider
	factory  *logout.Factory
	store    audit.Store
	metrics  *observability.Metrics
	events   *hub
	sup      *task.Supervisor
	now      func() time.Time

	drain atomic.Bool

	mu                  sync.Mutex
	cutoff              time.Time
	gracePassed         bool
	queue               map[int]*QueuedLogout
	lastLive            int
	consecutiveFailures int
}

// New initializes a reconciler: the grace cutoff is computed once, here,
// and never re-derived. store may be nil to disable the audit trail and
// metrics may be nil to run unobserved.
func New(cfg Config, provider directory.Provider, store audit.Store, metrics *observability.Metrics) *Reconciler {
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 10
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	r := &Reconciler{
		cfg:      cfg,
		provider: provider,
		store:    store,
		metrics:  metrics,
		events:   newHub(),
		sup:      cfg.Supervisor,
		now:      now,
		cutoff:   now().Add(time.Duration(cfg.GracePeriodMinutes) * time.Minute),
		queue:    make(map[int]*QueuedLogout),
	}
	r.drain.Store(cfg.DrainOnEmpty)
	r.factory = logout.NewFactory(logout.FactoryConfig{
		Directory:    provider,
		Messenger:    provider,
		Terminator:   provider,
		MessageTitle: cfg.MessageTitle,
		MessageBody:  cfg.MessageBody,
		OnResult:     r.recordResult,
	})
	return r
}

// Run drives the loop until the context is cancelled or, in drain mode,
// until no live sessions remain. Outstanding logout tasks are stopped on
// the way out.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Printf("reconcile: starting (provider=%s delay=%dm grace=%dm poll=%ds drain=%v)",
		r.provider.Name(), r.cfg.LogoutDelayMinutes, r.cfg.GracePeriodMinutes,
		r.cfg.PollIntervalSeconds, r.drain.Load())
	defer r.stopAll()

	for {
		if drained := r.Tick(ctx); drained {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollDelay()):
		}
	}
}

// Tick runs one reconciliation pass and reports whether the loop should
// terminate (drain mode with no live sessions). The pass order is fixed:
// stale removal, identity mismatch, admission. Running the removal passes
// first lets a session whose identity changed be re-queued under the new
// username within the same tick.
func (r *Reconciler) Tick(ctx context.Context) bool {
	start := time.Now()
	defer func() {
		r.metrics.ObserveTick(time.Since(start))
	}()

	r.mu.Lock()
	remaining := r.cutoff.Sub(r.now()) + graceSlack
	minutesToCutoff := int(remaining / time.Minute)
	flipped := false
	if minutesToCutoff <= 0 && !r.gracePassed {
		r.gracePassed = true
		flipped = true
	}
	gracePassed := r.gracePassed
	r.mu.Unlock()

	if flipped {
		log.Printf("reconcile: grace period passed, logouts are now immediate")
		r.events.publish(Event{Type: EventGracePassed})
	} else if gracePassed && r.cfg.Verbose {
		log.Printf("reconcile: grace period passed")
	}

	live, err := r.provider.ListSessions(ctx)
	if err != nil {
		r.mu.Lock()
		r.consecutiveFailures++
		failures := r.consecutiveFailures
		r.mu.Unlock()
		log.Printf("reconcile: session enumeration failed (attempt %d): %v", failures, err)
		if r.metrics != nil {
			r.metrics.DirectoryErrors.Inc()
		}
		r.events.publish(Event{Type: EventDirectoryError, Detail: err.Error()})
		return false
	}

	liveByID := make(map[int]directory.Session, len(live))
	for _, s := range live {
		if s.Username == r.cfg.OperatorUser {
			continue
		}
		liveByID[s.ID] = s
	}

	var stale, reused []QueuedLogout
	var admitted []QueuedLogout

	r.mu.Lock()
	r.consecutiveFailures = 0

	for id, q := range r.queue {
		if _, ok := liveByID[id]; !ok {
			r.release(q)
			delete(r.queue, id)
			stale = append(stale, *q)
		}
	}

	for id, q := range r.queue {
		if s := liveByID[id]; s.Username != q.Username {
			r.release(q)
			delete(r.queue, id)
			reused = append(reused, *q)
		}
	}

	for id, s := range liveByID {
		if _, ok := r.queue[id]; ok {
			continue
		}
		delay := 0
		if !gracePassed && s.State != directory.StateDisconnected {
			delay = r.cfg.LogoutDelayMinutes
			if minutesToCutoff < delay {
				delay = minutesToCutoff
			}
		}
		t, err := r.factory.Schedule(s, delay)
		if err != nil {
			log.Printf("reconcile: scheduling logout for %s failed: %v", s, err)
			continue
		}
		if r.sup != nil {
			if err := r.sup.Add(t); err != nil {
				log.Printf("reconcile: supervising task %q failed: %v", t.Name(), err)
			}
		}
		entry := &QueuedLogout{
			SessionID:    s.ID,
			Username:     s.Username,
			Host:         s.Host,
			DelayMinutes: delay,
			LogoutTime:   r.now().Add(time.Duration(delay) * time.Minute),
			task:         t,
		}
		r.queue[id] = entry
		admitted = append(admitted, *entry)
	}

	queued := len(r.queue)
	var latest time.Time
	for _, q := range r.queue {
		if q.LogoutTime.After(latest) {
			latest = q.LogoutTime
		}
	}
	r.lastLive = len(liveByID)
	r.mu.Unlock()

	for _, q := range stale {
		log.Printf("reconcile: session %d (%s) gone, cancelling queued logout", q.SessionID, q.Username)
		r.recordQueueChange(ctx, audit.EventCancelledStale, q)
	}
	for _, q := range reused {
		log.Printf("reconcile: session %d no longer belongs to %q, cancelling queued logout", q.SessionID, q.Username)
		r.recordQueueChange(ctx, audit.EventCancelledReused, q)
	}
	for _, q := range admitted {
		log.Printf("reconcile: scheduled logout of session %d (%s) in %s",
			q.SessionID, q.Username, logout.FormatMinutes(q.DelayMinutes))
		r.auditAppend(ctx, audit.Record{
			Event:        audit.EventScheduled,
			SessionID:    q.SessionID,
			Username:     q.Username,
			Host:         q.Host,
			DelayMinutes: q.DelayMinutes,
			At:           time.Now(),
		})
		r.metrics.ObserveLogoutEvent(audit.EventScheduled)
		r.events.publish(Event{
			Type:         EventScheduled,
			SessionID:    q.SessionID,
			Username:     q.Username,
			Host:         q.Host,
			DelayMinutes: q.DelayMinutes,
		})
	}

	if queued == 0 {
		log.Printf("reconcile: no sessions to terminate")
	} else {
		log.Printf("reconcile: %d session(s) queued for logout, latest at %s",
			queued, latest.Format(time.RFC3339))
	}
	if r.metrics != nil {
		r.metrics.SetGauges(len(liveByID), queued)
	}
	statusEvt := Event{Type: EventStatus, Live: len(liveByID), Queued: queued}
	if queued > 0 {
		statusEvt.LatestLogout = &latest
	}
	r.events.publish(statusEvt)

	if r.drain.Load() && len(liveByID) == 0 {
		log.Printf("reconcile: no active sessions remain, drain complete")
		r.events.publish(Event{Type: EventDrained})
		return true
	}
	return false
}

// EnableDrain switches a running reconciler into drain mode: the loop
// exits once no live sessions remain.
func (r *Reconciler) EnableDrain() {
	if !r.drain.Swap(true) {
		log.Printf("reconcile: drain mode enabled")
	}
}

// Draining reports whether drain mode is active.
func (r *Reconciler) Draining() bool { return r.drain.Load() }

// Subscribe returns a channel of reconciler events and a cancel func.
func (r *Reconciler) Subscribe() (<-chan Event, func()) {
	return r.events.subscribe()
}

// Status returns a snapshot summary for the HTTP surface.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	minutes := int((r.cutoff.Sub(r.now()) + graceSlack) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	return Status{
		Provider:        r.provider.Name(),
		GracePassed:     r.gracePassed,
		CutoffTime:      r.cutoff,
		MinutesToCutoff: minutes,
		Live:            r.lastLive,
		Queued:          len(r.queue),
		Draining:        r.drain.Load(),
	}
}

// QueueSnapshot returns the queued logouts ordered by session ID.
func (r *Reconciler) QueueSnapshot() []QueuedLogout {
	r.mu.Lock()
	out := make([]QueuedLogout, 0, len(r.queue))
	for _, q := range r.queue {
		out = append(out, *q)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// pollDelay is the sleep before the next tick: the poll interval,
// stretched by capped exponential backoff while enumeration keeps
// failing.
func (r *Reconciler) pollDelay() time.Duration {
	base := time.Duration(r.cfg.PollIntervalSeconds) * time.Second
	r.mu.Lock()
	failures := r.consecutiveFailures
	r.mu.Unlock()
	if failures <= 1 {
		return base
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= base*backoffCap {
			return base * backoffCap
		}
	}
	return d
}

// release stops one queued logout task and drops it from the supervisor.
func (r *Reconciler) release(q *QueuedLogout) {
	q.task.Stop()
	if r.sup != nil {
		r.sup.Remove(q.task.Name())
	}
}

// stopAll cancels every queued logout task and clears the queue.
func (r *Reconciler) stopAll() {
	r.mu.Lock()
	drained := make([]QueuedLogout, 0, len(r.queue))
	for id, q := range r.queue {
		r.release(q)
		drained = append(drained, *q)
		delete(r.queue, id)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, q := range drained {
		r.recordQueueChange(ctx, audit.EventCancelledDrain, q)
	}
}

func (r *Reconciler) recordQueueChange(ctx context.Context, event string, q QueuedLogout) {
	r.auditAppend(ctx, audit.Record{
		Event:     event,
		SessionID: q.SessionID,
		Username:  q.Username,
		Host:      q.Host,
		At:        time.Now(),
	})
	r.metrics.ObserveLogoutEvent(event)
	r.events.publish(Event{
		Type:      EventCancelled,
		SessionID: q.SessionID,
		Username:  q.Username,
		Host:      q.Host,
		Detail:    event,
	})
}

// recordResult runs on logout-task goroutines when a task reaches its
// outcome.
func (r *Reconciler) recordResult(s directory.Session, result logout.Result) {
	event := map[logout.Result]string{
		logout.ResultLoggedOff:       audit.EventLoggedOff,
		logout.ResultLogoffFailed:    audit.EventLogoffFailed,
		logout.ResultSessionGone:     audit.EventSessionGone,
		logout.ResultIdentityChanged: audit.EventIdentityChanged,
	}[result]
	if event == "" {
		event = string(result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.auditAppend(ctx, audit.Record{
		Event:     event,
		SessionID: s.ID,
		Username:  s.Username,
		Host:      s.Host,
		At:        time.Now(),
	})
	r.metrics.ObserveLogoutEvent(event)
	r.events.publish(Event{
		Type:      EventLogoutResult,
		SessionID: s.ID,
		Username:  s.Username,
		Host:      s.Host,
		Detail:    string(result),
	})
}

func (r *Reconciler) auditAppend(ctx context.Context, rec audit.Record) {
	if r.store == nil {
		return
	}
	if err := r.store.Append(ctx, rec); err != nil {
		log.Printf("reconcile: audit append failed: %v", err)
	}
}
