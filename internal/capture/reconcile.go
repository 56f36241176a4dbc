package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Reconciler] samples the device.
const DefaultPollInterval = 100 * time.Millisecond

// subscriberBuffer is the channel capacity per subscriber. Changes are
// dropped for subscribers that fall this far behind.
const subscriberBuffer = 16

// StateChange is one observation of a session published by a [Reconciler].
type StateChange struct {
	State  State     `json:"state"`
	Active bool      `json:"active"`
	At     time.Time `json:"at"`
}

// Reconciler periodically compares the session's view of the device with what
// the device reports and publishes every change to its subscribers.
type Reconciler struct {
	session  *Session
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	last   StateChange
	seen   bool
	subs   map[int]chan StateChange
	nextID int
}

// NewReconciler returns a reconciler for s polling every interval. A
// non-positive interval selects [DefaultPollInterval].
func NewReconciler(s *Session, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Reconciler{
		session:  s,
		interval: interval,
		now:      time.Now,
		subs:     make(map[int]chan StateChange),
	}
}

// Subscribe registers a new subscriber. The returned channel receives every
// published change until cancel is called, which closes it. A new subscriber
// immediately receives the last observation, if any.
func (r *Reconciler) Subscribe() (<-chan StateChange, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	ch := make(chan StateChange, subscriberBuffer)
	if r.seen {
		ch <- r.last
	}
	r.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Last returns the most recent observation and whether one exists.
func (r *Reconciler) Last() (StateChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.seen
}

// Reconcile takes one observation. It reports the observation and whether it
// differed from the previous one and was therefore published.
func (r *Reconciler) Reconcile() (StateChange, bool) {
	obs := StateChange{
		State:  r.session.State(),
		Active: r.session.IsRecordingActive(),
		At:     r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen && obs.State == r.last.State && obs.Active == r.last.Active {
		return obs, false
	}
	if obs.State == Recording && !obs.Active {
		slog.Warn("capture: device stopped delivering audio while recording")
	}
	r.last = obs
	r.seen = true
	for id, ch := range r.subs {
		select {
		case ch <- obs:
		default:
			slog.Debug("capture: dropping state change for slow subscriber", "subscriber", id)
		}
	}
	return obs, true
}

// Run reconciles on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Reconcile()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Reconcile()
		}
	}
}
