// Package watchdog implements the heartbeat dead-man's-switch timer
// per session: one resettable timer per client, firing a timeout
// callback if no heartbeat/reconnect arrives in time.
package watchdog

import (
	"sync"
	"time"
)

// TimeoutFunc is invoked exactly once per timer firing, off the
// caller's goroutine. It must not block for long.
type TimeoutFunc func(clientID string)

// Watchdog owns one timer per active client ID, guarded by a single
// mutex the way the hub's client map is guarded.
type Watchdog struct {
	mu               sync.Mutex
	timers           map[string]*time.Timer
	heartbeatTimeout time.Duration
	graceTimeout     time.Duration
	onTimeout        TimeoutFunc
}

func New(heartbeatTimeout, graceTimeout time.Duration, onTimeout TimeoutFunc) *Watchdog {
	return &Watchdog{
		timers:           make(map[string]*time.Timer),
		heartbeatTimeout: heartbeatTimeout,
		graceTimeout:     graceTimeout,
		onTimeout:        onTimeout,
	}
}

// Start arms the heartbeat timer for a newly connected or reactivated
// session.
func (w *Watchdog) Start(clientID string) {
	w.arm(clientID, w.heartbeatTimeout)
}

// Reset re-arms the timer, called on every heartbeat/ping message.
func (w *Watchdog) Reset(clientID string) {
	w.arm(clientID, w.heartbeatTimeout)
}

// GraceClose re-arms the timer with the shorter grace period instead
// of cancelling it outright, so an abrupt socket close still gives the
// client a window to reconnect before the session is declared timed
// out, distinct from a clean disconnect.
func (w *Watchdog) GraceClose(clientID string) {
	w.arm(clientID, w.graceTimeout)
}

func (w *Watchdog) arm(clientID string, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[clientID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() { w.fire(clientID, &t) })
	w.timers[clientID] = t
}

func (w *Watchdog) fire(clientID string, self **time.Timer) {
	w.mu.Lock()
	// Idempotent: only fire if this is still the armed timer for the
	// client. Stop deletes the entry first so a fire racing a Stop call
	// never double-triggers.
	if cur, ok := w.timers[clientID]; !ok || cur != *self {
		w.mu.Unlock()
		return
	}
	delete(w.timers, clientID)
	w.mu.Unlock()

	w.onTimeout(clientID)
}

// Stop cancels and removes a client's timer, called on clean
// disconnect.
func (w *Watchdog) Stop(clientID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[clientID]; ok {
		t.Stop()
		delete(w.timers, clientID)
	}
}

// Active reports whether a timer is currently armed for clientID.
func (w *Watchdog) Active(clientID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[clientID]
	return ok
}

// Count reports how many timers are currently armed, for metrics.
func (w *Watchdog) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// StopAll cancels every armed timer, called on process shutdown so no
// timeout fires after the router has stopped accepting connections.
func (w *Watchdog) StopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}
