// Package conntrack keeps the set of live connections of an http.Server,
// tags each one idle or active, and closes idle connections once the server
// starts draining.
package conntrack

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"drainsrv/internal/platform/telemetry"
)

// Tracker is safe for concurrent use. net/http reports connection state from
// one goroutine per connection, so every read-modify-write of the set or of an
// idle flag happens under mu.
type Tracker struct {
	log     *slog.Logger
	metrics *telemetry.ServerMetrics

	mu         sync.Mutex
	conns      map[net.Conn]*entry
	draining   bool
	drainStart time.Time
	drained    bool // draining and the set has been empty at least once
	waiters    []chan struct{}
}

type entry struct {
	conn      net.Conn
	idle      bool
	destroyed bool
}

// Stats is a point-in-time view of the tracked set.
type Stats struct {
	Open     int
	Idle     int
	Draining bool
}

// New returns an empty Tracker. metrics may be nil.
func New(log *slog.Logger, metrics *telemetry.ServerMetrics) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		log:     log,
		metrics: metrics,
		conns:   make(map[net.Conn]*entry),
	}
}

// ConnState is an http.Server.ConnState hook feeding the tracker.
// Hijacked connections belong to the handler from then on and are forgotten.
func (t *Tracker) ConnState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		t.Track(c)
	case http.StateActive:
		t.Activate(c)
	case http.StateIdle:
		t.Release(c)
	case http.StateHijacked, http.StateClosed:
		t.Forget(c)
	}
}

// Track registers a freshly accepted connection as idle. A connection that
// arrives after draining began is destroyed straight away.
func (t *Tracker) Track(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[c]; ok {
		return
	}
	e := &entry{conn: c, idle: true}
	t.conns[c] = e
	t.metrics.RecordConnOpened(context.Background())

	t.applyLocked(e)
}

// Activate marks the connection as serving a request.
func (t *Tracker) Activate(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.conns[c]
	if !ok {
		// StateNew always precedes StateActive for the same socket, so this
		// only happens when the hook is driven by something other than net/http.
		t.log.Warn("request on untracked connection", "remote_addr", remoteAddr(c))
		e = &entry{conn: c}
		t.conns[c] = e
		t.metrics.RecordConnOpened(context.Background())
	}
	e.idle = false
}

// Release marks the connection idle after its response has been sent and
// destroys it if the tracker is draining.
func (t *Tracker) Release(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.conns[c]
	if !ok {
		return
	}
	e.idle = true
	t.applyLocked(e)
}

// Forget removes a closed (or hijacked) connection from the set.
func (t *Tracker) Forget(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[c]; !ok {
		return
	}
	delete(t.conns, c)
	t.metrics.RecordConnClosed(context.Background())
	t.notifyLocked()
}

// Drain switches the tracker into draining mode and destroys every connection
// that is idle at this instant. Active connections are destroyed by Release
// when their response finishes. It returns the number of connections
// destroyed. Calling Drain again only re-applies the rule.
func (t *Tracker) Drain() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.draining {
		t.draining = true
		t.drainStart = time.Now()
	}

	n := 0
	for _, e := range t.conns {
		if t.applyLocked(e) {
			n++
		}
	}
	t.notifyLocked()
	return n
}

// DestroyAll closes every tracked connection regardless of its state and
// leaves the tracker draining.
func (t *Tracker) DestroyAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.draining {
		t.draining = true
		t.drainStart = time.Now()
	}

	n := 0
	for _, e := range t.conns {
		if t.destroyLocked(e, telemetry.DestroyForced) {
			n++
		}
	}
	t.notifyLocked()
	return n
}

// Draining reports whether Drain or DestroyAll has been called.
func (t *Tracker) Draining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}

// Done returns a channel that is closed once the tracker is draining and no
// connection remains tracked.
func (t *Tracker) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	t.notifyLocked()
	return ch
}

// Idle reports the idle flag of c and whether c is tracked at all.
func (t *Tracker) Idle(c net.Conn) (idle, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.conns[c]
	if !ok {
		return false, false
	}
	return e.idle, true
}

// Stats returns counts of tracked and idle connections.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{Open: len(t.conns), Draining: t.draining}
	for _, e := range t.conns {
		if e.idle {
			s.Idle++
		}
	}
	return s
}

// applyLocked is the drain decision: destroy e if draining and idle.
func (t *Tracker) applyLocked(e *entry) bool {
	if !t.draining || !e.idle {
		return false
	}
	return t.destroyLocked(e, telemetry.DestroyDrain)
}

// destroyLocked closes the socket once. The entry stays in the set until
// net/http reports the connection closed.
func (t *Tracker) destroyLocked(e *entry, reason string) bool {
	if e.destroyed {
		return false
	}
	e.destroyed = true

	if err := e.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.log.Debug("closing connection", "remote_addr", remoteAddr(e.conn), "error", err)
	}
	t.metrics.RecordConnDestroyed(context.Background(), reason)
	t.log.Debug("connection destroyed", "remote_addr", remoteAddr(e.conn), "reason", reason)
	return true
}

// notifyLocked wakes the Done waiters once draining has emptied the set. The
// drain duration is recorded the first time that happens, waiters or not.
func (t *Tracker) notifyLocked() {
	if !t.draining || len(t.conns) != 0 {
		return
	}
	if !t.drained {
		t.drained = true
		t.metrics.RecordDrain(context.Background(), time.Since(t.drainStart).Seconds())
	}
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil
}

func remoteAddr(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
