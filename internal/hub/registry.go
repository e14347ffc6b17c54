// internal/hub/registry.go
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Registry tracks every live connection grouped by match. A second
// connection for the same (match, user) replaces the first; the stale
// transport is closed with StatusReplaced.
type Registry struct {
	mu     sync.Mutex
	conns  map[ConnKey]*Conn
	groups map[uuid.UUID]map[uuid.UUID]*Conn

	// OnGroupEmpty fires once a match's group has stayed empty for the
	// debounce window. Reconnect churn inside the window never triggers it.
	OnGroupEmpty func(matchID uuid.UUID)

	emptyTimers   map[uuid.UUID]*time.Timer
	emptyDebounce time.Duration

	logger *logrus.Logger
}

// NewRegistry builds an empty registry. debounce bounds how long a match
// group may sit empty before OnGroupEmpty fires.
func NewRegistry(logger *logrus.Logger, debounce time.Duration) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		conns:         make(map[ConnKey]*Conn),
		groups:        make(map[uuid.UUID]map[uuid.UUID]*Conn),
		emptyTimers:   make(map[uuid.UUID]*time.Timer),
		emptyDebounce: debounce,
		logger:        logger,
	}
}

// Register installs a connection for key and starts its write pump. An
// existing connection under the same key is replaced and its transport
// closed; the caller's cancel func is invoked when the connection dies so
// the read side can unwind too.
func (r *Registry) Register(key ConnKey, sender Sender, cancel context.CancelFunc) *Conn {
	c := newConn(key, sender, cancel, r.logger)

	r.mu.Lock()
	old := r.conns[key]
	r.conns[key] = c
	group := r.groups[key.MatchID]
	if group == nil {
		group = make(map[uuid.UUID]*Conn)
		r.groups[key.MatchID] = group
	}
	group[key.UserID] = c
	if t := r.emptyTimers[key.MatchID]; t != nil {
		t.Stop()
		delete(r.emptyTimers, key.MatchID)
	}
	r.mu.Unlock()

	if old != nil {
		r.logger.Infof("hub: user %s reconnected to match %s, replacing transport", key.UserID, key.MatchID)
		old.closeTransport(StatusReplaced, "superseded by a newer connection")
	}

	go c.writePump(func(dead *Conn) {
		r.Unregister(dead)
	})
	return c
}

// Unregister removes c if it is still the current connection for its key.
// A replaced connection unwinding late is a no-op, so a reconnect that
// already won the seat is never torn down by its predecessor's cleanup.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	current := r.conns[c.Key]
	if current != c {
		r.mu.Unlock()
		c.finish()
		return
	}
	delete(r.conns, c.Key)
	group := r.groups[c.Key.MatchID]
	if group != nil {
		delete(group, c.Key.UserID)
		if len(group) == 0 {
			delete(r.groups, c.Key.MatchID)
			r.scheduleEmptyUnsafe(c.Key.MatchID)
		}
	}
	r.mu.Unlock()

	c.finish()
}

// scheduleEmptyUnsafe arms the empty-group debounce timer. Caller holds r.mu.
func (r *Registry) scheduleEmptyUnsafe(matchID uuid.UUID) {
	if r.OnGroupEmpty == nil {
		return
	}
	if t := r.emptyTimers[matchID]; t != nil {
		t.Stop()
	}
	r.emptyTimers[matchID] = time.AfterFunc(r.emptyDebounce, func() {
		r.mu.Lock()
		delete(r.emptyTimers, matchID)
		if len(r.groups[matchID]) != 0 {
			// Someone came back inside the window.
			r.mu.Unlock()
			return
		}
		cb := r.OnGroupEmpty
		r.mu.Unlock()
		cb(matchID)
	})
}

// Broadcast enqueues data to every connection in a match's group. Pass
// uuid.Nil as excludeUserID to reach everyone. Returns how many
// connections accepted the message.
func (r *Registry) Broadcast(matchID uuid.UUID, data []byte, excludeUserID uuid.UUID) int {
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.groups[matchID]))
	for userID, c := range r.groups[matchID] {
		if excludeUserID != uuid.Nil && userID == excludeUserID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if c.Send(data) {
			delivered++
		}
	}
	return delivered
}

// SendTo enqueues data for a single user. Reports whether the user had a
// live connection that accepted it.
func (r *Registry) SendTo(matchID, userID uuid.UUID, data []byte) bool {
	r.mu.Lock()
	c := r.conns[ConnKey{MatchID: matchID, UserID: userID}]
	r.mu.Unlock()
	if c == nil {
		return false
	}
	return c.Send(data)
}

// Kick force-closes a user's connection with StatusKicked so the client
// knows not to come back. Reports whether a connection was present.
func (r *Registry) Kick(matchID, userID uuid.UUID, reason string) bool {
	r.mu.Lock()
	c := r.conns[ConnKey{MatchID: matchID, UserID: userID}]
	r.mu.Unlock()
	if c == nil {
		return false
	}
	r.logger.Infof("hub: kicking user %s from match %s: %s", userID, matchID, reason)
	c.closeTransport(StatusKicked, reason)
	r.Unregister(c)
	return true
}

// CloseGroup tears down every connection of a finished match.
func (r *Registry) CloseGroup(matchID uuid.UUID, code websocket.StatusCode, reason string) {
	r.mu.Lock()
	group := r.groups[matchID]
	targets := make([]*Conn, 0, len(group))
	for _, c := range group {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.closeTransport(code, reason)
		r.Unregister(c)
	}
}

// Connected reports whether a user currently holds a live connection in
// the match's group.
func (r *Registry) Connected(matchID, userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[ConnKey{MatchID: matchID, UserID: userID}]
	return ok
}

// GroupSize returns the number of live connections in a match's group.
func (r *Registry) GroupSize(matchID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups[matchID])
}
