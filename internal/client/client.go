// internal/client/client.go
//
// Package client implements the reconnection controller for match
// WebSockets. One logical connection exists per (match, user); any number
// of subscribers share it through Acquire/Release handles. The controller
// redials with exponential backoff after transport loss, gives up into a
// cooled-down failed state after too many consecutive misses, and treats a
// kick close code as terminal.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cutroom-app/cutroom/internal/config"
	"github.com/cutroom-app/cutroom/internal/errs"
	"github.com/cutroom-app/cutroom/internal/hub"
)

// ConnState is the lifecycle state of a logical connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateFailed       ConnState = "failed"
	StateKicked       ConnState = "kicked"
)

const (
	dialTimeout      = 10 * time.Second
	joinWriteTimeout = 5 * time.Second
	subBufferSize    = 32

	snapshotMessageType = "state_snapshot"
)

// Policy is the reconnect tuning for a manager.
type Policy struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Cooldown         time.Duration
	TeardownDebounce time.Duration
}

// PolicyFromConfig lifts the reconnect knobs out of the service config.
func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		MaxAttempts:      cfg.MaxReconnectAttempts,
		BaseDelay:        cfg.ReconnectBaseDelay,
		MaxDelay:         cfg.ReconnectMaxDelay,
		Cooldown:         cfg.ReconnectCooldown,
		TeardownDebounce: cfg.TeardownDebounce,
	}
}

// backoffDelay returns the wait before the given 1-based attempt:
// min(base * 2^(n-1), max).
func backoffDelay(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Manager owns one Conn per (match, user) key.
type Manager struct {
	mu    sync.Mutex
	conns map[hub.ConnKey]*Conn

	dialer Dialer
	policy Policy
	logger *logrus.Logger
}

// NewManager builds an empty manager around the given dialer.
func NewManager(dialer Dialer, policy Policy, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		conns:  make(map[hub.ConnKey]*Conn),
		dialer: dialer,
		policy: policy,
		logger: logger,
	}
}

// Acquire returns a subscriber handle for the (match, user) connection,
// creating and dialing it on first use. Every subscriber of the same key
// shares one underlying transport.
func (m *Manager) Acquire(matchID, userID uuid.UUID, url string) *Handle {
	key := hub.ConnKey{MatchID: matchID, UserID: userID}

	m.mu.Lock()
	c := m.conns[key]
	if c == nil {
		c = newClientConn(m, key, url)
		m.conns[key] = c
	}
	m.mu.Unlock()

	return c.acquire()
}

// ConnState reports the current state of a key's connection, or
// StateDisconnected when no connection record exists.
func (m *Manager) ConnState(matchID, userID uuid.UUID) ConnState {
	m.mu.Lock()
	c := m.conns[hub.ConnKey{MatchID: matchID, UserID: userID}]
	m.mu.Unlock()
	if c == nil {
		return StateDisconnected
	}
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.State
}

// remove drops c from the map if it is still the registered record.
func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	if m.conns[c.key] == c {
		delete(m.conns, c.key)
	}
	m.mu.Unlock()
}

// Conn is one logical connection record. All fields behind Mu; helpers
// with the Unsafe suffix expect it held. epoch invalidates timer fires and
// read loops that outlive the transport they belong to.
type Conn struct {
	key hub.ConnKey
	url string

	Mu       sync.Mutex
	State    ConnState
	Attempts int

	refs      int
	nextSubID int
	subs      map[int]*Handle

	transport    Transport
	lastSnapshot []byte
	epoch        int

	retryTimer    *time.Timer
	cooldownTimer *time.Timer
	teardownTimer *time.Timer

	mgr    *Manager
	policy Policy
	logger *logrus.Logger
}

func newClientConn(m *Manager, key hub.ConnKey, url string) *Conn {
	return &Conn{
		key:    key,
		url:    url,
		State:  StateDisconnected,
		subs:   make(map[int]*Handle),
		mgr:    m,
		policy: m.policy,
		logger: m.logger,
	}
}

// Handle is one subscriber's view of a shared connection. Messages and
// state changes arrive on buffered channels; a slow subscriber misses
// messages rather than stalling the others.
type Handle struct {
	conn     *Conn
	id       int
	released bool

	msgs   chan []byte
	states chan ConnState
}

// Messages delivers inbound messages in arrival order.
func (h *Handle) Messages() <-chan []byte {
	return h.msgs
}

// States delivers connection state changes.
func (h *Handle) States() <-chan ConnState {
	return h.states
}

// Snapshot returns the most recent state snapshot seen on the connection,
// or nil before the first one arrives.
func (h *Handle) Snapshot() []byte {
	h.conn.Mu.Lock()
	defer h.conn.Mu.Unlock()
	if h.conn.lastSnapshot == nil {
		return nil
	}
	cp := make([]byte, len(h.conn.lastSnapshot))
	copy(cp, h.conn.lastSnapshot)
	return cp
}

// Send writes data on the shared transport.
func (h *Handle) Send(ctx context.Context, data []byte) error {
	c := h.conn
	c.Mu.Lock()
	t := c.transport
	state := c.State
	c.Mu.Unlock()
	if state != StateConnected || t == nil {
		return errs.Conflict("connection is %s", state)
	}
	return t.WriteMessage(ctx, data)
}

// Release drops this subscriber. The shared transport survives until the
// refcount has stayed at zero past the teardown debounce.
func (h *Handle) Release() {
	c := h.conn
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	delete(c.subs, h.id)
	c.refs--
	if c.refs == 0 {
		c.scheduleTeardownUnsafe()
	}
}

func (c *Conn) acquire() *Handle {
	c.Mu.Lock()
	defer c.Mu.Unlock()

	c.refs++
	if c.teardownTimer != nil {
		c.teardownTimer.Stop()
		c.teardownTimer = nil
	}

	h := &Handle{
		conn:   c,
		id:     c.nextSubID,
		msgs:   make(chan []byte, subBufferSize),
		states: make(chan ConnState, 8),
	}
	c.nextSubID++
	c.subs[h.id] = h

	// Late joiners catch up from the cached snapshot.
	if c.lastSnapshot != nil {
		pushMessage(h, c.lastSnapshot)
	}
	pushState(h, c.State)

	if c.State == StateDisconnected && c.refs == 1 {
		c.connectUnsafe()
	}
	return h
}

// connectUnsafe starts a dial attempt. No-op unless currently disconnected.
func (c *Conn) connectUnsafe() {
	if c.State != StateDisconnected {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.State = StateConnecting
	c.fanoutStateUnsafe(StateConnecting)
	go c.runDial(c.epoch)
}

// runDial performs one connection attempt for the given epoch.
func (c *Conn) runDial(epoch int) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	t, err := c.mgr.dialer.Dial(ctx, c.url)
	cancel()
	if err != nil {
		c.dialFailed(epoch, err)
		return
	}

	// Re-announce identity before trusting the connection; the hub answers
	// with a full state snapshot.
	join, _ := json.Marshal(map[string]interface{}{
		"type":    "join",
		"matchId": c.key.MatchID,
		"userId":  c.key.UserID,
	})
	wctx, wcancel := context.WithTimeout(context.Background(), joinWriteTimeout)
	werr := t.WriteMessage(wctx, join)
	wcancel()
	if werr != nil {
		_ = t.Close(websocket.StatusNormalClosure, "join announcement failed")
		c.dialFailed(epoch, werr)
		return
	}

	c.Mu.Lock()
	if c.epoch != epoch || c.State != StateConnecting {
		c.Mu.Unlock()
		_ = t.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	c.transport = t
	c.State = StateConnected
	c.Attempts = 0
	c.fanoutStateUnsafe(StateConnected)
	c.Mu.Unlock()

	go c.readLoop(epoch, t)
}

func (c *Conn) dialFailed(epoch int, err error) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if c.epoch != epoch || c.State != StateConnecting {
		return
	}
	c.Attempts++
	c.logger.Warnf("client: dial %s failed (attempt %d/%d): %v", c.url, c.Attempts, c.policy.MaxAttempts, err)
	if c.Attempts >= c.policy.MaxAttempts {
		c.enterFailedUnsafe()
		return
	}
	c.State = StateDisconnected
	c.fanoutStateUnsafe(StateDisconnected)
	c.scheduleRetryUnsafe()
}

// scheduleRetryUnsafe arms the backoff timer for the next attempt.
func (c *Conn) scheduleRetryUnsafe() {
	delay := backoffDelay(c.policy, c.Attempts+1)
	epoch := c.epoch
	c.retryTimer = time.AfterFunc(delay, func() {
		c.Mu.Lock()
		defer c.Mu.Unlock()
		if c.epoch != epoch || c.State != StateDisconnected || c.refs == 0 {
			return
		}
		c.connectUnsafe()
	})
}

// enterFailedUnsafe parks the connection until the cooldown elapses.
func (c *Conn) enterFailedUnsafe() {
	c.State = StateFailed
	c.fanoutStateUnsafe(StateFailed)
	epoch := c.epoch
	c.cooldownTimer = time.AfterFunc(c.policy.Cooldown, func() {
		c.Mu.Lock()
		defer c.Mu.Unlock()
		if c.epoch != epoch || c.State != StateFailed {
			return
		}
		c.State = StateDisconnected
		c.Attempts = 0
		c.fanoutStateUnsafe(StateDisconnected)
		if c.refs > 0 {
			c.connectUnsafe()
		}
	})
}

// readLoop pumps inbound messages until the transport errors.
func (c *Conn) readLoop(epoch int, t Transport) {
	for {
		data, err := t.ReadMessage(context.Background())
		if err != nil {
			c.handleReadError(epoch, err)
			return
		}
		c.handleInbound(epoch, data)
	}
}

func (c *Conn) handleInbound(epoch int, data []byte) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if c.epoch != epoch {
		return
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Type == snapshotMessageType {
		cp := make([]byte, len(data))
		copy(cp, data)
		c.lastSnapshot = cp
	}

	for _, h := range c.subs {
		pushMessage(h, data)
	}
}

func (c *Conn) handleReadError(epoch int, err error) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.transport = nil

	if websocket.CloseStatus(err) == hub.StatusKicked {
		c.logger.Infof("client: kicked from match %s: %v", c.key.MatchID, err)
		c.enterKickedUnsafe()
		return
	}
	if c.State != StateConnected {
		return
	}
	c.logger.Warnf("client: transport lost for match %s: %v", c.key.MatchID, err)
	c.State = StateDisconnected
	c.fanoutStateUnsafe(StateDisconnected)
	if c.refs > 0 {
		c.scheduleRetryUnsafe()
	}
}

// enterKickedUnsafe is terminal. No timer may revive the connection.
func (c *Conn) enterKickedUnsafe() {
	c.stopTimersUnsafe()
	c.epoch++
	c.State = StateKicked
	c.fanoutStateUnsafe(StateKicked)
}

func (c *Conn) stopTimersUnsafe() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
		c.cooldownTimer = nil
	}
	if c.teardownTimer != nil {
		c.teardownTimer.Stop()
		c.teardownTimer = nil
	}
}

// scheduleTeardownUnsafe arms the zero-subscriber debounce. A re-acquire
// inside the window cancels it and keeps the transport.
func (c *Conn) scheduleTeardownUnsafe() {
	epoch := c.epoch
	c.teardownTimer = time.AfterFunc(c.policy.TeardownDebounce, func() {
		c.Mu.Lock()
		if c.epoch != epoch || c.refs > 0 {
			c.Mu.Unlock()
			return
		}
		t := c.transport
		c.transport = nil
		c.epoch++
		c.stopTimersUnsafe()
		if c.State != StateKicked {
			c.State = StateDisconnected
		}
		c.Mu.Unlock()

		if t != nil {
			_ = t.Close(websocket.StatusNormalClosure, "no subscribers left")
		}
		c.mgr.remove(c)
	})
}

func (c *Conn) fanoutStateUnsafe(s ConnState) {
	for _, h := range c.subs {
		pushState(h, s)
	}
}

func pushMessage(h *Handle, data []byte) {
	select {
	case h.msgs <- data:
	default:
	}
}

func pushState(h *Handle, s ConnState) {
	select {
	case h.states <- s:
	default:
	}
}
