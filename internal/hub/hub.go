// internal/hub/hub.go
//
// Package hub owns the live WebSocket connections of running matches. Each
// match forms a broadcast group keyed by (match, user); a connection's
// writes flow through a single pump goroutine so every client observes
// events in the order they were enqueued.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// StatusKicked is the close code for a deliberate removal. Clients treat it
// as terminal and must not reconnect.
const StatusKicked websocket.StatusCode = 4000

// StatusReplaced closes the older transport when a user connects twice.
const StatusReplaced websocket.StatusCode = 4001

const (
	outBufferSize = 32
	writeTimeout  = 5 * time.Second
	pingInterval  = 30 * time.Second
	pingTimeout   = 15 * time.Second
)

// ConnKey identifies one user's seat in one match's broadcast group.
type ConnKey struct {
	MatchID uuid.UUID
	UserID  uuid.UUID
}

// Sender is the transport side of a connection. Production uses a
// WebSocket; tests plug in an in-memory recorder.
type Sender interface {
	Send(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// WSSender adapts a live coder/websocket connection to the Sender interface.
type WSSender struct {
	C *websocket.Conn
}

func (s WSSender) Send(ctx context.Context, data []byte) error {
	return s.C.Write(ctx, websocket.MessageText, data)
}

func (s WSSender) Ping(ctx context.Context) error {
	return s.C.Ping(ctx)
}

func (s WSSender) Close(code websocket.StatusCode, reason string) error {
	return s.C.Close(code, reason)
}

// Conn is one registered connection. Messages enqueue onto out and drain
// through writePump in FIFO order. done closes exactly once and ends the
// connection's send side; the out channel itself is never closed.
type Conn struct {
	Key ConnKey

	out  chan []byte
	done chan struct{}
	once sync.Once

	sender Sender
	cancel context.CancelFunc

	logger *logrus.Logger
}

func newConn(key ConnKey, sender Sender, cancel context.CancelFunc, logger *logrus.Logger) *Conn {
	return &Conn{
		Key:    key,
		out:    make(chan []byte, outBufferSize),
		done:   make(chan struct{}),
		sender: sender,
		cancel: cancel,
		logger: logger,
	}
}

// Send enqueues data for ordered delivery. Reports false when the
// connection is finished or the client is too slow to drain its buffer;
// a dropped message is recovered by the next state snapshot.
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warnf("hub: send buffer full for user %s in match %s, dropping message", c.Key.UserID, c.Key.MatchID)
		return false
	}
}

// finish ends the send side once. The pump exits on the next select.
func (c *Conn) finish() {
	c.once.Do(func() {
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
	})
}

// Done reports when the connection's send side has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// closeTransport finishes the connection and closes the underlying
// transport with the given code.
func (c *Conn) closeTransport(code websocket.StatusCode, reason string) {
	c.finish()
	if err := c.sender.Close(code, reason); err != nil {
		c.logger.Debugf("hub: close for user %s in match %s: %v", c.Key.UserID, c.Key.MatchID, err)
	}
}

// writePump drains the out channel onto the transport, pinging idle
// connections. It runs as a single goroutine per Conn, which is what keeps
// per-connection delivery ordered. onDead is invoked when the transport
// fails before the connection was finished deliberately.
func (c *Conn) writePump(onDead func(*Conn)) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.sender.Send(ctx, data)
			cancel()
			if err != nil {
				c.logger.Warnf("hub: write failed for user %s in match %s: %v", c.Key.UserID, c.Key.MatchID, err)
				onDead(c)
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			err := c.sender.Ping(ctx)
			cancel()
			if err != nil {
				c.logger.Warnf("hub: ping failed for user %s in match %s, assuming disconnect: %v", c.Key.UserID, c.Key.MatchID, err)
				onDead(c)
				return
			}
		}
	}
}
