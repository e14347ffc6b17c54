// internal/client/dialer.go
package client

import (
	"context"

	"github.com/coder/websocket"
)

// Transport is one live connection. Production wraps a WebSocket; tests
// substitute an in-memory pipe.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a Transport for a URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials real WebSocket endpoints.
type WebsocketDialer struct {
	// Subprotocol to offer; defaults to "cutroom".
	Subprotocol string
	// Opts carries extra dial options (cookie jars, headers).
	Opts *websocket.DialOptions
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	opts := &websocket.DialOptions{}
	if d.Opts != nil {
		cp := *d.Opts
		opts = &cp
	}
	sub := d.Subprotocol
	if sub == "" {
		sub = "cutroom"
	}
	opts.Subprotocols = []string{sub}

	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return &wsTransport{c: c}, nil
}

type wsTransport struct {
	c *websocket.Conn
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.c.Read(ctx)
	return data, err
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	return t.c.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	return t.c.Close(code, reason)
}
