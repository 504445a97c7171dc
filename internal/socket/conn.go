// Package socket maintains the persistent websocket connection to a Dara
// server: heartbeats, bounded reconnection, and fan-out of inbound messages
// into per-kind streams. The connection is owned exclusively by the Client;
// callers observe it through streams and never touch it directly.
package socket

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is the minimal connection surface the client needs. The production
// implementation wraps coder/websocket; tests substitute in-memory pipes.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a connection to the given URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// DefaultDialer dials a text-frame websocket connection.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	c, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return wsConn{c: c}, nil
}
