// Package frontend owns the browser-facing socket: the per-connection read
// loop, frame dispatch, and session teardown when the socket dies.
package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// wsConn adapts a websocket connection to the session.Conn interface. Writes
// are bounded by the configured timeout. Open flips to false on the first
// Close so senders fail fast instead of writing into a dying socket.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	open         atomic.Bool
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	c := &wsConn{conn: conn, writeTimeout: writeTimeout}
	c.open.Store(true)
	return c
}

func (c *wsConn) Send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	c.open.Store(false)
	return c.conn.Close(code, reason)
}

func (c *wsConn) Open() bool {
	return c.open.Load()
}
