// Package ws provides the WebSocket realtime transport for the wallet sync
// engine, implementing walletsync.RealtimeDialer on coder/websocket.
package ws

import (
	"context"

	"github.com/coder/websocket"

	walletsync "github.com/c0deZ3R0/wallet-sync-kit"
)

// Dialer establishes WebSocket connections to the wallet backend's push
// endpoint.
type Dialer struct {
	// Options are passed through to websocket.Dial. Nil is fine.
	Options *websocket.DialOptions
}

var _ walletsync.RealtimeDialer = (*Dialer)(nil)

// Dial connects to url and returns the live connection handle.
func (d *Dialer) Dial(ctx context.Context, url string) (walletsync.RealtimeConn, error) {
	c, _, err := websocket.Dial(ctx, url, d.Options)
	if err != nil {
		return nil, err
	}
	return &conn{ws: c}, nil
}

type conn struct {
	ws *websocket.Conn
}

func (c *conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *conn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
