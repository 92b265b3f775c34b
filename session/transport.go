package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is one open duplex transport. Each Read returns one whole message.
// Read returns a *CloseError when the peer sent a close frame.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a Conn to endpoint presenting secret at handshake time.
type Dialer interface {
	Dial(ctx context.Context, endpoint, secret string) (Conn, error)
}

// CloseError is a close frame received from the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("closed with code %d: %s", e.Code, e.Reason)
}

const readLimit = 4 << 20

// WebsocketDialer dials with github.com/coder/websocket. The secret is sent
// as the single offered subprotocol.
type WebsocketDialer struct {
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, endpoint, secret string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		Subprotocols: []string{secret},
		HTTPHeader:   d.Header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code int, reason string) error {
	err := c.conn.Close(websocket.StatusCode(code), reason)
	if err != nil && websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}
