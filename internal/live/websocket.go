package live

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebsocketDialer dials the backend's websocket endpoint with the session
// token attached.
type WebsocketDialer struct {
	dialer *websocket.Dialer
	header http.Header
}

// NewWebsocketDialer creates a dialer authenticating as the given session.
func NewWebsocketDialer(token string) *WebsocketDialer {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebsocketDialer{
		dialer: websocket.DefaultDialer,
		header: header,
	}
}

// DialContext establishes one websocket connection.
func (d *WebsocketDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	c, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteJSON(v any) error {
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
