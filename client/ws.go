package client

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"canvas-sync/domain"
)

// WSDialer dials the canvas websocket endpoint. URL must carry the board
// parameter, e.g. ws://host/ws/canvas?board=alpha.
type WSDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
}

// Dial performs the websocket handshake.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read() (domain.Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return domain.Envelope{}, err
	}
	var env domain.Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
