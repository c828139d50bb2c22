package karmachat

import (
	"context"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

const wsReadLimit = 1 << 20

// WebSocketTransport is the primary gateway transport.
type WebSocketTransport struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport returns a transport dialing gatewayURL.
func NewWebSocketTransport(gatewayURL string) *WebSocketTransport {
	return &WebSocketTransport{url: gatewayURL}
}

func (t *WebSocketTransport) Name() string { return "websocket" }

func (t *WebSocketTransport) Open(ctx context.Context, params url.Values) error {
	target := t.url
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return errors.Wrap(err, "websocket dial")
	}
	conn.SetReadLimit(wsReadLimit)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *WebSocketTransport) current() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	conn, err := t.current()
	if err != nil {
		return nil, err
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "websocket read")
	}
	return data, nil
}

// Close performs the websocket close handshake.
func (t *WebSocketTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		return errors.Wrap(err, "websocket close")
	}
	return nil
}
