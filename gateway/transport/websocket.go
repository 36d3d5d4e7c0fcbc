package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kleeedolinux/gateway.go/gateway"
)

// WebSocket implements gateway.Transport over gorilla/websocket. One
// instance is reusable across reconnects: Connect dials again after a
// Close or a read failure.
type WebSocket struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	url          string
	dialer       *websocket.Dialer
	headers      http.Header
	connected    bool
	writeTimeout time.Duration
	compression  bool
	sentClose    *gateway.CloseError
	logger       zerolog.Logger
}

type Option func(*WebSocket)

func WithHeaders(headers http.Header) Option {
	return func(t *WebSocket) {
		t.headers = headers
	}
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(t *WebSocket) {
		t.writeTimeout = timeout
	}
}

func WithCompression(enabled bool) Option {
	return func(t *WebSocket) {
		t.compression = enabled
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *WebSocket) {
		t.logger = l
	}
}

func NewWebSocket(url string, opts ...Option) *WebSocket {
	t := &WebSocket{
		url:          url,
		dialer:       websocket.DefaultDialer,
		headers:      make(http.Header),
		writeTimeout: 10 * time.Second,
		logger:       zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	dialer := *t.dialer
	dialer.HandshakeTimeout = 10 * time.Second
	if t.compression {
		dialer.EnableCompression = true
	}

	t.logger.Debug().Str("url", t.url).Msg("dialing")
	conn, _, err := dialer.DialContext(ctx, t.url, t.headers)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.url, err)
	}

	t.conn = conn
	t.connected = true
	t.sentClose = nil

	return nil
}

func (t *WebSocket) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return gateway.ErrNotConnected
	}

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next frame. When the connection dies it returns
// a *gateway.CloseError carrying the peer's close code, or the code of a
// close this side initiated.
func (t *WebSocket) Receive() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()

	if conn == nil {
		return nil, gateway.ErrNotConnected
	}

	_, message, err := conn.ReadMessage()
	if err == nil {
		return message, nil
	}

	t.mu.Lock()
	sent := t.sentClose
	if t.conn == conn {
		t.connected = false
		t.conn = nil
	}
	t.mu.Unlock()

	if !connected {
		return nil, gateway.ErrNotConnected
	}
	if sent != nil {
		return nil, sent
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return nil, &gateway.CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return nil, err
}

func (t *WebSocket) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return nil
	}

	t.logger.Debug().Int("code", code).Str("reason", reason).Msg("closing connection")
	t.sentClose = &gateway.CloseError{Code: code, Reason: reason}

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := t.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		t.logger.Debug().Err(err).Msg("close frame write failed")
	}

	err := t.conn.Close()
	t.connected = false
	t.conn = nil

	return err
}
