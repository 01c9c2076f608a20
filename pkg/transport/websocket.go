package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket is a Transport over a WebSocket connection, as exposed by
// runtimes that announce a ws:// debugging endpoint.
type WebSocket struct {
	url    string
	logger *zap.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex
	mu      sync.RWMutex
	closed  bool

	maxDialAttempts int
	dialDelay       time.Duration
}

// WebSocketOption configures a WebSocket transport.
type WebSocketOption func(*WebSocket)

// WithDialRetry sets how many times Dial tries to connect and the initial
// delay between attempts. The delay doubles after each failure.
func WithDialRetry(attempts int, delay time.Duration) WebSocketOption {
	return func(w *WebSocket) {
		w.maxDialAttempts = attempts
		w.dialDelay = delay
	}
}

// WithWebSocketLogger sets the transport logger.
func WithWebSocketLogger(logger *zap.Logger) WebSocketOption {
	return func(w *WebSocket) {
		w.logger = logger
	}
}

// DialWebSocket connects to the given ws:// endpoint.
func DialWebSocket(ctx context.Context, url string, opts ...WebSocketOption) (*WebSocket, error) {
	w := &WebSocket{
		url:             url,
		logger:          zap.NewNop(),
		maxDialAttempts: 5,
		dialDelay:       50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}

	var lastErr error
	for attempt := 1; attempt <= w.maxDialAttempts; attempt++ {
		w.logger.Debug("connecting", zap.String("url", url), zap.Int("attempt", attempt))

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			// Inspector payloads such as large property lists exceed the default frame budget.
			conn.SetReadLimit(64 << 20)
			w.conn = conn
			w.logger.Debug("websocket connected", zap.String("url", url))
			return w, nil
		}
		lastErr = err

		if attempt == w.maxDialAttempts {
			break
		}
		delay := w.dialDelay * time.Duration(1<<uint(attempt-1))
		if delay > 2*time.Second {
			delay = 2 * time.Second
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("dial %s: %w", url, lastErr)
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{
		url:    conn.RemoteAddr().String(),
		logger: zap.NewNop(),
		conn:   conn,
	}
}

// Send writes one text message.
func (w *WebSocket) Send(msg []byte) error {
	if w.isClosed() {
		return ErrClosed
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		if w.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Receive blocks until the next message arrives.
func (w *WebSocket) Receive() ([]byte, error) {
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			if w.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("websocket read: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// Close sends a close frame and closes the connection.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	w.writeMu.Unlock()

	w.logger.Debug("websocket closed", zap.String("url", w.url))
	return w.conn.Close()
}

func (w *WebSocket) isClosed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}
