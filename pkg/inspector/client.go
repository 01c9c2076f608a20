// Package inspector is a client for the runtime debugging protocol exposed
// by the debuggee's runtime. It matches asynchronous responses to requests by
// numeric id and delivers runtime-pushed notifications in order.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aivorynet/dbgbridge/pkg/transport"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ErrClosed is returned for requests that were pending, or issued, after the
// connection to the runtime closed.
var ErrClosed = errors.New("inspector connection closed")

// Observer is told about every completed request.
type Observer func(method string, elapsed time.Duration, err error)

// Call is an in-flight request.
type Call struct {
	ID     int64
	Method string

	started time.Time
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
	result  json.RawMessage
	err     error
}

func (c *Call) complete(result json.RawMessage, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
	})
}

// Done is closed when the response (or a rejection) arrives.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes, ctx is done or the client's request
// timeout elapses. Giving up does not withdraw the request; the runtime's
// eventual answer is discarded.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Client is a connection to a runtime's debugging interface.
type Client struct {
	transport transport.Transport
	logger    *zap.Logger
	observer  Observer
	timeout   time.Duration

	seq     atomic.Int64
	pending map[int64]*Call
	mu      sync.Mutex

	notifyIn  chan Notification
	notifyOut chan Notification

	done      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool
	err       error
	errMu     sync.RWMutex
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithObserver registers a request observer, used for metrics.
func WithObserver(observer Observer) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

// WithRequestTimeout bounds how long Wait blocks for an answer. Zero means
// wait until the connection closes.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient starts reading from t.
func NewClient(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		logger:    zap.NewNop(),
		pending:   make(map[int64]*Call),
		notifyIn:  make(chan Notification),
		notifyOut: make(chan Notification),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.pump()
	go c.receiveLoop()
	return c
}

// Send issues a request without waiting for its response.
func (c *Client) Send(method string, params interface{}) (*Call, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}

	call := &Call{
		ID:      c.seq.Add(1),
		Method:  method,
		started: time.Now(),
		timeout: c.timeout,
		done:    make(chan struct{}),
	}

	data, err := json.Marshal(Message{ID: call.ID, Method: method, Params: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, c.closedErr()
	default:
	}
	c.pending[call.ID] = call
	c.mu.Unlock()

	c.logger.Debug("request", zap.Int64("id", call.ID), zap.String("method", method))

	if err := c.transport.Send(data); err != nil {
		c.mu.Lock()
		delete(c.pending, call.ID)
		c.mu.Unlock()
		err = fmt.Errorf("send %s: %w", method, err)
		c.finish(call, nil, err)
		return nil, err
	}
	return call, nil
}

// Call sends a request, waits for the response and decodes the result into
// out, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	call, err := c.Send(method, params)
	if err != nil {
		return err
	}
	result, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Notifications delivers runtime-pushed events in arrival order. The channel
// is closed after the connection closes and every queued event was taken.
func (c *Client) Notifications() <-chan Notification {
	return c.notifyOut
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed, or nil if it was closed by Close.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes the transport. Pending requests are rejected with ErrClosed.
func (c *Client) Close() error {
	c.closing.Store(true)
	err := c.transport.Close()
	c.shutdown(nil)
	return err
}

func (c *Client) receiveLoop() {
	defer close(c.notifyIn)

	for {
		data, err := c.transport.Receive()
		if err != nil {
			if c.closing.Load() || errors.Is(err, transport.ErrClosed) {
				c.shutdown(nil)
			} else {
				c.logger.Debug("receive failed", zap.Error(err))
				c.shutdown(err)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	if !gjson.ValidBytes(data) {
		c.logger.Debug("dropping invalid runtime message")
		return
	}

	if id := gjson.GetBytes(data, "id"); id.Exists() {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("dropping undecodable response", zap.Error(err))
			return
		}
		var err error
		if msg.Error != nil {
			err = msg.Error
		}
		c.resolve(id.Int(), msg.Result, err)
		return
	}

	method := gjson.GetBytes(data, "method")
	if !method.Exists() {
		return
	}
	n := Notification{Method: method.String()}
	if params := gjson.GetBytes(data, "params"); params.Exists() {
		n.Params = json.RawMessage(params.Raw)
	}
	c.notifyIn <- n
}

// resolve completes the pending call with the given id. Unknown ids are ignored.
func (c *Client) resolve(id int64, result json.RawMessage, err error) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request", zap.Int64("id", id))
		return
	}
	c.finish(call, result, err)
}

func (c *Client) finish(call *Call, result json.RawMessage, err error) {
	if c.observer != nil {
		c.observer(call.Method, time.Since(call.started), err)
	}
	call.complete(result, err)
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		c.mu.Lock()
		close(c.done)
		pending := c.pending
		c.pending = make(map[int64]*Call)
		c.mu.Unlock()

		rejection := c.closedErr()
		for _, call := range pending {
			c.finish(call, nil, rejection)
		}
	})
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

// pump moves notifications from the reader to the consumer through an
// unbounded queue, so a consumer waiting on a response never stalls the reader.
func (c *Client) pump() {
	defer close(c.notifyOut)

	var queue []Notification
	in := c.notifyIn
	for in != nil || len(queue) > 0 {
		var out chan Notification
		var next Notification
		if len(queue) > 0 {
			out = c.notifyOut
			next = queue[0]
		}

		select {
		case n, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, n)
		case out <- next:
			queue = queue[1:]
		}
	}
}
