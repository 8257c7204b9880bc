package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/fleetglass/chatsync-go/chatsync/internal"

	"github.com/coder/websocket"
)

// ChatConn is the pub/sub transport the sync engine runs on. *Client is the
// production implementation; tests substitute fakes.
type ChatConn interface {
	Connect(ctx context.Context) error
	Close() error
	Subscribe(ctx context.Context, topic string, handler func(data []byte)) (*Subscription, error)
	Publish(ctx context.Context, topic string, v any) error
	IsConnected() bool
	OnStatus(fn func(StateEvent))
}

// Client speaks the JSON envelope protocol over a single websocket. One
// reader goroutine dispatches inbound frames, so subscription handlers never
// run in parallel.
type Client struct {
	cfg     Config
	logger  Logger
	writeCh chan envelope

	mu        sync.Mutex
	conn      *internal.Conn
	connected bool
	state     ConnectionState
	cancel    context.CancelFunc
	subs      map[int64]*Subscription
	nextSID   int64
	onStatus  func(StateEvent)
	onError   func(error)
}

var _ ChatConn = (*Client)(nil)

// NewClient constructs a client with the provided config. Use DefaultConfig()
// as a starting point; set a timeout to 0 to disable it.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		logger:  noopLogger{},
		writeCh: make(chan envelope, 16),
		subs:    make(map[int64]*Subscription),
	}
}

// SetLogger overrides the logger (optional).
func (c *Client) SetLogger(l Logger) {
	if l == nil {
		return
	}
	c.logger = l
}

// OnStatus registers a callback for connection state changes.
func (c *Client) OnStatus(fn func(StateEvent)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// OnError registers a callback for transport and protocol errors.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Connect dials the server and starts the internal loops. It may be called
// again after a disconnect; existing subscriptions are re-registered on the
// new connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return NewError(ErrorTransport, "already connected")
	}
	c.mu.Unlock()

	if err := c.cfg.Validate(); err != nil {
		return err
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return WrapError(ErrorInvalidConfig, "invalid URL", err)
	}

	c.setState(StateConnecting, nil)

	dialCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	ws, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		code := ErrorTransport
		if errors.Is(err, context.DeadlineExceeded) {
			code = ErrorTimeout
		}
		werr := WrapError(code, "dial failed", err)
		c.setState(StateError, werr)
		return werr
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = internal.NewConn(ws, c.cfg.ReadTimeout, c.cfg.WriteTimeout)
	c.cancel = cancel
	c.connected = true
	resub := make([]envelope, 0, len(c.subs))
	for sid, sub := range c.subs {
		resub = append(resub, envelope{Op: opSub, Subject: sub.Topic, SID: sid})
	}
	c.mu.Unlock()

	c.setState(StateConnected, nil)

	go c.readLoop(runCtx)
	go c.writeLoop(runCtx)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(runCtx)
	}

	for _, env := range resub {
		c.enqueue(env)
	}
	return nil
}

// Subscribe registers a handler for a topic. The context is the abort
// signal: cancelling it unsubscribes. Handlers receive the raw payload.
func (c *Client) Subscribe(ctx context.Context, topic string, handler func(data []byte)) (*Subscription, error) {
	if handler == nil {
		return nil, NewError(ErrorSubscription, "nil handler")
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, NewError(ErrorNotConnected, "subscribe requires a connection")
	}
	c.nextSID++
	sid := c.nextSID
	sub := newSubscription(topic, func() { c.unsubscribe(sid) })
	sub.handler = handler
	c.subs[sid] = sub
	c.mu.Unlock()

	c.enqueue(envelope{Op: opSub, Subject: topic, SID: sid})

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Unsubscribe()
		}()
	}
	return sub, nil
}

// Publish sends v to a topic. It fails fast when not connected; nothing is
// queued for later delivery.
func (c *Client) Publish(ctx context.Context, topic string, v any) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return NewError(ErrorNotConnected, "publish requires a connection")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return WrapError(ErrorSerialization, "marshal publish payload", err)
	}

	select {
	case c.writeCh <- envelope{Op: opPub, Subject: topic, Data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the connection is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close shuts down the client and closes the websocket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.setState(StateClosed, nil)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (c *Client) unsubscribe(sid int64) {
	c.mu.Lock()
	_, ok := c.subs[sid]
	delete(c.subs, sid)
	connected := c.connected
	c.mu.Unlock()
	if !ok || !connected {
		return
	}
	// Best effort: the local deregistration above already stops delivery.
	select {
	case c.writeCh <- envelope{Op: opUnsub, SID: sid}:
	default:
	}
}

func (c *Client) enqueue(env envelope) {
	select {
	case c.writeCh <- env:
	default:
		c.logger.Warn("write queue full, dropping frame", map[string]any{"op": env.Op, "subject": env.Subject})
	}
}

func (c *Client) setState(next ConnectionState, err error) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil && prev != next {
		fn(StateEvent{OldState: prev, NewState: next, Error: err})
	}
}

func (c *Client) fireError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil && err != nil {
		fn(err)
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var env envelope
		if err := conn.Read(ctx, &env); err != nil {
			if isExpectedDisconnect(ctx, err) {
				c.teardown(nil)
				return
			}
			werr := WrapError(ErrorTransport, "read failed", err)
			c.fireError(werr)
			c.logger.Warn("read loop exit", map[string]any{"error": err.Error()})
			c.teardown(werr)
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case env := <-c.writeCh:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.Write(ctx, env); err != nil {
				c.fireError(WrapError(ErrorTransport, "write failed", err))
				c.logger.Warn("write loop exit", map[string]any{"error": err.Error()})
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pingLoop keeps the websocket alive through idle stretches and surfaces a
// dead peer between frames; the read loop observes the broken socket and
// tears down.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.Ping(ctx); err != nil {
				c.logger.Warn("keepalive ping failed", map[string]any{"error": err.Error()})
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch routes one inbound envelope. It runs on the single reader
// goroutine, so downstream processing is synchronous end to end.
func (c *Client) dispatch(env envelope) {
	switch env.Op {
	case opMsg:
		c.mu.Lock()
		sub, ok := c.subs[env.SID]
		if !ok {
			for _, s := range c.subs {
				if s.Topic == env.Subject {
					sub, ok = s, true
					break
				}
			}
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("message for unknown subscription", map[string]any{"subject": env.Subject})
			return
		}
		sub.deliver(env.Data)
	case opPing:
		c.enqueue(envelope{Op: opPong})
	case opPong:
		// keepalive reply, nothing to do
	case opErr:
		c.fireError(NewError(ErrorProtocol, env.Message))
	default:
		c.logger.Debug("unknown envelope op", map[string]any{"op": env.Op})
	}
}

// teardown marks the connection gone after the read loop exits. A nil err
// means an orderly close.
func (c *Client) teardown(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	alreadyClosed := c.state == StateClosed
	c.mu.Unlock()
	if conn != nil {
		// The socket is already broken; skip the close handshake.
		conn.CloseNow()
	}
	if alreadyClosed || !wasConnected {
		return
	}
	if err != nil {
		c.setState(StateError, err)
		return
	}
	c.setState(StateDisconnected, nil)
}

func isExpectedDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
