package chatsync

import (
	"context"
	"sync"
	"time"
)

// DialFunc builds the transport for a URL. The default constructs a *Client;
// tests substitute fakes.
type DialFunc func(cfg Config) ChatConn

// ConnectionRegistry owns at most one shared connection at a time, keyed by
// URL, and hands out reference-counted handles. When the last reference is
// released the connection is closed only after a grace delay, so rapid
// release/acquire churn reuses the same socket. An injected registry
// replaces any module-level singleton.
type ConnectionRegistry struct {
	cfg    Config
	dial   DialFunc
	logger Logger

	mu     sync.Mutex
	shared *sharedConn
}

type sharedConn struct {
	url        string
	conn       ChatConn
	refCount   int
	closeTimer *time.Timer

	// connectDone is the single in-flight connect shared by all acquirers.
	// It is cleared on failure so a later attempt can retry.
	connectMu   sync.Mutex
	connectDone chan struct{}
	connectErr  error
}

// ConnectionHandle is one reference to the shared connection.
type ConnectionHandle struct {
	reg *ConnectionRegistry
	url string
	sc  *sharedConn

	releaseOnce sync.Once
}

// NewRegistry constructs a registry. cfg supplies the connection settings
// applied to every dialled URL and the close grace delay.
func NewRegistry(cfg Config) *ConnectionRegistry {
	if cfg.CloseDelay <= 0 {
		cfg.CloseDelay = DefaultConfig().CloseDelay
	}
	return &ConnectionRegistry{
		cfg:    cfg,
		logger: noopLogger{},
		dial: func(c Config) ChatConn {
			return NewClient(c)
		},
	}
}

// SetLogger overrides the logger (optional).
func (r *ConnectionRegistry) SetLogger(l Logger) {
	if l == nil {
		return
	}
	r.logger = l
}

// SetDialFunc overrides how transports are constructed. Must be called
// before the first Acquire.
func (r *ConnectionRegistry) SetDialFunc(dial DialFunc) {
	if dial == nil {
		return
	}
	r.mu.Lock()
	r.dial = dial
	r.mu.Unlock()
}

// Acquire returns a handle on the shared connection for url, creating it if
// needed. A prior shared connection with a different URL is torn down first,
// fire and forget. Any pending deferred close is cancelled.
func (r *ConnectionRegistry) Acquire(url string) *ConnectionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shared != nil && r.shared.url != url {
		old := r.shared
		if old.closeTimer != nil {
			old.closeTimer.Stop()
			old.closeTimer = nil
		}
		r.shared = nil
		r.logger.Info("replacing shared connection", map[string]any{"url": url})
		go func() {
			_ = old.conn.Close()
		}()
	}

	if r.shared == nil {
		cfg := r.cfg
		cfg.URL = url
		r.shared = &sharedConn{url: url, conn: r.dial(cfg)}
	}

	sc := r.shared
	sc.refCount++
	if sc.closeTimer != nil {
		sc.closeTimer.Stop()
		sc.closeTimer = nil
	}
	return &ConnectionHandle{reg: r, url: url, sc: sc}
}

// release decrements the refcount, floored at 0, and starts the deferred
// close when it reaches 0.
func (r *ConnectionRegistry) release(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc := r.shared
	if sc == nil || sc.url != url {
		return
	}
	if sc.refCount > 0 {
		sc.refCount--
	}
	if sc.refCount > 0 {
		return
	}

	sc.closeTimer = time.AfterFunc(r.cfg.CloseDelay, func() {
		r.mu.Lock()
		if r.shared != sc || sc.refCount > 0 {
			r.mu.Unlock()
			return
		}
		r.shared = nil
		r.mu.Unlock()
		if err := sc.conn.Close(); err != nil {
			r.logger.Debug("deferred close", map[string]any{"error": err.Error()})
		}
	})
}

// Conn exposes the underlying transport.
func (h *ConnectionHandle) Conn() ChatConn {
	return h.sc.conn
}

// Connect establishes the shared connection. Establishment is idempotent:
// concurrent handles await the same in-flight attempt rather than opening
// duplicate sockets.
func (h *ConnectionHandle) Connect(ctx context.Context) error {
	sc := h.sc

	sc.connectMu.Lock()
	if sc.conn.IsConnected() {
		sc.connectMu.Unlock()
		return nil
	}
	done := sc.connectDone
	if done != nil {
		// A completed attempt whose connection has since dropped must not
		// satisfy a new Connect with its stale result.
		select {
		case <-done:
			done = nil
			sc.connectDone = nil
		default:
		}
	}
	if done == nil {
		d := make(chan struct{})
		sc.connectDone = d
		done = d
		go func() {
			err := sc.conn.Connect(context.Background())
			sc.connectMu.Lock()
			sc.connectErr = err
			if err != nil {
				sc.connectDone = nil
			}
			sc.connectMu.Unlock()
			close(d)
		}()
	}
	sc.connectMu.Unlock()

	select {
	case <-done:
		sc.connectMu.Lock()
		err := sc.connectErr
		sc.connectMu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release gives the reference back. Safe to call more than once.
func (h *ConnectionHandle) Release() {
	h.releaseOnce.Do(func() {
		h.reg.release(h.url)
	})
}
