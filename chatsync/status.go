package chatsync

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Status is the user-visible connection indicator.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
)

// reconnector computes escalating backoff delays with jitter. The attempt
// counter resets after the connection has been stable for a minute. Safe for
// concurrent use: markConnected arrives from the transport's status callback
// while the retry loop reads the attempt state.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(base, max time.Duration, maxAttempts int) *reconnector {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &reconnector{baseDelay: base, maxDelay: max, maxAttempts: maxAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// StatusMonitor owns the reconnect policy the sync engine itself never
// implements: it holds one registry reference, watches the transport's state
// events, and retries dropped connections with escalating backoff. Already
// rendered messages are untouched by a drop; the indicator is the only
// user-visible effect.
type StatusMonitor struct {
	registry *ConnectionRegistry
	url      string
	logger   Logger
	recon    *reconnector

	mu       sync.Mutex
	handle   *ConnectionHandle
	status   Status
	onChange func(Status)
	cancel   context.CancelFunc
	retrying bool
}

// NewStatusMonitor builds a monitor for the registry's shared connection at
// url. maxAttempts of 0 retries without bound.
func NewStatusMonitor(registry *ConnectionRegistry, url string, baseBackoff, maxBackoff time.Duration, maxAttempts int) *StatusMonitor {
	return &StatusMonitor{
		registry: registry,
		url:      url,
		logger:   noopLogger{},
		recon:    newReconnector(baseBackoff, maxBackoff, maxAttempts),
		status:   StatusDisconnected,
	}
}

// SetLogger overrides the logger (optional).
func (m *StatusMonitor) SetLogger(l Logger) {
	if l == nil {
		return
	}
	m.logger = l
}

// OnChange registers a callback for status transitions.
func (m *StatusMonitor) OnChange(fn func(Status)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Status returns the current indicator value.
func (m *StatusMonitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Start acquires the shared connection and begins monitoring. The initial
// connect failure is reported through the status callback, not returned;
// the backoff loop takes over either way.
func (m *StatusMonitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.handle != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	m.handle = m.registry.Acquire(m.url)
	handle := m.handle
	m.mu.Unlock()

	handle.Conn().OnStatus(func(ev StateEvent) {
		switch ev.NewState {
		case StateConnected:
			m.recon.markConnected()
			m.setStatus(StatusConnected)
		case StateDisconnected, StateError:
			m.setStatus(StatusDisconnected)
			m.scheduleReconnect(runCtx)
		case StateClosed:
			m.setStatus(StatusDisconnected)
		}
	})

	m.setStatus(StatusConnecting)
	if err := handle.Connect(runCtx); err != nil {
		m.logger.Warn("initial connect failed", map[string]any{"error": err.Error()})
		m.setStatus(StatusDisconnected)
		m.scheduleReconnect(runCtx)
		return
	}
	m.recon.markConnected()
	m.setStatus(StatusConnected)
}

// Stop releases the registry reference and halts reconnect attempts.
func (m *StatusMonitor) Stop() {
	m.mu.Lock()
	handle := m.handle
	m.handle = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	if handle != nil {
		handle.Release()
	}
}

func (m *StatusMonitor) setStatus(s Status) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (m *StatusMonitor) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.retrying || m.handle == nil {
		m.mu.Unlock()
		return
	}
	m.retrying = true
	handle := m.handle
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.retrying = false
			m.mu.Unlock()
		}()
		for {
			if ctx.Err() != nil {
				return
			}
			if !m.recon.shouldReconnect() {
				m.logger.Warn("reconnect attempts exhausted", nil)
				m.setStatus(StatusDisconnected)
				return
			}
			delay := m.recon.nextDelay()
			m.setStatus(StatusReconnecting)
			m.logger.Info("reconnecting", map[string]any{"delay": delay.String()})

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}

			if err := handle.Connect(ctx); err != nil {
				m.logger.Warn("reconnect failed", map[string]any{"error": err.Error()})
				continue
			}
			m.recon.markConnected()
			m.setStatus(StatusConnected)
			return
		}
	}()
}
