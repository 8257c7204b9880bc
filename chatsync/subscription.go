package chatsync

import "sync"

// Subscription is a per-(connection, topic) registration handle. Raw
// payloads are delivered to its handler until Unsubscribe is called or the
// subscribe context is cancelled.
type Subscription struct {
	Topic string

	handler func(data []byte)

	mu     sync.Mutex
	closed bool
	once   sync.Once
	cancel func()
}

func newSubscription(topic string, cancel func()) *Subscription {
	return &Subscription{Topic: topic, cancel: cancel}
}

// Unsubscribe deregisters the handler. Safe to call more than once; the wire
// deregistration is best effort.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Active reports whether the subscription still delivers payloads.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Subscription) deliver(data []byte) {
	s.mu.Lock()
	closed := s.closed
	h := s.handler
	s.mu.Unlock()
	if closed || h == nil {
		return
	}
	h(data)
}
