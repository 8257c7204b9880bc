package chatsync

import "sync"

// MessageStore is an ordered collection of rendered messages. A cap of 0
// means unbounded (the active dialog's store); a positive cap evicts the
// oldest entries first (background buffers).
type MessageStore struct {
	mu       sync.Mutex
	cap      int
	messages []Message
}

// NewMessageStore returns a store bounded to cap messages, 0 for unbounded.
func NewMessageStore(cap int) *MessageStore {
	return &MessageStore{cap: cap}
}

// Append adds a message, evicting from the front when over the cap.
func (s *MessageStore) Append(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.evictLocked()
	s.mu.Unlock()
}

// UpsertByID updates the message with a matching id in place, or appends.
func (s *MessageStore) UpsertByID(m Message) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			s.messages[i] = m
			s.mu.Unlock()
			return
		}
	}
	s.messages = append(s.messages, m)
	s.evictLocked()
	s.mu.Unlock()
}

// Last returns the most recent message.
func (s *MessageStore) Last() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Get returns a copy of the message with a matching id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			return s.messages[i], true
		}
	}
	return Message{}, false
}

// Update applies fn to the message with a matching id, in place, preserving
// its position. Returns false when no message carries that id.
func (s *MessageStore) Update(id string, fn func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			fn(&s.messages[i])
			return true
		}
	}
	return false
}

// Messages returns a copy of the store contents.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len reports the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Load replaces the contents wholesale.
func (s *MessageStore) Load(messages []Message) {
	s.mu.Lock()
	s.messages = append([]Message(nil), messages...)
	s.evictLocked()
	s.mu.Unlock()
}

// Clear drops all messages.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

// Map applies fn to every message in place.
func (s *MessageStore) Map(fn func(Message) Message) {
	s.mu.Lock()
	for i := range s.messages {
		s.messages[i] = fn(s.messages[i])
	}
	s.mu.Unlock()
}

func (s *MessageStore) evictLocked() {
	if s.cap <= 0 {
		return
	}
	if over := len(s.messages) - s.cap; over > 0 {
		s.messages = append([]Message(nil), s.messages[over:]...)
	}
}
