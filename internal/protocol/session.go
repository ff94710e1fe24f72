package protocol

import (
	"sync"
	"time"
)

// Session groups the envelopes exchanged under one session id.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	messages []*Message
}

func newSession(id string, now time.Time) *Session {
	return &Session{ID: id, CreatedAt: now}
}

// Append records m in arrival order, addressing it to the session when it
// carries no session id.
func (s *Session) Append(m *Message) {
	if m.SessionID == "" {
		m.SessionID = s.ID
	}
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Messages returns the log in arrival order.
func (s *Session) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Message finds a logged message by id.
func (s *Session) Message(id string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}
