package chat

import (
	"sync"

	"github.com/imean-app/chat-client/internal/domain"
)

// Scrollback is a fixed-capacity ring of recent chat messages. It lets a
// screen re-render the tail of the conversation after a transparent
// reconnect without re-requesting history; old messages are overwritten
// once capacity is reached so an endless session cannot exhaust memory.
type Scrollback struct {
	mu    sync.RWMutex
	items []domain.ChatMessage
	head  int // next write position
	full  bool
}

// NewScrollback creates a scrollback holding at most capacity messages.
// Default capacity is 200.
func NewScrollback(capacity int) *Scrollback {
	if capacity <= 0 {
		capacity = 200
	}
	return &Scrollback{
		items: make([]domain.ChatMessage, capacity),
	}
}

// Append records one message, evicting the oldest when full.
func (s *Scrollback) Append(msg domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[s.head] = msg
	s.head = (s.head + 1) % len(s.items)
	if s.head == 0 {
		s.full = true
	}
}

// Messages returns the retained messages, oldest first.
func (s *Scrollback) Messages() []domain.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.full {
		out := make([]domain.ChatMessage, s.head)
		copy(out, s.items[:s.head])
		return out
	}

	out := make([]domain.ChatMessage, 0, len(s.items))
	out = append(out, s.items[s.head:]...)
	out = append(out, s.items[:s.head]...)
	return out
}

// Len returns the number of retained messages.
func (s *Scrollback) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.full {
		return len(s.items)
	}
	return s.head
}

// Reset discards all retained messages.
func (s *Scrollback) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.head = 0
	s.full = false
}

// Capacity returns the maximum number of retained messages.
func (s *Scrollback) Capacity() int {
	return len(s.items)
}
