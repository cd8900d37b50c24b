package chat

import (
	"context"
	"sync"
)

// DefaultHistorySize is the number of recent messages a MemoryStore keeps per
// room.
const DefaultHistorySize = 50

// MemoryStore keeps the last N messages per chat room in memory.
// It is goroutine-safe and uses a ring buffer per room.
type MemoryStore struct {
	mu    sync.RWMutex
	size  int
	rooms map[string]*ringBuffer // chatRoomID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of Message.
type ringBuffer struct {
	items []Message
	pos   int
	count int
}

// NewMemoryStore creates a MemoryStore retaining size messages per room.
// A non-positive size means DefaultHistorySize.
func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &MemoryStore{
		size:  size,
		rooms: make(map[string]*ringBuffer),
	}
}

// Append adds m to its room's ring buffer, overwriting the oldest message
// once the buffer is full.
func (s *MemoryStore) Append(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rb, ok := s.rooms[m.ChatRoomID]
	if !ok {
		rb = &ringBuffer{items: make([]Message, s.size)}
		s.rooms[m.ChatRoomID] = rb
	}

	rb.items[rb.pos] = m
	rb.pos = (rb.pos + 1) % s.size
	if rb.count < s.size {
		rb.count++
	}
	return nil
}

// History returns up to limit of the latest messages of a room in
// chronological order. A non-positive limit returns everything retained.
func (s *MemoryStore) History(_ context.Context, chatRoomID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rb, ok := s.rooms[chatRoomID]
	if !ok {
		return []Message{}, nil
	}

	n := rb.count
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]Message, n)
	// The oldest wanted message sits n slots behind pos.
	start := (rb.pos - n + s.size) % s.size
	for i := 0; i < n; i++ {
		result[i] = rb.items[(start+i)%s.size]
	}
	return result, nil
}

// Remove drops a room's history.
func (s *MemoryStore) Remove(chatRoomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, chatRoomID)
}
