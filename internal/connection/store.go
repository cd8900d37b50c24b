package connection

import (
	"context"
	"sort"
	"sync"
)

// Store persists connections.
type Store interface {
	// SaveConnection inserts c unless a connection with the same match id
	// exists. It returns the stored connection and whether it was created.
	SaveConnection(ctx context.Context, c Connection) (Connection, bool, error)
	// GetConnection returns the connection of a match, or nil.
	GetConnection(ctx context.Context, matchID string) (*Connection, error)
	// ListConnections returns userID's connections, newest first.
	ListConnections(ctx context.Context, userID string) ([]Connection, error)
	// IsMember reports whether userID belongs to the chat room.
	IsMember(ctx context.Context, chatRoomID, userID string) (bool, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	byMatch map[string]Connection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byMatch: make(map[string]Connection)}
}

func (s *MemoryStore) SaveConnection(_ context.Context, c Connection) (Connection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byMatch[c.MatchID]; ok {
		return existing, false, nil
	}
	s.byMatch[c.MatchID] = c
	return c, true, nil
}

func (s *MemoryStore) GetConnection(_ context.Context, matchID string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byMatch[matchID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) ListConnections(_ context.Context, userID string) ([]Connection, error) {
	s.mu.RLock()
	var out []Connection
	for _, c := range s.byMatch {
		if c.Involves(userID) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EstablishedAt.Equal(out[j].EstablishedAt) {
			return out[i].EstablishedAt.After(out[j].EstablishedAt)
		}
		return out[i].MatchID < out[j].MatchID
	})
	return out, nil
}

func (s *MemoryStore) IsMember(_ context.Context, chatRoomID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.byMatch {
		if c.ChatRoomID == chatRoomID && c.Involves(userID) {
			return true, nil
		}
	}
	return false, nil
}
