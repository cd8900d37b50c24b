package search

import (
	"context"
	"sync"
	"time"

	"github.com/carpool/ridematch/internal/geo"
)

// MemoryIndex is an in-process Index. Radius queries prefilter with a
// bounding box before computing exact distances.
type MemoryIndex struct {
	mu       sync.RWMutex
	searches map[string]ActiveSearch // owner -> search
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{searches: make(map[string]ActiveSearch)}
}

func (m *MemoryIndex) Put(_ context.Context, s ActiveSearch) error {
	m.mu.Lock()
	m.searches[s.OwnerID] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, ownerID string) error {
	m.mu.Lock()
	delete(m.searches, ownerID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, ownerID string, now time.Time) (*ActiveSearch, error) {
	m.mu.RLock()
	s, ok := m.searches[ownerID]
	m.mu.RUnlock()
	if !ok || s.Expired(now) {
		return nil, nil
	}
	return &s, nil
}

// All returns unexpired searches and drops expired ones from the map.
func (m *MemoryIndex) All(_ context.Context, now time.Time) ([]ActiveSearch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ActiveSearch, 0, len(m.searches))
	for owner, s := range m.searches {
		if s.Expired(now) {
			delete(m.searches, owner)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryIndex) WithinRadius(_ context.Context, center geo.Point, radiusMeters float64, now time.Time) ([]ActiveSearch, error) {
	bound := geo.Bound(center, radiusMeters)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ActiveSearch
	for _, s := range m.searches {
		if s.Expired(now) || !geo.InBound(bound, s.Pickup) {
			continue
		}
		if geo.Distance(center, s.Pickup) <= radiusMeters {
			out = append(out, s)
		}
	}
	return out, nil
}

// Len returns the number of stored searches, expired or not.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.searches)
}
