package connection

import (
	"sync"

	"github.com/carpool/ridematch/internal/protocol"
)

// ContactBook remembers the contact details each user presented in their
// credential, so they can be shared with a partner on connection.
type ContactBook struct {
	mu       sync.RWMutex
	contacts map[string]protocol.ContactInfo
}

func NewContactBook() *ContactBook {
	return &ContactBook{contacts: make(map[string]protocol.ContactInfo)}
}

// Remember records the latest contact details of a user.
func (b *ContactBook) Remember(c protocol.ContactInfo) {
	if c.UserID == "" {
		return
	}
	b.mu.Lock()
	b.contacts[c.UserID] = c
	b.mu.Unlock()
}

// Lookup returns what is known about userID; at least the id itself.
func (b *ContactBook) Lookup(userID string) protocol.ContactInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if c, ok := b.contacts[userID]; ok {
		return c
	}
	return protocol.ContactInfo{UserID: userID}
}
