// Package connection turns a match approved by both riders into a durable
// connection with a shared chat room.
package connection

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Connection is a confirmed pairing. It is immutable once created.
type Connection struct {
	ChatRoomID    string
	MatchID       string
	UserA         string
	UserB         string
	EstablishedAt time.Time
}

// Involves reports whether userID is one side of c.
func (c Connection) Involves(userID string) bool {
	return c.UserA == userID || c.UserB == userID
}

// Partner returns the other side of userID.
func (c Connection) Partner(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

// ChatRoomID derives the chat room of two users. The ids are sorted before
// hashing so the result does not depend on argument order.
func ChatRoomID(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	h := sha256.Sum256([]byte(strings.Join(ids, ":")))
	return fmt.Sprintf("%x", h[:12]) // 24-char hex prefix
}
