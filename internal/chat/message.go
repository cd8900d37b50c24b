package chat

import (
	"time"

	"github.com/carpool/ridematch/internal/protocol"
)

// SystemSender is the sender id of messages posted by the server.
const SystemSender = "system"

// Message is one chat line in a room. Messages are append-only and ordered
// by arrival.
type Message struct {
	ID         string
	ChatRoomID string
	SenderID   string
	Body       string
	SentAt     time.Time
}

// IsSystem reports whether m was posted by the server.
func (m Message) IsSystem() bool { return m.SenderID == SystemSender }

// Wire renders m for clients.
func (m Message) Wire() protocol.ChatMessageMsg {
	return protocol.ChatMessageMsg{
		ID:         m.ID,
		ChatRoomID: m.ChatRoomID,
		SenderID:   m.SenderID,
		Body:       m.Body,
		SentAt:     m.SentAt.UnixMilli(),
	}
}
