package chat

import "context"

// Store persists chat messages.
type Store interface {
	// Append stores m at the end of its room's history.
	Append(ctx context.Context, m Message) error
	// History returns up to limit of the latest messages of a room, oldest
	// first.
	History(ctx context.Context, chatRoomID string, limit int) ([]Message, error)
}
