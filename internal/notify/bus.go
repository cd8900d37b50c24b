package notify

import "github.com/carpool/ridematch/internal/messaging"

// NATSBus carries room broadcasts over room.<id> subjects.
type NATSBus struct {
	client *messaging.Client
}

func NewNATSBus(c *messaging.Client) *NATSBus {
	return &NATSBus{client: c}
}

func (b *NATSBus) Publish(roomID string, data []byte) error {
	return b.client.Publish(messaging.RoomSubject(roomID), data)
}

func (b *NATSBus) Subscribe(roomID string, deliver func(data []byte)) error {
	return b.client.Subscribe(messaging.RoomSubject(roomID), deliver)
}

func (b *NATSBus) Unsubscribe(roomID string) error {
	return b.client.Unsubscribe(messaging.RoomSubject(roomID))
}
