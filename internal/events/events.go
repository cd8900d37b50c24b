// Package events publishes match and connection lifecycle events for
// downstream consumers (analytics, history). Delivery is best-effort; the
// in-memory state of the matching engine never depends on it.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// Event types.
const (
	TypeMatchProposed         = "match.proposed"
	TypeMatchApproved         = "match.approved"
	TypeMatchCancelled        = "match.cancelled"
	TypeConnectionEstablished = "connection.established"
)

// Event is one lifecycle record.
type Event struct {
	Type       string    `json:"type"`
	MatchID    string    `json:"matchId"`
	Users      []string  `json:"users"`
	ChatRoomID string    `json:"chatRoomId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Distance   float64   `json:"distanceMeters,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher sinks lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// KafkaPublisher writes events as JSON to a Kafka topic, keyed by match id
// so one match's events stay ordered within a partition.
type KafkaPublisher struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// BatchTimeout bounds how long an event waits in the writer's batch.
const BatchTimeout = 10 * time.Millisecond

// NewKafkaPublisher creates a publisher for topic on brokers. Writes are
// asynchronous: Publish only queues the event and delivery failures are
// logged to logger.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: BatchTimeout,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("lifecycle events dropped", "topic", topic, "count", len(messages), "err", err)
			}
		},
	}
	return &KafkaPublisher{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.MatchID), Value: b}); err != nil {
		return errors.Wrapf(err, "kafka write %s", e.Type)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events have type typ.
func (r *Recorder) Count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}
