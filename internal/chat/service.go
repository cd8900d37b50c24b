// Package chat implements the chat rooms opened between connected riders.
package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/carpool/ridematch/internal/apperr"
	"github.com/carpool/ridematch/internal/metrics"
	"github.com/carpool/ridematch/internal/protocol"
)

// DefaultHistoryLimit is how many messages join_chat_room replays.
const DefaultHistoryLimit = 50

// Membership answers whether a user belongs to a chat room.
type Membership interface {
	IsMember(ctx context.Context, chatRoomID, userID string) (bool, error)
}

// Broadcaster is the slice of the notification hub the chat service needs.
type Broadcaster interface {
	JoinRoom(roomID, userID string)
	Broadcast(roomID, msgType string, payload interface{}, exceptUserID string) error
	SendToUser(userID, msgType string, payload interface{}) error
}

// Service sends, replays and relays chat traffic.
type Service struct {
	store        Store
	members      Membership
	hub          Broadcaster
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
	historyLimit int
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHistoryLimit sets how many messages are replayed on join.
func WithHistoryLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// NewService creates a chat Service.
func NewService(store Store, members Membership, hub Broadcaster, opts ...Option) *Service {
	s := &Service{
		store:        store,
		members:      members,
		hub:          hub,
		logger:       slog.Default(),
		now:          time.Now,
		newID:        uuid.NewString,
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "chat")
	return s
}

// Send stores a message from senderID and broadcasts it to the room,
// sender included.
func (s *Service) Send(ctx context.Context, senderID, chatRoomID, body string) (Message, error) {
	text, err := ValidateBody(body)
	if err != nil {
		return Message{}, err
	}
	if err := s.authorize(ctx, chatRoomID, senderID); err != nil {
		return Message{}, err
	}

	m := Message{
		ID:         s.newID(),
		ChatRoomID: chatRoomID,
		SenderID:   senderID,
		Body:       text,
		SentAt:     s.now(),
	}
	if err := s.deliver(ctx, m); err != nil {
		return Message{}, err
	}
	metrics.ChatMessages.WithLabelValues("user").Inc()
	return m, nil
}

// PostSystem posts a server-authored message to a room.
func (s *Service) PostSystem(ctx context.Context, chatRoomID, body string) (Message, error) {
	m := Message{
		ID:         s.newID(),
		ChatRoomID: chatRoomID,
		SenderID:   SystemSender,
		Body:       body,
		SentAt:     s.now(),
	}
	if err := s.deliver(ctx, m); err != nil {
		return Message{}, err
	}
	metrics.ChatMessages.WithLabelValues("system").Inc()
	return m, nil
}

// Join subscribes userID to the room and replays its recent history to
// that user only.
func (s *Service) Join(ctx context.Context, userID, chatRoomID string) ([]Message, error) {
	if err := s.authorize(ctx, chatRoomID, userID); err != nil {
		return nil, err
	}
	s.hub.JoinRoom(chatRoomID, userID)

	history, err := s.store.History(ctx, chatRoomID, s.historyLimit)
	if err != nil {
		return nil, errors.Wrapf(err, "chat: load history of %s", chatRoomID)
	}
	wire := make([]protocol.ChatMessageMsg, 0, len(history))
	for _, m := range history {
		wire = append(wire, m.Wire())
	}
	if err := s.hub.SendToUser(userID, protocol.TypeChatHistory, protocol.ChatHistoryMsg{
		ChatRoomID: chatRoomID,
		Messages:   wire,
	}); err != nil {
		s.logger.Warn("history delivery failed", "user", userID, "room", chatRoomID, "err", err)
	}
	return history, nil
}

// Typing relays a typing indicator to every other member of the room. It
// is never persisted.
func (s *Service) Typing(ctx context.Context, userID, chatRoomID string, isTyping bool) error {
	if err := s.authorize(ctx, chatRoomID, userID); err != nil {
		return err
	}
	err := s.hub.Broadcast(chatRoomID, protocol.TypeUserTyping, protocol.UserTypingMsg{
		ChatRoomID: chatRoomID,
		UserID:     userID,
		IsTyping:   isTyping,
	}, userID)
	if err != nil {
		s.logger.Debug("typing relay failed", "room", chatRoomID, "err", err)
	}
	return nil
}

func (s *Service) authorize(ctx context.Context, chatRoomID, userID string) error {
	if chatRoomID == "" {
		return apperr.ErrInvalidRequest.WithMessage("chatRoomId is required")
	}
	ok, err := s.members.IsMember(ctx, chatRoomID, userID)
	if err != nil {
		return errors.Wrapf(err, "chat: membership of %s", chatRoomID)
	}
	if !ok {
		return apperr.ErrNotPartOfMatch.WithMessage("you are not a member of this chat room")
	}
	return nil
}

// deliver persists m, then broadcasts it. A failed broadcast is logged; the
// stored message stands.
func (s *Service) deliver(ctx context.Context, m Message) error {
	if err := s.store.Append(ctx, m); err != nil {
		return errors.Wrapf(err, "chat: append to %s", m.ChatRoomID)
	}
	if err := s.hub.Broadcast(m.ChatRoomID, protocol.TypeChatMessage, m.Wire(), ""); err != nil {
		s.logger.Warn("chat broadcast failed", "room", m.ChatRoomID, "message", m.ID, "err", err)
	}
	return nil
}
