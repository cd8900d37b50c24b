package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/carpool/ridematch/internal/chat"
	"github.com/carpool/ridematch/internal/events"
	"github.com/carpool/ridematch/internal/matching"
	"github.com/carpool/ridematch/internal/metrics"
	"github.com/carpool/ridematch/internal/protocol"
)

// WelcomeMessage is posted to every new chat room.
const WelcomeMessage = "You're connected! Use this chat to agree on the pickup."

// ErrNotApproved is returned for matches that are not connected with both
// approvals recorded.
var ErrNotApproved = errors.New("connection: match is not approved by both riders")

// RoomNotifier is the part of the notification hub the Establisher uses.
type RoomNotifier interface {
	JoinRoom(roomID, userID string)
	SendToUser(userID, msgType string, payload interface{}) error
}

// SystemPoster posts server-authored chat messages.
type SystemPoster interface {
	PostSystem(ctx context.Context, chatRoomID, body string) (chat.Message, error)
}

// Establisher creates connections for approved matches.
type Establisher struct {
	store    Store
	hub      RoomNotifier
	chat     SystemPoster
	contacts *ContactBook
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time

	// mu serialises the lookup and save so a repeated call for one match
	// never repeats side effects. Delivery happens after it is released.
	mu sync.Mutex
}

// Option configures an Establisher.
type Option func(*Establisher)

func WithLogger(l *slog.Logger) Option {
	return func(e *Establisher) { e.logger = l }
}

func WithEvents(p events.Publisher) Option {
	return func(e *Establisher) { e.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Establisher) { e.now = now }
}

func NewEstablisher(store Store, hub RoomNotifier, poster SystemPoster, contacts *ContactBook, opts ...Option) *Establisher {
	e := &Establisher{
		store:    store,
		hub:      hub,
		chat:     poster,
		contacts: contacts,
		events:   events.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "connection")
	return e
}

// ForMatching adapts e to the matching coordinator.
func (e *Establisher) ForMatching() matching.Establisher {
	return matching.EstablisherFunc(func(ctx context.Context, m matching.PendingMatch) error {
		_, err := e.Establish(ctx, m)
		return err
	})
}

// Establish persists the connection of m, opens its chat room and tells
// both riders. Calling it again for the same match returns the stored
// connection without side effects.
func (e *Establisher) Establish(ctx context.Context, m matching.PendingMatch) (Connection, error) {
	if m.Status != matching.StatusConnected || !m.FullyApproved() {
		return Connection{}, errors.Wrapf(ErrNotApproved, "match %s status %s", m.MatchID, m.Status)
	}

	conn, created, err := e.persist(ctx, m)
	if err != nil || !created {
		return conn, err
	}

	if _, err := e.chat.PostSystem(ctx, conn.ChatRoomID, WelcomeMessage); err != nil {
		e.logger.Warn("welcome message failed", "room", conn.ChatRoomID, "err", err)
	}

	for _, user := range []string{conn.UserA, conn.UserB} {
		partner := m.Partner(user)
		msg := protocol.ConnectionEstablishedMsg{
			MatchID:     conn.MatchID,
			ChatRoomID:  conn.ChatRoomID,
			Partner:     e.contacts.Lookup(partner),
			Route:       matching.RouteInfo(m.SearchOf(user)),
			PartnerTrip: matching.RouteInfo(m.SearchOf(partner)),
		}
		if err := e.hub.SendToUser(user, protocol.TypeConnectionEstablished, msg); err != nil {
			metrics.NotificationFailures.Inc()
			e.logger.Warn("notification failed", "user", user, "type", protocol.TypeConnectionEstablished, "err", err)
		}
	}

	metrics.ConnectionsEstablished.Inc()
	if err := e.events.Publish(ctx, events.Event{
		Type:       events.TypeConnectionEstablished,
		MatchID:    conn.MatchID,
		Users:      []string{conn.UserA, conn.UserB},
		ChatRoomID: conn.ChatRoomID,
		At:         conn.EstablishedAt,
	}); err != nil {
		e.logger.Warn("lifecycle event publish failed", "type", events.TypeConnectionEstablished, "match", conn.MatchID, "err", err)
	}

	e.logger.Info("connection established", "match", conn.MatchID, "room", conn.ChatRoomID)
	return conn, nil
}

// persist stores the connection of m unless one exists and joins both
// riders to its room. created is false for an existing connection.
func (e *Establisher) persist(ctx context.Context, m matching.PendingMatch) (Connection, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.store.GetConnection(ctx, m.MatchID)
	if err != nil {
		return Connection{}, false, errors.Wrap(err, "connection: lookup")
	}
	if existing != nil {
		return *existing, false, nil
	}

	conn, created, err := e.store.SaveConnection(ctx, Connection{
		ChatRoomID:    ChatRoomID(m.UserA, m.UserB),
		MatchID:       m.MatchID,
		UserA:         m.UserA,
		UserB:         m.UserB,
		EstablishedAt: e.now(),
	})
	if err != nil {
		return Connection{}, false, errors.Wrap(err, "connection: save")
	}
	if created {
		e.hub.JoinRoom(conn.ChatRoomID, conn.UserA)
		e.hub.JoinRoom(conn.ChatRoomID, conn.UserB)
	}
	return conn, created, nil
}
