// Package app binds the websocket transport to the matching, connection and
// chat services: connection lifecycle callbacks and one handler per client
// message type.
package app

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/carpool/ridematch/internal/apperr"
	"github.com/carpool/ridematch/internal/chat"
	"github.com/carpool/ridematch/internal/connection"
	"github.com/carpool/ridematch/internal/matching"
	"github.com/carpool/ridematch/internal/notify"
	"github.com/carpool/ridematch/internal/protocol"
	"github.com/carpool/ridematch/internal/search"
	"github.com/carpool/ridematch/internal/ws"
)

// Limiter throttles client actions per user. ratelimit.Limiter implements
// it.
type Limiter interface {
	Allow(ctx context.Context, action, identifier string) (bool, time.Duration, error)
}

// Handlers holds the services the client-facing handlers call into.
type Handlers struct {
	coord    *matching.Coordinator
	chat     *chat.Service
	hub      *notify.Hub
	store    connection.Store
	contacts *connection.ContactBook
	limiter  Limiter
	logger   *slog.Logger

	// userLocks serialise connect and disconnect handling per user.
	userLocks   [64]sync.Mutex
	// afterDetach runs in OnDisconnect once the connection is detached.
	afterDetach func(userID string)
}

func (h *Handlers) lockUser(userID string) *sync.Mutex {
	mu := &h.userLocks[xxhash.Sum64String(userID)%uint64(len(h.userLocks))]
	mu.Lock()
	return mu
}

// Option configures Handlers.
type Option func(*Handlers)

// WithLimiter enables rate limiting of start_search and send_chat_message.
func WithLimiter(l Limiter) Option {
	return func(h *Handlers) { h.limiter = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handlers) { h.logger = l }
}

func New(coord *matching.Coordinator, chatSvc *chat.Service, hub *notify.Hub, store connection.Store, contacts *connection.ContactBook, opts ...Option) *Handlers {
	h := &Handlers{
		coord:    coord,
		chat:     chatSvc,
		hub:      hub,
		store:    store,
		contacts: contacts,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "app")
	return h
}

// Register installs a handler for every client message type on d.
func (h *Handlers) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeStartSearch, h.startSearch)
	d.Register(protocol.TypeStopSearch, h.stopSearch)
	d.Register(protocol.TypeApproveMatch, h.approveMatch)
	d.Register(protocol.TypeDenyMatch, h.denyMatch)
	d.Register(protocol.TypeSendChatMessage, h.sendChatMessage)
	d.Register(protocol.TypeJoinChatRoom, h.joinChatRoom)
	d.Register(protocol.TypeTypingStart, h.typing)
	d.Register(protocol.TypeTypingStop, h.typing)
}

// Bind wires the connection lifecycle of s to h.
func (h *Handlers) Bind(s *ws.Server, d *ws.MessageDispatcher) {
	h.Register(d)
	s.SetOnConnect(h.OnConnect)
	s.SetOnMessage(d.Dispatch)
	s.SetOnDisconnect(h.OnDisconnect)
}

// OnConnect makes c the user's current connection, closing any older one,
// rejoins the rooms of existing connections and greets the client with its
// state.
func (h *Handlers) OnConnect(c *ws.Connection) {
	userID := c.UserID()
	defer h.lockUser(userID).Unlock()

	if old := h.hub.Attach(userID, c); old != nil {
		if closer, ok := old.(io.Closer); ok {
			h.logger.Info("replacing connection", "user", userID, "conn", c.ID)
			_ = closer.Close()
		}
	}
	h.contacts.Remember(protocol.ContactInfo{
		UserID: userID,
		Name:   c.Identity.Name,
		Phone:  c.Identity.Phone,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns, err := h.store.ListConnections(ctx, userID)
	if err != nil {
		h.logger.Error("list connections", "user", userID, "err", err)
	}
	summaries := make([]protocol.ConnectionSummary, 0, len(conns))
	for _, conn := range conns {
		h.hub.JoinRoom(conn.ChatRoomID, userID)
		summaries = append(summaries, protocol.ConnectionSummary{
			ChatRoomID:    conn.ChatRoomID,
			MatchID:       conn.MatchID,
			PartnerID:     conn.Partner(userID),
			EstablishedAt: conn.EstablishedAt.UnixMilli(),
		})
	}

	err = h.hub.SendToUser(userID, protocol.TypeConnected, protocol.ConnectedMsg{
		UserID:      userID,
		State:       string(h.coord.StateOf(ctx, userID)),
		Connections: summaries,
	})
	if err != nil {
		h.logger.Warn("greeting failed", "user", userID, "err", err)
	}
}

// OnDisconnect releases the user's search and pending match, but only when
// c is still the user's current connection. A reconnect of the same user
// waits until the release is done.
func (h *Handlers) OnDisconnect(c *ws.Connection) {
	userID := c.UserID()
	defer h.lockUser(userID).Unlock()

	if !h.hub.Detach(userID, c) {
		h.logger.Debug("stale connection closed", "user", userID, "conn", c.ID)
		return
	}
	if h.afterDetach != nil {
		h.afterDetach(userID)
	}
	h.hub.LeaveAllRooms(userID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.Disconnect(ctx, userID); err != nil {
		h.logger.Error("disconnect cleanup", "user", userID, "err", err)
	}
}

func (h *Handlers) startSearch(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.StartSearchMsg)

	kind, err := search.ParseKind(m.Kind)
	if err != nil {
		return err
	}
	pickup, err := m.PickupCoords.Require("pickup")
	if err != nil {
		return err
	}
	drop, err := m.DropCoords.Require("drop")
	if err != nil {
		return err
	}
	if err := h.throttle(ctx, c, protocol.TypeStartSearch); err != nil {
		return err
	}

	_, err = h.coord.StartSearch(ctx, c.UserID(), search.Route{
		Pickup:      pickup,
		Drop:        drop,
		PickupLabel: m.Pickup,
		DropLabel:   m.Drop,
	}, kind)
	return err
}

func (h *Handlers) stopSearch(ctx context.Context, c *ws.Connection, _ interface{}) error {
	return h.coord.StopSearch(ctx, c.UserID())
}

func (h *Handlers) approveMatch(ctx context.Context, c *ws.Connection, msg interface{}) error {
	return h.coord.Approve(ctx, c.UserID(), msg.(protocol.ApproveMatchMsg).MatchID)
}

func (h *Handlers) denyMatch(ctx context.Context, c *ws.Connection, msg interface{}) error {
	return h.coord.Deny(ctx, c.UserID(), msg.(protocol.DenyMatchMsg).MatchID)
}

func (h *Handlers) sendChatMessage(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.SendChatMessageMsg)
	if err := h.throttle(ctx, c, protocol.TypeSendChatMessage); err != nil {
		return err
	}
	_, err := h.chat.Send(ctx, c.UserID(), m.ChatRoomID, m.Body)
	return err
}

func (h *Handlers) joinChatRoom(ctx context.Context, c *ws.Connection, msg interface{}) error {
	_, err := h.chat.Join(ctx, c.UserID(), msg.(protocol.JoinChatRoomMsg).ChatRoomID)
	return err
}

func (h *Handlers) typing(ctx context.Context, c *ws.Connection, msg interface{}) error {
	m := msg.(protocol.TypingMsg)
	return h.chat.Typing(ctx, c.UserID(), m.ChatRoomID, m.Type == protocol.TypeTypingStart)
}

// throttle tells the client how long to wait and returns ErrRateLimited
// when action is over its limit. Limiter failures let the action through.
func (h *Handlers) throttle(ctx context.Context, c *ws.Connection, action string) error {
	if h.limiter == nil {
		return nil
	}
	ok, retry, err := h.limiter.Allow(ctx, action, c.UserID())
	if err != nil {
		h.logger.Warn("rate limiter unavailable", "action", action, "err", err)
	}
	if ok {
		return nil
	}

	err = h.hub.SendToUser(c.UserID(), protocol.TypeRateLimited, protocol.RateLimitedMsg{
		Action:     action,
		RetryAfter: int(math.Ceil(retry.Seconds())),
	})
	if err != nil {
		h.logger.Debug("rate_limited notice failed", "user", c.UserID(), "err", err)
	}
	return apperr.ErrRateLimited
}
