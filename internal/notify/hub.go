// Package notify addresses live connections: one personal channel per user
// and a broadcast channel per chat room. Delivery is at-most-once and
// best-effort; a user who is offline simply misses the event.
package notify

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/carpool/ridematch/internal/metrics"
	"github.com/carpool/ridematch/internal/protocol"
)

// ErrNotConnected is returned by SendToUser for users without a live
// connection.
var ErrNotConnected = errors.New("notify: user not connected")

// Sender is a user's live connection.
type Sender interface {
	Send(data []byte) error
}

// RoomBus fans room broadcasts out across processes. Every process
// subscribed to a room receives each published frame, its own included.
type RoomBus interface {
	Publish(roomID string, data []byte) error
	Subscribe(roomID string, deliver func(data []byte)) error
	Unsubscribe(roomID string) error
}

// roomFrame is what travels over a RoomBus.
type roomFrame struct {
	Except string          `json:"except,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Hub tracks the current connection of each user and the local members of
// each chat room.
type Hub struct {
	mu     sync.RWMutex
	users  map[string]Sender
	rooms  map[string]map[string]struct{} // room -> users
	joined map[string]map[string]struct{} // user -> rooms

	bus    RoomBus
	logger *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithBus routes room broadcasts through b.
func WithBus(b RoomBus) Option {
	return func(h *Hub) { h.bus = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		users:  make(map[string]Sender),
		rooms:  make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "notify")
	return h
}

// Attach makes s the current connection of userID and returns the
// connection it replaced, if any.
func (h *Hub) Attach(userID string, s Sender) Sender {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.users[userID]
	h.users[userID] = s
	return old
}

// Detach removes s if it is still userID's current connection. It reports
// whether it was; a replaced connection detaching is a no-op.
func (h *Hub) Detach(userID string, s Sender) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.users[userID]; !ok || cur != s {
		return false
	}
	delete(h.users, userID)
	return true
}

// Online reports whether userID has a live connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[userID]
	return ok
}

// OnlineCount returns the number of attached users.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// JoinRoom adds userID to the room's local members.
func (h *Hub) JoinRoom(roomID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[roomID] = members
		if h.bus != nil {
			if err := h.bus.Subscribe(roomID, func(data []byte) { h.deliverFrame(roomID, data) }); err != nil {
				h.logger.Error("room subscribe", "room", roomID, "err", err)
			}
		}
	}
	members[userID] = struct{}{}

	rooms, ok := h.joined[userID]
	if !ok {
		rooms = make(map[string]struct{})
		h.joined[userID] = rooms
	}
	rooms[roomID] = struct{}{}
}

// LeaveRoom removes userID from the room.
func (h *Hub) LeaveRoom(roomID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(roomID, userID)
}

// LeaveAllRooms removes userID from every room it joined.
func (h *Hub) LeaveAllRooms(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID := range h.joined[userID] {
		h.leaveLocked(roomID, userID)
	}
}

func (h *Hub) leaveLocked(roomID, userID string) {
	if rooms, ok := h.joined[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.joined, userID)
		}
	}
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) > 0 {
		return
	}
	delete(h.rooms, roomID)
	if h.bus != nil {
		if err := h.bus.Unsubscribe(roomID); err != nil {
			h.logger.Warn("room unsubscribe", "room", roomID, "err", err)
		}
	}
}

// Members returns the local members of a room.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[roomID]))
	for u := range h.rooms[roomID] {
		out = append(out, u)
	}
	return out
}

// SendToUser delivers one server message to userID's current connection.
func (h *Hub) SendToUser(userID, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	s, ok := h.users[userID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	return s.Send(data)
}

// Broadcast delivers one server message to every member of a room except
// exceptUserID (empty excludes nobody). Per-member delivery failures are
// logged, not returned.
func (h *Hub) Broadcast(roomID, msgType string, payload interface{}, exceptUserID string) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	if h.bus == nil {
		h.deliverLocal(roomID, data, exceptUserID)
		return nil
	}
	frame, err := json.Marshal(roomFrame{Except: exceptUserID, Data: data})
	if err != nil {
		return err
	}
	return h.bus.Publish(roomID, frame)
}

func (h *Hub) deliverFrame(roomID string, raw []byte) {
	var f roomFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		h.logger.Warn("bad room frame", "room", roomID, "err", err)
		return
	}
	h.deliverLocal(roomID, f.Data, f.Except)
}

func (h *Hub) deliverLocal(roomID string, data []byte, except string) {
	type target struct {
		user string
		s    Sender
	}
	h.mu.RLock()
	targets := make([]target, 0, len(h.rooms[roomID]))
	for u := range h.rooms[roomID] {
		if u == except {
			continue
		}
		if s, ok := h.users[u]; ok {
			targets = append(targets, target{user: u, s: s})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if err := t.s.Send(data); err != nil {
			metrics.NotificationFailures.Inc()
			h.logger.Debug("room delivery failed", "room", roomID, "user", t.user, "err", err)
		}
	}
}
