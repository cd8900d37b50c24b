// Package protocol defines the WebSocket message types and structures used for
// communication between riders and the matching server. All messages are JSON
// objects carrying a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/carpool/ridematch/internal/apperr"
	"github.com/carpool/ridematch/internal/geo"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeStartSearch     = "start_search"
	TypeStopSearch      = "stop_search"
	TypeApproveMatch    = "approve_match"
	TypeDenyMatch       = "deny_match"
	TypeSendChatMessage = "send_chat_message"
	TypeJoinChatRoom    = "join_chat_room"
	TypeTypingStart     = "typing_start"
	TypeTypingStop      = "typing_stop"
	TypePing            = "ping"
)

// Server -> Client message types.
const (
	TypeConnected             = "connected"
	TypeSearchStarted         = "search_started"
	TypeSearchStopped         = "search_stopped"
	TypeInstantMatchFound     = "instant_match_found"
	TypePartnerApproved       = "partner_approved"
	TypeApprovalSent          = "approval_sent"
	TypeConnectionEstablished = "connection_established"
	TypeMatchCancelled        = "match_cancelled"
	TypeChatMessage           = "chat_message"
	TypeChatHistory           = "chat_history"
	TypeUserTyping            = "user_typing"
	TypeRateLimited           = "rate_limited"
	TypeSearchError           = "search_error"
	TypeMatchError            = "match_error"
	TypeChatError             = "chat_error"
	TypeRequestError          = "request_error"
	TypePong                  = "pong"
)

// ErrorTypeFor returns the error event a failure of the given client message
// is reported with.
func ErrorTypeFor(msgType string) string {
	switch msgType {
	case TypeStartSearch, TypeStopSearch:
		return TypeSearchError
	case TypeApproveMatch, TypeDenyMatch:
		return TypeMatchError
	case TypeSendChatMessage, TypeJoinChatRoom, TypeTypingStart, TypeTypingStop:
		return TypeChatError
	default:
		return TypeRequestError
	}
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// StartSearchMsg posts or replaces the sender's ride offer or request.
// Kind accepts "offer", "request" and the legacy "poolCar"/"findCar".
type StartSearchMsg struct {
	Type         string            `json:"type"`
	Pickup       string            `json:"pickup" validate:"max=256"`
	Drop         string            `json:"drop" validate:"max=256"`
	PickupCoords geo.OptionalPoint `json:"pickupCoords"`
	DropCoords   geo.OptionalPoint `json:"dropCoords"`
	Kind         string            `json:"kind" validate:"required,oneof=offer request poolCar findCar"`
}

// StopSearchMsg withdraws the sender's search.
type StopSearchMsg struct {
	Type string `json:"type"`
}

// ApproveMatchMsg approves a proposed match.
type ApproveMatchMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId" validate:"required,max=64"`
}

// DenyMatchMsg rejects a proposed match.
type DenyMatchMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId" validate:"required,max=64"`
}

// SendChatMessageMsg posts a message to a chat room.
type SendChatMessageMsg struct {
	Type       string `json:"type"`
	ChatRoomID string `json:"chatRoomId" validate:"required,max=64"`
	Body       string `json:"body"`
}

// JoinChatRoomMsg subscribes the connection to a chat room and asks for its
// history.
type JoinChatRoomMsg struct {
	Type       string `json:"type"`
	ChatRoomID string `json:"chatRoomId" validate:"required,max=64"`
}

// TypingMsg carries typing_start and typing_stop.
type TypingMsg struct {
	Type       string `json:"type"`
	ChatRoomID string `json:"chatRoomId" validate:"required,max=64"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// RouteInfo describes one side of a trip.
type RouteInfo struct {
	Pickup       string    `json:"pickup"`
	Drop         string    `json:"drop"`
	PickupCoords geo.Point `json:"pickupCoords"`
	DropCoords   geo.Point `json:"dropCoords"`
}

// PartnerSummary is what a rider learns about the other party of a proposal.
type PartnerSummary struct {
	UserID string    `json:"userId"`
	Kind   string    `json:"kind"`
	Route  RouteInfo `json:"route"`
}

// ContactInfo is shared only once both parties approved.
type ContactInfo struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// ConnectionSummary lists a connection the user already has.
type ConnectionSummary struct {
	ChatRoomID    string `json:"chatRoomId"`
	MatchID       string `json:"matchId"`
	PartnerID     string `json:"partnerId"`
	EstablishedAt int64  `json:"establishedAt"`
}

// ConnectedMsg greets a freshly authenticated connection.
type ConnectedMsg struct {
	Type        string              `json:"type"`
	UserID      string              `json:"userId"`
	State       string              `json:"state"`
	Connections []ConnectionSummary `json:"connections"`
}

// SearchStartedMsg confirms a search was stored.
type SearchStartedMsg struct {
	Type      string    `json:"type"`
	SearchID  string    `json:"searchId"`
	Kind      string    `json:"kind"`
	Route     RouteInfo `json:"route"`
	ExpiresIn int       `json:"expiresIn"`
}

// SearchStoppedMsg confirms a stop_search.
type SearchStoppedMsg struct {
	Type string `json:"type"`
}

// InstantMatchFoundMsg proposes a match to each rider.
type InstantMatchFoundMsg struct {
	Type           string         `json:"type"`
	MatchID        string         `json:"matchId"`
	Partner        PartnerSummary `json:"partner"`
	DistanceMeters float64        `json:"distanceMeters"`
	ExpiresIn      int            `json:"expiresIn"`
}

// PartnerApprovedMsg tells the rider the other party approved.
type PartnerApprovedMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

// ApprovalSentMsg acknowledges the rider's own approval.
type ApprovalSentMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

// ConnectionEstablishedMsg is sent to both riders once the match has been
// approved by both sides.
type ConnectionEstablishedMsg struct {
	Type        string      `json:"type"`
	MatchID     string      `json:"matchId"`
	ChatRoomID  string      `json:"chatRoomId"`
	Partner     ContactInfo `json:"partner"`
	Route       RouteInfo   `json:"route"`
	PartnerTrip RouteInfo   `json:"partnerRoute"`
}

// MatchCancelledMsg ends a proposal. Reason is denied, expired or
// disconnected.
type MatchCancelledMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
	Reason  string `json:"reason"`
}

// ChatMessageMsg relays a chat message to room members.
type ChatMessageMsg struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	ChatRoomID string `json:"chatRoomId"`
	SenderID   string `json:"senderId"`
	Body       string `json:"body"`
	SentAt     int64  `json:"sentAt"`
}

// ChatHistoryMsg answers join_chat_room.
type ChatHistoryMsg struct {
	Type       string           `json:"type"`
	ChatRoomID string           `json:"chatRoomId"`
	Messages   []ChatMessageMsg `json:"messages"`
}

// UserTypingMsg relays a typing indicator.
type UserTypingMsg struct {
	Type       string `json:"type"`
	ChatRoomID string `json:"chatRoomId"`
	UserID     string `json:"userId"`
	IsTyping   bool   `json:"isTyping"`
}

// RateLimitedMsg is sent when an action was throttled.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg is the payload of every *_error event.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type, the decoded and validated struct, and an
// apperr coded error when the frame is malformed, unknown or fails
// validation. The type is returned whenever it could be read so the caller
// can pick the matching error event.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, apperr.ErrInvalidRequest.WithMessage("invalid message format")
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStartSearch:
		var m StartSearchMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeStopSearch:
		var m StopSearchMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeApproveMatch:
		var m ApproveMatchMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeDenyMatch:
		var m DenyMatchMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeSendChatMessage:
		var m SendChatMessageMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeJoinChatRoom:
		var m JoinChatRoomMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
		err = decode(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = decode(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, apperr.ErrInvalidRequest.WithMessage(fmt.Sprintf("unsupported message type %q", env.Type))
	}

	if err != nil {
		return env.Type, nil, err
	}
	return env.Type, msg, nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.ErrInvalidRequest.WithMessage("malformed payload")
	}
	if err := validate.Struct(v); err != nil {
		return apperr.ErrInvalidRequest.WithMessage(describe(err))
	}
	return nil
}

func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "invalid payload"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", lowerFirst(fe.Field()), fe.Tag()))
	}
	return strings.Join(fields, "; ")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// NewServerMessage creates a JSON-encoded server message. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
