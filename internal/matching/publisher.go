package matching

import (
	"context"
	"math"
	"time"

	"github.com/carpool/ridematch/internal/events"
	"github.com/carpool/ridematch/internal/metrics"
	"github.com/carpool/ridematch/internal/protocol"
	"github.com/carpool/ridematch/internal/search"
)

// Notifier delivers a server message to a user's current connection.
// Delivery is best-effort.
type Notifier interface {
	SendToUser(userID, msgType string, payload interface{}) error
}

// note is one queued notification.
type note struct {
	userID  string
	msgType string
	payload interface{}
}

// outbox collects the side effects of one locked section so they can be
// delivered after the Coordinator lock is released.
type outbox struct {
	notes  []note
	events []events.Event
}

func (o *outbox) send(userID, msgType string, payload interface{}) {
	o.notes = append(o.notes, note{userID: userID, msgType: msgType, payload: payload})
}

func (o *outbox) publish(e events.Event) {
	o.events = append(o.events, e)
}

// commit releases c.mu and delivers o. The caller must hold c.mu.
func (c *Coordinator) commit(ctx context.Context, o *outbox) {
	if len(o.notes) == 0 && len(o.events) == 0 {
		c.mu.Unlock()
		return
	}
	c.deliverMu.Lock()
	c.mu.Unlock()
	defer c.deliverMu.Unlock()
	c.flush(ctx, o)
}

// flush delivers everything queued in o. Failures are logged and counted;
// they never undo the state change that produced them.
func (c *Coordinator) flush(ctx context.Context, o *outbox) {
	for _, n := range o.notes {
		if err := c.notifier.SendToUser(n.userID, n.msgType, n.payload); err != nil {
			metrics.NotificationFailures.Inc()
			c.logger.Warn("notification failed", "user", n.userID, "type", n.msgType, "err", err)
		}
	}
	for _, e := range o.events {
		if err := c.events.Publish(ctx, e); err != nil {
			c.logger.Warn("lifecycle event publish failed", "type", e.Type, "match", e.MatchID, "err", err)
		}
	}
}

// RouteInfo renders a search's trip for clients.
func RouteInfo(s search.ActiveSearch) protocol.RouteInfo {
	return protocol.RouteInfo{
		Pickup:       s.PickupLabel,
		Drop:         s.DropLabel,
		PickupCoords: s.Pickup,
		DropCoords:   s.Drop,
	}
}

// queueProposal tells both parties about m, each seeing the other as partner.
func (o *outbox) queueProposal(m *PendingMatch) {
	expiresIn := int(math.Round(m.ExpiresAt.Sub(m.CreatedAt).Seconds()))
	distance := math.Round(m.PickupDistance)
	for _, user := range []string{m.UserA, m.UserB} {
		partner := m.SearchOf(m.Partner(user))
		o.send(user, protocol.TypeInstantMatchFound, protocol.InstantMatchFoundMsg{
			MatchID: m.MatchID,
			Partner: protocol.PartnerSummary{
				UserID: partner.OwnerID,
				Kind:   string(partner.Kind),
				Route:  RouteInfo(partner),
			},
			DistanceMeters: distance,
			ExpiresIn:      expiresIn,
		})
	}
	o.publish(events.Event{
		Type:     events.TypeMatchProposed,
		MatchID:  m.MatchID,
		Users:    []string{m.UserA, m.UserB},
		Distance: m.PickupDistance,
		At:       m.CreatedAt,
	})
}

func (o *outbox) queueCancellation(m *PendingMatch, reason CancelReason, at time.Time) {
	for _, user := range []string{m.UserA, m.UserB} {
		o.send(user, protocol.TypeMatchCancelled, protocol.MatchCancelledMsg{
			MatchID: m.MatchID,
			Reason:  string(reason),
		})
	}
	o.publish(events.Event{
		Type:    events.TypeMatchCancelled,
		MatchID: m.MatchID,
		Users:   []string{m.UserA, m.UserB},
		Reason:  string(reason),
		At:      at,
	})
}
