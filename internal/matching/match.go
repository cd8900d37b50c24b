package matching

import (
	"time"

	"github.com/carpool/ridematch/internal/search"
)

// Status of a PendingMatch.
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusConnected       Status = "connected"
	StatusCancelled       Status = "cancelled"
)

// CancelReason explains why a match was cancelled.
type CancelReason string

const (
	ReasonDenied       CancelReason = "denied"
	ReasonExpired      CancelReason = "expired"
	ReasonDisconnected CancelReason = "disconnected"
)

// UserState is a user's position in the matching lifecycle.
type UserState string

const (
	StateIdle          UserState = "idle"
	StateSearching     UserState = "searching"
	StateMatchProposed UserState = "match_proposed"
)

// ScanReason tags what triggered a scan.
type ScanReason string

const (
	ScanTimer     ScanReason = "timer"
	ScanNewSearch ScanReason = "new_search"
)

// PendingMatch is a proposed pairing of two searches. Values handed out by
// the Coordinator are snapshots; the live record is only touched under the
// Coordinator lock.
type PendingMatch struct {
	MatchID        string
	UserA          string
	UserB          string
	SearchA        search.ActiveSearch
	SearchB        search.ActiveSearch
	Status         Status
	Approvals      map[string]bool
	CreatedAt      time.Time
	ExpiresAt      time.Time
	PickupDistance float64
	DropDistance   float64
	CancelReason   CancelReason

	timer *time.Timer
}

// Involves reports whether userID is one of the two parties.
func (m *PendingMatch) Involves(userID string) bool {
	return m.UserA == userID || m.UserB == userID
}

// Partner returns the other party of userID.
func (m *PendingMatch) Partner(userID string) string {
	if m.UserA == userID {
		return m.UserB
	}
	return m.UserA
}

// SearchOf returns userID's side of the match.
func (m *PendingMatch) SearchOf(userID string) search.ActiveSearch {
	if m.UserA == userID {
		return m.SearchA
	}
	return m.SearchB
}

// FullyApproved reports whether both parties approved.
func (m *PendingMatch) FullyApproved() bool {
	return m.Approvals[m.UserA] && m.Approvals[m.UserB]
}

func (m *PendingMatch) snapshot() PendingMatch {
	cp := *m
	cp.timer = nil
	cp.Approvals = make(map[string]bool, len(m.Approvals))
	for k, v := range m.Approvals {
		cp.Approvals[k] = v
	}
	return cp
}
