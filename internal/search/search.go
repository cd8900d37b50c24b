// Package search holds the active ride searches: one offer or request per
// user, kept for a bounded time and looked up by pickup proximity.
package search

import (
	"context"
	"sort"
	"time"

	"github.com/carpool/ridematch/internal/apperr"
	"github.com/carpool/ridematch/internal/geo"
)

// Kind is the side of a search.
type Kind string

const (
	KindOffer   Kind = "offer"
	KindRequest Kind = "request"
)

// ParseKind accepts the canonical kinds and the legacy poolCar/findCar names.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "offer", "poolCar":
		return KindOffer, nil
	case "request", "findCar":
		return KindRequest, nil
	}
	return "", apperr.ErrInvalidRequest.WithMessage("kind must be offer or request")
}

// Opposite returns the kind a search of k pairs with.
func (k Kind) Opposite() Kind {
	if k == KindOffer {
		return KindRequest
	}
	return KindOffer
}

func (k Kind) Valid() bool {
	return k == KindOffer || k == KindRequest
}

// Route is the trip a user wants to share.
type Route struct {
	Pickup      geo.Point
	Drop        geo.Point
	PickupLabel string
	DropLabel   string
}

// Validate checks both coordinates.
func (r Route) Validate() error {
	if err := r.Pickup.Validate(); err != nil {
		return err
	}
	return r.Drop.Validate()
}

// ActiveSearch is a user's current offer or request.
type ActiveSearch struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Pickup      geo.Point `json:"pickup"`
	Drop        geo.Point `json:"drop"`
	PickupLabel string    `json:"pickupLabel"`
	DropLabel   string    `json:"dropLabel"`
	Kind        Kind      `json:"kind"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether s is past its expiry at now.
func (s ActiveSearch) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Route returns the trip of s.
func (s ActiveSearch) Route() Route {
	return Route{Pickup: s.Pickup, Drop: s.Drop, PickupLabel: s.PickupLabel, DropLabel: s.DropLabel}
}

// Index stores active searches keyed by owner and answers pickup proximity
// queries. Implementations never return searches expired at now.
type Index interface {
	Put(ctx context.Context, s ActiveSearch) error
	Delete(ctx context.Context, ownerID string) error
	Get(ctx context.Context, ownerID string, now time.Time) (*ActiveSearch, error)
	All(ctx context.Context, now time.Time) ([]ActiveSearch, error)
	// WithinRadius returns searches whose pickup lies within radiusMeters
	// of center, as measured by geo.Distance.
	WithinRadius(ctx context.Context, center geo.Point, radiusMeters float64, now time.Time) ([]ActiveSearch, error)
}

// SortOldestFirst orders searches by creation time, then id.
func SortOldestFirst(list []ActiveSearch) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
