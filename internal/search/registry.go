package search

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/carpool/ridematch/internal/apperr"
	"github.com/carpool/ridematch/internal/geo"
)

// DefaultTTL is how long a search stays active without being refreshed.
const DefaultTTL = 180 * time.Second

// Registry is the authority over active searches. It validates input before
// touching the index and stamps ids and expiry.
type Registry struct {
	index Index
	ttl   time.Duration
	now   func() time.Time
	newID func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides search id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry creates a Registry over index. A non-positive ttl means DefaultTTL.
func NewRegistry(index Index, ttl time.Duration, opts ...Option) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{
		index: index,
		ttl:   ttl,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the search lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Now returns the registry clock reading.
func (r *Registry) Now() time.Time { return r.now() }

// Upsert stores a new search for ownerID, replacing any previous one. Invalid
// coordinates are rejected before anything is written.
func (r *Registry) Upsert(ctx context.Context, ownerID string, route Route, kind Kind) (ActiveSearch, error) {
	if strings.TrimSpace(ownerID) == "" {
		return ActiveSearch{}, apperr.ErrInvalidRequest.WithMessage("owner is required")
	}
	if !kind.Valid() {
		return ActiveSearch{}, apperr.ErrInvalidRequest.WithMessage("kind must be offer or request")
	}
	if err := route.Validate(); err != nil {
		return ActiveSearch{}, err
	}

	now := r.now()
	s := ActiveSearch{
		ID:          r.newID(),
		OwnerID:     ownerID,
		Pickup:      route.Pickup,
		Drop:        route.Drop,
		PickupLabel: route.PickupLabel,
		DropLabel:   route.DropLabel,
		Kind:        kind,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
	}
	if err := r.index.Put(ctx, s); err != nil {
		return ActiveSearch{}, errors.Wrap(err, "search: put")
	}
	return s, nil
}

// Remove deletes ownerID's search. Removing a missing search is not an error.
func (r *Registry) Remove(ctx context.Context, ownerID string) error {
	return errors.Wrap(r.index.Delete(ctx, ownerID), "search: delete")
}

// Get returns ownerID's search, or nil when there is none or it expired.
func (r *Registry) Get(ctx context.Context, ownerID string) (*ActiveSearch, error) {
	s, err := r.index.Get(ctx, ownerID, r.now())
	if err != nil {
		return nil, errors.Wrap(err, "search: get")
	}
	return s, nil
}

// ListAll returns every unexpired search.
func (r *Registry) ListAll(ctx context.Context) ([]ActiveSearch, error) {
	list, err := r.index.All(ctx, r.now())
	if err != nil {
		return nil, errors.Wrap(err, "search: list")
	}
	return list, nil
}

// WithinRadius returns unexpired searches with a pickup within radiusMeters
// of center that also satisfy keep (nil keeps all).
func (r *Registry) WithinRadius(ctx context.Context, center geo.Point, radiusMeters float64, keep func(ActiveSearch) bool) ([]ActiveSearch, error) {
	list, err := r.index.WithinRadius(ctx, center, radiusMeters, r.now())
	if err != nil {
		return nil, errors.Wrap(err, "search: radius query")
	}
	if keep == nil {
		return list, nil
	}
	out := list[:0]
	for _, s := range list {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out, nil
}
