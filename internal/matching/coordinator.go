// Package matching pairs complementary ride searches and tracks the
// two-sided approval of each proposed pair.
//
// The Coordinator owns the working set of pending matches. Every mutation of
// that set, and every registry write that affects it, happens under one
// mutex; notifications produced inside the lock are queued and delivered
// after it is released.
package matching

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/carpool/ridematch/internal/apperr"
	"github.com/carpool/ridematch/internal/events"
	"github.com/carpool/ridematch/internal/geo"
	"github.com/carpool/ridematch/internal/metrics"
	"github.com/carpool/ridematch/internal/protocol"
	"github.com/carpool/ridematch/internal/search"
)

// Establisher turns a fully approved match into a connection. It receives
// a snapshot whose status is already StatusConnected.
type Establisher interface {
	Establish(ctx context.Context, m PendingMatch) error
}

// EstablisherFunc adapts a function to Establisher.
type EstablisherFunc func(ctx context.Context, m PendingMatch) error

func (f EstablisherFunc) Establish(ctx context.Context, m PendingMatch) error { return f(ctx, m) }

// Config holds the coordinator timings and radii.
type Config struct {
	ScanInterval time.Duration
	MatchTimeout time.Duration
	Radii        Radii
}

// DefaultConfig scans every 5s and gives riders 120s to approve.
func DefaultConfig() Config {
	return Config{
		ScanInterval: 5 * time.Second,
		MatchTimeout: 120 * time.Second,
		Radii:        DefaultRadii,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithEvents sets the lifecycle event sink.
func WithEvents(p events.Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

// WithClock overrides the clock used for match timestamps. Expiry timers
// always run on real time.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// Coordinator runs scans, proposes matches and drives them to connected or
// cancelled.
type Coordinator struct {
	cfg         Config
	registry    *search.Registry
	notifier    Notifier
	establisher Establisher
	events      events.Publisher
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	mu      sync.Mutex
	pending map[string]*PendingMatch // match id -> match
	byUser  map[string]string        // user id -> match id

	// deliverMu is taken before mu is released, so outboxes are delivered
	// in the order their state changes happened.
	deliverMu sync.Mutex

	scanMu      sync.Mutex
	scanning    bool
	rerun       bool
	rerunReason ScanReason
}

// NewCoordinator creates a Coordinator. Zero config fields take defaults.
func NewCoordinator(registry *search.Registry, notifier Notifier, establisher Establisher, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = def.MatchTimeout
	}
	if cfg.Radii.Pickup <= 0 {
		cfg.Radii.Pickup = def.Radii.Pickup
	}
	if cfg.Radii.Drop <= 0 {
		cfg.Radii.Drop = def.Radii.Drop
	}

	c := &Coordinator{
		cfg:         cfg,
		registry:    registry,
		notifier:    notifier,
		establisher: establisher,
		events:      events.Nop{},
		logger:      slog.Default(),
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
		pending:     make(map[string]*PendingMatch),
		byUser:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "matching")
	return c
}

// Run scans every ScanInterval until ctx is done, then stops all pending
// expiry timers.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()

	c.logger.Info("matching loop started", "interval", c.cfg.ScanInterval, "timeout", c.cfg.MatchTimeout)
	for {
		select {
		case <-ctx.Done():
			c.stopTimers()
			c.logger.Info("matching loop stopped")
			return
		case <-ticker.C:
			c.Scan(ctx, ScanTimer)
		}
	}
}

// StartSearch stores userID's search and scans for a partner. A pending
// match the user is part of is withdrawn first with reason denied.
func (c *Coordinator) StartSearch(ctx context.Context, userID string, route search.Route, kind search.Kind) (search.ActiveSearch, error) {
	if !kind.Valid() {
		return search.ActiveSearch{}, apperr.ErrInvalidRequest.WithMessage("kind must be offer or request")
	}
	if err := route.Validate(); err != nil {
		return search.ActiveSearch{}, err
	}

	var o outbox
	c.mu.Lock()
	if m := c.pendingForLocked(userID); m != nil {
		c.cancelLocked(m, ReasonDenied, &o)
	}
	s, err := c.registry.Upsert(ctx, userID, route, kind)
	if err == nil {
		o.send(userID, protocol.TypeSearchStarted, protocol.SearchStartedMsg{
			SearchID:  s.ID,
			Kind:      string(s.Kind),
			Route:     RouteInfo(s),
			ExpiresIn: int(math.Round(s.ExpiresAt.Sub(s.CreatedAt).Seconds())),
		})
	}
	c.commit(ctx, &o)
	if err != nil {
		return search.ActiveSearch{}, err
	}

	c.logger.Debug("search started", "user", userID, "search", s.ID, "kind", s.Kind)
	c.Scan(ctx, ScanNewSearch)
	return s, nil
}

// StopSearch withdraws userID's search and any pending match (reason
// denied). It is the same cleanup path as Disconnect.
func (c *Coordinator) StopSearch(ctx context.Context, userID string) error {
	return c.release(ctx, userID, ReasonDenied, true)
}

// Disconnect releases everything userID holds: a pending match is cancelled
// with reason disconnected and the search is deleted.
func (c *Coordinator) Disconnect(ctx context.Context, userID string) error {
	return c.release(ctx, userID, ReasonDisconnected, false)
}

// release cancels userID's pending match with reason and removes the
// search. ack confirms the stop to the user in the same commit.
func (c *Coordinator) release(ctx context.Context, userID string, reason CancelReason, ack bool) error {
	var o outbox
	c.mu.Lock()
	if m := c.pendingForLocked(userID); m != nil {
		c.cancelLocked(m, reason, &o)
	}
	err := c.registry.Remove(ctx, userID)
	if err == nil && ack {
		o.send(userID, protocol.TypeSearchStopped, protocol.SearchStoppedMsg{})
	}
	c.commit(ctx, &o)
	return err
}

// Approve records userID's approval of matchID. The second approval flips
// the match to connected, removes both searches and hands the match to the
// Establisher.
func (c *Coordinator) Approve(ctx context.Context, userID, matchID string) error {
	var o outbox
	c.mu.Lock()
	m, err := c.lookupLocked(userID, matchID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if m.Approvals[userID] {
		c.mu.Unlock()
		return apperr.ErrAlreadyApproved
	}
	m.Approvals[userID] = true

	if !m.FullyApproved() {
		o.send(userID, protocol.TypeApprovalSent, protocol.ApprovalSentMsg{MatchID: m.MatchID})
		o.send(m.Partner(userID), protocol.TypePartnerApproved, protocol.PartnerApprovedMsg{MatchID: m.MatchID})
		o.publish(events.Event{
			Type:    events.TypeMatchApproved,
			MatchID: m.MatchID,
			Users:   []string{userID},
			At:      c.now(),
		})
		c.commit(ctx, &o)
		return nil
	}

	m.Status = StatusConnected
	m.timer.Stop()
	c.forgetLocked(m)
	for _, user := range []string{m.UserA, m.UserB} {
		if err := c.registry.Remove(ctx, user); err != nil {
			c.logger.Error("remove search on connect", "user", user, "match", m.MatchID, "err", err)
		}
	}
	snap := m.snapshot()
	c.commit(ctx, &o)

	c.logger.Info("match approved by both", "match", snap.MatchID, "user_a", snap.UserA, "user_b", snap.UserB)
	if err := c.establisher.Establish(context.WithoutCancel(ctx), snap); err != nil {
		return errors.Wrapf(err, "establish connection for match %s", snap.MatchID)
	}
	return nil
}

// Deny cancels matchID with reason denied. Both searches stay active.
func (c *Coordinator) Deny(ctx context.Context, userID, matchID string) error {
	var o outbox
	c.mu.Lock()
	m, err := c.lookupLocked(userID, matchID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.cancelLocked(m, ReasonDenied, &o)
	c.commit(ctx, &o)
	return nil
}

// StateOf reports where userID is in the matching lifecycle.
func (c *Coordinator) StateOf(ctx context.Context, userID string) UserState {
	c.mu.Lock()
	_, proposed := c.byUser[userID]
	c.mu.Unlock()
	if proposed {
		return StateMatchProposed
	}
	s, err := c.registry.Get(ctx, userID)
	if err != nil {
		c.logger.Warn("state lookup failed", "user", userID, "err", err)
		return StateIdle
	}
	if s != nil {
		return StateSearching
	}
	return StateIdle
}

// PendingFor returns a snapshot of userID's pending match.
func (c *Coordinator) PendingFor(userID string) (PendingMatch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.pendingForLocked(userID)
	if m == nil {
		return PendingMatch{}, false
	}
	return m.snapshot(), true
}

// PendingCount returns the number of matches awaiting approval.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Scan runs one greedy matching pass over all active searches. A Scan
// requested while another is running makes the running one repeat once
// more instead of running concurrently. It returns the number of matches
// proposed by this call.
func (c *Coordinator) Scan(ctx context.Context, reason ScanReason) int {
	c.scanMu.Lock()
	if c.scanning {
		// A new search outranks a timer tick for the repeat's label.
		if !c.rerun || reason == ScanNewSearch {
			c.rerunReason = reason
		}
		c.rerun = true
		c.scanMu.Unlock()
		return 0
	}
	c.scanning = true
	c.scanMu.Unlock()

	total := 0
	for {
		total += c.scanOnce(ctx, reason)

		c.scanMu.Lock()
		if !c.rerun {
			c.scanning = false
			c.scanMu.Unlock()
			return total
		}
		reason = c.rerunReason
		c.rerun = false
		c.scanMu.Unlock()
	}
}

func (c *Coordinator) scanOnce(ctx context.Context, reason ScanReason) int {
	start := time.Now()
	defer func() {
		metrics.ScanDuration.WithLabelValues(string(reason)).Observe(time.Since(start).Seconds())
	}()

	all, err := c.registry.ListAll(ctx)
	if err != nil {
		c.logger.Error("scan: list searches", "reason", reason, "err", err)
		return 0
	}
	metrics.ActiveSearches.Set(float64(len(all)))
	search.SortOldestFirst(all)

	proposed := 0
	for _, s := range all {
		if ctx.Err() != nil {
			break
		}
		if c.busy(s.OwnerID) {
			continue
		}

		seeker := s
		candidates, err := c.registry.WithinRadius(ctx, seeker.Pickup, c.cfg.Radii.Pickup, func(o search.ActiveSearch) bool {
			return AreCompatible(seeker, o, c.cfg.Radii)
		})
		if err != nil {
			c.logger.Error("scan: radius query", "search", seeker.ID, "err", err)
			continue
		}
		search.SortOldestFirst(candidates)

		for _, cand := range candidates {
			if c.propose(ctx, seeker, cand) {
				proposed++
				break
			}
		}
	}

	if proposed > 0 {
		c.logger.Debug("scan finished", "reason", reason, "searches", len(all), "proposed", proposed)
	}
	return proposed
}

func (c *Coordinator) busy(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byUser[userID]
	return ok
}

// propose creates a match between a and b if both users are still free and
// both searches are still the current ones.
func (c *Coordinator) propose(ctx context.Context, a, b search.ActiveSearch) bool {
	var o outbox
	c.mu.Lock()
	ok := c.proposeLocked(ctx, a, b, &o)
	c.commit(ctx, &o)
	return ok
}

func (c *Coordinator) proposeLocked(ctx context.Context, a, b search.ActiveSearch, o *outbox) bool {
	if _, busy := c.byUser[a.OwnerID]; busy {
		return false
	}
	if _, busy := c.byUser[b.OwnerID]; busy {
		return false
	}
	curA, ok := c.currentLocked(ctx, a)
	if !ok {
		return false
	}
	curB, ok := c.currentLocked(ctx, b)
	if !ok {
		return false
	}
	if !AreCompatible(curA, curB, c.cfg.Radii) {
		return false
	}

	now := c.now()
	m := &PendingMatch{
		MatchID:        c.newID(),
		UserA:          curA.OwnerID,
		UserB:          curB.OwnerID,
		SearchA:        curA,
		SearchB:        curB,
		Status:         StatusPendingApproval,
		Approvals:      make(map[string]bool, 2),
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.cfg.MatchTimeout),
		PickupDistance: geo.Distance(curA.Pickup, curB.Pickup),
		DropDistance:   geo.Distance(curA.Drop, curB.Drop),
	}
	matchID := m.MatchID
	m.timer = time.AfterFunc(c.cfg.MatchTimeout, func() { c.expire(matchID) })

	c.pending[matchID] = m
	c.byUser[m.UserA] = matchID
	c.byUser[m.UserB] = matchID
	metrics.MatchesProposed.Inc()
	metrics.PendingMatches.Set(float64(len(c.pending)))

	c.logger.Info("match proposed", "match", matchID, "user_a", m.UserA, "user_b", m.UserB,
		"pickup_m", math.Round(m.PickupDistance), "drop_m", math.Round(m.DropDistance))
	o.queueProposal(m)
	return true
}

// currentLocked re-reads s's owner and reports whether s is still the
// owner's live search.
func (c *Coordinator) currentLocked(ctx context.Context, s search.ActiveSearch) (search.ActiveSearch, bool) {
	cur, err := c.registry.Get(ctx, s.OwnerID)
	if err != nil {
		c.logger.Warn("re-check search", "user", s.OwnerID, "err", err)
		return search.ActiveSearch{}, false
	}
	if cur == nil || cur.ID != s.ID {
		return search.ActiveSearch{}, false
	}
	return *cur, true
}

// expire fires from the match timer. A match that already left the pending
// state is left alone.
func (c *Coordinator) expire(matchID string) {
	var o outbox
	c.mu.Lock()
	m, ok := c.pending[matchID]
	if ok && m.Status == StatusPendingApproval {
		c.cancelLocked(m, ReasonExpired, &o)
	}
	c.commit(context.Background(), &o)
}

func (c *Coordinator) lookupLocked(userID, matchID string) (*PendingMatch, error) {
	m, ok := c.pending[matchID]
	if !ok || m.Status != StatusPendingApproval {
		return nil, apperr.ErrMatchNotFound
	}
	if !m.Involves(userID) {
		return nil, apperr.ErrNotPartOfMatch
	}
	return m, nil
}

func (c *Coordinator) pendingForLocked(userID string) *PendingMatch {
	id, ok := c.byUser[userID]
	if !ok {
		return nil
	}
	return c.pending[id]
}

func (c *Coordinator) cancelLocked(m *PendingMatch, reason CancelReason, o *outbox) {
	m.Status = StatusCancelled
	m.CancelReason = reason
	m.timer.Stop()
	c.forgetLocked(m)
	metrics.MatchesCancelled.WithLabelValues(string(reason)).Inc()

	c.logger.Info("match cancelled", "match", m.MatchID, "reason", reason)
	o.queueCancellation(m, reason, c.now())
}

func (c *Coordinator) forgetLocked(m *PendingMatch) {
	delete(c.pending, m.MatchID)
	if c.byUser[m.UserA] == m.MatchID {
		delete(c.byUser, m.UserA)
	}
	if c.byUser[m.UserB] == m.MatchID {
		delete(c.byUser, m.UserB)
	}
	metrics.PendingMatches.Set(float64(len(c.pending)))
}

func (c *Coordinator) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.pending {
		m.timer.Stop()
	}
}
