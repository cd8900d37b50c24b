package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carpool/ridematch/internal/chat"
	"github.com/carpool/ridematch/internal/events"
	"github.com/carpool/ridematch/internal/geo"
	"github.com/carpool/ridematch/internal/logging"
	"github.com/carpool/ridematch/internal/matching"
	"github.com/carpool/ridematch/internal/notify"
	"github.com/carpool/ridematch/internal/protocol"
	"github.com/carpool/ridematch/internal/search"
)

type captureConn struct {
	mu     sync.Mutex
	frames []map[string]interface{}
}

func (c *captureConn) Send(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, m)
	c.mu.Unlock()
	return nil
}

func (c *captureConn) ofType(typ string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range c.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	est      *Establisher
	store    *MemoryStore
	hub      *notify.Hub
	messages *chat.MemoryStore
	events   *events.Recorder
	alice    *captureConn
	bob      *captureConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		hub:      notify.NewHub(notify.WithLogger(logging.Discard())),
		messages: chat.NewMemoryStore(0),
		events:   &events.Recorder{},
		alice:    &captureConn{},
		bob:      &captureConn{},
	}
	contacts := NewContactBook()
	contacts.Remember(protocol.ContactInfo{UserID: "alice", Name: "Alice", Phone: "+91 90000 00001"})
	contacts.Remember(protocol.ContactInfo{UserID: "bob", Name: "Bob", Phone: "+91 90000 00002"})

	chatSvc := chat.NewService(f.messages, f.store, f.hub, chat.WithLogger(logging.Discard()))
	f.est = NewEstablisher(f.store, f.hub, chatSvc, contacts,
		WithLogger(logging.Discard()),
		WithEvents(f.events),
		WithClock(func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }),
	)
	f.hub.Attach("alice", f.alice)
	f.hub.Attach("bob", f.bob)
	return f
}

func approvedMatch() matching.PendingMatch {
	return matching.PendingMatch{
		MatchID: "m-1",
		UserA:   "alice",
		UserB:   "bob",
		SearchA: search.ActiveSearch{
			ID: "s-a", OwnerID: "alice", Kind: search.KindRequest,
			Pickup: geo.Point{Lat: 12.97, Lng: 77.59}, Drop: geo.Point{Lat: 13.0, Lng: 77.6},
			PickupLabel: "MG Road", DropLabel: "Hebbal",
		},
		SearchB: search.ActiveSearch{
			ID: "s-b", OwnerID: "bob", Kind: search.KindOffer,
			Pickup: geo.Point{Lat: 12.971, Lng: 77.591}, Drop: geo.Point{Lat: 13.001, Lng: 77.601},
			PickupLabel: "Brigade Road", DropLabel: "Hebbal flyover",
		},
		Status:    matching.StatusConnected,
		Approvals: map[string]bool{"alice": true, "bob": true},
	}
}

func TestChatRoomIDOrderIndependent(t *testing.T) {
	ab := ChatRoomID("alice", "bob")
	assert.Equal(t, ab, ChatRoomID("bob", "alice"))
	assert.Equal(t, ab, ChatRoomID("alice", "bob"), "deterministic")
	assert.Len(t, ab, 24)
	assert.NotEqual(t, ab, ChatRoomID("alice", "carol"))
	// The separator keeps differently split ids apart.
	assert.NotEqual(t, ChatRoomID("ab", "c"), ChatRoomID("a", "bc"))
}

func TestEstablishRejectsUnapproved(t *testing.T) {
	f := newFixture(t)

	m := approvedMatch()
	m.Approvals = map[string]bool{"alice": true}
	_, err := f.est.Establish(context.Background(), m)
	assert.True(t, errors.Is(err, ErrNotApproved))

	m = approvedMatch()
	m.Status = matching.StatusPendingApproval
	_, err = f.est.Establish(context.Background(), m)
	assert.True(t, errors.Is(err, ErrNotApproved))

	assert.Empty(t, f.alice.frames)
	assert.Equal(t, 0, f.events.Count(events.TypeConnectionEstablished))
}

func TestEstablishNotifiesBothRiders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conn, err := f.est.Establish(ctx, approvedMatch())
	require.NoError(t, err)
	assert.Equal(t, ChatRoomID("alice", "bob"), conn.ChatRoomID)
	assert.Equal(t, "m-1", conn.MatchID)

	aliceMsgs := f.alice.ofType(protocol.TypeConnectionEstablished)
	require.Len(t, aliceMsgs, 1)
	partner := aliceMsgs[0]["partner"].(map[string]interface{})
	assert.Equal(t, "bob", partner["userId"])
	assert.Equal(t, "Bob", partner["name"])
	assert.Equal(t, "+91 90000 00002", partner["phone"])
	assert.Equal(t, conn.ChatRoomID, aliceMsgs[0]["chatRoomId"])
	assert.Equal(t, "MG Road", aliceMsgs[0]["route"].(map[string]interface{})["pickup"])
	assert.Equal(t, "Brigade Road", aliceMsgs[0]["partnerRoute"].(map[string]interface{})["pickup"])

	bobMsgs := f.bob.ofType(protocol.TypeConnectionEstablished)
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, "Alice", bobMsgs[0]["partner"].(map[string]interface{})["name"])

	// Both riders joined the room before the welcome was posted.
	for _, c := range []*captureConn{f.alice, f.bob} {
		welcome := c.ofType(protocol.TypeChatMessage)
		require.Len(t, welcome, 1)
		assert.Equal(t, chat.SystemSender, welcome[0]["senderId"])
		assert.Equal(t, WelcomeMessage, welcome[0]["body"])
	}
	history, _ := f.messages.History(ctx, conn.ChatRoomID, 0)
	require.Len(t, history, 1)
	assert.True(t, history[0].IsSystem())

	member, _ := f.store.IsMember(ctx, conn.ChatRoomID, "alice")
	assert.True(t, member)
	member, _ = f.store.IsMember(ctx, conn.ChatRoomID, "mallory")
	assert.False(t, member)
	assert.Equal(t, 1, f.events.Count(events.TypeConnectionEstablished))
}

// lockCheckingPublisher records whether the Establisher lock was free when
// an event was published.
type lockCheckingPublisher struct {
	est      *Establisher
	unlocked []bool
}

func (p *lockCheckingPublisher) Publish(context.Context, events.Event) error {
	free := p.est.mu.TryLock()
	if free {
		p.est.mu.Unlock()
	}
	p.unlocked = append(p.unlocked, free)
	return nil
}

func TestEstablishPublishesOutsideLock(t *testing.T) {
	f := newFixture(t)
	pub := &lockCheckingPublisher{est: f.est}
	f.est.events = pub

	_, err := f.est.Establish(context.Background(), approvedMatch())
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, pub.unlocked)
}

func TestEstablishIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Connection, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := f.est.Establish(ctx, approvedMatch())
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range results[1:] {
		assert.Equal(t, results[0], c)
	}
	assert.Len(t, f.alice.ofType(protocol.TypeConnectionEstablished), 1)
	assert.Len(t, f.bob.ofType(protocol.TypeChatMessage), 1)
	assert.Equal(t, 1, f.events.Count(events.TypeConnectionEstablished))

	list, _ := f.store.ListConnections(ctx, "bob")
	assert.Len(t, list, 1)
}

func TestEstablishWithOfflineRider(t *testing.T) {
	f := newFixture(t)
	f.hub.Detach("bob", f.bob)

	conn, err := f.est.Establish(context.Background(), approvedMatch())
	require.NoError(t, err, "offline partner does not fail establishment")
	assert.Len(t, f.alice.ofType(protocol.TypeConnectionEstablished), 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, f.hub.Members(conn.ChatRoomID))
}

func TestForMatchingAdapter(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.est.ForMatching().Establish(context.Background(), approvedMatch()))
	c, err := f.store.GetConnection(context.Background(), "m-1")
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestContactBookFallback(t *testing.T) {
	b := NewContactBook()
	assert.Equal(t, protocol.ContactInfo{UserID: "x"}, b.Lookup("x"))
	b.Remember(protocol.ContactInfo{})
	b.Remember(protocol.ContactInfo{UserID: "x", Name: "Xavier"})
	assert.Equal(t, "Xavier", b.Lookup("x").Name)
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	_, created, _ := s.SaveConnection(ctx, Connection{MatchID: "m1", ChatRoomID: "r1", UserA: "a", UserB: "b", EstablishedAt: base})
	assert.True(t, created)
	_, _, _ = s.SaveConnection(ctx, Connection{MatchID: "m2", ChatRoomID: "r2", UserA: "c", UserB: "a", EstablishedAt: base.Add(time.Hour)})
	kept, created, _ := s.SaveConnection(ctx, Connection{MatchID: "m1", ChatRoomID: "other", UserA: "a", UserB: "b"})
	assert.False(t, created)
	assert.Equal(t, "r1", kept.ChatRoomID)

	list, err := s.ListConnections(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m2", list[0].MatchID)
	assert.Equal(t, "c", list[0].Partner("a"))

	missing, err := s.GetConnection(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
