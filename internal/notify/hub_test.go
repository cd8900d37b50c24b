package notify

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carpool/ridematch/internal/logging"
	"github.com/carpool/ridematch/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (c *fakeConn) Send(data []byte) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) types(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m["type"].(string))
	}
	return out
}

// loopBus delivers published frames back to local subscribers.
type loopBus struct {
	mu        sync.Mutex
	subs      map[string]func([]byte)
	published int
}

func (b *loopBus) Publish(room string, data []byte) error {
	b.mu.Lock()
	b.published++
	fn := b.subs[room]
	b.mu.Unlock()
	if fn != nil {
		fn(data)
	}
	return nil
}

func (b *loopBus) Subscribe(room string, fn func([]byte)) error {
	b.mu.Lock()
	b.subs[room] = fn
	b.mu.Unlock()
	return nil
}

func (b *loopBus) Unsubscribe(room string) error {
	b.mu.Lock()
	delete(b.subs, room)
	b.mu.Unlock()
	return nil
}

func TestSendToUser(t *testing.T) {
	h := NewHub(WithLogger(logging.Discard()))
	c := &fakeConn{}
	h.Attach("alice", c)

	require.NoError(t, h.SendToUser("alice", protocol.TypeApprovalSent, protocol.ApprovalSentMsg{MatchID: "m1"}))
	assert.Equal(t, []string{protocol.TypeApprovalSent}, c.types(t))

	err := h.SendToUser("bob", protocol.TypePong, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNewerConnectionReplacesOlder(t *testing.T) {
	h := NewHub(WithLogger(logging.Discard()))
	first, second := &fakeConn{}, &fakeConn{}

	assert.Nil(t, h.Attach("alice", first))
	assert.Equal(t, Sender(first), h.Attach("alice", second))

	// The replaced connection going away must not detach the new one.
	assert.False(t, h.Detach("alice", first))
	assert.True(t, h.Online("alice"))

	require.NoError(t, h.SendToUser("alice", protocol.TypePong, nil))
	assert.Empty(t, first.types(t))
	assert.Len(t, second.types(t), 1)

	assert.True(t, h.Detach("alice", second))
	assert.False(t, h.Online("alice"))
	assert.Equal(t, 0, h.OnlineCount())
}

func TestBroadcastExceptSender(t *testing.T) {
	h := NewHub(WithLogger(logging.Discard()))
	alice, bob, carol := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.Attach("alice", alice)
	h.Attach("bob", bob)
	h.Attach("carol", carol)
	h.JoinRoom("r1", "alice")
	h.JoinRoom("r1", "bob")

	require.NoError(t, h.Broadcast("r1", protocol.TypeUserTyping, protocol.UserTypingMsg{ChatRoomID: "r1", UserID: "alice", IsTyping: true}, "alice"))
	assert.Empty(t, alice.types(t))
	assert.Equal(t, []string{protocol.TypeUserTyping}, bob.types(t))
	assert.Empty(t, carol.types(t), "non-members receive nothing")

	require.NoError(t, h.Broadcast("r1", protocol.TypeChatMessage, protocol.ChatMessageMsg{ChatRoomID: "r1"}, ""))
	assert.Len(t, alice.types(t), 1)
	assert.Len(t, bob.types(t), 2)
}

func TestBroadcastSkipsFailingMember(t *testing.T) {
	h := NewHub(WithLogger(logging.Discard()))
	broken, ok := &fakeConn{fail: true}, &fakeConn{}
	h.Attach("a", broken)
	h.Attach("b", ok)
	h.JoinRoom("r1", "a")
	h.JoinRoom("r1", "b")

	require.NoError(t, h.Broadcast("r1", protocol.TypeChatMessage, protocol.ChatMessageMsg{}, ""))
	assert.Len(t, ok.types(t), 1)
}

func TestLeaveRooms(t *testing.T) {
	h := NewHub(WithLogger(logging.Discard()))
	h.JoinRoom("r1", "alice")
	h.JoinRoom("r2", "alice")
	h.JoinRoom("r1", "bob")

	h.LeaveRoom("r1", "bob")
	assert.Equal(t, []string{"alice"}, h.Members("r1"))

	h.LeaveAllRooms("alice")
	assert.Empty(t, h.Members("r1"))
	assert.Empty(t, h.Members("r2"))
}

func TestBroadcastOverBus(t *testing.T) {
	bus := &loopBus{subs: make(map[string]func([]byte))}
	h := NewHub(WithBus(bus), WithLogger(logging.Discard()))
	alice, bob := &fakeConn{}, &fakeConn{}
	h.Attach("alice", alice)
	h.Attach("bob", bob)
	h.JoinRoom("r1", "alice")
	h.JoinRoom("r1", "bob")

	require.NoError(t, h.Broadcast("r1", protocol.TypeUserTyping, protocol.UserTypingMsg{UserID: "bob"}, "bob"))
	assert.Equal(t, 1, bus.published)
	assert.Equal(t, []string{protocol.TypeUserTyping}, alice.types(t))
	assert.Empty(t, bob.types(t))

	h.LeaveAllRooms("alice")
	h.LeaveAllRooms("bob")
	bus.mu.Lock()
	rooms := make([]string, 0, len(bus.subs))
	for r := range bus.subs {
		rooms = append(rooms, r)
	}
	bus.mu.Unlock()
	sort.Strings(rooms)
	assert.Empty(t, rooms, "last member leaving unsubscribes the room")
}
