package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carpool/ridematch/internal/chat"
	"github.com/carpool/ridematch/internal/connection"
	"github.com/carpool/ridematch/internal/logging"
)

func openOrSkip(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	require.NoError(t, Migrate(dsn, logging.Discard()))
	// A second run is a no-op.
	require.NoError(t, Migrate(dsn, logging.Discard()))

	p, err := Open(context.Background(), dsn, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestConnectionRoundTrip(t *testing.T) {
	p := openOrSkip(t)
	ctx := context.Background()

	a, b := "a-"+uuid.NewString(), "b-"+uuid.NewString()
	c := connection.Connection{
		MatchID:       uuid.NewString(),
		ChatRoomID:    connection.ChatRoomID(a, b),
		UserA:         a,
		UserB:         b,
		EstablishedAt: time.Now().Truncate(time.Microsecond),
	}
	saved, created, err := p.SaveConnection(ctx, c)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, c.MatchID, saved.MatchID)

	again := c
	again.ChatRoomID = "something-else"
	kept, created, err := p.SaveConnection(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ChatRoomID, kept.ChatRoomID)

	got, err := p.GetConnection(ctx, c.MatchID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, c.EstablishedAt.Equal(got.EstablishedAt))

	list, err := p.ListConnections(ctx, b)
	require.NoError(t, err)
	require.Len(t, list, 1)

	member, err := p.IsMember(ctx, c.ChatRoomID, a)
	require.NoError(t, err)
	assert.True(t, member)
	member, err = p.IsMember(ctx, c.ChatRoomID, "stranger")
	require.NoError(t, err)
	assert.False(t, member)

	missing, err := p.GetConnection(ctx, "no-such-match")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMessageHistory(t *testing.T) {
	p := openOrSkip(t)
	ctx := context.Background()
	room := "room-" + uuid.NewString()
	base := time.Now()

	for i := 1; i <= 5; i++ {
		require.NoError(t, p.Append(ctx, chat.Message{
			ID:         uuid.NewString(),
			ChatRoomID: room,
			SenderID:   "u",
			Body:       fmt.Sprintf("msg-%d", i),
			SentAt:     base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	latest, err := p.History(ctx, room, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, "msg-3", latest[0].Body)
	assert.Equal(t, "msg-5", latest[2].Body)

	empty, err := p.History(ctx, "room-"+uuid.NewString(), 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
