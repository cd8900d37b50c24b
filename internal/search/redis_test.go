package search

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carpool/ridematch/internal/geo"
)

const testPrefix = "test:ridematch:"

// newTestRedisIndex connects to a local Redis (DB 15) and clears the test
// namespace. Tests using it are skipped when Redis is not running.
func newTestRedisIndex(t *testing.T) *RedisIndex {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, testPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewRedisIndex(client, testPrefix)
}

func testSearch(owner string, kind Kind, pickup geo.Point, created time.Time) ActiveSearch {
	return ActiveSearch{
		ID:        owner + "-id",
		OwnerID:   owner,
		Pickup:    pickup,
		Drop:      geo.Point{Lat: 13.0, Lng: 77.6},
		Kind:      kind,
		CreatedAt: created,
		ExpiresAt: created.Add(time.Minute),
	}
}

func TestRedisIndexPutGetDelete(t *testing.T) {
	idx := newTestRedisIndex(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	s := testSearch("alice", KindOffer, geo.Point{Lat: 12.97, Lng: 77.59}, now)
	require.NoError(t, idx.Put(ctx, s))

	got, err := idx.Get(ctx, "alice", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, KindOffer, got.Kind)
	assert.True(t, s.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, idx.Delete(ctx, "alice"))
	got, err = idx.Get(ctx, "alice", now)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisIndexWithinRadius(t *testing.T) {
	idx := newTestRedisIndex(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, idx.Put(ctx, testSearch("near", KindRequest, geo.Point{Lat: 12.971, Lng: 77.591}, now)))
	require.NoError(t, idx.Put(ctx, testSearch("far", KindRequest, geo.Point{Lat: 13.5, Lng: 77.59}, now)))

	got, err := idx.WithinRadius(ctx, geo.Point{Lat: 12.97, Lng: 77.59}, 5000, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, ownersOf(got))
}

func TestRedisIndexSkipsExpired(t *testing.T) {
	idx := newTestRedisIndex(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, idx.Put(ctx, testSearch("stale", KindOffer, geo.Point{Lat: 12.97, Lng: 77.59}, now)))

	later := now.Add(2 * time.Minute)
	all, err := idx.All(ctx, later)
	require.NoError(t, err)
	assert.Empty(t, all)

	// The purge removed the GEO member, so a fresh read at now is empty too.
	all, err = idx.All(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, all)
}
