package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/carpool/ridematch/internal/geo"
)

const (
	// Redis key patterns, relative to the index prefix.
	keyPickup    = "search:pickup"  // GEO set of owner ids at pickup coordinates
	keyExpiry    = "search:expiry"  // Sorted set, score = expiry (unix ms)
	keyRecPrefix = "search:rec:"    // + <owner_id> -> Hash, expires with the search

	// geoPadding widens GEOSEARCH so the coarse hit set covers every point
	// geo.Distance accepts. Redis uses a slightly different Earth radius.
	geoPadding = 1.01
)

// RedisIndex keeps searches in Redis: a GEO set for pickup lookups, a hash per
// owner that expires with the search, and an expiry ZSET used to purge stale
// GEO members lazily.
type RedisIndex struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisIndex creates a RedisIndex. prefix namespaces every key.
func NewRedisIndex(rdb redis.UniversalClient, prefix string) *RedisIndex {
	return &RedisIndex{rdb: rdb, prefix: prefix}
}

func (r *RedisIndex) key(k string) string { return r.prefix + k }

func (r *RedisIndex) recKey(owner string) string { return r.prefix + keyRecPrefix + owner }

func (r *RedisIndex) Put(ctx context.Context, s ActiveSearch) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal search")
	}
	ttl := s.ExpiresAt.Sub(s.CreatedAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	recKey := r.recKey(s.OwnerID)
	pipe := r.rdb.TxPipeline()
	pipe.GeoAdd(ctx, r.key(keyPickup), &redis.GeoLocation{
		Name:      s.OwnerID,
		Longitude: s.Pickup.Lng,
		Latitude:  s.Pickup.Lat,
	})
	pipe.ZAdd(ctx, r.key(keyExpiry), redis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.OwnerID})
	pipe.Del(ctx, recKey)
	pipe.HSet(ctx, recKey, map[string]interface{}{
		"id":         s.ID,
		"kind":       string(s.Kind),
		"expires_at": strconv.FormatInt(s.ExpiresAt.UnixMilli(), 10),
		"payload":    string(payload),
	})
	pipe.Expire(ctx, recKey, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Delete(ctx context.Context, ownerID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, r.key(keyPickup), ownerID)
	pipe.ZRem(ctx, r.key(keyExpiry), ownerID)
	pipe.Del(ctx, r.recKey(ownerID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Get(ctx context.Context, ownerID string, now time.Time) (*ActiveSearch, error) {
	fields, err := r.rdb.HGetAll(ctx, r.recKey(ownerID)).Result()
	if err != nil {
		return nil, err
	}
	return decodeRecord(fields, now)
}

func (r *RedisIndex) All(ctx context.Context, now time.Time) ([]ActiveSearch, error) {
	if err := r.purge(ctx, now); err != nil {
		return nil, err
	}
	owners, err := r.rdb.ZRange(ctx, r.key(keyPickup), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.load(ctx, owners, now)
}

func (r *RedisIndex) WithinRadius(ctx context.Context, center geo.Point, radiusMeters float64, now time.Time) ([]ActiveSearch, error) {
	if err := r.purge(ctx, now); err != nil {
		return nil, err
	}
	owners, err := r.rdb.GeoSearch(ctx, r.key(keyPickup), &redis.GeoSearchQuery{
		Longitude:  center.Lng,
		Latitude:   center.Lat,
		Radius:     radiusMeters*geoPadding + 1,
		RadiusUnit: "m",
	}).Result()
	if err != nil {
		return nil, err
	}
	candidates, err := r.load(ctx, owners, now)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, s := range candidates {
		if geo.Distance(center, s.Pickup) <= radiusMeters {
			out = append(out, s)
		}
	}
	return out, nil
}

// load fetches the records of owners in one round trip, skipping owners whose
// record has already expired.
func (r *RedisIndex) load(ctx context.Context, owners []string, now time.Time) ([]ActiveSearch, error) {
	if len(owners) == 0 {
		return nil, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(owners))
	for i, owner := range owners {
		cmds[i] = pipe.HGetAll(ctx, r.recKey(owner))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([]ActiveSearch, 0, len(owners))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		s, err := decodeRecord(fields, now)
		if err != nil {
			return nil, err
		}
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

// purge drops GEO and expiry members whose searches expired before now.
func (r *RedisIndex) purge(ctx context.Context, now time.Time) error {
	upTo := strconv.FormatInt(now.UnixMilli(), 10)
	stale, err := r.rdb.ZRangeByScore(ctx, r.key(keyExpiry), &redis.ZRangeBy{Min: "-inf", Max: upTo}).Result()
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	members := make([]interface{}, len(stale))
	for i, owner := range stale {
		members[i] = owner
	}
	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, r.key(keyPickup), members...)
	pipe.ZRem(ctx, r.key(keyExpiry), members...)
	_, err = pipe.Exec(ctx)
	return err
}

func decodeRecord(fields map[string]string, now time.Time) (*ActiveSearch, error) {
	payload, ok := fields["payload"]
	if !ok {
		return nil, nil
	}
	var s ActiveSearch
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, fmt.Errorf("decode search record: %w", err)
	}
	if s.Expired(now) {
		return nil, nil
	}
	return &s, nil
}
