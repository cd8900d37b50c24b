// Package ratelimit provides Redis-backed fixed-window rate limiting with
// INCR + EXPIRE, applied per user to the chatty client actions.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g. "rl:search:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// SearchRule limits start_search per user.
func SearchRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:search:", Limit: limit, Window: window}
}

// ChatRule limits send_chat_message per user.
func ChatRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:chat:", Limit: limit, Window: window}
}

// Limiter performs rate limiting checks against Redis. Actions without a
// rule are never limited.
type Limiter struct {
	client redis.UniversalClient
	rules  map[string]Rule
	logger *slog.Logger
}

// NewLimiter creates a Limiter with one rule per action name.
func NewLimiter(client redis.UniversalClient, rules map[string]Rule, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, rules: rules, logger: logger.With("component", "ratelimit")}
}

// Allow counts one action by identifier. When it is over the limit, Allow
// returns false and how long until the window resets.
//
// Redis errors fail open: the action is allowed and the error returned, so
// a Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, action, identifier string) (bool, time.Duration, error) {
	rule, ok := l.rules[action]
	if !ok || rule.Limit <= 0 {
		return true, 0, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR failed, failing open", "key", key, "err", err)
		return true, 0, errors.Wrap(err, "ratelimit: incr")
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE failed, failing open", "key", key, "err", err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, 0, errors.Wrap(err, "ratelimit: expire")
		}
	}

	if int(count) <= rule.Limit {
		return true, 0, nil
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = rule.Window
	}
	return false, ttl, nil
}

// Remaining returns how many actions identifier has left in the current
// window. It returns the full limit if the key does not exist yet or on
// Redis errors.
func (l *Limiter) Remaining(ctx context.Context, action, identifier string) (int, error) {
	rule, ok := l.rules[action]
	if !ok {
		return 0, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, errors.Wrap(err, "ratelimit: get")
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
