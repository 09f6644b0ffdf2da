package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLimiter implements Limiter over a shared Redis, so that several
// instances converge on the same counts. Each limit key maps to one sorted
// set of event timestamps (scores are unix nanoseconds, members are unique).
// When Redis is unreachable the limiter degrades to the configured fail
// mode: "block" refuses requests, anything else admits them.
type RedisLimiter struct {
	client *redis.Client
	config Config
	logger *zap.Logger
	now    func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, config Config, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client: client,
		config: config,
		logger: logger.Named("ratelimit_redis"),
		now:    time.Now,
	}
}

// Check evaluates the key without consuming an event.
func (l *RedisLimiter) Check(ctx context.Context, key, role string) *Status {
	scope, limits, exempt := l.config.resolve(key, role)
	if exempt {
		return unlimitedStatus(scope)
	}
	if !limits.Active() {
		return unlimitedStatus(scope)
	}
	st, err := l.evaluate(ctx, key, limits)
	if err != nil {
		return l.degrade(scope, err)
	}
	st.Scope = scope
	return st
}

// Record consumes one event for the key.
func (l *RedisLimiter) Record(ctx context.Context, key string) {
	_, limits, _ := l.config.resolve(key, "")
	if err := l.add(ctx, key, limits.Horizon()); err != nil {
		l.logger.Warn("Failed to record rate limit event", zap.String("key", key), zap.Error(err))
	}
}

// Allow checks the key and records an event when not exceeded. Check and
// record are two round trips, matching the memory backend's semantics
// closely enough for admission control across instances.
func (l *RedisLimiter) Allow(ctx context.Context, key, role string) *Status {
	scope, limits, exempt := l.config.resolve(key, role)
	if exempt {
		return unlimitedStatus(scope)
	}
	if !limits.Active() {
		return unlimitedStatus(scope)
	}
	st, err := l.evaluate(ctx, key, limits)
	if err != nil {
		return l.degrade(scope, err)
	}
	st.Scope = scope
	if !st.Exceeded {
		if err := l.add(ctx, key, limits.Horizon()); err != nil {
			l.logger.Warn("Failed to record rate limit event", zap.String("key", key), zap.Error(err))
		} else if st.Remaining > 0 {
			st.Remaining--
		}
	}
	return st
}

// Reset discards all recorded events for the key.
func (l *RedisLimiter) Reset(ctx context.Context, key string) {
	if err := l.client.Del(ctx, l.redisKey(key)).Err(); err != nil {
		l.logger.Warn("Failed to reset rate limit key", zap.String("key", key), zap.Error(err))
	}
}

func (l *RedisLimiter) redisKey(key string) string {
	return "stinger:ratelimit:" + key
}

func (l *RedisLimiter) evaluate(ctx context.Context, key string, limits Limits) (*Status, error) {
	now := l.now()
	rkey := l.redisKey(key)
	horizonStart := strconv.FormatInt(now.Add(-limits.Horizon()).UnixNano(), 10)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", horizonStart)
	counts := make(map[string]*redis.IntCmd)
	oldest := make(map[string]*redis.ZSliceCmd)
	for _, def := range limits.windows() {
		if def.limit < 0 {
			continue
		}
		start := strconv.FormatInt(now.Add(-def.span).UnixNano(), 10)
		counts[def.name] = pipe.ZCount(ctx, rkey, "("+start, "+inf")
		oldest[def.name] = pipe.ZRangeByScoreWithScores(ctx, rkey, &redis.ZRangeBy{
			Min: "(" + start, Max: "+inf", Offset: 0, Count: 1,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	best := &Status{Exceeded: false, Limit: NoLimit, Remaining: NoLimit, ResetAt: now}
	for _, def := range limits.windows() {
		if def.limit < 0 {
			continue
		}
		if def.limit == 0 {
			return &Status{
				Exceeded:  true,
				Reason:    fmt.Sprintf("all requests forbidden in the %s window", def.name),
				Limit:     0,
				Remaining: 0,
				ResetAt:   now.Add(def.span),
			}, nil
		}
		count := int(counts[def.name].Val())
		oldestAt := now
		if zs := oldest[def.name].Val(); len(zs) > 0 {
			oldestAt = time.Unix(0, int64(zs[0].Score))
		}
		if count >= def.limit {
			return &Status{
				Exceeded:  true,
				Reason:    fmt.Sprintf("limit of %d per %s exceeded", def.limit, def.name),
				Limit:     def.limit,
				Remaining: 0,
				ResetAt:   oldestAt.Add(def.span),
			}, nil
		}
		remaining := def.limit - count
		if best.Remaining < 0 || remaining < best.Remaining {
			reset := now
			if count > 0 {
				reset = oldestAt.Add(def.span)
			}
			best = &Status{Limit: def.limit, Remaining: remaining, ResetAt: reset}
		}
	}
	return best, nil
}

func (l *RedisLimiter) add(ctx context.Context, key string, horizon time.Duration) error {
	now := l.now()
	rkey := l.redisKey(key)
	if err := l.client.ZAdd(ctx, rkey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	}).Err(); err != nil {
		return err
	}
	return l.client.Expire(ctx, rkey, horizon+time.Minute).Err()
}

func (l *RedisLimiter) degrade(scope string, err error) *Status {
	if l.config.FailMode == "block" {
		l.logger.Warn("Rate limiter backend unavailable, refusing request", zap.Error(err))
		return &Status{
			Exceeded:  true,
			Reason:    "rate limiter unavailable",
			Scope:     scope,
			Limit:     0,
			Remaining: 0,
			ResetAt:   l.now(),
		}
	}
	l.logger.Warn("Rate limiter backend unavailable, admitting request", zap.Error(err))
	return unlimitedStatus(scope)
}
