/*Package ratelimit bounds request throughput per device and per caller
identity.

Counters live in an external Redis store so that all service instances share
one view. The store may become unavailable; what happens then is an explicit
per-endpoint-class policy, not an accident. Sensitive classes fail closed,
because a store outage is itself a plausible attacker-induced condition, and
a limiter that silently allows unlimited traffic whenever its store is down
provides no protection at exactly the moment protection matters most.
*/
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/artcast-tech/artcast/core/logger"
)

// ErrRateLimited means the request was rejected. The caller may retry after
// the window elapses.
var ErrRateLimited = errors.New("rate limit exceeded")

// CounterStore is the backing store for rate limit counters. Increment must
// be atomic; a read-then-write implementation would let two near
// simultaneous requests both slip under a limit.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisStore implements CounterStore on Redis. Counters are created lazily
// on first use and expire with the window; after a store outage they simply
// restart from zero.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a CounterStore backed by the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Increment atomically increments the counter for key, starting its expiry
// window on first use, and returns the new count.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Limiter is the rate limiter with its per-class policy table.
type Limiter struct {
	store    CounterStore
	policies map[Class]Policy
}

// NewLimiter creates a limiter. A nil policy table selects DefaultPolicies.
func NewLimiter(store CounterStore, policies map[Class]Policy) *Limiter {
	if store == nil {
		panic("counter store is missing")
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Limiter{store: store, policies: policies}
}

// CheckAndConsume consumes one unit from the counter for key and reports
// whether the request is within the limit, along with the remaining budget
// in the current window. A store failure is returned to the caller, which
// must decide between failing open and failing closed.
func (l *Limiter) CheckAndConsume(ctx context.Context, key string, limit int64, window time.Duration) (allowed bool, remaining int64, err error) {
	count, err := l.store.Increment(ctx, key, window)
	if err != nil {
		return false, 0, err
	}
	remaining = limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= limit, remaining, nil
}

// Allow checks the request against the policy for its endpoint class. It
// returns nil if the request may proceed and ErrRateLimited if not.
//
// On backing-store unavailability the class policy decides: fail-closed
// classes reject with ErrRateLimited, fail-open classes proceed, and every
// fail-open bypass is logged at warning level with the key and limit that
// were bypassed.
func (l *Limiter) Allow(ctx context.Context, class Class, key string) error {
	policy, ok := l.policies[class]
	if !ok {
		// unknown classes are a programming error, treat like fail closed
		return fmt.Errorf("%w: no policy for class %q", ErrRateLimited, class)
	}

	counterKey := "ratelimit:" + string(class) + ":" + key
	allowed, _, err := l.CheckAndConsume(ctx, counterKey, policy.Limit, policy.Window)
	if err != nil {
		if policy.FailClosed {
			logger.FromContext(ctx).WithError(err).Warningf(
				"rate limit store unreachable, failing closed for %s key %s", class, key)
			return fmt.Errorf("%w: limiter store unavailable", ErrRateLimited)
		}
		logger.FromContext(ctx).WithError(err).Warningf(
			"rate limit store unreachable, failing open for %s key %s (limit %d bypassed)",
			class, key, policy.Limit)
		return nil
	}
	if !allowed {
		return fmt.Errorf("%w: %s key %s over limit %d per %s",
			ErrRateLimited, class, key, policy.Limit, policy.Window)
	}
	return nil
}
