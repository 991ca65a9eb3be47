package devprovider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrIssueRateLimited         = errors.New("challenge issuance rate limited")
	ErrThrottleRedisUnavailable = errors.New("throttle redis unavailable")
)

// Throttle caps challenge issuance per target with a fixed-window counter.
type Throttle struct {
	redis  redis.UniversalClient
	prefix string
	max    int
	window time.Duration
}

// NewThrottle allows max issues per target per window. max <= 0 disables
// the throttle.
func NewThrottle(redisClient redis.UniversalClient, prefix string, max int, window time.Duration) *Throttle {
	if prefix == "" {
		prefix = "afi"
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Throttle{redis: redisClient, prefix: prefix, max: max, window: window}
}

// Check counts one issuance for target and reports ErrIssueRateLimited once
// the budget is spent.
func (t *Throttle) Check(ctx context.Context, target string) error {
	if t == nil || t.max <= 0 {
		return nil
	}
	key := t.prefix + ":" + target

	count, err := t.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrThrottleRedisUnavailable, err)
	}
	if count == 1 {
		if err := t.redis.Expire(ctx, key, t.window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrThrottleRedisUnavailable, err)
		}
	}
	if count > int64(t.max) {
		return ErrIssueRateLimited
	}
	return nil
}
