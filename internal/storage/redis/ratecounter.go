package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "ratelimit:"

var _ httprate.LimitCounter = (*RateCounter)(nil)

// RateCounter keeps httprate's sliding-window counts in redis so every instance
// enforces one shared budget.
type RateCounter struct {
	cli     *redis.Client
	prefix  string
	window  time.Duration
	timeout time.Duration
}

// RateCounter returns a counter whose keys are namespaced by name.
func (c *Client) RateCounter(name string) *RateCounter {
	return &RateCounter{cli: c.cli, prefix: rateLimitPrefix + name + ":", window: time.Minute, timeout: time.Second}
}

func (r *RateCounter) Config(_ int, windowLength time.Duration) {
	r.window = windowLength
}

func (r *RateCounter) key(key string, window time.Time) string {
	return fmt.Sprintf("%s%s:%d", r.prefix, key, window.Unix())
}

func (r *RateCounter) Increment(key string, currentWindow time.Time) error {
	return r.IncrementBy(key, currentWindow, 1)
}

func (r *RateCounter) IncrementBy(key string, currentWindow time.Time, amount int) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	k := r.key(key, currentWindow)
	pipe := r.cli.TxPipeline()
	pipe.IncrBy(ctx, k, int64(amount))
	// the window is still read as "previous" during the next one
	pipe.Expire(ctx, k, 3*r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ratecounter increment: %w", err)
	}
	return nil
}

func (r *RateCounter) Get(key string, currentWindow, previousWindow time.Time) (int, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	vals, err := r.cli.MGet(ctx, r.key(key, currentWindow), r.key(key, previousWindow)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ratecounter get: %w", err)
	}
	counts := make([]int, 2)
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, fmt.Errorf("ratecounter parse %q: %w", s, err)
		}
		counts[i] = n
	}
	return counts[0], counts[1], nil
}
