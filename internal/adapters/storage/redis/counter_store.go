package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
	"github.com/JeanGrijp/ipblock/internal/core/ports"
)

// CounterStore shares minute buckets between processes. Each bucket is its own
// key and expires once it can no longer fall inside the window.
type CounterStore struct {
	client *redis.Client
}

var _ ports.CounterStore = (*CounterStore)(nil)

func NewCounterStore(client *redis.Client) *CounterStore {
	return &CounterStore{client: client}
}

func (s *CounterStore) Increment(ctx context.Context, ip string, metric domain.Metric, window time.Duration, now time.Time) (int64, error) {
	if window <= 0 {
		window = domain.DefaultRuleWindow
	}

	current := domain.BucketStart(now)
	previous := int(window / domain.BucketWidth)

	pipe := s.client.TxPipeline()
	counter := pipe.Incr(ctx, counterKey(ip, metric, current))
	pipe.Expire(ctx, counterKey(ip, metric, current), window+domain.BucketWidth)

	starts := make([]time.Time, 0, previous)
	olders := make([]*redis.StringCmd, 0, previous)
	for i := 1; i <= previous; i++ {
		start := current.Add(-time.Duration(i) * domain.BucketWidth)
		starts = append(starts, start)
		olders = append(olders, pipe.Get(ctx, counterKey(ip, metric, start)))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}

	buckets := make([]domain.Bucket, 0, len(starts)+1)
	for i, cmd := range olders {
		n, err := cmd.Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, err
		}
		buckets = append(buckets, domain.Bucket{Start: starts[i], Count: n})
	}
	buckets = append(buckets, domain.Bucket{Start: current, Count: counter.Val()})

	return domain.SlidingSum(buckets, now, window), nil
}

// Evict is a no-op: bucket keys carry their own TTL.
func (s *CounterStore) Evict(context.Context, time.Time) (int, error) {
	return 0, nil
}

func counterKey(ip string, metric domain.Metric, bucket time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d", counterKeyPrefix, metric, strings.ToLower(strings.TrimSpace(ip)), bucket.Unix())
}
