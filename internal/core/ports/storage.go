// Package ports define contratos que conectam o domínio a implementações externas.
package ports

import (
	"context"
	"time"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
)

// CounterStore keeps per-IP, per-metric sliding window counters.
type CounterStore interface {
	Increment(ctx context.Context, ip string, metric domain.Metric, window time.Duration, now time.Time) (int64, error)
	Evict(ctx context.Context, now time.Time) (int, error)
}

// BlockStorage persists block entries. Implementations must be safe for
// concurrent use and may be shared by several processes.
type BlockStorage interface {
	Get(ctx context.Context, ip string) (domain.BlockEntry, bool, error)
	Put(ctx context.Context, entry domain.BlockEntry) error
	Delete(ctx context.Context, ip string) error
	List(ctx context.Context) ([]domain.BlockEntry, error)
	Prune(ctx context.Context, now time.Time) (int, error)
}
