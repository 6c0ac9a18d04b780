// Package redis disponibiliza a implementação do storage baseada em Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
	"github.com/JeanGrijp/ipblock/internal/core/ports"
)

const (
	blockKeyPrefix   = "ipblock:block:"
	counterKeyPrefix = "ipblock:counter:"
)

// Storage keeps block entries as JSON values whose Redis TTL ends at the
// entry's expiry, so expired blocks disappear without pruning.
type Storage struct {
	client *redis.Client
}

var _ ports.BlockStorage = (*Storage)(nil)

type Config struct {
	Addr     string
	Password string
	DB       int
}

func New(cfg Config) (*Storage, error) {
	client, err := Dial(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client), nil
}

// Dial opens and pings a client.
func Dial(cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func NewWithClient(client *redis.Client) *Storage {
	return &Storage{client: client}
}

func (s *Storage) Client() *redis.Client {
	return s.client
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) Get(ctx context.Context, ip string) (domain.BlockEntry, bool, error) {
	raw, err := s.client.Get(ctx, blockKey(ip)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BlockEntry{}, false, nil
	}
	if err != nil {
		return domain.BlockEntry{}, false, err
	}

	var entry domain.BlockEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.BlockEntry{}, false, fmt.Errorf("decode block entry for %s: %w", ip, err)
	}
	entry.IP = ip
	return entry, true, nil
}

func (s *Storage) Put(ctx context.Context, entry domain.BlockEntry) error {
	ttl := entryTTL(entry)
	if ttl <= 0 {
		return s.client.Del(ctx, blockKey(entry.IP)).Err()
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode block entry: %w", err)
	}
	return s.client.Set(ctx, blockKey(entry.IP), raw, ttl).Err()
}

// entryTTL is the key lifetime for entry, taken from the entry's own
// timestamps so the clock that produced them decides expiry.
func entryTTL(entry domain.BlockEntry) time.Duration {
	if entry.BlockedAt.IsZero() {
		return time.Until(entry.ExpiresAt)
	}
	return entry.ExpiresAt.Sub(entry.BlockedAt)
}

func (s *Storage) Delete(ctx context.Context, ip string) error {
	return s.client.Del(ctx, blockKey(ip)).Err()
}

func (s *Storage) List(ctx context.Context) ([]domain.BlockEntry, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, blockKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]domain.BlockEntry, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var entry domain.BlockEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entry.IP = strings.TrimPrefix(keys[i], blockKeyPrefix)
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].IP < entries[j].IP })
	return entries, nil
}

// Prune is a no-op: Redis expires keys natively.
func (s *Storage) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}

func blockKey(ip string) string {
	return blockKeyPrefix + strings.ToLower(strings.TrimSpace(ip))
}
