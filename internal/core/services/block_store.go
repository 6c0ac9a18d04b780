package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
	"github.com/JeanGrijp/ipblock/internal/core/ports"
	"github.com/JeanGrijp/ipblock/internal/metrics"
)

// Lists are the static allow, ignore and deny sets from configuration.
type Lists struct {
	Allow  IPList
	Ignore IPList
	Deny   IPList
}

type storePolicy struct {
	lists Lists
	ttl   time.Duration
}

// BlockStore layers the manual lists, TTL and read timeout over a BlockStorage.
// Reads fail open. A mutation the backend rejected is kept pending: it is
// visible to this process at once and written again on the next mutation or
// Prune.
type BlockStore struct {
	storage     ports.BlockStorage
	readTimeout time.Duration
	logger      *slog.Logger
	policy      atomic.Pointer[storePolicy]
	readErrLog  rate.Sometimes

	mu      sync.Mutex
	pending map[string]*domain.BlockEntry // nil value means delete
}

func NewBlockStore(storage ports.BlockStorage, lists Lists, ttl, readTimeout time.Duration, logger *slog.Logger) *BlockStore {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	s := &BlockStore{
		storage:     storage,
		readTimeout: readTimeout,
		logger:      logger,
		readErrLog:  rate.Sometimes{Interval: 10 * time.Second},
		pending:     make(map[string]*domain.BlockEntry),
	}
	s.SetPolicy(lists, ttl)
	return s
}

// SetPolicy swaps the lists and TTL used by subsequent calls.
func (s *BlockStore) SetPolicy(lists Lists, ttl time.Duration) {
	s.policy.Store(&storePolicy{lists: lists, ttl: ttl})
}

func (s *BlockStore) TTL() time.Duration {
	return s.policy.Load().ttl
}

// IsAllowListed is true for manual_allow and ignore entries.
func (s *BlockStore) IsAllowListed(ip string) bool {
	p := s.policy.Load()
	return p.lists.Allow.Contains(ip) || p.lists.Ignore.Contains(ip)
}

func (s *BlockStore) IsBlocked(ctx context.Context, ip string, now time.Time) bool {
	_, blocked := s.Lookup(ctx, ip, now)
	return blocked
}

// Lookup returns the reason ip is blocked. The deny list and pending
// mutations are consulted before storage. A storage error or a read slower
// than the timeout counts as not blocked.
func (s *BlockStore) Lookup(ctx context.Context, ip string, now time.Time) (string, bool) {
	if s.policy.Load().lists.Deny.Contains(ip) {
		return domain.ReasonManualDeny, true
	}

	s.mu.Lock()
	entry, isPending := s.pending[ip]
	s.mu.Unlock()
	if isPending {
		if entry == nil || entry.Expired(now) {
			return "", false
		}
		return entry.Reason, true
	}

	type result struct {
		entry domain.BlockEntry
		ok    bool
		err   error
	}

	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		entry, ok, err := s.storage.Get(readCtx, ip)
		done <- result{entry: entry, ok: ok, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-readCtx.Done():
		res.err = fmt.Errorf("block lookup: %w", readCtx.Err())
	}

	if res.err != nil {
		metrics.IncStorageError("read")
		s.readErrLog.Do(func() {
			s.logger.Warn("block_lookup_failed", "ip", ip, "error", res.err)
		})
		return "", false
	}
	if !res.ok || res.entry.Expired(now) {
		return "", false
	}
	return res.entry.Reason, true
}

// Block upserts an entry expiring TTL after now. The entry is returned even
// when the write fails.
func (s *BlockStore) Block(ctx context.Context, ip, reason, source string, now time.Time) (domain.BlockEntry, error) {
	entry := domain.BlockEntry{
		IP:        ip,
		Reason:    reason,
		Source:    source,
		BlockedAt: now,
		ExpiresAt: now.Add(s.TTL()),
	}

	// Retry failures are logged and stay pending.
	_ = s.retryPending(ctx, now)

	if err := s.storage.Put(ctx, entry); err != nil {
		metrics.IncStorageError("write")
		s.logger.Error("block_write_failed", "ip", ip, "reason", reason, "error", err)
		s.setPending(ip, &entry)
		return entry, fmt.Errorf("store block for %s: %w", ip, err)
	}
	s.clearPending(ip)
	return entry, nil
}

// Unblock removes the stored entry. manual_deny is unaffected.
func (s *BlockStore) Unblock(ctx context.Context, ip string, now time.Time) error {
	_ = s.retryPending(ctx, now)

	if err := s.storage.Delete(ctx, ip); err != nil {
		metrics.IncStorageError("delete")
		s.logger.Error("block_delete_failed", "ip", ip, "error", err)
		s.setPending(ip, nil)
		return fmt.Errorf("remove block for %s: %w", ip, err)
	}
	s.clearPending(ip)
	return nil
}

// Entries lists the entries still active at now.
func (s *BlockStore) Entries(ctx context.Context, now time.Time) ([]domain.BlockEntry, error) {
	all, err := s.storage.List(ctx)
	if err != nil {
		metrics.IncStorageError("list")
		return nil, fmt.Errorf("list blocks: %w", err)
	}

	s.mu.Lock()
	merged := make(map[string]domain.BlockEntry, len(all)+len(s.pending))
	for _, e := range all {
		merged[e.IP] = e
	}
	for ip, e := range s.pending {
		if e == nil {
			delete(merged, ip)
			continue
		}
		merged[ip] = *e
	}
	s.mu.Unlock()

	active := make([]domain.BlockEntry, 0, len(merged))
	for _, e := range merged {
		if !e.Expired(now) {
			active = append(active, e)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].IP < active[j].IP })
	return active, nil
}

// Prune retries pending mutations and drops expired entries. It returns the
// number of expired entries the backend removed.
func (s *BlockStore) Prune(ctx context.Context, now time.Time) (int, error) {
	retryErr := s.retryPending(ctx, now)

	n, err := s.storage.Prune(ctx, now)
	if err != nil {
		metrics.IncStorageError("prune")
		return n, errors.Join(retryErr, fmt.Errorf("prune blocks: %w", err))
	}
	return n, retryErr
}

func (s *BlockStore) setPending(ip string, entry *domain.BlockEntry) {
	s.mu.Lock()
	s.pending[ip] = entry
	s.mu.Unlock()
}

func (s *BlockStore) clearPending(ip string) {
	s.mu.Lock()
	delete(s.pending, ip)
	s.mu.Unlock()
}

// retryPending writes every pending mutation again. Expired blocks are
// dropped without a write. A mutation replaced while its retry was in flight
// stays pending.
func (s *BlockStore) retryPending(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]*domain.BlockEntry, len(s.pending))
	for ip, e := range s.pending {
		snapshot[ip] = e
	}
	s.mu.Unlock()

	var errs []error
	for ip, e := range snapshot {
		var err error
		switch {
		case e == nil:
			err = s.storage.Delete(ctx, ip)
		case e.Expired(now):
		default:
			err = s.storage.Put(ctx, *e)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("retry %s: %w", ip, err))
			continue
		}

		s.mu.Lock()
		if cur, ok := s.pending[ip]; ok && cur == e {
			delete(s.pending, ip)
		}
		s.mu.Unlock()
	}

	if len(errs) > 0 {
		metrics.IncStorageError("retry")
		s.logger.Warn("block_retry_failed", "pending", len(errs), "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	s.logger.Info("block_retry_succeeded", "written", len(snapshot))
	return nil
}
