package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
	"github.com/JeanGrijp/ipblock/internal/core/ports"
	"github.com/JeanGrijp/ipblock/internal/core/rules"
	"github.com/JeanGrijp/ipblock/internal/metrics"
)

const (
	DefaultBlockTTL       = time.Hour
	DefaultResponseStatus = http.StatusForbidden
	DefaultReadTimeout    = 50 * time.Millisecond
	DefaultEvictInterval  = time.Minute
)

// Config agrega as opções do serviço de bloqueio de IPs.
type Config struct {
	Enabled        bool
	BlockTTL       time.Duration
	ResponseStatus int
	ReadTimeout    time.Duration
	EvictInterval  time.Duration
	ManualAllow    []string
	ManualDeny     []string
	Ignore         []string
	TrustedProxies []string
	Rules          domain.RulesConfig
}

type policy struct {
	enabled        bool
	responseStatus int
	resolver       ClientIPResolver
	rules          rules.Set
	lists          Lists
	ttl            time.Duration
}

// IPBlockService orquestra resolução de IP, regras e armazenamento de bloqueios.
type IPBlockService struct {
	counters ports.CounterStore
	store    *BlockStore
	logger   *slog.Logger
	now      func() time.Time
	policy   atomic.Pointer[policy]

	evictInterval time.Duration
	stopCh        chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

var (
	_ ports.IPGuard    = (*IPBlockService)(nil)
	_ ports.BlockAdmin = (*IPBlockService)(nil)
)

type Option func(*IPBlockService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *IPBlockService) { s.now = now }
}

// WithoutJanitor skips the background eviction loop.
func WithoutJanitor() Option {
	return func(s *IPBlockService) { s.evictInterval = -1 }
}

// NewIPBlockService cria uma nova instância do serviço e inicia a rotina de limpeza.
func NewIPBlockService(counters ports.CounterStore, storage ports.BlockStorage, cfg Config, logger *slog.Logger, opts ...Option) (*IPBlockService, error) {
	if counters == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	if storage == nil {
		return nil, fmt.Errorf("block storage is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &IPBlockService{
		counters:      counters,
		logger:        logger,
		now:           time.Now,
		evictInterval: cfg.EvictInterval,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.evictInterval == 0 {
		s.evictInterval = DefaultEvictInterval
	}

	p, err := s.buildPolicy(cfg)
	if err != nil {
		return nil, err
	}
	s.store = NewBlockStore(storage, p.lists, p.ttl, cfg.ReadTimeout, logger)
	s.policy.Store(p)

	if s.evictInterval > 0 {
		s.wg.Add(1)
		go s.janitor()
	}

	logger.Info("ipblock_started",
		"enabled", p.enabled,
		"rules", len(p.rules.Rules()),
		"block_ttl", p.ttl,
		"allow", p.lists.Allow.Len(),
		"deny", p.lists.Deny.Len(),
		"ignore", p.lists.Ignore.Len(),
		"trusted_proxies", p.resolver.HasTrustedProxies(),
	)
	return s, nil
}

func (s *IPBlockService) buildPolicy(cfg Config) (*policy, error) {
	ttl := cfg.BlockTTL
	if ttl == 0 {
		ttl = DefaultBlockTTL
	}
	if ttl < 0 {
		return nil, fmt.Errorf("block ttl must be positive")
	}

	status := cfg.ResponseStatus
	if status == 0 {
		status = DefaultResponseStatus
	}
	if status < 100 || status > 599 {
		return nil, fmt.Errorf("response status %d is not a valid HTTP status", status)
	}

	set, err := rules.Build(cfg.Rules, s.logger)
	if err != nil {
		return nil, err
	}

	return &policy{
		enabled:        cfg.Enabled,
		responseStatus: status,
		resolver:       NewClientIPResolver(ParseIPList("trusted_proxies", cfg.TrustedProxies, s.logger)),
		rules:          set,
		lists: Lists{
			Allow:  ParseIPList("manual_allow", cfg.ManualAllow, s.logger),
			Ignore: ParseIPList("ignore", cfg.Ignore, s.logger),
			Deny:   ParseIPList("manual_deny", cfg.ManualDeny, s.logger),
		},
		ttl: ttl,
	}, nil
}

// Reload swaps lists, resolver, rules, TTL and response status. On error the
// running configuration is kept.
func (s *IPBlockService) Reload(cfg Config) error {
	p, err := s.buildPolicy(cfg)
	if err != nil {
		return fmt.Errorf("reload ipblock config: %w", err)
	}
	s.store.SetPolicy(p.lists, p.ttl)
	s.policy.Store(p)
	s.logger.Info("ipblock_reloaded", "enabled", p.enabled, "rules", len(p.rules.Rules()))
	return nil
}

func (s *IPBlockService) ResolveClientIP(req domain.RequestDescriptor) string {
	return s.policy.Load().resolver.Resolve(req)
}

func (s *IPBlockService) IsAllowListedIP(ip string) bool {
	return s.store.IsAllowListed(canonicalIP(ip))
}

// IsBlockedIP is false for allow-listed IPs and when the engine is disabled.
func (s *IPBlockService) IsBlockedIP(ctx context.Context, ip string) bool {
	ip = canonicalIP(ip)
	if !s.policy.Load().enabled || s.store.IsAllowListed(ip) {
		return false
	}
	return s.store.IsBlocked(ctx, ip, s.now())
}

func (s *IPBlockService) ResponseStatus() int {
	return s.policy.Load().responseStatus
}

// Admit runs the pre-dispatch sequence and returns domain.ErrBlocked when the
// request must not reach the handler.
func (s *IPBlockService) Admit(ctx context.Context, req domain.RequestDescriptor) (domain.Decision, error) {
	p := s.policy.Load()
	ip := p.resolver.Resolve(req)

	if !p.enabled {
		return domain.Decision{Allowed: true, IP: ip}, nil
	}
	if s.store.IsAllowListed(ip) {
		return domain.Decision{Allowed: true, AllowListed: true, IP: ip}, nil
	}
	if reason, blocked := s.store.Lookup(ctx, ip, s.now()); blocked {
		return domain.Decision{IP: ip, Reason: reason}, domain.ErrBlocked
	}

	decision := s.register(ctx, p, rules.StageIncoming, ip, req, 0)
	if !decision.Allowed {
		return decision, domain.ErrBlocked
	}
	return decision, nil
}

// RegisterIncomingRequest counts the request and scans its content.
func (s *IPBlockService) RegisterIncomingRequest(ctx context.Context, req domain.RequestDescriptor) domain.Decision {
	p := s.policy.Load()
	ip := p.resolver.Resolve(req)
	if !p.enabled {
		return domain.Decision{Allowed: true, IP: ip}
	}
	if s.store.IsAllowListed(ip) {
		return domain.Decision{Allowed: true, AllowListed: true, IP: ip}
	}
	return s.register(ctx, p, rules.StageIncoming, ip, req, 0)
}

// RegisterRequestResponse counts 404 and 401 responses.
func (s *IPBlockService) RegisterRequestResponse(ctx context.Context, req domain.RequestDescriptor, status int) domain.Decision {
	p := s.policy.Load()
	ip := p.resolver.Resolve(req)
	if !p.enabled {
		return domain.Decision{Allowed: true, IP: ip}
	}
	if s.store.IsAllowListed(ip) {
		return domain.Decision{Allowed: true, AllowListed: true, IP: ip}
	}
	return s.register(ctx, p, rules.StageResponse, ip, req, status)
}

func (s *IPBlockService) register(ctx context.Context, p *policy, stage rules.Stage, ip string, req domain.RequestDescriptor, status int) domain.Decision {
	metrics.IncRequestsInspected(stage.String())

	now := s.now()
	fired, errs := p.rules.Evaluate(ctx, stage, rules.Input{
		IP:       ip,
		Request:  req,
		Status:   status,
		Now:      now,
		Counters: s.counters,
	})
	for _, err := range errs {
		metrics.IncStorageError("counter")
		s.logger.Warn("rule_evaluation_failed", "ip", ip, "stage", stage.String(), "error", err)
	}
	if fired == nil {
		return domain.Decision{Allowed: true, IP: ip}
	}

	// Write errors are logged by the store; the request is rejected either way.
	entry, _ := s.store.Block(ctx, ip, fired.Reason, domain.SourceRule, now)
	metrics.IncBlocks(fired.Reason, domain.SourceRule)
	s.logger.Warn("ip_blocked",
		"ip", ip,
		"reason", fired.Reason,
		"count", fired.Count,
		"source", domain.SourceRule,
		"expires_at", entry.ExpiresAt,
		"method", req.Method,
		"path", req.Path,
		"user_agent", req.UserAgent,
	)
	return domain.Decision{IP: ip, Reason: fired.Reason}
}

// BlockIP blocks ip without evaluating rules.
func (s *IPBlockService) BlockIP(ctx context.Context, ip, reason, source string) (domain.BlockEntry, error) {
	normalized := NormalizeIP(ip)
	if normalized == "" {
		return domain.BlockEntry{}, fmt.Errorf("%w: %q", domain.ErrInvalidIP, ip)
	}
	if s.store.IsAllowListed(normalized) {
		return domain.BlockEntry{}, fmt.Errorf("%w: %s", domain.ErrAllowListed, normalized)
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = domain.ReasonManual
	}
	if source == "" {
		source = domain.SourceAPI
	}

	entry, err := s.store.Block(ctx, normalized, reason, source, s.now())
	if err != nil {
		return entry, err
	}
	metrics.IncBlocks(reason, source)
	s.logger.Warn("ip_blocked", "ip", normalized, "reason", reason, "source", source, "expires_at", entry.ExpiresAt)
	return entry, nil
}

func (s *IPBlockService) UnblockIP(ctx context.Context, ip string) error {
	normalized := NormalizeIP(ip)
	if normalized == "" {
		return fmt.Errorf("%w: %q", domain.ErrInvalidIP, ip)
	}
	if err := s.store.Unblock(ctx, normalized, s.now()); err != nil {
		return err
	}
	s.logger.Info("ip_unblocked", "ip", normalized)
	return nil
}

// BlockedEntries lists the blocks still active.
func (s *IPBlockService) BlockedEntries(ctx context.Context) ([]domain.BlockEntry, error) {
	return s.store.Entries(ctx, s.now())
}

// Sweep evicts stale counters, prunes expired blocks and refreshes the
// blocked_ips gauge.
func (s *IPBlockService) Sweep(ctx context.Context) error {
	now := s.now()
	var errs []error

	evicted, err := s.counters.Evict(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("evict counters: %w", err))
	}
	pruned, err := s.store.Prune(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	if entries, err := s.store.Entries(ctx, now); err == nil {
		metrics.SetBlockedIPs(len(entries))
	}

	if evicted > 0 || pruned > 0 {
		s.logger.Debug("ipblock_sweep", "evicted_series", evicted, "pruned_blocks", pruned)
	}
	return errors.Join(errs...)
}

func (s *IPBlockService) janitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Sweep(context.Background()); err != nil {
				s.logger.Warn("ipblock_sweep_failed", "error", err)
			}
		}
	}
}

// Close stops the janitor and makes a last attempt at pending writes.
func (s *IPBlockService) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err = s.store.Prune(ctx, s.now())
	})
	return err
}
