package services

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	filestore "github.com/JeanGrijp/ipblock/internal/adapters/storage/file"
	"github.com/JeanGrijp/ipblock/internal/adapters/storage/memory"
	"github.com/JeanGrijp/ipblock/internal/core/domain"
	"github.com/JeanGrijp/ipblock/internal/core/ports"
	"github.com/JeanGrijp/ipblock/internal/logging"
)

func TestIPBlock_AllowListBeatsDenyAndRules(t *testing.T) {
	clock := newFakeClock()
	service := newTestService(t, newMockStorage(), clock.Now, Config{
		Enabled:     true,
		ManualAllow: []string{"10.0.0.1"},
		ManualDeny:  []string{"10.0.0.0/24"},
		Rules: domain.RulesConfig{
			RequestsPerMinute: domain.CounterRule{Enabled: true, Limit: 1},
		},
	})

	ctx := context.Background()
	req := domain.RequestDescriptor{RemoteAddr: "10.0.0.1:4000", Path: "/"}

	for i := 0; i < 5; i++ {
		decision := service.RegisterIncomingRequest(ctx, req)
		if !decision.Allowed || !decision.AllowListed {
			t.Fatalf("expected allow-listed decision at call %d, got %+v", i+1, decision)
		}
	}
	if service.IsBlockedIP(ctx, "10.0.0.1") {
		t.Fatalf("allow-listed ip must never be reported as blocked")
	}
	if _, err := service.Admit(ctx, req); err != nil {
		t.Fatalf("expected allow-listed ip to be admitted, got %v", err)
	}
}

func TestIPBlock_IgnoreListIsExempt(t *testing.T) {
	storage := newMockStorage()
	service := newTestService(t, storage, newFakeClock().Now, Config{
		Enabled: true,
		Ignore:  []string{"192.0.2.0/24"},
		Rules: domain.RulesConfig{
			RequestsPerMinute: domain.CounterRule{Enabled: true, Limit: 1},
		},
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := service.Admit(ctx, domain.RequestDescriptor{RemoteAddr: "192.0.2.7:1"}); err != nil {
			t.Fatalf("ignored ip should pass, got %v", err)
		}
	}
	if storage.puts() != 0 {
		t.Fatalf("ignored ip must not produce block writes")
	}
}

func TestIPBlock_DenyListBlocksRegardlessOfCounters(t *testing.T) {
	service := newTestService(t, newMockStorage(), newFakeClock().Now, Config{
		Enabled:    true,
		ManualDeny: []string{"198.51.100.0/24", "2001:db8::1"},
	})

	ctx := context.Background()
	if !service.IsBlockedIP(ctx, "198.51.100.42") {
		t.Fatalf("expected ip in denied prefix to be blocked")
	}
	if !service.IsBlockedIP(ctx, "2001:db8::1") {
		t.Fatalf("expected denied ipv6 address to be blocked")
	}

	decision, err := service.Admit(ctx, domain.RequestDescriptor{RemoteAddr: "198.51.100.42:5555"})
	if !domain.IsBlockedError(err) {
		t.Fatalf("expected blocked error, got %v", err)
	}
	if decision.Reason != domain.ReasonManualDeny {
		t.Fatalf("expected reason %q, got %q", domain.ReasonManualDeny, decision.Reason)
	}
}

func TestIPBlock_BlocksAfterExceedingRequestsPerMinute(t *testing.T) {
	service := newTestService(t, newMockStorage(), newFakeClock().Now, Config{
		Enabled: true,
		Rules: domain.RulesConfig{
			RequestsPerMinute: domain.CounterRule{Enabled: true, Limit: 100},
		},
	})

	ctx := context.Background()
	req := domain.RequestDescriptor{RemoteAddr: "203.0.113.10:80", Path: "/"}

	for i := 0; i < 100; i++ {
		if decision := service.RegisterIncomingRequest(ctx, req); !decision.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if service.IsBlockedIP(ctx, "203.0.113.10") {
		t.Fatalf("ip should not be blocked at the limit")
	}

	decision := service.RegisterIncomingRequest(ctx, req)
	if decision.Allowed || decision.Reason != domain.ReasonRequestsPerMinute {
		t.Fatalf("expected block on request 101, got %+v", decision)
	}
	if !service.IsBlockedIP(ctx, "203.0.113.10") {
		t.Fatalf("expected ip to be blocked after the 101st request")
	}

	if _, err := service.Admit(ctx, req); !domain.IsBlockedError(err) {
		t.Fatalf("expected subsequent request to be short-circuited, got %v", err)
	}
}

func TestIPBlock_BurstAcrossMinuteBoundaryBlocks(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 59, 500_000_000, time.UTC)}
	service := newTestService(t, newMockStorage(), clock.Now, Config{
		Enabled: true,
		Rules: domain.RulesConfig{
			RequestsPerMinute: domain.CounterRule{Enabled: true, Limit: 100},
		},
	})

	ctx := context.Background()
	req := domain.RequestDescriptor{RemoteAddr: "203.0.113.11:80", Path: "/"}

	for i := 0; i < 50; i++ {
		if decision := service.RegisterIncomingRequest(ctx, req); !decision.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	clock.Advance(time.Second)
	for i := 0; i < 50; i++ {
		if decision := service.RegisterIncomingRequest(ctx, req); !decision.Allowed {
			t.Fatalf("request %d should be allowed", 51+i)
		}
	}

	decision := service.RegisterIncomingRequest(ctx, req)
	if decision.Allowed || decision.Reason != domain.ReasonRequestsPerMinute {
		t.Fatalf("expected 101 requests within one second to block, got %+v", decision)
	}
	if !service.IsBlockedIP(ctx, "203.0.113.11") {
		t.Fatalf("expected ip to be blocked")
	}
}

func TestIPBlock_LookupsAcceptAnyIPSpelling(t *testing.T) {
	service := newTestService(t, newMockStorage(), newFakeClock().Now, Config{
		Enabled:     true,
		ManualAllow: []string{"2001:db8::a"},
	})
	ctx := context.Background()

	entry, err := service.BlockIP(ctx, "2001:DB8::0001", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.IP != "2001:db8::1" {
		t.Fatalf("expected canonical ip, got %q", entry.IP)
	}

	for _, spelling := range []string{"2001:DB8::0001", "2001:db8::1", "[2001:db8:0::1]:443"} {
		if !service.IsBlockedIP(ctx, spelling) {
			t.Fatalf("expected %q to be reported as blocked", spelling)
		}
	}
	if !service.IsAllowListedIP("2001:DB8:0:0::000A") {
		t.Fatalf("expected allow-list lookup to accept a non-canonical spelling")
	}
	if service.IsBlockedIP(ctx, "not-an-ip") {
		t.Fatalf("unparseable input must not be reported as blocked")
	}
}

func TestIPBlock_RuleBlockLogsRequestDetails(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	service, err := NewIPBlockService(memory.NewCounterStore(), newMockStorage(), Config{
		Enabled: true,
		Rules: domain.RulesConfig{
			SuspiciousPayload: domain.PayloadRule{Enabled: true, Patterns: []string{"<script"}},
		},
	}, logger, WithClock(newFakeClock().Now), WithoutJanitor())
	if err != nil {
		t.Fatalf("failed to create ip block service: %v", err)
	}
	t.Cleanup(func() { _ = service.Close() })

	_, err = service.Admit(context.Background(), domain.RequestDescriptor{
		RemoteAddr: "203.0.113.21:80",
		Method:     "POST",
		Path:       "/comments",
		Body:       []byte("<script>alert(1)</script>"),
		UserAgent:  "sqlmap/1.7",
	})
	if !domain.IsBlockedError(err) {
		t.Fatalf("expected blocked error, got %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"msg":"ip_blocked"`, `"method":"POST"`, `"path":"/comments"`, `"user_agent":"sqlmap/1.7"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected log output to contain %s, got %s", want, out)
		}
	}
}

func TestIPBlock_SuspiciousPayloadBlocksImmediately(t *testing.T) {
	service := newTestService(t, newMockStorage(), newFakeClock().Now, Config{
		Enabled: true,
		Rules: domain.RulesConfig{
			RequestsPerMinute: domain.CounterRule{Enabled: true, Limit: 100},
			SuspiciousPayload: domain.PayloadRule{Enabled: true, Patterns: []string{"<script"}},
		},
	})

	ctx := context.Background()
	decision, err := service.Admit(ctx, domain.RequestDescriptor{
		RemoteAddr: "203.0.113.20:80",
		Path:       "/search",
		Query:      "q=<script>alert(1)</script>",
	})
	if !domain.IsBlockedError(err) {
		t.Fatalf("expected blocked error, got decision=%+v err=%v", decision, err)
	}
	if decision.Reason != domain.ReasonSuspiciousPayload {
		t.Fatalf("expected reason %q, got %q", domain.ReasonSuspiciousPayload, decision.Reason)
	}
	if !service.IsBlockedIP(ctx, "203.0.113.20") {
		t.Fatalf("expected ip to be blocked after one suspicious request")
	}
}

func TestIPBlock_ResponseRulesCountMatchingStatusOnly(t *testing.T) {
	service := newTestService(t, newMockStorage(), newFakeClock().Now, Config{
		Enabled: true,
		Rules: domain.RulesConfig{
			NotFoundPerMinute:     domain.CounterRule{Enabled: true, Limit: 2},
			UnauthorizedPerMinute: domain.CounterRule{Enabled: true, Limit: 1},
		},
	})

	ctx := context.Background()
	scanner := domain.RequestDescriptor{RemoteAddr: "203.0.113.30:1"}
	for i := 0; i < 10; i++ {
		if d := service.RegisterRequestResponse(ctx, scanner, 200); !d.Allowed {
			t.Fatalf("200 responses must not block")
		}
	}
	for i := 0; i < 2; i++ {
		if d := service.RegisterRequestResponse(ctx, scanner, 404); !d.Allowed {
			t.Fatalf("404 number %d should be within the limit", i+1)
		}
	}
	d := service.RegisterRequestResponse(ctx, scanner, 404)
	if d.Allowed || d.Reason != domain.ReasonNotFoundPerMinute {
		t.Fatalf("expected not found block, got %+v", d)
	}

	bruteForce := domain.RequestDescriptor{RemoteAddr: "203.0.113.31:1"}
	service.RegisterRequestResponse(ctx, bruteForce, 401)
	d = service.RegisterRequestResponse(ctx, bruteForce, 401)
	if d.Allowed || d.Reason != domain.ReasonUnauthorizedPerMinute {
		t.Fatalf("expected unauthorized block, got %+v", d)
	}
}

func TestIPBlock_BlockExpiresAfterTTL(t *testing.T) {
	clock := newFakeClock()
	service := newTestService(t, newMockStorage(), clock.Now, Config{
		Enabled:  true,
		BlockTTL: 10 * time.Minute,
	})

	ctx := context.Background()
	entry, err := service.BlockIP(ctx, "203.0.113.40", "", domain.SourceCLI)
	if err != nil {
		t.Fatalf("unexpected error blocking ip: %v", err)
	}
	if !entry.ExpiresAt.Equal(entry.BlockedAt.Add(10 * time.Minute)) {
		t.Fatalf("expected expires_at = blocked_at + ttl, got %+v", entry)
	}
	if entry.Reason != domain.ReasonManual {
		t.Fatalf("expected default manual reason, got %q", entry.Reason)
	}

	clock.Advance(10*time.Minute - time.Second)
	if !service.IsBlockedIP(ctx, "203.0.113.40") {
		t.Fatalf("expected ip to remain blocked before expiry")
	}

	clock.Advance(time.Second)
	if service.IsBlockedIP(ctx, "203.0.113.40") {
		t.Fatalf("expected block to lapse at expires_at")
	}
	entries, err := service.BlockedEntries(ctx)
	if err != nil {
		t.Fatalf("unexpected error listing: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no active entries, got %+v", entries)
	}
}

func TestIPBlock_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipblock.json")
	cfg := Config{Enabled: true, BlockTTL: time.Hour}

	first, err := filestore.New(path, logging.Discard())
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	writer := newTestService(t, first, time.Now, cfg)
	if _, err := writer.BlockIP(context.Background(), "203.0.113.50", "abuse", domain.SourceAPI); err != nil {
		t.Fatalf("unexpected error blocking ip: %v", err)
	}

	second, err := filestore.New(path, logging.Discard())
	if err != nil {
		t.Fatalf("failed to reopen storage: %v", err)
	}
	reader := newTestService(t, second, time.Now, cfg)

	if !reader.IsBlockedIP(context.Background(), "203.0.113.50") {
		t.Fatalf("expected block to be visible to a fresh instance")
	}
	if reader.IsBlockedIP(context.Background(), "203.0.113.51") {
		t.Fatalf("unexpected block for unrelated ip")
	}
}

func TestIPBlock_DisabledNeverTracksOrBlocks(t *testing.T) {
	storage := newMockStorage()
	service := newTestService(t, storage, newFakeClock().Now, Config{
		Enabled:    false,
		ManualDeny: []string{"203.0.113.60"},
		Rules: domain.RulesConfig{
			RequestsPerMinute: domain.CounterRule{Enabled: true, Limit: 1},
		},
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := service.Admit(ctx, domain.RequestDescriptor{RemoteAddr: "203.0.113.60:1"}); err != nil {
			t.Fatalf("disabled engine must admit everything, got %v", err)
		}
	}
	if service.IsBlockedIP(ctx, "203.0.113.60") {
		t.Fatalf("disabled engine must not report blocks")
	}
	if storage.puts() != 0 {
		t.Fatalf("disabled engine must not write blocks")
	}
}

func TestIPBlock_BlockIPValidation(t *testing.T) {
	service := newTestService(t, newMockStorage(), newFakeClock().Now, Config{
		Enabled:     true,
		ManualAllow: []string{"127.0.0.1"},
	})
	ctx := context.Background()

	if _, err := service.BlockIP(ctx, "not-an-ip", "", ""); !errors.Is(err, domain.ErrInvalidIP) {
		t.Fatalf("expected ErrInvalidIP, got %v", err)
	}
	if _, err := service.BlockIP(ctx, "127.0.0.1", "", ""); !errors.Is(err, domain.ErrAllowListed) {
		t.Fatalf("expected ErrAllowListed, got %v", err)
	}

	entry, err := service.BlockIP(ctx, "::ffff:192.0.2.9", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.IP != "192.0.2.9" || entry.Source != domain.SourceAPI {
		t.Fatalf("expected normalized ip with api source, got %+v", entry)
	}

	if err := service.UnblockIP(ctx, "192.0.2.9"); err != nil {
		t.Fatalf("unexpected unblock error: %v", err)
	}
	if service.IsBlockedIP(ctx, "192.0.2.9") {
		t.Fatalf("expected ip to be unblocked")
	}
	if err := service.UnblockIP(ctx, "bogus"); !errors.Is(err, domain.ErrInvalidIP) {
		t.Fatalf("expected ErrInvalidIP on unblock, got %v", err)
	}
}

func TestIPBlock_StorageReadErrorFailsOpen(t *testing.T) {
	storage := newMockStorage()
	service := newTestService(t, storage, newFakeClock().Now, Config{Enabled: true})

	ctx := context.Background()
	if _, err := service.BlockIP(ctx, "203.0.113.70", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	storage.setGetErr(errors.New("disk on fire"))
	if service.IsBlockedIP(ctx, "203.0.113.70") {
		t.Fatalf("read errors must fail open")
	}
	if _, err := service.Admit(ctx, domain.RequestDescriptor{RemoteAddr: "203.0.113.70:1"}); err != nil {
		t.Fatalf("read errors must not reject requests, got %v", err)
	}
}

func TestIPBlock_SlowStorageReadFailsOpen(t *testing.T) {
	storage := newMockStorage()
	storage.slow = true
	service := newTestService(t, storage, newFakeClock().Now, Config{
		Enabled:     true,
		ReadTimeout: 10 * time.Millisecond,
	})

	start := time.Now()
	if service.IsBlockedIP(context.Background(), "203.0.113.71") {
		t.Fatalf("timed out reads must fail open")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("lookup should give up after the read timeout, took %s", elapsed)
	}
}

func TestIPBlock_WriteFailureStillRejectsRequest(t *testing.T) {
	storage := newMockStorage()
	storage.setPutErr(errors.New("read-only filesystem"))
	service := newTestService(t, storage, newFakeClock().Now, Config{
		Enabled: true,
		Rules: domain.RulesConfig{
			SuspiciousPayload: domain.PayloadRule{Enabled: true, Patterns: []string{`\.\./`}},
		},
	})

	ctx := context.Background()
	decision, err := service.Admit(ctx, domain.RequestDescriptor{
		RemoteAddr: "203.0.113.72:1",
		Path:       "/../../etc/passwd",
	})
	if !domain.IsBlockedError(err) || decision.Reason != domain.ReasonSuspiciousPayload {
		t.Fatalf("expected the offending request to be rejected, decision=%+v err=%v", decision, err)
	}

	if !service.IsBlockedIP(ctx, "203.0.113.72") {
		t.Fatalf("unwritten block must still be enforced locally")
	}
	if _, err := service.Admit(ctx, domain.RequestDescriptor{RemoteAddr: "203.0.113.72:2", Path: "/"}); !domain.IsBlockedError(err) {
		t.Fatalf("expected follow-up request to be short-circuited, got %v", err)
	}
	if storage.len() != 0 {
		t.Fatalf("nothing should be stored while writes fail")
	}

	if err := service.Sweep(ctx); err == nil {
		t.Fatalf("expected sweep to report the failed retry")
	}

	storage.setPutErr(nil)
	if err := service.Sweep(ctx); err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}
	if !storage.has("203.0.113.72") {
		t.Fatalf("expected pending block to be written once storage recovered")
	}
	entries, err := service.BlockedEntries(ctx)
	if err != nil {
		t.Fatalf("unexpected error listing: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != domain.ReasonSuspiciousPayload {
		t.Fatalf("expected the recovered entry once, got %+v", entries)
	}
}

func TestIPBlock_PendingWriteRetriedOnNextMutation(t *testing.T) {
	storage := newMockStorage()
	service := newTestService(t, storage, newFakeClock().Now, Config{Enabled: true})
	ctx := context.Background()

	storage.setPutErr(errors.New("connection refused"))
	if _, err := service.BlockIP(ctx, "203.0.113.73", "", ""); err == nil {
		t.Fatalf("expected write error to be returned")
	}
	entries, err := service.BlockedEntries(ctx)
	if err != nil {
		t.Fatalf("unexpected error listing: %v", err)
	}
	if len(entries) != 1 || entries[0].IP != "203.0.113.73" {
		t.Fatalf("expected pending entry to be listed, got %+v", entries)
	}

	storage.setPutErr(nil)
	if _, err := service.BlockIP(ctx, "203.0.113.74", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !storage.has("203.0.113.73") || !storage.has("203.0.113.74") {
		t.Fatalf("expected the pending block to be written with the next one")
	}
}

func TestIPBlock_FailedUnblockStaysUnblockedLocally(t *testing.T) {
	storage := newMockStorage()
	service := newTestService(t, storage, newFakeClock().Now, Config{Enabled: true})
	ctx := context.Background()

	if _, err := service.BlockIP(ctx, "203.0.113.75", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	storage.setDeleteErr(errors.New("connection refused"))
	if err := service.UnblockIP(ctx, "203.0.113.75"); err == nil {
		t.Fatalf("expected delete error to be returned")
	}
	if service.IsBlockedIP(ctx, "203.0.113.75") {
		t.Fatalf("failed unblock must still take effect locally")
	}

	storage.setDeleteErr(nil)
	if err := service.Sweep(ctx); err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}
	if storage.has("203.0.113.75") {
		t.Fatalf("expected pending delete to reach storage")
	}
	if service.IsBlockedIP(ctx, "203.0.113.75") {
		t.Fatalf("expected ip to stay unblocked")
	}
}

func TestIPBlock_TrustedProxyHeaders(t *testing.T) {
	service := newTestService(t, newMockStorage(), newFakeClock().Now, Config{
		Enabled:        true,
		TrustedProxies: []string{"10.1.0.0/16"},
		ManualDeny:     []string{"203.0.113.80"},
	})
	ctx := context.Background()

	viaProxy := domain.RequestDescriptor{RemoteAddr: "10.1.2.3:443", ForwardedFor: "203.0.113.80, 10.1.2.3"}
	if _, err := service.Admit(ctx, viaProxy); !domain.IsBlockedError(err) {
		t.Fatalf("expected forwarded client to be blocked, got %v", err)
	}

	spoofed := domain.RequestDescriptor{RemoteAddr: "192.0.2.1:443", ForwardedFor: "203.0.113.80"}
	decision, err := service.Admit(ctx, spoofed)
	if err != nil {
		t.Fatalf("forwarded header from untrusted peer must be ignored, got %v", err)
	}
	if decision.IP != "192.0.2.1" {
		t.Fatalf("expected peer address, got %q", decision.IP)
	}
}

func TestIPBlock_ConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "non-positive limit", cfg: Config{Rules: domain.RulesConfig{
			RequestsPerMinute: domain.CounterRule{Enabled: true, Limit: 0},
		}}},
		{name: "invalid status", cfg: Config{ResponseStatus: 42}},
		{name: "negative ttl", cfg: Config{BlockTTL: -time.Second}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewIPBlockService(memory.NewCounterStore(), newMockStorage(), tc.cfg, logging.Discard(), WithoutJanitor())
			if err == nil {
				t.Fatalf("expected configuration error")
			}
		})
	}

	if _, err := NewIPBlockService(nil, newMockStorage(), Config{}, logging.Discard()); err == nil {
		t.Fatalf("expected error without counter store")
	}
}

func TestIPBlock_ReloadSwapsPolicyAndKeepsOldOnError(t *testing.T) {
	service := newTestService(t, newMockStorage(), newFakeClock().Now, Config{Enabled: true})
	ctx := context.Background()

	if got := service.ResponseStatus(); got != DefaultResponseStatus {
		t.Fatalf("expected default status %d, got %d", DefaultResponseStatus, got)
	}

	if err := service.Reload(Config{Enabled: true, ResponseStatus: 429, ManualDeny: []string{"192.0.2.50"}}); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	if got := service.ResponseStatus(); got != 429 {
		t.Fatalf("expected reloaded status 429, got %d", got)
	}
	if !service.IsBlockedIP(ctx, "192.0.2.50") {
		t.Fatalf("expected reloaded deny list to apply")
	}

	if err := service.Reload(Config{Enabled: true, ResponseStatus: 1000}); err == nil {
		t.Fatalf("expected reload error for invalid status")
	}
	if got := service.ResponseStatus(); got != 429 {
		t.Fatalf("failed reload must keep previous status, got %d", got)
	}
}

func TestIPBlock_SweepEvictsCountersAndPrunes(t *testing.T) {
	clock := newFakeClock()
	counters := memory.NewCounterStore()
	storage := newMockStorage()
	service, err := NewIPBlockService(counters, storage, Config{
		Enabled:  true,
		BlockTTL: time.Minute,
		Rules: domain.RulesConfig{
			RequestsPerMinute: domain.CounterRule{Enabled: true, Limit: 50},
		},
	}, logging.Discard(), WithClock(clock.Now), WithoutJanitor())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(func() { _ = service.Close() })

	ctx := context.Background()
	service.RegisterIncomingRequest(ctx, domain.RequestDescriptor{RemoteAddr: "203.0.113.90:1"})
	if _, err := service.BlockIP(ctx, "203.0.113.91", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counters.Len() != 1 {
		t.Fatalf("expected one counter series, got %d", counters.Len())
	}

	clock.Advance(5 * time.Minute)
	if err := service.Sweep(ctx); err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}
	if counters.Len() != 0 {
		t.Fatalf("expected stale counters to be evicted, got %d", counters.Len())
	}
	if storage.len() != 0 {
		t.Fatalf("expected expired block to be pruned")
	}
}

func TestIPBlock_ConcurrentRequestsAreAllCounted(t *testing.T) {
	service := newTestService(t, newMockStorage(), newFakeClock().Now, Config{
		Enabled: true,
		Rules: domain.RulesConfig{
			RequestsPerMinute: domain.CounterRule{Enabled: true, Limit: 199},
		},
	})

	ctx := context.Background()
	req := domain.RequestDescriptor{RemoteAddr: "203.0.113.99:1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				service.RegisterIncomingRequest(ctx, req)
			}
		}()
	}
	wg.Wait()

	if !service.IsBlockedIP(ctx, "203.0.113.99") {
		t.Fatalf("expected 200 concurrent requests to exceed a limit of 199")
	}
}

func TestIPBlock_CloseIsIdempotent(t *testing.T) {
	service, err := NewIPBlockService(memory.NewCounterStore(), newMockStorage(), Config{
		EvictInterval: 5 * time.Millisecond,
	}, logging.Discard())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := service.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := service.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

// newTestService is a helper that fails the test immediately if creation fails.
func newTestService(t *testing.T, storage ports.BlockStorage, now func() time.Time, cfg Config) *IPBlockService {
	t.Helper()
	service, err := NewIPBlockService(memory.NewCounterStore(), storage, cfg, logging.Discard(), WithClock(now), WithoutJanitor())
	if err != nil {
		t.Fatalf("failed to create ip block service: %v", err)
	}
	t.Cleanup(func() { _ = service.Close() })
	return service
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
