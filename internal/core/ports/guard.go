// Package ports define contratos que conectam o domínio a implementações externas.
package ports

import (
	"context"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
)

// IPGuard is what the HTTP boundary needs around each request.
type IPGuard interface {
	Admit(ctx context.Context, req domain.RequestDescriptor) (domain.Decision, error)
	RegisterRequestResponse(ctx context.Context, req domain.RequestDescriptor, status int) domain.Decision
	ResponseStatus() int
}

// BlockAdmin is the manual management surface used by the admin API and CLI.
type BlockAdmin interface {
	BlockIP(ctx context.Context, ip, reason, source string) (domain.BlockEntry, error)
	UnblockIP(ctx context.Context, ip string) error
	BlockedEntries(ctx context.Context) ([]domain.BlockEntry, error)
	IsBlockedIP(ctx context.Context, ip string) bool
	IsAllowListedIP(ip string) bool
}
