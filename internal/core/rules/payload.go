package rules

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
)

// DefaultSuspiciousPatterns match common scanner probes and injection attempts.
var DefaultSuspiciousPatterns = []string{
	`(?i)<script`,
	`(?i)javascript:`,
	`(?i)union(\s|\+|/\*.*\*/)+select`,
	`\.\./`,
	`(?i)/etc/passwd`,
	`(?i)^/\.env`,
	`(?i)^/\.git/`,
	`(?i)^/wp-(admin|login)`,
	`(?i)^/phpmyadmin`,
	`(?i)^/cgi-bin/`,
}

// SuspiciousPayloadRule fires when any pattern matches the path, the query
// string (raw or decoded) or the body.
type SuspiciousPayloadRule struct {
	patterns []*regexp.Regexp
	skipped  []string
}

// NewSuspiciousPayloadRule compiles patterns in order. Patterns that do not
// compile are skipped and logged; the rest still apply.
func NewSuspiciousPayloadRule(patterns []string, logger *slog.Logger) *SuspiciousPayloadRule {
	r := &SuspiciousPayloadRule{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			r.skipped = append(r.skipped, p)
			if logger != nil {
				logger.Warn("suspicious_pattern_invalid",
					"pattern", p,
					"error", err,
				)
			}
			continue
		}
		r.patterns = append(r.patterns, re)
	}
	return r
}

func (r *SuspiciousPayloadRule) Reason() string { return domain.ReasonSuspiciousPayload }

func (r *SuspiciousPayloadRule) Stage() Stage { return StageIncoming }

// Skipped returns the patterns that failed to compile.
func (r *SuspiciousPayloadRule) Skipped() []string { return r.skipped }

func (r *SuspiciousPayloadRule) Evaluate(_ context.Context, in Input) (*domain.BlockDecision, error) {
	if r.Match(in.Request) {
		return &domain.BlockDecision{Reason: domain.ReasonSuspiciousPayload, Count: 1}, nil
	}
	return nil, nil
}

// Match reports whether the request carries a suspicious payload.
func (r *SuspiciousPayloadRule) Match(req domain.RequestDescriptor) bool {
	if len(r.patterns) == 0 {
		return false
	}

	fields := []string{req.Path, req.Query}
	if decoded, err := url.QueryUnescape(req.Query); err == nil && decoded != req.Query {
		fields = append(fields, decoded)
	}
	if decoded, err := url.PathUnescape(req.Path); err == nil && decoded != req.Path {
		fields = append(fields, decoded)
	}

	for _, re := range r.patterns {
		for _, f := range fields {
			if f != "" && re.MatchString(f) {
				return true
			}
		}
		if len(req.Body) > 0 && re.Match(req.Body) {
			return true
		}
	}
	return false
}
