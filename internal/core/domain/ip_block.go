// Package domain concentra entidades e estruturas centrais do bloqueio de IPs.
package domain

import "time"

// Metric identifies one per-IP counter series.
type Metric string

const (
	MetricRequests     Metric = "requests"
	MetricNotFound     Metric = "404"
	MetricUnauthorized Metric = "401"
)

// Reason codes recorded on a BlockEntry.
const (
	ReasonRequestsPerMinute     = "requests_per_minute"
	ReasonNotFoundPerMinute     = "not_found_per_minute"
	ReasonUnauthorizedPerMinute = "unauthorized_per_minute"
	ReasonSuspiciousPayload     = "suspicious_payload"
	ReasonManual                = "manual"
	ReasonManualDeny            = "manual_deny"
)

// Block sources.
const (
	SourceRule = "rule"
	SourceAPI  = "api"
	SourceCLI  = "cli"
)

// RequestDescriptor is the normalized view of an inbound request.
type RequestDescriptor struct {
	RemoteAddr   string
	ForwardedFor string
	RealIP       string
	Method       string
	Path         string
	Query        string
	Body         []byte
	UserAgent    string
}

// BlockEntry is a blocked IP with its expiry.
type BlockEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source,omitempty"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry has lapsed at now.
func (e BlockEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// BlockDecision is returned by a rule that fired.
type BlockDecision struct {
	Reason string
	Count  int64
}

type Decision struct {
	Allowed     bool
	AllowListed bool
	IP          string
	Reason      string
}

type CounterRule struct {
	Enabled bool
	Limit   int
	Window  time.Duration
}

type PayloadRule struct {
	Enabled  bool
	Patterns []string
}

type RulesConfig struct {
	RequestsPerMinute     CounterRule
	NotFoundPerMinute     CounterRule
	UnauthorizedPerMinute CounterRule
	SuspiciousPayload     PayloadRule
}
