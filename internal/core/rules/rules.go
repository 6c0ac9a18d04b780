// Package rules implements the block rules evaluated for each request.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
	"github.com/JeanGrijp/ipblock/internal/core/ports"
)

// Stage is the point of the request lifecycle a rule runs at.
type Stage int

const (
	StageIncoming Stage = iota
	StageResponse
)

func (s Stage) String() string {
	switch s {
	case StageIncoming:
		return "incoming"
	case StageResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Input is everything a rule may look at.
type Input struct {
	IP       string
	Request  domain.RequestDescriptor
	Status   int
	Now      time.Time
	Counters ports.CounterStore
}

// Rule returns a non-nil decision when it fires.
type Rule interface {
	Reason() string
	Stage() Stage
	Evaluate(ctx context.Context, in Input) (*domain.BlockDecision, error)
}

// Set is the ordered list of enabled rules.
type Set struct {
	rules     []Rule
	maxWindow time.Duration
}

// Build creates the enabled rules in their fixed evaluation order:
// requests, payload, not found, unauthorized.
func Build(cfg domain.RulesConfig, logger *slog.Logger) (Set, error) {
	var set Set

	if cfg.RequestsPerMinute.Enabled {
		window, err := set.counterWindow(domain.ReasonRequestsPerMinute, cfg.RequestsPerMinute)
		if err != nil {
			return Set{}, err
		}
		set.rules = append(set.rules, NewRequestsPerMinuteRule(cfg.RequestsPerMinute.Limit, window))
	}

	if cfg.SuspiciousPayload.Enabled {
		set.rules = append(set.rules, NewSuspiciousPayloadRule(cfg.SuspiciousPayload.Patterns, logger))
	}

	if cfg.NotFoundPerMinute.Enabled {
		window, err := set.counterWindow(domain.ReasonNotFoundPerMinute, cfg.NotFoundPerMinute)
		if err != nil {
			return Set{}, err
		}
		set.rules = append(set.rules, NewNotFoundPerMinuteRule(cfg.NotFoundPerMinute.Limit, window))
	}

	if cfg.UnauthorizedPerMinute.Enabled {
		window, err := set.counterWindow(domain.ReasonUnauthorizedPerMinute, cfg.UnauthorizedPerMinute)
		if err != nil {
			return Set{}, err
		}
		set.rules = append(set.rules, NewUnauthorizedPerMinuteRule(cfg.UnauthorizedPerMinute.Limit, window))
	}

	return set, nil
}

func (s *Set) counterWindow(name string, cfg domain.CounterRule) (time.Duration, error) {
	if cfg.Limit <= 0 {
		return 0, fmt.Errorf("rule %s: limit must be positive", name)
	}
	window := cfg.Window
	if window <= 0 {
		window = domain.DefaultRuleWindow
	}
	if window > s.maxWindow {
		s.maxWindow = window
	}
	return window, nil
}

// Rules returns the enabled rules in evaluation order.
func (s Set) Rules() []Rule {
	return s.rules
}

// MaxWindow is the longest lookback any enabled counter rule uses.
func (s Set) MaxWindow() time.Duration {
	return s.maxWindow
}

// Evaluate runs every rule of the stage. All of them run so their counters
// stay accurate; the first one that fires supplies the reason. Rule errors are
// collected and do not stop evaluation.
func (s Set) Evaluate(ctx context.Context, stage Stage, in Input) (*domain.BlockDecision, []error) {
	var first *domain.BlockDecision
	var errs []error

	for _, r := range s.rules {
		if r.Stage() != stage {
			continue
		}
		decision, err := r.Evaluate(ctx, in)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.Reason(), err))
			continue
		}
		if decision != nil && first == nil {
			first = decision
		}
	}
	return first, errs
}
