package rules

import (
	"context"
	"net/http"
	"time"

	"github.com/JeanGrijp/ipblock/internal/core/domain"
)

// counterRule fires when the sliding count of a metric exceeds a limit.
// A zero status means the rule counts every request of its stage.
type counterRule struct {
	reason string
	stage  Stage
	metric domain.Metric
	status int
	limit  int
	window time.Duration
}

type RequestsPerMinuteRule struct{ counterRule }

func NewRequestsPerMinuteRule(limit int, window time.Duration) *RequestsPerMinuteRule {
	return &RequestsPerMinuteRule{counterRule{
		reason: domain.ReasonRequestsPerMinute,
		stage:  StageIncoming,
		metric: domain.MetricRequests,
		limit:  limit,
		window: window,
	}}
}

type NotFoundPerMinuteRule struct{ counterRule }

func NewNotFoundPerMinuteRule(limit int, window time.Duration) *NotFoundPerMinuteRule {
	return &NotFoundPerMinuteRule{counterRule{
		reason: domain.ReasonNotFoundPerMinute,
		stage:  StageResponse,
		metric: domain.MetricNotFound,
		status: http.StatusNotFound,
		limit:  limit,
		window: window,
	}}
}

type UnauthorizedPerMinuteRule struct{ counterRule }

func NewUnauthorizedPerMinuteRule(limit int, window time.Duration) *UnauthorizedPerMinuteRule {
	return &UnauthorizedPerMinuteRule{counterRule{
		reason: domain.ReasonUnauthorizedPerMinute,
		stage:  StageResponse,
		metric: domain.MetricUnauthorized,
		status: http.StatusUnauthorized,
		limit:  limit,
		window: window,
	}}
}

func (r *counterRule) Reason() string { return r.reason }

func (r *counterRule) Stage() Stage { return r.stage }

func (r *counterRule) Evaluate(ctx context.Context, in Input) (*domain.BlockDecision, error) {
	if r.status != 0 && in.Status != r.status {
		return nil, nil
	}
	if in.Counters == nil {
		return nil, nil
	}

	count, err := in.Counters.Increment(ctx, in.IP, r.metric, r.window, in.Now)
	if err != nil {
		return nil, err
	}
	if count > int64(r.limit) {
		return &domain.BlockDecision{Reason: r.reason, Count: count}, nil
	}
	return nil, nil
}
