package services

import (
	"context"
	"fmt"
	"time"

	"github.com/truststaff/apiserver/internal/clock"
)

// RateDecision is the outcome of one rate-limited request.
type RateDecision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// RateLimiter applies one global fixed-window cap per client address.
type RateLimiter struct {
	store   RateLimitStore
	clock   clock.Clock
	window  time.Duration
	limit   int
	metrics MetricsRecorder
}

func NewRateLimiter(store RateLimitStore, clk clock.Clock, window time.Duration, limit int, metrics MetricsRecorder) *RateLimiter {
	return &RateLimiter{
		store:   store,
		clock:   clk,
		window:  window,
		limit:   limit,
		metrics: metricsOrNop(metrics),
	}
}

// Allow counts one request from addr.
func (l *RateLimiter) Allow(ctx context.Context, addr string) (RateDecision, error) {
	now := l.clock.Now()
	record, allowed, err := l.store.Hit(ctx, addr, now, l.window, l.limit)
	if err != nil {
		return RateDecision{}, fmt.Errorf("rate limit %s: %w", addr, err)
	}

	decision := RateDecision{
		Allowed: allowed,
		Count:   record.RequestCount,
		Limit:   l.limit,
	}
	if !allowed {
		decision.RetryAfter = record.WindowStart.Add(l.window).Sub(now)
		if decision.RetryAfter < time.Second {
			decision.RetryAfter = time.Second
		}
		l.metrics.RecordRateLimitRejection(ctx)
	}
	return decision, nil
}
