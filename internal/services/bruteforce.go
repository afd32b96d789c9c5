package services

import (
	"context"
	"fmt"
	"time"

	"github.com/truststaff/apiserver/internal/clock"
	"github.com/truststaff/apiserver/types"
	"go.uber.org/zap"
)

// BruteForceGuard throttles logins once too many failures share an email or
// an origin address inside the trailing window. The block decays with time
// only; there is no explicit unblock.
type BruteForceGuard struct {
	attempts LoginAttemptRepository
	clock    clock.Clock
	window   time.Duration
	max      int
	logger   *zap.Logger
}

func NewBruteForceGuard(attempts LoginAttemptRepository, clk clock.Clock, window time.Duration, max int, logger *zap.Logger) *BruteForceGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BruteForceGuard{
		attempts: attempts,
		clock:    clk,
		window:   window,
		max:      max,
		logger:   logger,
	}
}

// Check returns a *ThrottledError when the failure count for email or ip has
// reached the threshold. RetryAfter lasts until enough failures have left the
// window to bring the count under the threshold again.
func (g *BruteForceGuard) Check(ctx context.Context, email, ip string) error {
	now := g.clock.Now()
	count, releaseAt, err := g.attempts.FailuresSince(ctx, email, ip, now.Add(-g.window), g.max)
	if err != nil {
		return fmt.Errorf("count failed logins: %w", err)
	}
	if count < g.max {
		return nil
	}
	g.logger.Info("login throttled",
		zap.String("email", email),
		zap.String("ip", ip),
		zap.Int("failures", count),
	)
	return throttled(releaseAt.Add(g.window).Sub(now))
}

// Record appends one attempt to the log.
func (g *BruteForceGuard) Record(ctx context.Context, email, ip string, success bool) error {
	err := g.attempts.Create(ctx, types.LoginAttempt{
		Email:       email,
		IPAddress:   ip,
		Success:     success,
		AttemptTime: g.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}
