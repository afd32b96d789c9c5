package services

import (
	"context"
	"io"
	"time"

	"github.com/truststaff/apiserver/types"
)

// UserRepository defines persistence operations for users. Every state change
// is a conditional update that reports whether it applied.
type UserRepository interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	ListByStatus(ctx context.Context, status types.VerificationStatus) ([]types.User, error)
	SetTwoFactorChallenge(ctx context.Context, id int, code string, expiresAt, sentAt time.Time) error
	ResendTwoFactorChallenge(ctx context.Context, id int, code string, expiresAt, sentAt, notAfter time.Time) (bool, error)
	ConsumeTwoFactorCode(ctx context.Context, id int, code string, now time.Time) (bool, error)
	MarkPasswordResetRequested(ctx context.Context, id int, now, notAfter time.Time) (bool, error)
	ResetPassword(ctx context.Context, id int, passwordHash string, anchor, now time.Time) (bool, error)
	SubmitOnboarding(ctx context.Context, id int, profile types.OnboardingProfile, from []types.VerificationStatus, now time.Time) (bool, error)
	Review(ctx context.Context, id int, status types.VerificationStatus, reason *string, now time.Time) (bool, error)
	SetBlocked(ctx context.Context, id int, blocked bool, now time.Time) (bool, error)
}

// PendingUserRepository defines persistence operations for unconfirmed registrations.
type PendingUserRepository interface {
	GetByEmail(ctx context.Context, email string) (types.PendingUser, error)
	Create(ctx context.Context, pending types.PendingUser) (types.PendingUser, error)
	Promote(ctx context.Context, token string, notBefore, now time.Time) (types.User, error)
	DeleteStale(ctx context.Context, email string, cutoff time.Time) (bool, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LoginAttemptRepository defines the append-only login attempt log.
type LoginAttemptRepository interface {
	Create(ctx context.Context, attempt types.LoginAttempt) error
	// FailuresSince counts failures at or after since matching email or ip.
	// When the count reaches threshold it also returns the time of the failure
	// whose expiry brings the count back under threshold.
	FailuresSince(ctx context.Context, email, ip string, since time.Time, threshold int) (int, time.Time, error)
}

// RateLimitStore atomically applies one fixed-window hit.
type RateLimitStore interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (types.RateLimit, bool, error)
}

// DocumentStore keeps onboarding documents.
type DocumentStore interface {
	Put(ctx context.Context, userID int, ext string, r io.Reader, size int64) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
}

// MetricsRecorder receives security-relevant outcomes.
type MetricsRecorder interface {
	RecordLogin(ctx context.Context, outcome string)
	RecordTwoFactor(ctx context.Context, outcome string)
	RecordRateLimitRejection(ctx context.Context)
}

type nopMetrics struct{}

func (nopMetrics) RecordLogin(context.Context, string)      {}
func (nopMetrics) RecordTwoFactor(context.Context, string)  {}
func (nopMetrics) RecordRateLimitRejection(context.Context) {}

func metricsOrNop(m MetricsRecorder) MetricsRecorder {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
