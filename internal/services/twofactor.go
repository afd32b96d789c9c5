package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/truststaff/apiserver/internal/auth"
	"github.com/truststaff/apiserver/internal/clock"
	"github.com/truststaff/apiserver/internal/store"
	"github.com/truststaff/apiserver/types"
	"go.uber.org/zap"
)

const twoFactorDigits = 6

var twoFactorSpace = big.NewInt(1_000_000)

// TwoFactorConfig sets challenge lifetimes.
type TwoFactorConfig struct {
	CodeTTL        time.Duration
	ResendInterval time.Duration
	SessionTTL     time.Duration
}

// ResendResult tells the caller how long to wait before the next resend.
type ResendResult struct {
	WaitSeconds int
}

// TwoFactorService issues, resends and consumes email one-time codes.
type TwoFactorService struct {
	users      UserRepository
	tokens     *auth.TokenService
	notifier   Notifier
	dispatcher *Dispatcher
	clock      clock.Clock
	cfg        TwoFactorConfig
	metrics    MetricsRecorder
	logger     *zap.Logger
}

func NewTwoFactorService(
	users UserRepository,
	tokens *auth.TokenService,
	notifier Notifier,
	dispatcher *Dispatcher,
	clk clock.Clock,
	cfg TwoFactorConfig,
	metrics MetricsRecorder,
	logger *zap.Logger,
) *TwoFactorService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwoFactorService{
		users:      users,
		tokens:     tokens,
		notifier:   notifier,
		dispatcher: dispatcher,
		clock:      clk,
		cfg:        cfg,
		metrics:    metricsOrNop(metrics),
		logger:     logger,
	}
}

// Challenge stores a fresh code for user, replacing any outstanding one, and
// dispatches it. Delivery failures are logged and do not fail the call.
func (s *TwoFactorService) Challenge(ctx context.Context, user types.User) error {
	code, err := generateCode()
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if err := s.users.SetTwoFactorChallenge(ctx, user.ID, code, now.Add(s.cfg.CodeTTL), now); err != nil {
		return fmt.Errorf("store two-factor challenge: %w", err)
	}
	s.send(ctx, user, code)
	return nil
}

// Verify consumes the outstanding code for email and issues a session token.
// The consuming update is conditioned on the code still being stored, so two
// concurrent verifications of one code succeed at most once.
func (s *TwoFactorService) Verify(ctx context.Context, email, code string) (string, types.User, error) {
	email = NormalizeEmail(email)
	code = strings.TrimSpace(code)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.RecordTwoFactor(ctx, "invalid")
			return "", types.User{}, ErrInvalidTwoFactorCode
		}
		return "", types.User{}, fmt.Errorf("load user: %w", err)
	}
	if user.TwoFactorCode == nil || subtle.ConstantTimeCompare([]byte(*user.TwoFactorCode), []byte(code)) != 1 {
		s.metrics.RecordTwoFactor(ctx, "invalid")
		return "", types.User{}, ErrInvalidTwoFactorCode
	}
	// Blocking is only revealed to a caller holding the right code.
	if user.IsBlocked {
		s.metrics.RecordTwoFactor(ctx, "blocked")
		return "", types.User{}, ErrAccountBlocked
	}

	now := s.clock.Now()
	if user.TwoFactorExpiresAt == nil || !user.TwoFactorExpiresAt.After(now) {
		s.metrics.RecordTwoFactor(ctx, "expired")
		return "", types.User{}, ErrTwoFactorExpired
	}

	consumed, err := s.users.ConsumeTwoFactorCode(ctx, user.ID, code, now)
	if err != nil {
		return "", types.User{}, fmt.Errorf("consume two-factor code: %w", err)
	}
	if !consumed {
		s.logger.Warn("two-factor code already consumed", zap.Int("user_id", user.ID))
		s.metrics.RecordTwoFactor(ctx, "invalid")
		return "", types.User{}, ErrInvalidTwoFactorCode
	}

	token, err := s.tokens.Issue(auth.Claims{UserID: user.ID, Purpose: auth.PurposeSession}, s.cfg.SessionTTL)
	if err != nil {
		return "", types.User{}, fmt.Errorf("issue session token: %w", err)
	}
	s.metrics.RecordTwoFactor(ctx, "verified")
	return token, user, nil
}

// Resend replaces the outstanding code for email at most once per resend
// interval. Unknown and blocked addresses get ErrNoTwoFactorChallenge. Inside the interval it returns a *ThrottledError carrying the
// remaining wait.
func (s *TwoFactorService) Resend(ctx context.Context, email string) (ResendResult, error) {
	email = NormalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ResendResult{}, ErrNoTwoFactorChallenge
		}
		return ResendResult{}, fmt.Errorf("load user: %w", err)
	}
	// A blocked account looks exactly like an unknown one.
	if user.IsBlocked || user.TwoFactorCode == nil {
		return ResendResult{}, ErrNoTwoFactorChallenge
	}

	code, err := generateCode()
	if err != nil {
		return ResendResult{}, err
	}
	now := s.clock.Now()
	replaced, err := s.users.ResendTwoFactorChallenge(ctx, user.ID, code, now.Add(s.cfg.CodeTTL), now, now.Add(-s.cfg.ResendInterval))
	if err != nil {
		return ResendResult{}, fmt.Errorf("resend two-factor challenge: %w", err)
	}
	if !replaced {
		s.metrics.RecordTwoFactor(ctx, "resend_throttled")
		remaining := s.cfg.ResendInterval
		if user.TwoFactorSentAt != nil {
			if left := user.TwoFactorSentAt.Add(s.cfg.ResendInterval).Sub(now); left > 0 {
				remaining = left
			}
		}
		return ResendResult{}, throttled(remaining)
	}

	s.send(ctx, user, code)
	s.metrics.RecordTwoFactor(ctx, "resent")
	return ResendResult{WaitSeconds: ceilSeconds(s.cfg.ResendInterval)}, nil
}

func (s *TwoFactorService) send(ctx context.Context, user types.User, code string) {
	to := user.Email
	s.dispatcher.Go(ctx, "twofa_code", func(ctx context.Context) error {
		return s.notifier.SendTwoFactorCode(ctx, to, code)
	}, zap.Int("user_id", user.ID))
}

// generateCode returns a uniformly random zero-padded six digit code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, twoFactorSpace)
	if err != nil {
		return "", fmt.Errorf("generate two-factor code: %w", err)
	}
	return fmt.Sprintf("%0*d", twoFactorDigits, n.Int64()), nil
}
