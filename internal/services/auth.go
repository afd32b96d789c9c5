package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/truststaff/apiserver/internal/auth"
	"github.com/truststaff/apiserver/internal/clock"
	"github.com/truststaff/apiserver/internal/store"
	"github.com/truststaff/apiserver/types"
	"go.uber.org/zap"
)

// AuthConfig controls login and password reset behavior.
type AuthConfig struct {
	SessionTTL        time.Duration
	ResetTTL          time.Duration
	ResetInterval     time.Duration
	TwoFactorEnabled  bool
	PasswordMinLength int
}

// LoginStatus is the non-error outcome of a login.
type LoginStatus int

const (
	// LoginChallenge means a two-factor code was sent and must be verified.
	LoginChallenge LoginStatus = iota + 1
	// LoginAuthenticated means Token holds a session token.
	LoginAuthenticated
)

type LoginResult struct {
	Status LoginStatus
	Token  string
	User   types.User
}

// ResetRequestOutcome is the non-error outcome of a password reset request.
// ResetNoOp must be presented exactly like ResetSent.
type ResetRequestOutcome int

const (
	ResetSent ResetRequestOutcome = iota + 1
	ResetNoOp
)

// AuthService implements login and password recovery.
type AuthService struct {
	users      UserRepository
	hasher     *auth.PasswordHasher
	tokens     *auth.TokenService
	guard      *BruteForceGuard
	twoFactor  *TwoFactorService
	notifier   Notifier
	dispatcher *Dispatcher
	clock      clock.Clock
	cfg        AuthConfig
	metrics    MetricsRecorder
	logger     *zap.Logger

	// dummyHash keeps the cost of an unknown-email login equal to a wrong password.
	dummyHash string
}

func NewAuthService(
	users UserRepository,
	hasher *auth.PasswordHasher,
	tokens *auth.TokenService,
	guard *BruteForceGuard,
	twoFactor *TwoFactorService,
	notifier Notifier,
	dispatcher *Dispatcher,
	clk clock.Clock,
	cfg AuthConfig,
	metrics MetricsRecorder,
	logger *zap.Logger,
) (*AuthService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dummyHash, err := hasher.Hash("not-a-real-password")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &AuthService{
		users:      users,
		hasher:     hasher,
		tokens:     tokens,
		guard:      guard,
		twoFactor:  twoFactor,
		notifier:   notifier,
		dispatcher: dispatcher,
		clock:      clk,
		cfg:        cfg,
		metrics:    metricsOrNop(metrics),
		logger:     logger,
		dummyHash:  dummyHash,
	}, nil
}

// Login checks credentials from ip. The brute-force check runs before any
// credential lookup, and every attempt that reaches the lookup is recorded.
// Wrong password and unknown email are indistinguishable.
func (s *AuthService) Login(ctx context.Context, email, password, ip string) (LoginResult, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		s.metrics.RecordLogin(ctx, "invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := s.guard.Check(ctx, email, ip); err != nil {
		if errors.Is(err, ErrThrottled) {
			s.metrics.RecordLogin(ctx, "throttled")
		}
		return LoginResult{}, err
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return LoginResult{}, fmt.Errorf("load user: %w", err)
	}
	if err != nil {
		s.hasher.Verify(password, s.dummyHash)
		return LoginResult{}, s.reject(ctx, email, ip, "invalid_credentials", ErrInvalidCredentials)
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return LoginResult{}, s.reject(ctx, email, ip, "invalid_credentials", ErrInvalidCredentials)
	}
	if user.IsBlocked {
		return LoginResult{}, s.reject(ctx, email, ip, "blocked", ErrAccountBlocked)
	}
	if !user.IsEmailVerified {
		return LoginResult{}, s.reject(ctx, email, ip, "email_not_verified", ErrEmailNotVerified)
	}

	if err := s.guard.Record(ctx, email, ip, true); err != nil {
		return LoginResult{}, err
	}

	if s.cfg.TwoFactorEnabled {
		if err := s.twoFactor.Challenge(ctx, user); err != nil {
			return LoginResult{}, err
		}
		s.metrics.RecordLogin(ctx, "challenge")
		return LoginResult{Status: LoginChallenge, User: user}, nil
	}

	token, err := s.tokens.Issue(auth.Claims{UserID: user.ID, Purpose: auth.PurposeSession}, s.cfg.SessionTTL)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue session token: %w", err)
	}
	s.metrics.RecordLogin(ctx, "authenticated")
	return LoginResult{Status: LoginAuthenticated, Token: token, User: user}, nil
}

func (s *AuthService) reject(ctx context.Context, email, ip, outcome string, cause error) error {
	if err := s.guard.Record(ctx, email, ip, false); err != nil {
		return err
	}
	s.metrics.RecordLogin(ctx, outcome)
	return cause
}

// RequestPasswordReset sends a single-use reset link. Unknown and blocked
// addresses are a silent ResetNoOp. A second request inside the reset
// interval returns a *ThrottledError and sends nothing.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) (ResetRequestOutcome, error) {
	email = NormalizeEmail(email)
	if err := validateStruct(emailInput{Email: email}); err != nil {
		return 0, err
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ResetNoOp, nil
		}
		return 0, fmt.Errorf("load user: %w", err)
	}
	if user.IsBlocked {
		return ResetNoOp, nil
	}

	// Tokens carry whole-second timestamps; the anchor is kept at the same precision.
	now := s.clock.Now().Truncate(time.Second)
	marked, err := s.users.MarkPasswordResetRequested(ctx, user.ID, now, now.Add(-s.cfg.ResetInterval))
	if err != nil {
		return 0, fmt.Errorf("mark reset requested: %w", err)
	}
	if !marked {
		remaining := s.cfg.ResetInterval
		if user.PasswordResetRequestedAt != nil {
			if left := user.PasswordResetRequestedAt.Add(s.cfg.ResetInterval).Sub(now); left > 0 {
				remaining = left
			}
		}
		return 0, throttled(remaining)
	}

	token, err := s.tokens.Issue(auth.Claims{
		UserID:   user.ID,
		Purpose:  auth.PurposeResetPassword,
		IssuedAt: now,
	}, s.cfg.ResetTTL)
	if err != nil {
		return 0, fmt.Errorf("issue reset token: %w", err)
	}

	to := user.Email
	s.dispatcher.Go(ctx, "password_reset_link", func(ctx context.Context) error {
		return s.notifier.SendPasswordResetLink(ctx, to, token)
	}, zap.Int("user_id", user.ID))
	return ResetSent, nil
}

// ResetPassword sets a new password using a reset token. The token must match
// the latest reset request, and using it clears that request, so every link
// works once.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	claims, err := s.tokens.Validate(strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return ErrResetTokenExpired
		}
		return ErrInvalidResetToken
	}
	if claims.Purpose != auth.PurposeResetPassword {
		return ErrInvalidResetToken
	}
	if err := validatePassword(newPassword, s.cfg.PasswordMinLength); err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidResetToken
		}
		return fmt.Errorf("load user: %w", err)
	}
	anchor := user.PasswordResetRequestedAt
	if user.IsBlocked || anchor == nil || anchor.Unix() != claims.IssuedAt.Unix() {
		return ErrInvalidResetToken
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	updated, err := s.users.ResetPassword(ctx, user.ID, hash, *anchor, s.clock.Now())
	if err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	if !updated {
		return ErrInvalidResetToken
	}
	s.logger.Info("password reset", zap.Int("user_id", user.ID))
	return nil
}

type emailInput struct {
	Email string `json:"email" validate:"required,email,max=254"`
}
