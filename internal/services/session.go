package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/truststaff/apiserver/internal/auth"
	"github.com/truststaff/apiserver/internal/store"
	"github.com/truststaff/apiserver/types"
	"go.uber.org/zap"
)

// CredentialSource tells where a request token came from.
type CredentialSource int

const (
	SourceNone CredentialSource = iota
	SourceHeader
	SourceCookie
)

// Credentials is the token a request presented.
type Credentials struct {
	Token  string
	Source CredentialSource
}

// Policy selects how resolution failures are reported.
type Policy int

const (
	// PolicyRequired returns every failure as an error.
	PolicyRequired Policy = iota
	// PolicyOptional turns every failure into an anonymous resolution.
	PolicyOptional
)

// Resolution is the principal of a request. User is nil for anonymous
// requests. ClearCookie asks the caller to drop a dead cookie token.
type Resolution struct {
	User        *types.User
	ClearCookie bool
}

// SessionResolver turns request credentials into a user.
type SessionResolver struct {
	users  UserRepository
	tokens *auth.TokenService
	logger *zap.Logger
}

func NewSessionResolver(users UserRepository, tokens *auth.TokenService, logger *zap.Logger) *SessionResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionResolver{users: users, tokens: tokens, logger: logger}
}

// Resolve resolves creds under policy. Both policies share resolve; they only
// differ in what they report.
func (s *SessionResolver) Resolve(ctx context.Context, creds Credentials, policy Policy) (Resolution, error) {
	res, err := s.resolve(ctx, creds)
	if err == nil {
		return res, nil
	}
	switch policy {
	case PolicyOptional:
		if !isExpectedSessionError(err) {
			s.logger.Error("session resolution failed", zap.Error(err))
		}
		return Resolution{ClearCookie: res.ClearCookie}, nil
	case PolicyRequired:
		// Failures pass through unchanged.
	}
	return res, err
}

// ResolveOptional never fails; any problem yields an anonymous resolution.
func (s *SessionResolver) ResolveOptional(ctx context.Context, creds Credentials) Resolution {
	res, _ := s.Resolve(ctx, creds, PolicyOptional)
	return res
}

// ResolveApproved resolves a required session and applies the verification gate.
func (s *SessionResolver) ResolveApproved(ctx context.Context, creds Credentials) (Resolution, error) {
	res, err := s.Resolve(ctx, creds, PolicyRequired)
	if err != nil {
		return res, err
	}
	return res, RequireApproved(*res.User)
}

func (s *SessionResolver) resolve(ctx context.Context, creds Credentials) (Resolution, error) {
	if creds.Token == "" || creds.Source == SourceNone {
		return Resolution{}, ErrNoCredentials
	}
	dead := Resolution{ClearCookie: creds.Source == SourceCookie}

	claims, err := s.tokens.Validate(creds.Token)
	if err != nil {
		return dead, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	if claims.Purpose != auth.PurposeSession {
		return dead, fmt.Errorf("%w: token purpose %q", ErrInvalidSession, claims.Purpose)
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return dead, fmt.Errorf("%w: user %d not found", ErrInvalidSession, claims.UserID)
		}
		return Resolution{}, fmt.Errorf("load session user: %w", err)
	}
	if user.IsBlocked {
		return dead, ErrAccountBlocked
	}
	return Resolution{User: &user}, nil
}

func isExpectedSessionError(err error) bool {
	return errors.Is(err, ErrNoCredentials) ||
		errors.Is(err, ErrInvalidSession) ||
		errors.Is(err, ErrAccountBlocked)
}

// RequireApproved admits only users whose verification was approved.
func RequireApproved(user types.User) error {
	switch user.VerificationStatus {
	case types.StatusApproved:
		return nil
	case types.StatusNotRequested, types.StatusUnverified, types.StatusPending, types.StatusRejected:
		return ErrApprovalRequired
	default:
		return ErrApprovalRequired
	}
}

// RequireRole admits only users holding one of roles. Others get
// ErrRouteNotFound so privileged routes stay invisible.
func RequireRole(user types.User, roles ...types.Role) error {
	for _, role := range roles {
		if user.Role == role {
			return nil
		}
	}
	return ErrRouteNotFound
}
