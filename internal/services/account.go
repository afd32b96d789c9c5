package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/truststaff/apiserver/internal/auth"
	"github.com/truststaff/apiserver/internal/clock"
	"github.com/truststaff/apiserver/internal/storage"
	"github.com/truststaff/apiserver/internal/store"
	"github.com/truststaff/apiserver/types"
	"go.uber.org/zap"
)

const verificationTokenBytes = 32

// AccountConfig controls registration and onboarding policy.
type AccountConfig struct {
	PendingUserRetention time.Duration
	ResubmitCooldown     time.Duration
	PasswordMinLength    int
	MaxDocumentBytes     int64
}

// RegisterRequest is the input of Register.
type RegisterRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=50"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password"`
}

// OnboardingForm is a company identity submission with its document.
type OnboardingForm struct {
	CompanyName  string    `json:"company_name" validate:"required,min=2,max=255"`
	City         string    `json:"city" validate:"required,max=100"`
	TaxID        string    `json:"tax_id" validate:"required,max=50"`
	Document     io.Reader `json:"-" validate:"-"`
	DocumentName string    `json:"-" validate:"-"`
	DocumentSize int64     `json:"-" validate:"-"`
}

// OnboardingOutcome is the non-error outcome of an onboarding submission.
type OnboardingOutcome int

const (
	OnboardingSubmitted OnboardingOutcome = iota + 1
	OnboardingAlreadyPending
	OnboardingAlreadyApproved
)

// AccountService implements the account lifecycle: registration, email
// verification, onboarding, review and blocking.
type AccountService struct {
	users      UserRepository
	pending    PendingUserRepository
	documents  DocumentStore
	hasher     *auth.PasswordHasher
	notifier   Notifier
	dispatcher *Dispatcher
	clock      clock.Clock
	cfg        AccountConfig
	logger     *zap.Logger
}

func NewAccountService(
	users UserRepository,
	pending PendingUserRepository,
	documents DocumentStore,
	hasher *auth.PasswordHasher,
	notifier Notifier,
	dispatcher *Dispatcher,
	clk clock.Clock,
	cfg AccountConfig,
	logger *zap.Logger,
) *AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{
		users:      users,
		pending:    pending,
		documents:  documents,
		hasher:     hasher,
		notifier:   notifier,
		dispatcher: dispatcher,
		clock:      clk,
		cfg:        cfg,
		logger:     logger,
	}
}

// Register stores a pending registration and sends its verification link.
// No user exists until the link is followed.
func (s *AccountService) Register(ctx context.Context, req RegisterRequest) (types.PendingUser, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = NormalizeEmail(req.Email)
	if err := validateStruct(req); err != nil {
		return types.PendingUser{}, err
	}
	if err := validatePassword(req.Password, s.cfg.PasswordMinLength); err != nil {
		return types.PendingUser{}, err
	}

	if _, err := s.users.GetByEmail(ctx, req.Email); err == nil {
		return types.PendingUser{}, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return types.PendingUser{}, fmt.Errorf("check user: %w", err)
	}

	now := s.clock.Now()
	if _, err := s.pending.GetByEmail(ctx, req.Email); err == nil {
		removed, err := s.pending.DeleteStale(ctx, req.Email, now.Add(-s.cfg.PendingUserRetention))
		if err != nil {
			return types.PendingUser{}, fmt.Errorf("remove stale registration: %w", err)
		}
		if !removed {
			return types.PendingUser{}, ErrRegistrationPending
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return types.PendingUser{}, fmt.Errorf("check pending registration: %w", err)
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return types.PendingUser{}, fmt.Errorf("hash password: %w", err)
	}
	token, err := randomToken(verificationTokenBytes)
	if err != nil {
		return types.PendingUser{}, err
	}

	pending, err := s.pending.Create(ctx, types.PendingUser{
		Name:                   req.Name,
		Email:                  req.Email,
		PasswordHash:           hash,
		EmailVerificationToken: token,
		CreatedAt:              now,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return types.PendingUser{}, ErrRegistrationPending
		}
		return types.PendingUser{}, fmt.Errorf("create pending registration: %w", err)
	}

	to := pending.Email
	s.dispatcher.Go(ctx, "verification_link", func(ctx context.Context) error {
		return s.notifier.SendVerificationLink(ctx, to, token)
	}, zap.Int("pending_id", pending.ID))
	return pending, nil
}

// VerifyEmail consumes a verification token and creates the user. Unknown,
// consumed and stale tokens are all ErrInvalidVerificationToken.
func (s *AccountService) VerifyEmail(ctx context.Context, token string) (types.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return types.User{}, ErrInvalidVerificationToken
	}
	now := s.clock.Now()
	user, err := s.pending.Promote(ctx, token, now.Add(-s.cfg.PendingUserRetention), now)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return types.User{}, ErrInvalidVerificationToken
		case errors.Is(err, store.ErrConflict):
			s.logger.Warn("verified registration collides with existing user")
			return types.User{}, ErrInvalidVerificationToken
		default:
			return types.User{}, fmt.Errorf("promote registration: %w", err)
		}
	}
	s.logger.Info("email verified", zap.Int("user_id", user.ID))
	return user, nil
}

// GetUser loads a user by id.
func (s *AccountService) GetUser(ctx context.Context, id int) (types.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, ErrUserNotFound
		}
		return types.User{}, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

// SubmitOnboarding moves an unverified or rejected user to pending review.
// Submitting while pending or approved changes nothing and reports why.
func (s *AccountService) SubmitOnboarding(ctx context.Context, userID int, form OnboardingForm) (OnboardingOutcome, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if outcome, done, err := s.onboardingGate(user); done || err != nil {
		return outcome, err
	}

	form.CompanyName = strings.TrimSpace(form.CompanyName)
	form.City = strings.TrimSpace(form.City)
	form.TaxID = strings.TrimSpace(form.TaxID)
	if err := validateStruct(form); err != nil {
		return 0, err
	}
	ext, err := s.checkDocument(form)
	if err != nil {
		return 0, err
	}

	key, err := s.documents.Put(ctx, user.ID, ext, form.Document, form.DocumentSize)
	if err != nil {
		return 0, fmt.Errorf("store document: %w", err)
	}

	profile := types.OnboardingProfile{
		CompanyName: form.CompanyName,
		City:        form.City,
		TaxID:       form.TaxID,
		DocumentKey: key,
	}
	from := []types.VerificationStatus{types.StatusUnverified, types.StatusRejected}
	submitted, err := s.users.SubmitOnboarding(ctx, user.ID, profile, from, s.clock.Now())
	if err != nil {
		s.discardDocument(ctx, key)
		return 0, fmt.Errorf("submit onboarding: %w", err)
	}
	if !submitted {
		// Another request changed the status first.
		s.discardDocument(ctx, key)
		current, err := s.GetUser(ctx, user.ID)
		if err != nil {
			return 0, err
		}
		outcome, done, err := s.onboardingGate(current)
		if done || err != nil {
			return outcome, err
		}
		return 0, ErrInvalidTransition
	}

	if user.DocumentKey != "" {
		s.discardDocument(ctx, user.DocumentKey)
	}
	s.logger.Info("onboarding submitted", zap.Int("user_id", user.ID))
	return OnboardingSubmitted, nil
}

// onboardingGate decides whether user may submit. done is true when the
// submission short-circuits with outcome.
func (s *AccountService) onboardingGate(user types.User) (OnboardingOutcome, bool, error) {
	switch user.VerificationStatus {
	case types.StatusPending:
		return OnboardingAlreadyPending, true, nil
	case types.StatusApproved:
		return OnboardingAlreadyApproved, true, nil
	case types.StatusUnverified:
		return 0, false, nil
	case types.StatusRejected:
		if s.cfg.ResubmitCooldown > 0 && user.ReviewedAt != nil {
			if left := user.ReviewedAt.Add(s.cfg.ResubmitCooldown).Sub(s.clock.Now()); left > 0 {
				return 0, true, throttled(left)
			}
		}
		return 0, false, nil
	case types.StatusNotRequested:
		return 0, true, ErrInvalidTransition
	default:
		return 0, true, ErrInvalidTransition
	}
}

func (s *AccountService) checkDocument(form OnboardingForm) (string, error) {
	if form.Document == nil {
		return "", &ValidationError{Field: "document", Message: "is required"}
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(form.DocumentName), "."))
	if _, ok := storage.ContentType(ext); !ok {
		return "", &ValidationError{
			Field:   "document",
			Message: "must be one of " + strings.Join(storage.DocumentExtensions(), ", "),
		}
	}
	if form.DocumentSize <= 0 {
		return "", &ValidationError{Field: "document", Message: "is empty"}
	}
	if form.DocumentSize > s.cfg.MaxDocumentBytes {
		return "", &ValidationError{
			Field:   "document",
			Message: fmt.Sprintf("must be at most %d MB", s.cfg.MaxDocumentBytes>>20),
		}
	}
	return ext, nil
}

func (s *AccountService) discardDocument(ctx context.Context, key string) {
	if err := s.documents.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to delete document", zap.String("key", key), zap.Error(err))
	}
}

// ListPending returns users awaiting review, oldest submission first.
func (s *AccountService) ListPending(ctx context.Context, actor types.User) ([]types.User, error) {
	if !actor.Role.IsAdmin() {
		return nil, ErrForbidden
	}
	users, err := s.users.ListByStatus(ctx, types.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending users: %w", err)
	}
	return users, nil
}

// OpenDocument returns the identity document a user submitted.
func (s *AccountService) OpenDocument(ctx context.Context, actor types.User, userID int) (io.ReadCloser, string, error) {
	if !actor.Role.IsAdmin() {
		return nil, "", ErrForbidden
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if user.DocumentKey == "" {
		return nil, "", ErrDocumentNotFound
	}
	rc, contentType, err := s.documents.Open(ctx, user.DocumentKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, "", ErrDocumentNotFound
		}
		return nil, "", fmt.Errorf("open document: %w", err)
	}
	return rc, contentType, nil
}

// Approve moves a pending user to approved.
func (s *AccountService) Approve(ctx context.Context, actor types.User, userID int) error {
	if !actor.Role.IsAdmin() {
		return ErrForbidden
	}
	return s.review(ctx, actor, userID, types.StatusApproved, nil)
}

// Reject moves a pending user to rejected with a mandatory reason.
func (s *AccountService) Reject(ctx context.Context, actor types.User, userID int, reason string) error {
	if !actor.Role.IsAdmin() {
		return ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return &ValidationError{Field: "reason", Message: "is required"}
	}
	return s.review(ctx, actor, userID, types.StatusRejected, &reason)
}

func (s *AccountService) review(ctx context.Context, actor types.User, userID int, status types.VerificationStatus, reason *string) error {
	reviewed, err := s.users.Review(ctx, userID, status, reason, s.clock.Now())
	if err != nil {
		return fmt.Errorf("review user: %w", err)
	}
	if !reviewed {
		if _, err := s.GetUser(ctx, userID); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	s.logger.Info("verification reviewed",
		zap.Int("user_id", userID),
		zap.Int("admin_id", actor.ID),
		zap.String("status", string(status)),
	)
	return nil
}

// Block sets the block flag. Only superadmins may block, and superadmins
// cannot be blocked.
func (s *AccountService) Block(ctx context.Context, actor types.User, userID int) error {
	return s.setBlocked(ctx, actor, userID, true)
}

// Unblock clears the block flag.
func (s *AccountService) Unblock(ctx context.Context, actor types.User, userID int) error {
	return s.setBlocked(ctx, actor, userID, false)
}

func (s *AccountService) setBlocked(ctx context.Context, actor types.User, userID int, blocked bool) error {
	if actor.Role != types.RoleSuperadmin {
		return ErrForbidden
	}
	target, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if blocked && target.Role == types.RoleSuperadmin {
		return ErrCannotBlockSuperadmin
	}
	updated, err := s.users.SetBlocked(ctx, userID, blocked, s.clock.Now())
	if err != nil {
		return fmt.Errorf("set blocked: %w", err)
	}
	if !updated {
		return ErrCannotBlockSuperadmin
	}
	s.logger.Info("block flag changed",
		zap.Int("user_id", userID),
		zap.Int("superadmin_id", actor.ID),
		zap.Bool("blocked", blocked),
	)
	return nil
}

// SweepPendingUsers deletes registrations older than the retention window.
func (s *AccountService) SweepPendingUsers(ctx context.Context) (int64, error) {
	removed, err := s.pending.DeleteCreatedBefore(ctx, s.clock.Now().Add(-s.cfg.PendingUserRetention))
	if err != nil {
		return 0, fmt.Errorf("sweep pending users: %w", err)
	}
	return removed, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
