package services

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidCredentials       = errors.New("invalid email or password")
	ErrAccountBlocked           = errors.New("account blocked")
	ErrEmailNotVerified         = errors.New("email address not verified")
	ErrInvalidTwoFactorCode     = errors.New("invalid verification code")
	ErrTwoFactorExpired         = errors.New("verification code expired, request a new one")
	ErrNoTwoFactorChallenge     = errors.New("no pending verification, log in again")
	ErrEmailTaken               = errors.New("email already registered")
	ErrRegistrationPending      = errors.New("registration already pending, check your inbox")
	ErrInvalidVerificationToken = errors.New("invalid or expired verification link")
	ErrInvalidResetToken        = errors.New("invalid reset link")
	ErrResetTokenExpired        = errors.New("reset link expired, request a new one")
	ErrInvalidTransition        = errors.New("verification status does not allow this action")
	ErrForbidden                = errors.New("forbidden")
	ErrCannotBlockSuperadmin    = errors.New("superadmin accounts cannot be blocked")
	ErrUserNotFound             = errors.New("user not found")
	ErrDocumentNotFound         = errors.New("document not found")
	ErrThrottled                = errors.New("too many requests")

	ErrNoCredentials    = errors.New("authentication required")
	ErrInvalidSession   = errors.New("invalid or expired session")
	ErrApprovalRequired = errors.New("account verification required")
	ErrRouteNotFound    = errors.New("not found")
)

// ValidationError reports user-correctable input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ThrottledError reports a rate or abuse limit together with the time until
// the caller may retry.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%s, retry in %d seconds", ErrThrottled, e.Seconds())
}

func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled
}

// Seconds rounds RetryAfter up to whole seconds, never below one.
func (e *ThrottledError) Seconds() int {
	return ceilSeconds(e.RetryAfter)
}

func throttled(retryAfter time.Duration) *ThrottledError {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &ThrottledError{RetryAfter: retryAfter}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
