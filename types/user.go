package types

import (
	"fmt"
	"time"
)

// Role is the authorization level of a user. Roles are flat; there is no hierarchy
// beyond the checks performed at each gate.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// ParseRole converts a stored value into a Role, rejecting unknown values.
func ParseRole(value string) (Role, error) {
	switch Role(value) {
	case RoleUser, RoleAdmin, RoleSuperadmin:
		return Role(value), nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

// IsAdmin reports whether the role may review employer verification requests.
func (r Role) IsAdmin() bool {
	switch r {
	case RoleAdmin, RoleSuperadmin:
		return true
	case RoleUser:
		return false
	default:
		return false
	}
}

// VerificationStatus tracks an employer through onboarding review.
type VerificationStatus string

const (
	StatusNotRequested VerificationStatus = "not_requested"
	StatusUnverified   VerificationStatus = "unverified"
	StatusPending      VerificationStatus = "pending"
	StatusApproved     VerificationStatus = "approved"
	StatusRejected     VerificationStatus = "rejected"
)

// ParseVerificationStatus converts a stored value into a VerificationStatus,
// rejecting unknown values.
func ParseVerificationStatus(value string) (VerificationStatus, error) {
	switch VerificationStatus(value) {
	case StatusNotRequested, StatusUnverified, StatusPending, StatusApproved, StatusRejected:
		return VerificationStatus(value), nil
	default:
		return "", fmt.Errorf("unknown verification status %q", value)
	}
}

// User represents an employer account in the system.
// It contains identity, role, verification and abuse-control state.
type User struct {
	// ID is the unique identifier of the user.
	ID int `json:"id" db:"id"`

	// Name is the user's display or full name.
	Name string `json:"name" db:"name"`

	// Email is the user's lower-cased, unique email address.
	Email string `json:"email" db:"email"`

	// PasswordHash stores the hashed representation of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// Role indicates the user's authorization level.
	Role Role `json:"role" db:"role"`

	// IsEmailVerified is set once the registration link has been followed.
	IsEmailVerified bool `json:"is_email_verified" db:"is_email_verified"`

	// EmailVerificationToken is a single-use token, cleared after use.
	EmailVerificationToken *string `json:"-" db:"email_verification_token"`

	// VerificationStatus is the onboarding review state.
	VerificationStatus VerificationStatus `json:"verification_status" db:"verification_status"`

	// RejectionReason is set only while VerificationStatus is rejected.
	RejectionReason *string `json:"rejection_reason,omitempty" db:"rejection_reason"`

	// ReviewedAt is the time of the last approval or rejection.
	ReviewedAt *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`

	// IsBlocked denies any session regardless of verification state.
	IsBlocked bool `json:"is_blocked" db:"is_blocked"`

	// Onboarding profile submitted for review.
	CompanyName string `json:"company_name,omitempty" db:"company_name"`
	City        string `json:"city,omitempty" db:"city"`
	TaxID       string `json:"tax_id,omitempty" db:"tax_id"`
	DocumentKey string `json:"-" db:"document_key"`

	TwoFactorCode      *string    `json:"-" db:"twofa_code"`
	TwoFactorExpiresAt *time.Time `json:"-" db:"twofa_expires_at"`
	TwoFactorSentAt    *time.Time `json:"-" db:"twofa_sent_at"`

	// PasswordResetRequestedAt anchors reset throttling and reset-link validity.
	PasswordResetRequestedAt *time.Time `json:"-" db:"password_reset_requested_at"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
