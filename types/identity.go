package types

import "time"

// PendingUser is a registration awaiting email confirmation.
type PendingUser struct {
	ID                     int       `json:"id" db:"id"`
	Name                   string    `json:"name" db:"name"`
	Email                  string    `json:"email" db:"email"`
	PasswordHash           string    `json:"-" db:"password_hash"`
	EmailVerificationToken string    `json:"-" db:"email_verification_token"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
}

// LoginAttempt is an append-only record of a single login attempt.
type LoginAttempt struct {
	ID          int64     `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	IPAddress   string    `json:"ip_address" db:"ip_address"`
	Success     bool      `json:"success" db:"success"`
	AttemptTime time.Time `json:"attempt_time" db:"attempt_time"`
}

// RateLimit is the fixed-window request counter for one client address.
type RateLimit struct {
	IPAddress    string    `json:"ip_address" db:"ip_address"`
	RequestCount int       `json:"request_count" db:"request_count"`
	WindowStart  time.Time `json:"window_start" db:"window_start"`
}

// OnboardingProfile is the company identity an employer submits for review.
type OnboardingProfile struct {
	CompanyName string `json:"company_name"`
	City        string `json:"city"`
	TaxID       string `json:"tax_id"`
	DocumentKey string `json:"-"`
}
