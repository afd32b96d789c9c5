package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes is the bcrypt input limit.
const MaxPasswordBytes = 72

// ErrPasswordTooLong is returned when a password exceeds the bcrypt input limit.
var ErrPasswordTooLong = errors.New("password must be at most 72 bytes")

// PasswordHasher hashes and verifies passwords with bcrypt. Each hash embeds its
// own random salt and cost.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher returns a hasher using cost, or bcrypt.DefaultCost when cost
// is out of range.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

func (h *PasswordHasher) Hash(password string) (string, error) {
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Verify reports whether password matches hash. A malformed hash is reported as
// a mismatch so callers cannot tell it apart from a wrong password.
func (h *PasswordHasher) Verify(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
