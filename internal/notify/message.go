package notify

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names a notification type on the wire.
type Kind string

const (
	KindTwoFactorCode     Kind = "twofa_code"
	KindVerificationLink  Kind = "verification_link"
	KindPasswordResetLink Kind = "password_reset_link"
)

// Message is the queued form of a notification.
type Message struct {
	Kind  Kind   `json:"kind"`
	To    string `json:"to"`
	Code  string `json:"code,omitempty"`
	Token string `json:"token,omitempty"`
}

// ErrInvalidMessage marks a message no retry can deliver.
var ErrInvalidMessage = errors.New("invalid notification message")

// Validate checks that m carries what its kind needs.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	switch m.Kind {
	case KindTwoFactorCode:
		if m.Code == "" {
			return fmt.Errorf("%w: code is required", ErrInvalidMessage)
		}
	case KindVerificationLink, KindPasswordResetLink:
		if m.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}
