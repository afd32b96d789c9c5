package auth

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/truststaff/apiserver/internal/clock"
)

const (
	// PurposeSession marks an ordinary session token.
	PurposeSession = ""
	// PurposeResetPassword marks a token that may only be used to reset a password.
	PurposeResetPassword = "reset_password"
)

var (
	// ErrTokenExpired is returned for a correctly signed token whose expiry has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenMalformed is returned for any token that cannot be trusted.
	ErrTokenMalformed = errors.New("token malformed")
)

// Claims is the verified content of a token.
type Claims struct {
	UserID    int
	Purpose   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	Purpose string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 bearer tokens.
type TokenService struct {
	secret []byte
	clock  clock.Clock
}

func NewTokenService(secret string, clk clock.Clock) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token secret is required")
	}
	if clk == nil {
		clk = clock.System()
	}
	return &TokenService{secret: []byte(secret), clock: clk}, nil
}

// Issue signs a token for claims.UserID valid for ttl from claims.IssuedAt, or from
// now when IssuedAt is zero.
func (s *TokenService) Issue(claims Claims, ttl time.Duration) (string, error) {
	if claims.UserID < 1 {
		return "", errors.New("invalid subject")
	}
	if ttl <= 0 {
		return "", errors.New("invalid ttl")
	}
	issuedAt := claims.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.clock.Now()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Purpose: claims.Purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.Itoa(claims.UserID),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	return token.SignedString(s.secret)
}

// Validate verifies the signature and expiry of tokenString. It returns
// ErrTokenExpired only when the signature is valid and the token has expired;
// every other failure is ErrTokenMalformed.
func (s *TokenService) Validate(tokenString string) (Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Claims{}, ErrTokenMalformed
	}

	claims := tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		// Claims are only validated after the signature checks out.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenMalformed
	}
	if !token.Valid {
		return Claims{}, ErrTokenMalformed
	}

	userID, err := strconv.Atoi(strings.TrimSpace(claims.Subject))
	if err != nil || userID < 1 {
		return Claims{}, ErrTokenMalformed
	}

	out := Claims{
		UserID:  userID,
		Purpose: claims.Purpose,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
