package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/truststaff/apiserver/internal/services"
	"github.com/truststaff/apiserver/types"
	"go.uber.org/zap"
)

// AuthHandler serves login, two-factor verification and logout.
type AuthHandler struct {
	auth      *services.AuthService
	twoFactor *services.TwoFactorService
	cookies   CookieConfig
	logger    *zap.Logger
}

func NewAuthHandler(auth *services.AuthService, twoFactor *services.TwoFactorService, cookies CookieConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, twoFactor: twoFactor, cookies: cookies, logger: logger}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, handler *AuthHandler, sessions *Sessions) {
	r.Post("/login", handler.Login)
	r.Post("/verify-2fa", handler.VerifyTwoFactor)
	r.Post("/resend-2fa", handler.ResendTwoFactor)
	r.Post("/logout", handler.Logout)
	r.With(sessions.Required).Get("/me", handler.Me)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type VerifyTwoFactorRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type ResendTwoFactorRequest struct {
	Email string `json:"email"`
}

type AuthResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

type ChallengeResponse struct {
	Status string `json:"status"`
	Email  string `json:"email"`
}

type ResendResponse struct {
	WaitSeconds int `json:"wait_seconds"`
}

type ResendThrottledResponse struct {
	Error            string `json:"error"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// Login checks credentials. With two-factor enabled it answers 202 and the
// client continues at /verify-2fa.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.auth.Login(r.Context(), req.Email, req.Password, clientIP(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	switch result.Status {
	case services.LoginChallenge:
		writeJSON(w, http.StatusAccepted, ChallengeResponse{Status: "2fa_required", Email: result.User.Email})
	case services.LoginAuthenticated:
		setSessionCookie(w, h.cookies, result.Token)
		writeJSON(w, http.StatusOK, AuthResponse{Token: result.Token, User: result.User})
	default:
		writeServiceError(w, r, h.logger, errors.New("unknown login status"))
	}
}

func (h *AuthHandler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req VerifyTwoFactorRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token, user, err := h.twoFactor.Verify(r.Context(), req.Email, req.Code)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	setSessionCookie(w, h.cookies, token)
	writeJSON(w, http.StatusOK, AuthResponse{Token: token, User: user})
}

func (h *AuthHandler) ResendTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req ResendTwoFactorRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.twoFactor.Resend(r.Context(), req.Email)
	if err != nil {
		var throttledErr *services.ThrottledError
		if errors.As(err, &throttledErr) {
			w.Header().Set("Retry-After", strconv.Itoa(throttledErr.Seconds()))
			writeJSON(w, http.StatusTooManyRequests, ResendThrottledResponse{
				Error:            "please wait before requesting a new code",
				RemainingSeconds: throttledErr.Seconds(),
			})
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ResendResponse{WaitSeconds: result.WaitSeconds})
}

// Logout drops the session cookie. Bearer tokens simply expire.
func (h *AuthHandler) Logout(w http.ResponseWriter, _ *http.Request) {
	clearSessionCookie(w, h.cookies)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "logged_out"})
}

// Me returns the current authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, user)
}
