package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/truststaff/apiserver/internal/services"
	"github.com/truststaff/apiserver/types"
	"go.uber.org/zap"
)

const maxJSONBodyBytes = 1 << 20

type contextKey string

const contextUserKey contextKey = "user"

func withUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, contextUserKey, user)
}

func userFromContext(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(contextUserKey).(types.User)
	return user, ok
}

// ErrorResponse is a simple error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// StatusResponse reports the outcome of an action without a resource body.
type StatusResponse struct {
	Status string `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

// statusForError maps a service error to its HTTP status.
func statusForError(err error) int {
	var validationErr *services.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, services.ErrInvalidCredentials),
		errors.Is(err, services.ErrInvalidTwoFactorCode),
		errors.Is(err, services.ErrTwoFactorExpired),
		errors.Is(err, services.ErrNoTwoFactorChallenge),
		errors.Is(err, services.ErrNoCredentials),
		errors.Is(err, services.ErrInvalidSession):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrInvalidVerificationToken),
		errors.Is(err, services.ErrInvalidResetToken),
		errors.Is(err, services.ErrResetTokenExpired),
		errors.Is(err, services.ErrCannotBlockSuperadmin):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrAccountBlocked),
		errors.Is(err, services.ErrEmailNotVerified),
		errors.Is(err, services.ErrApprovalRequired):
		return http.StatusForbidden
	case errors.Is(err, services.ErrForbidden),
		errors.Is(err, services.ErrRouteNotFound),
		errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrEmailTaken),
		errors.Is(err, services.ErrRegistrationPending),
		errors.Is(err, services.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders err. Unknown errors are logged and hidden behind
// a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := statusForError(err)
	switch status {
	case http.StatusInternalServerError:
		logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, "internal server error")
	case http.StatusNotFound:
		writeError(w, status, "not found")
	case http.StatusTooManyRequests:
		var throttledErr *services.ThrottledError
		if errors.As(err, &throttledErr) {
			w.Header().Set("Retry-After", strconv.Itoa(throttledErr.Seconds()))
		}
		writeError(w, status, err.Error())
	case http.StatusBadRequest:
		var validationErr *services.ValidationError
		if errors.As(err, &validationErr) {
			writeJSON(w, status, ErrorResponse{Error: validationErr.Message, Field: validationErr.Field})
			return
		}
		writeError(w, status, err.Error())
	default:
		writeError(w, status, err.Error())
	}
}

func parseUserID(r *http.Request) (int, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "userID"))
	id, err := strconv.Atoi(raw)
	if err != nil || id < 1 {
		return 0, errors.New("invalid user id")
	}
	return id, nil
}

// clientIP returns the request address without its port. ClientAddress has
// already replaced RemoteAddr when the request came through a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
