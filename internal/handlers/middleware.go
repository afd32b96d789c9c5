package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/truststaff/apiserver/internal/services"
	"github.com/truststaff/apiserver/types"
	"go.uber.org/zap"
)

const contentSecurityPolicy = "default-src 'self'; img-src 'self' data:; object-src 'none'; frame-ancestors 'none'; base-uri 'self'"

// SecurityHeaders sets the browser hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		h.Set("Content-Security-Policy", contentSecurityPolicy)
		next.ServeHTTP(w, r)
	})
}

// HTTPMetrics records completed requests.
type HTTPMetrics interface {
	RecordHTTPRequest(ctx context.Context, method string, status int)
}

// RequestLogger logs every request and counts it by method and status.
func RequestLogger(logger *zap.Logger, metrics HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if metrics != nil {
				metrics.RecordHTTPRequest(r.Context(), r.Method, status)
			}
			logger.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("ip", clientIP(r)),
			)
		})
	}
}

// RateLimit rejects clients over the per-address request cap. When the
// counter store fails the request is let through and the failure logged.
func RateLimit(limiter *services.RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			decision, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				logger.Error("rate limiter unavailable", zap.String("ip", ip), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				throttledErr := &services.ThrottledError{RetryAfter: decision.RetryAfter}
				w.Header().Set("Retry-After", strconv.Itoa(throttledErr.Seconds()))
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Sessions resolves request credentials into the user stored in the request
// context.
type Sessions struct {
	resolver *services.SessionResolver
	cookies  CookieConfig
	logger   *zap.Logger
}

func NewSessions(resolver *services.SessionResolver, cookies CookieConfig, logger *zap.Logger) *Sessions {
	return &Sessions{resolver: resolver, cookies: cookies, logger: logger}
}

// Required rejects requests without a valid session.
func (s *Sessions) Required(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.resolver.Resolve(r.Context(), ExtractCredentials(r, SessionCookieName), services.PolicyRequired)
		if res.ClearCookie {
			clearSessionCookie(w, s.cookies)
		}
		if err != nil {
			writeServiceError(w, r, s.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), *res.User)))
	})
}

// Optional stores the user when the request carries a valid session and
// serves it anonymously otherwise.
func (s *Sessions) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := s.resolver.ResolveOptional(r.Context(), ExtractCredentials(r, SessionCookieName))
		if res.ClearCookie {
			clearSessionCookie(w, s.cookies)
		}
		if res.User != nil {
			r = r.WithContext(withUser(r.Context(), *res.User))
		}
		next.ServeHTTP(w, r)
	})
}

// Approved admits only approved users. Others are redirected to onboarding,
// or to login when they have no usable session.
func (s *Sessions) Approved(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.resolver.ResolveApproved(r.Context(), ExtractCredentials(r, SessionCookieName))
		if res.ClearCookie {
			clearSessionCookie(w, s.cookies)
		}
		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), *res.User)))
		case errors.Is(err, services.ErrApprovalRequired):
			http.Redirect(w, r, "/onboarding", http.StatusSeeOther)
		case errors.Is(err, services.ErrNoCredentials),
			errors.Is(err, services.ErrInvalidSession),
			errors.Is(err, services.ErrAccountBlocked):
			http.Redirect(w, r, "/login", http.StatusSeeOther)
		default:
			writeServiceError(w, r, s.logger, err)
		}
	})
}

// RequireRole admits only users holding one of roles. It must run after
// Required. Everybody else sees the route as missing.
func RequireRole(roles ...types.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := userFromContext(r.Context())
			if !ok || services.RequireRole(user, roles...) != nil {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
