package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/truststaff/apiserver/internal/services"
)

// SessionCookieName is the cookie carrying the session token for browsers.
const SessionCookieName = "access_token"

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Secure bool
	TTL    time.Duration
}

// ExtractCredentials reads the session token from the Authorization header,
// falling back to the session cookie.
func ExtractCredentials(r *http.Request, cookieName string) services.Credentials {
	if token, ok := bearerToken(r); ok {
		return services.Credentials{Token: token, Source: services.SourceHeader}
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return services.Credentials{Token: token, Source: services.SourceCookie}
		}
	}
	return services.Credentials{}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func setSessionCookie(w http.ResponseWriter, cfg CookieConfig, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(cfg.TTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
