package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/truststaff/apiserver/types"
)

func TestLoginWithTwoFactor(t *testing.T) {
	srv := newTestServer(t)
	user := srv.addUser("ana@x.com", "p@ss1")

	rec := srv.do(request{method: http.MethodPost, path: "/api/auth/login", body: LoginRequest{Email: "ANA@x.com", Password: "p@ss1"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, ChallengeResponse{Status: "2fa_required", Email: "ana@x.com"}, decode[ChallengeResponse](t, rec))
	require.Nil(t, sessionCookie(rec))

	rec = srv.do(request{method: http.MethodPost, path: "/api/auth/verify-2fa", body: VerifyTwoFactorRequest{Email: "ana@x.com", Code: srv.code("ana@x.com")}})
	require.Equal(t, http.StatusOK, rec.Code)
	cookie := sessionCookie(rec)
	require.NotNil(t, cookie)
	require.True(t, cookie.HttpOnly)
	require.True(t, cookie.Secure)

	resp := decode[AuthResponse](t, rec)
	require.Equal(t, user.ID, resp.User.ID)
	require.Equal(t, cookie.Value, resp.Token)

	rec = srv.do(request{method: http.MethodGet, path: "/api/auth/me", cookie: resp.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ana@x.com", decode[types.User](t, rec).Email)
	require.NotContains(t, rec.Body.String(), "password_hash")
}

func TestLoginWithoutTwoFactorSetsCookie(t *testing.T) {
	srv := newTestServer(t, withoutTwoFactor())
	srv.addUser("ana@x.com", "p@ss1")

	rec := srv.do(request{method: http.MethodPost, path: "/api/auth/login", body: LoginRequest{Email: "ana@x.com", Password: "p@ss1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sessionCookie(rec))
	require.NotEmpty(t, decode[AuthResponse](t, rec).Token)
}

func TestLoginFailures(t *testing.T) {
	srv := newTestServer(t)
	srv.addUser("ana@x.com", "p@ss1")
	srv.addUser("blocked@x.com", "p@ss1", func(u *types.User) { u.IsBlocked = true })

	wrong := srv.do(request{method: http.MethodPost, path: "/api/auth/login", body: LoginRequest{Email: "ana@x.com", Password: "nope"}})
	unknown := srv.do(request{method: http.MethodPost, path: "/api/auth/login", body: LoginRequest{Email: "who@x.com", Password: "nope"}})
	require.Equal(t, http.StatusUnauthorized, wrong.Code)
	require.Equal(t, wrong.Code, unknown.Code)
	require.Equal(t, trimmed(wrong), trimmed(unknown))

	rec := srv.do(request{method: http.MethodPost, path: "/api/auth/login", body: LoginRequest{Email: "blocked@x.com", Password: "p@ss1"}})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(request{method: http.MethodPost, path: "/api/auth/login", raw: bytesOf("{broken")})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginBruteForceReturnsRetryAfter(t *testing.T) {
	srv := newTestServer(t)
	srv.addUser("ana@x.com", "p@ss1")

	for i := 0; i < 10; i++ {
		rec := srv.do(request{method: http.MethodPost, path: "/api/auth/login", body: LoginRequest{Email: "ana@x.com", Password: "bad"}})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	srv.clock.Advance(10 * time.Minute)

	rec := srv.do(request{method: http.MethodPost, path: "/api/auth/login", body: LoginRequest{Email: "ana@x.com", Password: "p@ss1"}})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "3000", rec.Header().Get("Retry-After"))
}

func TestResendTwoFactor(t *testing.T) {
	srv := newTestServer(t)
	srv.addUser("ana@x.com", "p@ss1")

	rec := srv.do(request{method: http.MethodPost, path: "/api/auth/login", body: LoginRequest{Email: "ana@x.com", Password: "p@ss1"}})
	require.Equal(t, http.StatusAccepted, rec.Code)

	srv.clock.Advance(15 * time.Second)
	rec = srv.do(request{method: http.MethodPost, path: "/api/auth/resend-2fa", body: ResendTwoFactorRequest{Email: "ana@x.com"}})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "45", rec.Header().Get("Retry-After"))
	require.Equal(t, 45, decode[ResendThrottledResponse](t, rec).RemainingSeconds)

	srv.clock.Advance(45 * time.Second)
	rec = srv.do(request{method: http.MethodPost, path: "/api/auth/resend-2fa", body: ResendTwoFactorRequest{Email: "ana@x.com"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ResendResponse{WaitSeconds: 60}, decode[ResendResponse](t, rec))

	rec = srv.do(request{method: http.MethodPost, path: "/api/auth/resend-2fa", body: ResendTwoFactorRequest{Email: "nobody@x.com"}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyTwoFactorRejectsReuse(t *testing.T) {
	srv := newTestServer(t)
	srv.addUser("ana@x.com", "p@ss1")
	srv.do(request{method: http.MethodPost, path: "/api/auth/login", body: LoginRequest{Email: "ana@x.com", Password: "p@ss1"}})
	code := srv.code("ana@x.com")

	rec := srv.do(request{method: http.MethodPost, path: "/api/auth/verify-2fa", body: VerifyTwoFactorRequest{Email: "ana@x.com", Code: code}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(request{method: http.MethodPost, path: "/api/auth/verify-2fa", body: VerifyTwoFactorRequest{Email: "ana@x.com", Code: code}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutClearsCookie(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(request{method: http.MethodPost, path: "/api/auth/logout"})
	require.Equal(t, http.StatusOK, rec.Code)
	cookie := sessionCookie(rec)
	require.NotNil(t, cookie)
	require.Empty(t, cookie.Value)
	require.Negative(t, cookie.MaxAge)
}

func TestMeSessionFailures(t *testing.T) {
	srv := newTestServer(t)
	user := srv.addUser("ana@x.com", "p@ss1")
	token := srv.sessionToken(user.ID)

	rec := srv.do(request{method: http.MethodGet, path: "/api/auth/me"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(request{method: http.MethodGet, path: "/api/auth/me", cookie: "garbage"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	cookie := sessionCookie(rec)
	require.NotNil(t, cookie, "a dead cookie is cleared")
	require.Negative(t, cookie.MaxAge)

	// The header wins over the cookie.
	rec = srv.do(request{method: http.MethodGet, path: "/api/auth/me", token: token, cookie: "garbage"})
	require.Equal(t, http.StatusOK, rec.Code)

	srv.db.UpdateUser(user.ID, func(u *types.User) { u.IsBlocked = true })
	rec = srv.do(request{method: http.MethodGet, path: "/api/auth/me", token: token})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTwoFactorEndpointsHideBlockedAccounts(t *testing.T) {
	srv := newTestServer(t)
	user := srv.addUser("ana@x.com", "p@ss1")

	rec := srv.do(request{method: http.MethodPost, path: "/api/auth/login", body: LoginRequest{Email: "ana@x.com", Password: "p@ss1"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	code := srv.code("ana@x.com")
	srv.db.UpdateUser(user.ID, func(u *types.User) { u.IsBlocked = true })
	srv.clock.Advance(2 * time.Minute)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	blocked := srv.do(request{method: http.MethodPost, path: "/api/auth/verify-2fa", body: VerifyTwoFactorRequest{Email: "ana@x.com", Code: wrong}})
	unknown := srv.do(request{method: http.MethodPost, path: "/api/auth/verify-2fa", body: VerifyTwoFactorRequest{Email: "who@x.com", Code: wrong}})
	require.Equal(t, http.StatusUnauthorized, blocked.Code)
	require.Equal(t, unknown.Code, blocked.Code)
	require.Equal(t, trimmed(unknown), trimmed(blocked))

	blocked = srv.do(request{method: http.MethodPost, path: "/api/auth/resend-2fa", body: ResendTwoFactorRequest{Email: "ana@x.com"}})
	unknown = srv.do(request{method: http.MethodPost, path: "/api/auth/resend-2fa", body: ResendTwoFactorRequest{Email: "who@x.com"}})
	require.Equal(t, http.StatusUnauthorized, blocked.Code)
	require.Equal(t, unknown.Code, blocked.Code)
	require.Equal(t, trimmed(unknown), trimmed(blocked))

	// The right code still gets the distinct answer.
	rec = srv.do(request{method: http.MethodPost, path: "/api/auth/verify-2fa", body: VerifyTwoFactorRequest{Email: "ana@x.com", Code: code}})
	require.Equal(t, http.StatusForbidden, rec.Code)
}
