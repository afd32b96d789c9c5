package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/truststaff/apiserver/internal/auth"
	"github.com/truststaff/apiserver/internal/clock"
	"github.com/truststaff/apiserver/internal/metrics"
	"github.com/truststaff/apiserver/internal/services"
	"github.com/truststaff/apiserver/internal/storage"
	"github.com/truststaff/apiserver/internal/store/memstore"
	"github.com/truststaff/apiserver/types"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type inbox struct {
	mu    sync.Mutex
	codes map[string]string
	links map[string]string
}

func (i *inbox) SendTwoFactorCode(_ context.Context, to, code string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.codes[to] = code
	return nil
}

func (i *inbox) SendVerificationLink(_ context.Context, to, token string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.links["verify:"+to] = token
	return nil
}

func (i *inbox) SendPasswordResetLink(_ context.Context, to, token string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.links["reset:"+to] = token
	return nil
}

type testServer struct {
	t          *testing.T
	db         *memstore.DB
	clock      *clock.Manual
	hasher     *auth.PasswordHasher
	tokens     *auth.TokenService
	inbox      *inbox
	dispatcher *services.Dispatcher
	metrics    *metrics.Metrics
	handler    http.Handler
}

type serverOptions struct {
	rateLimit      int
	twoFactor      bool
	trustedProxies []netip.Prefix
}

func newTestServer(t *testing.T, opts ...func(*serverOptions)) *testServer {
	t.Helper()
	o := serverOptions{rateLimit: 1000, twoFactor: true}
	for _, opt := range opts {
		opt(&o)
	}

	s := &testServer{
		t:          t,
		db:         memstore.New(),
		clock:      clock.NewManual(testStart),
		hasher:     auth.NewPasswordHasher(bcrypt.MinCost),
		inbox:      &inbox{codes: map[string]string{}, links: map[string]string{}},
		dispatcher: services.NewDispatcher(zap.NewNop(), time.Second),
	}
	var err error
	s.tokens, err = auth.NewTokenService("test-secret", s.clock)
	require.NoError(t, err)
	s.metrics, err = metrics.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	guard := services.NewBruteForceGuard(s.db.LoginAttempts(), s.clock, time.Hour, 10, logger)
	twoFactor := services.NewTwoFactorService(s.db.Users(), s.tokens, s.inbox, s.dispatcher, s.clock, services.TwoFactorConfig{
		CodeTTL:        5 * time.Minute,
		ResendInterval: time.Minute,
		SessionTTL:     30 * time.Minute,
	}, s.metrics, logger)
	authService, err := services.NewAuthService(s.db.Users(), s.hasher, s.tokens, guard, twoFactor, s.inbox, s.dispatcher, s.clock,
		services.AuthConfig{
			SessionTTL:        30 * time.Minute,
			ResetTTL:          30 * time.Minute,
			ResetInterval:     time.Minute,
			TwoFactorEnabled:  o.twoFactor,
			PasswordMinLength: 5,
		}, s.metrics, logger)
	require.NoError(t, err)
	accounts := services.NewAccountService(s.db.Users(), s.db.PendingUsers(), storage.NewDocuments(storage.NewMemory("documents")),
		s.hasher, s.inbox, s.dispatcher, s.clock, services.AccountConfig{
			PendingUserRetention: 24 * time.Hour,
			PasswordMinLength:    5,
			MaxDocumentBytes:     1 << 20,
		}, logger)
	limiter := services.NewRateLimiter(s.db.RateLimits(), s.clock, time.Minute, o.rateLimit, s.metrics)

	cookies := CookieConfig{Secure: true, TTL: 30 * time.Minute}
	sessions := NewSessions(services.NewSessionResolver(s.db.Users(), s.tokens, logger), cookies, logger)

	router := chi.NewRouter()
	router.Use(Chain(ChainConfig{
		Logger:         logger,
		Metrics:        s.metrics,
		Limiter:        limiter,
		TrustedProxies: o.trustedProxies,
	})...)
	router.Get("/healthz", Healthz)
	router.Route("/api", func(r chi.Router) {
		AccountRouter(r, NewAccountHandler(accounts, authService, 1<<20, logger), sessions)
		r.Route("/auth", func(r chi.Router) {
			AuthRouter(r, NewAuthHandler(authService, twoFactor, cookies, logger), sessions)
		})
		r.Route("/admin", func(r chi.Router) {
			AdminRouter(r, NewAdminHandler(accounts, s.metrics, logger), sessions)
		})
		r.Route("/superadmin", func(r chi.Router) {
			SuperadminRouter(r, NewAdminHandler(accounts, s.metrics, logger), sessions)
		})
	})
	s.handler = router
	return s
}

func withRateLimit(limit int) func(*serverOptions) {
	return func(o *serverOptions) { o.rateLimit = limit }
}

func withTrustedProxies(t *testing.T, proxies ...string) func(*serverOptions) {
	prefixes, err := ParseTrustedProxies(proxies)
	require.NoError(t, err)
	return func(o *serverOptions) { o.trustedProxies = prefixes }
}

func withoutTwoFactor() func(*serverOptions) {
	return func(o *serverOptions) { o.twoFactor = false }
}

type request struct {
	method  string
	path    string
	body    any
	token   string
	cookie  string
	headers map[string]string
	raw     *bytes.Buffer
	// remoteAddr overrides the default socket peer 203.0.113.7.
	remoteAddr string
}

func (s *testServer) do(req request) *httptest.ResponseRecorder {
	s.t.Helper()
	var body *bytes.Buffer
	switch {
	case req.raw != nil:
		body = req.raw
	case req.body != nil:
		data, err := json.Marshal(req.body)
		require.NoError(s.t, err)
		body = bytes.NewBuffer(data)
	default:
		body = &bytes.Buffer{}
	}
	r := httptest.NewRequest(req.method, req.path, body)
	r.RemoteAddr = "203.0.113.7:51000"
	if req.remoteAddr != "" {
		r.RemoteAddr = req.remoteAddr
	}
	if req.body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.cookie != "" {
		r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: req.cookie})
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, r)
	return rec
}

func (s *testServer) addUser(email, password string, mutate ...func(*types.User)) types.User {
	s.t.Helper()
	hash, err := s.hasher.Hash(password)
	require.NoError(s.t, err)
	user := types.User{
		Name:               "Test User",
		Email:              email,
		PasswordHash:       hash,
		Role:               types.RoleUser,
		IsEmailVerified:    true,
		VerificationStatus: types.StatusUnverified,
		CreatedAt:          s.clock.Now(),
		UpdatedAt:          s.clock.Now(),
	}
	for _, fn := range mutate {
		fn(&user)
	}
	return s.db.AddUser(user)
}

func (s *testServer) sessionToken(userID int) string {
	s.t.Helper()
	token, err := s.tokens.Issue(auth.Claims{UserID: userID}, 30*time.Minute)
	require.NoError(s.t, err)
	return token
}

func (s *testServer) code(email string) string {
	s.dispatcher.Wait()
	s.inbox.mu.Lock()
	defer s.inbox.mu.Unlock()
	return s.inbox.codes[email]
}

func (s *testServer) link(key string) string {
	s.dispatcher.Wait()
	s.inbox.mu.Lock()
	defer s.inbox.mu.Unlock()
	return s.inbox.links[key]
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	return nil
}

func withRole(role types.Role) func(*types.User) {
	return func(u *types.User) { u.Role = role }
}

func withStatus(status types.VerificationStatus) func(*types.User) {
	return func(u *types.User) { u.VerificationStatus = status }
}

func trimmed(rec *httptest.ResponseRecorder) string {
	return strings.TrimSpace(rec.Body.String())
}
