package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/truststaff/apiserver/internal/auth"
	"github.com/truststaff/apiserver/internal/clock"
	"github.com/truststaff/apiserver/internal/storage"
	"github.com/truststaff/apiserver/internal/store/memstore"
	"github.com/truststaff/apiserver/types"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sentMessage struct {
	Kind  string
	To    string
	Value string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) record(kind, to, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{Kind: kind, To: to, Value: value})
	return n.err
}

func (n *recordingNotifier) SendTwoFactorCode(_ context.Context, to, code string) error {
	return n.record("twofa_code", to, code)
}

func (n *recordingNotifier) SendVerificationLink(_ context.Context, to, token string) error {
	return n.record("verification_link", to, token)
}

func (n *recordingNotifier) SendPasswordResetLink(_ context.Context, to, token string) error {
	return n.record("password_reset_link", to, token)
}

func (n *recordingNotifier) messages(kind string) []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentMessage
	for _, m := range n.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (n *recordingNotifier) last(t *testing.T, kind string) sentMessage {
	t.Helper()
	msgs := n.messages(kind)
	require.NotEmpty(t, msgs, "no %s sent", kind)
	return msgs[len(msgs)-1]
}

type outcomeCounter struct {
	mu        sync.Mutex
	login     map[string]int
	twoFactor map[string]int
	rejected  int
}

func newOutcomeCounter() *outcomeCounter {
	return &outcomeCounter{login: map[string]int{}, twoFactor: map[string]int{}}
}

func (c *outcomeCounter) RecordLogin(_ context.Context, outcome string) {
	c.mu.Lock()
	c.login[outcome]++
	c.mu.Unlock()
}

func (c *outcomeCounter) RecordTwoFactor(_ context.Context, outcome string) {
	c.mu.Lock()
	c.twoFactor[outcome]++
	c.mu.Unlock()
}

func (c *outcomeCounter) RecordRateLimitRejection(context.Context) {
	c.mu.Lock()
	c.rejected++
	c.mu.Unlock()
}

type testEnv struct {
	db         *memstore.DB
	clock      *clock.Manual
	hasher     *auth.PasswordHasher
	tokens     *auth.TokenService
	notifier   *recordingNotifier
	dispatcher *Dispatcher
	documents  *storage.Memory
	metrics    *outcomeCounter

	guard     *BruteForceGuard
	twoFactor *TwoFactorService
	auth      *AuthService
	accounts  *AccountService
	sessions  *SessionResolver
}

type envOption func(*AuthConfig, *AccountConfig)

func withoutTwoFactor() envOption {
	return func(a *AuthConfig, _ *AccountConfig) { a.TwoFactorEnabled = false }
}

func withResubmitCooldown(d time.Duration) envOption {
	return func(_ *AuthConfig, c *AccountConfig) { c.ResubmitCooldown = d }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		db:         memstore.New(),
		clock:      clock.NewManual(testStart),
		hasher:     auth.NewPasswordHasher(bcrypt.MinCost),
		notifier:   &recordingNotifier{},
		dispatcher: NewDispatcher(zap.NewNop(), time.Second),
		documents:  storage.NewMemory("documents"),
		metrics:    newOutcomeCounter(),
	}
	tokens, err := auth.NewTokenService("test-secret", env.clock)
	require.NoError(t, err)
	env.tokens = tokens

	authCfg := AuthConfig{
		SessionTTL:        30 * time.Minute,
		ResetTTL:          30 * time.Minute,
		ResetInterval:     time.Minute,
		TwoFactorEnabled:  true,
		PasswordMinLength: 5,
	}
	accountCfg := AccountConfig{
		PendingUserRetention: 24 * time.Hour,
		PasswordMinLength:    5,
		MaxDocumentBytes:     5 << 20,
	}
	for _, opt := range opts {
		opt(&authCfg, &accountCfg)
	}

	logger := zap.NewNop()
	env.guard = NewBruteForceGuard(env.db.LoginAttempts(), env.clock, time.Hour, 10, logger)
	env.twoFactor = NewTwoFactorService(env.db.Users(), tokens, env.notifier, env.dispatcher, env.clock, TwoFactorConfig{
		CodeTTL:        5 * time.Minute,
		ResendInterval: time.Minute,
		SessionTTL:     authCfg.SessionTTL,
	}, env.metrics, logger)
	env.auth, err = NewAuthService(env.db.Users(), env.hasher, tokens, env.guard, env.twoFactor,
		env.notifier, env.dispatcher, env.clock, authCfg, env.metrics, logger)
	require.NoError(t, err)
	env.accounts = NewAccountService(env.db.Users(), env.db.PendingUsers(), storage.NewDocuments(env.documents),
		env.hasher, env.notifier, env.dispatcher, env.clock, accountCfg, logger)
	env.sessions = NewSessionResolver(env.db.Users(), tokens, logger)
	return env
}

// addUser stores a verified user with password.
func (e *testEnv) addUser(t *testing.T, email, password string, mutate ...func(*types.User)) types.User {
	t.Helper()
	hash, err := e.hasher.Hash(password)
	require.NoError(t, err)
	user := types.User{
		Name:               "Test User",
		Email:              email,
		PasswordHash:       hash,
		Role:               types.RoleUser,
		IsEmailVerified:    true,
		VerificationStatus: types.StatusUnverified,
		CreatedAt:          e.clock.Now(),
		UpdatedAt:          e.clock.Now(),
	}
	for _, fn := range mutate {
		fn(&user)
	}
	return e.db.AddUser(user)
}

func (e *testEnv) user(t *testing.T, id int) types.User {
	t.Helper()
	user, err := e.db.Users().GetByID(context.Background(), id)
	require.NoError(t, err)
	return user
}

// lastCode waits for dispatched notifications and returns the latest 2FA code.
func (e *testEnv) lastCode(t *testing.T) string {
	t.Helper()
	e.dispatcher.Wait()
	return e.notifier.last(t, "twofa_code").Value
}

func withRole(role types.Role) func(*types.User) {
	return func(u *types.User) { u.Role = role }
}

func withStatus(status types.VerificationStatus) func(*types.User) {
	return func(u *types.User) { u.VerificationStatus = status }
}

func blocked() func(*types.User) {
	return func(u *types.User) { u.IsBlocked = true }
}
