// Package memstore provides in-memory repositories with the same conditional
// update semantics as the Postgres store. It backs unit and handler tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/truststaff/apiserver/internal/store"
	"github.com/truststaff/apiserver/types"
)

// DB holds every table behind one mutex.
type DB struct {
	mu          sync.Mutex
	users       map[int]types.User
	nextUserID  int
	pending     map[string]types.PendingUser
	nextPending int
	attempts    []types.LoginAttempt
	limits      map[string]types.RateLimit
}

func New() *DB {
	return &DB{
		users:   make(map[int]types.User),
		pending: make(map[string]types.PendingUser),
		limits:  make(map[string]types.RateLimit),
	}
}

func (db *DB) Users() *UserRepository                 { return &UserRepository{db: db} }
func (db *DB) PendingUsers() *PendingUserRepository   { return &PendingUserRepository{db: db} }
func (db *DB) LoginAttempts() *LoginAttemptRepository { return &LoginAttemptRepository{db: db} }
func (db *DB) RateLimits() *RateLimitRepository       { return &RateLimitRepository{db: db} }

// AddUser inserts user with a fresh id and returns the stored copy.
func (db *DB) AddUser(user types.User) types.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.insertUserLocked(user)
}

// UpdateUser applies fn to the stored user. It is a test hook for states no
// repository operation produces directly.
func (db *DB) UpdateUser(id int, fn func(*types.User)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	user, ok := db.users[id]
	if !ok {
		return
	}
	fn(&user)
	db.users[id] = cloneUser(user)
}

// Attempts returns a copy of the login attempt log.
func (db *DB) Attempts() []types.LoginAttempt {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]types.LoginAttempt, len(db.attempts))
	copy(out, db.attempts)
	return out
}

func (db *DB) insertUserLocked(user types.User) types.User {
	db.nextUserID++
	user.ID = db.nextUserID
	db.users[user.ID] = cloneUser(user)
	return cloneUser(user)
}

func (db *DB) userByEmailLocked(email string) (types.User, bool) {
	for _, user := range db.users {
		if user.Email == email {
			return user, true
		}
	}
	return types.User{}, false
}

func cloneUser(user types.User) types.User {
	user.EmailVerificationToken = cloneString(user.EmailVerificationToken)
	user.RejectionReason = cloneString(user.RejectionReason)
	user.ReviewedAt = cloneTime(user.ReviewedAt)
	user.TwoFactorCode = cloneString(user.TwoFactorCode)
	user.TwoFactorExpiresAt = cloneTime(user.TwoFactorExpiresAt)
	user.TwoFactorSentAt = cloneTime(user.TwoFactorSentAt)
	user.PasswordResetRequestedAt = cloneTime(user.PasswordResetRequestedAt)
	return user
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

// UserRepository mirrors store.UserRepository.
type UserRepository struct {
	db *DB
}

func (r *UserRepository) GetByID(_ context.Context, id int) (types.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	user, ok := r.db.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return cloneUser(user), nil
}

func (r *UserRepository) GetByEmail(_ context.Context, email string) (types.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	user, ok := r.db.userByEmailLocked(email)
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return cloneUser(user), nil
}

func (r *UserRepository) ListByStatus(_ context.Context, status types.VerificationStatus) ([]types.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	users := make([]types.User, 0)
	for _, user := range r.db.users {
		if user.VerificationStatus == status {
			users = append(users, cloneUser(user))
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].UpdatedAt.Equal(users[j].UpdatedAt) {
			return users[i].UpdatedAt.Before(users[j].UpdatedAt)
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

func (r *UserRepository) SetTwoFactorChallenge(_ context.Context, id int, code string, expiresAt, sentAt time.Time) error {
	ok := r.update(id, func(user *types.User) bool {
		user.TwoFactorCode = &code
		user.TwoFactorExpiresAt = &expiresAt
		user.TwoFactorSentAt = &sentAt
		user.UpdatedAt = sentAt
		return true
	})
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

func (r *UserRepository) ResendTwoFactorChallenge(_ context.Context, id int, code string, expiresAt, sentAt, notAfter time.Time) (bool, error) {
	return r.update(id, func(user *types.User) bool {
		if user.TwoFactorSentAt != nil && user.TwoFactorSentAt.After(notAfter) {
			return false
		}
		user.TwoFactorCode = &code
		user.TwoFactorExpiresAt = &expiresAt
		user.TwoFactorSentAt = &sentAt
		user.UpdatedAt = sentAt
		return true
	}), nil
}

func (r *UserRepository) ConsumeTwoFactorCode(_ context.Context, id int, code string, now time.Time) (bool, error) {
	return r.update(id, func(user *types.User) bool {
		if user.TwoFactorCode == nil || *user.TwoFactorCode != code {
			return false
		}
		if user.TwoFactorExpiresAt == nil || !user.TwoFactorExpiresAt.After(now) {
			return false
		}
		user.TwoFactorCode = nil
		user.TwoFactorExpiresAt = nil
		user.UpdatedAt = now
		return true
	}), nil
}

func (r *UserRepository) MarkPasswordResetRequested(_ context.Context, id int, now, notAfter time.Time) (bool, error) {
	return r.update(id, func(user *types.User) bool {
		if user.PasswordResetRequestedAt != nil && user.PasswordResetRequestedAt.After(notAfter) {
			return false
		}
		user.PasswordResetRequestedAt = &now
		user.UpdatedAt = now
		return true
	}), nil
}

func (r *UserRepository) ResetPassword(_ context.Context, id int, passwordHash string, anchor, now time.Time) (bool, error) {
	return r.update(id, func(user *types.User) bool {
		if user.PasswordResetRequestedAt == nil || !user.PasswordResetRequestedAt.Equal(anchor) {
			return false
		}
		user.PasswordHash = passwordHash
		user.PasswordResetRequestedAt = nil
		user.UpdatedAt = now
		return true
	}), nil
}

func (r *UserRepository) SubmitOnboarding(_ context.Context, id int, profile types.OnboardingProfile, from []types.VerificationStatus, now time.Time) (bool, error) {
	return r.update(id, func(user *types.User) bool {
		allowed := false
		for _, status := range from {
			if user.VerificationStatus == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
		user.CompanyName = profile.CompanyName
		user.City = profile.City
		user.TaxID = profile.TaxID
		user.DocumentKey = profile.DocumentKey
		user.VerificationStatus = types.StatusPending
		user.RejectionReason = nil
		user.UpdatedAt = now
		return true
	}), nil
}

func (r *UserRepository) Review(_ context.Context, id int, status types.VerificationStatus, reason *string, now time.Time) (bool, error) {
	return r.update(id, func(user *types.User) bool {
		if user.VerificationStatus != types.StatusPending {
			return false
		}
		user.VerificationStatus = status
		user.RejectionReason = cloneString(reason)
		user.ReviewedAt = &now
		user.UpdatedAt = now
		return true
	}), nil
}

func (r *UserRepository) SetBlocked(_ context.Context, id int, blocked bool, now time.Time) (bool, error) {
	return r.update(id, func(user *types.User) bool {
		if blocked && user.Role == types.RoleSuperadmin {
			return false
		}
		user.IsBlocked = blocked
		user.UpdatedAt = now
		return true
	}), nil
}

func (r *UserRepository) update(id int, fn func(*types.User) bool) bool {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	user, ok := r.db.users[id]
	if !ok {
		return false
	}
	user = cloneUser(user)
	if !fn(&user) {
		return false
	}
	r.db.users[id] = cloneUser(user)
	return true
}

// PendingUserRepository mirrors store.PendingUserRepository.
type PendingUserRepository struct {
	db *DB
}

func (r *PendingUserRepository) GetByEmail(_ context.Context, email string) (types.PendingUser, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	pending, ok := r.db.pending[email]
	if !ok {
		return types.PendingUser{}, store.ErrNotFound
	}
	return pending, nil
}

func (r *PendingUserRepository) Create(_ context.Context, pending types.PendingUser) (types.PendingUser, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.pending[pending.Email]; ok {
		return types.PendingUser{}, store.ErrConflict
	}
	for _, existing := range r.db.pending {
		if existing.EmailVerificationToken == pending.EmailVerificationToken {
			return types.PendingUser{}, store.ErrConflict
		}
	}
	r.db.nextPending++
	pending.ID = r.db.nextPending
	r.db.pending[pending.Email] = pending
	return pending, nil
}

func (r *PendingUserRepository) Promote(_ context.Context, token string, notBefore, now time.Time) (types.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var (
		found types.PendingUser
		ok    bool
	)
	for _, pending := range r.db.pending {
		if pending.EmailVerificationToken == token && pending.CreatedAt.After(notBefore) {
			found, ok = pending, true
			break
		}
	}
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	delete(r.db.pending, found.Email)

	if _, exists := r.db.userByEmailLocked(found.Email); exists {
		return types.User{}, store.ErrConflict
	}
	return r.db.insertUserLocked(types.User{
		Name:               found.Name,
		Email:              found.Email,
		PasswordHash:       found.PasswordHash,
		Role:               types.RoleUser,
		IsEmailVerified:    true,
		VerificationStatus: types.StatusUnverified,
		CreatedAt:          now,
		UpdatedAt:          now,
	}), nil
}

func (r *PendingUserRepository) DeleteStale(_ context.Context, email string, cutoff time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	pending, ok := r.db.pending[email]
	if !ok || pending.CreatedAt.After(cutoff) {
		return false, nil
	}
	delete(r.db.pending, email)
	return true, nil
}

func (r *PendingUserRepository) DeleteCreatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var removed int64
	for email, pending := range r.db.pending {
		if !pending.CreatedAt.After(cutoff) {
			delete(r.db.pending, email)
			removed++
		}
	}
	return removed, nil
}

// LoginAttemptRepository mirrors store.LoginAttemptRepository.
type LoginAttemptRepository struct {
	db *DB
}

func (r *LoginAttemptRepository) Create(_ context.Context, attempt types.LoginAttempt) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	attempt.ID = int64(len(r.db.attempts) + 1)
	r.db.attempts = append(r.db.attempts, attempt)
	return nil
}

func (r *LoginAttemptRepository) FailuresSince(_ context.Context, email, ip string, since time.Time, threshold int) (int, time.Time, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var times []time.Time
	for _, attempt := range r.db.attempts {
		if attempt.Success || attempt.AttemptTime.Before(since) {
			continue
		}
		if attempt.Email != email && attempt.IPAddress != ip {
			continue
		}
		times = append(times, attempt.AttemptTime)
	}
	if threshold < 1 || len(times) < threshold {
		return len(times), time.Time{}, nil
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return len(times), times[len(times)-threshold], nil
}

// RateLimitRepository mirrors store.RateLimitRepository.
type RateLimitRepository struct {
	db *DB
}

func (r *RateLimitRepository) Hit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (types.RateLimit, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	record, ok := r.db.limits[key]
	switch {
	case !ok, now.Sub(record.WindowStart) >= window:
		record = types.RateLimit{IPAddress: key, RequestCount: 1, WindowStart: now}
	case record.RequestCount >= limit:
		return record, false, nil
	default:
		record.RequestCount++
	}
	r.db.limits[key] = record
	return record, true, nil
}
