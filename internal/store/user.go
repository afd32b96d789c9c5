package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/truststaff/apiserver/types"
)

const userColumns = `
	id, name, email, password_hash, role, is_email_verified, email_verification_token,
	verification_status, rejection_reason, reviewed_at, is_blocked,
	company_name, city, tax_id, document_key,
	twofa_code, twofa_expires_at, twofa_sent_at, password_reset_requested_at,
	created_at, updated_at`

// UserRepository handles persistence for users.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (types.User, error) {
	var (
		user         types.User
		role, status string
		verifyToken  sql.NullString
		reason       sql.NullString
		reviewedAt   sql.NullTime
		twofaCode    sql.NullString
		twofaExpires sql.NullTime
		twofaSent    sql.NullTime
		resetAt      sql.NullTime
	)
	if err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&role,
		&user.IsEmailVerified,
		&verifyToken,
		&status,
		&reason,
		&reviewedAt,
		&user.IsBlocked,
		&user.CompanyName,
		&user.City,
		&user.TaxID,
		&user.DocumentKey,
		&twofaCode,
		&twofaExpires,
		&twofaSent,
		&resetAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return types.User{}, err
	}

	var err error
	if user.Role, err = types.ParseRole(role); err != nil {
		return types.User{}, fmt.Errorf("user %d: %w", user.ID, err)
	}
	if user.VerificationStatus, err = types.ParseVerificationStatus(status); err != nil {
		return types.User{}, fmt.Errorf("user %d: %w", user.ID, err)
	}
	user.EmailVerificationToken = nullString(verifyToken)
	user.RejectionReason = nullString(reason)
	user.ReviewedAt = nullTime(reviewedAt)
	user.TwoFactorCode = nullString(twofaCode)
	user.TwoFactorExpiresAt = nullTime(twofaExpires)
	user.TwoFactorSentAt = nullTime(twofaSent)
	user.PasswordResetRequestedAt = nullTime(resetAt)
	return user, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func (r *UserRepository) getOne(ctx context.Context, query string, args ...any) (types.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int) (types.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *UserRepository) ListByStatus(ctx context.Context, status types.VerificationStatus) ([]types.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE verification_status = $1 ORDER BY updated_at, id`,
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]types.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// SetTwoFactorChallenge stores a fresh challenge, replacing any outstanding one.
func (r *UserRepository) SetTwoFactorChallenge(ctx context.Context, id int, code string, expiresAt, sentAt time.Time) error {
	const query = `
		UPDATE users
		SET twofa_code = $1,
			twofa_expires_at = $2,
			twofa_sent_at = $3,
			updated_at = $3
		WHERE id = $4`
	return r.execOne(ctx, query, code, expiresAt, sentAt, id)
}

// ResendTwoFactorChallenge replaces the challenge only when the previous one was
// sent at or before notAfter. It reports whether the challenge was replaced.
func (r *UserRepository) ResendTwoFactorChallenge(ctx context.Context, id int, code string, expiresAt, sentAt, notAfter time.Time) (bool, error) {
	const query = `
		UPDATE users
		SET twofa_code = $1,
			twofa_expires_at = $2,
			twofa_sent_at = $3,
			updated_at = $3
		WHERE id = $4
		  AND (twofa_sent_at IS NULL OR twofa_sent_at <= $5)`
	return r.execConditional(ctx, query, code, expiresAt, sentAt, id, notAfter)
}

// ConsumeTwoFactorCode clears the challenge if it still holds code and has not
// expired at now. Only one concurrent caller can observe true.
func (r *UserRepository) ConsumeTwoFactorCode(ctx context.Context, id int, code string, now time.Time) (bool, error) {
	const query = `
		UPDATE users
		SET twofa_code = NULL,
			twofa_expires_at = NULL,
			updated_at = $3
		WHERE id = $1
		  AND twofa_code = $2
		  AND twofa_expires_at > $3`
	return r.execConditional(ctx, query, id, code, now)
}

// MarkPasswordResetRequested sets the reset anchor to now unless a reset was
// requested after notAfter.
func (r *UserRepository) MarkPasswordResetRequested(ctx context.Context, id int, now, notAfter time.Time) (bool, error) {
	const query = `
		UPDATE users
		SET password_reset_requested_at = $2,
			updated_at = $2
		WHERE id = $1
		  AND (password_reset_requested_at IS NULL OR password_reset_requested_at <= $3)`
	return r.execConditional(ctx, query, id, now, notAfter)
}

// ResetPassword stores passwordHash and clears the reset anchor, provided the
// anchor still equals anchor.
func (r *UserRepository) ResetPassword(ctx context.Context, id int, passwordHash string, anchor, now time.Time) (bool, error) {
	const query = `
		UPDATE users
		SET password_hash = $2,
			password_reset_requested_at = NULL,
			updated_at = $4
		WHERE id = $1
		  AND password_reset_requested_at = $3`
	return r.execConditional(ctx, query, id, passwordHash, anchor, now)
}

// SubmitOnboarding stores profile and moves the user to pending, provided the
// current status is one of from.
func (r *UserRepository) SubmitOnboarding(ctx context.Context, id int, profile types.OnboardingProfile, from []types.VerificationStatus, now time.Time) (bool, error) {
	const query = `
		UPDATE users
		SET company_name = $2,
			city = $3,
			tax_id = $4,
			document_key = $5,
			verification_status = 'pending',
			rejection_reason = NULL,
			updated_at = $6
		WHERE id = $1
		  AND verification_status = ANY($7)`
	return r.execConditional(ctx, query,
		id,
		profile.CompanyName,
		profile.City,
		profile.TaxID,
		profile.DocumentKey,
		now,
		statusArray(from),
	)
}

// Review records an approval or rejection of a pending user.
func (r *UserRepository) Review(ctx context.Context, id int, status types.VerificationStatus, reason *string, now time.Time) (bool, error) {
	const query = `
		UPDATE users
		SET verification_status = $2,
			rejection_reason = $3,
			reviewed_at = $4,
			updated_at = $4
		WHERE id = $1
		  AND verification_status = 'pending'`
	var reasonArg any
	if reason != nil {
		reasonArg = *reason
	}
	return r.execConditional(ctx, query, id, string(status), reasonArg, now)
}

// SetBlocked updates the block flag. Superadmins can never be blocked.
func (r *UserRepository) SetBlocked(ctx context.Context, id int, blocked bool, now time.Time) (bool, error) {
	const query = `
		UPDATE users
		SET is_blocked = $2,
			updated_at = $3
		WHERE id = $1
		  AND ($2 = FALSE OR role <> 'superadmin')`
	return r.execConditional(ctx, query, id, blocked, now)
}

func (r *UserRepository) execOne(ctx context.Context, query string, args ...any) error {
	ok, err := r.execConditional(ctx, query, args...)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) execConditional(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func statusArray(statuses []types.VerificationStatus) any {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return pq.Array(values)
}
