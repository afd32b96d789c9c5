package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/truststaff/apiserver/internal/db"
	"github.com/truststaff/apiserver/types"
)

// PendingUserRepository handles persistence for unconfirmed registrations.
type PendingUserRepository struct {
	db *sql.DB
}

func NewPendingUserRepository(db *sql.DB) *PendingUserRepository {
	return &PendingUserRepository{db: db}
}

func (r *PendingUserRepository) GetByEmail(ctx context.Context, email string) (types.PendingUser, error) {
	const query = `
		SELECT id, name, email, password_hash, email_verification_token, created_at
		FROM pending_users
		WHERE email = $1`
	var pending types.PendingUser
	err := r.db.QueryRowContext(ctx, query, email).Scan(
		&pending.ID,
		&pending.Name,
		&pending.Email,
		&pending.PasswordHash,
		&pending.EmailVerificationToken,
		&pending.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.PendingUser{}, ErrNotFound
		}
		return types.PendingUser{}, err
	}
	return pending, nil
}

func (r *PendingUserRepository) Create(ctx context.Context, pending types.PendingUser) (types.PendingUser, error) {
	const query = `
		INSERT INTO pending_users (name, email, password_hash, email_verification_token, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		pending.Name,
		pending.Email,
		pending.PasswordHash,
		pending.EmailVerificationToken,
		pending.CreatedAt,
	).Scan(&pending.ID); err != nil {
		if isUniqueViolation(err) {
			return types.PendingUser{}, ErrConflict
		}
		return types.PendingUser{}, err
	}
	return pending, nil
}

// Promote consumes the registration holding token and creates the user in one
// transaction. Registrations created before notBefore are treated as absent.
// ErrConflict means a user with the same email appeared meanwhile; the
// registration is consumed in that case too.
func (r *PendingUserRepository) Promote(ctx context.Context, token string, notBefore, now time.Time) (types.User, error) {
	user := types.User{
		Role:               types.RoleUser,
		IsEmailVerified:    true,
		VerificationStatus: types.StatusUnverified,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	conflict := false

	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		const deleteQuery = `
			DELETE FROM pending_users
			WHERE email_verification_token = $1
			  AND created_at > $2
			RETURNING name, email, password_hash`
		if err := tx.QueryRowContext(ctx, deleteQuery, token, notBefore).Scan(
			&user.Name,
			&user.Email,
			&user.PasswordHash,
		); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		const insertQuery = `
			INSERT INTO users (name, email, password_hash, role, is_email_verified, verification_status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (email) DO NOTHING
			RETURNING id`
		err := tx.QueryRowContext(
			ctx,
			insertQuery,
			user.Name,
			user.Email,
			user.PasswordHash,
			string(user.Role),
			user.IsEmailVerified,
			string(user.VerificationStatus),
			user.CreatedAt,
			user.UpdatedAt,
		).Scan(&user.ID)
		if errors.Is(err, sql.ErrNoRows) {
			// Commit anyway so the registration stays consumed.
			conflict = true
			return nil
		}
		return err
	})
	if err != nil {
		return types.User{}, err
	}
	if conflict {
		return types.User{}, ErrConflict
	}
	return user, nil
}

// DeleteStale removes the registration for email if it was created before
// cutoff, freeing the address for a new registration.
func (r *PendingUserRepository) DeleteStale(ctx context.Context, email string, cutoff time.Time) (bool, error) {
	const query = `DELETE FROM pending_users WHERE email = $1 AND created_at <= $2`
	result, err := r.db.ExecContext(ctx, query, email, cutoff)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteCreatedBefore removes registrations created before cutoff.
func (r *PendingUserRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM pending_users WHERE created_at <= $1`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
