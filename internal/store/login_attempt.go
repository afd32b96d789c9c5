package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/truststaff/apiserver/types"
)

// LoginAttemptRepository appends and aggregates login attempts.
type LoginAttemptRepository struct {
	db *sql.DB
}

func NewLoginAttemptRepository(db *sql.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

func (r *LoginAttemptRepository) Create(ctx context.Context, attempt types.LoginAttempt) error {
	const query = `
		INSERT INTO login_attempts (email, ip_address, success, attempt_time)
		VALUES ($1, $2, $3, $4)`
	_, err := r.db.ExecContext(ctx, query, attempt.Email, attempt.IPAddress, attempt.Success, attempt.AttemptTime)
	return err
}

// FailuresSince counts failed attempts at or after since matching either email
// or ip. Once the count reaches threshold it also returns the
// (count-threshold+1)-th oldest failure, the one whose expiry ends the block.
func (r *LoginAttemptRepository) FailuresSince(ctx context.Context, email, ip string, since time.Time, threshold int) (int, time.Time, error) {
	const query = `
		WITH failures AS (
			SELECT attempt_time,
			       ROW_NUMBER() OVER (ORDER BY attempt_time) AS position,
			       COUNT(1) OVER () AS total
			FROM login_attempts
			WHERE success = FALSE
			  AND attempt_time >= $3
			  AND (email = $1 OR ip_address = $2)
		)
		SELECT COALESCE(MAX(total), 0),
		       MIN(attempt_time) FILTER (WHERE position = total - $4 + 1)
		FROM failures`
	var (
		count     int
		releaseAt sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, query, email, ip, since, threshold).Scan(&count, &releaseAt); err != nil {
		return 0, time.Time{}, err
	}
	if !releaseAt.Valid {
		return count, time.Time{}, nil
	}
	return count, releaseAt.Time.UTC(), nil
}
