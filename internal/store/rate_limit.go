package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/truststaff/apiserver/types"
)

// RateLimitRepository keeps one fixed-window counter row per client address.
type RateLimitRepository struct {
	db *sql.DB
}

func NewRateLimitRepository(db *sql.DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// Hit counts one request for key at now. The counter restarts at 1 once window
// has elapsed since the window start; inside the window it is incremented only
// while below limit. The whole read-modify-write is a single statement, so the
// row lock taken by the upsert serializes concurrent hits on the same key.
func (r *RateLimitRepository) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (types.RateLimit, bool, error) {
	const upsert = `
		INSERT INTO rate_limits (ip_address, request_count, window_start)
		VALUES ($1, 1, $2)
		ON CONFLICT (ip_address) DO UPDATE
		SET request_count = CASE
				WHEN rate_limits.window_start <= $3 THEN 1
				ELSE rate_limits.request_count + 1
			END,
			window_start = CASE
				WHEN rate_limits.window_start <= $3 THEN $2
				ELSE rate_limits.window_start
			END
		WHERE rate_limits.window_start <= $3
		   OR rate_limits.request_count < $4
		RETURNING request_count, window_start`

	record := types.RateLimit{IPAddress: key}
	err := r.db.QueryRowContext(ctx, upsert, key, now, now.Add(-window), limit).Scan(
		&record.RequestCount,
		&record.WindowStart,
	)
	if err == nil {
		record.WindowStart = record.WindowStart.UTC()
		return record, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.RateLimit{}, false, err
	}

	// The conflict update was skipped: the window is active and the cap reached.
	const current = `SELECT request_count, window_start FROM rate_limits WHERE ip_address = $1`
	if err := r.db.QueryRowContext(ctx, current, key).Scan(&record.RequestCount, &record.WindowStart); err != nil {
		return types.RateLimit{}, false, err
	}
	record.WindowStart = record.WindowStart.UTC()
	return record, false, nil
}
