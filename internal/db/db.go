// Package db opens the Postgres pool and runs transactions against it.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/truststaff/apiserver/config"
)

const (
	driverName   = "postgres"
	pingTimeout  = 5 * time.Second
	maxOpenConns = 25
	maxIdleConns = 5
	connMaxIdle  = 2 * time.Minute
	connMaxLife  = 30 * time.Minute
)

// PostgresURL builds the DSN used by both the server pool and the migrator.
func PostgresURL(cfg config.Config) string {
	d := cfg.Database
	sslmode := "disable"
	if d.UseSSL {
		sslmode = "require"
	}
	return (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + strconv.Itoa(d.Port),
		Path:     d.DBName,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}).String()
}

// Open returns a pool that has answered a ping.
func Open(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	pool, err := sql.Open(driverName, PostgresURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pool.SetMaxOpenConns(maxOpenConns)
	pool.SetMaxIdleConns(maxIdleConns)
	pool.SetConnMaxIdleTime(connMaxIdle)
	pool.SetConnMaxLifetime(connMaxLife)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping postgres at %s:%d: %w", cfg.Database.Host, cfg.Database.Port, err)
	}
	return pool, nil
}

// WithTx runs fn in a transaction, committing when fn returns nil and rolling
// back otherwise.
func WithTx(ctx context.Context, pool *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
