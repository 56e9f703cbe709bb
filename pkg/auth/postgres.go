package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGCredentials stores accounts in a PostgreSQL table.
type PGCredentials struct {
	pool *pgxpool.Pool
}

// ConnectPostgres creates a connection pool and verifies it with a ping.
func ConnectPostgres(ctx context.Context, dsn string, minConns, maxConns int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if minConns > 0 {
		poolCfg.MinConns = int32(minConns)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPGCredentials returns a store backed by pool.
func NewPGCredentials(pool *pgxpool.Pool) *PGCredentials {
	return &PGCredentials{pool: pool}
}

// EnsureSchema creates the accounts table if it does not exist.
func (s *PGCredentials) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		level INTEGER NOT NULL DEFAULT 0,
		capabilities TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("auth: create accounts: %w", err)
	}
	return nil
}

// AddAccount hashes password and inserts the account.
func (s *PGCredentials) AddAccount(ctx context.Context, username, password string, level int, capabilities ...string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if capabilities == nil {
		capabilities = []string{}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO accounts (username, password_hash, level, capabilities) VALUES ($1, $2, $3, $4)`,
		username, hash, level, capabilities)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAccountExists
		}
		return fmt.Errorf("auth: insert account: %w", err)
	}
	return nil
}

// Lookup returns the account for username.
func (s *PGCredentials) Lookup(ctx context.Context, username string) (*Account, error) {
	var acct Account
	err := s.pool.QueryRow(ctx,
		`SELECT username, password_hash, level, capabilities FROM accounts WHERE username = $1`,
		username).Scan(&acct.Username, &acct.PasswordHash, &acct.Level, &acct.Capabilities)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup account: %w", err)
	}
	return &acct, nil
}
