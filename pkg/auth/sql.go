package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// SQLCredentials stores accounts in a database/sql table using "?"
// placeholders (SQLite, MySQL).
type SQLCredentials struct {
	db    *sql.DB
	table string
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("auth: open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: enable WAL mode: %w", err)
	}
	return db, nil
}

// NewSQLCredentials returns a store over table in db.
func NewSQLCredentials(db *sql.DB, table string) *SQLCredentials {
	if table == "" {
		table = "accounts"
	}
	return &SQLCredentials{db: db, table: table}
}

// EnsureSchema creates the accounts table if it does not exist.
func (s *SQLCredentials) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		level INTEGER NOT NULL DEFAULT 0,
		capabilities TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("auth: create %s: %w", s.table, err)
	}
	return nil
}

// AddAccount hashes password and inserts the account.
func (s *SQLCredentials) AddAccount(ctx context.Context, username, password string, level int, capabilities ...string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (username, password_hash, level, capabilities) VALUES (?, ?, ?, ?)", s.table)
	_, err = s.db.ExecContext(ctx, query, username, hash, level, strings.Join(capabilities, ","))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrAccountExists
		}
		return fmt.Errorf("auth: insert account: %w", err)
	}
	return nil
}

// Lookup returns the account for username.
func (s *SQLCredentials) Lookup(ctx context.Context, username string) (*Account, error) {
	query := fmt.Sprintf("SELECT username, password_hash, level, capabilities FROM %s WHERE username = ?", s.table)
	var (
		acct Account
		caps string
	)
	err := s.db.QueryRowContext(ctx, query, username).Scan(&acct.Username, &acct.PasswordHash, &acct.Level, &caps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup account: %w", err)
	}
	if caps != "" {
		acct.Capabilities = strings.Split(caps, ",")
	}
	return &acct, nil
}
