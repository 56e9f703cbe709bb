package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Account is a stored credential record.
type Account struct {
	Username     string
	PasswordHash string
	Level        int
	Capabilities []string
}

// CredentialStore looks up accounts by username.
type CredentialStore interface {
	// Lookup returns the account or ErrInvalidCredentials when it does not exist.
	Lookup(ctx context.Context, username string) (*Account, error)
}

// TokenStore issues and resolves opaque tokens.
type TokenStore interface {
	Issue(ctx context.Context, id *Identity) (string, error)
	Lookup(ctx context.Context, token string) (*Identity, error)
	Revoke(ctx context.Context, token string) error
}

// Service authenticates accounts from a CredentialStore and keeps sessions
// in a TokenStore.
type Service struct {
	creds  CredentialStore
	tokens TokenStore
	logger *slog.Logger
}

// NewService returns a Service backed by creds and tokens.
func NewService(creds CredentialStore, tokens TokenStore) *Service {
	return &Service{
		creds:  creds,
		tokens: tokens,
		logger: slog.Default().With("component", "auth"),
	}
}

// VerifyCredentials checks password against the stored bcrypt hash.
func (s *Service) VerifyCredentials(ctx context.Context, username, password string) (*Identity, error) {
	acct, err := s.creds.Lookup(ctx, username)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			// Spend comparable time on unknown users.
			bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		}
		return nil, err
	}
	if err := CheckPassword(acct.PasswordHash, password); err != nil {
		s.logger.Info("credential check failed", "username", username)
		return nil, ErrInvalidCredentials
	}
	return &Identity{
		Subject:      acct.Username,
		Level:        acct.Level,
		Capabilities: acct.Capabilities,
		IssuedAt:     time.Now(),
	}, nil
}

// Identify resolves a token through the token store.
func (s *Service) Identify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	return s.tokens.Lookup(ctx, token)
}

// Login verifies credentials and issues a token for the resulting identity.
func (s *Service) Login(ctx context.Context, username, password string) (string, *Identity, error) {
	id, err := s.VerifyCredentials(ctx, username, password)
	if err != nil {
		return "", nil, err
	}
	token, err := s.tokens.Issue(ctx, id)
	if err != nil {
		return "", nil, fmt.Errorf("auth: issue token: %w", err)
	}
	s.logger.Debug("token issued", "subject", id.Subject, "level", id.Level)
	return token, id, nil
}

// Logout revokes token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token)
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password"), bcrypt.MinCost)

// HashCost is the bcrypt cost used by HashPassword.
var HashCost = bcrypt.DefaultCost

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), HashCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares password with a bcrypt hash.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// MemoryCredentials is an in-memory CredentialStore.
type MemoryCredentials struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryCredentials returns an empty store.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{accounts: make(map[string]*Account)}
}

// Add hashes password and stores the account.
func (m *MemoryCredentials) Add(username, password string, level int, capabilities ...string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[username]; ok {
		return ErrAccountExists
	}
	m.accounts[username] = &Account{
		Username:     username,
		PasswordHash: hash,
		Level:        level,
		Capabilities: capabilities,
	}
	return nil
}

// Lookup returns the stored account.
func (m *MemoryCredentials) Lookup(_ context.Context, username string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return acct, nil
}
