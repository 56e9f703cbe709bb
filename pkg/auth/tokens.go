package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTokens keeps issued tokens in memory until they expire.
type MemoryTokens struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]*Identity
}

// NewMemoryTokens returns a store whose tokens live for ttl. A zero ttl
// never expires tokens.
func NewMemoryTokens(ttl time.Duration) *MemoryTokens {
	return &MemoryTokens{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]*Identity),
	}
}

// Issue stores a copy of id under a new random token.
func (m *MemoryTokens) Issue(_ context.Context, id *Identity) (string, error) {
	issued := *id
	issued.IssuedAt = m.now()
	if m.ttl > 0 {
		issued.ExpiresAt = issued.IssuedAt.Add(m.ttl)
	}
	token := uuid.NewString()

	m.mu.Lock()
	m.tokens[token] = &issued
	m.mu.Unlock()
	return token, nil
}

// Lookup returns the identity for token, dropping it if expired.
func (m *MemoryTokens) Lookup(_ context.Context, token string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	if !id.ExpiresAt.IsZero() && !m.now().Before(id.ExpiresAt) {
		delete(m.tokens, token)
		return nil, ErrInvalidToken
	}
	return id, nil
}

// Revoke forgets token. Revoking an unknown token is not an error.
func (m *MemoryTokens) Revoke(_ context.Context, token string) error {
	m.mu.Lock()
	delete(m.tokens, token)
	m.mu.Unlock()
	return nil
}

// Prune removes expired tokens and returns how many were dropped.
func (m *MemoryTokens) Prune() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for token, id := range m.tokens {
		if !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt) {
			delete(m.tokens, token)
			n++
		}
	}
	return n
}

// Len returns the number of stored tokens.
func (m *MemoryTokens) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}
