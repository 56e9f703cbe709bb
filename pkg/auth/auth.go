package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"
)

var (
	// ErrUnauthorized is returned when authentication is required but not present.
	ErrUnauthorized = errors.New("auth: authentication required")

	// ErrForbidden is returned when authentication is present but insufficient.
	ErrForbidden = errors.New("auth: insufficient permissions")

	// ErrInvalidCredentials is returned when a username or password does not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrInvalidToken is returned for unknown, revoked or expired tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrAccountExists is returned when adding an account whose username is taken.
	ErrAccountExists = errors.New("auth: account already exists")
)

// Identity is the authenticated subject behind a token.
type Identity struct {
	Subject      string    `json:"subject"`
	Level        int       `json:"level"`
	Capabilities []string  `json:"capabilities,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// Has reports whether the identity holds capability.
func (i *Identity) Has(capability string) bool {
	return i != nil && slices.Contains(i.Capabilities, capability)
}

// Satisfies reports whether the identity meets a minimum level and holds
// every listed capability. A nil identity satisfies nothing.
func (i *Identity) Satisfies(level int, capabilities []string) bool {
	if i == nil || i.Level < level {
		return false
	}
	for _, c := range capabilities {
		if !i.Has(c) {
			return false
		}
	}
	return true
}

// Authenticator verifies credentials and resolves tokens.
type Authenticator interface {
	// VerifyCredentials returns the identity for a username and password,
	// or ErrInvalidCredentials.
	VerifyCredentials(ctx context.Context, username, password string) (*Identity, error)

	// Identify returns the identity a token was issued for, or ErrInvalidToken.
	Identify(ctx context.Context, token string) (*Identity, error)
}

// AuthorizationLevel returns the level of the identity behind token, or -1
// when the token does not resolve.
func AuthorizationLevel(ctx context.Context, a Authenticator, token string) int {
	if a == nil || token == "" {
		return -1
	}
	id, err := a.Identify(ctx, token)
	if err != nil || id == nil {
		return -1
	}
	return id.Level
}

// TokenFromRequest extracts a token from the Authorization bearer header,
// the "token" query parameter, or the named cookie, in that order.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
