package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func init() {
	HashCost = bcrypt.MinCost
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	creds := NewMemoryCredentials()
	if err := creds.Add("admin", "secret", 10, "files.write"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := creds.Add("guest", "guest", 1); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return NewService(creds, NewMemoryTokens(time.Hour))
}

func TestServiceLoginAndIdentify(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	token, id, err := svc.Login(ctx, "admin", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if id.Level != 10 || !id.Has("files.write") {
		t.Fatalf("identity = %+v, want level 10 with files.write", id)
	}

	got, err := svc.Identify(ctx, token)
	if err != nil || got.Subject != "admin" {
		t.Fatalf("Identify() = %+v, %v", got, err)
	}
	if lvl := AuthorizationLevel(ctx, svc, token); lvl != 10 {
		t.Fatalf("AuthorizationLevel() = %d, want 10", lvl)
	}
	if lvl := AuthorizationLevel(ctx, svc, "nope"); lvl != -1 {
		t.Fatalf("AuthorizationLevel(unknown) = %d, want -1", lvl)
	}

	if err := svc.Logout(ctx, token); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := svc.Identify(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Identify after Logout error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestServiceRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.VerifyCredentials(ctx, "admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password error = %v, want %v", err, ErrInvalidCredentials)
	}
	if _, err := svc.VerifyCredentials(ctx, "nobody", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user error = %v, want %v", err, ErrInvalidCredentials)
	}
}

func TestMemoryTokensExpire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokens(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	token, err := store.Issue(ctx, &Identity{Subject: "a", Level: 1})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := store.Lookup(ctx, token); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Lookup(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Lookup(expired) error = %v, want %v", err, ErrInvalidToken)
	}
	if store.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", store.Len())
	}
}

func TestMemoryTokensPrune(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokens(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }
	store.Issue(ctx, &Identity{Subject: "a"})
	store.Issue(ctx, &Identity{Subject: "b"})

	now = now.Add(time.Hour)
	if n := store.Prune(); n != 2 {
		t.Fatalf("Prune() = %d, want 2", n)
	}
}

func TestIdentitySatisfies(t *testing.T) {
	id := &Identity{Level: 5, Capabilities: []string{"read", "write"}}
	tests := []struct {
		level int
		caps  []string
		want  bool
	}{
		{5, nil, true},
		{6, nil, false},
		{1, []string{"read"}, true},
		{1, []string{"read", "admin"}, false},
	}
	for _, tt := range tests {
		if got := id.Satisfies(tt.level, tt.caps); got != tt.want {
			t.Errorf("Satisfies(%d, %v) = %v, want %v", tt.level, tt.caps, got, tt.want)
		}
	}
	var none *Identity
	if none.Satisfies(0, nil) {
		t.Error("nil identity satisfied a requirement")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	if got := TokenFromRequest(r, "tok"); got != "h" {
		t.Fatalf("TokenFromRequest(header) = %q, want h", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/?token=q", nil)
	if got := TokenFromRequest(r, "tok"); got != "q" {
		t.Fatalf("TokenFromRequest(query) = %q, want q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "tok", Value: "c"})
	if got := TokenFromRequest(r, "tok"); got != "c" {
		t.Fatalf("TokenFromRequest(cookie) = %q, want c", got)
	}
}

func TestMiddlewareAndRequire(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	adminToken, _, _ := svc.Login(ctx, "admin", "secret")
	guestToken, _, _ := svc.Login(ctx, "guest", "guest")

	h := Middleware(svc, "")(Require(5, "files.write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		token string
		want  int
	}{
		{"", http.StatusUnauthorized},
		{"bogus", http.StatusUnauthorized},
		{guestToken, http.StatusForbidden},
		{adminToken, http.StatusNoContent},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/upload", nil)
		if tt.token != "" {
			r.Header.Set("Authorization", "Bearer "+tt.token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != tt.want {
			t.Errorf("token %q: status = %d, want %d", tt.token, w.Code, tt.want)
		}
	}
}

func TestSQLCredentials(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer db.Close()

	creds := NewSQLCredentials(db, "")
	if err := creds.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := creds.AddAccount(ctx, "ops", "pw", 7, "deploy", "restart"); err != nil {
		t.Fatalf("AddAccount() error = %v", err)
	}
	if err := creds.AddAccount(ctx, "ops", "pw", 7); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("duplicate AddAccount() error = %v, want %v", err, ErrAccountExists)
	}

	svc := NewService(creds, NewMemoryTokens(0))
	id, err := svc.VerifyCredentials(ctx, "ops", "pw")
	if err != nil {
		t.Fatalf("VerifyCredentials() error = %v", err)
	}
	if id.Level != 7 || !id.Satisfies(7, []string{"deploy", "restart"}) {
		t.Fatalf("identity = %+v", id)
	}
	if _, err := creds.Lookup(ctx, "missing"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Lookup(missing) error = %v, want %v", err, ErrInvalidCredentials)
	}
}
