package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/vango-dev/webengine/pkg/auth"
)

// TokenIssuer exchanges credentials for tokens. auth.Service implements it.
type TokenIssuer interface {
	Login(ctx context.Context, username, password string) (string, *auth.Identity, error)
	Logout(ctx context.Context, token string) error
}

// Credentials is the body of the gettoken operation.
type Credentials struct {
	Username string `json:"username" xml:"username" form:"username"`
	Password string `json:"password" xml:"password" form:"password"`
}

// TokenResult is returned by gettoken.
type TokenResult struct {
	Token     string    `json:"token" xml:"token"`
	Subject   string    `json:"subject" xml:"subject"`
	Level     int       `json:"level" xml:"level"`
	ExpiresAt time.Time `json:"expiresAt,omitempty" xml:"expiresAt,omitempty"`
}

// SecurityOperations returns the gettoken, validate and logout operations
// backed by issuer, for mounting with RegisterController. A successful
// gettoken also sets the token cookie.
func (s *Server) SecurityOperations(issuer TokenIssuer) []Operation {
	return []Operation{
		{
			Name:  "gettoken",
			Body:  BodyOf[Credentials]("credentials"),
			Cache: NoCache(),
			Handler: func(c *Call) (any, error) {
				creds := BodyAs[Credentials](c)
				token, id, err := issuer.Login(c.Request.Context(), creds.Username, creds.Password)
				if errors.Is(err, auth.ErrInvalidCredentials) {
					return nil, &ForbiddenError{Operation: "gettoken", Reason: "invalid credentials"}
				}
				if err != nil {
					return nil, err
				}
				http.SetCookie(c.Request, &http.Cookie{
					Name:     s.cfg.TokenCookie,
					Value:    token,
					Path:     "/",
					Expires:  id.ExpiresAt,
					HttpOnly: true,
					Secure:   c.Request.HTTP.TLS != nil,
					SameSite: http.SameSiteLaxMode,
				})
				return &TokenResult{Token: token, Subject: id.Subject, Level: id.Level, ExpiresAt: id.ExpiresAt}, nil
			},
		},
		{
			Name:        "validate",
			RequireAuth: true,
			Cache:       NoCache(),
			Handler: func(c *Call) (any, error) {
				return c.Identity(), nil
			},
		},
		{
			Name:        "logout",
			RequireAuth: true,
			Cache:       NoCache(),
			Handler: func(c *Call) (any, error) {
				if err := issuer.Logout(c.Request.Context(), c.Request.Token); err != nil {
					return nil, err
				}
				http.SetCookie(c.Request, &http.Cookie{
					Name:    s.cfg.TokenCookie,
					Value:   "",
					Path:    "/",
					MaxAge:  -1,
					Expires: time.Unix(0, 0),
				})
				return true, nil
			},
		},
	}
}
