// Package auth resolves opaque request tokens to identities carrying an
// authorization level and a set of capability tags.
//
// An Authenticator verifies credentials and identifies tokens. Service is
// the stock implementation: it checks bcrypt password hashes held by a
// CredentialStore (in memory, SQLite through database/sql, or PostgreSQL
// through pgx) and issues random tokens kept in a TokenStore.
//
//	creds := auth.NewMemoryCredentials()
//	creds.Add("admin", "secret", 10, "files.write")
//	svc := auth.NewService(creds, auth.NewMemoryTokens(time.Hour))
//
//	token, id, err := svc.Login(ctx, "admin", "secret")
//
// Levels are ordered: an identity satisfies a requirement when its level is
// at least the required level and it holds every required capability.
package auth
