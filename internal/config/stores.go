package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vango-dev/webengine/pkg/auth"
	"github.com/vango-dev/webengine/pkg/upload"
)

// accountAdder is implemented by every credential store that can be seeded.
type accountAdder interface {
	AddAccount(ctx context.Context, username, password string, level int, capabilities ...string) error
}

type memoryAdder struct{ *auth.MemoryCredentials }

func (m memoryAdder) AddAccount(_ context.Context, username, password string, level int, capabilities ...string) error {
	return m.Add(username, password, level, capabilities...)
}

// OpenAuth builds the authentication service selected by Auth.Driver and
// seeds the configured accounts; existing accounts are left unchanged.
// It returns a nil service when no driver is set. closeFn releases the
// database connection.
func (c *Config) OpenAuth(ctx context.Context) (svc *auth.Service, closeFn func(), err error) {
	a := c.Auth
	closeFn = func() {}

	var (
		creds auth.CredentialStore
		adder accountAdder
	)
	switch a.Driver {
	case AuthNone:
		return nil, closeFn, nil
	case AuthMemory:
		mem := auth.NewMemoryCredentials()
		creds, adder = mem, memoryAdder{mem}
	case AuthSQLite:
		db, err := auth.OpenSQLite(c.Resolve(a.DSN))
		if err != nil {
			return nil, closeFn, err
		}
		closeFn = func() { _ = db.Close() }
		store := auth.NewSQLCredentials(db, a.Table)
		if err := store.EnsureSchema(ctx); err != nil {
			closeFn()
			return nil, func() {}, err
		}
		creds, adder = store, store
	case AuthPostgres:
		pool, err := auth.ConnectPostgres(ctx, a.DSN, a.MinConns, a.MaxConns)
		if err != nil {
			return nil, closeFn, fmt.Errorf("config: auth postgres: %w", err)
		}
		closeFn = pool.Close
		store := auth.NewPGCredentials(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			closeFn()
			return nil, func() {}, err
		}
		creds, adder = store, store
	default:
		return nil, closeFn, fmt.Errorf("config: unknown auth driver %q", a.Driver)
	}

	for _, acct := range a.Accounts {
		err := adder.AddAccount(ctx, acct.Username, acct.Password, acct.Level, acct.Capabilities...)
		if err != nil && !errors.Is(err, auth.ErrAccountExists) {
			closeFn()
			return nil, func() {}, fmt.Errorf("config: seed account %q: %w", acct.Username, err)
		}
	}

	return auth.NewService(creds, auth.NewMemoryTokens(a.TokenTTL.Std())), closeFn, nil
}

// OpenUploadStore builds the store selected by Upload.Driver, or returns
// nil when uploads are disabled.
func (c *Config) OpenUploadStore() (upload.Store, error) {
	u := c.Upload
	switch u.Driver {
	case UploadNone:
		return nil, nil
	case UploadDisk:
		return upload.NewDiskStore(c.Resolve(u.Dir), u.MaxFileSize)
	case UploadS3:
		return upload.NewS3Store(newS3Client(u.S3), u.S3.Bucket, u.S3.Prefix, u.MaxFileSize).
			WithURLExpiry(u.S3.URLExpiry.Std()), nil
	default:
		return nil, fmt.Errorf("config: unknown upload driver %q", u.Driver)
	}
}

// UploadSettings returns the spooling settings for upload.Handler and Spool.
func (c *Config) UploadSettings() *upload.Config {
	cfg := upload.DefaultConfig()
	cfg.AllowedTypes = c.Upload.AllowedTypes
	cfg.TempExpiry = c.Upload.TempExpiry.Std()
	if c.Server.MaxBodySize > 0 {
		cfg.MaxRequestSize = c.Server.MaxBodySize
	}
	return cfg
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.PathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		creds := aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			Source:          "webengine config",
		}
		opts.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return creds, nil },
		))
	}
	return s3.New(opts)
}
