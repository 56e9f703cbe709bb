package upload

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a temp file doesn't exist.
	ErrNotFound = errors.New("upload: file not found")

	// ErrTooLarge is returned when a file exceeds the size limit.
	ErrTooLarge = errors.New("upload: file too large")

	// ErrTypeNotAllowed is returned when a file's detected type is not in
	// Config.AllowedTypes.
	ErrTypeNotAllowed = errors.New("upload: file type not allowed")
)

// Store is the interface for upload storage backends.
type Store interface {
	// Save streams r into temporary storage and returns its temp ID. The
	// size is not known in advance; stores enforce their own limit while
	// reading.
	Save(ctx context.Context, filename, contentType string, r io.Reader) (tempID string, err error)

	// Claim retrieves a temp file and removes it from temporary storage.
	Claim(ctx context.Context, tempID string) (*File, error)

	// Cleanup removes temp files older than maxAge and returns how many
	// were removed.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// File represents an uploaded file.
type File struct {
	// ID is the temp ID the file was stored under.
	ID string

	// Filename is the original filename from the client.
	Filename string

	// ContentType is the client-declared MIME type.
	ContentType string

	// Size is the file size in bytes.
	Size int64

	// Path is the local filesystem path (DiskStore).
	Path string

	// URL is a presigned download URL (S3Store).
	URL string

	// Reader provides access to the file contents.
	Reader io.ReadCloser
}

// Close closes the file reader if open.
func (f *File) Close() error {
	if f.Reader != nil {
		return f.Reader.Close()
	}
	return nil
}

// Claim retrieves a temp file by ID.
func Claim(ctx context.Context, store Store, tempID string) (*File, error) {
	return store.Claim(ctx, tempID)
}

// Config holds configuration for spooling uploads.
type Config struct {
	// MaxRequestSize bounds the whole multipart body read by Handler.
	// Default: 64MB.
	MaxRequestSize int64

	// AllowedTypes lists the detected MIME types accepted. Empty allows all.
	AllowedTypes []string

	// TempExpiry is how long temp files live before cleanup.
	// Default: 1 hour.
	TempExpiry time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRequestSize: 64 << 20,
		TempExpiry:     time.Hour,
	}
}

// StartCleanup runs store.Cleanup every interval until ctx ends.
func StartCleanup(ctx context.Context, store Store, interval, maxAge time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.Cleanup(ctx, maxAge); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
