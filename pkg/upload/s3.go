package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

const (
	metaFilename = "original-filename"
	metaUploaded = "upload-time"
)

// S3Store stores uploads in an S3 bucket.
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := upload.NewS3Store(s3.NewFromConfig(cfg), "my-bucket", "uploads/", 50<<20)
type S3Store struct {
	client    S3API
	bucket    string
	prefix    string
	maxSize   int64
	urlExpiry time.Duration
	spoolDir  string
}

// NewS3Store creates a new S3 upload store. A maxSize of 0 means no limit.
func NewS3Store(client S3API, bucket, prefix string, maxSize int64) *S3Store {
	return &S3Store{
		client:    client,
		bucket:    bucket,
		prefix:    prefix,
		maxSize:   maxSize,
		urlExpiry: 24 * time.Hour,
	}
}

// WithURLExpiry sets how long presigned URLs are valid.
func (s *S3Store) WithURLExpiry(d time.Duration) *S3Store {
	s.urlExpiry = d
	return s
}

// WithSpoolDir sets the directory used to stage uploads before they are
// sent. Defaults to os.TempDir.
func (s *S3Store) WithSpoolDir(dir string) *S3Store {
	s.spoolDir = dir
	return s
}

// Save stages r in a local temp file so the object can be sent with a
// known length, then uploads it.
func (s *S3Store) Save(ctx context.Context, filename, contentType string, r io.Reader) (string, error) {
	f, err := os.CreateTemp(s.spoolDir, "upload-*")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	reader := r
	if s.maxSize > 0 {
		reader = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(f, ctxReader{ctx: ctx, r: reader})
	if err != nil {
		return "", err
	}
	if s.maxSize > 0 && n > s.maxSize {
		return "", ErrTooLarge
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	tempID := uuid.NewString()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.prefix + tempID),
		Body:          f,
		ContentLength: aws.Int64(n),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			metaFilename: filename,
			metaUploaded: time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload: s3 put failed: %w", err)
	}
	return tempID, nil
}

// Claim opens a temp object. The object is deleted when the returned File
// is closed.
func (s *S3Store) Claim(ctx context.Context, tempID string) (*File, error) {
	if !validID(tempID) {
		return nil, ErrNotFound
	}
	key := s.prefix + tempID

	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("upload: s3 get failed: %w", err)
	}

	file := &File{
		ID:          tempID,
		Filename:    tempID,
		ContentType: aws.ToString(obj.ContentType),
		Size:        aws.ToInt64(obj.ContentLength),
		Reader:      &s3ClaimReader{ReadCloser: obj.Body, store: s, key: key},
	}
	if fn, ok := obj.Metadata[metaFilename]; ok {
		file.Filename = fn
	}
	if url, err := s.presign(ctx, key); err == nil {
		file.URL = url
	}
	return file, nil
}

// Cleanup deletes objects under the prefix older than maxAge.
func (s *S3Store) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return removed, fmt.Errorf("upload: s3 list failed: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.LastModified == nil || !obj.LastModified.Before(cutoff) {
				continue
			}
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return removed, fmt.Errorf("upload: s3 delete failed: %w", err)
			}
			removed++
		}
		if !aws.ToBool(out.IsTruncated) {
			return removed, nil
		}
		token = out.NextContinuationToken
	}
}

// Head reports the size of a temp object without claiming it.
func (s *S3Store) Head(ctx context.Context, tempID string) (int64, error) {
	if !validID(tempID) {
		return 0, ErrNotFound
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + tempID),
	})
	if err != nil {
		return 0, ErrNotFound
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3Store) presign(ctx context.Context, key string) (string, error) {
	client, ok := s.client.(*s3.Client)
	if !ok {
		return "", errors.New("upload: presigning needs *s3.Client")
	}
	req, err := s3.NewPresignClient(client).PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String("attachment"),
	}, s3.WithPresignExpires(s.urlExpiry))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// s3ClaimReader deletes the object once the claimant closes it.
type s3ClaimReader struct {
	io.ReadCloser
	store *S3Store
	key   string
}

func (r *s3ClaimReader) Close() error {
	err := r.ReadCloser.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = r.store.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.store.bucket),
		Key:    aws.String(r.key),
	})
	return err
}
