package upload_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vango-dev/webengine/pkg/upload"
)

type fakeObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]*fakeObject
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]*fakeObject)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if in.ContentLength != nil && *in.ContentLength != int64(len(data)) {
		return nil, errors.New("content length mismatch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = &fakeObject{
		data:        data,
		contentType: aws.ToString(in.ContentType),
		metadata:    in.Metadata,
		modified:    time.Now(),
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) get(key *string) (*fakeObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return obj, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, err := f.get(in.Key)
	if err != nil {
		return nil, err
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(obj.data)))}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, err := f.get(in.Key)
	if err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		Metadata:      obj.metadata,
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for key, obj := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{
				Key:          aws.String(key),
				LastModified: aws.Time(obj.modified),
			})
		}
	}
	return out, nil
}

func (f *fakeS3) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func TestS3Store_SaveClaim(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := upload.NewS3Store(fake, "bucket", "tmp/", 1<<20).WithSpoolDir(t.TempDir())

	tempID, err := store.Save(ctx, "report.pdf", "application/pdf", strings.NewReader("%PDF-1.4"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if size, err := store.Head(ctx, tempID); err != nil || size != 8 {
		t.Errorf("head: size=%d err=%v", size, err)
	}

	file, err := store.Claim(ctx, tempID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if file.Filename != "report.pdf" || file.ContentType != "application/pdf" || file.Size != 8 {
		t.Errorf("unexpected file %+v", file)
	}
	if file.URL != "" {
		t.Errorf("fake client cannot presign, got URL %q", file.URL)
	}
	data, _ := io.ReadAll(file.Reader)
	if string(data) != "%PDF-1.4" {
		t.Errorf("unexpected content %q", data)
	}

	if err := file.Close(); err != nil {
		t.Fatal(err)
	}
	if fake.count() != 0 {
		t.Error("object should be deleted after close")
	}
	if _, err := store.Claim(ctx, tempID); !errors.Is(err, upload.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestS3Store_TooLarge(t *testing.T) {
	fake := newFakeS3()
	store := upload.NewS3Store(fake, "bucket", "tmp/", 3).WithSpoolDir(t.TempDir())
	if _, err := store.Save(context.Background(), "a", "", strings.NewReader("abcd")); !errors.Is(err, upload.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if fake.count() != 0 {
		t.Error("nothing should be uploaded")
	}
}

func TestS3Store_Cleanup(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := upload.NewS3Store(fake, "bucket", "tmp/", 0).WithSpoolDir(t.TempDir())

	oldID, _ := store.Save(ctx, "old", "", strings.NewReader("old"))
	if _, err := store.Save(ctx, "new", "", strings.NewReader("new")); err != nil {
		t.Fatal(err)
	}
	fake.mu.Lock()
	fake.objects["tmp/"+oldID].modified = time.Now().Add(-2 * time.Hour)
	fake.objects["other/keep"] = &fakeObject{modified: time.Now().Add(-48 * time.Hour)}
	fake.mu.Unlock()

	removed, err := store.Cleanup(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 || fake.count() != 2 {
		t.Errorf("removed=%d remaining=%d", removed, fake.count())
	}
}

var _ upload.Store = (*upload.S3Store)(nil)
var _ upload.Store = (*upload.DiskStore)(nil)
