package upload_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-dev/webengine/pkg/upload"
)

func TestDiskStore_SaveAndClaim(t *testing.T) {
	ctx := context.Background()
	store, err := upload.NewDiskStore(t.TempDir(), 10<<20)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	content := []byte("hello world")
	tempID, err := store.Save(ctx, "../../test.txt", "text/plain", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if tempID == "" {
		t.Fatal("expected non-empty temp ID")
	}

	file, err := upload.Claim(ctx, store, tempID)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}

	if file.Filename != "test.txt" {
		t.Errorf("expected filename test.txt, got %s", file.Filename)
	}
	if file.ContentType != "text/plain" {
		t.Errorf("expected content type text/plain, got %s", file.ContentType)
	}
	if file.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), file.Size)
	}

	data, err := io.ReadAll(file.Reader)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("content mismatch")
	}

	if err := file.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(file.Path); !os.IsNotExist(err) {
		t.Errorf("expected file removed after close, stat err = %v", err)
	}
	if _, err := store.Claim(ctx, tempID); !errors.Is(err, upload.ErrNotFound) {
		t.Errorf("second claim: expected ErrNotFound, got %v", err)
	}
}

func TestDiskStore_TooLarge(t *testing.T) {
	dir := t.TempDir()
	store, err := upload.NewDiskStore(dir, 4)
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.Save(context.Background(), "big.bin", "", strings.NewReader("12345"))
	if !errors.Is(err, upload.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected partial file removed, found %d entries", len(entries))
	}
}

func TestDiskStore_ClaimRejectsBadIDs(t *testing.T) {
	store, err := upload.NewDiskStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", "../etc/passwd", "not-a-uuid", "00000000-0000-0000-0000-000000000000"} {
		if _, err := store.Claim(context.Background(), id); !errors.Is(err, upload.ErrNotFound) {
			t.Errorf("Claim(%q): expected ErrNotFound, got %v", id, err)
		}
	}
}

func TestDiskStore_ClaimAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first, _ := upload.NewDiskStore(dir, 0)
	tempID, err := first.Save(ctx, "a.txt", "text/plain", strings.NewReader("persisted"))
	if err != nil {
		t.Fatal(err)
	}

	second, _ := upload.NewDiskStore(dir, 0)
	file, err := second.Claim(ctx, tempID)
	if err != nil {
		t.Fatalf("claim from new store: %v", err)
	}
	defer file.Close()
	if file.Filename != "a.txt" || file.Size != 9 {
		t.Errorf("unexpected metadata %+v", file)
	}
}

func TestDiskStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, _ := upload.NewDiskStore(dir, 0)

	oldID, _ := store.Save(ctx, "old.txt", "text/plain", strings.NewReader("old"))
	newID, _ := store.Save(ctx, "new.txt", "text/plain", strings.NewReader("new"))

	past := time.Now().Add(-2 * time.Hour)
	for _, name := range []string{oldID, oldID + ".meta"} {
		if err := os.Chtimes(filepath.Join(dir, name), past, past); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.Cleanup(ctx, time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, oldID)); !os.IsNotExist(err) {
		t.Error("old file still present")
	}
	if _, err := os.Stat(filepath.Join(dir, newID)); err != nil {
		t.Errorf("new file removed: %v", err)
	}
}

func TestDiskStore_SaveCanceled(t *testing.T) {
	store, _ := upload.NewDiskStore(t.TempDir(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Save(ctx, "x", "", strings.NewReader("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
