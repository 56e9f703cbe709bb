package upload_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-dev/webengine/pkg/upload"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type part struct {
	field, filename string
	data            []byte
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		var (
			w   io.Writer
			err error
		)
		if p.filename != "" {
			w, err = mw.CreateFormFile(p.field, p.filename)
		} else {
			w, err = mw.CreateFormField(p.field)
		}
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(p.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

type uploadResponse struct {
	TempID string `json:"temp_id"`
	Files  []struct {
		Field    string `json:"field"`
		Filename string `json:"filename"`
		TempID   string `json:"temp_id"`
		Size     int64  `json:"size"`
		Error    string `json:"error"`
	} `json:"files"`
	Fields map[string]string `json:"fields"`
}

func postUpload(t *testing.T, h http.Handler, body io.Reader, contentType string) (*httptest.ResponseRecorder, uploadResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp uploadResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec, resp
}

func TestHandler_StreamsFilesAndFields(t *testing.T) {
	store, _ := upload.NewDiskStore(t.TempDir(), 0)
	big := bytes.Repeat([]byte("0123456789"), 3000)

	body, ct := multipartBody(t,
		part{field: "title", data: []byte("holiday")},
		part{field: "file", filename: "notes.txt", data: big},
		part{field: "extra", filename: "small.txt", data: []byte("tiny")},
	)
	rec, resp := postUpload(t, upload.Handler(store, nil), body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if resp.Fields["title"] != "holiday" {
		t.Errorf("expected title field, got %v", resp.Fields)
	}
	if len(resp.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(resp.Files))
	}
	if resp.TempID == "" || resp.TempID != resp.Files[0].TempID {
		t.Errorf("temp_id should name the \"file\" section, got %q", resp.TempID)
	}
	if resp.Files[0].Size != int64(len(big)) {
		t.Errorf("expected size %d, got %d", len(big), resp.Files[0].Size)
	}

	file, err := store.Claim(context.Background(), resp.TempID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer file.Close()
	data, _ := io.ReadAll(file.Reader)
	if !bytes.Equal(data, big) {
		t.Error("stored content does not match upload")
	}
	if file.Filename != "notes.txt" {
		t.Errorf("expected notes.txt, got %s", file.Filename)
	}
}

func TestHandler_EmptyFile(t *testing.T) {
	store, _ := upload.NewDiskStore(t.TempDir(), 0)
	body, ct := multipartBody(t, part{field: "file", filename: "empty.txt"})
	rec, resp := postUpload(t, upload.Handler(store, nil), body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(resp.Files) != 1 || resp.Files[0].Size != 0 || resp.Files[0].Error != "" {
		t.Fatalf("unexpected files %+v", resp.Files)
	}

	file, err := store.Claim(context.Background(), resp.TempID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer file.Close()
	if data, _ := io.ReadAll(file.Reader); len(data) != 0 || file.Filename != "empty.txt" {
		t.Errorf("claimed %q as %s", data, file.Filename)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	store, _ := upload.NewDiskStore(t.TempDir(), 0)
	req := httptest.NewRequest(http.MethodGet, "/upload", nil)
	rec := httptest.NewRecorder()
	upload.Handler(store, nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHandler_NoFile(t *testing.T) {
	store, _ := upload.NewDiskStore(t.TempDir(), 0)
	body, ct := multipartBody(t, part{field: "title", data: []byte("x")})
	rec, _ := postUpload(t, upload.Handler(store, nil), body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_RequestTooLarge(t *testing.T) {
	store, _ := upload.NewDiskStore(t.TempDir(), 0)
	body, ct := multipartBody(t, part{field: "file", filename: "big.bin", data: bytes.Repeat([]byte{'a'}, 10000)})
	cfg := upload.DefaultConfig()
	cfg.MaxRequestSize = 500

	rec, _ := postUpload(t, upload.Handler(store, cfg), body, ct)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestHandler_FileTooLargeForStore(t *testing.T) {
	store, _ := upload.NewDiskStore(t.TempDir(), 100)
	body, ct := multipartBody(t, part{field: "file", filename: "big.bin", data: bytes.Repeat([]byte{'a'}, 10000)})

	rec, resp := postUpload(t, upload.Handler(store, nil), body, ct)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if len(resp.Files) != 1 || resp.Files[0].Error == "" {
		t.Errorf("expected the file to report an error, got %+v", resp.Files)
	}
}

func TestHandler_AllowedTypes(t *testing.T) {
	store, _ := upload.NewDiskStore(t.TempDir(), 0)
	cfg := upload.DefaultConfig()
	cfg.AllowedTypes = []string{"image/png"}
	h := upload.Handler(store, cfg)

	body, ct := multipartBody(t,
		part{field: "file", filename: "a.png", data: pngHeader},
		part{field: "other", filename: "b.png", data: []byte("plain text pretending")},
	)
	rec, resp := postUpload(t, h, body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp.Files[0].TempID == "" || resp.Files[0].Error != "" {
		t.Errorf("png should be stored: %+v", resp.Files[0])
	}
	if resp.Files[1].TempID != "" || resp.Files[1].Error == "" {
		t.Errorf("text should be rejected: %+v", resp.Files[1])
	}

	body, ct = multipartBody(t, part{field: "file", filename: "c.png", data: []byte("still text")})
	rec, _ = postUpload(t, h, body, ct)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415 when every file is rejected, got %d", rec.Code)
	}
}

func TestHandler_MalformedBody(t *testing.T) {
	store, _ := upload.NewDiskStore(t.TempDir(), 0)
	rec, _ := postUpload(t, upload.Handler(store, nil), strings.NewReader(""), "multipart/form-data; boundary=x")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
