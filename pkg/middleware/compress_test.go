package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
)

var payload = strings.Repeat("webengine compresses repetitive text. ", 200)

func payloadHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = io.WriteString(w, payload)
	})
}

func TestNegotiateEncoding(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"gzip", "gzip"},
		{"gzip, deflate, br", "br"},
		{"br;q=0, gzip", "gzip"},
		{"BR", "br"},
		{"identity", ""},
		{"gzip;q=0", ""},
	}
	for _, tt := range tests {
		if got := negotiateEncoding(tt.header); got != tt.want {
			t.Errorf("negotiateEncoding(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestCompress_Brotli(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	rec := httptest.NewRecorder()
	Compress()(payloadHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "br" {
		t.Fatalf("Content-Encoding = %q, want br", got)
	}
	if rec.Header().Get("Content-Length") != "" {
		t.Error("Content-Length should be removed when compressing")
	}
	if rec.Header().Get("Vary") != "Accept-Encoding" {
		t.Errorf("Vary = %q", rec.Header().Get("Vary"))
	}
	body, err := io.ReadAll(brotli.NewReader(rec.Body))
	if err != nil {
		t.Fatalf("decode brotli: %v", err)
	}
	if string(body) != payload {
		t.Error("decoded body mismatch")
	}
}

func TestCompress_Gzip(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	Compress(WithGzipLevel(gzip.BestSpeed))(payloadHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(zr)
	if string(body) != payload {
		t.Error("decoded body mismatch")
	}
}

func TestCompress_Passthrough(t *testing.T) {
	small := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2")
		_, _ = w.Write([]byte("ok"))
	})
	encoded := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "identity")
		_, _ = w.Write([]byte("raw"))
	})

	tests := []struct {
		name    string
		handler http.Handler
		method  string
		header  map[string]string
		body    string
	}{
		{"no accept", payloadHandler(), http.MethodGet, nil, payload},
		{"head", payloadHandler(), http.MethodHead, map[string]string{"Accept-Encoding": "br"}, payload},
		{"upgrade", payloadHandler(), http.MethodGet, map[string]string{"Accept-Encoding": "br", "Upgrade": "websocket"}, payload},
		{"small", small, http.MethodGet, map[string]string{"Accept-Encoding": "br"}, "ok"},
		{"already encoded", encoded, http.MethodGet, map[string]string{"Accept-Encoding": "br"}, "raw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			Compress()(tt.handler).ServeHTTP(rec, req)

			if ce := rec.Header().Get("Content-Encoding"); ce == "br" || ce == "gzip" {
				t.Errorf("unexpected Content-Encoding %q", ce)
			}
			if rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	sw := newStatusWriter(httptest.NewRecorder())
	if _, _, err := sw.Hijack(); err != errNotHijacker {
		t.Fatalf("expected errNotHijacker, got %v", err)
	}
	if sw.Status() != http.StatusOK {
		t.Errorf("default status = %d", sw.Status())
	}
}
