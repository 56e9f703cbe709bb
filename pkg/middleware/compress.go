package middleware

import (
	"bufio"
	"compress/gzip"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

// CompressConfig configures the compression middleware.
type CompressConfig struct {
	// BrotliLevel is the brotli quality, 0-11 (default: 5).
	BrotliLevel int

	// GzipLevel is the gzip level (default: gzip.DefaultCompression).
	GzipLevel int

	// MinSize skips compression for responses that declare a smaller
	// Content-Length (default: 256).
	MinSize int
}

// CompressOption configures the compression middleware.
type CompressOption func(*CompressConfig)

// WithBrotliLevel sets the brotli quality.
func WithBrotliLevel(level int) CompressOption {
	return func(c *CompressConfig) {
		c.BrotliLevel = level
	}
}

// WithGzipLevel sets the gzip level.
func WithGzipLevel(level int) CompressOption {
	return func(c *CompressConfig) {
		c.GzipLevel = level
	}
}

// WithMinSize sets the minimum declared size worth compressing.
func WithMinSize(n int) CompressOption {
	return func(c *CompressConfig) {
		c.MinSize = n
	}
}

// Compress returns middleware that encodes responses with brotli when the
// client accepts "br", otherwise gzip when it accepts "gzip". Upgrade
// requests, HEAD requests, and responses that already carry a
// Content-Encoding are passed through unchanged.
func Compress(opts ...CompressOption) func(http.Handler) http.Handler {
	config := CompressConfig{
		BrotliLevel: 5,
		GzipLevel:   gzip.DefaultCompression,
		MinSize:     256,
	}
	for _, opt := range opts {
		opt(&config)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead || r.Header.Get("Upgrade") != "" {
				next.ServeHTTP(w, r)
				return
			}
			encoding := negotiateEncoding(r.Header.Get("Accept-Encoding"))
			if encoding == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Accept-Encoding")
			cw := &compressWriter{ResponseWriter: w, encoding: encoding, config: &config}
			defer cw.Close()
			next.ServeHTTP(cw, r)
		})
	}
}

// negotiateEncoding picks br over gzip, honoring q=0 exclusions.
func negotiateEncoding(header string) string {
	accepted := map[string]bool{}
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		params = strings.ReplaceAll(params, " ", "")
		accepted[name] = params != "q=0" && params != "q=0.0"
	}
	switch {
	case accepted["br"]:
		return "br"
	case accepted["gzip"]:
		return "gzip"
	default:
		return ""
	}
}

type compressWriter struct {
	http.ResponseWriter
	encoding    string
	config      *CompressConfig
	enc         io.WriteCloser
	wroteHeader bool
	passthrough bool
	hijacked    bool
}

func (w *compressWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	h := w.Header()
	switch {
	case code < http.StatusOK, code == http.StatusNoContent, code == http.StatusNotModified:
		w.passthrough = true
	case h.Get("Content-Encoding") != "":
		w.passthrough = true
	case h.Get("Content-Range") != "":
		w.passthrough = true
	case w.declaredSmall(h.Get("Content-Length")):
		w.passthrough = true
	}
	if !w.passthrough {
		h.Del("Content-Length")
		h.Set("Content-Encoding", w.encoding)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *compressWriter) declaredSmall(length string) bool {
	n, err := strconv.Atoi(length)
	return err == nil && n < w.config.MinSize
}

func (w *compressWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(p))
		}
		w.WriteHeader(http.StatusOK)
	}
	if w.passthrough {
		return w.ResponseWriter.Write(p)
	}
	if w.enc == nil {
		switch w.encoding {
		case "br":
			w.enc = brotli.NewWriterLevel(w.ResponseWriter, w.config.BrotliLevel)
		default:
			gz, err := gzip.NewWriterLevel(w.ResponseWriter, w.config.GzipLevel)
			if err != nil {
				gz = gzip.NewWriter(w.ResponseWriter)
			}
			w.enc = gz
		}
	}
	return w.enc.Write(p)
}

func (w *compressWriter) Flush() {
	if f, ok := w.enc.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *compressWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNotHijacker
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, rw, err
}

// Close finishes the encoded stream.
func (w *compressWriter) Close() error {
	if w.hijacked || w.enc == nil {
		return nil
	}
	return w.enc.Close()
}

func (w *compressWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
