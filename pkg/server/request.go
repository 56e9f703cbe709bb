package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vango-dev/webengine/pkg/auth"
)

// Request is one inbound HTTP request and its response sink, as submitted
// to the worker pool. It implements http.ResponseWriter, so handlers can
// pass it to helpers such as http.ServeContent.
//
// A Request is closed exactly once. After Close, writes fail with
// ErrRequestClosed.
type Request struct {
	// ID identifies the request in logs and the X-Request-Id header.
	ID string

	// HTTP is the underlying request. Its context carries the identity
	// once resolved.
	HTTP *http.Request

	// Identity is the authenticated subject, or nil.
	Identity *auth.Identity

	// Token is the credential the identity was resolved from.
	Token string

	server *Server
	w      http.ResponseWriter
	start  time.Time

	mu          sync.Mutex
	status      int
	wroteHeader bool
	closed      bool
	hijacked    bool

	closeOnce   sync.Once
	done        chan struct{}
	noAutoClose atomic.Bool

	bodyOnce sync.Once
	body     []byte
	bodyErr  error
	streamed bool

	query map[string][]string
	stage string
}

func newRequest(s *Server, w http.ResponseWriter, r *http.Request) *Request {
	id := r.Header.Get("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}
	return &Request{
		ID:     id,
		HTTP:   r,
		server: s,
		w:      w,
		start:  time.Now(),
		status: http.StatusOK,
		done:   make(chan struct{}),
	}
}

// Context returns the request context.
func (r *Request) Context() context.Context {
	return r.HTTP.Context()
}

// Server returns the engine processing the request.
func (r *Request) Server() *Server {
	return r.server
}

// Path returns the normalized request path: lower case, with a leading
// and no trailing slash.
func (r *Request) Path() string {
	return normalizePath(r.HTTP.URL.Path)
}

// Method returns the HTTP method.
func (r *Request) Method() string {
	return r.HTTP.Method
}

// Query returns the named query parameter. An exact match wins over a
// case-insensitive one.
func (r *Request) Query(name string) (string, bool) {
	if r.query == nil {
		r.query = r.HTTP.URL.Query()
	}
	if v, ok := r.query[name]; ok && len(v) > 0 {
		return v[0], true
	}
	for k, v := range r.query {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0], true
		}
	}
	return "", false
}

// Body reads and caches the full request body, up to MaxBodySize.
func (r *Request) Body() ([]byte, error) {
	r.bodyOnce.Do(func() {
		if r.streamed {
			r.bodyErr = io.ErrUnexpectedEOF
			return
		}
		if r.HTTP.Body == nil {
			return
		}
		limit := r.server.cfg.MaxBodySize
		reader := io.Reader(r.HTTP.Body)
		if limit > 0 {
			reader = io.LimitReader(r.HTTP.Body, limit+1)
		}
		r.body, r.bodyErr = io.ReadAll(reader)
		if r.bodyErr == nil && limit > 0 && int64(len(r.body)) > limit {
			r.body = nil
			r.bodyErr = ErrBodyTooLarge
		}
	})
	return r.body, r.bodyErr
}

// BodyReader returns the unbuffered request body for streaming consumers.
// Body cannot be used afterwards.
func (r *Request) BodyReader() io.Reader {
	r.streamed = true
	if r.HTTP.Body == nil {
		return http.NoBody
	}
	return r.HTTP.Body
}

// Header returns the response headers.
func (r *Request) Header() http.Header {
	return r.w.Header()
}

// SetHeader sets a response header.
func (r *Request) SetHeader(key, value string) {
	r.w.Header().Set(key, value)
}

// SetContentType sets the response Content-Type.
func (r *Request) SetContentType(contentType string) {
	r.w.Header().Set("Content-Type", contentType)
}

// WriteHeader sends the response status. Only the first call has effect.
func (r *Request) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.w.WriteHeader(code)
}

// Write writes response body bytes, sending a 200 status first if none was set.
func (r *Request) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrRequestClosed
	}
	if !r.wroteHeader {
		r.wroteHeader = true
		r.w.WriteHeader(r.status)
	}
	return r.w.Write(p)
}

// WriteString writes s to the response body.
func (r *Request) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// WriteStatus writes code with a plain-text body and closes the request.
// An empty message uses the standard status text.
func (r *Request) WriteStatus(code int, message string) {
	if message == "" {
		message = strconv.Itoa(code) + " " + http.StatusText(code)
	}
	r.SetContentType("text/plain; charset=utf-8")
	r.SetHeader("X-Content-Type-Options", "nosniff")
	r.WriteHeader(code)
	_, _ = r.WriteString(message)
	r.Close()
}

// Redirect answers with a redirect to url and closes the request.
func (r *Request) Redirect(url string, code int) {
	if code == 0 {
		code = http.StatusFound
	}
	http.Redirect(r, r.HTTP, url, code)
	r.Close()
}

// Flush sends buffered response data to the client.
func (r *Request) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if !r.wroteHeader {
		r.wroteHeader = true
		r.w.WriteHeader(r.status)
	}
	if f, ok := r.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack takes over the underlying connection. Close no longer writes to
// the response once it succeeds.
func (r *Request) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrRequestClosed
	}
	hj, ok := r.w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		r.hijacked = true
	}
	return conn, rw, err
}

// Status returns the response status sent or pending.
func (r *Request) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// HeaderWritten reports whether the response status has been sent.
func (r *Request) HeaderWritten() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wroteHeader
}

// DisableAutoClose stops the worker from closing the request when the
// pipeline returns. The caller becomes responsible for calling Close.
func (r *Request) DisableAutoClose() {
	r.noAutoClose.Store(true)
}

// AutoCloseDisabled reports whether DisableAutoClose was called.
func (r *Request) AutoCloseDisabled() bool {
	return r.noAutoClose.Load()
}

// Close flushes the response and releases the waiting connection handler.
// It is safe to call more than once and from any goroutine.
func (r *Request) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		if !r.closed && !r.hijacked {
			if !r.wroteHeader {
				r.wroteHeader = true
				r.w.WriteHeader(r.status)
			}
			if f, ok := r.w.(http.Flusher); ok {
				f.Flush()
			}
		}
		r.closed = true
		r.mu.Unlock()
		close(r.done)
	})
}

// IsClosed reports whether the request has been closed.
func (r *Request) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Done is closed when the request is closed.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// detach marks the connection as taken over by a hijacker. The request
// closes without touching the response writer.
func (r *Request) detach() {
	r.mu.Lock()
	r.hijacked = true
	r.mu.Unlock()
	r.Close()
}

// abandon stops all further writes once the connection handler has
// returned without the request being closed.
func (r *Request) abandon() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
