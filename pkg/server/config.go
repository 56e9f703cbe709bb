package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vango-dev/webengine/pkg/auth"
	"github.com/vango-dev/webengine/pkg/codec"
	"github.com/vango-dev/webengine/pkg/filecache"
)

// WebSocketConfig holds configuration for WebSocket sessions.
type WebSocketConfig struct {
	// MaxMessageSize is the largest reassembled message accepted from a
	// client. Larger messages close the session with code 1009.
	// Default: 40960.
	MaxMessageSize int64

	// ReadTimeout is the maximum time to wait for a message or pong.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is the time between pings. Must be below ReadTimeout.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// HandshakeTimeout bounds the upgrade handshake.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// SendQueueSize is the per-session outbound buffer. Sends to a full
	// queue fail with ErrSendQueueFull instead of blocking.
	// Default: 64.
	SendQueueSize int

	// ReadBufferSize and WriteBufferSize size the connection buffers.
	// Default: 4096 each.
	ReadBufferSize  int
	WriteBufferSize int

	// EnableCompression negotiates permessage-deflate.
	EnableCompression bool
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible defaults.
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		MaxMessageSize:    40960,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		SendQueueSize:     64,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
	}
}

// Clone returns a copy of the WebSocketConfig.
func (c *WebSocketConfig) Clone() *WebSocketConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ServerConfig holds configuration for the engine.
type ServerConfig struct {
	// Address is the listen address.
	// Default: ":8080".
	Address string

	// WorkerCount is the number of pool workers.
	// Default: 3 per CPU.
	WorkerCount int

	// QueueSize is the number of requests that may wait for a worker.
	// Submissions beyond it block the accepting goroutine.
	// Default: 10 per worker.
	QueueSize int

	// HTTP timeouts.
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// ShutdownTimeout bounds Stop.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// DefaultRequestType decodes bodies whose type cannot be negotiated.
	// Default: JSON.
	DefaultRequestType codec.BodyType

	// DefaultResponseType encodes results when neither the operation nor
	// the Accept header chooses a type, and every error envelope whose
	// negotiated type is not serializable.
	// Default: JSON.
	DefaultResponseType codec.BodyType

	// AllowedResponseTypes restricts the response types operations may
	// produce. Empty allows all.
	AllowedResponseTypes []codec.BodyType

	// MaxBodySize bounds buffered request bodies. Streaming multipart
	// bodies are not limited.
	// Default: 32MB.
	MaxBodySize int64

	// FileCheckInterval is how long static file contents are served before
	// the file's modification time is checked again.
	// Default: 1 minute.
	FileCheckInterval time.Duration

	// StaticMaxAge is the Cache-Control max-age of static files whose
	// names are not fingerprinted. Negative disables client caching.
	// Default: 1 hour.
	StaticMaxAge time.Duration

	// Debug includes stack traces in error envelopes and disables static
	// file caching.
	Debug bool

	// Authenticator resolves request tokens. Nil leaves every request
	// unauthenticated.
	Authenticator auth.Authenticator

	// TokenCookie is the cookie consulted for a token after the
	// Authorization header and the token query parameter.
	// Default: "token".
	TokenCookie string

	// CheckOrigin validates the Origin header of WebSocket upgrades.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// WebSocket configures sessions.
	WebSocket *WebSocketConfig

	// MetricsRegisterer receives the engine collectors. Nil keeps them in
	// a private registry.
	MetricsRegisterer prometheus.Registerer

	// MetricsNamespace prefixes metric names.
	// Default: "webengine".
	MetricsNamespace string

	// TracerName names the OpenTelemetry tracer.
	// Default: "webengine".
	TracerName string

	// SyncBaseURL prefixes the operation URLs of the generated client
	// script, for clients served from another origin. Empty keeps them
	// relative to the host.
	SyncBaseURL string
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	workers := runtime.NumCPU() * 3
	return &ServerConfig{
		Address:             ":8080",
		WorkerCount:         workers,
		QueueSize:           workers * 10,
		ReadHeaderTimeout:   5 * time.Second,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		IdleTimeout:         60 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		DefaultRequestType:  codec.JSON,
		DefaultResponseType: codec.JSON,
		MaxBodySize:         32 << 20,
		FileCheckInterval:   filecache.DefaultCheckInterval,
		StaticMaxAge:        time.Hour,
		TokenCookie:         "token",
		CheckOrigin:         SameOriginCheck,
		WebSocket:           DefaultWebSocketConfig(),
		MetricsNamespace:    "webengine",
		TracerName:          "webengine",
	}
}

// applyDefaults fills every unset field from DefaultServerConfig.
func (c *ServerConfig) applyDefaults() {
	d := DefaultServerConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.WorkerCount * 10
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.DefaultRequestType == codec.Undefined {
		c.DefaultRequestType = d.DefaultRequestType
	}
	if c.DefaultResponseType == codec.Undefined {
		c.DefaultResponseType = d.DefaultResponseType
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = d.MaxBodySize
	}
	if c.FileCheckInterval == 0 {
		c.FileCheckInterval = d.FileCheckInterval
	}
	if c.StaticMaxAge == 0 {
		c.StaticMaxAge = d.StaticMaxAge
	}
	if c.TokenCookie == "" {
		c.TokenCookie = d.TokenCookie
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = d.MetricsNamespace
	}
	if c.TracerName == "" {
		c.TracerName = d.TracerName
	}

	if c.WebSocket == nil {
		c.WebSocket = d.WebSocket
		return
	}
	ws, dws := c.WebSocket, d.WebSocket
	if ws.MaxMessageSize <= 0 {
		ws.MaxMessageSize = dws.MaxMessageSize
	}
	if ws.ReadTimeout == 0 {
		ws.ReadTimeout = dws.ReadTimeout
	}
	if ws.WriteTimeout == 0 {
		ws.WriteTimeout = dws.WriteTimeout
	}
	if ws.HeartbeatInterval == 0 {
		ws.HeartbeatInterval = dws.HeartbeatInterval
	}
	if ws.HandshakeTimeout == 0 {
		ws.HandshakeTimeout = dws.HandshakeTimeout
	}
	if ws.SendQueueSize <= 0 {
		ws.SendQueueSize = dws.SendQueueSize
	}
	if ws.ReadBufferSize <= 0 {
		ws.ReadBufferSize = dws.ReadBufferSize
	}
	if ws.WriteBufferSize <= 0 {
		ws.WriteBufferSize = dws.WriteBufferSize
	}
}

// ValidateConfig reports configuration values that cannot work.
func (c *ServerConfig) ValidateConfig() error {
	var errs []error
	if c.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("server: WorkerCount must be positive, got %d", c.WorkerCount))
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("server: QueueSize must not be negative, got %d", c.QueueSize))
	}
	if c.MaxBodySize < 0 {
		errs = append(errs, fmt.Errorf("server: MaxBodySize must not be negative, got %d", c.MaxBodySize))
	}
	if c.DefaultResponseType != codec.Undefined && !c.DefaultResponseType.Serializable() {
		errs = append(errs, fmt.Errorf("server: DefaultResponseType %s is not serializable", c.DefaultResponseType))
	}
	if len(c.AllowedResponseTypes) > 0 && c.DefaultResponseType != codec.Undefined &&
		!slices.Contains(c.AllowedResponseTypes, c.DefaultResponseType) {
		errs = append(errs, fmt.Errorf("server: DefaultResponseType %s is not in AllowedResponseTypes", c.DefaultResponseType))
	}
	if ws := c.WebSocket; ws != nil && ws.HeartbeatInterval > 0 && ws.ReadTimeout > 0 && ws.HeartbeatInterval >= ws.ReadTimeout {
		errs = append(errs, fmt.Errorf("server: HeartbeatInterval %s must be below ReadTimeout %s", ws.HeartbeatInterval, ws.ReadTimeout))
	}
	return errors.Join(errs...)
}

// SameOriginCheck accepts upgrades without an Origin header or whose
// Origin host matches the request host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if r.Host == "" {
		return false
	}
	return originURL.Host == r.Host
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.WebSocket = c.WebSocket.Clone()
	clone.AllowedResponseTypes = slices.Clone(c.AllowedResponseTypes)
	return &clone
}

// WithAddress sets the listen address and returns the config for chaining.
func (c *ServerConfig) WithAddress(addr string) *ServerConfig {
	c.Address = addr
	return c
}

// WithWorkers sets the worker count and queue size.
func (c *ServerConfig) WithWorkers(workers, queue int) *ServerConfig {
	c.WorkerCount = workers
	c.QueueSize = queue
	return c
}

// WithAuthenticator sets the token authenticator.
func (c *ServerConfig) WithAuthenticator(a auth.Authenticator) *ServerConfig {
	c.Authenticator = a
	return c
}

// WithDebug enables stack traces in error envelopes.
func (c *ServerConfig) WithDebug(debug bool) *ServerConfig {
	c.Debug = debug
	return c
}
