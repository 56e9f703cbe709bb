package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-dev/webengine/pkg/auth"
)

// SocketHandler receives the messages of one WebSocket session. Calls are
// made from the session's read goroutine, one at a time.
type SocketHandler interface {
	HandleText(s *Session, message string)
	HandleBinary(s *Session, data []byte)
}

// Connected is implemented by handlers that want to know when their
// session opens.
type Connected interface {
	Connected(s *Session)
}

// Disconnected is implemented by handlers that want to know when their
// session terminates.
type Disconnected interface {
	Disconnected(s *Session)
}

// TextHandlerFunc adapts a function to a SocketHandler that ignores
// binary messages.
type TextHandlerFunc func(s *Session, message string)

func (f TextHandlerFunc) HandleText(s *Session, message string) { f(s, message) }
func (f TextHandlerFunc) HandleBinary(*Session, []byte)         {}

// SocketFactory creates the handler for a new connection. Returning nil
// rejects the upgrade with 404.
type SocketFactory func(r *Request) SocketHandler

// WebSocketOptions gate the upgrade on the caller's identity.
type WebSocketOptions struct {
	RequireAuth  bool
	MinLevel     int
	Capabilities []string
}

func (o WebSocketOptions) requiresAuth() bool {
	return o.RequireAuth || o.MinLevel > 0 || len(o.Capabilities) > 0
}

type socketMount struct {
	path     string
	factory  SocketFactory
	opts     WebSocketOptions
	registry *ClientRegistry
}

// RegisterWebSocket mounts a WebSocket endpoint and returns the registry
// its sessions join.
func (s *Server) RegisterWebSocket(mount string, factory SocketFactory, opts WebSocketOptions) (*ClientRegistry, error) {
	if strings.TrimSpace(mount) == "" || factory == nil {
		return nil, fmt.Errorf("%w: websocket %q", ErrInvalidRoute, mount)
	}
	m := &socketMount{
		path:     normalizePath(mount),
		factory:  factory,
		opts:     opts,
		registry: NewClientRegistry(),
	}
	m.opts.Capabilities = append([]string(nil), opts.Capabilities...)
	err := s.update(func(t *routeTable) error {
		t.sockets[m.path] = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.registry, nil
}

// Registry returns the client registry of a WebSocket mount.
func (s *Server) Registry(mount string) (*ClientRegistry, bool) {
	m, ok := s.routes.Load().sockets[normalizePath(mount)]
	if !ok {
		return nil, false
	}
	return m.registry, true
}

// upgrade runs the WebSocket stage. Requests that are not upgrades, or
// whose path has no mount, fall through.
func (s *Server) upgrade(t *routeTable, req *Request, path string) bool {
	m, ok := t.sockets[path]
	if !ok || !websocket.IsWebSocketUpgrade(req.HTTP) {
		return false
	}
	req.stage = stageWebSocket

	if m.opts.requiresAuth() && !req.Identity.Satisfies(m.opts.MinLevel, m.opts.Capabilities) {
		s.logger.Info("websocket upgrade forbidden", "request_id", req.ID, "path", path)
		req.WriteStatus(http.StatusForbidden, "")
		return true
	}

	handler := m.factory(req)
	if handler == nil {
		req.WriteStatus(http.StatusNotFound, "")
		return true
	}

	sess := newSession(s, m, req, handler)
	sess.state.Store(int32(StateUpgrading))

	req.DisableAutoClose()
	conn, err := s.upgrader.Upgrade(req, req.HTTP, nil)
	if err != nil {
		sess.state.Store(int32(StateClosed))
		req.Close()
		return true
	}
	req.detach()

	sess.conn = conn
	sess.open()
	go sess.run()
	return true
}

// SessionState is the lifecycle state of a WebSocket session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateUpgrading
	StateOpen
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUpgrading:
		return "upgrading"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int32(s))
}

type outbound struct {
	kind int
	data []byte
}

// Session is one upgraded WebSocket connection. A read goroutine feeds the
// handler; a write goroutine owns all data frames, fed through a bounded
// queue so Send never blocks.
type Session struct {
	id       string
	server   *Server
	mount    *socketMount
	handler  SocketHandler
	identity *auth.Identity
	request  *http.Request
	cfg      *WebSocketConfig
	logger   *slog.Logger

	conn   *websocket.Conn
	state  atomic.Int32
	active atomic.Bool
	send   chan outbound
	done   chan struct{}

	closeOnce   sync.Once
	mu          sync.Mutex
	closeCode   int
	closeReason string
}

func newSession(srv *Server, m *socketMount, req *Request, handler SocketHandler) *Session {
	id := uuid.NewString()
	s := &Session{
		id:       id,
		server:   srv,
		mount:    m,
		handler:  handler,
		identity: req.Identity,
		request:  req.HTTP,
		cfg:      srv.cfg.WebSocket,
		logger:   srv.logger.With("session_id", id, "mount", m.path),
		send:     make(chan outbound, srv.cfg.WebSocket.SendQueueSize),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	s.active.Store(true)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Identity returns the identity that opened the session, or nil.
func (s *Session) Identity() *auth.Identity { return s.identity }

// Request returns the upgrade request.
func (s *Session) Request() *http.Request { return s.request }

// Dead reports whether the session is closing or closed.
func (s *Session) Dead() bool { return s.State() >= StateClosing }

// Active reports whether the session receives broadcasts.
func (s *Session) Active() bool { return s.active.Load() }

// SetActive includes or excludes the session from broadcasts.
func (s *Session) SetActive(active bool) { s.active.Store(active) }

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send queues a text message.
func (s *Session) Send(message string) error {
	return s.enqueue(outbound{kind: websocket.TextMessage, data: []byte(message)})
}

// SendBinary queues a binary message.
func (s *Session) SendBinary(data []byte) error {
	return s.enqueue(outbound{kind: websocket.BinaryMessage, data: data})
}

func (s *Session) enqueue(m outbound) error {
	if s.Dead() {
		return ErrSessionClosed
	}
	select {
	case s.send <- m:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

// Disconnect closes the session with a close frame carrying code and reason.
func (s *Session) Disconnect(code int, reason string) {
	s.setClose(code, reason)
	s.terminate(true)
}

func (s *Session) setClose(code int, reason string) {
	s.mu.Lock()
	if s.closeCode == 0 {
		s.closeCode, s.closeReason = code, reason
	}
	s.mu.Unlock()
}

func (s *Session) open() {
	s.state.Store(int32(StateOpen))
	s.mount.registry.Add(s)
	s.server.metrics.sessions.Inc()
	s.logger.Info("session opened", "remote", s.request.RemoteAddr)

	if c, ok := s.handler.(Connected); ok {
		s.callHandler("connected", func() { c.Connected(s) })
	}
}

func (s *Session) run() {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	go s.writeLoop()
	s.readLoop()
}

// readLoop receives messages until the connection fails or closes.
func (s *Session) readLoop() {
	sendClose := true
	defer func() { s.terminate(sendClose) }()

	for {
		kind, msg, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.setClose(websocket.CloseMessageTooBig, "message too big")
			case errors.As(err, &ce):
				// The peer's close frame was already echoed.
				sendClose = false
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					s.logger.Warn("read error", "error", err)
				}
				sendClose = false
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.server.metrics.messages.WithLabelValues("in").Inc()

		var ok bool
		switch kind {
		case websocket.TextMessage:
			ok = s.callHandler("text", func() { s.handler.HandleText(s, string(msg)) })
		case websocket.BinaryMessage:
			ok = s.callHandler("binary", func() { s.handler.HandleBinary(s, msg) })
		default:
			ok = true
		}
		if !ok {
			s.setClose(websocket.CloseInternalServerErr, "internal error")
			return
		}
		if s.Dead() {
			return
		}
	}
}

// writeLoop writes queued messages and heartbeat pings until the session
// terminates.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case m := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(m.kind, m.data); err != nil {
				s.logger.Warn("write error", "error", err)
				_ = s.conn.Close()
				return
			}
			s.server.metrics.messages.WithLabelValues("out").Inc()

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.logger.Debug("ping error", "error", err)
				_ = s.conn.Close()
				return
			}

		case <-s.done:
			return
		}
	}
}

// terminate is the single exit path of a session: it leaves the registry,
// notifies the handler and releases the connection, once.
func (s *Session) terminate(sendClose bool) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.done)

		if s.mount.registry.Remove(s) {
			s.server.metrics.sessions.Dec()
		}
		if d, ok := s.handler.(Disconnected); ok {
			s.callHandler("disconnected", func() { d.Disconnected(s) })
		}

		s.mu.Lock()
		code, reason := s.closeCode, s.closeReason
		s.mu.Unlock()
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		if sendClose && s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(time.Second))
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}

		s.state.Store(int32(StateClosed))
		s.logger.Info("session closed", "code", code, "reason", reason)
	})
}

// callHandler runs fn and reports whether it returned without panicking.
func (s *Session) callHandler(event string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.server.reportException("websocket "+event, recoveredError("websocket "+event, r))
			ok = false
		}
	}()
	fn()
	return true
}
