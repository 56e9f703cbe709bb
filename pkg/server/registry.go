package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Client is a broadcast target held by a ClientRegistry.
type Client interface {
	ID() string
	// Dead reports whether the client can no longer receive messages.
	Dead() bool
	// Active reports whether the client wants broadcasts.
	Active() bool
	Send(message string) error
	SendBinary(data []byte) error
}

// ClientRegistry is the concurrent set of clients connected to one
// WebSocket mount.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]Client

	onConnect    func(Client)
	onDisconnect func(Client)

	logger *slog.Logger
}

// NewClientRegistry returns an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]Client),
		logger:  slog.Default().With("component", "registry"),
	}
}

// OnConnect sets a callback run after a client is added.
func (r *ClientRegistry) OnConnect(fn func(Client)) {
	r.mu.Lock()
	r.onConnect = fn
	r.mu.Unlock()
}

// OnDisconnect sets a callback run after a client is removed.
func (r *ClientRegistry) OnDisconnect(fn func(Client)) {
	r.mu.Lock()
	r.onDisconnect = fn
	r.mu.Unlock()
}

// Add registers c, replacing any client with the same ID.
func (r *ClientRegistry) Add(c Client) {
	r.mu.Lock()
	r.clients[c.ID()] = c
	fn := r.onConnect
	r.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// Remove unregisters c and reports whether it was present. Removing a
// client twice is a no-op.
func (r *ClientRegistry) Remove(c Client) bool {
	r.mu.Lock()
	cur, ok := r.clients[c.ID()]
	if ok && cur == c {
		delete(r.clients, c.ID())
	} else {
		ok = false
	}
	fn := r.onDisconnect
	r.mu.Unlock()
	if ok && fn != nil {
		fn(c)
	}
	return ok
}

// Get returns the client with the given ID.
func (r *ClientRegistry) Get(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Count returns the number of registered clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot returns the registered clients at the time of the call.
func (r *ClientRegistry) Snapshot() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Sessions returns the registered WebSocket sessions.
func (r *ClientRegistry) Sessions() []*Session {
	var out []*Session
	for _, c := range r.Snapshot() {
		if s, ok := c.(*Session); ok {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast sends message to every client that is alive and active. A
// failed send does not stop delivery to the others; failures are logged
// and returned joined.
func (r *ClientRegistry) Broadcast(message string) (int, error) {
	return r.broadcast(func(c Client) error { return c.Send(message) })
}

// BroadcastBinary sends data to every client that is alive and active.
func (r *ClientRegistry) BroadcastBinary(data []byte) (int, error) {
	return r.broadcast(func(c Client) error { return c.SendBinary(data) })
}

func (r *ClientRegistry) broadcast(send func(Client) error) (int, error) {
	var (
		delivered int
		errs      []error
	)
	for _, c := range r.Snapshot() {
		if c.Dead() || !c.Active() {
			continue
		}
		if err := sendRecovered(c, send); err != nil {
			r.logger.Warn("broadcast failed", "client_id", c.ID(), "error", err)
			errs = append(errs, fmt.Errorf("client %s: %w", c.ID(), err))
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

func sendRecovered(c Client, send func(Client) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return send(c)
}

// RemoveDead unregisters every dead client and returns how many were removed.
func (r *ClientRegistry) RemoveDead() int {
	n := 0
	for _, c := range r.Snapshot() {
		if c.Dead() && r.Remove(c) {
			n++
		}
	}
	return n
}

// DisconnectAll closes every registered session with code and reason.
func (r *ClientRegistry) DisconnectAll(code int, reason string) {
	for _, s := range r.Sessions() {
		s.Disconnect(code, reason)
	}
}
