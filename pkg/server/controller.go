package server

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/vango-dev/webengine/pkg/auth"
	"github.com/vango-dev/webengine/pkg/codec"
)

// Handler implements an operation. The returned value is encoded as the
// response body; a returned error is written as a failure envelope.
type Handler func(*Call) (any, error)

// Param declares a query parameter bound before the handler runs.
type Param struct {
	Name     string
	Type     reflect.Type
	Optional bool
}

// ParamOf declares a required parameter of type T.
func ParamOf[T any](name string) Param {
	return Param{Name: name, Type: reflect.TypeFor[T]()}
}

// OptionalParam declares a parameter of type T that binds to T's zero
// value when absent.
func OptionalParam[T any](name string) Param {
	return Param{Name: name, Type: reflect.TypeFor[T](), Optional: true}
}

// BodyParam declares the parameter decoded from the request body.
//
// Besides any type the codec can decode into, four types are bound
// specially: *multipart.Stream reads the body incrementally,
// *multipart.Message buffers and parses it, and []byte and string receive
// the raw bytes.
type BodyParam struct {
	Name     string
	Type     reflect.Type
	Optional bool
}

// BodyOf declares a required body parameter of type T.
func BodyOf[T any](name string) *BodyParam {
	return &BodyParam{Name: name, Type: reflect.TypeFor[T]()}
}

// OptionalBody declares a body parameter that binds to T's zero value when
// the body is empty.
func OptionalBody[T any](name string) *BodyParam {
	return &BodyParam{Name: name, Type: reflect.TypeFor[T](), Optional: true}
}

// Cache is an operation's caching directive.
type Cache struct {
	// MaxAge sets Cache-Control: max-age when positive.
	MaxAge time.Duration

	// Prevent sends no-cache headers.
	Prevent bool
}

// CacheFor allows clients to cache responses for d.
func CacheFor(d time.Duration) Cache { return Cache{MaxAge: d} }

// NoCache forbids clients and proxies from caching responses.
func NoCache() Cache { return Cache{Prevent: true} }

// Operation describes one invocable action under a controller mount. It
// is copied at registration and never modified afterwards.
type Operation struct {
	// Name is matched case-insensitively against the last path segment.
	Name string

	// Default makes the operation answer requests for the mount itself.
	Default bool

	Params []Param
	Body   *BodyParam

	// RequestType forces the body decoding. Undefined negotiates it from
	// Content-Type, then from the payload.
	RequestType codec.BodyType

	// ResponseType forces the response encoding. Undefined negotiates it
	// from the Accept header.
	ResponseType codec.BodyType

	// View names the template rendered with the result when ResponseType
	// is Template.
	View string

	// RequireAuth demands an identity. A positive MinLevel or any
	// Capabilities imply it.
	RequireAuth  bool
	MinLevel     int
	Capabilities []string

	Cache Cache

	// NoSync leaves the operation out of the generated client script.
	NoSync bool

	Handler Handler
}

func (op *Operation) requiresAuth() bool {
	return op.RequireAuth || op.MinLevel > 0 || len(op.Capabilities) > 0
}

// ControllerOption configures a controller mount.
type ControllerOption func(*controller)

// WithEnvelope wraps successful results as {"success":true,"result":...}.
func WithEnvelope() ControllerOption {
	return func(c *controller) { c.envelope = true }
}

// WithSyncName names the controller's object in the generated client
// script. The default is the last segment of the mount path.
func WithSyncName(name string) ControllerOption {
	return func(c *controller) { c.syncName = name }
}

// WithResponseType sets the response type for operations that do not
// declare one, ahead of Accept negotiation.
func WithResponseType(t codec.BodyType) ControllerOption {
	return func(c *controller) { c.responseType = t }
}

type controller struct {
	mount        string
	ops          map[string]*Operation
	defaultOp    *Operation
	envelope     bool
	responseType codec.BodyType
	syncName     string
}

// RegisterController mounts ops under mount. Registering a mount again
// replaces the previous controller.
func (s *Server) RegisterController(mount string, ops []Operation, opts ...ControllerOption) error {
	if strings.TrimSpace(mount) == "" || len(ops) == 0 {
		return fmt.Errorf("%w: controller %q has no operations", ErrInvalidRoute, mount)
	}

	c := &controller{
		mount: normalizePath(mount),
		ops:   make(map[string]*Operation, len(ops)),
	}
	for _, opt := range opts {
		opt(c)
	}

	arena := make([]Operation, len(ops))
	copy(arena, ops)
	for i := range arena {
		op := &arena[i]
		if op.Handler == nil {
			return fmt.Errorf("%w: operation %q has no handler", ErrInvalidRoute, op.Name)
		}
		op.Params = append([]Param(nil), op.Params...)
		op.Capabilities = append([]string(nil), op.Capabilities...)
		for _, p := range op.Params {
			if p.Name == "" || p.Type == nil {
				return fmt.Errorf("%w: operation %q has an unnamed or untyped parameter", ErrInvalidRoute, op.Name)
			}
		}
		if op.Body != nil && op.Body.Type == nil {
			return fmt.Errorf("%w: operation %q has an untyped body", ErrInvalidRoute, op.Name)
		}

		if name := strings.ToLower(op.Name); name != "" {
			if _, dup := c.ops[name]; dup {
				return fmt.Errorf("%w: %q in %s", ErrDuplicateOperation, op.Name, c.mount)
			}
			c.ops[name] = op
		}
		if op.Default {
			if c.defaultOp != nil {
				return fmt.Errorf("%w: second default %q in %s", ErrDuplicateOperation, op.Name, c.mount)
			}
			c.defaultOp = op
		}
	}

	s.logger.Debug("controller registered", "mount", c.mount, "operations", len(arena))
	return s.update(func(t *routeTable) error {
		t.controllers[c.mount] = c
		return nil
	})
}

// lookupOperation maps a normalized path to a controller operation. The
// mount path itself selects the default operation.
func (t *routeTable) lookupOperation(path string) (*controller, *Operation, bool) {
	if c, ok := t.controllers[path]; ok && c.defaultOp != nil {
		return c, c.defaultOp, true
	}
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return nil, nil, false
	}
	mount, name := path[:i], path[i+1:]
	if mount == "" {
		mount = "/"
	}
	c, ok := t.controllers[mount]
	if !ok {
		return nil, nil, false
	}
	if name == "" {
		return c, c.defaultOp, c.defaultOp != nil
	}
	op, ok := c.ops[name]
	return c, op, ok
}

// Call carries the bound arguments of one operation invocation.
type Call struct {
	Request   *Request
	Operation *Operation

	args map[string]any
	body any
}

// Arg returns the bound value of the named parameter, or nil.
func (c *Call) Arg(name string) any {
	return c.args[strings.ToLower(name)]
}

// String returns a string parameter, or "" when it is absent or not a string.
func (c *Call) String(name string) string {
	v, _ := c.Arg(name).(string)
	return v
}

// Int returns an int parameter, or 0 when it is absent or not an int.
func (c *Call) Int(name string) int {
	v, _ := c.Arg(name).(int)
	return v
}

// Body returns the decoded body parameter, or nil.
func (c *Call) Body() any {
	return c.body
}

// Identity returns the caller's identity, or nil.
func (c *Call) Identity() *auth.Identity {
	return c.Request.Identity
}

// DisableAutoClose hands the response over to the handler: the result is
// not written and the request stays open until Request.Close.
func (c *Call) DisableAutoClose() {
	c.Request.DisableAutoClose()
}

// Arg returns the named parameter as T, or T's zero value.
func Arg[T any](c *Call, name string) T {
	v, _ := c.Arg(name).(T)
	return v
}

// BodyAs returns the body parameter as T, or T's zero value.
func BodyAs[T any](c *Call) T {
	v, _ := c.body.(T)
	return v
}
