package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/vango-dev/webengine/pkg/codec"
	"github.com/vango-dev/webengine/pkg/multipart"
)

var (
	streamType  = reflect.TypeFor[*multipart.Stream]()
	messageType = reflect.TypeFor[*multipart.Message]()
	bytesType   = reflect.TypeFor[[]byte]()
	stringType  = reflect.TypeFor[string]()
)

// dispatch runs the controller stage. Unknown operations fall through.
func (s *Server) dispatch(t *routeTable, req *Request, path string) bool {
	if len(t.controllers) == 0 {
		return false
	}
	c, op, ok := t.lookupOperation(path)
	if !ok {
		return false
	}
	req.stage = stageController
	s.invoke(req, c, op)
	return true
}

// invoke authorizes, binds, runs and writes one operation. No error or
// panic escapes it.
func (s *Server) invoke(req *Request, c *controller, op *Operation) {
	respType := s.responseType(req, c, op)

	defer func() {
		if r := recover(); r != nil {
			err := recoveredError("operation "+c.mount+"/"+op.Name, r)
			s.writeError(req, respType, err)
		}
	}()

	if fn := s.hooks.onPreController; fn != nil {
		fn(req, op)
		if req.IsClosed() {
			return
		}
	}

	if op.requiresAuth() && !req.Identity.Satisfies(op.MinLevel, op.Capabilities) {
		s.writeError(req, respType, &ForbiddenError{Operation: op.Name, Level: op.MinLevel})
		return
	}

	applyCache(req, op.Cache)

	call, err := s.bind(req, op)
	if err != nil {
		s.writeError(req, respType, err)
		return
	}

	result, err := op.Handler(call)
	if req.AutoCloseDisabled() {
		if err != nil {
			s.reportException("controller", err)
		}
		return
	}
	if err != nil {
		s.writeError(req, respType, err)
		return
	}
	if err := s.writeResult(req, c, op, respType, result); err != nil {
		s.writeError(req, respType, err)
	}
}

// responseType picks the operation's type, then the controller's, then the
// Accept header's, then the server default.
func (s *Server) responseType(req *Request, c *controller, op *Operation) codec.BodyType {
	if op.ResponseType != codec.Undefined {
		return op.ResponseType
	}
	if c.responseType != codec.Undefined {
		return c.responseType
	}
	if t := codec.FromAccept(req.HTTP.Header.Get("Accept")); t != codec.Undefined {
		return t
	}
	return s.cfg.DefaultResponseType
}

func applyCache(req *Request, c Cache) {
	h := req.Header()
	switch {
	case c.Prevent:
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
	case c.MaxAge > 0:
		h.Set("Cache-Control", "max-age="+strconv.Itoa(int(c.MaxAge.Seconds())))
	}
}

func (s *Server) bind(req *Request, op *Operation) (*Call, error) {
	call := &Call{
		Request:   req,
		Operation: op,
		args:      make(map[string]any, len(op.Params)),
	}

	for _, p := range op.Params {
		key := strings.ToLower(p.Name)
		raw, ok := s.paramValue(req, op, p.Name)
		if !ok {
			if !p.Optional {
				return nil, NewClientError("missing parameter %q", p.Name)
			}
			call.args[key] = reflect.Zero(p.Type).Interface()
			continue
		}
		v, err := codec.ParseString(p.Type, raw)
		if err != nil {
			return nil, &ClientError{Message: fmt.Sprintf("invalid parameter %q", p.Name), Err: err}
		}
		call.args[key] = v.Interface()
	}

	if op.Body != nil {
		body, err := s.bindBody(req, op)
		if err != nil {
			return nil, err
		}
		call.body = body
	}
	return call, nil
}

// paramValue looks a parameter up in the query string and, for operations
// without a body parameter, in a form-encoded body.
func (s *Server) paramValue(req *Request, op *Operation, name string) (string, bool) {
	if v, ok := req.Query(name); ok {
		return v, true
	}
	if op.Body != nil || codec.FromMIME(req.HTTP.Header.Get("Content-Type")) != codec.Form {
		return "", false
	}
	if req.HTTP.PostForm == nil {
		data, err := req.Body()
		if err != nil {
			return "", false
		}
		req.HTTP.Body = io.NopCloser(bytes.NewReader(data))
		if err := req.HTTP.ParseForm(); err != nil {
			return "", false
		}
	}
	if v, ok := req.HTTP.PostForm[name]; ok && len(v) > 0 {
		return v[0], true
	}
	for k, v := range req.HTTP.PostForm {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0], true
		}
	}
	return "", false
}

func (s *Server) bindBody(req *Request, op *Operation) (any, error) {
	bp := op.Body

	if bp.Type == streamType {
		st, err := multipart.NewStream(req.BodyReader())
		if err != nil {
			return nil, &ClientError{Message: "invalid multipart body", Err: err}
		}
		return st, nil
	}

	data, err := req.Body()
	if err != nil {
		return nil, &ClientError{Message: "unreadable body", Err: err}
	}

	switch bp.Type {
	case messageType:
		msg := multipart.Parse(data)
		if msg == nil && !bp.Optional {
			return nil, &ClientError{Message: "invalid multipart body", Err: multipart.ErrNoBoundary}
		}
		return msg, nil
	case bytesType:
		return data, nil
	case stringType:
		return string(data), nil
	}

	if len(bytes.TrimSpace(data)) == 0 {
		if bp.Optional {
			return reflect.Zero(bp.Type).Interface(), nil
		}
		return nil, NewClientError("missing body %q", bp.Name)
	}

	t := s.requestType(req, op, data)
	target := reflect.New(bp.Type)
	if err := codec.Decode(data, target.Interface(), t); err != nil {
		return nil, &ClientError{Message: fmt.Sprintf("invalid %s body %q", t, bp.Name), Err: err}
	}
	return target.Elem().Interface(), nil
}

// requestType picks the operation's declared type, then Content-Type,
// then a guess from the payload, then the server default.
func (s *Server) requestType(req *Request, op *Operation, data []byte) codec.BodyType {
	t := op.RequestType
	if t == codec.Undefined {
		t = codec.FromMIME(req.HTTP.Header.Get("Content-Type"))
	}
	if t == codec.Undefined || t == codec.Raw || t == codec.Multipart {
		t = codec.Sniff(data)
	}
	if t == codec.Undefined {
		t = s.cfg.DefaultRequestType
	}
	return t
}

func (s *Server) writeResult(req *Request, c *controller, op *Operation, t codec.BodyType, result any) error {
	switch t {
	case codec.Template:
		if op.View == "" {
			return &InternalError{Message: fmt.Sprintf("operation %q has no view", op.Name)}
		}
		html, err := s.views.Render(op.View, result)
		if err != nil {
			return &InternalError{Message: "render " + op.View, Err: err}
		}
		return writeBody(req, http.StatusOK, codec.MIME(codec.Template), []byte(html))

	case codec.Raw:
		switch v := result.(type) {
		case io.Reader:
			req.SetContentType(codec.MIME(codec.Raw))
			_, err := io.Copy(req, v)
			return err
		case []byte:
			return writeBody(req, http.StatusOK, codec.MIME(codec.Raw), v)
		}
		data, err := codec.Encode(result, codec.Raw)
		if err != nil {
			return err
		}
		return writeBody(req, http.StatusOK, "text/plain; charset=utf-8", data)
	}

	if !t.Serializable() {
		t = s.cfg.DefaultResponseType
	}
	if !s.responseAllowed(t) {
		return &InternalError{Err: fmt.Errorf("%w: %s", ErrResponseTypeNotAllowed, t)}
	}

	var v any = result
	if c.envelope {
		v = &Envelope{Success: true, Result: result}
	}
	data, err := codec.Encode(v, t)
	if err != nil {
		return &InternalError{Message: "encode result", Err: err}
	}
	return writeBody(req, http.StatusOK, codec.MIME(t), data)
}

func (s *Server) responseAllowed(t codec.BodyType) bool {
	return len(s.cfg.AllowedResponseTypes) == 0 || slices.Contains(s.cfg.AllowedResponseTypes, t)
}

// writeError writes the failure envelope for err. Response types that are
// not serializable or not allowed fall back to the server default.
func (s *Server) writeError(req *Request, t codec.BodyType, err error) {
	env, status := errorEnvelope(err, s.cfg.Debug)
	if status == http.StatusInternalServerError {
		s.reportException("controller", err)
	} else {
		s.logger.Debug("operation failed", "request_id", req.ID, "path", req.HTTP.URL.Path, "error", err)
	}

	if req.HeaderWritten() {
		return
	}
	if !t.Serializable() || !s.responseAllowed(t) {
		t = s.cfg.DefaultResponseType
	}
	data, encErr := codec.Encode(env, t)
	if encErr != nil {
		t = codec.JSON
		data, _ = codec.Encode(env, t)
	}
	_ = writeBody(req, status, codec.MIME(t), data)
}

func writeBody(req *Request, status int, contentType string, data []byte) error {
	if req.IsClosed() {
		return ErrRequestClosed
	}
	req.SetContentType(contentType)
	req.WriteHeader(status)
	_, err := req.Write(data)
	if errors.Is(err, ErrRequestClosed) {
		return nil
	}
	return err
}
