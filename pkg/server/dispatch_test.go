package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/vango-dev/webengine/pkg/auth"
	"github.com/vango-dev/webengine/pkg/codec"
	"github.com/vango-dev/webengine/pkg/multipart"
)

type user struct {
	Name string `json:"name" xml:"name"`
	Age  int    `json:"age" xml:"age"`
}

type envelopeJSON struct {
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	Exception *Exception      `json:"exception"`
}

func decodeEnvelope(t *testing.T, body string) envelopeJSON {
	t.Helper()
	var env envelopeJSON
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		t.Fatalf("decode envelope %q: %v", body, err)
	}
	return env
}

func userOps() []Operation {
	return []Operation{
		{
			Name:    "get",
			Default: true,
			Params:  []Param{ParamOf[string]("name"), OptionalParam[int]("age")},
			Handler: func(c *Call) (any, error) {
				return user{Name: c.String("name"), Age: Arg[int](c, "age")}, nil
			},
		},
		{
			Name: "create",
			Body: BodyOf[user]("user"),
			Handler: func(c *Call) (any, error) {
				u := BodyAs[user](c)
				u.Age++
				return u, nil
			},
		},
		{
			Name: "fail",
			Handler: func(c *Call) (any, error) {
				return nil, NewNotFoundError("user")
			},
		},
		{
			Name:    "panic",
			Handler: func(c *Call) (any, error) { panic("kaboom") },
		},
	}
}

func TestDispatchBindsParams(t *testing.T) {
	s := newTestServer(t)
	if err := s.RegisterController("/users", userOps()); err != nil {
		t.Fatal(err)
	}

	rr := do(t, s, http.MethodGet, "/users/GET?name=ann&age=7", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var u user
	if err := json.Unmarshal(rr.Body.Bytes(), &u); err != nil || u != (user{"ann", 7}) {
		t.Fatalf("result = %+v, %v", u, err)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestDispatchOptionalParamZeroValue(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/users", userOps())

	rr := do(t, s, http.MethodGet, "/users/get?name=bob", nil)
	var u user
	_ = json.Unmarshal(rr.Body.Bytes(), &u)
	if u.Age != 0 || u.Name != "bob" {
		t.Fatalf("result = %+v", u)
	}
}

func TestDispatchDefaultOperation(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/users", userOps())

	for _, p := range []string{"/users?name=x", "/users/?name=x"} {
		rr := do(t, s, http.MethodGet, p, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: status = %d", p, rr.Code)
		}
	}
}

func TestDispatchUnknownOperationFallsThrough(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/users", userOps())
	if rr := do(t, s, http.MethodGet, "/users/delete", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestDispatchMissingParam(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/users", userOps(), WithEnvelope())

	rr := do(t, s, http.MethodGet, "/users/get", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	env := decodeEnvelope(t, rr.Body.String())
	if env.Success || env.Exception == nil || env.Exception.Type != TypeClientError {
		t.Fatalf("envelope = %+v", env)
	}
	if !strings.Contains(env.Exception.Message, "name") {
		t.Errorf("message = %q, want the parameter name", env.Exception.Message)
	}
}

func TestDispatchInvalidParam(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/users", userOps())
	rr := do(t, s, http.MethodGet, "/users/get?name=a&age=old", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestDispatchEnvelope(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/users", userOps(), WithEnvelope())

	rr := do(t, s, http.MethodGet, "/users/get?name=ann", nil)
	env := decodeEnvelope(t, rr.Body.String())
	if !env.Success || env.Exception != nil {
		t.Fatalf("envelope = %+v", env)
	}
	var u user
	if err := json.Unmarshal(env.Result, &u); err != nil || u.Name != "ann" {
		t.Fatalf("result = %s", env.Result)
	}

	rr = do(t, s, http.MethodGet, "/users/fail", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	env = decodeEnvelope(t, rr.Body.String())
	if env.Success || env.Exception.Type != TypeNotFoundError || env.Exception.StackTrace != "" {
		t.Fatalf("error envelope = %+v", env.Exception)
	}
}

func TestDispatchErrorsAlwaysEnveloped(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/users", userOps())
	env := decodeEnvelope(t, do(t, s, http.MethodGet, "/users/fail", nil).Body.String())
	if env.Success || env.Exception == nil {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestDispatchPanicIsInternalError(t *testing.T) {
	s := newTestServer(t, func(c *ServerConfig) { c.Debug = true })
	_ = s.RegisterController("/users", userOps())

	var reported error
	s.OnException(func(_ string, err error) { reported = err })

	rr := do(t, s, http.MethodGet, "/users/panic", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	env := decodeEnvelope(t, rr.Body.String())
	if env.Exception.Type != TypeInternalError || !strings.Contains(env.Exception.Message, "kaboom") {
		t.Fatalf("exception = %+v", env.Exception)
	}
	if env.Exception.StackTrace == "" {
		t.Error("debug mode should include a stack trace")
	}
	var ie *InternalError
	if !errors.As(reported, &ie) {
		t.Fatalf("OnException error = %v, want *InternalError", reported)
	}
}

func TestDispatchAcceptNegotiation(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/users", userOps())

	rr := do(t, s, http.MethodGet, "/users/get?name=ann", nil, "Accept", "text/html, application/xml;q=0.9")
	if ct := rr.Header().Get("Content-Type"); ct != "application/xml" {
		t.Fatalf("Content-Type = %q, want application/xml", ct)
	}
	if !strings.Contains(rr.Body.String(), "<name>ann</name>") {
		t.Fatalf("body = %s", rr.Body.String())
	}

	rr = do(t, s, http.MethodGet, "/users/get?name=ann", nil, "Accept", "image/png")
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unrecognized Accept: Content-Type = %q, want application/json", ct)
	}
}

func TestDispatchBodyNegotiation(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/users", userOps())

	tests := []struct {
		name        string
		body        string
		contentType string
	}{
		{"sniffed json", `{"name":"ann","age":1}`, ""},
		{"sniffed xml", `<user><name>ann</name><age>1</age></user>`, ""},
		{"sniffed form", `name=ann&age=1`, ""},
		{"declared json", `{"name":"ann","age":1}`, "application/json; charset=utf-8"},
		{"declared form", `name=ann&age=1`, "application/x-www-form-urlencoded"},
		{"text/plain json", `{"name":"ann","age":1}`, "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var header []string
			if tt.contentType != "" {
				header = []string{"Content-Type", tt.contentType}
			}
			rr := do(t, s, http.MethodPost, "/users/create", strings.NewReader(tt.body), header...)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
			}
			var u user
			if err := json.Unmarshal(rr.Body.Bytes(), &u); err != nil || u != (user{"ann", 2}) {
				t.Fatalf("result = %+v, %v", u, err)
			}
		})
	}

	rr := do(t, s, http.MethodPost, "/users/create", strings.NewReader("  "))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty body status = %d, want 400", rr.Code)
	}
	rr = do(t, s, http.MethodPost, "/users/create", strings.NewReader(`{"name":`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", rr.Code)
	}
}

func TestDispatchFormParams(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/users", userOps())
	rr := do(t, s, http.MethodPost, "/users/get", strings.NewReader("NAME=zed&age=3"),
		"Content-Type", "application/x-www-form-urlencoded")
	var u user
	if err := json.Unmarshal(rr.Body.Bytes(), &u); err != nil || u != (user{"zed", 3}) {
		t.Fatalf("result = %+v, %v (%s)", u, err, rr.Body.String())
	}
}

func TestDispatchCacheHeaders(t *testing.T) {
	s := newTestServer(t)
	ok := func(c *Call) (any, error) { return "ok", nil }
	_ = s.RegisterController("/c", []Operation{
		{Name: "cached", Cache: CacheFor(90 * time.Second), Handler: ok},
		{Name: "fresh", Cache: NoCache(), Handler: ok},
		{Name: "plain", Handler: ok},
	})

	rr := do(t, s, http.MethodGet, "/c/cached", nil)
	if got := rr.Header().Get("Cache-Control"); got != "max-age=90" {
		t.Errorf("cached Cache-Control = %q", got)
	}

	rr = do(t, s, http.MethodGet, "/c/fresh", nil)
	h := rr.Header()
	if h.Get("Cache-Control") != "no-cache, no-store, must-revalidate" || h.Get("Pragma") != "no-cache" || h.Get("Expires") != "0" {
		t.Errorf("no-cache headers = %v", h)
	}

	rr = do(t, s, http.MethodGet, "/c/plain", nil)
	if got := rr.Header().Get("Cache-Control"); got != "" {
		t.Errorf("plain Cache-Control = %q, want none", got)
	}
}

func TestDispatchAuthorizationLevels(t *testing.T) {
	creds := auth.NewMemoryCredentials()
	_ = creds.Add("low", "pw", 1)
	_ = creds.Add("high", "pw", 5, "reports")
	svc := auth.NewService(creds, auth.NewMemoryTokens(time.Hour))

	s := newTestServer(t, func(c *ServerConfig) { c.Authenticator = svc })
	_ = s.RegisterController("/admin", []Operation{
		{Name: "stats", MinLevel: 3, Handler: func(c *Call) (any, error) { return c.Identity().Subject, nil }},
		{Name: "reports", Capabilities: []string{"reports"}, Handler: func(c *Call) (any, error) { return "r", nil }},
	})

	ctx := context.Background()
	lowToken, _, err := svc.Login(ctx, "low", "pw")
	if err != nil {
		t.Fatal(err)
	}
	highToken, _, err := svc.Login(ctx, "high", "pw")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{"no token", "/admin/stats", nil, http.StatusForbidden},
		{"unknown token", "/admin/stats", []string{"Authorization", "Bearer nope"}, http.StatusForbidden},
		{"level below", "/admin/stats", []string{"Authorization", "Bearer " + lowToken}, http.StatusForbidden},
		{"level above", "/admin/stats", []string{"Authorization", "Bearer " + highToken}, http.StatusOK},
		{"query token", "/admin/stats?token=" + highToken, nil, http.StatusOK},
		{"cookie token", "/admin/stats", []string{"Cookie", "token=" + highToken}, http.StatusOK},
		{"capability missing", "/admin/reports", []string{"Authorization", "Bearer " + lowToken}, http.StatusForbidden},
		{"capability held", "/admin/reports", []string{"Authorization", "Bearer " + highToken}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, s, http.MethodGet, tt.path, nil, tt.header...)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
			if tt.want == http.StatusForbidden {
				env := decodeEnvelope(t, rr.Body.String())
				if env.Exception == nil || env.Exception.Type != TypeForbiddenError {
					t.Fatalf("exception = %+v", env.Exception)
				}
			}
		})
	}
}

func TestDispatchIdentityFromMiddleware(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/m", []Operation{
		{Name: "who", RequireAuth: true, Handler: func(c *Call) (any, error) { return c.Identity().Subject, nil }},
	})

	req := httptestRequest(http.MethodGet, "/m/who")
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{Subject: "proxy"}))
	rr := serve(s, req)
	if rr.Body.String() != `"proxy"` {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestDispatchPreControllerHook(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/users", userOps())

	var seen string
	s.OnPreController(func(r *Request, op *Operation) {
		seen = op.Name
		if op.Name == "get" {
			r.WriteStatus(http.StatusTooManyRequests, "")
		}
	})
	rr := do(t, s, http.MethodGet, "/users/get?name=a", nil)
	if rr.Code != http.StatusTooManyRequests || seen != "get" {
		t.Fatalf("status = %d, hook saw %q", rr.Code, seen)
	}
}

func TestDispatchTemplateAndRaw(t *testing.T) {
	s := newTestServer(t)
	if err := s.Views().Add("card", "<b>{{.Name}}</b>"); err != nil {
		t.Fatal(err)
	}
	_ = s.RegisterController("/r", []Operation{
		{Name: "card", ResponseType: codec.Template, View: "card", Handler: func(c *Call) (any, error) { return user{Name: "<x>"}, nil }},
		{Name: "bytes", ResponseType: codec.Raw, Handler: func(c *Call) (any, error) { return []byte{1, 2}, nil }},
		{Name: "text", ResponseType: codec.Raw, Handler: func(c *Call) (any, error) { return "hi", nil }},
		{Name: "broken", ResponseType: codec.Raw, Handler: func(c *Call) (any, error) { return nil, errors.New("nope") }},
	})

	rr := do(t, s, http.MethodGet, "/r/card", nil)
	if rr.Body.String() != "<b>&lt;x&gt;</b>" || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("card = %q (%s)", rr.Body.String(), rr.Header().Get("Content-Type"))
	}

	rr = do(t, s, http.MethodGet, "/r/bytes", nil)
	if rr.Header().Get("Content-Type") != "application/octet-stream" || rr.Body.Len() != 2 {
		t.Fatalf("bytes = %v (%s)", rr.Body.Bytes(), rr.Header().Get("Content-Type"))
	}

	rr = do(t, s, http.MethodGet, "/r/text", nil)
	if rr.Body.String() != "hi" || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("text = %q (%s)", rr.Body.String(), rr.Header().Get("Content-Type"))
	}

	rr = do(t, s, http.MethodGet, "/r/broken", nil)
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("raw error Content-Type = %q, want the default type", rr.Header().Get("Content-Type"))
	}
	if env := decodeEnvelope(t, rr.Body.String()); env.Exception == nil || env.Exception.Type != TypeInternalError {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestDispatchAllowedResponseTypes(t *testing.T) {
	s := newTestServer(t, func(c *ServerConfig) { c.AllowedResponseTypes = []codec.BodyType{codec.JSON} })
	_ = s.RegisterController("/users", userOps())
	rr := do(t, s, http.MethodGet, "/users/get?name=a", nil, "Accept", "application/xml")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("error Content-Type = %q, want the allowed default", ct)
	}
	env := decodeEnvelope(t, rr.Body.String())
	if env.Success || env.Exception == nil || !strings.Contains(env.Exception.Message, "not allowed") {
		t.Fatalf("envelope = %+v", env)
	}

	rr = do(t, s, http.MethodGet, "/users/get?name=a", nil, "Accept", "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("allowed type status = %d, want 200", rr.Code)
	}
}

func TestDispatchMultipartBodies(t *testing.T) {
	s := newTestServer(t)
	body := "--XYZ\r\n" +
		`Content-Disposition: form-data; name="text"` + "\r\n\r\n" +
		"hello\r\n" +
		"--XYZ\r\n" +
		`Content-Disposition: form-data; name="file"; filename="f.bin"` + "\r\n" +
		"Content-Type: application/octet-stream\r\n\r\n" +
		"0123456789\r\n" +
		"--XYZ--\r\n"

	_ = s.RegisterController("/up", []Operation{
		{
			Name: "buffered",
			Body: BodyOf[*multipart.Message]("form"),
			Handler: func(c *Call) (any, error) {
				msg := BodyAs[*multipart.Message](c)
				return map[string]any{"text": msg.Value("text"), "files": len(msg.Files())}, nil
			},
		},
		{
			Name: "streamed",
			Body: BodyOf[*multipart.Stream]("form"),
			Handler: func(c *Call) (any, error) {
				st := BodyAs[*multipart.Stream](c)
				var streamed int
				sections := st.ReadAllSections(func(_ *multipart.Section, _ []byte, n int) error {
					streamed += n
					return nil
				})
				return map[string]any{"sections": len(sections), "streamed": streamed}, st.Err()
			},
		},
	})

	rr := do(t, s, http.MethodPost, "/up/buffered", strings.NewReader(body))
	if rr.Body.String() != `{"files":1,"text":"hello"}` {
		t.Fatalf("buffered = %s", rr.Body.String())
	}
	rr = do(t, s, http.MethodPost, "/up/streamed", strings.NewReader(body))
	if rr.Body.String() != `{"sections":2,"streamed":10}` {
		t.Fatalf("streamed = %s", rr.Body.String())
	}
	rr = do(t, s, http.MethodPost, "/up/buffered", strings.NewReader("no boundary"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed status = %d, want 400", rr.Code)
	}
}

func TestDispatchDisableAutoClose(t *testing.T) {
	s := newTestServer(t)
	_ = s.RegisterController("/async", []Operation{{
		Name: "later",
		Handler: func(c *Call) (any, error) {
			c.DisableAutoClose()
			req := c.Request
			go func() {
				time.Sleep(10 * time.Millisecond)
				_, _ = io.WriteString(req, "done later")
				req.Close()
			}()
			return "ignored", nil
		},
	}})

	rr := do(t, s, http.MethodGet, "/async/later", nil)
	if rr.Body.String() != "done later" {
		t.Fatalf("body = %q, want the handler's own response", rr.Body.String())
	}
}

func TestRegisterControllerRejectsDuplicates(t *testing.T) {
	s := newTestServer(t)
	ok := func(c *Call) (any, error) { return nil, nil }
	err := s.RegisterController("/d", []Operation{{Name: "A", Handler: ok}, {Name: "a", Handler: ok}})
	if !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("error = %v, want %v", err, ErrDuplicateOperation)
	}
	err = s.RegisterController("/d", []Operation{{Name: "x", Default: true, Handler: ok}, {Name: "y", Default: true, Handler: ok}})
	if !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("two defaults error = %v, want %v", err, ErrDuplicateOperation)
	}
	if err := s.RegisterController("/d", []Operation{{Name: "x"}}); !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("nil handler error = %v, want %v", err, ErrInvalidRoute)
	}
}

func TestRegisterControllerCopiesDescriptors(t *testing.T) {
	s := newTestServer(t)
	ops := []Operation{{Name: "v", Handler: func(c *Call) (any, error) { return "one", nil }}}
	_ = s.RegisterController("/v", ops)
	ops[0].Handler = func(c *Call) (any, error) { return "two", nil }

	if rr := do(t, s, http.MethodGet, "/v/v", nil); rr.Body.String() != `"one"` {
		t.Fatalf("body = %q, registered descriptor was mutated", rr.Body.String())
	}
}
