package server

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/vango-dev/webengine/pkg/auth"
)

// DefaultSyncPath is where RegisterSyncScript is usually mounted.
const DefaultSyncPath = "/sync.js"

// syncTemplate renders the Sync object. Every value it prints is either
// escaped with js or built from escaped parts by syncOperation.
var syncTemplate = template.Must(template.New("sync").Parse(`Sync = {
{{- range $i, $c := .}}{{if $i}},{{end}}
	"{{js $c.Name}}": {
{{- range $j, $op := $c.Operations}}{{if $j}},{{end}}
		"{{js $op.Name}}": function({{$op.Args}}) {
{{- if $op.Token}}
			if (!t) t = Sync.Token;
{{- end}}
{{- if $op.Body}}
			SyncPostJson({{$op.URL}}, JSON.stringify({{$op.Body}}), callback);
{{- else}}
			SyncGetJson({{$op.URL}}, callback);
{{- end}}
		}
{{- end}}
	}
{{- end}}
};
`))

const syncHelpers = `function SyncGetJson(url, callback) {
	var ajax = new XMLHttpRequest();
	ajax.onreadystatechange = function () {
		if (ajax.readyState == 4 && callback)
			callback(SyncParse(ajax.responseText), ajax.status);
	};
	ajax.open('GET', url, true);
	ajax.setRequestHeader('Accept', 'application/json');
	ajax.send();
}
function SyncPostJson(url, data, callback) {
	var ajax = new XMLHttpRequest();
	ajax.onreadystatechange = function () {
		if (ajax.readyState == 4 && callback)
			callback(SyncParse(ajax.responseText), ajax.status);
	};
	ajax.open('POST', url, true);
	ajax.setRequestHeader('Accept', 'application/json');
	ajax.setRequestHeader('Content-Type', 'application/json');
	ajax.send(data);
}
function SyncParse(text) {
	try {
		return JSON.parse(text);
	} catch (e) {
		return text;
	}
}
`

type syncController struct {
	Name       string
	Operations []syncOperation
}

type syncOperation struct {
	Name  string
	Args  string
	Body  string
	URL   string
	Token bool
}

// syncCache holds one generated Sync object per access key. Route changes
// bump gen, so builds that started against an older table are not stored.
type syncCache struct {
	mu      sync.RWMutex
	gen     uint64
	scripts map[string]string
	group   singleflight.Group
}

func (c *syncCache) get(key string, build func() (string, error)) (string, error) {
	c.mu.RLock()
	script, ok := c.scripts[key]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		return script, nil
	}

	v, err, _ := c.group.Do(strconv.FormatUint(gen, 10)+"/"+key, func() (any, error) {
		script, err := build()
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		if c.gen == gen {
			if c.scripts == nil {
				c.scripts = make(map[string]string)
			}
			c.scripts[key] = script
		}
		c.mu.Unlock()
		return script, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *syncCache) clear() {
	c.mu.Lock()
	c.gen++
	c.scripts = nil
	c.mu.Unlock()
}

func (c *syncCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.scripts)
}

// syncKey names the operation set visible to id: anonymous callers share
// one script, identities share one per level and capability set.
func syncKey(id *auth.Identity) string {
	if id == nil {
		return "anonymous"
	}
	caps := slices.Clone(id.Capabilities)
	slices.Sort(caps)
	return strconv.Itoa(id.Level) + "|" + strings.Join(slices.Compact(caps), ",")
}

// SyncScript returns the Sync object assignment for the operations id may
// call. A nil id sees only operations without auth requirements. Scripts
// are generated once per access key and cached until ClearSyncCache or the
// next registration change.
func (s *Server) SyncScript(id *auth.Identity) (string, error) {
	return s.scripts.get(syncKey(id), func() (string, error) {
		return s.buildSync(s.routes.Load(), id)
	})
}

// ClearSyncCache drops every generated script.
func (s *Server) ClearSyncCache() {
	s.scripts.clear()
}

func (s *Server) buildSync(t *routeTable, id *auth.Identity) (string, error) {
	mounts := make([]string, 0, len(t.controllers))
	for mount := range t.controllers {
		mounts = append(mounts, mount)
	}
	slices.Sort(mounts)

	var controllers []syncController
	used := make(map[string]bool)
	for _, mount := range mounts {
		c := t.controllers[mount]
		sc := syncController{Name: c.syncName}
		if sc.Name == "" {
			sc.Name = lastSegment(mount)
		}
		if used[sc.Name] {
			sc.Name = camelPath(mount)
		}

		names := make([]string, 0, len(c.ops))
		for name := range c.ops {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			op := c.ops[name]
			if op.NoSync || (op.requiresAuth() && !id.Satisfies(op.MinLevel, op.Capabilities)) {
				continue
			}
			sc.Operations = append(sc.Operations, s.syncOperation(c.mount, op))
		}
		if len(sc.Operations) == 0 {
			continue
		}
		used[sc.Name] = true
		controllers = append(controllers, sc)
	}

	var b strings.Builder
	if err := syncTemplate.Execute(&b, controllers); err != nil {
		return "", fmt.Errorf("server: render sync script: %w", err)
	}
	return b.String(), nil
}

// syncOperation builds the client stub of op. Arguments follow the query
// parameters, then the body, the callback and the optional token.
func (s *Server) syncOperation(mount string, op *Operation) syncOperation {
	path := strings.TrimRight(s.cfg.SyncBaseURL, "/") + strings.TrimRight(mount, "/") + "/" + strings.ToLower(op.Name)

	url := "'" + template.JSEscapeString(path) + "'"
	var args []string
	sep := "?"
	for _, p := range op.Params {
		arg := jsIdent(p.Name)
		args = append(args, arg)
		url += fmt.Sprintf(" + '%s%s=' + encodeURIComponent(%s)", sep, template.JSEscapeString(p.Name), arg)
		sep = "&"
	}

	so := syncOperation{Name: op.Name, Token: op.requiresAuth()}
	if op.Body != nil {
		so.Body = jsIdent(op.Body.Name)
		args = append(args, so.Body)
	}
	args = append(args, "callback")
	if so.Token {
		args = append(args, "t")
		url += fmt.Sprintf(" + '%stoken=' + encodeURIComponent(t)", sep)
	}
	so.Args = strings.Join(args, ", ")
	so.URL = url
	return so
}

// RegisterSyncScript serves the generated client at path. The script
// defines Sync with one function per visible operation plus the request
// helpers; with ?update=true it only reassigns Sync. Authenticated callers
// also get their token as Sync.Token.
func (s *Server) RegisterSyncScript(path string) error {
	return s.RegisterRoute(path, s.serveSync)
}

func (s *Server) serveSync(req *Request) {
	if req.Method() != http.MethodGet && req.Method() != http.MethodHead {
		req.SetHeader("Allow", "GET, HEAD")
		req.WriteStatus(http.StatusMethodNotAllowed, "")
		return
	}

	script, err := s.SyncScript(req.Identity)
	if err != nil {
		s.reportException("sync", err)
		req.WriteStatus(http.StatusInternalServerError, "")
		return
	}

	update, _ := req.Query("update")
	full := !isTrue(update)

	var b strings.Builder
	if full {
		b.WriteString("var ")
	}
	b.WriteString(script)
	if full {
		b.WriteString(syncHelpers)
	}
	if req.Identity != nil && req.Token != "" {
		b.WriteString("Sync.Token = '" + template.JSEscapeString(req.Token) + "';\n")
	}

	applyCache(req, NoCache())
	req.SetContentType("application/javascript; charset=utf-8")
	req.WriteHeader(http.StatusOK)
	if req.Method() == http.MethodGet {
		_, _ = req.WriteString(b.String())
	}
}

func isTrue(s string) bool {
	ok, _ := strconv.ParseBool(s)
	return ok
}

func lastSegment(mount string) string {
	if i := strings.LastIndexByte(mount, '/'); i >= 0 && i < len(mount)-1 {
		return mount[i+1:]
	}
	return "root"
}

// camelPath turns "/api/v2/notes" into "apiV2Notes".
func camelPath(mount string) string {
	var b strings.Builder
	for i, seg := range strings.FieldsFunc(mount, func(r rune) bool { return r == '/' }) {
		if i > 0 && seg != "" {
			seg = strings.ToUpper(seg[:1]) + seg[1:]
		}
		b.WriteString(seg)
	}
	if b.Len() == 0 {
		return "root"
	}
	return b.String()
}

// jsIdent maps a parameter name to a JavaScript identifier.
func jsIdent(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || r == '$' || unicode.IsLetter(r):
			b.WriteRune(r)
		case unicode.IsDigit(r):
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 || jsReserved[b.String()] {
		return "_" + b.String()
	}
	return b.String()
}

var jsReserved = map[string]bool{
	"break": true, "case": true, "catch": true, "class": true, "const": true, "continue": true,
	"debugger": true, "default": true, "delete": true, "do": true, "else": true, "export": true,
	"extends": true, "finally": true, "for": true, "function": true, "if": true, "import": true,
	"in": true, "instanceof": true, "new": true, "return": true, "super": true, "switch": true,
	"this": true, "throw": true, "try": true, "typeof": true, "var": true, "void": true,
	"while": true, "with": true, "yield": true, "let": true, "static": true, "enum": true,
	"await": true, "null": true, "true": true, "false": true,
	// names the generated functions use themselves
	"callback": true, "t": true,
}
