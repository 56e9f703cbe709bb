package server

import (
	"fmt"
	"io/fs"
	"maps"
	"net"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// HandlerFunc handles a routed request. The worker closes the request when
// the handler returns unless DisableAutoClose was called.
type HandlerFunc func(*Request)

// Predicate decides whether a conditional route or passthrough applies.
type Predicate func(*Request) bool

type conditionalRoute struct {
	match  Predicate
	handle HandlerFunc
}

type passthrough struct {
	match  Predicate
	target *Server
}

// routeTable is an immutable snapshot of every registration. Writers clone
// it under Server.regMu and publish the clone; readers never lock.
type routeTable struct {
	passthroughs []passthrough
	conditional  []conditionalRoute
	exact        map[string]HandlerFunc
	controllers  map[string]*controller
	files        map[string]string
	sockets      map[string]*socketMount
}

func newRouteTable() *routeTable {
	return &routeTable{
		exact:       make(map[string]HandlerFunc),
		controllers: make(map[string]*controller),
		files:       make(map[string]string),
		sockets:     make(map[string]*socketMount),
	}
}

func (t *routeTable) clone() *routeTable {
	return &routeTable{
		passthroughs: slices.Clone(t.passthroughs),
		conditional:  slices.Clone(t.conditional),
		exact:        maps.Clone(t.exact),
		controllers:  maps.Clone(t.controllers),
		files:        maps.Clone(t.files),
		sockets:      maps.Clone(t.sockets),
	}
}

// normalizePath lower-cases p and gives it a leading slash and no
// trailing slash.
func normalizePath(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// update publishes a modified copy of the route table.
func (s *Server) update(fn func(t *routeTable) error) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	next := s.routes.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	s.routes.Store(next)
	s.scripts.clear()
	return nil
}

// RegisterRoute binds handler to an exact path. Matching ignores case and
// trailing slashes.
func (s *Server) RegisterRoute(path string, handler HandlerFunc) error {
	if strings.TrimSpace(path) == "" || handler == nil {
		return fmt.Errorf("%w: route %q", ErrInvalidRoute, path)
	}
	key := normalizePath(path)
	return s.update(func(t *routeTable) error {
		t.exact[key] = handler
		return nil
	})
}

// RegisterConditionalRoute adds a predicate route. Conditional routes are
// tried in registration order before exact routes; the first predicate
// that matches wins.
func (s *Server) RegisterConditionalRoute(match Predicate, handler HandlerFunc) error {
	if match == nil || handler == nil {
		return fmt.Errorf("%w: conditional route needs a predicate and a handler", ErrInvalidRoute)
	}
	return s.update(func(t *routeTable) error {
		t.conditional = append(t.conditional, conditionalRoute{match: match, handle: handler})
		return nil
	})
}

// RegisterPassthrough delegates every request matching match to target's
// pipeline before any local stage runs.
func (s *Server) RegisterPassthrough(match Predicate, target *Server) error {
	if match == nil || target == nil || target == s {
		return fmt.Errorf("%w: passthrough needs a predicate and another server", ErrInvalidRoute)
	}
	return s.update(func(t *routeTable) error {
		t.passthroughs = append(t.passthroughs, passthrough{match: match, target: target})
		return nil
	})
}

// RegisterHost delegates requests whose Host matches one of hosts to target.
// Ports are ignored and hosts compare case-insensitively.
func (s *Server) RegisterHost(target *Server, hosts ...string) error {
	if len(hosts) == 0 {
		return fmt.Errorf("%w: no hosts given", ErrInvalidRoute)
	}
	want := make([]string, 0, len(hosts))
	for _, h := range hosts {
		want = append(want, strings.ToLower(stripPort(h)))
	}
	return s.RegisterPassthrough(func(r *Request) bool {
		return slices.Contains(want, strings.ToLower(stripPort(r.HTTP.Host)))
	}, target)
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// RegisterFile serves the file at filePath under urlPath. Contents are
// cached and reloaded when the file changes.
func (s *Server) RegisterFile(urlPath, filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("server: register file %s: %w", filePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidRoute, filePath)
	}
	key := normalizePath(urlPath)
	return s.update(func(t *routeTable) error {
		t.files[key] = filePath
		return nil
	})
}

// RegisterDirectory walks dir and serves every file under urlPath with the
// same relative path. An index.html also answers for its directory, and
// .tmpl files are added to the view cache under their relative path
// without the extension instead of being served.
func (s *Server) RegisterDirectory(urlPath, dir string) error {
	files := make(map[string]string)
	var views [][2]string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.EqualFold(path.Ext(rel), ".tmpl") {
			views = append(views, [2]string{strings.TrimSuffix(rel, path.Ext(rel)), p})
			return nil
		}
		key := normalizePath(path.Join(urlPath, rel))
		files[key] = p
		if strings.EqualFold(path.Base(rel), "index.html") {
			files[normalizePath(path.Join(urlPath, path.Dir(rel)))] = p
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("server: register directory %s: %w", dir, err)
	}
	for _, v := range views {
		if err := s.views.AddFile(v[0], v[1]); err != nil {
			return fmt.Errorf("server: register view %s: %w", v[1], err)
		}
	}
	s.logger.Debug("directory registered", "url", urlPath, "dir", dir, "files", len(files), "views", len(views))
	return s.update(func(t *routeTable) error {
		maps.Copy(t.files, files)
		return nil
	})
}

// ClearRoutes removes every registration. Requests in flight keep the
// snapshot they started with.
func (s *Server) ClearRoutes() {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.routes.Store(newRouteTable())
	s.scripts.clear()
}
