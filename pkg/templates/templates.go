// Package templates renders html/template views registered under explicit
// names. File-backed views are re-parsed when the file's modification time
// moves forward.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"sync"
	"time"

	"github.com/vango-dev/webengine/pkg/filecache"
	"golang.org/x/sync/singleflight"
)

// ErrViewNotFound is returned when rendering an unregistered view.
var ErrViewNotFound = errors.New("templates: view not found")

type view struct {
	tmpl    *template.Template
	path    string
	modTime time.Time
}

// Cache holds parsed views keyed by name.
type Cache struct {
	files *filecache.Cache
	funcs template.FuncMap

	mu    sync.RWMutex
	views map[string]*view
	group singleflight.Group
}

// New returns an empty cache reading view files through files.
// A nil files uses a cache that checks modification times every minute.
func New(files *filecache.Cache) *Cache {
	if files == nil {
		files = filecache.New(filecache.DefaultCheckInterval)
	}
	return &Cache{
		files: files,
		views: make(map[string]*view),
	}
}

// Funcs sets the function map used for views parsed after the call.
func (c *Cache) Funcs(funcs template.FuncMap) {
	c.mu.Lock()
	c.funcs = funcs
	c.mu.Unlock()
}

// Add parses text and registers it as name.
func (c *Cache) Add(name, text string) error {
	tmpl, err := c.parse(name, text)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.views[name] = &view{tmpl: tmpl}
	c.mu.Unlock()
	return nil
}

// AddFile parses the file at path and registers it as name.
func (c *Cache) AddFile(name, path string) error {
	v, err := c.load(name, path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.views[name] = v
	c.mu.Unlock()
	return nil
}

// Render executes the named view with model.
func (c *Cache) Render(name string, model any) (string, error) {
	v, err := c.current(name)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := v.tmpl.Execute(&buf, model); err != nil {
		return "", fmt.Errorf("templates: render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Contains reports whether name is registered.
func (c *Cache) Contains(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.views[name]
	return ok
}

// Remove unregisters one view.
func (c *Cache) Remove(name string) {
	c.mu.Lock()
	delete(c.views, name)
	c.mu.Unlock()
}

// Clear unregisters every view.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.views = make(map[string]*view)
	c.mu.Unlock()
}

// current returns the view for name, re-parsing file views that changed.
func (c *Cache) current(name string) (*view, error) {
	c.mu.RLock()
	v, ok := c.views[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrViewNotFound, name)
	}
	if v.path == "" {
		return v, nil
	}

	if _, err := c.files.LoadFile(v.path); err != nil {
		return nil, err
	}
	if mod, ok := c.files.ModTime(v.path); !ok || !mod.After(v.modTime) {
		return v, nil
	}

	fresh, err, _ := c.group.Do(name, func() (any, error) {
		nv, err := c.load(name, v.path)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.views[name] = nv
		c.mu.Unlock()
		return nv, nil
	})
	if err != nil {
		return nil, err
	}
	return fresh.(*view), nil
}

func (c *Cache) load(name, path string) (*view, error) {
	data, err := c.files.LoadFile(path)
	if err != nil {
		return nil, err
	}
	mod, _ := c.files.ModTime(path)
	tmpl, err := c.parse(name, string(data))
	if err != nil {
		return nil, err
	}
	return &view{tmpl: tmpl, path: path, modTime: mod}, nil
}

func (c *Cache) parse(name, text string) (*template.Template, error) {
	c.mu.RLock()
	funcs := c.funcs
	c.mu.RUnlock()

	t := template.New(name)
	if funcs != nil {
		t = t.Funcs(funcs)
	}
	tmpl, err := t.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("templates: parse %s: %w", name, err)
	}
	return tmpl, nil
}
