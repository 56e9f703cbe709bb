// Package filecache keeps file contents in memory and reloads them only when
// the file on disk has changed.
package filecache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCheckInterval is how long a cached file is served before its
// modification time is checked again.
const DefaultCheckInterval = time.Minute

// ErrIsDirectory is returned when LoadFile is given a directory.
var ErrIsDirectory = errors.New("filecache: path is a directory")

type entry struct {
	data    []byte
	modTime time.Time
	checked time.Time
}

// Cache is a read-mostly cache of file contents keyed by path.
type Cache struct {
	// CheckInterval is how long an entry is trusted without a stat call.
	// Zero checks on every load.
	CheckInterval time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
}

// New returns a cache that re-checks files after interval.
func New(interval time.Duration) *Cache {
	return &Cache{
		CheckInterval: interval,
		entries:       make(map[string]*entry),
		now:           time.Now,
		logger:        slog.Default().With("component", "filecache"),
	}
}

// LoadFile returns the contents of path, reading the file when it is not
// cached, or when the check interval elapsed and its modification time moved
// forward. Concurrent refreshes of the same path share one read.
func (c *Cache) LoadFile(path string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.checked) < c.CheckInterval {
		return e.data, nil
	}

	v, err, _ := c.group.Do(path, func() (any, error) {
		return c.refresh(path, e)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) refresh(path string, cached *entry) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.Remove(path)
		}
		return nil, fmt.Errorf("filecache: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}

	now := c.now()
	if cached != nil && !info.ModTime().After(cached.modTime) {
		c.mu.Lock()
		c.entries[path] = &entry{data: cached.data, modTime: cached.modTime, checked: now}
		c.mu.Unlock()
		return cached.data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filecache: %w", err)
	}
	c.mu.Lock()
	c.entries[path] = &entry{data: data, modTime: info.ModTime(), checked: now}
	c.mu.Unlock()

	if cached != nil {
		c.logger.Debug("file reloaded", "path", path, "size", len(data))
	}
	return data, nil
}

// ModTime returns the modification time recorded for a cached path.
func (c *Cache) ModTime(path string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	if !ok {
		return time.Time{}, false
	}
	return e.modTime, true
}

// Remove drops one path from the cache.
func (c *Cache) Remove(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// Clear drops every cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Len returns the number of cached files.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
