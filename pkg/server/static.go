package server

import (
	"bytes"
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
)

// serveFile answers GET and HEAD requests for registered files from the
// file cache.
func (s *Server) serveFile(t *routeTable, req *Request, path string) bool {
	filePath, ok := t.files[path]
	if !ok {
		return false
	}
	if req.HTTP.Method != http.MethodGet && req.HTTP.Method != http.MethodHead {
		req.SetHeader("Allow", "GET, HEAD")
		req.WriteStatus(http.StatusMethodNotAllowed, "")
		return true
	}

	data, err := s.files.LoadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			req.WriteStatus(http.StatusNotFound, "")
			return true
		}
		s.reportException("static", err)
		req.WriteStatus(http.StatusInternalServerError, "")
		return true
	}

	s.applyStaticCache(req, filePath)
	modTime, _ := s.files.ModTime(filePath)
	http.ServeContent(req, req.HTTP, filepath.Base(filePath), modTime, bytes.NewReader(data))
	return true
}

// applyStaticCache sets Cache-Control for a static file: nothing is cached
// in debug mode, fingerprinted names are immutable for a year, and other
// files are revalidated after StaticMaxAge.
func (s *Server) applyStaticCache(req *Request, filePath string) {
	switch {
	case s.cfg.Debug:
		req.SetHeader("Cache-Control", "no-store, no-cache, must-revalidate")
	case isFingerprinted(filePath):
		req.SetHeader("Cache-Control", "public, max-age=31536000, immutable")
	case s.cfg.StaticMaxAge > 0:
		req.SetHeader("Cache-Control", "public, max-age="+strconv.Itoa(int(s.cfg.StaticMaxAge.Seconds()))+", must-revalidate")
	default:
		req.SetHeader("Cache-Control", "no-cache")
	}
}

// isFingerprinted reports whether a file name carries a content hash of at
// least 8 hex digits before its extension, as in app.3f9a1c2d.js.
func isFingerprinted(filePath string) bool {
	parts := strings.Split(filepath.Base(filePath), ".")
	if len(parts) < 3 {
		return false
	}
	hash := parts[len(parts)-2]
	if len(hash) < 8 {
		return false
	}
	for _, c := range hash {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
