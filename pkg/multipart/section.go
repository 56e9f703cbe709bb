package multipart

import (
	"bytes"
	"strings"
)

var (
	crlf       = []byte("\r\n")
	headerTerm = []byte("\r\n\r\n")
)

// Section is one named part of a multipart body.
type Section struct {
	Name        string
	Filename    string
	ContentType string

	// Data holds the payload of buffered sections. It is nil for streamed
	// sections, whose payload went to the sink.
	Data []byte

	// Size is the payload length in bytes, for buffered and streamed sections alike.
	Size int64

	// Streamed reports that the payload was delivered through a SinkFunc.
	Streamed bool
}

// IsFile reports whether the section carries file content.
// File sections are the ones a Stream delivers through the sink.
func (s *Section) IsFile() bool {
	return s.Filename != "" || s.ContentType != ""
}

// Value returns the buffered payload as a string.
func (s *Section) Value() string {
	return string(s.Data)
}

// Message is the ordered list of sections of a buffered parse.
type Message struct {
	Sections []*Section
}

// Get returns the first section with the given name, or nil.
func (m *Message) Get(name string) *Section {
	for _, s := range m.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Value returns the payload of the named section, or "" if absent.
func (m *Message) Value(name string) string {
	if s := m.Get(name); s != nil {
		return s.Value()
	}
	return ""
}

// Files returns the sections that carry file content.
func (m *Message) Files() []*Section {
	var files []*Section
	for _, s := range m.Sections {
		if s.IsFile() {
			files = append(files, s)
		}
	}
	return files
}

// parseHeader extracts the disposition and content type fields of a header block.
func parseHeader(header string) *Section {
	return &Section{
		Name:        quotedField(header, "name"),
		Filename:    quotedField(header, "filename"),
		ContentType: lineField(header, "Content-Type:"),
	}
}

// quotedField returns the value of key="value", ignoring matches where key
// is the tail of a longer token (name inside filename).
func quotedField(header, key string) string {
	pattern := key + `="`
	from := 0
	for {
		i := strings.Index(header[from:], pattern)
		if i < 0 {
			return ""
		}
		i += from
		if i > 0 && isTokenByte(header[i-1]) {
			from = i + len(pattern)
			continue
		}
		rest := header[i+len(pattern):]
		end := strings.IndexByte(rest, '"')
		if end < 0 {
			return ""
		}
		return strings.TrimSpace(rest[:end])
	}
}

// lineField returns the trimmed remainder of the line that starts with prefix.
func lineField(header, prefix string) string {
	for _, line := range strings.Split(header, "\r\n") {
		if len(line) >= len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	return ""
}

func isTokenByte(c byte) bool {
	return c == '-' || c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// isTerminal reports whether header text is the closing "--" marker.
func isTerminal(header []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(header, "\r\n"), []byte("--"))
}
