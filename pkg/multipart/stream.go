package multipart

import (
	"errors"
	"fmt"
	"io"
)

// ChunkSize is the size of the chunks handed to a SinkFunc.
const ChunkSize = 4096

// Default limits for the buffered parts of a stream.
const (
	DefaultMaxHeaderSize = 16 << 10
	DefaultMaxFieldSize  = 10 << 20
)

var (
	// ErrNoBoundary is returned when the body does not start with a boundary line.
	ErrNoBoundary = errors.New("multipart: missing boundary line")

	// ErrHeaderTooLarge reports a section header block above MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("multipart: section header too large")

	// ErrFieldTooLarge reports a buffered field above MaxFieldSize.
	ErrFieldTooLarge = errors.New("multipart: field too large")
)

// SinkFunc receives the payload of a file section, chunk by chunk.
// chunk is only valid for the duration of the call. Returning an error
// stops the stream.
type SinkFunc func(section *Section, chunk []byte, n int) error

// Stream decodes sections from a reader one at a time.
type Stream struct {
	// MaxHeaderSize bounds a section header block.
	MaxHeaderSize int

	// MaxFieldSize bounds a buffered (non-file) section payload.
	MaxFieldSize int

	r        *delimReader
	boundary []byte
	delim    []byte
	chunk    []byte
	done     bool
	err      error
}

// NewStream reads the boundary line from r and returns a Stream positioned
// at the first section.
func NewStream(r io.Reader) (*Stream, error) {
	if r == nil {
		return nil, ErrNoBoundary
	}
	dr := newDelimReader(r)
	boundary, err := dr.readUntil(crlf, DefaultMaxHeaderSize)
	if err != nil || len(boundary) == 0 {
		if err != nil && err != io.EOF && err != errLimit {
			return nil, fmt.Errorf("%w: %w", ErrNoBoundary, err)
		}
		return nil, ErrNoBoundary
	}

	delim := make([]byte, 0, len(crlf)+len(boundary))
	delim = append(delim, crlf...)
	delim = append(delim, boundary...)

	return &Stream{
		MaxHeaderSize: DefaultMaxHeaderSize,
		MaxFieldSize:  DefaultMaxFieldSize,
		r:             dr,
		boundary:      boundary,
		delim:         delim,
		chunk:         make([]byte, ChunkSize),
	}, nil
}

// Boundary returns the boundary line read from the body.
func (s *Stream) Boundary() string {
	return string(s.boundary)
}

// Err returns the first error that stopped the stream, or nil when the
// stream ended at the closing boundary.
func (s *Stream) Err() error {
	return s.err
}

// ReadSection decodes the next section. File sections are delivered to
// sink and returned with Streamed set; other sections are returned with
// their Data. ReadSection returns nil at the closing boundary, at the end
// of input, or after an error (see Err).
func (s *Stream) ReadSection(sink SinkFunc) *Section {
	if s.done {
		return nil
	}

	header, err := s.r.readUntil(headerTerm, s.MaxHeaderSize)
	if err != nil {
		switch {
		case err == errLimit:
			return s.fail(ErrHeaderTooLarge)
		case err == io.EOF:
			if rest := s.r.rest(); len(rest) > 0 && !isTerminal(rest) {
				return s.fail(io.ErrUnexpectedEOF)
			}
			return s.finish()
		default:
			return s.fail(err)
		}
	}
	if isTerminal(header) {
		return s.finish()
	}

	section := parseHeader(string(header))
	if !section.IsFile() {
		data, err := s.r.readUntil(s.delim, s.MaxFieldSize)
		if err != nil {
			if err == errLimit {
				return s.fail(ErrFieldTooLarge)
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return s.fail(err)
		}
		section.Data = data
		section.Size = int64(len(data))
		return section
	}

	section.Streamed = true
	for {
		n, end, err := s.r.readChunk(s.chunk, s.delim)
		if err != nil {
			return s.fail(err)
		}
		if n > 0 {
			section.Size += int64(n)
			if sink != nil {
				if err := sink(section, s.chunk[:n], n); err != nil {
					return s.fail(err)
				}
			}
		}
		if end {
			return section
		}
	}
}

// ReadAllSections reads sections until the stream ends.
func (s *Stream) ReadAllSections(sink SinkFunc) []*Section {
	var sections []*Section
	for {
		section := s.ReadSection(sink)
		if section == nil {
			return sections
		}
		sections = append(sections, section)
	}
}

func (s *Stream) finish() *Section {
	s.done = true
	return nil
}

func (s *Stream) fail(err error) *Section {
	s.done = true
	s.err = err
	return nil
}
