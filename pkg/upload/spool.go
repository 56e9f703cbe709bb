package upload

import (
	"context"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/vango-dev/webengine/pkg/multipart"
)

// Result describes one file section handed to a Spool.
type Result struct {
	Field       string `json:"field"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	TempID      string `json:"temp_id,omitempty"`
	Size        int64  `json:"size"`
	Err         error  `json:"-"`
}

// Spool pipes streamed multipart file sections into a Store. Its Write
// method has the multipart.SinkFunc signature. Each file is saved by its
// own goroutine while the stream keeps decoding; a failed file does not
// stop the stream.
type Spool struct {
	ctx     context.Context
	store   Store
	allowed []string

	cur     *spooled
	spooled []*spooled
}

type spooled struct {
	section  *multipart.Section
	detected string
	pw       *io.PipeWriter
	skip     bool
	done     chan struct{}

	// set by the save goroutine before done is closed
	id  string
	err error
}

// NewSpool returns a Spool saving into store. cfg may be nil.
func NewSpool(ctx context.Context, store Store, cfg *Config) *Spool {
	s := &Spool{ctx: ctx, store: store}
	if cfg != nil {
		s.allowed = cfg.AllowedTypes
	}
	return s
}

// Write receives one chunk of a file section.
func (s *Spool) Write(section *multipart.Section, chunk []byte, n int) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if s.cur == nil || s.cur.section != section {
		s.closeCurrent(nil)
		s.start(section, chunk[:n])
	}
	if s.cur.skip {
		return nil
	}
	if _, err := s.cur.pw.Write(chunk[:n]); err != nil {
		// The store gave up on this file; drop the rest of its payload.
		s.cur.skip = true
	}
	return nil
}

// ReadAll reads every section of stream through the spool and returns
// them. Unlike passing Write to ReadAllSections, it also saves file
// sections with an empty payload, which never reach the sink.
func (s *Spool) ReadAll(stream *multipart.Stream) []*multipart.Section {
	var sections []*multipart.Section
	for {
		section := stream.ReadSection(s.Write)
		if section == nil {
			return sections
		}
		s.sectionEnd(section)
		sections = append(sections, section)
	}
}

// sectionEnd saves a streamed section that delivered no chunks as an
// empty file.
func (s *Spool) sectionEnd(section *multipart.Section) {
	if !section.Streamed || (s.cur != nil && s.cur.section == section) {
		return
	}
	s.closeCurrent(nil)
	s.start(section, nil)
	s.closeCurrent(nil)
}

// Finish ends the last file with streamErr (nil for a clean end), waits
// for every save and returns the results in section order.
func (s *Spool) Finish(streamErr error) ([]Result, error) {
	s.closeCurrent(streamErr)
	results := make([]Result, 0, len(s.spooled))
	for _, sp := range s.spooled {
		<-sp.done
		ct := sp.section.ContentType
		if ct == "" {
			ct = sp.detected
		}
		results = append(results, Result{
			Field:       sp.section.Name,
			Filename:    sp.section.Filename,
			ContentType: ct,
			TempID:      sp.id,
			Size:        sp.section.Size,
			Err:         sp.err,
		})
	}
	return results, streamErr
}

func (s *Spool) start(section *multipart.Section, first []byte) {
	sp := &spooled{
		section:  section,
		detected: detectType(first),
		done:     make(chan struct{}),
	}
	s.cur = sp
	s.spooled = append(s.spooled, sp)

	if len(s.allowed) > 0 && !slices.Contains(s.allowed, sp.detected) {
		sp.skip = true
		sp.err = ErrTypeNotAllowed
		close(sp.done)
		return
	}

	contentType := section.ContentType
	if contentType == "" {
		contentType = sp.detected
	}
	pr, pw := io.Pipe()
	sp.pw = pw
	go func() {
		defer close(sp.done)
		sp.id, sp.err = s.store.Save(s.ctx, section.Filename, contentType, pr)
		pr.CloseWithError(sp.err)
	}()
}

func (s *Spool) closeCurrent(err error) {
	if s.cur == nil || s.cur.pw == nil {
		return
	}
	s.cur.pw.CloseWithError(err)
	s.cur.pw = nil
	s.cur.skip = true
}

func detectType(data []byte) string {
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct
}
