package multipart

import (
	"bytes"
	"errors"
	"io"
)

const readSize = 4096

var errLimit = errors.New("multipart: limit exceeded")

// delimReader reads from r up to delimiter byte sequences. Bytes that might
// be the start of a delimiter split across two reads are held back until
// the next read resolves them.
type delimReader struct {
	r       io.Reader
	buf     []byte
	scratch []byte
	err     error
}

func newDelimReader(r io.Reader) *delimReader {
	return &delimReader{
		r:       r,
		buf:     make([]byte, 0, 2*readSize),
		scratch: make([]byte, readSize),
	}
}

// fill appends the next read to buf. It returns the terminal read error
// (io.EOF included) once the source is exhausted.
func (d *delimReader) fill() error {
	if d.err != nil {
		return d.err
	}
	for {
		n, err := d.r.Read(d.scratch)
		d.buf = append(d.buf, d.scratch[:n]...)
		if err != nil {
			d.err = err
			if n > 0 {
				return nil
			}
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

func (d *delimReader) consume(n int) {
	d.buf = d.buf[:copy(d.buf, d.buf[n:])]
}

// readUntil returns the bytes before the next delim and consumes both.
// It fails with errLimit when more than limit bytes precede the delimiter
// and with the source error when the delimiter never arrives.
func (d *delimReader) readUntil(delim []byte, limit int) ([]byte, error) {
	from := 0
	for {
		if i := bytes.Index(d.buf[from:], delim); i >= 0 {
			i += from
			if limit > 0 && i > limit {
				return nil, errLimit
			}
			out := bytes.Clone(d.buf[:i])
			d.consume(i + len(delim))
			return out, nil
		}
		if limit > 0 && len(d.buf) > limit+len(delim) {
			return nil, errLimit
		}
		from = max(0, len(d.buf)-len(delim)+1)
		if err := d.fill(); err != nil {
			return nil, err
		}
	}
}

// readChunk copies payload bytes into p up to the next delim. end is true
// when the delimiter was reached and consumed; n may be zero in that case.
// A source that ends before the delimiter yields io.ErrUnexpectedEOF.
func (d *delimReader) readChunk(p, delim []byte) (n int, end bool, err error) {
	hold := len(delim) - 1
	for {
		if i := bytes.Index(d.buf, delim); i >= 0 {
			if i > len(p) {
				n = copy(p, d.buf)
				d.consume(n)
				return n, false, nil
			}
			n = copy(p, d.buf[:i])
			d.consume(i + len(delim))
			return n, true, nil
		}
		if d.err == nil && len(d.buf) < len(p)+hold {
			if err := d.fill(); err != nil && err != io.EOF {
				return 0, false, err
			}
			continue
		}
		if len(d.buf) <= hold {
			if d.err == io.EOF {
				return 0, false, io.ErrUnexpectedEOF
			}
			return 0, false, d.err
		}
		n = copy(p, d.buf[:len(d.buf)-hold])
		d.consume(n)
		return n, false, nil
	}
}

// rest returns whatever is left once the source is exhausted.
func (d *delimReader) rest() []byte {
	for d.fill() == nil {
	}
	return d.buf
}
