package multipart

import "bytes"

// Parse decodes a complete multipart body held in memory.
//
// The first line of body is the boundary. Every later occurrence of the
// boundary starts a new section; a section whose header block is not
// terminated by a blank line (such as the closing "--" tail) is skipped.
// Parse returns nil when body has no line terminator.
//
// Bodies of unknown length, such as a live request stream, must be decoded
// with NewStream instead.
func Parse(body []byte) *Message {
	end := bytes.Index(body, crlf)
	if end <= 0 {
		return nil
	}
	boundary := body[:end]

	var starts []int
	for from := 0; ; {
		i := bytes.Index(body[from:], boundary)
		if i < 0 {
			break
		}
		from += i + len(boundary)
		starts = append(starts, from)
	}

	msg := &Message{}
	for i, start := range starts {
		stop := len(body)
		if i+1 < len(starts) {
			stop = starts[i+1] - len(boundary)
		}
		if section := parsePart(body[start:stop]); section != nil {
			msg.Sections = append(msg.Sections, section)
		}
	}
	return msg
}

// parsePart splits one boundary-delimited range into header and payload.
// The payload excludes the CRLF that precedes the next boundary.
func parsePart(part []byte) *Section {
	headerEnd := bytes.Index(part, headerTerm)
	if headerEnd < 0 {
		return nil
	}
	dataStart := headerEnd + len(headerTerm)
	dataEnd := len(part) - len(crlf)
	if dataEnd < dataStart {
		return nil
	}

	section := parseHeader(string(part[:headerEnd]))
	section.Data = bytes.Clone(part[dataStart:dataEnd])
	section.Size = int64(len(section.Data))
	return section
}
