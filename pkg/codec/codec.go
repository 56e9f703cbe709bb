// Package codec negotiates request and response body types and converts
// values to and from JSON, XML, form-encoded and raw bodies.
package codec

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
)

// BodyType identifies how a request or response body is encoded.
type BodyType int

const (
	Undefined BodyType = iota
	JSON
	XML
	Raw
	Form
	Template
	Multipart
)

var bodyTypeNames = [...]string{
	Undefined: "undefined",
	JSON:      "json",
	XML:       "xml",
	Raw:       "raw",
	Form:      "form",
	Template:  "template",
	Multipart: "multipart",
}

// String returns the lower-case name of the body type.
func (t BodyType) String() string {
	if t < 0 || int(t) >= len(bodyTypeNames) {
		return fmt.Sprintf("BodyType(%d)", int(t))
	}
	return bodyTypeNames[t]
}

// ParseBodyType maps a configuration name ("json", "xml", ...) to a BodyType.
func ParseBodyType(name string) (BodyType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range bodyTypeNames {
		if n == name {
			return BodyType(t), nil
		}
	}
	return Undefined, fmt.Errorf("codec: unknown body type %q", name)
}

// Serializable reports whether values can be encoded as t.
func (t BodyType) Serializable() bool {
	return t == JSON || t == XML || t == Form
}

var (
	// ErrNotSerializable is returned when encoding to a type that has no value encoding.
	ErrNotSerializable = errors.New("codec: body type is not serializable")

	// ErrUnsupportedTarget is returned when a decode target cannot hold the body.
	ErrUnsupportedTarget = errors.New("codec: unsupported decode target")
)

// MIME returns the Content-Type header value for t.
func MIME(t BodyType) string {
	switch t {
	case JSON:
		return "application/json"
	case XML:
		return "application/xml"
	case Form:
		return "application/x-www-form-urlencoded"
	case Template:
		return "text/html; charset=utf-8"
	case Multipart:
		return "multipart/form-data"
	case Raw:
		return "application/octet-stream"
	default:
		return "text/plain; charset=utf-8"
	}
}

// FromMIME maps a Content-Type header to a BodyType. Media type parameters
// such as charset or boundary are ignored.
func FromMIME(contentType string) BodyType {
	if contentType == "" {
		return Undefined
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	switch {
	case mediaType == "application/json", mediaType == "text/json", strings.HasSuffix(mediaType, "+json"):
		return JSON
	case mediaType == "application/xml", mediaType == "text/xml", strings.HasSuffix(mediaType, "+xml"):
		return XML
	case mediaType == "application/x-www-form-urlencoded":
		return Form
	case mediaType == "multipart/form-data":
		return Multipart
	case mediaType == "application/octet-stream", mediaType == "text/plain":
		return Raw
	default:
		return Undefined
	}
}

// FromAccept returns the first JSON or XML media range listed in an Accept
// header. Unrecognized ranges are ignored.
func FromAccept(accept string) BodyType {
	for _, part := range strings.Split(accept, ",") {
		switch t := FromMIME(part); t {
		case JSON, XML:
			return t
		}
	}
	return Undefined
}

// Sniff guesses the encoding of a payload from its first non-space byte:
// '{' or '[' is JSON, '<' is XML, and any payload containing '=' is form data.
func Sniff(data []byte) BodyType {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return Undefined
	}
	switch trimmed[0] {
	case '{', '[':
		return JSON
	case '<':
		return XML
	}
	if bytes.IndexByte(trimmed, '=') >= 0 {
		return Form
	}
	return Undefined
}

// Encode serializes v as t. Raw bodies accept []byte, string, and any
// value with a String method; other values are formatted with %v.
func Encode(v any, t BodyType) ([]byte, error) {
	switch t {
	case JSON:
		return json.Marshal(v)
	case XML:
		return xml.Marshal(v)
	case Form:
		values, err := EncodeForm(v)
		if err != nil {
			return nil, err
		}
		return []byte(values.Encode()), nil
	case Raw:
		switch x := v.(type) {
		case nil:
			return nil, nil
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		case fmt.Stringer:
			return []byte(x.String()), nil
		default:
			return []byte(fmt.Sprint(v)), nil
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotSerializable, t)
	}
}

// Decode deserializes data of type t into target, which must be a pointer.
func Decode(data []byte, target any, t BodyType) error {
	switch t {
	case JSON:
		return json.Unmarshal(data, target)
	case XML:
		return xml.Unmarshal(data, target)
	case Form:
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return &ParseError{Type: "form", Value: truncate(string(data)), Err: err}
		}
		return DecodeForm(values, target)
	case Raw:
		switch p := target.(type) {
		case *[]byte:
			*p = bytes.Clone(data)
			return nil
		case *string:
			*p = string(data)
			return nil
		default:
			return fmt.Errorf("%w: %T for raw body", ErrUnsupportedTarget, target)
		}
	default:
		return fmt.Errorf("%w: %s", ErrNotSerializable, t)
	}
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
