package codec

import (
	"encoding"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ParseError reports a value that could not be converted to its target type.
type ParseError struct {
	Type  string
	Value string
	Err   error
}

// Error returns the error message.
func (e *ParseError) Error() string {
	return fmt.Sprintf("codec: cannot parse %q as %s: %v", e.Value, e.Type, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ParseError) Unwrap() error {
	return e.Err
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	unmarshaler  = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// dateLayouts are tried in order when parsing time.Time values.
var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// ParseString converts s to a value of type typ. Pointer types yield a
// pointer to the parsed element. Types implementing encoding.TextUnmarshaler
// are parsed with UnmarshalText.
func ParseString(typ reflect.Type, s string) (reflect.Value, error) {
	if typ.Kind() == reflect.Pointer {
		elem, err := ParseString(typ.Elem(), s)
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(typ.Elem())
		ptr.Elem().Set(elem)
		return ptr, nil
	}

	fail := func(err error) (reflect.Value, error) {
		return reflect.Value{}, &ParseError{Type: typ.String(), Value: truncate(s), Err: err}
	}

	switch typ {
	case timeType:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return reflect.ValueOf(t), nil
			}
		}
		return fail(fmt.Errorf("unrecognized time layout"))
	case durationType:
		d, err := time.ParseDuration(s)
		if err != nil {
			return fail(err)
		}
		return reflect.ValueOf(d), nil
	}

	if reflect.PointerTo(typ).Implements(unmarshaler) {
		v := reflect.New(typ)
		if err := v.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s)); err != nil {
			return fail(err)
		}
		return v.Elem(), nil
	}

	v := reflect.New(typ).Elem()
	switch typ.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fail(err)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, typ.Bits())
		if err != nil {
			return fail(err)
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, typ.Bits())
		if err != nil {
			return fail(err)
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), typ.Bits())
		if err != nil {
			return fail(err)
		}
		v.SetFloat(f)
	case reflect.Slice:
		if typ.Elem().Kind() == reflect.Uint8 {
			v.SetBytes([]byte(s))
			break
		}
		parts := strings.Split(s, ",")
		out := reflect.MakeSlice(typ, 0, len(parts))
		for _, p := range parts {
			elem, err := ParseString(typ.Elem(), strings.TrimSpace(p))
			if err != nil {
				return reflect.Value{}, err
			}
			out = reflect.Append(out, elem)
		}
		v.Set(out)
	default:
		return fail(fmt.Errorf("unsupported kind %s", typ.Kind()))
	}
	return v, nil
}

// DecodeForm copies form values into target. Supported targets are
// *url.Values, *map[string]string, *map[string]any and pointers to structs,
// whose fields match by `form` tag, `json` tag, or case-insensitive name.
func DecodeForm(values url.Values, target any) error {
	switch p := target.(type) {
	case *url.Values:
		*p = values
		return nil
	case *map[string]string:
		m := make(map[string]string, len(values))
		for k := range values {
			m[k] = values.Get(k)
		}
		*p = m
		return nil
	case *map[string]any:
		m := make(map[string]any, len(values))
		for k := range values {
			m[k] = values.Get(k)
		}
		*p = m
		return nil
	}

	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: %T for form body", ErrUnsupportedTarget, target)
	}
	rv = rv.Elem()
	rt := rv.Type()

	lookup := make(map[string][]string, len(values))
	for k, v := range values {
		lookup[strings.ToLower(k)] = v
	}

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := fieldName(field)
		if name == "-" {
			continue
		}
		raw, ok := lookup[strings.ToLower(name)]
		if !ok || len(raw) == 0 {
			continue
		}

		value := raw[0]
		if field.Type.Kind() == reflect.Slice && field.Type.Elem().Kind() != reflect.Uint8 && len(raw) > 1 {
			value = strings.Join(raw, ",")
		}
		parsed, err := ParseString(field.Type, value)
		if err != nil {
			return err
		}
		rv.Field(i).Set(parsed)
	}
	return nil
}

// EncodeForm converts maps and structs into form values.
func EncodeForm(v any) (url.Values, error) {
	switch x := v.(type) {
	case url.Values:
		return x, nil
	case map[string]string:
		out := url.Values{}
		for k, val := range x {
			out.Set(k, val)
		}
		return out, nil
	case map[string]any:
		out := url.Values{}
		for k, val := range x {
			out.Set(k, fmt.Sprint(val))
		}
		return out, nil
	}

	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %T as form", ErrNotSerializable, v)
	}
	out := url.Values{}
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := fieldName(field)
		if name == "-" {
			continue
		}
		out.Set(name, fmt.Sprint(rv.Field(i).Interface()))
	}
	return out, nil
}

func fieldName(f reflect.StructField) string {
	for _, key := range []string{"form", "json"} {
		if tag, ok := f.Tag.Lookup(key); ok {
			name, _, _ := strings.Cut(tag, ",")
			if name != "" {
				return name
			}
		}
	}
	return f.Name
}
