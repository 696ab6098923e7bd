package iotypes

import (
	"encoding/json"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	ms "github.com/mitchellh/mapstructure"
)

// BindOptions customizes how the struct-composing helpers below decode
// collected surface maps into a target struct.
//
// Defaults (zero value): ErrorUnused is false (unknown fields ignored),
// WeaklyTypedInput is false (no implicit "10" -> 10 coercion). Callers
// building strict operation inputs typically set both to true/false as
// appropriate per field source (bodies are usually strict; query strings
// are usually weakly typed, since everything arrives as a string).
type BindOptions struct {
	WeaklyTypedInput bool
	ErrorUnused      bool
}

// newMSDecoder is a package-level hook so tests can stub decoder
// construction failures.
var newMSDecoder = ms.NewDecoder

// ComposeStruct decodes a map of already-collected field values into the
// target struct v using mapstructure, with the "json" struct tag as the
// field-name mapping (mirroring the body codec's own tag convention so a
// single struct definition serves both surfaces).
func ComposeStruct(v any, m map[string]any, opts BindOptions) error {
	var targetType reflect.Type
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Elem().Kind() == reflect.Struct {
		targetType = rv.Elem().Type()
	}

	cfg := &ms.DecoderConfig{
		TagName:          "json",
		Result:           v,
		WeaklyTypedInput: opts.WeaklyTypedInput,
		ErrorUnused:      opts.ErrorUnused,
	}
	dec, err := newMSDecoder(cfg)
	if err != nil {
		return err
	}
	if err := dec.Decode(m); err != nil {
		if fe := mapStructureError(err, opts, targetType); fe != nil {
			return fe
		}
		return err
	}
	return nil
}

// QueryMap collects the first value per key from a parsed query string.
func QueryMap(q url.Values) map[string]any {
	out := make(map[string]any, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// PathMap converts a path shape (already matched by the router) into a
// generic field map ready for ComposeStruct.
func PathMap(shape map[string]string) map[string]any {
	out := make(map[string]any, len(shape))
	for k, v := range shape {
		out[k] = v
	}
	return out
}

// HeaderMap collects the first value per header name, lower-casing keys
// for case-insensitive struct-tag matching.
func HeaderMap(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

// emptyBodyError is a comparable sentinel (unlike FieldErrors, which holds
// a slice and so cannot be compared via errors.Is) so the transform layer
// can reliably recognize it and classify it as a ValidationError rather
// than the generic DecodingError every other body-decode failure gets.
type emptyBodyError struct{}

func (emptyBodyError) Error() string { return "Input body expected; none found." }

// ErrEmptyBody is returned by BodyJSONMap when the body is empty.
// Operations whose input type requires a body surface treat this as a
// validation failure; a nullable body type would instead supply its own
// zero value rather than calling this helper at all.
var ErrEmptyBody error = emptyBodyError{}

func BodyJSONMap(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// mapStructureError converts mapstructure decode errors into FieldErrors
// with friendly, stable messages.
func mapStructureError(err error, o BindOptions, targetType reflect.Type) error {
	s := err.Error()
	// mapstructure wraps every sub-error as a `* <message>` line inside an
	// "N error(s) decoding:" envelope; walk each line independently instead
	// of assuming there is exactly one.
	fe := map[string]string{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "* ") {
			continue
		}
		line = strings.TrimPrefix(line, "* ")

		// Unused keys are reported as "'<name>' has invalid keys: a, b".
		if idx := strings.Index(line, "has invalid keys:"); o.ErrorUnused && idx >= 0 {
			list := line[idx+len("has invalid keys:"):]
			for _, p := range strings.Split(list, ",") {
				if k := strings.TrimSpace(p); k != "" {
					fe[canonicalFieldName(targetType, k)] = "unexpected field"
				}
			}
			continue
		}
		if !o.WeaklyTypedInput {
			if field, ok := extractMapStructureField(line); ok {
				name := canonicalFieldName(targetType, field)
				label := "invalid type"
				if ft, ok2 := findFieldType(targetType, field); ok2 {
					label = expectedTypeLabel(ft) + " type expected"
				}
				fe[name] = label
			}
		}
	}
	if len(fe) > 0 {
		return NewFieldErrors(fe)
	}
	return nil
}

// extractMapStructureField pulls the field name out of a single
// mapstructure sub-error line, e.g.
// "'limit' expected type 'int', got unconvertible type 'string', value: 'x'".
// The name is the field's "json" tag (the decoder's TagName), or the Go
// field name for an untagged field.
func extractMapStructureField(line string) (string, bool) {
	if !strings.HasPrefix(line, "'") {
		return "", false
	}
	rest := line[1:]
	end := strings.IndexByte(rest, '\'')
	if end == -1 {
		return "", false
	}
	field := rest[:end]
	if !strings.Contains(line, "expected type '") {
		return "", false
	}
	return field, true
}

// canonicalFieldName maps a raw mapstructure field reference (a "json" tag
// or Go struct field name) to the field's "json" tag name, so FieldErrors keys
// match the wire field names callers actually sent, not Go identifiers.
func canonicalFieldName(t reflect.Type, raw string) string {
	if t == nil || t.Kind() != reflect.Struct {
		return raw
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if strings.EqualFold(f.Name, raw) {
			name := f.Tag.Get("json")
			if idx := strings.Index(name, ","); idx >= 0 {
				name = name[:idx]
			}
			if name != "" && name != "-" {
				return name
			}
			return f.Name
		}
	}
	return raw
}

func findFieldType(t reflect.Type, jsonField string) (reflect.Type, bool) {
	if t == nil || t.Kind() != reflect.Struct {
		return nil, false
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Tag.Get("json")
		if idx := strings.Index(name, ","); idx >= 0 {
			name = name[:idx]
		}
		if name == "-" {
			continue
		}
		if name != "" && strings.EqualFold(name, jsonField) {
			return f.Type, true
		}
		if strings.EqualFold(f.Name, jsonField) {
			return f.Type, true
		}
	}
	return nil, false
}

func expectedTypeLabel(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return "uint"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Bool:
		return "bool"
	case reflect.String:
		return "string"
	case reflect.Array, reflect.Slice:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return t.Kind().String()
	}
}
