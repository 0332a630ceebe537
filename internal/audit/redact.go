package audit

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// DefaultMaxString is the rune count after which strings are truncated.
const DefaultMaxString = 1000

// TruncationMarker is appended to truncated strings.
const TruncationMarker = "…"

const maxDepth = 32

// Redactor bounds what an audit event can carry: long strings are cut and
// binary values are replaced with a length descriptor.
type Redactor struct {
	MaxString int
}

// Redact returns a copy of v safe to log. Maps and sequences are walked
// recursively; typed maps and slices come back as map[string]any and []any.
func (r Redactor) Redact(v any) any {
	return r.redact(v, 0)
}

func (r Redactor) limit() int {
	if r.MaxString <= 0 {
		return DefaultMaxString
	}
	return r.MaxString
}

func (r Redactor) redact(v any, depth int) any {
	if depth > maxDepth {
		return "<max depth>"
	}

	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return r.truncate(val)
	case json.Number:
		return val
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return bytesDescriptor(len(val))
		}
		return r.redact(decoded, depth+1)
	case []byte:
		return bytesDescriptor(len(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.redact(item, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redact(item, depth+1)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return r.truncate(rv.String())
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = r.redact(iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return bytesDescriptor(rv.Len())
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = r.redact(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return bytesDescriptor(rv.Len())
		}
	}
	return v
}

func (r Redactor) truncate(s string) string {
	max := r.limit()
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + TruncationMarker
}

func bytesDescriptor(n int) string {
	return fmt.Sprintf("<bytes:%d bytes>", n)
}
