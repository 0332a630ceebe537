package audit

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"time"
)

// Normalizer converts a value encoding/json cannot represent faithfully.
// Normalizers are consulted in order; the first match wins.
type Normalizer struct {
	Name    string
	Match   func(v any) bool
	Convert func(v any) any
}

// DefaultNormalizers returns the built-in conversions.
func DefaultNormalizers() []Normalizer {
	return []Normalizer{
		{
			Name:    "time",
			Match:   func(v any) bool { _, ok := v.(time.Time); return ok },
			Convert: func(v any) any { return v.(time.Time).UTC().Format(time.RFC3339Nano) },
		},
		{
			Name:    "duration",
			Match:   func(v any) bool { _, ok := v.(time.Duration); return ok },
			Convert: func(v any) any { return v.(time.Duration).String() },
		},
		{
			Name: "bignum",
			Match: func(v any) bool {
				switch v.(type) {
				case *big.Int, *big.Float, *big.Rat:
					return true
				}
				return false
			},
			Convert: func(v any) any {
				switch n := v.(type) {
				case *big.Int:
					if n == nil {
						return nil
					}
					return n.String()
				case *big.Float:
					if n == nil {
						return nil
					}
					return n.Text('g', -1)
				case *big.Rat:
					if n == nil {
						return nil
					}
					return n.RatString()
				}
				return fmt.Sprint(v)
			},
		},
		{
			Name:  "json-number",
			Match: func(v any) bool { _, ok := v.(json.Number); return ok },
			Convert: func(v any) any {
				n := v.(json.Number)
				if f, err := n.Float64(); err == nil {
					if i, err := n.Int64(); err == nil {
						return i
					}
					return f
				}
				return string(n)
			},
		},
		{
			Name:  "array",
			Match: func(v any) bool { return v != nil && reflect.TypeOf(v).Kind() == reflect.Array },
			Convert: func(v any) any {
				rv := reflect.ValueOf(v)
				out := make([]any, rv.Len())
				for i := range out {
					out[i] = rv.Index(i).Interface()
				}
				return out
			},
		},
		{
			Name: "opaque",
			Match: func(v any) bool {
				if v == nil {
					return false
				}
				switch reflect.TypeOf(v).Kind() {
				case reflect.Complex64, reflect.Complex128, reflect.Chan, reflect.Func, reflect.UnsafePointer:
					return true
				}
				return false
			},
			Convert: func(v any) any { return fmt.Sprint(v) },
		},
	}
}

// normalizer walks a redacted value and applies the first matching
// Normalizer to each node. Converted output is redacted again before its
// children are walked.
type normalizer struct {
	list     []Normalizer
	redactor Redactor
}

func (n normalizer) apply(v any) any {
	return n.walk(v, 0)
}

func (n normalizer) walk(v any, depth int) any {
	if depth > maxDepth {
		return "<max depth>"
	}
	for _, nz := range n.list {
		if nz.Match != nil && nz.Convert != nil && nz.Match(v) {
			return n.children(n.redactor.Redact(nz.Convert(v)), depth)
		}
	}
	return n.children(v, depth)
}

func (n normalizer) children(v any, depth int) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = n.walk(item, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = n.walk(item, depth+1)
		}
		return out
	}
	return v
}
