// Package sanitize strips host-internal and non-serializable values from
// workflow context before it is shipped to the remote platform.
package sanitize

import (
	"encoding"
	"fmt"
	"math"
	"reflect"
	"strings"

	json "github.com/goccy/go-json"
)

// ReservedKeys are host control fields that never leave the process
var ReservedKeys = []string{
	"$input",
	"$json",
	"$itemIndex",
	"$now",
	"$today",
	"$thisItem",
	"$thisItemIndex",
	"$thisRunIndex",
	"$data",
	"$parameter",
	"$rawParameter",
}

var reserved = func() map[string]struct{} {
	m := make(map[string]struct{}, len(ReservedKeys))
	for _, k := range ReservedKeys {
		m[k] = struct{}{}
	}
	return m
}()

// IsReserved reports whether key is a host control field
func IsReserved(key string) bool {
	_, ok := reserved[key]
	return ok
}

// Sanitize returns a copy of in without reserved top-level keys and without
// function, channel or unsafe pointer values at any depth. Structs become maps
// keyed by their JSON field names, map keys become strings, and cyclic
// references and non-finite floats are dropped. in is not modified.
func Sanitize(in map[string]any) map[string]any {
	w := &walker{path: map[visit]struct{}{}}
	out := make(map[string]any, len(in))
	for key, value := range in {
		if IsReserved(key) {
			continue
		}
		if cleaned, ok := w.clean(reflect.ValueOf(value)); ok {
			out[key] = cleaned
		}
	}
	return out
}

var (
	jsonMarshaler = reflect.TypeFor[json.Marshaler]()
	textMarshaler = reflect.TypeFor[encoding.TextMarshaler]()
)

// visit identifies a reference value on the current path
type visit struct {
	ptr uintptr
	typ reflect.Type
}

type walker struct {
	path map[visit]struct{}
}

// enter marks a reference as being walked; false means it is already on the path
func (w *walker) enter(v reflect.Value) (func(), bool) {
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if _, seen := w.path[key]; seen {
		return nil, false
	}
	w.path[key] = struct{}{}
	return func() { delete(w.path, key) }, true
}

// clean deep-copies v; ok is false when v must be dropped
func (w *walker) clean(v reflect.Value) (any, bool) {
	if !v.IsValid() {
		return nil, true
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, false

	case reflect.Float32, reflect.Float64:
		if f := v.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return v.Interface(), true

	case reflect.Interface:
		if v.IsNil() {
			return nil, true
		}
		return w.clean(v.Elem())

	case reflect.Pointer:
		if v.IsNil() {
			return nil, true
		}
		if marshals(v) {
			return v.Interface(), true
		}
		leave, ok := w.enter(v)
		if !ok {
			return nil, false
		}
		defer leave()
		return w.clean(v.Elem())

	case reflect.Map:
		if v.IsNil() {
			return map[string]any(nil), true
		}
		leave, ok := w.enter(v)
		if !ok {
			return nil, false
		}
		defer leave()

		stringKeys := v.Type().Key().Kind() == reflect.String
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			cleaned, ok := w.clean(iter.Value())
			if !ok {
				continue
			}
			if stringKeys {
				out[iter.Key().String()] = cleaned
			} else {
				out[fmt.Sprint(iter.Key().Interface())] = cleaned
			}
		}
		return out, true

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface(), true
		}
		if v.IsNil() {
			return []any(nil), true
		}
		leave, ok := w.enter(v)
		if !ok {
			return nil, false
		}
		defer leave()
		return w.list(v), true

	case reflect.Array:
		return w.list(v), true

	case reflect.Struct:
		if marshals(v) {
			return v.Interface(), true
		}
		out := map[string]any{}
		w.fields(v, out)
		return out, true
	}

	return v.Interface(), true
}

func (w *walker) list(v reflect.Value) []any {
	out := make([]any, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		if cleaned, ok := w.clean(v.Index(i)); ok {
			out = append(out, cleaned)
		}
	}
	return out
}

// fields copies the exported fields of struct v into out under their JSON
// names. Untagged embedded structs are flattened into their parent.
func (w *walker) fields(v reflect.Value, out map[string]any) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}

		fv := v.Field(i)
		if f.Anonymous && name == "" {
			embedded := fv
			if embedded.Kind() == reflect.Pointer {
				if embedded.IsNil() {
					continue
				}
				embedded = embedded.Elem()
			}
			if embedded.Kind() == reflect.Struct && !marshals(embedded) {
				w.fields(embedded, out)
				continue
			}
		}

		if name == "" {
			name = f.Name
		}
		if cleaned, ok := w.clean(fv); ok {
			out[name] = cleaned
		}
	}
}

// marshals reports whether v encodes itself, as time.Time does
func marshals(v reflect.Value) bool {
	return v.Type().Implements(jsonMarshaler) || v.Type().Implements(textMarshaler)
}
