package artifact

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// Sentinels substituted for values that cannot be serialized. Saves never
// fail on bad payloads; they degrade to these placeholders.
const (
	sentinelCircular = "<circular-reference>"
	sentinelMaxDepth = "<max-depth-exceeded>"
)

// maxSanitizeDepth caps recursion during the sanitization pass.
const maxSanitizeDepth = 32

// MarshalSanitized serializes a payload as indented JSON. Payloads that
// marshal cleanly are used as-is; anything else goes through a best-effort
// sanitization pass that replaces circular references, over-deep nesting,
// and unserializable values with placeholders. The degraded flag reports
// whether the sanitization pass ran.
func MarshalSanitized(v any) (data []byte, degraded bool, err error) {
	if data, err := json.MarshalIndent(v, "", "  "); err == nil {
		return data, false, nil
	}

	data, err = json.MarshalIndent(Sanitize(v), "", "  ")
	if err != nil {
		return nil, true, fmt.Errorf("marshaling sanitized payload: %w", err)
	}
	return data, true, nil
}

// Sanitize returns a JSON-serializable copy of v. Circular references become
// a sentinel string, depth is capped, map keys are stringified, and values
// JSON cannot represent (functions, channels, NaN) become typed placeholders.
func Sanitize(v any) any {
	seen := map[uintptr]bool{}
	return sanitizeValue(reflect.ValueOf(v), seen, 0)
}

func sanitizeValue(v reflect.Value, seen map[uintptr]bool, depth int) any {
	if depth > maxSanitizeDepth {
		return sentinelMaxDepth
	}
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitizeValue(v.Elem(), seen, depth)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return sentinelCircular
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		return sanitizeValue(v.Elem(), seen, depth+1)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return sentinelCircular
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := stringifyKey(iter.Key())
			out[key] = sanitizeValue(iter.Value(), seen, depth+1)
		}
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes()
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return sentinelCircular
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		return sanitizeSequence(v, seen, depth)

	case reflect.Array:
		return sanitizeSequence(v, seen, depth)

	case reflect.Struct:
		return sanitizeStruct(v, seen, depth)

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Sprintf("<non-finite:%v>", f)
		}
		return f

	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(v.Complex())

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return unserializable(v.Type())

	default:
		return v.Interface()
	}
}

func sanitizeSequence(v reflect.Value, seen map[uintptr]bool, depth int) any {
	out := make([]any, v.Len())
	for i := range v.Len() {
		out[i] = sanitizeValue(v.Index(i), seen, depth+1)
	}
	return out
}

func sanitizeStruct(v reflect.Value, seen map[uintptr]bool, depth int) any {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		out[name] = sanitizeValue(v.Field(i), seen, depth+1)
	}
	return out
}

// stringifyKey renders a map key as a string so non-string keys survive
// JSON encoding.
func stringifyKey(key reflect.Value) string {
	if key.Kind() == reflect.String {
		return key.String()
	}
	if !key.CanInterface() {
		return fmt.Sprintf("<key:%s>", key.Type())
	}
	return fmt.Sprint(key.Interface())
}

func unserializable(t reflect.Type) string {
	return fmt.Sprintf("<unserializable:%s>", t)
}
