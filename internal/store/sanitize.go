package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// CircularSentinel replaces a value that refers back to one of its own
// ancestors.
const CircularSentinel = "[Circular]"

// Sanitize converts v into a plain JSON tree (map[string]interface{},
// []interface{} and scalars). Maps, slices and pointers that are already on
// the current path are replaced with CircularSentinel instead of recursing,
// so the result can always be encoded.
func Sanitize(v interface{}) interface{} {
	return sanitize(reflect.ValueOf(v), make(map[uintptr]bool))
}

func sanitize(v reflect.Value, path map[uintptr]bool) interface{} {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitize(v.Elem(), path)

	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if path[ptr] {
			return CircularSentinel
		}
		path[ptr] = true
		defer delete(path, ptr)
		return sanitize(v.Elem(), path)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if path[ptr] {
			return CircularSentinel
		}
		path[ptr] = true
		defer delete(path, ptr)

		out := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = sanitize(iter.Value(), path)
		}
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface()
		}
		out := make([]interface{}, v.Len())
		if v.Len() == 0 {
			return out
		}
		ptr := v.Pointer()
		if path[ptr] {
			return CircularSentinel
		}
		path[ptr] = true
		defer delete(path, ptr)
		for i := 0; i < v.Len(); i++ {
			out[i] = sanitize(v.Index(i), path)
		}
		return out

	case reflect.Array:
		out := make([]interface{}, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = sanitize(v.Index(i), path)
		}
		return out

	case reflect.Struct:
		if t, ok := v.Interface().(time.Time); ok {
			return t.Format(time.RFC3339Nano)
		}
		raw, err := json.Marshal(v.Interface())
		if err != nil {
			return fmt.Sprint(v.Interface())
		}
		var tree interface{}
		if err := json.Unmarshal(raw, &tree); err != nil {
			return fmt.Sprint(v.Interface())
		}
		return tree

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil

	case reflect.String:
		return v.String()

	default:
		return v.Interface()
	}
}
