// Package sanitize strips characters from document data which the storage
// engine refuses to persist. Postgres rejects NUL (U+0000) in both TEXT and
// JSONB values, and a single embedded NUL anywhere in a snapshot or op would
// otherwise fail the whole write.
package sanitize

import (
	"encoding/json"
	"iter"
	"maps"
	"reflect"
	"strings"
)

const nul = "\x00"

// String returns s with every NUL removed.
func String(s string) string {
	if !strings.Contains(s, nul) {
		return s
	}
	return strings.ReplaceAll(s, nul, "")
}

// Value returns a copy of v with NUL removed from every string, at any depth.
// Map keys are cleaned as well as values. Non-string scalars pass through
// unchanged, and v itself is never modified. Cyclic values are not supported.
//
// Keys which differ only by NULs collide once cleaned. The value of a key
// which was already clean is kept, and otherwise that of the lesser
// original key.
//
// Values which aren't plain JSON shapes (structs, typed pointers) are first
// normalized through encoding/json, so the result is what will actually be
// stored.
func Value(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return v
	case string:
		return String(t)
	case map[string]interface{}:
		var owners = keyOwners(maps.Keys(t))
		var has = func(ck string) bool { _, ok := t[ck]; return ok }
		var out = make(map[string]interface{}, len(t))
		for k, e := range t {
			if ck, ok := keepKey(k, owners, has); ok {
				out[ck] = Value(e)
			}
		}
		return out
	case []interface{}:
		var out = make([]interface{}, len(t))
		for i, e := range t {
			out[i] = Value(e)
		}
		return out
	case []string:
		var out = make([]string, len(t))
		for i, e := range t {
			out[i] = String(e)
		}
		return out
	case map[string]string:
		var owners = keyOwners(maps.Keys(t))
		var has = func(ck string) bool { _, ok := t[ck]; return ok }
		var out = make(map[string]string, len(t))
		for k, e := range t {
			if ck, ok := keepKey(k, owners, has); ok {
				out[ck] = String(e)
			}
		}
		return out
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(t, &decoded); err != nil {
			return v // Let the encoder report it.
		}
		return Value(decoded)
	case []byte:
		return v // Encoded as base64.
	}
	return reflectValue(reflect.ValueOf(v))
}

// keyOwners maps the cleaned form of each key holding a NUL to the least
// such key which cleans to it. It's nil if no key holds a NUL.
func keyOwners(keys iter.Seq[string]) map[string]string {
	var owners map[string]string
	for k := range keys {
		if !strings.Contains(k, nul) {
			continue
		}
		if owners == nil {
			owners = make(map[string]string)
		}
		var ck = String(k)
		if prev, ok := owners[ck]; !ok || k < prev {
			owners[ck] = k
		}
	}
	return owners
}

// keepKey returns the cleaned form of k, and whether its value is kept.
// has reports whether the map holds a given key as-is.
func keepKey(k string, owners map[string]string, has func(string) bool) (string, bool) {
	if owners == nil || !strings.Contains(k, nul) {
		return k, true
	}
	var ck = String(k)
	return ck, owners[ck] == k && !has(ck)
}

// reflectValue handles typed maps, slices and arrays, and falls back to a
// JSON round-trip for anything else.
func reflectValue(rv reflect.Value) interface{} {
	switch rv.Kind() {
	case reflect.String:
		return reflect.ValueOf(String(rv.String())).Convert(rv.Type()).Interface()

	case reflect.Map:
		if rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
			return jsonValue(rv.Interface())
		}
		var keyType = rv.Type().Key()
		var owners = keyOwners(func(yield func(string) bool) {
			for _, k := range rv.MapKeys() {
				if !yield(k.String()) {
					return
				}
			}
		})
		var has = func(ck string) bool {
			return rv.MapIndex(reflect.ValueOf(ck).Convert(keyType)).IsValid()
		}
		var out = make(map[string]interface{}, rv.Len())
		var it = rv.MapRange()
		for it.Next() {
			if ck, ok := keepKey(it.Key().String(), owners, has); ok {
				out[ck] = Value(it.Value().Interface())
			}
		}
		return out

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		var out = make([]interface{}, rv.Len())
		for i := range out {
			out[i] = Value(rv.Index(i).Interface())
		}
		return out

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Value(rv.Elem().Interface())

	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rv.Interface()
	}
	return jsonValue(rv.Interface())
}

// jsonValue normalizes v through its JSON encoding and sanitizes the result.
// If v can't be encoded it's returned as-is, and the caller's own encoding
// step surfaces the error.
func jsonValue(v interface{}) interface{} {
	var b, err = json.Marshal(v)
	if err != nil {
		return v
	}
	var decoded interface{}
	if err = json.Unmarshal(b, &decoded); err != nil {
		return v
	}
	return Value(decoded)
}
