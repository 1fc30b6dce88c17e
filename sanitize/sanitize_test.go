package sanitize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	assert.Equal(t, "hello", String("hello"))
	assert.Equal(t, "hello", String("he\x00llo\x00"))
	assert.Equal(t, "", String("\x00\x00"))
}

func TestValueStripsNestedNUL(t *testing.T) {
	var in = map[string]interface{}{
		"title\x00": "a\x00b",
		"n":         float64(3),
		"ok":        true,
		"nil":       nil,
		"list": []interface{}{
			"x\x00",
			map[string]interface{}{
				"deep": []interface{}{[]interface{}{"\x00y\x00"}},
			},
		},
	}
	var out = Value(in)

	assert.Equal(t, map[string]interface{}{
		"title": "ab",
		"n":     float64(3),
		"ok":    true,
		"nil":   nil,
		"list": []interface{}{
			"x",
			map[string]interface{}{
				"deep": []interface{}{[]interface{}{"y"}},
			},
		},
	}, out)

	// The input is left alone.
	assert.Equal(t, "a\x00b", in["title\x00"])
}

func TestValueIsIdempotent(t *testing.T) {
	var clean = map[string]interface{}{
		"ops": []interface{}{
			map[string]interface{}{"retain": float64(5)},
			map[string]interface{}{"insert": "hi"},
		},
		"v": json.Number("12"),
	}
	var once = Value(clean)
	assert.Equal(t, clean, once)
	assert.Equal(t, once, Value(once))
}

func TestValueScalarsPassThrough(t *testing.T) {
	for _, v := range []interface{}{nil, true, 1, int64(-2), uint8(7), 1.5, json.Number("4")} {
		assert.Equal(t, v, Value(v))
	}
}

func TestValueTypedContainers(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Value([]string{"a\x00", "b"}))
	assert.Equal(t, map[string]string{"k": "v"}, Value(map[string]string{"k\x00": "\x00v"}))

	// Typed maps and slices without a fast path come back as JSON shapes.
	assert.Equal(t, map[string]interface{}{"a": []interface{}{1, 2}},
		Value(map[string][]int{"a": {1, 2}}))
	assert.Equal(t, []interface{}{"x", "y"}, Value([2]string{"x\x00", "y"}))

	type label string
	assert.Equal(t, label("ab"), Value(label("a\x00b")))
}

func TestValueStructsAreNormalized(t *testing.T) {
	type delta struct {
		Insert string `json:"insert"`
		Retain int    `json:"retain,omitempty"`
	}
	var out = Value(&delta{Insert: "hi\x00"})
	assert.Equal(t, map[string]interface{}{"insert": "hi"}, out)
}

func TestValueRawMessage(t *testing.T) {
	var raw = json.RawMessage(`{"a":"b\u0000c","n":[1,"\u0000"]}`)
	var out = Value(raw)

	b, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"bc","n":[1,""]}`, string(b))
}

func TestValueCollidingKeysAreDeterministic(t *testing.T) {
	for i := 0; i != 20; i++ {
		// An already-clean key wins over keys which clean to it.
		assert.Equal(t, map[string]interface{}{"a": "clean"}, Value(map[string]interface{}{
			"a\x00": "dirty", "a": "clean", "\x00a": "dirty too",
		}))
		// Otherwise the lesser original key wins.
		assert.Equal(t, map[string]interface{}{"a": "first"}, Value(map[string]interface{}{
			"\x00a": "first", "a\x00": "second",
		}))
		assert.Equal(t, map[string]string{"k": "clean"}, Value(map[string]string{
			"k\x00": "dirty", "k": "clean",
		}))

		type key string
		assert.Equal(t, map[string]interface{}{"k": 1}, Value(map[key]int{
			"k\x00": 2, "k": 1,
		}))
	}
}
