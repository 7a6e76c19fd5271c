package metadata

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAny(t *testing.T) {
	t.Run("Scalars", func(t *testing.T) {
		tests := []struct {
			name     string
			input    any
			expected Value
		}{
			{"nil", nil, Null()},
			{"Value", Int(1), Int(1)},
			{"bool true", true, Bool(true)},
			{"bool false", false, Bool(false)},
			{"string", "hello", String("hello")},
			{"float64", 3.14, Float(3.14)},
			{"float32", float32(1.5), Float(1.5)},
			{"int", int(1), Int(1)},
			{"int8", int8(1), Int(1)},
			{"int32", int32(1), Int(1)},
			{"int64", int64(1), Int(1)},
			{"uint32 max", uint32(math.MaxUint32), Int(int64(math.MaxUint32))},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				v, err := FromAny(tc.input)
				assert.NoError(t, err)
				assert.Equal(t, tc.expected, v)
			})
		}
	})

	t.Run("Uint64 Range", func(t *testing.T) {
		v, err := FromAny(uint64(math.MaxInt64))
		assert.NoError(t, err)
		assert.Equal(t, int64(math.MaxInt64), v.I64)

		_, err = FromAny(uint64(math.MaxInt64) + 1)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "out of range")
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := FromAny([]int{1})
		assert.Error(t, err)
	})
}

func TestFromMap(t *testing.T) {
	md, err := FromMap(map[string]any{"a": 1, "b": "x", "c": nil})
	require.NoError(t, err)
	assert.Equal(t, Metadata{"a": Int(1), "b": String("x"), "c": Null()}, md)

	md, err = FromMap(nil)
	require.NoError(t, err)
	assert.Nil(t, md)

	_, err = FromMap(map[string]any{"bad": struct{}{}})
	assert.Error(t, err)
}

func TestMetadataJSON(t *testing.T) {
	in := Metadata{"s": String("hi"), "i": Int(-3), "f": Float(2.5), "b": Bool(false)}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Metadata
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
	assert.Equal(t, "hi", out["s"].StringValue())
}
