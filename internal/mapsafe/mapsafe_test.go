package mapsafe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	m := map[string]any{"n": float64(3), "s": "x", "b": true}

	assert.Equal(t, 3, Get(m, "n", 0))
	assert.Equal(t, 3.0, Get(m, "n", 0.0))
	assert.Equal(t, "x", Get(m, "s", ""))
	assert.Equal(t, true, Get(m, "b", false))
	assert.Equal(t, "fallback", Get(m, "n", "fallback"))
	assert.Equal(t, 9, Get(m, "missing", 9))
}

func TestFloat(t *testing.T) {
	m := map[string]any{
		"num":   0.87,
		"str":   " 1.5 ",
		"bool":  true,
		"bad":   "high",
		"null":  nil,
		"array": []any{1.0},
	}

	tests := []struct {
		key     string
		want    float64
		wantErr bool
	}{
		{"num", 0.87, false},
		{"str", 1.5, false},
		{"bool", 1, false},
		{"missing", 0.15, false},
		{"bad", 0, true},
		{"null", 0, true},
		{"array", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := Float(m, tt.key, 0.15)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestInt(t *testing.T) {
	m := map[string]any{
		"num":   float64(7),
		"frac":  5.9,
		"str":   "12",
		"fstr":  "5.5",
		"obj":   map[string]any{},
		"false": false,
	}

	n, err := Int(m, "num", 5)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = Int(m, "frac", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = Int(m, "str", 5)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	n, err = Int(m, "false", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = Int(m, "missing", 20)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	_, err = Int(m, "fstr", 5)
	assert.EqualError(t, err, "invalid literal for int() with base 10: '5.5'")

	_, err = Int(m, "obj", 5)
	assert.EqualError(t, err, "obj must be an integer, got object")
}

func TestInt_Range(t *testing.T) {
	m := map[string]any{
		"max":    0x1p63,
		"min":    -0x1p63,
		"below":  -0x1p64,
		"inside": 0x1p62,
		"inf":    math.Inf(1),
	}

	_, err := Int(m, "max", 0)
	assert.EqualError(t, err, "max is out of range: 9.223372036854776e+18")

	n, err := Int(m, "min", 0)
	require.NoError(t, err)
	assert.Equal(t, math.MinInt64, n)

	_, err = Int(m, "below", 0)
	assert.Error(t, err)

	n, err = Int(m, "inside", 0)
	require.NoError(t, err)
	assert.Equal(t, 1<<62, n)

	_, err = Int(m, "inf", 0)
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	m := map[string]any{
		"topic": "Biology",
		"terms": []any{"mitosis", "meiosis", 3.0},
		"num":   2.5,
		"null":  nil,
	}

	assert.Equal(t, "Biology", String(m, "topic", "N/A"))
	assert.Equal(t, "mitosis, meiosis, 3", String(m, "terms", "N/A"))
	assert.Equal(t, "2.5", String(m, "num", "N/A"))
	assert.Equal(t, "N/A", String(m, "null", "N/A"))
	assert.Equal(t, "N/A", String(m, "missing", "N/A"))
}
