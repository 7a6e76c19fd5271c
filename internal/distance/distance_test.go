package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedb/model"
)

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-5)
		})
	}
}

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, SquaredL2(tt.a, tt.b), 1e-5)
		})
	}
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	assert.False(t, NormalizeL2InPlace(zero))

	src := []float32{0, 5}
	cp := NormalizeL2Copy(src)
	assert.Equal(t, []float32{0, 5}, src)
	assert.Equal(t, []float32{0, 1}, cp)
}

func TestForSpace(t *testing.T) {
	l2, err := ForSpace(model.SpaceL2)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, l2.Distance([]float32{0, 0}, []float32{1, 0}), 1e-6)

	ip, err := ForSpace(model.SpaceIP)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, ip.Distance([]float32{1, 1}, []float32{1, 1}), 1e-6)

	cos, err := ForSpace(model.SpaceCosine)
	require.NoError(t, err)
	a := cos.Prepare([]float32{2, 0})
	b := cos.Prepare([]float32{0, 7})
	c := cos.Prepare([]float32{5, 0})
	assert.InDelta(t, 1.0, cos.Distance(a, b), 1e-6)
	assert.InDelta(t, 0.0, cos.Distance(a, c), 1e-6)
	assert.False(t, math.IsNaN(float64(cos.Distance(cos.Prepare([]float32{0, 0}), a))))

	_, err = ForSpace("hamming")
	assert.Error(t, err)
}
