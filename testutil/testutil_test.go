package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUniformVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.UniformVectors(8, 32)

	assert.Equal(t, 8, len(v))
	assert.Equal(t, 32, len(v[0]))
	assert.LessOrEqual(t, v[0][0], float32(1.0))
	assert.GreaterOrEqual(t, v[1][0], float32(0.0))
}

func TestUnitVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.UnitVectors(8, 32)

	assert.Equal(t, 8, len(v))
	assert.Equal(t, 32, len(v[0]))

	// Check normalization
	for _, vec := range v {
		var sum float32
		for _, val := range vec {
			sum += val * val
		}
		assert.InDelta(t, float32(1.0), sum, 1e-5)
	}
}

func TestClusteredVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.ClusteredVectors(100, 32, 5, 0.1)

	assert.Equal(t, 100, len(v))
	assert.Equal(t, 32, len(v[0]))
}

func TestReset(t *testing.T) {
	rng := NewRNG(4711)
	v1 := rng.UniformVectors(1, 10)

	rng.Reset()
	v2 := rng.UniformVectors(1, 10)

	assert.Equal(t, v1, v2)
}

func TestBruteForceSearch(t *testing.T) {
	ids := IDs("v", 4)
	assert.Equal(t, []string{"v0", "v1", "v2", "v3"}, ids)

	vecs := [][]float32{{5, 5}, {1, 0}, {0, 0}, {0, 1}}
	res := BruteForceSearch(ids, vecs, []float32{0, 0}, 3)
	assert.Equal(t, []Neighbor{{"v2", 0}, {"v1", 1}, {"v3", 1}}, res)
}

func TestRecall(t *testing.T) {
	truth := []Neighbor{{ID: "a"}, {ID: "b"}}
	assert.Equal(t, 1.0, Recall(truth, []string{"b", "a"}))
	assert.Equal(t, 0.5, Recall(truth, []string{"a", "x"}))
	assert.Equal(t, 1.0, Recall(nil, nil))
	assert.Equal(t, 0.0, Recall(truth, nil))
}
