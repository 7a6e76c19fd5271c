// Package distance implements the l2, ip and cosine spaces. Smaller is
// always closer.
package distance

import (
	"fmt"
	"math"
	"slices"

	"github.com/hupe1980/embedb/model"
)

// Func computes the distance between two vectors of equal length.
type Func func(a, b []float32) float32

// Dot returns the inner product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 returns the squared Euclidean distance.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// InnerProduct returns 1 - a·b, so larger products rank closer.
func InnerProduct(a, b []float32) float32 { return 1 - Dot(a, b) }

// NormalizeL2InPlace scales v to unit length. It reports false for a zero vector.
func NormalizeL2InPlace(v []float32) bool {
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := float32(1 / math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// NormalizeL2Copy returns a unit-length copy of src. A zero vector is
// returned unchanged.
func NormalizeL2Copy(src []float32) []float32 {
	dst := slices.Clone(src)
	NormalizeL2InPlace(dst)
	return dst
}

// Space bundles the distance function of a model.Space with the vector
// preparation it needs.
type Space struct {
	Kind      model.Space
	Distance  Func
	Normalize bool
}

// ForSpace resolves s. Cosine distances are inner products over normalized
// vectors.
func ForSpace(s model.Space) (Space, error) {
	switch s {
	case model.SpaceL2:
		return Space{Kind: s, Distance: SquaredL2}, nil
	case model.SpaceIP:
		return Space{Kind: s, Distance: InnerProduct}, nil
	case model.SpaceCosine:
		return Space{Kind: s, Distance: InnerProduct, Normalize: true}, nil
	default:
		return Space{}, fmt.Errorf("unsupported space %q", s)
	}
}

// Prepare returns v as stored or queried in this space.
func (s Space) Prepare(v []float32) []float32 {
	if s.Normalize {
		return NormalizeL2Copy(v)
	}
	return slices.Clone(v)
}
