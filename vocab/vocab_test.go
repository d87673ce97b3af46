package vocab

import (
	"testing"

	"go.viam.com/test"

	"github.com/plslam/slam/feature"
)

func TestL1Score(t *testing.T) {
	a := Vector{1: 0.5, 2: 0.5}
	test.That(t, L1Score(a, a), test.ShouldAlmostEqual, 1.0)

	b := Vector{3: 0.5, 4: 0.5}
	test.That(t, L1Score(a, b), test.ShouldAlmostEqual, 0.0)

	c := Vector{1: 0.5, 3: 0.5}
	test.That(t, L1Score(a, c), test.ShouldAlmostEqual, 0.5)
}

func TestPrefixVocabulary(t *testing.T) {
	_, err := NewPrefixVocabulary(0)
	test.That(t, err, test.ShouldNotBeNil)

	v, err := NewPrefixVocabulary(8)
	test.That(t, err, test.ShouldBeNil)

	descs := []feature.Descriptor{
		{0xAA, 0x01},
		{0xAA, 0xFF}, // same first byte, same word
		{0x55, 0x00},
	}
	vec := v.Transform(descs)
	test.That(t, len(vec), test.ShouldEqual, 2)
	test.That(t, vec[0xAA], test.ShouldAlmostEqual, 2.0/3.0)
	test.That(t, vec[0x55], test.ShouldAlmostEqual, 1.0/3.0)

	// normalization sums to one
	sum := 0.0
	for _, x := range vec {
		sum += x
	}
	test.That(t, sum, test.ShouldAlmostEqual, 1.0)

	test.That(t, v.Score(vec, vec), test.ShouldAlmostEqual, 1.0)
	test.That(t, len(v.Transform(nil)), test.ShouldEqual, 0)
}
