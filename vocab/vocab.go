// Package vocab provides bag-of-words image signatures over binary feature
// descriptors, used by the mapping backend for place recognition.
package vocab

import (
	"math"

	"github.com/pkg/errors"

	"github.com/plslam/slam/feature"
)

// Vector is a sparse, L1-normalized bag-of-words signature keyed by word id.
type Vector map[uint32]float64

// Vocabulary turns a set of descriptors into a Vector and scores two Vectors.
type Vocabulary interface {
	Transform(descs []feature.Descriptor) Vector
	Score(a, b Vector) float64
}

// L1Score is the DBoW2 L1 similarity, 1 - 0.5*sum|a_i - b_i| over the union
// of words. Identical normalized vectors score 1, disjoint ones score 0.
func L1Score(a, b Vector) float64 {
	sum := 0.0
	for w, av := range a {
		sum += math.Abs(av - b[w])
	}
	for w, bv := range b {
		if _, ok := a[w]; !ok {
			sum += math.Abs(bv)
		}
	}
	s := 1.0 - 0.5*sum
	if s < 0 {
		return 0
	}
	return s
}

// PrefixVocabulary quantizes a descriptor to a word by its leading bits. It
// stands in for a trained tree vocabulary while keeping the same Vector and
// scoring contract.
type PrefixVocabulary struct {
	bits uint
}

// NewPrefixVocabulary builds a quantizer over the first n bits of each
// descriptor, 1 <= n <= 32.
func NewPrefixVocabulary(n uint) (*PrefixVocabulary, error) {
	if n < 1 || n > 32 {
		return nil, errors.Errorf("prefix bits must be in [1,32], got %d", n)
	}
	return &PrefixVocabulary{bits: n}, nil
}

// Transform quantizes every descriptor and returns the L1-normalized word
// histogram. An empty descriptor set yields an empty vector.
func (v *PrefixVocabulary) Transform(descs []feature.Descriptor) Vector {
	vec := Vector{}
	total := 0.0
	for _, d := range descs {
		if len(d) == 0 {
			continue
		}
		vec[v.word(d)]++
		total++
	}
	if total > 0 {
		for w := range vec {
			vec[w] /= total
		}
	}
	return vec
}

// Score implements the Vocabulary interface with the L1 similarity.
func (v *PrefixVocabulary) Score(a, b Vector) float64 {
	return L1Score(a, b)
}

func (v *PrefixVocabulary) word(d feature.Descriptor) uint32 {
	var w uint32
	for i := uint(0); i < v.bits; i++ {
		byteIdx := i / 8
		var bit uint32
		if int(byteIdx) < len(d) {
			bit = uint32(d[byteIdx]>>(7-i%8)) & 1
		}
		w = w<<1 | bit
	}
	return w
}
