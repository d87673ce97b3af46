// Package feature defines the stereo point and line-segment observations a
// keyframe carries into the mapping backend, as supplied by the visual
// odometry frontend.
package feature

import (
	"math/bits"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Unassociated marks a feature with no landmark assigned.
const Unassociated = -1

// Descriptor is a binary feature descriptor (e.g. ORB or LBD bytes).
type Descriptor []byte

// Distance returns the Hamming distance between two descriptors. Differing
// lengths compare over the shorter prefix plus the length gap in bits.
func (d Descriptor) Distance(o Descriptor) int {
	n := len(d)
	if len(o) < n {
		n = len(o)
	}
	dist := 0
	for i := 0; i < n; i++ {
		dist += bits.OnesCount8(d[i] ^ o[i])
	}
	dist += 8 * (len(d) - n)
	dist += 8 * (len(o) - n)
	return dist
}

// Clone returns a copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	out := make(Descriptor, len(d))
	copy(out, d)
	return out
}

// Point is a stereo-triangulated point feature.
type Point struct {
	Px        r2.Point  // left-image pixel
	Disparity float64   // stereo disparity
	P         r3.Vector // camera-frame 3D position
	Desc      Descriptor
	Landmark  int // associated landmark id, Unassociated if none
	Inlier    bool

	// observation of the same feature in the paired keyframe, populated
	// during association for pose refinement
	PxObs r2.Point
}

// Line is a stereo-triangulated line-segment feature.
type Line struct {
	SPx, EPx     r2.Point  // left-image segment endpoints
	SDisp, EDisp float64   // endpoint disparities
	SP, EP       r3.Vector // camera-frame 3D endpoints
	Le           r3.Vector // homogeneous image line equation
	Desc         Descriptor
	Landmark     int
	Inlier       bool

	SPxObs, EPxObs r2.Point
	LeObs          r3.Vector
}

// Midpoint returns the pixel midpoint of the segment.
func (l *Line) Midpoint() r2.Point {
	return r2.Point{X: (l.SPx.X + l.EPx.X) / 2, Y: (l.SPx.Y + l.EPx.Y) / 2}
}

// Bundle is the full stereo observation set of one keyframe.
type Bundle struct {
	Timestamp float64
	Points    []*Point
	Lines     []*Line
	Width     int
	Height    int
}

// ResetAssociations clears any landmark assignment on every feature.
func (b *Bundle) ResetAssociations() {
	for _, pt := range b.Points {
		if pt != nil {
			pt.Landmark = Unassociated
		}
	}
	for _, ls := range b.Lines {
		if ls != nil {
			ls.Landmark = Unassociated
		}
	}
}

// PointDescriptors returns the descriptors of all point features, in order.
func (b *Bundle) PointDescriptors() []Descriptor {
	out := make([]Descriptor, len(b.Points))
	for i, pt := range b.Points {
		out[i] = pt.Desc
	}
	return out
}

// LineDescriptors returns the descriptors of all line features, in order.
func (b *Bundle) LineDescriptors() []Descriptor {
	out := make([]Descriptor, len(b.Lines))
	for i, ls := range b.Lines {
		out[i] = ls.Desc
	}
	return out
}
