package feature

import (
	"testing"

	"go.viam.com/test"
)

func TestDescriptorDistance(t *testing.T) {
	a := Descriptor{0xFF, 0x00}
	b := Descriptor{0x0F, 0x00}
	test.That(t, a.Distance(b), test.ShouldEqual, 4)
	test.That(t, a.Distance(a), test.ShouldEqual, 0)
	test.That(t, b.Distance(a), test.ShouldEqual, a.Distance(b))

	// length mismatch charges the gap in full
	c := Descriptor{0xFF}
	test.That(t, a.Distance(c), test.ShouldEqual, 8)
}

func TestDescriptorClone(t *testing.T) {
	a := Descriptor{1, 2, 3}
	b := a.Clone()
	b[0] = 9
	test.That(t, a[0], test.ShouldEqual, byte(1))
}

func TestResetAssociations(t *testing.T) {
	b := &Bundle{
		Points: []*Point{{Landmark: 3}, {Landmark: Unassociated}},
		Lines:  []*Line{{Landmark: 7}},
	}
	b.ResetAssociations()
	test.That(t, b.Points[0].Landmark, test.ShouldEqual, Unassociated)
	test.That(t, b.Points[1].Landmark, test.ShouldEqual, Unassociated)
	test.That(t, b.Lines[0].Landmark, test.ShouldEqual, Unassociated)
}

func TestMidpoint(t *testing.T) {
	l := &Line{}
	l.SPx.X, l.SPx.Y = 0, 0
	l.EPx.X, l.EPx.Y = 4, 2
	m := l.Midpoint()
	test.That(t, m.X, test.ShouldEqual, 2.0)
	test.That(t, m.Y, test.ShouldEqual, 1.0)
}
