package keyframe

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"go.viam.com/test"

	"github.com/plslam/slam/feature"
	"github.com/plslam/slam/se3"
)

func TestSetPoseCachesTwist(t *testing.T) {
	pose := se3.Exp(se3.Twist{0.1, -0.2, 0.3, 0.02, 0.01, -0.03})
	kf := New(4, pose, &feature.Bundle{})
	test.That(t, kf.ID, test.ShouldEqual, 4)

	back := se3.Exp(kf.X)
	for i := 0; i < 16; i++ {
		test.That(t, back[i], test.ShouldAlmostEqual, pose[i], 1e-9)
	}

	kf.SetPose(mgl64.Ident4())
	test.That(t, kf.X.Norm(), test.ShouldAlmostEqual, 0.0, 1e-12)
}

func TestCountAssociated(t *testing.T) {
	b := &feature.Bundle{
		Points: []*feature.Point{
			{Landmark: 0},
			{Landmark: feature.Unassociated},
			{Landmark: 7},
		},
		Lines: []*feature.Line{
			{Landmark: feature.Unassociated},
			{Landmark: 2},
		},
	}
	kf := New(0, mgl64.Ident4(), b)
	p, l := kf.CountAssociated()
	test.That(t, p, test.ShouldEqual, 2)
	test.That(t, l, test.ShouldEqual, 1)

	empty := New(1, mgl64.Ident4(), nil)
	p, l = empty.CountAssociated()
	test.That(t, p, test.ShouldEqual, 0)
	test.That(t, l, test.ShouldEqual, 0)
}
