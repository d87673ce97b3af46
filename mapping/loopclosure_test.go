package mapping

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/plslam/slam/config"
	"github.com/plslam/slam/feature"
	"github.com/plslam/slam/keyframe"
	"github.com/plslam/slam/se3"
)

func TestLcStateString(t *testing.T) {
	test.That(t, lcIdle.String(), test.ShouldEqual, "idle")
	test.That(t, lcActive.String(), test.ShouldEqual, "active")
	test.That(t, lcReady.String(), test.ShouldEqual, "ready")
	test.That(t, lcTerminated.String(), test.ShouldEqual, "terminated")
}

func TestDispersion(t *testing.T) {
	std, n := dispersion(nil, nil)
	test.That(t, std, test.ShouldEqual, 0.0)
	test.That(t, n, test.ShouldEqual, 0)

	std, n = dispersion([]float64{5}, []float64{7})
	test.That(t, std, test.ShouldEqual, 0.0)
	test.That(t, n, test.ShouldEqual, 1)

	std, n = dispersion([]float64{0, 2}, []float64{0, 0})
	test.That(t, std, test.ShouldBeGreaterThan, 0.0)
	test.That(t, n, test.ShouldEqual, 2)
}

func TestCommonRatioOK(t *testing.T) {
	cfg := config.Default()
	cfg.LCInlierRatio = 30
	h := newTestHandler(t, &cfg)

	tenPoints := &feature.Bundle{Points: make([]*feature.Point, 10)}
	test.That(t, h.commonRatioOK(4, 0, tenPoints, tenPoints), test.ShouldBeTrue)
	test.That(t, h.commonRatioOK(2, 0, tenPoints, tenPoints), test.ShouldBeFalse)

	// both kinds present, both must clear the bar
	mixed := &feature.Bundle{Points: make([]*feature.Point, 10), Lines: make([]*feature.Line, 10)}
	test.That(t, h.commonRatioOK(4, 4, mixed, mixed), test.ShouldBeTrue)
	test.That(t, h.commonRatioOK(4, 2, mixed, mixed), test.ShouldBeFalse)

	test.That(t, h.commonRatioOK(0, 0, &feature.Bundle{}, &feature.Bundle{}), test.ShouldBeFalse)
}

func TestLookForLoopCandidates(t *testing.T) {
	cfg := config.Default()
	cfg.LCKFDist = 10
	cfg.LCKFMaxDist = 2
	cfg.LCNKFClosest = 1
	cfg.MinKFLocalMap = 1
	h := newTestHandler(t, &cfg)
	emptyKeyFrames(h, 20)
	h.maxKFID = 19

	// recent keyframes define the acceptance threshold
	h.confusion.Set(15, 19, 0.4)
	h.confusion.Set(16, 19, 0.5)
	h.confusion.Set(17, 19, 0.6)
	h.confusion.Set(18, 19, 0.7)
	// an old keyframe scores above it, supported by a neighbor in the band
	h.confusion.Set(3, 19, 0.9)
	h.confusion.Set(2, 19, 0.5)

	id, ok := h.lookForLoopCandidates(19)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, id, test.ShouldEqual, 3)

	// without support nearby the best score alone is not enough
	h.confusion.Set(2, 19, 0.0)
	_, ok = h.lookForLoopCandidates(19)
	test.That(t, ok, test.ShouldBeFalse)

	// a best score under the threshold never qualifies
	h.confusion.Set(2, 19, 0.5)
	h.confusion.Set(3, 19, 0.3)
	_, ok = h.lookForLoopCandidates(19)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestLookForLoopCandidatesNeedsDistance(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)
	emptyKeyFrames(h, 5)
	h.maxKFID = 4

	// far too few old keyframes outside the exclusion window
	_, ok := h.lookForLoopCandidates(4)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestIsLoopClosureAcceptsMatchingGeometry(t *testing.T) {
	cfg := config.Default()
	cfg.LCUnc = 1e3
	h := newTestHandler(t, &cfg)
	cam := testCam(t)
	pts, lns := scenePoints(), sceneLines()

	prevPose := mgl64.Ident4()
	currPose := se3.Exp(se3.Twist{0.25, 0.1, -0.15, 0.03, -0.02, 0.04})
	prev := keyframe.New(0, prevPose, bundleAt(cam, prevPose, pts, lns, 0))
	curr := keyframe.New(60, currPose, bundleAt(cam, currPose, pts, lns, 6))
	// sub-pixel observation noise, as any real detector would carry
	for i, pt := range curr.Bundle.Points {
		pt.Px.X += 0.2 * float64(i%2*2-1)
		pt.Px.Y += 0.2 * float64((i/2)%2*2-1)
	}

	c, ok := h.isLoopClosure(prev, curr)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, c.Prev, test.ShouldEqual, 0)
	test.That(t, c.Curr, test.ShouldEqual, 60)
	test.That(t, c.Pending, test.ShouldBeTrue)
	test.That(t, len(c.PtPairs), test.ShouldEqual, len(pts))
	test.That(t, len(c.LsPairs), test.ShouldEqual, len(lns))

	// the measured constraint reproduces the true relative pose
	want := se3.Mul(se3.Inverse(prevPose), currPose)
	diff := se3.Translation(c.Rel).Sub(se3.Translation(want)).Norm()
	test.That(t, diff, test.ShouldBeLessThan, 0.01)
}

func TestIsLoopClosureRejectsLargeMotion(t *testing.T) {
	cfg := config.Default()
	cfg.LCUnc = 1e12
	h := newTestHandler(t, &cfg)
	cam := testCam(t)
	pts, lns := scenePoints(), sceneLines()

	prev := keyframe.New(0, mgl64.Ident4(), bundleAt(cam, mgl64.Ident4(), pts, lns, 0))
	farPose := se3.Exp(se3.Twist{2.5, 0, 0, 0, 0, 0})
	curr := keyframe.New(60, farPose, bundleAt(cam, farPose, pts, lns, 6))

	_, ok := h.isLoopClosure(prev, curr)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestIsLoopClosureRejectsDisjointScenes(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)
	cam := testCam(t)

	prev := keyframe.New(0, mgl64.Ident4(), bundleAt(cam, mgl64.Ident4(), scenePoints(), nil, 0))
	other := &feature.Bundle{Width: cam.Width, Height: cam.Height}
	for i := range scenePoints() {
		other.Points = append(other.Points, &feature.Point{
			Desc:     testDesc(5000 + i),
			Landmark: feature.Unassociated,
		})
	}
	curr := keyframe.New(60, mgl64.Ident4(), other)

	_, ok := h.isLoopClosure(prev, curr)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestPoseGraphCorrectionPullsDriftBack(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)

	// three keyframes drifted along x, with a loop closure measuring the
	// true two-step displacement
	registerKeyFrame(h, keyframe.New(0, mgl64.Ident4(), &feature.Bundle{}))
	registerKeyFrame(h, keyframe.New(1, se3.Exp(se3.Twist{1, 0, 0, 0, 0, 0}), &feature.Bundle{}))
	registerKeyFrame(h, keyframe.New(2, se3.Exp(se3.Twist{2.1, 0, 0, 0, 0, 0}), &feature.Bundle{}))

	lm := plantPoint(h, 2)
	lm.P = r3.Vector{X: 2.1, Y: 0, Z: 5}
	before := lm.P

	h.lcConstraints = append(h.lcConstraints, &lcConstraint{
		Prev: 0, Curr: 2,
		Rel:     se3.Exp(se3.Twist{2, 0, 0, 0, 0, 0}),
		Pending: true,
	})
	h.poseGraphCorrection()

	x2 := se3.Translation(h.kfs[2].Pose).X
	test.That(t, x2, test.ShouldBeLessThan, 2.1)
	test.That(t, x2, test.ShouldBeGreaterThan, 1.95)
	test.That(t, se3.Translation(h.kfs[0].Pose).Norm(), test.ShouldBeLessThan, 1e-9)

	// the landmark anchored at the corrected keyframe moved with it
	test.That(t, lm.P.X, test.ShouldBeLessThan, before.X)
	test.That(t, lm.P.X-before.X, test.ShouldAlmostEqual, x2-2.1, 1e-6)
}

func TestLoopClosureStateMachine(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)
	registerKeyFrame(h, keyframe.New(0, mgl64.Ident4(), &feature.Bundle{}))
	registerKeyFrame(h, keyframe.New(1, se3.Exp(se3.Twist{1.05, 0, 0, 0, 0, 0}), &feature.Bundle{}))

	h.lcConstraints = append(h.lcConstraints, &lcConstraint{
		Prev: 0, Curr: 1,
		Rel:     se3.Exp(se3.Twist{1, 0, 0, 0, 0, 0}),
		Pending: true,
	})
	h.lcState = lcActive

	// no candidate this round, so the armed pipeline fires and resets,
	// settling kf1 between its drifted pose and the measured constraint
	h.loopClosure(1)
	test.That(t, h.lcState, test.ShouldEqual, lcIdle)
	test.That(t, h.lcConstraints[0].Pending, test.ShouldBeFalse)
	test.That(t, se3.Translation(h.kfs[1].Pose).X, test.ShouldAlmostEqual, 1.025, 1e-3)
}
