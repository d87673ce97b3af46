package mapping

import (
	"math"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	goutils "go.viam.com/utils"

	"github.com/plslam/slam/camera"
	"github.com/plslam/slam/config"
	"github.com/plslam/slam/feature"
	"github.com/plslam/slam/keyframe"
	"github.com/plslam/slam/se3"
)

func testCam(t *testing.T) *camera.PinholeStereo {
	t.Helper()
	cam, err := camera.NewPinholeStereo(500, 500, 320, 240, 0.12, 640, 480)
	test.That(t, err, test.ShouldBeNil)
	return cam
}

func newTestHandler(t *testing.T, cfg *config.Config) *Handler {
	t.Helper()
	h, err := NewHandler(testCam(t), cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return h
}

// testDesc returns a distinct binary descriptor per feature index so
// exhaustive and grid matching both resolve unambiguously.
func testDesc(i int) feature.Descriptor {
	return feature.Descriptor{byte(i), byte(i >> 8), byte(i * 7), byte(i*13 + 5)}
}

// scenePoints spreads 24 world points across the frustum of a camera near
// the origin looking down +Z.
func scenePoints() []r3.Vector {
	var pts []r3.Vector
	i := 0
	for _, x := range []float64{-1.4, -0.9, -0.4, 0.1, 0.6, 1.1} {
		for _, y := range []float64{-0.9, -0.3, 0.4, 1.0} {
			pts = append(pts, r3.Vector{X: x, Y: y, Z: 4 + 0.4*float64(i%4)})
			i++
		}
	}
	return pts
}

func sceneLines() [][2]r3.Vector {
	var lns [][2]r3.Vector
	for i := 0; i < 8; i++ {
		x := -1.2 + 0.34*float64(i)
		z := 4.5 + 0.2*float64(i%3)
		lns = append(lns, [2]r3.Vector{
			{X: x, Y: -0.6, Z: z},
			{X: x + 0.5, Y: 0.7, Z: z},
		})
	}
	return lns
}

func lineEq(p, q r2.Point) r3.Vector {
	le := r3.Vector{
		X: p.Y - q.Y,
		Y: q.X - p.X,
		Z: p.X*q.Y - q.X*p.Y,
	}
	return le.Mul(1 / math.Hypot(le.X, le.Y))
}

// bundleAt observes the scene from the given camera-to-world pose with
// exact projections and disparities.
func bundleAt(cam *camera.PinholeStereo, pose mgl64.Mat4, pts []r3.Vector, lns [][2]r3.Vector, ts float64) *feature.Bundle {
	inv := se3.Inverse(pose)
	b := &feature.Bundle{Timestamp: ts, Width: cam.Width, Height: cam.Height}
	for i, pw := range pts {
		pc := se3.TransformPoint(inv, pw)
		b.Points = append(b.Points, &feature.Point{
			Px:        cam.Project(pc),
			Disparity: cam.Baseline * cam.Fx / pc.Z,
			P:         pc,
			Desc:      testDesc(i),
			Landmark:  feature.Unassociated,
		})
	}
	for i, ln := range lns {
		sp := se3.TransformPoint(inv, ln[0])
		ep := se3.TransformPoint(inv, ln[1])
		spx, epx := cam.Project(sp), cam.Project(ep)
		b.Lines = append(b.Lines, &feature.Line{
			SPx: spx, EPx: epx,
			SDisp: cam.Baseline * cam.Fx / sp.Z,
			EDisp: cam.Baseline * cam.Fx / ep.Z,
			SP:    sp, EP: ep,
			Le:       lineEq(spx, epx),
			Desc:     testDesc(1000 + i),
			Landmark: feature.Unassociated,
		})
	}
	return b
}

// registerKeyFrame appends a keyframe to hand-built handler state, growing
// the graphs the way the insertion pipeline would.
func registerKeyFrame(h *Handler, kf *keyframe.KeyFrame) {
	if len(h.kfs) > 0 {
		h.fullGraph.Expand()
		h.confusion.Expand()
	}
	h.kfs = append(h.kfs, kf)
	if kf != nil && kf.ID > h.maxKFID {
		h.maxKFID = kf.ID
	}
}

func TestNewHandlerValidates(t *testing.T) {
	cfg := config.Default()
	_, err := NewHandler(nil, &cfg, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	bad := config.Default()
	bad.MatchWindow = 0
	_, err = NewHandler(testCam(t), &bad, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFirstKeyFrame(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)
	cam := testCam(t)

	err := h.AddKeyFrame(bundleAt(cam, mgl64.Ident4(), scenePoints(), sceneLines(), 0), mgl64.Ident4())
	test.That(t, err, test.ShouldBeNil)

	kfs := h.KeyFrames()
	test.That(t, len(kfs), test.ShouldEqual, 1)
	test.That(t, kfs[0].ID, test.ShouldEqual, 0)
	nPt, nLs := h.Landmarks()
	test.That(t, nPt, test.ShouldEqual, 0)
	test.That(t, nLs, test.ShouldEqual, 0)
	test.That(t, h.Close(), test.ShouldBeNil)
}

func TestAddKeyFrameNilBundle(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)
	test.That(t, h.AddKeyFrame(nil, mgl64.Ident4()), test.ShouldNotBeNil)
	test.That(t, h.Close(), test.ShouldBeNil)
}

func TestSequentialInsertionBuildsMap(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)
	cam := testCam(t)
	pts, lns := scenePoints(), sceneLines()

	pose0 := mgl64.Ident4()
	rel := se3.Exp(se3.Twist{0.1, 0.02, -0.05, 0.005, -0.004, 0.006})
	pose1 := se3.Mul(pose0, rel)

	test.That(t, h.AddKeyFrame(bundleAt(cam, pose0, pts, lns, 0), pose0), test.ShouldBeNil)
	test.That(t, h.AddKeyFrame(bundleAt(cam, pose1, pts, lns, 0.1), rel), test.ShouldBeNil)

	kfs := h.KeyFrames()
	test.That(t, len(kfs), test.ShouldEqual, 2)
	nPt, nLs := h.Landmarks()
	test.That(t, nPt, test.ShouldEqual, len(pts))
	test.That(t, nLs, test.ShouldEqual, len(lns))

	// every feature of the new keyframe found its landmark
	ptAssoc, lsAssoc := kfs[1].CountAssociated()
	test.That(t, ptAssoc, test.ShouldEqual, len(pts))
	test.That(t, lsAssoc, test.ShouldEqual, len(lns))
	test.That(t, h.fullGraph.At(0, 1), test.ShouldEqual, len(pts)+len(lns))

	lm := h.store.Point(0)
	test.That(t, lm, test.ShouldNotBeNil)
	test.That(t, lm.KFs, test.ShouldResemble, []int{0, 1})

	// exact observations keep the odometry pose
	diff := se3.Translation(kfs[1].Pose).Sub(se3.Translation(pose1)).Norm()
	test.That(t, diff, test.ShouldBeLessThan, 1e-4)
	test.That(t, h.Close(), test.ShouldBeNil)
}

func TestThirdKeyFrameExtendsLandmarks(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)
	cam := testCam(t)
	pts, lns := scenePoints(), sceneLines()

	rel := se3.Exp(se3.Twist{0.08, 0, 0.03, 0, 0.004, 0})
	pose := mgl64.Ident4()
	test.That(t, h.AddKeyFrame(bundleAt(cam, pose, pts, lns, 0), pose), test.ShouldBeNil)
	for i := 1; i <= 2; i++ {
		pose = se3.Mul(pose, rel)
		test.That(t, h.AddKeyFrame(bundleAt(cam, pose, pts, lns, float64(i)), rel), test.ShouldBeNil)
	}

	nPt, nLs := h.Landmarks()
	test.That(t, nPt, test.ShouldEqual, len(pts))
	test.That(t, nLs, test.ShouldEqual, len(lns))

	lm := h.store.Point(0)
	test.That(t, lm.KFs, test.ShouldResemble, []int{0, 1, 2})
	test.That(t, h.fullGraph.At(0, 2), test.ShouldEqual, len(pts)+len(lns))
	test.That(t, h.fullGraph.At(1, 2), test.ShouldEqual, len(pts)+len(lns))
	test.That(t, h.Close(), test.ShouldBeNil)
}

func TestRefinementCorrectsOdometryDrift(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)
	cam := testCam(t)
	pts, lns := scenePoints(), sceneLines()

	pose0 := mgl64.Ident4()
	trueRel := se3.Exp(se3.Twist{0.12, -0.03, 0.06, 0.008, 0.005, -0.006})
	pose1 := se3.Mul(pose0, trueRel)
	noisyRel := se3.Mul(trueRel, se3.Exp(se3.Twist{0.004, -0.003, 0.002, 0.002, -0.001, 0.0015}))

	test.That(t, h.AddKeyFrame(bundleAt(cam, pose0, pts, lns, 0), pose0), test.ShouldBeNil)
	test.That(t, h.AddKeyFrame(bundleAt(cam, pose1, pts, lns, 0.1), noisyRel), test.ShouldBeNil)

	odomErr := se3.Translation(se3.Mul(pose0, noisyRel)).Sub(se3.Translation(pose1)).Norm()
	got := se3.Translation(h.KeyFrames()[1].Pose).Sub(se3.Translation(pose1)).Norm()
	test.That(t, got, test.ShouldBeLessThan, odomErr)
	test.That(t, got, test.ShouldBeLessThan, 1e-3)
	test.That(t, h.Close(), test.ShouldBeNil)
}

func TestMultithreadedWorker(t *testing.T) {
	cfg := config.Default()
	cfg.Multithreaded = true
	cfg.QueueSize = 4
	h := newTestHandler(t, &cfg)
	cam := testCam(t)
	pts, lns := scenePoints(), sceneLines()

	rel := se3.Exp(se3.Twist{0.1, 0, 0, 0, 0, 0})
	pose := mgl64.Ident4()
	test.That(t, h.AddKeyFrame(bundleAt(cam, pose, pts, lns, 0), pose), test.ShouldBeNil)
	for i := 1; i <= 3; i++ {
		pose = se3.Mul(pose, rel)
		test.That(t, h.AddKeyFrame(bundleAt(cam, pose, pts, lns, float64(i)), rel), test.ShouldBeNil)
	}
	test.That(t, h.Close(), test.ShouldBeNil)

	test.That(t, len(h.KeyFrames()), test.ShouldEqual, 4)
	nPt, nLs := h.Landmarks()
	test.That(t, nPt, test.ShouldEqual, len(pts))
	test.That(t, nLs, test.ShouldEqual, len(lns))

	// closed handlers refuse further keyframes but tolerate another Close
	err := h.AddKeyFrame(bundleAt(cam, pose, pts, lns, 9), rel)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, h.Close(), test.ShouldBeNil)
}

func TestGlobalBundleAdjustmentKeepsConsistentMap(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)
	cam := testCam(t)
	pts, lns := scenePoints(), sceneLines()

	rel := se3.Exp(se3.Twist{0.09, 0.01, -0.02, 0, 0.003, 0})
	pose := mgl64.Ident4()
	test.That(t, h.AddKeyFrame(bundleAt(cam, pose, pts, lns, 0), pose), test.ShouldBeNil)
	for i := 1; i <= 2; i++ {
		pose = se3.Mul(pose, rel)
		test.That(t, h.AddKeyFrame(bundleAt(cam, pose, pts, lns, float64(i)), rel), test.ShouldBeNil)
	}

	before := se3.Translation(h.KeyFrames()[2].Pose)
	test.That(t, h.GlobalBundleAdjustment(), test.ShouldBeNil)
	after := se3.Translation(h.KeyFrames()[2].Pose)
	test.That(t, after.Sub(before).Norm(), test.ShouldBeLessThan, 1e-3)
	test.That(t, h.Close(), test.ShouldBeNil)
}

func TestCloseDuringConcurrentInserts(t *testing.T) {
	cfg := config.Default()
	cfg.Multithreaded = true
	cfg.QueueSize = 2
	h := newTestHandler(t, &cfg)
	cam := testCam(t)
	pts, lns := scenePoints(), sceneLines()

	// hammer the queue from several goroutines while Close races them;
	// every AddKeyFrame must either enqueue or report the handler closed
	var adders sync.WaitGroup
	for w := 0; w < 4; w++ {
		adders.Add(1)
		goutils.PanicCapturingGo(func() {
			defer adders.Done()
			for i := 0; i < 20; i++ {
				if err := h.AddKeyFrame(bundleAt(cam, mgl64.Ident4(), pts, lns, float64(i)), mgl64.Ident4()); err != nil {
					test.That(t, err.Error(), test.ShouldContainSubstring, "closed")
					return
				}
			}
		})
	}
	test.That(t, h.Close(), test.ShouldBeNil)
	adders.Wait()

	err := h.AddKeyFrame(bundleAt(cam, mgl64.Ident4(), pts, lns, 99), mgl64.Ident4())
	test.That(t, err, test.ShouldNotBeNil)
}
