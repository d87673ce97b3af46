package mapping

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"go.viam.com/test"

	"github.com/plslam/slam/config"
	"github.com/plslam/slam/feature"
	"github.com/plslam/slam/keyframe"
	"github.com/plslam/slam/se3"
)

func TestSaveTrajectoryTUM(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)

	registerKeyFrame(h, keyframe.New(0, mgl64.Ident4(), &feature.Bundle{Timestamp: 1.5}))
	registerKeyFrame(h, nil)
	registerKeyFrame(h, keyframe.New(2, se3.Exp(se3.Twist{0.5, -0.25, 1, 0, 0, 0}),
		&feature.Bundle{Timestamp: 2.5}))

	path := filepath.Join(t.TempDir(), "trajectory.txt")
	test.That(t, h.SaveTrajectoryTUM(path), test.ShouldBeNil)

	raw, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	test.That(t, len(lines), test.ShouldEqual, 2)

	for _, ln := range lines {
		test.That(t, len(strings.Fields(ln)), test.ShouldEqual, 8)
	}

	fields := strings.Fields(lines[1])
	ts, err := strconv.ParseFloat(fields[0], 64)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ts, test.ShouldAlmostEqual, 2.5, 1e-9)
	tx, err := strconv.ParseFloat(fields[1], 64)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tx, test.ShouldAlmostEqual, 0.5, 1e-6)

	// identity pose serializes as the unit quaternion
	first := strings.Fields(lines[0])
	qw, err := strconv.ParseFloat(first[7], 64)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, qw, test.ShouldAlmostEqual, 1, 1e-6)
}

func TestSaveTrajectoryTUMBadPath(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)
	err := h.SaveTrajectoryTUM(filepath.Join(t.TempDir(), "missing", "trajectory.txt"))
	test.That(t, err, test.ShouldNotBeNil)
}
