package mapping

import (
	"testing"

	"go.viam.com/test"

	"github.com/plslam/slam/config"
)

func TestFormLocalMapSelection(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)
	emptyKeyFrames(h, 7)
	h.maxKFID = 6

	// kf0 is only covisible, kf1 is neither near nor covisible
	for i := 0; i < cfg.MinLMCovGraph; i++ {
		h.fullGraph.Increment(0, 6)
	}
	nearOnly := plantPoint(h, 3, 4)
	farOnly := plantPoint(h, 1)
	covisOnly := plantPoint(h, 0)

	h.formLocalMap(h.kfs[6])

	test.That(t, h.kfs[6].Local, test.ShouldBeTrue)
	test.That(t, h.kfs[5].Local, test.ShouldBeTrue)
	test.That(t, h.kfs[4].Local, test.ShouldBeTrue)
	test.That(t, h.kfs[3].Local, test.ShouldBeTrue)
	test.That(t, h.kfs[2].Local, test.ShouldBeFalse)
	test.That(t, h.kfs[1].Local, test.ShouldBeFalse)
	test.That(t, h.kfs[0].Local, test.ShouldBeTrue)

	test.That(t, nearOnly.Local, test.ShouldBeTrue)
	test.That(t, farOnly.Local, test.ShouldBeFalse)
	test.That(t, covisOnly.Local, test.ShouldBeTrue)
}

func TestFormLocalMapClearsPreviousFlags(t *testing.T) {
	cfg := config.Default()
	h := newTestHandler(t, &cfg)
	emptyKeyFrames(h, 7)
	h.maxKFID = 6

	old := plantPoint(h, 0, 1)
	old.Local = true
	h.kfs[0].Local = true

	h.formLocalMap(h.kfs[6])

	test.That(t, h.kfs[0].Local, test.ShouldBeFalse)
	test.That(t, old.Local, test.ShouldBeFalse)
}
