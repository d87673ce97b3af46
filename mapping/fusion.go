package mapping

import (
	"github.com/plslam/slam/se3"
)

// fuseLandmarks reconciles the landmarks seen from both sides of every
// pending loop closure: single-sided observations are extended across the
// loop, unobserved matches become new landmarks, and doubly-mapped features
// collapse into one landmark. Caller holds mapMu.
func (h *Handler) fuseLandmarks() {
	for _, c := range h.lcConstraints {
		if !c.Pending {
			continue
		}
		prev, curr := h.kfs[c.Prev], h.kfs[c.Curr]
		if prev == nil || curr == nil {
			continue
		}
		for _, p := range c.PtPairs {
			h.fusePointPair(c, p)
		}
		for _, p := range c.LsPairs {
			h.fuseLinePair(c, p)
		}
	}
}

func (h *Handler) fusePointPair(c *lcConstraint, p [4]int) {
	prev, curr := h.kfs[c.Prev], h.kfs[c.Curr]
	fp := prev.Bundle.Points[p[1]]
	fc := curr.Bundle.Points[p[3]]
	if fp == nil || fc == nil {
		return
	}
	lm0 := h.store.Point(p[0])
	lm1 := h.store.Point(p[2])

	switch {
	case lm0 == nil && lm1 != nil:
		fp.Landmark = lm1.ID
		world := se3.TransformPoint(prev.Pose, fp.P)
		lm1.AddObservation(fp.Desc.Clone(), fp.Px, world.Normalize(), c.Prev)
		for _, kf := range lm1.KFs {
			h.fullGraph.Increment(kf, c.Prev)
		}

	case lm0 != nil && lm1 == nil:
		fc.Landmark = lm0.ID
		world := se3.TransformPoint(curr.Pose, fc.P)
		lm0.AddObservation(fc.Desc.Clone(), fc.Px, world.Normalize(), c.Curr)
		for _, kf := range lm0.KFs {
			h.fullGraph.Increment(kf, c.Curr)
		}

	case lm0 == nil && lm1 == nil:
		h.createPointLandmark(prev, curr, fp, fc)

	case lm0.ID != lm1.ID:
		// both sides mapped the same physical point, keep the older landmark
		existing := append([]int(nil), lm0.KFs...)
		for i, kf := range lm1.KFs {
			lm0.AddObservation(lm1.Descs[i].Clone(), lm1.Obs[i], lm1.Dirs[i], kf)
			for _, k := range existing {
				h.fullGraph.Increment(k, kf)
			}
		}
		fc.Landmark = lm0.ID
		h.store.RemovePoint(lm1.ID)
	}
}

func (h *Handler) fuseLinePair(c *lcConstraint, p [4]int) {
	prev, curr := h.kfs[c.Prev], h.kfs[c.Curr]
	fp := prev.Bundle.Lines[p[1]]
	fc := curr.Bundle.Lines[p[3]]
	if fp == nil || fc == nil {
		return
	}
	lm0 := h.store.Line(p[0])
	lm1 := h.store.Line(p[2])

	switch {
	case lm0 == nil && lm1 != nil:
		fp.Landmark = lm1.ID
		h.addLineObservation(lm1, prev, fp)
		for _, kf := range lm1.KFs {
			h.fullGraph.Increment(kf, c.Prev)
		}

	case lm0 != nil && lm1 == nil:
		fc.Landmark = lm0.ID
		h.addLineObservation(lm0, curr, fc)
		for _, kf := range lm0.KFs {
			h.fullGraph.Increment(kf, c.Curr)
		}

	case lm0 == nil && lm1 == nil:
		h.createLineLandmark(prev, curr, fp, fc)

	case lm0.ID != lm1.ID:
		existing := append([]int(nil), lm0.KFs...)
		for i, kf := range lm1.KFs {
			lm0.AddObservation(lm1.Descs[i].Clone(), lm1.LeObs[i], lm1.Endpoints[i], lm1.Dirs[i], kf)
			for _, k := range existing {
				h.fullGraph.Increment(k, kf)
			}
		}
		fc.Landmark = lm0.ID
		h.store.RemoveLine(lm1.ID)
	}
}
