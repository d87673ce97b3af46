package mapping

import (
	"github.com/plslam/slam/keyframe"
)

// formLocalMap reselects the local map around kf: keyframes strongly
// covisible with it or within the index neighborhood, plus every landmark
// observed by any selected keyframe. All previous local flags are cleared
// first. Caller holds mapMu.
func (h *Handler) formLocalMap(kf *keyframe.KeyFrame) {
	for _, lm := range h.store.Points {
		if lm != nil {
			lm.Local = false
		}
	}
	for _, lm := range h.store.Lines {
		if lm != nil {
			lm.Local = false
		}
	}

	local := make(map[int]bool)
	for _, other := range h.kfs {
		if other == nil {
			continue
		}
		other.Local = false
		if other.ID == kf.ID ||
			h.fullGraph.At(kf.ID, other.ID) >= h.cfg.MinLMCovGraph ||
			abs(kf.ID-other.ID) <= h.cfg.MinKFLocalMap {
			other.Local = true
			local[other.ID] = true
		}
	}

	for _, lm := range h.store.Points {
		if lm == nil {
			continue
		}
		for _, k := range lm.KFs {
			if local[k] {
				lm.Local = true
				break
			}
		}
	}
	for _, lm := range h.store.Lines {
		if lm == nil {
			continue
		}
		for _, k := range lm.KFs {
			if local[k] {
				lm.Local = true
				break
			}
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
