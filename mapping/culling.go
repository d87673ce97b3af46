package mapping

import (
	"github.com/plslam/slam/feature"
)

// removeBadLandmarks drops non-local landmarks that aged past MaxLMAge
// keyframes since their anchor without either staying inlier or gathering
// MinLMObs observations. Caller holds mapMu.
func (h *Handler) removeBadLandmarks() {
	for _, lm := range h.store.Points {
		if lm == nil || lm.Local || len(lm.KFs) == 0 {
			continue
		}
		if h.maxKFID-lm.KFs[0] <= h.cfg.MaxLMAge {
			continue
		}
		if lm.Inlier && len(lm.KFs) >= h.cfg.MinLMObs {
			continue
		}
		h.clearPointSlot(lm.KFs[0], lm.ID)
		h.store.RemovePoint(lm.ID)
	}
	for _, lm := range h.store.Lines {
		if lm == nil || lm.Local || len(lm.KFs) == 0 {
			continue
		}
		if h.maxKFID-lm.KFs[0] <= h.cfg.MaxLMAge {
			continue
		}
		if lm.Inlier && len(lm.KFs) >= h.cfg.MinLMObs {
			continue
		}
		h.clearLineSlot(lm.KFs[0], lm.ID)
		h.store.RemoveLine(lm.ID)
	}
}

// removeRedundantKeyFrames culls non-local keyframes whose associated
// features are almost entirely shared with some other keyframe. The first
// two and the newest keyframes are never considered. Caller holds mapMu.
func (h *Handler) removeRedundantKeyFrames() {
	for id := 2; id < h.maxKFID; id++ {
		kf := h.kfs[id]
		if kf == nil || kf.Local {
			continue
		}
		nPt, nLs := kf.CountAssociated()
		nFeats := nPt + nLs
		if nFeats == 0 {
			continue
		}
		threshold := h.cfg.MaxCommonFtsKF * float64(nFeats)
		redundant := false
		for _, shared := range h.fullGraph.Row(id) {
			if float64(shared) > threshold {
				redundant = true
				break
			}
		}
		if !redundant {
			continue
		}
		h.removeKeyFrame(id)
	}
}

// removeKeyFrame strips every observation the keyframe contributes and
// tombstones it.
func (h *Handler) removeKeyFrame(id int) {
	kf := h.kfs[id]
	for _, pt := range kf.Bundle.Points {
		if pt == nil || pt.Landmark == feature.Unassociated {
			continue
		}
		if lm := h.store.Point(pt.Landmark); lm != nil {
			h.removePointObservation(lm, id)
		} else {
			pt.Landmark = feature.Unassociated
		}
	}
	for _, ls := range kf.Bundle.Lines {
		if ls == nil || ls.Landmark == feature.Unassociated {
			continue
		}
		if lm := h.store.Line(ls.Landmark); lm != nil {
			h.removeLineObservation(lm, id)
		} else {
			ls.Landmark = feature.Unassociated
		}
	}
	h.fullGraph.ZeroRow(id)
	h.kfs[id] = nil
	h.logger.Debugw("redundant keyframe removed", "kf", id)
}

func (h *Handler) clearPointSlot(kfID, lmID int) {
	kf := h.kfs[kfID]
	if kf == nil {
		return
	}
	for _, pt := range kf.Bundle.Points {
		if pt != nil && pt.Landmark == lmID {
			pt.Landmark = feature.Unassociated
			return
		}
	}
}

func (h *Handler) clearLineSlot(kfID, lmID int) {
	kf := h.kfs[kfID]
	if kf == nil {
		return
	}
	for _, ls := range kf.Bundle.Lines {
		if ls != nil && ls.Landmark == lmID {
			ls.Landmark = feature.Unassociated
			return
		}
	}
}
