package mapping

import (
	"github.com/plslam/slam/ba"
	"github.com/plslam/slam/feature"
	"github.com/plslam/slam/landmark"
)

// commit applies a bundle adjustment result to the map: refined poses and
// landmark geometry, unstable landmarks flagged, and outlier observations
// stripped with the covisibility bookkeeping they carried. Caller holds
// mapMu.
func (h *Handler) commit(res *ba.Result) {
	for i, id := range res.KFList {
		if kf := h.kfs[id]; kf != nil {
			kf.SetPose(res.Poses[i])
		}
	}
	for i, id := range res.PointList {
		if lm := h.store.Point(id); lm != nil {
			lm.P = res.PointPos[i]
		}
	}
	for i, id := range res.LineList {
		if lm := h.store.Line(id); lm != nil {
			lm.SP = res.LineSP[i]
			lm.EP = res.LineEP[i]
		}
	}
	for _, id := range res.MovedPoints {
		if lm := h.store.Point(id); lm != nil {
			lm.Inlier = false
		}
	}
	for _, id := range res.MovedLines {
		if lm := h.store.Line(id); lm != nil {
			lm.Inlier = false
		}
	}
	for _, obs := range res.OutlierPointObs {
		if lm := h.store.Point(obs.LM); lm != nil {
			h.removePointObservation(lm, obs.KF)
		}
	}
	for _, obs := range res.OutlierLineObs {
		if lm := h.store.Line(obs.LM); lm != nil {
			h.removeLineObservation(lm, obs.KF)
		}
	}
}

// removePointObservation detaches a landmark from one keyframe: the feature
// slot is freed, covisibility edges against the remaining observers are
// decremented, and the anchor moves on when the anchor keyframe was the one
// removed. A landmark down to its last observation is kept and marked
// non-inlier instead; the culling pass decides its fate.
func (h *Handler) removePointObservation(lm *landmark.Point, kfID int) {
	if len(lm.KFs) <= 1 {
		lm.Inlier = false
		return
	}
	if kf := h.kfs[kfID]; kf != nil {
		for _, pt := range kf.Bundle.Points {
			if pt != nil && pt.Landmark == lm.ID {
				pt.Landmark = feature.Unassociated
				break
			}
		}
	}
	anchor := lm.KFs[0]
	if !lm.RemoveObservation(kfID) {
		return
	}
	for _, k := range lm.KFs {
		h.fullGraph.Decrement(kfID, k)
	}
	if anchor == kfID {
		h.store.ReanchorPoint(lm.ID, kfID, lm.KFs[0])
	}
}

// removeLineObservation is the line counterpart of removePointObservation.
func (h *Handler) removeLineObservation(lm *landmark.Line, kfID int) {
	if len(lm.KFs) <= 1 {
		lm.Inlier = false
		return
	}
	if kf := h.kfs[kfID]; kf != nil {
		for _, ls := range kf.Bundle.Lines {
			if ls != nil && ls.Landmark == lm.ID {
				ls.Landmark = feature.Unassociated
				break
			}
		}
	}
	anchor := lm.KFs[0]
	if !lm.RemoveObservation(kfID) {
		return
	}
	for _, k := range lm.KFs {
		h.fullGraph.Decrement(kfID, k)
	}
	if anchor == kfID {
		h.store.ReanchorLine(lm.ID, kfID, lm.KFs[0])
	}
}
