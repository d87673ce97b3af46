package mapping

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/plslam/slam/config"
	"github.com/plslam/slam/feature"
	"github.com/plslam/slam/keyframe"
	"github.com/plslam/slam/landmark"
	"github.com/plslam/slam/matching"
	"github.com/plslam/slam/se3"
)

// chi2Line gates a line association against an existing Plucker landmark.
var chi2Line = math.Sqrt(5.991)

// gridCells is the bucket resolution of the windowed matcher.
const gridCells = 20

// A keyframe bundle must never carry a nil feature slot. Hitting one means
// the frontend handed over a corrupt bundle, so fail loudly.
const (
	nilPointMsg = "mapping: nil stereo point in keyframe bundle"
	nilLineMsg  = "mapping: nil stereo line segment in keyframe bundle"
)

// lookForCommonMatches associates the new keyframe's features first against
// the previous keyframe, then against the unmatched part of the local map.
// In between, the odometry pose is refined from the keyframe-to-keyframe
// matches when enough of them survive. Caller holds mapMu.
func (h *Handler) lookForCommonMatches(prev, curr *keyframe.KeyFrame) (int, int) {
	ptPairs := h.matchKFPoints(prev, curr)
	lsPairs := h.matchKFLines(prev, curr)

	if h.cfg.Refinement {
		h.refinePose(prev, curr, ptPairs, lsPairs)
	}

	nPt := len(ptPairs) + h.matchMapPoints(curr)
	nLs := len(lsPairs) + h.matchMapLines(curr)
	return nPt, nLs
}

type pair struct{ prev, curr int }

// matchKFPoints matches point features of the previous keyframe against the
// new one and records the associations in the map.
func (h *Handler) matchKFPoints(prev, curr *keyframe.KeyFrame) []pair {
	prevPts := prev.Bundle.Points
	currPts := curr.Bundle.Points
	if len(prevPts) == 0 || len(currPts) == 0 {
		return nil
	}
	for _, pt := range prevPts {
		if pt == nil {
			panic(nilPointMsg)
		}
	}
	for _, pt := range currPts {
		if pt == nil {
			panic(nilPointMsg)
		}
	}
	currDesc := curr.Bundle.PointDescriptors()
	prevDesc := prev.Bundle.PointDescriptors()

	var matches []int
	n := 0
	if h.cfg.GridMatching {
		grid := matching.NewGrid(gridCells, gridCells)
		for i, pt := range currPts {
			grid.Add(i, pt.Px.X/float64(curr.Bundle.Width), pt.Px.Y/float64(curr.Bundle.Height))
		}
		pos := make([]r2.Point, len(prevPts))
		for i, pt := range prevPts {
			pos[i] = h.predict(pt.P, curr.Bundle)
		}
		n, matches = matching.MatchGrid(currDesc, prevDesc, grid, pos,
			winCells(h.cfg, curr.Bundle.Width), h.cfg.MatchRatioP)
	}
	// windowed matching starved for candidates, retry exhaustively
	if n < h.cfg.MinPointMatches &&
		len(prevPts) > h.cfg.MinPointMatches && len(currPts) > h.cfg.MinPointMatches {
		n, matches = matching.Match(currDesc, prevDesc, h.cfg.MatchRatioP)
	}
	if matches == nil {
		_, matches = matching.Match(currDesc, prevDesc, h.cfg.MatchRatioP)
	}

	var pairs []pair
	for i1, i2 := range matches {
		if i2 == feature.Unassociated {
			continue
		}
		fp, fc := prevPts[i1], currPts[i2]
		if fp == nil || fc == nil {
			panic(nilPointMsg)
		}
		if fp.Landmark == feature.Unassociated {
			h.createPointLandmark(prev, curr, fp, fc)
		} else {
			lm := h.store.Point(fp.Landmark)
			if lm == nil {
				continue
			}
			fc.Landmark = lm.ID
			world := se3.TransformPoint(curr.Pose, fc.P)
			lm.AddObservation(fc.Desc.Clone(), fc.Px, world.Normalize(), curr.ID)
			for _, kf := range lm.KFs {
				h.fullGraph.Increment(kf, curr.ID)
			}
		}
		fc.PxObs = fp.Px
		fc.Inlier = true
		pairs = append(pairs, pair{prev: i1, curr: i2})
	}
	return pairs
}

// matchKFLines is the line-segment counterpart of matchKFPoints. Candidate
// segments must also agree in image direction.
func (h *Handler) matchKFLines(prev, curr *keyframe.KeyFrame) []pair {
	prevLs := prev.Bundle.Lines
	currLs := curr.Bundle.Lines
	if len(prevLs) == 0 || len(currLs) == 0 {
		return nil
	}
	for _, ls := range prevLs {
		if ls == nil {
			panic(nilLineMsg)
		}
	}
	for _, ls := range currLs {
		if ls == nil {
			panic(nilLineMsg)
		}
	}
	currDesc := curr.Bundle.LineDescriptors()
	prevDesc := prev.Bundle.LineDescriptors()

	var matches []int
	n := 0
	if h.cfg.GridMatching {
		grid := matching.NewGrid(gridCells, gridCells)
		currDirs := make([]r2.Point, len(currLs))
		for i, ls := range currLs {
			w, ht := float64(curr.Bundle.Width), float64(curr.Bundle.Height)
			grid.AddLine(i, ls.SPx.X/w, ls.SPx.Y/ht, ls.EPx.X/w, ls.EPx.Y/ht)
			currDirs[i] = r2.Point{X: ls.EPx.X - ls.SPx.X, Y: ls.EPx.Y - ls.SPx.Y}
		}
		pos := make([]r2.Point, len(prevLs))
		prevDirs := make([]r2.Point, len(prevLs))
		for i, ls := range prevLs {
			sp := h.predict(ls.SP, curr.Bundle)
			ep := h.predict(ls.EP, curr.Bundle)
			pos[i] = r2.Point{X: (sp.X + ep.X) / 2, Y: (sp.Y + ep.Y) / 2}
			prevDirs[i] = r2.Point{X: ep.X - sp.X, Y: ep.Y - sp.Y}
		}
		n, matches = matching.MatchGridLines(currDesc, prevDesc, grid, pos,
			winCells(h.cfg, curr.Bundle.Width), h.cfg.MatchRatioL, currDirs, prevDirs, h.cfg.MinLineCos)
	}
	if n < h.cfg.MinLineMatches &&
		len(prevLs) > h.cfg.MinLineMatches && len(currLs) > h.cfg.MinLineMatches {
		n, matches = matching.Match(currDesc, prevDesc, h.cfg.MatchRatioL)
	}
	if matches == nil {
		_, matches = matching.Match(currDesc, prevDesc, h.cfg.MatchRatioL)
	}

	var pairs []pair
	for i1, i2 := range matches {
		if i2 == feature.Unassociated {
			continue
		}
		fp, fc := prevLs[i1], currLs[i2]
		if fp == nil || fc == nil {
			panic(nilLineMsg)
		}
		if fp.Landmark == feature.Unassociated {
			h.createLineLandmark(prev, curr, fp, fc)
		} else {
			lm := h.store.Line(fp.Landmark)
			if lm == nil {
				continue
			}
			if !h.lineAssociationOK(lm, fc) {
				continue
			}
			fc.Landmark = lm.ID
			h.addLineObservation(lm, curr, fc)
			for _, kf := range lm.KFs {
				h.fullGraph.Increment(kf, curr.ID)
			}
		}
		fc.SPxObs = fp.SPx
		fc.EPxObs = fp.EPx
		fc.LeObs = fp.Le
		fc.Inlier = true
		pairs = append(pairs, pair{prev: i1, curr: i2})
	}
	return pairs
}

// createPointLandmark seeds a new point landmark from a fresh two-view
// match, anchored at the previous keyframe.
func (h *Handler) createPointLandmark(prev, curr *keyframe.KeyFrame, fp, fc *feature.Point) {
	id := h.store.NextPointID()
	fp.Landmark = id
	fc.Landmark = id

	world := se3.TransformPoint(prev.Pose, fp.P)
	lm := landmark.NewPoint(id, world, fp.Desc.Clone(), fp.Px, world.Normalize(), prev.ID)
	worldC := se3.TransformPoint(curr.Pose, fc.P)
	lm.AddObservation(fc.Desc.Clone(), fc.Px, worldC.Normalize(), curr.ID)
	h.store.AddPoint(lm)
	h.fullGraph.Increment(prev.ID, curr.ID)
}

// createLineLandmark seeds a new line landmark from a fresh two-view match.
func (h *Handler) createLineLandmark(prev, curr *keyframe.KeyFrame, fp, fc *feature.Line) {
	id := h.store.NextLineID()
	fp.Landmark = id
	fc.Landmark = id

	sp := se3.TransformPoint(prev.Pose, fp.SP)
	ep := se3.TransformPoint(prev.Pose, fp.EP)
	mid := sp.Add(ep).Mul(0.5)
	lm := landmark.NewLine(id, sp, ep, fp.Desc.Clone(), fp.Le,
		[2]r2.Point{fp.SPx, fp.EPx}, mid.Normalize(), prev.ID)
	h.addLineObservation(lm, curr, fc)
	h.store.AddLine(lm)
	h.fullGraph.Increment(prev.ID, curr.ID)
}

func (h *Handler) addLineObservation(lm *landmark.Line, kf *keyframe.KeyFrame, f *feature.Line) {
	sp := se3.TransformPoint(kf.Pose, f.SP)
	ep := se3.TransformPoint(kf.Pose, f.EP)
	mid := sp.Add(ep).Mul(0.5)
	lm.AddObservation(f.Desc.Clone(), f.Le, [2]r2.Point{f.SPx, f.EPx}, mid.Normalize(), kf.ID)
}

// lineAssociationOK gates a candidate association of an observed segment to
// an existing line landmark. Under the Plucker parameterization the
// landmark's infinite line must reproject close to the observed line
// equation.
func (h *Handler) lineAssociationOK(lm *landmark.Line, f *feature.Line) bool {
	if h.cfg.LineParam != config.LineParamPlucker {
		return true
	}
	sp := se3.TransformPoint(h.twf, lm.SP)
	ep := se3.TransformPoint(h.twf, lm.EP)
	if sp.Z <= 0 || ep.Z <= 0 {
		return false
	}
	sd := lineDistance(f.Le, h.cam.Project(sp))
	ed := lineDistance(f.Le, h.cam.Project(ep))
	return math.Hypot(sd, ed) < chi2Line
}

// matchMapPoints projects unmatched local point landmarks into the new
// keyframe and associates them with its still-unassociated point features.
func (h *Handler) matchMapPoints(curr *keyframe.KeyFrame) int {
	var cand []*landmark.Point
	var candDesc []feature.Descriptor
	var candPx []r2.Point
	for _, lm := range h.store.Points {
		if lm == nil || !lm.Local || len(lm.KFs) == 0 || lm.KFs[len(lm.KFs)-1] == curr.ID {
			continue
		}
		p := se3.TransformPoint(h.twf, lm.P)
		if !h.cam.InFront(p) {
			continue
		}
		px := h.cam.Project(p)
		if !h.cam.InImage(px) {
			continue
		}
		cand = append(cand, lm)
		candDesc = append(candDesc, lm.MedDesc)
		candPx = append(candPx, px)
	}
	if len(cand) == 0 {
		return 0
	}

	var free []*feature.Point
	var freeDesc []feature.Descriptor
	for _, pt := range curr.Bundle.Points {
		if pt != nil && pt.Landmark == feature.Unassociated {
			free = append(free, pt)
			freeDesc = append(freeDesc, pt.Desc)
		}
	}
	if len(free) == 0 {
		return 0
	}

	n := 0
	_, matches := matching.Match(candDesc, freeDesc, h.cfg.MatchRatioP)
	for qi, ti := range matches {
		if ti == feature.Unassociated {
			continue
		}
		lm, f := cand[ti], free[qi]
		dx := candPx[ti].X - f.Px.X
		dy := candPx[ti].Y - f.Px.Y
		if math.Hypot(dx, dy) >= h.cfg.MaxKFEpipP {
			continue
		}
		f.Landmark = lm.ID
		world := se3.TransformPoint(curr.Pose, f.P)
		lm.AddObservation(f.Desc.Clone(), f.Px, world.Normalize(), curr.ID)
		for _, kf := range lm.KFs {
			h.fullGraph.Increment(kf, curr.ID)
		}
		n++
	}
	return n
}

// matchMapLines is the line counterpart of matchMapPoints. Both projected
// endpoints must sit close to the observed line equation.
func (h *Handler) matchMapLines(curr *keyframe.KeyFrame) int {
	var cand []*landmark.Line
	var candDesc []feature.Descriptor
	var candSPx, candEPx []r2.Point
	for _, lm := range h.store.Lines {
		if lm == nil || !lm.Local || len(lm.KFs) == 0 || lm.KFs[len(lm.KFs)-1] == curr.ID {
			continue
		}
		sp := se3.TransformPoint(h.twf, lm.SP)
		ep := se3.TransformPoint(h.twf, lm.EP)
		if !h.cam.InFront(sp) || !h.cam.InFront(ep) {
			continue
		}
		spx, epx := h.cam.Project(sp), h.cam.Project(ep)
		if !h.cam.InImage(spx) && !h.cam.InImage(epx) {
			continue
		}
		cand = append(cand, lm)
		candDesc = append(candDesc, lm.MedDesc)
		candSPx = append(candSPx, spx)
		candEPx = append(candEPx, epx)
	}
	if len(cand) == 0 {
		return 0
	}

	var free []*feature.Line
	var freeDesc []feature.Descriptor
	for _, ls := range curr.Bundle.Lines {
		if ls != nil && ls.Landmark == feature.Unassociated {
			free = append(free, ls)
			freeDesc = append(freeDesc, ls.Desc)
		}
	}
	if len(free) == 0 {
		return 0
	}

	n := 0
	_, matches := matching.Match(candDesc, freeDesc, h.cfg.MatchRatioL)
	for qi, ti := range matches {
		if ti == feature.Unassociated {
			continue
		}
		lm, f := cand[ti], free[qi]
		sd := lineDistance(f.Le, candSPx[ti])
		ed := lineDistance(f.Le, candEPx[ti])
		if math.Abs(sd) >= h.cfg.MaxKFEpipL || math.Abs(ed) >= h.cfg.MaxKFEpipL {
			continue
		}
		f.Landmark = lm.ID
		h.addLineObservation(lm, curr, f)
		for _, kf := range lm.KFs {
			h.fullGraph.Increment(kf, curr.ID)
		}
		n++
	}
	return n
}

// refinePose re-estimates the relative pose of the new keyframe from its
// two-view matches and replaces the odometry seed when the estimate is well
// supported. Either way the cached twf/dt transforms are refreshed.
func (h *Handler) refinePose(prev, curr *keyframe.KeyFrame, ptPairs, lsPairs []pair) {
	var pts []*relPoint
	for _, pr := range ptPairs {
		fp, fc := prev.Bundle.Points[pr.prev], curr.Bundle.Points[pr.curr]
		pts = append(pts, &relPoint{P: fp.P, Obs: fc.Px, Inlier: true})
	}
	var lns []*relLine
	for _, pr := range lsPairs {
		fp, fc := prev.Bundle.Lines[pr.prev], curr.Bundle.Lines[pr.curr]
		lns = append(lns, &relLine{SP: fp.SP, EP: fp.EP, LeObs: fc.Le, Inlier: true})
	}
	if len(pts)+len(lns) == 0 {
		return
	}

	t, _, _ := h.gaussNewtonPose(pts, lns, h.dt, h.cfg.MaxIters)
	h.markPoseOutliers(t, pts, lns)
	ptInl, lsInl := countInliers(pts, lns)

	ok := ptInl+lsInl > h.cfg.MinFeatures
	if len(pts) > 0 && 100*float64(ptInl)/float64(len(pts)) < h.cfg.KFInlierRatio {
		ok = false
	}
	if len(lns) > 0 && 100*float64(lsInl)/float64(len(lns)) < h.cfg.KFInlierRatio {
		ok = false
	}
	if ok {
		t, _, _ = h.gaussNewtonPose(pts, lns, t, h.cfg.MaxItersRef)
		curr.SetPose(se3.Normalize(se3.Mul(prev.Pose, se3.Inverse(t))))
	}
	h.twf = se3.Inverse(curr.Pose)
	h.dt = se3.Mul(h.twf, prev.Pose)
}

// predict projects a previous-keyframe camera point into the new image and
// normalizes it to grid coordinates. Points behind the camera land outside
// every cell window.
func (h *Handler) predict(p r3.Vector, b *feature.Bundle) r2.Point {
	g := se3.TransformPoint(h.dt, p)
	if g.Z <= 0 {
		return r2.Point{X: -10, Y: -10}
	}
	px := h.cam.Project(g)
	return r2.Point{X: px.X / float64(b.Width), Y: px.Y / float64(b.Height)}
}

// winCells converts the pixel match window into grid cells for the given
// image width.
func winCells(cfg *config.Config, width int) int {
	if width <= 0 {
		return 1
	}
	w := (cfg.MatchWindow*gridCells + width - 1) / width
	if w < 1 {
		w = 1
	}
	return w
}

// lineDistance evaluates a homogeneous image line equation at a pixel.
func lineDistance(le r3.Vector, px r2.Point) float64 {
	return le.X*px.X + le.Y*px.Y + le.Z
}
