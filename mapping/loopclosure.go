package mapping

import (
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/stat"

	"github.com/plslam/slam/feature"
	"github.com/plslam/slam/graphopt"
	"github.com/plslam/slam/keyframe"
	"github.com/plslam/slam/matching"
	"github.com/plslam/slam/se3"
)

// lcState tracks the loop closure pipeline across keyframe insertions: a
// detected closure arms the pipeline, the first subsequent miss triggers the
// pose-graph correction.
type lcState int

const (
	lcIdle lcState = iota
	lcActive
	lcReady
	lcTerminated
)

func (s lcState) String() string {
	switch s {
	case lcIdle:
		return "idle"
	case lcActive:
		return "active"
	case lcReady:
		return "ready"
	default:
		return "terminated"
	}
}

// lcConstraint is one verified loop closure: the measured relative pose
// between two keyframes and the correspondences that supported it, kept for
// landmark fusion after the pose graph is corrected.
type lcConstraint struct {
	Prev, Curr int
	Rel        mgl64.Mat4 // measured T_prev^-1 * T_curr
	Pending    bool
	PtPairs    [][4]int // prev landmark, prev feature, curr landmark, curr feature
	LsPairs    [][4]int
}

// scoreFloor is the lowest connected-pair score considered meaningful when
// deriving the candidate acceptance threshold.
const scoreFloor = 0.001

// scoreBand admits supporting keyframes scoring within this fraction of the
// acceptance threshold.
const scoreBand = 0.8

// insertBow fills the new keyframe's appearance signatures and its row of
// the confusion matrix. Point and line scores are blended by feature count
// and by pixel dispersion. Caller holds mapMu.
func (h *Handler) insertBow(kf *keyframe.KeyFrame) {
	kf.BowP = h.vocabP.Transform(kf.Bundle.PointDescriptors())
	kf.BowL = h.vocabL.Transform(kf.Bundle.LineDescriptors())

	stdPt, nPt := dispersion(pointPixels(kf.Bundle))
	stdLs, nLs := dispersion(linePixels(kf.Bundle))

	for _, other := range h.kfs {
		if other == nil {
			continue
		}
		sp := h.vocabP.Score(kf.BowP, other.BowP)
		sl := h.vocabL.Score(kf.BowL, other.BowL)
		score := 0.0
		if nPt+nLs > 0 {
			score += (sp*float64(nPt) + sl*float64(nLs)) / float64(nPt+nLs)
		}
		if stdPt+stdLs > 0 {
			score += (sp*stdPt + sl*stdLs) / (stdPt + stdLs)
		}
		h.confusion.Set(kf.ID, other.ID, score)
	}
}

func pointPixels(b *feature.Bundle) ([]float64, []float64) {
	var xs, ys []float64
	for _, pt := range b.Points {
		if pt != nil {
			xs = append(xs, pt.Px.X)
			ys = append(ys, pt.Px.Y)
		}
	}
	return xs, ys
}

func linePixels(b *feature.Bundle) ([]float64, []float64) {
	var xs, ys []float64
	for _, ls := range b.Lines {
		if ls != nil {
			mid := ls.Midpoint()
			xs = append(xs, mid.X)
			ys = append(ys, mid.Y)
		}
	}
	return xs, ys
}

// dispersion sums the coordinate standard deviations of a pixel set.
func dispersion(xs, ys []float64) (float64, int) {
	if len(xs) < 2 {
		return 0, len(xs)
	}
	return stat.StdDev(xs, nil) + stat.StdDev(ys, nil), len(xs)
}

// loopClosure runs one step of the loop closure pipeline for the newest
// keyframe: candidate search, geometric verification, and, once an armed
// closure sequence ends, the pose-graph correction. Caller holds mapMu.
func (h *Handler) loopClosure(currID int) {
	prevID, isCandidate := h.lookForLoopCandidates(currID)
	verified := false
	if isCandidate {
		if c, ok := h.isLoopClosure(h.kfs[prevID], h.kfs[currID]); ok {
			h.lcConstraints = append(h.lcConstraints, c)
			verified = true
			h.logger.Debugw("loop closure verified", "prev", prevID, "curr", currID)
		}
	}

	switch {
	case verified && h.lcState == lcIdle:
		h.lcState = lcActive
	case !verified && h.lcState == lcActive:
		h.lcState = lcReady
	}

	if h.lcState == lcReady {
		h.poseGraphCorrection()
		h.fuseLandmarks()
		for _, c := range h.lcConstraints {
			c.Pending = false
		}
		h.lcState = lcIdle
	}
}

// lookForLoopCandidates picks the best-scoring old keyframe for the current
// one, accepting it only when enough nearby keyframes also score within the
// band of the covisibility-derived threshold.
func (h *Handler) lookForLoopCandidates(currID int) (int, bool) {
	type scored struct {
		id    int
		score float64
	}
	var pool []scored
	for i := 0; i < currID-h.cfg.LCKFDist; i++ {
		if h.kfs[i] != nil {
			pool = append(pool, scored{id: i, score: h.confusion.At(i, currID)})
		}
	}
	if len(pool) <= h.cfg.LCKFMaxDist {
		return -1, false
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].score > pool[j].score })

	// lowest meaningful score among keyframes connected to the current one
	minScore := 1.0
	for i := 0; i < currID; i++ {
		if h.fullGraph.At(i, currID) >= h.cfg.MinLMCovGraph || currID-i <= h.cfg.MinKFLocalMap+3 {
			if s := h.confusion.At(i, currID); s < minScore && s > scoreFloor {
				minScore = s
			}
		}
	}

	best := pool[0]
	if best.score < minScore {
		return -1, false
	}
	nClosest := 0
	for _, s := range pool[1:] {
		if abs(s.id-best.id) <= h.cfg.LCKFMaxDist && s.score >= minScore*scoreBand {
			nClosest++
		}
	}
	if nClosest < h.cfg.LCNKFClosest {
		return -1, false
	}
	return best.id, true
}

// isLoopClosure verifies a candidate pair geometrically: descriptor matches
// between the two keyframes feed a robust two-phase Gauss-Newton relative
// pose estimate, which must be accurate, certain, well supported, and small.
func (h *Handler) isLoopClosure(prev, curr *keyframe.KeyFrame) (*lcConstraint, bool) {
	if prev == nil || curr == nil {
		return nil, false
	}

	var pts []*relPoint
	var ptPairs [][4]int
	commonPt := 0
	if len(prev.Bundle.Points) > 0 && len(curr.Bundle.Points) > 0 {
		var matches []int
		commonPt, matches = matching.Match(
			curr.Bundle.PointDescriptors(), prev.Bundle.PointDescriptors(), h.cfg.MatchRatioP)
		for i1, i2 := range matches {
			if i2 == feature.Unassociated {
				continue
			}
			fp, fc := prev.Bundle.Points[i1], curr.Bundle.Points[i2]
			pts = append(pts, &relPoint{P: fp.P, Obs: fc.Px, Inlier: true})
			ptPairs = append(ptPairs, [4]int{fp.Landmark, i1, fc.Landmark, i2})
		}
	}
	var lns []*relLine
	var lsPairs [][4]int
	commonLs := 0
	if len(prev.Bundle.Lines) > 0 && len(curr.Bundle.Lines) > 0 {
		var matches []int
		commonLs, matches = matching.Match(
			curr.Bundle.LineDescriptors(), prev.Bundle.LineDescriptors(), h.cfg.MatchRatioL)
		for i1, i2 := range matches {
			if i2 == feature.Unassociated {
				continue
			}
			fp, fc := prev.Bundle.Lines[i1], curr.Bundle.Lines[i2]
			lns = append(lns, &relLine{SP: fp.SP, EP: fp.EP, LeObs: fc.Le, Inlier: true})
			lsPairs = append(lsPairs, [4]int{fp.Landmark, i1, fc.Landmark, i2})
		}
	}

	if !h.commonRatioOK(commonPt, commonLs, prev.Bundle, curr.Bundle) {
		return nil, false
	}

	// phase one over everything, outlier rejection, then refinement
	t, _, _ := h.gaussNewtonPose(pts, lns, mgl64.Ident4(), h.cfg.MaxIters)
	h.markPoseOutliers(t, pts, lns)
	t, hm, e := h.gaussNewtonPose(pts, lns, t, h.cfg.MaxItersRef)

	x := se3.Log(t)
	ptInl, lsInl := countInliers(pts, lns)
	total := len(pts) + len(lns)
	inlierRatio := 0.0
	if total > 0 {
		inlierRatio = float64(ptInl+lsInl) / float64(total)
	}
	switch {
	case e >= h.cfg.LCRes,
		maxCovEigenvalue(hm) >= h.cfg.LCUnc,
		inlierRatio <= h.cfg.LCInl,
		x.Translation().Norm() >= h.cfg.LCTrs,
		x.Rotation().Norm()*180/math.Pi >= h.cfg.LCRot:
		return nil, false
	}

	c := &lcConstraint{
		Prev:    prev.ID,
		Curr:    curr.ID,
		Rel:     se3.Inverse(t),
		Pending: true,
	}
	for i, pt := range pts {
		if pt.Inlier {
			c.PtPairs = append(c.PtPairs, ptPairs[i])
		}
	}
	for i, ls := range lns {
		if ls.Inlier {
			c.LsPairs = append(c.LsPairs, lsPairs[i])
		}
	}
	return c, true
}

// commonRatioOK requires the raw match count to cover a minimum share of the
// smaller feature set, per feature kind present on both sides.
func (h *Handler) commonRatioOK(commonPt, commonLs int, prev, curr *feature.Bundle) bool {
	havePts := len(prev.Points) > 0 && len(curr.Points) > 0
	haveLs := len(prev.Lines) > 0 && len(curr.Lines) > 0
	ratio := func(common, n0, n1 int) float64 {
		return math.Max(100*float64(common)/float64(n0), 100*float64(common)/float64(n1))
	}
	switch {
	case havePts && haveLs:
		return ratio(commonPt, len(prev.Points), len(curr.Points)) > h.cfg.LCInlierRatio &&
			ratio(commonLs, len(prev.Lines), len(curr.Lines)) > h.cfg.LCInlierRatio
	case havePts:
		return ratio(commonPt, len(prev.Points), len(curr.Points)) > h.cfg.LCInlierRatio
	case haveLs:
		return ratio(commonLs, len(prev.Lines), len(curr.Lines)) > h.cfg.LCInlierRatio
	default:
		return false
	}
}

// poseGraphCorrection distributes the accumulated loop closure constraints
// over the keyframe graph and rigidly drags each keyframe's anchored
// landmarks along with its corrected pose.
func (h *Handler) poseGraphCorrection() {
	if len(h.lcConstraints) == 0 {
		return
	}
	kfCurr := 0
	for _, c := range h.lcConstraints {
		if c.Curr > kfCurr {
			kfCurr = c.Curr
		}
	}

	// seed loop closure target vertices from the measured relative pose
	seed := make(map[int]mgl64.Mat4)
	for _, c := range h.lcConstraints {
		if prev := h.kfs[c.Prev]; prev != nil {
			seed[c.Curr] = se3.Mul(prev.Pose, c.Rel)
		}
	}

	pg := graphopt.NewPoseGraph()
	vertex := make(map[int]int)
	for id := 0; id <= kfCurr; id++ {
		kf := h.kfs[id]
		if kf == nil {
			continue
		}
		pose := kf.Pose
		if s, ok := seed[id]; ok {
			pose = s
		}
		vertex[id] = pg.AddPose(pose, id == 0)
	}

	for i := 0; i <= kfCurr; i++ {
		if h.kfs[i] == nil {
			continue
		}
		for j := i + 1; j <= kfCurr; j++ {
			if h.kfs[j] == nil {
				continue
			}
			if h.fullGraph.At(i, j) < h.cfg.MinLMEssGraph &&
				h.fullGraph.At(i, j) < h.cfg.MinLMCovGraph && j-i != 1 {
				continue
			}
			rel := se3.Mul(se3.Inverse(h.kfs[i].Pose), h.kfs[j].Pose)
			if err := pg.AddConstraint(vertex[i], vertex[j], rel); err != nil {
				h.logger.Debugw("pose graph edge dropped", "i", i, "j", j, "error", err)
			}
		}
	}
	for _, c := range h.lcConstraints {
		vi, oki := vertex[c.Prev]
		vj, okj := vertex[c.Curr]
		if !oki || !okj {
			continue
		}
		if err := pg.AddConstraint(vi, vj, c.Rel); err != nil {
			h.logger.Debugw("loop closure edge dropped", "prev", c.Prev, "curr", c.Curr, "error", err)
		}
	}

	summary, err := pg.Optimize(h.cfg.MaxItersPGO)
	if err != nil {
		h.logger.Errorw("pose graph optimization failed", "error", err)
		return
	}
	h.logger.Debugw("pose graph optimized",
		"initialErr", summary.InitialError, "finalErr", summary.FinalError, "iterations", summary.Iterations)

	corr := mgl64.Ident4()
	for id := 0; id <= kfCurr; id++ {
		kf := h.kfs[id]
		if kf == nil {
			continue
		}
		newPose := se3.Normalize(pg.Pose(vertex[id]))
		corr = se3.Mul(newPose, se3.Inverse(kf.Pose))
		kf.SetPose(newPose)
		h.correctAnchored(id, corr)
	}
	// keyframes past the optimized window follow the newest correction
	for id := kfCurr + 1; id < len(h.kfs); id++ {
		kf := h.kfs[id]
		if kf == nil {
			continue
		}
		kf.SetPose(se3.Normalize(se3.Mul(corr, kf.Pose)))
		h.correctAnchored(id, corr)
	}
}

// correctAnchored applies a rigid correction to every landmark anchored at
// the keyframe: positions transform, viewing directions rotate.
func (h *Handler) correctAnchored(kfID int, corr mgl64.Mat4) {
	for _, lmID := range h.store.PointAnchors[kfID] {
		lm := h.store.Point(lmID)
		if lm == nil {
			continue
		}
		lm.P = se3.TransformPoint(corr, lm.P)
		lm.MedDir = se3.RotatePoint(corr, lm.MedDir)
		for i := range lm.Dirs {
			lm.Dirs[i] = se3.RotatePoint(corr, lm.Dirs[i])
		}
	}
	for _, lmID := range h.store.LineAnchors[kfID] {
		lm := h.store.Line(lmID)
		if lm == nil {
			continue
		}
		lm.SP = se3.TransformPoint(corr, lm.SP)
		lm.EP = se3.TransformPoint(corr, lm.EP)
		lm.MedDir = se3.RotatePoint(corr, lm.MedDir)
		for i := range lm.Dirs {
			lm.Dirs[i] = se3.RotatePoint(corr, lm.Dirs[i])
		}
	}
}
