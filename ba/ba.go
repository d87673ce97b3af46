// Package ba implements local and global bundle adjustment over keyframe
// poses and point/line landmarks. The solvers never touch the map directly:
// they return a Result the caller commits under its own lock.
package ba

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/plslam/slam/camera"
	"github.com/plslam/slam/config"
	"github.com/plslam/slam/keyframe"
	"github.com/plslam/slam/landmark"
	"github.com/plslam/slam/se3"
)

// chi2Obs gates per-observation residuals after optimization. Observations
// above it are reported as outliers.
var chi2Obs = math.Sqrt(7.815)

// Observation ties one landmark observation to the keyframe it was seen
// from. Local indexes are positions in the solver's variable layout,
// KFLocal -1 meaning the pose is held fixed.
type Observation struct {
	LM      int
	LMLocal int
	ObsIdx  int
	KF      int
	KFLocal int
	Inlier  bool
}

// Result is the commit set of one adjustment run.
type Result struct {
	KFList []int
	Poses  []mgl64.Mat4

	PointList []int
	PointPos  []r3.Vector

	LineList []int
	LineSP   []r3.Vector
	LineEP   []r3.Vector

	// landmarks displaced beyond the stability threshold
	MovedPoints []int
	MovedLines  []int

	OutlierPointObs []Observation
	OutlierLineObs  []Observation

	InitialErr float64
	FinalErr   float64
	Iterations int
}

// movedTh is the displacement beyond which an adjusted landmark is treated
// as unstable.
const movedTh = 0.01

// Local adjusts the keyframes and landmarks flagged into the current local
// map. The first keyframe of the map never moves.
func Local(
	kfs []*keyframe.KeyFrame,
	store *landmark.Store,
	cam *camera.PinholeStereo,
	cfg *config.Config,
) (*Result, error) {
	var kfList []int
	for _, kf := range kfs {
		if kf != nil && kf.Local && kf.ID != 0 {
			kfList = append(kfList, kf.ID)
		}
	}
	ptList, ptObs := collectPoints(store, kfList, true)
	lsList, lsObs := collectLines(store, kfList, true)
	return solve(kfs, store, cam, cfg, kfList, ptList, lsList, ptObs, lsObs)
}

// Global adjusts every keyframe and landmark in the map, typically after a
// loop closure.
func Global(
	kfs []*keyframe.KeyFrame,
	store *landmark.Store,
	cam *camera.PinholeStereo,
	cfg *config.Config,
) (*Result, error) {
	var kfList []int
	for _, kf := range kfs {
		if kf != nil && kf.ID != 0 {
			kfList = append(kfList, kf.ID)
		}
	}
	ptList, ptObs := collectPoints(store, kfList, false)
	lsList, lsObs := collectLines(store, kfList, false)
	return solve(kfs, store, cam, cfg, kfList, ptList, lsList, ptObs, lsObs)
}

func solve(
	kfs []*keyframe.KeyFrame,
	store *landmark.Store,
	cam *camera.PinholeStereo,
	cfg *config.Config,
	kfList, ptList, lsList []int,
	ptObs, lsObs []Observation,
) (*Result, error) {
	if len(ptObs)+len(lsObs) == 0 {
		return nil, errors.New("no observations to adjust")
	}
	p := &problem{
		cam: cam, cfg: cfg, kfs: kfs, store: store,
		kfList: kfList, ptList: ptList, lsList: lsList,
		ptObs: ptObs, lsObs: lsObs,
	}
	switch cfg.Backend {
	case config.BackendGraph:
		return p.solveGraph()
	default:
		if cfg.LineParam == config.LineParamPlucker {
			return p.solvePlucker()
		}
		return p.solveEndpoints()
	}
}

func collectPoints(store *landmark.Store, kfList []int, localOnly bool) ([]int, []Observation) {
	var list []int
	var obs []Observation
	local := 0
	for _, lm := range store.Points {
		if lm == nil || (localOnly && !lm.Local) {
			continue
		}
		for i, kf := range lm.KFs {
			obs = append(obs, Observation{
				LM: lm.ID, LMLocal: local, ObsIdx: i,
				KF: kf, KFLocal: localIndex(kfList, kf), Inlier: true,
			})
		}
		list = append(list, lm.ID)
		local++
	}
	return list, obs
}

func collectLines(store *landmark.Store, kfList []int, localOnly bool) ([]int, []Observation) {
	var list []int
	var obs []Observation
	local := 0
	for _, lm := range store.Lines {
		if lm == nil || (localOnly && !lm.Local) {
			continue
		}
		for i, kf := range lm.KFs {
			obs = append(obs, Observation{
				LM: lm.ID, LMLocal: local, ObsIdx: i,
				KF: kf, KFLocal: localIndex(kfList, kf), Inlier: true,
			})
		}
		list = append(list, lm.ID)
		local++
	}
	return list, obs
}

func localIndex(list []int, id int) int {
	for i, x := range list {
		if x == id {
			return i
		}
	}
	return -1
}

// problem carries the shared state of one adjustment run.
type problem struct {
	cam   *camera.PinholeStereo
	cfg   *config.Config
	kfs   []*keyframe.KeyFrame
	store *landmark.Store

	kfList []int
	ptList []int
	lsList []int
	ptObs  []Observation
	lsObs  []Observation
}

func (p *problem) nkf() int { return len(p.kfList) }
func (p *problem) npt() int { return len(p.ptList) }
func (p *problem) nls() int { return len(p.lsList) }

// poseAt returns the world-from-camera pose for an observation: the solver
// state for free keyframes, the map value for fixed ones.
func (p *problem) poseAt(obs Observation, x []float64) mgl64.Mat4 {
	if obs.KFLocal == -1 {
		return p.kfs[obs.KF].Pose
	}
	var tw se3.Twist
	copy(tw[:], x[6*obs.KFLocal:6*obs.KFLocal+6])
	return se3.Exp(tw)
}

func (p *problem) cauchy(r float64) float64 {
	return 1.0 / (1.0 + r*r)
}

func (p *problem) clampNorm(r float64) float64 {
	return math.Max(p.cfg.HomogTh, r)
}

// pointResidual evaluates one point observation at solver state x: the
// reprojection error, its norm, and the camera-frame position.
func (p *problem) pointResidual(obs Observation, xwj r3.Vector, x []float64) (dx, dy, norm float64, xwi r3.Vector) {
	tiw := se3.Inverse(p.poseAt(obs, x))
	xwi = se3.TransformPoint(tiw, xwj)
	prj := p.cam.Project(xwi)
	pObs := p.store.Points[obs.LM].Obs[obs.ObsIdx]
	dx = pObs.X - prj.X
	dy = pObs.Y - prj.Y
	norm = math.Hypot(dx, dy)
	return dx, dy, norm, xwi
}

// projGrad is the common gradient core of the reprojection residual norm
// with respect to the camera pose, for a camera-frame point g and residual
// components scaled by the focal lengths.
func (p *problem) projGrad(g r3.Vector, fu, fv float64) [6]float64 {
	gz2 := 1.0 / math.Max(p.cfg.HomogTh, g.Z*g.Z)
	return [6]float64{
		+gz2 * fu * g.Z,
		+gz2 * fv * g.Z,
		-gz2 * (fu*g.X + fv*g.Y),
		-gz2 * (fu*g.X*g.Y + fv*g.Y*g.Y + fv*g.Z*g.Z),
		+gz2 * (fu*g.X*g.X + fu*g.Z*g.Z + fv*g.X*g.Y),
		+gz2 * (fv*g.X*g.Z - fu*g.Y*g.Z),
	}
}

// lineResidual evaluates one line observation at solver state x against the
// stored image line equation.
func (p *problem) lineResidual(
	obs Observation, sp, ep r3.Vector, x []float64,
) (e0, e1, norm float64, pwi, qwi r3.Vector) {
	tiw := se3.Inverse(p.poseAt(obs, x))
	pwi = se3.TransformPoint(tiw, sp)
	qwi = se3.TransformPoint(tiw, ep)
	pPrj := p.cam.Project(pwi)
	qPrj := p.cam.Project(qwi)
	le := p.store.Lines[obs.LM].LeObs[obs.ObsIdx]
	e0 = le.X*pPrj.X + le.Y*pPrj.Y + le.Z
	e1 = le.X*qPrj.X + le.Y*qPrj.Y + le.Z
	norm = math.Hypot(e0, e1)
	return e0, e1, norm, pwi, qwi
}
