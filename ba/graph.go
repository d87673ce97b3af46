package ba

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/plslam/slam/camera"
	"github.com/plslam/slam/graphopt"
	"github.com/plslam/slam/se3"
)

// pointObsFactor is the 2D reprojection residual of one point observation.
type pointObsFactor struct {
	pose, point int
	cam         *camera.PinholeStereo
	obsX, obsY  float64
}

func (f *pointObsFactor) Variables() []int { return []int{f.pose, f.point} }
func (f *pointObsFactor) Dim() int         { return 2 }

func (f *pointObsFactor) Residual(vars []graphopt.Variable) []float64 {
	tiw := se3.Inverse(vars[f.pose].(*graphopt.SE3).T)
	xw := vars[f.point].(*graphopt.Euclidean).X
	xc := se3.TransformPoint(tiw, r3.Vector{X: xw[0], Y: xw[1], Z: xw[2]})
	prj := f.cam.Project(xc)
	return []float64{f.obsX - prj.X, f.obsY - prj.Y}
}

// lineObsFactor is the endpoint-to-image-line residual of one line
// observation.
type lineObsFactor struct {
	pose, line int
	cam        *camera.PinholeStereo
	le         r3.Vector
}

func (f *lineObsFactor) Variables() []int { return []int{f.pose, f.line} }
func (f *lineObsFactor) Dim() int         { return 2 }

func (f *lineObsFactor) Residual(vars []graphopt.Variable) []float64 {
	tiw := se3.Inverse(vars[f.pose].(*graphopt.SE3).T)
	lw := vars[f.line].(*graphopt.Euclidean).X
	pc := se3.TransformPoint(tiw, r3.Vector{X: lw[0], Y: lw[1], Z: lw[2]})
	qc := se3.TransformPoint(tiw, r3.Vector{X: lw[3], Y: lw[4], Z: lw[5]})
	pPrj := f.cam.Project(pc)
	qPrj := f.cam.Project(qc)
	return []float64{
		f.le.X*pPrj.X + f.le.Y*pPrj.Y + f.le.Z,
		f.le.X*qPrj.X + f.le.Y*qPrj.Y + f.le.Z,
	}
}

// solveGraph runs the same adjustment through the factor-graph engine with
// numerically probed Jacobians instead of the hand-derived ones.
func (p *problem) solveGraph() (*Result, error) {
	prob := graphopt.NewProblem()

	poseVar := map[int]int{}
	for _, id := range p.kfList {
		poseVar[id] = prob.AddVariable(graphopt.NewSE3(p.kfs[id].Pose), false)
	}
	fixedPose := func(kf int) int {
		if v, ok := poseVar[kf]; ok {
			return v
		}
		v := prob.AddVariable(graphopt.NewSE3(p.kfs[kf].Pose), true)
		poseVar[kf] = v
		return v
	}

	ptVar := make([]int, p.npt())
	for i, id := range p.ptList {
		lm := p.store.Points[id]
		ptVar[i] = prob.AddVariable(graphopt.NewEuclidean([]float64{lm.P.X, lm.P.Y, lm.P.Z}), false)
	}
	lsVar := make([]int, p.nls())
	for i, id := range p.lsList {
		lm := p.store.Lines[id]
		lsVar[i] = prob.AddVariable(graphopt.NewEuclidean([]float64{
			lm.SP.X, lm.SP.Y, lm.SP.Z, lm.EP.X, lm.EP.Y, lm.EP.Z,
		}), false)
	}

	for _, obs := range p.ptObs {
		if p.store.Points[obs.LM] == nil || p.kfs[obs.KF] == nil {
			continue
		}
		px := p.store.Points[obs.LM].Obs[obs.ObsIdx]
		prob.AddFactor(&pointObsFactor{
			pose: fixedPose(obs.KF), point: ptVar[obs.LMLocal],
			cam: p.cam, obsX: px.X, obsY: px.Y,
		})
	}
	for _, obs := range p.lsObs {
		if p.store.Lines[obs.LM] == nil || p.kfs[obs.KF] == nil {
			continue
		}
		prob.AddFactor(&lineObsFactor{
			pose: fixedPose(obs.KF), line: lsVar[obs.LMLocal],
			cam: p.cam, le: p.store.Lines[obs.LM].LeObs[obs.ObsIdx],
		})
	}

	opts := graphopt.DefaultOptions()
	opts.MaxIterations = p.cfg.MaxItersLBA
	opts.Lambda = p.cfg.LambdaLBA
	opts.LambdaFactor = p.cfg.LambdaK
	opts.MinError = p.cfg.MinError
	opts.MinErrorChange = p.cfg.MinErrorChange
	sum, err := prob.Optimize(opts)
	if err != nil {
		return nil, err
	}

	res := &Result{
		KFList:     p.kfList,
		PointList:  p.ptList,
		LineList:   p.lsList,
		InitialErr: sum.InitialError,
		FinalErr:   sum.FinalError,
		Iterations: sum.Iterations,
	}
	for _, id := range p.kfList {
		res.Poses = append(res.Poses, prob.Variable(poseVar[id]).(*graphopt.SE3).T)
	}
	for i, id := range p.ptList {
		xw := prob.Variable(ptVar[i]).(*graphopt.Euclidean).X
		pos := r3.Vector{X: xw[0], Y: xw[1], Z: xw[2]}
		res.PointPos = append(res.PointPos, pos)
		if pos.Sub(p.store.Points[id].P).Norm() > movedTh {
			res.MovedPoints = append(res.MovedPoints, id)
		}
	}
	for i, id := range p.lsList {
		lw := prob.Variable(lsVar[i]).(*graphopt.Euclidean).X
		sp := r3.Vector{X: lw[0], Y: lw[1], Z: lw[2]}
		ep := r3.Vector{X: lw[3], Y: lw[4], Z: lw[5]}
		res.LineSP = append(res.LineSP, sp)
		res.LineEP = append(res.LineEP, ep)
		lm := p.store.Lines[id]
		d2 := sp.Sub(lm.SP).Norm2() + ep.Sub(lm.EP).Norm2()
		if math.Sqrt(d2) > movedTh {
			res.MovedLines = append(res.MovedLines, id)
		}
	}
	p.markGraphOutliers(prob, poseVar, ptVar, lsVar, res)
	return res, nil
}

func (p *problem) markGraphOutliers(
	prob *graphopt.Problem,
	poseVar map[int]int,
	ptVar, lsVar []int,
	res *Result,
) {
	for _, obs := range p.ptObs {
		if p.store.Points[obs.LM] == nil || p.kfs[obs.KF] == nil {
			continue
		}
		px := p.store.Points[obs.LM].Obs[obs.ObsIdx]
		f := &pointObsFactor{
			pose: poseVar[obs.KF], point: ptVar[obs.LMLocal],
			cam: p.cam, obsX: px.X, obsY: px.Y,
		}
		r := f.Residual(probVars(prob, f))
		if math.Hypot(r[0], r[1]) > chi2Obs {
			obs.Inlier = false
			res.OutlierPointObs = append(res.OutlierPointObs, obs)
		}
	}
	for _, obs := range p.lsObs {
		if p.store.Lines[obs.LM] == nil || p.kfs[obs.KF] == nil {
			continue
		}
		f := &lineObsFactor{
			pose: poseVar[obs.KF], line: lsVar[obs.LMLocal],
			cam: p.cam, le: p.store.Lines[obs.LM].LeObs[obs.ObsIdx],
		}
		r := f.Residual(probVars(prob, f))
		if math.Hypot(r[0], r[1]) > chi2Obs {
			obs.Inlier = false
			res.OutlierLineObs = append(res.OutlierLineObs, obs)
		}
	}
}

// probVars builds the variable slice a factor indexes into.
func probVars(prob *graphopt.Problem, f graphopt.Factor) []graphopt.Variable {
	max := 0
	for _, v := range f.Variables() {
		if v > max {
			max = v
		}
	}
	vars := make([]graphopt.Variable, max+1)
	for _, v := range f.Variables() {
		vars[v] = prob.Variable(v)
	}
	return vars
}
