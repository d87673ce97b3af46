package ba

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/plslam/slam/se3"
)

// solveEndpoints is the hand-derived Levenberg-Marquardt solver with lines
// parameterized by their two 3D endpoints. The state vector stacks free
// keyframe twists, then point positions, then line endpoint pairs.
func (p *problem) solveEndpoints() (*Result, error) {
	n := 6*p.nkf() + 3*p.npt() + 6*p.nls()
	nObs := float64(len(p.ptObs) + len(p.lsObs))

	x := p.initEndpointState()
	H, g, err := p.accumulateEndpoints(x)
	err /= nObs
	initialErr := err

	lambda := p.cfg.LambdaLBA * maxDiag(H)

	// first step is always applied
	if dx, ok := dampSolve(H, g, lambda, n); ok {
		p.applyEndpointStep(x, dx)
	}
	errPrev := err
	iters := 1

	for it := 1; it < p.cfg.MaxItersLBA; it++ {
		H, g, err = p.accumulateEndpoints(x)
		err /= nObs
		iters = it + 1
		if math.Abs(err-errPrev) < p.cfg.MinErrorChange || err < p.cfg.MinError {
			break
		}
		dx, ok := dampSolve(H, g, lambda, n)
		if !ok {
			lambda *= p.cfg.LambdaK
			continue
		}
		if err > errPrev {
			lambda /= p.cfg.LambdaK
		} else {
			lambda *= p.cfg.LambdaK
			p.applyEndpointStep(x, dx)
		}
		if vecNorm(dx) < p.cfg.MinErrorChange {
			break
		}
		errPrev = err
	}

	return p.commitEndpoints(x, initialErr, err, iters), nil
}

func (p *problem) initEndpointState() []float64 {
	x := make([]float64, 0, 6*p.nkf()+3*p.npt()+6*p.nls())
	for _, id := range p.kfList {
		x = append(x, p.kfs[id].X[:]...)
	}
	for _, id := range p.ptList {
		lm := p.store.Points[id]
		x = append(x, lm.P.X, lm.P.Y, lm.P.Z)
	}
	for _, id := range p.lsList {
		lm := p.store.Lines[id]
		x = append(x, lm.SP.X, lm.SP.Y, lm.SP.Z, lm.EP.X, lm.EP.Y, lm.EP.Z)
	}
	return x
}

func (p *problem) pointStateAt(local int, x []float64) r3.Vector {
	o := 6*p.nkf() + 3*local
	return r3.Vector{X: x[o], Y: x[o+1], Z: x[o+2]}
}

func (p *problem) lineStateAt(local int, x []float64) (sp, ep r3.Vector) {
	o := 6*p.nkf() + 3*p.npt() + 6*local
	sp = r3.Vector{X: x[o], Y: x[o+1], Z: x[o+2]}
	ep = r3.Vector{X: x[o+3], Y: x[o+4], Z: x[o+5]}
	return sp, ep
}

func (p *problem) accumulateEndpoints(x []float64) ([][]float64, []float64, float64) {
	n := 6*p.nkf() + 3*p.npt() + 6*p.nls()
	H := newDense(n)
	g := make([]float64, n)
	err := 0.0

	for _, obs := range p.ptObs {
		if p.store.Points[obs.LM] == nil || p.kfs[obs.KF] == nil {
			continue
		}
		xwj := p.pointStateAt(obs.LMLocal, x)
		dx, dy, norm, xwi := p.pointResidual(obs, xwj, x)
		tiw := se3.Inverse(p.poseAt(obs, x))

		base := p.projGrad(xwi, p.cam.Fx*dx, p.cam.Fy*dy)
		var jT [6]float64
		for i := range base {
			jT[i] = base[i] / p.clampNorm(norm)
		}
		jXv := se3.RotateTranspose(tiw, r3.Vector{X: base[0], Y: base[1], Z: base[2]}).
			Mul(1 / p.clampNorm(norm))
		jX := [3]float64{jXv.X, jXv.Y, jXv.Z}

		w := p.cauchy(norm)
		err += norm * norm * w
		jdx := 6*p.nkf() + 3*obs.LMLocal
		addBlock(H, g, jdx, jX[:], norm, w)
		if obs.KFLocal != -1 {
			idx := 6 * obs.KFLocal
			addBlock(H, g, idx, jT[:], norm, w)
			addCross(H, jdx, idx, jX[:], jT[:], w)
		}
	}

	for _, obs := range p.lsObs {
		if p.store.Lines[obs.LM] == nil || p.kfs[obs.KF] == nil {
			continue
		}
		sp, ep := p.lineStateAt(obs.LMLocal, x)
		e0, e1, norm, pwi, qwi := p.lineResidual(obs, sp, ep, x)
		tiw := se3.Inverse(p.poseAt(obs, x))

		fxl := p.cam.Fx * e0
		fyl := p.cam.Fy * e1
		baseP := p.projGrad(pwi, fxl, fyl)
		baseQ := p.projGrad(qwi, fxl, fyl)

		jSPv := se3.RotateTranspose(tiw, r3.Vector{X: baseP[0], Y: baseP[1], Z: baseP[2]}).
			Mul(e0 / p.clampNorm(norm))
		jEPv := se3.RotateTranspose(tiw, r3.Vector{X: baseQ[0], Y: baseQ[1], Z: baseQ[2]}).
			Mul(e1 / p.clampNorm(norm))
		jL := [6]float64{jSPv.X, jSPv.Y, jSPv.Z, jEPv.X, jEPv.Y, jEPv.Z}

		var jT [6]float64
		for i := range jT {
			jT[i] = (baseP[i]*e0 + baseQ[i]*e1) / p.clampNorm(norm)
		}

		w := p.cauchy(norm)
		err += norm * norm * w
		jdx := 6*p.nkf() + 3*p.npt() + 6*obs.LMLocal
		addBlock(H, g, jdx, jL[:], norm, w)
		if obs.KFLocal != -1 {
			idx := 6 * obs.KFLocal
			addBlock(H, g, idx, jT[:], norm, w)
			addCross(H, jdx, idx, jL[:], jT[:], w)
		}
	}
	return H, g, err
}

func (p *problem) applyEndpointStep(x, dx []float64) {
	for i := 0; i < p.nkf(); i++ {
		var xt, dt se3.Twist
		copy(xt[:], x[6*i:6*i+6])
		copy(dt[:], dx[6*i:6*i+6])
		next := se3.Log(se3.Mul(se3.Exp(xt), se3.Inverse(se3.Exp(dt))))
		copy(x[6*i:6*i+6], next[:])
	}
	for i := 6 * p.nkf(); i < len(x); i++ {
		x[i] += dx[i]
	}
}

func (p *problem) commitEndpoints(x []float64, initialErr, finalErr float64, iters int) *Result {
	res := &Result{
		KFList:     p.kfList,
		PointList:  p.ptList,
		LineList:   p.lsList,
		InitialErr: initialErr,
		FinalErr:   finalErr,
		Iterations: iters,
	}
	for i := range p.kfList {
		var tw se3.Twist
		copy(tw[:], x[6*i:6*i+6])
		res.Poses = append(res.Poses, se3.Exp(tw))
	}
	for i, id := range p.ptList {
		pos := p.pointStateAt(i, x)
		res.PointPos = append(res.PointPos, pos)
		if pos.Sub(p.store.Points[id].P).Norm() > movedTh {
			res.MovedPoints = append(res.MovedPoints, id)
		}
	}
	for i, id := range p.lsList {
		sp, ep := p.lineStateAt(i, x)
		res.LineSP = append(res.LineSP, sp)
		res.LineEP = append(res.LineEP, ep)
		lm := p.store.Lines[id]
		d2 := sp.Sub(lm.SP).Norm2() + ep.Sub(lm.EP).Norm2()
		if math.Sqrt(d2) > movedTh {
			res.MovedLines = append(res.MovedLines, id)
		}
	}

	for _, obs := range p.ptObs {
		if p.store.Points[obs.LM] == nil || p.kfs[obs.KF] == nil {
			continue
		}
		_, _, norm, _ := p.pointResidual(obs, p.pointStateAt(obs.LMLocal, x), x)
		if norm > chi2Obs {
			obs.Inlier = false
			res.OutlierPointObs = append(res.OutlierPointObs, obs)
		}
	}
	for _, obs := range p.lsObs {
		if p.store.Lines[obs.LM] == nil || p.kfs[obs.KF] == nil {
			continue
		}
		sp, ep := p.lineStateAt(obs.LMLocal, x)
		_, _, norm, _, _ := p.lineResidual(obs, sp, ep, x)
		if norm > chi2Obs {
			obs.Inlier = false
			res.OutlierLineObs = append(res.OutlierLineObs, obs)
		}
	}
	return res
}

// shared dense helpers

func newDense(n int) [][]float64 {
	H := make([][]float64, n)
	for i := range H {
		H[i] = make([]float64, n)
	}
	return H
}

func maxDiag(H [][]float64) float64 {
	m := 0.0
	for i := range H {
		if a := math.Abs(H[i][i]); a > m {
			m = a
		}
	}
	return m
}

// addBlock accumulates g += J*r*w and H += J J^T w at a diagonal offset.
func addBlock(H [][]float64, g []float64, off int, J []float64, r, w float64) {
	for i := range J {
		g[off+i] += J[i] * r * w
		for j := range J {
			H[off+i][off+j] += J[i] * J[j] * w
		}
	}
}

// addCross accumulates the symmetric off-diagonal blocks Ji Jj^T w.
func addCross(H [][]float64, offI, offJ int, Ji, Jj []float64, w float64) {
	for i := range Ji {
		for j := range Jj {
			H[offI+i][offJ+j] += Ji[i] * Jj[j] * w
			H[offJ+j][offI+i] += Ji[i] * Jj[j] * w
		}
	}
}

// dampSolve solves (H + lambda*diag(H)) dx = g.
func dampSolve(H [][]float64, g []float64, lambda float64, n int) ([]float64, bool) {
	S := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := H[i][j]
			if i == j {
				v += lambda * H[i][i]
			}
			S.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(S) {
		return nil, false
	}
	dx := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(dx, mat.NewVecDense(n, g)); err != nil {
		return nil, false
	}
	return dx.RawVector().Data, true
}

func vecNorm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
