package ba

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/plslam/slam/landmark"
	"github.com/plslam/slam/se3"
)

// solvePlucker is the Levenberg-Marquardt solver with lines in the minimal
// orthonormal parameterization. Poses and points share the endpoint solver's
// layout; each line contributes a 4-dimensional tangent block. The residual
// is the normalized distance of the two observed pixel endpoints to the
// projected infinite line.
func (p *problem) solvePlucker() (*Result, error) {
	nls := p.nls()
	n := 6*p.nkf() + 3*p.npt() + 4*nls
	nObs := float64(len(p.ptObs) + len(p.lsObs))

	x := p.initEndpointState()[:6*p.nkf()+3*p.npt()]
	orth := make([]landmark.Orthonormal, nls)
	for i, id := range p.lsList {
		lm := p.store.Lines[id]
		orth[i] = landmark.PluckerFromEndpoints(lm.SP, lm.EP).Orthonormal()
	}

	H, g, err := p.accumulatePlucker(x, orth)
	err /= nObs
	initialErr := err

	lambda := p.cfg.LambdaLBA * maxDiag(H)
	if dx, ok := dampSolve(H, g, lambda, n); ok {
		p.applyPluckerStep(x, orth, dx)
	}
	errPrev := err
	iters := 1

	for it := 1; it < p.cfg.MaxItersLBA; it++ {
		H, g, err = p.accumulatePlucker(x, orth)
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
			p.applyPluckerStep(x, orth, dx)
		}
		if vecNorm(dx) < p.cfg.MinErrorChange {
			break
		}
		errPrev = err
	}

	return p.commitPlucker(x, orth, initialErr, err, iters), nil
}

// lineProjTranspose applies the transpose of the line projection matrix
// K_L = [[fy,0,0],[0,fx,0],[-fy*cx,-fx*cy,fx*fy]] to a residual gradient.
func (p *problem) lineProjTranspose(de r3.Vector) r3.Vector {
	fx, fy := p.cam.Fx, p.cam.Fy
	return r3.Vector{
		X: fy*de.X - fy*p.cam.Cx*de.Z,
		Y: fx*de.Y - fx*p.cam.Cy*de.Z,
		Z: fx * fy * de.Z,
	}
}

// pluckerLineResidual evaluates one observation of a line given in camera
// coordinates (nc, dc), against the observed pixel endpoints.
func (p *problem) pluckerLineResidual(obs Observation, nc r3.Vector) (e0, e1, norm float64, l r3.Vector) {
	fx, fy := p.cam.Fx, p.cam.Fy
	l = r3.Vector{
		X: fy * nc.X,
		Y: fx * nc.Y,
		Z: -fy*p.cam.Cx*nc.X - fx*p.cam.Cy*nc.Y + fx*fy*nc.Z,
	}
	f := math.Max(p.cfg.HomogTh, math.Hypot(l.X, l.Y))
	eps := p.store.Lines[obs.LM].Endpoints[obs.ObsIdx]
	e0 = (eps[0].X*l.X + eps[0].Y*l.Y + l.Z) / f
	e1 = (eps[1].X*l.X + eps[1].Y*l.Y + l.Z) / f
	norm = math.Hypot(e0, e1)
	return e0, e1, norm, l
}

func (p *problem) accumulatePlucker(x []float64, orth []landmark.Orthonormal) ([][]float64, []float64, float64) {
	n := 6*p.nkf() + 3*p.npt() + 4*p.nls()
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

	basis := [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}

	for _, obs := range p.lsObs {
		if p.store.Lines[obs.LM] == nil || p.kfs[obs.KF] == nil {
			continue
		}
		o := orth[obs.LMLocal]
		lw := o.Plucker()
		tiw := se3.Inverse(p.poseAt(obs, x))
		t := se3.Translation(tiw)
		rn := se3.RotatePoint(tiw, lw.N)
		rd := se3.RotatePoint(tiw, lw.V)
		nc := rn.Add(t.Cross(rd))

		e0, e1, norm, l := p.pluckerLineResidual(obs, nc)
		f := math.Max(p.cfg.HomogTh, math.Hypot(l.X, l.Y))
		eps := p.store.Lines[obs.LM].Endpoints[obs.ObsIdx]

		// gradients of each endpoint distance through the pixel line
		de0 := r3.Vector{X: eps[0].X/f - e0*l.X/(f*f), Y: eps[0].Y/f - e0*l.Y/(f*f), Z: 1 / f}
		de1 := r3.Vector{X: eps[1].X/f - e1*l.X/(f*f), Y: eps[1].Y/f - e1*l.Y/(f*f), Z: 1 / f}
		w0 := p.lineProjTranspose(de0)
		w1 := p.lineProjTranspose(de1)

		// pose columns of dnc, translation block then rotation block
		var jT [6]float64
		for j := 0; j < 3; j++ {
			colT := rd.Cross(basis[j]).Mul(-1)
			colR := rn.Cross(basis[j]).Mul(-1).Sub(t.Cross(rd.Cross(basis[j])))
			jT[j] = (w0.Dot(colT)*e0 + w1.Dot(colT)*e1) / p.clampNorm(norm)
			jT[j+3] = (w0.Dot(colR)*e0 + w1.Dot(colR)*e1) / p.clampNorm(norm)
		}

		// landmark columns through the orthonormal tangent
		u1 := r3.Vector{X: o.U[0], Y: o.U[1], Z: o.U[2]}
		u2 := r3.Vector{X: o.U[3], Y: o.U[4], Z: o.U[5]}
		u3 := r3.Vector{X: o.U[6], Y: o.U[7], Z: o.U[8]}
		c, s := math.Cos(o.Theta), math.Sin(o.Theta)
		dn := [4]r3.Vector{{}, u3.Mul(-c), u2.Mul(c), u1.Mul(-s)}
		dd := [4]r3.Vector{u3.Mul(s), {}, u1.Mul(-s), u2.Mul(c)}

		var jL [4]float64
		for j := 0; j < 4; j++ {
			// line transform: nc column = R dn + t x (R dd)
			rcn := se3.RotatePoint(tiw, dn[j])
			rcd := se3.RotatePoint(tiw, dd[j])
			col := rcn.Add(t.Cross(rcd))
			jL[j] = (w0.Dot(col)*e0 + w1.Dot(col)*e1) / p.clampNorm(norm)
		}

		w := p.cauchy(norm)
		err += norm * norm * w
		jdx := 6*p.nkf() + 3*p.npt() + 4*obs.LMLocal
		addBlock(H, g, jdx, jL[:], norm, w)
		if obs.KFLocal != -1 {
			idx := 6 * obs.KFLocal
			addBlock(H, g, idx, jT[:], norm, w)
			addCross(H, jdx, idx, jL[:], jT[:], w)
		}
	}
	return H, g, err
}

func (p *problem) applyPluckerStep(x []float64, orth []landmark.Orthonormal, dx []float64) {
	p.applyEndpointStep(x, dx[:len(x)])
	base := 6*p.nkf() + 3*p.npt()
	for i := range orth {
		var d [4]float64
		copy(d[:], dx[base+4*i:base+4*i+4])
		orth[i] = orth[i].Update(d)
	}
}

func (p *problem) commitPlucker(x []float64, orth []landmark.Orthonormal, initialErr, finalErr float64, iters int) *Result {
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
		lm := p.store.Lines[id]
		pl := orth[i].Plucker()
		sp := closestOnLine(pl, lm.SP)
		ep := closestOnLine(pl, lm.EP)
		res.LineSP = append(res.LineSP, sp)
		res.LineEP = append(res.LineEP, ep)
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
		lw := orth[obs.LMLocal].Plucker()
		tiw := se3.Inverse(p.poseAt(obs, x))
		t := se3.Translation(tiw)
		nc := se3.RotatePoint(tiw, lw.N).Add(t.Cross(se3.RotatePoint(tiw, lw.V)))
		_, _, norm, _ := p.pluckerLineResidual(obs, nc)
		if norm > chi2Obs {
			obs.Inlier = false
			res.OutlierLineObs = append(res.OutlierLineObs, obs)
		}
	}
	return res
}

// closestOnLine projects a point onto a Plucker line.
func closestOnLine(l landmark.Plucker, p r3.Vector) r3.Vector {
	d2 := l.V.Norm2()
	if d2 == 0 {
		return p
	}
	q0 := l.V.Cross(l.N).Mul(1 / d2)
	dir := l.V.Mul(1 / math.Sqrt(d2))
	return q0.Add(dir.Mul(dir.Dot(p.Sub(q0))))
}
