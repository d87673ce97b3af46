package mapping

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/plslam/slam/se3"
)

// relPoint is one 3D-to-2D point correspondence for relative pose
// estimation: a camera-frame point of the reference keyframe and its pixel
// observation in the other one.
type relPoint struct {
	P      r3.Vector
	Obs    r2.Point
	Inlier bool
}

// relLine pairs the reference keyframe's camera-frame segment endpoints
// with the homogeneous line equation observed in the other keyframe.
type relLine struct {
	SP, EP r3.Vector
	LeObs  r3.Vector
	Inlier bool
}

// chi2Rel rejects a correspondence after pose estimation.
var chi2Rel = math.Sqrt(7.815)

const relEps = 2.220446049250313e-16

func cauchyWeight(r float64) float64 { return 1 / (1 + r*r) }

// gaussNewtonPose iterates Gauss-Newton over the inlier correspondences,
// starting at seed, with Cauchy-weighted scalarized residuals. It returns
// the estimated transform, the final normal matrix, and the final
// normalized error.
func (h *Handler) gaussNewtonPose(pts []*relPoint, lns []*relLine, seed mgl64.Mat4, iters int) (mgl64.Mat4, *mat.SymDense, float64) {
	t := seed
	hm := mat.NewSymDense(6, nil)
	e := 0.0
	errPrev := math.MaxFloat64
	for it := 0; it < iters; it++ {
		hm = mat.NewSymDense(6, nil)
		g := make([]float64, 6)
		e = 0
		n := 0
		for _, pt := range pts {
			if !pt.Inlier {
				continue
			}
			jac, r := h.pointPoseJac(t, pt)
			w := cauchyWeight(r)
			accumulate6(hm, g, jac, r, w)
			e += r * r * w
			n++
		}
		for _, ls := range lns {
			if !ls.Inlier {
				continue
			}
			jac, r := h.linePoseJac(t, ls)
			w := cauchyWeight(r)
			accumulate6(hm, g, jac, r, w)
			e += r * r * w
			n++
		}
		if n == 0 {
			break
		}
		e /= float64(n)
		if math.Abs(e-errPrev) < relEps || e < relEps {
			break
		}
		x, ok := solve6(hm, g)
		if !ok {
			break
		}
		t = se3.Mul(t, se3.Inverse(se3.Exp(x)))
		if x.Norm() < relEps {
			break
		}
		errPrev = e
	}
	return t, hm, e
}

// pointPoseJac returns the 6-vector pose Jacobian and the scalarized
// reprojection residual of one point correspondence under transform t.
func (h *Handler) pointPoseJac(t mgl64.Mat4, pt *relPoint) ([6]float64, float64) {
	g := se3.TransformPoint(t, pt.P)
	proj := h.cam.Project(g)
	dx := proj.X - pt.Obs.X
	dy := proj.Y - pt.Obs.Y
	norm := math.Hypot(dx, dy)

	gx, gy, gz := g.X, g.Y, g.Z
	fgz2 := h.cam.Fx / math.Max(h.cfg.HomogTh, gz*gz)
	jac := [6]float64{
		+fgz2 * dx * gz,
		+fgz2 * dy * gz,
		-fgz2 * (gx*dx + gy*dy),
		-fgz2 * (gx*gy*dx + gy*gy*dy + gz*gz*dy),
		+fgz2 * (gx*gx*dx + gz*gz*dx + gx*gy*dy),
		+fgz2 * (gx*gz*dy - gy*gz*dx),
	}
	den := math.Max(h.cfg.HomogTh, norm)
	for i := range jac {
		jac[i] /= den
	}
	return jac, norm
}

// linePoseJac is the segment counterpart: the residual stacks the algebraic
// distances of both projected endpoints to the observed line equation.
func (h *Handler) linePoseJac(t mgl64.Mat4, ls *relLine) ([6]float64, float64) {
	sp := se3.TransformPoint(t, ls.SP)
	ep := se3.TransformPoint(t, ls.EP)
	spx := h.cam.Project(sp)
	epx := h.cam.Project(ep)
	le := ls.LeObs
	ds := lineDistance(le, spx)
	de := lineDistance(le, epx)
	norm := math.Hypot(ds, de)

	js := h.endpointJac(sp, le)
	je := h.endpointJac(ep, le)
	den := math.Max(h.cfg.HomogTh, norm)
	var jac [6]float64
	for i := range jac {
		jac[i] = (js[i]*ds + je[i]*de) / den
	}
	return jac, norm
}

func (h *Handler) endpointJac(g r3.Vector, le r3.Vector) [6]float64 {
	gx, gy, gz := g.X, g.Y, g.Z
	lx, ly := le.X, le.Y
	fgz2 := h.cam.Fx / math.Max(h.cfg.HomogTh, gz*gz)
	return [6]float64{
		+fgz2 * lx * gz,
		+fgz2 * ly * gz,
		-fgz2 * (gx*lx + gy*ly),
		-fgz2 * (gx*gy*lx + gy*gy*ly + gz*gz*ly),
		+fgz2 * (gx*gx*lx + gz*gz*lx + gx*gy*ly),
		+fgz2 * (gx*gz*ly - gy*gz*lx),
	}
}

// markPoseOutliers clears the inlier flag of correspondences whose residual
// under t exceeds the chi-square gate.
func (h *Handler) markPoseOutliers(t mgl64.Mat4, pts []*relPoint, lns []*relLine) {
	for _, pt := range pts {
		if !pt.Inlier {
			continue
		}
		proj := h.cam.Project(se3.TransformPoint(t, pt.P))
		if math.Hypot(proj.X-pt.Obs.X, proj.Y-pt.Obs.Y) > chi2Rel {
			pt.Inlier = false
		}
	}
	for _, ls := range lns {
		if !ls.Inlier {
			continue
		}
		sp := h.cam.Project(se3.TransformPoint(t, ls.SP))
		ep := h.cam.Project(se3.TransformPoint(t, ls.EP))
		if math.Hypot(lineDistance(ls.LeObs, sp), lineDistance(ls.LeObs, ep)) > chi2Rel {
			ls.Inlier = false
		}
	}
}

func countInliers(pts []*relPoint, lns []*relLine) (int, int) {
	np, nl := 0, 0
	for _, pt := range pts {
		if pt.Inlier {
			np++
		}
	}
	for _, ls := range lns {
		if ls.Inlier {
			nl++
		}
	}
	return np, nl
}

// maxCovEigenvalue returns the largest eigenvalue of the inverse of the
// normal matrix, the uncertainty measure of the pose estimate. A singular
// or indefinite normal matrix reports infinite uncertainty.
func maxCovEigenvalue(hm *mat.SymDense) float64 {
	var eig mat.EigenSym
	if !eig.Factorize(hm, false) {
		return math.Inf(1)
	}
	vals := eig.Values(nil)
	min := vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
	}
	if min <= 0 {
		return math.Inf(1)
	}
	return 1 / min
}

func accumulate6(hm *mat.SymDense, g []float64, jac [6]float64, r, w float64) {
	for i := 0; i < 6; i++ {
		g[i] += jac[i] * r * w
		for j := i; j < 6; j++ {
			hm.SetSym(i, j, hm.At(i, j)+jac[i]*jac[j]*w)
		}
	}
}

func solve6(hm *mat.SymDense, g []float64) (se3.Twist, bool) {
	var chol mat.Cholesky
	if !chol.Factorize(hm) {
		return se3.Twist{}, false
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(6, g)); err != nil {
		return se3.Twist{}, false
	}
	var out se3.Twist
	for i := 0; i < 6; i++ {
		out[i] = x.AtVec(i)
	}
	return out, true
}
