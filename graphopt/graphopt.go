// Package graphopt is a small nonlinear least-squares engine over factor
// graphs. Jacobians are taken numerically through each variable's own
// retraction, so any manifold with a local ApplyDelta works, SE3 included.
package graphopt

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Variable is one optimizable block. ApplyDelta retracts a local increment;
// ApplyDelta(-d) must exactly undo ApplyDelta(d), which the engine relies on
// for probing Jacobians and rejecting bad steps.
type Variable interface {
	Dim() int
	ApplyDelta(delta []float64)
}

// Factor is one residual block over a subset of the problem's variables,
// referenced by index.
type Factor interface {
	Variables() []int
	Dim() int
	Residual(vars []Variable) []float64
}

// Options tunes the damped Gauss-Newton loop.
type Options struct {
	MaxIterations  int
	Lambda         float64 // initial damping
	LambdaFactor   float64 // scale on rejected/accepted steps
	MinError       float64
	MinErrorChange float64
	Jump           float64 // finite-difference step
}

// DefaultOptions returns sane defaults for small problems.
func DefaultOptions() Options {
	return Options{
		MaxIterations:  100,
		Lambda:         1e-5,
		LambdaFactor:   10,
		MinError:       1e-10,
		MinErrorChange: 1e-10,
		Jump:           1e-7,
	}
}

// Summary reports what the optimization did.
type Summary struct {
	InitialError float64
	FinalError   float64
	Iterations   int
}

// Problem is a factor graph under construction and optimization.
type Problem struct {
	vars    []Variable
	fixed   []bool
	factors []Factor
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{}
}

// AddVariable registers a variable and returns its index. Fixed variables
// participate in residuals but are never moved.
func (p *Problem) AddVariable(v Variable, fixed bool) int {
	p.vars = append(p.vars, v)
	p.fixed = append(p.fixed, fixed)
	return len(p.vars) - 1
}

// Variable returns the variable at index i.
func (p *Problem) Variable(i int) Variable { return p.vars[i] }

// AddFactor registers a residual block.
func (p *Problem) AddFactor(f Factor) {
	p.factors = append(p.factors, f)
}

func (p *Problem) totalError() float64 {
	sum := 0.0
	for _, f := range p.factors {
		for _, r := range f.Residual(p.vars) {
			sum += r * r
		}
	}
	return sum
}

// Optimize runs damped Gauss-Newton until convergence or the iteration cap.
func (p *Problem) Optimize(opts Options) (Summary, error) {
	offsets := make([]int, len(p.vars))
	n := 0
	for i, v := range p.vars {
		offsets[i] = n
		if !p.fixed[i] {
			n += v.Dim()
		}
	}
	if n == 0 {
		return Summary{}, errors.New("no free variables")
	}
	if len(p.factors) == 0 {
		return Summary{}, errors.New("no factors")
	}

	lambda := opts.Lambda
	errPrev := p.totalError()
	summary := Summary{InitialError: errPrev, FinalError: errPrev}

	for iter := 0; iter < opts.MaxIterations; iter++ {
		H := mat.NewSymDense(n, nil)
		g := mat.NewVecDense(n, nil)
		p.accumulate(H, g, offsets, opts.Jump)

		for i := 0; i < n; i++ {
			H.SetSym(i, i, H.At(i, i)*(1+lambda))
		}

		var chol mat.Cholesky
		if !chol.Factorize(H) {
			lambda *= opts.LambdaFactor
			continue
		}
		delta := mat.NewVecDense(n, nil)
		if err := chol.SolveVecTo(delta, g); err != nil {
			lambda *= opts.LambdaFactor
			continue
		}

		p.step(delta.RawVector().Data, offsets, 1)
		errCurr := p.totalError()
		summary.Iterations = iter + 1

		if errCurr >= errPrev {
			p.step(delta.RawVector().Data, offsets, -1)
			lambda *= opts.LambdaFactor
			continue
		}

		lambda /= opts.LambdaFactor
		change := errPrev - errCurr
		errPrev = errCurr
		summary.FinalError = errCurr
		if errCurr < opts.MinError || change < opts.MinErrorChange {
			break
		}
	}
	return summary, nil
}

// accumulate builds the normal equations H = J^T J and g = -J^T r with
// forward-difference Jacobians probed through each variable's retraction.
func (p *Problem) accumulate(H *mat.SymDense, g *mat.VecDense, offsets []int, jump float64) {
	for _, f := range p.factors {
		r0 := f.Residual(p.vars)
		ids := f.Variables()

		// per-factor Jacobian blocks, nil for fixed variables
		blocks := make([][][]float64, len(ids))
		for bi, vi := range ids {
			if p.fixed[vi] {
				continue
			}
			v := p.vars[vi]
			cols := make([][]float64, v.Dim())
			probe := make([]float64, v.Dim())
			for d := 0; d < v.Dim(); d++ {
				probe[d] = jump
				v.ApplyDelta(probe)
				r1 := f.Residual(p.vars)
				probe[d] = -jump
				v.ApplyDelta(probe)
				probe[d] = 0
				col := make([]float64, len(r0))
				for k := range r0 {
					col[k] = (r1[k] - r0[k]) / jump
				}
				cols[d] = col
			}
			blocks[bi] = cols
		}

		for bi, vi := range ids {
			if blocks[bi] == nil {
				continue
			}
			oi := offsets[vi]
			for di, ci := range blocks[bi] {
				gi := 0.0
				for k := range r0 {
					gi += ci[k] * r0[k]
				}
				g.SetVec(oi+di, g.AtVec(oi+di)-gi)

				for bj, vj := range ids {
					if blocks[bj] == nil || vj < vi {
						continue
					}
					oj := offsets[vj]
					for dj, cj := range blocks[bj] {
						if vj == vi && dj < di {
							continue
						}
						h := 0.0
						for k := range r0 {
							h += ci[k] * cj[k]
						}
						H.SetSym(oi+di, oj+dj, H.At(oi+di, oj+dj)+h)
					}
				}
			}
		}
	}
}

func (p *Problem) step(delta []float64, offsets []int, sign float64) {
	for i, v := range p.vars {
		if p.fixed[i] {
			continue
		}
		d := make([]float64, v.Dim())
		for j := range d {
			d[j] = sign * delta[offsets[i]+j]
		}
		v.ApplyDelta(d)
	}
}

// Euclidean is a flat vector variable.
type Euclidean struct {
	X []float64
}

// NewEuclidean wraps an initial value, copying it.
func NewEuclidean(x []float64) *Euclidean {
	out := make([]float64, len(x))
	copy(out, x)
	return &Euclidean{X: out}
}

// Dim returns the vector length.
func (e *Euclidean) Dim() int { return len(e.X) }

// ApplyDelta adds the increment in place.
func (e *Euclidean) ApplyDelta(delta []float64) {
	for i := range e.X {
		e.X[i] += delta[i]
	}
}
