package graphopt

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"

	"github.com/plslam/slam/se3"
)

// SE3 is a rigid transform variable. The retraction is T <- T * Exp(delta)^-1,
// matching the pose update used throughout the mapping backend.
type SE3 struct {
	T mgl64.Mat4
}

// NewSE3 wraps an initial pose.
func NewSE3(t mgl64.Mat4) *SE3 { return &SE3{T: t} }

// Dim is the SE3 tangent dimension.
func (s *SE3) Dim() int { return 6 }

// ApplyDelta retracts a twist increment.
func (s *SE3) ApplyDelta(delta []float64) {
	var tw se3.Twist
	copy(tw[:], delta)
	s.T = se3.Mul(s.T, se3.Inverse(se3.Exp(tw)))
}

// relPoseFactor penalizes deviation of T_i^-1 * T_j from a measured relative
// transform.
type relPoseFactor struct {
	i, j int
	meas mgl64.Mat4 // measured T_ij
}

func (f *relPoseFactor) Variables() []int { return []int{f.i, f.j} }
func (f *relPoseFactor) Dim() int         { return 6 }

func (f *relPoseFactor) Residual(vars []Variable) []float64 {
	ti := vars[f.i].(*SE3).T
	tj := vars[f.j].(*SE3).T
	rel := se3.Mul(se3.Inverse(ti), tj)
	r := se3.Log(se3.Mul(se3.Inverse(f.meas), rel))
	return r[:]
}

// PoseGraph optimizes keyframe poses under relative-pose constraints, used to
// spread a loop-closure correction over the trajectory.
type PoseGraph struct {
	problem *Problem
	ids     []int
}

// NewPoseGraph returns an empty pose graph.
func NewPoseGraph() *PoseGraph {
	return &PoseGraph{problem: NewProblem()}
}

// AddPose adds a camera-to-world pose and returns its graph index. Fixed
// poses anchor the gauge.
func (g *PoseGraph) AddPose(t mgl64.Mat4, fixed bool) int {
	id := g.problem.AddVariable(NewSE3(t), fixed)
	g.ids = append(g.ids, id)
	return len(g.ids) - 1
}

// AddConstraint adds a relative-pose measurement T_ij = T_i^-1 * T_j between
// two graph indexes.
func (g *PoseGraph) AddConstraint(i, j int, tij mgl64.Mat4) error {
	if i < 0 || i >= len(g.ids) || j < 0 || j >= len(g.ids) {
		return errors.Errorf("constraint references unknown pose %d-%d", i, j)
	}
	g.problem.AddFactor(&relPoseFactor{i: g.ids[i], j: g.ids[j], meas: tij})
	return nil
}

// Optimize runs the solver for at most maxIters iterations.
func (g *PoseGraph) Optimize(maxIters int) (Summary, error) {
	opts := DefaultOptions()
	opts.MaxIterations = maxIters
	return g.problem.Optimize(opts)
}

// Pose returns the current estimate for a graph index.
func (g *PoseGraph) Pose(i int) mgl64.Mat4 {
	return g.problem.Variable(g.ids[i]).(*SE3).T
}
