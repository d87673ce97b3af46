package landmark

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Plucker is a 3D line in Plucker coordinates: N is the plane normal through
// the origin (moment) and V the line direction. The pair is defined up to a
// common scale.
type Plucker struct {
	N, V r3.Vector
}

// PluckerFromEndpoints builds the Plucker coordinates of the line through two
// points, with N = sp x ep and V = ep - sp.
func PluckerFromEndpoints(sp, ep r3.Vector) Plucker {
	return Plucker{N: sp.Cross(ep), V: ep.Sub(sp)}
}

// Orthonormal is the minimal 4-DOF line representation: a rotation U whose
// columns are the normalized (N, V, N x V) frame, and the angle theta with
// (cos, sin) proportional to (|N|, |V|).
type Orthonormal struct {
	U     mgl64.Mat3
	Theta float64
}

// Orthonormal converts to the minimal representation. Degenerate lines
// (zero direction) return the identity frame.
func (p Plucker) Orthonormal() Orthonormal {
	nn := p.N.Norm()
	nv := p.V.Norm()
	if nv == 0 {
		return Orthonormal{U: mgl64.Ident3()}
	}
	var u1 r3.Vector
	if nn > 0 {
		u1 = p.N.Mul(1 / nn)
	} else {
		// line through the origin, pick any unit vector orthogonal to V
		u1 = arbitraryOrthogonal(p.V.Mul(1 / nv))
	}
	u2 := p.V.Mul(1 / nv)
	u3 := u1.Cross(u2)
	U := mgl64.Mat3{
		u1.X, u1.Y, u1.Z,
		u2.X, u2.Y, u2.Z,
		u3.X, u3.Y, u3.Z,
	}
	return Orthonormal{U: U, Theta: math.Atan2(nv, nn)}
}

// Plucker converts back from the minimal representation. The result is unit
// scale: |N|^2 + |V|^2 = 1.
func (o Orthonormal) Plucker() Plucker {
	w1 := math.Cos(o.Theta)
	w2 := math.Sin(o.Theta)
	return Plucker{
		N: r3.Vector{X: o.U[0], Y: o.U[1], Z: o.U[2]}.Mul(w1),
		V: r3.Vector{X: o.U[3], Y: o.U[4], Z: o.U[5]}.Mul(w2),
	}
}

// Update applies a 4-vector increment: the first three components rotate the
// frame U on the right, the fourth adds to theta.
func (o Orthonormal) Update(delta [4]float64) Orthonormal {
	return Orthonormal{
		U:     o.U.Mul3(so3Exp(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})),
		Theta: o.Theta + delta[3],
	}
}

func so3Exp(w r3.Vector) mgl64.Mat3 {
	th := w.Norm()
	if th < 1e-12 {
		return mgl64.Ident3()
	}
	u := w.Mul(1 / th)
	c, s := math.Cos(th), math.Sin(th)
	oc := 1 - c
	// column-major
	return mgl64.Mat3{
		c + u.X*u.X*oc, u.Y*u.X*oc + u.Z*s, u.Z*u.X*oc - u.Y*s,
		u.X*u.Y*oc - u.Z*s, c + u.Y*u.Y*oc, u.Z*u.Y*oc + u.X*s,
		u.X*u.Z*oc + u.Y*s, u.Y*u.Z*oc - u.X*s, c + u.Z*u.Z*oc,
	}
}

func arbitraryOrthogonal(v r3.Vector) r3.Vector {
	axis := r3.Vector{X: 1}
	if math.Abs(v.X) > 0.9 {
		axis = r3.Vector{Y: 1}
	}
	return v.Cross(axis).Normalize()
}
