// Package se3 provides minimal-representation utilities for rigid 3D
// transforms: the exponential and logarithm maps between 4x4 homogeneous
// matrices and 6-vector twists, plus the small helpers the mapping and
// optimization code needs on every pose.
package se3

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Twist is the minimal parameterization of a rigid transform: the first three
// entries are the translational part, the last three the rotational part
// (axis-angle). Exp(Log(T)) == T up to floating point.
type Twist [6]float64

// Translation returns the translational block of the twist.
func (x Twist) Translation() r3.Vector {
	return r3.Vector{X: x[0], Y: x[1], Z: x[2]}
}

// Rotation returns the rotational block of the twist.
func (x Twist) Rotation() r3.Vector {
	return r3.Vector{X: x[3], Y: x[4], Z: x[5]}
}

// Norm returns the Euclidean norm of the full 6-vector.
func (x Twist) Norm() float64 {
	var s float64
	for _, v := range x {
		s += v * v
	}
	return math.Sqrt(s)
}

// Add returns the entrywise sum of two twists.
func (x Twist) Add(y Twist) Twist {
	var out Twist
	for i := range x {
		out[i] = x[i] + y[i]
	}
	return out
}

// Scale returns the twist scaled entrywise.
func (x Twist) Scale(k float64) Twist {
	var out Twist
	for i := range x {
		out[i] = x[i] * k
	}
	return out
}

const smallAngle = 1e-10

func hat(w r3.Vector) mgl64.Mat3 {
	// column-major
	return mgl64.Mat3{
		0, w.Z, -w.Y,
		-w.Z, 0, w.X,
		w.Y, -w.X, 0,
	}
}

// Exp maps a twist to its rigid transform via the SE3 exponential.
func Exp(x Twist) mgl64.Mat4 {
	w := x.Rotation()
	theta := w.Norm()
	wx := hat(w)
	wx2 := wx.Mul3(wx)

	var a, b, c float64 // coefficients for R and V
	if theta < smallAngle {
		a, b, c = 1, 0.5, 1.0/6.0
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / (theta * theta)
		c = (theta - math.Sin(theta)) / (theta * theta * theta)
	}

	r := mgl64.Ident3()
	v := mgl64.Ident3()
	for i := 0; i < 9; i++ {
		r[i] += a*wx[i] + b*wx2[i]
		v[i] += b*wx[i] + c*wx2[i]
	}

	rho := x.Translation()
	t := mul3Vec(v, rho)

	return compose(r, t)
}

// Log maps a rigid transform to its twist via the SE3 logarithm.
func Log(m mgl64.Mat4) Twist {
	r := rot(m)
	tr := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	cos := (tr - 1) / 2
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	theta := math.Acos(cos)

	var w r3.Vector
	if theta < smallAngle {
		w = r3.Vector{
			X: (r.At(2, 1) - r.At(1, 2)) / 2,
			Y: (r.At(0, 2) - r.At(2, 0)) / 2,
			Z: (r.At(1, 0) - r.At(0, 1)) / 2,
		}
	} else {
		k := theta / (2 * math.Sin(theta))
		w = r3.Vector{
			X: k * (r.At(2, 1) - r.At(1, 2)),
			Y: k * (r.At(0, 2) - r.At(2, 0)),
			Z: k * (r.At(1, 0) - r.At(0, 1)),
		}
	}

	// V^-1 = I - wx/2 + (1/theta^2 - (1+cos)/(2 theta sin)) wx^2
	wx := hat(w)
	wx2 := wx.Mul3(wx)
	var k2 float64
	if theta < smallAngle {
		k2 = 1.0 / 12.0
	} else {
		k2 = 1/(theta*theta) - (1+math.Cos(theta))/(2*theta*math.Sin(theta))
	}
	vinv := mgl64.Ident3()
	for i := 0; i < 9; i++ {
		vinv[i] += -0.5*wx[i] + k2*wx2[i]
	}

	rho := mul3Vec(vinv, translation(m))
	return Twist{rho.X, rho.Y, rho.Z, w.X, w.Y, w.Z}
}

// Inverse returns the inverse of a rigid transform, exploiting orthonormality
// of the rotation block.
func Inverse(m mgl64.Mat4) mgl64.Mat4 {
	r := rot(m).Transpose()
	t := mul3Vec(r, translation(m)).Mul(-1)
	return compose(r, t)
}

// Mul composes two rigid transforms.
func Mul(a, b mgl64.Mat4) mgl64.Mat4 {
	return a.Mul4(b)
}

// Normalize re-projects a nearly-rigid transform onto SE3 through the
// log/exp maps.
func Normalize(m mgl64.Mat4) mgl64.Mat4 {
	return Exp(Log(m))
}

// TransformPoint applies the rigid transform to a point.
func TransformPoint(m mgl64.Mat4, p r3.Vector) r3.Vector {
	q := mul3Vec(rot(m), p)
	return q.Add(translation(m))
}

// RotatePoint applies only the rotation block of the transform.
func RotatePoint(m mgl64.Mat4, p r3.Vector) r3.Vector {
	return mul3Vec(rot(m), p)
}

// RotateTranspose applies the transpose of the rotation block, i.e. the
// inverse rotation.
func RotateTranspose(m mgl64.Mat4, p r3.Vector) r3.Vector {
	return mul3Vec(rot(m).Transpose(), p)
}

// Translation returns the translational column of the transform.
func Translation(m mgl64.Mat4) r3.Vector {
	return translation(m)
}

// Quaternion returns the unit quaternion of the rotation block.
func Quaternion(m mgl64.Mat4) mgl64.Quat {
	return mgl64.Mat4ToQuat(normalizeRotation(m))
}

func normalizeRotation(m mgl64.Mat4) mgl64.Mat4 {
	return Exp(Log(m))
}

func rot(m mgl64.Mat4) mgl64.Mat3 {
	return mgl64.Mat3{
		m.At(0, 0), m.At(1, 0), m.At(2, 0),
		m.At(0, 1), m.At(1, 1), m.At(2, 1),
		m.At(0, 2), m.At(1, 2), m.At(2, 2),
	}
}

func translation(m mgl64.Mat4) r3.Vector {
	return r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}
}

func mul3Vec(m mgl64.Mat3, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

func compose(r mgl64.Mat3, t r3.Vector) mgl64.Mat4 {
	return mgl64.Mat4{
		r[0], r[1], r[2], 0,
		r[3], r[4], r[5], 0,
		r[6], r[7], r[8], 0,
		t.X, t.Y, t.Z, 1,
	}
}
