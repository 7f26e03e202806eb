// Package spatialmath implements the rotation math used to express camera
// orientations on SO(3). Rotations are stored as unit quaternions; updates
// arrive as tangent-space (angle-axis) vectors and are applied through the
// exponential map.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// angleEpsilon is the rotation angle below which the exponential and
// logarithm switch to their first-order small-angle forms.
const angleEpsilon = 1e-10

// Rotation is a member of SO(3).
type Rotation struct {
	q quat.Number
}

// NewZeroRotation returns the identity rotation.
func NewZeroRotation() Rotation {
	return Rotation{quat.Number{Real: 1}}
}

// NewRotation creates a Rotation from a quaternion, normalizing it to unit length.
func NewRotation(q quat.Number) Rotation {
	return Rotation{q}.Normalize()
}

// Exp maps an angle-axis tangent vector to a rotation. The direction of aa is
// the rotation axis and its norm is the rotation angle in radians.
func Exp(aa r3.Vector) Rotation {
	theta := aa.Norm()
	if theta < angleEpsilon {
		// sin(x)/x -> 1, so the vector part collapses to aa/2
		return Rotation{quat.Number{Real: 1, Imag: aa.X / 2, Jmag: aa.Y / 2, Kmag: aa.Z / 2}}.Normalize()
	}
	sc := math.Sin(theta/2) / theta
	return Rotation{quat.Number{
		Real: math.Cos(theta / 2),
		Imag: aa.X * sc,
		Jmag: aa.Y * sc,
		Kmag: aa.Z * sc,
	}}
}

// Log maps the rotation back to its angle-axis tangent vector, choosing the
// principal branch so the returned angle is within (-pi, pi]. It is the
// inverse of Exp up to that branch choice, matching how the C++ Eigen library
// resolves the double cover.
func (r Rotation) Log() r3.Vector {
	denom := math.Sqrt(r.q.Imag*r.q.Imag + r.q.Jmag*r.q.Jmag + r.q.Kmag*r.q.Kmag)
	if denom < angleEpsilon {
		// first order, 2*v/w
		return r3.Vector{X: 2 * r.q.Imag / r.q.Real, Y: 2 * r.q.Jmag / r.q.Real, Z: 2 * r.q.Kmag / r.q.Real}
	}
	angle := 2 * math.Atan2(denom, math.Abs(r.q.Real))
	if r.q.Real < 0 {
		angle *= -1
	}
	return r3.Vector{
		X: angle * r.q.Imag / denom,
		Y: angle * r.q.Jmag / denom,
		Z: angle * r.q.Kmag / denom,
	}
}

// Compose returns the rotation equivalent to applying o first and then r.
func (r Rotation) Compose(o Rotation) Rotation {
	return Rotation{quat.Mul(r.q, o.q)}
}

// Inverse returns the inverse rotation.
func (r Rotation) Inverse() Rotation {
	return Rotation{quat.Conj(r.q)}
}

// RotatePoint applies the rotation to a point via the quaternion sandwich product.
func (r Rotation) RotatePoint(pt r3.Vector) r3.Vector {
	p := quat.Number{Imag: pt.X, Jmag: pt.Y, Kmag: pt.Z}
	rotated := quat.Mul(quat.Mul(r.q, p), quat.Conj(r.q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

// Matrix returns the rotation as a row-major 3x3 matrix.
func (r Rotation) Matrix() [3][3]float64 {
	w, x, y, z := r.q.Real, r.q.Imag, r.q.Jmag, r.q.Kmag
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// Normalize scales the quaternion back to unit length. Repeated Compose calls
// accumulate floating-point drift, so updates should renormalize.
func (r Rotation) Normalize() Rotation {
	n := math.Sqrt(r.q.Real*r.q.Real + r.q.Imag*r.q.Imag + r.q.Jmag*r.q.Jmag + r.q.Kmag*r.q.Kmag)
	if n == 0 {
		return NewZeroRotation()
	}
	return Rotation{quat.Scale(1/n, r.q)}
}

// Quaternion returns the underlying unit quaternion.
func (r Rotation) Quaternion() quat.Number {
	return r.q
}

// AlmostEqual reports whether two rotations agree to within tol, accounting
// for the q/-q double cover.
func (r Rotation) AlmostEqual(o Rotation, tol float64) bool {
	d := quat.Mul(r.q, quat.Conj(o.q))
	return math.Abs(math.Abs(d.Real)-1) < tol
}
