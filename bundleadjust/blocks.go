// Package bundleadjust implements sparse Levenberg-Marquardt bundle adjustment:
// joint refinement of camera poses, camera intrinsics, and 3D point positions
// to minimize total reprojection error over a set of 2D observations. The
// normal equations exploit the bipartite camera/point structure by eliminating
// point blocks through the Schur complement, so the linear system actually
// factorized scales with the number of cameras, not the number of points.
package bundleadjust

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/sfmkit/bundleadjust/spatialmath"
)

const (
	// CameraDims is the tangent-space dimension of a camera block:
	// rotation (3), translation (3), focal length, k1, k2.
	CameraDims = 9
	// PointDims is the dimension of a point block.
	PointDims = 3
)

// ParameterBlock is one optimizable entity. The optimizer core only ever
// manipulates blocks through this interface; manifold semantics live in the
// concrete types.
type ParameterBlock interface {
	// Dims returns the tangent-space dimension of the block.
	Dims() int
	// ApplyUpdate moves the block along a tangent-space step of length Dims.
	ApplyUpdate(delta []float64)
	// ToRaw serializes the current estimate into a slice of length Dims.
	ToRaw(data []float64)
	// FromRaw sets the estimate from a slice of length Dims.
	FromRaw(data []float64)
	// Fixed blocks are held constant and excluded from the linear system.
	Fixed() bool
	// SetFixed marks the block as held constant, e.g. to pin the gauge.
	SetFixed(fixed bool)
}

// CameraBlock holds one camera's pose and intrinsics: a rotation on SO(3), a
// translation, a focal length, and two radial distortion coefficients. The
// raw 9-double layout is [angle-axis rotation, translation, focal, k1, k2],
// as in the BAL dataset.
type CameraBlock struct {
	Rotation    spatialmath.Rotation
	Translation r3.Vector
	Focal       float64
	K1, K2      float64

	fixed bool
}

// NewCameraBlock constructs a camera from its raw 9-double representation.
func NewCameraBlock(data []float64) *CameraBlock {
	c := &CameraBlock{}
	c.FromRaw(data)
	return c
}

// Dims returns the camera tangent-space dimension.
func (c *CameraBlock) Dims() int { return CameraDims }

// Fixed reports whether the camera is held constant.
func (c *CameraBlock) Fixed() bool { return c.fixed }

// SetFixed marks the camera as held constant.
func (c *CameraBlock) SetFixed(fixed bool) { c.fixed = fixed }

// FromRaw sets the estimate from the raw layout, exponentiating the first
// three values from the rotation's tangent space onto SO(3).
func (c *CameraBlock) FromRaw(data []float64) {
	c.Rotation = spatialmath.Exp(r3.Vector{X: data[0], Y: data[1], Z: data[2]})
	c.Translation = r3.Vector{X: data[3], Y: data[4], Z: data[5]}
	c.Focal = data[6]
	c.K1 = data[7]
	c.K2 = data[8]
}

// ToRaw writes the estimate back out in the raw layout, mapping the rotation
// to its principal-branch logarithm.
func (c *CameraBlock) ToRaw(data []float64) {
	aa := c.Rotation.Log()
	data[0], data[1], data[2] = aa.X, aa.Y, aa.Z
	data[3], data[4], data[5] = c.Translation.X, c.Translation.Y, c.Translation.Z
	data[6] = c.Focal
	data[7] = c.K1
	data[8] = c.K2
}

// ApplyUpdate applies a 9-dof tangent-space step. The rotation step is a
// left-multiplicative retraction: the incremental rotation is composed onto
// the current one, never added component-wise. The remaining six parameters
// are Euclidean.
func (c *CameraBlock) ApplyUpdate(delta []float64) {
	inc := spatialmath.Exp(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})
	c.Rotation = inc.Compose(c.Rotation).Normalize()
	c.Translation = c.Translation.Add(r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]})
	c.Focal += delta[6]
	c.K1 += delta[7]
	c.K2 += delta[8]
}

// Project maps a world point to pixel coordinates. The BAL convention has the
// camera looking down its negative z-axis, so the camera-frame point is
// negated before perspective division; radial distortion is the polynomial
// 1 + k1*r^2 + k2*r^4 on the normalized image-plane radius. ok is false when
// the point sits on (or numerically at) the principal plane or the projection
// is otherwise non-finite.
func (c *CameraBlock) Project(pt r3.Vector) (u, v float64, ok bool) {
	p := c.Rotation.RotatePoint(pt).Add(c.Translation)
	if math.Abs(p.Z) < 1e-12 {
		return 0, 0, false
	}
	un := -p.X / p.Z
	vn := -p.Y / p.Z
	r2 := un*un + vn*vn
	distortion := 1 + r2*(c.K1+c.K2*r2)
	u = c.Focal * distortion * un
	v = c.Focal * distortion * vn
	if math.IsNaN(u) || math.IsInf(u, 0) || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, 0, false
	}
	return u, v, true
}

// Center returns the camera center in world coordinates, c = -R^T * t.
func (c *CameraBlock) Center() r3.Vector {
	return c.Rotation.Inverse().RotatePoint(c.Translation).Mul(-1)
}

// PointBlock holds one 3D point. Its manifold is plain R^3, so updates are
// vector addition. Point blocks only ever couple to cameras, which is what
// makes them cheap to marginalize out of the normal equations.
type PointBlock struct {
	Position r3.Vector

	fixed bool
}

// NewPointBlock constructs a point from its raw 3-double representation.
func NewPointBlock(data []float64) *PointBlock {
	p := &PointBlock{}
	p.FromRaw(data)
	return p
}

// Dims returns the point dimension.
func (p *PointBlock) Dims() int { return PointDims }

// Fixed reports whether the point is held constant.
func (p *PointBlock) Fixed() bool { return p.fixed }

// SetFixed marks the point as held constant.
func (p *PointBlock) SetFixed(fixed bool) { p.fixed = fixed }

// FromRaw sets the position.
func (p *PointBlock) FromRaw(data []float64) {
	p.Position = r3.Vector{X: data[0], Y: data[1], Z: data[2]}
}

// ToRaw writes the position.
func (p *PointBlock) ToRaw(data []float64) {
	data[0], data[1], data[2] = p.Position.X, p.Position.Y, p.Position.Z
}

// ApplyUpdate adds the step to the position.
func (p *PointBlock) ApplyUpdate(delta []float64) {
	p.Position = p.Position.Add(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})
}
