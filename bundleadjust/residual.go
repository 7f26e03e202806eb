package bundleadjust

import (
	"math"

	"github.com/golang/geo/r3"
)

// Observation ties one measured pixel location to a camera block and a point
// block by index. Observations are immutable for the duration of a solve.
type Observation struct {
	Camera int
	Point  int
	X, Y   float64
	// Information is the 2x2 inverse measurement covariance weighting this
	// observation's residual. The zero value means identity.
	Information [2][2]float64
}

var identityInformation = [2][2]float64{{1, 0}, {0, 1}}

func (o *Observation) information() [2][2]float64 {
	if o.Information == ([2][2]float64{}) {
		return identityInformation
	}
	return o.Information
}

// residualJet is one observation linearized at the current estimates: the
// 2-vector reprojection error plus its Jacobians with respect to the camera's
// 9 tangent directions and the point's 3 coordinates. Jets live for a single
// linearization pass and are recomputed from scratch each iteration.
type residualJet struct {
	ex, ey float64
	jc     [2][CameraDims]float64
	jp     [2][PointDims]float64
	valid  bool
}

// reprojectionError evaluates the residual only. ok is false when the
// projection is non-finite.
func reprojectionError(cam *CameraBlock, pt *PointBlock, obs *Observation) (ex, ey float64, ok bool) {
	u, v, ok := cam.Project(pt.Position)
	if !ok {
		return 0, 0, false
	}
	return u - obs.X, v - obs.Y, true
}

// linearize evaluates the residual and its analytic Jacobians at the current
// estimates. The camera tangent ordering matches ApplyUpdate:
// [rotation, translation, focal, k1, k2].
func linearize(cam *CameraBlock, pt *PointBlock, obs *Observation, jet *residualJet) {
	jet.valid = false

	p := cam.Rotation.RotatePoint(pt.Position).Add(cam.Translation)
	if math.Abs(p.Z) < 1e-12 {
		return
	}
	un := -p.X / p.Z
	vn := -p.Y / p.Z
	r2 := un*un + vn*vn
	distortion := 1 + r2*(cam.K1+cam.K2*r2)

	u := cam.Focal * distortion * un
	v := cam.Focal * distortion * vn
	if math.IsNaN(u) || math.IsInf(u, 0) || math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	jet.ex = u - obs.X
	jet.ey = v - obs.Y

	// partials of (u, v) with respect to the camera-frame point p
	invZ := 1 / p.Z
	invZ2 := invZ * invZ
	// d(distortion)/d(r2)
	dd := cam.K1 + 2*cam.K2*r2
	var jpi [2][3]float64
	jpi[0][0] = cam.Focal * (dd*2*p.X*invZ2*un - distortion*invZ)
	jpi[0][1] = cam.Focal * (dd * 2 * p.Y * invZ2 * un)
	jpi[0][2] = cam.Focal * (-dd*2*r2*invZ*un + distortion*p.X*invZ2)
	jpi[1][0] = cam.Focal * (dd * 2 * p.X * invZ2 * vn)
	jpi[1][1] = cam.Focal * (dd*2*p.Y*invZ2*vn - distortion*invZ)
	jpi[1][2] = cam.Focal * (-dd*2*r2*invZ*vn + distortion*p.Y*invZ2)

	// rotation columns: d(p)/d(phi) = -skew(R*x) for a left-multiplicative
	// perturbation, where R*x = p - t
	w := p.Sub(cam.Translation)
	dpdphi := [3][3]float64{
		{0, w.Z, -w.Y},
		{-w.Z, 0, w.X},
		{w.Y, -w.X, 0},
	}
	for row := 0; row < 2; row++ {
		for col := 0; col < 3; col++ {
			jet.jc[row][col] = jpi[row][0]*dpdphi[0][col] + jpi[row][1]*dpdphi[1][col] + jpi[row][2]*dpdphi[2][col]
		}
		// translation: d(p)/d(t) = I
		jet.jc[row][3] = jpi[row][0]
		jet.jc[row][4] = jpi[row][1]
		jet.jc[row][5] = jpi[row][2]
	}
	// intrinsics
	jet.jc[0][6] = distortion * un
	jet.jc[1][6] = distortion * vn
	jet.jc[0][7] = cam.Focal * r2 * un
	jet.jc[1][7] = cam.Focal * r2 * vn
	jet.jc[0][8] = cam.Focal * r2 * r2 * un
	jet.jc[1][8] = cam.Focal * r2 * r2 * vn

	// point columns: d(p)/d(x) = R
	m := cam.Rotation.Matrix()
	for row := 0; row < 2; row++ {
		for col := 0; col < 3; col++ {
			jet.jp[row][col] = jpi[row][0]*m[0][col] + jpi[row][1]*m[1][col] + jpi[row][2]*m[2][col]
		}
	}
	jet.valid = true
}

// numericStep is the central-difference step used by linearizeNumeric.
const numericStep = 1e-6

// linearizeNumeric is the central-difference fallback for linearize. It
// perturbs copies of the blocks along each tangent direction and differences
// the resulting residuals. Slower than the analytic path but useful to
// cross-check it.
func linearizeNumeric(cam *CameraBlock, pt *PointBlock, obs *Observation, jet *residualJet) {
	jet.valid = false
	var err0x, err0y float64
	var ok bool
	if err0x, err0y, ok = reprojectionError(cam, pt, obs); !ok {
		return
	}
	jet.ex, jet.ey = err0x, err0y

	var delta [CameraDims]float64
	for i := 0; i < CameraDims; i++ {
		plus := *cam
		minus := *cam
		delta[i] = numericStep
		plus.ApplyUpdate(delta[:])
		delta[i] = -numericStep
		minus.ApplyUpdate(delta[:])
		delta[i] = 0

		pxu, pxv, okPlus := reprojectionError(&plus, pt, obs)
		mxu, mxv, okMinus := reprojectionError(&minus, pt, obs)
		if !okPlus || !okMinus {
			return
		}
		jet.jc[0][i] = (pxu - mxu) / (2 * numericStep)
		jet.jc[1][i] = (pxv - mxv) / (2 * numericStep)
	}

	for i := 0; i < PointDims; i++ {
		var step r3.Vector
		switch i {
		case 0:
			step.X = numericStep
		case 1:
			step.Y = numericStep
		case 2:
			step.Z = numericStep
		}
		plus := PointBlock{Position: pt.Position.Add(step)}
		minus := PointBlock{Position: pt.Position.Sub(step)}
		pxu, pxv, okPlus := reprojectionError(cam, &plus, obs)
		mxu, mxv, okMinus := reprojectionError(cam, &minus, obs)
		if !okPlus || !okMinus {
			return
		}
		jet.jp[0][i] = (pxu - mxu) / (2 * numericStep)
		jet.jp[1][i] = (pxv - mxv) / (2 * numericStep)
	}
	jet.valid = true
}

// chi2 returns the information-weighted squared error e^T * Omega * e.
func (jet *residualJet) chi2(info [2][2]float64) float64 {
	wx := info[0][0]*jet.ex + info[0][1]*jet.ey
	wy := info[1][0]*jet.ex + info[1][1]*jet.ey
	return jet.ex*wx + jet.ey*wy
}
