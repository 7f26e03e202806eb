package bal

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/golang/geo/r3"

	"github.com/sfmkit/bundleadjust/spatialmath"
	"github.com/sfmkit/bundleadjust/utils"
)

// cameraCenter recovers a camera's center in world coordinates, c = -R^T * t.
func cameraCenter(camera []float64) r3.Vector {
	rot := spatialmath.Exp(vec(camera[0:3]))
	return rot.Inverse().RotatePoint(vec(camera[3:6])).Mul(-1)
}

// setCameraCenter rewrites a camera's translation so its center lands at c,
// keeping the rotation as-is: t = -R * c.
func setCameraCenter(camera []float64, c r3.Vector) {
	rot := spatialmath.Exp(vec(camera[0:3]))
	setVec(camera[3:6], rot.RotatePoint(c).Mul(-1))
}

// Normalize recenters the reconstruction at the per-axis median of the points
// and rescales it so the median absolute deviation of the point cloud is 100.
// Camera orientations are untouched; camera centers move with the points.
// This conditions the problem so perturbation sigmas mean the same thing
// across datasets.
func (p *Problem) Normalize() {
	n := p.NumPoints()
	xs := make([]float64, n)
	ys := make([]float64, n)
	zs := make([]float64, n)
	for i := 0; i < n; i++ {
		pt := p.Point(i)
		xs[i], ys[i], zs[i] = pt[0], pt[1], pt[2]
	}
	median := r3.Vector{X: utils.Median(xs...), Y: utils.Median(ys...), Z: utils.Median(zs...)}

	deviations := make([]float64, n)
	for i := 0; i < n; i++ {
		d := vec(p.Point(i)).Sub(median)
		deviations[i] = abs(d.X) + abs(d.Y) + abs(d.Z)
	}
	scale := 100.0 / utils.Median(deviations...)

	for i := 0; i < n; i++ {
		setVec(p.Point(i), vec(p.Point(i)).Sub(median).Mul(scale))
	}
	for i := 0; i < p.NumCameras(); i++ {
		camera := p.Camera(i)
		setCameraCenter(camera, cameraCenter(camera).Sub(median).Mul(scale))
	}
}

// Perturb injects gaussian noise into the problem to manufacture a bad
// initial guess: rotationSigma radians of angle-axis noise applied about each
// camera's (fixed) center, translationSigma on camera translations, and
// pointSigma on each point coordinate. Sigmas of zero or below leave the
// corresponding parameters untouched. The seed makes the perturbation
// reproducible.
func (p *Problem) Perturb(rotationSigma, translationSigma, pointSigma float64, seed uint64) {
	src := rand.NewSource(seed)
	noise := func(sigma float64) float64 {
		return distuv.Normal{Mu: 0, Sigma: sigma, Src: src}.Rand()
	}

	if pointSigma > 0 {
		for i := range p.Points {
			p.Points[i] += noise(pointSigma)
		}
	}
	for i := 0; i < p.NumCameras(); i++ {
		camera := p.Camera(i)
		if rotationSigma > 0 {
			// wobble the rotation about the camera center rather than the
			// optical frame origin
			center := cameraCenter(camera)
			for j := 0; j < 3; j++ {
				camera[j] += noise(rotationSigma)
			}
			setCameraCenter(camera, center)
		}
		if translationSigma > 0 {
			for j := 3; j < 6; j++ {
				camera[j] += noise(translationSigma)
			}
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
