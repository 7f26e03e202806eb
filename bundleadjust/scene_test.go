package bundleadjust

import (
	"math/rand"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/sfmkit/bundleadjust/spatialmath"

	"github.com/golang/geo/r3"
)

// testScene is a synthetic reconstruction with exact, noise-free observations
// generated by projecting the ground-truth points through the ground-truth
// cameras.
type testScene struct {
	problem     *Problem
	trueCameras [][]float64
	truePoints  [][]float64
}

func makeTestScene(t *testing.T, numCameras int) *testScene {
	t.Helper()

	cameraParams := [][]float64{
		{0, 0, 0, 0, 0, 0, 500, 1e-2, -1e-3},
		{0.05, -0.1, 0.02, -1, 0.2, 0.3, 480, 5e-3, 1e-4},
		{-0.08, 0.06, -0.04, 0.8, -0.4, 0.1, 520, 0, 0},
	}
	test.That(t, numCameras, test.ShouldBeLessThanOrEqualTo, len(cameraParams))

	var points [][]float64
	for _, x := range []float64{-3, -1, 1, 3} {
		for _, y := range []float64{-2, 0, 2} {
			for _, z := range []float64{-8, -11} {
				points = append(points, []float64{x, y, z})
			}
		}
	}

	scene := &testScene{problem: NewProblem(golog.NewTestLogger(t))}
	for i := 0; i < numCameras; i++ {
		scene.trueCameras = append(scene.trueCameras, cameraParams[i])
		scene.problem.AddCamera(cameraParams[i])
	}
	for _, pt := range points {
		scene.truePoints = append(scene.truePoints, pt)
		scene.problem.AddPoint(pt)
	}

	for camIdx := 0; camIdx < numCameras; camIdx++ {
		cam := NewCameraBlock(cameraParams[camIdx])
		for ptIdx, pt := range points {
			u, v, ok := cam.Project(r3.Vector{X: pt[0], Y: pt[1], Z: pt[2]})
			test.That(t, ok, test.ShouldBeTrue)
			scene.problem.AddObservation(Observation{Camera: camIdx, Point: ptIdx, X: u, Y: v})
		}
	}
	return scene
}

// perturbCamera offsets a camera's pose away from the truth: a rotation
// wobble of roughly rotSigma radians and a translation offset of roughly
// transSigma units, deterministic for a given seed.
func (s *testScene) perturbCamera(camIdx int, rotSigma, transSigma float64, seed int64) {
	//nolint:gosec
	rnd := rand.New(rand.NewSource(seed))
	cam := s.problem.Camera(camIdx)
	wobble := r3.Vector{X: rnd.NormFloat64(), Y: rnd.NormFloat64(), Z: rnd.NormFloat64()}.
		Normalize().Mul(rotSigma)
	cam.Rotation = spatialmath.Exp(wobble).Compose(cam.Rotation)
	offset := r3.Vector{X: rnd.NormFloat64(), Y: rnd.NormFloat64(), Z: rnd.NormFloat64()}.
		Normalize().Mul(transSigma)
	cam.Translation = cam.Translation.Add(offset)
}

func (s *testScene) perturbPoint(ptIdx int, sigma float64, seed int64) {
	//nolint:gosec
	rnd := rand.New(rand.NewSource(seed))
	pt := s.problem.Point(ptIdx)
	offset := r3.Vector{X: rnd.NormFloat64(), Y: rnd.NormFloat64(), Z: rnd.NormFloat64()}.
		Normalize().Mul(sigma)
	pt.Position = pt.Position.Add(offset)
}

// maxReprojectionError returns the largest residual norm over all observations.
func (s *testScene) maxReprojectionError(t *testing.T) float64 {
	t.Helper()
	worst := 0.0
	for i := 0; i < s.problem.NumObservations(); i++ {
		obs := &s.problem.observations[i]
		ex, ey, ok := reprojectionError(s.problem.Camera(obs.Camera), s.problem.Point(obs.Point), obs)
		test.That(t, ok, test.ShouldBeTrue)
		if n := math2DNorm(ex, ey); n > worst {
			worst = n
		}
	}
	return worst
}

func math2DNorm(x, y float64) float64 {
	return r3.Vector{X: x, Y: y}.Norm()
}
