package bundleadjust

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func TestZeroResidualFixedPoint(t *testing.T) {
	scene := makeTestScene(t, 2)
	p := scene.problem

	before := make([]float64, CameraDims)
	p.Camera(1).ToRaw(before)

	res, err := p.Solve(context.Background(), Options{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Status, test.ShouldEqual, StatusConverged)
	test.That(t, res.Iterations, test.ShouldBeLessThanOrEqualTo, 2)
	test.That(t, res.FinalCost, test.ShouldAlmostEqual, 0, 1e-18)

	after := make([]float64, CameraDims)
	p.Camera(1).ToRaw(after)
	for i := range before {
		test.That(t, after[i], test.ShouldAlmostEqual, before[i], 1e-12)
	}
}

func TestRecoverPerturbedCamera(t *testing.T) {
	scene := makeTestScene(t, 2)
	p := scene.problem

	// pin the gauge: everything but camera 1 is held fixed
	p.Camera(0).SetFixed(true)
	for i := 0; i < p.NumPoints(); i++ {
		p.Point(i).SetFixed(true)
	}
	scene.perturbCamera(1, 0.1, 0.5, 42)

	res, err := p.Solve(context.Background(), Options{MaxIterations: 100})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Status, test.ShouldEqual, StatusConverged)
	test.That(t, res.FinalCost, test.ShouldBeLessThan, res.InitialCost)

	got := make([]float64, CameraDims)
	p.Camera(1).ToRaw(got)
	for i, want := range scene.trueCameras[1] {
		test.That(t, got[i], test.ShouldAlmostEqual, want, 1e-6)
	}
	test.That(t, scene.maxReprojectionError(t), test.ShouldBeLessThan, 1e-8)
}

func TestRecoverPerturbedPoint(t *testing.T) {
	scene := makeTestScene(t, 3)
	p := scene.problem

	for i := 0; i < p.NumCameras(); i++ {
		p.Camera(i).SetFixed(true)
	}
	for i := 1; i < p.NumPoints(); i++ {
		p.Point(i).SetFixed(true)
	}
	scene.perturbPoint(0, 0.5, 7)

	res, err := p.Solve(context.Background(), Options{MaxIterations: 100})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Status, test.ShouldEqual, StatusConverged)

	got := make([]float64, PointDims)
	p.Point(0).ToRaw(got)
	for i, want := range scene.truePoints[0] {
		test.That(t, got[i], test.ShouldAlmostEqual, want, 1e-6)
	}
}

func TestJointRefinementReducesReprojection(t *testing.T) {
	scene := makeTestScene(t, 3)
	p := scene.problem

	// pin the gauge with the first camera and perturb everything else
	p.Camera(0).SetFixed(true)
	for i := 1; i < p.NumCameras(); i++ {
		scene.perturbCamera(i, 0.05, 0.2, int64(i))
	}
	for i := 0; i < p.NumPoints(); i++ {
		scene.perturbPoint(i, 0.2, int64(50+i))
	}

	res, err := p.Solve(context.Background(), Options{MaxIterations: 100})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Status, test.ShouldEqual, StatusConverged)
	test.That(t, res.AcceptedSteps, test.ShouldBeGreaterThan, 0)
	test.That(t, scene.maxReprojectionError(t), test.ShouldBeLessThan, 1e-6)
}

func TestMonotonicCostAcrossAcceptedSteps(t *testing.T) {
	scene := makeTestScene(t, 2)
	logger, logs := golog.NewObservedTestLogger(t)
	scene.problem.logger = logger
	p := scene.problem

	p.Camera(0).SetFixed(true)
	scene.perturbCamera(1, 0.1, 0.5, 3)
	for i := 0; i < p.NumPoints(); i++ {
		scene.perturbPoint(i, 0.2, int64(i))
	}

	res, err := p.Solve(context.Background(), Options{MaxIterations: 60})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.FinalCost, test.ShouldBeLessThanOrEqualTo, res.InitialCost)

	prev := math.Inf(1)
	accepted := 0
	for _, entry := range logs.All() {
		if entry.Message != "iteration" {
			continue
		}
		cost, ok := entry.ContextMap()["cost"].(float64)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, cost, test.ShouldBeLessThan, prev)
		prev = cost
		accepted++
	}
	test.That(t, accepted, test.ShouldEqual, res.AcceptedSteps)
}

func TestOutlierObservationIsBounded(t *testing.T) {
	scene := makeTestScene(t, 2)
	p := scene.problem

	p.Camera(0).SetFixed(true)
	// corrupt one measurement by thousands of pixels
	p.observations[3].X += 5000
	p.observations[3].Y -= 3000
	scene.perturbCamera(1, 0.05, 0.2, 11)

	res, err := p.Solve(context.Background(), Options{MaxIterations: 100, HuberDelta: 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Status, test.ShouldEqual, StatusConverged)

	// with the kernel the inlier observations still dominate the solution
	worst := 0.0
	for i := 0; i < p.NumObservations(); i++ {
		if i == 3 {
			continue
		}
		obs := &p.observations[i]
		ex, ey, ok := reprojectionError(p.Camera(obs.Camera), p.Point(obs.Point), obs)
		test.That(t, ok, test.ShouldBeTrue)
		if n := math2DNorm(ex, ey); n > worst {
			worst = n
		}
	}
	test.That(t, worst, test.ShouldBeLessThan, 0.5)
}

func TestBudgetExhausted(t *testing.T) {
	scene := makeTestScene(t, 2)
	p := scene.problem
	p.Camera(0).SetFixed(true)
	scene.perturbCamera(1, 0.1, 0.5, 9)
	for i := 0; i < p.NumPoints(); i++ {
		scene.perturbPoint(i, 0.3, int64(i+200))
	}

	res, err := p.Solve(context.Background(), Options{MaxIterations: 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Status, test.ShouldEqual, StatusBudgetExhausted)
	test.That(t, res.Iterations, test.ShouldEqual, 1)
	// best-effort parameters: the accepted step still improved the cost
	test.That(t, res.FinalCost, test.ShouldBeLessThan, res.InitialCost)
}

func TestSolveFailsOnUnconstrainedCamera(t *testing.T) {
	scene := makeTestScene(t, 2)
	p := scene.problem
	// a camera nothing observes makes the reduced system singular no matter
	// the damping, so the solve gives up after the rejection budget
	p.AddCamera([]float64{0, 0, 0, 0, 0, 0, 500, 0, 0})
	scene.perturbCamera(1, 0.05, 0.2, 5)

	res, err := p.Solve(context.Background(), Options{MaxRejects: 3})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Status, test.ShouldEqual, StatusFailed)
	test.That(t, res.FailureReason, test.ShouldBeError, ErrDegenerateSystem)
	test.That(t, res.RejectedSteps, test.ShouldEqual, 3)
}

func TestSolveValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)

	p := NewProblem(logger)
	_, err := p.Solve(context.Background(), Options{})
	test.That(t, err, test.ShouldNotBeNil)

	p = NewProblem(logger)
	p.AddCamera(make([]float64, CameraDims))
	p.AddPoint([]float64{0, 0, -5})
	p.AddObservation(Observation{Camera: 2, Point: 0})
	_, err = p.Solve(context.Background(), Options{})
	test.That(t, err, test.ShouldNotBeNil)

	p = NewProblem(logger)
	p.AddCamera(make([]float64, CameraDims))
	p.AddPoint([]float64{0, 0, -5})
	p.AddObservation(Observation{Camera: 0, Point: 0})
	p.Camera(0).SetFixed(true)
	p.Point(0).SetFixed(true)
	_, err = p.Solve(context.Background(), Options{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNumericJacobianSolve(t *testing.T) {
	scene := makeTestScene(t, 2)
	p := scene.problem
	p.Camera(0).SetFixed(true)
	for i := 0; i < p.NumPoints(); i++ {
		p.Point(i).SetFixed(true)
	}
	scene.perturbCamera(1, 0.05, 0.2, 13)

	res, err := p.Solve(context.Background(), Options{MaxIterations: 100, NumericJacobians: true})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Status, test.ShouldEqual, StatusConverged)
	test.That(t, scene.maxReprojectionError(t), test.ShouldBeLessThan, 1e-4)
}
