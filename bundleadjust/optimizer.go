package bundleadjust

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/sfmkit/bundleadjust/utils"
)

// Status reports how a solve terminated.
type Status int

const (
	// StatusConverged means a convergence tolerance was met.
	StatusConverged Status = iota + 1
	// StatusBudgetExhausted means the iteration budget ran out first. The
	// parameters still hold the best estimate found; this is routine for
	// bundle adjustment runs with a fixed budget.
	StatusBudgetExhausted
	// StatusFailed means the solve stopped early, e.g. the linear solver
	// failed for the maximum number of consecutive attempts. The parameters
	// hold the best estimate found before the failure.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "Converged"
	case StatusBudgetExhausted:
		return "BudgetExhausted"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Result carries the termination status and diagnostics of a solve.
type Result struct {
	Status        Status
	InitialCost   float64
	FinalCost     float64
	FinalLambda   float64
	Iterations    int // linearizations performed
	AcceptedSteps int
	RejectedSteps int
	// NonFinite counts observations whose projection was non-finite in the
	// final linearization; they contribute nothing to the system.
	NonFinite int
	// FailureReason is set when Status is StatusFailed.
	FailureReason error
}

// Problem is an arena of camera and point blocks plus the observations
// connecting them. Blocks are referenced by the integer handles returned from
// the Add methods; observations never own blocks. The block and observation
// sets must not change once Solve has been called; only values mutate.
type Problem struct {
	cameras      []*CameraBlock
	points       []*PointBlock
	observations []Observation
	logger       golog.Logger

	costScratch []float64
}

// NewProblem creates an empty problem.
func NewProblem(logger golog.Logger) *Problem {
	return &Problem{logger: logger}
}

// AddCamera copies the raw 9-double camera parameters into a new block and
// returns its handle.
func (p *Problem) AddCamera(raw []float64) int {
	p.cameras = append(p.cameras, NewCameraBlock(raw))
	return len(p.cameras) - 1
}

// AddPoint copies the raw 3-double point parameters into a new block and
// returns its handle.
func (p *Problem) AddPoint(raw []float64) int {
	p.points = append(p.points, NewPointBlock(raw))
	return len(p.points) - 1
}

// AddObservation attaches one measured pixel location to previously added
// camera and point blocks.
func (p *Problem) AddObservation(obs Observation) {
	p.observations = append(p.observations, obs)
}

// Camera returns the camera block for a handle.
func (p *Problem) Camera(i int) *CameraBlock { return p.cameras[i] }

// Point returns the point block for a handle.
func (p *Problem) Point(i int) *PointBlock { return p.points[i] }

// NumCameras returns the number of camera blocks.
func (p *Problem) NumCameras() int { return len(p.cameras) }

// NumPoints returns the number of point blocks.
func (p *Problem) NumPoints() int { return len(p.points) }

// NumObservations returns the number of observations.
func (p *Problem) NumObservations() int { return len(p.observations) }

func (p *Problem) validate() error {
	for i := range p.observations {
		obs := &p.observations[i]
		if obs.Camera < 0 || obs.Camera >= len(p.cameras) {
			return errors.Errorf("observation %d references camera %d of %d", i, obs.Camera, len(p.cameras))
		}
		if obs.Point < 0 || obs.Point >= len(p.points) {
			return errors.Errorf("observation %d references point %d of %d", i, obs.Point, len(p.points))
		}
	}
	return nil
}

// freeBlocks returns the non-fixed parameter blocks in a stable order. The
// control loop only touches blocks through the ParameterBlock interface.
func (p *Problem) freeBlocks() []ParameterBlock {
	blocks := make([]ParameterBlock, 0, len(p.cameras)+len(p.points))
	for _, cam := range p.cameras {
		if !cam.Fixed() {
			blocks = append(blocks, cam)
		}
	}
	for _, pt := range p.points {
		if !pt.Fixed() {
			blocks = append(blocks, pt)
		}
	}
	return blocks
}

func snapshot(blocks []ParameterBlock, buf []float64) []float64 {
	total := 0
	for _, b := range blocks {
		total += b.Dims()
	}
	if cap(buf) < total {
		buf = make([]float64, total)
	}
	buf = buf[:total]
	at := 0
	for _, b := range blocks {
		b.ToRaw(buf[at : at+b.Dims()])
		at += b.Dims()
	}
	return buf
}

func restore(blocks []ParameterBlock, buf []float64) {
	at := 0
	for _, b := range blocks {
		b.FromRaw(buf[at : at+b.Dims()])
		at += b.Dims()
	}
}

// totalCost evaluates the robust total cost at the current estimates,
// alongside the number of observations whose projection was non-finite.
func (p *Problem) totalCost(loss Loss, numThreads int) (float64, int) {
	if cap(p.costScratch) < len(p.observations) {
		p.costScratch = make([]float64, len(p.observations))
	}
	costs := p.costScratch[:len(p.observations)]
	utils.ParallelChunks(len(p.observations), numThreads, func(from, to int) {
		for i := from; i < to; i++ {
			obs := &p.observations[i]
			ex, ey, ok := reprojectionError(p.cameras[obs.Camera], p.points[obs.Point], obs)
			if !ok {
				costs[i] = math.NaN()
				continue
			}
			jet := residualJet{ex: ex, ey: ey}
			rho, _, _ := loss.Evaluate(jet.chi2(obs.information()))
			costs[i] = rho
		}
	})
	total := 0.0
	invalid := 0
	for _, c := range costs {
		if math.IsNaN(c) {
			invalid++
			continue
		}
		total += c
	}
	return total, invalid
}

func (p *Problem) linearizeAll(jets []residualJet, opts Options) int {
	utils.ParallelChunks(len(p.observations), opts.NumThreads, func(from, to int) {
		for i := from; i < to; i++ {
			obs := &p.observations[i]
			cam := p.cameras[obs.Camera]
			pt := p.points[obs.Point]
			if opts.NumericJacobians {
				linearizeNumeric(cam, pt, obs, &jets[i])
			} else {
				linearize(cam, pt, obs, &jets[i])
			}
		}
	})
	invalid := 0
	for i := range jets {
		if !jets[i].valid {
			invalid++
		}
	}
	return invalid
}

func (p *Problem) applyStep(ne *normalEquations, dc, dp []float64) {
	for i, cam := range p.cameras {
		if slot := ne.camSlot[i]; slot >= 0 {
			cam.ApplyUpdate(dc[9*slot : 9*slot+9])
		}
	}
	for i, pt := range p.points {
		if slot := ne.ptSlot[i]; slot >= 0 {
			pt.ApplyUpdate(dp[3*slot : 3*slot+3])
		}
	}
}

// predictedReduction is the decrease the damped quadratic model expects from
// the step, used for the trust-region gain ratio.
func (ne *normalEquations) predictedReduction(dc, dp []float64, lambda float64) float64 {
	pred := 0.0
	for slot := 0; slot < ne.numCams; slot++ {
		base := 81 * slot
		for r := 0; r < 9; r++ {
			d := dc[9*slot+r]
			pred += d * (lambda*ne.hcc[base+r*9+r]*d + ne.bc[9*slot+r])
		}
	}
	for slot := 0; slot < ne.numPts; slot++ {
		base := 9 * slot
		for r := 0; r < 3; r++ {
			d := dp[3*slot+r]
			pred += d * (lambda*ne.hpp[base+r*3+r]*d + ne.bp[3*slot+r])
		}
	}
	return pred / 2
}

func stepNorm(dc, dp []float64) float64 {
	sum := 0.0
	for _, v := range dc {
		sum += v * v
	}
	for _, v := range dp {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// Solve runs Levenberg-Marquardt until convergence, budget exhaustion, or
// repeated linear-solver failure. It never aborts on numerical trouble: the
// blocks always hold the best estimate found, and the returned Result says
// how the loop stopped. An error is returned only for a structurally invalid
// problem (dangling indices, no observations, nothing free to optimize).
func (p *Problem) Solve(ctx context.Context, opts Options) (Result, error) {
	opts = opts.withDefaults()
	if len(p.observations) == 0 {
		return Result{}, errNoObservations
	}
	if err := p.validate(); err != nil {
		return Result{}, err
	}

	ne := newNormalEquations(p.cameras, p.points, p.observations)
	if ne.numCams == 0 && ne.numPts == 0 {
		return Result{}, errors.New("all parameter blocks are fixed")
	}
	blocks := p.freeBlocks()
	loss := opts.loss()
	jets := make([]residualJet, len(p.observations))

	cost, invalid := p.totalCost(loss, opts.NumThreads)
	if invalid > 0 {
		p.logger.Warnw("observations with non-finite projections are excluded", "count", invalid)
	}
	res := Result{InitialCost: cost}

	lambda := opts.InitialLambda
	nu := 2.0
	rejects := 0
	var saved []float64
	done := false

	for res.Iterations < opts.MaxIterations && !done {
		if err := ctx.Err(); err != nil {
			res.Status = StatusFailed
			res.FailureReason = err
			break
		}

		res.NonFinite = p.linearizeAll(jets, opts)
		ne.assemble(p.observations, jets, loss)
		res.Iterations++

		if lambda == 0 {
			lambda = defaultLambdaScale * ne.maxDiagonal()
			if lambda <= 0 {
				lambda = 1e-4
			}
		}
		if g := ne.gradientInfNorm(); g < opts.GradientTolerance {
			res.Status = StatusConverged
			break
		}

		// keep re-solving the same linearization with more damping until a
		// step is accepted or the rejection budget runs out
		for {
			dc, dp, err := ne.solve(p.observations, lambda)
			var newCost float64
			accepted := false
			if err == nil {
				saved = snapshot(blocks, saved)
				p.applyStep(ne, dc, dp)
				var newInvalid int
				newCost, newInvalid = p.totalCost(loss, opts.NumThreads)
				switch {
				case math.IsNaN(newCost) || math.IsInf(newCost, 0) || newInvalid > invalid:
					restore(blocks, saved)
					err = ErrNonFiniteCost
				case newCost < cost:
					accepted = true
					invalid = newInvalid
				default:
					restore(blocks, saved)
				}
			}

			if !accepted {
				res.RejectedSteps++
				rejects++
				lambda *= nu
				nu *= 2
				if rejects >= opts.MaxRejects {
					if err != nil {
						res.Status = StatusFailed
						res.FailureReason = err
					} else {
						res.Status = StatusBudgetExhausted
					}
					done = true
					break
				}
				continue
			}

			res.AcceptedSteps++
			rejects = 0
			costChange := cost - newCost
			pred := ne.predictedReduction(dc, dp, lambda)
			if pred > 0 {
				gain := costChange / pred
				factor := 1 - math.Pow(2*gain-1, 3)
				if factor < 1.0/3.0 {
					factor = 1.0 / 3.0
				}
				lambda *= factor
			} else {
				lambda /= 3
			}
			nu = 2
			norm := stepNorm(dc, dp)
			relChange := costChange / cost
			cost = newCost
			p.logger.Debugw("iteration",
				"iter", res.Iterations,
				"cost", cost,
				"lambda", lambda,
				"step", norm,
			)
			if relChange < opts.CostTolerance || norm < opts.StepTolerance {
				res.Status = StatusConverged
				done = true
			}
			break
		}
	}

	if res.Status == 0 {
		res.Status = StatusBudgetExhausted
	}
	res.FinalCost = cost
	res.FinalLambda = lambda
	p.logger.Infow("solve finished",
		"status", res.Status.String(),
		"iterations", res.Iterations,
		"accepted", res.AcceptedSteps,
		"rejected", res.RejectedSteps,
		"initialCost", res.InitialCost,
		"finalCost", res.FinalCost,
		"lambda", res.FinalLambda,
	)
	return res, nil
}
