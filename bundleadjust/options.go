package bundleadjust

// Options configures a solve. The zero value of any field falls back to the
// corresponding default below.
type Options struct {
	// MaxIterations bounds the number of outer (linearize) iterations.
	MaxIterations int
	// InitialLambda seeds the Levenberg-Marquardt damping parameter. When
	// zero, it is derived from the largest Hessian diagonal entry of the
	// first linearization.
	InitialLambda float64
	// CostTolerance stops the solve when an accepted step's relative cost
	// decrease falls below it.
	CostTolerance float64
	// GradientTolerance stops the solve when the max-norm of the gradient
	// falls below it.
	GradientTolerance float64
	// StepTolerance stops the solve when an accepted step's norm falls below it.
	StepTolerance float64
	// HuberDelta is the robust kernel threshold in pixels. Negative disables
	// robust reweighting entirely.
	HuberDelta float64
	// MaxRejects bounds consecutive rejected steps before the solve gives up.
	MaxRejects int
	// NumThreads caps linearization parallelism; zero means one worker per
	// available CPU.
	NumThreads int
	// NumericJacobians switches the residual derivatives from the analytic
	// expressions to central differences. Slower; intended for debugging.
	NumericJacobians bool
}

const (
	defaultMaxIterations     = 40
	defaultCostTolerance     = 1e-10
	defaultGradientTolerance = 1e-10
	defaultStepTolerance     = 1e-12
	defaultHuberDelta        = 1.0
	defaultMaxRejects        = 10
	// seed damping relative to the largest Hessian diagonal entry
	defaultLambdaScale = 1e-5
)

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = defaultMaxIterations
	}
	if o.CostTolerance <= 0 {
		o.CostTolerance = defaultCostTolerance
	}
	if o.GradientTolerance <= 0 {
		o.GradientTolerance = defaultGradientTolerance
	}
	if o.StepTolerance <= 0 {
		o.StepTolerance = defaultStepTolerance
	}
	if o.HuberDelta == 0 {
		o.HuberDelta = defaultHuberDelta
	}
	if o.MaxRejects <= 0 {
		o.MaxRejects = defaultMaxRejects
	}
	return o
}

func (o Options) loss() Loss {
	if o.HuberDelta < 0 {
		return TrivialLoss{}
	}
	return HuberLoss{Delta: o.HuberDelta}
}
