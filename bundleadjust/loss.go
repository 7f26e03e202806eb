package bundleadjust

import "math"

// Loss rescales a residual's contribution to the normal equations so that
// outlier observations have bounded influence. Evaluate takes the
// information-weighted squared error s and returns the robust cost rho(s)
// along with its first and second derivatives; the assembler applies rho' to
// the gradient and rho'/rho'' to the Hessian contribution.
type Loss interface {
	Evaluate(s float64) (rho, rho1, rho2 float64)
}

// TrivialLoss leaves residual contributions unscaled.
type TrivialLoss struct{}

// Evaluate returns the identity kernel.
func (TrivialLoss) Evaluate(s float64) (float64, float64, float64) {
	return s, 1, 0
}

// HuberLoss is quadratic for squared errors below Delta^2 and linear above,
// so a residual's gradient contribution saturates instead of growing with the
// error.
type HuberLoss struct {
	Delta float64
}

// Evaluate computes the Huber kernel: rho(s) = s for s <= delta^2 and
// 2*delta*sqrt(s) - delta^2 beyond.
func (l HuberLoss) Evaluate(s float64) (float64, float64, float64) {
	d2 := l.Delta * l.Delta
	if s <= d2 {
		return s, 1, 0
	}
	sqrts := math.Sqrt(s)
	rho1 := l.Delta / sqrts
	return 2*l.Delta*sqrts - d2, rho1, -rho1 / (2 * s)
}
