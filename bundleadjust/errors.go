package bundleadjust

import "github.com/pkg/errors"

var (
	// ErrDegenerateSystem means the reduced or a point-local linear system was
	// singular at the current linearization point, usually because a block is
	// observed by too few residuals to be locally identifiable. The trust
	// region loop recovers by rejecting the step and raising damping; it only
	// surfaces as a failure after the consecutive-rejection budget runs out.
	ErrDegenerateSystem = errors.New("linear system is singular at the current linearization point")

	// ErrNonFiniteCost means a tentative step produced a non-finite total
	// cost, e.g. a point projected from behind a camera.
	ErrNonFiniteCost = errors.New("tentative step produced a non-finite cost")

	errNoObservations = errors.New("problem has no observations")
)
