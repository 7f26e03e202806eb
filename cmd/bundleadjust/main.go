// Package main is the bundleadjust CLI: it loads a BAL problem file,
// optionally normalizes it and perturbs it into a bad initial guess, refines
// it with the sparse Levenberg-Marquardt solver, and writes the results out
// as PLY point clouds and/or a refined problem file.
package main

import (
	"os"

	"github.com/edaniels/golog"
	"github.com/urfave/cli/v2"

	"github.com/sfmkit/bundleadjust/bal"
	"github.com/sfmkit/bundleadjust/bundleadjust"
)

const (
	flagInput            = "input"
	flagOutput           = "output"
	flagInitialPLY       = "initial-ply"
	flagFinalPLY         = "final-ply"
	flagMaxIterations    = "max-iterations"
	flagHuberDelta       = "huber-delta"
	flagNormalize        = "normalize"
	flagRotationSigma    = "rotation-sigma"
	flagTranslationSigma = "translation-sigma"
	flagPointSigma       = "point-sigma"
	flagSeed             = "seed"
	flagThreads          = "threads"
	flagDebug            = "debug"
)

func main() {
	var logger golog.Logger

	app := &cli.App{
		Name:  "bundleadjust",
		Usage: "refine a BAL bundle adjustment problem",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagInput,
				Aliases:  []string{"i"},
				Usage:    "BAL problem text `FILE`",
				Required: true,
			},
			&cli.StringFlag{
				Name:  flagOutput,
				Usage: "write the refined problem to `FILE`",
			},
			&cli.StringFlag{
				Name:  flagInitialPLY,
				Usage: "write the initial (perturbed) reconstruction to `FILE`",
			},
			&cli.StringFlag{
				Name:  flagFinalPLY,
				Usage: "write the refined reconstruction to `FILE`",
			},
			&cli.IntFlag{
				Name:  flagMaxIterations,
				Value: 40,
				Usage: "maximum solver iterations",
			},
			&cli.Float64Flag{
				Name:  flagHuberDelta,
				Value: 1.0,
				Usage: "Huber robust loss threshold in pixels (negative disables)",
			},
			&cli.BoolFlag{
				Name:  flagNormalize,
				Value: true,
				Usage: "recenter and rescale the reconstruction before solving",
			},
			&cli.Float64Flag{
				Name:  flagRotationSigma,
				Value: 0.1,
				Usage: "gaussian noise added to camera rotations before solving",
			},
			&cli.Float64Flag{
				Name:  flagTranslationSigma,
				Value: 0.5,
				Usage: "gaussian noise added to camera translations before solving",
			},
			&cli.Float64Flag{
				Name:  flagPointSigma,
				Value: 0.5,
				Usage: "gaussian noise added to points before solving",
			},
			&cli.Uint64Flag{
				Name:  flagSeed,
				Value: 38401,
				Usage: "perturbation random seed",
			},
			&cli.IntFlag{
				Name:  flagThreads,
				Usage: "linearization worker count (0 = all CPUs)",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = golog.NewDebugLogger("bundleadjust")
			} else {
				logger = golog.NewLogger("bundleadjust")
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			problem, err := bal.ReadFile(c.String(flagInput))
			if err != nil {
				return err
			}
			logger.Infow("loaded problem",
				"cameras", problem.NumCameras(),
				"points", problem.NumPoints(),
				"observations", problem.NumObservations(),
			)

			if c.Bool(flagNormalize) {
				problem.Normalize()
			}
			problem.Perturb(
				c.Float64(flagRotationSigma),
				c.Float64(flagTranslationSigma),
				c.Float64(flagPointSigma),
				c.Uint64(flagSeed),
			)
			if fn := c.String(flagInitialPLY); fn != "" {
				if err := problem.WritePLYFile(fn); err != nil {
					return err
				}
			}

			prob := bundleadjust.NewProblem(logger)
			for i := 0; i < problem.NumCameras(); i++ {
				prob.AddCamera(problem.Camera(i))
			}
			for i := 0; i < problem.NumPoints(); i++ {
				prob.AddPoint(problem.Point(i))
			}
			for i := 0; i < problem.NumObservations(); i++ {
				x, y := problem.Observation(i)
				prob.AddObservation(bundleadjust.Observation{
					Camera: problem.CameraIndex[i],
					Point:  problem.PointIndex[i],
					X:      x,
					Y:      y,
				})
			}

			res, err := prob.Solve(c.Context, bundleadjust.Options{
				MaxIterations: c.Int(flagMaxIterations),
				HuberDelta:    c.Float64(flagHuberDelta),
				NumThreads:    c.Int(flagThreads),
			})
			if err != nil {
				return err
			}
			if res.Status == bundleadjust.StatusFailed {
				logger.Warnw("solve failed; writing best parameters found", "reason", res.FailureReason)
			}

			// write refined values back into the flat arrays
			for i := 0; i < problem.NumCameras(); i++ {
				prob.Camera(i).ToRaw(problem.Camera(i))
			}
			for i := 0; i < problem.NumPoints(); i++ {
				prob.Point(i).ToRaw(problem.Point(i))
			}

			if fn := c.String(flagFinalPLY); fn != "" {
				if err := problem.WritePLYFile(fn); err != nil {
					return err
				}
			}
			if fn := c.String(flagOutput); fn != "" {
				if err := problem.WriteFile(fn); err != nil {
					return err
				}
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		golog.Global().Fatal(err)
	}
}
