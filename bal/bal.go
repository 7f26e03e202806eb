// Package bal reads and writes structure-from-motion problems in the BAL
// ("Bundle Adjustment in the Large") text format: a header of counts, one row
// per observation, then the flat camera and point parameter arrays. It also
// provides the normalization and synthetic-perturbation utilities that BAL
// demos use to manufacture a deliberately bad initial guess, and a PLY export
// for visual inspection of the reconstruction.
package bal

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// CameraSize is the number of parameters per camera:
// [angle-axis rotation (3), translation (3), focal, k1, k2].
const CameraSize = 9

// PointSize is the number of parameters per point.
const PointSize = 3

// Problem is a bundle adjustment problem as stored on disk: flat parameter
// arrays plus parallel observation index/measurement arrays. The optimizer
// reads its initial estimates from these arrays and writes refined values
// back into them.
type Problem struct {
	// Cameras holds CameraSize values per camera.
	Cameras []float64
	// Points holds PointSize values per point.
	Points []float64
	// CameraIndex and PointIndex associate each observation with its blocks.
	CameraIndex []int
	PointIndex  []int
	// Observations holds the measured (x, y) pixel pair per observation.
	Observations []float64
}

// NumCameras returns the camera count.
func (p *Problem) NumCameras() int { return len(p.Cameras) / CameraSize }

// NumPoints returns the point count.
func (p *Problem) NumPoints() int { return len(p.Points) / PointSize }

// NumObservations returns the observation count.
func (p *Problem) NumObservations() int { return len(p.CameraIndex) }

// Camera returns the i-th camera's parameter slice, aliasing the backing array.
func (p *Problem) Camera(i int) []float64 {
	return p.Cameras[i*CameraSize : (i+1)*CameraSize]
}

// Point returns the i-th point's parameter slice, aliasing the backing array.
func (p *Problem) Point(i int) []float64 {
	return p.Points[i*PointSize : (i+1)*PointSize]
}

// Observation returns the i-th measured pixel pair.
func (p *Problem) Observation(i int) (x, y float64) {
	return p.Observations[2*i], p.Observations[2*i+1]
}

// Read parses a problem from BAL text.
func Read(r io.Reader) (*Problem, error) {
	br := bufio.NewReader(r)
	var numCameras, numPoints, numObservations int
	if _, err := fmt.Fscan(br, &numCameras, &numPoints, &numObservations); err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	if numCameras <= 0 || numPoints <= 0 || numObservations <= 0 {
		return nil, errors.Errorf("invalid header counts %d %d %d", numCameras, numPoints, numObservations)
	}

	p := &Problem{
		Cameras:      make([]float64, numCameras*CameraSize),
		Points:       make([]float64, numPoints*PointSize),
		CameraIndex:  make([]int, numObservations),
		PointIndex:   make([]int, numObservations),
		Observations: make([]float64, 2*numObservations),
	}
	for i := 0; i < numObservations; i++ {
		if _, err := fmt.Fscan(br, &p.CameraIndex[i], &p.PointIndex[i], &p.Observations[2*i], &p.Observations[2*i+1]); err != nil {
			return nil, errors.Wrapf(err, "failed to read observation %d", i)
		}
		if p.CameraIndex[i] < 0 || p.CameraIndex[i] >= numCameras {
			return nil, errors.Errorf("observation %d references camera %d of %d", i, p.CameraIndex[i], numCameras)
		}
		if p.PointIndex[i] < 0 || p.PointIndex[i] >= numPoints {
			return nil, errors.Errorf("observation %d references point %d of %d", i, p.PointIndex[i], numPoints)
		}
	}
	for i := range p.Cameras {
		if _, err := fmt.Fscan(br, &p.Cameras[i]); err != nil {
			return nil, errors.Wrapf(err, "failed to read camera parameter %d", i)
		}
	}
	for i := range p.Points {
		if _, err := fmt.Fscan(br, &p.Points[i]); err != nil {
			return nil, errors.Wrapf(err, "failed to read point parameter %d", i)
		}
	}
	return p, nil
}

// ReadFile parses a problem from a BAL text file.
func ReadFile(fn string) (*Problem, error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	p, err := Read(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", fn)
	}
	return p, nil
}

// Write serializes the problem back out in BAL text format.
func (p *Problem) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d %d %d\n", p.NumCameras(), p.NumPoints(), p.NumObservations())
	for i := 0; i < p.NumObservations(); i++ {
		fmt.Fprintf(bw, "%d %d %g %g\n", p.CameraIndex[i], p.PointIndex[i], p.Observations[2*i], p.Observations[2*i+1])
	}
	for _, v := range p.Cameras {
		fmt.Fprintf(bw, "%.16g\n", v)
	}
	for _, v := range p.Points {
		fmt.Fprintf(bw, "%.16g\n", v)
	}
	return bw.Flush()
}

// WriteFile serializes the problem to a BAL text file.
func (p *Problem) WriteFile(fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return p.Write(f)
}

// WritePLY exports the reconstruction as an ASCII PLY point cloud for viewers
// like MeshLab: camera centers in green, structure points in white.
func (p *Problem) WritePLY(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat ascii 1.0\nelement vertex %d\n", p.NumCameras()+p.NumPoints())
	bw.WriteString("property float x\nproperty float y\nproperty float z\n")
	bw.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\n")
	bw.WriteString("end_header\n")

	for i := 0; i < p.NumCameras(); i++ {
		c := cameraCenter(p.Camera(i))
		fmt.Fprintf(bw, "%g %g %g 0 255 0\n", c.X, c.Y, c.Z)
	}
	for i := 0; i < p.NumPoints(); i++ {
		pt := p.Point(i)
		fmt.Fprintf(bw, "%g %g %g 255 255 255\n", pt[0], pt[1], pt[2])
	}
	return bw.Flush()
}

// WritePLYFile exports the reconstruction to a PLY file.
func (p *Problem) WritePLYFile(fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return p.WritePLY(f)
}

func vec(v []float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

func setVec(dst []float64, v r3.Vector) {
	dst[0], dst[1], dst[2] = v.X, v.Y, v.Z
}
