package bal

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

const sampleProblem = `2 3 4
0 0 10.5 -3.25
0 1 -8 2
1 1 4 4
1 2 0.5 -0.5
0.01 -0.02 0.03
0.5 -0.25 1
450 1e-4 -2e-7
0 0 0
-1 0.2 0.3
480 0 0
1 2 -8
-1.5 0.5 -10
0.25 -2 -9
`

func TestRead(t *testing.T) {
	p, err := Read(strings.NewReader(sampleProblem))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.NumCameras(), test.ShouldEqual, 2)
	test.That(t, p.NumPoints(), test.ShouldEqual, 3)
	test.That(t, p.NumObservations(), test.ShouldEqual, 4)

	test.That(t, p.CameraIndex, test.ShouldResemble, []int{0, 0, 1, 1})
	test.That(t, p.PointIndex, test.ShouldResemble, []int{0, 1, 1, 2})
	x, y := p.Observation(0)
	test.That(t, x, test.ShouldEqual, 10.5)
	test.That(t, y, test.ShouldEqual, -3.25)

	test.That(t, p.Camera(0)[6], test.ShouldEqual, 450.0)
	test.That(t, p.Camera(1)[3], test.ShouldEqual, -1.0)
	test.That(t, p.Point(2), test.ShouldResemble, []float64{0.25, -2, -9})
}

func TestReadErrors(t *testing.T) {
	_, err := Read(strings.NewReader(""))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Read(strings.NewReader("1 1 1\n0 5 1 1\n"))
	test.That(t, err, test.ShouldNotBeNil)

	// truncated parameter section
	_, err = Read(strings.NewReader("1 1 1\n0 0 1 1\n0.5\n"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWriteRoundTrip(t *testing.T) {
	p, err := Read(strings.NewReader(sampleProblem))
	test.That(t, err, test.ShouldBeNil)

	var buf bytes.Buffer
	test.That(t, p.Write(&buf), test.ShouldBeNil)
	again, err := Read(&buf)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, again, test.ShouldResemble, p)
}

func TestReadWriteFile(t *testing.T) {
	p, err := Read(strings.NewReader(sampleProblem))
	test.That(t, err, test.ShouldBeNil)

	fn := filepath.Join(t.TempDir(), "problem.txt")
	test.That(t, p.WriteFile(fn), test.ShouldBeNil)
	again, err := ReadFile(fn)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldResemble, p)
}

func TestNormalize(t *testing.T) {
	p, err := Read(strings.NewReader(sampleProblem))
	test.That(t, err, test.ShouldBeNil)

	centersBefore := make([]r3.Vector, p.NumCameras())
	for i := range centersBefore {
		centersBefore[i] = cameraCenter(p.Camera(i))
	}
	// recompute the expected mapping by hand
	median := r3.Vector{X: 0.25, Y: 0.5, Z: -9}
	p.Normalize()

	// the median-deviation point rescales to an L1 norm of exactly 100
	devs := make([]float64, p.NumPoints())
	for i := 0; i < p.NumPoints(); i++ {
		pt := vec(p.Point(i))
		devs[i] = abs(pt.X) + abs(pt.Y) + abs(pt.Z)
	}
	test.That(t, devs[1], test.ShouldAlmostEqual, 100, 1e-9)

	// camera centers move rigidly with the points
	scale := 100.0 / 2.75 // median L1 deviation of the sample points
	for i := range centersBefore {
		want := centersBefore[i].Sub(median).Mul(scale)
		got := cameraCenter(p.Camera(i))
		test.That(t, got.Sub(want).Norm(), test.ShouldAlmostEqual, 0, 1e-9)
	}

	// rotations are untouched
	test.That(t, p.Camera(0)[0], test.ShouldAlmostEqual, 0.01, 1e-12)
	test.That(t, p.Camera(0)[1], test.ShouldAlmostEqual, -0.02, 1e-12)
}

func TestPerturbRotationKeepsCenter(t *testing.T) {
	p, err := Read(strings.NewReader(sampleProblem))
	test.That(t, err, test.ShouldBeNil)

	centers := make([]r3.Vector, p.NumCameras())
	rotations := make([]r3.Vector, p.NumCameras())
	for i := range centers {
		centers[i] = cameraCenter(p.Camera(i))
		rotations[i] = vec(p.Camera(i)[0:3])
	}
	points := append([]float64(nil), p.Points...)

	p.Perturb(0.1, 0, 0, 4)

	for i := range centers {
		test.That(t, cameraCenter(p.Camera(i)).Sub(centers[i]).Norm(), test.ShouldAlmostEqual, 0, 1e-9)
		test.That(t, vec(p.Camera(i)[0:3]).Sub(rotations[i]).Norm(), test.ShouldBeGreaterThan, 0.0)
	}
	test.That(t, p.Points, test.ShouldResemble, points)
}

func TestPerturbIsSeeded(t *testing.T) {
	p1, err := Read(strings.NewReader(sampleProblem))
	test.That(t, err, test.ShouldBeNil)
	p2, err := Read(strings.NewReader(sampleProblem))
	test.That(t, err, test.ShouldBeNil)

	p1.Perturb(0.1, 0.5, 0.5, 77)
	p2.Perturb(0.1, 0.5, 0.5, 77)
	test.That(t, p2, test.ShouldResemble, p1)

	p2.Perturb(0.1, 0.5, 0.5, 78)
	test.That(t, p2, test.ShouldNotResemble, p1)
}

func TestWritePLY(t *testing.T) {
	p, err := Read(strings.NewReader(sampleProblem))
	test.That(t, err, test.ShouldBeNil)

	var buf bytes.Buffer
	test.That(t, p.WritePLY(&buf), test.ShouldBeNil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")

	test.That(t, lines[0], test.ShouldEqual, "ply")
	test.That(t, lines[2], test.ShouldEqual, "element vertex 5")
	test.That(t, lines[9], test.ShouldEqual, "end_header")
	// 2 green camera rows followed by 3 white point rows
	test.That(t, len(lines), test.ShouldEqual, 15)
	test.That(t, strings.HasSuffix(lines[10], "0 255 0"), test.ShouldBeTrue)
	test.That(t, strings.HasSuffix(lines[11], "0 255 0"), test.ShouldBeTrue)
	test.That(t, strings.HasSuffix(lines[14], "255 255 255"), test.ShouldBeTrue)
}
