package line3d

import (
	"context"
	"image"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/arcvision/line3d/geometry"
)

// The synthetic fixture: a unit cube centered at the origin observed by
// cameras on a surrounding circle, with segments that are exact pixel
// projections of the cube edges.

const (
	testFocal  = 500.0
	testCenter = 250.0
	testRadius = 5.0
	testWidth  = 500
	testHeight = 500
)

func testIntrinsics() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		testFocal, 0, testCenter,
		0, testFocal, testCenter,
		0, 0, 1,
	})
}

// circleCamera builds a pose on the z=0 circle at the given angle, looking
// at the origin with world z as up.
func circleCamera(theta, radius float64) (*mat.Dense, r3.Vector) {
	center := r3.Vector{X: radius * math.Cos(theta), Y: radius * math.Sin(theta), Z: 0}
	forward := center.Mul(-1 / center.Norm())
	up := r3.Vector{Z: 1}
	right := forward.Cross(up)
	right = right.Mul(1 / right.Norm())
	down := forward.Cross(right)

	rot := mat.NewDense(3, 3, []float64{
		right.X, right.Y, right.Z,
		down.X, down.Y, down.Z,
		forward.X, forward.Y, forward.Z,
	})

	// t = -R * C
	cv := mat.NewVecDense(3, []float64{center.X, center.Y, center.Z})
	var rc mat.VecDense
	rc.MulVec(rot, cv)
	return rot, r3.Vector{X: -rc.AtVec(0), Y: -rc.AtVec(1), Z: -rc.AtVec(2)}
}

func cubeEdges() []geometry.Segment3D {
	const h = 0.5
	vals := []float64{-h, h}
	var edges []geometry.Segment3D
	for _, y := range vals {
		for _, z := range vals {
			edges = append(edges, geometry.Segment3D{
				P1: r3.Vector{X: -h, Y: y, Z: z}, P2: r3.Vector{X: h, Y: y, Z: z},
			})
		}
	}
	for _, x := range vals {
		for _, z := range vals {
			edges = append(edges, geometry.Segment3D{
				P1: r3.Vector{X: x, Y: -h, Z: z}, P2: r3.Vector{X: x, Y: h, Z: z},
			})
		}
	}
	for _, x := range vals {
		for _, y := range vals {
			edges = append(edges, geometry.Segment3D{
				P1: r3.Vector{X: x, Y: y, Z: -h}, P2: r3.Vector{X: x, Y: y, Z: h},
			})
		}
	}
	return edges
}

func projectPoint(k, rot *mat.Dense, t, p r3.Vector) r2.Point {
	pv := mat.NewVecDense(3, []float64{p.X, p.Y, p.Z})
	var cam mat.VecDense
	cam.MulVec(rot, pv)
	x := cam.AtVec(0) + t.X
	y := cam.AtVec(1) + t.Y
	z := cam.AtVec(2) + t.Z
	return r2.Point{
		X: k.At(0, 0)*x/z + k.At(0, 2),
		Y: k.At(1, 1)*y/z + k.At(1, 2),
	}
}

func projectSegments(k, rot *mat.Dense, t r3.Vector, segs3D []geometry.Segment3D) []geometry.Segment2D {
	out := make([]geometry.Segment2D, 0, len(segs3D))
	for _, s := range segs3D {
		out = append(out, geometry.Segment2D{
			P1: projectPoint(k, rot, t, s.P1),
			P2: projectPoint(k, rot, t, s.P2),
		})
	}
	return out
}

// addSceneViews registers the given camera ids at 30 degree steps along a
// circular arc, with segments that project the given 3D segments exactly.
// All views share the same tie-point ids.
func addSceneViews(t *testing.T, e *Engine, camIDs []int, segs3D []geometry.Segment3D) {
	t.Helper()
	k := testIntrinsics()
	wps := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	img := image.NewGray(image.Rect(0, 0, testWidth, testHeight))
	for _, id := range camIDs {
		theta := float64(id) * math.Pi / 6
		rot, tr := circleCamera(theta, testRadius)
		segs := projectSegments(k, rot, tr, segs3D)
		err := e.AddImage(context.Background(), id, img, k, rot, tr, testRadius, wps, segs)
		test.That(t, err, test.ShouldBeNil)
	}
}

func newCubeEngine(t *testing.T, camIDs []int) *Engine {
	t.Helper()
	e := New(Config{NeighborsByWorldPoints: true}, golog.NewTestLogger(t))
	addSceneViews(t, e, camIDs, cubeEdges())
	return e
}

func cubeMatchConfig() MatchConfig {
	return MatchConfig{
		SigmaPosition:   1,
		SigmaAngle:      5,
		NumNeighbors:    5,
		EpipolarOverlap: 0.5,
		MinBaseline:     0.1,
		KNN:             0,
	}
}
