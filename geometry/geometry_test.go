package geometry

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestSegment2DBasics(t *testing.T) {
	s := NewSegment2D(0, 0, 3, 4)
	test.That(t, s.Length(), test.ShouldAlmostEqual, 5)

	test.That(t, s.DistanceToPoint(r2.Point{X: 0, Y: 0}), test.ShouldAlmostEqual, 0, 1e-12)
	// (4,-3) is perpendicular to the segment direction at distance 5
	test.That(t, s.DistanceToPoint(r2.Point{X: 4, Y: -3}), test.ShouldAlmostEqual, 5, 1e-12)
}

func TestSegment3DBasics(t *testing.T) {
	s := Segment3D{P1: r3.Vector{X: 1, Y: 1, Z: 1}, P2: r3.Vector{X: 1, Y: 1, Z: 3}}
	test.That(t, s.Length(), test.ShouldAlmostEqual, 2)
	test.That(t, s.Dir(), test.ShouldResemble, r3.Vector{Z: 1})
	test.That(t, s.DistanceToPoint(r3.Vector{X: 2, Y: 1, Z: 7}), test.ShouldAlmostEqual, 1)

	degenerate := Segment3D{P1: r3.Vector{X: 1}, P2: r3.Vector{X: 1}}
	test.That(t, degenerate.Dir(), test.ShouldResemble, r3.Vector{})
	test.That(t, degenerate.DistanceToPoint(r3.Vector{X: 4}), test.ShouldAlmostEqual, 3)
}

func TestAngleDeg(t *testing.T) {
	sx := Segment3D{P2: r3.Vector{X: 1}}
	sy := Segment3D{P2: r3.Vector{Y: 1}}
	sxNeg := Segment3D{P1: r3.Vector{X: 1}, P2: r3.Vector{}}

	test.That(t, AngleDeg(sx, sy, false), test.ShouldAlmostEqual, 90)
	test.That(t, AngleDeg(sx, sxNeg, false), test.ShouldAlmostEqual, 180)
	test.That(t, AngleDeg(sx, sxNeg, true), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, AngleDeg(sx, sx, true), test.ShouldAlmostEqual, 0, 1e-9)
}

func collinearPoints(xs [4]float64) [4]r3.Vector {
	var pts [4]r3.Vector
	for i, x := range xs {
		pts[i] = r3.Vector{X: x, Y: 0, Z: 1}
	}
	return pts
}

func TestMutualOverlap(t *testing.T) {
	// full containment: inner pair is the contained segment
	test.That(t, MutualOverlap(collinearPoints([4]float64{0, 10, 2, 8})),
		test.ShouldAlmostEqual, 0.6)
	// partial overlap
	test.That(t, MutualOverlap(collinearPoints([4]float64{0, 6, 4, 10})),
		test.ShouldAlmostEqual, 0.2)
	// disjoint intervals share no span
	test.That(t, MutualOverlap(collinearPoints([4]float64{0, 2, 5, 9})),
		test.ShouldEqual, 0)
	// tiny configurations are rejected
	test.That(t, MutualOverlap(collinearPoints([4]float64{0, 0.4, 0.1, 0.3})),
		test.ShouldEqual, 0)
}

func TestPointOnSegment(t *testing.T) {
	p1 := r3.Vector{X: 0, Y: 0, Z: 1}
	p2 := r3.Vector{X: 10, Y: 0, Z: 1}
	test.That(t, PointOnSegment(r3.Vector{X: 5, Y: 0, Z: 1}, p1, p2), test.ShouldBeTrue)
	test.That(t, PointOnSegment(r3.Vector{X: -1, Y: 0, Z: 1}, p1, p2), test.ShouldBeFalse)
	test.That(t, PointOnSegment(p1, p1, p2), test.ShouldBeTrue)
}

func TestNormalizeHomogeneous(t *testing.T) {
	p, ok := NormalizeHomogeneous(r3.Vector{X: 4, Y: 2, Z: 2})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, p, test.ShouldResemble, r3.Vector{X: 2, Y: 1, Z: 1})

	_, ok = NormalizeHomogeneous(r3.Vector{X: 4, Y: 2, Z: 0})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestFundamentalEpipolarConstraint(t *testing.T) {
	k := mat.NewDense(3, 3, []float64{500, 0, 250, 0, 500, 250, 0, 0, 1})
	r1 := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	t1 := r3.Vector{}

	// second camera translated along x and slightly rotated about y
	theta := 0.1
	r2mat := mat.NewDense(3, 3, []float64{
		math.Cos(theta), 0, -math.Sin(theta),
		0, 1, 0,
		math.Sin(theta), 0, math.Cos(theta),
	})
	t2 := r3.Vector{X: -1, Y: 0, Z: 0.2}

	f, err := Fundamental(k, r1, t1, k, r2mat, t2)
	test.That(t, err, test.ShouldBeNil)

	// for any world point, x2^T F x1 == 0
	worldPoints := []r3.Vector{
		{X: 0.3, Y: -0.2, Z: 4},
		{X: -1, Y: 1, Z: 6},
		{X: 0.5, Y: 0.5, Z: 3},
	}
	project := func(rot *mat.Dense, tr, p r3.Vector) r3.Vector {
		cam := MulHomogeneous(rot, p)
		cam = cam.Add(tr)
		pix := MulHomogeneous(k, cam)
		out, _ := NormalizeHomogeneous(pix)
		return out
	}
	for _, p := range worldPoints {
		x1 := project(r1, t1, p)
		x2 := project(r2mat, t2, p)
		l := MulHomogeneous(f, x1)
		test.That(t, x2.Dot(l), test.ShouldAlmostEqual, 0, 1e-9)
	}
}
