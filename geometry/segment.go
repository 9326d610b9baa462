// Package geometry provides the 2D/3D segment math underlying multi-view
// line reconstruction: homogeneous image points, epipolar geometry, mutual
// overlap along a shared line, and point-to-line distances.
package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Eps is the numerical tolerance below which denominators and lengths are
// treated as degenerate.
const Eps = 1e-12

// Segment2D is a line segment in pixel coordinates.
type Segment2D struct {
	P1 r2.Point
	P2 r2.Point
}

// NewSegment2D creates a 2D segment from endpoint coordinates.
func NewSegment2D(x1, y1, x2, y2 float64) Segment2D {
	return Segment2D{r2.Point{X: x1, Y: y1}, r2.Point{X: x2, Y: y2}}
}

// Length returns the pixel length of the segment.
func (s Segment2D) Length() float64 {
	return s.P1.Sub(s.P2).Norm()
}

// Line returns the homogeneous line through both endpoints, scaled so that
// the (a,b) normal has unit length. Degenerate segments return the zero
// vector.
func (s Segment2D) Line() r3.Vector {
	l := Homogeneous(s.P1).Cross(Homogeneous(s.P2))
	n := math.Hypot(l.X, l.Y)
	if n < Eps {
		return r3.Vector{}
	}
	return l.Mul(1 / n)
}

// DistanceToPoint returns the distance from a pixel to the infinite line
// through the segment.
func (s Segment2D) DistanceToPoint(p r2.Point) float64 {
	l := s.Line()
	return math.Abs(l.X*p.X + l.Y*p.Y + l.Z)
}

// Segment3D is an ordered pair of 3D points. Equality is by endpoints, not
// direction.
type Segment3D struct {
	P1 r3.Vector
	P2 r3.Vector
}

// Length returns the Euclidean length of the segment.
func (s Segment3D) Length() float64 {
	return s.P2.Sub(s.P1).Norm()
}

// Dir returns the unit direction from P1 to P2, or the zero vector for a
// degenerate segment.
func (s Segment3D) Dir() r3.Vector {
	d := s.P2.Sub(s.P1)
	n := d.Norm()
	if n < Eps {
		return r3.Vector{}
	}
	return d.Mul(1 / n)
}

// DistanceToPoint returns the distance from p to the infinite line through
// the segment. Degenerate segments return the distance to P1.
func (s Segment3D) DistanceToPoint(p r3.Vector) float64 {
	d := s.P2.Sub(s.P1)
	n := d.Norm()
	if n < Eps {
		return p.Sub(s.P1).Norm()
	}
	return p.Sub(s.P1).Cross(d).Norm() / n
}

// AngleDeg returns the angle between the directions of two 3D segments in
// degrees. When undirected, the angle is folded into [0,90].
func AngleDeg(s1, s2 Segment3D, undirected bool) float64 {
	dot := s1.Dir().Dot(s2.Dir())
	angle := math.Acos(math.Max(math.Min(dot, 1), -1)) / math.Pi * 180
	if undirected && angle > 90 {
		angle = 180 - angle
	}
	return angle
}

// Homogeneous lifts a pixel into homogeneous image coordinates.
func Homogeneous(p r2.Point) r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: 1}
}
