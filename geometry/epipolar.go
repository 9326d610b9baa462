package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Fundamental computes the fundamental matrix mapping pixels of the source
// view (K1,R1,t1) to epipolar lines in the target view (K2,R2,t2):
// with R = R2*R1^T and t = t2 - R*t1, E = [t]x * R and F = K2^-T * E * K1^-1.
func Fundamental(k1, r1 *mat.Dense, t1 r3.Vector, k2, r2 *mat.Dense, t2 r3.Vector) (*mat.Dense, error) {
	var rRel mat.Dense
	rRel.Mul(r2, r1.T())

	t1v := mat.NewVecDense(3, []float64{t1.X, t1.Y, t1.Z})
	var rt1 mat.VecDense
	rt1.MulVec(&rRel, t1v)
	t := r3.Vector{X: t2.X - rt1.AtVec(0), Y: t2.Y - rt1.AtVec(1), Z: t2.Z - rt1.AtVec(2)}

	e := mat.NewDense(3, 3, nil)
	e.Mul(crossProductMat(t), &rRel)

	var k1inv, k2inv mat.Dense
	if err := k1inv.Inverse(k1); err != nil {
		return nil, err
	}
	if err := k2inv.Inverse(k2); err != nil {
		return nil, err
	}

	f := mat.NewDense(3, 3, nil)
	f.Mul(k2inv.T(), e)
	f.Mul(f, &k1inv)
	return f, nil
}

// crossProductMat returns the skew-symmetric matrix [t]x.
func crossProductMat(t r3.Vector) *mat.Dense {
	cross := mat.NewDense(3, 3, nil)
	cross.Set(0, 1, -t.Z)
	cross.Set(0, 2, t.Y)
	cross.Set(1, 0, t.Z)
	cross.Set(1, 2, -t.X)
	cross.Set(2, 0, -t.Y)
	cross.Set(2, 1, t.X)
	return cross
}

// MulHomogeneous applies a 3x3 matrix to a homogeneous image point.
func MulHomogeneous(m *mat.Dense, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)*p.Z,
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)*p.Z,
		Z: m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)*p.Z,
	}
}

// PointOnSegment reports whether the collinear point x lies within the span
// of the segment (p1,p2). All three points are homogeneous image points on a
// shared line; only the (x,y) components are considered.
func PointOnSegment(x, p1, p2 r3.Vector) bool {
	v1x, v1y := p1.X-x.X, p1.Y-x.Y
	v2x, v2y := p2.X-x.X, p2.Y-x.Y
	return v1x*v2x+v1y*v2y < Eps
}

// MutualOverlap scores the common span of two collinear intervals
// {p1,p2} and {q1,q2} along a shared line: the distance between the two
// inner points divided by the distance between the two outer points. The
// score is 0 when neither interval reaches into the other's span, or when
// the outer distance is below one pixel.
func MutualOverlap(points [4]r3.Vector) float64 {
	p1, p2, q1, q2 := points[0], points[1], points[2], points[3]

	if !PointOnSegment(p1, q1, q2) && !PointOnSegment(p2, q1, q2) &&
		!PointOnSegment(q1, p1, p2) && !PointOnSegment(q2, p1, p2) {
		return 0
	}

	// outer pair = the two points farthest apart
	maxDist := 0.0
	outer1, outer2 := 0, 3
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 4; j++ {
			if dist := points[i].Sub(points[j]).Norm(); dist > maxDist {
				maxDist = dist
				outer1, outer2 = i, j
			}
		}
	}
	if maxDist < 1 {
		return 0
	}

	var inner []int
	for i := 0; i < 4; i++ {
		if i != outer1 && i != outer2 {
			inner = append(inner, i)
		}
	}
	return points[inner[0]].Sub(points[inner[1]]).Norm() / maxDist
}

// IntersectLines intersects two homogeneous lines. The caller must check the
// w component against Eps before normalizing.
func IntersectLines(l1, l2 r3.Vector) r3.Vector {
	return l1.Cross(l2)
}

// NormalizeHomogeneous scales a homogeneous point so that w == 1. It reports
// false when the point is at infinity.
func NormalizeHomogeneous(p r3.Vector) (r3.Vector, bool) {
	if math.Abs(p.Z) < Eps {
		return p, false
	}
	return p.Mul(1 / p.Z), true
}
