package line3d

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/arcvision/line3d/geometry"
)

// view holds the per-camera state of one registered image: calibration,
// pose, its detected 2D segments and the depth-dependent spatial
// regularizer. A view is immutable after registration except for median
// depth and regularizer updates.
type view struct {
	id     int
	k      *mat.Dense
	r      *mat.Dense
	t      r3.Vector
	center r3.Vector
	rtKinv *mat.Dense

	width    int
	height   int
	diagonal float64
	// minimum pixel length for a reprojected 3D segment to count
	minLineLength float64

	segments []geometry.Segment2D

	medianDepth float64
	medianSigma float64
	reg         float64

	collinear [][]int
}

func newView(id int, k, r *mat.Dense, t r3.Vector, width, height int,
	medianDepth float64, segments []geometry.Segment2D,
) (*view, error) {
	var kinv mat.Dense
	if err := kinv.Inverse(k); err != nil {
		return nil, err
	}
	rtKinv := mat.NewDense(3, 3, nil)
	rtKinv.Mul(r.T(), &kinv)

	// camera center C = -R^T * t
	tv := mat.NewVecDense(3, []float64{t.X, t.Y, t.Z})
	var c mat.VecDense
	c.MulVec(r.T(), tv)

	diagonal := math.Hypot(float64(width), float64(height))
	if medianDepth < geometry.Eps {
		medianDepth = geometry.Eps
	}

	return &view{
		id:            id,
		k:             mat.DenseCopyOf(k),
		r:             mat.DenseCopyOf(r),
		t:             t,
		center:        r3.Vector{X: -c.AtVec(0), Y: -c.AtVec(1), Z: -c.AtVec(2)},
		rtKinv:        rtKinv,
		width:         width,
		height:        height,
		diagonal:      diagonal,
		minLineLength: diagonal * defaultMinLineLengthFactor,
		segments:      segments,
		medianDepth:   medianDepth,
	}, nil
}

func (v *view) numSegments() int {
	return len(v.segments)
}

// ray returns the unit direction of the viewing ray through the homogeneous
// pixel p, in world coordinates.
func (v *view) ray(p r3.Vector) r3.Vector {
	d := geometry.MulHomogeneous(v.rtKinv, p)
	n := d.Norm()
	if n < geometry.Eps {
		return r3.Vector{}
	}
	return d.Mul(1 / n)
}

// segmentRay returns the viewing ray through one endpoint of a stored
// segment; first selects P1, otherwise P2.
func (v *view) segmentRay(segID int, first bool) r3.Vector {
	s := v.segments[segID]
	if first {
		return v.ray(geometry.Homogeneous(s.P1))
	}
	return v.ray(geometry.Homogeneous(s.P2))
}

// unprojectSegment back-projects a stored 2D segment at the given endpoint
// depths.
func (v *view) unprojectSegment(segID int, d1, d2 float64) geometry.Segment3D {
	return geometry.Segment3D{
		P1: v.center.Add(v.segmentRay(segID, true).Mul(d1)),
		P2: v.center.Add(v.segmentRay(segID, false).Mul(d2)),
	}
}

// computeSpatialRegularizer converts a pixel-space positional uncertainty
// into the view's radians-per-unit-depth scale k.
func (v *view) computeSpatialRegularizer(sigmaPpx float64) {
	focal := (v.k.At(0, 0) + v.k.At(1, 1)) / 2
	v.reg = sigmaPpx / focal
	v.medianSigma = v.medianDepth * v.reg
}

// updateK installs a fixed world-space regularizer.
func (v *view) updateK(sigmaPworld float64) {
	v.reg = sigmaPworld
	v.medianSigma = v.medianDepth * v.reg
}

// updateMedianDepth replaces the view's median depth; a positive sigmaP
// re-fixes the world-space regularizer first.
func (v *view) updateMedianDepth(depth, sigmaP float64) {
	if depth < geometry.Eps {
		depth = geometry.Eps
	}
	v.medianDepth = depth
	if sigmaP > 0 {
		v.reg = sigmaP
	}
	v.medianSigma = v.medianDepth * v.reg
}

// opticalAxis returns the world-space direction of the camera's z axis.
func (v *view) opticalAxis() r3.Vector {
	return r3.Vector{X: v.r.At(2, 0), Y: v.r.At(2, 1), Z: v.r.At(2, 2)}
}

// opticalAxisAngle returns the angle in radians between the optical axes of
// two views.
func (v *view) opticalAxisAngle(other *view) float64 {
	dot := v.opticalAxis().Dot(other.opticalAxis())
	return math.Acos(math.Max(math.Min(dot, 1), -1))
}

// baseline returns the distance between the two camera centers.
func (v *view) baseline(other *view) float64 {
	return v.center.Sub(other.center).Norm()
}

// project maps a world point into pixel coordinates. The second return is
// false when the point projects behind or onto the camera plane.
func (v *view) project(p r3.Vector) (r3.Vector, bool) {
	pv := mat.NewVecDense(3, []float64{p.X, p.Y, p.Z})
	var cam mat.VecDense
	cam.MulVec(v.r, pv)
	q := r3.Vector{
		X: cam.AtVec(0) + v.t.X,
		Y: cam.AtVec(1) + v.t.Y,
		Z: cam.AtVec(2) + v.t.Z,
	}
	pix := geometry.MulHomogeneous(v.k, q)
	return geometry.NormalizeHomogeneous(pix)
}

// projectedLongEnough reports whether a 3D segment reprojects into this view
// with at least the minimum pixel length.
func (v *view) projectedLongEnough(seg geometry.Segment3D) bool {
	p1, ok1 := v.project(seg.P1)
	p2, ok2 := v.project(seg.P2)
	if !ok1 || !ok2 {
		return false
	}
	return math.Hypot(p1.X-p2.X, p1.Y-p2.Y) >= v.minLineLength
}

// findCollinearSegments computes, per segment, the other segments of this
// view whose endpoints all lie within tau pixels of each other's infinite
// lines.
func (v *view) findCollinearSegments(tau float64) {
	n := len(v.segments)
	v.collinear = make([][]int, n)
	if tau < geometry.Eps {
		return
	}
	for i := 0; i < n; i++ {
		si := v.segments[i]
		for j := i + 1; j < n; j++ {
			sj := v.segments[j]
			if si.DistanceToPoint(sj.P1) < tau && si.DistanceToPoint(sj.P2) < tau &&
				sj.DistanceToPoint(si.P1) < tau && sj.DistanceToPoint(si.P2) < tau {
				v.collinear[i] = append(v.collinear[i], j)
				v.collinear[j] = append(v.collinear[j], i)
			}
		}
	}
}

// collinearSegments returns the collinearity group of a segment, or nil when
// collinearity was not computed.
func (v *view) collinearSegments(segID int) []int {
	if v.collinear == nil || segID >= len(v.collinear) {
		return nil
	}
	return v.collinear[segID]
}
