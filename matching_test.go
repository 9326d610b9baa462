package line3d

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/arcvision/line3d/geometry"
)

func TestMatchDepthsStrictlyPositive(t *testing.T) {
	e := newCubeEngine(t, []int{0, 1, 2, 3, 4, 5})
	test.That(t, e.Match(context.Background(), cubeMatchConfig()), test.ShouldBeNil)

	total := 0
	for _, perSeg := range e.matches {
		for _, list := range perSeg {
			for _, m := range list {
				test.That(t, m.DepthP1, test.ShouldBeGreaterThan, 0)
				test.That(t, m.DepthP2, test.ShouldBeGreaterThan, 0)
				test.That(t, m.DepthQ1, test.ShouldBeGreaterThan, 0)
				test.That(t, m.DepthQ2, test.ShouldBeGreaterThan, 0)
				total++
			}
		}
	}
	test.That(t, total, test.ShouldBeGreaterThan, 0)
}

func TestMatchOverlapAboveThreshold(t *testing.T) {
	e := newCubeEngine(t, []int{0, 1, 2, 3, 4, 5})
	cfg := cubeMatchConfig()
	test.That(t, e.Match(context.Background(), cfg), test.ShouldBeNil)

	for _, perSeg := range e.matches {
		for _, list := range perSeg {
			for _, m := range list {
				f, err := e.fundamental(m.SrcCam, m.TgtCam)
				test.That(t, err, test.ShouldBeNil)

				srcSeg := e.views[m.SrcCam].segments[m.SrcSeg]
				tgtSeg := e.views[m.TgtCam].segments[m.TgtSeg]
				p1 := geometry.Homogeneous(srcSeg.P1)
				p2 := geometry.Homogeneous(srcSeg.P2)
				q1 := geometry.Homogeneous(tgtSeg.P1)
				q2 := geometry.Homogeneous(tgtSeg.P2)
				l2 := q1.Cross(q2)

				p1proj, ok1 := geometry.NormalizeHomogeneous(l2.Cross(geometry.MulHomogeneous(f, p1)))
				p2proj, ok2 := geometry.NormalizeHomogeneous(l2.Cross(geometry.MulHomogeneous(f, p2)))
				test.That(t, ok1, test.ShouldBeTrue)
				test.That(t, ok2, test.ShouldBeTrue)

				overlap := geometry.MutualOverlap([4]r3.Vector{p1proj, p2proj, q1, q2})
				test.That(t, overlap, test.ShouldBeGreaterThan, cfg.EpipolarOverlap-1e-9)
			}
		}
	}
}

func TestFundamentalCacheTranspose(t *testing.T) {
	e := newCubeEngine(t, []int{0, 1})
	f01, err := e.fundamental(0, 1)
	test.That(t, err, test.ShouldBeNil)
	f10, err := e.fundamental(1, 0)
	test.That(t, err, test.ShouldBeNil)

	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			test.That(t, f10.At(r, c), test.ShouldAlmostEqual, f01.At(c, r), 1e-9)
		}
	}
}

func TestMatchIdempotent(t *testing.T) {
	e := newCubeEngine(t, []int{0, 1, 2, 3, 4, 5})
	cfg := cubeMatchConfig()

	test.That(t, e.Match(context.Background(), cfg), test.ShouldBeNil)
	first := map[int][][]Match{}
	for cam, perSeg := range e.matches {
		cp := make([][]Match, len(perSeg))
		for i, list := range perSeg {
			cp[i] = append([]Match(nil), list...)
		}
		first[cam] = cp
	}

	test.That(t, e.Match(context.Background(), cfg), test.ShouldBeNil)
	test.That(t, reflect.DeepEqual(e.matches, first), test.ShouldBeTrue)
}

func TestTwoCameraRigNoLines(t *testing.T) {
	// candidates exist between the two views, but with no third view there
	// is no 3D support, so reconstruction keeps nothing
	e := newCubeEngine(t, []int{0, 3})
	cfg := cubeMatchConfig()
	cfg.KNN = 1
	test.That(t, e.Match(context.Background(), cfg), test.ShouldBeNil)

	test.That(t, e.NumCandidates(0)+e.NumCandidates(3), test.ShouldBeGreaterThan, 0)

	rcfg := DefaultReconstructConfig()
	test.That(t, e.Reconstruct(context.Background(), rcfg), test.ShouldBeNil)
	test.That(t, len(e.Lines()), test.ShouldEqual, 0)
}

func TestKNNCapsMatchLists(t *testing.T) {
	e := newCubeEngine(t, []int{0, 1, 2, 3, 4, 5})
	cfg := cubeMatchConfig()
	cfg.KNN = 3
	test.That(t, e.Match(context.Background(), cfg), test.ShouldBeNil)

	for _, perSeg := range e.matches {
		for _, list := range perSeg {
			perTarget := map[int]int{}
			for _, m := range list {
				perTarget[m.TgtCam]++
			}
			for _, n := range perTarget {
				test.That(t, n, test.ShouldBeLessThanOrEqualTo, 3)
			}
		}
	}
}

func TestFixedWorldSpaceRegularizer(t *testing.T) {
	e := newCubeEngine(t, []int{0, 1, 2, 3, 4, 5})
	cfg := cubeMatchConfig()
	cfg.SigmaPosition = -0.01
	test.That(t, e.Match(context.Background(), cfg), test.ShouldBeNil)

	for _, v := range e.views {
		test.That(t, v.reg, test.ShouldAlmostEqual, 0.01, 1e-12)
	}
	test.That(t, e.outputFilename(), test.ShouldContainSubstring, "FXD_SIGMA_P")
}

func TestEstimatesAreArgmax(t *testing.T) {
	e := newCubeEngine(t, []int{0, 1, 2, 3, 4, 5})
	test.That(t, e.Match(context.Background(), cubeMatchConfig()), test.ShouldBeNil)
	test.That(t, len(e.estimates), test.ShouldBeGreaterThan, 0)

	for seg, idx := range e.entryMap {
		best := e.estimates[idx].match
		for _, m := range e.matches[seg.Cam][seg.Seg] {
			test.That(t, m.Score3D, test.ShouldBeLessThanOrEqualTo, best.Score3D)
		}
		test.That(t, best.Score3D, test.ShouldBeGreaterThan, minBestScore3D)
	}
}

func TestClampedParameters(t *testing.T) {
	cfg := MatchConfig{
		SigmaPosition:   1,
		SigmaAngle:      -120,
		NumNeighbors:    0,
		EpipolarOverlap: 2.5,
		MinBaseline:     -1,
	}.normalized()
	test.That(t, cfg.SigmaAngle, test.ShouldEqual, 90)
	test.That(t, cfg.NumNeighbors, test.ShouldEqual, 2)
	test.That(t, cfg.EpipolarOverlap, test.ShouldEqual, 0.99)
	test.That(t, cfg.MinBaseline, test.ShouldEqual, 0)

	rcfg := ReconstructConfig{VisibilityThreshold: 1}.normalized()
	test.That(t, rcfg.VisibilityThreshold, test.ShouldEqual, 3)
}

func TestTriangulationDepthsDegenerate(t *testing.T) {
	e := newCubeEngine(t, []int{0, 1})
	v0 := e.views[0]
	v1 := e.views[1]

	// identical target rays degenerate the plane normal
	q1 := geometry.Homogeneous(v1.segments[0].P1)
	d1, d2 := triangulationDepths(v0, v1, q1, q1, q1, q1)
	test.That(t, d1, test.ShouldEqual, -1)
	test.That(t, d2, test.ShouldEqual, -1)
	test.That(t, math.IsNaN(d1), test.ShouldBeFalse)
}
