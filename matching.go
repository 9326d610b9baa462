package line3d

import (
	"context"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/arcvision/line3d/geometry"
	"github.com/arcvision/line3d/utils"
)

// pairBackend is the strategy seam for the two heavy pipeline stages.
// The engine itself is the CPU implementation; an accelerator-backed
// variant can be swapped in without touching the surrounding pipeline.
type pairBackend interface {
	matchPair(ctx context.Context, src, tgt int, f *mat.Dense)
	scoreView(ctx context.Context, src int) float64
}

// Match runs visual-neighbor selection, pairwise epipolar matching and
// 3D-consistency scoring over all registered views. Previous matches are
// discarded. The view registry is held exclusively for the whole phase.
func (e *Engine) Match(ctx context.Context, cfg MatchConfig) error {
	e.reserveMu.Lock()
	defer e.reserveMu.Unlock()
	e.viewMu.Lock()
	defer e.viewMu.Unlock()

	if len(e.views) == 0 {
		e.logger.Warn("no images to match; forgot to add them?")
		return nil
	}

	e.matchCfg = cfg.normalized()
	e.twoSigASqr = 2 * e.matchCfg.SigmaAngle * e.matchCfg.SigmaAngle

	// negative sigma selects a fixed world-space regularizer
	if e.matchCfg.SigmaPosition < 0 {
		e.fixedRegularizer = true
		e.sigmaP = -e.matchCfg.SigmaPosition
	} else {
		e.fixedRegularizer = false
		e.sigmaP = e.matchCfg.SigmaPosition
		if e.sigmaP < 0.1 {
			e.sigmaP = 0.1
		}
	}

	// reset pipeline state from any previous run
	e.matched = map[int]map[int]bool{}
	e.estimates = nil
	e.entryMap = map[SegmentID]int{}

	if e.fixedRegularizer {
		e.logger.Infow("computing spatial regularizers", "sigma_p_world", e.sigmaP)
	} else {
		e.logger.Infow("computing spatial regularizers", "sigma_p_px", e.sigmaP)
	}
	utils.ForEach(ctx, len(e.viewOrder), func(i int) {
		camID := e.viewOrder[i]
		v := e.views[camID]
		if e.fixedRegularizer {
			v.updateK(e.sigmaP)
		} else {
			v.computeSpatialRegularizer(e.sigmaP)
		}
		e.matches[camID] = make([][]Match, v.numSegments())
		e.matchMu.Lock()
		e.numMatches[camID] = 0
		e.numCandidates[camID] = 0
		e.matchMu.Unlock()
		e.processed[camID] = false
	})

	e.logger.Infow("computing visual neighbors", "num_neighbors", e.matchCfg.NumNeighbors)
	utils.ForEach(ctx, len(e.viewOrder), func(i int) {
		e.computeNeighbors(e.viewOrder[i])
	})

	e.logger.Info("computing matches")
	e.computeMatches(ctx)
	return nil
}

// computeMatches walks the views in registration order: match each view
// against its unmatched neighbors, score it, store inverse matches into
// unprocessed views, filter, and mark it processed.
func (e *Engine) computeMatches(ctx context.Context) {
	for _, src := range e.viewOrder {
		for _, tgt := range e.sortedNeighbors(src) {
			if e.matched[src][tgt] {
				continue
			}
			f, err := e.fundamental(src, tgt)
			if err != nil {
				e.logger.Warnw("skipping pair with degenerate calibration", "src", src, "tgt", tgt, "error", err)
				continue
			}
			e.backend.matchPair(ctx, src, tgt, f)
			if e.matched[src] == nil {
				e.matched[src] = map[int]bool{}
			}
			if e.matched[tgt] == nil {
				e.matched[tgt] = map[int]bool{}
			}
			e.matched[src][tgt] = true
			e.matched[tgt][src] = true
		}

		validFraction := e.backend.scoreView(ctx, src)
		e.logger.Infow("scored view", "cam", src, "clusterable_segments_pct", int(validFraction*100))

		e.storeInverseMatches(src)
		e.filterMatches(ctx, src)
		e.processed[src] = true

		e.logger.Infow("matched view", "cam", src,
			"matches", e.numMatches[src], "median_depth", e.views[src].medianDepth)
	}
}

// fundamental returns the cached fundamental matrix for (src,tgt),
// computing it on demand. The reverse orientation is served as the
// transpose. Called with viewMu held.
func (e *Engine) fundamental(src, tgt int) (*mat.Dense, error) {
	if f, ok := e.fundamentals[src][tgt]; ok {
		return f, nil
	}
	if f, ok := e.fundamentals[tgt][src]; ok {
		ft := mat.NewDense(3, 3, nil)
		ft.Copy(f.T())
		return ft, nil
	}

	vs, vt := e.views[src], e.views[tgt]
	f, err := geometry.Fundamental(vs.k, vs.r, vs.t, vt.k, vt.r, vt.t)
	if err != nil {
		return nil, err
	}
	if e.fundamentals[src] == nil {
		e.fundamentals[src] = map[int]*mat.Dense{}
	}
	e.fundamentals[src][tgt] = f
	return f, nil
}

// matchPair generates candidate matches from every segment of src into tgt,
// fanned out over source segments.
func (e *Engine) matchPair(ctx context.Context, src, tgt int, f *mat.Dense) {
	vSrc := e.views[src]
	vTgt := e.views[tgt]

	utils.ForEach(ctx, vSrc.numSegments(), func(r int) {
		seg := vSrc.segments[r]
		p1 := geometry.Homogeneous(seg.P1)
		p2 := geometry.Homogeneous(seg.P2)

		epiP1 := geometry.MulHomogeneous(f, p1)
		epiP2 := geometry.MulHomogeneous(f, p2)

		var found []Match
		for c := 0; c < vTgt.numSegments(); c++ {
			tseg := vTgt.segments[c]
			q1 := geometry.Homogeneous(tseg.P1)
			q2 := geometry.Homogeneous(tseg.P2)
			l2 := q1.Cross(q2)

			p1proj, ok1 := geometry.NormalizeHomogeneous(geometry.IntersectLines(l2, epiP1))
			p2proj, ok2 := geometry.NormalizeHomogeneous(geometry.IntersectLines(l2, epiP2))
			if !ok1 || !ok2 {
				continue
			}

			score := geometry.MutualOverlap([4]r3.Vector{p1proj, p2proj, q1, q2})
			if score <= e.matchCfg.EpipolarOverlap {
				continue
			}

			d1, d2 := triangulationDepths(vSrc, vTgt, p1, p2, q1, q2)
			d3, d4 := triangulationDepths(vTgt, vSrc, q1, q2, p1, p2)
			if d1 <= geometry.Eps || d2 <= geometry.Eps || d3 <= geometry.Eps || d4 <= geometry.Eps {
				continue
			}

			found = append(found, Match{
				SrcCam:       src,
				SrcSeg:       r,
				TgtCam:       tgt,
				TgtSeg:       c,
				OverlapScore: score,
				DepthP1:      d1,
				DepthP2:      d2,
				DepthQ1:      d3,
				DepthQ2:      d4,
			})
		}

		if e.matchCfg.KNN > 0 {
			sort.SliceStable(found, func(i, j int) bool {
				return found[i].OverlapScore > found[j].OverlapScore
			})
			if len(found) > e.matchCfg.KNN {
				found = found[:e.matchCfg.KNN]
			}
		}

		e.matches[src][r] = append(e.matches[src][r], found...)

		e.matchMu.Lock()
		e.numCandidates[src] += len(found)
		e.matchMu.Unlock()
	})
}

// triangulationDepths intersects the viewing rays of p1,p2 (src) with the
// plane spanned by the target camera center and the rays through q1,q2.
// Returns (-1,-1) when a ray is near-parallel to the plane.
func triangulationDepths(src, tgt *view, p1, p2, q1, q2 r3.Vector) (float64, float64) {
	c1 := src.center
	rayP1 := src.ray(p1)
	rayP2 := src.ray(p2)

	c2 := tgt.center
	n := tgt.ray(q1).Cross(tgt.ray(q2))
	nn := n.Norm()
	if nn < geometry.Eps {
		return -1, -1
	}
	n = n.Mul(1 / nn)

	den1 := rayP1.Dot(n)
	den2 := rayP2.Dot(n)
	if den1 < geometry.Eps && den1 > -geometry.Eps {
		return -1, -1
	}
	if den2 < geometry.Eps && den2 > -geometry.Eps {
		return -1, -1
	}

	num := c2.Dot(n) - c1.Dot(n)
	return num / den1, num / den2
}
