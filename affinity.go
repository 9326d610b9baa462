package line3d

import (
	"context"
	"math"

	"github.com/arcvision/line3d/cluster"
	"github.com/arcvision/line3d/geometry"
	"github.com/arcvision/line3d/utils"
)

// buildAffinity constructs the symmetric sparse affinity graph over all 2D
// segments that hold 3D estimates, optionally extended by same-view
// collinear segments. Fanned out over estimates; the edge list, the dense
// local-id map and the symmetric used-set are guarded independently.
func (e *Engine) buildAffinity(ctx context.Context) {
	e.affinity = nil
	e.global2local = map[SegmentID]int{}
	e.local2global = nil
	e.used = map[SegmentID]map[SegmentID]bool{}

	utils.ForEach(ctx, len(e.estimates), func(i int) {
		seg3D := e.estimates[i].seg3D
		m := e.estimates[i].match
		seg2D := m.srcID()
		foundAff := false
		id1 := -1

		for _, m2 := range e.matches[m.SrcCam][m.SrcSeg] {
			tgt2D := m2.tgtID()

			sim := e.similarity(seg3D, m, tgt2D, false)
			if sim > minAffinity && e.unused(seg2D, tgt2D) {
				if id1 < 0 {
					id1 = e.localID(seg2D)
				}
				id2 := e.localID(tgt2D)
				e.pushAffinity(id1, id2, sim)
				foundAff = true

				// links to potentially collinear segments in the target view
				if e.collinearityT > geometry.Eps {
					for _, collSeg := range e.views[tgt2D.Cam].collinearSegments(tgt2D.Seg) {
						coll2D := SegmentID{tgt2D.Cam, collSeg}
						collSim := e.similarity(seg3D, m, coll2D, false)
						if collSim > minAffinity && e.unused(seg2D, coll2D) {
							e.pushAffinity(id1, e.localID(coll2D), collSim)
						}
					}
				}
			}
		}

		// links to potentially collinear segments in the source view
		if foundAff && id1 >= 0 && e.collinearityT > geometry.Eps {
			for _, collSeg := range e.views[seg2D.Cam].collinearSegments(seg2D.Seg) {
				coll2D := SegmentID{seg2D.Cam, collSeg}
				sim := e.similarity(seg3D, m, coll2D, false)
				if sim > minAffinity && e.unused(seg2D, coll2D) {
					e.pushAffinity(id1, e.localID(coll2D), sim)
				}
			}
		}
	})

	e.used = nil
}

// pushAffinity appends an edge and its mirror.
func (e *Engine) pushAffinity(i, j int, w float64) {
	e.affMu.Lock()
	e.affinity = append(e.affinity, cluster.Edge{I: i, J: j, W: w}, cluster.Edge{I: j, J: i, W: w})
	e.affMu.Unlock()
}

// unused reports whether the unordered pair has not been considered before,
// marking it used as a side effect.
func (e *Engine) unused(seg1, seg2 SegmentID) bool {
	e.usedMu.Lock()
	defer e.usedMu.Unlock()
	if e.used[seg1][seg2] {
		return false
	}
	if e.used[seg1] == nil {
		e.used[seg1] = map[SegmentID]bool{}
	}
	if e.used[seg2] == nil {
		e.used[seg2] = map[SegmentID]bool{}
	}
	e.used[seg1][seg2] = true
	e.used[seg2][seg1] = true
	return true
}

// localID returns the dense local id of a segment, allocating one on first
// sight.
func (e *Engine) localID(seg SegmentID) int {
	e.affIDMu.Lock()
	defer e.affIDMu.Unlock()
	if id, ok := e.global2local[seg]; ok {
		return id
	}
	id := len(e.local2global)
	e.global2local[seg] = id
	e.local2global = append(e.local2global, seg)
	return id
}

// similarity compares an estimated 3D segment with the 3D estimate of
// another 2D segment, combining angular agreement with endpoint-symmetric
// point-to-line distances regularized by depth-dependent sigmas capped at
// each view's median sigma. Returns 0 when seg2 has no estimate.
func (e *Engine) similarity(s1 geometry.Segment3D, m1 Match, seg2 SegmentID, truncate bool) float64 {
	ent2, ok := e.entryMap[seg2]
	if !ok {
		return 0
	}
	s2 := e.estimates[ent2].seg3D
	m2 := e.estimates[ent2].match

	if s1.Length() < geometry.Eps || s2.Length() < geometry.Eps {
		return 0
	}

	v1 := e.views[m1.SrcCam]
	v2 := e.views[m2.SrcCam]

	angle := geometry.AngleDeg(s1, s2, true)
	simA := math.Exp(-angle * angle / e.twoSigASqr)

	d11 := s2.DistanceToPoint(s1.P1)
	d12 := s2.DistanceToPoint(s1.P2)
	d21 := s1.DistanceToPoint(s2.P1)
	d22 := s1.DistanceToPoint(s2.P2)

	sig11 := depthSigma(m1.DepthP1, v1)
	sig12 := depthSigma(m1.DepthP2, v1)
	sig21 := depthSigma(m2.DepthP1, v2)
	sig22 := depthSigma(m2.DepthP2, v2)

	simP1 := math.Min(
		math.Exp(-d11*d11/(2*sig11*sig11)),
		math.Exp(-d12*d12/(2*sig12*sig12)),
	)
	simP2 := math.Min(
		math.Exp(-d21*d21/(2*sig21*sig21)),
		math.Exp(-d22*d22/(2*sig22*sig22)),
	)

	sim := math.Min(simA, math.Min(simP1, simP2))
	if truncate && sim <= minSimilarity3D {
		return 0
	}
	return sim
}

// depthSigma converts an endpoint depth into a positional sigma, capped at
// the view's median sigma.
func depthSigma(depth float64, v *view) float64 {
	if depth > v.medianDepth {
		return v.medianSigma
	}
	return depth * v.reg
}
