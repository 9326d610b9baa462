package line3d

import (
	"context"
	"math"
	"sort"

	"github.com/arcvision/line3d/geometry"
	"github.com/arcvision/line3d/utils"
)

// scoreView rescores every candidate match of the source view by its
// 3D consistency with candidates into other target views. Returns the
// fraction of source segments that are clusterable (valid supports from at
// least two distinct target views).
func (e *Engine) scoreView(ctx context.Context, src int) float64 {
	v := e.views[src]
	k := v.reg

	numValid := 0
	utils.ForEach(ctx, len(e.matches[src]), func(i int) {
		validTargets := map[int]bool{}

		list := e.matches[src][i]
		for mi := range list {
			m := list[mi]
			score3D := 0.0
			scorePerCam := map[int]float64{}

			for _, m2 := range list {
				if m.TgtCam == m2.TgtCam {
					continue
				}
				sim := e.similarityForScoring(m, m2, k)
				if prev, ok := scorePerCam[m2.TgtCam]; ok {
					// same target camera: keep only the strongest support
					if sim > prev {
						score3D += sim - prev
						scorePerCam[m2.TgtCam] = sim
					}
				} else {
					score3D += sim
					scorePerCam[m2.TgtCam] = sim
				}
			}

			list[mi].Score3D = score3D
			if score3D > minScore3D {
				validTargets[m.TgtCam] = true
			}
		}

		if len(validTargets) > 1 {
			e.matchMu.Lock()
			numValid++
			e.matchMu.Unlock()
		}
	})

	if v.numSegments() == 0 {
		return 0
	}
	return float64(numValid) / float64(v.numSegments())
}

// similarityForScoring compares two candidate matches of the same source
// segment by the angular and positional agreement of their back-projected
// 3D segments. Truncated to 0 below the minimum similarity.
func (e *Engine) similarityForScoring(m1, m2 Match, k float64) float64 {
	s1 := e.unprojectMatch(m1, true)
	s2 := e.unprojectMatch(m2, true)
	if s1.Length() < geometry.Eps || s2.Length() < geometry.Eps {
		return 0
	}

	angle := geometry.AngleDeg(s1, s2, true)
	simA := math.Exp(-angle * angle / e.twoSigASqr)

	simP := 0.0
	if m1.SrcCam == m2.SrcCam && m1.SrcSeg == m2.SrcSeg {
		d1 := m1.DepthP1 - m2.DepthP1
		d2 := m1.DepthP2 - m2.DepthP2
		sig1 := m1.DepthP1 * k
		sig2 := m1.DepthP2 * k
		simP = math.Min(
			math.Exp(-d1*d1/(2*sig1*sig1)),
			math.Exp(-d2*d2/(2*sig2*sig2)),
		)
	}

	sim := math.Min(simA, simP)
	if sim > minSimilarity3D {
		return sim
	}
	return 0
}

// storeInverseMatches mirrors every positively scored match of src into the
// match tables of its still-unprocessed target views, to be rescored there.
func (e *Engine) storeInverseMatches(src int) {
	for i := range e.matches[src] {
		for _, m := range e.matches[src][i] {
			if m.Score3D > 0 && !e.processed[m.TgtCam] {
				e.matches[m.TgtCam][m.TgtSeg] = append(e.matches[m.TgtCam][m.TgtSeg], m.inverse())
				e.numMatches[m.TgtCam]++
			}
		}
	}
}

// filterMatches drops matches of src below the minimum 3D score, records
// the best match per segment in the estimates table and refreshes the
// view's median depth from the retained best-match depths.
func (e *Engine) filterMatches(ctx context.Context, src int) {
	var depths []float64
	numValid := 0

	utils.ForEach(ctx, len(e.matches[src]), func(i int) {
		var best Match

		kept := e.matches[src][i][:0]
		for _, m := range e.matches[src][i] {
			if m.Score3D > minScore3D {
				kept = append(kept, m)
				if m.Score3D > best.Score3D {
					best = m
				}
			}
		}
		e.matches[src][i] = kept

		e.matchMu.Lock()
		numValid += len(kept)
		e.matchMu.Unlock()

		if best.Score3D > minBestScore3D {
			seg := SegmentID{src, i}
			seg3D := e.unprojectMatch(best, true)
			e.estMu.Lock()
			e.entryMap[seg] = len(e.estimates)
			e.estimates = append(e.estimates, estimate{seg3D: seg3D, match: best})
			depths = append(depths, best.DepthP1, best.DepthP2)
			e.estMu.Unlock()
		}
	})

	e.numMatches[src] = numValid

	medDepth := geometry.Eps
	if len(depths) > 0 {
		sort.Float64s(depths)
		medDepth = depths[len(depths)/2]
	}
	if e.fixedRegularizer {
		e.views[src].updateMedianDepth(medDepth, e.sigmaP)
	} else {
		e.views[src].updateMedianDepth(medDepth, -1)
	}
}
