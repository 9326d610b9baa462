package line3d

import (
	"sort"
)

// maximum optical-axis angle (radians) for a view to qualify as a neighbor
const maxAxisAngle = 1.571

// visualNeighbor is a scored neighbor candidate.
type visualNeighbor struct {
	camID int
	score float64
}

// computeNeighbors fills the neighbor set of one view, either from its
// fixed neighbor list or from shared tie-point overlap. Called with viewMu
// held; safe to run in parallel across distinct views.
func (e *Engine) computeNeighbors(camID int) {
	if fixed, ok := e.fixedNeighbors[camID]; ok {
		if len(e.neighbors[camID]) == 0 {
			for _, n := range fixed {
				if _, registered := e.views[n]; registered {
					e.neighbors[camID][n] = true
				}
			}
		}
		return
	}
	e.findNeighborsFromWPs(camID)
}

// findNeighborsFromWPs scores every other view by shared tie-point support
// and admits up to NumNeighbors of them greedily, subject to the baseline
// constraint against the view itself and all previously admitted neighbors.
func (e *Engine) findNeighborsFromWPs(camID int) {
	admitted := map[int]bool{}
	e.neighbors[camID] = admitted

	commonWPs := map[int]int{}
	for _, wp := range e.views2wps[camID] {
		for _, vID := range e.wps2views[wp] {
			if vID != camID {
				commonWPs[vID]++
			}
		}
	}
	if len(commonWPs) == 0 {
		return
	}

	v := e.views[camID]
	candidates := make([]visualNeighbor, 0, len(commonWPs))
	for vID, common := range commonWPs {
		vn := visualNeighbor{
			camID: vID,
			score: 2 * float64(common) / float64(e.numWPs[camID]+e.numWPs[vID]),
		}
		if v.opticalAxisAngle(e.views[vID]) < maxAxisAngle {
			candidates = append(candidates, vn)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].camID < candidates[j].camID
	})

	for _, vn := range candidates {
		if len(admitted) >= e.matchCfg.NumNeighbors {
			break
		}
		if admitted[vn.camID] {
			continue
		}
		if !(v.baseline(e.views[vn.camID]) > e.matchCfg.MinBaseline) {
			continue
		}
		valid := true
		for other := range admitted {
			if !(e.views[vn.camID].baseline(e.views[other]) > e.matchCfg.MinBaseline) {
				valid = false
				break
			}
		}
		if valid {
			admitted[vn.camID] = true
		}
	}
}

// sortedNeighbors returns the neighbor ids of a view in ascending order for
// deterministic pair traversal.
func (e *Engine) sortedNeighbors(camID int) []int {
	out := make([]int, 0, len(e.neighbors[camID]))
	for n := range e.neighbors[camID] {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
