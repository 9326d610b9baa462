package cluster

import "sort"

// DefaultThreshold is the initial per-component merge threshold.
const DefaultThreshold = 3.0

// Perform clusters numNodes vertices over the given weighted edges.
// Edges are visited in order of increasing weight; two components merge when
// the edge weight passes both components' thresholds, which start at c and
// follow the merged component as w + c/size. Returns nil when there is
// nothing to cluster.
func Perform(edges []Edge, numNodes int, c float64) *Universe {
	if len(edges) == 0 || numNodes == 0 {
		return nil
	}

	sorted := make([]Edge, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].W < sorted[j].W })

	u := NewUniverse(numNodes)
	threshold := make([]float64, numNodes)
	for i := range threshold {
		threshold[i] = c
	}

	for _, e := range sorted {
		a := u.Find(e.I)
		b := u.Find(e.J)
		if a == b {
			continue
		}
		if e.W <= threshold[a] && e.W <= threshold[b] {
			u.Join(a, b)
			a = u.Find(a)
			threshold[a] = e.W + c/float64(u.Size(a))
		}
	}
	return u
}
