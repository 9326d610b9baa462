package cluster

// Diffuse reweights a symmetric non-negative affinity edge set by running a
// few replicator-dynamics iterations over each vertex's incident weights and
// min-symmetrizing the result. The returned edge set covers the same vertex
// support as the input; weights stay non-negative.
func Diffuse(edges []Edge, numNodes, iterations int) []Edge {
	if len(edges) == 0 || numNodes == 0 {
		return edges
	}
	if iterations <= 0 {
		iterations = 10
	}

	// adjacency with current weights
	adj := make([]map[int]float64, numNodes)
	for i := range adj {
		adj[i] = map[int]float64{}
	}
	for _, e := range edges {
		if e.I >= 0 && e.I < numNodes && e.J >= 0 && e.J < numNodes {
			adj[e.I][e.J] = e.W
		}
	}

	for i := 0; i < numNodes; i++ {
		neighbors := make([]int, 0, len(adj[i]))
		x := make([]float64, 0, len(adj[i]))
		sum := 0.0
		for j, w := range adj[i] {
			neighbors = append(neighbors, j)
			x = append(x, w)
			sum += w
		}
		if sum < 1e-12 {
			continue
		}
		for k := range x {
			x[k] /= sum
		}

		// replicator dynamics on the local support: x <- x*(Wx)/x'Wx,
		// where W couples neighbors that are themselves connected.
		for it := 0; it < iterations; it++ {
			wx := make([]float64, len(x))
			var fitness float64
			for a, ja := range neighbors {
				for b, jb := range neighbors {
					w := adj[i][jb]
					if a != b {
						if cross, ok := adj[ja][jb]; ok {
							w = cross
						} else {
							w = 0
						}
					}
					wx[a] += w * x[b]
				}
				fitness += x[a] * wx[a]
			}
			if fitness < 1e-12 {
				break
			}
			for a := range x {
				x[a] = x[a] * wx[a] / fitness
			}
		}

		// scale back to the original total mass
		for k, j := range neighbors {
			adj[i][j] = x[k] * sum
		}
	}

	// min-symmetrize
	out := make([]Edge, 0, len(edges))
	for i := 0; i < numNodes; i++ {
		for j, wij := range adj[i] {
			wji, ok := adj[j][i]
			w := wij
			if ok && wji < w {
				w = wji
			}
			out = append(out, Edge{I: i, J: j, W: w})
		}
	}
	return out
}
