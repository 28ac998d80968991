package dag

import "sort"

// Layer is one rank of the dashboard's DAG visualization: all groups whose
// longest path from a root has the same length, ordered to minimize edge
// crossings against the layer above.
type Layer struct {
	Index  int
	Groups []string // GroupIDs, in display order
}

// Layout computes per-layer barycenter orderings. This is not required for
// scheduling correctness (only GetDueManifests' predecessor-completion
// check is), only for stable, crossing-minimized dashboard rendering.
func (g *Graph) Layout() []Layer {
	rank := g.longestPathRanks()

	maxRank := 0
	for _, r := range rank {
		if r > maxRank {
			maxRank = r
		}
	}

	layers := make([]Layer, maxRank+1)
	for i := range layers {
		layers[i].Index = i
	}
	for id, r := range rank {
		layers[r].Groups = append(layers[r].Groups, id)
	}

	// Layer 0: alphabetical by group name for a deterministic seed.
	sort.Slice(layers[0].Groups, func(i, j int) bool {
		return g.displayName(layers[0].Groups[i]) < g.displayName(layers[0].Groups[j])
	})

	// Subsequent layers: order by the mean position of each node's
	// parents in the prior layer (barycenter heuristic), tie-broken
	// alphabetically by group name for reproducible rendering.
	position := make(map[string]int)
	for _, id := range layers[0].Groups {
		position[id] = len(position)
	}

	for l := 1; l < len(layers); l++ {
		ids := layers[l].Groups
		barycenter := make(map[string]float64, len(ids))
		for _, id := range ids {
			parents := g.Parents(id)
			if len(parents) == 0 {
				barycenter[id] = -1 // no parents placed yet: sort first, alphabetically
				continue
			}
			sum := 0
			n := 0
			for _, p := range parents {
				if pos, ok := position[p]; ok {
					sum += pos
					n++
				}
			}
			if n == 0 {
				barycenter[id] = -1
			} else {
				barycenter[id] = float64(sum) / float64(n)
			}
		}

		sort.SliceStable(ids, func(i, j int) bool {
			bi, bj := barycenter[ids[i]], barycenter[ids[j]]
			if bi != bj {
				return bi < bj
			}
			return g.displayName(ids[i]) < g.displayName(ids[j])
		})

		for i, id := range ids {
			position[id] = i
		}
		layers[l].Groups = ids
	}

	return layers
}

// longestPathRanks assigns each node the length of its longest path from a
// root (a node with no parents), via a topological relaxation. Callers must
// have already validated acyclicity.
func (g *Graph) longestPathRanks() map[string]int {
	rank := make(map[string]int, len(g.nodes))
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.parents[id])
		rank[id] = 0
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, c := range g.Children(id) {
			if rank[id]+1 > rank[c] {
				rank[c] = rank[id] + 1
			}
			inDegree[c]--
			if inDegree[c] == 0 {
				queue = insertSorted(queue, c)
			}
		}
	}

	return rank
}
