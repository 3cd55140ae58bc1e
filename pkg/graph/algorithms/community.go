package algorithms

import (
	"math"
	"sort"
)

// WeightedGraph adds edge multiplicity to Graph. Weight(a, b) is the number of edges
// linking a and b in either direction.
type WeightedGraph interface {
	Graph
	Weight(a, b string) float64
}

const modularityEpsilon = 1e-12

type community struct {
	key     int // position of the first member in the input order
	members []int
	a       float64 // fraction of edge ends attached to the community
}

// GreedyModularity partitions a connected set of nodes by agglomerative modularity
// maximisation: starting from singletons, it repeatedly merges the adjacent pair of
// communities with the largest positive gain ΔQ = 2(e_ij - a_i*a_j). Equal gains are
// broken by the communities' keys. Self-loops are ignored.
// Communities are returned ordered by key, members in input order.
func GreedyModularity(g WeightedGraph, nodes []string) [][]string {
	if len(nodes) == 0 {
		return nil
	}
	index := make(map[string]int, len(nodes))
	for i, id := range nodes {
		index[id] = i
	}

	// e[i][j]: fraction of edge ends between communities i and j, counted once per direction
	e := make(map[int]map[int]float64, len(nodes))
	degree := make([]float64, len(nodes))
	total := 0.0
	for i, id := range nodes {
		e[i] = make(map[int]float64)
		for _, other := range g.Neighbors(id) {
			j, ok := index[other]
			if !ok || j == i {
				continue
			}
			w := g.Weight(id, other)
			e[i][j] += w
			degree[i] += w
			total += w
		}
	}
	if total == 0 {
		groups := make([][]string, 0, len(nodes))
		for _, id := range nodes {
			groups = append(groups, []string{id})
		}
		return groups
	}

	communities := make(map[int]*community, len(nodes))
	for i := range nodes {
		communities[i] = &community{key: i, members: []int{i}, a: degree[i] / total}
		for j, w := range e[i] {
			e[i][j] = w / total
		}
	}

	for {
		bestGain := 0.0
		bestI, bestJ := -1, -1
		keys := sortedKeys(communities)
		for _, i := range keys {
			neighbours := sortedKeys(e[i])
			for _, j := range neighbours {
				if j <= i {
					continue
				}
				gain := 2 * (e[i][j] - communities[i].a*communities[j].a)
				if gain > bestGain+modularityEpsilon {
					bestGain, bestI, bestJ = gain, i, j
				}
			}
		}
		if bestI < 0 {
			break
		}
		merge(communities, e, bestI, bestJ)
	}

	result := make([][]string, 0, len(communities))
	for _, key := range sortedKeys(communities) {
		c := communities[key]
		sort.Ints(c.members)
		group := make([]string, 0, len(c.members))
		for _, m := range c.members {
			group = append(group, nodes[m])
		}
		result = append(result, group)
	}
	return result
}

// merge folds community j into community i (i < j)
func merge(communities map[int]*community, e map[int]map[int]float64, i, j int) {
	ci, cj := communities[i], communities[j]
	ci.members = append(ci.members, cj.members...)
	ci.a += cj.a

	for k, w := range e[j] {
		if k == i {
			continue
		}
		e[i][k] += w
		e[k][i] += w
		delete(e[k], j)
	}
	delete(e[i], j)
	delete(e, j)
	delete(communities, j)
}

// Modularity computes Q of a partition for reporting
func Modularity(g WeightedGraph, groups [][]string) float64 {
	of := make(map[string]int)
	for gi, group := range groups {
		for _, id := range group {
			of[id] = gi
		}
	}
	total := 0.0
	inside := make([]float64, len(groups))
	ends := make([]float64, len(groups))
	for id, gi := range of {
		for _, other := range g.Neighbors(id) {
			gj, ok := of[other]
			if !ok || other == id {
				continue
			}
			w := g.Weight(id, other)
			total += w
			ends[gi] += w
			if gi == gj {
				inside[gi] += w
			}
		}
	}
	if total == 0 {
		return 0
	}
	q := 0.0
	for gi := range groups {
		q += inside[gi]/total - math.Pow(ends[gi]/total, 2)
	}
	return q
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
