package algorithms

import (
	"context"
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

type TraversalType string

const (
	BFS TraversalType = "BFS"
	DFS TraversalType = "DFS"
)

// Graph is the read-only adjacency view the algorithms work on.
// Neighbors must return the undirected neighbours of a node in a stable order.
type Graph interface {
	HasNode(id string) bool
	Neighbors(id string) []string
}

type GraphTraversal struct {
	graph Graph
}

func NewGraphTraversal(g Graph) *GraphTraversal {
	return &GraphTraversal{graph: g}
}

// Traverse visits nodes reachable from startID within maxDepth hops, startID included
func (t *GraphTraversal) Traverse(ctx context.Context, startID string, maxDepth int, traversalType TraversalType) ([]string, error) {
	if !t.graph.HasNode(startID) {
		return nil, fmt.Errorf("unknown start node: %s", startID)
	}
	visited := mapset.NewThreadUnsafeSet[string]()

	switch traversalType {
	case BFS:
		return t.bfs(ctx, startID, maxDepth, visited)
	case DFS:
		result := make([]string, 0)
		return t.dfs(ctx, startID, maxDepth, visited, &result)
	default:
		return nil, fmt.Errorf("unsupported traversal type: %s", traversalType)
	}
}

func (t *GraphTraversal) bfs(ctx context.Context, startID string, maxDepth int, visited mapset.Set[string]) ([]string, error) {
	queue := []string{startID}
	visited.Add(startID)
	result := make([]string, 0)
	depth := 0

	for len(queue) > 0 && depth <= maxDepth {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		levelSize := len(queue)
		for i := 0; i < levelSize; i++ {
			current := queue[0]
			queue = queue[1:]
			result = append(result, current)

			for _, next := range t.graph.Neighbors(current) {
				if !visited.Contains(next) {
					visited.Add(next)
					queue = append(queue, next)
				}
			}
		}
		depth++
	}

	return result, nil
}

func (t *GraphTraversal) dfs(ctx context.Context, currentID string, maxDepth int, visited mapset.Set[string], result *[]string) ([]string, error) {
	if maxDepth < 0 || visited.Contains(currentID) {
		return *result, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	visited.Add(currentID)
	*result = append(*result, currentID)

	for _, next := range t.graph.Neighbors(currentID) {
		if !visited.Contains(next) {
			if _, err := t.dfs(ctx, next, maxDepth-1, visited, result); err != nil {
				return nil, err
			}
		}
	}

	return *result, nil
}

// Distances runs an undirected BFS from start and returns the hop count of every reachable node
func Distances(g Graph, start string) map[string]int {
	dist := map[string]int{start: 0}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.Neighbors(current) {
			if _, seen := dist[next]; !seen {
				dist[next] = dist[current] + 1
				queue = append(queue, next)
			}
		}
	}
	return dist
}

// ShortestPaths returns up to limit shortest paths from source to target whose length
// does not exceed maxHops. Paths are ordered by their label sequence, then by their ID
// sequence.
func ShortestPaths(g Graph, source, target string, maxHops, limit int, label func(id string) string) [][]string {
	if source == target {
		return [][]string{{source}}
	}
	fromSource := Distances(g, source)
	total, ok := fromSource[target]
	if !ok || total > maxHops {
		return nil
	}
	fromTarget := Distances(g, target)

	var paths [][]string
	path := []string{source}
	var walk func(current string)
	walk = func(current string) {
		if current == target {
			paths = append(paths, append([]string(nil), path...))
			return
		}
		for _, n := range g.Neighbors(current) {
			ds, okS := fromSource[n]
			dt, okT := fromTarget[n]
			if !okS || !okT || ds != fromSource[current]+1 || ds+dt != total {
				continue
			}
			path = append(path, n)
			walk(n)
			path = path[:len(path)-1]
		}
	}
	walk(source)

	sort.Slice(paths, func(i, j int) bool { return comparePaths(paths[i], paths[j], label) < 0 })
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	return paths
}

// comparePaths orders equal-length paths by labels position by position, then by IDs
func comparePaths(a, b []string, label func(id string) string) int {
	for i := range a {
		if la, lb := label(a[i]), label(b[i]); la != lb {
			return strings.Compare(la, lb)
		}
	}
	for i := range a {
		if a[i] != b[i] {
			return strings.Compare(a[i], b[i])
		}
	}
	return 0
}

// ConnectedComponents groups nodes by undirected reachability. Components are listed in
// the order of their first member in nodes, members in that same order.
func ConnectedComponents(g Graph, nodes []string) [][]string {
	assigned := mapset.NewThreadUnsafeSet[string]()
	components := make([][]string, 0)
	for _, start := range nodes {
		if assigned.Contains(start) {
			continue
		}
		members := mapset.NewThreadUnsafeSet[string]()
		for id := range Distances(g, start) {
			members.Add(id)
			assigned.Add(id)
		}
		component := make([]string, 0, members.Cardinality())
		for _, id := range nodes {
			if members.Contains(id) {
				component = append(component, id)
			}
		}
		components = append(components, component)
	}
	return components
}
