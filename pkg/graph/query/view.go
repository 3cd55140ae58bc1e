package query

import (
	"sort"
	"strings"

	"github.com/athapong/kgraph/pkg/graph"
)

// view adapts a snapshot to the undirected algorithms.Graph and algorithms.WeightedGraph
// interfaces. Self-loops are left out of the adjacency.
type view struct {
	snap      *graph.Snapshot
	nodes     map[string]graph.Node
	neighbors map[string][]string
	weights   map[[2]string]float64
}

func newView(snap *graph.Snapshot) *view {
	v := &view{
		snap:      snap,
		nodes:     make(map[string]graph.Node, snap.NodeCount()),
		neighbors: make(map[string][]string, snap.NodeCount()),
		weights:   make(map[[2]string]float64, snap.EdgeCount()),
	}
	for _, n := range snap.Nodes() {
		v.nodes[n.ID] = n
	}
	for _, e := range snap.Edges() {
		if e.Source == e.Target {
			continue
		}
		k := pair(e.Source, e.Target)
		if v.weights[k] == 0 {
			v.neighbors[e.Source] = append(v.neighbors[e.Source], e.Target)
			v.neighbors[e.Target] = append(v.neighbors[e.Target], e.Source)
		}
		v.weights[k]++
	}
	for id := range v.neighbors {
		sort.Strings(v.neighbors[id])
	}
	return v
}

func (v *view) HasNode(id string) bool {
	_, ok := v.nodes[id]
	return ok
}

func (v *view) Neighbors(id string) []string { return v.neighbors[id] }

func (v *view) Weight(a, b string) float64 { return v.weights[pair(a, b)] }

// label returns the label of node id
func (v *view) label(id string) string { return v.nodes[id].Label }

// less orders node IDs by label, then ID
func (v *view) less(a, b string) bool {
	la, lb := v.nodes[a].Label, v.nodes[b].Label
	if la != lb {
		return la < lb
	}
	return a < b
}

// sortedIDs returns every node ID in label order
func (v *view) sortedIDs() []string {
	ids := make([]string, 0, len(v.nodes))
	for id := range v.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return v.less(ids[i], ids[j]) })
	return ids
}

// link returns the edge a path hop a-b travels: the smallest type, then ID, among
// edges between the two nodes in either direction
func (v *view) link(a, b string) (graph.Edge, bool) {
	var best graph.Edge
	found := false
	for _, edgeID := range v.snap.IncidentEdges(a) {
		e, ok := v.snap.Edge(edgeID)
		if !ok || !((e.Source == a && e.Target == b) || (e.Source == b && e.Target == a)) {
			continue
		}
		if !found || e.Type < best.Type || (e.Type == best.Type && e.ID < best.ID) {
			best, found = e, true
		}
	}
	return best, found
}

// resolve finds the node a label names: exact label before alias, then first seen, then ID
func (v *view) resolve(label string) (graph.Node, bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return graph.Node{}, false
	}
	candidates := v.snap.NodesByLabel(label)
	if len(candidates) == 0 {
		return graph.Node{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ea, eb := strings.EqualFold(a.Label, label), strings.EqualFold(b.Label, label)
		if ea != eb {
			return ea
		}
		if a.FirstSeenSeq != b.FirstSeenSeq {
			return a.FirstSeenSeq < b.FirstSeenSeq
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

func pair(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}
