// Package query answers read-only analytical questions over a committed graph snapshot.
package query

import (
	"context"
	"sort"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/algorithms"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultKeyPlayers    = 10
	DefaultMaxPathLength = 5
	MaxPaths             = 5
	DefaultNeighborDepth = 1

	edgeWeight     = 2
	evidenceWeight = 1
)

type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// SnapshotSource hands out the latest committed snapshot of a project
type SnapshotSource interface {
	Snapshot(projectID string) (*graph.Snapshot, error)
}

// KeyPlayer is a ranked node
type KeyPlayer struct {
	Node          graph.Node `json:"node"`
	Score         int        `json:"score"`
	EdgeCount     int        `json:"edge_count"`
	EvidenceCount int        `json:"evidence_count"`
}

// Hop is one step of a path, reported with the stored direction of the edge it travels
type Hop struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	EdgeID    string    `json:"edge_id"`
	Type      string    `json:"type"`
	Direction Direction `json:"direction"`
}

// Path connects two nodes; Labels line up with NodeIDs
type Path struct {
	NodeIDs []string `json:"node_ids"`
	Labels  []string `json:"labels"`
	Hops    []Hop    `json:"hops"`
}

// Length is the number of hops
func (p Path) Length() int { return len(p.Hops) }

type Cluster struct {
	ID            int      `json:"id"`
	Component     int      `json:"component"`
	NodeIDs       []string `json:"node_ids"`
	Labels        []string `json:"labels"`
	InternalEdges int      `json:"internal_edges"`
}

// Bridge is an edge between two clusters
type Bridge struct {
	Edge            graph.Edge `json:"edge"`
	SourceCluster   int        `json:"source_cluster"`
	TargetCluster   int        `json:"target_cluster"`
	GroupsConnected int        `json:"groups_connected"`
}

// Clustering is the result of FindClusters
type Clustering struct {
	Clusters   []Cluster `json:"clusters"`
	Bridges    []Bridge  `json:"bridges"`
	Modularity float64   `json:"modularity"`
}

// Engine runs queries; every call reads exactly one snapshot
type Engine struct {
	source SnapshotSource
	logger *logrus.Logger
}

func NewEngine(source SnapshotSource, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Engine{source: source, logger: logger}
}

// RankKeyPlayers scores nodes by 2 x incident edges + evidence, highest first.
// Ties go to the node seen first, then to the smaller label, then ID.
func (e *Engine) RankKeyPlayers(ctx context.Context, projectID string, limit int) ([]KeyPlayer, error) {
	snap, err := e.source.Snapshot(projectID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultKeyPlayers
	}

	players := make([]KeyPlayer, 0, snap.NodeCount())
	for _, n := range snap.Nodes() {
		edges := len(snap.IncidentEdges(n.ID))
		players = append(players, KeyPlayer{
			Node:          n,
			Score:         edgeWeight*edges + evidenceWeight*len(n.Evidence),
			EdgeCount:     edges,
			EvidenceCount: len(n.Evidence),
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(players, func(i, j int) bool {
		a, b := players[i], players[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Node.FirstSeenSeq != b.Node.FirstSeenSeq {
			return a.Node.FirstSeenSeq < b.Node.FirstSeenSeq
		}
		if a.Node.Label != b.Node.Label {
			return a.Node.Label < b.Node.Label
		}
		return a.Node.ID < b.Node.ID
	})
	if len(players) > limit {
		players = players[:limit]
	}
	return players, nil
}

// FindPaths returns up to five shortest paths between the nodes two labels name, ordered
// by their label sequence. Edges are walked in both directions. An empty result means no
// path of at most maxLength hops exists.
func (e *Engine) FindPaths(ctx context.Context, projectID, sourceLabel, targetLabel string, maxLength int) ([]Path, error) {
	snap, err := e.source.Snapshot(projectID)
	if err != nil {
		return nil, err
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxPathLength
	}
	v := newView(snap)
	source, ok := v.resolve(sourceLabel)
	if !ok {
		return nil, graph.NewNotFound("node label", sourceLabel)
	}
	target, ok := v.resolve(targetLabel)
	if !ok {
		return nil, graph.NewNotFound("node label", targetLabel)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	found := algorithms.ShortestPaths(v, source.ID, target.ID, maxLength, MaxPaths, v.label)
	paths := make([]Path, 0, len(found))
	for _, ids := range found {
		p := Path{NodeIDs: ids, Labels: make([]string, 0, len(ids)), Hops: make([]Hop, 0, len(ids)-1)}
		for i, id := range ids {
			p.Labels = append(p.Labels, v.nodes[id].Label)
			if i == 0 {
				continue
			}
			edge, ok := v.link(ids[i-1], id)
			if !ok {
				return nil, errors.Errorf("no edge between %s and %s", ids[i-1], id)
			}
			dir := Forward
			if edge.Source != ids[i-1] {
				dir = Backward
			}
			p.Hops = append(p.Hops, Hop{From: ids[i-1], To: id, EdgeID: edge.ID, Type: edge.Type, Direction: dir})
		}
		paths = append(paths, p)
	}

	e.logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"source":     source.ID,
		"target":     target.ID,
		"paths":      len(paths),
	}).Debug("Paths found")
	return paths, nil
}

// FindClusters splits each connected component by greedy modularity merging and reports
// the edges running between the resulting clusters as bridges.
func (e *Engine) FindClusters(ctx context.Context, projectID string) (*Clustering, error) {
	snap, err := e.source.Snapshot(projectID)
	if err != nil {
		return nil, err
	}
	v := newView(snap)

	type group struct {
		component int
		members   []string
	}
	groups := make([]group, 0)
	for ci, component := range algorithms.ConnectedComponents(v, v.sortedIDs()) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(component) == 1 {
			groups = append(groups, group{component: ci, members: component})
			continue
		}
		for _, members := range algorithms.GreedyModularity(v, component) {
			groups = append(groups, group{component: ci, members: members})
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if len(groups[i].members) != len(groups[j].members) {
			return len(groups[i].members) > len(groups[j].members)
		}
		return v.nodes[groups[i].members[0]].Label < v.nodes[groups[j].members[0]].Label
	})

	result := &Clustering{Clusters: make([]Cluster, 0, len(groups)), Bridges: make([]Bridge, 0)}
	clusterOf := make(map[string]int, len(v.nodes))
	partition := make([][]string, 0, len(groups))
	for id, g := range groups {
		c := Cluster{ID: id, Component: g.component, NodeIDs: g.members, Labels: make([]string, 0, len(g.members))}
		for _, m := range g.members {
			clusterOf[m] = id
			c.Labels = append(c.Labels, v.nodes[m].Label)
		}
		result.Clusters = append(result.Clusters, c)
		partition = append(partition, g.members)
	}

	for _, edge := range snap.Edges() {
		from, to := clusterOf[edge.Source], clusterOf[edge.Target]
		if from == to {
			result.Clusters[from].InternalEdges++
			continue
		}
		touched := mapset.NewThreadUnsafeSet[int](from, to)
		for _, end := range []string{edge.Source, edge.Target} {
			for _, n := range v.Neighbors(end) {
				touched.Add(clusterOf[n])
			}
		}
		result.Bridges = append(result.Bridges, Bridge{
			Edge:            edge,
			SourceCluster:   from,
			TargetCluster:   to,
			GroupsConnected: touched.Cardinality(),
		})
	}
	sort.SliceStable(result.Bridges, func(i, j int) bool {
		a, b := result.Bridges[i], result.Bridges[j]
		if a.GroupsConnected != b.GroupsConnected {
			return a.GroupsConnected > b.GroupsConnected
		}
		return a.Edge.ID < b.Edge.ID
	})
	result.Modularity = algorithms.Modularity(v, partition)

	e.logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"clusters":   len(result.Clusters),
		"bridges":    len(result.Bridges),
	}).Debug("Clusters found")
	return result, nil
}

// GetEvidence returns the evidence of the node or edge with the given ID
func (e *Engine) GetEvidence(ctx context.Context, projectID, id string) ([]graph.Evidence, error) {
	snap, err := e.source.Snapshot(projectID)
	if err != nil {
		return nil, err
	}
	if n, ok := snap.Node(id); ok {
		return append([]graph.Evidence{}, n.Evidence...), nil
	}
	if edge, ok := snap.Edge(id); ok {
		return append([]graph.Evidence{}, edge.Evidence...), nil
	}
	return nil, graph.NewNotFound("node or edge", id)
}

// Neighbors lists the nodes within depth hops of nodeID in breadth-first order, the node
// itself excluded
func (e *Engine) Neighbors(ctx context.Context, projectID, nodeID string, depth int) ([]graph.Node, error) {
	snap, err := e.source.Snapshot(projectID)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = DefaultNeighborDepth
	}
	v := newView(snap)
	if !v.HasNode(nodeID) {
		return nil, graph.NewNotFound("node", nodeID)
	}
	ids, err := algorithms.NewGraphTraversal(v).Traverse(ctx, nodeID, depth, algorithms.BFS)
	if err != nil {
		return nil, err
	}
	nodes := make([]graph.Node, 0, len(ids))
	for _, id := range ids {
		if id != nodeID {
			nodes = append(nodes, v.nodes[id])
		}
	}
	return nodes, nil
}
