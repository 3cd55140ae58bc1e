package graph

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Snapshot is an immutable, committed view of one project's graph.
// Nothing reachable from a Snapshot is modified after it is published.
type Snapshot struct {
	project     *Project
	nodeMap     map[string]*Node    // For quick lookup by ID
	edgeMap     map[string]*Edge    // For quick lookup by ID
	labelIndex  map[string][]string // lowercased label or alias -> node IDs
	adjacency   map[string][]string // node ID -> incident edge IDs
	version     uint64
	committedAt time.Time
}

// NewSnapshot builds a snapshot from loaded project data
func NewSnapshot(project *Project, nodes []Node, edges []Edge, version uint64) *Snapshot {
	s := &Snapshot{
		project:     cloneProject(project),
		nodeMap:     make(map[string]*Node, len(nodes)),
		edgeMap:     make(map[string]*Edge, len(edges)),
		labelIndex:  make(map[string][]string),
		adjacency:   make(map[string][]string),
		version:     version,
		committedAt: time.Now(),
	}
	for i := range nodes {
		n := cloneNode(&nodes[i])
		s.nodeMap[n.ID] = n
		s.labelIndex = indexLabels(s.labelIndex, n, nil)
	}
	for i := range edges {
		e := cloneEdge(&edges[i])
		s.edgeMap[e.ID] = e
		s.adjacency = linkEdge(s.adjacency, e)
	}
	return s
}

// Project returns a copy of the project metadata as of this snapshot
func (s *Snapshot) Project() *Project { return cloneProject(s.project) }

// ProjectID returns the owning project's ID
func (s *Snapshot) ProjectID() string { return s.project.ID }

// State returns the project state as of this snapshot
func (s *Snapshot) State() ProjectState { return s.project.State }

// Profile returns the project's domain profile; callers must not modify it
func (s *Snapshot) Profile() *DomainProfile { return s.project.Profile }

// Version increases by one with every committed mutation
func (s *Snapshot) Version() uint64 { return s.version }

// CommittedAt is when the snapshot was published
func (s *Snapshot) CommittedAt() time.Time { return s.committedAt }

// NodeCount returns the number of nodes
func (s *Snapshot) NodeCount() int { return len(s.nodeMap) }

// EdgeCount returns the number of edges
func (s *Snapshot) EdgeCount() int { return len(s.edgeMap) }

// Node retrieves a node by ID
func (s *Snapshot) Node(id string) (Node, bool) {
	n, ok := s.nodeMap[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Edge retrieves an edge by ID
func (s *Snapshot) Edge(id string) (Edge, bool) {
	e, ok := s.edgeMap[id]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// Nodes returns all nodes ordered by ID
func (s *Snapshot) Nodes() []Node {
	nodes := make([]Node, 0, len(s.nodeMap))
	for _, n := range s.nodeMap {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Edges returns all edges ordered by ID
func (s *Snapshot) Edges() []Edge {
	edges := make([]Edge, 0, len(s.edgeMap))
	for _, e := range s.edgeMap {
		edges = append(edges, *e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return edges
}

// IncidentEdges returns the IDs of edges touching a node, in either direction, ordered by ID
func (s *Snapshot) IncidentEdges(nodeID string) []string {
	return s.adjacency[nodeID]
}

// NodesByLabel returns nodes whose label or alias equals label, case-insensitively
func (s *Snapshot) NodesByLabel(label string) []Node {
	ids := s.labelIndex[labelKey(label)]
	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, *s.nodeMap[id])
	}
	return nodes
}

// Discovery looks up a discovery of this project by ID
func (s *Snapshot) Discovery(id string) (Discovery, bool) {
	for _, d := range s.project.Discoveries {
		if d.ID == id {
			return d, true
		}
	}
	return Discovery{}, false
}

// Dump returns the full graph for external export
func (s *Snapshot) Dump() *Dump {
	nodes := s.Nodes()
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Label != nodes[j].Label {
			return nodes[i].Label < nodes[j].Label
		}
		return nodes[i].ID < nodes[j].ID
	})
	project := s.Project()
	return &Dump{
		Project:     *project,
		Profile:     project.Profile,
		Nodes:       nodes,
		Edges:       s.Edges(),
		Version:     s.version,
		GeneratedAt: time.Now(),
	}
}

func labelKey(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// indexLabels adds n's label and aliases to idx. Slices are never appended in place
// so that indexes shared with older snapshots stay untouched.
func indexLabels(idx map[string][]string, n *Node, keys []string) map[string][]string {
	if keys == nil {
		keys = append([]string{n.Label}, n.Aliases...)
	}
	for _, k := range keys {
		key := labelKey(k)
		if key == "" || slices.Contains(idx[key], n.ID) {
			continue
		}
		ids := make([]string, 0, len(idx[key])+1)
		ids = append(ids, idx[key]...)
		ids = append(ids, n.ID)
		sort.Strings(ids)
		idx[key] = ids
	}
	return idx
}

func linkEdge(adj map[string][]string, e *Edge) map[string][]string {
	for _, nodeID := range []string{e.Source, e.Target} {
		if slices.Contains(adj[nodeID], e.ID) {
			continue
		}
		ids := make([]string, 0, len(adj[nodeID])+1)
		ids = append(ids, adj[nodeID]...)
		ids = append(ids, e.ID)
		sort.Strings(ids)
		adj[nodeID] = ids
	}
	return adj
}

func cloneNode(n *Node) *Node {
	c := *n
	c.Aliases = slices.Clip(slices.Clone(n.Aliases))
	c.Evidence = slices.Clip(slices.Clone(n.Evidence))
	return &c
}

func cloneEdge(e *Edge) *Edge {
	c := *e
	c.Evidence = slices.Clip(slices.Clone(e.Evidence))
	return &c
}

func cloneProject(p *Project) *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.Profile = p.Profile.Clone()
	c.Discoveries = slices.Clip(slices.Clone(p.Discoveries))
	c.DocumentSeq = make(map[string]int, len(p.DocumentSeq))
	for k, v := range p.DocumentSeq {
		c.DocumentSeq[k] = v
	}
	return &c
}

func sortDiscoveries(ds []Discovery) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Seq != ds[j].Seq {
			return ds[i].Seq < ds[j].Seq
		}
		return ds[i].ID < ds[j].ID
	})
}
