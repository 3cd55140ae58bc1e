package graph

import (
	"maps"
	"sort"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Tx is a private working copy of a snapshot. Writers mutate it freely; the store
// publishes it as the next snapshot only if the whole transaction succeeds.
type Tx struct {
	base       *Snapshot
	project    *Project
	nodeMap    map[string]*Node
	edgeMap    map[string]*Edge
	labelIndex map[string][]string
	adjacency  map[string][]string
	ownedNodes map[string]bool // nodes already copied into this transaction
	ownedEdges map[string]bool
	docID      string
	docSeq     int
	result     MutationResult
	now        time.Time
}

// NewTx opens a transaction on top of base
func NewTx(base *Snapshot) *Tx {
	return &Tx{
		base:       base,
		project:    cloneProject(base.project),
		nodeMap:    maps.Clone(base.nodeMap),
		edgeMap:    maps.Clone(base.edgeMap),
		labelIndex: maps.Clone(base.labelIndex),
		adjacency:  maps.Clone(base.adjacency),
		ownedNodes: make(map[string]bool),
		ownedEdges: make(map[string]bool),
		result:     MutationResult{NodeIDs: []string{}, EdgeIDs: []string{}},
		now:        time.Now().UTC(),
	}
}

// Project returns the transaction's mutable project metadata
func (tx *Tx) Project() *Project { return tx.project }

// Profile returns the transaction's domain profile (nil before bootstrap)
func (tx *Tx) Profile() *DomainProfile { return tx.project.Profile }

// State returns the project state inside the transaction
func (tx *Tx) State() ProjectState { return tx.project.State }

// SetState moves the project to a new lifecycle state
func (tx *Tx) SetState(state ProjectState) {
	tx.project.State = state
}

// SetLastError records (or clears, with "") the last failure on the project
func (tx *Tx) SetLastError(msg string) {
	tx.project.LastError = msg
}

// SetProfile installs the finalized domain profile
func (tx *Tx) SetProfile(p *DomainProfile) {
	tx.project.Profile = p.Clone()
}

// AppendThingType adds a thing type unless one with the same name exists
func (tx *Tx) AppendThingType(t ThingType) (bool, error) {
	if tx.project.Profile == nil {
		return false, &StateError{ProjectID: tx.project.ID, State: tx.project.State, Op: "extend profile"}
	}
	if _, ok := tx.project.Profile.ThingType(t.Name); ok {
		return false, nil
	}
	tx.project.Profile.ThingTypes = append(tx.project.Profile.ThingTypes, t)
	return true, nil
}

// AppendConnectionType adds a connection type unless one with the same name exists
func (tx *Tx) AppendConnectionType(c ConnectionType) (bool, error) {
	if tx.project.Profile == nil {
		return false, &StateError{ProjectID: tx.project.ID, State: tx.project.State, Op: "extend profile"}
	}
	if _, ok := tx.project.Profile.ConnectionType(c.Name); ok {
		return false, nil
	}
	tx.project.Profile.ConnectionTypes = append(tx.project.Profile.ConnectionTypes, c)
	return true, nil
}

// UseDocument makes docID the provenance of subsequent upserts and returns its sequence number.
// A document keeps the sequence number of its first appearance.
func (tx *Tx) UseDocument(docID string) int {
	tx.docID = docID
	if docID == "" {
		tx.docSeq = 0
		return 0
	}
	if tx.project.DocumentSeq == nil {
		tx.project.DocumentSeq = make(map[string]int)
	}
	seq, ok := tx.project.DocumentSeq[docID]
	if !ok {
		seq = len(tx.project.DocumentSeq) + 1
		tx.project.DocumentSeq[docID] = seq
	}
	tx.docSeq = seq
	return seq
}

// Node retrieves a node by ID
func (tx *Tx) Node(id string) (Node, bool) {
	n, ok := tx.nodeMap[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Edge retrieves an edge by ID
func (tx *Tx) Edge(id string) (Edge, bool) {
	e, ok := tx.edgeMap[id]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// NodesByLabel returns nodes whose label or alias equals label, case-insensitively, ordered by ID
func (tx *Tx) NodesByLabel(label string) []Node {
	ids := tx.labelIndex[labelKey(label)]
	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, *tx.nodeMap[id])
	}
	return nodes
}

// Nodes returns every node ordered by ID
func (tx *Tx) Nodes() []Node {
	nodes := make([]Node, 0, len(tx.nodeMap))
	for _, n := range tx.nodeMap {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Result reports what the transaction changed so far
func (tx *Tx) Result() MutationResult { return tx.result }

// UpsertNode creates a node when u.ID is empty, otherwise merges u into the existing node
func (tx *Tx) UpsertNode(u NodeUpsert) (string, bool, error) {
	if u.ID != "" {
		node, ok := tx.mutableNode(u.ID)
		if !ok {
			return "", false, NewNotFound("node", u.ID)
		}
		added := tx.merge(node, u)
		tx.labelIndex = indexLabels(tx.labelIndex, node, added)
		tx.result.NodesMerged++
		tx.result.NodeIDs = append(tx.result.NodeIDs, node.ID)
		return node.ID, false, nil
	}

	label := strings.TrimSpace(u.Label)
	if label == "" {
		return "", false, errors.New("node label is required")
	}
	thingType, ok := tx.project.Profile.ThingType(u.Type)
	if !ok {
		return "", false, &SchemaError{Kind: "thing type", Name: u.Type}
	}

	node := &Node{
		ID:                uuid.New().String(),
		Label:             label,
		Type:              thingType.Name,
		Evidence:          []Evidence{},
		FirstSeenDocument: tx.docID,
		FirstSeenSeq:      tx.docSeq,
		CreatedAt:         tx.now,
		UpdatedAt:         tx.now,
	}
	tx.merge(node, u)
	tx.nodeMap[node.ID] = node
	tx.ownedNodes[node.ID] = true
	tx.labelIndex = indexLabels(tx.labelIndex, node, nil)
	tx.result.NodesCreated++
	tx.result.NodeIDs = append(tx.result.NodeIDs, node.ID)
	return node.ID, true, nil
}

// UpsertEdge creates or merges the edge keyed on (source, target, type)
func (tx *Tx) UpsertEdge(u EdgeUpsert) (string, bool, error) {
	if _, ok := tx.nodeMap[u.SourceID]; !ok {
		return "", false, NewNotFound("node", u.SourceID)
	}
	if _, ok := tx.nodeMap[u.TargetID]; !ok {
		return "", false, NewNotFound("node", u.TargetID)
	}
	connType, ok := tx.project.Profile.ConnectionType(u.Type)
	if !ok {
		return "", false, &SchemaError{Kind: "connection type", Name: u.Type}
	}

	docID := u.DocumentID
	if docID == "" {
		docID = tx.docID
	}
	confidence := clamp01(u.Confidence)
	id := EdgeID(u.SourceID, connType.Name, u.TargetID)

	if edge, ok := tx.mutableEdge(id); ok {
		var fresh int
		edge.Evidence, fresh = appendEvidence(edge.Evidence, u.Evidence)
		changed := fresh > 0
		if confidence > edge.Confidence {
			edge.Confidence = confidence
			changed = true
		}
		if docID != "" && edge.LastSeenDocument != docID {
			edge.LastSeenDocument = docID
			changed = true
		}
		if changed {
			edge.UpdatedAt = tx.now
		}
		tx.result.EdgesMerged++
		tx.result.EdgeIDs = append(tx.result.EdgeIDs, id)
		return id, false, nil
	}

	edge := &Edge{
		ID:                id,
		Source:            u.SourceID,
		Target:            u.TargetID,
		Type:              connType.Name,
		Confidence:        confidence,
		FirstSeenDocument: docID,
		LastSeenDocument:  docID,
		CreatedAt:         tx.now,
		UpdatedAt:         tx.now,
	}
	edge.Evidence, _ = appendEvidence([]Evidence{}, u.Evidence)
	tx.edgeMap[id] = edge
	tx.ownedEdges[id] = true
	tx.adjacency = linkEdge(tx.adjacency, edge)
	tx.result.EdgesCreated++
	tx.result.EdgeIDs = append(tx.result.EdgeIDs, id)
	return id, true, nil
}

// Apply runs a mutation batch. Edge endpoints may reference nodes created earlier
// in the same batch as "#<index>" into m.Nodes.
func (tx *Tx) Apply(m Mutation) error {
	if m.DocumentID != "" {
		tx.UseDocument(m.DocumentID)
	}
	ids := make([]string, len(m.Nodes))
	for i, u := range m.Nodes {
		id, _, err := tx.UpsertNode(u)
		if err != nil {
			return errors.Wrapf(err, "node upsert %d", i)
		}
		ids[i] = id
	}
	for i, u := range m.Edges {
		var err error
		if u.SourceID, err = batchRef(u.SourceID, ids); err != nil {
			return errors.Wrapf(err, "edge upsert %d", i)
		}
		if u.TargetID, err = batchRef(u.TargetID, ids); err != nil {
			return errors.Wrapf(err, "edge upsert %d", i)
		}
		if _, _, err := tx.UpsertEdge(u); err != nil {
			return errors.Wrapf(err, "edge upsert %d", i)
		}
	}
	return nil
}

// Discovery looks up a discovery by ID
func (tx *Tx) Discovery(id string) (Discovery, bool) {
	for _, d := range tx.project.Discoveries {
		if d.ID == id {
			return d, true
		}
	}
	return Discovery{}, false
}

// AddDiscovery queues a new pending discovery. When an identical proposal is already
// pending, that one is returned and nothing is queued.
func (tx *Tx) AddDiscovery(d Discovery) (Discovery, bool) {
	key := d.Key()
	maxSeq := 0
	for _, existing := range tx.project.Discoveries {
		if existing.Status == DiscoveryPending && existing.Key() == key {
			return existing, false
		}
		if existing.Seq > maxSeq {
			maxSeq = existing.Seq
		}
	}
	d.ID = uuid.New().String()
	d.ProjectID = tx.project.ID
	d.Seq = maxSeq + 1
	d.Status = DiscoveryPending
	d.CreatedAt = tx.now
	tx.project.Discoveries = append(tx.project.Discoveries, d)
	return d, true
}

// UpdateDiscovery replaces a stored discovery with d
func (tx *Tx) UpdateDiscovery(d Discovery) error {
	for i := range tx.project.Discoveries {
		if tx.project.Discoveries[i].ID == d.ID {
			tx.project.Discoveries[i] = d
			return nil
		}
	}
	return NewNotFound("discovery", d.ID)
}

// Validate rechecks the graph invariants touched by this transaction
func (tx *Tx) Validate() error {
	if tx.project.State == StateCreated || tx.project.State == StateBootstrapping {
		if len(tx.nodeMap) > 0 || len(tx.edgeMap) > 0 {
			return &StateError{ProjectID: tx.project.ID, State: tx.project.State, Op: "graph mutation"}
		}
	}
	profile := tx.project.Profile
	for id := range tx.ownedNodes {
		n := tx.nodeMap[id]
		if _, ok := profile.ThingType(n.Type); !ok {
			return &SchemaError{Kind: "thing type", Name: n.Type}
		}
	}
	for id := range tx.ownedEdges {
		e := tx.edgeMap[id]
		if _, ok := tx.nodeMap[e.Source]; !ok {
			return NewNotFound("node", e.Source)
		}
		if _, ok := tx.nodeMap[e.Target]; !ok {
			return NewNotFound("node", e.Target)
		}
		if _, ok := profile.ConnectionType(e.Type); !ok {
			return &SchemaError{Kind: "connection type", Name: e.Type}
		}
	}
	return nil
}

// Snapshot freezes the transaction into the next snapshot. The Tx must not be used afterwards.
func (tx *Tx) Snapshot() *Snapshot {
	tx.project.UpdatedAt = tx.now
	tx.result.Version = tx.base.version + 1
	return &Snapshot{
		project:     tx.project,
		nodeMap:     tx.nodeMap,
		edgeMap:     tx.edgeMap,
		labelIndex:  tx.labelIndex,
		adjacency:   tx.adjacency,
		version:     tx.base.version + 1,
		committedAt: tx.now,
	}
}

func (tx *Tx) mutableNode(id string) (*Node, bool) {
	n, ok := tx.nodeMap[id]
	if !ok {
		return nil, false
	}
	if !tx.ownedNodes[id] {
		n = cloneNode(n)
		tx.nodeMap[id] = n
		tx.ownedNodes[id] = true
	}
	return n, true
}

func (tx *Tx) mutableEdge(id string) (*Edge, bool) {
	e, ok := tx.edgeMap[id]
	if !ok {
		return nil, false
	}
	if !tx.ownedEdges[id] {
		e = cloneEdge(e)
		tx.edgeMap[id] = e
		tx.ownedEdges[id] = true
	}
	return e, true
}

// merge folds aliases and evidence of u into n and returns the aliases that were added
func (tx *Tx) merge(n *Node, u NodeUpsert) []string {
	known := mapset.NewThreadUnsafeSet[string](labelKey(n.Label))
	for _, a := range n.Aliases {
		known.Add(labelKey(a))
	}
	surface := append([]string{u.Label}, u.Aliases...)
	added := make([]string, 0)
	for _, form := range surface {
		form = strings.TrimSpace(form)
		if form == "" || known.Contains(labelKey(form)) {
			continue
		}
		known.Add(labelKey(form))
		added = append(added, form)
	}
	if len(added) > 0 {
		n.Aliases = append(n.Aliases, added...)
		sort.Strings(n.Aliases)
	}

	var fresh int
	n.Evidence, fresh = appendEvidence(n.Evidence, u.Evidence)
	mentions := n.Mentions
	switch {
	case len(u.Evidence) == 0:
		n.Mentions++
	default:
		n.Mentions += fresh
	}
	if n.Mentions == 0 {
		n.Mentions = 1
	}
	if len(added) > 0 || n.Mentions != mentions {
		n.UpdatedAt = tx.now
	}
	return added
}

// appendEvidence appends the evidence not already present and reports how many were new
func appendEvidence(existing, incoming []Evidence) ([]Evidence, int) {
	fresh := 0
	for _, ev := range incoming {
		duplicate := false
		for _, have := range existing {
			if have == ev {
				duplicate = true
				break
			}
		}
		if !duplicate {
			existing = append(existing, ev)
			fresh++
		}
	}
	return existing, fresh
}

func batchRef(ref string, ids []string) (string, error) {
	if !strings.HasPrefix(ref, "#") {
		return ref, nil
	}
	i, err := strconv.Atoi(ref[1:])
	if err != nil || i < 0 || i >= len(ids) {
		return "", errors.Errorf("invalid batch reference %q", ref)
	}
	return ids[i], nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
