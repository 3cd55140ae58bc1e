package graph

import (
	"strings"
	"time"
)

// ProjectState is the lifecycle state of a knowledge graph project
type ProjectState string

const (
	StateCreated       ProjectState = "created"
	StateBootstrapping ProjectState = "bootstrapping"
	StateActive        ProjectState = "active"
	StateStable        ProjectState = "stable"
)

// AcceptsExtraction reports whether documents may be extracted into a project in this state
func (s ProjectState) AcceptsExtraction() bool {
	return s == StateActive || s == StateStable
}

// Project represents a knowledge graph project and its ontology
type Project struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	State             ProjectState   `json:"state"`
	Profile           *DomainProfile `json:"profile,omitempty"`
	Discoveries       []Discovery    `json:"discoveries"`
	LastError         string         `json:"last_error,omitempty"`
	DocumentCount     int            `json:"document_count"`
	DocumentSeq       map[string]int `json:"document_seq"`
	RollingConfidence float64        `json:"rolling_confidence"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// PendingDiscoveries returns the discoveries still awaiting a decision, oldest first
func (p *Project) PendingDiscoveries() []Discovery {
	pending := make([]Discovery, 0)
	for _, d := range p.Discoveries {
		if d.Status == DiscoveryPending {
			pending = append(pending, d)
		}
	}
	sortDiscoveries(pending)
	return pending
}

// ThingType is an entity category of a project's ontology
type ThingType struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Examples    []string `json:"examples,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Priority    int      `json:"priority"`
}

// ConnectionType is a directed relationship category of a project's ontology
type ConnectionType struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Examples    []string `json:"examples,omitempty"`
	Priority    int      `json:"priority"`
}

// Priority bounds shared by thing and connection types; types appended after bootstrap get PriorityLowest
const (
	PriorityHighest = 1
	PriorityLowest  = 3
)

// SeedEntity is an entity proposed during bootstrap to guide extraction
type SeedEntity struct {
	Label       string   `json:"label"`
	Type        string   `json:"type"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description,omitempty"`
}

// DomainProfile is the finalized ontology plus extraction guidance for a project
type DomainProfile struct {
	Name                string             `json:"name"`
	Description         string             `json:"description"`
	ThingTypes          []ThingType        `json:"thing_types"`
	ConnectionTypes     []ConnectionType   `json:"connection_types"`
	SeedEntities        []SeedEntity       `json:"seed_entities"`
	ExtractionContext   string             `json:"extraction_context"`
	BootstrapConfidence float64            `json:"bootstrap_confidence"`
	StageConfidences    map[string]float64 `json:"stage_confidences,omitempty"`
	FinalizedAt         time.Time          `json:"finalized_at"`
}

// ThingType looks up a thing type by case-insensitive name
func (p *DomainProfile) ThingType(name string) (ThingType, bool) {
	if p == nil {
		return ThingType{}, false
	}
	for _, t := range p.ThingTypes {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return ThingType{}, false
}

// ConnectionType looks up a connection type by case-insensitive name
func (p *DomainProfile) ConnectionType(name string) (ConnectionType, bool) {
	if p == nil {
		return ConnectionType{}, false
	}
	for _, c := range p.ConnectionTypes {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ConnectionType{}, false
}

// Clone returns a deep copy of the profile
func (p *DomainProfile) Clone() *DomainProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.ThingTypes = append([]ThingType(nil), p.ThingTypes...)
	c.ConnectionTypes = append([]ConnectionType(nil), p.ConnectionTypes...)
	c.SeedEntities = append([]SeedEntity(nil), p.SeedEntities...)
	if p.StageConfidences != nil {
		c.StageConfidences = make(map[string]float64, len(p.StageConfidences))
		for k, v := range p.StageConfidences {
			c.StageConfidences[k] = v
		}
	}
	return &c
}

// Evidence is a quoted span supporting a node or edge
type Evidence struct {
	DocumentID string `json:"document_id"`
	Quote      string `json:"quote"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// Node represents a thing in the knowledge graph
type Node struct {
	ID                string     `json:"id"`
	Label             string     `json:"label"`
	Type              string     `json:"type"`
	Aliases           []string   `json:"aliases,omitempty"`
	Mentions          int        `json:"mentions"`
	Evidence          []Evidence `json:"evidence"`
	FirstSeenDocument string     `json:"first_seen_document"`
	FirstSeenSeq      int        `json:"first_seen_seq"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Edge represents a directed connection between two nodes
type Edge struct {
	ID                string     `json:"id"`
	Source            string     `json:"source"` // Source node ID
	Target            string     `json:"target"` // Target node ID
	Type              string     `json:"type"`
	Confidence        float64    `json:"confidence"`
	Evidence          []Evidence `json:"evidence"`
	FirstSeenDocument string     `json:"first_seen_document"`
	LastSeenDocument  string     `json:"last_seen_document"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// EdgeID derives the identity of the edge keyed on (source, type, target)
func EdgeID(source, relType, target string) string {
	return source + "-" + relType + "-" + target
}

// DiscoveryStatus is the decision state of a discovery
type DiscoveryStatus string

const (
	DiscoveryPending   DiscoveryStatus = "pending"
	DiscoveryConfirmed DiscoveryStatus = "confirmed"
	DiscoveryRejected  DiscoveryStatus = "rejected"
)

// DiscoveryKind tells which payload a discovery carries
type DiscoveryKind string

const (
	DiscoveryNode DiscoveryKind = "node"
	DiscoveryEdge DiscoveryKind = "edge"
)

// DiscoveryReason explains why a candidate was not committed directly
type DiscoveryReason string

const (
	ReasonLowConfidence      DiscoveryReason = "low_confidence"
	ReasonUnknownType        DiscoveryReason = "unknown_type"
	ReasonUnresolvedEndpoint DiscoveryReason = "unresolved_endpoint"
)

// Discovery is a candidate fact awaiting human confirmation
type Discovery struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	Seq        int             `json:"seq"`
	Kind       DiscoveryKind   `json:"kind"`
	Node       *NodeCandidate  `json:"node,omitempty"`
	Edge       *EdgeCandidate  `json:"edge,omitempty"`
	Reason     DiscoveryReason `json:"reason"`
	Rationale  string          `json:"rationale"`
	Status     DiscoveryStatus `json:"status"`
	DocumentID string          `json:"document_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	DecidedAt  *time.Time      `json:"decided_at,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	ResultID   string          `json:"result_id,omitempty"`
}

// Key identifies the proposed fact independent of evidence, used to avoid queueing it twice
func (d Discovery) Key() string {
	switch d.Kind {
	case DiscoveryNode:
		if d.Node != nil {
			return "node|" + NormalizeLabel(d.Node.Label) + "|" + strings.ToLower(d.Node.Type)
		}
	case DiscoveryEdge:
		if d.Edge != nil {
			return "edge|" + NormalizeLabel(d.Edge.SourceLabel) + "|" + strings.ToLower(d.Edge.Type) + "|" + NormalizeLabel(d.Edge.TargetLabel)
		}
	}
	return "unknown|" + d.ID
}

// NodeUpsert creates a node (empty ID) or merges into an existing one
type NodeUpsert struct {
	ID       string     `json:"id,omitempty"`
	Label    string     `json:"label"`
	Type     string     `json:"type"`
	Aliases  []string   `json:"aliases,omitempty"`
	Evidence []Evidence `json:"evidence,omitempty"`
}

// EdgeUpsert creates or merges the edge keyed on (SourceID, TargetID, Type)
type EdgeUpsert struct {
	SourceID   string     `json:"source_id"`
	TargetID   string     `json:"target_id"`
	Type       string     `json:"type"`
	Confidence float64    `json:"confidence"`
	Evidence   []Evidence `json:"evidence,omitempty"`
	DocumentID string     `json:"document_id,omitempty"`
}

// Mutation is an atomic batch of node and edge upserts
type Mutation struct {
	DocumentID string       `json:"document_id,omitempty"`
	Nodes      []NodeUpsert `json:"nodes"`
	Edges      []EdgeUpsert `json:"edges"`
}

// MutationResult summarizes a committed mutation
type MutationResult struct {
	NodesCreated int      `json:"nodes_created"`
	NodesMerged  int      `json:"nodes_merged"`
	EdgesCreated int      `json:"edges_created"`
	EdgesMerged  int      `json:"edges_merged"`
	NodeIDs      []string `json:"node_ids"`
	EdgeIDs      []string `json:"edge_ids"`
	Version      uint64   `json:"version"`
}

// Dump is the read-only full graph handed to external formatting/export
type Dump struct {
	Project     Project        `json:"project"`
	Profile     *DomainProfile `json:"profile,omitempty"`
	Nodes       []Node         `json:"nodes"`
	Edges       []Edge         `json:"edges"`
	Version     uint64         `json:"version"`
	GeneratedAt time.Time      `json:"generated_at"`
}
