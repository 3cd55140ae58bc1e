package graph

import (
	"context"
)

// Document is a unit of narrative text submitted to a project
type Document struct {
	ID       string                 `json:"id"`
	Title    string                 `json:"title,omitempty"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NodeCandidate represents a thing mentioned in a document, as proposed by an Extractor
type NodeCandidate struct {
	Label      string     `json:"label"`
	Type       string     `json:"type"`
	Confidence float64    `json:"confidence"`
	Evidence   []Evidence `json:"evidence,omitempty"`
}

// EdgeCandidate represents a connection between two mentioned things
type EdgeCandidate struct {
	SourceLabel string     `json:"source_label"`
	SourceType  string     `json:"source_type,omitempty"`
	TargetLabel string     `json:"target_label"`
	TargetType  string     `json:"target_type,omitempty"`
	Type        string     `json:"type"`
	Confidence  float64    `json:"confidence"`
	Evidence    []Evidence `json:"evidence,omitempty"`
}

// Extraction is the structured output of an Extractor for one document
type Extraction struct {
	Nodes []NodeCandidate `json:"nodes"`
	Edges []EdgeCandidate `json:"edges"`
}

// MeanConfidence averages the confidence of every candidate; ok is false when there are none
func (e *Extraction) MeanConfidence() (mean float64, ok bool) {
	if e == nil {
		return 0, false
	}
	n := len(e.Nodes) + len(e.Edges)
	if n == 0 {
		return 0, false
	}
	sum := 0.0
	for _, c := range e.Nodes {
		sum += c.Confidence
	}
	for _, c := range e.Edges {
		sum += c.Confidence
	}
	return sum / float64(n), true
}

// Extractor maps raw text plus an ontology to candidate nodes and edges.
// Implementations either return a complete Extraction or an error, never a partial result.
type Extractor interface {
	Extract(ctx context.Context, doc Document, profile *DomainProfile) (*Extraction, error)
}

// DomainAnalysis is the output of the first bootstrap stage
type DomainAnalysis struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// ThingTypeProposal is the output of the thing type stage
type ThingTypeProposal struct {
	Types      []ThingType `json:"types"`
	Confidence float64     `json:"confidence"`
}

// ConnectionTypeProposal is the output of the connection type stage
type ConnectionTypeProposal struct {
	Types      []ConnectionType `json:"types"`
	Confidence float64          `json:"confidence"`
}

// SeedProposal is the output of the seed entity stage
type SeedProposal struct {
	Seeds      []SeedEntity `json:"seeds"`
	Confidence float64      `json:"confidence"`
}

// ContextProposal is the output of the extraction context stage
type ContextProposal struct {
	Context    string  `json:"context"`
	Confidence float64 `json:"confidence"`
}

// SchemaInferencer is the schema-inference capability consumed by the bootstrap stages.
// Each call sees the seed document plus the outputs of the stages before it.
type SchemaInferencer interface {
	AnalyzeDomain(ctx context.Context, doc Document) (*DomainAnalysis, error)
	IdentifyThingTypes(ctx context.Context, doc Document, domain DomainAnalysis) (*ThingTypeProposal, error)
	IdentifyConnectionTypes(ctx context.Context, doc Document, domain DomainAnalysis, things []ThingType) (*ConnectionTypeProposal, error)
	IdentifySeedEntities(ctx context.Context, doc Document, things []ThingType) (*SeedProposal, error)
	GenerateExtractionContext(ctx context.Context, doc Document, draft DomainProfile) (*ContextProposal, error)
}
