// Package graphtest provides deterministic collaborators for tests of the graph engine.
package graphtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/pkg/errors"
)

// Profile returns a small finalized profile about the history of computing
func Profile() *graph.DomainProfile {
	return &graph.DomainProfile{
		Name:        "History of computing",
		Description: "People, machines and ideas from the early history of computing.",
		ThingTypes: []graph.ThingType{
			{Name: "Person", Description: "A historical figure", Priority: 1},
			{Name: "Invention", Description: "A machine or artefact", Priority: 1},
			{Name: "Organization", Description: "An institution or society", Priority: 2},
			{Name: "Place", Description: "A city or country", Priority: 3},
		},
		ConnectionTypes: []graph.ConnectionType{
			{Name: "collaborated_with", Description: "Worked together"},
			{Name: "designed", Description: "Designed a machine"},
			{Name: "member_of", Description: "Belonged to an institution"},
		},
		SeedEntities: []graph.SeedEntity{
			{Label: "Charles Babbage", Type: "Person"},
		},
		ExtractionContext:   "Extract people, machines and institutions of early computing.",
		BootstrapConfidence: 0.9,
		FinalizedAt:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// AdaDocument is the seed transcript used across scenarios
func AdaDocument() graph.Document {
	return graph.Document{
		ID:    "doc-ada",
		Title: "Ada and the Analytical Engine",
		Content: "[00:00:05] Ada Lovelace collaborated with Charles Babbage on the Analytical Engine. " +
			"[00:00:42] Babbage designed the Analytical Engine, and Lovelace wrote the first program for it.",
	}
}

// AdaExtraction is what an extractor would propose for AdaDocument
func AdaExtraction() *graph.Extraction {
	return &graph.Extraction{
		Nodes: []graph.NodeCandidate{
			{Label: "Ada Lovelace", Type: "Person", Confidence: 0.95, Evidence: []graph.Evidence{{DocumentID: "doc-ada", Quote: "Ada Lovelace collaborated with Charles Babbage"}}},
			{Label: "Charles Babbage", Type: "Person", Confidence: 0.95, Evidence: []graph.Evidence{{DocumentID: "doc-ada", Quote: "collaborated with Charles Babbage"}}},
			{Label: "Analytical Engine", Type: "Invention", Confidence: 0.9, Evidence: []graph.Evidence{{DocumentID: "doc-ada", Quote: "Babbage designed the Analytical Engine"}}},
		},
		Edges: []graph.EdgeCandidate{
			{SourceLabel: "Ada Lovelace", TargetLabel: "Charles Babbage", Type: "collaborated_with", Confidence: 0.9,
				Evidence: []graph.Evidence{{DocumentID: "doc-ada", Quote: "Ada Lovelace collaborated with Charles Babbage"}}},
			{SourceLabel: "Charles Babbage", TargetLabel: "Analytical Engine", Type: "designed", Confidence: 0.9,
				Evidence: []graph.Evidence{{DocumentID: "doc-ada", Quote: "Babbage designed the Analytical Engine"}}},
		},
	}
}

// ScriptedExtractor returns canned extractions keyed by document ID
type ScriptedExtractor struct {
	mu      sync.Mutex
	Results map[string]*graph.Extraction
	Err     error
	Delay   time.Duration
	calls   int
}

// NewScriptedExtractor creates an extractor with no scripted results
func NewScriptedExtractor() *ScriptedExtractor {
	return &ScriptedExtractor{Results: make(map[string]*graph.Extraction)}
}

// Script sets the extraction returned for docID
func (e *ScriptedExtractor) Script(docID string, ex *graph.Extraction) *ScriptedExtractor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Results[docID] = ex
	return e
}

// Calls returns how many times Extract was invoked
func (e *ScriptedExtractor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Extract implements graph.Extractor
func (e *ScriptedExtractor) Extract(ctx context.Context, doc graph.Document, profile *graph.DomainProfile) (*graph.Extraction, error) {
	e.mu.Lock()
	e.calls++
	result, err, delay := e.Results[doc.ID], e.Err, e.Delay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &graph.Extraction{}, nil
	}
	copied := *result
	copied.Nodes = append([]graph.NodeCandidate(nil), result.Nodes...)
	copied.Edges = append([]graph.EdgeCandidate(nil), result.Edges...)
	return &copied, nil
}

// ScriptedInferencer answers every schema inference stage from fixed values.
// FailStage names a stage ("analyze_content_domain", ...) that returns an error instead.
type ScriptedInferencer struct {
	Domain      graph.DomainAnalysis
	Things      graph.ThingTypeProposal
	Connections graph.ConnectionTypeProposal
	Seeds       graph.SeedProposal
	Context     graph.ContextProposal
	FailStage   string
	// Block, when set, makes the named stage wait for the context to be cancelled
	Block string
}

// AdaInferencer proposes the history-of-computing profile for AdaDocument
func AdaInferencer() *ScriptedInferencer {
	p := Profile()
	return &ScriptedInferencer{
		Domain:      graph.DomainAnalysis{Name: p.Name, Description: p.Description, Confidence: 0.9},
		Things:      graph.ThingTypeProposal{Types: p.ThingTypes, Confidence: 0.9},
		Connections: graph.ConnectionTypeProposal{Types: p.ConnectionTypes, Confidence: 0.8},
		Seeds: graph.SeedProposal{Seeds: []graph.SeedEntity{
			{Label: "Ada Lovelace", Type: "Person", Aliases: []string{"Lovelace"}},
			{Label: "Charles Babbage", Type: "Person", Aliases: []string{"Babbage"}},
		}, Confidence: 0.7},
		Context: graph.ContextProposal{Context: p.ExtractionContext, Confidence: 0.6},
	}
}

func (s *ScriptedInferencer) gate(ctx context.Context, stage string) error {
	if s.Block == stage {
		<-ctx.Done()
		return ctx.Err()
	}
	if strings.EqualFold(s.FailStage, stage) {
		return errors.Errorf("scripted failure in %s", stage)
	}
	return nil
}

// AnalyzeDomain implements graph.SchemaInferencer
func (s *ScriptedInferencer) AnalyzeDomain(ctx context.Context, doc graph.Document) (*graph.DomainAnalysis, error) {
	if err := s.gate(ctx, "analyze_content_domain"); err != nil {
		return nil, err
	}
	d := s.Domain
	return &d, nil
}

// IdentifyThingTypes implements graph.SchemaInferencer
func (s *ScriptedInferencer) IdentifyThingTypes(ctx context.Context, doc graph.Document, domain graph.DomainAnalysis) (*graph.ThingTypeProposal, error) {
	if err := s.gate(ctx, "identify_thing_types"); err != nil {
		return nil, err
	}
	p := s.Things
	p.Types = append([]graph.ThingType(nil), s.Things.Types...)
	return &p, nil
}

// IdentifyConnectionTypes implements graph.SchemaInferencer
func (s *ScriptedInferencer) IdentifyConnectionTypes(ctx context.Context, doc graph.Document, domain graph.DomainAnalysis, things []graph.ThingType) (*graph.ConnectionTypeProposal, error) {
	if err := s.gate(ctx, "identify_connection_types"); err != nil {
		return nil, err
	}
	p := s.Connections
	p.Types = append([]graph.ConnectionType(nil), s.Connections.Types...)
	return &p, nil
}

// IdentifySeedEntities implements graph.SchemaInferencer
func (s *ScriptedInferencer) IdentifySeedEntities(ctx context.Context, doc graph.Document, things []graph.ThingType) (*graph.SeedProposal, error) {
	if err := s.gate(ctx, "identify_seed_entities"); err != nil {
		return nil, err
	}
	p := s.Seeds
	p.Seeds = append([]graph.SeedEntity(nil), s.Seeds.Seeds...)
	return &p, nil
}

// GenerateExtractionContext implements graph.SchemaInferencer
func (s *ScriptedInferencer) GenerateExtractionContext(ctx context.Context, doc graph.Document, draft graph.DomainProfile) (*graph.ContextProposal, error) {
	if err := s.gate(ctx, "generate_extraction_context"); err != nil {
		return nil, err
	}
	c := s.Context
	return &c, nil
}
