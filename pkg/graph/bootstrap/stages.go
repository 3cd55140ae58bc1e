package bootstrap

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/athapong/kgraph/pkg/graph"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

// Stage names, in execution order
const (
	StageAnalyzeDomain     = "analyze_content_domain"
	StageThingTypes        = "identify_thing_types"
	StageConnectionTypes   = "identify_connection_types"
	StageSeedEntities      = "identify_seed_entities"
	StageExtractionContext = "generate_extraction_context"
	StageFinalizeProfile   = "finalize_domain_profile"
)

const (
	minThingTypes = 4
	maxThingTypes = 8

	// bootstrap confidence weights per stage
	weightThingTypes        = 0.40
	weightConnectionTypes   = 0.30
	weightSeedEntities      = 0.15
	weightExtractionContext = 0.15
)

// Draft is the profile under construction. Stages receive it by value and return a new one.
type Draft struct {
	Name              string
	Description       string
	ThingTypes        []graph.ThingType
	ConnectionTypes   []graph.ConnectionType
	SeedEntities      []graph.SeedEntity
	ExtractionContext string
	Confidences       map[string]float64
	Profile           *graph.DomainProfile
}

func (d Draft) withConfidence(stage string, v float64) Draft {
	confidences := make(map[string]float64, len(d.Confidences)+1)
	for k, c := range d.Confidences {
		confidences[k] = c
	}
	confidences[stage] = clamp01(v)
	d.Confidences = confidences
	return d
}

// StageFunc is one step of the bootstrap pipeline
type StageFunc func(ctx context.Context, doc graph.Document, draft Draft) (Draft, error)

// Stage pairs a stage name with its step
type Stage struct {
	Name string
	Run  StageFunc
}

// DefaultStages returns the six bootstrap stages backed by inferencer
func DefaultStages(inferencer graph.SchemaInferencer) []Stage {
	return []Stage{
		{Name: StageAnalyzeDomain, Run: analyzeDomain(inferencer)},
		{Name: StageThingTypes, Run: identifyThingTypes(inferencer)},
		{Name: StageConnectionTypes, Run: identifyConnectionTypes(inferencer)},
		{Name: StageSeedEntities, Run: identifySeedEntities(inferencer)},
		{Name: StageExtractionContext, Run: generateExtractionContext(inferencer)},
		{Name: StageFinalizeProfile, Run: finalizeProfile},
	}
}

func analyzeDomain(inferencer graph.SchemaInferencer) StageFunc {
	return func(ctx context.Context, doc graph.Document, draft Draft) (Draft, error) {
		if strings.TrimSpace(doc.Content) == "" {
			return draft, errors.New("seed document is empty")
		}
		domain, err := inferencer.AnalyzeDomain(ctx, doc)
		if err != nil {
			return draft, err
		}
		if domain == nil || strings.TrimSpace(domain.Name) == "" {
			return draft, errors.New("no domain name proposed")
		}
		draft.Name = strings.TrimSpace(domain.Name)
		draft.Description = strings.TrimSpace(domain.Description)
		return draft.withConfidence(StageAnalyzeDomain, domain.Confidence), nil
	}
}

func identifyThingTypes(inferencer graph.SchemaInferencer) StageFunc {
	return func(ctx context.Context, doc graph.Document, draft Draft) (Draft, error) {
		proposal, err := inferencer.IdentifyThingTypes(ctx, doc, graph.DomainAnalysis{
			Name:        draft.Name,
			Description: draft.Description,
			Confidence:  draft.Confidences[StageAnalyzeDomain],
		})
		if err != nil {
			return draft, err
		}
		if proposal == nil {
			return draft, errors.New("no thing types proposed")
		}
		types := NormalizeThingTypes(proposal.Types)
		if len(types) == 0 {
			return draft, errors.New("at least one thing type is required")
		}
		draft.ThingTypes = PadThingTypes(types)
		return draft.withConfidence(StageThingTypes, proposal.Confidence), nil
	}
}

func identifyConnectionTypes(inferencer graph.SchemaInferencer) StageFunc {
	return func(ctx context.Context, doc graph.Document, draft Draft) (Draft, error) {
		proposal, err := inferencer.IdentifyConnectionTypes(ctx, doc, graph.DomainAnalysis{
			Name:        draft.Name,
			Description: draft.Description,
			Confidence:  draft.Confidences[StageAnalyzeDomain],
		}, draft.ThingTypes)
		if err != nil {
			return draft, err
		}
		if proposal == nil {
			return draft, errors.New("no connection types proposed")
		}
		types := NormalizeConnectionTypes(proposal.Types)
		if len(types) == 0 {
			return draft, errors.New("at least one connection type is required")
		}
		draft.ConnectionTypes = types
		return draft.withConfidence(StageConnectionTypes, proposal.Confidence), nil
	}
}

func identifySeedEntities(inferencer graph.SchemaInferencer) StageFunc {
	return func(ctx context.Context, doc graph.Document, draft Draft) (Draft, error) {
		proposal, err := inferencer.IdentifySeedEntities(ctx, doc, draft.ThingTypes)
		if err != nil {
			return draft, err
		}
		if proposal == nil {
			proposal = &graph.SeedProposal{}
		}
		draft.SeedEntities = NormalizeSeeds(proposal.Seeds, draft.ThingTypes)
		return draft.withConfidence(StageSeedEntities, proposal.Confidence), nil
	}
}

func generateExtractionContext(inferencer graph.SchemaInferencer) StageFunc {
	return func(ctx context.Context, doc graph.Document, draft Draft) (Draft, error) {
		proposal, err := inferencer.GenerateExtractionContext(ctx, doc, graph.DomainProfile{
			Name:            draft.Name,
			Description:     draft.Description,
			ThingTypes:      draft.ThingTypes,
			ConnectionTypes: draft.ConnectionTypes,
			SeedEntities:    draft.SeedEntities,
		})
		if err != nil {
			return draft, err
		}
		if proposal == nil || strings.TrimSpace(proposal.Context) == "" {
			return draft, errors.New("no extraction context generated")
		}
		draft.ExtractionContext = strings.TrimSpace(proposal.Context)
		return draft.withConfidence(StageExtractionContext, proposal.Confidence), nil
	}
}

func finalizeProfile(ctx context.Context, doc graph.Document, draft Draft) (Draft, error) {
	if len(draft.ThingTypes) == 0 || len(draft.ConnectionTypes) == 0 {
		return draft, errors.New("profile is incomplete")
	}
	confidence := weightThingTypes*draft.Confidences[StageThingTypes] +
		weightConnectionTypes*draft.Confidences[StageConnectionTypes] +
		weightSeedEntities*draft.Confidences[StageSeedEntities] +
		weightExtractionContext*draft.Confidences[StageExtractionContext]

	stageConfidences := make(map[string]float64, len(draft.Confidences))
	for k, v := range draft.Confidences {
		stageConfidences[k] = v
	}
	draft.Profile = &graph.DomainProfile{
		Name:                draft.Name,
		Description:         draft.Description,
		ThingTypes:          append([]graph.ThingType(nil), draft.ThingTypes...),
		ConnectionTypes:     append([]graph.ConnectionType(nil), draft.ConnectionTypes...),
		SeedEntities:        append([]graph.SeedEntity{}, draft.SeedEntities...),
		ExtractionContext:   draft.ExtractionContext,
		BootstrapConfidence: clamp01(confidence),
		StageConfidences:    stageConfidences,
		FinalizedAt:         time.Now().UTC(),
	}
	return draft, nil
}

// genericThingTypes fill out profiles whose proposal names fewer than minThingTypes types
var genericThingTypes = []graph.ThingType{
	{Name: "Person", Description: "A person mentioned in the narrative"},
	{Name: "Organization", Description: "A company, institution or group"},
	{Name: "Place", Description: "A city, country or location"},
	{Name: "Concept", Description: "An idea, object or event"},
	{Name: "Event", Description: "Something that happened at a point in time"},
}

// PadThingTypes appends generic lowest-priority types not already present until there
// are at least four
func PadThingTypes(types []graph.ThingType) []graph.ThingType {
	if len(types) >= minThingTypes {
		return types
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, t := range types {
		seen.Add(strings.ToLower(t.Name))
	}
	out := append([]graph.ThingType(nil), types...)
	for _, generic := range genericThingTypes {
		if len(out) >= minThingTypes {
			break
		}
		if seen.Contains(strings.ToLower(generic.Name)) {
			continue
		}
		generic.Priority = graph.PriorityLowest
		out = append(out, generic)
	}
	return out
}

// NormalizeThingTypes trims names, drops blanks and case-insensitive duplicates, clamps
// priorities into 1..3 and keeps at most eight types, highest priority first.
func NormalizeThingTypes(in []graph.ThingType) []graph.ThingType {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]graph.ThingType, 0, len(in))
	for _, t := range in {
		t.Name = strings.TrimSpace(t.Name)
		key := strings.ToLower(t.Name)
		if t.Name == "" || seen.Contains(key) {
			continue
		}
		seen.Add(key)
		t.Priority = clampPriority(t.Priority)
		t.Examples = append([]string(nil), t.Examples...)
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	if len(out) > maxThingTypes {
		out = out[:maxThingTypes]
	}
	return out
}

// NormalizeConnectionTypes trims names, drops blanks and case-insensitive duplicates
func NormalizeConnectionTypes(in []graph.ConnectionType) []graph.ConnectionType {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]graph.ConnectionType, 0, len(in))
	for _, c := range in {
		c.Name = strings.TrimSpace(c.Name)
		key := strings.ToLower(c.Name)
		if c.Name == "" || seen.Contains(key) {
			continue
		}
		seen.Add(key)
		c.Priority = clampPriority(c.Priority)
		c.Examples = append([]string(nil), c.Examples...)
		out = append(out, c)
	}
	return out
}

// NormalizeSeeds keeps seeds whose type is one of types, spelled as in types, once per label
func NormalizeSeeds(in []graph.SeedEntity, types []graph.ThingType) []graph.SeedEntity {
	profile := &graph.DomainProfile{ThingTypes: types}
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]graph.SeedEntity, 0, len(in))
	for _, s := range in {
		s.Label = strings.TrimSpace(s.Label)
		t, ok := profile.ThingType(s.Type)
		key := graph.NormalizeLabel(s.Label)
		if !ok || key == "" || seen.Contains(key) {
			continue
		}
		seen.Add(key)
		s.Type = t.Name
		s.Aliases = append([]string(nil), s.Aliases...)
		out = append(out, s)
	}
	return out
}

func clampPriority(p int) int {
	switch {
	case p < graph.PriorityHighest:
		return graph.PriorityHighest
	case p > graph.PriorityLowest:
		return graph.PriorityLowest
	default:
		return p
	}
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
