package processors

import (
	"context"
	"testing"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/graphtest"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adaProfile() *graph.DomainProfile {
	profile := graphtest.Profile()
	profile.ThingTypes[1].Examples = []string{"Analytical Engine"}
	profile.SeedEntities = []graph.SeedEntity{
		{Label: "Ada Lovelace", Type: "Person", Aliases: []string{"Lovelace"}},
		{Label: "Charles Babbage", Type: "Person", Aliases: []string{"Babbage"}},
	}
	return profile
}

func findNode(ex *graph.Extraction, label string) (graph.NodeCandidate, bool) {
	for _, n := range ex.Nodes {
		if n.Label == label {
			return n, true
		}
	}
	return graph.NodeCandidate{}, false
}

func findEdge(ex *graph.Extraction, source, relType, target string) (graph.EdgeCandidate, bool) {
	for _, e := range ex.Edges {
		if e.SourceLabel == source && e.Type == relType && e.TargetLabel == target {
			return e, true
		}
	}
	return graph.EdgeCandidate{}, false
}

func TestProseExtractorFindsSeedsAndConnections(t *testing.T) {
	x := NewProseExtractor(nil)
	ex, err := x.Extract(context.Background(), graphtest.AdaDocument(), adaProfile())
	require.NoError(t, err)

	ada, ok := findNode(ex, "Ada Lovelace")
	require.True(t, ok)
	assert.Equal(t, "Person", ada.Type)
	assert.Equal(t, seedConfidence, ada.Confidence)
	assert.NotEmpty(t, ada.Evidence)

	engine, ok := findNode(ex, "Analytical Engine")
	require.True(t, ok)
	assert.Equal(t, "Invention", engine.Type)

	collab, ok := findEdge(ex, "Ada Lovelace", "collaborated_with", "Charles Babbage")
	require.True(t, ok)
	assert.Equal(t, phraseConfidence, collab.Confidence)
	require.Len(t, collab.Evidence, 1)
	assert.Equal(t, "doc-ada", collab.Evidence[0].DocumentID)
	assert.Contains(t, collab.Evidence[0].Quote, "collaborated with Charles Babbage")

	_, ok = findEdge(ex, "Charles Babbage", "designed", "Analytical Engine")
	assert.True(t, ok)
	_, ok = findEdge(ex, "Charles Babbage", "collaborated_with", "Analytical Engine")
	assert.False(t, ok, "words between the mentions name no connection")
}

func TestProseExtractorRequiresProfile(t *testing.T) {
	_, err := NewProseExtractor(nil).Extract(context.Background(), graphtest.AdaDocument(), nil)
	require.Error(t, err)
}

func TestProseExtractorHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewProseExtractor(nil).Extract(ctx, graphtest.AdaDocument(), adaProfile())
	require.ErrorIs(t, err, context.Canceled)
}

func TestConnectionBetween(t *testing.T) {
	profile := graphtest.Profile()
	verbs := mapset.NewThreadUnsafeSet[string]("designing")

	tests := []struct {
		name       string
		between    string
		want       string
		confidence float64
		ok         bool
	}{
		{name: "phrase", between: " collaborated with ", want: "collaborated_with", confidence: phraseConfidence, ok: true},
		{name: "verb stem", between: " kept designing ", want: "designed", confidence: verbConfidence, ok: true},
		{name: "no link", between: " and then ", ok: false},
		{name: "nothing between", between: ", ", ok: false},
		{name: "too far apart", between: " who many years later and after a great deal of travel finally designed ", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, confidence, ok := connectionBetween(tt.between, profile, verbs)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.confidence, confidence)
		})
	}
}

func TestWordIndexesRespectsBoundaries(t *testing.T) {
	assert.Equal(t, []int{0, 17}, wordIndexes("babbage met with babbage", "babbage"))
	assert.Empty(t, wordIndexes("babbages", "babbage"))
	assert.Empty(t, wordIndexes("anything", ""))
}

func TestTypeForEntity(t *testing.T) {
	profile := &graph.DomainProfile{ThingTypes: []graph.ThingType{
		{Name: "Historical Figure"},
		{Name: "City"},
	}}
	assert.Equal(t, "Historical Figure", typeForEntity(profile, "PERSON"))
	assert.Equal(t, "City", typeForEntity(profile, "GPE"))
	assert.Equal(t, "Organization", typeForEntity(profile, "ORG"))
	assert.Empty(t, typeForEntity(profile, "MONEY"))
}

func TestProseInferencerProposesFallbacks(t *testing.T) {
	ctx := context.Background()
	inf := NewProseInferencer()
	doc := graphtest.AdaDocument()

	domain, err := inf.AnalyzeDomain(ctx, doc)
	require.NoError(t, err)
	assert.NotEmpty(t, domain.Name)
	assert.Greater(t, domain.Confidence, 0.0)

	things, err := inf.IdentifyThingTypes(ctx, doc, *domain)
	require.NoError(t, err)
	require.NotEmpty(t, things.Types)
	last := things.Types[len(things.Types)-1]
	assert.Equal(t, fallbackType, last.Name)
	assert.Equal(t, graph.PriorityLowest, last.Priority)

	links, err := inf.IdentifyConnectionTypes(ctx, doc, *domain, things.Types)
	require.NoError(t, err)
	assert.Equal(t, fallbackLink, links.Types[len(links.Types)-1].Name)

	seeds, err := inf.IdentifySeedEntities(ctx, doc, things.Types)
	require.NoError(t, err)
	for _, s := range seeds.Seeds {
		_, known := (&graph.DomainProfile{ThingTypes: things.Types}).ThingType(s.Type)
		assert.True(t, known, "seed %s has an unproposed type %s", s.Label, s.Type)
	}
}

func TestProseInferencerExtractionContext(t *testing.T) {
	got, err := NewProseInferencer().GenerateExtractionContext(context.Background(), graphtest.AdaDocument(), *graphtest.Profile())
	require.NoError(t, err)
	assert.Equal(t, "Extract Person, Invention, Organization, Place from documents about History of computing."+
		" Link them only with: collaborated_with, designed, member_of."+
		" Known entities: Charles Babbage.", got.Context)
	assert.Equal(t, 0.7, got.Confidence)
}

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "Engine, Babbage", titleCase("engine, babbage"))
	assert.Equal(t, "", titleCase(""))
}
