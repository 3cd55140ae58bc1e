package extraction

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/graphtest"
	"github.com/athapong/kgraph/pkg/graph/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func activate(t *testing.T, s *storage.Store, profile *graph.DomainProfile) string {
	t.Helper()
	p, err := s.CreateProject(context.Background(), "Computing")
	require.NoError(t, err)
	_, err = s.Update(context.Background(), p.ID, func(tx *graph.Tx) error {
		tx.SetProfile(profile)
		tx.SetState(graph.StateActive)
		return nil
	})
	require.NoError(t, err)
	return p.ID
}

func TestExtractRequiresActiveProject(t *testing.T) {
	s := newStore(t)
	p, err := s.CreateProject(context.Background(), "Computing")
	require.NoError(t, err)
	extractor := graphtest.NewScriptedExtractor()
	engine := NewEngine(s, extractor, Options{}, nil)

	_, err = engine.Extract(context.Background(), p.ID, graphtest.AdaDocument())
	require.ErrorIs(t, err, graph.ErrInvalidState)
	assert.Zero(t, extractor.Calls(), "the extractor is not consulted")
}

func TestExtractCommitsCandidates(t *testing.T) {
	s := newStore(t)
	id := activate(t, s, graphtest.Profile())
	doc := graphtest.AdaDocument()
	engine := NewEngine(s, graphtest.NewScriptedExtractor().Script(doc.ID, graphtest.AdaExtraction()), Options{}, nil)

	res, err := engine.Extract(context.Background(), id, doc)
	require.NoError(t, err)
	assert.Equal(t, 3, res.NodesAdded)
	assert.Equal(t, 2, res.EdgesAdded)
	assert.Zero(t, res.DiscoveriesQueued)
	assert.Equal(t, graph.StateActive, res.State)

	snap, _ := s.Snapshot(id)
	ada := snap.NodesByLabel("ada lovelace")
	require.Len(t, ada, 1)
	assert.Equal(t, "Person", ada[0].Type)
	require.Len(t, ada[0].Evidence, 1)
	assert.Equal(t, "00:00:05", ada[0].Evidence[0].Timestamp)
	assert.Equal(t, doc.ID, ada[0].FirstSeenDocument)

	engineNode := snap.NodesByLabel("Analytical Engine")
	require.Len(t, engineNode, 1)
	assert.Equal(t, "00:00:42", engineNode[0].Evidence[0].Timestamp)
}

func TestReExtractionIsIdempotent(t *testing.T) {
	s := newStore(t)
	id := activate(t, s, graphtest.Profile())
	doc := graphtest.AdaDocument()
	engine := NewEngine(s, graphtest.NewScriptedExtractor().Script(doc.ID, graphtest.AdaExtraction()), Options{}, nil)

	_, err := engine.Extract(context.Background(), id, doc)
	require.NoError(t, err)
	first, _ := s.Export(id)

	res, err := engine.Extract(context.Background(), id, doc)
	require.NoError(t, err)
	assert.Zero(t, res.NodesAdded)
	assert.Zero(t, res.EdgesAdded)
	second, _ := s.Export(id)

	assert.Equal(t, first.Nodes, second.Nodes)
	assert.Equal(t, first.Edges, second.Edges)
	assert.Equal(t, first.Project.DocumentCount, second.Project.DocumentCount)
}

func TestUnknownTypesBecomeDiscoveries(t *testing.T) {
	s := newStore(t)
	id := activate(t, s, graphtest.Profile())
	doc := graph.Document{ID: "doc-2", Content: "Lovelace was mentored by Mary Somerville, a member of the Royal Society."}
	ex := &graph.Extraction{
		Nodes: []graph.NodeCandidate{
			{Label: "Ada Lovelace", Type: "Person", Confidence: 0.9},
			{Label: "Mary Somerville", Type: "Person", Confidence: 0.9},
			{Label: "Royal Society", Type: "Society", Confidence: 0.9},
		},
		Edges: []graph.EdgeCandidate{
			{SourceLabel: "Mary Somerville", TargetLabel: "Ada Lovelace", Type: "mentored", Confidence: 0.9},
			{SourceLabel: "Mary Somerville", TargetLabel: "Royal Society", Type: "member_of", Confidence: 0.9},
		},
	}
	engine := NewEngine(s, graphtest.NewScriptedExtractor().Script(doc.ID, ex), Options{}, nil)

	res, err := engine.Extract(context.Background(), id, doc)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NodesAdded)
	assert.Zero(t, res.EdgesAdded)
	assert.Equal(t, 3, res.DiscoveriesQueued)

	p, _ := s.GetProject(id)
	pending := p.PendingDiscoveries()
	require.Len(t, pending, 3)
	assert.Equal(t, graph.ReasonUnknownType, pending[0].Reason)
	assert.Equal(t, "Royal Society", pending[0].Node.Label)
	assert.Equal(t, graph.ReasonUnknownType, pending[1].Reason)
	assert.Equal(t, "mentored", pending[1].Edge.Type)
	assert.Equal(t, graph.ReasonUnresolvedEndpoint, pending[2].Reason)

	// the same proposals are not queued twice
	res, err = engine.Extract(context.Background(), id, doc)
	require.NoError(t, err)
	assert.Zero(t, res.DiscoveriesQueued)
}

func TestLowConfidenceCandidatesAreQueued(t *testing.T) {
	s := newStore(t)
	id := activate(t, s, graphtest.Profile())
	doc := graph.Document{ID: "doc-3", Content: "Perhaps Babbage met Faraday."}
	ex := &graph.Extraction{
		Nodes: []graph.NodeCandidate{
			{Label: "Charles Babbage", Type: "Person", Confidence: 0.9},
			{Label: "Michael Faraday", Type: "Person", Confidence: 0.4},
		},
		Edges: []graph.EdgeCandidate{
			{SourceLabel: "Charles Babbage", TargetLabel: "Michael Faraday", Type: "collaborated_with", Confidence: 0.9},
		},
	}
	engine := NewEngine(s, graphtest.NewScriptedExtractor().Script(doc.ID, ex), Options{}, nil)

	res, err := engine.Extract(context.Background(), id, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NodesAdded)
	assert.Equal(t, 2, res.DiscoveriesQueued)

	snap, _ := s.Snapshot(id)
	assert.Empty(t, snap.NodesByLabel("Michael Faraday"))
	pending := snap.Project().PendingDiscoveries()
	assert.Equal(t, graph.ReasonLowConfidence, pending[0].Reason)
	assert.Equal(t, graph.ReasonUnresolvedEndpoint, pending[1].Reason, "the edge's endpoint was routed to confirmation")
}

func TestFuzzyMatchMergesSpellingVariants(t *testing.T) {
	s := newStore(t)
	id := activate(t, s, graphtest.Profile())
	doc := graphtest.AdaDocument()
	variant := graph.Document{ID: "doc-variant", Content: "Charles Babage built engines."}
	extractor := graphtest.NewScriptedExtractor().
		Script(doc.ID, graphtest.AdaExtraction()).
		Script(variant.ID, &graph.Extraction{Nodes: []graph.NodeCandidate{{Label: "Charles Babage", Type: "Person", Confidence: 0.95}}})
	engine := NewEngine(s, extractor, Options{}, nil)

	_, err := engine.Extract(context.Background(), id, doc)
	require.NoError(t, err)
	res, err := engine.Extract(context.Background(), id, variant)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NodesMerged)
	assert.Zero(t, res.NodesAdded)

	snap, _ := s.Snapshot(id)
	babbage := snap.NodesByLabel("Charles Babage")
	require.Len(t, babbage, 1)
	assert.Equal(t, "Charles Babbage", babbage[0].Label)
	assert.Contains(t, babbage[0].Aliases, "Charles Babage")
	assert.Equal(t, 2, babbage[0].Mentions)
}

func TestEndpointWithKnownTypeIsCreated(t *testing.T) {
	s := newStore(t)
	id := activate(t, s, graphtest.Profile())
	doc := graph.Document{ID: "doc-4", Content: "Babbage designed the Difference Engine."}
	ex := &graph.Extraction{
		Edges: []graph.EdgeCandidate{
			{SourceLabel: "Charles Babbage", SourceType: "Person", TargetLabel: "Difference Engine", TargetType: "Invention", Type: "designed", Confidence: 0.8},
		},
	}
	engine := NewEngine(s, graphtest.NewScriptedExtractor().Script(doc.ID, ex), Options{}, nil)

	res, err := engine.Extract(context.Background(), id, doc)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NodesAdded)
	assert.Equal(t, 1, res.EdgesAdded)
}

func TestQueuedEdgeCreatesNoEndpoints(t *testing.T) {
	tests := []struct {
		name   string
		edge   graph.EdgeCandidate
		reason graph.DiscoveryReason
	}{
		{
			name:   "low confidence",
			edge:   graph.EdgeCandidate{SourceLabel: "Grace Hopper", SourceType: "Person", TargetLabel: "Alan Turing", TargetType: "Person", Type: "collaborated_with", Confidence: 0.1},
			reason: graph.ReasonLowConfidence,
		},
		{
			name:   "target type outside the profile",
			edge:   graph.EdgeCandidate{SourceLabel: "Grace Hopper", SourceType: "Person", TargetLabel: "Ida Rhodes", TargetType: "Engineer", Type: "collaborated_with", Confidence: 0.9},
			reason: graph.ReasonUnresolvedEndpoint,
		},
		{
			name:   "source type outside the profile",
			edge:   graph.EdgeCandidate{SourceLabel: "Ida Rhodes", SourceType: "Engineer", TargetLabel: "Grace Hopper", TargetType: "Person", Type: "collaborated_with", Confidence: 0.9},
			reason: graph.ReasonUnresolvedEndpoint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			id := activate(t, s, graphtest.Profile())
			doc := graph.Document{ID: "doc-hopper", Content: "Grace Hopper maybe knew Alan Turing and Ida Rhodes."}
			ex := &graph.Extraction{Edges: []graph.EdgeCandidate{tt.edge}}
			engine := NewEngine(s, graphtest.NewScriptedExtractor().Script(doc.ID, ex), Options{}, nil)

			res, err := engine.Extract(context.Background(), id, doc)
			require.NoError(t, err)
			assert.Equal(t, 1, res.DiscoveriesQueued)
			assert.Zero(t, res.NodesAdded)
			assert.Zero(t, res.EdgesAdded)

			snap, _ := s.Snapshot(id)
			assert.Zero(t, snap.NodeCount())
			assert.Zero(t, snap.EdgeCount())
			pending := snap.Project().PendingDiscoveries()
			require.Len(t, pending, 1)
			assert.Equal(t, tt.reason, pending[0].Reason)
		})
	}
}

func TestCommittedEdgeCreatesSharedEndpointOnce(t *testing.T) {
	s := newStore(t)
	id := activate(t, s, graphtest.Profile())
	doc := graph.Document{ID: "doc-hopper", Content: "Grace Hopper worked with Howard Aiken on the Harvard Mark I."}
	ex := &graph.Extraction{
		Edges: []graph.EdgeCandidate{
			{SourceLabel: "Grace Hopper", SourceType: "Person", TargetLabel: "Howard Aiken", TargetType: "Person", Type: "collaborated_with", Confidence: 0.9},
			{SourceLabel: "Grace Hopper", SourceType: "Person", TargetLabel: "Harvard Mark I", TargetType: "Invention", Type: "designed", Confidence: 0.3},
			{SourceLabel: "Howard Aiken", SourceType: "Person", TargetLabel: "Harvard Mark I", TargetType: "Invention", Type: "designed", Confidence: 0.9},
		},
	}
	engine := NewEngine(s, graphtest.NewScriptedExtractor().Script(doc.ID, ex), Options{}, nil)

	res, err := engine.Extract(context.Background(), id, doc)
	require.NoError(t, err)
	assert.Equal(t, 3, res.NodesAdded)
	assert.Equal(t, 2, res.EdgesAdded)
	assert.Equal(t, 1, res.DiscoveriesQueued)

	snap, _ := s.Snapshot(id)
	assert.Equal(t, 3, snap.NodeCount())
	assert.Len(t, snap.NodesByLabel("Howard Aiken"), 1)
}

func TestStoredQuotesComeFromTheDocument(t *testing.T) {
	s := newStore(t)
	id := activate(t, s, graphtest.Profile())
	doc := graph.Document{ID: "doc-hopper", Content: "[00:10] Grace Hopper maybe knew Alan Turing."}
	ex := &graph.Extraction{
		Nodes: []graph.NodeCandidate{
			{Label: "Grace Hopper", Type: "Person", Confidence: 0.9},
			{Label: "Alan Turing", Type: "Person", Confidence: 0.9, Evidence: []graph.Evidence{{Quote: "maybe knew Alan Turing"}}},
		},
		Edges: []graph.EdgeCandidate{
			{SourceLabel: "Grace Hopper", TargetLabel: "Alan Turing", Type: "collaborated_with", Confidence: 0.9},
		},
	}
	engine := NewEngine(s, graphtest.NewScriptedExtractor().Script(doc.ID, ex), Options{}, nil)

	res, err := engine.Extract(context.Background(), id, doc)
	require.NoError(t, err)
	require.Equal(t, 1, res.EdgesAdded)

	snap, _ := s.Snapshot(id)
	var evidence []graph.Evidence
	for _, n := range snap.Nodes() {
		evidence = append(evidence, n.Evidence...)
	}
	for _, e := range snap.Edges() {
		evidence = append(evidence, e.Evidence...)
	}
	require.NotEmpty(t, evidence)
	for _, ev := range evidence {
		assert.Equal(t, doc.ID, ev.DocumentID)
		if ev.Quote != "" {
			assert.Contains(t, doc.Content, ev.Quote)
		}
	}

	hopper := snap.NodesByLabel("Grace Hopper")
	require.Len(t, hopper, 1)
	assert.Equal(t, []graph.Evidence{{DocumentID: doc.ID}}, hopper[0].Evidence)
	turing := snap.NodesByLabel("Alan Turing")
	require.Len(t, turing, 1)
	assert.Equal(t, "00:10", turing[0].Evidence[0].Timestamp)
}

func TestSeedEntitiesNameNewNodes(t *testing.T) {
	s := newStore(t)
	profile := graphtest.Profile()
	profile.SeedEntities = []graph.SeedEntity{{Label: "Ada Lovelace", Type: "Person", Aliases: []string{"Lovelace", "Countess of Lovelace"}}}
	id := activate(t, s, profile)
	doc := graph.Document{ID: "doc-5", Content: "Lovelace wrote notes."}
	ex := &graph.Extraction{Nodes: []graph.NodeCandidate{{Label: "Lovelace", Type: "Person", Confidence: 0.9}}}
	engine := NewEngine(s, graphtest.NewScriptedExtractor().Script(doc.ID, ex), Options{}, nil)

	_, err := engine.Extract(context.Background(), id, doc)
	require.NoError(t, err)

	snap, _ := s.Snapshot(id)
	nodes := snap.NodesByLabel("countess of lovelace")
	require.Len(t, nodes, 1)
	assert.Equal(t, "Ada Lovelace", nodes[0].Label)
	assert.Equal(t, []string{"Countess of Lovelace", "Lovelace"}, nodes[0].Aliases)
}

func TestExtractorFailureCommitsNothing(t *testing.T) {
	s := newStore(t)
	id := activate(t, s, graphtest.Profile())
	before, _ := s.Snapshot(id)

	extractor := graphtest.NewScriptedExtractor()
	extractor.Err = errors.New("model refused")
	engine := NewEngine(s, extractor, Options{}, nil)
	_, err := engine.Extract(context.Background(), id, graphtest.AdaDocument())
	require.ErrorIs(t, err, graph.ErrExtractionFailed)
	assert.False(t, graph.IsTransient(err))

	after, _ := s.Snapshot(id)
	assert.Same(t, before, after)
}

func TestExtractorTimeoutIsTransient(t *testing.T) {
	s := newStore(t)
	id := activate(t, s, graphtest.Profile())

	extractor := graphtest.NewScriptedExtractor()
	extractor.Delay = time.Second
	engine := NewEngine(s, extractor, Options{Timeout: 20 * time.Millisecond}, nil)
	_, err := engine.Extract(context.Background(), id, graphtest.AdaDocument())
	require.ErrorIs(t, err, graph.ErrExtractionFailed)
	assert.True(t, graph.IsTransient(err))
}

func TestProjectBecomesStable(t *testing.T) {
	s := newStore(t)
	id := activate(t, s, graphtest.Profile())
	extractor := graphtest.NewScriptedExtractor()
	for _, docID := range []string{"d1", "d2", "d3"} {
		extractor.Script(docID, graphtest.AdaExtraction())
	}
	engine := NewEngine(s, extractor, Options{}, nil)

	var states []graph.ProjectState
	for _, docID := range []string{"d1", "d2", "d3"} {
		res, err := engine.Extract(context.Background(), id, graph.Document{ID: docID, Content: "text"})
		require.NoError(t, err)
		states = append(states, res.State)
	}
	assert.Equal(t, []graph.ProjectState{graph.StateActive, graph.StateActive, graph.StateStable}, states)

	// stable projects keep accepting documents
	_, err := engine.Extract(context.Background(), id, graph.Document{ID: "d4", Content: "text"})
	require.NoError(t, err)
}

func TestTimestampFor(t *testing.T) {
	content := "[00:00:01] Intro. (02:15) Ada speaks. [1:02:03] Babbage answers."
	assert.Equal(t, "02:15", TimestampFor(content, "Ada speaks"))
	assert.Equal(t, "1:02:03", TimestampFor(content, "babbage answers"))
	assert.Equal(t, "", TimestampFor(content, "[00:00:01] Intro"))
	assert.Equal(t, "", TimestampFor(content, "missing"))
}

func TestTimestampForFoldsCaseOnOriginalOffsets(t *testing.T) {
	// İ is two bytes but lowercases to the one-byte i
	content := "[00:01] " + strings.Repeat("İ", 20) + " [00:05] Ada Lovelace wrote the notes."
	assert.Equal(t, "00:05", TimestampFor(content, "ada lovelace"))
	assert.Equal(t, "00:05", TimestampFor(content, "ADA LOVELACE"))
	assert.Equal(t, "", TimestampFor(content, "a.a lovelace"), "quotes match literally")
}

func TestSimilarity(t *testing.T) {
	r := NewResolver(0)
	assert.Equal(t, 1.0, r.Similarity("ada", "ada"))
	assert.InDelta(t, 1-1.0/15, r.Similarity("charles babbage", "charles babage"), 1e-9)
	assert.Less(t, r.Similarity("ada lovelace", "alan turing"), DefaultSimilarityThreshold)
	assert.Equal(t, 0.0, r.Similarity("", ""))
}
