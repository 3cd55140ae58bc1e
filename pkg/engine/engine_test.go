package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/graphtest"
	"github.com/athapong/kgraph/pkg/graph/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var somervilleDoc = graph.Document{
	ID:      "doc-somerville",
	Content: "Mary Somerville mentored Ada Lovelace. Somerville joined the Royal Society.",
}

func somervilleExtraction() *graph.Extraction {
	return &graph.Extraction{
		Nodes: []graph.NodeCandidate{
			{Label: "Mary Somerville", Type: "Person", Confidence: 0.9},
			{Label: "Ada Lovelace", Type: "Person", Confidence: 0.9},
			{Label: "Royal Society", Type: "Society", Confidence: 0.9},
		},
		Edges: []graph.EdgeCandidate{
			{SourceLabel: "Mary Somerville", TargetLabel: "Ada Lovelace", Type: "mentored", Confidence: 0.85},
		},
	}
}

type harness struct {
	engine    *Engine
	extractor *graphtest.ScriptedExtractor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := storage.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	extractor := graphtest.NewScriptedExtractor().
		Script("doc-ada", graphtest.AdaExtraction()).
		Script(somervilleDoc.ID, somervilleExtraction())
	e, err := New(s, extractor, graphtest.AdaInferencer(), Options{})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return &harness{engine: e, extractor: extractor}
}

func (h *harness) bootstrapped(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	p, err := h.engine.CreateProject(ctx, "Computing")
	require.NoError(t, err)
	_, err = h.engine.Bootstrap(ctx, p.ID, graphtest.AdaDocument())
	require.NoError(t, err)
	return p.ID
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, graphtest.NewScriptedExtractor(), graphtest.AdaInferencer(), Options{})
	require.Error(t, err)
}

func TestExtractBeforeBootstrapIsInvalidState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.engine.CreateProject(ctx, "Computing")
	require.NoError(t, err)

	_, err = h.engine.Extract(ctx, p.ID, somervilleDoc)
	require.ErrorIs(t, err, graph.ErrInvalidState)
	assert.Equal(t, "InvalidState", graph.Kind(err))
	assert.Equal(t, 0, h.extractor.Calls())
}

func TestUnknownProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.GetProject("missing")
	require.ErrorIs(t, err, graph.ErrNotFound)
	_, err = h.engine.Bootstrap(ctx, "missing", graphtest.AdaDocument())
	require.ErrorIs(t, err, graph.ErrNotFound)
	_, err = h.engine.Extract(ctx, "missing", somervilleDoc)
	require.ErrorIs(t, err, graph.ErrNotFound)
	_, err = h.engine.Decide(ctx, "missing", true, "")
	require.ErrorIs(t, err, graph.ErrNotFound)
	_, err = h.engine.AuditTrail(ctx, "missing")
	require.ErrorIs(t, err, graph.ErrNotFound)
}

func TestProjectLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := h.bootstrapped(t)

	p, err := h.engine.GetProject(projectID)
	require.NoError(t, err)
	assert.Equal(t, graph.StateActive, p.State)
	_, err = h.engine.Bootstrap(ctx, projectID, graphtest.AdaDocument())
	require.ErrorIs(t, err, graph.ErrInvalidState)

	result, err := h.engine.Extract(ctx, projectID, somervilleDoc)
	require.NoError(t, err)
	assert.Equal(t, 2, result.DiscoveriesQueued)

	pending, err := h.engine.ListPending(projectID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	var mentored, society graph.Discovery
	for _, d := range pending {
		switch {
		case d.Edge != nil && d.Edge.Type == "mentored":
			mentored = d
		case d.Node != nil && d.Node.Label == "Royal Society":
			society = d
		}
	}
	require.NotEmpty(t, mentored.ID)
	require.NotEmpty(t, society.ID)

	decided, err := h.engine.Decide(ctx, mentored.ID, true, "curator")
	require.NoError(t, err)
	assert.Equal(t, graph.DiscoveryConfirmed, decided.Status)
	_, err = h.engine.Decide(ctx, society.ID, false, "curator")
	require.NoError(t, err)
	_, err = h.engine.Decide(ctx, society.ID, true, "curator")
	require.ErrorIs(t, err, graph.ErrAlreadyDecided)

	p, err = h.engine.GetProject(projectID)
	require.NoError(t, err)
	connType, ok := p.Profile.ConnectionType("mentored")
	require.True(t, ok)
	assert.Equal(t, graph.PriorityLowest, connType.Priority)
	_, ok = p.Profile.ThingType("Society")
	assert.False(t, ok, "rejected type stays out of the profile")

	paths, err := h.engine.FindPaths(ctx, projectID, "Mary Somerville", "Charles Babbage", 0)
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	assert.Equal(t, []string{"Mary Somerville", "Ada Lovelace", "Charles Babbage"}, paths[0].Labels)

	players, err := h.engine.RankKeyPlayers(ctx, projectID, 1)
	require.NoError(t, err)
	require.Len(t, players, 1)

	clustering, err := h.engine.FindClusters(ctx, projectID)
	require.NoError(t, err)
	clustered := 0
	for _, c := range clustering.Clusters {
		clustered += len(c.NodeIDs)
	}
	assert.Equal(t, 4, clustered)

	evidence, err := h.engine.GetEvidence(ctx, projectID, decided.ResultID)
	require.NoError(t, err)
	assert.NotEmpty(t, evidence)

	dump, err := h.engine.Export(projectID)
	require.NoError(t, err)
	assert.Len(t, dump.Nodes, 4)
	assert.Len(t, dump.Edges, 3)

	neighbors, err := h.engine.Neighbors(ctx, projectID, paths[0].NodeIDs[1], 1)
	require.NoError(t, err)
	labels := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		labels = append(labels, n.Label)
	}
	assert.ElementsMatch(t, []string{"Mary Somerville", "Charles Babbage"}, labels)

	records, err := h.engine.AuditTrail(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, mentored.ID, records[0].DiscoveryID)
	assert.Equal(t, "confirmed", records[0].Decision)
	assert.Equal(t, "rejected", records[1].Decision)
}

func TestConcurrentExtractionsAreSerialized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	projectID := h.bootstrapped(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Extract(ctx, projectID, graphtest.AdaDocument())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	dump, err := h.engine.Export(projectID)
	require.NoError(t, err)
	assert.Len(t, dump.Nodes, 3)
	assert.Len(t, dump.Edges, 2)
}

func TestListProjects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.CreateProject(ctx, "Zoology")
	require.NoError(t, err)
	_, err = h.engine.CreateProject(ctx, "Astronomy")
	require.NoError(t, err)

	projects := h.engine.ListProjects()
	require.Len(t, projects, 2)
	assert.Equal(t, "Astronomy", projects[0].Name)
	assert.Equal(t, graph.StateCreated, projects[1].State)
}
