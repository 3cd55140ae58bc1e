package confirmation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/extraction"
	"github.com/athapong/kgraph/pkg/graph/graphtest"
	"github.com/athapong/kgraph/pkg/graph/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *storage.Store
	project  string
	workflow *Workflow
}

// newFixture extracts a document whose candidates all need confirmation:
// an unknown thing type, an unknown connection type and an edge whose endpoint has no type.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p, err := s.CreateProject(ctx, "Computing")
	require.NoError(t, err)
	_, err = s.Update(ctx, p.ID, func(tx *graph.Tx) error {
		tx.SetProfile(graphtest.Profile())
		tx.SetState(graph.StateActive)
		return nil
	})
	require.NoError(t, err)

	doc := graph.Document{ID: "doc-1", Content: "Mary Somerville mentored Ada Lovelace. Somerville joined the Royal Society. Babbage admired Faraday."}
	ex := &graph.Extraction{
		Nodes: []graph.NodeCandidate{
			{Label: "Ada Lovelace", Type: "Person", Confidence: 0.9},
			{Label: "Mary Somerville", Type: "Person", Confidence: 0.9},
			{Label: "Royal Society", Type: "Society", Confidence: 0.9},
		},
		Edges: []graph.EdgeCandidate{
			{SourceLabel: "Mary Somerville", TargetLabel: "Ada Lovelace", Type: "mentored", Confidence: 0.9,
				Evidence: []graph.Evidence{{Quote: "Mary Somerville mentored Ada Lovelace"}}},
			{SourceLabel: "Charles Babbage", TargetLabel: "Michael Faraday", Type: "collaborated_with", Confidence: 0.7},
		},
	}
	engine := extraction.NewEngine(s, graphtest.NewScriptedExtractor().Script(doc.ID, ex), extraction.Options{}, nil)
	_, err = engine.Extract(ctx, p.ID, doc)
	require.NoError(t, err)

	return &fixture{store: s, project: p.ID, workflow: NewWorkflow(s, engine.Resolver(), nil)}
}

func (f *fixture) pending(t *testing.T) []graph.Discovery {
	t.Helper()
	pending, err := f.workflow.ListPending(f.project)
	require.NoError(t, err)
	return pending
}

func (f *fixture) graphJSON(t *testing.T) string {
	t.Helper()
	dump, err := f.store.Export(f.project)
	require.NoError(t, err)
	data, err := json.Marshal(struct {
		Nodes []graph.Node
		Edges []graph.Edge
	}{dump.Nodes, dump.Edges})
	require.NoError(t, err)
	return string(data)
}

func TestListPendingOldestFirst(t *testing.T) {
	f := newFixture(t)
	pending := f.pending(t)
	require.Len(t, pending, 3)
	assert.Equal(t, "Royal Society", pending[0].Node.Label)
	assert.Equal(t, "mentored", pending[1].Edge.Type)
	assert.Equal(t, graph.ReasonUnresolvedEndpoint, pending[2].Reason)
	for i := 1; i < len(pending); i++ {
		assert.Less(t, pending[i-1].Seq, pending[i].Seq)
	}
}

func TestConfirmAppendsConnectionType(t *testing.T) {
	f := newFixture(t)
	mentored := f.pending(t)[1]

	decided, err := f.workflow.Decide(context.Background(), mentored.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, graph.DiscoveryConfirmed, decided.Status)
	assert.Equal(t, DefaultActor, decided.DecidedBy)
	require.NotNil(t, decided.DecidedAt)

	snap, _ := f.store.Snapshot(f.project)
	connType, ok := snap.Profile().ConnectionType("mentored")
	require.True(t, ok)
	assert.Equal(t, 3, connType.Priority)
	assert.Equal(t, "Added from confirmed discovery", connType.Description)

	edge, ok := snap.Edge(decided.ResultID)
	require.True(t, ok)
	assert.Equal(t, "mentored", edge.Type)
	source, _ := snap.Node(edge.Source)
	target, _ := snap.Node(edge.Target)
	assert.Equal(t, "Mary Somerville", source.Label)
	assert.Equal(t, "Ada Lovelace", target.Label)

	stored, ok := snap.Discovery(mentored.ID)
	require.True(t, ok)
	assert.Equal(t, graph.DiscoveryConfirmed, stored.Status)
	assert.Len(t, f.pending(t), 2)
}

func TestConfirmNodeAppendsThingType(t *testing.T) {
	f := newFixture(t)
	society := f.pending(t)[0]

	decided, err := f.workflow.Decide(context.Background(), society.ID, true, "curator")
	require.NoError(t, err)

	snap, _ := f.store.Snapshot(f.project)
	thingType, ok := snap.Profile().ThingType("Society")
	require.True(t, ok)
	assert.Equal(t, 3, thingType.Priority)

	node, ok := snap.Node(decided.ResultID)
	require.True(t, ok)
	assert.Equal(t, "Royal Society", node.Label)
	assert.Equal(t, "Society", node.Type)

	records, err := mustAudit(t, f).Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "curator", records[0].Actor)
	assert.Equal(t, storage.OutcomeCommitted, records[0].Outcome)
}

func TestRejectLeavesGraphUntouched(t *testing.T) {
	f := newFixture(t)
	before := f.graphJSON(t)
	profileBefore, _ := f.store.Snapshot(f.project)

	for _, d := range f.pending(t) {
		decided, err := f.workflow.Decide(context.Background(), d.ID, false, "user")
		require.NoError(t, err)
		assert.Equal(t, graph.DiscoveryRejected, decided.Status)
		assert.Empty(t, decided.ResultID)
	}

	assert.Equal(t, before, f.graphJSON(t))
	after, _ := f.store.Snapshot(f.project)
	assert.Equal(t, profileBefore.Profile(), after.Profile())
	assert.Empty(t, f.pending(t))
	assert.Len(t, after.Project().Discoveries, 3, "rejected discoveries are retained")
}

func TestDecideErrors(t *testing.T) {
	f := newFixture(t)
	d := f.pending(t)[0]

	_, err := f.workflow.Decide(context.Background(), "missing", true, "")
	require.ErrorIs(t, err, graph.ErrNotFound)

	_, err = f.workflow.Decide(context.Background(), d.ID, false, "")
	require.NoError(t, err)
	_, err = f.workflow.Decide(context.Background(), d.ID, true, "")
	require.ErrorIs(t, err, graph.ErrAlreadyDecided)
}

func TestFailedConfirmationIsCompensated(t *testing.T) {
	f := newFixture(t)
	unresolved := f.pending(t)[2]
	before := f.graphJSON(t)

	// neither endpoint exists and the candidate names no types to create them with
	_, err := f.workflow.Decide(context.Background(), unresolved.ID, true, "")
	require.ErrorIs(t, err, graph.ErrNotFound)

	assert.Equal(t, before, f.graphJSON(t))
	still := f.pending(t)
	require.Len(t, still, 3)

	records, err := mustAudit(t, f).Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, storage.OutcomeCommitted, records[0].Outcome)
	assert.Equal(t, storage.OutcomeAborted, records[1].Outcome)
	assert.Contains(t, string(records[1].Payload), records[0].ID)

	// the discovery can still be rejected
	_, err = f.workflow.Decide(context.Background(), unresolved.ID, false, "")
	require.NoError(t, err)
}

func mustAudit(t *testing.T, f *fixture) *storage.AuditLog {
	t.Helper()
	audit, err := f.store.Audit(f.project)
	require.NoError(t, err)
	return audit
}

func TestConfirmLowConfidenceEdgeCreatesEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := graph.Document{ID: "doc-2", Content: "Grace Hopper maybe knew Alan Turing."}
	ex := &graph.Extraction{Edges: []graph.EdgeCandidate{
		{SourceLabel: "Grace Hopper", SourceType: "Person", TargetLabel: "Alan Turing", TargetType: "Person", Type: "collaborated_with", Confidence: 0.1},
	}}
	engine := extraction.NewEngine(f.store, graphtest.NewScriptedExtractor().Script(doc.ID, ex), extraction.Options{}, nil)
	res, err := engine.Extract(ctx, f.project, doc)
	require.NoError(t, err)
	require.Equal(t, 1, res.DiscoveriesQueued)
	require.Zero(t, res.NodesAdded)

	pending := f.pending(t)
	require.Len(t, pending, 4)
	queued := pending[3]
	assert.Equal(t, graph.ReasonLowConfidence, queued.Reason)

	snap, _ := f.store.Snapshot(f.project)
	assert.Empty(t, snap.NodesByLabel("Grace Hopper"))
	assert.Empty(t, snap.NodesByLabel("Alan Turing"))

	decided, err := f.workflow.Decide(ctx, queued.ID, true, "")
	require.NoError(t, err)

	snap, _ = f.store.Snapshot(f.project)
	edge, ok := snap.Edge(decided.ResultID)
	require.True(t, ok)
	source, _ := snap.Node(edge.Source)
	target, _ := snap.Node(edge.Target)
	assert.Equal(t, "Grace Hopper", source.Label)
	assert.Equal(t, "Alan Turing", target.Label)
}
