package graph_test

import (
	"testing"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeSnapshot() *graph.Snapshot {
	return graph.NewSnapshot(&graph.Project{
		ID:      "p1",
		Name:    "Computing",
		State:   graph.StateActive,
		Profile: graphtest.Profile(),
	}, nil, nil, 1)
}

func TestUpsertNodeMergesSurfaceForms(t *testing.T) {
	tx := graph.NewTx(activeSnapshot())
	tx.UseDocument("doc-1")

	id, created, err := tx.UpsertNode(graph.NodeUpsert{
		Label:    "Charles Babbage",
		Type:     "Person",
		Evidence: []graph.Evidence{{DocumentID: "doc-1", Quote: "Charles Babbage"}},
	})
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = tx.UpsertNode(graph.NodeUpsert{
		ID:       id,
		Label:    "Babbage",
		Aliases:  []string{"charles babbage", "Mr. Babbage"},
		Evidence: []graph.Evidence{{DocumentID: "doc-1", Quote: "Charles Babbage"}, {DocumentID: "doc-1", Quote: "Babbage"}},
	})
	require.NoError(t, err)
	require.False(t, created)

	n, ok := tx.Node(id)
	require.True(t, ok)
	assert.Equal(t, "Charles Babbage", n.Label)
	assert.Equal(t, []string{"Babbage", "Mr. Babbage"}, n.Aliases)
	assert.Len(t, n.Evidence, 2)
	assert.Equal(t, 2, n.Mentions, "only new evidence counts as a mention")
	assert.Len(t, tx.NodesByLabel("mr. babbage"), 1)
}

func TestUpsertRejectsTypesOutsideProfile(t *testing.T) {
	tx := graph.NewTx(activeSnapshot())

	_, _, err := tx.UpsertNode(graph.NodeUpsert{Label: "Difference Engine", Type: "Machine"})
	require.ErrorIs(t, err, graph.ErrSchemaViolation)

	a, _, err := tx.UpsertNode(graph.NodeUpsert{Label: "Ada", Type: "Person"})
	require.NoError(t, err)
	_, _, err = tx.UpsertEdge(graph.EdgeUpsert{SourceID: a, TargetID: "ghost", Type: "collaborated_with"})
	require.ErrorIs(t, err, graph.ErrNotFound)
	_, _, err = tx.UpsertEdge(graph.EdgeUpsert{SourceID: a, TargetID: a, Type: "mentored"})
	require.ErrorIs(t, err, graph.ErrSchemaViolation)
}

func TestCommittedSnapshotIsNeverModified(t *testing.T) {
	tx := graph.NewTx(activeSnapshot())
	tx.UseDocument("doc-1")
	a, _, _ := tx.UpsertNode(graph.NodeUpsert{Label: "Ada", Type: "Person"})
	b, _, _ := tx.UpsertNode(graph.NodeUpsert{Label: "Babbage", Type: "Person"})
	_, _, err := tx.UpsertEdge(graph.EdgeUpsert{SourceID: a, TargetID: b, Type: "collaborated_with", Confidence: 0.5})
	require.NoError(t, err)
	require.NoError(t, tx.Validate())
	first := tx.Snapshot()

	next := graph.NewTx(first)
	next.UseDocument("doc-2")
	_, _, err = next.UpsertNode(graph.NodeUpsert{ID: a, Label: "Ada Lovelace", Evidence: []graph.Evidence{{DocumentID: "doc-2", Quote: "Ada Lovelace"}}})
	require.NoError(t, err)
	_, _, err = next.UpsertEdge(graph.EdgeUpsert{SourceID: a, TargetID: b, Type: "Collaborated_With", Confidence: 0.9})
	require.NoError(t, err)
	second := next.Snapshot()

	before, _ := first.Node(a)
	after, _ := second.Node(a)
	assert.Empty(t, before.Aliases)
	assert.Equal(t, []string{"Ada Lovelace"}, after.Aliases)
	assert.Empty(t, first.NodesByLabel("ada lovelace"))
	assert.Len(t, second.NodesByLabel("ada lovelace"), 1)

	edgeID := graph.EdgeID(a, "collaborated_with", b)
	oldEdge, _ := first.Edge(edgeID)
	newEdge, _ := second.Edge(edgeID)
	assert.Equal(t, 0.5, oldEdge.Confidence)
	assert.Equal(t, 0.9, newEdge.Confidence)
	assert.Equal(t, "doc-2", newEdge.LastSeenDocument)
	assert.Equal(t, 1, second.EdgeCount())
	assert.Equal(t, first.Version()+1, second.Version())
}

func TestCreatedProjectCannotHoldNodes(t *testing.T) {
	snap := graph.NewSnapshot(&graph.Project{ID: "p1", State: graph.StateCreated, Profile: graphtest.Profile()}, nil, nil, 1)
	tx := graph.NewTx(snap)
	_, _, err := tx.UpsertNode(graph.NodeUpsert{Label: "Ada", Type: "Person"})
	require.NoError(t, err)
	require.ErrorIs(t, tx.Validate(), graph.ErrInvalidState)
}

func TestAddDiscoveryDeduplicatesPending(t *testing.T) {
	tx := graph.NewTx(activeSnapshot())
	proposal := graph.Discovery{
		Kind:   graph.DiscoveryEdge,
		Edge:   &graph.EdgeCandidate{SourceLabel: "Ada Lovelace", TargetLabel: "Mary Somerville", Type: "mentored", Confidence: 0.8},
		Reason: graph.ReasonUnknownType,
	}

	first, queued := tx.AddDiscovery(proposal)
	require.True(t, queued)
	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, graph.DiscoveryPending, first.Status)

	proposal.Edge = &graph.EdgeCandidate{SourceLabel: "ada lovelace", TargetLabel: "Mary  Somerville", Type: "Mentored", Confidence: 0.6}
	again, queued := tx.AddDiscovery(proposal)
	assert.False(t, queued)
	assert.Equal(t, first.ID, again.ID)

	first.Status = graph.DiscoveryRejected
	require.NoError(t, tx.UpdateDiscovery(first))
	_, queued = tx.AddDiscovery(proposal)
	assert.True(t, queued, "a decided discovery does not block a new proposal")
	assert.Len(t, tx.Project().PendingDiscoveries(), 1)
}

func TestUseDocumentKeepsFirstSequence(t *testing.T) {
	tx := graph.NewTx(activeSnapshot())
	assert.Equal(t, 1, tx.UseDocument("a"))
	assert.Equal(t, 2, tx.UseDocument("b"))
	assert.Equal(t, 1, tx.UseDocument("a"))
	assert.Equal(t, 0, tx.UseDocument(""))
}

func TestNormalizeLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Ada Lovelace", "ada lovelace"},
		{"  Dr. Ada   Lovelace ", "dr ada lovelace"},
		{"Jean-Luc", "jean luc"},
		{"O'Brien", "obrien"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, graph.NormalizeLabel(tt.in))
		})
	}
}

func TestErrorKinds(t *testing.T) {
	assert.Equal(t, "InvalidState", graph.Kind(&graph.StateError{ProjectID: "p", State: graph.StateCreated, Op: "extract"}))
	assert.Equal(t, "NotFound", graph.Kind(graph.NewNotFound("node", "x")))
	assert.Equal(t, "BootstrapStageFailed", graph.Kind(&graph.StageError{Stage: "identify_thing_types"}))
	assert.True(t, graph.IsTransient(&graph.ExtractionError{Transient: true}))
	assert.False(t, graph.IsTransient(&graph.ExtractionError{}))
	assert.Equal(t, "Internal", graph.Kind(assert.AnError))
}
