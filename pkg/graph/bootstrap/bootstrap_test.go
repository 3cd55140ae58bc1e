package bootstrap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/extraction"
	"github.com/athapong/kgraph/pkg/graph/graphtest"
	"github.com/athapong/kgraph/pkg/graph/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store     *storage.Store
	project   string
	extractor *graphtest.ScriptedExtractor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := storage.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	p, err := s.CreateProject(context.Background(), "Computing")
	require.NoError(t, err)
	doc := graphtest.AdaDocument()
	return &harness{
		store:     s,
		project:   p.ID,
		extractor: graphtest.NewScriptedExtractor().Script(doc.ID, graphtest.AdaExtraction()),
	}
}

func (h *harness) bootstrapper(inferencer graph.SchemaInferencer) *Bootstrapper {
	engine := extraction.NewEngine(h.store, h.extractor, extraction.Options{}, nil)
	return NewBootstrapper(h.store, NewPipeline(inferencer, nil), engine, nil)
}

func TestBootstrapAdaLovelace(t *testing.T) {
	h := newHarness(t)
	res, err := h.bootstrapper(graphtest.AdaInferencer()).Bootstrap(context.Background(), h.project, graphtest.AdaDocument())
	require.NoError(t, err)

	assert.Equal(t, graph.StateActive, res.Project.State)
	require.NotNil(t, res.Project.Profile)
	_, ok := res.Project.Profile.ThingType("person")
	assert.True(t, ok)
	assert.InDelta(t, 0.4*0.9+0.3*0.8+0.15*0.7+0.15*0.6, res.Project.Profile.BootstrapConfidence, 1e-9)
	assert.Len(t, res.Project.Profile.StageConfidences, 5)

	snap, err := h.store.Snapshot(h.project)
	require.NoError(t, err)
	require.Len(t, snap.NodesByLabel("Ada Lovelace"), 1)
	babbage := snap.NodesByLabel("Charles Babbage")
	require.Len(t, babbage, 1)
	assert.Contains(t, babbage[0].Aliases, "Babbage", "seed aliases are attached")
	assert.Equal(t, 2, snap.EdgeCount())
	assert.Equal(t, 3, res.Extraction.NodesAdded)
}

func TestBootstrapIsOneShot(t *testing.T) {
	h := newHarness(t)
	b := h.bootstrapper(graphtest.AdaInferencer())
	_, err := b.Bootstrap(context.Background(), h.project, graphtest.AdaDocument())
	require.NoError(t, err)

	_, err = b.Bootstrap(context.Background(), h.project, graphtest.AdaDocument())
	require.ErrorIs(t, err, graph.ErrInvalidState)
}

func TestStageFailureRevertsToCreated(t *testing.T) {
	for _, stage := range []string{StageAnalyzeDomain, StageThingTypes, StageConnectionTypes, StageSeedEntities, StageExtractionContext} {
		t.Run(stage, func(t *testing.T) {
			h := newHarness(t)
			inferencer := graphtest.AdaInferencer()
			inferencer.FailStage = stage

			_, err := h.bootstrapper(inferencer).Bootstrap(context.Background(), h.project, graphtest.AdaDocument())
			require.ErrorIs(t, err, graph.ErrBootstrapStageFailed)
			var stageErr *graph.StageError
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, stage, stageErr.Stage)

			p, err := h.store.GetProject(h.project)
			require.NoError(t, err)
			assert.Equal(t, graph.StateCreated, p.State)
			assert.Nil(t, p.Profile)
			assert.Contains(t, p.LastError, stage)
			assert.Zero(t, h.extractor.Calls())
		})
	}
}

func TestSeedExtractionFailureRevertsToCreated(t *testing.T) {
	h := newHarness(t)
	h.extractor.Err = errors.New("model unavailable")

	_, err := h.bootstrapper(graphtest.AdaInferencer()).Bootstrap(context.Background(), h.project, graphtest.AdaDocument())
	require.ErrorIs(t, err, graph.ErrExtractionFailed)

	p, _ := h.store.GetProject(h.project)
	assert.Equal(t, graph.StateCreated, p.State)
	assert.Nil(t, p.Profile)
	snap, _ := h.store.Snapshot(h.project)
	assert.Zero(t, snap.NodeCount())

	// a later attempt may succeed
	h.extractor.Err = nil
	_, err = h.bootstrapper(graphtest.AdaInferencer()).Bootstrap(context.Background(), h.project, graphtest.AdaDocument())
	require.NoError(t, err)
}

func TestCancelledBootstrapRevertsToCreated(t *testing.T) {
	h := newHarness(t)
	inferencer := graphtest.AdaInferencer()
	inferencer.Block = StageSeedEntities

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := h.bootstrapper(inferencer).Bootstrap(ctx, h.project, graphtest.AdaDocument())
	require.ErrorIs(t, err, context.Canceled)

	p, _ := h.store.GetProject(h.project)
	assert.Equal(t, graph.StateCreated, p.State)
	assert.NotEmpty(t, p.LastError)
}

func TestNormalizeThingTypes(t *testing.T) {
	in := []graph.ThingType{{Name: " Person ", Priority: 0}, {Name: "person", Priority: 1}, {Name: "", Priority: 1}}
	for i := 0; i < 10; i++ {
		in = append(in, graph.ThingType{Name: fmt.Sprintf("Type%d", i), Priority: 5 - i%3})
	}
	out := NormalizeThingTypes(in)
	require.Len(t, out, 8)
	assert.Equal(t, "Person", out[0].Name)
	assert.Equal(t, 1, out[0].Priority)
	for i := 1; i < len(out); i++ {
		assert.LessOrEqual(t, out[i-1].Priority, out[i].Priority)
		assert.GreaterOrEqual(t, out[i].Priority, 1)
		assert.LessOrEqual(t, out[i].Priority, 3)
	}
}

func TestPipelineRequiresThingTypes(t *testing.T) {
	inferencer := graphtest.AdaInferencer()
	inferencer.Things.Types = nil
	_, err := NewPipeline(inferencer, nil).Run(context.Background(), graphtest.AdaDocument())
	var stageErr *graph.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageThingTypes, stageErr.Stage)
}

func TestPipelinePadsThingTypes(t *testing.T) {
	inferencer := graphtest.AdaInferencer()
	inferencer.Things.Types = []graph.ThingType{
		{Name: "Person", Priority: 1},
		{Name: "Invention", Priority: 1},
	}
	profile, err := NewPipeline(inferencer, nil).Run(context.Background(), graphtest.AdaDocument())
	require.NoError(t, err)

	names := make([]string, 0, len(profile.ThingTypes))
	for _, tt := range profile.ThingTypes {
		names = append(names, tt.Name)
	}
	assert.Equal(t, []string{"Person", "Invention", "Organization", "Place"}, names)
	assert.Equal(t, graph.PriorityLowest, profile.ThingTypes[2].Priority)
	assert.Equal(t, graph.PriorityLowest, profile.ThingTypes[3].Priority)
}

func TestPadThingTypes(t *testing.T) {
	four := []graph.ThingType{{Name: "A"}, {Name: "B"}, {Name: "C"}, {Name: "D"}}
	assert.Equal(t, four, PadThingTypes(four))

	padded := PadThingTypes([]graph.ThingType{{Name: "concept", Priority: 1}})
	require.Len(t, padded, 4)
	assert.Equal(t, "concept", padded[0].Name)
	assert.Equal(t, "Person", padded[1].Name)
	assert.Equal(t, "Organization", padded[2].Name)
	assert.Equal(t, "Place", padded[3].Name)
}

func TestPipelineDropsSeedsOfUnknownTypes(t *testing.T) {
	inferencer := graphtest.AdaInferencer()
	inferencer.Seeds.Seeds = append(inferencer.Seeds.Seeds, graph.SeedEntity{Label: "Royal Society", Type: "Society"})
	profile, err := NewPipeline(inferencer, nil).Run(context.Background(), graphtest.AdaDocument())
	require.NoError(t, err)
	require.Len(t, profile.SeedEntities, 2)
	for _, s := range profile.SeedEntities {
		assert.Equal(t, "Person", s.Type)
	}
	assert.Equal(t, []string{StageAnalyzeDomain, StageThingTypes, StageConnectionTypes, StageSeedEntities, StageExtractionContext, StageFinalizeProfile},
		NewPipeline(inferencer, nil).Stages())
}

func TestPipelineRejectsEmptyDocument(t *testing.T) {
	_, err := NewPipeline(graphtest.AdaInferencer(), nil).Run(context.Background(), graph.Document{ID: "empty"})
	require.ErrorIs(t, err, graph.ErrBootstrapStageFailed)
}
