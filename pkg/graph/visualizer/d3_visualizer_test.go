package visualizer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adaDump() *graph.Dump {
	return &graph.Dump{
		Project: graph.Project{ID: "p1", Name: "Computing <history>"},
		Profile: graphtest.Profile(),
		Nodes: []graph.Node{
			{ID: "n1", Label: "Ada Lovelace", Type: "Person", Aliases: []string{"Lovelace"}, Mentions: 4},
			{ID: "n2", Label: "Charles Babbage", Type: "Person", Mentions: 1},
			{ID: "n3", Label: "Analytical Engine", Type: "Invention"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "n1", Target: "n2", Type: "collaborated_with", Confidence: 0.9,
				Evidence: []graph.Evidence{{DocumentID: "doc-ada", Quote: "Ada Lovelace collaborated with Charles Babbage"}}},
			{ID: "e2", Source: "n2", Target: "n3", Type: "designed", Confidence: 0.8},
		},
		Version: 7,
	}
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, adaDump()))
	html := buf.String()

	assert.Contains(t, html, "<title>Computing &lt;history&gt;</title>")
	assert.Contains(t, html, "History of computing")
	assert.Contains(t, html, "Things: 3, Connections: 2, Version: 7")
	assert.Contains(t, html, `<option value="Invention">Invention</option>`)
	assert.Contains(t, html, `<option value="collaborated_with">collaborated_with</option>`)
	assert.Contains(t, html, `"label":"Ada Lovelace"`)
	assert.Contains(t, html, `"quote":"Ada Lovelace collaborated with Charles Babbage"`)
}

func TestRenderRequiresDump(t *testing.T) {
	require.Error(t, Render(&bytes.Buffer{}, nil))
}

func TestVisualizeWritesFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "viz", "graph.html")
	require.NoError(t, NewD3Visualizer(out).Visualize(adaDump()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "d3.forceSimulation")
}

func TestNodeRadius(t *testing.T) {
	assert.Equal(t, 6.0, nodeRadius(0))
	assert.Equal(t, 8.0, nodeRadius(4))
	assert.Equal(t, 24.0, nodeRadius(1000))
}
