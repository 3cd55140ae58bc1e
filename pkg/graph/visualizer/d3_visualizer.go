// Package visualizer renders a knowledge graph export as a standalone D3.js page.
package visualizer

import (
	"bytes"
	"html/template"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/pkg/errors"
)

const d3Template = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>{{.Title}}</title>
    <script src="https://d3js.org/d3.v7.min.js"></script>
    <style>
        body {
            margin: 0;
            font-family: Arial, sans-serif;
        }
        #graph {
            width: 100%;
            height: 100vh;
            background-color: #f5f5f5;
        }
        .node {
            stroke: #fff;
            stroke-width: 1.5px;
        }
        .link {
            stroke: #999;
        }
        .node-label {
            font-size: 10px;
            pointer-events: none;
        }
        .controls {
            position: absolute;
            top: 10px;
            left: 10px;
            max-width: 320px;
            background-color: rgba(255,255,255,0.85);
            padding: 10px;
            border-radius: 5px;
            box-shadow: 0 0 10px rgba(0,0,0,0.1);
        }
        .controls p {
            margin: 4px 0;
        }
    </style>
</head>
<body>
    <div id="graph"></div>
    <div class="controls">
        <h3>{{.Title}}</h3>
        {{if .Domain}}<p>{{.Domain}}</p>{{end}}
        <p>Things: {{.NodeCount}}, Connections: {{.EdgeCount}}, Version: {{.Version}}</p>
        <div>
            <label for="node-type-filter">Thing type:</label>
            <select id="node-type-filter">
                <option value="all">All types</option>
                {{range .NodeTypes}}<option value="{{.}}">{{.}}</option>{{end}}
            </select>
        </div>
        <div>
            <label for="edge-type-filter">Connection type:</label>
            <select id="edge-type-filter">
                <option value="all">All types</option>
                {{range .EdgeTypes}}<option value="{{.}}">{{.}}</option>{{end}}
            </select>
        </div>
    </div>

    <script>
        const graphData = {{.Graph}};

        const simulation = d3.forceSimulation(graphData.nodes)
            .force("link", d3.forceLink(graphData.edges).id(d => d.id).distance(120))
            .force("charge", d3.forceManyBody().strength(-300))
            .force("collide", d3.forceCollide(d => d.radius + 4))
            .force("center", d3.forceCenter(window.innerWidth / 2, window.innerHeight / 2));

        const svg = d3.select("#graph")
            .append("svg")
            .attr("width", "100%")
            .attr("height", "100%")
            .call(d3.zoom().on("zoom", (event) => {
                g.attr("transform", event.transform);
            }));

        const g = svg.append("g");
        const colorScale = d3.scaleOrdinal(d3.schemeCategory10)
            .domain([...new Set(graphData.nodes.map(n => n.type))]);

        const link = g.append("g")
            .selectAll("line")
            .data(graphData.edges)
            .enter()
            .append("line")
            .attr("class", "link")
            .attr("stroke-opacity", d => 0.3 + 0.7 * d.confidence)
            .attr("stroke-width", d => 1 + 2 * d.confidence);

        const node = g.append("g")
            .selectAll("circle")
            .data(graphData.nodes)
            .enter()
            .append("circle")
            .attr("class", "node")
            .attr("r", d => d.radius)
            .attr("fill", d => colorScale(d.type))
            .call(d3.drag()
                .on("start", dragstarted)
                .on("drag", dragged)
                .on("end", dragended));

        const label = g.append("g")
            .selectAll("text")
            .data(graphData.nodes)
            .enter()
            .append("text")
            .attr("class", "node-label")
            .attr("dx", d => d.radius + 4)
            .attr("dy", ".35em")
            .text(d => d.label);

        node.append("title")
            .text(d => d.label + " (" + d.type + ")" + (d.aliases.length ? "\naka " + d.aliases.join(", ") : "") + "\nmentions: " + d.mentions);

        link.append("title")
            .text(d => d.type + " (" + d.confidence.toFixed(2) + ")" + (d.quote ? "\n\"" + d.quote + "\"" : ""));

        simulation.on("tick", () => {
            link
                .attr("x1", d => d.source.x)
                .attr("y1", d => d.source.y)
                .attr("x2", d => d.target.x)
                .attr("y2", d => d.target.y);
            node
                .attr("cx", d => d.x)
                .attr("cy", d => d.y);
            label
                .attr("x", d => d.x)
                .attr("y", d => d.y);
        });

        function applyFilters() {
            const nodeType = d3.select("#node-type-filter").property("value");
            const edgeType = d3.select("#edge-type-filter").property("value");
            const nodeVisible = d => nodeType === "all" || d.type === nodeType;
            const edgeVisible = d => (edgeType === "all" || d.type === edgeType) &&
                (nodeVisible(d.source) || nodeVisible(d.target));

            node.style("visibility", d => nodeVisible(d) ? "visible" : "hidden");
            label.style("visibility", d => nodeVisible(d) ? "visible" : "hidden");
            link.style("visibility", d => edgeVisible(d) ? "visible" : "hidden");
        }
        d3.select("#node-type-filter").on("change", applyFilters);
        d3.select("#edge-type-filter").on("change", applyFilters);

        function dragstarted(event, d) {
            if (!event.active) simulation.alphaTarget(0.3).restart();
            d.fx = d.x;
            d.fy = d.y;
        }

        function dragged(event, d) {
            d.fx = event.x;
            d.fy = event.y;
        }

        function dragended(event, d) {
            if (!event.active) simulation.alphaTarget(0);
            d.fx = null;
            d.fy = null;
        }
    </script>
</body>
</html>
`

var pageTemplate = template.Must(template.New("d3").Parse(d3Template))

type viewNode struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Aliases  []string `json:"aliases"`
	Mentions int      `json:"mentions"`
	Radius   float64  `json:"radius"`
}

type viewEdge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Quote      string  `json:"quote,omitempty"`
}

type viewGraph struct {
	Nodes []viewNode `json:"nodes"`
	Edges []viewEdge `json:"edges"`
}

type page struct {
	Title     string
	Domain    string
	NodeCount int
	EdgeCount int
	Version   uint64
	NodeTypes []string
	EdgeTypes []string
	Graph     viewGraph
}

// D3Visualizer creates D3.js-based visualizations of knowledge graphs
type D3Visualizer struct {
	outputPath string
}

// NewD3Visualizer creates a new D3.js visualizer
func NewD3Visualizer(outputPath string) *D3Visualizer {
	return &D3Visualizer{
		outputPath: outputPath,
	}
}

// Visualize writes the HTML page for dump to the visualizer's output path
func (v *D3Visualizer) Visualize(dump *graph.Dump) error {
	if err := os.MkdirAll(filepath.Dir(v.outputPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}

	var buf bytes.Buffer
	if err := Render(&buf, dump); err != nil {
		return err
	}
	return os.WriteFile(v.outputPath, buf.Bytes(), 0644)
}

// Render writes the HTML page for dump to w
func Render(w io.Writer, dump *graph.Dump) error {
	if dump == nil {
		return errors.New("nothing to visualize")
	}
	if err := pageTemplate.Execute(w, buildPage(dump)); err != nil {
		return errors.Wrap(err, "failed to render visualization")
	}
	return nil
}

func buildPage(dump *graph.Dump) page {
	p := page{
		Title:     "Knowledge Graph",
		NodeCount: len(dump.Nodes),
		EdgeCount: len(dump.Edges),
		Version:   dump.Version,
		Graph: viewGraph{
			Nodes: make([]viewNode, 0, len(dump.Nodes)),
			Edges: make([]viewEdge, 0, len(dump.Edges)),
		},
	}
	if dump.Project.Name != "" {
		p.Title = dump.Project.Name
	}
	if dump.Profile != nil {
		p.Domain = dump.Profile.Name
	}

	nodeTypes := make(map[string]bool)
	for _, n := range dump.Nodes {
		nodeTypes[n.Type] = true
		aliases := n.Aliases
		if aliases == nil {
			aliases = []string{}
		}
		p.Graph.Nodes = append(p.Graph.Nodes, viewNode{
			ID:       n.ID,
			Label:    n.Label,
			Type:     n.Type,
			Aliases:  aliases,
			Mentions: n.Mentions,
			Radius:   nodeRadius(n.Mentions),
		})
	}

	edgeTypes := make(map[string]bool)
	for _, e := range dump.Edges {
		edgeTypes[e.Type] = true
		edge := viewEdge{Source: e.Source, Target: e.Target, Type: e.Type, Confidence: e.Confidence}
		if len(e.Evidence) > 0 {
			edge.Quote = e.Evidence[0].Quote
		}
		p.Graph.Edges = append(p.Graph.Edges, edge)
	}

	p.NodeTypes = sortedKeys(nodeTypes)
	p.EdgeTypes = sortedKeys(edgeTypes)
	return p
}

// nodeRadius grows with the square root of mentions, from 6 up to 24
func nodeRadius(mentions int) float64 {
	if mentions < 1 {
		mentions = 1
	}
	return math.Min(24, 4+2*math.Sqrt(float64(mentions)))
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
