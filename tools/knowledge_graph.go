package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/athapong/kgraph/pkg/engine"
	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/processors"
	"github.com/athapong/kgraph/util"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Tool groups, switched on and off through ENABLE_TOOLS
const (
	GroupBuild  = "kg_build"
	GroupReview = "kg_review"
	GroupQuery  = "kg_query"
)

// GraphExporter mirrors a committed graph into an external store
type GraphExporter interface {
	Export(ctx context.Context, dump *graph.Dump) error
}

// KnowledgeGraph serves the knowledge graph operations as MCP tools
type KnowledgeGraph struct {
	engine   *engine.Engine
	loader   *processors.Registry
	exporter GraphExporter
	client   *http.Client
}

// NewKnowledgeGraph creates the tool handlers over eng; loader reads documents named by path
func NewKnowledgeGraph(eng *engine.Engine, loader *processors.Registry) *KnowledgeGraph {
	return &KnowledgeGraph{engine: eng, loader: loader, client: fetchClient}
}

// WithExporter enables the kg_sync_neo4j tool
func (k *KnowledgeGraph) WithExporter(exporter GraphExporter) *KnowledgeGraph {
	k.exporter = exporter
	return k
}

func projectArg() mcp.ToolOption {
	return mcp.WithString("project_id", mcp.Required(), mcp.Description("ID of the knowledge graph project"))
}

func documentArgs(tool string) []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithDescription(tool),
		projectArg(),
		mcp.WithString("file_path", mcp.Description("Path of a .txt, .md, .html or .pdf transcript to load. Takes precedence over url and content")),
		mcp.WithString("url", mcp.Description("HTTP/HTTPS URL of a transcript page or PDF. Takes precedence over content")),
		mcp.WithString("content", mcp.Description("Transcript text, used when file_path is not given")),
		mcp.WithString("document_id", mcp.Description("Stable document ID for content; re-submitting the same ID is idempotent")),
		mcp.WithString("title", mcp.Description("Document title for content")),
	}
}

// RegisterBuildTools registers project creation, bootstrap and extraction
func (k *KnowledgeGraph) RegisterBuildTools(s *server.MCPServer) {
	createTool := mcp.NewTool("kg_create_project",
		mcp.WithDescription("Create an empty knowledge graph project. Bootstrap it with a first transcript before extracting more."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Project name")),
	)
	s.AddTool(createTool, util.ErrorGuard(k.createProjectHandler))

	listTool := mcp.NewTool("kg_list_projects",
		mcp.WithDescription("List knowledge graph projects with their state"),
	)
	s.AddTool(listTool, util.ErrorGuard(k.listProjectsHandler))

	getTool := mcp.NewTool("kg_get_project",
		mcp.WithDescription("Show a project's state, domain profile and document count"),
		projectArg(),
	)
	s.AddTool(getTool, util.ErrorGuard(k.getProjectHandler))

	bootstrapTool := mcp.NewTool("kg_bootstrap", documentArgs(
		"Infer a domain profile (thing types, connection types, seed entities) from a seed transcript and extract it. Runs once per project.")...)
	s.AddTool(bootstrapTool, util.ErrorGuard(k.bootstrapHandler))

	extractTool := mcp.NewTool("kg_extract", documentArgs(
		"Extract things and connections from a transcript into a bootstrapped project. Uncertain facts are queued for review.")...)
	s.AddTool(extractTool, util.ErrorGuard(k.extractHandler))
}

// RegisterReviewTools registers the confirmation workflow
func (k *KnowledgeGraph) RegisterReviewTools(s *server.MCPServer) {
	pendingTool := mcp.NewTool("kg_list_pending",
		mcp.WithDescription("List discoveries awaiting confirmation, oldest first"),
		projectArg(),
	)
	s.AddTool(pendingTool, util.ErrorGuard(k.listPendingHandler))

	decideTool := mcp.NewTool("kg_decide",
		mcp.WithDescription("Confirm or reject a pending discovery. Confirming a new type adds it to the domain profile."),
		mcp.WithString("discovery_id", mcp.Required(), mcp.Description("ID of the pending discovery")),
		mcp.WithString("decision", mcp.Required(), mcp.Description("confirm or reject")),
		mcp.WithString("actor", mcp.Description("Who made the decision")),
	)
	s.AddTool(decideTool, util.ErrorGuard(k.decideHandler))

	auditTool := mcp.NewTool("kg_audit_trail",
		mcp.WithDescription("List every decision made on the project's discoveries"),
		projectArg(),
	)
	s.AddTool(auditTool, util.ErrorGuard(k.auditTrailHandler))
}

// RegisterQueryTools registers the read-only graph queries
func (k *KnowledgeGraph) RegisterQueryTools(s *server.MCPServer) {
	playersTool := mcp.NewTool("kg_key_players",
		mcp.WithDescription("Rank the most connected and best evidenced things"),
		projectArg(),
		mcp.WithNumber("limit", mcp.Description("Number of results (default 10)")),
	)
	s.AddTool(playersTool, util.ErrorGuard(k.keyPlayersHandler))

	pathsTool := mcp.NewTool("kg_find_paths",
		mcp.WithDescription("Find up to five shortest connection paths between two things, named by label or alias"),
		projectArg(),
		mcp.WithString("source", mcp.Required(), mcp.Description("Label of the first thing")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Label of the second thing")),
		mcp.WithNumber("max_length", mcp.Description("Maximum hops (default 5)")),
	)
	s.AddTool(pathsTool, util.ErrorGuard(k.findPathsHandler))

	clustersTool := mcp.NewTool("kg_clusters",
		mcp.WithDescription("Group things into clusters and list the connections bridging them"),
		projectArg(),
	)
	s.AddTool(clustersTool, util.ErrorGuard(k.clustersHandler))

	evidenceTool := mcp.NewTool("kg_evidence",
		mcp.WithDescription("Show the quoted evidence behind a thing or connection"),
		projectArg(),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node or edge ID")),
	)
	s.AddTool(evidenceTool, util.ErrorGuard(k.evidenceHandler))

	neighborsTool := mcp.NewTool("kg_neighbors",
		mcp.WithDescription("List the things within a number of hops of a node"),
		projectArg(),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node ID")),
		mcp.WithNumber("depth", mcp.Description("Hops to walk (default 1)")),
	)
	s.AddTool(neighborsTool, util.ErrorGuard(k.neighborsHandler))

	exportTool := mcp.NewTool("kg_export",
		mcp.WithDescription("Export the project's committed graph as JSON"),
		projectArg(),
	)
	s.AddTool(exportTool, util.ErrorGuard(k.exportHandler))

	if k.exporter != nil {
		syncTool := mcp.NewTool("kg_sync_neo4j",
			mcp.WithDescription("Mirror the project's committed graph into the configured Neo4j database"),
			projectArg(),
		)
		s.AddTool(syncTool, util.ErrorGuard(k.syncHandler))
	}
}

func (k *KnowledgeGraph) createProjectHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, ok := request.Params.Arguments["name"].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return mcp.NewToolResultError("name must be a non-empty string"), nil
	}
	project, err := k.engine.CreateProject(ctx, strings.TrimSpace(name))
	return jsonResult(project, err)
}

func (k *KnowledgeGraph) listProjectsHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type summary struct {
		ID            string             `json:"id"`
		Name          string             `json:"name"`
		State         graph.ProjectState `json:"state"`
		DocumentCount int                `json:"document_count"`
		Pending       int                `json:"pending_discoveries"`
	}
	projects := k.engine.ListProjects()
	out := make([]summary, 0, len(projects))
	for _, p := range projects {
		out = append(out, summary{
			ID:            p.ID,
			Name:          p.Name,
			State:         p.State,
			DocumentCount: p.DocumentCount,
			Pending:       len(p.PendingDiscoveries()),
		})
	}
	return jsonResult(out, nil)
}

func (k *KnowledgeGraph) getProjectHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, errResult := requiredString(request, "project_id")
	if errResult != nil {
		return errResult, nil
	}
	project, err := k.engine.GetProject(projectID)
	if err != nil {
		return errorResult(err), nil
	}
	project.Discoveries = nil
	return jsonResult(project, nil)
}

func (k *KnowledgeGraph) bootstrapHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, errResult := requiredString(request, "project_id")
	if errResult != nil {
		return errResult, nil
	}
	doc, errResult := k.document(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	result, err := k.engine.Bootstrap(ctx, projectID, *doc)
	return jsonResult(result, err)
}

func (k *KnowledgeGraph) extractHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, errResult := requiredString(request, "project_id")
	if errResult != nil {
		return errResult, nil
	}
	doc, errResult := k.document(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	result, err := k.engine.Extract(ctx, projectID, *doc)
	return jsonResult(result, err)
}

func (k *KnowledgeGraph) listPendingHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, errResult := requiredString(request, "project_id")
	if errResult != nil {
		return errResult, nil
	}
	pending, err := k.engine.ListPending(projectID)
	return jsonResult(pending, err)
}

func (k *KnowledgeGraph) decideHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	discoveryID, errResult := requiredString(request, "discovery_id")
	if errResult != nil {
		return errResult, nil
	}
	decision, _ := request.Params.Arguments["decision"].(string)
	var confirmed bool
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "confirm", "confirmed", "yes":
		confirmed = true
	case "reject", "rejected", "no":
	default:
		return mcp.NewToolResultError("decision must be confirm or reject"), nil
	}
	actor, _ := request.Params.Arguments["actor"].(string)
	decided, err := k.engine.Decide(ctx, discoveryID, confirmed, actor)
	return jsonResult(decided, err)
}

func (k *KnowledgeGraph) auditTrailHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, errResult := requiredString(request, "project_id")
	if errResult != nil {
		return errResult, nil
	}
	records, err := k.engine.AuditTrail(ctx, projectID)
	return jsonResult(records, err)
}

func (k *KnowledgeGraph) keyPlayersHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, errResult := requiredString(request, "project_id")
	if errResult != nil {
		return errResult, nil
	}
	players, err := k.engine.RankKeyPlayers(ctx, projectID, intArg(request, "limit"))
	return jsonResult(players, err)
}

func (k *KnowledgeGraph) findPathsHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, errResult := requiredString(request, "project_id")
	if errResult != nil {
		return errResult, nil
	}
	source, errResult := requiredString(request, "source")
	if errResult != nil {
		return errResult, nil
	}
	target, errResult := requiredString(request, "target")
	if errResult != nil {
		return errResult, nil
	}
	paths, err := k.engine.FindPaths(ctx, projectID, source, target, intArg(request, "max_length"))
	return jsonResult(paths, err)
}

func (k *KnowledgeGraph) clustersHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, errResult := requiredString(request, "project_id")
	if errResult != nil {
		return errResult, nil
	}
	clustering, err := k.engine.FindClusters(ctx, projectID)
	return jsonResult(clustering, err)
}

func (k *KnowledgeGraph) evidenceHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, errResult := requiredString(request, "project_id")
	if errResult != nil {
		return errResult, nil
	}
	id, errResult := requiredString(request, "id")
	if errResult != nil {
		return errResult, nil
	}
	evidence, err := k.engine.GetEvidence(ctx, projectID, id)
	return jsonResult(evidence, err)
}

func (k *KnowledgeGraph) neighborsHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, errResult := requiredString(request, "project_id")
	if errResult != nil {
		return errResult, nil
	}
	nodeID, errResult := requiredString(request, "node_id")
	if errResult != nil {
		return errResult, nil
	}
	nodes, err := k.engine.Neighbors(ctx, projectID, nodeID, intArg(request, "depth"))
	return jsonResult(nodes, err)
}

func (k *KnowledgeGraph) exportHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, errResult := requiredString(request, "project_id")
	if errResult != nil {
		return errResult, nil
	}
	dump, err := k.engine.Export(projectID)
	return jsonResult(dump, err)
}

func (k *KnowledgeGraph) syncHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, errResult := requiredString(request, "project_id")
	if errResult != nil {
		return errResult, nil
	}
	dump, err := k.engine.Export(projectID)
	if err != nil {
		return errorResult(err), nil
	}
	if err := k.exporter.Export(ctx, dump); err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(fmt.Sprintf("Synced %d nodes and %d edges of %s to Neo4j", len(dump.Nodes), len(dump.Edges), dump.Project.Name)), nil
}

// document reads the call's transcript from file_path, url or content, in that order
func (k *KnowledgeGraph) document(ctx context.Context, request mcp.CallToolRequest) (*graph.Document, *mcp.CallToolResult) {
	args := request.Params.Arguments
	if path, _ := args["file_path"].(string); strings.TrimSpace(path) != "" {
		doc, err := k.loader.LoadFile(ctx, strings.TrimSpace(path))
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("failed to load document: %v", err))
		}
		return doc, nil
	}

	if url, _ := args["url"].(string); strings.TrimSpace(url) != "" {
		doc, err := fetchDocument(ctx, k.client, k.loader, strings.TrimSpace(url))
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("failed to load document: %v", err))
		}
		return doc, nil
	}

	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return nil, mcp.NewToolResultError("one of file_path, url or content is required")
	}
	docID, _ := args["document_id"].(string)
	if strings.TrimSpace(docID) == "" {
		return nil, mcp.NewToolResultError("document_id is required with content")
	}
	title, _ := args["title"].(string)
	return &graph.Document{ID: strings.TrimSpace(docID), Title: title, Content: content}, nil
}

func requiredString(request mcp.CallToolRequest, key string) (string, *mcp.CallToolResult) {
	v, ok := request.Params.Arguments[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", mcp.NewToolResultError(fmt.Sprintf("%s must be a non-empty string", key))
	}
	return strings.TrimSpace(v), nil
}

// intArg reads a numeric argument; absent or invalid values yield 0, which selects the default
func intArg(request mcp.CallToolRequest, key string) int {
	switch v := request.Params.Arguments[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", graph.Kind(err), err))
}

func jsonResult(v interface{}, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return errorResult(err), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
