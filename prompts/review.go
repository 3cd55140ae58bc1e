package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/athapong/kgraph/pkg/engine"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func RegisterReviewPrompts(s *server.MCPServer, eng *engine.Engine) {
	prompt := mcp.NewPrompt("kg_review_discoveries",
		mcp.WithPromptDescription("Walk through a project's pending discoveries and decide each one"),
		mcp.WithArgument("project_id", mcp.ArgumentDescription("ID of the knowledge graph project"), mcp.RequiredArgument()),
		mcp.WithArgument("reviewer", mcp.ArgumentDescription("Name recorded as the actor of each decision")),
	)
	s.AddPrompt(prompt, reviewDiscoveriesHandler(eng))
}

func reviewDiscoveriesHandler(eng *engine.Engine) server.PromptHandlerFunc {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		projectID := strings.TrimSpace(request.Params.Arguments["project_id"])
		if projectID == "" {
			return nil, fmt.Errorf("project_id is required")
		}
		reviewer := strings.TrimSpace(request.Params.Arguments["reviewer"])
		if reviewer == "" {
			reviewer = "user"
		}

		project, err := eng.GetProject(projectID)
		if err != nil {
			return nil, err
		}
		pending := project.PendingDiscoveries()

		var b strings.Builder
		fmt.Fprintf(&b, "Review the pending discoveries of knowledge graph %q (%s).\n", project.Name, project.ID)
		if len(pending) == 0 {
			b.WriteString("There is nothing to review right now.\n")
		} else {
			b.WriteString("For each one, use kg_evidence or kg_neighbors if you need context, then call kg_decide ")
			fmt.Fprintf(&b, "with decision confirm or reject and actor %q.\n\n", reviewer)
			for i, d := range pending {
				fmt.Fprintf(&b, "%d. [%s] %s: %s\n", i+1, d.ID, d.Reason, d.Rationale)
				switch {
				case d.Node != nil:
					fmt.Fprintf(&b, "   thing: %s (%s), confidence %.2f\n", d.Node.Label, d.Node.Type, d.Node.Confidence)
				case d.Edge != nil:
					fmt.Fprintf(&b, "   connection: %s -%s-> %s, confidence %.2f\n", d.Edge.SourceLabel, d.Edge.Type, d.Edge.TargetLabel, d.Edge.Confidence)
				}
			}
		}

		return &mcp.GetPromptResult{
			Description: fmt.Sprintf("%d pending discoveries in %s", len(pending), project.Name),
			Messages: []mcp.PromptMessage{
				{
					Role: mcp.RoleUser,
					Content: mcp.TextContent{
						Type: "text",
						Text: b.String(),
					},
				},
			},
		}, nil
	}
}
