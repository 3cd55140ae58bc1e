package tools

import (
	"fmt"
	"os"
	"strings"

	"github.com/athapong/kgraph/util"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// GroupToolManager is the group of the tool_manager tool itself
const GroupToolManager = "tool_manager"

// Groups lists every tool group the server can register, with a short description
var Groups = []struct {
	Name string
	Desc string
}{
	{GroupToolManager, "Tool management"},
	{GroupBuild, "Project creation, bootstrap and transcript extraction"},
	{GroupReview, "Confirmation of pending discoveries and the audit trail"},
	{GroupQuery, "Key players, paths, clusters, evidence, neighbors and export"},
}

// EnabledGroups parses an ENABLE_TOOLS value. An empty value enables every group.
func EnabledGroups(value string) func(group string) bool {
	if strings.TrimSpace(value) == "" {
		return func(string) bool { return true }
	}
	enabled := make(map[string]bool)
	for _, name := range strings.Split(value, ",") {
		if name = strings.TrimSpace(name); name != "" {
			enabled[name] = true
		}
	}
	return func(group string) bool { return enabled[group] }
}

func RegisterToolManagerTool(s *server.MCPServer) {
	tool := mcp.NewTool("tool_manager",
		mcp.WithDescription("Manage MCP tool groups - list, enable or disable them. Changes apply on the next server start."),
		mcp.WithString("action", mcp.Required(), mcp.Description("Action to perform: list, enable, disable")),
		mcp.WithString("tool_name", mcp.Description("Tool group to enable/disable")),
	)

	s.AddTool(tool, util.ErrorGuard(util.AdaptLegacyHandler(toolManagerHandler)))
}

func toolManagerHandler(arguments map[string]interface{}) (*mcp.CallToolResult, error) {
	action, ok := arguments["action"].(string)
	if !ok {
		return mcp.NewToolResultError("action must be a string"), nil
	}

	enableTools := os.Getenv("ENABLE_TOOLS")
	toolList := strings.Split(enableTools, ",")

	switch action {
	case "list":
		var response strings.Builder
		response.WriteString("Available tool groups:\n")
		isEnabled := EnabledGroups(enableTools)
		for _, g := range Groups {
			status := "disabled"
			if isEnabled(g.Name) {
				status = "enabled"
			}
			fmt.Fprintf(&response, "- %s (%s) [%s]\n", g.Name, g.Desc, status)
		}
		response.WriteString("\nCurrently enabled groups:\n")
		if strings.TrimSpace(enableTools) == "" {
			response.WriteString("All groups are enabled (ENABLE_TOOLS is empty)\n")
		} else {
			for _, name := range toolList {
				if name = strings.TrimSpace(name); name != "" {
					fmt.Fprintf(&response, "- %s\n", name)
				}
			}
		}
		return mcp.NewToolResultText(response.String()), nil

	case "enable", "disable":
		toolName, ok := arguments["tool_name"].(string)
		if !ok || toolName == "" {
			return mcp.NewToolResultError("tool_name is required for enable/disable actions"), nil
		}
		if !knownGroup(toolName) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown tool group: %s", toolName)), nil
		}

		if strings.TrimSpace(enableTools) == "" {
			if action == "enable" {
				return mcp.NewToolResultText(fmt.Sprintf("Tool group %s is already enabled", toolName)), nil
			}
			// every group is on; disabling one means listing the rest
			toolList = nil
			for _, g := range Groups {
				toolList = append(toolList, g.Name)
			}
		}

		if action == "enable" {
			if !contains(toolList, toolName) {
				toolList = append(toolList, toolName)
			}
		} else {
			toolList = removeString(toolList, toolName)
		}

		if err := os.Setenv("ENABLE_TOOLS", strings.Join(toolList, ",")); err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(fmt.Sprintf("Successfully %sd tool group: %s", action, toolName)), nil

	default:
		return mcp.NewToolResultError("Invalid action. Use 'list', 'enable', or 'disable'"), nil
	}
}

func knownGroup(name string) bool {
	for _, g := range Groups {
		if g.Name == name {
			return true
		}
	}
	return false
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func removeString(slice []string, item string) []string {
	result := []string{}
	for _, s := range slice {
		if s != item && s != "" {
			result = append(result, s)
		}
	}
	return result
}
