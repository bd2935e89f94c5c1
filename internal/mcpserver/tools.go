package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/engine"
	"github.com/bitk/bitk/internal/issue"
	"github.com/bitk/bitk/internal/issue/models"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

func registerTools(s *server.MCPServer, svc *issue.Service, log *logger.Logger) {
	// List Projects tool
	s.AddTool(
		mcp.NewTool("list-projects",
			mcp.WithDescription("List all projects. Use this first to get project IDs for other operations."),
		),
		listProjectsHandler(svc, log),
	)

	// List Issues tool
	s.AddTool(
		mcp.NewTool("list-issues",
			mcp.WithDescription("List issues in a project, optionally filtered by status."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID or alias to list issues from"),
			),
			mcp.WithString("status",
				mcp.Description("Filter by status: todo, working, review, done (optional)"),
			),
		),
		listIssuesHandler(svc, log),
	)

	// Create Issue tool
	s.AddTool(
		mcp.NewTool("create-issue",
			mcp.WithDescription("Create a new issue in a project. The issue starts in the todo column."),
			mcp.WithString("project_id",
				mcp.Required(),
				mcp.Description("The project ID or alias"),
			),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("The issue title"),
			),
			mcp.WithString("prompt",
				mcp.Description("The prompt the engine receives when the issue executes (optional)"),
			),
			mcp.WithString("priority",
				mcp.Description("The issue priority (optional)"),
			),
		),
		createIssueHandler(svc, log),
	)

	// Execute Issue tool
	s.AddTool(
		mcp.NewTool("execute-issue",
			mcp.WithDescription(
				"Start an engine execution for an issue. The issue moves to the working column "+
					"and streams output over the project event feed. Issues in todo or done cannot execute.",
			),
			mcp.WithString("issue_id",
				mcp.Required(),
				mcp.Description("The issue ID to execute"),
			),
			mcp.WithString("engine_type",
				mcp.Description("The engine to run, e.g. claude, gemini, codex (optional, defaults to the issue's engine)"),
			),
			mcp.WithString("prompt",
				mcp.Description("Override prompt for this execution (optional, defaults to the issue's prompt)"),
			),
			mcp.WithString("model",
				mcp.Description("Model identifier passed to the engine (optional)"),
			),
			mcp.WithString("permission_mode",
				mcp.Description("Engine permission mode, e.g. default, plan, yolo (optional)"),
			),
		),
		executeIssueHandler(svc, log),
	)

	// Issue Logs tool
	s.AddTool(
		mcp.NewTool("issue-logs",
			mcp.WithDescription("Read the normalized log entries of an issue, newest page first."),
			mcp.WithString("issue_id",
				mcp.Required(),
				mcp.Description("The issue ID to read logs from"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum entries to return (optional, default 100)"),
			),
		),
		issueLogsHandler(svc, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

func listProjectsHandler(svc *issue.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projects, err := svc.ListProjects(ctx)
		if err != nil {
			log.Error("failed to list projects", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list projects: %v", err)), nil
		}

		out := make([]*v1.Project, 0, len(projects))
		for _, p := range projects {
			out = append(out, p.ToAPI())
		}
		return jsonResult(out)
	}
}

func listIssuesHandler(svc *issue.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idOrAlias, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status := v1.IssueStatus(req.GetString("status", ""))
		if status != "" && !models.ValidStatus(status) {
			return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", status)), nil
		}

		projectID, err := svc.ResolveProjectID(ctx, idOrAlias)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Project not found: %v", err)), nil
		}
		issues, err := svc.ListIssues(ctx, projectID, status)
		if err != nil {
			log.Error("failed to list issues", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list issues: %v", err)), nil
		}

		out := make([]*v1.Issue, 0, len(issues))
		for _, i := range issues {
			out = append(out, i.ToAPI())
		}
		return jsonResult(out)
	}
}

func createIssueHandler(svc *issue.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idOrAlias, err := req.RequireString("project_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		projectID, err := svc.ResolveProjectID(ctx, idOrAlias)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Project not found: %v", err)), nil
		}

		row := &models.Issue{
			ProjectID: projectID,
			Title:     title,
			Status:    v1.IssueStatusTodo,
			Prompt:    req.GetString("prompt", ""),
			Priority:  req.GetString("priority", ""),
		}
		if err := svc.CreateIssue(ctx, row); err != nil {
			log.Error("failed to create issue", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create issue: %v", err)), nil
		}
		return jsonResult(row.ToAPI())
	}
}

func executeIssueHandler(svc *issue.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		issueID, err := req.RequireString("issue_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		info, err := svc.ExecuteIssue(ctx, issueID, issue.ExecuteOptions{
			EngineType:     req.GetString("engine_type", ""),
			Prompt:         req.GetString("prompt", ""),
			Model:          req.GetString("model", ""),
			PermissionMode: engine.PermissionMode(req.GetString("permission_mode", "")),
		})
		if err != nil {
			log.Error("failed to execute issue", zap.String("issue_id", issueID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to execute issue: %v", err)), nil
		}
		return jsonResult(info)
	}
}

func issueLogsHandler(svc *issue.Service, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		issueID, err := req.RequireString("issue_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		limit := req.GetInt("limit", 100)
		if limit <= 0 {
			limit = 100
		}

		page, err := svc.GetLogs(ctx, issueID, false, models.LogQuery{Limit: limit})
		if err != nil {
			log.Error("failed to read issue logs", zap.String("issue_id", issueID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read issue logs: %v", err)), nil
		}

		out := v1.LogPage{
			Entries:    make([]*v1.LogEntry, 0, len(page.Entries)),
			NextCursor: page.NextCursor,
			HasMore:    page.HasMore,
		}
		for _, e := range page.Entries {
			out.Entries = append(out.Entries, e.ToAPI())
		}
		return jsonResult(out)
	}
}

// jsonResult renders a tool result as pretty-printed JSON text.
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
