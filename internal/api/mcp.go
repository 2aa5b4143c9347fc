package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mosbiic/pulse/internal/source"
	"github.com/mosbiic/pulse/internal/storage"
	"github.com/mosbiic/pulse/internal/syncer"
	"github.com/mosbiic/pulse/internal/timeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store        *storage.Store
	Orchestrator *syncer.Orchestrator
	Timeline     *timeline.Engine
}

// NewMCPServer creates an MCP server with all pulse tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"pulse",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pulse: personal activity timeline aggregated from task boards, code hosts, market quotes, and weather."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("timeline_query",
			mcp.WithDescription("List activities in a time range across all or selected sources."),
			mcp.WithString("start", mcp.Description("Range start, RFC3339 or YYYY-MM-DD (default: 7 days ago)")),
			mcp.WithString("end", mcp.Description("Range end, exclusive (default: now)")),
			mcp.WithString("sources", mcp.Description("Comma-separated source kinds: trello, github, stock, weather")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 100)")),
		),
		mcpTimelineQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("timeline_summary",
			mcp.WithDescription("Aggregate activity counts per day, source, and activity kind."),
			mcp.WithString("start", mcp.Description("Range start, RFC3339 or YYYY-MM-DD (default: 7 days ago)")),
			mcp.WithString("end", mcp.Description("Range end, exclusive (default: now)")),
			mcp.WithString("sources", mcp.Description("Comma-separated source kinds to include")),
		),
		mcpTimelineSummary(deps),
	)

	s.AddTool(
		mcp.NewTool("trigger_sync",
			mcp.WithDescription("Run a sync for one source and wait for its result."),
			mcp.WithString("source", mcp.Description("Source kind: trello, github, stock, weather"), mcp.Required()),
			mcp.WithBoolean("force", mcp.Description("Bypass the response cache")),
		),
		mcpTriggerSync(deps),
	)

	s.AddTool(
		mcp.NewTool("source_status",
			mcp.WithDescription("Report a source's configuration state and its most recent sync run."),
			mcp.WithString("source", mcp.Description("Source kind: trello, github, stock, weather"), mcp.Required()),
		),
		mcpSourceStatus(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"pulse://sources",
			"Configured Sources",
			mcp.WithResourceDescription("All source configurations (credentials redacted) as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSources(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pulse://recent",
			"Recent Activity",
			mcp.WithResourceDescription("Last 20 activities across all sources"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

// mcpRangeQuery reads the shared start/end/sources arguments.
func mcpRangeQuery(req mcp.CallToolRequest, limit int) (timeline.Query, error) {
	var q timeline.Query
	if s := req.GetString("start", ""); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			return q, fmt.Errorf("invalid start: %v", err)
		}
		q.Start = t
	}
	if s := req.GetString("end", ""); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			return q, fmt.Errorf("invalid end: %v", err)
		}
		q.End = t
	}
	if s := req.GetString("sources", ""); s != "" {
		for _, part := range splitCSV(s) {
			if _, err := source.ParseKind(part); err != nil {
				return q, err
			}
			q.SourceKinds = append(q.SourceKinds, part)
		}
	}
	q.Limit = limit
	return q, nil
}

func mcpTimelineQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 100)
		if limit <= 0 {
			limit = 100
		}
		q, err := mcpRangeQuery(req, limit)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		activities, err := deps.Timeline.Range(q)
		if err != nil {
			return mcpError(fmt.Sprintf("timeline query failed: %v", err)), nil
		}
		if len(activities) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(activities)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTimelineSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := mcpRangeQuery(req, 0)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		days, err := deps.Timeline.Summary(q)
		if err != nil {
			return mcpError(fmt.Sprintf("summary failed: %v", err)), nil
		}
		if len(days) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(days)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal summary: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTriggerSync(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kindStr, err := req.RequireString("source")
		if err != nil {
			return mcpError("source is required"), nil
		}
		kind, err := source.ParseKind(kindStr)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		force := req.GetBool("force", false)

		run, err := deps.Orchestrator.Sync(ctx, kind, force)
		if err != nil && run.ID == "" {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}

		b, marshalErr := json.Marshal(run)
		if marshalErr != nil {
			return mcpError(fmt.Sprintf("failed to marshal run: %v", marshalErr)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSourceStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kindStr, err := req.RequireString("source")
		if err != nil {
			return mcpError("source is required"), nil
		}
		kind, err := source.ParseKind(kindStr)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		status := map[string]any{"kind": string(kind), "configured": false}
		cfg, err := deps.Store.GetSourceConfig(string(kind))
		if err == nil {
			status["configured"] = true
			status["enabled"] = cfg.Enabled
			status["has_credentials"] = cfg.Credentials != ""
			if !cfg.LastSync.IsZero() {
				status["last_sync"] = cfg.LastSync.Format(time.RFC3339)
			}
		}

		running, last, err := deps.Orchestrator.Status(kind)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get sync status: %v", err)), nil
		}
		status["running"] = running
		if last != nil {
			status["last_run"] = last
		}

		b, err := json.Marshal(status)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSources(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		configs, err := deps.Store.ListSourceConfigs()
		if err != nil {
			return nil, fmt.Errorf("failed to list sources: %w", err)
		}

		views := make([]sourceView, len(configs))
		for i, cfg := range configs {
			views[i] = viewOf(cfg)
		}

		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sources: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		activities, err := deps.Timeline.Range(timeline.Query{Limit: 20})
		if err != nil {
			return nil, fmt.Errorf("failed to query recent activity: %w", err)
		}

		b, err := json.Marshal(activities)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal activities: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
