package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mosbiic/pulse/internal/cache"
	"github.com/mosbiic/pulse/internal/ratelimit"
	"github.com/mosbiic/pulse/internal/source"
	"github.com/mosbiic/pulse/internal/storage"
	"github.com/mosbiic/pulse/internal/syncer"
	"github.com/mosbiic/pulse/internal/timeline"
	"github.com/mosbiic/pulse/internal/vault"
)

func setupMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	fetcher := source.NewFetcher(nil, ratelimit.New(nil), cache.New())
	orch := syncer.New(store, v, fetcher, nil, slog.New(slog.DiscardHandler), syncer.Options{})

	return MCPDeps{
		Store:        store,
		Orchestrator: orch,
		Timeline:     timeline.New(store, nil),
	}, store
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return tc.Text
}

func TestMCPTimelineQuery(t *testing.T) {
	deps, store := setupMCPDeps(t)
	_, err := store.UpsertActivity(storage.Activity{
		SourceKind:     "trello",
		SourceNativeID: "c1",
		ActivityKind:   "task_complete",
		Title:          "Pay rent",
		OccurredAt:     time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
		IngestedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertActivity: %v", err)
	}

	handler := mcpTimelineQuery(deps)
	res, err := handler(context.Background(), toolRequest("timeline_query", map[string]any{
		"start": "2026-02-01",
		"end":   "2026-03-01",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}

	var activities []storage.Activity
	if err := json.Unmarshal([]byte(resultText(t, res)), &activities); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(activities) != 1 || activities[0].Title != "Pay rent" {
		t.Fatalf("activities = %+v", activities)
	}
}

func TestMCPTimelineQueryInvalidSource(t *testing.T) {
	deps, _ := setupMCPDeps(t)

	handler := mcpTimelineQuery(deps)
	res, err := handler(context.Background(), toolRequest("timeline_query", map[string]any{
		"sources": "jira",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for unknown source kind")
	}
}

func TestMCPTimelineSummary(t *testing.T) {
	deps, store := setupMCPDeps(t)
	for i, id := range []string{"a", "b", "c"} {
		_, err := store.UpsertActivity(storage.Activity{
			SourceKind:     "github",
			SourceNativeID: id,
			ActivityKind:   "commit",
			Title:          id,
			OccurredAt:     time.Date(2026, 2, 10, 8+i, 0, 0, 0, time.UTC),
			IngestedAt:     time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("UpsertActivity: %v", err)
		}
	}

	handler := mcpTimelineSummary(deps)
	res, err := handler(context.Background(), toolRequest("timeline_summary", map[string]any{
		"start": "2026-02-09",
		"end":   "2026-02-12",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}

	var days []timeline.DaySummary
	if err := json.Unmarshal([]byte(resultText(t, res)), &days); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(days) != 1 || days[0].Total != 3 {
		t.Fatalf("days = %+v, want one day with 3 activities", days)
	}
}

func TestMCPTriggerSyncUnconfigured(t *testing.T) {
	deps, _ := setupMCPDeps(t)

	handler := mcpTriggerSync(deps)
	res, err := handler(context.Background(), toolRequest("trigger_sync", map[string]any{
		"source": "github",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for unconfigured source")
	}
	if !strings.Contains(resultText(t, res), "github") {
		t.Fatalf("error text = %q, want the source named", resultText(t, res))
	}
}

func TestMCPSourceStatus(t *testing.T) {
	deps, store := setupMCPDeps(t)
	if err := store.SaveSourceConfig(storage.SourceConfig{
		SourceKind: "trello",
		Enabled:    true,
	}); err != nil {
		t.Fatalf("SaveSourceConfig: %v", err)
	}

	handler := mcpSourceStatus(deps)
	res, err := handler(context.Background(), toolRequest("source_status", map[string]any{
		"source": "trello",
	}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}

	var status map[string]any
	if err := json.Unmarshal([]byte(resultText(t, res)), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["configured"] != true || status["enabled"] != true {
		t.Fatalf("status = %v", status)
	}
	if status["running"] != false {
		t.Fatalf("running = %v, want false", status["running"])
	}
}

func TestMCPSourceStatusMissingArg(t *testing.T) {
	deps, _ := setupMCPDeps(t)

	handler := mcpSourceStatus(deps)
	res, err := handler(context.Background(), toolRequest("source_status", nil))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error when source argument is missing")
	}
}
