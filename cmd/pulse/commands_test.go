package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mosbiic/pulse/internal/config"
	"github.com/mosbiic/pulse/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestSyncCommand_SingleSource(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync/github": `{"status":"success","run":{"id":"run-1","source_kind":"github","outcome":"success","inserted":3,"updated":1}}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/sync/github", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Status string           `json:"status"`
		Run    *storage.SyncRun `json:"run"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if result.Status != "success" {
		t.Errorf("status = %q, want success", result.Status)
	}
	if result.Run == nil || result.Run.Inserted != 3 {
		t.Errorf("run = %+v, want 3 inserted", result.Run)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", ts.requests[0].Auth)
	}
}

func TestSyncCommand_All(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync": `{"runs":{"trello":{"id":"r1","outcome":"success","inserted":2},"github":{"id":"r2","outcome":"failed","error":"boom"}},"errors":"github: boom"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/sync", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Runs   map[string]storage.SyncRun `json:"runs"`
		Errors string                     `json:"errors"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(result.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(result.Runs))
	}
	if result.Runs["github"].Outcome != storage.OutcomeFailed {
		t.Errorf("github outcome = %q, want failed", result.Runs["github"].Outcome)
	}
	if !strings.Contains(result.Errors, "boom") {
		t.Errorf("errors = %q, want it to mention boom", result.Errors)
	}
}

func TestTimelineCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /timeline": `[{"id":"a1","source_kind":"github","activity_kind":"commit","title":"Fix flaky test","occurred_at":"2026-02-10T12:00:00Z"}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/timeline?start=2026-02-01&limit=50")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var activities []storage.Activity
	if err := decodeJSON(resp, &activities); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(activities) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(activities))
	}
	if activities[0].Title != "Fix flaky test" {
		t.Errorf("title = %q, want 'Fix flaky test'", activities[0].Title)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if !strings.Contains(ts.requests[0].Path, "start=2026-02-01") {
		t.Errorf("path = %q, want start param forwarded", ts.requests[0].Path)
	}
}

func TestSourcesSet_SendsCredentials(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /sources/github": `{"kind":"github","enabled":true,"has_credentials":true}`,
	})

	client := ts.client()
	body := map[string]any{
		"enabled":     true,
		"credentials": map[string]string{"token": "ghp_secret"},
	}
	resp, err := client.put(ctx, "/sources/github", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var view struct {
		Kind           string `json:"kind"`
		HasCredentials bool   `json:"has_credentials"`
	}
	if err := decodeJSON(resp, &view); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !view.HasCredentials {
		t.Error("expected has_credentials true in response")
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	creds, ok := sent["credentials"].(map[string]any)
	if !ok || creds["token"] != "ghp_secret" {
		t.Errorf("body credentials = %v, want token=ghp_secret", sent["credentials"])
	}
}

func TestSourcesSet_MutuallyExclusiveFlags(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"sources", "set", "github", "--enable", "--disable"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for --enable with --disable")
	}
	if !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("error = %q, want it to mention 'mutually exclusive'", err.Error())
	}
}

func TestParsePairs(t *testing.T) {
	pairs, err := parsePairs([]string{"key=k", "token=t", "symbols=AAPL,0700"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pairs["key"] != "k" || pairs["token"] != "t" {
		t.Errorf("pairs = %v", pairs)
	}
	if pairs["symbols"] != "AAPL,0700" {
		t.Errorf("value with comma mangled: %q", pairs["symbols"])
	}

	if _, err := parsePairs([]string{"no-separator"}); err == nil {
		t.Error("expected error for pair without '='")
	}
	if _, err := parsePairs([]string{"=value"}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestCacheClearCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /cache/stock/clear": `{"invalidated":4}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/cache/stock/clear", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]int
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["invalidated"] != 4 {
		t.Errorf("invalidated = %d, want 4", result["invalidated"])
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/timeline")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4600
	cfg.Sync.Timezone = "Europe/Berlin"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4600" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4600 in ShowAll output")
	}
}

func TestSourceQuotasCoverAllKinds(t *testing.T) {
	quotas := sourceQuotas()
	for _, kind := range []string{"trello", "github", "stock", "weather"} {
		q, ok := quotas[kind]
		if !ok {
			t.Errorf("no quota for %s", kind)
			continue
		}
		if q.Limit <= 0 || q.Window <= 0 {
			t.Errorf("quota for %s not positive: %+v", kind, q)
		}
	}
}
