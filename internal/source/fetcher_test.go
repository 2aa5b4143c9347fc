package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/mosbiic/pulse/internal/cache"
	"github.com/mosbiic/pulse/internal/ratelimit"
)

func newTestFetcher(t *testing.T, quotas map[string]ratelimit.Quota) *Fetcher {
	t.Helper()
	return NewFetcher(nil, ratelimit.New(quotas), cache.New())
}

func TestGetJSONCachesResponses(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"value":"hello"}`))
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, nil)
	req := request{kind: KindStock, endpointClass: "quote", url: srv.URL, ttl: time.Minute}

	var out struct {
		Value string `json:"value"`
	}
	if err := f.getJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if out.Value != "hello" {
		t.Fatalf("got %q, want hello", out.Value)
	}
	if err := f.getJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("upstream called %d times, want 1 (second fetch should hit cache)", calls)
	}
}

func TestGetJSONCacheKeyIncludesParams(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, nil)
	var out map[string]any
	for _, sym := range []string{"AAPL", "MSFT"} {
		req := request{kind: KindStock, endpointClass: "quote", url: srv.URL,
			params: map[string]string{"symbols": sym}, ttl: time.Minute}
		if err := f.getJSON(context.Background(), req, &out); err != nil {
			t.Fatalf("fetch %s: %v", sym, err)
		}
	}
	if calls != 2 {
		t.Fatalf("upstream called %d times, want 2 (distinct params must not share cache entries)", calls)
	}
}

func TestGetJSONQuotaExceededLocally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, map[string]ratelimit.Quota{"github": {Limit: 1, Window: time.Hour}})
	var out map[string]any

	req := func(n string) request {
		return request{kind: KindGitHub, endpointClass: "repos", url: srv.URL,
			params: map[string]string{"n": n}, ttl: 0}
	}
	if err := f.getJSON(context.Background(), req("1"), &out); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	err := f.getJSON(context.Background(), req("2"), &out)
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("got %v, want QuotaError", err)
	}
	if qe.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %s, want positive", qe.RetryAfter)
	}
}

func TestGetJSONUpstream429ExhaustsQuota(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, map[string]ratelimit.Quota{"trello": {Limit: 100, Window: time.Hour}})
	var out map[string]any

	err := f.getJSON(context.Background(), request{kind: KindTrello, endpointClass: "cards", url: srv.URL}, &out)
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("got %v, want QuotaError", err)
	}
	if qe.RetryAfter < time.Minute {
		t.Fatalf("RetryAfter = %s, want at least 1m from Retry-After header", qe.RetryAfter)
	}

	// Exhaustion must stick: the next attempt is denied locally.
	err = f.getJSON(context.Background(), request{kind: KindTrello, endpointClass: "cards", url: srv.URL,
		params: map[string]string{"n": "2"}}, &out)
	if !errors.As(err, &qe) {
		t.Fatalf("after 429: got %v, want QuotaError", err)
	}
	if calls != 1 {
		t.Fatalf("upstream called %d times, want 1", calls)
	}
}

func TestGetJSONCredentialRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, nil)
	var out map[string]any
	err := f.getJSON(context.Background(), request{kind: KindGitHub, endpointClass: "repos", url: srv.URL}, &out)
	var ce *CredentialError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want CredentialError", err)
	}
	if ce.Status != http.StatusUnauthorized {
		t.Fatalf("Status = %d, want 401", ce.Status)
	}
}

func TestGetJSONServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, nil)
	var out map[string]any
	err := f.getJSON(context.Background(), request{kind: KindWeather, endpointClass: "forecast", url: srv.URL}, &out)
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("got %v, want UnavailableError", err)
	}
}

func TestGetJSONQuotaHeadersObserved(t *testing.T) {
	reset := time.Now().Add(time.Hour).Unix()
	first := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if first {
			w.Header().Set("X-Ratelimit-Remaining", "0")
			w.Header().Set("X-Ratelimit-Reset", strconv.FormatInt(reset, 10))
			first = false
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, map[string]ratelimit.Quota{"github": {Limit: 100, Window: time.Hour}})
	var out map[string]any
	if err := f.getJSON(context.Background(), request{kind: KindGitHub, endpointClass: "repos", url: srv.URL}, &out); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	// The reported zero remaining overrides the generous local quota.
	err := f.getJSON(context.Background(), request{kind: KindGitHub, endpointClass: "repos", url: srv.URL,
		params: map[string]string{"n": "2"}}, &out)
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("got %v, want QuotaError from reported headers", err)
	}
}

func TestInvalidateSource(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, nil)
	var out map[string]any
	req := request{kind: KindTrello, endpointClass: "boards", url: srv.URL, ttl: time.Hour}
	if err := f.getJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if n := f.InvalidateSource(KindTrello); n != 1 {
		t.Fatalf("invalidated %d entries, want 1", n)
	}
	if err := f.getJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if calls != 2 {
		t.Fatalf("upstream called %d times, want 2 after invalidation", calls)
	}
}
