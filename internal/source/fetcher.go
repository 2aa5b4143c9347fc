package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mosbiic/pulse/internal/cache"
	"github.com/mosbiic/pulse/internal/ratelimit"
)

const maxResponseSize = 10 << 20 // 10MB

// Fetcher is the shared read-through fetch path: rate-limiter gate, response
// cache, live HTTP GET, quota-header bookkeeping, and error taxonomy mapping.
// All adapter traffic goes through it.
type Fetcher struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	cache   *cache.Cache
}

// NewFetcher creates a Fetcher. A nil client gets a 15s-timeout default.
func NewFetcher(client *http.Client, limiter *ratelimit.Limiter, c *cache.Cache) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, limiter: limiter, cache: c}
}

// InvalidateSource drops all cached responses for one source kind.
func (f *Fetcher) InvalidateSource(kind Kind) int {
	return f.cache.Invalidate(string(kind) + ":")
}

// request describes one cacheable GET against a source endpoint.
type request struct {
	kind          Kind
	endpointClass string
	url           string
	params        map[string]string // query string, also part of the cache key
	headers       map[string]string
	ttl           time.Duration
}

// getJSON performs the read-through fetch: cache hit short-circuits; a miss
// goes through the limiter to the live API and the body is cached on success.
func (f *Fetcher) getJSON(ctx context.Context, req request, out any) error {
	keyParams := make(map[string]string, len(req.params)+1)
	for k, v := range req.params {
		keyParams[k] = v
	}
	keyParams["_url"] = req.url
	key := cache.Key(string(req.kind), req.endpointClass, keyParams)

	if e, ok := f.cache.Get(key); ok {
		if err := json.Unmarshal(e.Body, out); err != nil {
			return fmt.Errorf("parsing cached %s response: %w", req.endpointClass, err)
		}
		return nil
	}

	granted, retryAfter := f.limiter.TryAcquire(string(req.kind))
	if !granted {
		return &QuotaError{Kind: req.kind, RetryAfter: retryAfter}
	}

	u, err := url.Parse(req.url)
	if err != nil {
		return fmt.Errorf("parsing url %q: %w", req.url, err)
	}
	q := u.Query()
	for k, v := range req.params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return &UnavailableError{Kind: req.kind, Err: err}
	}
	defer resp.Body.Close()

	f.observeQuotaHeaders(req.kind, resp.Header)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		// The source's own verdict overrides local accounting.
		reset := quotaReset(resp.Header)
		f.limiter.Exhaust(string(req.kind), reset)
		retryAfter := time.Minute
		if !reset.IsZero() {
			retryAfter = time.Until(reset)
		}
		return &QuotaError{Kind: req.kind, RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &CredentialError{Kind: req.kind, Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &UnavailableError{Kind: req.kind, Err: fmt.Errorf("%s returned HTTP %d", req.endpointClass, resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &UnavailableError{Kind: req.kind, Err: fmt.Errorf("reading response: %w", err)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing %s response: %w", req.endpointClass, err)
	}

	f.cache.Put(key, body, req.ttl)
	return nil
}

// observeQuotaHeaders feeds x-ratelimit-remaining/reset values back into the
// limiter. Reported values take precedence over local counting.
func (f *Fetcher) observeQuotaHeaders(kind Kind, h http.Header) {
	remaining := h.Get("X-Ratelimit-Remaining")
	if remaining == "" {
		return
	}
	rem, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}
	reset := quotaReset(h)
	if reset.IsZero() {
		return
	}
	f.limiter.Observe(string(kind), rem, reset)
}

// quotaReset extracts the reset instant from X-Ratelimit-Reset (unix seconds)
// or Retry-After (delay seconds).
func quotaReset(h http.Header) time.Time {
	if v := h.Get("X-Ratelimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(unix, 0)
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return time.Time{}
}
