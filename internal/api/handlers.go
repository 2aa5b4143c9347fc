package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mosbiic/pulse/internal/source"
	"github.com/mosbiic/pulse/internal/storage"
	"github.com/mosbiic/pulse/internal/syncer"
	"github.com/mosbiic/pulse/internal/timeline"
	"github.com/mosbiic/pulse/internal/vault"
)

const maxRequestBodySize = 1 << 20 // 1MB

type AppDeps struct {
	Store        *storage.Store
	Orchestrator *syncer.Orchestrator
	Timeline     *timeline.Engine
	Vault        *vault.Vault
	Token        string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/timeline", handleTimeline(deps))
		r.Get("/timeline/summary", handleTimelineSummary(deps))
		r.Get("/sources", handleListSources(deps))
		r.Get("/sources/{kind}", handleGetSource(deps))
		r.Put("/sources/{kind}", handlePutSource(deps))
		r.Post("/sync", handleSyncAll(deps))
		r.Post("/sync/{kind}", handleSync(deps))
		r.Get("/syncs/{kind}", handleSyncHistory(deps))
		r.Post("/cache/{kind}/clear", handleCacheClear(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// parseQuery builds a timeline query from start, end, sources and limit
// parameters. start and end accept RFC3339 or YYYY-MM-DD.
func parseQuery(r *http.Request) (timeline.Query, error) {
	var q timeline.Query
	var err error
	if s := r.URL.Query().Get("start"); s != "" {
		if q.Start, err = parseTimeParam(s); err != nil {
			return q, err
		}
	}
	if s := r.URL.Query().Get("end"); s != "" {
		if q.End, err = parseTimeParam(s); err != nil {
			return q, err
		}
	}
	if s := r.URL.Query().Get("sources"); s != "" {
		for _, part := range splitCSV(s) {
			if _, err := source.ParseKind(part); err != nil {
				return q, err
			}
			q.SourceKinds = append(q.SourceKinds, part)
		}
	}
	q.Limit = parseIntParam(r, "limit", 0, 1000)
	return q, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTimeParam(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func handleTimeline(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		activities, err := deps.Timeline.Range(q)
		if errors.Is(err, timeline.ErrInvalidRange) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to query timeline: %v", err)
			return
		}
		if activities == nil {
			activities = []storage.Activity{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(activities)
	}
}

func handleTimelineSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		days, err := deps.Timeline.Summary(q)
		if errors.Is(err, timeline.ErrInvalidRange) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to build summary: %v", err)
			return
		}
		if days == nil {
			days = []timeline.DaySummary{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(days)
	}
}

// sourceView is the external shape of a source configuration. Credentials
// never leave the server; only their presence is reported.
type sourceView struct {
	Kind           string            `json:"kind"`
	Enabled        bool              `json:"enabled"`
	HasCredentials bool              `json:"has_credentials"`
	Settings       map[string]string `json:"settings,omitempty"`
	LastSync       *time.Time        `json:"last_sync,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func viewOf(cfg storage.SourceConfig) sourceView {
	v := sourceView{
		Kind:           cfg.SourceKind,
		Enabled:        cfg.Enabled,
		HasCredentials: cfg.Credentials != "",
		Settings:       cfg.Settings,
		UpdatedAt:      cfg.UpdatedAt,
	}
	if !cfg.LastSync.IsZero() {
		ls := cfg.LastSync
		v.LastSync = &ls
	}
	return v
}

func handleListSources(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configs, err := deps.Store.ListSourceConfigs()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sources: %v", err)
			return
		}

		views := make([]sourceView, 0, len(configs))
		for _, cfg := range configs {
			views = append(views, viewOf(cfg))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleGetSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := source.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		cfg, err := deps.Store.GetSourceConfig(string(kind))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source %s is not configured", kind)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get source: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(viewOf(cfg))
	}
}

type putSourceRequest struct {
	Enabled     *bool             `json:"enabled"`
	Credentials map[string]string `json:"credentials"`
	Settings    map[string]string `json:"settings"`
}

func handlePutSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := source.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req putSourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		cfg, err := deps.Store.GetSourceConfig(string(kind))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get source: %v", err)
			return
		}
		cfg.SourceKind = string(kind)

		if req.Enabled != nil {
			cfg.Enabled = *req.Enabled
		}
		if req.Settings != nil {
			cfg.Settings = req.Settings
		}
		if req.Credentials != nil {
			// Credentials are sealed immediately; the plaintext never
			// outlives this request.
			sealed, err := deps.Vault.SealMap(req.Credentials)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to seal credentials: %v", err)
				return
			}
			cfg.Credentials = sealed
		}

		if err := deps.Store.SaveSourceConfig(cfg); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save source: %v", err)
			return
		}

		cfg, err = deps.Store.GetSourceConfig(string(kind))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reload source: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(viewOf(cfg))
	}
}

type syncResponse struct {
	Status string           `json:"status"`
	Run    *storage.SyncRun `json:"run,omitempty"`
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := source.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		force := r.URL.Query().Get("force") == "true"
		wait := r.URL.Query().Get("wait") != "false"

		if !wait {
			if err := deps.Orchestrator.TriggerAsync(kind, force); err != nil {
				syncError(w, kind, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(syncResponse{Status: "started"})
			return
		}

		run, err := deps.Orchestrator.Sync(r.Context(), kind, force)
		if err != nil && run.ID == "" {
			syncError(w, kind, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(syncResponse{Status: string(run.Outcome), Run: &run})
	}
}

func handleSyncAll(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		force := r.URL.Query().Get("force") == "true"

		runs, err := deps.Orchestrator.SyncAll(r.Context(), force)
		out := make(map[string]storage.SyncRun, len(runs))
		for kind, run := range runs {
			out[string(kind)] = run
		}

		resp := map[string]any{"runs": out}
		if err != nil {
			resp["errors"] = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleSyncHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := source.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		limit := parseIntParam(r, "limit", 20, 100)
		runs, err := deps.Orchestrator.History(kind, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sync runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.SyncRun{}
		}

		running, _, err := deps.Orchestrator.Status(kind)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get sync status: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"running": running,
			"runs":    runs,
		})
	}
}

func handleCacheClear(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := source.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		n := deps.Orchestrator.InvalidateCache(kind)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"invalidated": n})
	}
}

// syncError maps sync failures onto the HTTP error taxonomy.
func syncError(w http.ResponseWriter, kind source.Kind, err error) {
	var quotaErr *source.QuotaError
	var credErr *source.CredentialError
	var unavailErr *source.UnavailableError
	switch {
	case errors.Is(err, syncer.ErrSyncInProgress):
		httpError(w, http.StatusConflict, "sync_in_progress", "a sync for %s is already running", kind)
	case errors.Is(err, syncer.ErrNotConfigured):
		httpError(w, http.StatusNotFound, "not_found", "source %s is not configured", kind)
	case errors.Is(err, syncer.ErrSourceDisabled):
		httpError(w, http.StatusConflict, "invalid_request_error", "source %s is disabled", kind)
	case errors.Is(err, vault.ErrDecrypt):
		httpError(w, http.StatusConflict, "credential_error", "credentials for %s cannot be decrypted, re-authorization required", kind)
	case errors.As(err, &credErr):
		httpError(w, http.StatusConflict, "credential_error", "%v", err)
	case errors.As(err, &quotaErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(quotaErr.RetryAfter.Seconds())))
		httpError(w, http.StatusTooManyRequests, "quota_error", "%v", err)
	case errors.As(err, &unavailErr):
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
