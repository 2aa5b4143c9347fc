// Package syncer drives ingestion: it resolves a source's credentials and
// cursor, runs the adapter fetch, upserts normalized records, and keeps the
// per-source sync history. At most one sync per source runs at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mosbiic/pulse/internal/source"
	"github.com/mosbiic/pulse/internal/storage"
	"github.com/mosbiic/pulse/internal/vault"
)

var (
	// ErrSyncInProgress is returned by a no-wait trigger when a sync for the
	// same source is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrSourceDisabled is returned when the source is configured but turned
	// off.
	ErrSourceDisabled = errors.New("source is disabled")

	// ErrNotConfigured is returned when the source has no stored
	// configuration.
	ErrNotConfigured = errors.New("source is not configured")
)

const (
	defaultLookback   = 7 * 24 * time.Hour
	defaultFetchLimit = 500
)

// Options tunes the orchestrator.
type Options struct {
	// Lookback is the initial window for a source that has never synced.
	Lookback time.Duration
	// FetchLimit caps the objects one sync pulls from a source. Zero means
	// the default.
	FetchLimit int
}

// Orchestrator coordinates syncs across all registered sources.
type Orchestrator struct {
	store    *storage.Store
	vault    *vault.Vault
	fetcher  *source.Fetcher
	adapters map[source.Kind]source.Adapter
	log      *slog.Logger

	lookback   time.Duration
	fetchLimit int
	now        func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	running map[source.Kind]bool
}

// New creates an orchestrator over the given adapters.
func New(store *storage.Store, v *vault.Vault, fetcher *source.Fetcher, adapters []source.Adapter, log *slog.Logger, opts Options) *Orchestrator {
	if opts.Lookback <= 0 {
		opts.Lookback = defaultLookback
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = defaultFetchLimit
	}
	byKind := make(map[source.Kind]source.Adapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}
	return &Orchestrator{
		store:      store,
		vault:      v,
		fetcher:    fetcher,
		adapters:   byKind,
		log:        log,
		lookback:   opts.Lookback,
		fetchLimit: opts.FetchLimit,
		now:        time.Now,
		running:    make(map[source.Kind]bool),
	}
}

// Sync runs one sync for the source and blocks until it finishes. A call
// made while a sync for the same source is in flight joins that run and
// receives its result instead of starting another.
func (o *Orchestrator) Sync(ctx context.Context, kind source.Kind, force bool) (storage.SyncRun, error) {
	if _, ok := o.adapters[kind]; !ok {
		return storage.SyncRun{}, fmt.Errorf("no adapter for source %q", kind)
	}

	v, err, _ := o.group.Do(string(kind), func() (any, error) {
		o.setRunning(kind, true)
		defer o.setRunning(kind, false)
		return o.runSync(ctx, kind, force)
	})
	run, _ := v.(storage.SyncRun)
	return run, err
}

// TriggerAsync starts a sync in the background. It fails fast with
// ErrSyncInProgress when one is already running for the source.
func (o *Orchestrator) TriggerAsync(kind source.Kind, force bool) error {
	if _, ok := o.adapters[kind]; !ok {
		return fmt.Errorf("no adapter for source %q", kind)
	}
	if o.isRunning(kind) {
		return ErrSyncInProgress
	}
	go func() {
		if _, err := o.Sync(context.Background(), kind, force); err != nil {
			o.log.Error("background sync failed", "source", kind, "error", err)
		}
	}()
	return nil
}

// SyncAll syncs every enabled source concurrently. Sources fail
// independently; the returned map has one run per attempted source and the
// error aggregates the failures.
func (o *Orchestrator) SyncAll(ctx context.Context, force bool) (map[source.Kind]storage.SyncRun, error) {
	configs, err := o.store.ListSourceConfigs()
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}

	var (
		mu   sync.Mutex
		runs = make(map[source.Kind]storage.SyncRun)
		errs []error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		kind, err := source.ParseKind(cfg.SourceKind)
		if err != nil {
			continue
		}
		g.Go(func() error {
			run, err := o.Sync(ctx, kind, force)
			mu.Lock()
			defer mu.Unlock()
			runs[kind] = run
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return runs, errors.Join(errs...)
}

// Status reports whether a sync is in flight and the most recent run.
func (o *Orchestrator) Status(kind source.Kind) (bool, *storage.SyncRun, error) {
	runs, err := o.store.ListSyncRuns(string(kind), 1)
	if err != nil {
		return false, nil, err
	}
	var last *storage.SyncRun
	if len(runs) > 0 {
		last = &runs[0]
	}
	return o.isRunning(kind), last, nil
}

// InvalidateCache drops all cached upstream responses for one source.
func (o *Orchestrator) InvalidateCache(kind source.Kind) int {
	return o.fetcher.InvalidateSource(kind)
}

// History returns the most recent runs for one source.
func (o *Orchestrator) History(kind source.Kind, limit int) ([]storage.SyncRun, error) {
	return o.store.ListSyncRuns(string(kind), limit)
}

func (o *Orchestrator) runSync(ctx context.Context, kind source.Kind, force bool) (storage.SyncRun, error) {
	adapter := o.adapters[kind]

	cfg, err := o.store.GetSourceConfig(string(kind))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.SyncRun{}, fmt.Errorf("%s: %w", kind, ErrNotConfigured)
		}
		return storage.SyncRun{}, err
	}
	if !cfg.Enabled {
		return storage.SyncRun{}, fmt.Errorf("%s: %w", kind, ErrSourceDisabled)
	}

	run := storage.SyncRun{
		ID:         uuid.NewString(),
		SourceKind: string(kind),
		StartedAt:  o.now().UTC(),
	}

	// Credentials are opened into the call stack only; they are never
	// logged or written back out.
	var creds map[string]string
	if cfg.Credentials != "" {
		creds, err = o.vault.OpenMap(cfg.Credentials)
		if err != nil {
			run.FinishedAt = o.now().UTC()
			run.Outcome = storage.OutcomeFailed
			run.Error = "credentials cannot be decrypted, re-authorization required"
			if saveErr := o.store.SaveSyncRun(run); saveErr != nil {
				o.log.Error("recording sync run", "source", kind, "error", saveErr)
			}
			return run, fmt.Errorf("%s: opening credentials: %w", kind, err)
		}
	}

	since := cfg.LastSync
	if since.IsZero() {
		since = o.now().Add(-o.lookback)
	}

	if force {
		n := o.fetcher.InvalidateSource(kind)
		o.log.Debug("cache invalidated for forced sync", "source", kind, "entries", n)
	}

	o.log.Info("sync started", "source", kind, "since", since.UTC().Format(time.RFC3339), "force", force)

	var maxOccurred time.Time
	monotone := true
	emit := func(obj source.NativeObject) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		act, err := adapter.Normalize(obj)
		if err != nil {
			// A malformed record is skipped and counted; it never fails
			// the batch.
			run.Skipped++
			o.log.Warn("skipping malformed record", "source", kind, "id", obj.ID, "error", err)
			return nil
		}
		res, err := o.store.UpsertActivity(act)
		if err != nil {
			return fmt.Errorf("upserting %s/%s: %w", act.SourceKind, act.SourceNativeID, err)
		}
		switch res {
		case storage.UpsertInserted:
			run.Inserted++
		case storage.UpsertUpdated:
			run.Updated++
		default:
			run.Unchanged++
		}
		if act.OccurredAt.Before(maxOccurred) {
			monotone = false
		} else {
			maxOccurred = act.OccurredAt
		}
		return nil
	}

	fetchErr := adapter.FetchSince(ctx, source.Config{Credentials: creds, Settings: cfg.Settings}, since, o.fetchLimit, emit)

	run.FinishedAt = o.now().UTC()
	processed := run.Inserted + run.Updated + run.Unchanged
	switch {
	case fetchErr == nil && run.Skipped == 0:
		run.Outcome = storage.OutcomeSuccess
	case fetchErr == nil:
		run.Outcome = storage.OutcomePartial
	case processed > 0:
		// Everything upserted before the failure stays; the run is partial.
		run.Outcome = storage.OutcomePartial
		run.Error = fetchErr.Error()
	default:
		run.Outcome = storage.OutcomeFailed
		run.Error = fetchErr.Error()
	}

	// After a complete fetch the cursor advances to the newest record seen.
	// After a mid-fetch failure it may only do so when the source emitted in
	// ascending order; adapters that walk newest-first may have skipped
	// older records past the failure point, so the cursor stays put and the
	// next run re-reads the window. Upserts make the overlap idempotent.
	if !maxOccurred.IsZero() && (fetchErr == nil || monotone) {
		if err := o.store.AdvanceLastSync(string(kind), maxOccurred); err != nil {
			o.log.Error("advancing sync cursor", "source", kind, "error", err)
		}
	}

	if err := o.store.SaveSyncRun(run); err != nil {
		o.log.Error("recording sync run", "source", kind, "error", err)
	}

	o.log.Info("sync finished",
		"source", kind,
		"outcome", run.Outcome,
		"inserted", run.Inserted,
		"updated", run.Updated,
		"unchanged", run.Unchanged,
		"skipped", run.Skipped,
		"duration", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))

	if fetchErr != nil {
		return run, fmt.Errorf("%s: %w", kind, fetchErr)
	}
	return run, nil
}

func (o *Orchestrator) setRunning(kind source.Kind, v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[kind] = v
}

func (o *Orchestrator) isRunning(kind source.Kind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[kind]
}
