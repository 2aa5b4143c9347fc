package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the canonical activity log, source
// configurations, and sync run bookkeeping.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "pulse.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Activities ---

// UpsertActivity inserts a new activity or updates an existing one with the
// same (source_kind, source_native_id). It reports whether the row was
// inserted, updated, or left unchanged. This is the uniqueness backstop:
// the primary key makes a duplicate row impossible regardless of caller
// behavior.
func (s *Store) UpsertActivity(rec Activity) (UpsertResult, error) {
	existing, lookupErr := s.getActivity(rec.SourceKind, rec.SourceNativeID)
	if lookupErr != nil && lookupErr != ErrNotFound {
		return UpsertUnchanged, lookupErr
	}

	metadataJSON, err := encodeMap(rec.Metadata)
	if err != nil {
		return UpsertUnchanged, fmt.Errorf("encoding metadata: %w", err)
	}

	if lookupErr == ErrNotFound {
		_, err := s.db.Exec(`
			INSERT INTO activities (source_kind, source_native_id, activity_kind, title, description, url, metadata, occurred_at, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SourceKind, rec.SourceNativeID, rec.ActivityKind, rec.Title, rec.Description,
			rec.URL, metadataJSON, rec.OccurredAt.UTC().Format(time.RFC3339),
			rec.IngestedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return UpsertUnchanged, err
		}
		return UpsertInserted, nil
	}

	if activityEqual(existing, rec) {
		return UpsertUnchanged, nil
	}

	_, err = s.db.Exec(`
		UPDATE activities
		SET activity_kind = ?, title = ?, description = ?, url = ?, metadata = ?, occurred_at = ?, ingested_at = ?
		WHERE source_kind = ? AND source_native_id = ?`,
		rec.ActivityKind, rec.Title, rec.Description, rec.URL, metadataJSON,
		rec.OccurredAt.UTC().Format(time.RFC3339), rec.IngestedAt.UTC().Format(time.RFC3339),
		rec.SourceKind, rec.SourceNativeID,
	)
	if err != nil {
		return UpsertUnchanged, err
	}
	return UpsertUpdated, nil
}

// activityEqual compares the source-reported fields of two records.
// IngestedAt is audit metadata and does not count as a change.
func activityEqual(a, b Activity) bool {
	return a.ActivityKind == b.ActivityKind &&
		a.Title == b.Title &&
		a.Description == b.Description &&
		a.URL == b.URL &&
		a.OccurredAt.UTC().Equal(b.OccurredAt.UTC()) &&
		maps.Equal(a.Metadata, b.Metadata)
}

func (s *Store) getActivity(sourceKind, nativeID string) (Activity, error) {
	row := s.db.QueryRow(`
		SELECT source_kind, source_native_id, activity_kind, title, description, url, metadata, occurred_at, ingested_at
		FROM activities WHERE source_kind = ? AND source_native_id = ?`,
		sourceKind, nativeID,
	)
	return scanActivity(row.Scan)
}

// GetActivity returns a single activity by its natural key.
func (s *Store) GetActivity(sourceKind, nativeID string) (Activity, error) {
	return s.getActivity(sourceKind, nativeID)
}

// QueryRange returns activities with start <= occurred_at < end, ordered by
// occurred_at ascending. kinds filters by source kind when non-empty; limit
// caps the result when > 0.
func (s *Store) QueryRange(start, end time.Time, kinds []string, limit int) ([]Activity, error) {
	query := `
		SELECT source_kind, source_native_id, activity_kind, title, description, url, metadata, occurred_at, ingested_at
		FROM activities
		WHERE occurred_at >= ? AND occurred_at < ?`
	args := []any{start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)}

	if len(kinds) > 0 {
		placeholders := strings.Repeat(",?", len(kinds)-1)
		query += ` AND source_kind IN (?` + placeholders + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}

	query += ` ORDER BY occurred_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Activity
	for rows.Next() {
		rec, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// AggregateByDay groups activities in [start, end) by calendar day in loc,
// counting per (source_kind, activity_kind) pair. Bucketing happens in Go
// because SQLite's date() cannot apply an arbitrary reference timezone.
func (s *Store) AggregateByDay(start, end time.Time, kinds []string, loc *time.Location) ([]DayBucket, error) {
	if loc == nil {
		loc = time.UTC
	}

	records, err := s.QueryRange(start, end, kinds, 0)
	if err != nil {
		return nil, err
	}

	type key struct {
		day, source, kind string
	}
	counts := make(map[key]int)
	for _, rec := range records {
		k := key{
			day:    rec.OccurredAt.In(loc).Format("2006-01-02"),
			source: rec.SourceKind,
			kind:   rec.ActivityKind,
		}
		counts[k]++
	}

	buckets := make([]DayBucket, 0, len(counts))
	for k, n := range counts {
		buckets = append(buckets, DayBucket{
			Day:          k.day,
			SourceKind:   k.source,
			ActivityKind: k.kind,
			Count:        n,
		})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Day != buckets[j].Day {
			return buckets[i].Day < buckets[j].Day
		}
		if buckets[i].SourceKind != buckets[j].SourceKind {
			return buckets[i].SourceKind < buckets[j].SourceKind
		}
		return buckets[i].ActivityKind < buckets[j].ActivityKind
	})
	return buckets, nil
}

// CountActivities returns the total number of stored activities.
func (s *Store) CountActivities() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM activities").Scan(&n)
	return n, err
}

func scanActivity(scan func(dest ...any) error) (Activity, error) {
	var rec Activity
	var metadataJSON, occurredAt, ingestedAt string
	err := scan(&rec.SourceKind, &rec.SourceNativeID, &rec.ActivityKind, &rec.Title,
		&rec.Description, &rec.URL, &metadataJSON, &occurredAt, &ingestedAt)
	if err == sql.ErrNoRows {
		return Activity{}, ErrNotFound
	}
	if err != nil {
		return Activity{}, err
	}
	if rec.Metadata, err = decodeMap(metadataJSON); err != nil {
		return Activity{}, fmt.Errorf("parsing metadata: %w", err)
	}
	if rec.OccurredAt, err = time.Parse(time.RFC3339, occurredAt); err != nil {
		return Activity{}, fmt.Errorf("parsing occurred_at: %w", err)
	}
	if rec.IngestedAt, err = time.Parse(time.RFC3339, ingestedAt); err != nil {
		return Activity{}, fmt.Errorf("parsing ingested_at: %w", err)
	}
	return rec, nil
}

// --- Source configs ---

// SaveSourceConfig inserts or replaces the configuration row for one source.
// LastSync is preserved from the existing row when the caller passes a zero
// value, so re-configuring credentials does not reset the cursor.
func (s *Store) SaveSourceConfig(cfg SourceConfig) error {
	settingsJSON, err := encodeMap(cfg.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	lastSync := ""
	if !cfg.LastSync.IsZero() {
		lastSync = cfg.LastSync.UTC().Format(time.RFC3339)
	} else if existing, err := s.GetSourceConfig(cfg.SourceKind); err == nil && !existing.LastSync.IsZero() {
		lastSync = existing.LastSync.UTC().Format(time.RFC3339)
	}

	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO source_configs (source_kind, enabled, credentials, settings, last_sync, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_kind) DO UPDATE SET
			enabled = excluded.enabled,
			credentials = excluded.credentials,
			settings = excluded.settings,
			last_sync = excluded.last_sync,
			updated_at = excluded.updated_at`,
		cfg.SourceKind, enabled, cfg.Credentials, settingsJSON, lastSync,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetSourceConfig returns the configuration for one source kind.
func (s *Store) GetSourceConfig(sourceKind string) (SourceConfig, error) {
	row := s.db.QueryRow(`
		SELECT source_kind, enabled, credentials, settings, last_sync, updated_at
		FROM source_configs WHERE source_kind = ?`, sourceKind,
	)
	return scanSourceConfig(row.Scan)
}

// ListSourceConfigs returns all configured sources ordered by kind.
func (s *Store) ListSourceConfigs() ([]SourceConfig, error) {
	rows, err := s.db.Query(`
		SELECT source_kind, enabled, credentials, settings, last_sync, updated_at
		FROM source_configs ORDER BY source_kind ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SourceConfig
	for rows.Next() {
		cfg, err := scanSourceConfig(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, cfg)
	}
	return results, rows.Err()
}

// AdvanceLastSync moves the source's cursor forward to t. The cursor is
// monotonic: a t at or before the stored value leaves the row untouched.
func (s *Store) AdvanceLastSync(sourceKind string, t time.Time) error {
	cfg, err := s.GetSourceConfig(sourceKind)
	if err != nil {
		return err
	}
	if !t.After(cfg.LastSync) {
		return nil
	}
	res, err := s.db.Exec(`
		UPDATE source_configs SET last_sync = ?, updated_at = ? WHERE source_kind = ?`,
		t.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), sourceKind,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSourceConfig(scan func(dest ...any) error) (SourceConfig, error) {
	var cfg SourceConfig
	var enabled int
	var settingsJSON, lastSync, updatedAt string
	err := scan(&cfg.SourceKind, &enabled, &cfg.Credentials, &settingsJSON, &lastSync, &updatedAt)
	if err == sql.ErrNoRows {
		return SourceConfig{}, ErrNotFound
	}
	if err != nil {
		return SourceConfig{}, err
	}
	cfg.Enabled = enabled != 0
	if cfg.Settings, err = decodeMap(settingsJSON); err != nil {
		return SourceConfig{}, fmt.Errorf("parsing settings: %w", err)
	}
	if lastSync != "" {
		if cfg.LastSync, err = time.Parse(time.RFC3339, lastSync); err != nil {
			return SourceConfig{}, fmt.Errorf("parsing last_sync: %w", err)
		}
	}
	if cfg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return SourceConfig{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return cfg, nil
}

// --- Sync runs ---

// SaveSyncRun inserts or replaces one run's bookkeeping row.
func (s *Store) SaveSyncRun(run SyncRun) error {
	finished := ""
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO sync_runs (id, source_kind, started_at, finished_at, outcome, inserted, updated, unchanged, skipped, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			outcome = excluded.outcome,
			inserted = excluded.inserted,
			updated = excluded.updated,
			unchanged = excluded.unchanged,
			skipped = excluded.skipped,
			error = excluded.error`,
		run.ID, run.SourceKind, run.StartedAt.UTC().Format(time.RFC3339), finished,
		run.Outcome, run.Inserted, run.Updated, run.Unchanged, run.Skipped, run.Error,
	)
	return err
}

// ListSyncRuns returns the most recent runs for one source, newest first.
func (s *Store) ListSyncRuns(sourceKind string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, source_kind, started_at, finished_at, outcome, inserted, updated, unchanged, skipped, error
		FROM sync_runs WHERE source_kind = ?
		ORDER BY started_at DESC LIMIT ?`, sourceKind, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SyncRun
	for rows.Next() {
		var run SyncRun
		var startedAt, finishedAt string
		if err := rows.Scan(&run.ID, &run.SourceKind, &startedAt, &finishedAt, &run.Outcome,
			&run.Inserted, &run.Updated, &run.Unchanged, &run.Skipped, &run.Error); err != nil {
			return nil, err
		}
		if run.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if finishedAt != "" {
			if run.FinishedAt, err = time.Parse(time.RFC3339, finishedAt); err != nil {
				return nil, fmt.Errorf("parsing finished_at: %w", err)
			}
		}
		results = append(results, run)
	}
	return results, rows.Err()
}

// --- Helpers ---

func encodeMap(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
