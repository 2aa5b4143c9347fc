package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Activity is the canonical normalized event. The pair (SourceKind,
// SourceNativeID) is unique; re-ingesting the same native object updates the
// existing row instead of duplicating it. OccurredAt is authoritative for
// ordering; IngestedAt is audit only.
type Activity struct {
	SourceKind     string            `json:"source_kind"`
	SourceNativeID string            `json:"source_native_id"`
	ActivityKind   string            `json:"activity_kind"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	URL            string            `json:"url,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
	IngestedAt     time.Time         `json:"ingested_at"`
}

// UpsertResult reports what UpsertActivity did with a record.
type UpsertResult int

const (
	UpsertInserted UpsertResult = iota
	UpsertUpdated
	UpsertUnchanged
)

func (r UpsertResult) String() string {
	switch r {
	case UpsertInserted:
		return "inserted"
	case UpsertUpdated:
		return "updated"
	case UpsertUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// SourceConfig is the per-source configuration record: enabled flag, sealed
// credential blob, source-specific settings, and the last successful sync
// cursor. The core reads these; the config surface (CLI/API) originates them.
type SourceConfig struct {
	SourceKind  string            `json:"source_kind"`
	Enabled     bool              `json:"enabled"`
	Credentials string            `json:"-"` // sealed blob, never serialized out
	Settings    map[string]string `json:"settings,omitempty"`
	LastSync    time.Time         `json:"last_sync"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SyncRun is per-invocation bookkeeping for one orchestrator run.
type SyncRun struct {
	ID         string    `json:"id"`
	SourceKind string    `json:"source_kind"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"` // "success", "partial", "failed"
	Inserted   int       `json:"inserted"`
	Updated    int       `json:"updated"`
	Unchanged  int       `json:"unchanged"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
}

// Sync run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
)

// DayBucket is one cell of the day-bucketed correlation aggregation: the
// number of activities for one (sourceKind, activityKind) pair on one
// calendar day.
type DayBucket struct {
	Day          string `json:"day"` // YYYY-MM-DD in the reference timezone
	SourceKind   string `json:"source_kind"`
	ActivityKind string `json:"activity_kind"`
	Count        int    `json:"count"`
}
