// Package source defines the adapter contract shared by all external data
// origins and the concrete adapters for the four supported kinds. Adapters
// translate source-native payloads into canonical activity records; they
// never write to the store themselves.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mosbiic/pulse/internal/storage"
)

// Kind identifies one external data origin.
type Kind string

const (
	KindTrello  Kind = "trello"
	KindGitHub  Kind = "github"
	KindStock   Kind = "stock"
	KindWeather Kind = "weather"
)

// Kinds returns all supported source kinds in stable order.
func Kinds() []Kind {
	return []Kind{KindTrello, KindGitHub, KindStock, KindWeather}
}

// ParseKind validates a source kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTrello, KindGitHub, KindStock, KindWeather:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown source kind %q", s)
}

// Canonical activity kinds.
const (
	ActivityTaskCreate      = "task_create"
	ActivityTaskUpdate      = "task_update"
	ActivityTaskComplete    = "task_complete"
	ActivityCommit          = "commit"
	ActivityPROpen          = "pr_open"
	ActivityPRMerge         = "pr_merge"
	ActivityIssueOpen       = "issue_open"
	ActivityPriceUpdate     = "price_update"
	ActivityWeatherSnapshot = "weather_snapshot"
)

// Config carries one source's opened credentials and settings into a fetch.
// Credentials are plaintext only for the lifetime of the call.
type Config struct {
	Credentials map[string]string
	Settings    map[string]string
}

// Setting returns a settings value or a default.
func (c Config) Setting(key, def string) string {
	if v, ok := c.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// NativeObject is the common intermediate shape for one record in a source's
// own schema, prior to normalization. Raw holds the adapter's envelope and
// is parsed again by Normalize.
type NativeObject struct {
	ID         string
	OccurredAt time.Time
	Raw        json.RawMessage
}

// EmitFunc receives native objects as an adapter's fetch yields them. A
// non-nil return aborts the fetch and propagates to the caller.
type EmitFunc func(NativeObject) error

// Adapter is the capability every source kind implements. FetchSince pushes
// native objects at or after since through emit; a fresh call with the same
// since reproduces the same or a superset of results. Normalize maps one
// native object to the canonical record. A Normalize failure marks that
// object malformed; it must not abort the batch.
type Adapter interface {
	Kind() Kind
	FetchSince(ctx context.Context, cfg Config, since time.Time, limit int, emit EmitFunc) error
	Normalize(obj NativeObject) (storage.Activity, error)
}

// TTLs holds the per-endpoint-class cache TTLs, read from configuration.
type TTLs struct {
	Listing time.Duration // slow-moving listings (repos, boards)
	Recent  time.Duration // recent activity (commits, cards, PRs)
	Quote   time.Duration // market quotes
	Weather time.Duration // weather snapshots
}

// wrapNative marshals an adapter envelope into a NativeObject.
func wrapNative(id string, occurredAt time.Time, envelope any) (NativeObject, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return NativeObject{}, fmt.Errorf("encoding native object %s: %w", id, err)
	}
	return NativeObject{ID: id, OccurredAt: occurredAt, Raw: raw}, nil
}
