// Package timeline answers read queries over the activity log: ranged
// listings and per-day summaries. All interpretation of "a day" happens in
// the configured reference timezone.
package timeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/mosbiic/pulse/internal/storage"
)

// ErrInvalidRange is returned when a query's end precedes its start.
var ErrInvalidRange = errors.New("invalid range: end precedes start")

const (
	// defaultWindow is applied when a query specifies no bounds.
	defaultWindow = 7 * 24 * time.Hour

	// maxResults caps one ranged query.
	maxResults = 1000
)

// Query bounds a timeline read. Zero Start and End select the last seven
// days. SourceKinds narrows to the named sources; Limit caps the result and
// is clamped to the engine maximum.
type Query struct {
	Start       time.Time
	End         time.Time
	SourceKinds []string
	Limit       int
}

// Engine executes timeline reads against the store.
type Engine struct {
	store *storage.Store
	loc   *time.Location
	now   func() time.Time
}

// New creates an engine. A nil location defaults to UTC.
func New(store *storage.Store, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{store: store, loc: loc, now: time.Now}
}

// Location returns the engine's reference timezone.
func (e *Engine) Location() *time.Location { return e.loc }

// resolve fills a query's defaults and validates its bounds. The range is
// half-open: start inclusive, end exclusive.
func (e *Engine) resolve(q Query) (Query, error) {
	now := e.now().UTC()
	if q.End.IsZero() {
		q.End = now
	}
	if q.Start.IsZero() {
		q.Start = q.End.Add(-defaultWindow)
	}
	if q.End.Before(q.Start) {
		return Query{}, fmt.Errorf("%w: %s .. %s", ErrInvalidRange,
			q.Start.UTC().Format(time.RFC3339), q.End.UTC().Format(time.RFC3339))
	}
	if q.Limit <= 0 || q.Limit > maxResults {
		q.Limit = maxResults
	}
	return q, nil
}

// Range returns activities inside the query bounds, oldest first.
func (e *Engine) Range(q Query) ([]storage.Activity, error) {
	q, err := e.resolve(q)
	if err != nil {
		return nil, err
	}
	return e.store.QueryRange(q.Start, q.End, q.SourceKinds, q.Limit)
}

// DaySummary is the aggregated view of one local day. Pairs carries the
// full (source kind, activity kind) breakdown keyed "source/kind"; Sources
// and Kinds are its marginals for quick display.
type DaySummary struct {
	Day     string         `json:"day"` // YYYY-MM-DD in the reference timezone
	Total   int            `json:"total"`
	Sources map[string]int `json:"sources"`
	Kinds   map[string]int `json:"kinds"`
	Pairs   map[string]int `json:"pairs"`
}

// Summary buckets the query's activities per local day, with counts per
// (source kind, activity kind) pair. Days are returned in ascending order
// and days with no activity are omitted.
func (e *Engine) Summary(q Query) ([]DaySummary, error) {
	q, err := e.resolve(q)
	if err != nil {
		return nil, err
	}
	buckets, err := e.store.AggregateByDay(q.Start, q.End, q.SourceKinds, e.loc)
	if err != nil {
		return nil, err
	}

	var out []DaySummary
	byDay := make(map[string]int)
	for _, b := range buckets {
		i, ok := byDay[b.Day]
		if !ok {
			out = append(out, DaySummary{
				Day:     b.Day,
				Sources: make(map[string]int),
				Kinds:   make(map[string]int),
				Pairs:   make(map[string]int),
			})
			i = len(out) - 1
			byDay[b.Day] = i
		}
		out[i].Total += b.Count
		out[i].Sources[b.SourceKind] += b.Count
		out[i].Kinds[b.ActivityKind] += b.Count
		out[i].Pairs[b.SourceKind+"/"+b.ActivityKind] += b.Count
	}
	return out, nil
}
