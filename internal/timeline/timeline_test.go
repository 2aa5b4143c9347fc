package timeline

import (
	"errors"
	"testing"
	"time"

	"github.com/mosbiic/pulse/internal/storage"
)

func openTestEngine(t *testing.T, loc *time.Location) (*Engine, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, loc), s
}

func insert(t *testing.T, s *storage.Store, sourceKind, id, activityKind string, occurred time.Time) {
	t.Helper()
	_, err := s.UpsertActivity(storage.Activity{
		SourceKind:     sourceKind,
		SourceNativeID: id,
		ActivityKind:   activityKind,
		Title:          id,
		OccurredAt:     occurred,
		IngestedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertActivity(%s): %v", id, err)
	}
}

func TestRangeInvalidBounds(t *testing.T) {
	e, _ := openTestEngine(t, nil)
	_, err := e.Range(Query{
		Start: time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC),
	})
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("got %v, want ErrInvalidRange", err)
	}
}

func TestRangeDefaultsToLastSevenDays(t *testing.T) {
	e, s := openTestEngine(t, nil)
	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	insert(t, s, "github", "recent", "commit", now.Add(-24*time.Hour))
	insert(t, s, "github", "old", "commit", now.Add(-8*24*time.Hour))

	got, err := e.Range(Query{})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 1 || got[0].SourceNativeID != "recent" {
		t.Fatalf("got %d results, want only the activity inside the 7-day window", len(got))
	}
}

func TestRangeSourceFilter(t *testing.T) {
	e, s := openTestEngine(t, nil)
	base := time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)
	insert(t, s, "github", "g1", "commit", base)
	insert(t, s, "trello", "t1", "task_update", base.Add(time.Minute))

	got, err := e.Range(Query{
		Start:       base.Add(-time.Hour),
		End:         base.Add(time.Hour),
		SourceKinds: []string{"trello"},
	})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 1 || got[0].SourceKind != "trello" {
		t.Fatalf("got %+v, want only the trello activity", got)
	}
}

func TestSummaryBucketsByLocalDay(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}
	e, s := openTestEngine(t, loc)

	// 2026-02-10 03:00 UTC is still 2026-02-09 in New York.
	insert(t, s, "github", "late", "commit", time.Date(2026, 2, 10, 3, 0, 0, 0, time.UTC))
	insert(t, s, "github", "mid", "commit", time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC))
	insert(t, s, "trello", "task", "task_complete", time.Date(2026, 2, 10, 16, 0, 0, 0, time.UTC))

	days, err := e.Summary(Query{
		Start: time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("got %d days, want 2 (UTC midnight crossing splits locally)", len(days))
	}
	if days[0].Day != "2026-02-09" || days[0].Total != 1 {
		t.Fatalf("first day = %+v, want 2026-02-09 with 1 activity", days[0])
	}
	if days[1].Day != "2026-02-10" || days[1].Total != 2 {
		t.Fatalf("second day = %+v, want 2026-02-10 with 2 activities", days[1])
	}
	if days[1].Sources["github"] != 1 || days[1].Sources["trello"] != 1 {
		t.Fatalf("second day sources = %v", days[1].Sources)
	}
	if days[1].Kinds["task_complete"] != 1 {
		t.Fatalf("second day kinds = %v", days[1].Kinds)
	}
}

// Two sources reporting the same activity kind must stay distinguishable in
// the per-day breakdown; the marginal maps alone cannot tell them apart.
func TestSummaryPairBuckets(t *testing.T) {
	e, s := openTestEngine(t, nil)

	day := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	insert(t, s, "github", "i1", "issue_open", day)
	insert(t, s, "github", "i2", "issue_open", day.Add(time.Hour))
	insert(t, s, "trello", "t1", "issue_open", day.Add(2*time.Hour))

	days, err := e.Summary(Query{
		Start: time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(days) != 1 {
		t.Fatalf("got %d days, want 1", len(days))
	}
	if days[0].Kinds["issue_open"] != 3 {
		t.Fatalf("kinds = %v, want issue_open 3", days[0].Kinds)
	}
	if days[0].Pairs["github/issue_open"] != 2 || days[0].Pairs["trello/issue_open"] != 1 {
		t.Fatalf("pairs = %v, want github/issue_open 2 and trello/issue_open 1", days[0].Pairs)
	}
}

func TestSummaryEmptyRange(t *testing.T) {
	e, _ := openTestEngine(t, nil)
	days, err := e.Summary(Query{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(days) != 0 {
		t.Fatalf("got %d days, want none for an empty range", len(days))
	}
}
