package history_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"texbridge/internal/history"
	"texbridge/internal/stats"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "state", "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func report(frames int, end time.Time) stats.Report {
	return stats.Report{
		Start:     end.Add(-3 * time.Second),
		End:       end,
		Elapsed:   3 * time.Second,
		Frames:    frames,
		Delivered: frames - 1,
		Dropped:   1,
		MinMicros: 120,
		MaxMicros: 950,
		AvgMicros: 310.5,
		FPS:       float64(frames) / 3,
		Peers:     1,
	}
}

func TestAppendAndRecent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := range 3 {
		if err := store.Append(ctx, "session-a", "split-strict", report(180+i, base.Add(time.Duration(i)*3*time.Second))); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	entries, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	newest := entries[0]
	if newest.Report.Frames != 182 || newest.SessionID != "session-a" || newest.Policy != "split-strict" {
		t.Fatalf("unexpected newest entry %+v", newest)
	}
	if !newest.Report.End.Equal(base.Add(6*time.Second)) || newest.Report.Elapsed != 3*time.Second {
		t.Fatalf("timestamps not preserved: %+v", newest.Report)
	}
	if newest.Report.AvgMicros != 310.5 || newest.Report.MaxMicros != 950 {
		t.Fatalf("durations not preserved: %+v", newest.Report)
	}
	if entries[1].Report.Frames != 181 {
		t.Fatalf("expected descending order, got %+v", entries)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now()
	for i := range 5 {
		if err := store.Append(ctx, "s", "combined", report(i+1, now)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	removed, err := store.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	entries, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 || entries[0].Report.Frames != 5 || entries[1].Report.Frames != 4 {
		t.Fatalf("unexpected survivors %+v", entries)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Append(context.Background(), "s", "split-strict", report(10, time.Now())); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = store.Close()

	reopened, err := history.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	entries, err := reopened.Recent(context.Background(), 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected persisted entry, got %d, %v", len(entries), err)
	}
}

func TestOpenRejectsOtherSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = store.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = db.Close()

	if _, err := history.Open(path); !errors.Is(err, history.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}
