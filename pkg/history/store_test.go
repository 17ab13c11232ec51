package history

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStoreAppendAndList(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := New(dir, Settings{})
	now := time.Date(2026, 3, 5, 21, 0, 0, 0, time.UTC)

	if err := s.Append(Record{
		RunID:        "run-1",
		Kind:         KindProcess,
		StartedAt:    now.Add(-2 * time.Hour),
		FinishedAt:   now.Add(-2*time.Hour + 30*time.Second),
		Outcome:      OutcomeOK,
		Rows:         156,
		WorkbookPath: "/tmp/20260305_store7.xlsx",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(Record{
		RunID:      "run-2",
		Kind:       KindSend,
		FinishedAt: now.Add(-time.Hour),
		Outcome:    OutcomeError,
		Error:      "smtp connect refused",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	records, err := s.List(time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].RunID != "run-2" || records[1].RunID != "run-1" {
		t.Fatalf("expected newest first, got %s then %s", records[0].RunID, records[1].RunID)
	}
	if records[1].Rows != 156 || records[1].WorkbookPath == "" {
		t.Fatalf("process record not round-tripped: %+v", records[1])
	}
	if records[1].DurationMS != 30000 {
		t.Fatalf("duration not derived: %d", records[1].DurationMS)
	}

	limited, err := s.List(time.Time{}, time.Time{}, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].RunID != "run-2" {
		t.Fatalf("limit: %+v", limited)
	}

	ranged, err := s.List(now.Add(-90*time.Minute), now, 0)
	if err != nil {
		t.Fatalf("list ranged: %v", err)
	}
	if len(ranged) != 1 || ranged[0].RunID != "run-2" {
		t.Fatalf("range filter: %+v", ranged)
	}
}

func TestStoreListWithoutFlushSeesRecords(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := New(dir, Settings{})

	if err := s.Append(Record{RunID: "run-1", Kind: KindCapture, Outcome: OutcomeOK}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// List closes the open segment itself.
	records, err := s.List(time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestSummarize(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := New(dir, Settings{})
	now := time.Date(2026, 3, 5, 21, 0, 0, 0, time.UTC)

	runs := []Record{
		{RunID: "a", Kind: KindProcess, FinishedAt: now.Add(-3 * time.Hour), Outcome: OutcomeError, Error: "missing template"},
		{RunID: "b", Kind: KindProcess, FinishedAt: now.Add(-2 * time.Hour), Outcome: OutcomeOK, Rows: 100},
		{RunID: "c", Kind: KindSend, FinishedAt: now.Add(-time.Hour), Outcome: OutcomeOK},
		{RunID: "d", Kind: KindCapture, FinishedAt: now.Add(-48 * time.Hour), Outcome: OutcomeOK},
	}
	for _, r := range runs {
		if err := s.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sum, err := s.Summarize(24*time.Hour, now)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Runs != 3 {
		t.Fatalf("expected 3 runs in period, got %d", sum.Runs)
	}
	if sum.Failed != 1 {
		t.Fatalf("expected 1 failed run, got %d", sum.Failed)
	}
	if sum.RowsExported != 100 {
		t.Fatalf("rows exported = %d", sum.RowsExported)
	}
	if sum.RunsPerKind[KindProcess] != 2 || sum.RunsPerKind[KindSend] != 1 {
		t.Fatalf("per-kind counts: %+v", sum.RunsPerKind)
	}
	// Latest process run succeeded, so that is the reported outcome.
	if sum.LastOutcome[KindProcess] != OutcomeOK {
		t.Fatalf("last process outcome = %q", sum.LastOutcome[KindProcess])
	}
	if !sum.LastFinished[KindProcess].Equal(now.Add(-2 * time.Hour)) {
		t.Fatalf("last process finish = %v", sum.LastFinished[KindProcess])
	}
}

func TestRetentionPrunesOldSegments(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	s := New(dir, Settings{Retention: 24 * time.Hour})
	now := time.Date(2026, 3, 5, 21, 0, 0, 0, time.UTC)

	if err := s.Append(Record{RunID: "old", Kind: KindProcess, FinishedAt: now.Add(-72 * time.Hour), Outcome: OutcomeOK}); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := s.Append(Record{RunID: "new", Kind: KindProcess, FinishedAt: now.Add(-time.Hour), Outcome: OutcomeOK}); err != nil {
		t.Fatalf("append new: %v", err)
	}

	if err := s.Prune(now); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := s.List(time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].RunID != "new" {
		t.Fatalf("expected only the recent record, got %+v", records)
	}
}
