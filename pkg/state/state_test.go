package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenFreshDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store7.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	run := s.Get()
	if run.WorkbookStatus != WorkbookNotProcessed {
		t.Fatalf("WorkbookStatus = %q, want %q", run.WorkbookStatus, WorkbookNotProcessed)
	}
	if run.ReportStatus != ReportNotSent {
		t.Fatalf("ReportStatus = %q, want %q", run.ReportStatus, ReportNotSent)
	}
	if run.TotalReportsSent != 0 || run.LastProcessedTime != nil {
		t.Fatalf("expected zeroed counters, got %+v", run)
	}
}

func TestUpdatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store7.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	sent := time.Date(2026, 3, 5, 20, 30, 0, 0, time.UTC)
	err = s.Update(func(r *Run) {
		r.LastSentTime = &sent
		r.LastWorkbookPath = "/tmp/20260305_store7.xlsx"
		r.LastRowCount = 151
		r.TotalReportsSent++
		r.ReportStatus = ReportSent
		r.WorkbookStatus = WorkbookProcessed
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	again, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	run := again.Get()
	if run.TotalReportsSent != 1 {
		t.Fatalf("TotalReportsSent = %d, want 1", run.TotalReportsSent)
	}
	if run.ReportStatus != ReportSent || run.WorkbookStatus != WorkbookProcessed {
		t.Fatalf("statuses not persisted: %+v", run)
	}
	if run.LastSentTime == nil || !run.LastSentTime.Equal(sent) {
		t.Fatalf("LastSentTime = %v, want %v", run.LastSentTime, sent)
	}
	if run.LastWorkbookPath != "/tmp/20260305_store7.xlsx" {
		t.Fatalf("LastWorkbookPath = %q", run.LastWorkbookPath)
	}
	if run.LastRowCount != 151 {
		t.Fatalf("LastRowCount = %d, want 151", run.LastRowCount)
	}
}

func TestOpenCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store7.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open on corrupt file: %v", err)
	}
	if got := s.Get(); got.ReportStatus != ReportNotSent {
		t.Fatalf("expected fresh defaults, got %+v", got)
	}
}

func TestGateExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	g, err := AcquireGate(dir)
	if err != nil {
		t.Fatalf("first AcquireGate: %v", err)
	}
	if _, err := AcquireGate(dir); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second acquire: got %v, want ErrAlreadyLocked", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	g2, err := AcquireGate(dir)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	g2.Release()
}
