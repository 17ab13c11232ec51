// Package state persists the reporter's run bookkeeping across
// restarts and gates the pipeline against concurrent processes
// pointed at the same state directory.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Run statuses surfaced in the state file and the status API.
const (
	WorkbookNotProcessed = "not_processed"
	WorkbookProcessed    = "processed"
	ReportNotSent        = "not_sent"
	ReportSent           = "sent"
)

// ErrAlreadyLocked means another process holds the pipeline gate for
// this state directory. The caller should exit cleanly, not wait.
var ErrAlreadyLocked = errors.New("state directory locked by another process")

// lockWait bounds how long a single load or save waits for the state
// file lock before giving up.
const lockWait = 5 * time.Second

// Run is the persisted bookkeeping for one report target.
type Run struct {
	LastProcessedTime *time.Time `json:"last_processed_time,omitempty"`
	LastSentTime      *time.Time `json:"last_sent_time,omitempty"`
	LastCaptureTime   *time.Time `json:"last_capture_time,omitempty"`
	LastWorkbookPath  string     `json:"last_workbook_path,omitempty"`
	LastRowCount      int        `json:"last_row_count,omitempty"`
	TotalReportsSent  int        `json:"total_reports_sent"`
	ReportStatus      string     `json:"report_status"`
	WorkbookStatus    string     `json:"workbook_status"`
}

func defaultRun() Run {
	return Run{
		ReportStatus:   ReportNotSent,
		WorkbookStatus: WorkbookNotProcessed,
	}
}

// Store reads and writes one Run record backed by a JSON file. Writes
// go through a temp file and rename, guarded by an advisory lock so a
// sibling process inspecting the same state file sees whole records.
type Store struct {
	path string
	lock *flock.Flock

	mu  sync.Mutex
	run Run
}

// Open loads the state file at path, creating parent directories as
// needed. A missing file starts fresh; an unreadable one is logged
// and discarded rather than blocking startup.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{
		path: path,
		lock: flock.New(path + ".lock"),
		run:  defaultRun(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }

// Get returns a copy of the current run record.
func (s *Store) Get() Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// Update applies fn to the run record and persists the result.
func (s *Store) Update(fn func(*Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.run)
	return s.save()
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("no state file, starting fresh", "path", s.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	var run Run
	if err := json.Unmarshal(raw, &run); err != nil {
		slog.Warn("state file unreadable, starting fresh", "path", s.path, "error", err)
		return nil
	}
	if run.ReportStatus == "" {
		run.ReportStatus = ReportNotSent
	}
	if run.WorkbookStatus == "" {
		run.WorkbookStatus = WorkbookNotProcessed
	}
	s.run = run
	slog.Info("loaded state", "path", s.path)
	return nil
}

func (s *Store) save() error {
	ctx, cancel := context.WithTimeout(context.Background(), lockWait)
	defer cancel()
	ok, err := s.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire state file lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("state file %s locked for longer than %s", s.path, lockWait)
	}
	defer s.lock.Unlock()

	raw, err := json.MarshalIndent(s.run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state: %w", err)
	}
	slog.Debug("saved state", "path", s.path)
	return nil
}

// Gate is the advisory inter-process lock keeping a second process
// from running the pipeline against the same state directory.
type Gate struct {
	fl *flock.Flock
}

// AcquireGate takes the pipeline lock for dir without blocking.
// Returns ErrAlreadyLocked when another process holds it.
func AcquireGate(dir string) (*Gate, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	fl := flock.New(filepath.Join(dir, "stock-report.lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire pipeline lock: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyLocked
	}
	return &Gate{fl: fl}, nil
}

// Release drops the lock. Safe to call once the process is done with
// the state directory.
func (g *Gate) Release() error {
	return g.fl.Unlock()
}
