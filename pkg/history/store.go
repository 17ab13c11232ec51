// Package history records every pipeline run (workbook processing,
// report sends, snapshot captures) in an append-only segment store.
// The monitor reads it for the run history view; retention pruning
// keeps the footprint bounded.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultRetention     = 365 * 24 * time.Hour
	defaultSegmentMaxAge = 6 * time.Hour
	pruneInterval        = time.Hour
)

// Run kinds.
const (
	KindProcess = "process"
	KindSend    = "send"
	KindCapture = "capture"
)

// Run outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

type Settings struct {
	Retention     time.Duration
	SegmentMaxAge time.Duration
}

// Record is one completed run.
type Record struct {
	RunID        string    `json:"run_id"`
	Kind         string    `json:"kind"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Outcome      string    `json:"outcome"`
	Rows         int       `json:"rows,omitempty"`
	WorkbookPath string    `json:"workbook_path,omitempty"`
	ImagePath    string    `json:"image_path,omitempty"`
	Recipients   []string  `json:"recipients,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
}

// Summary aggregates runs over a lookback period.
type Summary struct {
	PeriodSeconds int64                `json:"period_seconds"`
	Runs          int                  `json:"runs"`
	Failed        int                  `json:"failed"`
	RowsExported  int                  `json:"rows_exported"`
	RunsPerKind   map[string]int       `json:"runs_per_kind"`
	LastOutcome   map[string]string    `json:"last_outcome"`
	LastFinished  map[string]time.Time `json:"last_finished"`
}

type Store struct {
	mu        sync.Mutex
	dir       string
	settings  Settings
	writer    *segmentWriter
	writerDir string
	lastPrune time.Time
}

func normalizeSettings(in Settings) Settings {
	out := in
	if out.Retention <= 0 {
		out.Retention = defaultRetention
	}
	if out.SegmentMaxAge <= 0 {
		out.SegmentMaxAge = defaultSegmentMaxAge
	}
	return out
}

func New(dir string, settings Settings) *Store {
	s := &Store{dir: strings.TrimSpace(dir), settings: normalizeSettings(settings)}
	_ = os.MkdirAll(s.dir, 0o700)
	return s
}

// Append writes one run record to the current segment.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	} else {
		rec.FinishedAt = rec.FinishedAt.UTC()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.FinishedAt
	} else {
		rec.StartedAt = rec.StartedAt.UTC()
	}
	rec.Kind = strings.TrimSpace(rec.Kind)
	rec.Outcome = strings.TrimSpace(rec.Outcome)
	if rec.DurationMS == 0 {
		rec.DurationMS = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	}

	if err := s.openWriterLocked(rec.FinishedAt); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.writer.writeLine(line, rec.FinishedAt); err != nil {
		return err
	}
	if s.writer.shouldRotate(s.settings.SegmentMaxAge) {
		if err := s.closeWriterLocked(); err != nil {
			return err
		}
	}
	return nil
}

// List returns records finished in [from, to), newest first, capped
// at limit when limit > 0. Zero bounds are open.
func (s *Store) List(from, to time.Time, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeWriterLocked(); err != nil {
		return nil, err
	}

	segs, err := listSegments(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, err
	}
	var out []Record
	for _, seg := range segs {
		if !overlaps(seg.min, seg.max, from, to) {
			continue
		}
		if err := scanRecords(seg.path, from, to, func(r Record) {
			out = append(out, r)
		}); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FinishedAt.Equal(out[j].FinishedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

// Summarize tallies the runs finished within period of now.
func (s *Store) Summarize(period time.Duration, now time.Time) (Summary, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	records, err := s.List(now.Add(-period), now, 0)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		PeriodSeconds: int64(period.Seconds()),
		RunsPerKind:   map[string]int{},
		LastOutcome:   map[string]string{},
		LastFinished:  map[string]time.Time{},
	}
	for _, r := range records {
		summary.Runs++
		if r.Outcome != OutcomeOK {
			summary.Failed++
		}
		summary.RowsExported += r.Rows
		summary.RunsPerKind[r.Kind]++
		// records are newest first, so only the first per kind wins
		if _, seen := summary.LastOutcome[r.Kind]; !seen {
			summary.LastOutcome[r.Kind] = r.Outcome
			summary.LastFinished[r.Kind] = r.FinishedAt
		}
	}
	return summary, nil
}

// Flush closes the open segment so readers and other processes see
// everything appended so far.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeWriterLocked()
}

func (s *Store) openWriterLocked(ts time.Time) error {
	monthDir := filepath.Join(s.dir, ts.Format("2006"), ts.Format("01"))
	if s.writer != nil && s.writerDir == monthDir {
		return nil
	}
	if err := s.closeWriterLocked(); err != nil {
		return err
	}
	w, err := newSegmentWriter(monthDir)
	if err != nil {
		return err
	}
	s.writer = w
	s.writerDir = monthDir
	return nil
}

func (s *Store) closeWriterLocked() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.close()
	s.writer = nil
	s.writerDir = ""
	return err
}

// Prune removes closed segments whose newest record is older than the
// retention window. Calls within an hour of the previous prune are
// no-ops so callers can invoke it on every cycle.
func (s *Store) Prune(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < pruneInterval {
		return nil
	}
	s.lastPrune = now
	if err := s.closeWriterLocked(); err != nil {
		return err
	}
	cutoff := now.Add(-s.settings.Retention)
	segs, err := listSegments(s.dir)
	if err != nil {
		return err
	}
	pruned := 0
	for _, seg := range segs {
		if seg.max.Before(cutoff) {
			if err := os.Remove(seg.path); err != nil {
				return err
			}
			pruned++
		}
	}
	if pruned > 0 {
		slog.Info("run history pruned", "segments", pruned, "cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}

type segmentWriter struct {
	pathTmp  string
	dir      string
	seq      int64
	file     *os.File
	enc      *zstd.Encoder
	minTs    time.Time
	maxTs    time.Time
	count    int
	openedAt time.Time
}

type segmentMeta struct {
	path string
	min  time.Time
	max  time.Time
}

func newSegmentWriter(dir string) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	seq := time.Now().UTC().UnixNano()
	tmp := filepath.Join(dir, fmt.Sprintf("open-%d.jsonl.zst.tmp", seq))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{pathTmp: tmp, dir: dir, seq: seq, file: f, enc: enc, openedAt: time.Now().UTC()}, nil
}

func (w *segmentWriter) writeLine(line []byte, ts time.Time) error {
	if _, err := w.enc.Write(line); err != nil {
		return err
	}
	if _, err := w.enc.Write([]byte("\n")); err != nil {
		return err
	}
	if w.minTs.IsZero() || ts.Before(w.minTs) {
		w.minTs = ts
	}
	if w.maxTs.IsZero() || ts.After(w.maxTs) {
		w.maxTs = ts
	}
	w.count++
	return nil
}

func (w *segmentWriter) shouldRotate(maxAge time.Duration) bool {
	if w == nil {
		return false
	}
	return maxAge > 0 && time.Since(w.openedAt) >= maxAge
}

func (w *segmentWriter) close() error {
	if w == nil {
		return nil
	}
	if w.enc != nil {
		_ = w.enc.Close()
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	if w.count == 0 {
		_ = os.Remove(w.pathTmp)
		return nil
	}
	minUnix := w.minTs.UTC().Unix()
	maxUnix := w.maxTs.UTC().Unix()
	final := filepath.Join(w.dir, fmt.Sprintf("%d-%d-%d.jsonl.zst", minUnix, maxUnix, w.seq))
	return os.Rename(w.pathTmp, final)
}

func listSegments(root string) ([]segmentMeta, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, os.ErrNotExist
	}
	out := []segmentMeta{}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".jsonl.zst") || strings.HasPrefix(name, "open-") {
			return nil
		}
		parts := strings.Split(strings.TrimSuffix(name, ".jsonl.zst"), "-")
		if len(parts) < 3 {
			return nil
		}
		minUnix, err1 := strconv.ParseInt(parts[0], 10, 64)
		maxUnix, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		out = append(out, segmentMeta{path: path, min: time.Unix(minUnix, 0).UTC(), max: time.Unix(maxUnix, 0).UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].min.Equal(out[j].min) {
			return out[i].path < out[j].path
		}
		return out[i].min.Before(out[j].min)
	})
	return out, nil
}

func scanRecords(path string, from, to time.Time, fn func(Record)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	sc := bufio.NewScanner(zr)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		ts := rec.FinishedAt.UTC()
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && !ts.Before(to) {
			continue
		}
		fn(rec)
	}
	return sc.Err()
}

func overlaps(segMin, segMax, from, to time.Time) bool {
	if !to.IsZero() && !segMin.Before(to) {
		return false
	}
	if !from.IsZero() && segMax.Before(from) {
		return false
	}
	return true
}
