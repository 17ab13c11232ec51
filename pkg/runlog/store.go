// Package runlog keeps the reporter's recent event log: a bounded,
// persisted ring of log entries fed by the process logger, queryable
// from the monitor UI and streamable to live watchers.
package runlog

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/hunter-volkman/stock-report/pkg/jsonfile"
	"github.com/hunter-volkman/stock-report/pkg/logutil"
)

const (
	defaultMaxLines = 5000
	saveInterval    = 2 * time.Second

	// subscriberBuffer bounds each live watcher's queue; slow watchers
	// lose entries rather than stalling the logger.
	subscriberBuffer = 64
)

type Settings struct {
	MaxLines int `json:"max_lines"`
}

// Entry is one recorded event.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type ListFilter struct {
	Level string
	Query string
	Limit int
}

type persisted struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Store holds the entry ring. Writes are throttled to disk; readers
// get copies.
type Store struct {
	mu sync.RWMutex

	path     string
	settings Settings
	entries  []Entry

	dirty    bool
	lastSave time.Time

	subMu sync.Mutex
	subs  map[chan Entry]struct{}
}

func normalizeSettings(s Settings) Settings {
	out := s
	if out.MaxLines <= 0 {
		out.MaxLines = defaultMaxLines
	}
	return out
}

func NewStore(path string, settings Settings) *Store {
	s := &Store{
		path:     strings.TrimSpace(path),
		settings: normalizeSettings(settings),
		entries:  []Entry{},
		subs:     make(map[chan Entry]struct{}),
	}
	if s.path != "" {
		s.load()
	}
	s.pruneLocked()
	return s
}

func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Add records one entry and fans it out to live subscribers.
func (s *Store) Add(level, message string, ts time.Time) {
	level = normalizeLevel(level)
	message = strings.TrimSpace(logutil.StripANSI(message))
	if message == "" {
		return
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	} else {
		ts = ts.UTC()
	}

	s.mu.Lock()
	entry := Entry{
		ID:        fmt.Sprintf("evt-%d-%d", ts.UnixNano(), len(s.entries)+1),
		Timestamp: ts,
		Level:     level,
		Message:   message,
	}
	s.entries = append(s.entries, entry)
	s.pruneLocked()
	s.dirty = true
	s.saveLocked(false)
	s.mu.Unlock()

	s.publish(entry)
}

// List returns entries newest-first, filtered by level threshold and
// substring query.
func (s *Store) List(filter ListFilter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	level := normalizeLevel(filter.Level)
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	if limit > 10000 {
		limit = 10000
	}

	out := make([]Entry, 0, min(limit, len(s.entries)))
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !levelMatchesFilter(level, e.Level) {
			continue
		}
		if query != "" {
			hay := strings.ToLower(e.Message + "\n" + e.Level)
			if !strings.Contains(hay, query) {
				continue
			}
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Subscribe registers a live watcher. The returned cancel func must be
// called when the watcher goes away.
func (s *Store) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, subscriberBuffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) publish(e Entry) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(true)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
	s.dirty = true
	s.saveLocked(true)
}

// Writer adapts the store into an io.Writer suitable for the logger
// output tee; each complete line becomes one entry.
func (s *Store) Writer() io.Writer {
	return &sink{store: s}
}

type sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func (w *sink) Write(p []byte) (int, error) {
	if w == nil || w.store == nil {
		return len(p), nil
	}
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimSpace(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
		w.consumeLine(line)
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *sink) consumeLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	w.store.Add(levelName(logutil.LevelFromLine(line)), extractMessage(line), time.Now().UTC())
}

func levelName(l log.Level) string {
	switch l {
	case log.DebugLevel:
		return "debug"
	case log.WarnLevel:
		return "warn"
	case log.ErrorLevel:
		return "error"
	case log.FatalLevel:
		return "fatal"
	default:
		return "info"
	}
}

func (s *Store) load() {
	var p persisted
	if err := jsonfile.Load(s.path, &p); err != nil {
		return
	}
	if len(p.Entries) == 0 {
		return
	}
	s.entries = p.Entries
}

func (s *Store) pruneLocked() {
	maxLines := s.settings.MaxLines
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	if len(s.entries) <= maxLines {
		return
	}
	start := len(s.entries) - maxLines
	s.entries = append([]Entry(nil), s.entries[start:]...)
}

func (s *Store) saveLocked(force bool) {
	if strings.TrimSpace(s.path) == "" || !s.dirty {
		return
	}
	now := time.Now().UTC()
	if !force && !s.lastSave.IsZero() && now.Sub(s.lastSave) < saveInterval {
		return
	}
	cp := append([]Entry(nil), s.entries...)
	sort.Slice(cp, func(i, j int) bool {
		if cp[i].Timestamp.Equal(cp[j].Timestamp) {
			return cp[i].ID < cp[j].ID
		}
		return cp[i].Timestamp.Before(cp[j].Timestamp)
	})
	if err := jsonfile.Save(s.path, persisted{
		Version: 1,
		Entries: cp,
	}); err != nil {
		return
	}
	s.lastSave = now
	s.dirty = false
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "trac":
		return "trace"
	case "debug", "debu":
		return "debug"
	case "info", "inf":
		return "info"
	case "warn", "warning", "wrn":
		return "warn"
	case "error", "erro", "err":
		return "error"
	case "fatal", "fata":
		return "fatal"
	case "all":
		return "all"
	default:
		return ""
	}
}

func levelMatchesFilter(filterLevel, entryLevel string) bool {
	f := normalizeLevel(filterLevel)
	if f == "" || f == "all" {
		return true
	}
	ev := normalizeLevel(entryLevel)
	if ev == "" {
		return false
	}
	// Threshold semantics: the selected level and anything more severe.
	return levelRank(ev) >= levelRank(f)
}

func levelRank(level string) int {
	switch normalizeLevel(level) {
	case "trace":
		return 0
	case "debug":
		return 1
	case "info":
		return 2
	case "warn":
		return 3
	case "error":
		return 4
	case "fatal":
		return 5
	default:
		return -1
	}
}

// extractMessage strips the rendered timestamp and level token so the
// stored message reads clean in the UI.
func extractMessage(line string) string {
	s := strings.TrimSpace(logutil.StripANSI(line))
	if s == "" {
		return ""
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return s
	}

	// Structured log lines carry time/level as key-value pairs.
	if strings.Contains(strings.ToLower(s), "level=") || strings.Contains(strings.ToLower(s), "time=") {
		out := make([]string, 0, len(fields))
		for _, f := range fields {
			fl := strings.ToLower(strings.TrimSpace(f))
			switch {
			case strings.HasPrefix(fl, "time="),
				strings.HasPrefix(fl, "timestamp="),
				strings.HasPrefix(fl, "ts="),
				strings.HasPrefix(fl, "level="):
				continue
			default:
				out = append(out, f)
			}
		}
		if len(out) > 0 {
			return strings.TrimSpace(strings.Join(out, " "))
		}
	}

	// Text format: "<timestamp> <level> message..."
	if len(fields) >= 2 && looksTimestampToken(fields[0]) && looksLevelToken(fields[1]) {
		return strings.TrimSpace(strings.Join(fields[2:], " "))
	}
	// Split date/time: "<date> <time> <level> message..."
	if len(fields) >= 3 && looksTimestampToken(fields[0]+" "+fields[1]) && looksLevelToken(fields[2]) {
		return strings.TrimSpace(strings.Join(fields[3:], " "))
	}
	// Bare: "<level> message..."
	if looksLevelToken(fields[0]) {
		return strings.TrimSpace(strings.Join(fields[1:], " "))
	}
	return s
}

func looksTimestampToken(v string) bool {
	s := strings.TrimSpace(v)
	if s == "" {
		return false
	}
	if strings.Contains(s, "T") && strings.Contains(s, ":") {
		return true
	}
	if strings.Contains(s, "/") && strings.Contains(s, ":") {
		return true
	}
	if strings.Contains(s, "-") && strings.Contains(s, ":") {
		return true
	}
	return false
}

func looksLevelToken(v string) bool {
	s := strings.ToUpper(strings.TrimSpace(v))
	switch s {
	case "TRACE", "TRAC", "DEBUG", "DEBU", "INFO", "WARN", "WARNING", "ERROR", "ERRO", "FATAL", "FATA":
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(v)), "level=")
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
