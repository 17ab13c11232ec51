package logutil

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	outputMu   sync.Mutex
	outputTee  io.Writer
	stderrSink = &stderrLevelFilterWriter{minLevel: log.InfoLevel}
)

// Configure installs the process-wide logger. The backing logger always
// runs at debug so the tee sink (the event log) captures everything;
// the requested level only filters what reaches stderr. The logger is
// also installed as the slog default so packages log key-value pairs
// without importing the backend.
func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := parseConfiguredLevel(levelRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	stderrSink.minLevel = level
	outputMu.Unlock()
	log.SetLevel(log.DebugLevel)
	log.SetReportTimestamp(true)
	applyOutputLocked()
	slog.SetDefault(slog.New(log.Default()))
	return nil
}

func parseConfiguredLevel(levelRaw string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelRaw)) {
	case "trace", "trac":
		// No native trace enum; treat trace as most verbose.
		return log.DebugLevel, nil
	default:
		level, err := log.ParseLevel(levelRaw)
		if err != nil {
			return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
		}
		return level, nil
	}
}

// SetOutputTee routes a copy of every rendered log line, at every
// level, into w. The event log uses this to capture debug lines even
// when stderr only shows info and above.
func SetOutputTee(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	outputTee = w
	applyOutputLocked()
}

func applyOutputLocked() {
	stderrSink.out = os.Stderr
	stderrSink.tee = outputTee
	log.SetOutput(stderrSink)
}

type stderrLevelFilterWriter struct {
	mu       sync.Mutex
	out      io.Writer
	tee      io.Writer
	minLevel log.Level
	buf      []byte
}

func (w *stderrLevelFilterWriter) Write(p []byte) (int, error) {
	if w == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		w.writeLineLocked(line)
	}
	return len(p), nil
}

func (w *stderrLevelFilterWriter) writeLineLocked(line []byte) {
	if len(line) == 0 {
		return
	}
	if w.tee != nil {
		_, _ = w.tee.Write(line)
	}
	if w.out == nil {
		return
	}
	if LevelFromLine(string(line)) < w.minLevel {
		return
	}
	_, _ = w.out.Write(line)
}

// LevelFromLine classifies a rendered log line by its level token. The
// text formatter emits four-letter uppercase tokens (DEBU, INFO, WARN,
// ERRO, FATA) after the timestamp; unknown lines rank as info.
func LevelFromLine(line string) log.Level {
	for _, tok := range strings.Fields(StripANSI(line)) {
		switch strings.ToUpper(tok) {
		case "DEBU", "DEBUG", "TRACE", "TRAC":
			return log.DebugLevel
		case "INFO":
			return log.InfoLevel
		case "WARN", "WARNING":
			return log.WarnLevel
		case "ERRO", "ERROR":
			return log.ErrorLevel
		case "FATA", "FATAL":
			return log.FatalLevel
		}
	}
	return log.InfoLevel
}

// StripANSI drops terminal escape sequences so level tokens and
// messages can be matched on plain text.
func StripANSI(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
