package runlog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStorePersistsAndRetainsMaxLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	s := NewStore(path, Settings{MaxLines: 3})
	s.Add("info", "one", time.Unix(1, 0))
	s.Add("warn", "two", time.Unix(2, 0))
	s.Add("error", "three", time.Unix(3, 0))
	s.Add("debug", "four", time.Unix(4, 0))
	s.Flush()

	out := NewStore(path, Settings{MaxLines: 3})
	entries := out.List(ListFilter{Level: "all", Limit: 10})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "four" || entries[1].Message != "three" || entries[2].Message != "two" {
		t.Fatalf("unexpected order/messages: %+v", entries)
	}
}

func TestListLevelThreshold(t *testing.T) {
	s := NewStore("", Settings{MaxLines: 100})
	s.Add("debug", "noise", time.Unix(1, 0))
	s.Add("info", "routine", time.Unix(2, 0))
	s.Add("warn", "odd", time.Unix(3, 0))
	s.Add("error", "broken", time.Unix(4, 0))

	warnUp := s.List(ListFilter{Level: "warn", Limit: 10})
	if len(warnUp) != 2 {
		t.Fatalf("warn threshold: expected 2 entries, got %d (%+v)", len(warnUp), warnUp)
	}
	if warnUp[0].Message != "broken" || warnUp[1].Message != "odd" {
		t.Fatalf("warn threshold order: %+v", warnUp)
	}
	if all := s.List(ListFilter{Level: "all", Limit: 10}); len(all) != 4 {
		t.Fatalf("all: expected 4 entries, got %d", len(all))
	}
	query := s.List(ListFilter{Level: "all", Query: "rout", Limit: 10})
	if len(query) != 1 || query[0].Message != "routine" {
		t.Fatalf("query match: %+v", query)
	}
}

func TestSinkParsesRenderedLines(t *testing.T) {
	s := NewStore("", Settings{MaxLines: 100})
	w := s.Writer()
	_, _ = w.Write([]byte("2026/03/05 20:00:01 INFO assembling workbook name=store7\n"))
	_, _ = w.Write([]byte("2026/03/05 20:00:02 WARN sheet not found in workbook sheet=\"Empty Shelf Tracker\"\n"))
	_, _ = w.Write([]byte("partial line without newline"))

	entries := s.List(ListFilter{Level: "all", Limit: 10})
	if len(entries) != 2 {
		t.Fatalf("expected 2 complete entries, got %d (%+v)", len(entries), entries)
	}
	if entries[0].Level != "warn" {
		t.Fatalf("newest entry level = %q, want warn", entries[0].Level)
	}
	if entries[1].Level != "info" {
		t.Fatalf("older entry level = %q, want info", entries[1].Level)
	}
	if entries[1].Message != "assembling workbook name=store7" {
		t.Fatalf("timestamp/level not stripped: %q", entries[1].Message)
	}
}

func TestSubscribeReceivesNewEntries(t *testing.T) {
	s := NewStore("", Settings{MaxLines: 100})
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Add("info", "hello", time.Unix(10, 0))

	select {
	case e := <-ch:
		if e.Message != "hello" || e.Level != "info" {
			t.Fatalf("unexpected entry: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry delivered to subscriber")
	}

	cancel()
	// A second cancel must not panic, and adds after cancel must not
	// block or deliver.
	cancel()
	s.Add("info", "after cancel", time.Unix(11, 0))
}

func TestClearRemovesEntries(t *testing.T) {
	s := NewStore("", Settings{MaxLines: 100})
	s.Add("info", "hello", time.Now().UTC())
	if got := len(s.List(ListFilter{Level: "all", Limit: 10})); got != 1 {
		t.Fatalf("expected 1 entry before clear, got %d", got)
	}
	s.Clear()
	if got := len(s.List(ListFilter{Level: "all", Limit: 10})); got != 0 {
		t.Fatalf("expected 0 entries after clear, got %d", got)
	}
}
