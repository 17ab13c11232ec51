package schedule

import (
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	got, err := ParseTimeOfDay("07:30")
	if err != nil {
		t.Fatalf("ParseTimeOfDay: %v", err)
	}
	if got.Hour != 7 || got.Minute != 30 {
		t.Fatalf("got %+v", got)
	}
	if got.String() != "07:30" {
		t.Fatalf("String = %q", got.String())
	}
	if short, err := ParseTimeOfDay("7:05"); err != nil || short.String() != "07:05" {
		t.Fatalf("single-digit hour: %v %v", short, err)
	}
	for _, bad := range []string{"", "25:00", "12:60", "noon", "12", "12:00:00", "-1:30"} {
		if _, err := ParseTimeOfDay(bad); err == nil {
			t.Fatalf("ParseTimeOfDay(%q) should fail", bad)
		}
	}
}

func TestNextDaily(t *testing.T) {
	at := MustParseTimeOfDay("20:00")
	day := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)

	before := day.Add(19 * time.Hour)
	if got := NextDaily(before, at); !got.Equal(day.Add(20 * time.Hour)) {
		t.Fatalf("before: got %v", got)
	}
	exact := day.Add(20 * time.Hour)
	if got := NextDaily(exact, at); !got.Equal(exact) {
		t.Fatalf("exact: got %v, want same instant", got)
	}
	after := day.Add(20*time.Hour + time.Minute)
	if got := NextDaily(after, at); !got.Equal(day.AddDate(0, 0, 1).Add(20 * time.Hour)) {
		t.Fatalf("after: got %v", got)
	}
}

func TestIsWeekday(t *testing.T) {
	// 2026-03-06 is a Friday, 03-07 a Saturday.
	if !IsWeekday(time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)) {
		t.Fatal("Friday should be a weekday")
	}
	if IsWeekday(time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)) {
		t.Fatal("Saturday should not be a weekday")
	}
	if IsWeekday(time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)) {
		t.Fatal("Sunday should not be a weekday")
	}
}

func TestNextFromListPicksEarliestFuture(t *testing.T) {
	weekday := []TimeOfDay{MustParseTimeOfDay("08:00"), MustParseTimeOfDay("12:00"), MustParseTimeOfDay("18:00")}
	weekend := []TimeOfDay{MustParseTimeOfDay("09:00"), MustParseTimeOfDay("16:00")}

	// Thursday 10:00 → Thursday 12:00.
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	if got := NextFromList(now, weekday, weekend); !got.Equal(time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("midday: got %v", got)
	}

	// Friday 19:00, all weekday slots gone → Saturday 09:00 from the
	// weekend list.
	now = time.Date(2026, 3, 6, 19, 0, 0, 0, time.UTC)
	if got := NextFromList(now, weekday, weekend); !got.Equal(time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("friday evening: got %v", got)
	}

	// Exactly at a slot is not a future slot.
	now = time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	if got := NextFromList(now, weekday, weekend); !got.Equal(time.Date(2026, 3, 5, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("exact slot: got %v", got)
	}
}

func TestNextFromListSkipsEmptyDays(t *testing.T) {
	weekday := []TimeOfDay{MustParseTimeOfDay("10:00")}

	// Saturday with an empty weekend list: Sunday is empty too, so the
	// result is Monday's first slot.
	now := time.Date(2026, 3, 7, 8, 0, 0, 0, time.UTC)
	if got := NextFromList(now, weekday, nil); !got.Equal(time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("got %v", got)
	}

	// No slots anywhere falls back to noon two days out.
	if got := NextFromList(now, nil, nil); !got.Equal(time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("fallback: got %v", got)
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow([]string{"07:00", "19:30"})
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	day := time.Date(2026, 3, 5, 15, 42, 0, 0, time.UTC)
	start, end := w.Bounds(day)
	if !start.Equal(time.Date(2026, 3, 5, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %v", start)
	}
	if !end.Equal(time.Date(2026, 3, 5, 19, 30, 0, 0, time.UTC)) {
		t.Fatalf("end = %v", end)
	}

	if _, err := ParseWindow([]string{"07:00"}); err == nil {
		t.Fatal("one entry should fail")
	}
	if _, err := ParseWindow([]string{"19:00", "07:00"}); err == nil {
		t.Fatal("inverted window should fail")
	}
	if _, err := ParseWindow([]string{"bad", "07:00"}); err == nil {
		t.Fatal("unparseable open should fail")
	}
}
