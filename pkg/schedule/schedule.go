// Package schedule computes when the reporter's daily loops fire.
// All functions work on wall-clock times in the caller's location;
// the caller passes time.Now() already converted to store time.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock HH:MM within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24-hour clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// MustParseTimeOfDay is ParseTimeOfDay for known-good literals.
func MustParseTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns the offset from midnight.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

// Before reports whether t is earlier in the day than other.
func (t TimeOfDay) Before(other TimeOfDay) bool {
	return t.Minutes() < other.Minutes()
}

// On pins t to the calendar day of date, in date's location.
func (t TimeOfDay) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, date.Location())
}

// IsWeekday reports whether t falls on Monday through Friday.
func IsWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// NextDaily returns the next occurrence of at: today if now has not
// passed it yet, otherwise tomorrow.
func NextDaily(now time.Time, at TimeOfDay) time.Time {
	target := at.On(now)
	if now.After(target) {
		target = at.On(now.AddDate(0, 0, 1))
	}
	return target
}

// NextFromList returns the earliest entry strictly after now, taking
// today's and tomorrow's lists by weekday/weekend. When both days are
// exhausted it falls through to the first entry two days out, or noon
// if that day's list is empty.
func NextFromList(now time.Time, weekday, weekend []TimeOfDay) time.Time {
	listFor := func(day time.Time) []TimeOfDay {
		if IsWeekday(day) {
			return weekday
		}
		return weekend
	}

	var next time.Time
	for _, day := range []time.Time{now, now.AddDate(0, 0, 1)} {
		for _, at := range listFor(day) {
			candidate := at.On(day)
			if !candidate.After(now) {
				continue
			}
			if next.IsZero() || candidate.Before(next) {
				next = candidate
			}
		}
	}
	if !next.IsZero() {
		return next
	}

	dayAfter := now.AddDate(0, 0, 2)
	if list := listFor(dayAfter); len(list) > 0 {
		first := list[0]
		for _, at := range list[1:] {
			if at.Before(first) {
				first = at
			}
		}
		return first.On(dayAfter)
	}
	return TimeOfDay{Hour: 12}.On(dayAfter)
}

// Window is a store's opening and closing time for one day.
type Window struct {
	Open  TimeOfDay
	Close TimeOfDay
}

// ParseWindow parses a two-element ["HH:MM","HH:MM"] opening/closing
// pair as carried in configuration.
func ParseWindow(pair []string) (Window, error) {
	if len(pair) != 2 {
		return Window{}, fmt.Errorf("store hours need [open, close], got %d entries", len(pair))
	}
	open, err := ParseTimeOfDay(pair[0])
	if err != nil {
		return Window{}, err
	}
	close, err := ParseTimeOfDay(pair[1])
	if err != nil {
		return Window{}, err
	}
	if !open.Before(close) {
		return Window{}, fmt.Errorf("store hours open %s must be before close %s", open, close)
	}
	return Window{Open: open, Close: close}, nil
}

// Bounds pins the window to the calendar day of date.
func (w Window) Bounds(date time.Time) (time.Time, time.Time) {
	return w.Open.On(date), w.Close.On(date)
}
