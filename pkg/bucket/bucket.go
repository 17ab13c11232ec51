// Package bucket groups raw telemetry readings into fixed time buckets
// and reduces each bucket to one scalar per field with a selectable
// statistic. It performs no I/O; callers feed it records and write the
// resulting rows wherever they need them.
package bucket

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// RawRecord is one reading set as received from the telemetry API.
// Records are immutable once fetched and arrive ordered ascending by
// TimeReceived.
type RawRecord struct {
	TimeReceived time.Time
	Readings     map[string]float64
}

// Row is one aggregated output row: the floor-aligned bucket start and
// one scalar per surviving field.
type Row struct {
	BucketStart time.Time
	Readings    map[string]float64
}

// Result carries the aggregated rows plus a flag telling the caller the
// requested statistic was unknown and max was used instead. The fallback
// is deliberately not an error; callers surface it as a warning.
type Result struct {
	Rows         []Row
	UsedFallback bool
}

// KeyFilter is a prefix-anchored regular expression over field names.
// A nil *KeyFilter includes every field.
type KeyFilter struct {
	re *regexp.Regexp
}

// NewKeyFilter compiles pattern with match-from-start semantics: the
// pattern must match beginning at the first character of the field name
// but need not consume the whole name. An empty pattern yields a nil
// filter (include everything).
func NewKeyFilter(pattern string) (*KeyFilter, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("compile key filter %q: %w", pattern, err)
	}
	return &KeyFilter{re: re}, nil
}

func (f *KeyFilter) Match(name string) bool {
	if f == nil || f.re == nil {
		return true
	}
	return f.re.MatchString(name)
}

// FloorTime aligns t down to the start of its bucket: the largest
// multiple of period since the Unix epoch that is not after t. The
// arithmetic is integer nanoseconds end to end; time.Time.Truncate is
// unsuitable because it aligns to Go's zero time, which drifts from the
// epoch grid for periods that do not divide a day evenly.
func FloorTime(t time.Time, period time.Duration) time.Time {
	p := period.Nanoseconds()
	if p <= 0 {
		return t.UTC()
	}
	n := t.UnixNano()
	rem := n % p
	if rem < 0 {
		rem += p
	}
	return time.Unix(0, n-rem).UTC()
}

type accum struct {
	start  time.Time
	fields map[string][]float64
}

// Aggregate buckets records by FloorTime and reduces every field's
// values with method. Values accumulate in input order, so first/last
// mean earliest/latest arrival, not smallest/largest. Rows come back
// sorted ascending by bucket start; empty input yields an empty result.
func Aggregate(records []RawRecord, period time.Duration, method Statistic, filter *KeyFilter) Result {
	var res Result
	if !method.known() {
		method = StatMax
		res.UsedFallback = true
	}
	if len(records) == 0 {
		return res
	}

	buckets := make(map[int64]*accum)
	for _, rec := range records {
		start := FloorTime(rec.TimeReceived, period)
		key := start.UnixNano()
		b := buckets[key]
		if b == nil {
			b = &accum{start: start, fields: make(map[string][]float64)}
			buckets[key] = b
		}
		for name, v := range rec.Readings {
			if !filter.Match(name) {
				continue
			}
			b.fields[name] = append(b.fields[name], v)
		}
	}

	keys := lo.Keys(buckets)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	res.Rows = make([]Row, 0, len(keys))
	for _, key := range keys {
		b := buckets[key]
		readings := make(map[string]float64, len(b.fields))
		for name, values := range b.fields {
			readings[name] = method.apply(values)
		}
		res.Rows = append(res.Rows, Row{BucketStart: b.start, Readings: readings})
	}
	return res
}

// Header returns the union of field names across all rows, sorted
// lexicographically. Deriving the header from the first row alone drops
// fields that only appear in later buckets, so the union is used.
func Header(rows []Row) []string {
	names := lo.Uniq(lo.FlatMap(rows, func(r Row, _ int) []string {
		return lo.Keys(r.Readings)
	}))
	sort.Strings(names)
	return names
}
