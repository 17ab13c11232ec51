package bucket

import (
	"math"
	"sort"
	"strings"
)

// Statistic selects the reduction applied to one field's values within
// one bucket.
type Statistic string

const (
	StatMin   Statistic = "min"
	StatMax   Statistic = "max"
	StatAvg   Statistic = "avg"
	StatFirst Statistic = "first"
	StatLast  Statistic = "last"
	StatPct95 Statistic = "pct95"
	StatPct99 Statistic = "pct99"
)

// ParseStatistic maps a config string to a Statistic. The bool reports
// whether the name is known; callers keep the returned value either way
// because Aggregate falls back to max on unknown names.
func ParseStatistic(s string) (Statistic, bool) {
	st := Statistic(strings.ToLower(strings.TrimSpace(s)))
	return st, st.known()
}

func (s Statistic) known() bool {
	switch s {
	case StatMin, StatMax, StatAvg, StatFirst, StatLast, StatPct95, StatPct99:
		return true
	}
	return false
}

func (s Statistic) apply(values []float64) float64 {
	switch s {
	case StatMin:
		out := values[0]
		for _, v := range values[1:] {
			if v < out {
				out = v
			}
		}
		return out
	case StatAvg:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case StatFirst:
		return values[0]
	case StatLast:
		return values[len(values)-1]
	case StatPct95:
		return percentile(values, 95)
	case StatPct99:
		return percentile(values, 99)
	default: // StatMax, also the fallback
		out := values[0]
		for _, v := range values[1:] {
			if v > out {
				out = v
			}
		}
		return out
	}
}

// percentile computes the q-th percentile (0..100) with linear
// interpolation between the two nearest ranks: h = q/100*(n-1) on the
// sorted values, interpolating between floor(h) and ceil(h). For
// [10,20,30,40,50] the 95th percentile is 48.
func percentile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	h := q / 100 * float64(len(sorted)-1)
	low := int(math.Floor(h))
	high := int(math.Ceil(h))
	if low == high {
		return sorted[low]
	}
	return sorted[low] + (h-float64(low))*(sorted[high]-sorted[low])
}
