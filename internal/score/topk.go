package score

import (
	"math"
	"sort"
	"time"

	"github.com/luwei/quantflow/internal/contracts"
)

// TopKIndex precomputes, for every date in a score table, the K
// instruments with the highest score. Immutable after construction and
// shared read-only across engines; memory footprint is O(dates * K).
type TopKIndex struct {
	k      int
	byDate map[time.Time][]contracts.InstrumentCode
	dates  []time.Time
}

// ranked pairs a code with its score for per-date selection.
type ranked struct {
	code  contracts.InstrumentCode
	value float64
}

// NewTopKIndex builds the index from an already-loaded table.
// Non-finite scores never rank: an instrument whose score is NaN or Inf
// on a date is excluded from that date's list.
func NewTopKIndex(table *contracts.ScoreTable, k int) *TopKIndex {
	idx := &TopKIndex{
		k:      k,
		byDate: make(map[time.Time][]contracts.InstrumentCode, len(table.Dates())),
		dates:  table.Dates(),
	}

	for _, date := range table.Dates() {
		day := table.On(date)

		candidates := make([]ranked, 0, len(day))
		for code, s := range day {
			if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
				continue
			}
			candidates = append(candidates, ranked{code: code, value: s.Value})
		}

		// Descending by score; ties broken bytewise-ascending on code
		// so reruns are deterministic.
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].value != candidates[j].value {
				return candidates[i].value > candidates[j].value
			}
			return candidates[i].code < candidates[j].code
		})

		n := k
		if len(candidates) < n {
			n = len(candidates)
		}

		list := make([]contracts.InstrumentCode, n)
		for i := 0; i < n; i++ {
			list[i] = candidates[i].code
		}
		idx.byDate[date] = list
	}

	return idx
}

// K returns the configured list size.
func (x *TopKIndex) K() int {
	return x.k
}

// TopKAt returns the cached list for a date, or an empty list when the
// date is absent. The returned slice is shared read-only state.
func (x *TopKIndex) TopKAt(date time.Time) []contracts.InstrumentCode {
	list, ok := x.byDate[contracts.NormalizeDate(date)]
	if !ok {
		return nil
	}
	return list
}

// Contains reports whether an instrument is in the date's top-K list.
func (x *TopKIndex) Contains(date time.Time, inst contracts.InstrumentCode) bool {
	for _, code := range x.TopKAt(date) {
		if code == inst {
			return true
		}
	}
	return false
}

// RebalanceDates returns the ordered subset of table dates falling in
// the range that open a new period. Pure and deterministic.
func RebalanceDates(dates []time.Time, r contracts.DateRange, period contracts.RebalancePeriod) []time.Time {
	var out []time.Time

	var lastWeekYear, lastWeek, lastMonthYear int
	var lastMonth time.Month
	seen := false

	for _, d := range dates {
		if !r.Contains(d) {
			continue
		}

		switch period {
		case contracts.RebalanceDaily:
			out = append(out, d)

		case contracts.RebalanceWeekly:
			year, week := d.ISOWeek()
			if !seen || year != lastWeekYear || week != lastWeek {
				out = append(out, d)
				lastWeekYear, lastWeek = year, week
				seen = true
			}

		case contracts.RebalanceMonthly:
			if !seen || d.Year() != lastMonthYear || d.Month() != lastMonth {
				out = append(out, d)
				lastMonthYear, lastMonth = d.Year(), d.Month()
				seen = true
			}
		}
	}

	return out
}
