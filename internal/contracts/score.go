package contracts

import (
	"fmt"
	"sort"
	"time"
)

// Score is the model output for one (date, instrument) pair. Higher is
// more bullish by convention. Immutable once loaded.
type Score struct {
	Date       time.Time
	Instrument InstrumentCode
	Value      float64
	Confidence float64 // optional, 0 when absent
}

// ScoreTable is the materialized prediction artifact with by-date and
// by-instrument secondary indices. Built once per run, read-only after
// construction, safe for concurrent readers.
type ScoreTable struct {
	byDate       map[time.Time]map[InstrumentCode]Score
	byInstrument map[InstrumentCode]map[time.Time]Score
	dates        []time.Time
}

// NewScoreTable builds both indices in a single pass. Duplicate
// (date, instrument) pairs are rejected as a corrupt artifact.
func NewScoreTable(scores []Score) (*ScoreTable, error) {
	if len(scores) == 0 {
		return nil, ErrArtifactEmpty
	}

	t := &ScoreTable{
		byDate:       make(map[time.Time]map[InstrumentCode]Score),
		byInstrument: make(map[InstrumentCode]map[time.Time]Score),
	}

	for _, s := range scores {
		s.Date = NormalizeDate(s.Date)

		dayIdx, ok := t.byDate[s.Date]
		if !ok {
			dayIdx = make(map[InstrumentCode]Score)
			t.byDate[s.Date] = dayIdx
			t.dates = append(t.dates, s.Date)
		}
		if _, dup := dayIdx[s.Instrument]; dup {
			return nil, fmt.Errorf("%w: duplicate score for (%s, %s)",
				ErrArtifactCorrupt, s.Date.Format("2006-01-02"), s.Instrument)
		}
		dayIdx[s.Instrument] = s

		instIdx, ok := t.byInstrument[s.Instrument]
		if !ok {
			instIdx = make(map[time.Time]Score)
			t.byInstrument[s.Instrument] = instIdx
		}
		instIdx[s.Date] = s
	}

	sort.Slice(t.dates, func(i, j int) bool { return t.dates[i].Before(t.dates[j]) })

	return t, nil
}

// At returns the score for (date, instrument) if present.
func (t *ScoreTable) At(date time.Time, inst InstrumentCode) (Score, bool) {
	day, ok := t.byDate[NormalizeDate(date)]
	if !ok {
		return Score{}, false
	}
	s, ok := day[inst]
	return s, ok
}

// On returns all scores for a date. The returned map is shared
// read-only state; callers must not mutate it.
func (t *ScoreTable) On(date time.Time) map[InstrumentCode]Score {
	return t.byDate[NormalizeDate(date)]
}

// ForInstrument returns the per-instrument date index, shared read-only.
func (t *ScoreTable) ForInstrument(inst InstrumentCode) map[time.Time]Score {
	return t.byInstrument[inst]
}

// Dates returns the ordered set of dates present in the table. The
// returned slice is shared read-only state.
func (t *ScoreTable) Dates() []time.Time {
	return t.dates
}

// Instruments returns the instruments present in the table, sorted.
func (t *ScoreTable) Instruments() []InstrumentCode {
	out := make([]InstrumentCode, 0, len(t.byInstrument))
	for code := range t.byInstrument {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the total number of scores.
func (t *ScoreTable) Len() int {
	n := 0
	for _, day := range t.byDate {
		n += len(day)
	}
	return n
}
