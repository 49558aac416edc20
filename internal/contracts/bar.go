package contracts

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Period is a bar aggregation period.
type Period string

// Recognized bar periods.
const (
	PeriodDay   Period = "DAY"
	PeriodWeek  Period = "WEEK"
	PeriodMonth Period = "MONTH"
	PeriodMin1  Period = "MIN1"
	PeriodMin5  Period = "MIN5"
	PeriodMin15 Period = "MIN15"
	PeriodMin30 Period = "MIN30"
	PeriodMin60 Period = "MIN60"
)

// ParsePeriod validates a period string.
func ParsePeriod(s string) (Period, error) {
	p := Period(s)
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth,
		PeriodMin1, PeriodMin5, PeriodMin15, PeriodMin30, PeriodMin60:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown period %q", ErrConfigInvalid, s)
}

// DateRange is an inclusive calendar date range.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange builds a validated range from normalized dates.
func NewDateRange(start, end time.Time) (DateRange, error) {
	start = NormalizeDate(start)
	end = NormalizeDate(end)
	if end.Before(start) {
		return DateRange{}, fmt.Errorf("%w: date range start %s after end %s",
			ErrConfigInvalid, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	return DateRange{Start: start, End: end}, nil
}

// Contains reports whether the normalized date of t falls in the range.
func (r DateRange) Contains(t time.Time) bool {
	d := NormalizeDate(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

// NormalizeDate strips any time-of-day component and pins the date to
// UTC so dates are usable as map keys.
func NormalizeDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Bar is one OHLCV observation for one instrument over one period.
// Never mutated after production by a BarStore.
type Bar struct {
	Instrument InstrumentCode
	Timestamp  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     int64
	Amount     decimal.Decimal
}

// Validate checks the OHLC invariants. A violation is fatal for a run.
func (b Bar) Validate() error {
	maxOC := decimal.Max(b.Open, b.Close)
	minOC := decimal.Min(b.Open, b.Close)

	if b.High.LessThan(maxOC) {
		return fmt.Errorf("%w: %s@%s high %s < max(open, close) %s",
			ErrBarDataInvalid, b.Instrument, b.Timestamp.Format("2006-01-02"), b.High, maxOC)
	}
	if b.Low.GreaterThan(minOC) {
		return fmt.Errorf("%w: %s@%s low %s > min(open, close) %s",
			ErrBarDataInvalid, b.Instrument, b.Timestamp.Format("2006-01-02"), b.Low, minOC)
	}
	if b.Volume < 0 {
		return fmt.Errorf("%w: %s@%s negative volume %d",
			ErrBarDataInvalid, b.Instrument, b.Timestamp.Format("2006-01-02"), b.Volume)
	}
	return nil
}

// Date returns the normalized calendar date of the bar.
func (b Bar) Date() time.Time {
	return NormalizeDate(b.Timestamp)
}

// BarIterator is a restartable, finite lazy sequence of bars in
// chronological order. Next returns false when exhausted; Err reports
// the first failure encountered.
type BarIterator interface {
	Next(ctx context.Context) bool
	Bar() Bar
	Err() error
	Close() error
}
