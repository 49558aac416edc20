package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// LotSize is the A-share trading unit.
const LotSize int64 = 100

// Position is one open holding. Quantity is a whole number of shares in
// multiples of LotSize. The position holds no back-pointer to the
// portfolio; P&L queries pass the current price in.
type Position struct {
	Instrument   InstrumentCode
	Quantity     int64
	CostBasis    decimal.Decimal // total entry cost including fees
	CurrentPrice decimal.Decimal // last marked price
	OpenedAt     time.Time
	EntryPrice   decimal.Decimal // effective fill price incl. slippage
}

// MarketValue returns quantity * current price.
func (p *Position) MarketValue() decimal.Decimal {
	return p.CurrentPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// UnrealizedPnL returns the mark-to-market gain over cost basis.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	return p.MarketValue().Sub(p.CostBasis)
}

// Trade is one completed round trip, appended to the journal on close.
type Trade struct {
	Instrument  InstrumentCode
	EntryTime   time.Time
	EntryPrice  decimal.Decimal
	ExitTime    time.Time
	ExitPrice   decimal.Decimal
	Quantity    int64
	RealizedPnL decimal.Decimal // (exit-entry)*qty - fees
	FeesTotal   decimal.Decimal // both legs: commission + stamp + transfer
}

// Winning reports whether the trade closed with positive realized P&L.
func (t Trade) Winning() bool {
	return t.RealizedPnL.IsPositive()
}

// EquityPoint is one daily equity-curve sample.
type EquityPoint struct {
	Date   time.Time
	Equity decimal.Decimal
}

// EventKind classifies non-fatal engine events recorded in the result.
type EventKind string

// Event kinds.
const (
	EventSkippedInsufficientCash EventKind = "SKIPPED_INSUFFICIENT_CASH"
	EventPolicyViolation         EventKind = "POLICY_VIOLATION"
	EventNumericAnomaly          EventKind = "NUMERIC_ANOMALY"
	EventBarFetchRetry           EventKind = "BAR_FETCH_RETRY"
	EventSkippedDuplicateBuy     EventKind = "SKIPPED_DUPLICATE_BUY"
	EventSkippedNoPosition       EventKind = "SKIPPED_NO_POSITION"
)

// RunEvent is a recorded non-fatal condition.
type RunEvent struct {
	Kind       EventKind
	Instrument InstrumentCode
	Timestamp  time.Time
	Detail     string
}
