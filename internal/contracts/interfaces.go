package contracts

import (
	"context"
	"time"
)

// BarStore serves ordered historical bars. Implementations must be
// safely concurrently readable; absence of a backend is a configuration
// error detected at startup, never a nil substitute.
type BarStore interface {
	// Bars streams bars for one instrument over a range in
	// chronological order.
	Bars(ctx context.Context, inst InstrumentCode, r DateRange, p Period) (BarIterator, error)

	// Instruments lists known instruments for a market prefix
	// (empty market = all).
	Instruments(ctx context.Context, market string) ([]InstrumentCode, error)

	// Members lists the constituents of a named index.
	Members(ctx context.Context, indexName string) ([]InstrumentCode, error)
}

// BarWriter is the write side used by collectors.
type BarWriter interface {
	WriteBars(ctx context.Context, bars []Bar) error
	WriteMembers(ctx context.Context, indexName string, members []InstrumentCode) error
}

// ScoreLoader materializes a score table from a serialized artifact.
type ScoreLoader interface {
	Load(ctx context.Context, path string) (*ScoreTable, error)
}

// SignalProvider is the engine's view of the signal adapter: one
// decision per (instrument, bar).
type SignalProvider interface {
	Signal(inst InstrumentCode, ts time.Time) TradingSignal
}

// ResultStore persists and retrieves backtest result artifacts.
type ResultStore interface {
	Save(ctx context.Context, result *BacktestResult) (string, error)
	Load(ctx context.Context, id string) (*BacktestResult, error)
	List(ctx context.Context) ([]string, error)
}
