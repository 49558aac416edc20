package backtest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/rebalance"
	"github.com/luwei/quantflow/internal/score"
	"github.com/luwei/quantflow/internal/signal"
	"github.com/luwei/quantflow/internal/store"
	"github.com/luwei/quantflow/pkg/logger"
)

func dayOf(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// mkBar builds a daily bar with high/low stretched to the open/close
// envelope so the OHLC invariants always hold.
func mkBar(inst contracts.InstrumentCode, day time.Time, open, close string) contracts.Bar {
	o, c := dec(open), dec(close)
	return contracts.Bar{
		Instrument: inst,
		Timestamp:  day,
		Open:       o,
		High:       decimal.Max(o, c),
		Low:        decimal.Min(o, c),
		Close:      c,
		Volume:     10_000,
		Amount:     o.Add(c).Div(decimal.NewFromInt(2)).Mul(decimal.NewFromInt(10_000)),
	}
}

func mustStore(t *testing.T, bars []contracts.Bar) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.WriteBars(context.Background(), bars))
	return s
}

func mustRange(t *testing.T, from, to time.Time) contracts.DateRange {
	t.Helper()
	r, err := contracts.NewDateRange(from, to)
	require.NoError(t, err)
	return r
}

func scenarioConfig() contracts.BacktestConfig {
	cfg := contracts.DefaultBacktestConfig()
	cfg.InitialCapital = dec("100000")
	cfg.CommissionRate = dec("0.0003")
	cfg.MinCommission = dec("5")
	cfg.StampTaxRate = dec("0.001")
	cfg.SlippageRate = dec("0.001")
	return cfg
}

// Single instrument, threshold strategy: three positive score days, then
// negative. One round trip, bought near the run-up's start and sold
// near its top.
func TestEngine_ThresholdSingleInstrument(t *testing.T) {
	inst := contracts.InstrumentCode("sh600000")
	closes := []string{"10.00", "10.10", "10.20", "10.30", "10.40", "10.30", "10.20", "10.10", "10.00", "10.10"}
	values := []float64{0.03, 0.03, 0.03, -0.03, -0.03, -0.03, -0.03, -0.03, -0.03, -0.03}

	var bars []contracts.Bar
	var scores []contracts.Score
	start := dayOf(2024, 3, 4)
	for i := range closes {
		day := start.AddDate(0, 0, i)
		bars = append(bars, mkBar(inst, day, closes[i], closes[i]))
		scores = append(scores, contracts.Score{Date: day, Instrument: inst, Value: values[i]})
	}

	table, err := contracts.NewScoreTable(scores)
	require.NoError(t, err)
	adapter, err := signal.NewAdapter(signal.Config{
		Strategy:      signal.StrategyThreshold,
		BuyThreshold:  0.02,
		SellThreshold: -0.02,
	}, table, nil, logger.NewNop())
	require.NoError(t, err)

	engine, err := NewEngine(mustStore(t, bars), adapter, scenarioConfig(), logger.NewNop())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(),
		[]contracts.InstrumentCode{inst},
		mustRange(t, start, start.AddDate(0, 0, 9)),
		contracts.PeriodDay)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.True(t, trade.EntryPrice.Equal(dec("10.01")), "entry %s", trade.EntryPrice)
	assert.True(t, trade.ExitPrice.Equal(dec("10.2897")), "exit %s", trade.ExitPrice)
	assert.True(t, trade.Winning())

	assert.True(t, result.FinalEquity.GreaterThan(dec("100000")),
		"final equity %s", result.FinalEquity)
	assert.Len(t, result.EquityCurve, 10)
	assert.Equal(t, 1, result.Metrics.TotalTrades)
	assert.InDelta(t, 1.0, result.Metrics.WinRate, 1e-12)
}

// topKFixture wires table, index, scheduler, adapter, and engine for
// the three-instrument weekly rebalance scenario.
type topKFixture struct {
	engine    *Engine
	scheduler *rebalance.Scheduler
	dateRange contracts.DateRange
	universe  []contracts.InstrumentCode
}

func newTopKFixture(t *testing.T) *topKFixture {
	t.Helper()

	instA := contracts.InstrumentCode("sh600000")
	instB := contracts.InstrumentCode("sz000001")
	instC := contracts.InstrumentCode("sz000002")
	universe := []contracts.InstrumentCode{instA, instB, instC}

	// Mon 2024-03-04 .. Fri 2024-03-15, ten trading days over two ISO
	// weeks. Week one ranks {A, B}, week two ranks {B, C}.
	var days []time.Time
	for i := 0; i < 12; i++ {
		d := dayOf(2024, 3, 4).AddDate(0, 0, i)
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		days = append(days, d)
	}
	require.Len(t, days, 10)

	var bars []contracts.Bar
	var scores []contracts.Score
	for i, day := range days {
		for _, inst := range universe {
			bars = append(bars, mkBar(inst, day, "10.00", "10.00"))
		}
		if i < 5 {
			scores = append(scores,
				contracts.Score{Date: day, Instrument: instA, Value: 0.9},
				contracts.Score{Date: day, Instrument: instB, Value: 0.8},
				contracts.Score{Date: day, Instrument: instC, Value: 0.1})
		} else {
			scores = append(scores,
				contracts.Score{Date: day, Instrument: instA, Value: 0.1},
				contracts.Score{Date: day, Instrument: instB, Value: 0.9},
				contracts.Score{Date: day, Instrument: instC, Value: 0.8})
		}
	}

	table, err := contracts.NewScoreTable(scores)
	require.NoError(t, err)
	idx := score.NewTopKIndex(table, 2)

	scheduler, err := rebalance.New(rebalance.Config{
		Mode:           rebalance.WeightEqual,
		MaxPositionPct: 0.5,
	}, idx, table, logger.NewNop())
	require.NoError(t, err)

	adapter, err := signal.NewAdapter(signal.Config{Strategy: signal.StrategyTopK}, table, idx, logger.NewNop())
	require.NoError(t, err)

	dateRange := mustRange(t, days[0], days[len(days)-1])

	cfg := scenarioConfig()
	cfg.MaxPositionPct = dec("0.5")

	engine, err := NewEngine(mustStore(t, bars), adapter, cfg, logger.NewNop())
	require.NoError(t, err)
	engine.WithRebalance(scheduler, adapter,
		score.RebalanceDates(table.Dates(), dateRange, contracts.RebalanceWeekly))

	return &topKFixture{
		engine:    engine,
		scheduler: scheduler,
		dateRange: dateRange,
		universe:  universe,
	}
}

func TestEngine_TopKWeeklyRebalance(t *testing.T) {
	f := newTopKFixture(t)

	result, err := f.engine.Run(context.Background(), f.universe, f.dateRange, contracts.PeriodDay)
	require.NoError(t, err)

	// Week two swaps A out for C; the only completed round trip is A.
	require.Len(t, result.Trades, 1)
	assert.Equal(t, contracts.InstrumentCode("sh600000"), result.Trades[0].Instrument)
	assert.Equal(t, dayOf(2024, 3, 11), result.Trades[0].ExitTime)

	assert.Equal(t, []contracts.InstrumentCode{"sz000001", "sz000002"}, f.scheduler.Held())
	assert.Len(t, result.EquityCurve, 10)
}

func TestEngine_NoScoreDaysHold(t *testing.T) {
	inst := contracts.InstrumentCode("sz000001")
	start := dayOf(2024, 3, 4)

	var bars []contracts.Bar
	for i := 0; i < 7; i++ {
		bars = append(bars, mkBar(inst, start.AddDate(0, 0, i), "10.00", "10.00"))
	}

	table, err := contracts.NewScoreTable([]contracts.Score{
		{Date: start, Instrument: inst, Value: 0.03},
		{Date: start.AddDate(0, 0, 2), Instrument: inst, Value: -0.03},
		{Date: start.AddDate(0, 0, 4), Instrument: inst, Value: -0.03},
	})
	require.NoError(t, err)

	adapter, err := signal.NewAdapter(signal.Config{
		Strategy: signal.StrategyThreshold, BuyThreshold: 0.02, SellThreshold: -0.02,
	}, table, nil, logger.NewNop())
	require.NoError(t, err)

	engine, err := NewEngine(mustStore(t, bars), adapter, scenarioConfig(), logger.NewNop())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(),
		[]contracts.InstrumentCode{inst},
		mustRange(t, start, start.AddDate(0, 0, 6)),
		contracts.PeriodDay)
	require.NoError(t, err)

	// Day 1 BUY, day 3 SELL; day 5's SELL finds no position and the
	// score-less days trade nothing.
	require.Len(t, result.Trades, 1)
	assert.Equal(t, start, result.Trades[0].EntryTime)
	assert.Equal(t, start.AddDate(0, 0, 2), result.Trades[0].ExitTime)

	var skipped int
	for _, ev := range result.Events {
		if ev.Kind == contracts.EventSkippedNoPosition {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestEngine_InsufficientCashSkipsBuy(t *testing.T) {
	inst := contracts.InstrumentCode("sz000001")
	day := dayOf(2024, 3, 4)

	table, err := contracts.NewScoreTable([]contracts.Score{
		{Date: day, Instrument: inst, Value: 0.03},
	})
	require.NoError(t, err)

	adapter, err := signal.NewAdapter(signal.Config{
		Strategy: signal.StrategyThreshold, BuyThreshold: 0.02, SellThreshold: -0.02,
	}, table, nil, logger.NewNop())
	require.NoError(t, err)

	cfg := scenarioConfig()
	cfg.InitialCapital = dec("1000")

	engine, err := NewEngine(mustStore(t, []contracts.Bar{mkBar(inst, day, "50.00", "50.00")}),
		adapter, cfg, logger.NewNop())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(),
		[]contracts.InstrumentCode{inst}, mustRange(t, day, day), contracts.PeriodDay)
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	assert.True(t, result.FinalEquity.Equal(dec("1000")))
	require.Len(t, result.Events, 1)
	assert.Equal(t, contracts.EventSkippedInsufficientCash, result.Events[0].Kind)
	assert.Contains(t, result.Events[0].Detail, contracts.ErrInsufficientCash.Error())
}

// A NaN score day holds and is recorded in the run's events; the clean
// days around it still complete the round trip.
func TestEngine_NumericAnomalyRecordsEvent(t *testing.T) {
	inst := contracts.InstrumentCode("sh600000")
	start := dayOf(2024, 3, 4)

	var bars []contracts.Bar
	for i := 0; i < 3; i++ {
		bars = append(bars, mkBar(inst, start.AddDate(0, 0, i), "10.00", "10.00"))
	}

	table, err := contracts.NewScoreTable([]contracts.Score{
		{Date: start, Instrument: inst, Value: math.NaN()},
		{Date: start.AddDate(0, 0, 1), Instrument: inst, Value: 0.03},
		{Date: start.AddDate(0, 0, 2), Instrument: inst, Value: -0.03},
	})
	require.NoError(t, err)

	adapter, err := signal.NewAdapter(signal.Config{
		Strategy: signal.StrategyThreshold, BuyThreshold: 0.02, SellThreshold: -0.02,
	}, table, nil, logger.NewNop())
	require.NoError(t, err)

	engine, err := NewEngine(mustStore(t, bars), adapter, scenarioConfig(), logger.NewNop())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(),
		[]contracts.InstrumentCode{inst},
		mustRange(t, start, start.AddDate(0, 0, 2)),
		contracts.PeriodDay)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, start.AddDate(0, 0, 1), result.Trades[0].EntryTime)

	var anomalies int
	for _, ev := range result.Events {
		if ev.Kind == contracts.EventNumericAnomaly {
			anomalies++
			assert.Equal(t, inst, ev.Instrument)
			assert.Equal(t, start, ev.Timestamp)
		}
	}
	assert.Equal(t, 1, anomalies)
}

// The cash buffer is off limits to fees as well as notional: 90 lots of
// notional fit the investable cash exactly, but commission on top would
// dip into the buffer, so the fill shrinks to 89 lots.
func TestEngine_FeesNeverInvadeCashBuffer(t *testing.T) {
	inst := contracts.InstrumentCode("sz000001")
	start := dayOf(2024, 3, 4)

	cfg := scenarioConfig()
	cfg.SlippageRate = decimal.Zero
	cfg.CashBuffer = dec("0.10")

	bars := []contracts.Bar{
		mkBar(inst, start, "10.00", "10.00"),
		mkBar(inst, start.AddDate(0, 0, 1), "10.00", "10.00"),
	}

	table, err := contracts.NewScoreTable([]contracts.Score{
		{Date: start, Instrument: inst, Value: 0.03},
		{Date: start.AddDate(0, 0, 1), Instrument: inst, Value: -0.03},
	})
	require.NoError(t, err)

	adapter, err := signal.NewAdapter(signal.Config{
		Strategy: signal.StrategyThreshold, BuyThreshold: 0.02, SellThreshold: -0.02,
	}, table, nil, logger.NewNop())
	require.NoError(t, err)

	engine, err := NewEngine(mustStore(t, bars), adapter, cfg, logger.NewNop())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(),
		[]contracts.InstrumentCode{inst},
		mustRange(t, start, start.AddDate(0, 0, 1)),
		contracts.PeriodDay)
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	assert.Equal(t, int64(8900), result.Trades[0].Quantity)

	// 89 lots at 10.00 plus 26.70 commission leaves 10973.30 in cash,
	// clear of the 10000 buffer.
	require.Len(t, result.EquityCurve, 2)
	assert.True(t, result.EquityCurve[0].Equity.Equal(dec("99973.30")),
		"day one equity %s", result.EquityCurve[0].Equity)
}

// Two identical runs must produce identical journals and curves.
func TestEngine_Idempotence(t *testing.T) {
	run := func() *contracts.BacktestResult {
		f := newTopKFixture(t)
		result, err := f.engine.Run(context.Background(), f.universe, f.dateRange, contracts.PeriodDay)
		require.NoError(t, err)
		return result
	}

	a, b := run(), run()

	require.Equal(t, len(a.Trades), len(b.Trades))
	for i := range a.Trades {
		assert.Equal(t, a.Trades[i].Instrument, b.Trades[i].Instrument)
		assert.True(t, a.Trades[i].RealizedPnL.Equal(b.Trades[i].RealizedPnL))
		assert.True(t, a.Trades[i].FeesTotal.Equal(b.Trades[i].FeesTotal))
	}

	require.Equal(t, len(a.EquityCurve), len(b.EquityCurve))
	for i := range a.EquityCurve {
		assert.True(t, a.EquityCurve[i].Date.Equal(b.EquityCurve[i].Date))
		assert.True(t, a.EquityCurve[i].Equity.Equal(b.EquityCurve[i].Equity),
			"day %d: %s vs %s", i, a.EquityCurve[i].Equity, b.EquityCurve[i].Equity)
	}
}

// cancelingProvider cancels the run's context after a fixed number of
// signal consultations.
type cancelingProvider struct {
	inner  contracts.SignalProvider
	cancel context.CancelFunc
	after  int
	seen   int
}

func (p *cancelingProvider) Signal(inst contracts.InstrumentCode, ts time.Time) contracts.TradingSignal {
	p.seen++
	if p.seen == p.after {
		p.cancel()
	}
	return p.inner.Signal(inst, ts)
}

func TestEngine_CancellationKeepsPartialResult(t *testing.T) {
	instA := contracts.InstrumentCode("sh600000")
	instB := contracts.InstrumentCode("sz000001")
	universe := []contracts.InstrumentCode{instA, instB}

	var days []time.Time
	for i := 0; i < 12; i++ {
		d := dayOf(2024, 3, 4).AddDate(0, 0, i)
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		days = append(days, d)
	}

	var bars []contracts.Bar
	var scores []contracts.Score
	for _, day := range days {
		for _, inst := range universe {
			bars = append(bars, mkBar(inst, day, "10.00", "10.00"))
		}
		scores = append(scores,
			contracts.Score{Date: day, Instrument: instA, Value: 0.9},
			contracts.Score{Date: day, Instrument: instB, Value: 0.8})
	}

	table, err := contracts.NewScoreTable(scores)
	require.NoError(t, err)
	idx := score.NewTopKIndex(table, 2)

	scheduler, err := rebalance.New(rebalance.Config{
		Mode: rebalance.WeightEqual, MaxPositionPct: 0.5,
	}, idx, table, logger.NewNop())
	require.NoError(t, err)

	adapter, err := signal.NewAdapter(signal.Config{Strategy: signal.StrategyTopK}, table, idx, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel mid-week-one, after the first rebalance has filled.
	provider := &cancelingProvider{inner: adapter, cancel: cancel, after: 6}

	dateRange := mustRange(t, days[0], days[len(days)-1])
	cfg := scenarioConfig()
	cfg.MaxPositionPct = dec("0.5")

	engine, err := NewEngine(mustStore(t, bars), provider, cfg, logger.NewNop())
	require.NoError(t, err)
	engine.WithRebalance(scheduler, adapter,
		score.RebalanceDates(table.Dates(), dateRange, contracts.RebalanceWeekly))

	result, err := engine.Run(ctx, universe, dateRange, contracts.PeriodDay)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrCanceled)

	require.NotNil(t, result)
	assert.True(t, result.Canceled)

	// Exactly one rebalance happened: both entries held, no round trip
	// completed, and the partial curve stops well short of the range.
	assert.Equal(t, []contracts.InstrumentCode{"sh600000", "sz000001"}, scheduler.Held())
	assert.Empty(t, result.Trades)
	assert.NotEmpty(t, result.EquityCurve)
	assert.Less(t, len(result.EquityCurve), len(days))
	assert.True(t, result.FinalEquity.LessThanOrEqual(dec("100000")))
}

func TestEngine_AllHoldIsFlatCurve(t *testing.T) {
	inst := contracts.InstrumentCode("sz000001")
	start := dayOf(2024, 3, 4)

	var bars []contracts.Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, mkBar(inst, start.AddDate(0, 0, i), "10.00", "10.00"))
	}

	// Scores exist only outside the run's range.
	table, err := contracts.NewScoreTable([]contracts.Score{
		{Date: dayOf(2023, 1, 3), Instrument: inst, Value: 0.5},
	})
	require.NoError(t, err)

	adapter, err := signal.NewAdapter(signal.Config{
		Strategy: signal.StrategyThreshold, BuyThreshold: 0.02, SellThreshold: -0.02,
	}, table, nil, logger.NewNop())
	require.NoError(t, err)

	engine, err := NewEngine(mustStore(t, bars), adapter, scenarioConfig(), logger.NewNop())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(),
		[]contracts.InstrumentCode{inst},
		mustRange(t, start, start.AddDate(0, 0, 4)),
		contracts.PeriodDay)
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	require.Len(t, result.EquityCurve, 5)
	for _, pt := range result.EquityCurve {
		assert.True(t, pt.Equity.Equal(dec("100000")))
	}
}

func TestEngine_CorruptBarIsFatal(t *testing.T) {
	inst := contracts.InstrumentCode("sz000001")
	day := dayOf(2024, 3, 4)

	bad := mkBar(inst, day, "10.00", "10.00")
	bad.High = dec("9.00") // violates high >= max(open, close)

	table, err := contracts.NewScoreTable([]contracts.Score{
		{Date: day, Instrument: inst, Value: 0.0},
	})
	require.NoError(t, err)

	adapter, err := signal.NewAdapter(signal.Config{
		Strategy: signal.StrategyThreshold, BuyThreshold: 0.02, SellThreshold: -0.02,
	}, table, nil, logger.NewNop())
	require.NoError(t, err)

	engine, err := NewEngine(mustStore(t, []contracts.Bar{bad}), adapter, scenarioConfig(), logger.NewNop())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(),
		[]contracts.InstrumentCode{inst}, mustRange(t, day, day), contracts.PeriodDay)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrBarDataInvalid)
	assert.NotNil(t, result)
}

// closeTrackingIterator records whether the engine released it.
type closeTrackingIterator struct {
	bars   []contracts.Bar
	pos    int
	closed bool
}

func (it *closeTrackingIterator) Next(context.Context) bool {
	if it.pos >= len(it.bars) {
		return false
	}
	it.pos++
	return true
}

func (it *closeTrackingIterator) Bar() contracts.Bar { return it.bars[it.pos-1] }
func (it *closeTrackingIterator) Err() error         { return nil }
func (it *closeTrackingIterator) Close() error       { it.closed = true; return nil }

// failingOpenStore hands out tracking iterators until the failing
// instrument is reached.
type failingOpenStore struct {
	failOn contracts.InstrumentCode
	opened []*closeTrackingIterator
}

func (s *failingOpenStore) Bars(_ context.Context, inst contracts.InstrumentCode, _ contracts.DateRange, _ contracts.Period) (contracts.BarIterator, error) {
	if inst == s.failOn {
		return nil, errors.New("connection refused")
	}
	it := &closeTrackingIterator{
		bars: []contracts.Bar{mkBar(inst, dayOf(2024, 3, 4), "10.00", "10.00")},
	}
	s.opened = append(s.opened, it)
	return it, nil
}

func (s *failingOpenStore) Instruments(context.Context, string) ([]contracts.InstrumentCode, error) {
	return nil, nil
}

func (s *failingOpenStore) Members(context.Context, string) ([]contracts.InstrumentCode, error) {
	return nil, nil
}

// A failed open midway through the universe must release the iterators
// already opened for the earlier instruments.
func TestEngine_OpenFailureClosesOpenedIterators(t *testing.T) {
	day := dayOf(2024, 3, 4)

	table, err := contracts.NewScoreTable([]contracts.Score{
		{Date: day, Instrument: "sh600000", Value: 0.0},
	})
	require.NoError(t, err)

	adapter, err := signal.NewAdapter(signal.Config{
		Strategy: signal.StrategyThreshold, BuyThreshold: 0.02, SellThreshold: -0.02,
	}, table, nil, logger.NewNop())
	require.NoError(t, err)

	st := &failingOpenStore{failOn: "sz000001"}
	engine, err := NewEngine(st, adapter, scenarioConfig(), logger.NewNop())
	require.NoError(t, err)

	_, err = engine.Run(context.Background(),
		[]contracts.InstrumentCode{"sh600000", "sz000001"},
		mustRange(t, day, day), contracts.PeriodDay)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrBarFetchFailed)

	require.Len(t, st.opened, 1)
	assert.True(t, st.opened[0].closed)
}
