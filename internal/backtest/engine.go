package backtest

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/pkg/logger"
)

// Rebalancer emits held-set transitions at a rebalance date.
type Rebalancer interface {
	Rebalance(date time.Time) []contracts.RebalanceTransition
}

// TransitionObserver receives the scheduler's transition records.
// Usually the signal adapter.
type TransitionObserver interface {
	ObserveTransitions([]contracts.RebalanceTransition)
}

// Engine drives a bar-by-bar simulation: one time-ordered stream merged
// across the universe, one bar processed atomically, strictly monotone
// in simulated time. Each engine owns its account; the score table,
// top-k index, and config stay shared read-only, so engines with
// disjoint accounts may run in parallel.
type Engine struct {
	store   contracts.BarStore
	signals contracts.SignalProvider
	cfg     contracts.BacktestConfig
	costs   CostModel
	logger  *logger.Logger

	rebalancer     Rebalancer
	observer       TransitionObserver
	rebalanceDates map[time.Time]struct{}
}

// NewEngine creates a backtest engine. The config is validated before
// any I/O happens.
func NewEngine(store contracts.BarStore, signals contracts.SignalProvider, cfg contracts.BacktestConfig, log *logger.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		store:   store,
		signals: signals,
		cfg:     cfg,
		costs:   NewCostModel(cfg),
		logger:  log,
	}, nil
}

// WithRebalance attaches a rebalance scheduler. Before the first bar of
// each listed date, the engine asks the scheduler for transitions and
// forwards them to the observer. Strategies without a held set leave
// this unset.
func (e *Engine) WithRebalance(r Rebalancer, obs TransitionObserver, dates []time.Time) *Engine {
	e.rebalancer = r
	e.observer = obs
	e.rebalanceDates = make(map[time.Time]struct{}, len(dates))
	for _, d := range dates {
		e.rebalanceDates[contracts.NormalizeDate(d)] = struct{}{}
	}
	return e
}

// run carries the mutable state of one engine execution.
type run struct {
	account *Account
	result  *contracts.BacktestResult

	currentDay  time.Time
	retryBudget int
}

// Run executes the simulation over the universe and range. On a fatal
// error or cancellation the partial result accumulated so far is
// returned alongside the error; cancellation finalizes the current bar
// first, so no trade is ever half-settled.
func (e *Engine) Run(ctx context.Context, universe []contracts.InstrumentCode, dateRange contracts.DateRange, period contracts.Period) (*contracts.BacktestResult, error) {
	e.logger.WithFields(map[string]interface{}{
		"universe":        len(universe),
		"from":            dateRange.Start.Format("2006-01-02"),
		"to":              dateRange.End.Format("2006-01-02"),
		"initial_capital": e.cfg.InitialCapital.String(),
	}).Info("Starting backtest")

	startTime := time.Now()

	r := &run{
		account: NewAccount(e.cfg.InitialCapital),
		result: &contracts.BacktestResult{
			RunID:     uuid.NewString(),
			Config:    e.cfg,
			Range:     dateRange,
			CreatedAt: time.Now().UTC(),
		},
		retryBudget: e.cfg.FetchRetryBudget,
	}

	cursors, err := e.openCursors(ctx, r, universe, dateRange, period)
	if err != nil {
		e.finalize(r, startTime)
		return r.result, err
	}
	defer closeCursors(cursors)

	h := &barHeap{}
	heap.Init(h)
	for _, c := range cursors {
		if !c.done {
			heap.Push(h, c)
		}
	}

	for h.Len() > 0 {
		// Cancellation is honored only at the bar boundary.
		if ctx.Err() != nil {
			e.closeDay(r)
			r.result.Canceled = true
			e.finalize(r, startTime)
			return r.result, fmt.Errorf("%w: %v", contracts.ErrCanceled, context.Cause(ctx))
		}

		c := heap.Pop(h).(*barCursor)
		bar := c.cur

		if err := e.step(r, bar); err != nil {
			e.closeDay(r)
			e.finalize(r, startTime)
			return r.result, err
		}

		if err := e.advance(ctx, r, c); err != nil {
			e.closeDay(r)
			if errors.Is(err, contracts.ErrCanceled) {
				r.result.Canceled = true
			}
			e.finalize(r, startTime)
			return r.result, err
		}
		if !c.done {
			heap.Push(h, c)
		}
	}

	e.closeDay(r)
	if e.cfg.FinalLiquidation {
		e.liquidate(r)
	}
	e.finalize(r, startTime)

	return r.result, nil
}

// step processes one bar atomically: day rollover and rebalance, mark
// to close, signal, fill at the open.
func (e *Engine) step(r *run, bar contracts.Bar) error {
	if err := bar.Validate(); err != nil {
		return err
	}

	day := bar.Date()
	if !day.Equal(r.currentDay) {
		e.closeDay(r)
		r.currentDay = day

		if e.rebalancer != nil {
			if _, ok := e.rebalanceDates[day]; ok {
				trs := e.rebalancer.Rebalance(day)
				if e.observer != nil && len(trs) > 0 {
					e.observer.ObserveTransitions(trs)
				}
			}
		}
	}

	r.account.Mark(bar.Instrument, bar.Close)

	sig := e.signals.Signal(bar.Instrument, bar.Timestamp)
	if math.IsNaN(sig.Score) || math.IsInf(sig.Score, 0) {
		e.event(r, contracts.EventNumericAnomaly, bar.Instrument, bar.Timestamp,
			fmt.Sprintf("%v: score %v, holding", contracts.ErrNumericAnomaly, sig.Score))
		return nil
	}

	switch sig.Kind {
	case contracts.SignalBuy:
		if err := e.buy(r, bar, sig); err != nil {
			e.event(r, contracts.EventSkippedInsufficientCash, bar.Instrument, bar.Timestamp, err.Error())
		}
	case contracts.SignalSell:
		e.sell(r, bar)
	}

	return nil
}

// buy opens a position at the bar's open plus slippage, sized by the
// weight policy and rounded down to whole lots. Returns
// ErrInsufficientCash when not even one lot fits the investable cash;
// the caller records the skip and the run continues.
func (e *Engine) buy(r *run, bar contracts.Bar, sig contracts.TradingSignal) error {
	inst := bar.Instrument

	if _, open := r.account.Position(inst); open {
		e.event(r, contracts.EventSkippedDuplicateBuy, inst, bar.Timestamp, "BUY while position open")
		return nil
	}

	equity := r.account.Equity()

	weight := decimal.NewFromFloat(sig.Weight)
	if !weight.IsPositive() {
		weight = e.cfg.MaxPositionPct
	}
	if weight.GreaterThan(e.cfg.MaxPositionPct) {
		e.event(r, contracts.EventPolicyViolation, inst, bar.Timestamp,
			fmt.Sprintf("%v: target weight %s clamped to %s", contracts.ErrPolicyViolation, weight, e.cfg.MaxPositionPct))
		weight = e.cfg.MaxPositionPct
	}

	// Cash held back by the buffer is off limits to notional and fees
	// alike.
	desired := equity.Mul(weight)
	available := r.account.Cash().Sub(equity.Mul(e.cfg.CashBuffer))
	if available.LessThan(desired) {
		desired = available
	}

	fill := e.costs.BuyFillPrice(bar.Open)
	lot := decimal.NewFromInt(e.cfg.LotSize)
	lotCost := fill.Mul(lot)
	if !lotCost.IsPositive() {
		return nil
	}

	lots := desired.Div(lotCost).IntPart()

	// Fees come on top of the notional; shrink until affordable.
	var qty int64
	var notional, costBasis decimal.Decimal
	for ; lots > 0; lots-- {
		qty = lots * e.cfg.LotSize
		notional = fill.Mul(decimal.NewFromInt(qty))
		costBasis = notional.Add(e.costs.BuyFees(inst, notional))
		if costBasis.LessThanOrEqual(available) {
			break
		}
	}

	if lots <= 0 {
		return fmt.Errorf("%w: one lot at %s exceeds investable cash %s",
			contracts.ErrInsufficientCash, fill, available)
	}

	r.account.Open(inst, qty, fill, costBasis, bar.Timestamp)

	e.logger.WithFields(map[string]interface{}{
		"instrument": inst,
		"qty":        qty,
		"fill":       fill.String(),
		"cost":       costBasis.String(),
	}).Debug("Position opened")

	return nil
}

// sell closes the full position at the bar's open minus slippage.
func (e *Engine) sell(r *run, bar contracts.Bar) {
	inst := bar.Instrument

	p, open := r.account.Position(inst)
	if !open {
		e.event(r, contracts.EventSkippedNoPosition, inst, bar.Timestamp, "SELL without position")
		return
	}

	fill := e.costs.SellFillPrice(bar.Open)
	notional := fill.Mul(decimal.NewFromInt(p.Quantity))
	trade := r.account.Close(inst, fill, e.costs.SellFees(inst, notional), bar.Timestamp)

	e.logger.WithFields(map[string]interface{}{
		"instrument": inst,
		"qty":        trade.Quantity,
		"fill":       fill.String(),
		"pnl":        trade.RealizedPnL.String(),
	}).Debug("Position closed")
}

// closeDay appends the finished day's equity sample.
func (e *Engine) closeDay(r *run) {
	if r.currentDay.IsZero() {
		return
	}
	r.result.EquityCurve = append(r.result.EquityCurve, contracts.EquityPoint{
		Date:   r.currentDay,
		Equity: r.account.Equity(),
	})
}

// liquidate closes every open position at its last marked price. Runs
// only when the config requests final liquidation.
func (e *Engine) liquidate(r *run) {
	for inst, p := range r.account.Positions() {
		fill := e.costs.SellFillPrice(p.CurrentPrice)
		notional := fill.Mul(decimal.NewFromInt(p.Quantity))
		r.account.Close(inst, fill, e.costs.SellFees(inst, notional), r.currentDay)
	}
	if len(r.result.EquityCurve) > 0 {
		r.result.EquityCurve[len(r.result.EquityCurve)-1].Equity = r.account.Equity()
	}
}

func (e *Engine) finalize(r *run, startTime time.Time) {
	r.result.Trades = r.account.Trades()
	r.result.FinalEquity = r.account.Equity()
	r.result.Metrics = ComputeMetrics(e.cfg.InitialCapital, r.result.EquityCurve, r.result.Trades)

	e.logger.WithFields(map[string]interface{}{
		"run_id":       r.result.RunID,
		"duration":     time.Since(startTime).Seconds(),
		"trading_days": r.result.Metrics.TradingDays,
		"trades":       r.result.Metrics.TotalTrades,
		"final_equity": r.result.FinalEquity.String(),
		"canceled":     r.result.Canceled,
	}).Info("Backtest finished")
}

func (e *Engine) event(r *run, kind contracts.EventKind, inst contracts.InstrumentCode, ts time.Time, detail string) {
	r.result.Events = append(r.result.Events, contracts.RunEvent{
		Kind:       kind,
		Instrument: inst,
		Timestamp:  ts,
		Detail:     detail,
	})

	e.logger.WithFields(map[string]interface{}{
		"kind":       string(kind),
		"instrument": inst,
		"detail":     detail,
	}).Warn("Engine event")
}

// barCursor is one instrument's position in the merged stream.
type barCursor struct {
	inst contracts.InstrumentCode
	it   contracts.BarIterator
	cur  contracts.Bar
	done bool
}

// openCursors opens one bar iterator per instrument and primes each
// with its first bar. On error every iterator opened so far is closed.
func (e *Engine) openCursors(ctx context.Context, r *run, universe []contracts.InstrumentCode, dateRange contracts.DateRange, period contracts.Period) ([]*barCursor, error) {
	cursors := make([]*barCursor, 0, len(universe))
	for _, inst := range universe {
		it, err := e.store.Bars(ctx, inst, dateRange, period)
		if err != nil {
			closeCursors(cursors)
			return nil, fmt.Errorf("%w: open bars for %s: %v", contracts.ErrBarFetchFailed, inst, err)
		}

		c := &barCursor{inst: inst, it: it}
		cursors = append(cursors, c)
		if err := e.advance(ctx, r, c); err != nil {
			closeCursors(cursors)
			return nil, err
		}
	}
	return cursors, nil
}

func closeCursors(cursors []*barCursor) {
	for _, c := range cursors {
		_ = c.it.Close()
	}
}

// advance pulls the cursor's next bar under the per-call deadline.
// Fetch failures burn the shared per-run retry budget and are recorded;
// past the budget the run fails.
func (e *Engine) advance(ctx context.Context, r *run, c *barCursor) error {
	for {
		fctx := ctx
		cancel := context.CancelFunc(func() {})
		if e.cfg.BarFetchTimeout > 0 {
			fctx, cancel = context.WithTimeout(ctx, e.cfg.BarFetchTimeout)
		}
		ok := c.it.Next(fctx)
		cancel()

		if ok {
			c.cur = c.it.Bar()
			return nil
		}

		err := c.it.Err()
		if err == nil {
			c.done = true
			return nil
		}

		// A canceled parent context is a cancel, not a fetch failure.
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", contracts.ErrCanceled, context.Cause(ctx))
		}

		kind := contracts.ErrBarFetchFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, contracts.ErrBarFetchTimeout) {
			kind = contracts.ErrBarFetchTimeout
		}

		if r.retryBudget <= 0 {
			return fmt.Errorf("%w: retry budget exhausted for %s: %v", kind, c.inst, err)
		}
		r.retryBudget--
		e.event(r, contracts.EventBarFetchRetry, c.inst, r.currentDay,
			fmt.Sprintf("fetch failed, %d retries left: %v", r.retryBudget, err))
	}
}

// barHeap orders cursors by bar timestamp, ties broken by instrument
// code, so the merged stream is deterministic.
type barHeap []*barCursor

func (h barHeap) Len() int { return len(h) }

func (h barHeap) Less(i, j int) bool {
	if !h[i].cur.Timestamp.Equal(h[j].cur.Timestamp) {
		return h[i].cur.Timestamp.Before(h[j].cur.Timestamp)
	}
	return h[i].inst < h[j].inst
}

func (h barHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *barHeap) Push(x any) { *h = append(*h, x.(*barCursor)) }

func (h *barHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}
