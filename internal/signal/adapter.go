package signal

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/score"
	"github.com/luwei/quantflow/pkg/logger"
)

// Strategy selects how scores translate to trading decisions.
type Strategy string

// Recognized strategies.
const (
	StrategyThreshold  Strategy = "threshold"
	StrategyTopK       Strategy = "top_k"
	StrategyPercentile Strategy = "percentile"
)

// Config is the adapter configuration for one run.
type Config struct {
	Strategy Strategy

	// threshold strategy
	BuyThreshold  float64
	SellThreshold float64

	// percentile strategy: buy at >= Pth percentile of the day's
	// scores, sell at <= (100-P)th.
	Percentile float64

	Bands StrengthBands
}

// Validate checks the strategy configuration.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyThreshold:
		if c.BuyThreshold <= c.SellThreshold {
			return fmt.Errorf("%w: buy threshold %v must exceed sell threshold %v",
				contracts.ErrConfigInvalid, c.BuyThreshold, c.SellThreshold)
		}
	case StrategyTopK:
	case StrategyPercentile:
		if c.Percentile <= 50 || c.Percentile > 100 {
			return fmt.Errorf("%w: percentile must be in (50, 100], got %v",
				contracts.ErrConfigInvalid, c.Percentile)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", contracts.ErrConfigInvalid, c.Strategy)
	}
	return nil
}

// cutoffs are the memoized per-date percentile boundaries.
type cutoffs struct {
	buy  float64
	sell float64
	ok   bool
}

// Adapter converts the shared score table plus a stream of bars for one
// or more instruments into per-bar trading signals. One adapter belongs
// to one engine run; the table and top-k index stay shared read-only.
type Adapter struct {
	cfg    Config
	table  *contracts.ScoreTable
	topk   *score.TopKIndex
	logger *logger.Logger

	mu sync.Mutex
	// Lazily memoized per-instrument sub-index into the shared table.
	perInst map[contracts.InstrumentCode]map[time.Time]contracts.Score
	// Pending top_k transitions keyed by instrument, replaced at each
	// rebalance date observed.
	pending map[contracts.InstrumentCode]contracts.RebalanceTransition
	// Per-date percentile cutoffs.
	cuts map[time.Time]cutoffs
	// Once-per-(instrument,date) anomaly warnings.
	warned map[string]struct{}
}

// NewAdapter creates a signal adapter. topk may be nil for strategies
// that do not use it.
func NewAdapter(cfg Config, table *contracts.ScoreTable, topk *score.TopKIndex, log *logger.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Strategy == StrategyTopK && topk == nil {
		return nil, fmt.Errorf("%w: top_k strategy requires a top-k index", contracts.ErrConfigInvalid)
	}

	return &Adapter{
		cfg:     cfg,
		table:   table,
		topk:    topk,
		logger:  log,
		perInst: make(map[contracts.InstrumentCode]map[time.Time]contracts.Score),
		pending: make(map[contracts.InstrumentCode]contracts.RebalanceTransition),
		cuts:    make(map[time.Time]cutoffs),
		warned:  make(map[string]struct{}),
	}, nil
}

// ObserveTransitions feeds the scheduler's held-set changes for a
// rebalance date. Only the top_k strategy consumes them; pending
// transitions persist until a bar consumes them or the next rebalance
// replaces them.
func (a *Adapter) ObserveTransitions(transitions []contracts.RebalanceTransition) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, tr := range transitions {
		a.pending[tr.Instrument] = tr
	}
}

// Signal decides BUY/SELL/HOLD for one instrument at one bar timestamp.
// The bar timestamp may carry time-of-day; scores are keyed by date
// only, and a missing score for the bar's date is a HOLD, not an error.
func (a *Adapter) Signal(inst contracts.InstrumentCode, ts time.Time) contracts.TradingSignal {
	date := contracts.NormalizeDate(ts)

	if a.cfg.Strategy == StrategyTopK {
		return a.topKSignal(inst, ts, date)
	}

	s, ok := a.lookup(inst, date)
	if !ok {
		return contracts.Hold(inst, ts)
	}

	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		a.warnAnomaly(inst, date, s.Value)
		return anomalousHold(inst, ts, s.Value)
	}

	var kind contracts.SignalKind
	switch a.cfg.Strategy {
	case StrategyThreshold:
		kind = a.thresholdKind(s.Value)
	case StrategyPercentile:
		kind = a.percentileKind(date, s.Value)
	default:
		kind = contracts.SignalHold
	}

	if kind == contracts.SignalHold {
		return contracts.Hold(inst, ts)
	}

	return contracts.TradingSignal{
		Instrument: inst,
		Timestamp:  ts,
		Kind:       kind,
		Strength:   a.cfg.Bands.Classify(s.Value),
		Score:      s.Value,
	}
}

// lookup consults the memoized per-instrument sub-index, building it on
// first use. The sub-index is append-only for the run.
func (a *Adapter) lookup(inst contracts.InstrumentCode, date time.Time) (contracts.Score, bool) {
	a.mu.Lock()
	idx, ok := a.perInst[inst]
	if !ok {
		idx = a.table.ForInstrument(inst)
		if idx == nil {
			idx = map[time.Time]contracts.Score{}
		}
		a.perInst[inst] = idx
	}
	a.mu.Unlock()

	s, ok := idx[date]
	return s, ok
}

func (a *Adapter) thresholdKind(value float64) contracts.SignalKind {
	switch {
	case value > a.cfg.BuyThreshold:
		return contracts.SignalBuy
	case value < a.cfg.SellThreshold:
		return contracts.SignalSell
	default:
		return contracts.SignalHold
	}
}

// percentileKind compares the score against the day's cross-sectional
// percentile cutoffs, computed once per date.
func (a *Adapter) percentileKind(date time.Time, value float64) contracts.SignalKind {
	cut := a.dayCutoffs(date)
	if !cut.ok {
		return contracts.SignalHold
	}

	switch {
	case value >= cut.buy:
		return contracts.SignalBuy
	case value <= cut.sell:
		return contracts.SignalSell
	default:
		return contracts.SignalHold
	}
}

func (a *Adapter) dayCutoffs(date time.Time) cutoffs {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cut, ok := a.cuts[date]; ok {
		return cut
	}

	day := a.table.On(date)
	values := make([]float64, 0, len(day))
	for _, s := range day {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		values = append(values, s.Value)
	}

	var cut cutoffs
	if len(values) > 0 {
		sort.Float64s(values)
		cut = cutoffs{
			buy:  percentileOf(values, a.cfg.Percentile),
			sell: percentileOf(values, 100-a.cfg.Percentile),
			ok:   true,
		}
	}

	a.cuts[date] = cut
	return cut
}

// percentileOf returns the nearest-rank percentile of sorted values.
func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// topKSignal consumes a pending transition for the instrument when its
// date has arrived. Predictions indexed at T never act on bars whose
// normalized date precedes T.
func (a *Adapter) topKSignal(inst contracts.InstrumentCode, ts time.Time, date time.Time) contracts.TradingSignal {
	a.mu.Lock()
	tr, ok := a.pending[inst]
	if ok {
		delete(a.pending, inst)
	}
	a.mu.Unlock()

	if !ok {
		return contracts.Hold(inst, ts)
	}

	if math.IsNaN(tr.Score) || math.IsInf(tr.Score, 0) {
		a.warnAnomaly(inst, date, tr.Score)
		return anomalousHold(inst, ts, tr.Score)
	}

	return contracts.TradingSignal{
		Instrument: inst,
		Timestamp:  ts,
		Kind:       tr.Kind,
		Strength:   a.cfg.Bands.Classify(tr.Score),
		Score:      tr.Score,
		Weight:     tr.Weight,
	}
}

// anomalousHold is a HOLD that keeps the NaN/Inf score on the signal,
// so the engine can record the anomaly in the run's events.
func anomalousHold(inst contracts.InstrumentCode, ts time.Time, value float64) contracts.TradingSignal {
	sig := contracts.Hold(inst, ts)
	sig.Score = value
	return sig
}

// warnAnomaly logs a NaN/Inf score once per (instrument, date).
func (a *Adapter) warnAnomaly(inst contracts.InstrumentCode, date time.Time, value float64) {
	key := string(inst) + "@" + date.Format("2006-01-02")

	a.mu.Lock()
	_, seen := a.warned[key]
	if !seen {
		a.warned[key] = struct{}{}
	}
	a.mu.Unlock()

	if seen {
		return
	}

	a.logger.WithError(contracts.ErrNumericAnomaly).WithFields(map[string]interface{}{
		"instrument": inst,
		"date":       date.Format("2006-01-02"),
		"score":      fmt.Sprintf("%v", value),
	}).Warn("Numeric anomaly in score, holding")
}
