package contracts

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RebalancePeriod selects how rebalance dates are derived.
type RebalancePeriod string

// Rebalance periods.
const (
	RebalanceDaily   RebalancePeriod = "DAY"
	RebalanceWeekly  RebalancePeriod = "WEEK"
	RebalanceMonthly RebalancePeriod = "MONTH"
)

// ParseRebalancePeriod validates a period string.
func ParseRebalancePeriod(s string) (RebalancePeriod, error) {
	p := RebalancePeriod(s)
	switch p {
	case RebalanceDaily, RebalanceWeekly, RebalanceMonthly:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown rebalance period %q", ErrConfigInvalid, s)
}

// BacktestConfig is the full A-share cost and sizing model for one run.
// Shared read-only across any number of concurrent engines.
type BacktestConfig struct {
	InitialCapital  decimal.Decimal
	CommissionRate  decimal.Decimal // per leg
	MinCommission   decimal.Decimal // per leg floor
	StampTaxRate    decimal.Decimal // sell leg only
	TransferFeeRate decimal.Decimal // sh instruments only
	SlippageRate    decimal.Decimal // buy +, sell -
	MaxPositionPct  decimal.Decimal // single-position weight cap
	LotSize         int64           // 100 for A-shares
	CashBuffer      decimal.Decimal // fraction of equity kept uninvested

	// FinalLiquidation closes all open positions at the final bar's
	// close. Off by default: unclosed positions are marked to market
	// in the equity curve but kept open.
	FinalLiquidation bool

	// Runtime limits.
	BarFetchTimeout  time.Duration
	FetchRetryBudget int

	// Reproducibility metadata recorded in the artifact.
	StrategyHash string
	RandomSeed   int64
}

// Validate checks the config before any I/O happens.
func (c BacktestConfig) Validate() error {
	if !c.InitialCapital.IsPositive() {
		return fmt.Errorf("%w: initial capital must be positive", ErrConfigInvalid)
	}
	if c.CommissionRate.IsNegative() || c.StampTaxRate.IsNegative() ||
		c.TransferFeeRate.IsNegative() || c.SlippageRate.IsNegative() {
		return fmt.Errorf("%w: cost rates must be non-negative", ErrConfigInvalid)
	}
	if c.LotSize <= 0 {
		return fmt.Errorf("%w: lot size must be positive", ErrConfigInvalid)
	}
	if c.MaxPositionPct.IsNegative() || c.MaxPositionPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: max position pct must be within [0, 1]", ErrConfigInvalid)
	}
	if c.CashBuffer.IsNegative() || c.CashBuffer.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: cash buffer must be within [0, 1)", ErrConfigInvalid)
	}
	if c.FetchRetryBudget < 0 {
		return fmt.Errorf("%w: fetch retry budget must be >= 0", ErrConfigInvalid)
	}
	return nil
}

// DefaultBacktestConfig returns the standard A-share cost model.
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		InitialCapital:   decimal.NewFromInt(100_000),
		CommissionRate:   decimal.NewFromFloat(0.0003),
		MinCommission:    decimal.NewFromInt(5),
		StampTaxRate:     decimal.NewFromFloat(0.001),
		TransferFeeRate:  decimal.NewFromFloat(0.00001),
		SlippageRate:     decimal.NewFromFloat(0.001),
		MaxPositionPct:   decimal.NewFromInt(1),
		LotSize:          LotSize,
		CashBuffer:       decimal.Zero,
		FinalLiquidation: false,
		BarFetchTimeout:  10 * time.Second,
		FetchRetryBudget: 20,
		RandomSeed:       42,
	}
}

// Metrics are the end-of-run statistics. Ratios use float64; NaN marks
// an undefined value (zero variance, no losses, too few samples).
type Metrics struct {
	TotalReturn      float64
	AnnualizedReturn float64
	MaxDrawdown      float64
	Sharpe           float64
	WinRate          float64
	ProfitFactor     float64

	TradingDays   int
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
}

// BacktestResult is the final record of one run, transferred to the
// caller on completion (including partial completion on cancel).
type BacktestResult struct {
	RunID       string
	Config      BacktestConfig
	Range       DateRange
	Trades      []Trade
	EquityCurve []EquityPoint
	Events      []RunEvent
	Metrics     Metrics

	FinalEquity decimal.Decimal
	Canceled    bool
	CreatedAt   time.Time
}
