package strategyconfig

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/rebalance"
	"github.com/luwei/quantflow/internal/signal"
)

// Config is the full declarative strategy: universe, signal rule,
// rebalance policy, and cost model. One YAML file is one strategy; its
// hash is recorded in every result artifact it produces.
type Config struct {
	Meta      Meta      `yaml:"meta" json:"meta"`
	Universe  Universe  `yaml:"universe" json:"universe"`
	Signal    Signal    `yaml:"signal" json:"signal"`
	Rebalance Rebalance `yaml:"rebalance" json:"rebalance"`
	Costs     Costs     `yaml:"costs" json:"costs"`
}

// Meta identifies the strategy.
type Meta struct {
	StrategyID string `yaml:"strategy_id" json:"strategy_id"`
	Version    string `yaml:"version" json:"version"`
}

// Universe selects the instruments a run considers.
type Universe struct {
	Index          string   `yaml:"index" json:"index"`
	Instruments    []string `yaml:"instruments" json:"instruments"`
	MaxInstruments int      `yaml:"max_instruments" json:"max_instruments"`
}

// Signal is the score-to-decision rule.
type Signal struct {
	Strategy      string  `yaml:"strategy" json:"strategy"` // threshold | top_k | percentile
	BuyThreshold  float64 `yaml:"buy_threshold" json:"buy_threshold"`
	SellThreshold float64 `yaml:"sell_threshold" json:"sell_threshold"`
	Percentile    float64 `yaml:"percentile" json:"percentile"`
	Bands         Bands   `yaml:"strength_bands" json:"strength_bands"`
}

// Bands are the |score| boundaries for signal strength. Optional.
type Bands struct {
	Weak   float64 `yaml:"weak" json:"weak"`
	Strong float64 `yaml:"strong" json:"strong"`
}

// Rebalance is the held-set policy for the top_k strategy.
type Rebalance struct {
	Period         string  `yaml:"period" json:"period"` // DAY | WEEK | MONTH
	TopK           int     `yaml:"top_k" json:"top_k"`
	Weighting      string  `yaml:"weighting" json:"weighting"` // equal | score_weighted
	MaxPositionPct float64 `yaml:"max_position_pct" json:"max_position_pct"`
}

// Costs is the A-share cost model. Rates are decimal strings so the
// strategy hash is stable across platforms.
type Costs struct {
	InitialCapital   string `yaml:"initial_capital" json:"initial_capital"`
	CommissionRate   string `yaml:"commission_rate" json:"commission_rate"`
	MinCommission    string `yaml:"min_commission" json:"min_commission"`
	StampTaxRate     string `yaml:"stamp_tax_rate" json:"stamp_tax_rate"`
	TransferFeeRate  string `yaml:"transfer_fee_rate" json:"transfer_fee_rate"`
	SlippageRate     string `yaml:"slippage_rate" json:"slippage_rate"`
	CashBuffer       string `yaml:"cash_buffer" json:"cash_buffer"`
	FinalLiquidation bool   `yaml:"final_liquidation" json:"final_liquidation"`
}

// Validate checks the declarative strategy before anything is built
// from it.
func Validate(cfg *Config) error {
	if cfg.Meta.StrategyID == "" {
		return fmt.Errorf("%w: meta.strategy_id is required", contracts.ErrConfigInvalid)
	}

	if _, err := cfg.SignalConfig(); err != nil {
		return err
	}

	if cfg.Signal.Strategy == string(signal.StrategyTopK) {
		if cfg.Rebalance.TopK <= 0 {
			return fmt.Errorf("%w: rebalance.top_k must be positive for the top_k strategy", contracts.ErrConfigInvalid)
		}
		if _, err := contracts.ParseRebalancePeriod(cfg.Rebalance.Period); err != nil {
			return err
		}
		if _, err := cfg.SchedulerConfig(); err != nil {
			return err
		}
	}

	if _, err := cfg.BacktestConfig(); err != nil {
		return err
	}

	return nil
}

// SignalConfig converts the signal section for the adapter.
func (c *Config) SignalConfig() (signal.Config, error) {
	cfg := signal.Config{
		Strategy:      signal.Strategy(c.Signal.Strategy),
		BuyThreshold:  c.Signal.BuyThreshold,
		SellThreshold: c.Signal.SellThreshold,
		Percentile:    c.Signal.Percentile,
		Bands: signal.StrengthBands{
			Weak:   c.Signal.Bands.Weak,
			Strong: c.Signal.Bands.Strong,
		},
	}
	return cfg, cfg.Validate()
}

// SchedulerConfig converts the rebalance section for the scheduler.
func (c *Config) SchedulerConfig() (rebalance.Config, error) {
	mode := rebalance.WeightMode(c.Rebalance.Weighting)
	if c.Rebalance.Weighting == "" {
		mode = rebalance.WeightEqual
	}

	maxPct := c.Rebalance.MaxPositionPct
	if maxPct == 0 {
		maxPct = 1
	}

	cfg := rebalance.Config{Mode: mode, MaxPositionPct: maxPct}
	return cfg, cfg.Validate()
}

// BacktestConfig converts the costs section, with the standard A-share
// model filling any omitted value.
func (c *Config) BacktestConfig() (contracts.BacktestConfig, error) {
	cfg := contracts.DefaultBacktestConfig()

	set := func(dst *decimal.Decimal, raw, field string) error {
		if raw == "" {
			return nil
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%w: costs.%s %q is not a decimal", contracts.ErrConfigInvalid, field, raw)
		}
		*dst = d
		return nil
	}

	if err := set(&cfg.InitialCapital, c.Costs.InitialCapital, "initial_capital"); err != nil {
		return cfg, err
	}
	if err := set(&cfg.CommissionRate, c.Costs.CommissionRate, "commission_rate"); err != nil {
		return cfg, err
	}
	if err := set(&cfg.MinCommission, c.Costs.MinCommission, "min_commission"); err != nil {
		return cfg, err
	}
	if err := set(&cfg.StampTaxRate, c.Costs.StampTaxRate, "stamp_tax_rate"); err != nil {
		return cfg, err
	}
	if err := set(&cfg.TransferFeeRate, c.Costs.TransferFeeRate, "transfer_fee_rate"); err != nil {
		return cfg, err
	}
	if err := set(&cfg.SlippageRate, c.Costs.SlippageRate, "slippage_rate"); err != nil {
		return cfg, err
	}
	if err := set(&cfg.CashBuffer, c.Costs.CashBuffer, "cash_buffer"); err != nil {
		return cfg, err
	}

	cfg.FinalLiquidation = c.Costs.FinalLiquidation
	if c.Rebalance.MaxPositionPct > 0 {
		cfg.MaxPositionPct = decimal.NewFromFloat(c.Rebalance.MaxPositionPct)
	}

	return cfg, cfg.Validate()
}
