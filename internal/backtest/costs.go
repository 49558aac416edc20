package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/luwei/quantflow/internal/contracts"
)

var one = decimal.NewFromInt(1)

// CostModel applies the A-share fee schedule per leg. All arithmetic is
// decimal; the model itself is stateless and shared across engines.
type CostModel struct {
	cfg contracts.BacktestConfig
}

// NewCostModel builds a cost model from a validated config.
func NewCostModel(cfg contracts.BacktestConfig) CostModel {
	return CostModel{cfg: cfg}
}

// BuyFillPrice is the effective buy price: open * (1 + slippage).
func (m CostModel) BuyFillPrice(open decimal.Decimal) decimal.Decimal {
	return open.Mul(one.Add(m.cfg.SlippageRate))
}

// SellFillPrice is the effective sell price: open * (1 - slippage).
func (m CostModel) SellFillPrice(open decimal.Decimal) decimal.Decimal {
	return open.Mul(one.Sub(m.cfg.SlippageRate))
}

// Commission is max(notional * rate, min commission).
func (m CostModel) Commission(notional decimal.Decimal) decimal.Decimal {
	c := notional.Mul(m.cfg.CommissionRate)
	if c.LessThan(m.cfg.MinCommission) {
		return m.cfg.MinCommission
	}
	return c
}

// BuyFees is the total fee load on a buy leg: commission plus the
// Shanghai transfer fee where it applies.
func (m CostModel) BuyFees(inst contracts.InstrumentCode, notional decimal.Decimal) decimal.Decimal {
	fees := m.Commission(notional)
	if inst.IsShanghai() {
		fees = fees.Add(notional.Mul(m.cfg.TransferFeeRate))
	}
	return fees
}

// SellFees is the total fee load on a sell leg: commission, stamp tax,
// and the Shanghai transfer fee where it applies.
func (m CostModel) SellFees(inst contracts.InstrumentCode, notional decimal.Decimal) decimal.Decimal {
	fees := m.Commission(notional).Add(notional.Mul(m.cfg.StampTaxRate))
	if inst.IsShanghai() {
		fees = fees.Add(notional.Mul(m.cfg.TransferFeeRate))
	}
	return fees
}
