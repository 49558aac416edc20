package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/luwei/quantflow/internal/contracts"
)

func curveOf(equities ...string) []contracts.EquityPoint {
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	out := make([]contracts.EquityPoint, len(equities))
	for i, e := range equities {
		out[i] = contracts.EquityPoint{Date: start.AddDate(0, 0, i), Equity: dec(e)}
	}
	return out
}

func TestComputeMetrics_FlatCurve(t *testing.T) {
	m := ComputeMetrics(dec("100000"), curveOf("100000", "100000", "100000"), nil)

	assert.InDelta(t, 0, m.TotalReturn, 1e-12)
	assert.InDelta(t, 0, m.AnnualizedReturn, 1e-12)
	assert.InDelta(t, 0, m.MaxDrawdown, 1e-12)
	assert.True(t, math.IsNaN(m.Sharpe), "zero variance is undefined")
	assert.True(t, math.IsNaN(m.WinRate))
	assert.Equal(t, 3, m.TradingDays)
}

func TestComputeMetrics_Drawdown(t *testing.T) {
	m := ComputeMetrics(dec("100000"), curveOf("100000", "110000", "99000", "104500"), nil)

	// Peak 110000, trough 99000.
	assert.InDelta(t, 0.1, m.MaxDrawdown, 1e-9)
	assert.InDelta(t, 0.045, m.TotalReturn, 1e-9)
	assert.False(t, math.IsNaN(m.Sharpe))
}

func TestComputeMetrics_Trades(t *testing.T) {
	trades := []contracts.Trade{
		{RealizedPnL: dec("300")},
		{RealizedPnL: dec("-100")},
		{RealizedPnL: dec("100")},
	}

	m := ComputeMetrics(dec("100000"), curveOf("100000", "100300"), trades)

	assert.Equal(t, 3, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 2.0/3.0, m.WinRate, 1e-12)
	assert.InDelta(t, 4.0, m.ProfitFactor, 1e-12)
}

func TestComputeMetrics_NoLossesIsUndefinedProfitFactor(t *testing.T) {
	m := ComputeMetrics(dec("100000"), curveOf("100000", "100300"),
		[]contracts.Trade{{RealizedPnL: dec("300")}})

	assert.True(t, math.IsNaN(m.ProfitFactor))
	assert.InDelta(t, 1.0, m.WinRate, 1e-12)
}

func TestComputeMetrics_EmptyCurve(t *testing.T) {
	m := ComputeMetrics(dec("100000"), nil, nil)

	assert.True(t, math.IsNaN(m.TotalReturn))
	assert.Equal(t, 0, m.TradingDays)
}
