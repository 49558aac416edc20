package backtest

import (
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/luwei/quantflow/internal/contracts"
)

const tradingDaysPerYear = 252

// ComputeMetrics aggregates end-of-run statistics from the engine's
// emitted streams. Ratios use float64; NaN marks an undefined value
// (zero variance, no trades, no losses, too few samples).
func ComputeMetrics(initial decimal.Decimal, curve []contracts.EquityPoint, trades []contracts.Trade) contracts.Metrics {
	m := contracts.Metrics{
		TotalReturn:      math.NaN(),
		AnnualizedReturn: math.NaN(),
		MaxDrawdown:      0,
		Sharpe:           math.NaN(),
		WinRate:          math.NaN(),
		ProfitFactor:     math.NaN(),
		TradingDays:      len(curve),
		TotalTrades:      len(trades),
	}

	if len(curve) > 0 && initial.IsPositive() {
		final := curve[len(curve)-1].Equity
		m.TotalReturn = final.Div(initial).InexactFloat64() - 1
		m.AnnualizedReturn = math.Pow(1+m.TotalReturn, tradingDaysPerYear/float64(len(curve))) - 1
		m.MaxDrawdown = maxDrawdown(curve)
		m.Sharpe = sharpe(curve)
	}

	gains, losses := 0.0, 0.0
	for _, t := range trades {
		pnl := t.RealizedPnL.InexactFloat64()
		if t.Winning() {
			m.WinningTrades++
			gains += pnl
		} else {
			m.LosingTrades++
			losses += pnl
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	}
	if losses < 0 {
		m.ProfitFactor = gains / math.Abs(losses)
	}

	return m
}

// maxDrawdown is the maximum observed (peak - equity) / peak.
func maxDrawdown(curve []contracts.EquityPoint) float64 {
	maxDD := 0.0
	peak := curve[0].Equity

	for _, pt := range curve {
		if pt.Equity.GreaterThan(peak) {
			peak = pt.Equity
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(pt.Equity).Div(peak).InexactFloat64()
		if dd > maxDD {
			maxDD = dd
		}
	}

	return maxDD
}

// sharpe is mean(daily returns) / stddev(daily returns) * sqrt(252)
// with a risk-free rate of zero. Undefined for fewer than two samples
// or zero variance.
func sharpe(curve []contracts.EquityPoint) float64 {
	if len(curve) < 3 {
		return math.NaN()
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if !prev.IsPositive() {
			return math.NaN()
		}
		returns = append(returns, curve[i].Equity.Div(prev).InexactFloat64()-1)
	}

	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return math.NaN()
	}

	return mean / std * math.Sqrt(tradingDaysPerYear)
}
