package commands

import (
	"fmt"
	"math"
	"strings"

	"github.com/luwei/quantflow/internal/contracts"
)

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Printf("✅ %s\n", message)
}

// PrintError prints an error message
func PrintError(message string) {
	fmt.Printf("❌ %s\n", message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Printf("⚠️  %s\n", message)
}

// pct formats a ratio as a signed percentage, "n/a" when undefined.
func pct(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%+.2f%%", v*100)
}

// ratioOrNA formats a plain ratio, "n/a" when undefined.
func ratioOrNA(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", v)
}

// printRunResult prints the end-of-run report.
func printRunResult(result *contracts.BacktestResult) {
	fmt.Println()
	if result.Canceled {
		PrintWarning("Backtest canceled - partial result")
	} else {
		PrintSuccess("Backtest completed")
	}
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	fmt.Println("📊 Summary")
	fmt.Printf("Run ID:  %s\n", result.RunID)
	fmt.Printf("Period:  %s ~ %s (%d trading days)\n",
		result.Range.Start.Format("2006-01-02"),
		result.Range.End.Format("2006-01-02"),
		result.Metrics.TradingDays)
	if result.Config.StrategyHash != "" {
		fmt.Printf("Strategy: %s\n", result.Config.StrategyHash[:12])
	}
	fmt.Println()

	fmt.Println("💰 Performance")
	fmt.Printf("Initial Capital: %s\n", result.Config.InitialCapital.StringFixed(2))
	fmt.Printf("Final Equity:    %s\n", result.FinalEquity.StringFixed(2))
	fmt.Printf("Total Return:    %s\n", pct(result.Metrics.TotalReturn))
	fmt.Printf("Annual Return:   %s\n", pct(result.Metrics.AnnualizedReturn))
	fmt.Println()

	fmt.Println("📉 Risk")
	fmt.Printf("Max Drawdown:    %s\n", pct(result.Metrics.MaxDrawdown))
	fmt.Printf("Sharpe Ratio:    %s\n", ratioOrNA(result.Metrics.Sharpe))
	fmt.Println()

	fmt.Println("💹 Trading")
	fmt.Printf("Total Trades:    %d\n", result.Metrics.TotalTrades)
	fmt.Printf("Winning Trades:  %d\n", result.Metrics.WinningTrades)
	fmt.Printf("Losing Trades:   %d\n", result.Metrics.LosingTrades)
	fmt.Printf("Win Rate:        %s\n", pct(result.Metrics.WinRate))
	fmt.Printf("Profit Factor:   %s\n", ratioOrNA(result.Metrics.ProfitFactor))
	fmt.Println()

	if len(result.Events) > 0 {
		fmt.Printf("⚠️  Events: %d\n", len(result.Events))
		counts := make(map[contracts.EventKind]int)
		for _, e := range result.Events {
			counts[e.Kind]++
		}
		for kind, n := range counts {
			fmt.Printf("   • %s: %d\n", kind, n)
		}
		fmt.Println()
	}

	// Equity curve tail.
	if len(result.EquityCurve) > 0 {
		fmt.Println("📈 Equity Curve (Last 10 Days)")
		start := len(result.EquityCurve) - 10
		if start < 0 {
			start = 0
		}
		for _, point := range result.EquityCurve[start:] {
			fmt.Printf("%s: %s\n",
				point.Date.Format("2006-01-02"),
				point.Equity.StringFixed(2))
		}
		fmt.Println()
	}
}
