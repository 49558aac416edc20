package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/strategyconfig"
	"github.com/luwei/quantflow/internal/workflow"
)

// backtestCmd represents the backtest command
var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run an ad-hoc backtest from flags",
	Long: `Runs a backtest without a strategy file. The strategy is assembled
from flags: --top-k selects the top-k rebalancing strategy, otherwise
score thresholds drive entries and exits. Costs use the standard
A-share model unless overridden.

Example:
  go run ./cmd/quantflow backtest --predictions scores.qfsc --from 2024-01-01 --to 2024-06-30
  go run ./cmd/quantflow backtest --predictions scores.csv --from 2024-01-01 --top-k 10 --rebalance WEEK
  go run ./cmd/quantflow backtest --predictions scores.qfsc --from 2024-01-01 --initial-capital 1000000 --stocks sh600000,sz000001`,
	RunE: runBacktest,
}

var (
	backtestPredictions string
	backtestFrom        string
	backtestTo          string
	backtestCapital     string
	backtestTopK        int
	backtestRebalance   string
	backtestBuy         float64
	backtestSell        float64
	backtestMaxPos      float64
	backtestIndex       string
	backtestStocks      []string
	backtestMaxStocks   int
	backtestLiquidate   bool
)

func init() {
	rootCmd.AddCommand(backtestCmd)

	backtestCmd.Flags().StringVar(&backtestPredictions, "predictions", "", "score artifact path (required)")
	backtestCmd.Flags().StringVar(&backtestFrom, "from", "", "start date (YYYY-MM-DD, required)")
	backtestCmd.Flags().StringVar(&backtestTo, "to", "", "end date (YYYY-MM-DD, default: today)")
	backtestCmd.Flags().StringVar(&backtestCapital, "initial-capital", "", "initial capital (decimal, default: 100000)")
	backtestCmd.Flags().IntVar(&backtestTopK, "top-k", 0, "hold the K best-scored instruments (0 = threshold strategy)")
	backtestCmd.Flags().StringVar(&backtestRebalance, "rebalance", "WEEK", "rebalance period for --top-k (DAY|WEEK|MONTH)")
	backtestCmd.Flags().Float64Var(&backtestBuy, "buy-threshold", 0.02, "score above which to buy (threshold strategy)")
	backtestCmd.Flags().Float64Var(&backtestSell, "sell-threshold", -0.02, "score below which to sell (threshold strategy)")
	backtestCmd.Flags().Float64Var(&backtestMaxPos, "max-position", 0, "single-position weight cap (0 = no cap)")
	backtestCmd.Flags().StringVar(&backtestIndex, "index", "", "index universe (csi300|csi500|sse50)")
	backtestCmd.Flags().StringSliceVar(&backtestStocks, "stocks", nil, "explicit instruments (sh600000,...)")
	backtestCmd.Flags().IntVar(&backtestMaxStocks, "max-stocks", 0, "universe size cap")
	backtestCmd.Flags().BoolVar(&backtestLiquidate, "final-liquidation", false, "close open positions at the final bar")

	backtestCmd.MarkFlagRequired("predictions")
	backtestCmd.MarkFlagRequired("from")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	fmt.Println("=== quantflow Backtest ===")

	strategy := adHocStrategy()
	if err := strategyconfig.Validate(strategy); err != nil {
		return err
	}

	dateRange, err := parseRange(backtestFrom, backtestTo)
	if err != nil {
		return err
	}

	runCfg := workflow.RunConfig{
		Strategy:        strategy,
		PredictionsPath: backtestPredictions,
		Range:           dateRange,
		Index:           backtestIndex,
		MaxInstruments:  backtestMaxStocks,
	}
	for _, s := range backtestStocks {
		inst, err := contracts.ParseInstrument(s)
		if err != nil {
			return err
		}
		runCfg.Instruments = append(runCfg.Instruments, inst)
	}

	fmt.Printf("\n📅 Period: %s ~ %s\n",
		dateRange.Start.Format("2006-01-02"), dateRange.End.Format("2006-01-02"))
	fmt.Printf("🧭 Strategy: %s\n", strategy.Signal.Strategy)
	if backtestTopK > 0 {
		fmt.Printf("🔄 Rebalance: top %d every %s\n", backtestTopK, backtestRebalance)
	}
	fmt.Println()

	ctx := cmd.Context()
	d, err := initDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	orch, _, err := d.newOrchestrator()
	if err != nil {
		return err
	}

	fmt.Println("🚀 Starting backtest...")

	result, runErr := orch.Run(ctx, runCfg)
	if result != nil {
		printRunResult(result)
	}

	return runErr
}

// adHocStrategy builds a strategy config from the flags.
func adHocStrategy() *strategyconfig.Config {
	cfg := &strategyconfig.Config{}
	cfg.Meta.StrategyID = "cli-adhoc"
	cfg.Costs.InitialCapital = backtestCapital
	cfg.Costs.FinalLiquidation = backtestLiquidate
	cfg.Rebalance.MaxPositionPct = backtestMaxPos

	if backtestTopK > 0 {
		cfg.Signal.Strategy = "top_k"
		cfg.Rebalance.Period = backtestRebalance
		cfg.Rebalance.TopK = backtestTopK
		cfg.Rebalance.Weighting = "equal"
	} else {
		cfg.Signal.Strategy = "threshold"
		cfg.Signal.BuyThreshold = backtestBuy
		cfg.Signal.SellThreshold = backtestSell
	}

	return cfg
}
