package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/strategyconfig"
	"github.com/luwei/quantflow/internal/workflow"
)

// workflowCmd represents the workflow command
var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run the full strategy pipeline from a YAML file",
	Long: `Runs one complete pipeline: resolve the universe, load the score
artifact, derive signals per the strategy file, simulate with the
A-share cost model, and persist the result artifact.

Example:
  go run ./cmd/quantflow workflow --strategy strategy.yaml --predictions scores.qfsc --from 2024-01-01 --to 2024-06-30
  go run ./cmd/quantflow workflow --strategy strategy.yaml --predictions scores.csv --index csi300 --max-stocks 50`,
	RunE: runWorkflow,
}

var (
	workflowStrategy    string
	workflowPredictions string
	workflowFrom        string
	workflowTo          string
	workflowIndex       string
	workflowStocks      []string
	workflowMaxStocks   int
)

func init() {
	rootCmd.AddCommand(workflowCmd)

	workflowCmd.Flags().StringVar(&workflowStrategy, "strategy", "", "strategy YAML file (required)")
	workflowCmd.Flags().StringVar(&workflowPredictions, "predictions", "", "score artifact path (required)")
	workflowCmd.Flags().StringVar(&workflowFrom, "from", "", "start date (YYYY-MM-DD, required)")
	workflowCmd.Flags().StringVar(&workflowTo, "to", "", "end date (YYYY-MM-DD, default: today)")
	workflowCmd.Flags().StringVar(&workflowIndex, "index", "", "index universe (csi300|csi500|sse50), overrides the strategy file")
	workflowCmd.Flags().StringSliceVar(&workflowStocks, "stocks", nil, "explicit instruments (sh600000,...), overrides the index")
	workflowCmd.Flags().IntVar(&workflowMaxStocks, "max-stocks", 0, "universe size cap, overrides the strategy file")

	workflowCmd.MarkFlagRequired("strategy")
	workflowCmd.MarkFlagRequired("predictions")
	workflowCmd.MarkFlagRequired("from")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	fmt.Println("=== quantflow Workflow ===")

	strategy, err := strategyconfig.Load(workflowStrategy)
	if err != nil {
		return err
	}

	dateRange, err := parseRange(workflowFrom, workflowTo)
	if err != nil {
		return err
	}

	runCfg := workflow.RunConfig{
		Strategy:        strategy,
		PredictionsPath: workflowPredictions,
		Range:           dateRange,
		Index:           strategy.Universe.Index,
		MaxInstruments:  strategy.Universe.MaxInstruments,
	}

	// Flags override the strategy file's universe section.
	if workflowIndex != "" {
		runCfg.Index = workflowIndex
	}
	if workflowMaxStocks > 0 {
		runCfg.MaxInstruments = workflowMaxStocks
	}
	instruments := strategy.Universe.Instruments
	if len(workflowStocks) > 0 {
		instruments = workflowStocks
	}
	for _, s := range instruments {
		inst, err := contracts.ParseInstrument(s)
		if err != nil {
			return err
		}
		runCfg.Instruments = append(runCfg.Instruments, inst)
	}

	fmt.Printf("\n📅 Period: %s ~ %s\n",
		dateRange.Start.Format("2006-01-02"), dateRange.End.Format("2006-01-02"))
	fmt.Printf("🧭 Strategy: %s (%s)\n", strategy.Meta.StrategyID, strategy.Signal.Strategy)
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

// parseRange parses the --from/--to pair; an empty "to" means today.
func parseRange(from, to string) (contracts.DateRange, error) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return contracts.DateRange{}, fmt.Errorf("%w: invalid start date %q", contracts.ErrConfigInvalid, from)
	}

	end := time.Now()
	if to != "" {
		if end, err = time.Parse("2006-01-02", to); err != nil {
			return contracts.DateRange{}, fmt.Errorf("%w: invalid end date %q", contracts.ErrConfigInvalid, to)
		}
	}

	return contracts.NewDateRange(start, end)
}
