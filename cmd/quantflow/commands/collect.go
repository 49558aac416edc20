package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/luwei/quantflow/internal/collector"
	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/external/eastmoney"
)

// collectCmd represents the collect command
var collectCmd = &cobra.Command{
	Use:   "collect [index]",
	Short: "Collect daily bars into the local store",
	Long: `Fetches daily forward-adjusted bars from EastMoney and upserts them
into the bar store. With an index argument the constituent list is
scraped first and stored alongside the bars; with --stocks only the
named instruments are fetched.

Example:
  go run ./cmd/quantflow collect csi300 --from 2024-01-01
  go run ./cmd/quantflow collect --stocks sh600000,sz000001 --from 2024-01-01 --to 2024-06-30
  go run ./cmd/quantflow collect csi500 --from 2024-01-01 --concurrency 8`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCollect,
}

var (
	collectFrom        string
	collectTo          string
	collectStocks      []string
	collectConcurrency int
)

func init() {
	rootCmd.AddCommand(collectCmd)

	collectCmd.Flags().StringVar(&collectFrom, "from", "", "start date (YYYY-MM-DD, required)")
	collectCmd.Flags().StringVar(&collectTo, "to", "", "end date (YYYY-MM-DD, default: today)")
	collectCmd.Flags().StringSliceVar(&collectStocks, "stocks", nil, "explicit instruments instead of an index")
	collectCmd.Flags().IntVar(&collectConcurrency, "concurrency", 0, "parallel fetches (default: 4)")

	collectCmd.MarkFlagRequired("from")
}

func runCollect(cmd *cobra.Command, args []string) error {
	fmt.Println("=== quantflow Bar Collection ===")

	if len(args) == 0 && len(collectStocks) == 0 {
		return fmt.Errorf("%w: an index argument or --stocks is required", contracts.ErrConfigInvalid)
	}

	dateRange, err := parseRange(collectFrom, collectTo)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	d, err := initDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	client := eastmoney.NewClient(d.cfg.EastMoney, d.rateLimiter(), d.logger)
	col := collector.New(client, d.writer, d.logger)
	if collectConcurrency > 0 {
		col = col.WithConcurrency(collectConcurrency)
	}

	fmt.Printf("\n📅 Period: %s ~ %s\n",
		dateRange.Start.Format("2006-01-02"), dateRange.End.Format("2006-01-02"))

	start := time.Now()
	var total int

	if len(args) == 1 {
		fmt.Printf("🧭 Index: %s\n\n", args[0])
		total, err = col.CollectIndex(ctx, args[0], dateRange)
	} else {
		instruments := make([]contracts.InstrumentCode, 0, len(collectStocks))
		for _, s := range collectStocks {
			inst, perr := contracts.ParseInstrument(s)
			if perr != nil {
				return perr
			}
			instruments = append(instruments, inst)
		}
		fmt.Printf("🧭 Instruments: %d\n\n", len(instruments))
		total, err = col.CollectBars(ctx, instruments, dateRange)
	}
	if err != nil {
		return err
	}

	PrintSuccess(fmt.Sprintf("Collected %d bars in %.2fs", total, time.Since(start).Seconds()))
	return nil
}
