package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/luwei/quantflow/internal/collector"
	"github.com/luwei/quantflow/internal/external/eastmoney"
	"github.com/luwei/quantflow/internal/scheduler"
	"github.com/luwei/quantflow/internal/scheduler/jobs"
)

// schedulerCmd represents the scheduler command
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Manage scheduled jobs",
	Long: `Starts the scheduler daemon or manages its jobs.

Registered jobs:
- data_sync:         weekdays 16:30, refresh bars for the configured index
- nightly_backtest:  daily 02:00, re-run the configured strategy (requires --strategy and --predictions)

Subcommands:
  start   - start the scheduler daemon
  list    - list registered jobs
  run     - run one job immediately

Example:
  go run ./cmd/quantflow scheduler start --index csi300
  go run ./cmd/quantflow scheduler start --index csi300 --strategy strategy.yaml --predictions scores.qfsc
  go run ./cmd/quantflow scheduler run data_sync`,
}

var (
	schedulerStartCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the scheduler daemon",
		RunE:  runScheduler,
	}

	schedulerListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		RunE:  listJobs,
	}

	schedulerRunCmd = &cobra.Command{
		Use:   "run [job_name]",
		Short: "Run one job immediately and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobOnce,
	}

	schedulerIndex       string
	schedulerStrategy    string
	schedulerPredictions string
	schedulerLookback    int
	schedulerWindow      int
)

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerStartCmd)
	schedulerCmd.AddCommand(schedulerListCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)

	schedulerCmd.PersistentFlags().StringVar(&schedulerIndex, "index", "csi300", "index to sync (csi300|csi500|sse50)")
	schedulerCmd.PersistentFlags().StringVar(&schedulerStrategy, "strategy", "", "strategy YAML for the nightly backtest")
	schedulerCmd.PersistentFlags().StringVar(&schedulerPredictions, "predictions", "", "score artifact for the nightly backtest")
	schedulerCmd.PersistentFlags().IntVar(&schedulerLookback, "lookback", 0, "days to re-fetch per sync (default: 5)")
	schedulerCmd.PersistentFlags().IntVar(&schedulerWindow, "window", 0, "nightly backtest window in days (default: 90)")
}

// buildScheduler wires the job set onto a fresh scheduler.
func buildScheduler(d *deps) (*scheduler.Scheduler, error) {
	s := scheduler.New(d.logger)

	client := eastmoney.NewClient(d.cfg.EastMoney, d.rateLimiter(), d.logger)
	col := collector.New(client, d.writer, d.logger)

	if err := s.AddJob(jobs.NewDataSyncJob(col, schedulerIndex, schedulerLookback, d.logger)); err != nil {
		return nil, err
	}

	if schedulerStrategy != "" && schedulerPredictions != "" {
		orch, _, err := d.newOrchestrator()
		if err != nil {
			return nil, err
		}
		job := jobs.NewNightlyBacktestJob(orch, schedulerStrategy, schedulerPredictions, schedulerWindow, d.logger)
		if err := s.AddJob(job); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func runScheduler(cmd *cobra.Command, args []string) error {
	fmt.Println("=== quantflow Scheduler ===")

	d, err := initDeps(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	s, err := buildScheduler(d)
	if err != nil {
		return err
	}

	s.Start()
	defer s.Stop()

	fmt.Println("\n✅ Scheduler started")
	fmt.Println("\nRegistered jobs:")
	for _, name := range s.Jobs() {
		fmt.Printf("   • %s\n", name)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	d.logger.Info("Scheduler stopped")
	return nil
}

func listJobs(cmd *cobra.Command, args []string) error {
	d, err := initDeps(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	s, err := buildScheduler(d)
	if err != nil {
		return err
	}

	fmt.Println("Registered jobs:")
	for _, name := range s.Jobs() {
		fmt.Printf("   • %s\n", name)
	}
	return nil
}

func runJobOnce(cmd *cobra.Command, args []string) error {
	name := args[0]
	fmt.Printf("=== quantflow Scheduler: %s ===\n", name)

	d, err := initDeps(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	s, err := buildScheduler(d)
	if err != nil {
		return err
	}

	if err := s.RunJob(cmd.Context(), name); err != nil {
		return err
	}

	PrintSuccess(fmt.Sprintf("Job %s completed", name))
	return nil
}
