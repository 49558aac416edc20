package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/luwei/quantflow/internal/contracts"
)

// Exit codes surfaced by main. Scripts branch on these, so the mapping
// is part of the CLI contract.
const (
	ExitOK          = 0
	ExitConfig      = 1 // bad flags, strategy file, or environment
	ExitData        = 2 // artifact or market-data failure
	ExitEngineFatal = 3 // corrupt bar data aborted the run
)

var verbose bool

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quantflow",
	Short: "quantflow - A-share quantitative workflow coordinator",
	Long: `quantflow Unified CLI

Score-driven backtesting for China A-shares: load prediction scores,
derive trading signals, simulate with the A-share cost model, and
persist reproducible result artifacts.

Usage:
  go run ./cmd/quantflow [command]

Examples:
  go run ./cmd/quantflow collect csi300 --from 2024-01-01
  go run ./cmd/quantflow backtest --predictions scores.qfsc --from 2024-01-01 --to 2024-06-30
  go run ./cmd/quantflow workflow --strategy strategy.yaml --predictions scores.qfsc
  go run ./cmd/quantflow api
  go run ./cmd/quantflow scheduler start`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		PrintError(err.Error())
	}
	return err
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, contracts.ErrBarDataInvalid):
		return ExitEngineFatal
	case errors.Is(err, contracts.ErrArtifactMissing),
		errors.Is(err, contracts.ErrArtifactCorrupt),
		errors.Is(err, contracts.ErrArtifactEmpty),
		errors.Is(err, contracts.ErrBarFetchFailed),
		errors.Is(err, contracts.ErrBarFetchTimeout):
		return ExitData
	default:
		return ExitConfig
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
