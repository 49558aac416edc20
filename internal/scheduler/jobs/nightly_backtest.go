package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/strategyconfig"
	"github.com/luwei/quantflow/internal/workflow"
	"github.com/luwei/quantflow/pkg/logger"
)

// NightlyBacktestJob re-runs the configured strategy over a trailing
// window every night, so drift between fresh scores and the last known
// result surfaces by morning.
type NightlyBacktestJob struct {
	orchestrator *workflow.Orchestrator
	strategyPath string
	predictions  string
	windowDays   int
	logger       *logger.Logger
}

// NewNightlyBacktestJob creates the job. windowDays is the trailing
// range length; 90 by default.
func NewNightlyBacktestJob(orch *workflow.Orchestrator, strategyPath, predictions string, windowDays int, log *logger.Logger) *NightlyBacktestJob {
	if windowDays <= 0 {
		windowDays = 90
	}
	return &NightlyBacktestJob{
		orchestrator: orch,
		strategyPath: strategyPath,
		predictions:  predictions,
		windowDays:   windowDays,
		logger:       log,
	}
}

func (j *NightlyBacktestJob) Name() string {
	return "nightly_backtest"
}

func (j *NightlyBacktestJob) Schedule() string {
	return "0 0 2 * * *"
}

func (j *NightlyBacktestJob) Run(ctx context.Context) error {
	// The strategy file is re-read every night so edits take effect
	// without a restart.
	strategy, err := strategyconfig.Load(j.strategyPath)
	if err != nil {
		return fmt.Errorf("load strategy: %w", err)
	}

	to := time.Now()
	from := to.AddDate(0, 0, -j.windowDays)
	r, err := contracts.NewDateRange(from, to)
	if err != nil {
		return err
	}

	result, err := j.orchestrator.Run(ctx, workflow.RunConfig{
		Strategy:        strategy,
		PredictionsPath: j.predictions,
		Range:           r,
		Index:           strategy.Universe.Index,
		MaxInstruments:  strategy.Universe.MaxInstruments,
	})
	if err != nil {
		return fmt.Errorf("nightly run: %w", err)
	}

	j.logger.WithFields(map[string]interface{}{
		"run_id":       result.RunID,
		"total_return": fmt.Sprintf("%.2f%%", result.Metrics.TotalReturn*100),
		"max_drawdown": fmt.Sprintf("%.2f%%", result.Metrics.MaxDrawdown*100),
		"trades":       result.Metrics.TotalTrades,
	}).Info("Nightly backtest completed")

	return nil
}
