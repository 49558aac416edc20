package workflow

import (
	"context"
	"fmt"

	"github.com/luwei/quantflow/internal/backtest"
	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/rebalance"
	"github.com/luwei/quantflow/internal/score"
	"github.com/luwei/quantflow/internal/signal"
	"github.com/luwei/quantflow/internal/strategyconfig"
	"github.com/luwei/quantflow/pkg/logger"
)

// Orchestrator runs the full pipeline: resolve the universe, load the
// score artifact, wire signal adapter and scheduler per the strategy,
// drive the engine, and persist the result.
type Orchestrator struct {
	store   contracts.BarStore
	loader  contracts.ScoreLoader
	results contracts.ResultStore
	logger  *logger.Logger
}

// RunConfig is one pipeline invocation.
type RunConfig struct {
	Strategy        *strategyconfig.Config
	PredictionsPath string
	Range           contracts.DateRange

	// Universe selection: explicit instruments win over the index;
	// an empty index means every instrument in the bar store.
	Instruments    []contracts.InstrumentCode
	Index          string
	MaxInstruments int
}

// New creates an orchestrator.
func New(store contracts.BarStore, loader contracts.ScoreLoader, results contracts.ResultStore, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		loader:  loader,
		results: results,
		logger:  log,
	}
}

// Run executes one pipeline and returns the persisted result. The
// engine's partial result is returned alongside any engine error.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (*contracts.BacktestResult, error) {
	universe, err := o.resolveUniverse(ctx, cfg)
	if err != nil {
		return nil, err
	}

	table, err := o.loader.Load(ctx, cfg.PredictionsPath)
	if err != nil {
		return nil, err
	}

	o.logger.WithFields(map[string]interface{}{
		"strategy": cfg.Strategy.Meta.StrategyID,
		"universe": len(universe),
		"scores":   table.Len(),
	}).Info("Pipeline assembled")

	btCfg, err := cfg.Strategy.BacktestConfig()
	if err != nil {
		return nil, err
	}
	if btCfg.StrategyHash, err = strategyconfig.Hash(cfg.Strategy); err != nil {
		return nil, err
	}

	sigCfg, err := cfg.Strategy.SignalConfig()
	if err != nil {
		return nil, err
	}

	var topk *score.TopKIndex
	if sigCfg.Strategy == signal.StrategyTopK {
		topk = score.NewTopKIndex(table, cfg.Strategy.Rebalance.TopK)
	}

	adapter, err := signal.NewAdapter(sigCfg, table, topk, o.logger)
	if err != nil {
		return nil, err
	}

	engine, err := backtest.NewEngine(o.store, adapter, btCfg, o.logger)
	if err != nil {
		return nil, err
	}

	if topk != nil {
		schedCfg, err := cfg.Strategy.SchedulerConfig()
		if err != nil {
			return nil, err
		}
		scheduler, err := rebalance.New(schedCfg, topk, table, o.logger)
		if err != nil {
			return nil, err
		}
		period, err := contracts.ParseRebalancePeriod(cfg.Strategy.Rebalance.Period)
		if err != nil {
			return nil, err
		}
		engine.WithRebalance(scheduler, adapter,
			score.RebalanceDates(table.Dates(), cfg.Range, period))
	}

	result, runErr := engine.Run(ctx, universe, cfg.Range, contracts.PeriodDay)
	if result != nil {
		if _, saveErr := o.results.Save(ctx, result); saveErr != nil {
			o.logger.WithError(saveErr).Error("Result save failed")
			if runErr == nil {
				runErr = saveErr
			}
		}
	}

	return result, runErr
}

// resolveUniverse picks the instruments for the run.
func (o *Orchestrator) resolveUniverse(ctx context.Context, cfg RunConfig) ([]contracts.InstrumentCode, error) {
	universe := cfg.Instruments

	if len(universe) == 0 {
		var err error
		if cfg.Index != "" {
			universe, err = o.store.Members(ctx, cfg.Index)
		} else {
			universe, err = o.store.Instruments(ctx, "")
		}
		if err != nil {
			return nil, fmt.Errorf("resolve universe: %w", err)
		}
	}

	if len(universe) == 0 {
		return nil, fmt.Errorf("%w: empty universe", contracts.ErrConfigInvalid)
	}
	if cfg.MaxInstruments > 0 && len(universe) > cfg.MaxInstruments {
		universe = universe[:cfg.MaxInstruments]
	}

	return universe, nil
}
