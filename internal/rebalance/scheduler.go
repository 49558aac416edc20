package rebalance

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/score"
	"github.com/luwei/quantflow/pkg/logger"
)

// WeightMode selects how target allocations are assigned to entries.
type WeightMode string

// Weight modes.
const (
	WeightEqual         WeightMode = "equal"
	WeightScoreWeighted WeightMode = "score_weighted"
)

// Config holds the scheduler's weight policy.
type Config struct {
	Mode           WeightMode
	MaxPositionPct float64 // single-position cap; excess stays in cash
}

// Validate checks the policy.
func (c Config) Validate() error {
	switch c.Mode {
	case WeightEqual, WeightScoreWeighted:
	default:
		return fmt.Errorf("%w: unknown weight mode %q", contracts.ErrConfigInvalid, c.Mode)
	}
	if c.MaxPositionPct <= 0 || c.MaxPositionPct > 1 {
		return fmt.Errorf("%w: max position pct must be in (0, 1]", contracts.ErrConfigInvalid)
	}
	return nil
}

// Scheduler owns the held set for the top_k strategy and emits
// transition records at rebalance dates. Nothing else reads or writes
// the held set; the adapter and engine observe transitions only.
type Scheduler struct {
	cfg    Config
	topk   *score.TopKIndex
	table  *contracts.ScoreTable
	logger *logger.Logger

	held          map[contracts.InstrumentCode]struct{}
	lastRebalance time.Time
}

// New creates a rebalance scheduler for one run.
func New(cfg Config, topk *score.TopKIndex, table *contracts.ScoreTable, log *logger.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Scheduler{
		cfg:    cfg,
		topk:   topk,
		table:  table,
		logger: log,
		held:   make(map[contracts.InstrumentCode]struct{}),
	}, nil
}

// Held returns the current held set, sorted. For inspection and tests.
func (s *Scheduler) Held() []contracts.InstrumentCode {
	out := make([]contracts.InstrumentCode, 0, len(s.held))
	for code := range s.held {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LastRebalance returns the date of the most recent transition.
func (s *Scheduler) LastRebalance() time.Time {
	return s.lastRebalance
}

// Rebalance computes the held-set change at date D. Exits come first
// (sorted by code) so the freed cash can fund the entries that follow.
// Identical consecutive top-K sets yield zero transitions; fewer than K
// scored instruments is not an error.
func (s *Scheduler) Rebalance(date time.Time) []contracts.RebalanceTransition {
	date = contracts.NormalizeDate(date)
	newList := s.topk.TopKAt(date)

	newSet := make(map[contracts.InstrumentCode]struct{}, len(newList))
	for _, code := range newList {
		newSet[code] = struct{}{}
	}

	var exits []contracts.InstrumentCode
	for code := range s.held {
		if _, keep := newSet[code]; !keep {
			exits = append(exits, code)
		}
	}
	sort.Slice(exits, func(i, j int) bool { return exits[i] < exits[j] })

	var entries []contracts.InstrumentCode
	for _, code := range newList {
		if _, have := s.held[code]; !have {
			entries = append(entries, code)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i] < entries[j] })

	weights := s.entryWeights(date, newList)

	transitions := make([]contracts.RebalanceTransition, 0, len(exits)+len(entries))
	for _, code := range exits {
		transitions = append(transitions, contracts.RebalanceTransition{
			Instrument: code,
			Kind:       contracts.SignalSell,
			Score:      s.scoreAt(date, code),
		})
	}
	for _, code := range entries {
		transitions = append(transitions, contracts.RebalanceTransition{
			Instrument: code,
			Kind:       contracts.SignalBuy,
			Score:      s.scoreAt(date, code),
			Weight:     weights[code],
		})
	}

	s.held = newSet
	s.lastRebalance = date

	s.logger.WithFields(map[string]interface{}{
		"date":    date.Format("2006-01-02"),
		"held":    len(newSet),
		"entries": len(entries),
		"exits":   len(exits),
	}).Debug("Rebalance computed")

	return transitions
}

// entryWeights assigns a target allocation to every member of the new
// set, capped at MaxPositionPct. Equal weight is 1/K; score weighting
// is a softmax over the day's top-K scores.
func (s *Scheduler) entryWeights(date time.Time, list []contracts.InstrumentCode) map[contracts.InstrumentCode]float64 {
	weights := make(map[contracts.InstrumentCode]float64, len(list))
	if len(list) == 0 {
		return weights
	}

	switch s.cfg.Mode {
	case WeightScoreWeighted:
		// Softmax shifted by the max score for numeric stability.
		maxScore := math.Inf(-1)
		for _, code := range list {
			if v := s.scoreAt(date, code); v > maxScore {
				maxScore = v
			}
		}

		var sum float64
		exps := make(map[contracts.InstrumentCode]float64, len(list))
		for _, code := range list {
			e := math.Exp(s.scoreAt(date, code) - maxScore)
			exps[code] = e
			sum += e
		}

		for _, code := range list {
			weights[code] = exps[code] / sum
		}

	default: // equal weight, target 1/K
		w := 1.0 / float64(s.topk.K())
		for _, code := range list {
			weights[code] = w
		}
	}

	for code, w := range weights {
		if w > s.cfg.MaxPositionPct {
			weights[code] = s.cfg.MaxPositionPct
		}
	}

	return weights
}

func (s *Scheduler) scoreAt(date time.Time, code contracts.InstrumentCode) float64 {
	if sc, ok := s.table.At(date, code); ok {
		return sc.Value
	}
	return 0
}
