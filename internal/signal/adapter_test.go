package signal

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/score"
	"github.com/luwei/quantflow/pkg/logger"
)

func dayOf(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func mustTable(t *testing.T, scores []contracts.Score) *contracts.ScoreTable {
	t.Helper()
	table, err := contracts.NewScoreTable(scores)
	require.NoError(t, err)
	return table
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{Strategy: StrategyThreshold, BuyThreshold: 0.02, SellThreshold: -0.02}.Validate())
	assert.Error(t, Config{Strategy: StrategyThreshold, BuyThreshold: -0.02, SellThreshold: 0.02}.Validate())
	assert.NoError(t, Config{Strategy: StrategyTopK}.Validate())
	assert.NoError(t, Config{Strategy: StrategyPercentile, Percentile: 80}.Validate())
	assert.Error(t, Config{Strategy: StrategyPercentile, Percentile: 30}.Validate())
	assert.Error(t, Config{Strategy: "momentum"}.Validate())
}

func TestAdapter_Threshold(t *testing.T) {
	d := dayOf(2024, 3, 1)
	table := mustTable(t, []contracts.Score{
		{Date: d, Instrument: "sh600000", Value: 0.03},
		{Date: d, Instrument: "sz000001", Value: -0.03},
		{Date: d, Instrument: "sh601398", Value: 0.01},
	})

	adapter, err := NewAdapter(Config{
		Strategy:      StrategyThreshold,
		BuyThreshold:  0.02,
		SellThreshold: -0.02,
		Bands:         StrengthBands{Weak: 0.02, Strong: 0.04},
	}, table, nil, logger.NewNop())
	require.NoError(t, err)

	// Bar timestamps carry time-of-day; alignment is by date.
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	sig := adapter.Signal("sh600000", ts)
	assert.Equal(t, contracts.SignalBuy, sig.Kind)
	assert.Equal(t, contracts.StrengthMedium, sig.Strength)
	assert.InDelta(t, 0.03, sig.Score, 1e-12)

	sig = adapter.Signal("sz000001", ts)
	assert.Equal(t, contracts.SignalSell, sig.Kind)

	sig = adapter.Signal("sh601398", ts)
	assert.Equal(t, contracts.SignalHold, sig.Kind)
}

func TestAdapter_NoScoreIsHold(t *testing.T) {
	table := mustTable(t, []contracts.Score{
		{Date: dayOf(2024, 3, 1), Instrument: "sh600000", Value: 0.03},
	})

	adapter, err := NewAdapter(Config{
		Strategy: StrategyThreshold, BuyThreshold: 0.02, SellThreshold: -0.02,
	}, table, nil, logger.NewNop())
	require.NoError(t, err)

	// Day without a score.
	sig := adapter.Signal("sh600000", dayOf(2024, 3, 2))
	assert.Equal(t, contracts.SignalHold, sig.Kind)

	// Instrument without any scores.
	sig = adapter.Signal("sz000001", dayOf(2024, 3, 1))
	assert.Equal(t, contracts.SignalHold, sig.Kind)
}

func TestAdapter_NumericAnomalyIsHold(t *testing.T) {
	d := dayOf(2024, 3, 1)
	table := mustTable(t, []contracts.Score{
		{Date: d, Instrument: "sh600000", Value: math.NaN()},
		{Date: d, Instrument: "sz000001", Value: math.Inf(-1)},
	})

	adapter, err := NewAdapter(Config{
		Strategy: StrategyThreshold, BuyThreshold: 0.02, SellThreshold: -0.02,
	}, table, nil, logger.NewNop())
	require.NoError(t, err)

	// The hold keeps the anomalous value on the signal for the engine
	// to record.
	sig := adapter.Signal("sh600000", d)
	assert.Equal(t, contracts.SignalHold, sig.Kind)
	assert.True(t, math.IsNaN(sig.Score))

	sig = adapter.Signal("sz000001", d)
	assert.Equal(t, contracts.SignalHold, sig.Kind)
	assert.True(t, math.IsInf(sig.Score, -1))

	// Warned set records the pair only once.
	adapter.Signal("sh600000", d)
	assert.Len(t, adapter.warned, 2)
}

func TestAdapter_Percentile(t *testing.T) {
	d := dayOf(2024, 3, 1)
	table := mustTable(t, []contracts.Score{
		{Date: d, Instrument: "sh600000", Value: 0.9},
		{Date: d, Instrument: "sz000001", Value: 0.5},
		{Date: d, Instrument: "sh601398", Value: 0.1},
		{Date: d, Instrument: "sz000002", Value: -0.5},
		{Date: d, Instrument: "bj830799", Value: -0.9},
	})

	adapter, err := NewAdapter(Config{
		Strategy:   StrategyPercentile,
		Percentile: 80,
	}, table, nil, logger.NewNop())
	require.NoError(t, err)

	// Nearest-rank: the 80th percentile of five values is the 4th
	// (0.5), the 20th is the 1st (-0.9).
	assert.Equal(t, contracts.SignalBuy, adapter.Signal("sh600000", d).Kind)
	assert.Equal(t, contracts.SignalBuy, adapter.Signal("sz000001", d).Kind)
	assert.Equal(t, contracts.SignalHold, adapter.Signal("sh601398", d).Kind)
	assert.Equal(t, contracts.SignalHold, adapter.Signal("sz000002", d).Kind)
	assert.Equal(t, contracts.SignalSell, adapter.Signal("bj830799", d).Kind)
}

func TestAdapter_TopKConsumesTransitions(t *testing.T) {
	d1 := dayOf(2024, 3, 4)
	table := mustTable(t, []contracts.Score{
		{Date: d1, Instrument: "sh600000", Value: 0.8},
		{Date: d1, Instrument: "sz000001", Value: 0.6},
	})
	idx := score.NewTopKIndex(table, 2)

	adapter, err := NewAdapter(Config{Strategy: StrategyTopK}, table, idx, logger.NewNop())
	require.NoError(t, err)

	// No transitions observed yet: HOLD.
	assert.Equal(t, contracts.SignalHold, adapter.Signal("sh600000", d1).Kind)

	adapter.ObserveTransitions([]contracts.RebalanceTransition{
		{Instrument: "sh600000", Kind: contracts.SignalBuy, Score: 0.8},
		{Instrument: "sz000001", Kind: contracts.SignalSell, Score: 0.6},
	})

	sig := adapter.Signal("sh600000", d1)
	assert.Equal(t, contracts.SignalBuy, sig.Kind)
	assert.InDelta(t, 0.8, sig.Score, 1e-12)

	// A transition is consumed exactly once.
	assert.Equal(t, contracts.SignalHold, adapter.Signal("sh600000", d1).Kind)

	// Pending transitions survive until the instrument's next bar, so
	// a missing bar on the rebalance date defers to the next one.
	sig = adapter.Signal("sz000001", dayOf(2024, 3, 5))
	assert.Equal(t, contracts.SignalSell, sig.Kind)
}

func TestStrengthBands(t *testing.T) {
	bands := StrengthBands{Weak: 0.02, Strong: 0.04}

	assert.Equal(t, contracts.StrengthWeak, bands.Classify(0.01))
	assert.Equal(t, contracts.StrengthWeak, bands.Classify(-0.01))
	assert.Equal(t, contracts.StrengthMedium, bands.Classify(0.03))
	assert.Equal(t, contracts.StrengthStrong, bands.Classify(-0.05))
	assert.Equal(t, contracts.StrengthStrong, bands.Classify(0.04))

	// Unconfigured bands classify everything MEDIUM.
	var none StrengthBands
	assert.Equal(t, contracts.StrengthMedium, none.Classify(99))
}
