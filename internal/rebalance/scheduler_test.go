package rebalance

import (
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

func mustScheduler(t *testing.T, cfg Config, scores []contracts.Score, k int) *Scheduler {
	t.Helper()
	table, err := contracts.NewScoreTable(scores)
	require.NoError(t, err)
	idx := score.NewTopKIndex(table, k)
	s, err := New(cfg, idx, table, logger.NewNop())
	require.NoError(t, err)
	return s
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{Mode: WeightEqual, MaxPositionPct: 0.5}.Validate())
	assert.NoError(t, Config{Mode: WeightScoreWeighted, MaxPositionPct: 1}.Validate())
	assert.Error(t, Config{Mode: "inverse_vol", MaxPositionPct: 0.5}.Validate())
	assert.Error(t, Config{Mode: WeightEqual, MaxPositionPct: 0}.Validate())
	assert.Error(t, Config{Mode: WeightEqual, MaxPositionPct: 1.5}.Validate())
}

func TestScheduler_FirstRebalanceIsAllBuys(t *testing.T) {
	d := dayOf(2024, 3, 4)
	s := mustScheduler(t, Config{Mode: WeightEqual, MaxPositionPct: 1}, []contracts.Score{
		{Date: d, Instrument: "sh600000", Value: 0.9},
		{Date: d, Instrument: "sz000001", Value: 0.8},
		{Date: d, Instrument: "sh601398", Value: 0.1},
	}, 2)

	trs := s.Rebalance(d)
	require.Len(t, trs, 2)
	assert.Equal(t, contracts.SignalBuy, trs[0].Kind)
	assert.Equal(t, contracts.SignalBuy, trs[1].Kind)
	assert.Equal(t, []contracts.InstrumentCode{"sh600000", "sz000001"}, s.Held())
	assert.Equal(t, d, s.LastRebalance())

	// Equal weight is 1/K.
	assert.InDelta(t, 0.5, trs[0].Weight, 1e-12)
	assert.InDelta(t, 0.5, trs[1].Weight, 1e-12)
}

func TestScheduler_ExitsPrecedeEntries(t *testing.T) {
	d1 := dayOf(2024, 3, 4)
	d2 := dayOf(2024, 3, 11)
	s := mustScheduler(t, Config{Mode: WeightEqual, MaxPositionPct: 1}, []contracts.Score{
		{Date: d1, Instrument: "sh600000", Value: 0.9},
		{Date: d1, Instrument: "sz000001", Value: 0.8},
		{Date: d2, Instrument: "sh600000", Value: 0.9},
		{Date: d2, Instrument: "sh601398", Value: 0.95},
	}, 2)

	s.Rebalance(d1)
	trs := s.Rebalance(d2)

	// sz000001 drops out, sh601398 enters, sh600000 stays untouched.
	require.Len(t, trs, 2)
	assert.Equal(t, contracts.InstrumentCode("sz000001"), trs[0].Instrument)
	assert.Equal(t, contracts.SignalSell, trs[0].Kind)
	assert.Equal(t, contracts.InstrumentCode("sh601398"), trs[1].Instrument)
	assert.Equal(t, contracts.SignalBuy, trs[1].Kind)
	assert.Equal(t, []contracts.InstrumentCode{"sh600000", "sh601398"}, s.Held())
}

func TestScheduler_IdenticalSetIsNoOp(t *testing.T) {
	d1 := dayOf(2024, 3, 4)
	d2 := dayOf(2024, 3, 11)
	scores := []contracts.Score{
		{Date: d1, Instrument: "sh600000", Value: 0.9},
		{Date: d1, Instrument: "sz000001", Value: 0.8},
		{Date: d2, Instrument: "sh600000", Value: 0.7},
		{Date: d2, Instrument: "sz000001", Value: 0.95},
	}
	s := mustScheduler(t, Config{Mode: WeightEqual, MaxPositionPct: 1}, scores, 2)

	s.Rebalance(d1)
	trs := s.Rebalance(d2)

	assert.Empty(t, trs)
	assert.Equal(t, []contracts.InstrumentCode{"sh600000", "sz000001"}, s.Held())
	assert.Equal(t, d2, s.LastRebalance())
}

func TestScheduler_FewerThanKAvailable(t *testing.T) {
	d := dayOf(2024, 3, 4)
	s := mustScheduler(t, Config{Mode: WeightEqual, MaxPositionPct: 1}, []contracts.Score{
		{Date: d, Instrument: "sh600000", Value: 0.9},
	}, 3)

	trs := s.Rebalance(d)
	require.Len(t, trs, 1)
	// Weight stays 1/K even when fewer than K instruments are scored.
	assert.InDelta(t, 1.0/3.0, trs[0].Weight, 1e-12)
}

func TestScheduler_NoScoresSellsEverything(t *testing.T) {
	d1 := dayOf(2024, 3, 4)
	s := mustScheduler(t, Config{Mode: WeightEqual, MaxPositionPct: 1}, []contracts.Score{
		{Date: d1, Instrument: "sh600000", Value: 0.9},
	}, 2)

	s.Rebalance(d1)
	trs := s.Rebalance(dayOf(2024, 3, 11))

	require.Len(t, trs, 1)
	assert.Equal(t, contracts.SignalSell, trs[0].Kind)
	assert.Empty(t, s.Held())
}

func TestScheduler_SoftmaxWeights(t *testing.T) {
	d := dayOf(2024, 3, 4)
	s := mustScheduler(t, Config{Mode: WeightScoreWeighted, MaxPositionPct: 1}, []contracts.Score{
		{Date: d, Instrument: "sh600000", Value: 1.0},
		{Date: d, Instrument: "sz000001", Value: 0.0},
	}, 2)

	trs := s.Rebalance(d)
	require.Len(t, trs, 2)

	byCode := map[contracts.InstrumentCode]float64{}
	for _, tr := range trs {
		byCode[tr.Instrument] = tr.Weight
	}

	// softmax(1, 0) = (e/(e+1), 1/(e+1))
	assert.InDelta(t, 0.7310585786, byCode["sh600000"], 1e-9)
	assert.InDelta(t, 0.2689414214, byCode["sz000001"], 1e-9)
	assert.InDelta(t, 1.0, byCode["sh600000"]+byCode["sz000001"], 1e-9)
}

func TestScheduler_MaxPositionCap(t *testing.T) {
	d := dayOf(2024, 3, 4)
	s := mustScheduler(t, Config{Mode: WeightScoreWeighted, MaxPositionPct: 0.6}, []contracts.Score{
		{Date: d, Instrument: "sh600000", Value: 5.0},
		{Date: d, Instrument: "sz000001", Value: 0.0},
	}, 2)

	trs := s.Rebalance(d)
	for _, tr := range trs {
		assert.LessOrEqual(t, tr.Weight, 0.6)
	}
}
