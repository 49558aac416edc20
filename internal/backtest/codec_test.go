package backtest

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luwei/quantflow/internal/contracts"
)

func sampleResult() *contracts.BacktestResult {
	cfg := contracts.DefaultBacktestConfig()
	cfg.StrategyHash = "sha256:deadbeef"

	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	return &contracts.BacktestResult{
		RunID:  "run-test-1",
		Config: cfg,
		Range:  contracts.DateRange{Start: day, End: day.AddDate(0, 0, 9)},
		Trades: []contracts.Trade{{
			Instrument:  "sh600000",
			EntryTime:   day,
			EntryPrice:  dec("10.01"),
			ExitTime:    day.AddDate(0, 0, 3),
			ExitPrice:   dec("10.2897"),
			Quantity:    9900,
			RealizedPnL: dec("2604.33"),
			FeesTotal:   dec("164.12"),
		}},
		EquityCurve: []contracts.EquityPoint{
			{Date: day, Equity: dec("99970.27")},
			{Date: day.AddDate(0, 0, 1), Equity: dec("100960.27")},
		},
		Events: []contracts.RunEvent{{
			Kind:       contracts.EventSkippedInsufficientCash,
			Instrument: "sz000001",
			Timestamp:  day,
			Detail:     "one lot at 50.05 exceeds investable cash 1000",
		}},
		Metrics: contracts.Metrics{
			TotalReturn:      0.026,
			AnnualizedReturn: 0.91,
			MaxDrawdown:      0.003,
			Sharpe:           2.1,
			WinRate:          1,
			ProfitFactor:     math.NaN(),
			TradingDays:      10,
			TotalTrades:      1,
			WinningTrades:    1,
		},
		FinalEquity: dec("102604.33"),
		CreatedAt:   time.Date(2024, 3, 20, 8, 30, 0, 0, time.UTC),
	}
}

func TestResultCodec_RoundTrip(t *testing.T) {
	orig := sampleResult()

	var buf bytes.Buffer
	require.NoError(t, EncodeResult(&buf, orig))
	assert.Equal(t, []byte(resultMagic), buf.Bytes()[:4])

	got, err := DecodeResult(&buf)
	require.NoError(t, err)

	assert.Equal(t, orig.RunID, got.RunID)
	assert.True(t, got.Config.InitialCapital.Equal(orig.Config.InitialCapital))
	assert.True(t, got.Config.CommissionRate.Equal(orig.Config.CommissionRate))
	assert.Equal(t, orig.Config.StrategyHash, got.Config.StrategyHash)
	assert.Equal(t, orig.Config.RandomSeed, got.Config.RandomSeed)
	assert.True(t, got.Range.Start.Equal(orig.Range.Start))
	assert.True(t, got.Range.End.Equal(orig.Range.End))

	require.Len(t, got.Trades, 1)
	assert.Equal(t, orig.Trades[0].Instrument, got.Trades[0].Instrument)
	assert.True(t, got.Trades[0].EntryPrice.Equal(orig.Trades[0].EntryPrice))
	assert.True(t, got.Trades[0].ExitPrice.Equal(orig.Trades[0].ExitPrice))
	assert.True(t, got.Trades[0].RealizedPnL.Equal(orig.Trades[0].RealizedPnL))
	assert.True(t, got.Trades[0].EntryTime.Equal(orig.Trades[0].EntryTime))

	require.Len(t, got.EquityCurve, 2)
	assert.True(t, got.EquityCurve[1].Equity.Equal(orig.EquityCurve[1].Equity))
	assert.True(t, got.EquityCurve[0].Date.Equal(orig.EquityCurve[0].Date))

	require.Len(t, got.Events, 1)
	assert.Equal(t, orig.Events[0].Kind, got.Events[0].Kind)

	assert.InDelta(t, orig.Metrics.Sharpe, got.Metrics.Sharpe, 1e-12)
	assert.True(t, math.IsNaN(got.Metrics.ProfitFactor))
	assert.True(t, got.FinalEquity.Equal(orig.FinalEquity))
	assert.True(t, got.CreatedAt.Equal(orig.CreatedAt))
}

func TestDecodeResult_RejectsBadFraming(t *testing.T) {
	_, err := DecodeResult(bytes.NewReader([]byte("NOPE")))
	assert.ErrorIs(t, err, contracts.ErrArtifactCorrupt)

	var buf bytes.Buffer
	require.NoError(t, EncodeResult(&buf, sampleResult()))
	raw := buf.Bytes()
	raw[5] = 99 // unsupported version
	_, err = DecodeResult(bytes.NewReader(raw))
	assert.ErrorIs(t, err, contracts.ErrArtifactCorrupt)
}

func TestFileResultStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileResultStore(t.TempDir())
	require.NoError(t, err)

	id, err := store.Save(ctx, sampleResult())
	require.NoError(t, err)
	assert.Equal(t, "run-test-1", id)

	got, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.FinalEquity.Equal(dec("102604.33")))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-test-1"}, ids)

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, contracts.ErrArtifactMissing)
}
