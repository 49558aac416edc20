package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luwei/quantflow/internal/contracts"
)

func dayBar(inst contracts.InstrumentCode, day time.Time, price string) contracts.Bar {
	p := decimal.RequireFromString(price)
	return contracts.Bar{
		Instrument: inst,
		Timestamp:  day,
		Open:       p,
		High:       p,
		Low:        p,
		Close:      p,
		Volume:     1000,
		Amount:     p.Mul(decimal.NewFromInt(1000)),
	}
}

func drain(t *testing.T, it contracts.BarIterator) []contracts.Bar {
	t.Helper()
	defer it.Close()

	var out []contracts.Bar
	for it.Next(context.Background()) {
		out = append(out, it.Bar())
	}
	require.NoError(t, it.Err())
	return out
}

func TestMemoryStore_BarsOrderedAndRanged(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	d1 := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	d3 := d1.AddDate(0, 0, 2)

	// Written out of order; reads come back chronological.
	require.NoError(t, s.WriteBars(ctx, []contracts.Bar{
		dayBar("sh600000", d3, "10.20"),
		dayBar("sh600000", d1, "10.00"),
		dayBar("sh600000", d2, "10.10"),
		dayBar("sz000001", d1, "5.00"),
	}))

	r, err := contracts.NewDateRange(d1, d2)
	require.NoError(t, err)

	it, err := s.Bars(ctx, "sh600000", r, contracts.PeriodDay)
	require.NoError(t, err)

	bars := drain(t, it)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Timestamp.Equal(d1))
	assert.True(t, bars[1].Timestamp.Equal(d2))
}

func TestMemoryStore_Instruments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	d := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteBars(ctx, []contracts.Bar{
		dayBar("sz000001", d, "5.00"),
		dayBar("sh600000", d, "10.00"),
	}))

	all, err := s.Instruments(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []contracts.InstrumentCode{"sh600000", "sz000001"}, all)

	sh, err := s.Instruments(ctx, "sh")
	require.NoError(t, err)
	assert.Equal(t, []contracts.InstrumentCode{"sh600000"}, sh)
}

func TestMemoryStore_Members(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.WriteMembers(ctx, "csi300", []contracts.InstrumentCode{"sh600000", "sz000001"}))

	members, err := s.Members(ctx, "csi300")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = s.Members(ctx, "csi500")
	assert.Error(t, err)
}

func TestSliceIterator_ContextCancel(t *testing.T) {
	it := NewSliceIterator([]contracts.Bar{
		dayBar("sh600000", time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), "10.00"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, it.Next(ctx))
	assert.ErrorIs(t, it.Err(), context.Canceled)
}
