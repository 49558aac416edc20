package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luwei/quantflow/internal/contracts"
)

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	d1 := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	require.NoError(t, s.WriteBars(ctx, []contracts.Bar{
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
	assert.Equal(t, contracts.InstrumentCode("sh600000"), bars[0].Instrument)
	assert.True(t, bars[0].Timestamp.Equal(d1))
	assert.True(t, bars[0].Open.Equal(bars[0].Close))
	assert.True(t, bars[1].Close.String() == "10.1")
}

func TestSQLiteStore_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	d := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteBars(ctx, []contracts.Bar{dayBar("sh600000", d, "10.00")}))
	require.NoError(t, s.WriteBars(ctx, []contracts.Bar{dayBar("sh600000", d, "11.00")}))

	r, err := contracts.NewDateRange(d, d)
	require.NoError(t, err)
	it, err := s.Bars(ctx, "sh600000", r, contracts.PeriodDay)
	require.NoError(t, err)

	bars := drain(t, it)
	require.Len(t, bars, 1)
	assert.Equal(t, "11", bars[0].Close.String())
}

func TestSQLiteStore_MembersReplace(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteMembers(ctx, "csi300", []contracts.InstrumentCode{"sh600000", "sz000001"}))
	require.NoError(t, s.WriteMembers(ctx, "csi300", []contracts.InstrumentCode{"sz000002"}))

	members, err := s.Members(ctx, "csi300")
	require.NoError(t, err)
	assert.Equal(t, []contracts.InstrumentCode{"sz000002"}, members)
}
