package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/luwei/quantflow/internal/contracts"
)

// MemoryStore is an in-memory BarStore/BarWriter. Used by tests and as
// a staging buffer for collectors. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	bars    map[contracts.InstrumentCode][]contracts.Bar
	members map[string][]contracts.InstrumentCode
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bars:    make(map[contracts.InstrumentCode][]contracts.Bar),
		members: make(map[string][]contracts.InstrumentCode),
	}
}

// WriteBars appends bars and keeps each instrument's series sorted.
func (s *MemoryStore) WriteBars(_ context.Context, bars []contracts.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[contracts.InstrumentCode]struct{})
	for _, b := range bars {
		s.bars[b.Instrument] = append(s.bars[b.Instrument], b)
		touched[b.Instrument] = struct{}{}
	}
	for inst := range touched {
		series := s.bars[inst]
		sort.Slice(series, func(i, j int) bool {
			return series[i].Timestamp.Before(series[j].Timestamp)
		})
	}

	return nil
}

// WriteMembers replaces the constituents of a named index.
func (s *MemoryStore) WriteMembers(_ context.Context, indexName string, members []contracts.InstrumentCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]contracts.InstrumentCode, len(members))
	copy(out, members)
	s.members[indexName] = out

	return nil
}

// Bars streams the stored bars for one instrument over a range.
func (s *MemoryStore) Bars(_ context.Context, inst contracts.InstrumentCode, r contracts.DateRange, _ contracts.Period) (contracts.BarIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var selected []contracts.Bar
	for _, b := range s.bars[inst] {
		if r.Contains(b.Timestamp) {
			selected = append(selected, b)
		}
	}

	return NewSliceIterator(selected), nil
}

// Instruments lists known instruments, optionally filtered by market
// prefix.
func (s *MemoryStore) Instruments(_ context.Context, market string) ([]contracts.InstrumentCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []contracts.InstrumentCode
	for inst := range s.bars {
		if market == "" || inst.Market() == market {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out, nil
}

// Members lists the constituents of a named index.
func (s *MemoryStore) Members(_ context.Context, indexName string) ([]contracts.InstrumentCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members, ok := s.members[indexName]
	if !ok {
		return nil, fmt.Errorf("unknown index %q", indexName)
	}
	out := make([]contracts.InstrumentCode, len(members))
	copy(out, members)

	return out, nil
}

// SliceIterator walks a fixed bar slice. The zero-cost iterator behind
// MemoryStore, also handy for wrapping pre-fetched series.
type SliceIterator struct {
	bars []contracts.Bar
	pos  int
	err  error
}

// NewSliceIterator wraps an already-ordered bar slice.
func NewSliceIterator(bars []contracts.Bar) *SliceIterator {
	return &SliceIterator{bars: bars, pos: -1}
}

// Next advances the iterator. Honors context cancellation so engine
// deadlines behave the same as with I/O-backed stores.
func (it *SliceIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = err
		return false
	}
	if it.pos+1 >= len(it.bars) {
		return false
	}
	it.pos++
	return true
}

// Bar returns the current bar.
func (it *SliceIterator) Bar() contracts.Bar {
	return it.bars[it.pos]
}

// Err reports the first failure encountered.
func (it *SliceIterator) Err() error {
	return it.err
}

// Close is a no-op.
func (it *SliceIterator) Close() error {
	return nil
}
