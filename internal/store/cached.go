package store

import (
	"context"
	"fmt"
	"time"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/pkg/logger"
	"github.com/luwei/quantflow/pkg/redis"
)

// cachedBar is the msgpack shape of a bar in the cache. Decimals as
// strings, same convention as the result artifact.
type cachedBar struct {
	Timestamp int64  `msgpack:"ts"`
	Open      string `msgpack:"o"`
	High      string `msgpack:"h"`
	Low       string `msgpack:"l"`
	Close     string `msgpack:"c"`
	Volume    int64  `msgpack:"v"`
	Amount    string `msgpack:"a"`
}

// CachedStore is a read-through Redis cache over another BarStore.
// With Redis disabled every read falls straight through, so wiring it
// unconditionally is safe.
type CachedStore struct {
	inner  contracts.BarStore
	cache  *redis.Cache
	logger *logger.Logger
}

// NewCachedStore wraps a bar store with a cache layer.
func NewCachedStore(inner contracts.BarStore, cache *redis.Cache, log *logger.Logger) *CachedStore {
	return &CachedStore{inner: inner, cache: cache, logger: log}
}

// Bars serves a fully cached range when present, otherwise drains the
// inner iterator once, caches the series, and replays it.
func (s *CachedStore) Bars(ctx context.Context, inst contracts.InstrumentCode, r contracts.DateRange, p contracts.Period) (contracts.BarIterator, error) {
	key := redis.BarsKey(string(inst), r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), string(p))

	var cached []cachedBar
	hit, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.logger.WithError(err).Warn("Bar cache read failed, falling through")
	} else if hit {
		bars, err := s.thaw(inst, cached)
		if err == nil {
			return NewSliceIterator(bars), nil
		}
		s.logger.WithError(err).Warn("Bar cache entry unusable, falling through")
	}

	it, err := s.inner.Bars(ctx, inst, r, p)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var bars []contracts.Bar
	for it.Next(ctx) {
		bars = append(bars, it.Bar())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, key, s.freeze(bars), redis.TTLDaily); err != nil {
		s.logger.WithError(err).Warn("Bar cache write failed")
	}

	return NewSliceIterator(bars), nil
}

// Instruments always hits the inner store; listings are cheap.
func (s *CachedStore) Instruments(ctx context.Context, market string) ([]contracts.InstrumentCode, error) {
	return s.inner.Instruments(ctx, market)
}

// Members caches index constituents for a day.
func (s *CachedStore) Members(ctx context.Context, indexName string) ([]contracts.InstrumentCode, error) {
	key := redis.MembersKey(indexName)

	var cached []string
	hit, err := s.cache.Get(ctx, key, &cached)
	if err == nil && hit {
		out := make([]contracts.InstrumentCode, len(cached))
		for i, c := range cached {
			out[i] = contracts.InstrumentCode(c)
		}
		return out, nil
	}

	members, err := s.inner.Members(ctx, indexName)
	if err != nil {
		return nil, err
	}

	raw := make([]string, len(members))
	for i, m := range members {
		raw[i] = string(m)
	}
	if err := s.cache.Set(ctx, key, raw, redis.TTLDaily); err != nil {
		s.logger.WithError(err).Warn("Member cache write failed")
	}

	return members, nil
}

func (s *CachedStore) freeze(bars []contracts.Bar) []cachedBar {
	out := make([]cachedBar, len(bars))
	for i, b := range bars {
		out[i] = cachedBar{
			Timestamp: b.Timestamp.Unix(),
			Open:      b.Open.String(),
			High:      b.High.String(),
			Low:       b.Low.String(),
			Close:     b.Close.String(),
			Volume:    b.Volume,
			Amount:    b.Amount.String(),
		}
	}
	return out
}

func (s *CachedStore) thaw(inst contracts.InstrumentCode, cached []cachedBar) ([]contracts.Bar, error) {
	bars := make([]contracts.Bar, 0, len(cached))
	for _, c := range cached {
		bar, err := barFromStrings(inst, time.Unix(c.Timestamp, 0).UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.Amount)
		if err != nil {
			return nil, fmt.Errorf("thaw cached bar: %w", err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
