package collector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/pkg/logger"
)

// BarSource is the upstream market-data feed.
type BarSource interface {
	DailyBars(ctx context.Context, inst contracts.InstrumentCode, r contracts.DateRange) ([]contracts.Bar, error)
	IndexMembers(ctx context.Context, indexName string) ([]contracts.InstrumentCode, error)
}

// Collector pulls bars from a source and persists them through a
// BarWriter. Instruments are fetched concurrently with a bounded
// worker count; one instrument failing fails the whole collection, so
// partial syncs never masquerade as complete ones.
type Collector struct {
	source      BarSource
	writer      contracts.BarWriter
	logger      *logger.Logger
	concurrency int
}

// New creates a collector with the default worker count.
func New(source BarSource, writer contracts.BarWriter, log *logger.Logger) *Collector {
	return &Collector{
		source:      source,
		writer:      writer,
		logger:      log,
		concurrency: 4,
	}
}

// WithConcurrency overrides the worker count.
func (c *Collector) WithConcurrency(n int) *Collector {
	if n > 0 {
		c.concurrency = n
	}
	return c
}

// CollectIndex resolves an index's members, stores the membership, and
// collects bars for every member. Returns the total bar count written.
func (c *Collector) CollectIndex(ctx context.Context, indexName string, r contracts.DateRange) (int, error) {
	members, err := c.source.IndexMembers(ctx, indexName)
	if err != nil {
		return 0, fmt.Errorf("resolve index %s: %w", indexName, err)
	}
	if err := c.writer.WriteMembers(ctx, indexName, members); err != nil {
		return 0, fmt.Errorf("store members of %s: %w", indexName, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"index":   indexName,
		"members": len(members),
	}).Info("Collecting index constituents")

	return c.CollectBars(ctx, members, r)
}

// CollectBars fetches and persists daily bars for the instruments.
func (c *Collector) CollectBars(ctx context.Context, instruments []contracts.InstrumentCode, r contracts.DateRange) (int, error) {
	var total atomic.Int64
	var writeMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, inst := range instruments {
		inst := inst
		g.Go(func() error {
			bars, err := c.source.DailyBars(gctx, inst, r)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", inst, err)
			}
			if len(bars) == 0 {
				c.logger.WithField("instrument", inst).Warn("No bars in range")
				return nil
			}

			writeMu.Lock()
			err = c.writer.WriteBars(gctx, bars)
			writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("write %s: %w", inst, err)
			}

			total.Add(int64(len(bars)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(total.Load()), err
	}

	c.logger.WithFields(map[string]interface{}{
		"instruments": len(instruments),
		"bars":        total.Load(),
	}).Info("Collection finished")

	return int(total.Load()), nil
}
