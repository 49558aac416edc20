package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/luwei/quantflow/internal/collector"
	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/pkg/logger"
)

// DataSyncJob refreshes the bar store for a configured index after the
// A-share close.
type DataSyncJob struct {
	collector *collector.Collector
	indexName string
	lookback  int
	logger    *logger.Logger
}

// NewDataSyncJob creates the daily sync job. lookback is the number of
// calendar days to re-fetch; collection upserts, so overlap is safe.
func NewDataSyncJob(col *collector.Collector, indexName string, lookback int, log *logger.Logger) *DataSyncJob {
	if lookback <= 0 {
		lookback = 5
	}
	return &DataSyncJob{
		collector: col,
		indexName: indexName,
		lookback:  lookback,
		logger:    log,
	}
}

func (j *DataSyncJob) Name() string {
	return "data_sync"
}

// Schedule fires at 16:30 local time, after the 15:00 close plus
// settlement publishing lag.
func (j *DataSyncJob) Schedule() string {
	return "0 30 16 * * MON-FRI"
}

func (j *DataSyncJob) Run(ctx context.Context) error {
	to := time.Now()
	from := to.AddDate(0, 0, -j.lookback)

	r, err := contracts.NewDateRange(from, to)
	if err != nil {
		return err
	}

	j.logger.WithFields(map[string]interface{}{
		"index": j.indexName,
		"from":  r.Start.Format("2006-01-02"),
		"to":    r.End.Format("2006-01-02"),
	}).Info("Starting scheduled bar sync")

	n, err := j.collector.CollectIndex(ctx, j.indexName, r)
	if err != nil {
		return fmt.Errorf("collect %s: %w", j.indexName, err)
	}

	j.logger.WithField("bars", n).Info("Scheduled bar sync completed")
	return nil
}
