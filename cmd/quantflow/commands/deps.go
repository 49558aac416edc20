package commands

import (
	"context"
	"fmt"

	"github.com/luwei/quantflow/internal/backtest"
	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/score"
	"github.com/luwei/quantflow/internal/store"
	"github.com/luwei/quantflow/internal/workflow"
	"github.com/luwei/quantflow/pkg/config"
	"github.com/luwei/quantflow/pkg/database"
	"github.com/luwei/quantflow/pkg/logger"
	"github.com/luwei/quantflow/pkg/redis"
)

// deps is the shared wiring every command starts from. Close releases
// whatever backends were actually opened.
type deps struct {
	cfg    *config.Config
	logger *logger.Logger

	store  contracts.BarStore
	writer contracts.BarWriter

	redis   *redis.Client
	closers []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// initDeps loads config and opens the bar store. Postgres is used when
// DATABASE_URL is set, the embedded sqlite store otherwise; Redis wraps
// either as a read-through cache when enabled.
func initDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrConfigInvalid, err)
	}

	if verbose {
		cfg.LogLevel = "debug"
	}
	log := logger.New(cfg)

	d := &deps{cfg: cfg, logger: log}

	if cfg.Database.URL != "" {
		db, err := database.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		d.closers = append(d.closers, db.Close)

		pg, err := store.NewPostgresStore(ctx, db.Pool)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		d.store, d.writer = pg, pg
		log.Info("Using PostgreSQL bar store")
	} else {
		sq, err := store.NewSQLiteStore(cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		d.closers = append(d.closers, func() { sq.Close() })
		d.store, d.writer = sq, sq
		log.WithField("path", cfg.DataPath).Info("Using SQLite bar store")
	}

	if cfg.Redis.Enabled {
		client, err := redis.New(cfg)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		d.redis = client
		d.closers = append(d.closers, func() { client.Close() })

		cache := redis.NewCache(client, "quantflow")
		d.store = store.NewCachedStore(d.store, cache, log)
		log.Info("Redis bar cache enabled")
	}

	return d, nil
}

// newOrchestrator assembles the run pipeline on top of the open store.
func (d *deps) newOrchestrator() (*workflow.Orchestrator, *backtest.FileResultStore, error) {
	results, err := backtest.NewFileResultStore(d.cfg.ResultPath)
	if err != nil {
		return nil, nil, fmt.Errorf("init result store: %w", err)
	}
	loader := score.NewLoader(d.logger)
	return workflow.New(d.store, loader, results, d.logger), results, nil
}

// rateLimiter returns the shared fetch limiter, nil when Redis is off.
func (d *deps) rateLimiter() *redis.RateLimiter {
	if d.redis == nil {
		return nil
	}
	return redis.NewRateLimiter(d.redis, "quantflow")
}
