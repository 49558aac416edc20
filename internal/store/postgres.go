package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luwei/quantflow/internal/contracts"
)

// PostgresStore is the shared bar store for deployments with a
// database. Same schema shape as the SQLite store; prices live in
// NUMERIC columns and surface as decimal strings.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool and ensures the schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	schema := `
		CREATE TABLE IF NOT EXISTS bars (
			instrument TEXT        NOT NULL,
			period     TEXT        NOT NULL,
			ts         TIMESTAMPTZ NOT NULL,
			open       NUMERIC     NOT NULL,
			high       NUMERIC     NOT NULL,
			low        NUMERIC     NOT NULL,
			close      NUMERIC     NOT NULL,
			volume     BIGINT      NOT NULL,
			amount     NUMERIC     NOT NULL,
			PRIMARY KEY (instrument, period, ts)
		);
		CREATE TABLE IF NOT EXISTS index_members (
			index_name TEXT NOT NULL,
			instrument TEXT NOT NULL,
			PRIMARY KEY (index_name, instrument)
		);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// WriteBars upserts bars in one batch.
func (s *PostgresStore) WriteBars(ctx context.Context, bars []contracts.Bar) error {
	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(`
			INSERT INTO bars (instrument, period, ts, open, high, low, close, volume, amount)
			VALUES ($1, 'DAY', $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (instrument, period, ts) DO UPDATE SET
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, volume = excluded.volume, amount = excluded.amount
		`, string(b.Instrument), b.Timestamp,
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			b.Volume, b.Amount.String())
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range bars {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("write bars batch: %w", err)
		}
	}

	return nil
}

// WriteMembers replaces the constituents of a named index.
func (s *PostgresStore) WriteMembers(ctx context.Context, indexName string, members []contracts.InstrumentCode) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin member write: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM index_members WHERE index_name = $1`, indexName); err != nil {
		return fmt.Errorf("clear members of %s: %w", indexName, err)
	}
	for _, inst := range members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO index_members (index_name, instrument) VALUES ($1, $2)`,
			indexName, string(inst),
		); err != nil {
			return fmt.Errorf("write member %s: %w", inst, err)
		}
	}

	return tx.Commit(ctx)
}

// Bars streams stored bars for one instrument in chronological order.
func (s *PostgresStore) Bars(ctx context.Context, inst contracts.InstrumentCode, r contracts.DateRange, p contracts.Period) (contracts.BarIterator, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, open::TEXT, high::TEXT, low::TEXT, close::TEXT, volume, amount::TEXT
		FROM bars
		WHERE instrument = $1 AND period = $2 AND ts >= $3 AND ts < $4
		ORDER BY ts
	`, string(inst), string(p), r.Start, r.End.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("query bars for %s: %w", inst, err)
	}

	return &pgxRowsIterator{inst: inst, rows: rows}, nil
}

// Instruments lists instruments with stored bars, optionally filtered
// by market prefix.
func (s *PostgresStore) Instruments(ctx context.Context, market string) ([]contracts.InstrumentCode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT instrument FROM bars
		WHERE instrument LIKE $1 || '%'
		ORDER BY instrument
	`, market)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var out []contracts.InstrumentCode
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		out = append(out, contracts.InstrumentCode(code))
	}

	return out, rows.Err()
}

// Members lists the stored constituents of a named index.
func (s *PostgresStore) Members(ctx context.Context, indexName string) ([]contracts.InstrumentCode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT instrument FROM index_members
		WHERE index_name = $1
		ORDER BY instrument
	`, indexName)
	if err != nil {
		return nil, fmt.Errorf("query members of %s: %w", indexName, err)
	}
	defer rows.Close()

	var out []contracts.InstrumentCode
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, contracts.InstrumentCode(code))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("unknown index %q", indexName)
	}

	return out, nil
}

// pgxRowsIterator lazily walks a bars result set.
type pgxRowsIterator struct {
	inst contracts.InstrumentCode
	rows pgx.Rows
	cur  contracts.Bar
	err  error
}

func (it *pgxRowsIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = err
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}

	var ts time.Time
	var open, high, low, closing, amount string
	var volume int64
	if err := it.rows.Scan(&ts, &open, &high, &low, &closing, &volume, &amount); err != nil {
		it.err = fmt.Errorf("scan bar: %w", err)
		return false
	}

	bar, err := barFromStrings(it.inst, ts.UTC(), open, high, low, closing, volume, amount)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = bar

	return true
}

func (it *pgxRowsIterator) Bar() contracts.Bar { return it.cur }
func (it *pgxRowsIterator) Err() error         { return it.err }

func (it *pgxRowsIterator) Close() error {
	it.rows.Close()
	return nil
}
