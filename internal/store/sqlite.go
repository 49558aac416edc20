package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/luwei/quantflow/internal/contracts"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bars (
	instrument TEXT    NOT NULL,
	period     TEXT    NOT NULL,
	ts         INTEGER NOT NULL,
	open       TEXT    NOT NULL,
	high       TEXT    NOT NULL,
	low        TEXT    NOT NULL,
	close      TEXT    NOT NULL,
	volume     INTEGER NOT NULL,
	amount     TEXT    NOT NULL,
	PRIMARY KEY (instrument, period, ts)
);

CREATE TABLE IF NOT EXISTS index_members (
	index_name TEXT NOT NULL,
	instrument TEXT NOT NULL,
	PRIMARY KEY (index_name, instrument)
);
`

// SQLiteStore is the local file-backed bar store under DATA_PATH.
// Prices are stored as decimal strings so reruns stay byte-identical.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the bar database at
// <root>/bars.db and applies the schema.
func NewSQLiteStore(root string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", filepath.Join(root, "bars.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WriteBars upserts bars in one transaction. Daily collection re-runs
// overwrite the same rows.
func (s *SQLiteStore) WriteBars(ctx context.Context, bars []contracts.Bar) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bar write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (instrument, period, ts, open, high, low, close, volume, amount)
		VALUES (?, 'DAY', ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instrument, period, ts) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, amount = excluded.amount
	`)
	if err != nil {
		return fmt.Errorf("prepare bar write: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx,
			string(b.Instrument), b.Timestamp.Unix(),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			b.Volume, b.Amount.String(),
		); err != nil {
			return fmt.Errorf("write bar %s@%s: %w", b.Instrument, b.Timestamp.Format("2006-01-02"), err)
		}
	}

	return tx.Commit()
}

// WriteMembers replaces the constituents of a named index.
func (s *SQLiteStore) WriteMembers(ctx context.Context, indexName string, members []contracts.InstrumentCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin member write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM index_members WHERE index_name = ?`, indexName); err != nil {
		return fmt.Errorf("clear members of %s: %w", indexName, err)
	}
	for _, inst := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO index_members (index_name, instrument) VALUES (?, ?)`,
			indexName, string(inst),
		); err != nil {
			return fmt.Errorf("write member %s: %w", inst, err)
		}
	}

	return tx.Commit()
}

// Bars streams stored bars for one instrument in chronological order.
func (s *SQLiteStore) Bars(ctx context.Context, inst contracts.InstrumentCode, r contracts.DateRange, p contracts.Period) (contracts.BarIterator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume, amount
		FROM bars
		WHERE instrument = ? AND period = ? AND ts >= ? AND ts < ?
		ORDER BY ts
	`, string(inst), string(p), r.Start.Unix(), r.End.AddDate(0, 0, 1).Unix())
	if err != nil {
		return nil, fmt.Errorf("query bars for %s: %w", inst, err)
	}

	return &sqlRowsIterator{inst: inst, rows: rows}, nil
}

// Instruments lists instruments with stored bars, optionally filtered
// by market prefix.
func (s *SQLiteStore) Instruments(ctx context.Context, market string) ([]contracts.InstrumentCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT instrument FROM bars
		WHERE instrument LIKE ? || '%'
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
func (s *SQLiteStore) Members(ctx context.Context, indexName string) ([]contracts.InstrumentCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument FROM index_members
		WHERE index_name = ?
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

// sqlRowsIterator lazily walks a bars result set.
type sqlRowsIterator struct {
	inst contracts.InstrumentCode
	rows *sql.Rows
	cur  contracts.Bar
	err  error
}

func (it *sqlRowsIterator) Next(ctx context.Context) bool {
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

	var ts int64
	var open, high, low, closing, amount string
	var volume int64
	if err := it.rows.Scan(&ts, &open, &high, &low, &closing, &volume, &amount); err != nil {
		it.err = fmt.Errorf("scan bar: %w", err)
		return false
	}

	bar, err := barFromStrings(it.inst, time.Unix(ts, 0).UTC(), open, high, low, closing, volume, amount)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = bar

	return true
}

func (it *sqlRowsIterator) Bar() contracts.Bar { return it.cur }
func (it *sqlRowsIterator) Err() error         { return it.err }
func (it *sqlRowsIterator) Close() error       { return it.rows.Close() }

// barFromStrings rebuilds a bar from stored decimal strings.
func barFromStrings(inst contracts.InstrumentCode, ts time.Time, open, high, low, closing string, volume int64, amount string) (contracts.Bar, error) {
	parse := func(s string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: stored price %q for %s", contracts.ErrBarDataInvalid, s, inst)
		}
		return d, nil
	}

	bar := contracts.Bar{Instrument: inst, Timestamp: ts, Volume: volume}
	var err error
	if bar.Open, err = parse(open); err != nil {
		return bar, err
	}
	if bar.High, err = parse(high); err != nil {
		return bar, err
	}
	if bar.Low, err = parse(low); err != nil {
		return bar, err
	}
	if bar.Close, err = parse(closing); err != nil {
		return bar, err
	}
	if bar.Amount, err = parse(amount); err != nil {
		return bar, err
	}

	return bar, nil
}
