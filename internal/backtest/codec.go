package backtest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/luwei/quantflow/internal/contracts"
)

// Result artifacts are framed as 4-byte magic + big-endian uint16
// schema version, followed by one msgpack document. Decimals travel as
// strings so round trips preserve exact values.
const (
	resultMagic   = "QFBT"
	resultVersion = uint16(1)
	resultExt     = ".qfbt"
)

type wireConfig struct {
	InitialCapital   string `msgpack:"initial_capital"`
	CommissionRate   string `msgpack:"commission_rate"`
	MinCommission    string `msgpack:"min_commission"`
	StampTaxRate     string `msgpack:"stamp_tax_rate"`
	TransferFeeRate  string `msgpack:"transfer_fee_rate"`
	SlippageRate     string `msgpack:"slippage_rate"`
	MaxPositionPct   string `msgpack:"max_position_pct"`
	LotSize          int64  `msgpack:"lot_size"`
	CashBuffer       string `msgpack:"cash_buffer"`
	FinalLiquidation bool   `msgpack:"final_liquidation"`
	BarFetchTimeout  int64  `msgpack:"bar_fetch_timeout_ns"`
	FetchRetryBudget int    `msgpack:"fetch_retry_budget"`
	StrategyHash     string `msgpack:"strategy_hash"`
	RandomSeed       int64  `msgpack:"random_seed"`
}

type wireTrade struct {
	Instrument  string `msgpack:"instrument"`
	EntryTime   int64  `msgpack:"entry_time"`
	EntryPrice  string `msgpack:"entry_price"`
	ExitTime    int64  `msgpack:"exit_time"`
	ExitPrice   string `msgpack:"exit_price"`
	Quantity    int64  `msgpack:"quantity"`
	RealizedPnL string `msgpack:"realized_pnl"`
	FeesTotal   string `msgpack:"fees_total"`
}

type wireEquityPoint struct {
	Date   int64  `msgpack:"date"`
	Equity string `msgpack:"equity"`
}

type wireEvent struct {
	Kind       string `msgpack:"kind"`
	Instrument string `msgpack:"instrument"`
	Timestamp  int64  `msgpack:"timestamp"`
	Detail     string `msgpack:"detail"`
}

type wireMetrics struct {
	TotalReturn      float64 `msgpack:"total_return"`
	AnnualizedReturn float64 `msgpack:"annualized_return"`
	MaxDrawdown      float64 `msgpack:"max_drawdown"`
	Sharpe           float64 `msgpack:"sharpe"`
	WinRate          float64 `msgpack:"win_rate"`
	ProfitFactor     float64 `msgpack:"profit_factor"`
	TradingDays      int     `msgpack:"trading_days"`
	TotalTrades      int     `msgpack:"total_trades"`
	WinningTrades    int     `msgpack:"winning_trades"`
	LosingTrades     int     `msgpack:"losing_trades"`
}

type wireResult struct {
	RunID       string            `msgpack:"run_id"`
	Config      wireConfig        `msgpack:"config"`
	RangeStart  int64             `msgpack:"range_start"`
	RangeEnd    int64             `msgpack:"range_end"`
	Trades      []wireTrade       `msgpack:"trades"`
	EquityCurve []wireEquityPoint `msgpack:"equity_curve"`
	Events      []wireEvent       `msgpack:"events"`
	Metrics     wireMetrics       `msgpack:"metrics"`
	FinalEquity string            `msgpack:"final_equity"`
	Canceled    bool              `msgpack:"canceled"`
	CreatedAt   int64             `msgpack:"created_at"`
}

// EncodeResult frames and serializes a result artifact.
func EncodeResult(w io.Writer, result *contracts.BacktestResult) error {
	if _, err := w.Write([]byte(resultMagic)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, resultVersion); err != nil {
		return err
	}
	return msgpack.NewEncoder(w).Encode(toWire(result))
}

// DecodeResult reads a framed artifact back into a BacktestResult.
func DecodeResult(rd io.Reader) (*contracts.BacktestResult, error) {
	magic := make([]byte, len(resultMagic))
	if _, err := io.ReadFull(rd, magic); err != nil {
		return nil, fmt.Errorf("%w: short result header: %v", contracts.ErrArtifactCorrupt, err)
	}
	if string(magic) != resultMagic {
		return nil, fmt.Errorf("%w: bad result magic %q", contracts.ErrArtifactCorrupt, magic)
	}

	var version uint16
	if err := binary.Read(rd, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: short result header: %v", contracts.ErrArtifactCorrupt, err)
	}
	if version != resultVersion {
		return nil, fmt.Errorf("%w: unsupported result version %d", contracts.ErrArtifactCorrupt, version)
	}

	var wire wireResult
	if err := msgpack.NewDecoder(rd).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode result: %v", contracts.ErrArtifactCorrupt, err)
	}

	return fromWire(&wire)
}

func toWire(r *contracts.BacktestResult) *wireResult {
	w := &wireResult{
		RunID: r.RunID,
		Config: wireConfig{
			InitialCapital:   r.Config.InitialCapital.String(),
			CommissionRate:   r.Config.CommissionRate.String(),
			MinCommission:    r.Config.MinCommission.String(),
			StampTaxRate:     r.Config.StampTaxRate.String(),
			TransferFeeRate:  r.Config.TransferFeeRate.String(),
			SlippageRate:     r.Config.SlippageRate.String(),
			MaxPositionPct:   r.Config.MaxPositionPct.String(),
			LotSize:          r.Config.LotSize,
			CashBuffer:       r.Config.CashBuffer.String(),
			FinalLiquidation: r.Config.FinalLiquidation,
			BarFetchTimeout:  int64(r.Config.BarFetchTimeout),
			FetchRetryBudget: r.Config.FetchRetryBudget,
			StrategyHash:     r.Config.StrategyHash,
			RandomSeed:       r.Config.RandomSeed,
		},
		RangeStart: r.Range.Start.Unix(),
		RangeEnd:   r.Range.End.Unix(),
		Metrics: wireMetrics{
			TotalReturn:      r.Metrics.TotalReturn,
			AnnualizedReturn: r.Metrics.AnnualizedReturn,
			MaxDrawdown:      r.Metrics.MaxDrawdown,
			Sharpe:           r.Metrics.Sharpe,
			WinRate:          r.Metrics.WinRate,
			ProfitFactor:     r.Metrics.ProfitFactor,
			TradingDays:      r.Metrics.TradingDays,
			TotalTrades:      r.Metrics.TotalTrades,
			WinningTrades:    r.Metrics.WinningTrades,
			LosingTrades:     r.Metrics.LosingTrades,
		},
		FinalEquity: r.FinalEquity.String(),
		Canceled:    r.Canceled,
		CreatedAt:   r.CreatedAt.UnixNano(),
	}

	for _, t := range r.Trades {
		w.Trades = append(w.Trades, wireTrade{
			Instrument:  string(t.Instrument),
			EntryTime:   t.EntryTime.UnixNano(),
			EntryPrice:  t.EntryPrice.String(),
			ExitTime:    t.ExitTime.UnixNano(),
			ExitPrice:   t.ExitPrice.String(),
			Quantity:    t.Quantity,
			RealizedPnL: t.RealizedPnL.String(),
			FeesTotal:   t.FeesTotal.String(),
		})
	}
	for _, p := range r.EquityCurve {
		w.EquityCurve = append(w.EquityCurve, wireEquityPoint{
			Date:   p.Date.Unix(),
			Equity: p.Equity.String(),
		})
	}
	for _, ev := range r.Events {
		w.Events = append(w.Events, wireEvent{
			Kind:       string(ev.Kind),
			Instrument: string(ev.Instrument),
			Timestamp:  ev.Timestamp.UnixNano(),
			Detail:     ev.Detail,
		})
	}

	return w
}

func fromWire(w *wireResult) (*contracts.BacktestResult, error) {
	dec := func(s string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: bad decimal %q", contracts.ErrArtifactCorrupt, s)
		}
		return d, nil
	}

	cfg := contracts.BacktestConfig{
		LotSize:          w.Config.LotSize,
		FinalLiquidation: w.Config.FinalLiquidation,
		BarFetchTimeout:  time.Duration(w.Config.BarFetchTimeout),
		FetchRetryBudget: w.Config.FetchRetryBudget,
		StrategyHash:     w.Config.StrategyHash,
		RandomSeed:       w.Config.RandomSeed,
	}

	var err error
	if cfg.InitialCapital, err = dec(w.Config.InitialCapital); err != nil {
		return nil, err
	}
	if cfg.CommissionRate, err = dec(w.Config.CommissionRate); err != nil {
		return nil, err
	}
	if cfg.MinCommission, err = dec(w.Config.MinCommission); err != nil {
		return nil, err
	}
	if cfg.StampTaxRate, err = dec(w.Config.StampTaxRate); err != nil {
		return nil, err
	}
	if cfg.TransferFeeRate, err = dec(w.Config.TransferFeeRate); err != nil {
		return nil, err
	}
	if cfg.SlippageRate, err = dec(w.Config.SlippageRate); err != nil {
		return nil, err
	}
	if cfg.MaxPositionPct, err = dec(w.Config.MaxPositionPct); err != nil {
		return nil, err
	}
	if cfg.CashBuffer, err = dec(w.Config.CashBuffer); err != nil {
		return nil, err
	}

	result := &contracts.BacktestResult{
		RunID:  w.RunID,
		Config: cfg,
		Range: contracts.DateRange{
			Start: time.Unix(w.RangeStart, 0).UTC(),
			End:   time.Unix(w.RangeEnd, 0).UTC(),
		},
		Metrics: contracts.Metrics{
			TotalReturn:      w.Metrics.TotalReturn,
			AnnualizedReturn: w.Metrics.AnnualizedReturn,
			MaxDrawdown:      w.Metrics.MaxDrawdown,
			Sharpe:           w.Metrics.Sharpe,
			WinRate:          w.Metrics.WinRate,
			ProfitFactor:     w.Metrics.ProfitFactor,
			TradingDays:      w.Metrics.TradingDays,
			TotalTrades:      w.Metrics.TotalTrades,
			WinningTrades:    w.Metrics.WinningTrades,
			LosingTrades:     w.Metrics.LosingTrades,
		},
		Canceled:  w.Canceled,
		CreatedAt: time.Unix(0, w.CreatedAt).UTC(),
	}
	if result.FinalEquity, err = dec(w.FinalEquity); err != nil {
		return nil, err
	}

	for _, t := range w.Trades {
		trade := contracts.Trade{
			Instrument: contracts.InstrumentCode(t.Instrument),
			EntryTime:  time.Unix(0, t.EntryTime).UTC(),
			ExitTime:   time.Unix(0, t.ExitTime).UTC(),
			Quantity:   t.Quantity,
		}
		if trade.EntryPrice, err = dec(t.EntryPrice); err != nil {
			return nil, err
		}
		if trade.ExitPrice, err = dec(t.ExitPrice); err != nil {
			return nil, err
		}
		if trade.RealizedPnL, err = dec(t.RealizedPnL); err != nil {
			return nil, err
		}
		if trade.FeesTotal, err = dec(t.FeesTotal); err != nil {
			return nil, err
		}
		result.Trades = append(result.Trades, trade)
	}

	for _, p := range w.EquityCurve {
		pt := contracts.EquityPoint{Date: time.Unix(p.Date, 0).UTC()}
		if pt.Equity, err = dec(p.Equity); err != nil {
			return nil, err
		}
		result.EquityCurve = append(result.EquityCurve, pt)
	}

	for _, ev := range w.Events {
		result.Events = append(result.Events, contracts.RunEvent{
			Kind:       contracts.EventKind(ev.Kind),
			Instrument: contracts.InstrumentCode(ev.Instrument),
			Timestamp:  time.Unix(0, ev.Timestamp).UTC(),
			Detail:     ev.Detail,
		})
	}

	return result, nil
}

// FileResultStore keeps one artifact per run under a root directory.
type FileResultStore struct {
	root string
}

// NewFileResultStore creates the root directory if needed.
func NewFileResultStore(root string) (*FileResultStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	return &FileResultStore{root: root}, nil
}

// Save writes the result artifact and returns its id (the run id).
func (s *FileResultStore) Save(_ context.Context, result *contracts.BacktestResult) (string, error) {
	id := result.RunID
	if id == "" {
		id = uuid.NewString()
	}

	var buf bytes.Buffer
	if err := EncodeResult(&buf, result); err != nil {
		return "", fmt.Errorf("encode result %s: %w", id, err)
	}

	path := filepath.Join(s.root, id+resultExt)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write result %s: %w", id, err)
	}

	return id, nil
}

// Load reads one artifact back by id.
func (s *FileResultStore) Load(_ context.Context, id string) (*contracts.BacktestResult, error) {
	f, err := os.Open(filepath.Join(s.root, id+resultExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: result %s", contracts.ErrArtifactMissing, id)
		}
		return nil, fmt.Errorf("open result %s: %w", id, err)
	}
	defer f.Close()

	return DecodeResult(f)
}

// List returns the stored run ids, sorted.
func (s *FileResultStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), resultExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), resultExt))
	}
	sort.Strings(ids)

	return ids, nil
}
