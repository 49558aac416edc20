package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/pkg/logger"
)

// ResultsHandler serves persisted backtest result artifacts.
type ResultsHandler struct {
	store  contracts.ResultStore
	logger *logger.Logger
}

// NewResultsHandler creates a results handler.
func NewResultsHandler(store contracts.ResultStore, log *logger.Logger) *ResultsHandler {
	return &ResultsHandler{
		store:  store,
		logger: log,
	}
}

// TradeView is the JSON shape of one closed trade. Money fields are
// decimal strings so precision survives the wire.
type TradeView struct {
	Instrument  string `json:"instrument"`
	EntryTime   string `json:"entryTime"`
	EntryPrice  string `json:"entryPrice"`
	ExitTime    string `json:"exitTime"`
	ExitPrice   string `json:"exitPrice"`
	Quantity    int64  `json:"quantity"`
	RealizedPnL string `json:"realizedPnl"`
	FeesTotal   string `json:"feesTotal"`
}

// EquityPointView is one equity-curve sample.
type EquityPointView struct {
	Date   string `json:"date"`
	Equity string `json:"equity"`
}

// EventView is one recorded non-fatal run condition.
type EventView struct {
	Kind       string `json:"kind"`
	Instrument string `json:"instrument"`
	Timestamp  string `json:"timestamp"`
	Detail     string `json:"detail,omitempty"`
}

// MetricsView is the run statistics block. NaN ratios serialize as
// null via the pointer fields.
type MetricsView struct {
	TotalReturn      *float64 `json:"totalReturn"`
	AnnualizedReturn *float64 `json:"annualizedReturn"`
	MaxDrawdown      *float64 `json:"maxDrawdown"`
	Sharpe           *float64 `json:"sharpe"`
	WinRate          *float64 `json:"winRate"`
	ProfitFactor     *float64 `json:"profitFactor"`

	TradingDays   int `json:"tradingDays"`
	TotalTrades   int `json:"totalTrades"`
	WinningTrades int `json:"winningTrades"`
	LosingTrades  int `json:"losingTrades"`
}

// ResultView is the full JSON shape of one run.
type ResultView struct {
	RunID        string            `json:"runId"`
	From         string            `json:"from"`
	To           string            `json:"to"`
	StrategyHash string            `json:"strategyHash,omitempty"`
	Trades       []TradeView       `json:"trades"`
	EquityCurve  []EquityPointView `json:"equityCurve"`
	Events       []EventView       `json:"events"`
	Metrics      MetricsView       `json:"metrics"`
	FinalEquity  string            `json:"finalEquity"`
	Canceled     bool              `json:"canceled"`
	CreatedAt    string            `json:"createdAt"`
}

// List returns all persisted run IDs.
// GET /api/results
func (h *ResultsHandler) List(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.List(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list results")
		respondError(w, http.StatusInternalServerError, "Failed to list results")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"results": ids,
		"count":   len(ids),
	})
}

// Get returns one run in full.
// GET /api/results/{id}
func (h *ResultsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, err := h.store.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, contracts.ErrArtifactMissing) {
			respondError(w, http.StatusNotFound, "Result not found")
			return
		}
		h.logger.WithError(err).WithField("run_id", id).Error("Failed to load result")
		respondError(w, http.StatusInternalServerError, "Failed to load result")
		return
	}

	respondJSON(w, http.StatusOK, NewResultView(result))
}

// NewResultView converts a result into its JSON shape.
func NewResultView(result *contracts.BacktestResult) ResultView {
	view := ResultView{
		RunID:        result.RunID,
		From:         result.Range.Start.Format("2006-01-02"),
		To:           result.Range.End.Format("2006-01-02"),
		StrategyHash: result.Config.StrategyHash,
		Trades:       make([]TradeView, 0, len(result.Trades)),
		EquityCurve:  make([]EquityPointView, 0, len(result.EquityCurve)),
		Events:       make([]EventView, 0, len(result.Events)),
		Metrics: MetricsView{
			TotalReturn:      ratio(result.Metrics.TotalReturn),
			AnnualizedReturn: ratio(result.Metrics.AnnualizedReturn),
			MaxDrawdown:      ratio(result.Metrics.MaxDrawdown),
			Sharpe:           ratio(result.Metrics.Sharpe),
			WinRate:          ratio(result.Metrics.WinRate),
			ProfitFactor:     ratio(result.Metrics.ProfitFactor),
			TradingDays:      result.Metrics.TradingDays,
			TotalTrades:      result.Metrics.TotalTrades,
			WinningTrades:    result.Metrics.WinningTrades,
			LosingTrades:     result.Metrics.LosingTrades,
		},
		FinalEquity: result.FinalEquity.String(),
		Canceled:    result.Canceled,
		CreatedAt:   result.CreatedAt.Format(time.RFC3339),
	}

	for _, t := range result.Trades {
		view.Trades = append(view.Trades, TradeView{
			Instrument:  string(t.Instrument),
			EntryTime:   t.EntryTime.Format(time.RFC3339),
			EntryPrice:  t.EntryPrice.String(),
			ExitTime:    t.ExitTime.Format(time.RFC3339),
			ExitPrice:   t.ExitPrice.String(),
			Quantity:    t.Quantity,
			RealizedPnL: t.RealizedPnL.String(),
			FeesTotal:   t.FeesTotal.String(),
		})
	}
	for _, p := range result.EquityCurve {
		view.EquityCurve = append(view.EquityCurve, EquityPointView{
			Date:   p.Date.Format("2006-01-02"),
			Equity: p.Equity.String(),
		})
	}
	for _, e := range result.Events {
		view.Events = append(view.Events, EventView{
			Kind:       string(e.Kind),
			Instrument: string(e.Instrument),
			Timestamp:  e.Timestamp.Format(time.RFC3339),
			Detail:     e.Detail,
		})
	}

	return view
}

// ratio maps NaN to nil so undefined metrics serialize as JSON null.
func ratio(v float64) *float64 {
	if v != v {
		return nil
	}
	return &v
}
