package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/strategyconfig"
	"github.com/luwei/quantflow/internal/workflow"
	"github.com/luwei/quantflow/pkg/logger"
)

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quantflow",
		Subsystem: "api",
		Name:      "backtest_runs_started_total",
		Help:      "Backtest runs accepted via the API.",
	})
	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quantflow",
		Subsystem: "api",
		Name:      "backtest_runs_finished_total",
		Help:      "Backtest runs finished, by terminal status.",
	}, []string{"status"})
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quantflow",
		Subsystem: "api",
		Name:      "backtest_run_duration_seconds",
		Help:      "Wall-clock duration of API-triggered backtest runs.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	})
)

// Run statuses reported by Status and the progress stream.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Runner executes one backtest pipeline. Satisfied by
// workflow.Orchestrator.
type Runner interface {
	Run(ctx context.Context, cfg workflow.RunConfig) (*contracts.BacktestResult, error)
}

// StartRequest is the POST /api/backtest body.
type StartRequest struct {
	StrategyPath    string   `json:"strategyPath"`
	PredictionsPath string   `json:"predictionsPath"`
	From            string   `json:"from"` // YYYY-MM-DD
	To              string   `json:"to"`   // YYYY-MM-DD
	Index           string   `json:"index,omitempty"`
	Instruments     []string `json:"instruments,omitempty"`
	MaxInstruments  int      `json:"maxInstruments,omitempty"`
}

// RunStatusView is one run-state snapshot, also the websocket frame.
type RunStatusView struct {
	Token      string `json:"token"`
	Status     string `json:"status"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt,omitempty"`
	RunID      string `json:"runId,omitempty"`
	Error      string `json:"error,omitempty"`
}

type runState struct {
	mu sync.Mutex

	token      string
	status     string
	startedAt  time.Time
	finishedAt time.Time
	runID      string
	errMsg     string

	cancel context.CancelFunc
}

func (s *runState) snapshot() RunStatusView {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := RunStatusView{
		Token:     s.token,
		Status:    s.status,
		StartedAt: s.startedAt.Format(time.RFC3339),
		RunID:     s.runID,
		Error:     s.errMsg,
	}
	if !s.finishedAt.IsZero() {
		view.FinishedAt = s.finishedAt.Format(time.RFC3339)
	}
	return view
}

func (s *runState) finish(status, runID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.runID = runID
	s.errMsg = errMsg
	s.finishedAt = time.Now()
}

func (s *runState) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status != StatusRunning
}

// BacktestHandler starts runs asynchronously and reports their state
// over plain GET and a websocket progress stream.
type BacktestHandler struct {
	runner   Runner
	logger   *logger.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	runs map[string]*runState
}

// NewBacktestHandler creates a backtest handler.
func NewBacktestHandler(runner Runner, log *logger.Logger) *BacktestHandler {
	return &BacktestHandler{
		runner: runner,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		runs: make(map[string]*runState),
	}
}

// Start launches a run in the background and returns its token.
// POST /api/backtest
func (h *BacktestHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cfg, err := h.buildRunConfig(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &runState{
		token:     uuid.New().String(),
		status:    StatusRunning,
		startedAt: time.Now(),
		cancel:    cancel,
	}

	h.mu.Lock()
	h.runs[state.token] = state
	h.mu.Unlock()

	runsStarted.Inc()
	go h.execute(ctx, state, cfg)

	respondJSON(w, http.StatusAccepted, state.snapshot())
}

// Status reports one run's state.
// GET /api/backtest/{token}
func (h *BacktestHandler) Status(w http.ResponseWriter, r *http.Request) {
	state, ok := h.run(mux.Vars(r)["token"])
	if !ok {
		respondError(w, http.StatusNotFound, "Run not found")
		return
	}
	respondJSON(w, http.StatusOK, state.snapshot())
}

// Cancel stops a running backtest. Canceling a finished run is a no-op.
// DELETE /api/backtest/{token}
func (h *BacktestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	state, ok := h.run(mux.Vars(r)["token"])
	if !ok {
		respondError(w, http.StatusNotFound, "Run not found")
		return
	}

	state.cancel()
	respondJSON(w, http.StatusAccepted, state.snapshot())
}

// Progress streams run-state snapshots over a websocket until the run
// reaches a terminal status.
// GET /api/backtest/{token}/ws
func (h *BacktestHandler) Progress(w http.ResponseWriter, r *http.Request) {
	state, ok := h.run(mux.Vars(r)["token"])
	if !ok {
		respondError(w, http.StatusNotFound, "Run not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(state.snapshot()); err != nil {
			return
		}
		if state.terminal() {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

func (h *BacktestHandler) run(token string) (*runState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	state, ok := h.runs[token]
	return state, ok
}

func (h *BacktestHandler) buildRunConfig(req StartRequest) (workflow.RunConfig, error) {
	strategy, err := strategyconfig.Load(req.StrategyPath)
	if err != nil {
		return workflow.RunConfig{}, err
	}

	from, err := time.Parse("2006-01-02", req.From)
	if err != nil {
		return workflow.RunConfig{}, err
	}
	to, err := time.Parse("2006-01-02", req.To)
	if err != nil {
		return workflow.RunConfig{}, err
	}
	dateRange, err := contracts.NewDateRange(from, to)
	if err != nil {
		return workflow.RunConfig{}, err
	}

	var instruments []contracts.InstrumentCode
	for _, s := range req.Instruments {
		inst, err := contracts.ParseInstrument(s)
		if err != nil {
			return workflow.RunConfig{}, err
		}
		instruments = append(instruments, inst)
	}

	return workflow.RunConfig{
		Strategy:        strategy,
		PredictionsPath: req.PredictionsPath,
		Range:           dateRange,
		Instruments:     instruments,
		Index:           req.Index,
		MaxInstruments:  req.MaxInstruments,
	}, nil
}

func (h *BacktestHandler) execute(ctx context.Context, state *runState, cfg workflow.RunConfig) {
	start := time.Now()

	result, err := h.runner.Run(ctx, cfg)
	runDuration.Observe(time.Since(start).Seconds())

	runID := ""
	if result != nil {
		runID = result.RunID
	}

	switch {
	case result != nil && result.Canceled:
		state.finish(StatusCanceled, runID, "")
		runsFinished.WithLabelValues(StatusCanceled).Inc()
		h.logger.WithField("run_id", runID).Warn("Backtest run canceled")
	case err != nil:
		state.finish(StatusFailed, runID, err.Error())
		runsFinished.WithLabelValues(StatusFailed).Inc()
		h.logger.WithError(err).Error("Backtest run failed")
	default:
		state.finish(StatusCompleted, runID, "")
		runsFinished.WithLabelValues(StatusCompleted).Inc()
		h.logger.WithFields(map[string]interface{}{
			"run_id":   runID,
			"duration": time.Since(start),
		}).Info("Backtest run completed")
	}
}
