package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luwei/quantflow/internal/api/handlers"
	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/internal/workflow"
	"github.com/luwei/quantflow/pkg/logger"
)

type emptyResultStore struct{}

func (emptyResultStore) Save(_ context.Context, r *contracts.BacktestResult) (string, error) {
	return r.RunID, nil
}

func (emptyResultStore) Load(_ context.Context, id string) (*contracts.BacktestResult, error) {
	return nil, contracts.ErrArtifactMissing
}

func (emptyResultStore) List(context.Context) ([]string, error) {
	return nil, nil
}

type noopRunner struct{}

func (noopRunner) Run(context.Context, workflow.RunConfig) (*contracts.BacktestResult, error) {
	return &contracts.BacktestResult{}, nil
}

func testRouter(metrics bool) http.Handler {
	log := logger.NewNop()
	return NewRouter(
		handlers.NewResultsHandler(emptyResultStore{}, log),
		handlers.NewBacktestHandler(noopRunner{}, log),
		metrics,
		log,
	)
}

func TestRouter_Health(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(false).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_MetricsToggle(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(true).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	testRouter(false).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_APIRoutes(t *testing.T) {
	router := testRouter(false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/results", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/results/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/backtest/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
