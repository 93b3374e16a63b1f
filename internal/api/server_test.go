package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barreplay/internal/logging"
	"barreplay/internal/monitoring"
	"barreplay/internal/orchestrator"
)

type fakeCheck struct{ err error }

func (f fakeCheck) HealthCheck(context.Context) error { return f.err }

type fakeRunner struct {
	mu   sync.Mutex
	jobs []orchestrator.Job
}

func (f *fakeRunner) Run(_ context.Context, job orchestrator.Job) (*orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return &orchestrator.Result{}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func newServer(t *testing.T, opts ...Option) (*Server, *orchestrator.History) {
	t.Helper()
	reg := prometheus.NewRegistry()
	history := orchestrator.NewHistory(10)
	opts = append([]Option{WithLogger(logging.Nop()), WithMetricsHandler(monitoring.HandlerFor(reg))}, opts...)
	s := NewServer(":0", monitoring.NewMetrics(reg), history, opts...)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, history
}

func do(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s, _ := newServer(t, WithHealthCheck("database", fakeCheck{}))
	w := do(s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["healthy"])

	s, _ = newServer(t, WithHealthCheck("redis", fakeCheck{err: errors.New("connection refused")}))
	w = do(s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

type fakeSummaries struct {
	last map[string][]byte
	err  error
}

func (f fakeSummaries) LastRun(_ context.Context, ticker string) ([]byte, error) {
	return f.last[ticker], f.err
}

func TestLastRunFallsBackToSummaries(t *testing.T) {
	s, history := newServer(t, WithSummaries(fakeSummaries{last: map[string][]byte{
		"btcusdt": []byte(`{"ticker":"btcusdt","record_count":720}`),
	}}))
	history.Add(orchestrator.BackfillRecord{Ticker: "eosusdt", RecordCount: 1440, Success: true})

	w := do(s, http.MethodGet, "/runs/eosusdt/last", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"record_count":1440`)

	w = do(s, http.MethodGet, "/runs/btcusdt/last", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ticker":"btcusdt","record_count":720}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/runs/ethusdt/last", nil).Code)

	s, _ = newServer(t, WithSummaries(fakeSummaries{err: errors.New("redis down")}))
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/runs/btcusdt/last", nil).Code)
}

func TestRuns(t *testing.T) {
	s, history := newServer(t)
	history.Add(orchestrator.BackfillRecord{Ticker: "eosusdt", RecordCount: 1440, Success: true})
	history.Add(orchestrator.BackfillRecord{Ticker: "btcusdt", RecordCount: 1440, Success: true})

	w := do(s, http.MethodGet, "/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []orchestrator.BackfillRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "btcusdt", records[0].Ticker)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/runs?limit=x", nil).Code)

	w = do(s, http.MethodGet, "/runs/eosusdt/last", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"record_count":1440`)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/runs/ethusdt/last", nil).Code)

	w = do(s, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"runs":2`)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newServer(t)
	do(s, http.MethodGet, "/status", nil)

	w := do(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `barreplay_http_requests_total{endpoint="/status",method="GET",status="200"} 1`)
}

func TestBackfill(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newServer(t, WithRunner(runner))

	w := do(s, http.MethodPost, "/backfill", []byte(`{"ticker":"eosusdt","start_date":"2019-01-01","end_date":"2019-01-02"}`))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Eventually(t, func() bool { return runner.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, time.Date(2019, 1, 2, 0, 0, 0, 0, time.UTC), runner.jobs[0].EndDate)

	assert.Equal(t, http.StatusBadRequest,
		do(s, http.MethodPost, "/backfill", []byte(`{"ticker":"eosusdt","start_date":"2019-01-03","end_date":"2019-01-02"}`)).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/backfill", []byte(`{}`)).Code)
}

func TestBackfillDisabled(t *testing.T) {
	s, _ := newServer(t)
	w := do(s, http.MethodPost, "/backfill", []byte(`{"ticker":"eosusdt","start_date":"2019-01-01","end_date":"2019-01-01"}`))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
