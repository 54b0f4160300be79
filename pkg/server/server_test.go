package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nnennaai/nai/pkg/config"
	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/engine"
	"github.com/nnennaai/nai/pkg/runstore"
	"github.com/nnennaai/nai/pkg/telemetry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, _ := newTestServerWithEngine(t, nil)
	return srv
}

func newTestServerWithEngine(t *testing.T, metrics *telemetry.SchedulerMetrics) (*Server, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.SaveRuns = false
	cfg.Pipeline.Retries.BaseMS = 1
	cfg.Pipeline.Retries.MaxMS = 5

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(cfg, engine.Options{Logger: logger, Runs: runstore.NewMemoryStore(), Metrics: metrics})
	require.NoError(t, err)
	require.NoError(t, eng.Setup(context.Background()))
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	return New(eng, nil, metrics, logger), eng
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func ingestDocs(t *testing.T, srv *Server) {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/v1/ingest", map[string]any{
		"documents": []domain.Document{
			{ID: "pool.md", Text: "The worker pool runs a fixed number of workers. Tasks queue until a worker is free."},
			{ID: "trace.md", Text: "Every attempt appends one trace event in completion order."},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, w))
}

func TestIngestEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/ingest", map[string]any{
		"documents": []domain.Document{{ID: "a.md", Text: "Retries use exponential backoff."}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := decode[engine.IngestResult](t, w)
	assert.NotEmpty(t, result.RunID)
	assert.Greater(t, result.Indexed, 0)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, domain.RunSucceeded, result.Documents[0].Outcome)
}

func TestIngestEndpointRejectsEmptyBatch(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/ingest", map[string]any{"documents": []domain.Document{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ingestDocs(t, srv)

	w := doJSON(t, srv, http.MethodPost, "/v1/run", map[string]string{
		"query": "how many workers does the worker pool run",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := decode[engine.RunResult](t, w)
	assert.Equal(t, domain.RunSucceeded, result.Outcome)
	assert.NotEmpty(t, result.Answer)
	assert.NotEmpty(t, result.RunID)
}

func TestRunEndpointValidation(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/run", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A query that fails stage validation is a pipeline failure, not a bad
	// request: the run executed and its record says why it failed.
	w = doJSON(t, srv, http.MethodPost, "/v1/run", map[string]string{"query": "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	result := decode[engine.RunResult](t, w)
	assert.Equal(t, domain.RunFailed, result.Outcome)
}

func TestScoreEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ingestDocs(t, srv)

	w := doJSON(t, srv, http.MethodPost, "/v1/score", map[string]string{
		"query":        "how many workers does the worker pool run",
		"ground_truth": "the worker pool runs a fixed number of workers",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := decode[engine.ScoreResult](t, w)
	assert.Equal(t, domain.RunSucceeded, result.Outcome)
	assert.NotEmpty(t, result.Metrics)
	assert.Contains(t, result.Metrics, "f1")
}

func TestRunsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	ingestDocs(t, srv)

	w := doJSON(t, srv, http.MethodPost, "/v1/run", map[string]string{"query": "worker pool"})
	require.Equal(t, http.StatusOK, w.Code)
	run := decode[engine.RunResult](t, w)

	w = doJSON(t, srv, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listing := decode[map[string][]runstore.Summary](t, w)
	require.Len(t, listing["runs"], 2, "one ingest record and one run record")

	w = doJSON(t, srv, http.MethodGet, "/v1/runs/"+run.RunID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	record := decode[domain.RunRecord](t, w)
	assert.Equal(t, run.RunID, record.RunID)
	assert.Equal(t, "run", record.Kind)
	assert.Len(t, record.Stages, 4)

	w = doJSON(t, srv, http.MethodGet, "/v1/runs/no-such-run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunsEndpointTimeRange(t *testing.T) {
	srv, eng := newTestServerWithEngine(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"early", "late"} {
		require.NoError(t, eng.Runs().Append(ctx, &domain.RunRecord{
			RunID:     id,
			Kind:      "run",
			Outcome:   domain.RunSucceeded,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	w := doJSON(t, srv, http.MethodGet, "/v1/runs?from="+url.QueryEscape(base.Add(30*time.Minute).Format(time.RFC3339)), nil)
	require.Equal(t, http.StatusOK, w.Code)
	listing := decode[map[string][]runstore.Summary](t, w)
	require.Len(t, listing["runs"], 1)
	assert.Equal(t, "late", listing["runs"][0].RunID)

	w = doJSON(t, srv, http.MethodGet, "/v1/runs?to="+url.QueryEscape(base.Add(30*time.Minute).Format(time.RFC3339)), nil)
	require.Equal(t, http.StatusOK, w.Code)
	listing = decode[map[string][]runstore.Summary](t, w)
	require.Len(t, listing["runs"], 1)
	assert.Equal(t, "early", listing["runs"][0].RunID)

	w = doJSON(t, srv, http.MethodGet, "/v1/runs?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSeparateMetricsListener(t *testing.T) {
	metrics := telemetry.NewSchedulerMetrics()
	srv, _ := newTestServerWithEngine(t, metrics)

	ctx := context.Background()
	require.NoError(t, srv.Start(ctx, "127.0.0.1:0", "127.0.0.1:0", ""))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(stopCtx)
	})

	require.NotEmpty(t, srv.MetricsAddr())
	require.NotEqual(t, srv.Addr(), srv.MetricsAddr())

	resp, err := http.Get("http://" + srv.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "nai_")

	resp, err = http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBreakerEndpoints(t *testing.T) {
	srv := newTestServer(t)
	ingestDocs(t, srv)

	w := doJSON(t, srv, http.MethodGet, "/v1/breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]map[string]any](t, w)
	require.NotEmpty(t, stats)
	for stage, st := range stats {
		assert.Equal(t, "closed", st["state"], stage)
	}

	w = doJSON(t, srv, http.MethodPost, "/v1/breakers/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reset", decode[map[string]string](t, w)["status"])
}
