package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/auth"
	"github.com/ChuLiYu/stagecoach/internal/coordinator"
	"github.com/ChuLiYu/stagecoach/internal/metrics"
	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/internal/router"
	"github.com/ChuLiYu/stagecoach/internal/storage/wal"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, opts Options, copts ...coordinator.Option) (*gin.Engine, *coordinator.Coordinator) {
	t.Helper()
	dir := t.TempDir()
	c, err := coordinator.New(coordinator.Config{
		WALPath:      filepath.Join(dir, "stagecoach.wal"),
		WAL:          wal.DefaultOptions(),
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
		DefaultTTL:   time.Minute,
	}, pipeline.BuiltinSet(), copts...)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })
	return NewRouter(NewHandler(c), opts), c
}

func do(t *testing.T, r http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	e, _ := decode(t, w)["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func progress(id, stage string, pct int) map[string]any {
	return map[string]any{"id": id, "stage": stage, "status": stage, "percentage": pct}
}

func TestHealth(t *testing.T) {
	r, _ := newTestServer(t, Options{})
	w := do(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestListPipelines(t *testing.T) {
	r, _ := newTestServer(t, Options{})
	w := do(t, r, http.MethodGet, "/api/v1/pipelines", nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := decode(t, w)["data"].([]any)
	var names []string
	for _, p := range data {
		names = append(names, p.(map[string]any)["name"].(string))
	}
	assert.Equal(t, []string{"etl", "job-tracker", "map-async", "router"}, names)
}

func TestProgressFlow(t *testing.T) {
	r, _ := newTestServer(t, Options{})

	w := do(t, r, http.MethodPost, "/api/v1/pipelines/etl/progress", progress("J1", "Initialize", 25))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, true, data["accepted"])

	w = do(t, r, http.MethodPost, "/api/v1/pipelines/etl/progress", progress("J1", "Initialize", 25))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["data"].(map[string]any)["duplicate"])

	w = do(t, r, http.MethodPost, "/api/v1/pipelines/etl/progress", progress("J1", "Enhance", 50))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/pipelines/etl/jobs/J1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "Enhance", snap["stage"])
	assert.Equal(t, float64(50), snap["percentage"])

	w = do(t, r, http.MethodGet, "/api/v1/pipelines/etl/jobs/J1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 2)
}

func TestProgressErrors(t *testing.T) {
	r, _ := newTestServer(t, Options{})
	for _, p := range []map[string]any{progress("J1", "Initialize", 25), progress("J1", "Enhance", 50)} {
		require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/v1/pipelines/etl/progress", p).Code)
	}

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing percentage", "/api/v1/pipelines/etl/progress", map[string]any{"id": "J1", "stage": "Load"}, http.StatusBadRequest, "bad_request"},
		{"percentage out of range", "/api/v1/pipelines/etl/progress", progress("J1", "Load", 150), http.StatusBadRequest, "validation_failed"},
		{"undeclared stage", "/api/v1/pipelines/etl/progress", progress("J1", "Nope", 60), http.StatusBadRequest, "validation_failed"},
		{"stage regression", "/api/v1/pipelines/etl/progress", progress("J1", "Initialize", 60), http.StatusConflict, "out_of_order_stage"},
		{"unknown job", "/api/v1/pipelines/etl/progress", progress("J9", "Load", 90), http.StatusNotFound, "unknown_job"},
		{"unknown pipeline", "/api/v1/pipelines/nope/progress", progress("J1", "Load", 90), http.StatusNotFound, "unknown_pipeline"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestOutOfOrderDetails(t *testing.T) {
	r, _ := newTestServer(t, Options{})
	for _, p := range []map[string]any{
		progress("J1", "Initialize", 25), progress("J1", "Enhance", 50), progress("J1", "Transform", 75),
	} {
		require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/v1/pipelines/etl/progress", p).Code)
	}

	w := do(t, r, http.MethodPost, "/api/v1/pipelines/etl/progress", progress("J1", "Enhance", 80))
	require.Equal(t, http.StatusConflict, w.Code)
	details := decode(t, w)["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "Transform", details["current"])
	assert.Equal(t, "Enhance", details["attempted"])

	snap := decode(t, w)["error"].(map[string]any)["snapshot"].(map[string]any)
	assert.Equal(t, "J1", snap["id"])
	assert.Equal(t, "Transform", snap["stage"])
	assert.Equal(t, float64(75), snap["percentage"])
}

func TestRejectedCallbackCarriesSnapshot(t *testing.T) {
	r, c := newTestServer(t, Options{})
	do(t, r, http.MethodPost, "/api/v1/pipelines/map-async/progress", progress("J1", "Submitted", 10))

	w := do(t, r, http.MethodPost, "/api/v1/pipelines/map-async/jobs/J1/tokens",
		map[string]any{"stage": "Processing", "work": "echo"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	token := decode(t, w)["data"].(map[string]any)["token"].(string)

	// 5% is behind the job's 10%
	w = do(t, r, http.MethodPost, "/api/v1/callbacks",
		map[string]any{"token": token, "output": map[string]any{"percentage": 5}})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	body := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "out_of_order_stage", body["code"])
	snap := body["snapshot"].(map[string]any)
	assert.Equal(t, "Submitted", snap["stage"])
	assert.Equal(t, float64(10), snap["percentage"])
	assert.Len(t, c.PendingTokens(), 1)

	// unknown tokens have no job to report
	w = do(t, r, http.MethodPost, "/api/v1/callbacks", map[string]any{"token": "bogus"})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, decode(t, w)["error"].(map[string]any), "snapshot")
}

func TestGetJobNotFound(t *testing.T) {
	r, _ := newTestServer(t, Options{})
	w := do(t, r, http.MethodGet, "/api/v1/pipelines/etl/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenAndCallback(t *testing.T) {
	r, c := newTestServer(t, Options{})
	do(t, r, http.MethodPost, "/api/v1/pipelines/map-async/progress", progress("J1", "Submitted", 10))

	w := do(t, r, http.MethodPost, "/api/v1/pipelines/map-async/jobs/J1/tokens",
		map[string]any{"stage": "Processing", "work": "echo", "ttl_seconds": 30})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	data := decode(t, w)["data"].(map[string]any)
	token := data["token"].(string)
	assert.NotEmpty(t, token)
	assert.NotEmpty(t, data["work_id"])

	w = do(t, r, http.MethodPost, "/api/v1/callbacks",
		map[string]any{"token": token, "output": map[string]any{"message": "half way"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "Processing", snap["stage"])
	assert.Equal(t, "half way", snap["message"])

	w = do(t, r, http.MethodPost, "/api/v1/callbacks", map[string]any{"token": token})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_redeemed", errorCode(t, w))

	w = do(t, r, http.MethodPost, "/api/v1/callbacks", map[string]any{"token": "bogus"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Empty(t, c.PendingTokens())
}

func TestIssueTokenValidation(t *testing.T) {
	r, _ := newTestServer(t, Options{})
	do(t, r, http.MethodPost, "/api/v1/pipelines/map-async/progress", progress("J1", "Submitted", 10))

	w := do(t, r, http.MethodPost, "/api/v1/pipelines/map-async/jobs/J1/tokens", map[string]any{"work": "echo"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/pipelines/map-async/jobs/J1/tokens", map[string]any{"stage": "Processing", "ttl_seconds": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/pipelines/map-async/jobs/J1/tokens", map[string]any{"stage": "Bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoute(t *testing.T) {
	rt, err := router.New(router.Config{Branches: router.Identity("alpha", "beta")})
	require.NoError(t, err)
	r, _ := newTestServer(t, Options{}, coordinator.WithRouter(rt))

	tests := []struct {
		name   string
		event  map[string]any
		branch string
		data   map[string]any
	}{
		{"matched", map[string]any{"type": "alpha", "n": float64(1)}, "alpha", map[string]any{"n": float64(1)}},
		{"unmatched", map[string]any{"type": "gamma"}, "default", map[string]any{}},
		{"missing discriminant", map[string]any{"n": float64(2)}, "default", map[string]any{"n": float64(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/api/v1/route", tt.event)
			require.Equal(t, http.StatusOK, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.branch, body["branch"])
			assert.Equal(t, tt.data, body["data"])
		})
	}
}

func TestAuthorization(t *testing.T) {
	r, _ := newTestServer(t, Options{Authorizer: auth.NewStatic("s3cret", 0)})

	w := do(t, r, http.MethodPost, "/api/v1/pipelines/etl/progress", progress("J1", "Initialize", 25))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", errorCode(t, w))

	w = do(t, r, http.MethodPost, "/api/v1/pipelines/etl/progress", progress("J1", "Initialize", 25),
		"Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/pipelines/etl/progress", progress("J1", "Initialize", 25),
		"Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, w.Code)

	// reads stay open
	w = do(t, r, http.MethodGet, "/api/v1/pipelines/etl/jobs/J1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

type denyFields struct{ fields []string }

func (d denyFields) Authorize(_ context.Context, _ string) (auth.Decision, error) {
	return auth.Decision{IsAuthorized: true, DeniedFields: d.fields}, nil
}

func TestDeniedFieldsStripped(t *testing.T) {
	r, _ := newTestServer(t, Options{Authorizer: denyFields{fields: []string{"secret"}}})

	w := do(t, r, http.MethodPost, "/api/v1/route", map[string]any{"type": "x", "secret": "pw", "keep": "me"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"keep": "me"}, decode(t, w)["data"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	r, _ := newTestServer(t, Options{Metrics: metrics.Handler(reg)}, coordinator.WithMetrics(m))

	do(t, r, http.MethodPost, "/api/v1/pipelines/etl/progress", progress("J1", "Initialize", 25))

	w := do(t, r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stagecoach_advances_total")
}

func TestStatusMapping(t *testing.T) {
	code, name := Status(context.DeadlineExceeded)
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, "timeout", name)

	code, name = Status(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal_error", name)
}
