package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smoke-http/smoke/mwctx"
	"github.com/smoke-http/smoke/pipeline"
	"github.com/smoke-http/smoke/writer"
)

func notFoundFinal(ctx context.Context, raw *pipeline.RawRequest, w *writer.Writer, mc *mwctx.Context) error {
	if err := w.SetStatus(http.StatusNotFound); err != nil {
		return err
	}
	return w.CommitAndCompleteWith([]byte("not found"))
}

func runHealth(mw OuterMiddleware, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	w := writer.Wrap(rec, nil)
	req := httptest.NewRequest(method, target, nil)
	_ = mw(notFoundFinal)(context.Background(), &pipeline.RawRequest{HTTP: req}, w, testMC())
	return rec
}

func TestHealthCheckDefaultPath(t *testing.T) {
	mw := RegisterHealthCheck(HealthCheckConfig{Path: "/health"})
	rec := runHealth(mw, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestHealthCheckCustomPath(t *testing.T) {
	mw := RegisterHealthCheck(HealthCheckConfig{Path: "/healthz"})
	rec := runHealth(mw, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestHealthCheckCustomServiceName(t *testing.T) {
	mw := RegisterHealthCheck(HealthCheckConfig{Path: "/health", ServiceName: "my-service"})
	rec := runHealth(mw, http.MethodGet, "/health")
	require.Contains(t, rec.Body.String(), `"service":"my-service"`)
}

func TestHealthCheckUnhealthy(t *testing.T) {
	mw := RegisterHealthCheck(HealthCheckConfig{
		Path:            "/health",
		HealthCheckFunc: func() error { return errors.New("database connection failed") },
	})
	rec := runHealth(mw, http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
	require.Contains(t, rec.Body.String(), "database connection failed")
}

func TestHealthCheckDifferentPathPassesThrough(t *testing.T) {
	mw := RegisterHealthCheck(HealthCheckConfig{Path: "/health"})
	rec := runHealth(mw, http.MethodGet, "/status")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthCheckWithPathHelper(t *testing.T) {
	cfg := HealthCheckWithPath("/test")
	require.Equal(t, "/test", cfg.Path)
	require.Equal(t, "smoke", cfg.ServiceName)
	require.Nil(t, cfg.HealthCheckFunc)

	cfg = HealthCheckWithPath("/test", func() error { return nil })
	require.NotNil(t, cfg.HealthCheckFunc)
}

func TestHealthCheckConfigDefaults(t *testing.T) {
	mw := RegisterHealthCheck()
	rec := runHealth(mw, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"service":"smoke"`)
}

func TestHealthCheckErrorAndSuccessCallbacks(t *testing.T) {
	var errorCalled, successCalled bool
	mw := RegisterHealthCheck(HealthCheckConfig{
		Path:            "/health",
		HealthCheckFunc: func() error { return errors.New("boom") },
		OnErrorFunc:     func(mc *mwctx.Context, err error) { errorCalled = true },
		OnSuccessFunc:   func(mc *mwctx.Context) { successCalled = true },
	})
	rec := runHealth(mw, http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.True(t, errorCalled)
	require.False(t, successCalled)
}

func TestHealthCheckSuccessCallback(t *testing.T) {
	var successCalled bool
	mw := RegisterHealthCheck(HealthCheckConfig{
		Path:            "/health",
		HealthCheckFunc: func() error { return nil },
		OnSuccessFunc:   func(mc *mwctx.Context) { successCalled = true },
	})
	rec := runHealth(mw, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, successCalled)
}

func TestHealthCheckTimestampFormat(t *testing.T) {
	mw := RegisterHealthCheck(HealthCheckConfig{Path: "/health"})
	rec := runHealth(mw, http.MethodGet, "/health")
	var resp struct {
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	_, err := time.Parse(time.RFC3339, resp.Timestamp)
	require.NoError(t, err)
}
