package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/leadgen-engine/internal/app"
)

type pingStub struct{ err error }

func (p pingStub) Ping(_ context.Context) error { return p.err }

type redisPingStub struct{ err error }

func (r redisPingStub) Err() error { return r.err }

type redisStub struct{ err error }

func (r redisStub) Ping(_ context.Context) app.RedisPingResult { return redisPingStub{err: r.err} }

func readyReport(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var report map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	return report
}

func TestReadiness_AllHealthy(t *testing.T) {
	t.Parallel()
	h := app.ReadinessHandler(pingStub{}, pingStub{}, redisStub{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	report := readyReport(t, rec)
	assert.Equal(t, "ok", report["db"])
	assert.Equal(t, "ok", report["broker"])
	assert.Equal(t, "ok", report["redis"])
}

func TestReadiness_BrokerDownIs503(t *testing.T) {
	t.Parallel()
	h := app.ReadinessHandler(pingStub{}, pingStub{err: fmt.Errorf("no brokers")}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	report := readyReport(t, rec)
	assert.Equal(t, "ok", report["db"])
	assert.Contains(t, report["broker"], "no brokers")
	assert.NotContains(t, report, "redis")
}

func TestReadiness_NilDBReportsNotConfigured(t *testing.T) {
	t.Parallel()
	h := app.ReadinessHandler(nil, pingStub{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, readyReport(t, rec)["db"], "not configured")
}
