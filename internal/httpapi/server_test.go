package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clinicware/syncbridge/internal/syncbridge"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *syncbridge.Engine) {
	t.Helper()
	var engineCfg syncbridge.Config
	engineCfg.Legacy.Path = filepath.Join(t.TempDir(), "clinic.db")
	engineCfg.Cloud.DSN = "postgres://sync@localhost/clinic?sslmode=disable"
	engineCfg.Tables = []syncbridge.TableConfig{{Name: "patients", Class: syncbridge.ClassIdentity}}
	engineCfg.Normalize()

	engine, err := syncbridge.NewEngine(syncbridge.EngineOptions{Config: engineCfg})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return NewServer(engine, cfg, nil), engine
}

func doRequest(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointNeedsNoAuth(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{Token: "secret"})
	rec := doRequest(t, s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{Token: "secret"})

	rec := doRequest(t, s, http.MethodGet, "/v1/engine/state", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/engine/state", "wrong", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/engine/state", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "uninitialized", body["state"])
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, s, http.MethodGet, "/v1/nope", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/v1/engine/state", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopWhenNotRunning(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, s, http.MethodPost, "/v1/engine/stop", "", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestForceSyncWhenNotRunning(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, s, http.MethodPost, "/v1/sync/force", "", `{"table":"patients"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, s, http.MethodGet, "/v1/sync/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats syncbridge.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Zero(t, stats.TotalOperations)
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, s, http.MethodGet, "/v1/sync/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var report syncbridge.SystemHealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, syncbridge.HealthOffline, report.Status)
}

func TestAlertRoutes(t *testing.T) {
	s, engine := newTestServer(t, ServerConfig{})
	alert := engine.Alerts().Raise(syncbridge.SeverityWarning, "health_monitor", "degraded")

	rec := doRequest(t, s, http.MethodGet, "/v1/alerts", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Alerts []syncbridge.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Alerts, 1)

	// Resolving an unacknowledged alert is rejected.
	rec = doRequest(t, s, http.MethodPost, "/v1/alerts/"+alert.ID+"/resolve", "", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/alerts/"+alert.ID+"/ack", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/alerts/"+alert.ID+"/resolve", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/alerts/missing/ack", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/alerts?active=true", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Empty(t, listing.Alerts)
}

func TestPatternRoutes(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})

	rec := doRequest(t, s, http.MethodPut, "/v1/conflicts/patterns", "",
		`{"pattern":"patients.phone","strategy":{"name":"priority_source","priorityStore":"legacy"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/conflicts/patterns", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Patterns map[string]syncbridge.ResolutionStrategy `json:"patterns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, syncbridge.StoreLegacy, body.Patterns["patients.phone"].PriorityStore)

	rec = doRequest(t, s, http.MethodPut, "/v1/conflicts/patterns", "",
		`{"pattern":"nodot","strategy":{"name":"last_write_wins"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingResolutionRoutes(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})

	rec := doRequest(t, s, http.MethodGet, "/v1/conflicts/pending", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/conflicts/pending/missing/reject", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/conflicts/pending/missing/confirm", "", `{"payload":{"a":1}}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParkedReplayUnknownOperation(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, s, http.MethodPost, "/v1/sync/parked/missing/replay", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	for i := 0; i < 2; i++ {
		rec := doRequest(t, s, http.MethodGet, "/v1/engine/state", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doRequest(t, s, http.MethodGet, "/v1/engine/state", "", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestInvalidJSONBody(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, s, http.MethodPost, "/v1/sync/force", "", `{bad json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDashboardServesHTML(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{Token: "secret"})
	rec := doRequest(t, s, http.MethodGet, "/", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "SyncBridge")
}
