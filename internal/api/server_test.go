package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-alerts/internal/alerts"
	"spot-alerts/internal/domain"
	"spot-alerts/internal/metrics"
	"spot-alerts/internal/service"
	"spot-alerts/internal/storage"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type idleState struct{}

func (idleState) State() service.State { return service.Idle }

func newTestServer(t *testing.T, svc AlertService, pinger Pinger) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(Options{
		Alerts:      svc,
		Pinger:      pinger,
		Poller:      idleState{},
		Metrics:     metrics.New().Handler(),
		CORSOrigins: []string{"*"},
		Logger:      zerolog.Nop(),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func memoryService() AlertService {
	return alerts.NewService(storage.NewMemory(), alerts.Options{
		Expiration:     time.Hour,
		EnabledSources: []string{domain.SourcePSKReporter},
	}, zerolog.Nop())
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestAlertLifecycle(t *testing.T) {
	srv := newTestServer(t, memoryService(), nil)
	base := srv.URL + "/api/v1/owners/12345/alerts"

	resp, body := do(t, http.MethodPost, base, `{"pattern":"n4","is_prefix":true,"modes":["ft8"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := int64(body["id"].(float64))
	assert.Positive(t, id)

	resp, body = do(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["alerts"].([]any)
	require.Len(t, list, 1)
	first := list[0].(map[string]any)
	assert.Equal(t, "N4", first["pattern"])
	assert.Equal(t, true, first["is_prefix"])
	assert.Equal(t, []any{"FT8"}, first["modes"])

	resp, _ = do(t, http.MethodDelete, base+"/"+jsonNumber(id), "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, http.MethodDelete, base+"/"+jsonNumber(id), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"].(map[string]any)["code"])

	resp, body = do(t, http.MethodGet, base+"?active=false", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["alerts"].([]any), 1)
}

func TestRemoveByPattern(t *testing.T) {
	srv := newTestServer(t, memoryService(), nil)
	base := srv.URL + "/api/v1/owners/o/alerts"

	for i := 0; i < 2; i++ {
		resp, _ := do(t, http.MethodPost, base, `{"pattern":"N4OG"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := do(t, http.MethodDelete, base+"?pattern=n4og", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["removed"])

	resp, _ = do(t, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidationMapsTo400(t *testing.T) {
	srv := newTestServer(t, memoryService(), nil)
	base := srv.URL + "/api/v1/owners/o/alerts"

	resp, body := do(t, http.MethodPost, base, `{"pattern":"N4OG","modes":["SSB"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", body["error"].(map[string]any)["code"])

	resp, _ = do(t, http.MethodPost, base, `{"pattern":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, base, `{"pattern":"N4OG","owner":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields rejected")

	resp, _ = do(t, http.MethodDelete, base+"/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, base+"?active=maybe", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type unavailable struct{ AlertService }

func (unavailable) ListAlerts(context.Context, string, bool) ([]domain.Alert, error) {
	return nil, &domain.PersistenceError{Op: "list alerts", Err: errors.New("connection refused")}
}

func TestPersistenceMapsTo503(t *testing.T) {
	srv := newTestServer(t, unavailable{}, nil)
	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/owners/o/alerts", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotContains(t, body["error"].(map[string]any)["message"], "connection refused")
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, memoryService(), fakePinger{})
	resp, body := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, "idle", body["poller"])

	down := newTestServer(t, memoryService(), fakePinger{err: errors.New("no route to host")})
	resp, body = do(t, http.MethodGet, down.URL+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, memoryService(), nil)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, memoryService(), nil)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/owners/o/alerts", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
