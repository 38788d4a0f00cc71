package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywatch/relaywatch/internal/availability"
	"github.com/relaywatch/relaywatch/internal/config"
	"github.com/relaywatch/relaywatch/internal/health"
	"github.com/relaywatch/relaywatch/internal/pool"
	"github.com/relaywatch/relaywatch/internal/priority"
	"github.com/relaywatch/relaywatch/internal/respcache"

	"github.com/relaywatch/relaywatch/internal/catalog"
)

// fakeUpstream stands in for every gateway endpoint.
func fakeUpstream(t *testing.T, healthyModels map[string]bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if healthyModels[req.Model] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) (*Server, *availability.Service) {
	t.Helper()

	upstream := fakeUpstream(t, map[string]bool{
		"openai/gpt-4":     true,
		"openai/gpt-4o":    true,
		"meta/llama-3-70b": false,
	})

	gw := config.GatewayConfig{
		Name:    "openrouter",
		BaseURL: upstream.URL,
		Models:  []string{"openai/gpt-4", "openai/gpt-4o", "meta/llama-3-70b"},
	}
	monitor := health.NewMonitor(
		health.Config{ProbeTimeout: 2 * time.Second, ProbesPerSecond: 1000},
		catalog.NewStatic([]config.GatewayConfig{gw}),
		[]health.GatewayAuth{{Name: gw.Name, BaseURL: gw.BaseURL}},
		nil,
	)
	require.NoError(t, monitor.RunOnce(t.Context()))

	avail := availability.NewService(availability.Config{}, monitor, nil, nil)
	avail.Refresh()

	cache := respcache.New(respcache.Config{}, nil, nil)
	t.Cleanup(func() { _ = cache.Close() })

	clients := pool.New(pool.DefaultOptions())
	t.Cleanup(clients.Clear)

	return NewServer(monitor, avail, cache, clients, priority.New(), nil), avail
}

func doRequest(t *testing.T, s *Server, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSystemHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/v1/health/system", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["total_models"])
	assert.Equal(t, float64(2), body["healthy_models"])
}

func TestModelHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/v1/health/model?model=openai/gpt-4&gateway=openrouter", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])

	rec = doRequest(t, s, http.MethodGet, "/v1/health/model?model=nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/health/model", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProviderHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/v1/health/provider?provider=meta", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "offline", body["status"])
}

func TestAvailabilityEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/v1/availability/model?model=openai/gpt-4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "available", decodeBody(t, rec)["status"])

	rec = doRequest(t, s, http.MethodGet, "/v1/availability/models?status=available", "")
	require.Equal(t, http.StatusOK, rec.Code)
	models, ok := decodeBody(t, rec)["models"].([]any)
	require.True(t, ok)
	assert.Len(t, models, 2)

	rec = doRequest(t, s, http.MethodGet, "/v1/availability/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decodeBody(t, rec)["total_models"])
}

func TestBestModelEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/v1/availability/best?model=openai/gpt-4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "openai/gpt-4", body["model"])
	assert.Equal(t, false, body["fallback"])

	// The unhealthy model falls through to a same-provider alternative.
	rec = doRequest(t, s, http.MethodGet, "/v1/availability/best?model=meta/llama-3-70b", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMaintenanceEndpoints(t *testing.T) {
	s, avail := newTestServer(t)
	require.True(t, avail.IsModelAvailable("openai/gpt-4", "openrouter"))

	rec := doRequest(t, s, http.MethodPut,
		"/v1/availability/maintenance/openai/gpt-4?gateway=openrouter",
		`{"duration_minutes": 30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "openai/gpt-4", body["model"])
	assert.Equal(t, "openrouter", body["gateway"])
	assert.False(t, avail.IsModelAvailable("openai/gpt-4", "openrouter"))

	rec = doRequest(t, s, http.MethodDelete,
		"/v1/availability/maintenance/openai/gpt-4?gateway=openrouter", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, avail.IsModelAvailable("openai/gpt-4", "openrouter"))
}

func TestMaintenanceValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPut,
		"/v1/availability/maintenance/openai/gpt-4?gateway=openrouter", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPut,
		"/v1/availability/maintenance/openai/gpt-4?gateway=openrouter",
		`{"until": "2001-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPut,
		"/v1/availability/maintenance/openai/gpt-4?gateway=openrouter", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Maintenance always targets one gateway.
	rec = doRequest(t, s, http.MethodPut,
		"/v1/availability/maintenance/openai/gpt-4",
		`{"duration_minutes": 30}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodDelete,
		"/v1/availability/maintenance/openai/gpt-4", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	for _, target := range []string{
		"/v1/cache/stats",
		"/v1/pool/stats",
		"/v1/priority/stats",
	} {
		rec := doRequest(t, s, http.MethodGet, target, "")
		assert.Equal(t, http.StatusOK, rec.Code, target)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), target)
	}

	rec := doRequest(t, s, http.MethodPost, "/v1/cache/clear", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNilSubsystemsReturn404(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, nil, nil)

	for _, target := range []string{
		"/v1/health/system",
		"/v1/availability/summary",
		"/v1/cache/stats",
		"/v1/pool/stats",
		"/v1/priority/stats",
	} {
		rec := doRequest(t, s, http.MethodGet, target, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
}
