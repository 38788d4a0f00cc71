package health

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywatch/relaywatch/internal/catalog"
	"github.com/relaywatch/relaywatch/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestMonitor(t *testing.T, baseURL string, models ...string) *Monitor {
	t.Helper()
	gw := config.GatewayConfig{Name: "groq", BaseURL: baseURL, Models: models}
	return NewMonitor(
		Config{ProbeTimeout: 2 * time.Second, ProbesPerSecond: 1000},
		catalog.NewStatic([]config.GatewayConfig{gw}),
		[]GatewayAuth{{Name: gw.Name, BaseURL: gw.BaseURL, APIKey: "test-key"}},
		testLogger(),
	)
}

func TestRunOnceHealthy(t *testing.T) {
	var gotUA, gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	m := newTestMonitor(t, srv.URL, "openai/gpt-4", "meta/llama-3-70b")
	require.NoError(t, m.RunOnce(context.Background()))

	mh, ok := m.ModelHealth("openai/gpt-4", "groq")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, mh.Status)
	assert.Equal(t, int64(1), mh.TotalRequests)
	assert.Equal(t, int64(0), mh.ErrorCount)
	assert.Equal(t, 1.0, mh.SuccessRate)
	assert.Equal(t, 100.0, mh.UptimePercentage)
	assert.False(t, mh.LastSuccess.IsZero())
	assert.True(t, mh.LastFailure.IsZero())

	assert.Equal(t, "HealthMonitor/1.0", gotUA.Load())
	assert.Equal(t, "Bearer test-key", gotAuth.Load())

	ph, ok := m.ProviderHealth("openai", "groq")
	require.True(t, ok)
	assert.Equal(t, ProviderOnline, ph.Status)
	assert.Equal(t, 1, ph.TotalModels)
	assert.Equal(t, 1, ph.HealthyModels)

	sys, ok := m.SystemHealth()
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, sys.OverallStatus)
	assert.Equal(t, 2, sys.TotalProviders)
	assert.Equal(t, 2, sys.TotalModels)
	assert.Equal(t, 100.0, sys.SystemUptime)
}

func TestRunOnceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	m := newTestMonitor(t, srv.URL, "openai/gpt-4")
	require.NoError(t, m.RunOnce(context.Background()))

	mh, ok := m.ModelHealth("openai/gpt-4", "groq")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, mh.Status)
	assert.Equal(t, int64(1), mh.TotalRequests)
	assert.Equal(t, int64(1), mh.ErrorCount)
	assert.Equal(t, 0.0, mh.SuccessRate)
	assert.Contains(t, mh.ErrorMessage, "HTTP 503")
	assert.Contains(t, mh.ErrorMessage, "upstream down")
	assert.False(t, mh.LastFailure.IsZero())

	ph, ok := m.ProviderHealth("openai", "groq")
	require.True(t, ok)
	assert.Equal(t, ProviderOffline, ph.Status)

	sys, ok := m.SystemHealth()
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, sys.OverallStatus)
}

func TestRunOnceConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse all connections

	m := newTestMonitor(t, srv.URL, "openai/gpt-4")
	require.NoError(t, m.RunOnce(context.Background()))

	mh, ok := m.ModelHealth("openai/gpt-4", "groq")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, mh.Status)
	assert.Contains(t, mh.ErrorMessage, "request error")
}

func TestSuccessRateOverMultiplePasses(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Third probe fails, the rest succeed.
		if calls.Add(1) == 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestMonitor(t, srv.URL, "openai/gpt-4")
	for i := 0; i < 10; i++ {
		require.NoError(t, m.RunOnce(context.Background()))
	}

	mh, ok := m.ModelHealth("openai/gpt-4", "groq")
	require.True(t, ok)
	assert.Equal(t, int64(10), mh.TotalRequests)
	assert.Equal(t, int64(1), mh.ErrorCount)
	assert.InDelta(t, 0.9, mh.SuccessRate, 1e-9)
	assert.InDelta(t, 90.0, mh.UptimePercentage, 1e-9)
	assert.Equal(t, StatusHealthy, mh.Status, "status reflects the latest probe")
}

func TestModelsPerGatewayCap(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := config.GatewayConfig{
		Name:    "groq",
		BaseURL: srv.URL,
		Models:  []string{"a/m1", "a/m2", "a/m3", "a/m4", "a/m5", "a/m6", "a/m7"},
	}
	m := NewMonitor(
		Config{ProbeTimeout: 2 * time.Second, ProbesPerSecond: 1000, ModelsPerGateway: 5},
		catalog.NewStatic([]config.GatewayConfig{gw}),
		[]GatewayAuth{{Name: gw.Name, BaseURL: gw.BaseURL}},
		testLogger(),
	)
	require.NoError(t, m.RunOnce(context.Background()))

	assert.Equal(t, int64(5), calls.Load())
	assert.Len(t, m.AllModels("groq"), 5)
}

func TestProviderDegradedThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestMonitor(t, srv.URL, "a/m1", "a/m2", "a/m3")
	require.NoError(t, m.RunOnce(context.Background()))

	// Force one of the three models unhealthy and rebuild aggregates.
	m.updateHealthData(&ModelHealth{
		ModelID: "a/m1", Provider: "a", Gateway: "groq",
		Status: StatusUnhealthy, LastChecked: time.Now(),
	})
	m.mu.Lock()
	m.rebuildProviderMetricsLocked()
	m.rebuildSystemMetricsLocked()
	m.mu.Unlock()

	ph, ok := m.ProviderHealth("a", "groq")
	require.True(t, ok)
	assert.Equal(t, ProviderDegraded, ph.Status, "1 of 3 unhealthy is under the 50% cutoff")
	assert.Equal(t, 1, ph.UnhealthyModels)

	// Two of three unhealthy crosses the cutoff.
	m.updateHealthData(&ModelHealth{
		ModelID: "a/m2", Provider: "a", Gateway: "groq",
		Status: StatusUnhealthy, LastChecked: time.Now(),
	})
	m.mu.Lock()
	m.rebuildProviderMetricsLocked()
	m.mu.Unlock()

	ph, ok = m.ProviderHealth("a", "groq")
	require.True(t, ok)
	assert.Equal(t, ProviderOffline, ph.Status)
}

func TestAvgResponseTimeBlending(t *testing.T) {
	m := newTestMonitor(t, "http://unused", "a/m1")
	now := time.Now()

	m.updateHealthData(&ModelHealth{
		ModelID: "a/m1", Provider: "a", Gateway: "groq",
		Status: StatusHealthy, ResponseTimeMs: 100, LastChecked: now,
	})
	m.updateHealthData(&ModelHealth{
		ModelID: "a/m1", Provider: "a", Gateway: "groq",
		Status: StatusHealthy, ResponseTimeMs: 300, LastChecked: now,
	})

	mh, ok := m.ModelHealth("a/m1", "groq")
	require.True(t, ok)
	assert.InDelta(t, 200.0, mh.AvgResponseTimeMs, 1e-9)

	// A failed probe with no latency sample leaves the average alone.
	m.updateHealthData(&ModelHealth{
		ModelID: "a/m1", Provider: "a", Gateway: "groq",
		Status: StatusUnhealthy, LastChecked: now,
	})
	mh, _ = m.ModelHealth("a/m1", "groq")
	assert.InDelta(t, 200.0, mh.AvgResponseTimeMs, 1e-9)
}

func TestModelHealthLookupAcrossGateways(t *testing.T) {
	m := newTestMonitor(t, "http://unused", "a/m1")
	m.updateHealthData(&ModelHealth{
		ModelID: "a/m1", Provider: "a", Gateway: "groq",
		Status: StatusHealthy, LastChecked: time.Now(),
	})

	_, ok := m.ModelHealth("a/m1", "")
	assert.True(t, ok, "empty gateway searches all gateways")
	_, ok = m.ModelHealth("a/m1", "fireworks")
	assert.False(t, ok)
	_, ok = m.ModelHealth("a/missing", "")
	assert.False(t, ok)
}

func TestAccessorsReturnCopies(t *testing.T) {
	m := newTestMonitor(t, "http://unused", "a/m1")
	m.updateHealthData(&ModelHealth{
		ModelID: "a/m1", Provider: "a", Gateway: "groq",
		Status: StatusHealthy, LastChecked: time.Now(),
	})

	mh, _ := m.ModelHealth("a/m1", "groq")
	mh.Status = StatusUnhealthy

	again, _ := m.ModelHealth("a/m1", "groq")
	assert.Equal(t, StatusHealthy, again.Status)
}

func TestStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestMonitor(t, srv.URL, "a/m1")
	assert.False(t, m.Active())

	m.Start(context.Background())
	assert.True(t, m.Active())
	m.Start(context.Background()) // second Start is a no-op

	require.Eventually(t, func() bool {
		_, ok := m.SystemHealth()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	m.Stop()
	assert.False(t, m.Active())
	m.Stop() // second Stop is a no-op
}

func TestSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestMonitor(t, srv.URL, "openai/gpt-4", "meta/llama-3-70b")
	require.NoError(t, m.RunOnce(context.Background()))

	s := m.Summary()
	require.NotNil(t, s.System)
	assert.Len(t, s.Models, 2)
	assert.Len(t, s.Providers, 2)
	assert.False(t, s.MonitoringActive)
}

func TestBuildProbe(t *testing.T) {
	url, body, err := buildProbe("groq", "llama-3-70b", "")
	require.NoError(t, err)
	assert.Equal(t, "https://api.groq.com/openai/v1/chat/completions", url)
	assert.Contains(t, string(body), `"llama-3-70b"`)
	assert.Contains(t, string(body), `"max_tokens":10`)

	url, body, err = buildProbe("huggingface", "meta/llama", "")
	require.NoError(t, err)
	assert.Equal(t, "https://api-inference.huggingface.co/models/meta/llama", url)
	assert.Contains(t, string(body), `"inputs":"Hello"`)
	assert.Contains(t, string(body), `"max_new_tokens":10`)

	url, _, err = buildProbe("groq", "llama-3-70b", "http://localhost:9")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9/chat/completions", url)

	_, _, err = buildProbe("bogus", "m", "")
	assert.Error(t, err)
}
