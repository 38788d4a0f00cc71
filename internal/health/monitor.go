package health

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relaywatch/relaywatch/internal/catalog"
	"github.com/relaywatch/relaywatch/internal/metrics"
	"github.com/relaywatch/relaywatch/pkg/proberr"
	"github.com/relaywatch/relaywatch/pkg/types"
)

const (
	defaultCheckInterval    = 5 * time.Minute
	defaultErrorBackoff     = time.Minute
	defaultProbeTimeout     = 30 * time.Second
	defaultModelsPerGateway = 5
	defaultMaxConcurrent    = 16
	defaultProbesPerSecond  = 10
)

// Config controls the monitor loop and probe volume.
type Config struct {
	CheckInterval    time.Duration
	ErrorBackoff     time.Duration
	ProbeTimeout     time.Duration
	ModelsPerGateway int
	MaxConcurrent    int
	ProbesPerSecond  float64
}

// GatewayAuth carries optional per-gateway probe settings. Probes work
// unauthenticated; a configured key is attached when present so failures
// reflect model health rather than auth rejections.
type GatewayAuth struct {
	Name    string
	BaseURL string // overrides the built-in endpoint table when set
	APIKey  string
}

// Monitor probes a sample of models per gateway on an interval and keeps
// rolling health metrics. All maps are owned by the monitor; readers get
// copies.
type Monitor struct {
	cfg     Config
	catalog catalog.Provider
	auth    map[string]GatewayAuth
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.RWMutex
	models    map[ModelKey]*ModelHealth
	providers map[ProviderKey]*ProviderHealth
	system    *SystemHealth

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a health monitor. auth entries are optional.
func NewMonitor(cfg Config, cat catalog.Provider, auth []GatewayAuth, logger *slog.Logger) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaultErrorBackoff
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.ModelsPerGateway <= 0 {
		cfg.ModelsPerGateway = defaultModelsPerGateway
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.ProbesPerSecond <= 0 {
		cfg.ProbesPerSecond = defaultProbesPerSecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	authByName := make(map[string]GatewayAuth, len(auth))
	for _, a := range auth {
		authByName[a.Name] = a
	}

	return &Monitor{
		cfg:     cfg,
		catalog: cat,
		auth:    authByName,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), 1),
		logger:  logger,

		models:    make(map[ModelKey]*ModelHealth),
		providers: make(map[ProviderKey]*ProviderHealth),
	}
}

// Start begins the monitoring loop. It is idempotent: a second call while
// active is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		m.logger.Warn("health monitoring already active")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.logger.Info("starting model health monitoring",
		"check_interval", m.cfg.CheckInterval,
		"models_per_gateway", m.cfg.ModelsPerGateway,
	)

	go m.run(runCtx)
}

// Stop flips the monitor inactive. An in-flight probe wave completes on its
// own timeouts before the loop observes the stop.
func (m *Monitor) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("stopped model health monitoring")
}

// Active reports whether the monitoring loop is running.
func (m *Monitor) Active() bool {
	return m.started.Load()
}

// run executes probe passes until the context is canceled. A pass that
// fails backs off briefly and retries; the loop never terminates on its own.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	for {
		delay := m.cfg.CheckInterval
		if err := m.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("health check pass failed", "error", err)
			delay = m.cfg.ErrorBackoff
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single full monitoring pass: probe the candidate
// models, fold the results, and rebuild provider and system aggregates.
func (m *Monitor) RunOnce(ctx context.Context) error {
	candidates := m.modelsToCheck(ctx)
	if len(candidates) == 0 {
		m.logger.Warn("no models to health-check")
		return nil
	}

	// Probes run on their own deadlines even if the monitor is stopped
	// mid-wave.
	probeCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(probeCtx)
	g.SetLimit(m.cfg.MaxConcurrent)

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := m.limiter.Wait(gctx); err != nil {
				return nil //nolint:nilerr // a canceled wave is not a pass failure
			}
			result := m.checkModelHealth(gctx, candidate)
			m.updateHealthData(result)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.rebuildProviderMetricsLocked()
	m.rebuildSystemMetricsLocked()
	m.mu.Unlock()

	m.logger.Info("health checks completed", "models_checked", len(candidates))
	return ctx.Err()
}

// modelsToCheck samples the first N catalog entries per gateway. Gateway
// fetch failures are logged and skipped; they never abort the pass.
func (m *Monitor) modelsToCheck(ctx context.Context) []types.ModelInfo {
	var out []types.ModelInfo
	for _, gateway := range m.catalog.Gateways() {
		models, err := m.catalog.Models(ctx, gateway)
		if err != nil {
			m.logger.Warn("failed to get models from gateway",
				"gateway", gateway, "error", err)
			continue
		}
		if len(models) > m.cfg.ModelsPerGateway {
			models = models[:m.cfg.ModelsPerGateway]
		}
		out = append(out, models...)
	}
	return out
}

// checkModelHealth issues one synthetic probe and returns the observation.
func (m *Monitor) checkModelHealth(ctx context.Context, model types.ModelInfo) *ModelHealth {
	observed := &ModelHealth{
		ModelID:     model.ID,
		Provider:    model.Provider,
		Gateway:     model.Gateway,
		Status:      StatusUnknown,
		LastChecked: time.Now(),
	}

	auth := m.auth[model.Gateway]
	url, body, err := buildProbe(model.Gateway, model.ID, auth.BaseURL)
	if err != nil {
		observed.Status = StatusUnhealthy
		observed.ErrorMessage = err.Error()
		metrics.ProbesTotal.WithLabelValues(model.Gateway, "error").Inc()
		return observed
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		observed.Status = StatusUnhealthy
		observed.ErrorMessage = err.Error()
		metrics.ProbesTotal.WithLabelValues(model.Gateway, "error").Inc()
		return observed
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", probeUserAgent)
	if auth.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+auth.APIKey)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		var perr *proberr.ProbeError
		if probeCtx.Err() == context.DeadlineExceeded {
			perr = proberr.Timeout(model.Gateway, model.ID)
		} else {
			perr = proberr.Connection(model.Gateway, model.ID, err)
		}
		observed.Status = StatusUnhealthy
		observed.ErrorMessage = perr.Message
		metrics.ProbesTotal.WithLabelValues(model.Gateway, perr.Outcome()).Inc()
		m.logger.Warn("health check failed",
			"model", model.ID, "gateway", model.Gateway, "error", observed.ErrorMessage)
		return observed
	}
	defer func() { _ = resp.Body.Close() }()

	metrics.ProbeLatency.WithLabelValues(model.Gateway).Observe(elapsed.Seconds())

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		observed.Status = StatusHealthy
		observed.ResponseTimeMs = float64(elapsed.Milliseconds())
		metrics.ProbesTotal.WithLabelValues(model.Gateway, "success").Inc()
		return observed
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	perr := proberr.FromStatus(model.Gateway, model.ID, resp.StatusCode, string(snippet))
	observed.Status = StatusUnhealthy
	observed.ErrorMessage = perr.Message
	metrics.ProbesTotal.WithLabelValues(model.Gateway, perr.Outcome()).Inc()
	return observed
}

// updateHealthData upserts one observation into the model map. First
// observations create the record; later ones mutate it in place. Records
// are never deleted.
func (m *Monitor) updateHealthData(observed *ModelHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := observed.Key()
	existing, ok := m.models[key]
	if !ok {
		observed.TotalRequests = 1
		if observed.Status == StatusHealthy {
			observed.LastSuccess = observed.LastChecked
			observed.SuccessRate = 1
			observed.AvgResponseTimeMs = observed.ResponseTimeMs
		} else {
			observed.LastFailure = observed.LastChecked
			observed.ErrorCount = 1
		}
		observed.UptimePercentage = observed.SuccessRate * 100
		m.models[key] = observed
		return
	}

	existing.Status = observed.Status
	existing.ResponseTimeMs = observed.ResponseTimeMs
	existing.LastChecked = observed.LastChecked
	existing.ErrorMessage = observed.ErrorMessage
	existing.TotalRequests++

	if observed.Status == StatusHealthy {
		existing.LastSuccess = observed.LastChecked
	} else {
		existing.LastFailure = observed.LastChecked
		existing.ErrorCount++
	}

	existing.SuccessRate = float64(existing.TotalRequests-existing.ErrorCount) / float64(existing.TotalRequests)
	existing.UptimePercentage = existing.SuccessRate * 100

	if observed.ResponseTimeMs > 0 {
		if existing.AvgResponseTimeMs > 0 {
			existing.AvgResponseTimeMs = (existing.AvgResponseTimeMs + observed.ResponseTimeMs) / 2
		} else {
			existing.AvgResponseTimeMs = observed.ResponseTimeMs
		}
	}
}

// rebuildProviderMetricsLocked recomputes every provider aggregate from the
// model map. Wholesale recomputation keeps the logic simple; it is O(models)
// per pass.
func (m *Monitor) rebuildProviderMetricsLocked() {
	type acc struct {
		total, healthy, degraded, unhealthy int
		responseTimes                       []float64
		successRates                        []float64
	}

	stats := make(map[ProviderKey]*acc)
	statusCounts := make(map[string]map[Status]int)

	for _, mh := range m.models {
		key := ProviderKey{Gateway: mh.Gateway, Provider: mh.Provider}
		a, ok := stats[key]
		if !ok {
			a = &acc{}
			stats[key] = a
		}

		a.total++
		switch mh.Status {
		case StatusHealthy:
			a.healthy++
		case StatusDegraded:
			a.degraded++
		default:
			a.unhealthy++
		}
		if mh.ResponseTimeMs > 0 {
			a.responseTimes = append(a.responseTimes, mh.ResponseTimeMs)
		}
		a.successRates = append(a.successRates, mh.SuccessRate)

		if statusCounts[mh.Gateway] == nil {
			statusCounts[mh.Gateway] = make(map[Status]int)
		}
		statusCounts[mh.Gateway][mh.Status]++
	}

	now := time.Now()
	providers := make(map[ProviderKey]*ProviderHealth, len(stats))
	for key, a := range stats {
		status := ProviderOnline
		switch {
		case a.unhealthy == 0:
		case float64(a.unhealthy) < float64(a.total)*0.5:
			status = ProviderDegraded
		default:
			status = ProviderOffline
		}

		var avgResponse float64
		if len(a.responseTimes) > 0 {
			var sum float64
			for _, rt := range a.responseTimes {
				sum += rt
			}
			avgResponse = sum / float64(len(a.responseTimes))
		}

		var uptime float64
		if len(a.successRates) > 0 {
			var sum float64
			for _, sr := range a.successRates {
				sum += sr
			}
			uptime = sum / float64(len(a.successRates)) * 100
		}

		providers[key] = &ProviderHealth{
			Provider:          key.Provider,
			Gateway:           key.Gateway,
			Status:            status,
			TotalModels:       a.total,
			HealthyModels:     a.healthy,
			DegradedModels:    a.degraded,
			UnhealthyModels:   a.unhealthy,
			AvgResponseTimeMs: avgResponse,
			OverallUptime:     uptime,
			LastChecked:       now,
		}
	}
	m.providers = providers

	for gateway, counts := range statusCounts {
		for _, status := range []Status{StatusHealthy, StatusDegraded, StatusUnhealthy, StatusUnknown} {
			metrics.ModelsByStatus.WithLabelValues(gateway, string(status)).Set(float64(counts[status]))
		}
	}
}

// rebuildSystemMetricsLocked replaces the system aggregate wholesale.
func (m *Monitor) rebuildSystemMetricsLocked() {
	sys := &SystemHealth{LastUpdated: time.Now()}

	sys.TotalProviders = len(m.providers)
	for _, p := range m.providers {
		switch p.Status {
		case ProviderOnline:
			sys.HealthyProviders++
		case ProviderDegraded:
			sys.DegradedProviders++
		case ProviderOffline:
			sys.UnhealthyProviders++
		}
	}

	sys.TotalModels = len(m.models)
	for _, mh := range m.models {
		switch mh.Status {
		case StatusHealthy:
			sys.HealthyModels++
		case StatusDegraded:
			sys.DegradedModels++
		case StatusUnhealthy:
			sys.UnhealthyModels++
		}
	}

	switch {
	case sys.UnhealthyProviders == 0:
		sys.OverallStatus = StatusHealthy
	case float64(sys.UnhealthyProviders) < float64(sys.TotalProviders)*0.5:
		sys.OverallStatus = StatusDegraded
	default:
		sys.OverallStatus = StatusUnhealthy
	}

	if sys.TotalModels > 0 {
		sys.SystemUptime = float64(sys.HealthyModels) / float64(sys.TotalModels) * 100
	}
	metrics.SystemUptime.Set(sys.SystemUptime)

	m.system = sys
}

// =============================================================================
// Read accessors. Pure lookups over the in-memory maps; all return copies.
// =============================================================================

// ModelHealth returns metrics for a model. An empty gateway searches across
// gateways and returns the first match.
func (m *Monitor) ModelHealth(modelID, gateway string) (ModelHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if gateway != "" {
		if mh, ok := m.models[ModelKey{Gateway: gateway, ModelID: modelID}]; ok {
			return *mh, true
		}
		return ModelHealth{}, false
	}
	for _, mh := range m.models {
		if mh.ModelID == modelID {
			return *mh, true
		}
	}
	return ModelHealth{}, false
}

// ProviderHealth returns aggregate metrics for a provider. An empty gateway
// searches across gateways.
func (m *Monitor) ProviderHealth(provider, gateway string) (ProviderHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if gateway != "" {
		if ph, ok := m.providers[ProviderKey{Gateway: gateway, Provider: provider}]; ok {
			return *ph, true
		}
		return ProviderHealth{}, false
	}
	for _, ph := range m.providers {
		if ph.Provider == provider {
			return *ph, true
		}
	}
	return ProviderHealth{}, false
}

// SystemHealth returns the system aggregate, or false before the first pass.
func (m *Monitor) SystemHealth() (SystemHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.system == nil {
		return SystemHealth{}, false
	}
	return *m.system, true
}

// AllModels returns metrics for every model, optionally filtered by gateway.
func (m *Monitor) AllModels(gateway string) []ModelHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ModelHealth, 0, len(m.models))
	for _, mh := range m.models {
		if gateway != "" && mh.Gateway != gateway {
			continue
		}
		out = append(out, *mh)
	}
	return out
}

// AllProviders returns aggregates for every provider, optionally filtered by
// gateway.
func (m *Monitor) AllProviders(gateway string) []ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ProviderHealth, 0, len(m.providers))
	for _, ph := range m.providers {
		if gateway != "" && ph.Gateway != gateway {
			continue
		}
		out = append(out, *ph)
	}
	return out
}

// Summary returns the complete health picture.
func (m *Monitor) Summary() Summary {
	summary := Summary{
		Providers:        m.AllProviders(""),
		Models:           m.AllModels(""),
		MonitoringActive: m.Active(),
		LastCheck:        time.Now(),
	}
	if sys, ok := m.SystemHealth(); ok {
		summary.System = &sys
	}
	return summary
}
