// Package availability layers routing decisions on top of raw health data:
// per-model circuit breakers, maintenance windows, and fallback selection.
package availability

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaywatch/relaywatch/internal/health"
	"github.com/relaywatch/relaywatch/internal/metrics"
)

// State is a model's availability classification.
type State string

const (
	StateAvailable   State = "available"
	StateDegraded    State = "degraded"
	StateUnavailable State = "unavailable"
	StateUnknown     State = "unknown"
	StateMaintenance State = "maintenance"
)

// stateFromHealth maps a health status to an availability state.
func stateFromHealth(s health.Status) State {
	switch s {
	case health.StatusHealthy:
		return StateAvailable
	case health.StatusDegraded:
		return StateDegraded
	case health.StatusUnhealthy:
		return StateUnavailable
	default:
		return StateUnknown
	}
}

// ModelAvailability is the routing-facing view of one model on one gateway.
type ModelAvailability struct {
	ModelID          string    `json:"model_id"`
	Provider         string    `json:"provider"`
	Gateway          string    `json:"gateway"`
	Status           State     `json:"status"`
	BreakerState     string    `json:"breaker_state"`
	LastCheck        time.Time `json:"last_check"`
	MaintenanceUntil time.Time `json:"maintenance_until,omitempty"`
	Fallbacks        []string  `json:"fallbacks,omitempty"`
}

// HealthSource supplies the model observations the service folds into
// availability state. Satisfied by *health.Monitor.
type HealthSource interface {
	AllModels(gateway string) []health.ModelHealth
}

const (
	defaultRefreshInterval = time.Minute
	defaultRefreshBackoff  = 5 * time.Second
)

// Config tunes the availability refresh loop and the per-model breakers.
type Config struct {
	CheckInterval time.Duration
	ErrorBackoff  time.Duration
	Breaker       BreakerConfig
}

// Service tracks which models are currently routable. Records and breakers
// are keyed per (gateway, model): the same model served through two gateways
// has independent state, so a failure on one never blocks the other.
type Service struct {
	cfg    Config
	source HealthSource
	logger *slog.Logger

	mu        sync.RWMutex
	fallbacks map[string][]string
	records   map[health.ModelKey]*ModelAvailability
	breakers  map[health.ModelKey]*CircuitBreaker

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewService creates an availability service. fallbackOverrides layers over
// the built-in fallback table.
func NewService(cfg Config, source HealthSource, fallbackOverrides map[string][]string, logger *slog.Logger) *Service {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultRefreshInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaultRefreshBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		source:    source,
		fallbacks: mergeFallbacks(fallbackOverrides),
		logger:    logger,
		records:   make(map[health.ModelKey]*ModelAvailability),
		breakers:  make(map[health.ModelKey]*CircuitBreaker),
	}
}

// Start begins the periodic refresh loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("availability tracking already active")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.logger.Info("starting model availability tracking",
		"check_interval", s.cfg.CheckInterval)

	go s.run(runCtx)
}

// Stop halts the refresh loop.
func (s *Service) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("stopped model availability tracking")
}

// Active reports whether the refresh loop is running.
func (s *Service) Active() bool {
	return s.started.Load()
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	for {
		s.Refresh()

		select {
		case <-time.After(s.cfg.CheckInterval):
		case <-ctx.Done():
			return
		}
	}
}

// Refresh folds the current health snapshot into availability records.
func (s *Service) Refresh() {
	observations := s.source.AllModels("")

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range observations {
		s.applyObservationLocked(&observations[i])
	}
	s.updateGaugesLocked()
}

// applyObservationLocked upserts one health observation under its
// (gateway, model) key. An available observation feeds the breaker a
// success; anything else counts as a failure.
func (s *Service) applyObservationLocked(mh *health.ModelHealth) {
	state := stateFromHealth(mh.Status)
	key := mh.Key()

	rec, ok := s.records[key]
	if !ok {
		rec = &ModelAvailability{
			ModelID:   mh.ModelID,
			Gateway:   mh.Gateway,
			Fallbacks: s.fallbacks[mh.ModelID],
		}
		s.records[key] = rec
	}
	rec.Provider = mh.Provider
	rec.LastCheck = mh.LastChecked

	cb := s.breakerLocked(key)
	if state == StateAvailable {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}
	rec.BreakerState = cb.State().String()

	if rec.MaintenanceUntil.After(time.Now()) {
		rec.Status = StateMaintenance
		return
	}
	rec.Status = state
}

func (s *Service) breakerLocked(key health.ModelKey) *CircuitBreaker {
	cb, ok := s.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(s.cfg.Breaker)
		s.breakers[key] = cb
	}
	return cb
}

func (s *Service) updateGaugesLocked() {
	available := make(map[string]int)
	for key, rec := range s.records {
		if rec.Status == StateAvailable {
			available[rec.Gateway]++
		}
		if cb, ok := s.breakers[key]; ok {
			metrics.BreakerState.WithLabelValues(key.Gateway, key.ModelID).Set(float64(cb.State()))
		}
	}
	for gateway, n := range available {
		metrics.AvailableModels.WithLabelValues(gateway).Set(float64(n))
	}
}

// SetFallbacks replaces the fallback override layer, re-merging over the
// built-in table. Existing records pick up the new chains immediately.
func (s *Service) SetFallbacks(overrides map[string][]string) {
	merged := mergeFallbacks(overrides)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallbacks = merged
	for _, rec := range s.records {
		rec.Fallbacks = merged[rec.ModelID]
	}
	s.logger.Info("fallback table updated", "models", len(overrides))
}

// lookupLocked resolves (modelID, gateway) to a record key. An empty
// gateway searches across gateways, preferring one whose record is
// currently available.
func (s *Service) lookupLocked(modelID, gateway string) (health.ModelKey, bool) {
	if gateway != "" {
		key := health.ModelKey{Gateway: gateway, ModelID: modelID}
		_, ok := s.records[key]
		return key, ok
	}

	var fallback health.ModelKey
	found := false
	for key := range s.records {
		if key.ModelID != modelID {
			continue
		}
		if s.isAvailableLocked(key) {
			return key, true
		}
		if !found {
			fallback = key
			found = true
		}
	}
	return fallback, found
}

// RecordSuccess feeds an external request outcome into the model's breaker.
// Successes only count while the model is classified available; they are
// ignored for unknown models.
func (s *Service) RecordSuccess(modelID, gateway string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(modelID, gateway)
	if !ok || s.records[key].Status != StateAvailable {
		return
	}
	s.breakerLocked(key).RecordSuccess()
}

// RecordFailure feeds a failed request outcome into the model's breaker.
// Failures always count, creating a record if none exists yet.
func (s *Service) RecordFailure(modelID, gateway string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(modelID, gateway)
	if !ok {
		key = health.ModelKey{Gateway: gateway, ModelID: modelID}
		s.records[key] = &ModelAvailability{
			ModelID:   modelID,
			Provider:  "unknown",
			Gateway:   gateway,
			Status:    StateUnknown,
			Fallbacks: s.fallbacks[modelID],
		}
	}
	cb := s.breakerLocked(key)
	cb.RecordFailure()
	s.records[key].BreakerState = cb.State().String()
}

// IsModelAvailable reports whether a model can serve traffic right now.
// An empty gateway answers yes if any gateway serves the model. Unknown
// models, open breakers, and active maintenance windows all answer no.
func (s *Service) IsModelAvailable(modelID, gateway string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isModelAvailableLocked(modelID, gateway)
}

func (s *Service) isModelAvailableLocked(modelID, gateway string) bool {
	key, ok := s.lookupLocked(modelID, gateway)
	return ok && s.isAvailableLocked(key)
}

func (s *Service) isAvailableLocked(key health.ModelKey) bool {
	rec, ok := s.records[key]
	if !ok {
		return false
	}
	if cb, ok := s.breakers[key]; ok && !cb.CanExecute() {
		return false
	}
	if rec.MaintenanceUntil.After(time.Now()) {
		return false
	}
	return rec.Status == StateAvailable
}

// BestAvailableModel resolves the model a request should use: the preferred
// model itself, its first available fallback, then any available model from
// the same provider. An empty gateway considers every gateway; otherwise
// only candidates on that gateway qualify. The second return is false when
// nothing is routable.
func (s *Service) BestAvailableModel(preferred, gateway string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isModelAvailableLocked(preferred, gateway) {
		return preferred, true
	}

	for _, fb := range s.fallbacks[preferred] {
		if s.isModelAvailableLocked(fb, gateway) {
			s.logger.Info("routing to fallback model",
				"preferred", preferred, "fallback", fb)
			return fb, true
		}
	}

	if key, ok := s.lookupLocked(preferred, gateway); ok {
		provider := s.records[key].Provider
		for other, rec := range s.records {
			if rec.ModelID == preferred || rec.Provider != provider {
				continue
			}
			if gateway != "" && other.Gateway != gateway {
				continue
			}
			if s.isAvailableLocked(other) {
				s.logger.Info("routing to same-provider alternative",
					"preferred", preferred, "alternative", rec.ModelID)
				return rec.ModelID, true
			}
		}
	}

	return "", false
}

// ModelAvailability returns the record for one model. An empty gateway
// returns the first match across gateways, preferring an available one.
func (s *Service) ModelAvailability(modelID, gateway string) (ModelAvailability, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lookupLocked(modelID, gateway)
	if !ok {
		return ModelAvailability{}, false
	}
	return *s.records[key], true
}

// Models returns all records matching the given filters. Empty filter
// values match everything.
func (s *Service) Models(gateway, provider string, status State) []ModelAvailability {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ModelAvailability, 0, len(s.records))
	for _, rec := range s.records {
		if gateway != "" && rec.Gateway != gateway {
			continue
		}
		if provider != "" && rec.Provider != provider {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// SetMaintenanceMode takes a model on one gateway out of rotation until the
// given time, creating a record if that pair has never been observed.
func (s *Service) SetMaintenanceMode(modelID, gateway string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := health.ModelKey{Gateway: gateway, ModelID: modelID}
	rec, ok := s.records[key]
	if !ok {
		rec = &ModelAvailability{
			ModelID:   modelID,
			Provider:  "unknown",
			Gateway:   gateway,
			Fallbacks: s.fallbacks[modelID],
		}
		s.records[key] = rec
	}
	rec.MaintenanceUntil = until
	rec.Status = StateMaintenance
	s.logger.Info("model maintenance window set",
		"model", modelID, "gateway", gateway, "until", until)
}

// ClearMaintenanceMode ends a maintenance window early. The record's status
// recomputes immediately from the latest health snapshot rather than waiting
// for the next refresh.
func (s *Service) ClearMaintenanceMode(modelID, gateway string) {
	key := health.ModelKey{Gateway: gateway, ModelID: modelID}

	s.mu.Lock()
	rec, ok := s.records[key]
	if ok {
		rec.MaintenanceUntil = time.Time{}
		rec.Status = StateUnknown
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, mh := range s.source.AllModels(gateway) {
		if mh.ModelID == modelID {
			s.mu.Lock()
			s.applyObservationLocked(&mh)
			s.mu.Unlock()
			break
		}
	}
	s.logger.Info("model maintenance window cleared",
		"model", modelID, "gateway", gateway)
}

// Summary aggregates availability counts overall and per gateway.
type Summary struct {
	TotalModels    int                    `json:"total_models"`
	ByStatus       map[State]int          `json:"by_status"`
	OpenBreakers   []string               `json:"open_breakers"`
	Gateways       map[string]GatewayView `json:"gateways"`
	TrackingActive bool                   `json:"tracking_active"`
	LastUpdated    time.Time              `json:"last_updated"`
}

// GatewayView is the per-gateway slice of a Summary.
type GatewayView struct {
	TotalModels     int `json:"total_models"`
	AvailableModels int `json:"available_models"`
}

// Summary returns the aggregate availability picture. Open breakers are
// reported as "gateway:model" pairs.
func (s *Service) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := Summary{
		TotalModels:    len(s.records),
		ByStatus:       make(map[State]int),
		Gateways:       make(map[string]GatewayView),
		TrackingActive: s.Active(),
		LastUpdated:    time.Now(),
	}
	for _, rec := range s.records {
		summary.ByStatus[rec.Status]++
		gv := summary.Gateways[rec.Gateway]
		gv.TotalModels++
		if rec.Status == StateAvailable {
			gv.AvailableModels++
		}
		summary.Gateways[rec.Gateway] = gv
	}
	for key, cb := range s.breakers {
		if cb.State() == BreakerOpen {
			summary.OpenBreakers = append(summary.OpenBreakers, key.Gateway+":"+key.ModelID)
		}
	}
	return summary
}

// Fallbacks returns the configured fallback chain for a model.
func (s *Service) Fallbacks(modelID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.fallbacks[modelID]...)
}
