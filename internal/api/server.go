// Package api exposes the read-mostly admin surface: health snapshots,
// availability queries, maintenance windows, and subsystem stats.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/relaywatch/relaywatch/internal/availability"
	"github.com/relaywatch/relaywatch/internal/health"
	"github.com/relaywatch/relaywatch/internal/pool"
	"github.com/relaywatch/relaywatch/internal/priority"
	"github.com/relaywatch/relaywatch/internal/respcache"
)

// Server wires the HTTP handlers to the underlying subsystems. A nil
// subsystem leaves its routes unregistered; requests to them get 404s.
type Server struct {
	monitor      *health.Monitor
	availability *availability.Service
	cache        *respcache.Cache
	clients      *pool.Pool
	prioritizer  *priority.Prioritizer
	logger       *slog.Logger
}

// NewServer creates the admin API server.
func NewServer(
	monitor *health.Monitor,
	avail *availability.Service,
	cache *respcache.Cache,
	clients *pool.Pool,
	prioritizer *priority.Prioritizer,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		monitor:      monitor,
		availability: avail,
		cache:        cache,
		clients:      clients,
		prioritizer:  prioritizer,
		logger:       logger,
	}
}

// Routes registers handlers on a fresh mux. Routes for a nil subsystem are
// not registered, so the mux answers 404 for them.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	if s.monitor != nil {
		mux.HandleFunc("GET /v1/health/system", s.handleSystemHealth)
		mux.HandleFunc("GET /v1/health/summary", s.handleHealthSummary)
		mux.HandleFunc("GET /v1/health/models", s.handleModels)
		mux.HandleFunc("GET /v1/health/model", s.handleModel)
		mux.HandleFunc("GET /v1/health/providers", s.handleProviders)
		mux.HandleFunc("GET /v1/health/provider", s.handleProvider)
	}

	if s.availability != nil {
		mux.HandleFunc("GET /v1/availability/summary", s.handleAvailabilitySummary)
		mux.HandleFunc("GET /v1/availability/models", s.handleAvailableModels)
		mux.HandleFunc("GET /v1/availability/model", s.handleModelAvailability)
		mux.HandleFunc("GET /v1/availability/best", s.handleBestModel)
		mux.HandleFunc("PUT /v1/availability/maintenance/{model...}", s.handleSetMaintenance)
		mux.HandleFunc("DELETE /v1/availability/maintenance/{model...}", s.handleClearMaintenance)
	}

	if s.cache != nil {
		mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
		mux.HandleFunc("POST /v1/cache/clear", s.handleCacheClear)
	}
	if s.clients != nil {
		mux.HandleFunc("GET /v1/pool/stats", s.handlePoolStats)
	}
	if s.prioritizer != nil {
		mux.HandleFunc("GET /v1/priority/stats", s.handlePriorityStats)
	}

	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// =============================================================================
// Health
// =============================================================================

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	sys, ok := s.monitor.SystemHealth()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "no health data yet")
		return
	}
	s.writeJSON(w, http.StatusOK, sys)
}

func (s *Server) handleHealthSummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.Summary())
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	gateway := r.URL.Query().Get("gateway")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"models": s.monitor.AllModels(gateway),
	})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	modelID := q.Get("model")
	if modelID == "" {
		s.writeError(w, http.StatusBadRequest, "model query parameter is required")
		return
	}
	mh, ok := s.monitor.ModelHealth(modelID, q.Get("gateway"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "model not monitored: "+modelID)
		return
	}
	s.writeJSON(w, http.StatusOK, mh)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	gateway := r.URL.Query().Get("gateway")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.monitor.AllProviders(gateway),
	})
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := q.Get("provider")
	if provider == "" {
		s.writeError(w, http.StatusBadRequest, "provider query parameter is required")
		return
	}
	ph, ok := s.monitor.ProviderHealth(provider, q.Get("gateway"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "provider not monitored: "+provider)
		return
	}
	s.writeJSON(w, http.StatusOK, ph)
}

// =============================================================================
// Availability
// =============================================================================

func (s *Server) handleAvailabilitySummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.availability.Summary())
}

func (s *Server) handleAvailableModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	models := s.availability.Models(
		q.Get("gateway"),
		q.Get("provider"),
		availability.State(q.Get("status")),
	)
	s.writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleModelAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	modelID := q.Get("model")
	if modelID == "" {
		s.writeError(w, http.StatusBadRequest, "model query parameter is required")
		return
	}
	rec, ok := s.availability.ModelAvailability(modelID, q.Get("gateway"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "model not tracked: "+modelID)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBestModel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	modelID := q.Get("model")
	if modelID == "" {
		s.writeError(w, http.StatusBadRequest, "model query parameter is required")
		return
	}
	best, ok := s.availability.BestAvailableModel(modelID, q.Get("gateway"))
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "no available model for: "+modelID)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"requested": modelID,
		"model":     best,
		"fallback":  best != modelID,
	})
}

type maintenanceRequest struct {
	Until           time.Time `json:"until"`
	DurationMinutes int       `json:"duration_minutes"`
}

func (s *Server) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	modelID := r.PathValue("model")
	gateway := r.URL.Query().Get("gateway")
	if gateway == "" {
		s.writeError(w, http.StatusBadRequest, "gateway query parameter is required")
		return
	}

	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	until := req.Until
	if until.IsZero() {
		if req.DurationMinutes <= 0 {
			s.writeError(w, http.StatusBadRequest, "either until or duration_minutes is required")
			return
		}
		until = time.Now().Add(time.Duration(req.DurationMinutes) * time.Minute)
	}
	if !until.After(time.Now()) {
		s.writeError(w, http.StatusBadRequest, "maintenance window must end in the future")
		return
	}

	s.availability.SetMaintenanceMode(modelID, gateway, until)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"model":   modelID,
		"gateway": gateway,
		"until":   until,
	})
}

func (s *Server) handleClearMaintenance(w http.ResponseWriter, r *http.Request) {
	modelID := r.PathValue("model")
	gateway := r.URL.Query().Get("gateway")
	if gateway == "" {
		s.writeError(w, http.StatusBadRequest, "gateway query parameter is required")
		return
	}
	s.availability.ClearMaintenanceMode(modelID, gateway)
	s.writeJSON(w, http.StatusOK, map[string]any{"model": modelID, "gateway": gateway, "cleared": true})
}

// =============================================================================
// Subsystem stats
// =============================================================================

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.cache.Clear(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.clients.Stats())
}

func (s *Server) handlePriorityStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.prioritizer.Stats())
}
