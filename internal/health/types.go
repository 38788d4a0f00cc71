// Package health monitors upstream model health with synthetic probes.
// It maintains per-model, per-provider, and system-wide metrics that the
// availability service folds into routing decisions.
package health

import "time"

// Status is a model health status.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnhealthy   Status = "unhealthy"
	StatusUnknown     Status = "unknown"
	StatusMaintenance Status = "maintenance"
)

// ProviderStatus is an aggregate provider status.
type ProviderStatus string

const (
	ProviderOnline      ProviderStatus = "online"
	ProviderOffline     ProviderStatus = "offline"
	ProviderDegraded    ProviderStatus = "degraded"
	ProviderMaintenance ProviderStatus = "maintenance"
	ProviderUnknown     ProviderStatus = "unknown"
)

// ModelKey identifies a model observed through a specific gateway.
type ModelKey struct {
	Gateway string `json:"gateway"`
	ModelID string `json:"model_id"`
}

// ProviderKey identifies a provider observed through a specific gateway.
type ProviderKey struct {
	Gateway  string `json:"gateway"`
	Provider string `json:"provider"`
}

// ModelHealth holds the rolling health metrics for one (gateway, model).
// Identity fields are immutable after creation; counters only move forward.
type ModelHealth struct {
	ModelID  string `json:"model_id"`
	Provider string `json:"provider"`
	Gateway  string `json:"gateway"`
	Status   Status `json:"status"`

	ResponseTimeMs    float64 `json:"response_time_ms"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	SuccessRate       float64 `json:"success_rate"`
	UptimePercentage  float64 `json:"uptime_percentage"`
	ErrorCount        int64   `json:"error_count"`
	TotalRequests     int64   `json:"total_requests"`

	LastChecked  time.Time `json:"last_checked"`
	LastSuccess  time.Time `json:"last_success"`
	LastFailure  time.Time `json:"last_failure"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Key returns the composite map key for this record.
func (m *ModelHealth) Key() ModelKey {
	return ModelKey{Gateway: m.Gateway, ModelID: m.ModelID}
}

// ProviderHealth aggregates all models sharing a (gateway, provider) pair.
// It is rebuilt wholesale on every monitoring pass.
type ProviderHealth struct {
	Provider string         `json:"provider"`
	Gateway  string         `json:"gateway"`
	Status   ProviderStatus `json:"status"`

	TotalModels       int     `json:"total_models"`
	HealthyModels     int     `json:"healthy_models"`
	DegradedModels    int     `json:"degraded_models"`
	UnhealthyModels   int     `json:"unhealthy_models"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	OverallUptime     float64 `json:"overall_uptime"`

	LastChecked time.Time `json:"last_checked"`
}

// SystemHealth aggregates across all providers. Replaced wholesale each pass.
type SystemHealth struct {
	OverallStatus Status `json:"overall_status"`

	TotalProviders     int `json:"total_providers"`
	HealthyProviders   int `json:"healthy_providers"`
	DegradedProviders  int `json:"degraded_providers"`
	UnhealthyProviders int `json:"unhealthy_providers"`

	TotalModels     int `json:"total_models"`
	HealthyModels   int `json:"healthy_models"`
	DegradedModels  int `json:"degraded_models"`
	UnhealthyModels int `json:"unhealthy_models"`

	SystemUptime float64   `json:"system_uptime"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Summary is the full health picture returned by the admin surface.
type Summary struct {
	System           *SystemHealth    `json:"system"`
	Providers        []ProviderHealth `json:"providers"`
	Models           []ModelHealth    `json:"models"`
	MonitoringActive bool             `json:"monitoring_active"`
	LastCheck        time.Time        `json:"last_check"`
}
