// Package catalog supplies the candidate model list per gateway.
// The health monitor consumes it once per monitoring pass; implementations
// must tolerate per-gateway failures without failing the whole pass.
package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relaywatch/relaywatch/internal/config"
	"github.com/relaywatch/relaywatch/internal/pool"
	"github.com/relaywatch/relaywatch/pkg/types"
)

// Provider lists models offered through a gateway.
type Provider interface {
	// Models returns the gateway's current model catalog.
	Models(ctx context.Context, gateway string) ([]types.ModelInfo, error)
	// Gateways returns the gateway names this provider knows about.
	Gateways() []string
}

// providerSlug derives the provider from a namespaced model id such as
// "openai/gpt-4". Models without a namespace report "unknown".
func providerSlug(modelID string) string {
	if idx := strings.IndexByte(modelID, '/'); idx > 0 {
		return modelID[:idx]
	}
	return "unknown"
}

// =============================================================================
// Static catalog
// =============================================================================

// Static serves catalogs seeded from configuration. Used for gateways
// without a listing endpoint and in tests.
type Static struct {
	order  []string
	models map[string][]types.ModelInfo
}

// NewStatic builds a static catalog from gateway config entries.
func NewStatic(gateways []config.GatewayConfig) *Static {
	s := &Static{models: make(map[string][]types.ModelInfo, len(gateways))}
	for _, gw := range gateways {
		s.order = append(s.order, gw.Name)
		infos := make([]types.ModelInfo, 0, len(gw.Models))
		for _, id := range gw.Models {
			infos = append(infos, types.ModelInfo{
				ID:       id,
				Provider: providerSlug(id),
				Gateway:  gw.Name,
				Name:     id,
			})
		}
		s.models[gw.Name] = infos
	}
	return s
}

// Models implements Provider.
func (s *Static) Models(_ context.Context, gateway string) ([]types.ModelInfo, error) {
	models, ok := s.models[gateway]
	if !ok {
		return nil, fmt.Errorf("unknown gateway %q", gateway)
	}
	return models, nil
}

// Gateways implements Provider.
func (s *Static) Gateways() []string {
	return s.order
}

// =============================================================================
// HTTP catalog with TTL cache
// =============================================================================

// modelListing is the OpenAI-style /models response shape.
type modelListing struct {
	Data []struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		ProviderSlug string `json:"provider_slug"`
	} `json:"data"`
}

type cachedListing struct {
	models    []types.ModelInfo
	fetchedAt time.Time
}

// HTTP fetches gateway catalogs from their /models endpoints through the
// shared connection pool and caches each listing for a TTL. A gateway whose
// fetch fails keeps serving its last good listing until it expires.
type HTTP struct {
	gateways map[string]config.GatewayConfig
	order    []string
	clients  *pool.Pool
	ttl      time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cached map[string]cachedListing
}

// NewHTTP creates an HTTP-backed catalog.
func NewHTTP(gateways []config.GatewayConfig, clients *pool.Pool, ttl time.Duration, logger *slog.Logger) *HTTP {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	byName := make(map[string]config.GatewayConfig, len(gateways))
	order := make([]string, 0, len(gateways))
	for _, gw := range gateways {
		byName[gw.Name] = gw
		order = append(order, gw.Name)
	}

	return &HTTP{
		gateways: byName,
		order:    order,
		clients:  clients,
		ttl:      ttl,
		logger:   logger,
		cached:   make(map[string]cachedListing),
	}
}

// Gateways implements Provider.
func (h *HTTP) Gateways() []string {
	return h.order
}

// Models implements Provider. Listings are cached per gateway for the TTL;
// a fetch failure falls back to the stale listing when one exists.
func (h *HTTP) Models(ctx context.Context, gateway string) ([]types.ModelInfo, error) {
	gw, ok := h.gateways[gateway]
	if !ok {
		return nil, fmt.Errorf("unknown gateway %q", gateway)
	}

	h.mu.Lock()
	cached, hit := h.cached[gateway]
	h.mu.Unlock()

	if hit && time.Since(cached.fetchedAt) < h.ttl {
		return cached.models, nil
	}

	models, err := h.fetch(ctx, gw)
	if err != nil {
		if hit {
			h.logger.Warn("catalog fetch failed, serving stale listing",
				"gateway", gateway, "error", err)
			return cached.models, nil
		}
		return nil, err
	}

	h.mu.Lock()
	h.cached[gateway] = cachedListing{models: models, fetchedAt: time.Now()}
	h.mu.Unlock()
	return models, nil
}

func (h *HTTP) fetch(ctx context.Context, gw config.GatewayConfig) ([]types.ModelInfo, error) {
	client, err := h.clients.Get(pool.ClientSpec{
		Provider: gw.Name,
		BaseURL:  gw.BaseURL,
		APIKey:   gw.APIKey,
	})
	if err != nil {
		return nil, err
	}

	req, err := client.NewRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch models from %s: %w", gw.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch models from %s: HTTP %d", gw.Name, resp.StatusCode)
	}

	var listing modelListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode models from %s: %w", gw.Name, err)
	}

	models := make([]types.ModelInfo, 0, len(listing.Data))
	for _, m := range listing.Data {
		provider := m.ProviderSlug
		if provider == "" {
			provider = providerSlug(m.ID)
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		models = append(models, types.ModelInfo{
			ID:       m.ID,
			Provider: provider,
			Gateway:  gw.Name,
			Name:     name,
		})
	}
	return models, nil
}

// =============================================================================
// Combined catalog
// =============================================================================

// Multi serves gateways from several catalogs. Lookups go to the first
// catalog that knows the gateway.
type Multi struct {
	providers []Provider
}

// NewMulti combines catalogs. Gateway name collisions resolve to the
// earliest provider.
func NewMulti(providers ...Provider) *Multi {
	return &Multi{providers: providers}
}

// Gateways implements Provider.
func (m *Multi) Gateways() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range m.providers {
		for _, gw := range p.Gateways() {
			if !seen[gw] {
				seen[gw] = true
				out = append(out, gw)
			}
		}
	}
	return out
}

// Models implements Provider.
func (m *Multi) Models(ctx context.Context, gateway string) ([]types.ModelInfo, error) {
	for _, p := range m.providers {
		for _, gw := range p.Gateways() {
			if gw == gateway {
				return p.Models(ctx, gateway)
			}
		}
	}
	return nil, fmt.Errorf("unknown gateway %q", gateway)
}
