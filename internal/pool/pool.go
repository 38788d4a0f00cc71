// Package pool maintains long-lived HTTP clients per upstream provider.
// Reusing a tuned client per (provider, base URL) pair avoids per-request
// TCP/TLS handshakes on the hot dispatch path.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relaywatch/relaywatch/internal/metrics"
)

// ErrMissingAPIKey is returned when a pooled client is requested for a
// provider without a configured credential. This is a hard error: the
// provider is unusable, not merely degraded.
var ErrMissingAPIKey = errors.New("api key not configured")

// Profile is a per-provider timeout profile.
type Profile struct {
	Connect        time.Duration
	ResponseHeader time.Duration // covers slow model warm-up before first byte
	TLSHandshake   time.Duration
	ExpectContinue time.Duration
}

// DefaultProfile suits OpenAI-compatible gateways.
var DefaultProfile = Profile{
	Connect:        5 * time.Second,
	ResponseHeader: 60 * time.Second,
	TLSHandshake:   10 * time.Second,
	ExpectContinue: time.Second,
}

// SlowProfile suits providers that cold-start models on demand.
var SlowProfile = Profile{
	Connect:        10 * time.Second,
	ResponseHeader: 120 * time.Second,
	TLSHandshake:   10 * time.Second,
	ExpectContinue: time.Second,
}

// ProfileFor returns the timeout profile for a provider name.
func ProfileFor(provider string) Profile {
	if strings.EqualFold(provider, "huggingface") {
		return SlowProfile
	}
	return DefaultProfile
}

// Options bounds connection reuse for every pooled client.
type Options struct {
	MaxConnections  int           // total connections per client
	MaxIdle         int           // idle connections kept alive
	KeepaliveExpiry time.Duration // idle connection lifetime
}

// DefaultOptions returns the pool limits used in production.
func DefaultOptions() Options {
	return Options{
		MaxConnections:  100,
		MaxIdle:         20,
		KeepaliveExpiry: 30 * time.Second,
	}
}

// ClientSpec identifies the pooled client being requested.
type ClientSpec struct {
	Provider string
	BaseURL  string
	APIKey   string
	Headers  map[string]string // sent on every request
	Profile  *Profile          // nil selects ProfileFor(Provider)
}

// Client is a pooled HTTP client bound to one provider endpoint.
type Client struct {
	provider string
	baseURL  string
	apiKey   string
	headers  map[string]string
	http     *http.Client
	created  time.Time
}

// Provider returns the provider name this client is bound to.
func (c *Client) Provider() string { return c.provider }

// BaseURL returns the endpoint base URL this client is bound to.
func (c *Client) BaseURL() string { return c.baseURL }

// HTTP exposes the underlying client for callers that build raw requests.
func (c *Client) HTTP() *http.Client { return c.http }

// NewRequest builds a request against the client's base URL with the
// provider credential and default headers applied. An absolute url bypasses
// the base URL (used by gateways with per-model URLs).
func (c *Client) NewRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = strings.TrimSuffix(c.baseURL, "/") + "/" + strings.TrimPrefix(url, "/")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Do executes a request on the pooled client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// Pool caches one Client per (provider, base URL) pair.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
	opts    Options
}

// New creates an empty pool with the given limits.
func New(opts Options) *Pool {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultOptions().MaxConnections
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultOptions().MaxIdle
	}
	if opts.KeepaliveExpiry <= 0 {
		opts.KeepaliveExpiry = DefaultOptions().KeepaliveExpiry
	}
	return &Pool{
		clients: make(map[string]*Client),
		opts:    opts,
	}
}

// Get returns the pooled client for spec, constructing it on first access.
// The lock is held across both lookup and insert so concurrent first access
// yields a single client instance.
func (p *Pool) Get(spec ClientSpec) (*Client, error) {
	if spec.APIKey == "" {
		return nil, fmt.Errorf("%w for provider %q", ErrMissingAPIKey, spec.Provider)
	}

	key := spec.Provider + "_" + spec.BaseURL

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	profile := ProfileFor(spec.Provider)
	if spec.Profile != nil {
		profile = *spec.Profile
	}

	c := &Client{
		provider: spec.Provider,
		baseURL:  spec.BaseURL,
		apiKey:   spec.APIKey,
		headers:  spec.Headers,
		http:     p.newHTTPClient(profile),
		created:  time.Now(),
	}
	p.clients[key] = c
	metrics.PooledClients.Set(float64(len(p.clients)))
	return c, nil
}

func (p *Pool) newHTTPClient(profile Profile) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   profile.Connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       p.opts.MaxConnections,
		MaxIdleConns:          p.opts.MaxConnections,
		MaxIdleConnsPerHost:   p.opts.MaxIdle,
		IdleConnTimeout:       p.opts.KeepaliveExpiry,
		TLSHandshakeTimeout:   profile.TLSHandshake,
		ResponseHeaderTimeout: profile.ResponseHeader,
		ExpectContinueTimeout: profile.ExpectContinue,
	}
	// Redirects follow by default; overall deadlines come from the request
	// context so streaming reads are not cut off by a client-wide timeout.
	return &http.Client{Transport: transport}
}

// Stats reports the number of cached clients.
type Stats struct {
	Clients   int               `json:"clients"`
	Providers map[string]string `json:"providers"` // cache key -> provider
}

// Stats returns a snapshot of the pool contents.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	providers := make(map[string]string, len(p.clients))
	for key, c := range p.clients {
		providers[key] = c.provider
	}
	return Stats{Clients: len(p.clients), Providers: providers}
}

// Shutdown closes idle connections for every pooled client and empties the
// pool. It honors ctx only as a courtesy deadline: closing idle connections
// does not block on in-flight requests.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	for _, c := range clients {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.http.CloseIdleConnections()
	}
	metrics.PooledClients.Set(0)
	return nil
}

// Clear empties the pool without a deadline. Intended for tests.
func (p *Pool) Clear() {
	_ = p.Shutdown(context.Background())
}
