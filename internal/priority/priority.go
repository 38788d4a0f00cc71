// Package priority classifies inbound requests into scheduling classes.
// The dispatch layer uses the class to scale timeout budgets and to order
// candidate providers; this package only computes the mapping.
package priority

import (
	"strings"
	"sync"
	"time"

	"github.com/relaywatch/relaywatch/internal/metrics"
)

// Priority is a request scheduling class. Lower is more urgent.
type Priority int

const (
	Critical   Priority = 0 // system-critical requests
	High       Priority = 1 // premium users, paid plans
	Medium     Priority = 2 // standard users
	Low        Priority = 3 // free tier, trial users
	Background Priority = 4 // background/batch processing
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// timeoutWeights scale the timeout budget per class. Higher-priority
// requests get a longer allowance so paying users are not cut off early.
var timeoutWeights = map[Priority]float64{
	Critical:   1.0,
	High:       0.9,
	Medium:     0.7,
	Low:        0.5,
	Background: 0.3,
}

// fastModels are substrings of model names that are already fast enough to
// need less preferential scheduling.
var fastModels = []string{"3.5-turbo", "gpt-3.5", "llama-3-8b", "mistral-7b"}

// Provider latency tiers, fastest first.
var (
	tier1Providers = map[string]struct{}{"fireworks": {}, "together": {}, "groq": {}}
	tier2Providers = map[string]struct{}{"openrouter": {}, "portkey": {}, "deepinfra": {}}
	tier3Providers = map[string]struct{}{"featherless": {}, "huggingface": {}}
)

// Request describes the context the prioritizer classifies.
type Request struct {
	UserTier    string
	IsStreaming bool
	Model       string
	IsTrial     bool
}

// Prioritizer maps request context to a Priority and tracks class counts.
type Prioritizer struct {
	mu     sync.Mutex
	counts map[Priority]int64
	total  int64
}

// New creates a Prioritizer.
func New() *Prioritizer {
	return &Prioritizer{counts: make(map[Priority]int64)}
}

// Determine classifies a request and records it for stats.
func (p *Prioritizer) Determine(req Request) Priority {
	pri := classify(req)

	p.mu.Lock()
	p.counts[pri]++
	p.total++
	p.mu.Unlock()

	metrics.RequestsByPriority.WithLabelValues(pri.String()).Inc()
	return pri
}

func classify(req Request) Priority {
	// Trial users always land in the low class regardless of tier.
	if req.IsTrial {
		return Low
	}

	var base Priority
	switch req.UserTier {
	case "enterprise", "premium", "pro":
		base = High
	case "standard", "plus":
		base = Medium
	case "free":
		base = Low
	default:
		base = Medium
	}

	// Streaming requests are promoted one level.
	if req.IsStreaming && base > Critical {
		base--
	}

	// Already-fast models are demoted one level.
	if req.Model != "" {
		lower := strings.ToLower(req.Model)
		for _, fast := range fastModels {
			if strings.Contains(lower, fast) {
				if base < Background {
					base++
				}
				break
			}
		}
	}

	return base
}

// ShouldFastTrack reports whether a class bypasses normal queueing.
func ShouldFastTrack(p Priority) bool {
	return p <= High
}

// TimeoutMultiplier returns the budget scale for a class, in the 1.1x-2.5x
// range.
func TimeoutMultiplier(p Priority) float64 {
	weight, ok := timeoutWeights[p]
	if !ok {
		weight = timeoutWeights[Medium]
	}
	return weight*2.0 + 0.5
}

// TimeoutFor scales a base timeout budget by the class multiplier.
func TimeoutFor(base time.Duration, p Priority) time.Duration {
	return time.Duration(float64(base) * TimeoutMultiplier(p))
}

// PreferredProviders reorders the candidate providers into latency tiers for
// the given class. Providers outside the known tiers keep their original
// relative order at the end.
func PreferredProviders(p Priority, available []string) []string {
	inTier := func(set map[string]struct{}) []string {
		var out []string
		for _, prov := range available {
			if _, ok := set[prov]; ok {
				out = append(out, prov)
			}
		}
		return out
	}

	var ordered []string
	switch {
	case p <= High:
		ordered = append(ordered, inTier(tier1Providers)...)
		ordered = append(ordered, inTier(tier2Providers)...)
		ordered = append(ordered, inTier(tier3Providers)...)
	case p == Medium:
		ordered = append(ordered, inTier(tier2Providers)...)
		ordered = append(ordered, inTier(tier1Providers)...)
		ordered = append(ordered, inTier(tier3Providers)...)
	default:
		ordered = append(ordered, inTier(tier3Providers)...)
		ordered = append(ordered, inTier(tier2Providers)...)
		ordered = append(ordered, inTier(tier1Providers)...)
	}

	seen := make(map[string]struct{}, len(ordered))
	for _, prov := range ordered {
		seen[prov] = struct{}{}
	}
	for _, prov := range available {
		if _, ok := seen[prov]; !ok {
			ordered = append(ordered, prov)
		}
	}
	return ordered
}

// ClassStats describes the request volume of one class.
type ClassStats struct {
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Stats summarizes the distribution of classified requests.
type Stats struct {
	TotalRequests int64                 `json:"total_requests"`
	Distribution  map[string]ClassStats `json:"priority_distribution"`
}

// Stats returns the current request distribution.
func (p *Prioritizer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.total == 0 {
		return Stats{Distribution: map[string]ClassStats{}}
	}

	dist := make(map[string]ClassStats, 5)
	for _, pri := range []Priority{Critical, High, Medium, Low, Background} {
		count := p.counts[pri]
		dist[pri.String()] = ClassStats{
			Count:      count,
			Percentage: float64(count) / float64(p.total) * 100,
		}
	}
	return Stats{TotalRequests: p.total, Distribution: dist}
}
