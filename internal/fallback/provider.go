package fallback

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tutormesh/tutormesh/pkg/logging"
	"github.com/tutormesh/tutormesh/pkg/resilience"
	"github.com/tutormesh/tutormesh/pkg/types"
)

// Fallback tiers in the order they are tried
const (
	TierCache      = "cache"
	TierSimplified = "simplified"
	TierStatic     = "static"
	TierApology    = "apology"
)

// Config holds fallback provider configuration
type Config struct {
	CacheEnabled      bool          `json:"cache_enabled"`
	SimplifiedEnabled bool          `json:"simplified_enabled"`
	StaticEnabled     bool          `json:"static_enabled"`
	MaxCacheAge       time.Duration `json:"max_cache_age"`
	SweepInterval     time.Duration `json:"sweep_interval"`
}

// DefaultConfig returns default fallback provider configuration
func DefaultConfig() Config {
	return Config{
		CacheEnabled:      true,
		SimplifiedEnabled: true,
		StaticEnabled:     true,
		MaxCacheAge:       30 * time.Minute,
		SweepInterval:     5 * time.Minute,
	}
}

// Provider produces degraded answers when the primary worker path fails.
// Three tiers are tried in order, each behind its own feature flag: replaying
// a cached primary answer, assembling a simplified answer from prepared topic
// material, and serving a canned answer. When every tier comes up empty the
// caller still gets an apology naming the unavailable worker type, so a
// failed coordination never turns into an empty response.
type Provider struct {
	config Config
	cache  *ResponseCache
	logger *logging.Logger

	mu           sync.Mutex
	servedByTier map[string]uint64
}

var _ resilience.FallbackSource = (*Provider)(nil)

// NewProvider creates a fallback provider and starts its cache sweep
func NewProvider(config Config) *Provider {
	return &Provider{
		config:       config,
		cache:        NewResponseCache(config.MaxCacheAge, config.SweepInterval),
		logger:       logging.GetLogger(),
		servedByTier: make(map[string]uint64),
	}
}

// GetFallback walks the enabled tiers in order and returns the first answer
// produced. A simplified answer is cached under the same key a primary
// response would use, so repeating the question hits the cache tier next
// time.
func (p *Provider) GetFallback(ctx context.Context, msg *types.Message, workerType types.WorkerType) *resilience.FallbackAnswer {
	query := ""
	if msg != nil {
		query = msg.Content
	}

	if p.config.CacheEnabled {
		if content, ok := p.cache.Lookup(query, workerType); ok {
			return p.serve(workerType, TierCache, content)
		}
	}

	if p.config.SimplifiedEnabled {
		if content, ok := simplifiedAnswer(query, workerType); ok {
			if p.config.CacheEnabled {
				p.cache.Put(query, workerType, content)
			}
			return p.serve(workerType, TierSimplified, content)
		}
	}

	if p.config.StaticEnabled {
		if content, ok := staticAnswer(query, workerType); ok {
			return p.serve(workerType, TierStatic, content)
		}
	}

	return p.serve(workerType, TierApology, apologyFor(workerType))
}

// CacheResponse stores a successful primary response for later replay as a
// degraded answer. Empty content is not worth replaying and is dropped.
func (p *Provider) CacheResponse(ctx context.Context, msg *types.Message, workerType types.WorkerType, content string) {
	if !p.config.CacheEnabled || msg == nil || strings.TrimSpace(content) == "" {
		return
	}

	p.cache.Put(msg.Content, workerType, content)
}

// DegradationStatus summarizes degraded-answer activity for dashboards
type DegradationStatus struct {
	CacheEnabled      bool              `json:"cache_enabled"`
	SimplifiedEnabled bool              `json:"simplified_enabled"`
	StaticEnabled     bool              `json:"static_enabled"`
	Cache             CacheStats        `json:"cache"`
	ServedByTier      map[string]uint64 `json:"served_by_tier"`
	TotalServed       uint64            `json:"total_served"`
}

// DegradationStatus reports cache effectiveness and fallbacks served per tier
func (p *Provider) DegradationStatus() DegradationStatus {
	p.mu.Lock()
	served := make(map[string]uint64, len(p.servedByTier))
	var total uint64
	for tier, count := range p.servedByTier {
		served[tier] = count
		total += count
	}
	p.mu.Unlock()

	return DegradationStatus{
		CacheEnabled:      p.config.CacheEnabled,
		SimplifiedEnabled: p.config.SimplifiedEnabled,
		StaticEnabled:     p.config.StaticEnabled,
		Cache:             p.cache.Stats(),
		ServedByTier:      served,
		TotalServed:       total,
	}
}

// Close stops the cache sweep goroutine
func (p *Provider) Close() {
	p.cache.Close()
}

func (p *Provider) serve(workerType types.WorkerType, tier, content string) *resilience.FallbackAnswer {
	p.mu.Lock()
	p.servedByTier[tier]++
	p.mu.Unlock()

	p.logger.Debug("serving degraded answer",
		"worker_type", workerType.String(),
		"tier", tier,
	)

	return &resilience.FallbackAnswer{
		Content: content,
		Tier:    tier,
	}
}
