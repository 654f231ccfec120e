package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/types"
)

// maxPolicyBodyBytes bounds the policy service response we will parse.
const maxPolicyBodyBytes = 1 << 20

// Fetcher resolves caller tokens to policies with a TTL cache.
// Failures fall back to the default policy and are never cached, so a
// transient policy-service outage does not pin a bad result.
type Fetcher struct {
	serviceURL    string
	ttl           time.Duration
	client        *http.Client
	defaultPolicy func() *types.Policy
	logger        zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry

	group singleflight.Group

	statsMu sync.Mutex
	hits    uint64
	misses  uint64
}

type cacheEntry struct {
	policy    *types.Policy
	fetchedAt time.Time
}

// FetcherConfig configures a Fetcher
type FetcherConfig struct {
	ServiceURL string

	// TTL bounds how long a cached policy stays fresh. Defaults to 60s.
	TTL time.Duration

	// DefaultPolicy is returned on any resolution failure. Must be deny-all
	// in production configurations.
	DefaultPolicy func() *types.Policy

	// Timeout bounds one upstream request. Defaults to 5s.
	Timeout time.Duration
}

// NewFetcher creates a policy fetcher
func NewFetcher(cfg FetcherConfig) *Fetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	def := cfg.DefaultPolicy
	if def == nil {
		def = DenyAll
	}
	return &Fetcher{
		serviceURL:    cfg.ServiceURL,
		ttl:           ttl,
		client:        &http.Client{Timeout: timeout},
		defaultPolicy: def,
		logger:        log.WithComponent("policy"),
		cache:         make(map[string]cacheEntry),
	}
}

// servicePolicy is the wire shape of GET /policies. Unknown fields ignored.
type servicePolicy struct {
	AllowedDomains  []string                    `json:"allowedDomains"`
	BlockedDomains  []string                    `json:"blockedDomains"`
	APIPathRules    map[string][]types.PathRule `json:"apiPathRules"`
	AllowedPackages []string                    `json:"allowedPackages"`
	AllowedBinaries []string                    `json:"allowedBinaries"`
}

// FetchPolicy resolves a token to a policy. On any failure the default
// policy is returned together with the error; the execution proceeds under
// the fallback rather than failing.
//
// Concurrent calls for the same missing token coalesce into one upstream
// request. Callers observe their own context deadlines: on deadline the
// fallback is returned without caching.
func (f *Fetcher) FetchPolicy(ctx context.Context, token string) (*types.Policy, error) {
	if token == "" {
		return f.defaultPolicy(), fmt.Errorf("no token")
	}

	if p, ok := f.lookup(token); ok {
		f.statsMu.Lock()
		f.hits++
		f.statsMu.Unlock()
		metrics.PolicyCacheHits.Inc()
		return p, nil
	}

	f.statsMu.Lock()
	f.misses++
	f.statsMu.Unlock()
	metrics.PolicyCacheMisses.Inc()

	ch := f.group.DoChan(token, func() (any, error) {
		return f.fetchRemote(context.WithoutCancel(ctx), token)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			f.logger.Warn().
				Err(res.Err).
				Msg("policy fetch failed, using default policy")
			metrics.PolicyFallbacks.Inc()
			return f.defaultPolicy(), res.Err
		}
		return res.Val.(*types.Policy), nil
	case <-ctx.Done():
		f.logger.Warn().
			Err(ctx.Err()).
			Msg("policy fetch deadline exceeded, using default policy")
		metrics.PolicyFallbacks.Inc()
		return f.defaultPolicy(), ctx.Err()
	}
}

// fetchRemote queries the policy service and populates the cache on success
func (f *Fetcher) fetchRemote(ctx context.Context, token string) (*types.Policy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.serviceURL+"/policies", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy service returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicyBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read policy response: %w", err)
	}

	var sp servicePolicy
	if err := json.Unmarshal(body, &sp); err != nil {
		return nil, fmt.Errorf("failed to parse policy response: %w", err)
	}

	p := &types.Policy{
		AllowedDomains:  sp.AllowedDomains,
		BlockedDomains:  sp.BlockedDomains,
		APIPathRules:    sp.APIPathRules,
		AllowedPackages: sp.AllowedPackages,
		AllowedBinaries: sp.AllowedBinaries,
		Source:          types.PolicySourceCaller,
	}
	if p.AllowedDomains == nil {
		p.AllowedDomains = []string{}
	}
	Normalize(p)

	f.mu.Lock()
	f.cache[token] = cacheEntry{policy: p, fetchedAt: time.Now()}
	f.mu.Unlock()

	return p, nil
}

func (f *Fetcher) lookup(token string) (*types.Policy, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.cache[token]
	if !ok {
		return nil, false
	}
	if time.Since(e.fetchedAt) > f.ttl {
		return nil, false
	}
	return e.policy, true
}

// Invalidate removes one cached entry
func (f *Fetcher) Invalidate(token string) {
	f.mu.Lock()
	delete(f.cache, token)
	f.mu.Unlock()
}

// InvalidateAll drops the whole cache
func (f *Fetcher) InvalidateAll() {
	f.mu.Lock()
	f.cache = make(map[string]cacheEntry)
	f.mu.Unlock()
}

// CacheStats reports cache observability counters
type CacheStats struct {
	Size   int
	Hits   uint64
	Misses uint64
}

// Stats returns current cache statistics
func (f *Fetcher) Stats() CacheStats {
	f.mu.RLock()
	size := len(f.cache)
	f.mu.RUnlock()

	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return CacheStats{Size: size, Hits: f.hits, Misses: f.misses}
}
