package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/metrics"
	"github.com/astra-studio/astra/internal/models"
	"github.com/astra-studio/astra/internal/urlnorm"
	"github.com/astra-studio/astra/internal/util"
)

// RouterConfig tunes the fan-out and the result cache.
type RouterConfig struct {
	// MaxPerDomain caps how many interleaved candidates a single domain
	// may contribute before dedup.
	MaxPerDomain int
	CacheSize    int
	CacheTTL     time.Duration
}

// Router fans a query out to the primary providers concurrently,
// interleaves their results round-robin to avoid one-provider dominance,
// dedupes by canonical URL with a per-domain cap, and falls back to the
// secondary provider when the primaries return nothing.
type Router struct {
	primaries    []Provider
	fallback     Provider
	maxPerDomain int
	ttl          time.Duration
	cache        *lru.Cache[string, cachedResult]
	logger       *zap.Logger
}

type cachedResult struct {
	findings []models.SourceFinding
	storedAt time.Time
}

// NewRouter builds the router. primaries may be empty and fallback may be
// nil; Search then fails with ErrNoProviders.
func NewRouter(primaries []Provider, fallback Provider, cfg RouterConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPerDomain < 1 {
		cfg.MaxPerDomain = 2
	}
	if cfg.CacheSize < 1 {
		cfg.CacheSize = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	cache, _ := lru.New[string, cachedResult](cfg.CacheSize)
	return &Router{
		primaries:    primaries,
		fallback:     fallback,
		maxPerDomain: cfg.MaxPerDomain,
		ttl:          cfg.CacheTTL,
		cache:        cache,
		logger:       logger,
	}
}

func cacheKey(req Request) string {
	domains := append([]string(nil), req.IncludeDomains...)
	sort.Strings(domains)
	return fmt.Sprintf("%s|%d|%s", req.Query, req.MaxResults, strings.Join(domains, ","))
}

// Search runs the provider ladder for one query.
func (r *Router) Search(ctx context.Context, req Request) ([]models.SourceFinding, error) {
	key := cacheKey(req)
	if entry, ok := r.cache.Get(key); ok && time.Since(entry.storedAt) < r.ttl {
		metrics.SearchCacheHits.Inc()
		return append([]models.SourceFinding(nil), entry.findings...), nil
	}
	metrics.SearchCacheMisses.Inc()

	r.logger.Info("search start",
		zap.String("query", util.CutRunes(req.Query, 120)),
		zap.Int("max_results", req.MaxResults),
		zap.Bool("include_domains", len(req.IncludeDomains) > 0),
		zap.Int("primaries", len(r.primaries)))

	perProvider := make([][]models.SourceFinding, len(r.primaries))
	perErr := make([]error, len(r.primaries))
	var wg sync.WaitGroup
	for i, p := range r.primaries {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			perProvider[i], perErr[i] = p.Search(ctx, req)
		}(i, p)
	}
	wg.Wait()

	var errs []error
	for i, p := range r.primaries {
		if perErr[i] != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), perErr[i]))
			r.logger.Warn("search provider error",
				zap.String("provider", p.Name()), zap.Error(perErr[i]))
			continue
		}
		r.logger.Info("search provider ok",
			zap.String("provider", p.Name()), zap.Int("results", len(perProvider[i])))
	}

	deduped := r.dedupe(interleave(perProvider))
	if len(deduped) > 0 {
		limit := req.MaxResults * 2
		if limit < 3 {
			limit = 3
		}
		if len(deduped) > limit {
			deduped = deduped[:limit]
		}
		r.logger.Info("search primary complete", zap.Int("deduped_results", len(deduped)))
		r.cache.Add(key, cachedResult{findings: deduped, storedAt: time.Now()})
		return append([]models.SourceFinding(nil), deduped...), nil
	}

	if r.fallback != nil {
		r.logger.Info("search fallback", zap.String("provider", r.fallback.Name()))
		findings, err := r.fallback.Search(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.fallback.Name(), err))
			r.logger.Warn("search provider error",
				zap.String("provider", r.fallback.Name()), zap.Error(err))
		} else if len(findings) > 0 {
			r.cache.Add(key, cachedResult{findings: findings, storedAt: time.Now()})
			return findings, nil
		} else {
			errs = append(errs, fmt.Errorf("%s: returned no results", r.fallback.Name()))
		}
	}

	if len(errs) > 0 {
		r.logger.Error("search failed",
			zap.String("query", util.CutRunes(req.Query, 120)), zap.Int("errors", len(errs)))
		return nil, &AllFailedError{Errs: errs}
	}
	return nil, ErrNoProviders
}

// interleave merges per-provider result lists round-robin, preserving
// provider registration order within each round.
func interleave(perProvider [][]models.SourceFinding) []models.SourceFinding {
	longest := 0
	total := 0
	for _, items := range perProvider {
		total += len(items)
		if len(items) > longest {
			longest = len(items)
		}
	}
	merged := make([]models.SourceFinding, 0, total)
	for i := 0; i < longest; i++ {
		for _, items := range perProvider {
			if i < len(items) {
				merged = append(merged, items[i])
			}
		}
	}
	return merged
}

// dedupe drops repeated canonical URLs and applies the per-domain cap in
// interleave order.
func (r *Router) dedupe(findings []models.SourceFinding) []models.SourceFinding {
	seen := make(map[string]struct{}, len(findings))
	domainCounts := make(map[string]int)
	kept := make([]models.SourceFinding, 0, len(findings))
	for _, f := range findings {
		key := urlnorm.Canonicalize(f.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		domain := f.SourceName
		if domain == "" {
			domain = urlnorm.Domain(f.URL)
		}
		if domainCounts[domain] >= r.maxPerDomain {
			continue
		}
		seen[key] = struct{}{}
		domainCounts[domain]++
		kept = append(kept, f)
	}
	return kept
}
