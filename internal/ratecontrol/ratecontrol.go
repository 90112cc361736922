// Package ratecontrol paces outbound provider traffic. Limits come from
// config/providers.yaml with built-in fallbacks per provider.
package ratecontrol

import (
	"context"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type config struct {
	RateLimits struct {
		DefaultRPM        int `yaml:"default_rpm"`
		DefaultTPM        int `yaml:"default_tpm"`
		ProviderOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit is the per-provider budget. TPM only matters for token-metered
// providers; search APIs use RPM alone.
type RateLimit struct {
	RPM int
	TPM int
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool

	limiterMu sync.Mutex
	limiters  = map[string]*rate.Limiter{}
)

func defaultPaths() []string {
	return []string{
		os.Getenv("PROVIDERS_CONFIG_PATH"),
		"/app/config/providers.yaml",
		"./config/providers.yaml",
		"../../config/providers.yaml",
		"../../../config/providers.yaml",
	}
}

func loadLocked() {
	var cfg config
	for _, p := range defaultPaths() {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: failed to unmarshal rate limit config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		log.Printf("Loaded provider rate limits from %s", p)
		break
	}
	if cfg.RateLimits.DefaultRPM == 0 && cfg.RateLimits.DefaultTPM == 0 && len(cfg.RateLimits.ProviderOverrides) == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp config
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
					log.Printf("Loaded provider rate limits from %s", path)
				}
			}
		}
	}
	loaded = &cfg
	initialized = true
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "providers.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

var builtInProviderLimits = map[string]RateLimit{
	"tavily":    {RPM: 60},
	"exa":       {RPM: 30},
	"firecrawl": {RPM: 20},
	"wikipedia": {RPM: 90},
	"openai":    {RPM: 30, TPM: 60000},
	"unknown":   {RPM: 45},
}

// LimitForProvider resolves the limit for a provider: config override first,
// then the built-in table, then the config defaults.
func LimitForProvider(provider string) RateLimit {
	name := strings.ToLower(strings.TrimSpace(provider))
	cfg := get()
	if cfg != nil && cfg.RateLimits.ProviderOverrides != nil {
		if override, ok := cfg.RateLimits.ProviderOverrides[name]; ok {
			return RateLimit{RPM: override.RPM, TPM: override.TPM}
		}
	}
	if limit, ok := builtInProviderLimits[name]; ok {
		return limit
	}
	if cfg != nil {
		return RateLimit{RPM: cfg.RateLimits.DefaultRPM, TPM: cfg.RateLimits.DefaultTPM}
	}
	return RateLimit{}
}

// LimiterFor returns the shared token-bucket limiter for a provider,
// building it from the resolved RPM on first use. Providers without an RPM
// get an unlimited limiter.
func LimiterFor(provider string) *rate.Limiter {
	name := strings.ToLower(strings.TrimSpace(provider))
	limiterMu.Lock()
	defer limiterMu.Unlock()
	if limiter, ok := limiters[name]; ok {
		return limiter
	}
	limit := LimitForProvider(name)
	var limiter *rate.Limiter
	if limit.RPM > 0 {
		burst := max(1, limit.RPM/6)
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit.RPM)), burst)
	} else {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	limiters[name] = limiter
	return limiter
}

// Wait blocks until the provider's limiter admits one request or the context
// ends.
func Wait(ctx context.Context, provider string) error {
	return LimiterFor(provider).Wait(ctx)
}

// TokenDelay returns the pause needed before a token-metered request so the
// provider's TPM budget holds, capped at one minute.
func TokenDelay(provider string, estimatedTokens int) time.Duration {
	limit := LimitForProvider(provider)
	if limit.TPM <= 0 || estimatedTokens <= 0 {
		return 0
	}
	perToken := 60000.0 / float64(limit.TPM)
	delayMs := perToken * float64(estimatedTokens)
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

// Reload re-reads the limits file and drops cached limiters so new limits
// take effect.
func Reload() {
	mu.Lock()
	initialized = false
	loadLocked()
	mu.Unlock()

	limiterMu.Lock()
	limiters = map[string]*rate.Limiter{}
	limiterMu.Unlock()
}
