// Package scoring decides which findings are worth keeping: domain
// credibility tiers, token-overlap relevance, a year-mention recency proxy,
// and the keyword intent classifier that selects scoring profiles.
package scoring

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Default institutional allowlist. Tier A carries primary-source weight,
// tier B covers major outlets.
var (
	defaultTierA = []string{
		"imf.org",
		"worldbank.org",
		"bis.org",
		"oecd.org",
		"federalreserve.gov",
		"ecb.europa.eu",
	}
	defaultTierB = []string{
		"reuters.com",
		"bloomberg.com",
		"ft.com",
		"wsj.com",
		"mckinsey.com",
		"weforum.org",
		"wikipedia.org",
	}
	defaultTrustedSuffixes = []string{".gov", ".edu"}
)

// tierFile is the on-disk shape of the domain tier registry.
type tierFile struct {
	TierA           []string `yaml:"tier_a"`
	TierB           []string `yaml:"tier_b"`
	TrustedSuffixes []string `yaml:"trusted_suffixes"`
}

// TierRegistry holds the domain tier allowlists. It starts from built-in
// defaults and can overlay a YAML file, with optional hot reload on file
// change.
type TierRegistry struct {
	mu       sync.RWMutex
	tierA    map[string]struct{}
	tierB    map[string]struct{}
	suffixes []string

	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	once    sync.Once
}

// NewTierRegistry returns a registry seeded with the built-in tiers.
func NewTierRegistry(logger *zap.Logger) *TierRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &TierRegistry{
		logger: logger,
		stopCh: make(chan struct{}),
	}
	r.apply(defaultTierA, defaultTierB, defaultTrustedSuffixes)
	return r
}

// LoadFile overlays the registry from a YAML file. Sections absent from the
// file keep their current values. A missing file is not an error so that
// deployments without a registry file run on defaults.
func (r *TierRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Debug("Domain tier file not found, keeping defaults",
				zap.String("path", path))
			return nil
		}
		return fmt.Errorf("read domain tiers %s: %w", path, err)
	}
	var f tierFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse domain tiers %s: %w", path, err)
	}

	r.mu.Lock()
	if len(f.TierA) > 0 {
		r.tierA = toSet(f.TierA)
	}
	if len(f.TierB) > 0 {
		r.tierB = toSet(f.TierB)
	}
	if len(f.TrustedSuffixes) > 0 {
		suffixes := make([]string, 0, len(f.TrustedSuffixes))
		for _, s := range f.TrustedSuffixes {
			s = strings.ToLower(strings.TrimSpace(s))
			if s == "" {
				continue
			}
			if !strings.HasPrefix(s, ".") {
				s = "." + s
			}
			suffixes = append(suffixes, s)
		}
		r.suffixes = suffixes
	}
	tierALen, tierBLen := len(r.tierA), len(r.tierB)
	r.mu.Unlock()

	r.path = path
	r.logger.Info("Domain tier registry loaded",
		zap.String("path", path),
		zap.Int("tier_a", tierALen),
		zap.Int("tier_b", tierBLen),
	)
	return nil
}

// Watch starts a file watcher that reloads the registry whenever the loaded
// file is written. LoadFile must have been called first.
func (r *TierRegistry) Watch() error {
	if r.path == "" {
		return fmt.Errorf("no domain tier file loaded")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory rather than the file itself so that editors
	// replacing the file via rename keep being observed.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}
	r.watcher = watcher
	go r.watchLoop()
	return nil
}

func (r *TierRegistry) watchLoop() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Domain tier watch loop panicked", zap.Any("panic", rec))
		}
	}()
	base := filepath.Base(r.path)
	for {
		select {
		case <-r.stopCh:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Brief delay so rapid successive writes settle.
			time.Sleep(50 * time.Millisecond)
			if err := r.LoadFile(r.path); err != nil {
				r.logger.Error("Domain tier reload failed", zap.Error(err))
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("Domain tier watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher if one is running.
func (r *TierRegistry) Close() {
	r.once.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *TierRegistry) apply(tierA, tierB, suffixes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tierA = toSet(tierA)
	r.tierB = toSet(tierB)
	r.suffixes = append([]string(nil), suffixes...)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = normalizeDomain(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func normalizeDomain(domain string) string {
	host := strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(host, "www.")
}

// IsTierA reports membership in the institutional allowlist or a trusted
// suffix match.
func (r *TierRegistry) IsTierA(domain string) bool {
	host := normalizeDomain(domain)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.tierA[host]; ok {
		return true
	}
	for _, suffix := range r.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// IsTierB reports membership in the major-outlet allowlist.
func (r *TierRegistry) IsTierB(domain string) bool {
	host := normalizeDomain(domain)
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tierB[host]
	return ok
}

// IsTrusted reports whether the domain counts toward the trusted-source
// ratio.
func (r *TierRegistry) IsTrusted(domain string) bool {
	return r.IsTierA(domain) || r.IsTierB(domain)
}

// TrustedSeeds returns the sorted union of both tiers, used to seed
// trusted-domain search phases.
func (r *TierRegistry) TrustedSeeds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seeds := make([]string, 0, len(r.tierA)+len(r.tierB))
	for d := range r.tierA {
		seeds = append(seeds, d)
	}
	for d := range r.tierB {
		if _, dup := r.tierA[d]; !dup {
			seeds = append(seeds, d)
		}
	}
	sort.Strings(seeds)
	return seeds
}

// CredibilityScore maps a domain to its credibility weight. The tier A check
// runs first and already absorbs trusted suffixes, and the encyclopedia
// domain is pinned below tier B despite belonging to it.
func (r *TierRegistry) CredibilityScore(domain string) float64 {
	host := normalizeDomain(domain)
	switch {
	case r.IsTierA(host):
		return 1.0
	case host == "wikipedia.org":
		return 0.72
	case r.IsTierB(host):
		return 0.78
	case r.hasTrustedSuffix(host):
		return 0.9
	default:
		return 0.35
	}
}

func (r *TierRegistry) hasTrustedSuffix(host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, suffix := range r.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
