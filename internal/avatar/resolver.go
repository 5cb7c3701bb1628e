// Package avatar resolves entity identity signals into stable image URLs.
// A primary image wins over a name-derived initials card, which wins over
// the neutral placeholder; results are cached so list surfaces do not
// re-derive on every render.
package avatar

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sidelinehq/sideline/internal/metrics"
	"github.com/sidelinehq/sideline/internal/platform/rescache"
)

const (
	// defaultSizePX is used when the caller passes no delivery size.
	defaultSizePX = 96

	// backgroundSlots is the number of fallback card backgrounds the
	// deterministic hash picks from.
	backgroundSlots = 8
)

// Config controls resolver construction. Zero values fall back to the
// cache defaults.
type Config struct {
	// CDNBase is the image CDN upload base, e.g.
	// https://images.sideline.example/u. Primary URLs are normalized
	// through it with a delivery transform in the path.
	CDNBase string

	// FallbackBase serves generated initials cards and placeholders.
	FallbackBase string

	TTL       time.Duration
	MaxErrors int
	Clock     func() time.Time
}

// Resolver derives and caches avatar URLs.
type Resolver struct {
	cdnBase      string
	fallbackBase string
	cache        *rescache.Cache[string]

	mu          sync.Mutex
	quarantined map[string]struct{}
}

// New creates a resolver.
func New(cfg Config) *Resolver {
	return &Resolver{
		cdnBase:      strings.TrimRight(strings.TrimSpace(cfg.CDNBase), "/"),
		fallbackBase: strings.TrimRight(strings.TrimSpace(cfg.FallbackBase), "/"),
		cache: rescache.New[string](rescache.Config{
			TTL:       cfg.TTL,
			MaxErrors: cfg.MaxErrors,
			Clock:     cfg.Clock,
		}),
		quarantined: make(map[string]struct{}),
	}
}

// Resolve returns the avatar URL for an entity. The cache key follows the
// signal precedence (primary image, then display name, then entity id
// alone), so a signal change re-derives while unrelated re-renders hit
// the cache. The first resolution's size sticks for the cache lifetime;
// surfaces share a small set of delivery sizes.
func (r *Resolver) Resolve(entityID, primaryURL, name string, sizePX int) string {
	if r == nil {
		return ""
	}
	if sizePX <= 0 {
		sizePX = defaultSizePX
	}

	key := rescache.Key(entityID, primaryURL, name)
	if cached, ok := r.cache.Get(key); ok {
		metrics.AvatarCacheHits.Inc()
		return cached
	}
	metrics.AvatarCacheMisses.Inc()

	if r.consumeQuarantine(key) {
		primaryURL = ""
	}
	resolved := r.derive(entityID, primaryURL, name, sizePX)
	r.cache.Set(key, resolved)
	return resolved
}

// ReportError records a broken image for the entity's current signals.
// Once the entry saturates its error budget it evicts, and when the broken
// signal was a primary image the next derivation skips it, so the caller
// gets the initials fallback instead of the same dead URL. The primary is
// tried again once that fallback ages out of the cache.
func (r *Resolver) ReportError(entityID, primaryURL, name string) {
	if r == nil {
		return
	}
	key := rescache.Key(entityID, primaryURL, name)
	if !r.cache.MarkError(key) {
		return
	}
	if strings.TrimSpace(primaryURL) == "" {
		return
	}
	r.mu.Lock()
	r.quarantined[key] = struct{}{}
	r.mu.Unlock()
}

// Flush drops every cached resolution. Called on sign-out.
func (r *Resolver) Flush() {
	if r == nil {
		return
	}
	r.cache.Flush()
	r.mu.Lock()
	r.quarantined = make(map[string]struct{})
	r.mu.Unlock()
}

func (r *Resolver) consumeQuarantine(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.quarantined[key]; !ok {
		return false
	}
	delete(r.quarantined, key)
	return true
}

func (r *Resolver) derive(entityID, primaryURL, name string, sizePX int) string {
	primaryURL = strings.TrimSpace(primaryURL)
	if primaryURL != "" {
		return r.cdnVariant(primaryURL, sizePX)
	}
	initials := initialsOf(name)
	if initials != "" {
		return fmt.Sprintf("%s/card?initials=%s&slot=%d&s=%d",
			r.fallbackBase, url.QueryEscape(initials), backgroundSlot(entityID), sizePX)
	}
	return fmt.Sprintf("%s/placeholder?slot=%d&s=%d",
		r.fallbackBase, backgroundSlot(entityID), sizePX)
}

// cdnVariant rewrites a primary image URL into a sized delivery variant.
// Images already on the CDN get the transform spliced into their path;
// anything else is fetched through the CDN with the source escaped.
func (r *Resolver) cdnVariant(primaryURL string, sizePX int) string {
	transform := fmt.Sprintf("f_auto,q_auto,c_limit,w_%d", sizePX)
	if rest, ok := strings.CutPrefix(primaryURL, r.cdnBase+"/"); ok {
		return r.cdnBase + "/" + transform + "/" + rest
	}
	return r.cdnBase + "/" + transform + "/" + url.QueryEscape(primaryURL)
}

// initialsOf takes the first rune of the first two name tokens.
func initialsOf(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	if len(fields) > 2 {
		fields = fields[:2]
	}
	var b strings.Builder
	for _, field := range fields {
		for _, r := range field {
			b.WriteRune(unicode.ToUpper(r))
			break
		}
	}
	return b.String()
}

// backgroundSlot picks a stable card background from entity identity.
func backgroundSlot(entityID string) int {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte("avatar-card-v1"))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(entityID)))
	return int(hasher.Sum64() % uint64(backgroundSlots))
}
