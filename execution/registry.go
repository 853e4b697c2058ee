package execution

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BLOCKED-MARKET REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════
//
// A market is blocked the instant an exit fires and stays blocked until it
// is redeemed. Every buy attempt checks it, so a late entry can never land
// on a market that is being liquidated.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Registry is the set of blocked (asset, slug) pairs
type Registry struct {
	mu      sync.RWMutex
	blocked map[string]map[string]time.Time // asset → slug → blocked at
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		blocked: make(map[string]map[string]time.Time),
	}
}

// Block marks a market as closed for new orders. Returns false if it was already blocked.
func (r *Registry) Block(asset, slug string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slugs, ok := r.blocked[asset]
	if !ok {
		slugs = make(map[string]time.Time)
		r.blocked[asset] = slugs
	}
	if _, exists := slugs[slug]; exists {
		return false
	}
	slugs[slug] = time.Now()

	log.Warn().Str("asset", asset).Str("slug", slug).Msg("🚫 Market blocked")
	return true
}

// Unblock releases a market, normally after redemption
func (r *Registry) Unblock(asset, slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slugs, ok := r.blocked[asset]
	if !ok {
		return
	}
	if _, exists := slugs[slug]; !exists {
		return
	}
	delete(slugs, slug)
	if len(slugs) == 0 {
		delete(r.blocked, asset)
	}

	log.Info().Str("asset", asset).Str("slug", slug).Msg("🔓 Market unblocked")
}

// IsBlocked reports whether new orders for the market are refused
func (r *Registry) IsBlocked(asset, slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocked[asset][slug]
	return ok
}

// BlockedMarkets returns the blocked slugs per asset, sorted
func (r *Registry) BlockedMarkets() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.blocked))
	for asset, slugs := range r.blocked {
		list := make([]string, 0, len(slugs))
		for slug := range slugs {
			list = append(list, slug)
		}
		sort.Strings(list)
		out[asset] = list
	}
	return out
}
