package core

import (
	"sort"
	"sync"
	"time"

	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SYMBOLS - Discovered market metadata
// ═══════════════════════════════════════════════════════════════════════════════

type tokenRef struct {
	slug string
	side types.Side
}

// MarketCatalog indexes discovered markets by slug and token
type MarketCatalog struct {
	mu      sync.RWMutex
	markets map[string]*types.Market
	tokens  map[string]tokenRef
}

// NewMarketCatalog creates an empty catalog
func NewMarketCatalog() *MarketCatalog {
	return &MarketCatalog{
		markets: make(map[string]*types.Market),
		tokens:  make(map[string]tokenRef),
	}
}

// Add adds or replaces a market
func (c *MarketCatalog) Add(m *types.Market) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markets[m.Slug] = m
	c.tokens[m.UpTokenID] = tokenRef{slug: m.Slug, side: types.SideUp}
	c.tokens[m.DownTokenID] = tokenRef{slug: m.Slug, side: types.SideDown}
}

// Get retrieves a market by slug
func (c *MarketCatalog) Get(slug string) *types.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.markets[slug]
}

// ByToken finds the market and side of an outcome token
func (c *MarketCatalog) ByToken(tokenID string) (*types.Market, types.Side, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.tokens[tokenID]
	if !ok {
		return nil, "", false
	}
	return c.markets[ref.slug], ref.side, true
}

// Remove drops a market and its tokens
func (c *MarketCatalog) Remove(slug string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markets[slug]
	if !ok {
		return
	}
	delete(c.tokens, m.UpTokenID)
	delete(c.tokens, m.DownTokenID)
	delete(c.markets, slug)
}

// Active returns markets not yet expired at now, ordered by end time
func (c *MarketCatalog) Active(now time.Time) []*types.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var active []*types.Market
	for _, m := range c.markets {
		if !m.Expired(now) {
			active = append(active, m)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].EndTime.Before(active[j].EndTime) })
	return active
}

// Count returns the number of markets
func (c *MarketCatalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markets)
}

// Prune drops expired markets unless keep reports them still needed
func (c *MarketCatalog) Prune(now time.Time, keep func(slug string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for slug, m := range c.markets {
		if !m.Expired(now) || (keep != nil && keep(slug)) {
			continue
		}
		delete(c.tokens, m.UpTokenID)
		delete(c.tokens, m.DownTokenID)
		delete(c.markets, slug)
		n++
	}
	return n
}
