package core

import (
	"sort"
	"sync"
	"sync/atomic"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS BOARD - Per (asset, slug) market status
// ═══════════════════════════════════════════════════════════════════════════════
//
//   skip ─┐
//         ├──▶ active ──CAS──▶ closing
//   pending┘
//
// closing is terminal. Every transition into it is a compare-and-swap on the
// slug's cell, so concurrent triggers resolve to exactly one winner.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Status of one market
type Status int32

const (
	StatusUnknown Status = iota
	StatusSkip
	StatusPending
	StatusActive
	StatusClosing
)

func (s Status) String() string {
	switch s {
	case StatusSkip:
		return "skip"
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type assetBoard struct {
	mu    sync.RWMutex
	cells map[string]*atomic.Int32
}

// StatusBoard holds the status of every tracked market
type StatusBoard struct {
	mu     sync.RWMutex
	assets map[string]*assetBoard
}

// NewStatusBoard creates an empty board
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{assets: make(map[string]*assetBoard)}
}

func (b *StatusBoard) asset(asset string, create bool) *assetBoard {
	b.mu.RLock()
	ab, ok := b.assets[asset]
	b.mu.RUnlock()
	if ok || !create {
		return ab
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ab, ok = b.assets[asset]; !ok {
		ab = &assetBoard{cells: make(map[string]*atomic.Int32)}
		b.assets[asset] = ab
	}
	return ab
}

func (b *StatusBoard) cell(asset, slug string, create bool) *atomic.Int32 {
	ab := b.asset(asset, create)
	if ab == nil {
		return nil
	}

	ab.mu.RLock()
	c, ok := ab.cells[slug]
	ab.mu.RUnlock()
	if ok || !create {
		return c
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()
	if c, ok = ab.cells[slug]; !ok {
		c = new(atomic.Int32)
		ab.cells[slug] = c
	}
	return c
}

// Get returns the status, StatusUnknown when untracked
func (b *StatusBoard) Get(asset, slug string) Status {
	c := b.cell(asset, slug, false)
	if c == nil {
		return StatusUnknown
	}
	return Status(c.Load())
}

// Track registers a new market. An existing status is left as is.
func (b *StatusBoard) Track(asset, slug string, s Status) Status {
	c := b.cell(asset, slug, true)
	if c.CompareAndSwap(int32(StatusUnknown), int32(s)) {
		return s
	}
	return Status(c.Load())
}

// Activate moves skip or pending to active. Returns false for any other state.
func (b *StatusBoard) Activate(asset, slug string) bool {
	c := b.cell(asset, slug, false)
	if c == nil {
		return false
	}
	for {
		cur := Status(c.Load())
		if cur != StatusSkip && cur != StatusPending {
			return false
		}
		if c.CompareAndSwap(int32(cur), int32(StatusActive)) {
			return true
		}
	}
}

// TryClose is the active → closing CAS. Only the first caller wins.
func (b *StatusBoard) TryClose(asset, slug string) bool {
	c := b.cell(asset, slug, false)
	if c == nil {
		return false
	}
	return c.CompareAndSwap(int32(StatusActive), int32(StatusClosing))
}

// ForceClose moves any tracked state to closing. Returns true if this call did it.
func (b *StatusBoard) ForceClose(asset, slug string) bool {
	c := b.cell(asset, slug, true)
	for {
		cur := c.Load()
		if Status(cur) == StatusClosing {
			return false
		}
		if c.CompareAndSwap(cur, int32(StatusClosing)) {
			return true
		}
	}
}

// IsClosing reports whether buys must stop for this market
func (b *StatusBoard) IsClosing(asset, slug string) bool {
	return b.Get(asset, slug) == StatusClosing
}

// IsActive reports whether the market may be traded
func (b *StatusBoard) IsActive(asset, slug string) bool {
	return b.Get(asset, slug) == StatusActive
}

// Remove drops a market from the board
func (b *StatusBoard) Remove(asset, slug string) {
	ab := b.asset(asset, false)
	if ab == nil {
		return
	}
	ab.mu.Lock()
	delete(ab.cells, slug)
	ab.mu.Unlock()
}

// Snapshot returns slug → status for one asset, for display
func (b *StatusBoard) Snapshot(asset string) map[string]Status {
	out := make(map[string]Status)
	ab := b.asset(asset, false)
	if ab == nil {
		return out
	}
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	for slug, c := range ab.cells {
		out[slug] = Status(c.Load())
	}
	return out
}

// Assets lists assets with tracked markets, sorted
func (b *StatusBoard) Assets() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.assets))
	for a := range b.assets {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
