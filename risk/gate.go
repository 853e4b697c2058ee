package risk

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SAFETY GUARD - Order admission in ONE place
// ═══════════════════════════════════════════════════════════════════════════════
//
// Executor asks → Guard approves/rejects → Executor submits
//
// Checks run in a fixed order so the first failing rule is the reported one:
//   emergency stop → dry run → order size → rate → per-market investment
//
// ═══════════════════════════════════════════════════════════════════════════════

// Denial reasons returned by CheckOrder
const (
	ReasonEmergencyStop   = "EMERGENCY_STOP_ACTIVE"
	ReasonDryRun          = "DRY_RUN_MODE"
	ReasonOrderTooLarge   = "ORDER_TOO_LARGE"
	ReasonRateLimit       = "RATE_LIMIT"
	ReasonInvestmentLimit = "INVESTMENT_LIMIT"
)

// SafetyConfig holds admission limits
type SafetyConfig struct {
	DryRun                 bool
	MaxOrderUSD            decimal.Decimal
	MaxOrdersPerMinute     int
	MaxInvestmentPerMarket decimal.Decimal
	LogPath                string // empty disables the safety log file
}

// SafetyGuard is the centralized order admission system
type SafetyGuard struct {
	mu sync.RWMutex

	cfg     SafetyConfig
	limiter *rate.Limiter

	// State
	emergencyStop  bool
	stopReason     string
	stoppedAt      time.Time
	marketInvested map[string]decimal.Decimal
	ordersRecorded int

	audit zerolog.Logger

	// Callbacks
	onEmergencyStop func(reason string)
}

// NewSafetyGuard creates the admission guard
func NewSafetyGuard(cfg SafetyConfig) *SafetyGuard {
	if cfg.MaxOrdersPerMinute <= 0 {
		cfg.MaxOrdersPerMinute = 100
	}

	g := &SafetyGuard{
		cfg:            cfg,
		limiter:        rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxOrdersPerMinute)), cfg.MaxOrdersPerMinute),
		marketInvested: make(map[string]decimal.Decimal),
		audit:          zerolog.New(io.Discard),
	}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0755); err == nil {
			if f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
				g.audit = zerolog.New(f).With().Timestamp().Logger()
			} else {
				log.Warn().Err(err).Str("path", cfg.LogPath).Msg("Safety log unavailable")
			}
		}
	}

	log.Info().
		Bool("dry_run", cfg.DryRun).
		Str("max_order", cfg.MaxOrderUSD.StringFixed(2)).
		Int("max_per_min", cfg.MaxOrdersPerMinute).
		Str("max_per_market", cfg.MaxInvestmentPerMarket.StringFixed(2)).
		Msg("🛡️ Safety Guard initialized")

	return g
}

// ═══════════════════════════════════════════════════════════════════════════════
// ADMISSION
// ═══════════════════════════════════════════════════════════════════════════════

// CheckOrder reports whether an order may be sent, and the reason when not
func (g *SafetyGuard) CheckOrder(side string, contracts, price decimal.Decimal, slug string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	size := contracts.Mul(price)

	reject := func(reason string) (bool, string) {
		g.audit.Warn().
			Str("side", side).
			Str("slug", slug).
			Str("usd", size.StringFixed(2)).
			Str("reason", reason).
			Msg("order denied")
		if reason != ReasonDryRun {
			log.Debug().Str("slug", slug).Str("reason", reason).Msg("🚫 Order rejected")
		}
		return false, reason
	}

	if g.emergencyStop {
		return reject(ReasonEmergencyStop)
	}
	if g.cfg.DryRun {
		return reject(ReasonDryRun)
	}
	if g.cfg.MaxOrderUSD.IsPositive() && size.GreaterThan(g.cfg.MaxOrderUSD) {
		return reject(ReasonOrderTooLarge)
	}
	if g.limiter.Tokens() < 1 {
		return reject(ReasonRateLimit)
	}
	if g.cfg.MaxInvestmentPerMarket.IsPositive() &&
		g.marketInvested[slug].Add(size).GreaterThan(g.cfg.MaxInvestmentPerMarket) {
		return reject(ReasonInvestmentLimit)
	}

	g.audit.Info().
		Str("side", side).
		Str("slug", slug).
		Str("usd", size.StringFixed(2)).
		Msg("order allowed")
	return true, ""
}

// RecordOrder books a filled order against the rate limit and the market's investment
func (g *SafetyGuard) RecordOrder(slug string, usd decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.limiter.Allow()
	g.ordersRecorded++
	g.marketInvested[slug] = g.marketInvested[slug].Add(usd)

	g.audit.Info().
		Str("slug", slug).
		Str("usd", usd.StringFixed(2)).
		Str("market_total", g.marketInvested[slug].StringFixed(2)).
		Msg("order recorded")
}

// ResetMarket clears per-market investment after the market is closed
func (g *SafetyGuard) ResetMarket(slug string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.marketInvested[slug]; !ok {
		return
	}
	delete(g.marketInvested, slug)
	g.audit.Info().Str("slug", slug).Msg("market reset")
}

// ═══════════════════════════════════════════════════════════════════════════════
// EMERGENCY STOP
// ═══════════════════════════════════════════════════════════════════════════════

// ActivateEmergencyStop blocks every future order until cleared
func (g *SafetyGuard) ActivateEmergencyStop(reason string) {
	g.mu.Lock()
	if g.emergencyStop {
		g.mu.Unlock()
		return
	}
	g.emergencyStop = true
	g.stopReason = reason
	g.stoppedAt = time.Now()
	cb := g.onEmergencyStop
	g.mu.Unlock()

	g.audit.Error().Str("reason", reason).Msg("emergency stop")
	log.Error().Str("reason", reason).Msg("🚨 EMERGENCY STOP ACTIVATED")

	if cb != nil {
		cb(reason)
	}
}

// ClearEmergencyStop resumes order admission
func (g *SafetyGuard) ClearEmergencyStop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.emergencyStop {
		return
	}
	g.emergencyStop = false
	g.stopReason = ""
	g.audit.Info().Msg("emergency stop cleared")
	log.Info().Msg("✅ Emergency stop cleared")
}

// OnEmergencyStop sets callback for emergency stop events
func (g *SafetyGuard) OnEmergencyStop(fn func(reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onEmergencyStop = fn
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// IsDryRun reports whether orders are simulated
func (g *SafetyGuard) IsDryRun() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg.DryRun
}

// IsEmergencyStopped returns the latch state and its reason
func (g *SafetyGuard) IsEmergencyStopped() (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.emergencyStop, g.stopReason
}

// MarketInvestment returns USD booked against a market
func (g *SafetyGuard) MarketInvestment(slug string) decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.marketInvested[slug]
}

// TotalInvestment returns USD booked across all open markets
func (g *SafetyGuard) TotalInvestment() decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := decimal.Zero
	for _, v := range g.marketInvested {
		total = total.Add(v)
	}
	return total
}

// GetStats returns current guard state
func (g *SafetyGuard) GetStats() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	total := decimal.Zero
	for _, v := range g.marketInvested {
		total = total.Add(v)
	}

	return map[string]interface{}{
		"dry_run":          g.cfg.DryRun,
		"emergency_stop":   g.emergencyStop,
		"stop_reason":      g.stopReason,
		"stopped_at":       g.stoppedAt,
		"orders_recorded":  g.ordersRecorded,
		"open_markets":     len(g.marketInvested),
		"total_investment": total.StringFixed(2),
	}
}
