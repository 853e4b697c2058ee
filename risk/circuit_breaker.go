package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Latches the emergency stop on a losing streak
// ═══════════════════════════════════════════════════════════════════════════════

// StateStore persists breaker state between restarts
type StateStore interface {
	SaveRiskState(state *storage.RiskState) error
	GetRiskState(date string) (*storage.RiskState, error)
}

type CircuitBreaker struct {
	mu sync.RWMutex

	// Configuration
	maxConsecutiveLosses int
	maxDailyLoss         decimal.Decimal // absolute USD, zero disables

	// State
	consecutiveLosses int
	dailyLoss         decimal.Decimal
	tripped           bool
	trippedAt         time.Time
	reason            string
	lastResetDate     string

	store  StateStore
	onTrip func(reason string)
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(maxLosses int, maxDailyLoss decimal.Decimal, store StateStore) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxConsecutiveLosses: maxLosses,
		maxDailyLoss:         maxDailyLoss,
		store:                store,
		lastResetDate:        time.Now().UTC().Format("2006-01-02"),
	}
	cb.restore()
	return cb
}

// OnTrip sets the callback fired once per trip
func (cb *CircuitBreaker) OnTrip(fn func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = fn
}

// RecordClose feeds a realized market PnL into the breaker
func (cb *CircuitBreaker) RecordClose(slug string, pnl decimal.Decimal) {
	cb.mu.Lock()

	today := time.Now().UTC().Format("2006-01-02")
	if cb.lastResetDate != today {
		cb.reset()
		cb.lastResetDate = today
	}

	if pnl.IsNegative() {
		cb.consecutiveLosses++
		cb.dailyLoss = cb.dailyLoss.Add(pnl.Abs())
	} else {
		cb.consecutiveLosses = 0
	}

	var fire func(string)
	var reason string
	if !cb.tripped {
		switch {
		case cb.maxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.maxConsecutiveLosses:
			reason = "max consecutive losses"
		case cb.maxDailyLoss.IsPositive() && cb.dailyLoss.GreaterThanOrEqual(cb.maxDailyLoss):
			reason = "max daily loss"
		}
		if reason != "" {
			cb.trip(reason)
			fire = cb.onTrip
		}
	}

	log.Debug().
		Str("slug", slug).
		Str("pnl", pnl.StringFixed(2)).
		Int("consecutive_losses", cb.consecutiveLosses).
		Msg("Circuit breaker updated")

	cb.persist()
	cb.mu.Unlock()

	if fire != nil {
		fire(reason)
	}
}

// trip activates the circuit breaker
func (cb *CircuitBreaker) trip(reason string) {
	cb.tripped = true
	cb.trippedAt = time.Now()
	cb.reason = reason
	log.Warn().
		Str("reason", reason).
		Int("consecutive_losses", cb.consecutiveLosses).
		Str("daily_loss", cb.dailyLoss.StringFixed(2)).
		Msg("🚨 CIRCUIT BREAKER TRIPPED")
}

// reset clears the circuit breaker state
func (cb *CircuitBreaker) reset() {
	cb.consecutiveLosses = 0
	cb.dailyLoss = decimal.Zero
	cb.tripped = false
	cb.reason = ""
}

func (cb *CircuitBreaker) persist() {
	if cb.store == nil {
		return
	}
	err := cb.store.SaveRiskState(&storage.RiskState{
		Date:              cb.lastResetDate,
		ConsecutiveLosses: cb.consecutiveLosses,
		EmergencyStop:     cb.tripped,
		StopReason:        cb.reason,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to persist risk state")
	}
}

func (cb *CircuitBreaker) restore() {
	if cb.store == nil {
		return
	}
	state, err := cb.store.GetRiskState(cb.lastResetDate)
	if err != nil || state == nil {
		return
	}
	cb.consecutiveLosses = state.ConsecutiveLosses
	cb.tripped = state.EmergencyStop
	cb.reason = state.StopReason
	if cb.tripped {
		log.Warn().Str("reason", cb.reason).Msg("⚠️ Circuit breaker restored in tripped state")
	}
}

// IsTripped returns current trip state
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() (consecutiveLosses int, dailyLoss decimal.Decimal, tripped bool, reason string) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveLosses, cb.dailyLoss, cb.tripped, cb.reason
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
	cb.persist()
	log.Info().Msg("Circuit breaker manually reset")
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRADING SWITCH - Operator stop/resume over the guard and breaker
// ═══════════════════════════════════════════════════════════════════════════════

// TradingSwitch latches the guard when the breaker trips and clears both on resume
type TradingSwitch struct {
	guard   *SafetyGuard
	breaker *CircuitBreaker
}

// NewTradingSwitch wires breaker trips into the guard. breaker may be nil.
func NewTradingSwitch(guard *SafetyGuard, breaker *CircuitBreaker) *TradingSwitch {
	s := &TradingSwitch{guard: guard, breaker: breaker}
	if breaker != nil {
		breaker.OnTrip(guard.ActivateEmergencyStop)
		if breaker.IsTripped() {
			_, _, _, reason := breaker.GetStats()
			guard.ActivateEmergencyStop("restored: " + reason)
		}
	}
	return s
}

// Stop latches the emergency stop
func (s *TradingSwitch) Stop(reason string) {
	s.guard.ActivateEmergencyStop(reason)
}

// Resume resets the breaker and clears the latch
func (s *TradingSwitch) Resume() {
	if s.breaker != nil {
		s.breaker.ForceReset()
	}
	s.guard.ClearEmergencyStop()
}

// Stopped reports the latch and its reason
func (s *TradingSwitch) Stopped() (bool, string) {
	return s.guard.IsEmergencyStopped()
}
