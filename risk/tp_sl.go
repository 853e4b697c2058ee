package risk

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT RULES - Stop-loss and flip-stop evaluation
// ═══════════════════════════════════════════════════════════════════════════════

// Exit reasons
const (
	ExitStopLoss = "STOP_LOSS"
	ExitFlipStop = "FLIP_STOP"
)

// StopLossMode selects how the threshold is measured
type StopLossMode string

const (
	StopLossFixed   StopLossMode = "fixed"   // USD
	StopLossPercent StopLossMode = "percent" // % of invested
)

// StopLoss is a per-asset threshold
type StopLoss struct {
	Mode  StopLossMode
	Value decimal.Decimal
}

// Threshold converts the rule to a USD loss for the given investment
func (s StopLoss) Threshold(invested decimal.Decimal) decimal.Decimal {
	if s.Mode == StopLossPercent {
		return invested.Mul(s.Value).Div(decimal.NewFromInt(100))
	}
	return s.Value
}

// ParseStopLoss reads "fixed:10" or "percent:20". A bare number is fixed USD.
func ParseStopLoss(raw string) (StopLoss, error) {
	raw = strings.TrimSpace(raw)
	mode, value := string(StopLossFixed), raw
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		mode, value = strings.ToLower(raw[:i]), raw[i+1:]
	}
	v, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return StopLoss{}, fmt.Errorf("stop loss %q: %w", raw, err)
	}
	switch StopLossMode(mode) {
	case StopLossFixed, StopLossPercent:
		return StopLoss{Mode: StopLossMode(mode), Value: v}, nil
	default:
		return StopLoss{}, fmt.Errorf("stop loss %q: unknown mode %q", raw, mode)
	}
}

// Exposure is the tracked position of one market
type Exposure struct {
	UpContracts   decimal.Decimal
	DownContracts decimal.Decimal
	Invested      decimal.Decimal
}

// OurSide is the side holding more contracts
func (e Exposure) OurSide() types.Side {
	if e.DownContracts.GreaterThan(e.UpContracts) {
		return types.SideDown
	}
	return types.SideUp
}

// Quote is a synchronized top of book for both sides
type Quote struct {
	UpBid   decimal.Decimal
	UpAsk   decimal.Decimal
	DownBid decimal.Decimal
	DownAsk decimal.Decimal
}

// Bid returns the bid of a side
func (q Quote) Bid(side types.Side) decimal.Decimal {
	if side == types.SideDown {
		return q.DownBid
	}
	return q.UpBid
}

// Ask returns the ask of a side
func (q Quote) Ask(side types.Side) decimal.Decimal {
	if side == types.SideDown {
		return q.DownAsk
	}
	return q.UpAsk
}

// UnrealizedPnL values the exposure at bids
func UnrealizedPnL(e Exposure, q Quote) decimal.Decimal {
	return e.UpContracts.Mul(q.UpBid).Add(e.DownContracts.Mul(q.DownBid)).Sub(e.Invested)
}

// ExitDecision is the result of Evaluate
type ExitDecision struct {
	Trigger   bool
	Reason    string
	Side      types.Side
	ExitPrice decimal.Decimal
	PnL       decimal.Decimal
}

type ExitRules struct {
	mu sync.RWMutex

	defaultSL     StopLoss
	perAsset      map[string]StopLoss
	flipStopPrice decimal.Decimal // zero disables
}

// NewExitRules creates the evaluator
func NewExitRules(defaultSL StopLoss, flipStopPrice decimal.Decimal) *ExitRules {
	return &ExitRules{
		defaultSL:     defaultSL,
		perAsset:      make(map[string]StopLoss),
		flipStopPrice: flipStopPrice,
	}
}

// SetStopLoss overrides the stop-loss for one asset
func (r *ExitRules) SetStopLoss(asset string, sl StopLoss) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perAsset[strings.ToLower(asset)] = sl
	log.Info().
		Str("asset", asset).
		Str("mode", string(sl.Mode)).
		Str("value", sl.Value.String()).
		Msg("🛑 Stop-loss configured")
}

// StopLossFor returns the active rule for an asset
func (r *ExitRules) StopLossFor(asset string) StopLoss {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sl, ok := r.perAsset[strings.ToLower(asset)]; ok {
		return sl
	}
	return r.defaultSL
}

// Evaluate checks stop-loss then flip-stop against a synchronized quote
func (r *ExitRules) Evaluate(asset string, e Exposure, q Quote) ExitDecision {
	side := e.OurSide()
	pnl := UnrealizedPnL(e, q)
	d := ExitDecision{Side: side, ExitPrice: q.Bid(side), PnL: pnl}

	if e.UpContracts.IsZero() && e.DownContracts.IsZero() {
		return d
	}

	sl := r.StopLossFor(asset)
	if sl.Value.IsPositive() && pnl.LessThanOrEqual(sl.Threshold(e.Invested).Neg()) {
		d.Trigger = true
		d.Reason = ExitStopLoss
		return d
	}

	r.mu.RLock()
	flip := r.flipStopPrice
	r.mu.RUnlock()

	if flip.IsPositive() {
		ask := q.Ask(side)
		if ask.IsPositive() && ask.LessThanOrEqual(flip) {
			d.Trigger = true
			d.Reason = ExitFlipStop
		}
	}
	return d
}
