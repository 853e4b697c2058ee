package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/execution"
	"github.com/web3guy0/polyexec/ledger"
	"github.com/web3guy0/polyexec/risk"
	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATE MACHINE - Per-asset market lifecycle and exit detection
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Discovery → Track → Tick → EvaluateExit → TryClose → Block → EarlyExit
//
// The first market of a session is skipped (started mid-window) until it
// enters the trading window. Exits fire at most once per market.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrNotActive = errors.New("market not active")
	ErrBlocked   = errors.New("market blocked")
)

// Positions is the ledger API the machine drives
type Positions interface {
	Exposure(slug string) (up, down, invested decimal.Decimal, ok bool)
	EnterPosition(ctx context.Context, market *types.Market, side types.Side, price, contracts decimal.Decimal, asks ledger.Prices) error
	CloseMarketEarlyExit(ctx context.Context, slug string, exitPrice decimal.Decimal, bids ledger.Prices, reason string) (*ledger.TradeEntry, error)
}

// Exiter refreshes bids before an exit. *execution.Engine implements it.
type Exiter interface {
	FreshBid(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// SettlementQueue receives expired markets that still hold positions
type SettlementQueue interface {
	Enqueue(market *types.Market)
}

// MachineConfig tunes exit detection
type MachineConfig struct {
	TradingWindow    time.Duration
	MaxPriceAge      time.Duration
	MinAskSum        decimal.Decimal
	MaxAskSum        decimal.Decimal
	FastPathInterval time.Duration
	MinResidue       decimal.Decimal // exit residue at or above this goes to settlement
	Rules            *risk.ExitRules
}

// DefaultMachineConfig matches production settings
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		TradingWindow:    60 * time.Second,
		MaxPriceAge:      2 * time.Second,
		MinAskSum:        decimal.NewFromFloat(0.95),
		MaxAskSum:        decimal.NewFromFloat(1.15),
		FastPathInterval: 200 * time.Millisecond,
		MinResidue:       decimal.NewFromFloat(0.1),
		Rules:            risk.NewExitRules(risk.StopLoss{}, decimal.Zero),
	}
}

// MachineOption configures a StateMachine
type MachineOption func(*StateMachine)

// WithSettlementQueue hands expired positions to the redemption sweeper
func WithSettlementQueue(q SettlementQueue) MachineOption {
	return func(m *StateMachine) { m.settlement = q }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) MachineOption {
	return func(m *StateMachine) { m.now = now }
}

// WithExitHook is called after every early exit
func WithExitHook(fn func(asset, slug, reason string, rec *ledger.TradeEntry)) MachineOption {
	return func(m *StateMachine) { m.onExit = fn }
}

type sideQuote struct {
	bid decimal.Decimal
	ask decimal.Decimal
	at  time.Time
}

type marketState struct {
	market   *types.Market
	refPrice decimal.Decimal
	up       sideQuote
	down     sideQuote
}

type StateMachine struct {
	mu sync.RWMutex

	asset     string
	cfg       MachineConfig
	positions Positions
	exiter    Exiter
	board     *StatusBoard
	registry  *execution.Registry

	settlement SettlementQueue
	onExit     func(asset, slug, reason string, rec *ledger.TradeEntry)
	now        func() time.Time

	current  string
	markets  map[string]*marketState
	switched bool

	// Stats
	exits   int
	skipped int
	stale   int
}

// NewStateMachine creates the machine for one asset
func NewStateMachine(asset string, cfg MachineConfig, positions Positions, exiter Exiter, board *StatusBoard, registry *execution.Registry, opts ...MachineOption) *StateMachine {
	if cfg.Rules == nil {
		cfg.Rules = risk.NewExitRules(risk.StopLoss{}, decimal.Zero)
	}
	m := &StateMachine{
		asset:     asset,
		cfg:       cfg,
		positions: positions,
		exiter:    exiter,
		board:     board,
		registry:  registry,
		now:       time.Now,
		markets:   make(map[string]*marketState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Asset returns the machine's asset
func (m *StateMachine) Asset() string {
	return m.asset
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// Track registers a discovered market. A new slug replaces the current one.
func (m *StateMachine) Track(market *types.Market) Status {
	m.mu.Lock()
	if _, ok := m.markets[market.Slug]; ok {
		m.mu.Unlock()
		return m.board.Get(m.asset, market.Slug)
	}

	prev := m.current
	first := prev == "" && !m.switched
	if prev != "" {
		m.switched = true
	}
	m.markets[market.Slug] = &marketState{market: market}
	m.current = market.Slug
	m.mu.Unlock()

	if prev != "" {
		m.retire(prev)
	}

	status := StatusPending
	if first {
		status = StatusSkip
		m.mu.Lock()
		m.skipped++
		m.mu.Unlock()
	}
	status = m.board.Track(m.asset, market.Slug, status)

	log.Info().
		Str("asset", m.asset).
		Str("slug", market.Slug).
		Str("status", status.String()).
		Dur("remaining", market.TimeRemaining(m.now()).Round(time.Second)).
		Msg("🕐 Market tracked")

	m.advance(market.Slug)
	return m.board.Get(m.asset, market.Slug)
}

// SetReferencePrice records the window's start price and arms a pending market
func (m *StateMachine) SetReferencePrice(slug string, price decimal.Decimal) {
	m.mu.Lock()
	st, ok := m.markets[slug]
	if ok && price.IsPositive() {
		st.refPrice = price
	}
	m.mu.Unlock()

	if ok {
		m.advance(slug)
	}
}

// advance applies the pending → active and skip → active rules
func (m *StateMachine) advance(slug string) {
	m.mu.RLock()
	st, ok := m.markets[slug]
	if !ok {
		m.mu.RUnlock()
		return
	}
	ref := st.refPrice
	remaining := st.market.TimeRemaining(m.now())
	m.mu.RUnlock()

	inWindow := remaining > 0 && remaining <= m.cfg.TradingWindow

	switch m.board.Get(m.asset, slug) {
	case StatusPending:
		if ref.IsPositive() || inWindow {
			m.activate(slug, "reference price")
		}
	case StatusSkip:
		if inWindow {
			m.activate(slug, "entered trading window")
		}
	}
}

func (m *StateMachine) activate(slug, why string) {
	if m.board.Activate(m.asset, slug) {
		log.Info().Str("asset", m.asset).Str("slug", slug).Str("why", why).Msg("🟢 Market active")
	}
}

// retire drops an old market. Open positions go to settlement.
func (m *StateMachine) retire(slug string) {
	m.mu.Lock()
	st, ok := m.markets[slug]
	delete(m.markets, slug)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.board.ForceClose(m.asset, slug)

	if _, _, invested, open := m.positions.Exposure(slug); open {
		m.registry.Block(m.asset, slug)
		if m.settlement != nil {
			m.settlement.Enqueue(st.market)
		}
		log.Info().
			Str("asset", m.asset).
			Str("slug", slug).
			Str("invested", invested.StringFixed(2)).
			Msg("📦 Market expired with position, queued for redemption")
	}

	m.board.Remove(m.asset, slug)
}

// Expire retires the current market once its window has ended
func (m *StateMachine) Expire() bool {
	m.mu.Lock()
	slug := m.current
	st, ok := m.markets[slug]
	if !ok || !st.market.Expired(m.now()) {
		m.mu.Unlock()
		return false
	}
	m.current = ""
	m.switched = true
	m.mu.Unlock()

	m.retire(slug)
	return true
}

// Current returns the tracked market, nil if none
func (m *StateMachine) Current() *types.Market {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.markets[m.current]; ok {
		return st.market
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE UPDATES
// ═══════════════════════════════════════════════════════════════════════════════

// OnTick stores a book update and evaluates exits
func (m *StateMachine) OnTick(ctx context.Context, tick types.Tick) {
	m.mu.Lock()
	st, ok := m.markets[tick.Slug]
	if !ok {
		m.mu.Unlock()
		return
	}
	q := sideQuote{bid: tick.BestBid, ask: tick.BestAsk, at: tick.Timestamp}
	if tick.Side == types.SideDown {
		st.down = q
	} else {
		st.up = q
	}
	m.mu.Unlock()

	m.advance(tick.Slug)
	m.EvaluateExit(ctx, tick.Slug)
}

// FastPath runs the periodic checks for the current market
func (m *StateMachine) FastPath(ctx context.Context) {
	if m.Expire() {
		return
	}
	cur := m.Current()
	if cur == nil {
		return
	}
	m.advance(cur.Slug)
	m.EvaluateExit(ctx, cur.Slug)
}

// quote returns a synchronized quote or the reason it is unusable
func (m *StateMachine) quote(st *marketState) (risk.Quote, string) {
	now := m.now()
	maxAge := m.cfg.MaxPriceAge

	if st.up.at.IsZero() || now.Sub(st.up.at) > maxAge {
		return risk.Quote{}, "UP_STALE"
	}
	if st.down.at.IsZero() || now.Sub(st.down.at) > maxAge {
		return risk.Quote{}, "DOWN_STALE"
	}
	skew := st.up.at.Sub(st.down.at)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxAge {
		return risk.Quote{}, "DESYNC"
	}
	sum := st.up.ask.Add(st.down.ask)
	if sum.LessThan(m.cfg.MinAskSum) || sum.GreaterThan(m.cfg.MaxAskSum) {
		return risk.Quote{}, "INVALID_SUM_" + sum.StringFixed(3)
	}

	return risk.Quote{
		UpBid:   st.up.bid,
		UpAsk:   st.up.ask,
		DownBid: st.down.bid,
		DownAsk: st.down.ask,
	}, ""
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT
// ═══════════════════════════════════════════════════════════════════════════════

// EvaluateExit checks stop-loss and flip-stop for slug. Returns true if this
// call closed the market.
func (m *StateMachine) EvaluateExit(ctx context.Context, slug string) bool {
	if !m.board.IsActive(m.asset, slug) {
		return false
	}

	up, down, invested, ok := m.positions.Exposure(slug)
	if !ok || !invested.IsPositive() {
		return false
	}

	m.mu.Lock()
	st, tracked := m.markets[slug]
	var q risk.Quote
	var reason string
	var market *types.Market
	if tracked {
		q, reason = m.quote(st)
		market = st.market
		if reason != "" {
			m.stale++
		}
	}
	m.mu.Unlock()

	if !tracked {
		return false
	}
	if reason != "" {
		log.Debug().Str("asset", m.asset).Str("slug", slug).Str("reason", reason).Msg("Prices invalid, skipping exit checks")
		return false
	}

	exposure := risk.Exposure{UpContracts: up, DownContracts: down, Invested: invested}
	decision := m.cfg.Rules.Evaluate(m.asset, exposure, q)
	if !decision.Trigger {
		return false
	}

	// position may have closed while evaluating
	if _, _, _, still := m.positions.Exposure(slug); !still {
		return false
	}
	if !m.board.TryClose(m.asset, slug) {
		return false
	}
	m.registry.Block(m.asset, slug)

	log.Warn().
		Str("asset", m.asset).
		Str("slug", slug).
		Str("reason", decision.Reason).
		Str("side", string(decision.Side)).
		Str("pnl", decision.PnL.StringFixed(2)).
		Str("invested", invested.StringFixed(2)).
		Msg("🛑 EXIT TRIGGERED")

	bids := ledger.Prices{Up: q.UpBid, Down: q.DownBid}
	if m.exiter != nil {
		if bid, err := m.exiter.FreshBid(ctx, market.UpTokenID); err == nil && bid.IsPositive() {
			bids.Up = bid
		}
		if bid, err := m.exiter.FreshBid(ctx, market.DownTokenID); err == nil && bid.IsPositive() {
			bids.Down = bid
		}
	}

	rec, err := m.positions.CloseMarketEarlyExit(ctx, slug, decision.ExitPrice, bids, decision.Reason)
	if err != nil {
		log.Error().Err(err).Str("asset", m.asset).Str("slug", slug).Msg("❌ Early exit failed")
	}
	// unsold contracts stay blocked until the sweeper redeems them
	if rec != nil && rec.Residue.IsPositive() && rec.Residue.GreaterThanOrEqual(m.cfg.MinResidue) && m.settlement != nil {
		m.settlement.Enqueue(market)
		log.Warn().
			Str("asset", m.asset).
			Str("slug", slug).
			Str("residue", rec.Residue.StringFixed(2)).
			Msg("📦 Exit left residue, queued for redemption")
	}

	m.mu.Lock()
	m.exits++
	m.mu.Unlock()

	if m.onExit != nil && rec != nil {
		m.onExit(m.asset, slug, decision.Reason, rec)
	}
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ═══════════════════════════════════════════════════════════════════════════════

// TryEnter buys into an active, unblocked market
func (m *StateMachine) TryEnter(ctx context.Context, slug string, side types.Side, contracts, ask decimal.Decimal) error {
	if !m.board.IsActive(m.asset, slug) {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, slug, m.board.Get(m.asset, slug))
	}
	if m.registry.IsBlocked(m.asset, slug) {
		return fmt.Errorf("%w: %s", ErrBlocked, slug)
	}

	m.mu.RLock()
	st, ok := m.markets[slug]
	var asks ledger.Prices
	if ok {
		asks = ledger.Prices{Up: st.up.ask, Down: st.down.ask}
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s untracked", ErrNotActive, slug)
	}

	if side == types.SideDown {
		asks.Down = ask
	} else {
		asks.Up = ask
	}

	err := m.positions.EnterPosition(ctx, st.market, side, ask, contracts, asks)
	if errors.Is(err, execution.ErrMarketBlocked) {
		log.Debug().Str("asset", m.asset).Str("slug", slug).Msg("Entry refused, market closing")
		return nil
	}
	return err
}

// GetStats returns machine counters
func (m *StateMachine) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"asset":   m.asset,
		"current": m.current,
		"exits":   m.exits,
		"skipped": m.skipped,
		"stale":   m.stale,
	}
}
