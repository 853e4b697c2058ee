package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION LEDGER - Multi-entry positions per market, realized PnL, capital
// ═══════════════════════════════════════════════════════════════════════════════
//
// Only confirmed fills create or grow a position.
// Every close is journaled BEFORE the position leaves memory.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrPersist       = errors.New("trade record not persisted")
	ErrNoPosition    = errors.New("no position for market")
	ErrAlreadyClosed = errors.New("market already closed")
)

// Trader executes real orders. execution.TraderAdapter implements it.
type Trader interface {
	Buy(ctx context.Context, market *types.Market, side types.Side, contracts, ask decimal.Decimal) (*types.OrderResult, error)
	Sell(ctx context.Context, market *types.Market, side types.Side, contracts, bid decimal.Decimal) (*types.OrderResult, error)
}

// MarketResetter clears per-market investment tracking. *risk.SafetyGuard implements it.
type MarketResetter interface {
	ResetMarket(slug string)
}

// Prices holds one price per side (asks on entry, bids on exit)
type Prices struct {
	Up   decimal.Decimal
	Down decimal.Decimal
}

// Get returns the price for side
func (p Prices) Get(side types.Side) decimal.Decimal {
	if side == types.SideDown {
		return p.Down
	}
	return p.Up
}

// Entry is one confirmed fill
type Entry struct {
	Side      types.Side
	Price     decimal.Decimal
	Contracts decimal.Decimal
	USD       decimal.Decimal
	Time      time.Time
}

// SideBook aggregates the entries for one side
type SideBook struct {
	Contracts decimal.Decimal
	Invested  decimal.Decimal
	Entries   []Entry
}

// AvgPrice is invested ÷ contracts
func (s SideBook) AvgPrice() decimal.Decimal {
	if s.Contracts.IsZero() {
		return decimal.Zero
	}
	return s.Invested.Div(s.Contracts)
}

// Position is the ledger's view of one market
type Position struct {
	Market   *types.Market
	Up       SideBook
	Down     SideBook
	Entries  []Entry
	OpenedAt time.Time
}

// Book returns the side's aggregate
func (p *Position) Book(side types.Side) *SideBook {
	if side == types.SideDown {
		return &p.Down
	}
	return &p.Up
}

// Invested is the total cost of both sides
func (p *Position) Invested() decimal.Decimal {
	return p.Up.Invested.Add(p.Down.Invested)
}

func (p *Position) clone() Position {
	c := *p
	c.Up.Entries = append([]Entry(nil), p.Up.Entries...)
	c.Down.Entries = append([]Entry(nil), p.Down.Entries...)
	c.Entries = append([]Entry(nil), p.Entries...)
	return c
}

// Stats summarises closed trades
type Stats struct {
	Trades          int
	Wins            int
	Losses          int
	TotalPnL        decimal.Decimal
	StartingCapital decimal.Decimal
	Capital         decimal.Decimal
	OpenPositions   int
}

// WinRate in percent
func (s Stats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades) * 100
}

// Option configures a Ledger
type Option func(*Ledger)

// WithTrader makes entries and early exits place real orders
func WithTrader(t Trader) Option {
	return func(l *Ledger) { l.trader = t }
}

// WithMarketResetter clears safety tracking after every close
func WithMarketResetter(r MarketResetter) Option {
	return func(l *Ledger) { l.resetter = r }
}

// WithCloseHook is called with the final PnL of every closed market
func WithCloseHook(fn func(slug string, pnl decimal.Decimal)) Option {
	return func(l *Ledger) { l.onClose = fn }
}

// Ledger tracks positions and capital for one strategy
type Ledger struct {
	mu sync.RWMutex

	strategy        string
	startingCapital decimal.Decimal
	capital         decimal.Decimal

	positions map[string]*Position
	closed    map[string]bool
	trades    []TradeEntry

	journal  *TradeLog
	trader   Trader
	resetter MarketResetter
	onClose  func(slug string, pnl decimal.Decimal)
}

// New creates a ledger writing to journal
func New(strategy string, capital decimal.Decimal, journal *TradeLog, opts ...Option) *Ledger {
	l := &Ledger{
		strategy:        strategy,
		startingCapital: capital,
		capital:         capital,
		positions:       make(map[string]*Position),
		closed:          make(map[string]bool),
		journal:         journal,
	}
	for _, opt := range opts {
		opt(l)
	}

	log.Info().
		Str("strategy", strategy).
		Str("capital", capital.StringFixed(2)).
		Str("journal", journal.Path()).
		Msg("📒 Ledger initialized")

	return l
}

// Load replays the journal and restores capital. Returns loaded and corrupt counts.
func (l *Ledger) Load() (int, int, error) {
	entries, corrupt, err := l.journal.ReadAll()
	if err != nil {
		return 0, corrupt, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.trades = entries
	total := decimal.Zero
	wins := 0
	for _, t := range entries {
		total = total.Add(t.PnL)
		l.closed[t.Slug] = true
		if t.PnL.IsPositive() {
			wins++
		}
	}
	l.capital = l.startingCapital.Add(total)

	if len(entries) > 0 {
		log.Info().
			Int("trades", len(entries)).
			Int("wins", wins).
			Int("corrupt", corrupt).
			Str("pnl", total.StringFixed(2)).
			Str("capital", l.capital.StringFixed(2)).
			Msg("📥 Trade history loaded")
	}
	return len(entries), corrupt, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ═══════════════════════════════════════════════════════════════════════════════

// EnterPosition buys contracts of side and records the confirmed fill.
// With no trader wired the entry is recorded at price.
func (l *Ledger) EnterPosition(ctx context.Context, market *types.Market, side types.Side, price, contracts decimal.Decimal, asks Prices) error {
	if !contracts.IsPositive() {
		return nil
	}
	if !side.Valid() {
		return fmt.Errorf("invalid side %q", side)
	}
	if l.isClosed(market.Slug) {
		return fmt.Errorf("%w: %s", ErrAlreadyClosed, market.Slug)
	}

	filled := contracts
	cost := contracts.Mul(price)

	if l.trader != nil {
		ask := asks.Get(side)
		if !ask.IsPositive() {
			ask = price
		}
		res, err := l.trader.Buy(ctx, market, side, contracts, ask)
		if err != nil {
			log.Warn().Err(err).Str("slug", market.Slug).Str("side", string(side)).Msg("❌ Entry failed, no position created")
			return fmt.Errorf("enter %s: %w", market.Slug, err)
		}
		if res == nil || !res.Success || !res.FilledSize.IsPositive() {
			return fmt.Errorf("enter %s: no fill", market.Slug)
		}
		filled = res.FilledSize
		cost = res.TotalUSD
		if res.AvgPrice.IsPositive() {
			price = res.AvgPrice
		}
		if !filled.Equal(contracts) {
			log.Warn().
				Str("slug", market.Slug).
				Str("filled", filled.StringFixed(2)).
				Str("requested", contracts.StringFixed(2)).
				Msg("⚠️ Partial fill")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed[market.Slug] {
		log.Error().
			Str("slug", market.Slug).
			Str("contracts", filled.StringFixed(2)).
			Msg("🚨 Fill landed after close, tokens left for redemption")
		return fmt.Errorf("%w: %s", ErrAlreadyClosed, market.Slug)
	}

	pos, ok := l.positions[market.Slug]
	if !ok {
		pos = &Position{Market: market, OpenedAt: time.Now()}
		l.positions[market.Slug] = pos
	}

	entry := Entry{Side: side, Price: price, Contracts: filled, USD: cost, Time: time.Now()}
	book := pos.Book(side)
	book.Contracts = book.Contracts.Add(filled)
	book.Invested = book.Invested.Add(cost)
	book.Entries = append(book.Entries, entry)
	pos.Entries = append(pos.Entries, entry)

	log.Info().
		Str("slug", market.Slug).
		Str("side", string(side)).
		Str("contracts", filled.StringFixed(2)).
		Str("usd", cost.StringFixed(2)).
		Str("avg", book.AvgPrice().StringFixed(4)).
		Msg("▶️ Position entered")

	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLOSE AT RESOLUTION
// ═══════════════════════════════════════════════════════════════════════════════

// CloseMarket settles a resolved market: the winner pays 1.0 per contract
func (l *Ledger) CloseMarket(slug string, winner types.Side) (*TradeEntry, error) {
	l.mu.Lock()

	pos, ok := l.positions[slug]
	if !ok {
		closed := l.closed[slug]
		l.mu.Unlock()
		if closed {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, slug)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, slug)
	}

	payout := pos.Book(winner).Contracts
	rec := l.tradeEntry(pos, KindFinal, ExitResolution, "", payout)
	rec.Winner = winner

	if err := l.journal.Append(rec); err != nil {
		l.mu.Unlock()
		log.Error().Err(err).Str("slug", slug).Msg("🚨 Close not persisted, position kept open")
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	l.commit(slug, rec)
	l.mu.Unlock()

	log.Info().
		Str("slug", slug).
		Str("winner", string(winner)).
		Str("pnl", rec.PnL.StringFixed(2)).
		Str("cost", rec.TotalCost.StringFixed(2)).
		Msg(closeEmoji(rec.PnL) + " Market closed")

	l.afterClose(slug, rec.PnL)
	return rec, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EARLY EXIT
// ═══════════════════════════════════════════════════════════════════════════════

// CloseMarketEarlyExit closes a position before resolution.
// The estimate from bids is journaled first, both sides are sold, and real
// proceeds are written back as one correction.
func (l *Ledger) CloseMarketEarlyExit(ctx context.Context, slug string, exitPrice decimal.Decimal, bids Prices, reason string) (*TradeEntry, error) {
	l.mu.Lock()

	pos, ok := l.positions[slug]
	if !ok {
		closed := l.closed[slug]
		l.mu.Unlock()
		if closed {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, slug)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, slug)
	}

	upC, downC := pos.Up.Contracts, pos.Down.Contracts
	favourite := types.SideDown
	if upC.GreaterThan(downC) {
		favourite = types.SideUp
	}

	// missing bids fall back to the exit price for the favourite
	one := decimal.NewFromInt(1)
	est := bids
	if !est.Up.IsPositive() {
		est.Up = exitPrice
		if favourite != types.SideUp {
			est.Up = one.Sub(exitPrice)
		}
	}
	if !est.Down.IsPositive() {
		est.Down = exitPrice
		if favourite != types.SideDown {
			est.Down = one.Sub(exitPrice)
		}
	}

	estimate := upC.Mul(est.Up).Add(downC.Mul(est.Down))
	rec := l.tradeEntry(pos, KindProvisional, ExitEarly, reason, estimate)
	rec.Winner = favourite
	rec.ExitPrice = exitPrice
	rec.EstimatedPayout = estimate
	rec.EstimatedPnL = rec.PnL

	if err := l.journal.Append(rec); err != nil {
		l.mu.Unlock()
		log.Error().Err(err).Str("slug", slug).Msg("🚨 Early exit not persisted, position kept open")
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	market := pos.Market
	l.commit(slug, rec)
	l.mu.Unlock()

	log.Warn().
		Str("slug", slug).
		Str("reason", reason).
		Str("exit_price", exitPrice.StringFixed(2)).
		Str("est_pnl", rec.PnL.StringFixed(2)).
		Str("cost", rec.TotalCost.StringFixed(2)).
		Msg("🚨 EARLY EXIT")

	final := rec
	if l.trader != nil && market != nil {
		real, residue, sold := l.sellBoth(ctx, market, upC, downC, est)
		rec.Residue = residue
		if sold && real.IsPositive() {
			final = l.reconcile(rec, real)
		}
	}

	l.afterClose(slug, final.PnL)
	return final, nil
}

// sellBoth liquidates both sides at tracked size. It returns real proceeds and
// the contracts still held afterwards.
func (l *Ledger) sellBoth(ctx context.Context, market *types.Market, upC, downC decimal.Decimal, bids Prices) (decimal.Decimal, decimal.Decimal, bool) {
	proceeds := decimal.Zero
	residue := decimal.Zero
	sold := false

	for _, side := range []types.Side{types.SideUp, types.SideDown} {
		contracts := upC
		if side == types.SideDown {
			contracts = downC
		}
		if !contracts.IsPositive() {
			continue
		}

		res, err := l.trader.Sell(ctx, market, side, contracts, bids.Get(side))
		if res != nil && res.DryRun {
			continue
		}
		if res != nil && res.TotalUSD.IsPositive() {
			proceeds = proceeds.Add(res.TotalUSD)
			sold = true
		}
		switch {
		case res != nil && res.RemainingBalance.IsPositive():
			residue = residue.Add(res.RemainingBalance)
		case err != nil && (res == nil || res.FilledSize.IsZero()):
			// balance unknown: assume nothing left the wallet
			residue = residue.Add(contracts)
		}
		if err != nil || res == nil || !res.Success {
			code := ""
			if res != nil {
				code = res.ErrorCode
			}
			log.Error().
				Err(err).
				Str("slug", market.Slug).
				Str("side", string(side)).
				Str("code", code).
				Msg("⚠️ Sell after early exit incomplete, journal estimate may differ")
		}
	}
	return proceeds, residue, sold
}

// reconcile writes the correction and moves capital by (real - estimate) once
func (l *Ledger) reconcile(provisional *TradeEntry, real decimal.Decimal) *TradeEntry {
	corrected := *provisional
	corrected.Payout = real
	corrected.PnL = real.Sub(provisional.TotalCost)
	corrected.ROIPct = roi(corrected.PnL, provisional.TotalCost)
	corrected.CloseTime = time.Now()

	if err := l.journal.Correct(&corrected); err != nil {
		if errors.Is(err, ErrAlreadyCorrected) {
			log.Warn().Str("slug", provisional.Slug).Msg("Correction already applied")
			return provisional
		}
		log.Error().Err(err).Str("slug", provisional.Slug).Msg("🚨 Correction not persisted")
	}

	diff := real.Sub(provisional.EstimatedPayout)

	l.mu.Lock()
	l.capital = l.capital.Add(diff)
	for i := len(l.trades) - 1; i >= 0; i-- {
		if l.trades[i].Slug == corrected.Slug {
			l.trades[i] = corrected
			break
		}
	}
	l.mu.Unlock()

	log.Info().
		Str("slug", corrected.Slug).
		Str("real", real.StringFixed(2)).
		Str("estimated", provisional.EstimatedPayout.StringFixed(2)).
		Str("pnl", corrected.PnL.StringFixed(2)).
		Str("diff", diff.StringFixed(2)).
		Msg("💰 Early exit reconciled")

	return &corrected
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// Position returns a copy of the market's position
func (l *Ledger) Position(slug string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[slug]
	if !ok {
		return Position{}, false
	}
	return pos.clone(), true
}

// HasPosition reports an open position for slug
func (l *Ledger) HasPosition(slug string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.positions[slug]
	return ok
}

// Exposure returns contracts per side and total invested
func (l *Ledger) Exposure(slug string) (up, down, invested decimal.Decimal, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[slug]
	if !ok {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	return pos.Up.Contracts, pos.Down.Contracts, pos.Invested(), true
}

// UnrealizedPnL values the position at bids
func (l *Ledger) UnrealizedPnL(slug string, upBid, downBid decimal.Decimal) (decimal.Decimal, bool) {
	up, down, invested, ok := l.Exposure(slug)
	if !ok {
		return decimal.Zero, false
	}
	return up.Mul(upBid).Add(down.Mul(downBid)).Sub(invested), true
}

// Capital returns current capital
func (l *Ledger) Capital() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.capital
}

// Strategy returns the strategy name
func (l *Ledger) Strategy() string {
	return l.strategy
}

// OpenSlugs lists markets with positions, sorted
func (l *Ledger) OpenSlugs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.positions))
	for slug := range l.positions {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Stats summarises performance
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{
		Trades:          len(l.trades),
		StartingCapital: l.startingCapital,
		Capital:         l.capital,
		OpenPositions:   len(l.positions),
	}
	for _, t := range l.trades {
		s.TotalPnL = s.TotalPnL.Add(t.PnL)
		if t.PnL.IsPositive() {
			s.Wins++
		} else {
			s.Losses++
		}
	}
	return s
}

// Positions returns open positions for display
func (l *Ledger) Positions() []types.PositionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.PositionRecord, 0, len(l.positions))
	for slug, pos := range l.positions {
		asset := ""
		if pos.Market != nil {
			asset = pos.Market.Asset
		}
		out = append(out, types.PositionRecord{
			Slug:          slug,
			Asset:         asset,
			UpContracts:   pos.Up.Contracts,
			DownContracts: pos.Down.Contracts,
			Invested:      pos.Invested(),
			OpenedAt:      pos.OpenedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// RecentTrades returns up to n latest trades, newest first
func (l *Ledger) RecentTrades(n int) []types.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.TradeRecord, 0, n)
	for i := len(l.trades) - 1; i >= 0 && len(out) < n; i-- {
		t := l.trades[i]
		out = append(out, types.TradeRecord{
			Slug:      t.Slug,
			Asset:     t.Asset,
			Winner:    t.Winner,
			ExitType:  t.ExitType,
			PnL:       t.PnL,
			Timestamp: t.CloseTime,
		})
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (l *Ledger) isClosed(slug string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed[slug]
}

// tradeEntry builds a record. Caller holds the lock.
func (l *Ledger) tradeEntry(pos *Position, kind RecordKind, exitType, reason string, payout decimal.Decimal) *TradeEntry {
	cost := pos.Invested()
	pnl := payout.Sub(cost)
	asset, slug := "", ""
	if pos.Market != nil {
		asset, slug = pos.Market.Asset, pos.Market.Slug
	}
	return &TradeEntry{
		Kind:         kind,
		Slug:         slug,
		Asset:        asset,
		ExitType:     exitType,
		ExitReason:   reason,
		PnL:          pnl,
		ROIPct:       roi(pnl, cost),
		TotalCost:    cost,
		Payout:       payout,
		UpInvested:   pos.Up.Invested,
		DownInvested: pos.Down.Invested,
		UpShares:     pos.Up.Contracts,
		DownShares:   pos.Down.Contracts,
		TotalEntries: len(pos.Entries),
		Duration:     time.Since(pos.OpenedAt).Seconds(),
		CloseTime:    time.Now(),
	}
}

// commit applies a persisted close to memory. Caller holds the lock.
func (l *Ledger) commit(slug string, rec *TradeEntry) {
	l.capital = l.capital.Add(rec.PnL)
	l.trades = append(l.trades, *rec)
	l.closed[slug] = true
	delete(l.positions, slug)
}

func (l *Ledger) afterClose(slug string, pnl decimal.Decimal) {
	if l.resetter != nil {
		l.resetter.ResetMarket(slug)
	}
	if l.onClose != nil {
		l.onClose(slug, pnl)
	}
}

func roi(pnl, cost decimal.Decimal) decimal.Decimal {
	if cost.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(cost).Mul(decimal.NewFromInt(100)).Round(2)
}

func closeEmoji(pnl decimal.Decimal) string {
	if pnl.IsPositive() {
		return "✅"
	}
	return "❌"
}
