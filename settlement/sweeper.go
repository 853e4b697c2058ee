package settlement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/chain"
	"github.com/web3guy0/polyexec/ledger"
	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REDEMPTION SWEEPER - Settles expired markets once the oracle resolves
// ═══════════════════════════════════════════════════════════════════════════════
//
// One goroutine, one redemption at a time, so transactions never race on the
// wallet nonce.
//
//   Enqueue/Load → wait EndTime+grace → Redeem → CloseMarket → MarkRedeemed
//
// ═══════════════════════════════════════════════════════════════════════════════

// Redeemer settles a market on-chain. *execution.Engine implements it.
type Redeemer interface {
	Redeem(ctx context.Context, market *types.Market) (*chain.RedeemResult, error)
}

// Positions is the ledger side of settlement
type Positions interface {
	HasPosition(slug string) bool
	CloseMarket(slug string, winner types.Side) (*ledger.TradeEntry, error)
}

// MarketStore persists market metadata across restarts. *storage.Database implements it.
type MarketStore interface {
	SaveMarket(m *types.Market) error
	UnredeemedMarkets(cutoff time.Time) ([]*types.Market, error)
	MarkRedeemed(slug string) error
}

// Notifier receives settlement outcomes
type Notifier interface {
	Alert(msg string)
}

// Config tunes the sweeper
type Config struct {
	SweepInterval time.Duration
	ResolveGrace  time.Duration
	MaxAttempts   int // 0 retries forever
	LoadLookback  time.Duration
}

// DefaultConfig matches production settings
func DefaultConfig() Config {
	return Config{
		SweepInterval: 60 * time.Second,
		ResolveGrace:  2 * time.Minute,
		MaxAttempts:   120,
		LoadLookback:  7 * 24 * time.Hour,
	}
}

type pending struct {
	market   *types.Market
	attempts int
	lastErr  string
}

type Sweeper struct {
	mu sync.Mutex

	cfg       Config
	redeemer  Redeemer
	positions Positions
	store     MarketStore
	notifier  Notifier
	now       func() time.Time

	queue map[string]*pending
	wake  chan struct{}

	// Stats
	redeemed int
	failed   int
	payout   decimal.Decimal
}

// New creates a sweeper. store and notifier may be nil.
func New(cfg Config, redeemer Redeemer, positions Positions, store MarketStore, notifier Notifier) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Sweeper{
		cfg:       cfg,
		redeemer:  redeemer,
		positions: positions,
		store:     store,
		notifier:  notifier,
		now:       time.Now,
		queue:     make(map[string]*pending),
		wake:      make(chan struct{}, 1),
	}
}

// SetClock overrides time.Now
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Enqueue adds a market for settlement. Duplicates are ignored.
func (s *Sweeper) Enqueue(market *types.Market) {
	if market == nil {
		return
	}

	s.mu.Lock()
	_, exists := s.queue[market.Slug]
	if !exists {
		s.queue[market.Slug] = &pending{market: market}
	}
	s.mu.Unlock()
	if exists {
		return
	}

	if s.store != nil {
		if err := s.store.SaveMarket(market); err != nil {
			log.Warn().Err(err).Str("slug", market.Slug).Msg("⚠️ Failed to persist market for redemption")
		}
	}

	log.Info().
		Str("slug", market.Slug).
		Time("end", market.EndTime).
		Msg("📥 Queued for redemption")

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Load queues every cached market that ended and was never redeemed
func (s *Sweeper) Load() (int, error) {
	if s.store == nil {
		return 0, nil
	}
	markets, err := s.store.UnredeemedMarkets(s.now())
	if err != nil {
		return 0, err
	}

	oldest := s.now().Add(-s.cfg.LoadLookback)
	n := 0
	for _, m := range markets {
		if s.cfg.LoadLookback > 0 && m.EndTime.Before(oldest) {
			continue
		}
		s.mu.Lock()
		if _, ok := s.queue[m.Slug]; !ok {
			s.queue[m.Slug] = &pending{market: m}
			n++
		}
		s.mu.Unlock()
	}

	if n > 0 {
		log.Info().Int("markets", n).Msg("🔄 Unredeemed markets restored")
	}
	return n, nil
}

// Run sweeps until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.cfg.SweepInterval).Msg("🧹 Redemption sweeper started")

	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// SweepOnce attempts every due market. Returns how many settled.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	due := s.due()
	settled := 0
	for _, p := range due {
		if ctx.Err() != nil {
			break
		}
		if s.settle(ctx, p) {
			settled++
		}
	}
	return settled
}

func (s *Sweeper) due() []*pending {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*pending
	for _, p := range s.queue {
		if now.Before(p.market.EndTime.Add(s.cfg.ResolveGrace)) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].market.EndTime.Before(out[j].market.EndTime) })
	return out
}

func (s *Sweeper) settle(ctx context.Context, p *pending) bool {
	m := p.market

	s.mu.Lock()
	p.attempts++
	attempt := p.attempts
	s.mu.Unlock()

	res, err := s.redeemer.Redeem(ctx, m)
	if err != nil || res == nil || !res.Success {
		s.retry(p, res, err)
		return false
	}

	if s.positions.HasPosition(m.Slug) {
		if !res.Winner.Valid() {
			s.retry(p, res, errors.New("winner unknown"))
			return false
		}
		rec, cerr := s.positions.CloseMarket(m.Slug, res.Winner)
		if cerr != nil && !errors.Is(cerr, ledger.ErrAlreadyClosed) {
			// redeemed on-chain, the ledger keeps retrying
			s.retry(p, res, cerr)
			return false
		}
		if rec != nil && s.notifier != nil {
			s.notifier.Alert("💰 " + m.Slug + " settled " + string(res.Winner) + " pnl $" + rec.PnL.StringFixed(2))
		}
	}

	if s.store != nil {
		if err := s.store.MarkRedeemed(m.Slug); err != nil {
			log.Warn().Err(err).Str("slug", m.Slug).Msg("⚠️ Failed to mark redeemed")
		}
	}

	s.mu.Lock()
	delete(s.queue, m.Slug)
	s.redeemed++
	s.payout = s.payout.Add(res.Payout)
	s.mu.Unlock()

	log.Info().
		Str("slug", m.Slug).
		Str("winner", string(res.Winner)).
		Str("payout", res.Payout.StringFixed(2)).
		Int("attempt", attempt).
		Msg("✅ Market settled")
	return true
}

func (s *Sweeper) retry(p *pending, res *chain.RedeemResult, err error) {
	reason := ""
	if res != nil {
		reason = res.Reason
	}
	if err != nil && !errors.Is(err, chain.ErrNotResolved) {
		reason = err.Error()
	}

	s.mu.Lock()
	p.lastErr = reason
	attempts := p.attempts
	giveUp := s.cfg.MaxAttempts > 0 && attempts >= s.cfg.MaxAttempts
	if giveUp {
		delete(s.queue, p.market.Slug)
		s.failed++
	}
	s.mu.Unlock()

	if errors.Is(err, chain.ErrNotResolved) && !giveUp {
		log.Debug().Str("slug", p.market.Slug).Int("attempt", attempts).Msg("Oracle not resolved yet")
		return
	}

	log.Warn().
		Str("slug", p.market.Slug).
		Str("reason", reason).
		Int("attempt", attempts).
		Bool("gave_up", giveUp).
		Msg("⚠️ Redemption failed")

	if giveUp && s.notifier != nil {
		s.notifier.Alert("🚨 Redemption abandoned for " + p.market.Slug + ": " + reason)
	}
}

// Pending lists queued slugs, sorted
func (s *Sweeper) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.queue))
	for slug := range s.queue {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// GetStats returns sweeper counters
func (s *Sweeper) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"pending":  len(s.queue),
		"redeemed": s.redeemed,
		"failed":   s.failed,
		"payout":   s.payout.StringFixed(2),
	}
}
