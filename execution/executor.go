package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/chain"
	"github.com/web3guy0/polyexec/exec"
	"github.com/web3guy0/polyexec/risk"
	"github.com/web3guy0/polyexec/storage"
	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION ENGINE - Turns target sizes into venue orders
// ═══════════════════════════════════════════════════════════════════════════════
//
// Buy:  FAK loop, accepts partial fills, stops at 95% of target
// Sell: balance-driven FOK chunks → sweep (FOK → FAK → GTC) → delayed sweep
//
// Order Flow:
//   StateMachine / Ledger → Engine → SafetyGuard → CLOB
//                              ↓
//                     Registry / StatusBoard (race checks)
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrAdmissionDenied = errors.New("order denied by safety guard")
	ErrMarketBlocked   = errors.New("market blocked")
	ErrNoFill          = errors.New("no fill")
	ErrRPCUnavailable  = errors.New("rpc unavailable")
	ErrSellIncomplete  = errors.New("sell incomplete")
)

// Error codes carried in OrderResult.ErrorCode
const (
	CodeMarketBlocked  = "MARKET_BLOCKED_FOR_COIN"
	CodeMarketClosing  = "MARKET_CLOSING_RACE_CONDITION_BLOCKED"
	CodeRPCUnavailable = "RPC_UNAVAILABLE_CANNOT_GET_BALANCE"
	CodeBalanceZero    = "BALANCE_ALREADY_ZERO"
	CodeDryRun         = "DRY_RUN"
)

// Venue places orders and reads the book. *exec.Client implements it.
type Venue interface {
	PlaceOrder(ctx context.Context, req exec.OrderRequest) (*exec.OrderResponse, error)
	BestBid(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// BalanceReader reads on-chain balances. *chain.BalanceRacer implements it.
type BalanceReader interface {
	TokenBalance(ctx context.Context, tokenID string) (decimal.Decimal, error)
	CollateralBalance(ctx context.Context) (decimal.Decimal, error)
}

// Guard is the admission check. *risk.SafetyGuard implements it.
type Guard interface {
	CheckOrder(side string, contracts, price decimal.Decimal, slug string) (bool, string)
	RecordOrder(slug string, usd decimal.Decimal)
	IsDryRun() bool
}

// ClosingChecker reports markets whose exit has begun
type ClosingChecker interface {
	IsClosing(asset, slug string) bool
}

// Redeemer settles resolved markets. *chain.Redeemer implements it.
type Redeemer interface {
	Redeem(ctx context.Context, market *types.Market) (*chain.RedeemResult, error)
	Resolve(ctx context.Context, market *types.Market) (types.Side, error)
}

// Alerter forwards operator-visible failures
type Alerter interface {
	Alert(msg string)
}

// Config holds order-policy settings
type Config struct {
	// Buy
	MaxFAKAttempts    int
	TargetFillPercent decimal.Decimal
	MinOrderUSD       decimal.Decimal
	RetryDelay        time.Duration
	BuySlippage       decimal.Decimal

	// Sell
	ChunkSize        decimal.Decimal
	MaxChunkRetries  int
	ChunkDelay       time.Duration
	SellPrice        decimal.Decimal
	MinDustThreshold decimal.Decimal

	// Sweep
	SweepMaxAttempts int
	SweepFAKAttempts int
	SweepRetryDelay  time.Duration
	SweepMarketPrice decimal.Decimal
	MaxSweepLossUSD  decimal.Decimal // 0 = no cap on the GTC stage

	// Delayed sweep
	DelayedSweepEnabled    bool
	DelayedSweepDelay      time.Duration
	DelayedSweepMinBalance decimal.Decimal

	AlertThreshold decimal.Decimal
}

// DefaultConfig returns the production order policy
func DefaultConfig() Config {
	return Config{
		MaxFAKAttempts:    3,
		TargetFillPercent: decimal.NewFromFloat(0.95),
		MinOrderUSD:       decimal.NewFromInt(1),
		RetryDelay:        300 * time.Millisecond,
		BuySlippage:       decimal.NewFromFloat(0.05),

		ChunkSize:        decimal.NewFromInt(40),
		MaxChunkRetries:  3,
		ChunkDelay:       500 * time.Millisecond,
		SellPrice:        decimal.NewFromFloat(0.01),
		MinDustThreshold: decimal.NewFromFloat(0.1),

		SweepMaxAttempts: 3,
		SweepFAKAttempts: 2,
		SweepRetryDelay:  time.Second,
		SweepMarketPrice: decimal.NewFromFloat(0.01),

		DelayedSweepEnabled:    true,
		DelayedSweepDelay:      5 * time.Second,
		DelayedSweepMinBalance: decimal.NewFromFloat(0.1),

		AlertThreshold: decimal.NewFromInt(1),
	}
}

// BuyRequest asks for Contracts of Side at up to AskPrice plus slippage
type BuyRequest struct {
	Market    *types.Market
	Side      types.Side
	Contracts decimal.Decimal
	AskPrice  decimal.Decimal
}

// SellRequest liquidates Side. Contracts is the tracked size, used in dry run.
type SellRequest struct {
	Market    *types.Market
	Side      types.Side
	Contracts decimal.Decimal
	BidPrice  decimal.Decimal
}

// Option configures optional collaborators
type Option func(*Engine)

// WithClosingChecker adds the status-board race check to every buy attempt
func WithClosingChecker(c ClosingChecker) Option {
	return func(e *Engine) { e.closing = c }
}

// WithRedeemer enables Redeem
func WithRedeemer(r Redeemer) Option {
	return func(e *Engine) { e.redeemer = r }
}

// WithAlerter routes residue and failure alerts
func WithAlerter(a Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

// WithOrderLog records every attempt
func WithOrderLog(l *OrderLog) Option {
	return func(e *Engine) { e.orders = l }
}

// WithBalanceCallback is told the USD delta of each completed buy (negative) or sell (positive)
func WithBalanceCallback(fn func(delta decimal.Decimal)) Option {
	return func(e *Engine) { e.onBalanceChange = fn }
}

// Engine executes buys and sells against the venue
type Engine struct {
	mu sync.RWMutex

	venue    Venue
	balances BalanceReader
	guard    Guard
	registry *Registry
	cfg      Config

	closing         ClosingChecker
	redeemer        Redeemer
	alerter         Alerter
	orders          *OrderLog
	onBalanceChange func(delta decimal.Decimal)

	// Metrics
	totalOrders  int64
	filledOrders int64
	boughtUSD    decimal.Decimal
	soldUSD      decimal.Decimal
}

// NewEngine creates the execution engine
func NewEngine(venue Venue, balances BalanceReader, guard Guard, registry *Registry, cfg Config, opts ...Option) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Engine{
		venue:    venue,
		balances: balances,
		guard:    guard,
		registry: registry,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(e)
	}

	mode := "LIVE"
	if guard.IsDryRun() {
		mode = "DRY_RUN"
	}
	log.Info().
		Str("mode", mode).
		Int("fak_attempts", cfg.MaxFAKAttempts).
		Str("chunk_size", cfg.ChunkSize.StringFixed(0)).
		Str("sweep_loss_cap", cfg.MaxSweepLossUSD.StringFixed(2)).
		Msg("⚡ Execution engine initialized")

	return e
}

// Registry returns the blocked-market registry
func (e *Engine) Registry() *Registry {
	return e.registry
}

// ═══════════════════════════════════════════════════════════════════════════════
// BUY - FAK loop with partial fills
// ═══════════════════════════════════════════════════════════════════════════════

// Buy fills up to req.Contracts with FAK orders
func (e *Engine) Buy(ctx context.Context, req BuyRequest) (*types.OrderResult, error) {
	start := time.Now()
	m := req.Market
	res := &types.OrderResult{}
	defer func() { res.Elapsed = time.Since(start) }()

	ok, reason := e.guard.CheckOrder(string(exec.SideBuy), req.Contracts, req.AskPrice, m.Slug)
	if !ok {
		if reason == risk.ReasonDryRun {
			return e.simulateBuy(req, res), nil
		}
		res.ErrorCode = reason
		log.Warn().Str("slug", m.Slug).Str("reason", reason).Msg("🛑 Buy denied")
		return res, fmt.Errorf("%w: %s", ErrAdmissionDenied, reason)
	}

	limit := e.limitPrice(req.AskPrice)

	if code := e.raceBlocked(m); code != "" {
		res.ErrorCode = code
		log.Warn().Str("slug", m.Slug).Str("code", code).Msg("🚫 Buy refused")
		return res, fmt.Errorf("%w: %s", ErrMarketBlocked, code)
	}

	tokenID := m.TokenID(req.Side)
	target := req.Contracts
	filled := decimal.Zero
	spent := decimal.Zero
	minRemaining := decimal.NewFromFloat(0.01)
	fillTarget := target.Mul(e.cfg.TargetFillPercent)

	for attempt := 1; attempt <= e.cfg.MaxFAKAttempts; attempt++ {
		if code := e.raceBlocked(m); code != "" {
			log.Warn().Str("slug", m.Slug).Str("code", code).Int("attempt", attempt).Msg("🚫 Buy loop stopped")
			break
		}

		remaining := target.Sub(filled).RoundFloor(2)
		if remaining.LessThanOrEqual(minRemaining) || filled.GreaterThanOrEqual(fillTarget) {
			break
		}
		notional := remaining.Mul(limit).Round(2)
		if notional.LessThan(e.cfg.MinOrderUSD) {
			log.Debug().Str("slug", m.Slug).Str("notional", notional.StringFixed(2)).Msg("Remaining below minimum order")
			break
		}

		res.Attempts = attempt
		resp, err := e.place(ctx, exec.OrderRequest{
			TokenID: tokenID,
			Side:    exec.SideBuy,
			Price:   limit,
			Size:    remaining,
			Type:    exec.OrderTypeFAK,
			NegRisk: m.NegRisk,
		})

		got, usd := decimal.Zero, decimal.Zero
		errMsg := ""
		switch {
		case err != nil:
			errMsg = err.Error()
		case resp.Success:
			got, usd = resp.TakingAmount, resp.MakingAmount
			if got.GreaterThan(remaining) {
				log.Warn().Str("reported", got.StringFixed(2)).Str("requested", remaining.StringFixed(2)).Msg("⚠️ Fill exceeds request, clamping")
				usd = usd.Mul(remaining).Div(got).Round(6)
				got = remaining
			}
			res.OrderID = resp.OrderID
		default:
			errMsg = resp.ErrorMsg
		}

		if got.IsPositive() {
			filled = filled.Add(got)
			spent = spent.Add(usd)
			e.guard.RecordOrder(m.Slug, usd)
		}

		e.record(&storage.OrderAttempt{
			Slug: m.Slug, Asset: m.Asset, Side: string(req.Side),
			Action: string(exec.SideBuy), OrderType: string(exec.OrderTypeFAK), Stage: "fak", Attempt: attempt,
			Contracts: remaining, Price: limit, Filled: got, USD: usd,
			Success: got.IsPositive(), OrderID: orderID(resp), Error: errMsg,
		})

		log.Info().
			Str("slug", m.Slug).
			Str("side", string(req.Side)).
			Int("attempt", attempt).
			Str("requested", remaining.StringFixed(2)).
			Str("filled", got.StringFixed(2)).
			Str("total", filled.StringFixed(2)).
			Str("limit", limit.StringFixed(2)).
			Str("error", errMsg).
			Msg("🛒 FAK buy attempt")

		if filled.GreaterThanOrEqual(fillTarget) || target.Sub(filled).RoundFloor(2).LessThanOrEqual(minRemaining) {
			break
		}
		if attempt < e.cfg.MaxFAKAttempts {
			if err := sleepCtx(ctx, e.cfg.RetryDelay); err != nil {
				break
			}
		}
	}

	e.countOrder(filled.IsPositive(), spent, decimal.Zero)

	if !filled.IsPositive() {
		res.ErrorCode = fmt.Sprintf("NO_FILL_AFTER_%d_FAK", res.Attempts)
		log.Warn().Str("slug", m.Slug).Int("attempts", res.Attempts).Msg("❌ Buy not filled")
		return res, fmt.Errorf("%w: %s", ErrNoFill, res.ErrorCode)
	}

	res.Success = true
	res.FilledSize = filled
	res.TotalUSD = spent
	res.AvgPrice = spent.Div(filled).Round(4)

	if e.onBalanceChange != nil {
		e.onBalanceChange(spent.Neg())
	}

	log.Info().
		Str("slug", m.Slug).
		Str("side", string(req.Side)).
		Str("filled", filled.StringFixed(2)).
		Str("target", target.StringFixed(2)).
		Str("avg", res.AvgPrice.StringFixed(4)).
		Str("spent", spent.StringFixed(2)).
		Msg("✅ Buy complete")

	return res, nil
}

func (e *Engine) simulateBuy(req BuyRequest, res *types.OrderResult) *types.OrderResult {
	usd := req.Contracts.Mul(req.AskPrice).Round(6)
	res.Success = true
	res.DryRun = true
	res.Attempts = 1
	res.FilledSize = req.Contracts
	res.AvgPrice = req.AskPrice
	res.TotalUSD = usd
	res.ErrorCode = CodeDryRun

	e.record(&storage.OrderAttempt{
		Slug: req.Market.Slug, Asset: req.Market.Asset, Side: string(req.Side),
		Action: string(exec.SideBuy), OrderType: string(exec.OrderTypeFAK), Stage: "fak", Attempt: 1,
		Contracts: req.Contracts, Price: req.AskPrice, Filled: req.Contracts, USD: usd,
		Success: true, DryRun: true,
	})

	log.Info().
		Str("slug", req.Market.Slug).
		Str("side", string(req.Side)).
		Str("contracts", req.Contracts.StringFixed(2)).
		Str("price", req.AskPrice.StringFixed(2)).
		Msg("🧪 Buy simulated (DRY_RUN)")
	return res
}

// limitPrice is ask × (1 + slippage) rounded up to the tick, capped at 0.99
func (e *Engine) limitPrice(ask decimal.Decimal) decimal.Decimal {
	limit := ask.Mul(decimal.NewFromInt(1).Add(e.cfg.BuySlippage)).RoundCeil(2)
	maxPrice := decimal.NewFromFloat(0.99)
	if limit.GreaterThan(maxPrice) {
		return maxPrice
	}
	return limit
}

func (e *Engine) raceBlocked(m *types.Market) string {
	if e.registry.IsBlocked(m.Asset, m.Slug) {
		return CodeMarketBlocked
	}
	if e.closing != nil && e.closing.IsClosing(m.Asset, m.Slug) {
		return CodeMarketClosing
	}
	return ""
}

// ═══════════════════════════════════════════════════════════════════════════════
// REDEEM / QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// Redeem settles a resolved market and unblocks it on success.
// In dry run only the oracle is read.
func (e *Engine) Redeem(ctx context.Context, market *types.Market) (*chain.RedeemResult, error) {
	if e.redeemer == nil {
		return nil, errors.New("redeemer not configured")
	}

	var res *chain.RedeemResult
	var err error
	if e.guard.IsDryRun() {
		res = &chain.RedeemResult{Slug: market.Slug, Reason: CodeDryRun}
		res.Winner, err = e.redeemer.Resolve(ctx, market)
		if err == nil {
			res.Success = true
		} else if errors.Is(err, chain.ErrNotResolved) {
			res.Reason = chain.ReasonNotResolved
		}
	} else {
		res, err = e.redeemer.Redeem(ctx, market)
		if err == nil && res != nil && res.Success && res.Winner == "" {
			// nothing held on-chain, the ledger still needs the outcome
			if winner, rerr := e.redeemer.Resolve(ctx, market); rerr == nil {
				res.Winner = winner
			}
		}
	}
	if res == nil {
		res = &chain.RedeemResult{Slug: market.Slug}
	}

	e.orders.RecordRedeem(res, err)

	if err != nil {
		return res, err
	}
	if res.Success {
		e.registry.Unblock(market.Asset, market.Slug)
		if res.Payout.IsPositive() && e.onBalanceChange != nil {
			e.onBalanceChange(res.Payout)
		}
	}
	return res, nil
}

// FreshBid reads the current best bid from the venue book
func (e *Engine) FreshBid(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	return e.venue.BestBid(ctx, tokenID)
}

// USDCBalance returns wallet collateral (USDC.e + USDC)
func (e *Engine) USDCBalance(ctx context.Context) (decimal.Decimal, error) {
	return e.balances.CollateralBalance(ctx)
}

// GetMetrics returns execution metrics
func (e *Engine) GetMetrics() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	fillRate := float64(0)
	if e.totalOrders > 0 {
		fillRate = float64(e.filledOrders) / float64(e.totalOrders) * 100
	}

	return map[string]interface{}{
		"total_orders":  e.totalOrders,
		"filled_orders": e.filledOrders,
		"fill_rate":     fillRate,
		"bought_usd":    e.boughtUSD.StringFixed(2),
		"sold_usd":      e.soldUSD.StringFixed(2),
		"blocked":       len(e.registry.BlockedMarkets()),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// place never returns a nil response together with a nil error
func (e *Engine) place(ctx context.Context, req exec.OrderRequest) (*exec.OrderResponse, error) {
	resp, err := e.venue.PlaceOrder(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("empty venue response")
	}
	if err != nil {
		log.Debug().Err(err).Str("type", string(req.Type)).Msg("Order submission failed")
	}
	return resp, err
}

func (e *Engine) record(a *storage.OrderAttempt) {
	e.orders.RecordAttempt(a)
}

func (e *Engine) countOrder(filled bool, bought, sold decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalOrders++
	if filled {
		e.filledOrders++
	}
	e.boughtUSD = e.boughtUSD.Add(bought)
	e.soldUSD = e.soldUSD.Add(sold)
}

func (e *Engine) alert(msg string) {
	if e.alerter != nil {
		e.alerter.Alert(msg)
	}
}

func orderID(resp *exec.OrderResponse) string {
	if resp == nil {
		return ""
	}
	return resp.OrderID
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
