package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/exec"
	"github.com/web3guy0/polyexec/storage"
	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SELL - Balance-driven liquidation cascade
// ═══════════════════════════════════════════════════════════════════════════════
//
// 1. Read the on-chain balance (RPC race)
// 2. FOK chunks of 40 at 0.01, 3 instant retries per chunk
// 3. Sweep the residue: FOK ×3 → FAK ×2 → GTC
// 4. Delayed sweep after 5s for late-settling balances
//
// ═══════════════════════════════════════════════════════════════════════════════

type sellProgress struct {
	sold     decimal.Decimal
	received decimal.Decimal
	attempts int
	orderID  string
	last     decimal.Decimal // contracts sold by the latest attempt
}

func (p *sellProgress) add(resp *exec.OrderResponse) {
	p.sold = p.sold.Add(resp.MakingAmount)
	p.received = p.received.Add(resp.TakingAmount)
	p.orderID = resp.OrderID
}

// Sell liquidates the wallet's whole balance of req.Side
func (e *Engine) Sell(ctx context.Context, req SellRequest) (*types.OrderResult, error) {
	start := time.Now()
	m := req.Market
	res := &types.OrderResult{}
	defer func() { res.Elapsed = time.Since(start) }()

	if e.guard.IsDryRun() {
		return e.simulateSell(req, res), nil
	}

	tokenID := m.TokenID(req.Side)
	initial, err := e.balances.TokenBalance(ctx, tokenID)
	if err != nil {
		res.ErrorCode = CodeRPCUnavailable
		log.Error().Err(err).Str("slug", m.Slug).Str("side", string(req.Side)).Msg("❌ Cannot read balance, sell aborted")
		e.alert(fmt.Sprintf("🚨 SELL ABORTED %s %s: cannot read balance", m.Slug, req.Side))
		return res, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}

	if initial.LessThan(e.cfg.MinDustThreshold) {
		res.Success = true
		res.ErrorCode = CodeBalanceZero
		log.Info().Str("slug", m.Slug).Str("side", string(req.Side)).Str("balance", initial.StringFixed(4)).Msg("✅ Nothing to sell")
		return res, nil
	}

	log.Info().
		Str("slug", m.Slug).
		Str("side", string(req.Side)).
		Str("balance", initial.StringFixed(2)).
		Str("tracked", req.Contracts.StringFixed(2)).
		Msg("📉 Selling")

	p := &sellProgress{}
	e.sellChunks(ctx, req, tokenID, initial, p)

	residue := e.sweep(ctx, req, tokenID, "sweep", initial.Sub(p.sold), p)

	// runs even after a clean sweep: a racing buy can settle after the sell started
	if e.cfg.DelayedSweepEnabled {
		if sleepCtx(ctx, e.cfg.DelayedSweepDelay) == nil {
			bal, err := e.balances.TokenBalance(ctx, tokenID)
			if err == nil && bal.GreaterThanOrEqual(e.cfg.DelayedSweepMinBalance) {
				log.Warn().Str("slug", m.Slug).Str("balance", bal.StringFixed(2)).Msg("🧹 Delayed sweep")
				residue = e.sweep(ctx, req, tokenID, "delayed_sweep", bal, p)
			} else if err == nil {
				residue = bal
			}
		}
	}

	remaining := residue
	if bal, err := e.balances.TokenBalance(ctx, tokenID); err == nil {
		remaining = bal
	}
	// on-chain balance is the truth; GTC fills land after the response
	if onChain := initial.Sub(remaining); onChain.GreaterThan(p.sold) {
		p.sold = onChain
	}
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	res.Attempts = p.attempts
	res.OrderID = p.orderID
	res.FilledSize = p.sold
	res.TotalUSD = p.received
	res.RemainingBalance = remaining
	if p.sold.IsPositive() && p.received.IsPositive() {
		res.AvgPrice = p.received.Div(p.sold).Round(4)
	}

	tenPct := initial.Mul(decimal.NewFromFloat(0.1))
	res.Success = p.sold.IsPositive() &&
		(remaining.LessThanOrEqual(e.cfg.MinDustThreshold) || remaining.LessThan(tenPct))
	if remaining.GreaterThan(e.cfg.MinDustThreshold) {
		res.ErrorCode = "REMAINING_" + remaining.StringFixed(2)
	}
	if remaining.GreaterThan(e.cfg.AlertThreshold) {
		e.alert(fmt.Sprintf("⚠️ SELL RESIDUE %s %s: %s contracts left of %s",
			m.Slug, req.Side, remaining.StringFixed(2), initial.StringFixed(2)))
	}

	e.countOrder(p.sold.IsPositive(), decimal.Zero, p.received)
	if p.received.IsPositive() && e.onBalanceChange != nil {
		e.onBalanceChange(p.received)
	}

	log.Info().
		Str("slug", m.Slug).
		Str("side", string(req.Side)).
		Str("sold", p.sold.StringFixed(2)).
		Str("received", p.received.StringFixed(2)).
		Str("remaining", remaining.StringFixed(2)).
		Dur("elapsed", time.Since(start)).
		Bool("success", res.Success).
		Msg("📊 Sell report")

	if !p.sold.IsPositive() {
		return res, fmt.Errorf("%w: %s %s", ErrSellIncomplete, m.Slug, req.Side)
	}
	return res, nil
}

// sellChunks splits the balance into FOK chunks. A failed chunk is left for the sweep.
func (e *Engine) sellChunks(ctx context.Context, req SellRequest, tokenID string, balance decimal.Decimal, p *sellProgress) {
	left := balance.RoundFloor(2)
	chunk := 0

	for left.IsPositive() {
		if ctx.Err() != nil {
			return
		}
		chunk++
		size := decimal.Min(e.cfg.ChunkSize, left)
		left = left.Sub(size)

		filled := false
		for retry := 1; retry <= e.cfg.MaxChunkRetries && !filled; retry++ {
			filled = e.sellOnce(ctx, req, tokenID, exec.OrderTypeFOK, e.cfg.SellPrice, size, "chunk", retry, p)
		}
		if !filled {
			log.Warn().
				Str("slug", req.Market.Slug).
				Int("chunk", chunk).
				Str("size", size.StringFixed(2)).
				Msg("⚠️ Chunk failed all retries")
		}

		if left.IsPositive() {
			if sleepCtx(ctx, e.cfg.ChunkDelay) != nil {
				return
			}
		}
	}
}

// sweep retries the live residue FOK → FAK → GTC and returns the last known balance.
// estimate stands in until the first successful balance read.
func (e *Engine) sweep(ctx context.Context, req SellRequest, tokenID, stage string, estimate decimal.Decimal, p *sellProgress) decimal.Decimal {
	type step struct {
		orderType exec.OrderType
		tries     int
	}
	steps := []step{
		{exec.OrderTypeFOK, e.cfg.SweepMaxAttempts},
		{exec.OrderTypeFAK, e.cfg.SweepFAKAttempts},
		{exec.OrderTypeGTC, 1},
	}

	last := estimate
	first := true
	for _, s := range steps {
		for try := 1; try <= s.tries; try++ {
			if !first {
				if sleepCtx(ctx, e.cfg.SweepRetryDelay) != nil {
					return last
				}
			}
			first = false

			bal, err := e.balances.TokenBalance(ctx, tokenID)
			if err != nil {
				log.Warn().Err(err).Str("slug", req.Market.Slug).Msg("⚠️ Sweep balance read failed")
				continue
			}
			last = bal
			if bal.LessThan(e.cfg.MinDustThreshold) {
				return bal
			}
			size := bal.RoundFloor(2)

			if s.orderType == exec.OrderTypeGTC && e.exceedsLossCap(req, size) {
				log.Warn().
					Str("slug", req.Market.Slug).
					Str("residue", size.StringFixed(2)).
					Str("bid", req.BidPrice.StringFixed(2)).
					Str("cap", e.cfg.MaxSweepLossUSD.StringFixed(2)).
					Msg("🛑 Standing order skipped, residue left for redemption")
				return bal
			}

			if e.sellOnce(ctx, req, tokenID, s.orderType, e.cfg.SweepMarketPrice, size, stage, try, p) {
				last = bal.Sub(p.last)
			}
		}
	}
	return last
}

// exceedsLossCap reports whether dumping size at the sweep price loses more than the cap
func (e *Engine) exceedsLossCap(req SellRequest, size decimal.Decimal) bool {
	if !e.cfg.MaxSweepLossUSD.IsPositive() {
		return false
	}
	loss := size.Mul(req.BidPrice.Sub(e.cfg.SweepMarketPrice))
	return loss.GreaterThan(e.cfg.MaxSweepLossUSD)
}

// sellOnce submits one sell order and reports whether it filled
func (e *Engine) sellOnce(ctx context.Context, req SellRequest, tokenID string, orderType exec.OrderType, price, size decimal.Decimal, stage string, attempt int, p *sellProgress) bool {
	p.attempts++
	p.last = decimal.Zero
	resp, err := e.place(ctx, exec.OrderRequest{
		TokenID: tokenID,
		Side:    exec.SideSell,
		Price:   price,
		Size:    size,
		Type:    orderType,
		NegRisk: req.Market.NegRisk,
	})

	errMsg := ""
	ok := false
	switch {
	case err != nil:
		errMsg = err.Error()
	case orderType == exec.OrderTypeGTC && resp.Success:
		// resting order: fills show up in the balance later
		ok = true
		p.orderID = resp.OrderID
		if resp.MakingAmount.IsPositive() {
			p.add(resp)
		}
	case fillFailed(resp):
		errMsg = resp.ErrorMsg
	default:
		ok = true
		p.add(resp)
	}

	a := &storage.OrderAttempt{
		Slug: req.Market.Slug, Asset: req.Market.Asset, Side: string(req.Side),
		Action: string(exec.SideSell), OrderType: string(orderType), Stage: stage, Attempt: attempt,
		Contracts: size, Price: price, Success: ok, OrderID: orderID(resp), Error: errMsg,
	}
	if ok && resp != nil {
		a.Filled, a.USD = resp.MakingAmount, resp.TakingAmount
		p.last = resp.MakingAmount
	}
	e.record(a)

	log.Info().
		Str("slug", req.Market.Slug).
		Str("stage", stage).
		Str("type", string(orderType)).
		Int("attempt", attempt).
		Str("size", size.StringFixed(2)).
		Bool("filled", ok).
		Str("error", errMsg).
		Msg("💸 Sell attempt")

	return ok
}

// fillFailed detects a killed FOK / FAK
func fillFailed(resp *exec.OrderResponse) bool {
	if !resp.Success {
		return true
	}
	if strings.Contains(resp.ErrorMsg, "FOK_ORDER_NOT_FILLED") || strings.Contains(strings.ToLower(resp.ErrorMsg), "not filled") {
		return true
	}
	return resp.MakingAmount.IsZero() || resp.TakingAmount.IsZero()
}

func (e *Engine) simulateSell(req SellRequest, res *types.OrderResult) *types.OrderResult {
	usd := req.Contracts.Mul(req.BidPrice).Round(6)
	res.Success = true
	res.DryRun = true
	res.Attempts = 1
	res.FilledSize = req.Contracts
	res.AvgPrice = req.BidPrice
	res.TotalUSD = usd
	res.ErrorCode = CodeDryRun

	e.record(&storage.OrderAttempt{
		Slug: req.Market.Slug, Asset: req.Market.Asset, Side: string(req.Side),
		Action: string(exec.SideSell), OrderType: string(exec.OrderTypeFOK), Stage: "chunk", Attempt: 1,
		Contracts: req.Contracts, Price: req.BidPrice, Filled: req.Contracts, USD: usd,
		Success: true, DryRun: true,
	})

	log.Info().
		Str("slug", req.Market.Slug).
		Str("side", string(req.Side)).
		Str("contracts", req.Contracts.StringFixed(2)).
		Str("bid", req.BidPrice.StringFixed(2)).
		Msg("🧪 Sell simulated (DRY_RUN)")
	return res
}
