package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ADAPTER - Makes Engine implement ledger.Trader
// ═══════════════════════════════════════════════════════════════════════════════

// TraderAdapter exposes Buy/Sell with the positional signature the ledger uses
type TraderAdapter struct {
	engine *Engine
}

// NewTraderAdapter wraps an engine for the ledger
func NewTraderAdapter(engine *Engine) *TraderAdapter {
	return &TraderAdapter{engine: engine}
}

// Buy implements ledger.Trader
func (a *TraderAdapter) Buy(ctx context.Context, market *types.Market, side types.Side, contracts, ask decimal.Decimal) (*types.OrderResult, error) {
	return a.engine.Buy(ctx, BuyRequest{
		Market:    market,
		Side:      side,
		Contracts: contracts,
		AskPrice:  ask,
	})
}

// Sell implements ledger.Trader
func (a *TraderAdapter) Sell(ctx context.Context, market *types.Market, side types.Side, contracts, bid decimal.Decimal) (*types.OrderResult, error) {
	return a.engine.Sell(ctx, SellRequest{
		Market:    market,
		Side:      side,
		Contracts: contracts,
		BidPrice:  bid,
	})
}
