package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyexec/ledger"
	"github.com/web3guy0/polyexec/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testMarket() *types.Market {
	start := time.Unix(1700000100, 0).UTC()
	return &types.Market{
		Slug:        "btc-updown-15m-1700000100",
		Asset:       "btc",
		UpTokenID:   "111",
		DownTokenID: "222",
		StartTime:   start,
		EndTime:     start.Add(15 * time.Minute),
	}
}

type fakeTrader struct {
	mu      sync.Mutex
	buyErr  error
	buyFill func(contracts, ask decimal.Decimal) *types.OrderResult
	sellUSD map[types.Side]decimal.Decimal
	dryRun  bool
	sells   []types.Side
}

func (f *fakeTrader) Buy(_ context.Context, _ *types.Market, _ types.Side, contracts, ask decimal.Decimal) (*types.OrderResult, error) {
	if f.buyErr != nil {
		return &types.OrderResult{ErrorCode: "NO_FILL_AFTER_3_FAK"}, f.buyErr
	}
	if f.buyFill != nil {
		return f.buyFill(contracts, ask), nil
	}
	return &types.OrderResult{Success: true, FilledSize: contracts, TotalUSD: contracts.Mul(ask), AvgPrice: ask}, nil
}

func (f *fakeTrader) Sell(_ context.Context, _ *types.Market, side types.Side, contracts, bid decimal.Decimal) (*types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sells = append(f.sells, side)
	if f.dryRun {
		return &types.OrderResult{Success: true, DryRun: true, FilledSize: contracts, TotalUSD: contracts.Mul(bid)}, nil
	}
	usd := f.sellUSD[side]
	return &types.OrderResult{Success: true, FilledSize: contracts, TotalUSD: usd}, nil
}

type resetSpy struct{ slugs []string }

func (r *resetSpy) ResetMarket(slug string) { r.slugs = append(r.slugs, slug) }

func newLedger(t *testing.T, capital string, opts ...ledger.Option) (*ledger.Ledger, *ledger.TradeLog) {
	t.Helper()
	journal, err := ledger.OpenTradeLog(ledger.TradeLogPath(t.TempDir(), "test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })
	return ledger.New("test", d(capital), journal, opts...), journal
}

func TestEnterPosition_FailedBuyLeavesNoPosition(t *testing.T) {
	l, _ := newLedger(t, "100", ledger.WithTrader(&fakeTrader{buyErr: errors.New("no fill")}))
	m := testMarket()

	err := l.EnterPosition(context.Background(), m, types.SideUp, d("0.50"), d("20"), ledger.Prices{Up: d("0.50")})
	require.Error(t, err)
	assert.False(t, l.HasPosition(m.Slug))
	assert.Empty(t, l.OpenSlugs())
	assert.True(t, l.Capital().Equal(d("100")))
}

func TestEnterPosition_RecordsConfirmedFill(t *testing.T) {
	trader := &fakeTrader{buyFill: func(contracts, ask decimal.Decimal) *types.OrderResult {
		return &types.OrderResult{Success: true, FilledSize: d("12"), TotalUSD: d("6.24"), AvgPrice: d("0.52")}
	}}
	l, _ := newLedger(t, "100", ledger.WithTrader(trader))
	m := testMarket()

	require.NoError(t, l.EnterPosition(context.Background(), m, types.SideUp, d("0.50"), d("20"), ledger.Prices{Up: d("0.50")}))
	require.NoError(t, l.EnterPosition(context.Background(), m, types.SideDown, d("0.48"), d("20"), ledger.Prices{Down: d("0.48")}))

	up, down, invested, ok := l.Exposure(m.Slug)
	require.True(t, ok)
	assert.True(t, up.Equal(d("12")))
	assert.True(t, down.Equal(d("12")))
	assert.True(t, invested.Equal(d("12.48")))

	pos, ok := l.Position(m.Slug)
	require.True(t, ok)
	assert.Len(t, pos.Entries, 2)
	assert.True(t, pos.Up.AvgPrice().Equal(d("0.52")))
}

func TestCloseMarket_ResolutionPnL(t *testing.T) {
	spy := &resetSpy{}
	var hookPnL decimal.Decimal
	l, journal := newLedger(t, "100",
		ledger.WithMarketResetter(spy),
		ledger.WithCloseHook(func(_ string, pnl decimal.Decimal) { hookPnL = pnl }))
	m := testMarket()

	ctx := context.Background()
	require.NoError(t, l.EnterPosition(ctx, m, types.SideUp, d("0.40"), d("50"), ledger.Prices{}))
	require.NoError(t, l.EnterPosition(ctx, m, types.SideDown, d("0.55"), d("10"), ledger.Prices{}))

	rec, err := l.CloseMarket(m.Slug, types.SideUp)
	require.NoError(t, err)

	// cost 20 + 5.5, payout 50
	assert.True(t, rec.PnL.Equal(d("24.5")), rec.PnL.String())
	assert.True(t, l.Capital().Equal(d("124.5")))
	assert.False(t, l.HasPosition(m.Slug))
	assert.Equal(t, []string{m.Slug}, spy.slugs)
	assert.True(t, hookPnL.Equal(d("24.5")))

	entries, corrupt, err := journal.ReadAll()
	require.NoError(t, err)
	assert.Zero(t, corrupt)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindFinal, entries[0].Kind)
	assert.Equal(t, types.SideUp, entries[0].Winner)

	_, err = l.CloseMarket(m.Slug, types.SideUp)
	assert.ErrorIs(t, err, ledger.ErrAlreadyClosed)

	_, err = l.CloseMarket("eth-updown-15m-1700000100", types.SideUp)
	assert.ErrorIs(t, err, ledger.ErrNoPosition)
}

func TestCloseMarket_PersistFailureKeepsPosition(t *testing.T) {
	l, journal := newLedger(t, "100")
	m := testMarket()
	require.NoError(t, l.EnterPosition(context.Background(), m, types.SideUp, d("0.50"), d("10"), ledger.Prices{}))

	require.NoError(t, journal.Close())

	_, err := l.CloseMarket(m.Slug, types.SideDown)
	require.ErrorIs(t, err, ledger.ErrPersist)
	assert.True(t, l.HasPosition(m.Slug))
	assert.True(t, l.Capital().Equal(d("100")))
	assert.Zero(t, l.Stats().Trades)
}

func TestEnterPosition_AfterCloseRefused(t *testing.T) {
	l, _ := newLedger(t, "100")
	m := testMarket()
	ctx := context.Background()
	require.NoError(t, l.EnterPosition(ctx, m, types.SideUp, d("0.50"), d("10"), ledger.Prices{}))
	_, err := l.CloseMarket(m.Slug, types.SideUp)
	require.NoError(t, err)

	err = l.EnterPosition(ctx, m, types.SideUp, d("0.50"), d("10"), ledger.Prices{})
	assert.ErrorIs(t, err, ledger.ErrAlreadyClosed)
	assert.False(t, l.HasPosition(m.Slug))
}

func TestEarlyExit_ReconcilesCapitalOnce(t *testing.T) {
	trader := &fakeTrader{sellUSD: map[types.Side]decimal.Decimal{
		types.SideUp:   d("14"),
		types.SideDown: d("1"),
	}}
	l, journal := newLedger(t, "100", ledger.WithTrader(trader))
	m := testMarket()
	ctx := context.Background()

	require.NoError(t, l.EnterPosition(ctx, m, types.SideUp, d("0.50"), d("40"), ledger.Prices{Up: d("0.50")}))
	require.NoError(t, l.EnterPosition(ctx, m, types.SideDown, d("0.50"), d("10"), ledger.Prices{Down: d("0.50")}))

	// cost 25, estimate 40×0.40 + 10×0.20 = 18
	rec, err := l.CloseMarketEarlyExit(ctx, m.Slug, d("0.40"), ledger.Prices{Up: d("0.40"), Down: d("0.20")}, "stop_loss")
	require.NoError(t, err)

	assert.True(t, rec.Corrected())
	assert.True(t, rec.EstimatedPnL.Equal(d("-7")), rec.EstimatedPnL.String())
	assert.True(t, rec.PnL.Equal(d("-10")), rec.PnL.String())
	assert.True(t, l.Capital().Equal(d("90")), l.Capital().String())
	assert.ElementsMatch(t, []types.Side{types.SideUp, types.SideDown}, trader.sells)

	entries, _, err := journal.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindCorrection, entries[0].Kind)
	assert.True(t, entries[0].Payout.Equal(d("15")))

	stats := l.Stats()
	assert.Equal(t, 1, stats.Trades)
	assert.True(t, stats.TotalPnL.Equal(d("-10")))
}

func TestEarlyExit_MissingBidsUseExitPrice(t *testing.T) {
	l, _ := newLedger(t, "100")
	m := testMarket()
	ctx := context.Background()
	require.NoError(t, l.EnterPosition(ctx, m, types.SideUp, d("0.60"), d("20"), ledger.Prices{}))
	require.NoError(t, l.EnterPosition(ctx, m, types.SideDown, d("0.30"), d("5"), ledger.Prices{}))

	// UP is the favourite: 20×0.70 + 5×0.30 = 15.5, cost 13.5
	rec, err := l.CloseMarketEarlyExit(ctx, m.Slug, d("0.70"), ledger.Prices{}, "take_profit")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindProvisional, rec.Kind)
	assert.True(t, rec.EstimatedPayout.Equal(d("15.5")))
	assert.True(t, rec.PnL.Equal(d("2")))
	assert.True(t, l.Capital().Equal(d("102")))
}

func TestEarlyExit_DryRunKeepsEstimate(t *testing.T) {
	trader := &fakeTrader{dryRun: true}
	l, _ := newLedger(t, "100", ledger.WithTrader(trader))
	m := testMarket()
	ctx := context.Background()
	require.NoError(t, l.EnterPosition(ctx, m, types.SideUp, d("0.50"), d("10"), ledger.Prices{Up: d("0.50")}))

	rec, err := l.CloseMarketEarlyExit(ctx, m.Slug, d("0.30"), ledger.Prices{Up: d("0.30")}, "stop_loss")
	require.NoError(t, err)
	assert.False(t, rec.Corrected())
	assert.True(t, l.Capital().Equal(d("98")))
	assert.Len(t, trader.sells, 1)
}

func TestLoad_RestoresCapital(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test", "trades.jsonl")
	journal, err := ledger.OpenTradeLog(path)
	require.NoError(t, err)

	l := ledger.New("test", d("100"), journal)
	m := testMarket()
	ctx := context.Background()
	require.NoError(t, l.EnterPosition(ctx, m, types.SideUp, d("0.25"), d("40"), ledger.Prices{}))
	_, err = l.CloseMarket(m.Slug, types.SideUp)
	require.NoError(t, err)
	require.NoError(t, journal.Close())

	reopened, err := ledger.OpenTradeLog(path)
	require.NoError(t, err)
	defer reopened.Close()

	restored := ledger.New("test", d("100"), reopened)
	loaded, corrupt, err := restored.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Zero(t, corrupt)
	assert.True(t, restored.Capital().Equal(d("130")))

	err = restored.EnterPosition(ctx, m, types.SideUp, d("0.50"), d("10"), ledger.Prices{})
	assert.ErrorIs(t, err, ledger.ErrAlreadyClosed)

	recent := restored.RecentTrades(5)
	require.Len(t, recent, 1)
	assert.Equal(t, m.Slug, recent[0].Slug)
}

func TestUnrealizedPnL(t *testing.T) {
	l, _ := newLedger(t, "100")
	m := testMarket()
	require.NoError(t, l.EnterPosition(context.Background(), m, types.SideUp, d("0.50"), d("100"), ledger.Prices{}))

	pnl, ok := l.UnrealizedPnL(m.Slug, d("0.38"), decimal.Zero)
	require.True(t, ok)
	assert.True(t, pnl.Equal(d("-12")))

	_, ok = l.UnrealizedPnL("missing", d("0.5"), d("0.5"))
	assert.False(t, ok)
}
