package execution_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyexec/exec"
	"github.com/web3guy0/polyexec/execution"
	"github.com/web3guy0/polyexec/risk"
	"github.com/web3guy0/polyexec/types"
)

func buyReq(contracts, ask string) execution.BuyRequest {
	return execution.BuyRequest{
		Market:    testMarket(),
		Side:      types.SideUp,
		Contracts: d(contracts),
		AskPrice:  d(ask),
	}
}

func TestBuy_PartialFillsAccumulate(t *testing.T) {
	fills := []string{"60", "30", "4"}
	venue := &scriptedVenue{respond: func(n int, req exec.OrderRequest) *exec.OrderResponse {
		return buyFill(d(fills[n-1]), d("0.50"))
	}}
	guard := &fakeGuard{}
	var delta decimal.Decimal
	engine := execution.NewEngine(venue, newWallet(), guard, nil, testConfig(),
		execution.WithBalanceCallback(func(v decimal.Decimal) { delta = v }))

	res, err := engine.Buy(context.Background(), buyReq("100", "0.50"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.True(t, res.FilledSize.Equal(d("94")), res.FilledSize.String())
	assert.True(t, res.TotalUSD.Equal(d("47")))
	assert.True(t, res.AvgPrice.Equal(d("0.5")))
	assert.True(t, delta.Equal(d("-47")))
	assert.Len(t, guard.recorded, 3)

	calls := venue.callsOf(exec.OrderTypeFAK)
	require.Len(t, calls, 3)
	for i, want := range []string{"100", "40", "10"} {
		assert.True(t, calls[i].Size.Equal(d(want)), "attempt %d size %s", i+1, calls[i].Size)
		assert.True(t, calls[i].Price.Equal(d("0.53")), "limit is ask +5%% rounded up")
		assert.Equal(t, exec.SideBuy, calls[i].Side)
	}
}

func TestBuy_FilledNeverExceedsTarget(t *testing.T) {
	venue := &scriptedVenue{respond: func(n int, req exec.OrderRequest) *exec.OrderResponse {
		return buyFill(req.Size.Mul(d("1.5")), d("0.40"))
	}}
	engine := execution.NewEngine(venue, newWallet(), &fakeGuard{}, nil, testConfig())

	res, err := engine.Buy(context.Background(), buyReq("20", "0.40"))
	require.NoError(t, err)
	assert.True(t, res.FilledSize.Equal(d("20")))
	assert.Equal(t, 1, venue.callCount())
}

func TestBuy_StopsAtTargetPercent(t *testing.T) {
	venue := &scriptedVenue{respond: func(n int, req exec.OrderRequest) *exec.OrderResponse {
		return buyFill(d("96"), d("0.50"))
	}}
	engine := execution.NewEngine(venue, newWallet(), &fakeGuard{}, nil, testConfig())

	res, err := engine.Buy(context.Background(), buyReq("100", "0.50"))
	require.NoError(t, err)
	assert.Equal(t, 1, venue.callCount())
	assert.True(t, res.FilledSize.Equal(d("96")))
}

func TestBuy_NoFill(t *testing.T) {
	venue := &scriptedVenue{respond: func(n int, req exec.OrderRequest) *exec.OrderResponse {
		if n == 2 {
			return nil
		}
		return &exec.OrderResponse{Success: false, ErrorMsg: "no match"}
	}}
	engine := execution.NewEngine(venue, newWallet(), &fakeGuard{}, nil, testConfig())

	res, err := engine.Buy(context.Background(), buyReq("10", "0.50"))
	require.ErrorIs(t, err, execution.ErrNoFill)
	assert.False(t, res.Success)
	assert.Equal(t, "NO_FILL_AFTER_3_FAK", res.ErrorCode)
	assert.Equal(t, 3, venue.callCount())
	assert.True(t, res.FilledSize.IsZero())
}

func TestBuy_BelowMinimumNotional(t *testing.T) {
	venue := &scriptedVenue{respond: func(int, exec.OrderRequest) *exec.OrderResponse {
		t.Fatal("no order expected")
		return nil
	}}
	engine := execution.NewEngine(venue, newWallet(), &fakeGuard{}, nil, testConfig())

	_, err := engine.Buy(context.Background(), buyReq("1.5", "0.50"))
	assert.ErrorIs(t, err, execution.ErrNoFill)
}

func TestBuy_LimitPriceCapped(t *testing.T) {
	venue := &scriptedVenue{respond: func(n int, req exec.OrderRequest) *exec.OrderResponse {
		return buyFill(req.Size, req.Price)
	}}
	engine := execution.NewEngine(venue, newWallet(), &fakeGuard{}, nil, testConfig())

	_, err := engine.Buy(context.Background(), buyReq("10", "0.97"))
	require.NoError(t, err)
	assert.True(t, venue.calls[0].Price.Equal(d("0.99")))
}

func TestBuy_BlockedMarketRefused(t *testing.T) {
	venue := &scriptedVenue{respond: func(int, exec.OrderRequest) *exec.OrderResponse { return nil }}
	registry := execution.NewRegistry()
	m := testMarket()
	registry.Block(m.Asset, m.Slug)
	engine := execution.NewEngine(venue, newWallet(), &fakeGuard{}, registry, testConfig())

	res, err := engine.Buy(context.Background(), buyReq("10", "0.50"))
	require.ErrorIs(t, err, execution.ErrMarketBlocked)
	assert.Equal(t, execution.CodeMarketBlocked, res.ErrorCode)
	assert.Zero(t, venue.callCount())

	// another asset is unaffected
	other := buyReq("10", "0.50")
	other.Market.Asset = "eth"
	other.Market.Slug = "eth-updown-15m-1700000100"
	venue.respond = func(n int, req exec.OrderRequest) *exec.OrderResponse { return buyFill(req.Size, d("0.5")) }
	_, err = engine.Buy(context.Background(), other)
	assert.NoError(t, err)
}

func TestBuy_ClosingMidLoopKeepsPartial(t *testing.T) {
	checker := &flagChecker{}
	venue := &scriptedVenue{
		respond: func(n int, req exec.OrderRequest) *exec.OrderResponse { return buyFill(d("30"), d("0.50")) },
		onCall:  func(int) { checker.set(true) },
	}
	engine := execution.NewEngine(venue, newWallet(), &fakeGuard{}, nil, testConfig(),
		execution.WithClosingChecker(checker))

	res, err := engine.Buy(context.Background(), buyReq("100", "0.50"))
	require.NoError(t, err)
	assert.Equal(t, 1, venue.callCount())
	assert.True(t, res.FilledSize.Equal(d("30")))

	_, err = engine.Buy(context.Background(), buyReq("100", "0.50"))
	require.ErrorIs(t, err, execution.ErrMarketBlocked)
}

func TestBuy_AdmissionDenied(t *testing.T) {
	venue := &scriptedVenue{respond: func(int, exec.OrderRequest) *exec.OrderResponse { return nil }}
	engine := execution.NewEngine(venue, newWallet(), &fakeGuard{deny: risk.ReasonOrderTooLarge}, nil, testConfig())

	res, err := engine.Buy(context.Background(), buyReq("10", "0.50"))
	require.ErrorIs(t, err, execution.ErrAdmissionDenied)
	assert.Equal(t, risk.ReasonOrderTooLarge, res.ErrorCode)
	assert.Zero(t, venue.callCount())
}

func TestBuy_DryRunSimulatesAndAudits(t *testing.T) {
	dir := t.TempDir()
	orders, err := execution.NewOrderLog(dir, nil)
	require.NoError(t, err)

	guard := risk.NewSafetyGuard(risk.SafetyConfig{DryRun: true})
	venue := &scriptedVenue{respond: func(int, exec.OrderRequest) *exec.OrderResponse { return nil }}
	engine := execution.NewEngine(venue, newWallet(), guard, nil, testConfig(), execution.WithOrderLog(orders))

	res, err := engine.Buy(context.Background(), buyReq("10", "0.42"))
	require.NoError(t, err)
	require.NoError(t, orders.Close())

	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.True(t, res.FilledSize.Equal(d("10")))
	assert.True(t, res.AvgPrice.Equal(d("0.42")))
	assert.Zero(t, venue.callCount())

	f, err := os.Open(filepath.Join(dir, "orders.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var rows []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var row map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		rows = append(rows, row)
	}
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["dry_run"])
	assert.Equal(t, "BUY", rows[0]["action"])
	assert.NotEmpty(t, rows[0]["id"])
}

func TestBuy_NoRetryDelayAfterTargetReached(t *testing.T) {
	venue := &scriptedVenue{respond: func(_ int, req exec.OrderRequest) *exec.OrderResponse {
		return buyFill(req.Size, d("0.50"))
	}}
	cfg := testConfig()
	cfg.RetryDelay = 2 * time.Second
	engine := execution.NewEngine(venue, newWallet(), &fakeGuard{}, nil, cfg)

	start := time.Now()
	res, err := engine.Buy(context.Background(), buyReq("20", "0.50"))
	require.NoError(t, err)
	assert.True(t, res.FilledSize.Equal(d("20")))
	assert.Equal(t, 1, res.Attempts)
	assert.Less(t, time.Since(start), time.Second)
}
