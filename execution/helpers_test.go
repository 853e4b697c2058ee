package execution_test

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/exec"
	"github.com/web3guy0/polyexec/execution"
	"github.com/web3guy0/polyexec/risk"
	"github.com/web3guy0/polyexec/types"
)

var errNetwork = errors.New("connection reset")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testMarket() *types.Market {
	return &types.Market{
		Slug:        "btc-updown-15m-1700000100",
		Asset:       "btc",
		UpTokenID:   "111",
		DownTokenID: "222",
	}
}

// testConfig is DefaultConfig without delays
func testConfig() execution.Config {
	cfg := execution.DefaultConfig()
	cfg.RetryDelay = 0
	cfg.ChunkDelay = 0
	cfg.SweepRetryDelay = 0
	cfg.DelayedSweepEnabled = false
	cfg.DelayedSweepDelay = 0
	return cfg
}

// wallet holds on-chain token balances
type wallet struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	failReads bool
	reads     int
	// onRead runs under the lock before each balance read
	onRead func(n int, balances map[string]decimal.Decimal)
}

func newWallet() *wallet {
	return &wallet{balances: make(map[string]decimal.Decimal)}
}

func (w *wallet) set(tokenID string, v decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[tokenID] = v
}

func (w *wallet) get(tokenID string) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[tokenID]
}

func (w *wallet) TokenBalance(_ context.Context, tokenID string) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reads++
	if w.onRead != nil {
		w.onRead(w.reads, w.balances)
	}
	if w.failReads {
		return decimal.Zero, errNetwork
	}
	return w.balances[tokenID], nil
}

func (w *wallet) CollateralBalance(context.Context) (decimal.Decimal, error) {
	return d("123.45"), nil
}

// scriptedVenue answers each order from respond. A nil response is a transport error.
// Filled sells are debited from the wallet.
type scriptedVenue struct {
	mu      sync.Mutex
	wallet  *wallet
	calls   []exec.OrderRequest
	respond func(n int, req exec.OrderRequest) *exec.OrderResponse
	onCall  func(n int)
	bid     decimal.Decimal
}

func (v *scriptedVenue) PlaceOrder(_ context.Context, req exec.OrderRequest) (*exec.OrderResponse, error) {
	v.mu.Lock()
	v.calls = append(v.calls, req)
	n := len(v.calls)
	v.mu.Unlock()

	if v.onCall != nil {
		v.onCall(n)
	}
	resp := v.respond(n, req)
	if resp == nil {
		return nil, errNetwork
	}
	if req.Side == exec.SideSell && resp.Success && resp.MakingAmount.IsPositive() && v.wallet != nil {
		v.wallet.set(req.TokenID, v.wallet.get(req.TokenID).Sub(resp.MakingAmount))
	}
	return resp, nil
}

func (v *scriptedVenue) BestBid(context.Context, string) (decimal.Decimal, error) {
	return v.bid, nil
}

func (v *scriptedVenue) callsOf(t exec.OrderType) []exec.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []exec.OrderRequest
	for _, c := range v.calls {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func (v *scriptedVenue) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

func buyFill(contracts, price decimal.Decimal) *exec.OrderResponse {
	return &exec.OrderResponse{
		Success:      true,
		OrderID:      "0xbuy",
		TakingAmount: contracts,
		MakingAmount: contracts.Mul(price),
	}
}

func sellFill(req exec.OrderRequest) *exec.OrderResponse {
	return &exec.OrderResponse{
		Success:      true,
		OrderID:      "0xsell",
		MakingAmount: req.Size,
		TakingAmount: req.Size.Mul(req.Price),
	}
}

func fokKilled() *exec.OrderResponse {
	return &exec.OrderResponse{Success: false, ErrorMsg: "order couldn't be fully filled. FOK orders are fully filled or killed. FOK_ORDER_NOT_FILLED"}
}

type fakeGuard struct {
	mu       sync.Mutex
	deny     string
	dryRun   bool
	recorded []decimal.Decimal
}

func (g *fakeGuard) CheckOrder(_ string, _, _ decimal.Decimal, _ string) (bool, string) {
	if g.deny != "" {
		return false, g.deny
	}
	if g.dryRun {
		return false, risk.ReasonDryRun
	}
	return true, ""
}

func (g *fakeGuard) RecordOrder(_ string, usd decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recorded = append(g.recorded, usd)
}

func (g *fakeGuard) IsDryRun() bool { return g.dryRun }

type flagChecker struct {
	mu      sync.Mutex
	closing bool
}

func (f *flagChecker) set(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closing = v
}

func (f *flagChecker) IsClosing(string, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closing
}

type alertSink struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alertSink) Alert(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

func (a *alertSink) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}
