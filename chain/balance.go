package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BALANCE RACER - Parallel balance reads across RPC endpoints
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every endpoint is asked at once. The first answer wins and the rest are
// cancelled. A round where every endpoint fails is retried after a short delay.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrAllEndpointsFailed is returned when no endpoint answered in any round
var ErrAllEndpointsFailed = errors.New("all rpc endpoints failed")

// Endpoint is one JSON-RPC node
type Endpoint struct {
	URL    string
	Caller ethereum.ContractCaller
}

// RaceConfig tunes the balance race
type RaceConfig struct {
	SingleRequestTimeout time.Duration
	ParallelTimeout      time.Duration
	RetryAttempts        int
	RetryDelay           time.Duration
}

// DefaultRaceConfig matches the production timings
func DefaultRaceConfig() RaceConfig {
	return RaceConfig{
		SingleRequestTimeout: 3 * time.Second,
		ParallelTimeout:      5 * time.Second,
		RetryAttempts:        2,
		RetryDelay:           300 * time.Millisecond,
	}
}

// DialEndpoints connects to every url, skipping ones that fail to dial
func DialEndpoints(urls []string) ([]Endpoint, error) {
	if len(urls) == 0 {
		urls = []string{DefaultRPC}
	}
	endpoints := make([]Endpoint, 0, len(urls))
	for _, u := range urls {
		client, err := ethclient.Dial(u)
		if err != nil {
			log.Warn().Err(err).Str("rpc", u).Msg("⚠️ RPC dial failed")
			continue
		}
		endpoints = append(endpoints, Endpoint{URL: u, Caller: client})
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("dial rpc: %w", ErrAllEndpointsFailed)
	}
	return endpoints, nil
}

type BalanceRacer struct {
	wallet    common.Address
	endpoints []Endpoint
	cfg       RaceConfig
	ctf       common.Address
}

// NewBalanceRacer creates a racer for wallet over the given endpoints
func NewBalanceRacer(wallet common.Address, endpoints []Endpoint, cfg RaceConfig) *BalanceRacer {
	def := DefaultRaceConfig()
	if cfg.SingleRequestTimeout <= 0 {
		cfg.SingleRequestTimeout = def.SingleRequestTimeout
	}
	if cfg.ParallelTimeout <= 0 {
		cfg.ParallelTimeout = def.ParallelTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	log.Info().
		Str("wallet", wallet.Hex()).
		Int("endpoints", len(endpoints)).
		Dur("single_timeout", cfg.SingleRequestTimeout).
		Dur("parallel_timeout", cfg.ParallelTimeout).
		Msg("🔗 Balance racer initialized")

	return &BalanceRacer{
		wallet:    wallet,
		endpoints: endpoints,
		cfg:       cfg,
		ctf:       common.HexToAddress(CTFAddress),
	}
}

// Wallet returns the queried address
func (b *BalanceRacer) Wallet() common.Address {
	return b.wallet
}

// TokenBalance returns the conditional-token balance in contracts
func (b *BalanceRacer) TokenBalance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	data, err := ctfABI.Pack("balanceOf", b.wallet, id)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack balanceOf: %w", err)
	}

	raw, err := b.race(ctx, func(ctx context.Context, c ethereum.ContractCaller) (*big.Int, error) {
		out, err := c.CallContract(ctx, ethereum.CallMsg{To: &b.ctf, Data: data}, nil)
		if err != nil {
			return nil, err
		}
		return unpackUint("balanceOf", ctfABI, out)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return toUnits(raw), nil
}

// CollateralBalance returns USDC.e plus native USDC held by the wallet
func (b *BalanceRacer) CollateralBalance(ctx context.Context) (decimal.Decimal, error) {
	data, err := erc20ABI.Pack("balanceOf", b.wallet)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack balanceOf: %w", err)
	}

	total := decimal.Zero
	for _, token := range []string{USDCeAddress, USDCAddress} {
		addr := common.HexToAddress(token)
		raw, err := b.race(ctx, func(ctx context.Context, c ethereum.ContractCaller) (*big.Int, error) {
			out, err := c.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
			if err != nil {
				return nil, err
			}
			return unpackUint("balanceOf", erc20ABI, out)
		})
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(toUnits(raw))
	}
	return total, nil
}

type callFunc func(ctx context.Context, c ethereum.ContractCaller) (*big.Int, error)

func (b *BalanceRacer) race(ctx context.Context, call callFunc) (*big.Int, error) {
	if len(b.endpoints) == 0 {
		return nil, ErrAllEndpointsFailed
	}

	for attempt := 1; attempt <= b.cfg.RetryAttempts; attempt++ {
		v, winner, err := b.raceOnce(ctx, call)
		if err == nil {
			log.Debug().Str("rpc", winner).Int("attempt", attempt).Msg("Balance race won")
			return v, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max", b.cfg.RetryAttempts).
			Msg("⚠️ Balance race failed on every endpoint")

		if attempt < b.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.cfg.RetryDelay):
			}
		}
	}
	return nil, ErrAllEndpointsFailed
}

func (b *BalanceRacer) raceOnce(parent context.Context, call callFunc) (*big.Int, string, error) {
	ctx, cancel := context.WithTimeout(parent, b.cfg.ParallelTimeout)
	defer cancel()

	var (
		once   sync.Once
		result *big.Int
		winner string
		mu     sync.Mutex
		errs   []error
	)

	var g errgroup.Group
	for _, ep := range b.endpoints {
		ep := ep
		g.Go(func() error {
			reqCtx, reqCancel := context.WithTimeout(ctx, b.cfg.SingleRequestTimeout)
			defer reqCancel()

			v, err := call(reqCtx, ep.Caller)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ep.URL, err))
				mu.Unlock()
				return nil
			}
			once.Do(func() {
				result = v
				winner = ep.URL
				cancel()
			})
			return nil
		})
	}
	g.Wait()

	if result != nil {
		return result, winner, nil
	}
	if err := errors.Join(errs...); err != nil {
		return nil, "", err
	}
	return nil, "", ErrAllEndpointsFailed
}
