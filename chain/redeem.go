package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REDEEMER - Converts winning tokens back to USDC after resolution
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNotResolved means the oracle has not reported a payout yet
	ErrNotResolved = errors.New("oracle not resolved")
	// ErrReverted means the redeem transaction was mined but failed
	ErrReverted = errors.New("redeem transaction reverted")
)

// Redeem reasons written to the redeem log
const (
	ReasonNoTokens    = "NO_TOKENS"
	ReasonNotResolved = "ORACLE_NOT_RESOLVED"
	ReasonReverted    = "TX_REVERTED"
)

// Backend is the subset of ethclient.Client used to send redeem transactions
type Backend interface {
	ethereum.ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// RedeemConfig tunes gas handling
type RedeemConfig struct {
	GasLimit           uint64
	GasPriceMultiplier float64
	GasBumpFactor      float64
	MaxGasRetries      int
	GasRetryDelay      time.Duration
	ReceiptTimeout     time.Duration
	ReceiptPoll        time.Duration
}

// DefaultRedeemConfig matches the production settings
func DefaultRedeemConfig() RedeemConfig {
	return RedeemConfig{
		GasLimit:           500_000,
		GasPriceMultiplier: 1.5,
		GasBumpFactor:      1.2,
		MaxGasRetries:      5,
		GasRetryDelay:      3 * time.Second,
		ReceiptTimeout:     180 * time.Second,
		ReceiptPoll:        3 * time.Second,
	}
}

// RedeemResult is the outcome of one redeem
type RedeemResult struct {
	Slug    string
	Success bool
	Winner  types.Side
	Payout  decimal.Decimal
	TxHash  string
	Reason  string
}

type Redeemer struct {
	backend    Backend
	privateKey *ecdsa.PrivateKey
	address    common.Address // signer
	holder     common.Address // wallet whose tokens are redeemed
	cfg        RedeemConfig

	ctf     common.Address
	adapter common.Address
}

// NewRedeemer creates a redeemer signing with privateKey for the tokens held by
// holder. A zero holder means the signer holds them. A nil key gives a read-only
// redeemer that can only Resolve.
func NewRedeemer(backend Backend, privateKey *ecdsa.PrivateKey, holder common.Address, cfg RedeemConfig) *Redeemer {
	def := DefaultRedeemConfig()
	if cfg.GasLimit == 0 {
		cfg.GasLimit = def.GasLimit
	}
	if cfg.GasPriceMultiplier <= 0 {
		cfg.GasPriceMultiplier = def.GasPriceMultiplier
	}
	if cfg.GasBumpFactor <= 1 {
		cfg.GasBumpFactor = def.GasBumpFactor
	}
	if cfg.MaxGasRetries <= 0 {
		cfg.MaxGasRetries = def.MaxGasRetries
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = def.ReceiptTimeout
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = def.ReceiptPoll
	}

	var address common.Address
	if privateKey != nil {
		address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}
	if holder == (common.Address{}) {
		holder = address
	}

	return &Redeemer{
		backend:    backend,
		privateKey: privateKey,
		address:    address,
		holder:     holder,
		cfg:        cfg,
		ctf:        common.HexToAddress(CTFAddress),
		adapter:    common.HexToAddress(NegRiskAdapterAddress),
	}
}

// Redeem checks resolution and redeems the wallet's tokens for market
func (r *Redeemer) Redeem(ctx context.Context, market *types.Market) (*RedeemResult, error) {
	res := &RedeemResult{Slug: market.Slug}

	upBal, err := r.balanceOf(ctx, market.UpTokenID)
	if err != nil {
		return res, fmt.Errorf("redeem %s: up balance: %w", market.Slug, err)
	}
	downBal, err := r.balanceOf(ctx, market.DownTokenID)
	if err != nil {
		return res, fmt.Errorf("redeem %s: down balance: %w", market.Slug, err)
	}

	if upBal.Sign() == 0 && downBal.Sign() == 0 {
		res.Success = true
		res.Reason = ReasonNoTokens
		log.Info().Str("slug", market.Slug).Msg("✅ Nothing to redeem")
		return res, nil
	}

	cond, err := hexToBytes32(market.ConditionID)
	if err != nil {
		return res, fmt.Errorf("redeem %s: condition id: %w", market.Slug, err)
	}

	winner, err := r.resolve(ctx, cond)
	if err != nil {
		if errors.Is(err, ErrNotResolved) {
			res.Reason = ReasonNotResolved
			return res, err
		}
		return res, fmt.Errorf("redeem %s: %w", market.Slug, err)
	}
	res.Winner = winner

	winnerBal := upBal
	if winner == types.SideDown {
		winnerBal = downBal
	}

	to, data, err := r.redeemCall(market.NegRisk, cond, upBal, downBal)
	if err != nil {
		return res, fmt.Errorf("redeem %s: %w", market.Slug, err)
	}

	log.Info().
		Str("slug", market.Slug).
		Str("up", toUnits(upBal).StringFixed(2)).
		Str("down", toUnits(downBal).StringFixed(2)).
		Str("winner", string(res.Winner)).
		Bool("neg_risk", market.NegRisk).
		Msg("📤 Redeeming")

	receipt, txHash, err := r.send(ctx, to, data)
	res.TxHash = txHash
	if err != nil {
		return res, fmt.Errorf("redeem %s: %w", market.Slug, err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		res.Reason = ReasonReverted
		return res, ErrReverted
	}

	res.Success = true
	res.Payout = toUnits(winnerBal)
	res.Reason = "WINNER_" + string(res.Winner)

	log.Info().
		Str("slug", market.Slug).
		Str("payout", res.Payout.StringFixed(2)).
		Str("tx", txHash).
		Msg("💰 Redeemed")

	return res, nil
}

// Resolve reads the oracle payout for market without sending anything
func (r *Redeemer) Resolve(ctx context.Context, market *types.Market) (types.Side, error) {
	cond, err := hexToBytes32(market.ConditionID)
	if err != nil {
		return "", fmt.Errorf("resolve %s: condition id: %w", market.Slug, err)
	}
	return r.resolve(ctx, cond)
}

func (r *Redeemer) resolve(ctx context.Context, cond [32]byte) (types.Side, error) {
	denom, err := r.callUint(ctx, "payoutDenominator", cond)
	if err != nil {
		return "", fmt.Errorf("payout denominator: %w", err)
	}
	if denom.Sign() == 0 {
		return "", ErrNotResolved
	}

	upPayout, err := r.callUint(ctx, "payoutNumerators", cond, big.NewInt(0))
	if err != nil {
		return "", fmt.Errorf("payout numerators: %w", err)
	}
	downPayout, err := r.callUint(ctx, "payoutNumerators", cond, big.NewInt(1))
	if err != nil {
		return "", fmt.Errorf("payout numerators: %w", err)
	}

	if upPayout.Sign() == 0 && downPayout.Sign() > 0 {
		return types.SideDown, nil
	}
	return types.SideUp, nil
}

func (r *Redeemer) redeemCall(negRisk bool, cond [32]byte, upBal, downBal *big.Int) (common.Address, []byte, error) {
	if negRisk {
		data, err := negRiskABI.Pack("redeemPositions", cond, []*big.Int{upBal, downBal})
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("pack neg risk redeem: %w", err)
		}
		return r.adapter, data, nil
	}
	data, err := ctfABI.Pack("redeemPositions",
		common.HexToAddress(USDCeAddress),
		[32]byte{},
		cond,
		[]*big.Int{big.NewInt(1), big.NewInt(2)},
	)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("pack ctf redeem: %w", err)
	}
	return r.ctf, data, nil
}

// send signs and submits the transaction, bumping gas on underpriced replacements
func (r *Redeemer) send(ctx context.Context, to common.Address, data []byte) (*ethtypes.Receipt, string, error) {
	if r.privateKey == nil {
		return nil, "", errors.New("no signing key")
	}
	multiplier := decimal.NewFromFloat(r.cfg.GasPriceMultiplier)
	bump := decimal.NewFromFloat(r.cfg.GasBumpFactor)
	chainID := big.NewInt(PolygonChainID)

	for attempt := 1; attempt <= r.cfg.MaxGasRetries; attempt++ {
		nonce, err := r.backend.PendingNonceAt(ctx, r.address)
		if err != nil {
			return nil, "", fmt.Errorf("nonce: %w", err)
		}
		suggested, err := r.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("gas price: %w", err)
		}
		gasPrice := decimal.NewFromBigInt(suggested, 0).Mul(multiplier).BigInt()

		tx := ethtypes.NewTransaction(nonce, to, big.NewInt(0), r.cfg.GasLimit, gasPrice, data)
		signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(chainID), r.privateKey)
		if err != nil {
			return nil, "", fmt.Errorf("sign tx: %w", err)
		}

		err = r.backend.SendTransaction(ctx, signed)
		if err != nil {
			if !strings.Contains(err.Error(), "replacement transaction underpriced") || attempt == r.cfg.MaxGasRetries {
				return nil, "", fmt.Errorf("send tx: %w", err)
			}
			log.Warn().
				Int("attempt", attempt).
				Str("multiplier", multiplier.String()).
				Msg("⚠️ Gas price too low, bumping")
			multiplier = multiplier.Mul(bump)
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(r.cfg.GasRetryDelay):
			}
			continue
		}

		txHash := signed.Hash().Hex()
		log.Info().Str("tx", txHash).Msg("⏳ Redeem sent, waiting for receipt")

		receipt, err := r.waitForReceipt(ctx, signed.Hash())
		if err != nil {
			return nil, txHash, fmt.Errorf("wait receipt: %w", err)
		}
		return receipt, txHash, nil
	}
	return nil, "", fmt.Errorf("send tx: gas retries exhausted")
}

func (r *Redeemer) waitForReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(r.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := r.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redeemer) balanceOf(ctx context.Context, tokenID string) (*big.Int, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return nil, err
	}
	return r.callUint(ctx, "balanceOf", r.holder, id)
}

func (r *Redeemer) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := ctfABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.ctf, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return unpackUint(method, ctfABI, out)
}
