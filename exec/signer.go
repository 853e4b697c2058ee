package exec

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EIP-712 ORDER SIGNING - Polymarket CTF Exchange
// ═══════════════════════════════════════════════════════════════════════════════

// Polymarket exchange contracts (Polygon Mainnet)
const (
	PolygonChainID         = 137
	CTFExchangeAddress     = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	NegRiskExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	ZeroAddress            = "0x0000000000000000000000000000000000000000"
)

// Signature types
const (
	SignatureTypeEOA        = 0
	SignatureTypePolyProxy  = 1
	SignatureTypeGnosisSafe = 2
)

const (
	sideBuy  = 0
	sideSell = 1
)

var (
	usdcScale  = decimal.New(1, 6)
	takerFeeBp = big.NewInt(1000)
)

// CTFOrder is the signed payload accepted by the exchange
type CTFOrder struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// SignedCTFOrder is an order with its signature
type SignedCTFOrder struct {
	Order     *CTFOrder
	Signature string
}

// OrderSigner handles EIP-712 order signing
type OrderSigner struct {
	privateKey    *ecdsa.PrivateKey
	signerAddress common.Address
	funderAddress common.Address
	signatureType int
}

// NewOrderSigner creates a signer. A zero funder means the signer holds the funds.
func NewOrderSigner(privateKey *ecdsa.PrivateKey, funder common.Address, signatureType int) *OrderSigner {
	signer := crypto.PubkeyToAddress(privateKey.PublicKey)
	if funder == (common.Address{}) {
		funder = signer
	}
	return &OrderSigner{
		privateKey:    privateKey,
		signerAddress: signer,
		funderAddress: funder,
		signatureType: signatureType,
	}
}

// Address returns the signing address
func (s *OrderSigner) Address() common.Address {
	return s.signerAddress
}

// Funder returns the address that holds collateral and tokens
func (s *OrderSigner) Funder() common.Address {
	return s.funderAddress
}

// CreateOrder builds an unsigned order. Amounts use 6-decimal token units.
func (s *OrderSigner) CreateOrder(tokenID string, side OrderSide, price, size decimal.Decimal) (*CTFOrder, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", tokenID)
	}

	size = size.Truncate(2)
	notional := size.Mul(price)

	var makerAmount, takerAmount *big.Int
	var sideCode uint8
	switch side {
	case SideBuy:
		// maker gives USDC, taker gives shares
		sideCode = sideBuy
		makerAmount = notional.Truncate(4).Mul(usdcScale).BigInt()
		takerAmount = size.Mul(usdcScale).BigInt()
	case SideSell:
		sideCode = sideSell
		makerAmount = size.Mul(usdcScale).BigInt()
		takerAmount = notional.Truncate(4).Mul(usdcScale).BigInt()
	default:
		return nil, fmt.Errorf("invalid side %q", side)
	}

	return &CTFOrder{
		Salt:          big.NewInt(rand.Int63()),
		Maker:         s.funderAddress,
		Signer:        s.signerAddress,
		Taker:         common.HexToAddress(ZeroAddress),
		TokenID:       id,
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    new(big.Int).Set(takerFeeBp),
		Side:          sideCode,
		SignatureType: uint8(s.signatureType),
	}, nil
}

// SignOrder signs an order for the given exchange
func (s *OrderSigner) SignOrder(order *CTFOrder, negRisk bool) (*SignedCTFOrder, error) {
	exchange := CTFExchangeAddress
	if negRisk {
		exchange = NegRiskExchangeAddress
	}
	typedData := buildTypedData(order, common.HexToAddress(exchange))

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	raw := append([]byte("\x19\x01"), domainSeparator...)
	raw = append(raw, messageHash...)
	hash := crypto.Keccak256Hash(raw)

	signature, err := crypto.Sign(hash.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	if signature[64] < 27 {
		signature[64] += 27
	}

	return &SignedCTFOrder{Order: order, Signature: fmt.Sprintf("0x%x", signature)}, nil
}

func buildTypedData(order *CTFOrder, exchange common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(PolygonChainID),
			VerifyingContract: exchange.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt.String(),
			"maker":         order.Maker.Hex(),
			"signer":        order.Signer.Hex(),
			"taker":         order.Taker.Hex(),
			"tokenId":       order.TokenID.String(),
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration.String(),
			"nonce":         order.Nonce.String(),
			"feeRateBps":    order.FeeRateBps.String(),
			"side":          fmt.Sprintf("%d", order.Side),
			"signatureType": fmt.Sprintf("%d", order.SignatureType),
		},
	}
}

// APIPayload converts a signed order into the POST /order body
func (o *SignedCTFOrder) APIPayload(apiKey string, orderType OrderType) map[string]interface{} {
	side := string(SideBuy)
	if o.Order.Side == sideSell {
		side = string(SideSell)
	}
	return map[string]interface{}{
		"order": map[string]interface{}{
			"salt":          o.Order.Salt.Int64(),
			"maker":         o.Order.Maker.Hex(),
			"signer":        o.Order.Signer.Hex(),
			"taker":         o.Order.Taker.Hex(),
			"tokenId":       o.Order.TokenID.String(),
			"makerAmount":   o.Order.MakerAmount.String(),
			"takerAmount":   o.Order.TakerAmount.String(),
			"expiration":    o.Order.Expiration.String(),
			"nonce":         o.Order.Nonce.String(),
			"feeRateBps":    o.Order.FeeRateBps.String(),
			"side":          side,
			"signatureType": int(o.Order.SignatureType),
			"signature":     o.Signature,
		},
		"owner":     apiKey,
		"orderType": string(orderType),
		"postOnly":  false,
	}
}
