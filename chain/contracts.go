package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/shopspring/decimal"
)

// Polygon mainnet contracts
const (
	PolygonChainID = int64(137)

	CTFAddress            = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	NegRiskAdapterAddress = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"
	USDCeAddress          = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	USDCAddress           = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"

	DefaultRPC = "https://polygon-rpc.com"
)

var (
	ctfABI     abi.ABI
	negRiskABI abi.ABI
	erc20ABI   abi.ABI

	tokenUnit = decimal.New(1, 6)
)

func init() {
	var err error

	ctfABI, err = abi.JSON(strings.NewReader(`[
		{"name": "balanceOf", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "account", "type": "address"}, {"name": "id", "type": "uint256"}],
		 "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "payoutDenominator", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "conditionId", "type": "bytes32"}],
		 "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "payoutNumerators", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "conditionId", "type": "bytes32"}, {"name": "index", "type": "uint256"}],
		 "outputs": [{"name": "", "type": "uint256"}]},
		{"name": "redeemPositions", "type": "function", "stateMutability": "nonpayable",
		 "inputs": [
			{"name": "collateralToken", "type": "address"},
			{"name": "parentCollectionId", "type": "bytes32"},
			{"name": "conditionId", "type": "bytes32"},
			{"name": "indexSets", "type": "uint256[]"}
		 ],
		 "outputs": []}
	]`))
	if err != nil {
		panic("ctf abi parse: " + err.Error())
	}

	negRiskABI, err = abi.JSON(strings.NewReader(`[
		{"name": "redeemPositions", "type": "function", "stateMutability": "nonpayable",
		 "inputs": [{"name": "conditionId", "type": "bytes32"}, {"name": "amounts", "type": "uint256[]"}],
		 "outputs": []}
	]`))
	if err != nil {
		panic("neg risk abi parse: " + err.Error())
	}

	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{"name": "balanceOf", "type": "function", "stateMutability": "view",
		 "inputs": [{"name": "account", "type": "address"}],
		 "outputs": [{"name": "", "type": "uint256"}]}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
}

// toUnits converts a 6-decimal on-chain amount
func toUnits(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, 0).Div(tokenUnit)
}

func parseTokenID(tokenID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", tokenID)
	}
	return id, nil
}

// hexToBytes32 converts a 0x-prefixed hex string to [32]byte
func hexToBytes32(s string) ([32]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	var arr [32]byte
	copy(arr[:], b)
	return arr, nil
}

func unpackUint(method string, parsed abi.ABI, data []byte) (*big.Int, error) {
	vals, err := parsed.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}
