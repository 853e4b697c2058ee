package exec

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Places FAK / FOK / GTC orders on the Polymarket CLOB
// Orders are EIP-712 signed, requests carry L2 HMAC headers
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	PolymarketCLOB = "https://clob.polymarket.com"
)

// OrderSide is BUY or SELL
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType selects the time-in-force
type OrderType string

const (
	OrderTypeFAK OrderType = "FAK" // fill what you can, kill the rest
	OrderTypeFOK OrderType = "FOK" // fill completely or not at all
	OrderTypeGTC OrderType = "GTC" // rest on the book
)

// OrderRequest is one order to submit
type OrderRequest struct {
	TokenID string
	Side    OrderSide
	Price   decimal.Decimal
	Size    decimal.Decimal // contracts
	Type    OrderType
	NegRisk bool
}

// OrderResponse is the venue's answer.
// For BUY: TakingAmount = contracts received, MakingAmount = USD spent.
// For SELL: MakingAmount = contracts sold, TakingAmount = USD received.
type OrderResponse struct {
	Success      bool            `json:"success"`
	ErrorMsg     string          `json:"errorMsg"`
	OrderID      string          `json:"orderID"`
	Status       string          `json:"status"`
	MakingAmount decimal.Decimal `json:"makingAmount"`
	TakingAmount decimal.Decimal `json:"takingAmount"`
	TxHashes     []string        `json:"transactionsHashes"`
}

// Config holds venue credentials
type Config struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	Passphrase        string
	PrivateKey        string
	FunderAddress     string
	SignatureType     int
	Timeout           time.Duration
	RequestsPerSecond float64
}

type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	passphrase string
	signer     *OrderSigner
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new execution client
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = PolymarketCLOB
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}

	client := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
	}

	if cfg.PrivateKey != "" {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		var funder common.Address
		if cfg.FunderAddress != "" {
			funder = common.HexToAddress(cfg.FunderAddress)
		}
		client.signer = NewOrderSigner(pk, funder, cfg.SignatureType)
	}

	log.Info().
		Str("address", client.Address().Hex()).
		Str("funder", client.Funder().Hex()).
		Msg("🚀 Execution client initialized")

	return client, nil
}

// Address returns the signing address, or zero when no key is loaded
func (c *Client) Address() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// Funder returns the address holding positions
func (c *Client) Funder() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Funder()
}

// PrivateKey exposes the signing key for on-chain transactions
func (c *Client) PrivateKey() *ecdsa.PrivateKey {
	if c.signer == nil {
		return nil
	}
	return c.signer.privateKey
}

// PlaceOrder signs and submits one order.
// A venue rejection is a response with Success=false, not an error.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if c.signer == nil {
		return nil, errors.New("private key not loaded")
	}

	price := req.Price.Round(2)
	order, err := c.signer.CreateOrder(req.TokenID, req.Side, price, req.Size)
	if err != nil {
		return nil, err
	}
	signed, err := c.signer.SignOrder(order, req.NegRisk)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}

	body, err := json.Marshal(signed.APIPayload(c.apiKey, req.Type))
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	start := time.Now()
	status, respBody, err := c.do(ctx, http.MethodPost, "/order", body, true)
	if err != nil {
		return nil, err
	}

	var resp OrderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse response (HTTP %d): %w", status, err)
	}
	if status >= 400 {
		if resp.ErrorMsg == "" {
			var e struct {
				Error string `json:"error"`
			}
			json.Unmarshal(respBody, &e)
			resp.ErrorMsg = e.Error
		}
		resp.Success = false
	}

	log.Debug().
		Str("token", shortID(req.TokenID)).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Str("price", price.StringFixed(2)).
		Str("size", req.Size.StringFixed(2)).
		Bool("success", resp.Success).
		Str("error", resp.ErrorMsg).
		Dur("latency", time.Since(start)).
		Msg("CLOB order response")

	return &resp, nil
}

// BestBid fetches the highest bid for a token from the book
func (c *Client) BestBid(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	bid, _, err := c.BookTop(ctx, tokenID)
	return bid, err
}

// BookTop fetches the best bid and ask for a token
func (c *Client) BookTop(ctx context.Context, tokenID string) (bestBid, bestAsk decimal.Decimal, err error) {
	status, body, err := c.do(ctx, http.MethodGet, "/book?token_id="+tokenID, nil, false)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if status != http.StatusOK {
		return decimal.Zero, decimal.Zero, fmt.Errorf("book lookup failed: HTTP %d", status)
	}

	var book struct {
		Bids []bookLevel `json:"bids"`
		Asks []bookLevel `json:"asks"`
	}
	if err := json.Unmarshal(body, &book); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	for _, l := range book.Bids {
		if l.Price.GreaterThan(bestBid) {
			bestBid = l.Price
		}
	}
	for _, l := range book.Asks {
		if bestAsk.IsZero() || l.Price.LessThan(bestAsk) {
			bestAsk = l.Price
		}
	}
	return bestBid, bestAsk, nil
}

type bookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) do(ctx context.Context, method, path string, body []byte, auth bool) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		c.signL2Request(req, method, path, body)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, respBody, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return resp.StatusCode, respBody, nil
}

// signL2Request adds Level 2 authentication headers
func (c *Client) signL2Request(req *http.Request, method, path string, body []byte) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	message := timestamp + method + path
	if len(body) > 0 {
		message += string(body)
	}

	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_SIGNATURE", hmacSignature(c.apiSecret, message))
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)
	if addr := c.Address(); addr != (common.Address{}) {
		req.Header.Set("POLY_ADDRESS", addr.Hex())
	}
}

// hmacSignature is URL-safe base64 HMAC-SHA256 keyed by the URL-safe base64 secret
func hmacSignature(secret, message string) string {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		padded := secret
		if len(padded)%4 != 0 {
			padded += strings.Repeat("=", 4-len(padded)%4)
		}
		if key, err = base64.URLEncoding.DecodeString(padded); err != nil {
			key, _ = base64.StdEncoding.DecodeString(secret)
		}
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
