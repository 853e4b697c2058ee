package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SPOT FEED - Underlying prices from Binance
// ═══════════════════════════════════════════════════════════════════════════════
//
// Used for the window's reference price ("price to beat"). A pending market
// is armed once its reference is known.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultBinanceURL = "https://api.binance.com"
	spotInterval      = time.Second
)

// PriceUpdate represents a price change event
type PriceUpdate struct {
	Asset     string
	Price     decimal.Decimal
	Timestamp time.Time
}

// SpotFeed polls the latest spot price for each asset
type SpotFeed struct {
	mu sync.RWMutex

	baseURL    string
	httpClient *http.Client
	assets     []string
	interval   time.Duration

	prices  map[string]PriceUpdate // asset -> latest
	onPrice func(PriceUpdate)
}

// NewSpotFeed creates a feed for assets ("btc" polls BTCUSDT)
func NewSpotFeed(baseURL string, assets []string) *SpotFeed {
	if baseURL == "" {
		baseURL = DefaultBinanceURL
	}
	return &SpotFeed{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		assets:     assets,
		interval:   spotInterval,
		prices:     make(map[string]PriceUpdate),
	}
}

// OnPrice sets the callback for changed prices
func (f *SpotFeed) OnPrice(fn func(PriceUpdate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPrice = fn
}

// Price returns the latest price for asset and when it was seen
func (f *SpotFeed) Price(asset string) (decimal.Decimal, time.Time) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	u := f.prices[strings.ToLower(asset)]
	return u.Price, u.Timestamp
}

// Run polls until ctx is cancelled
func (f *SpotFeed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	log.Info().Strs("assets", f.assets).Dur("interval", f.interval).Msg("📈 Spot feed started")

	for {
		f.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce fetches every asset once
func (f *SpotFeed) PollOnce(ctx context.Context) {
	for _, asset := range f.assets {
		asset = strings.ToLower(asset)
		price, err := f.fetchPrice(ctx, binanceSymbol(asset))
		if err != nil {
			log.Debug().Err(err).Str("asset", asset).Msg("Spot price fetch failed")
			continue
		}

		update := PriceUpdate{Asset: asset, Price: price, Timestamp: time.Now()}

		f.mu.Lock()
		old := f.prices[asset]
		f.prices[asset] = update
		cb := f.onPrice
		f.mu.Unlock()

		// Only broadcast if price changed
		if cb != nil && !price.Equal(old.Price) {
			cb(update)
		}
	}
}

func binanceSymbol(asset string) string {
	return strings.ToUpper(asset) + "USDT"
}

// fetchPrice gets a single price from Binance
func (f *SpotFeed) fetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", f.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("binance %s: status %d", symbol, resp.StatusCode)
	}

	var result struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}

	return decimal.NewFromString(result.Price)
}
