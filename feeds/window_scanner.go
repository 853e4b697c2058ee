package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET SCANNER - Discovers the current 15-minute Up/Down window per asset
// ═══════════════════════════════════════════════════════════════════════════════
//
// The slug of the running window is computable from the clock:
//   {asset}-updown-15m-{floor(unix/900)*900}
// so discovery is one gamma lookup per asset per new window.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultGammaURL = "https://gamma-api.polymarket.com"
	windowScanFreq  = 10 * time.Second
)

// ErrMarketNotListed means gamma has no event for the slug yet
var ErrMarketNotListed = errors.New("market not listed")

// MarketStore caches discovered markets. *storage.Database implements it.
type MarketStore interface {
	SaveMarket(m *types.Market) error
	GetMarket(slug string) (*types.Market, bool)
}

type gammaEvent struct {
	Slug    string        `json:"slug"`
	Markets []gammaMarket `json:"markets"`
}

type gammaMarket struct {
	ConditionID  string `json:"conditionId"`
	ClobTokenIDs string `json:"clobTokenIds"` // JSON string "[\"up\",\"down\"]"
	NegRisk      bool   `json:"negRisk"`
	EndDate      string `json:"endDate"`
}

// MarketScanner finds new windows and reports them once each
type MarketScanner struct {
	mu sync.RWMutex

	baseURL    string
	httpClient *http.Client
	assets     []string
	store      MarketStore
	now        func() time.Time

	known    map[string]*types.Market // asset -> current market
	onMarket func(*types.Market)
}

// NewMarketScanner creates a scanner for assets. store may be nil.
func NewMarketScanner(baseURL string, assets []string, store MarketStore) *MarketScanner {
	if baseURL == "" {
		baseURL = DefaultGammaURL
	}
	return &MarketScanner{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		assets:     assets,
		store:      store,
		now:        time.Now,
		known:      make(map[string]*types.Market),
	}
}

// OnMarket sets the callback for newly discovered windows
func (s *MarketScanner) OnMarket(fn func(*types.Market)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMarket = fn
}

// SetClock overrides time.Now
func (s *MarketScanner) SetClock(now func() time.Time) {
	s.now = now
}

// Current returns the latest discovered market for asset
func (s *MarketScanner) Current(asset string) *types.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.known[asset]
}

// Run scans until ctx is cancelled
func (s *MarketScanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(windowScanFreq)
	defer ticker.Stop()

	log.Info().Strs("assets", s.assets).Msg("🔍 Market scanner started")

	for {
		s.ScanOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ScanOnce checks every asset for a new window
func (s *MarketScanner) ScanOnce(ctx context.Context) {
	now := s.now()
	for _, asset := range s.assets {
		slug := types.SlugFor(asset, now)

		s.mu.RLock()
		cur := s.known[asset]
		s.mu.RUnlock()
		if cur != nil && cur.Slug == slug {
			continue
		}

		m, err := s.Lookup(ctx, asset, slug)
		if err != nil {
			if errors.Is(err, ErrMarketNotListed) {
				log.Debug().Str("slug", slug).Msg("Window not listed yet")
			} else {
				log.Warn().Err(err).Str("slug", slug).Msg("⚠️ Market lookup failed")
			}
			continue
		}

		s.mu.Lock()
		s.known[asset] = m
		cb := s.onMarket
		s.mu.Unlock()

		log.Info().
			Str("asset", asset).
			Str("slug", m.Slug).
			Time("end", m.EndTime).
			Bool("neg_risk", m.NegRisk).
			Msg("🎯 New window detected")

		if cb != nil {
			cb(m)
		}
	}
}

// Lookup resolves a slug via the cache, then gamma
func (s *MarketScanner) Lookup(ctx context.Context, asset, slug string) (*types.Market, error) {
	if s.store != nil {
		if m, ok := s.store.GetMarket(slug); ok {
			return m, nil
		}
	}

	m, err := s.fetch(ctx, asset, slug)
	if err != nil {
		return nil, err
	}

	if s.store != nil {
		if err := s.store.SaveMarket(m); err != nil {
			log.Warn().Err(err).Str("slug", slug).Msg("⚠️ Failed to cache market")
		}
	}
	return m, nil
}

func (s *MarketScanner) fetch(ctx context.Context, asset, slug string) (*types.Market, error) {
	endpoint := fmt.Sprintf("%s/events?slug=%s", s.baseURL, url.QueryEscape(slug))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gamma events: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gamma events: status %d", resp.StatusCode)
	}

	var events []gammaEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("decode gamma events: %w", err)
	}
	if len(events) == 0 || len(events[0].Markets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, slug)
	}

	return parseGammaMarket(asset, slug, events[0].Markets[0])
}

func parseGammaMarket(asset, slug string, gm gammaMarket) (*types.Market, error) {
	var tokens []string
	if err := json.Unmarshal([]byte(gm.ClobTokenIDs), &tokens); err != nil {
		return nil, fmt.Errorf("%s: clobTokenIds: %w", slug, err)
	}
	if len(tokens) < 2 || tokens[0] == "" || tokens[1] == "" {
		return nil, fmt.Errorf("%s: expected 2 token ids, got %d", slug, len(tokens))
	}

	start, err := slugStart(slug)
	if err != nil {
		return nil, err
	}
	end := start.Add(types.WindowSeconds * time.Second)
	if gm.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			end = t.UTC()
		}
	}

	return &types.Market{
		Slug:        slug,
		Asset:       strings.ToLower(asset),
		UpTokenID:   tokens[0],
		DownTokenID: tokens[1],
		ConditionID: gm.ConditionID,
		NegRisk:     gm.NegRisk,
		StartTime:   start,
		EndTime:     end,
	}, nil
}

// slugStart reads the window start from the slug's epoch suffix
func slugStart(slug string) (time.Time, error) {
	i := strings.LastIndexByte(slug, '-')
	if i < 0 {
		return time.Time{}, fmt.Errorf("malformed slug %q", slug)
	}
	var ts int64
	if _, err := fmt.Sscanf(slug[i+1:], "%d", &ts); err != nil {
		return time.Time{}, fmt.Errorf("malformed slug %q: %w", slug, err)
	}
	return time.Unix(ts, 0).UTC(), nil
}
