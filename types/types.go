package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// WindowSeconds is the length of one Up/Down market
const WindowSeconds = 900

// Side is the outcome token of a market
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// Opposite returns the other outcome
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// Valid reports whether s is UP or DOWN
func (s Side) Valid() bool {
	return s == SideUp || s == SideDown
}

// Market is one 15-minute Up/Down window
type Market struct {
	Slug        string
	Asset       string
	UpTokenID   string
	DownTokenID string
	ConditionID string
	NegRisk     bool
	StartTime   time.Time
	EndTime     time.Time
}

// TokenID returns the token for the given side
func (m *Market) TokenID(side Side) string {
	if side == SideDown {
		return m.DownTokenID
	}
	return m.UpTokenID
}

// TimeRemaining until the window ends
func (m *Market) TimeRemaining(now time.Time) time.Duration {
	return m.EndTime.Sub(now)
}

// Expired reports whether the window has ended
func (m *Market) Expired(now time.Time) bool {
	return !now.Before(m.EndTime)
}

// WindowStart floors t to the start of its 15-minute bucket
func WindowStart(t time.Time) time.Time {
	ts := t.Unix()
	return time.Unix(ts-ts%WindowSeconds, 0).UTC()
}

// SlugFor builds the market slug for the window containing t
func SlugFor(asset string, t time.Time) string {
	return fmt.Sprintf("%s-updown-15m-%d", strings.ToLower(asset), WindowStart(t).Unix())
}

// OrderResult is the outcome of one Buy or Sell call
type OrderResult struct {
	Success          bool
	OrderID          string
	FilledSize       decimal.Decimal // contracts
	AvgPrice         decimal.Decimal
	TotalUSD         decimal.Decimal // spent on buys, received on sells
	Attempts         int
	RemainingBalance decimal.Decimal
	ErrorCode        string
	DryRun           bool
	Elapsed          time.Duration
}

// Tick is a top-of-book snapshot for one side of a market
type Tick struct {
	Asset     string
	Slug      string
	Side      Side
	TokenID   string
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
}

// TradeRecord for display (Telegram bot)
type TradeRecord struct {
	Slug      string
	Asset     string
	Winner    Side
	ExitType  string
	PnL       decimal.Decimal
	Timestamp time.Time
}

// PositionRecord for display (Telegram bot)
type PositionRecord struct {
	Slug          string
	Asset         string
	UpContracts   decimal.Decimal
	DownContracts decimal.Decimal
	Invested      decimal.Decimal
	OpenedAt      time.Time
}
