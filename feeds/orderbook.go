package feeds

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERBOOK - In-memory book for one outcome token
// ═══════════════════════════════════════════════════════════════════════════════

// PriceLevel is a single price level
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// UnmarshalJSON accepts {"price":"0.48","size":"30"} and ["0.48","30"]
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var obj struct {
		Price json.RawMessage `json:"price"`
		Size  json.RawMessage `json:"size"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Price != nil {
		l.Price = parseDecimal(obj.Price)
		l.Size = parseDecimal(obj.Size)
		return nil
	}

	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) >= 2 {
		l.Price = parseDecimal(pair[0])
		l.Size = parseDecimal(pair[1])
	}
	return nil
}

// Orderbook maintains the latest snapshot for a token
type Orderbook struct {
	mu        sync.RWMutex
	TokenID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	UpdatedAt time.Time
}

// NewOrderbook creates an empty book
func NewOrderbook(tokenID string) *Orderbook {
	return &Orderbook{TokenID: tokenID}
}

// Replace installs a full snapshot. Empty levels are dropped.
func (ob *Orderbook) Replace(bids, asks []PriceLevel, at time.Time) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.Bids = filterLevels(bids)
	ob.Asks = filterLevels(asks)

	// bids descending, asks ascending
	sort.Slice(ob.Bids, func(i, j int) bool {
		return ob.Bids[i].Price.GreaterThan(ob.Bids[j].Price)
	})
	sort.Slice(ob.Asks, func(i, j int) bool {
		return ob.Asks[i].Price.LessThan(ob.Asks[j].Price)
	})
	ob.UpdatedAt = at
}

func filterLevels(levels []PriceLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Price.IsPositive() && l.Size.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

// Top returns best bid and ask with their sizes
func (ob *Orderbook) Top() (bid, bidSize, ask, askSize decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.Bids) > 0 {
		bid, bidSize = ob.Bids[0].Price, ob.Bids[0].Size
	}
	if len(ob.Asks) > 0 {
		ask, askSize = ob.Asks[0].Price, ob.Asks[0].Size
	}
	return
}

// BestBid returns the highest bid price
func (ob *Orderbook) BestBid() decimal.Decimal {
	bid, _, _, _ := ob.Top()
	return bid
}

// BestAsk returns the lowest ask price
func (ob *Orderbook) BestAsk() decimal.Decimal {
	_, _, ask, _ := ob.Top()
	return ask
}

// Mid returns the mid price, zero when one side is empty
func (ob *Orderbook) Mid() decimal.Decimal {
	bid, _, ask, _ := ob.Top()
	if bid.IsZero() || ask.IsZero() {
		return decimal.Zero
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// Depth returns total size over the top levels
func (ob *Orderbook) Depth(levels int) (bidDepth, askDepth decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	for i := 0; i < levels && i < len(ob.Bids); i++ {
		bidDepth = bidDepth.Add(ob.Bids[i].Size)
	}
	for i := 0; i < levels && i < len(ob.Asks); i++ {
		askDepth = askDepth.Add(ob.Asks[i].Size)
	}
	return bidDepth, askDepth
}

// parseDecimal reads a JSON string or number
func parseDecimal(raw json.RawMessage) decimal.Decimal {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, _ := decimal.NewFromString(s)
		return d
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return decimal.NewFromFloat(f)
	}
	return decimal.Zero
}
