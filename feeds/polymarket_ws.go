package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET WEBSOCKET FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// One connection per asset, subscribed to the Up and Down tokens of the
// current window. Each book snapshot becomes a types.Tick for that side.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	PolymarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	reconnectDelay  = 5 * time.Second
	pingInterval    = 30 * time.Second
)

type subscribeMsg struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// bookEvent is a market channel message
type bookEvent struct {
	EventType string       `json:"event_type"`
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// BookFeed streams top of book for one asset's current market
type BookFeed struct {
	mu sync.RWMutex

	asset     string
	wsURL     string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	market *types.Market
	books  map[string]*Orderbook // token id -> book

	onTick func(types.Tick)
	now    func() time.Time

	// Stats
	messages int64
	ticks    int64
}

// NewBookFeed creates a feed for asset
func NewBookFeed(asset, wsURL string) *BookFeed {
	if wsURL == "" {
		wsURL = PolymarketWSURL
	}
	return &BookFeed{
		asset:  asset,
		wsURL:  wsURL,
		stopCh: make(chan struct{}),
		books:  make(map[string]*Orderbook),
		now:    time.Now,
	}
}

// OnTick sets the tick callback. It runs on the read goroutine and must not block.
func (f *BookFeed) OnTick(fn func(types.Tick)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTick = fn
}

// SetMarket switches the subscription to market's tokens
func (f *BookFeed) SetMarket(m *types.Market) error {
	f.mu.Lock()
	f.market = m
	f.books = map[string]*Orderbook{
		m.UpTokenID:   NewOrderbook(m.UpTokenID),
		m.DownTokenID: NewOrderbook(m.DownTokenID),
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	return f.subscribe(conn, m)
}

// Book returns the current book for side, nil before the first market
func (f *BookFeed) Book(side types.Side) *Orderbook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.market == nil {
		return nil
	}
	return f.books[f.market.TokenID(side)]
}

// Start connects and begins processing
func (f *BookFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.connectionLoop()
	log.Info().Str("asset", f.asset).Msg("📡 Book feed started")
}

// Stop closes the connection and waits up to timeout for goroutines
func (f *BookFeed) Stop(timeout time.Duration) bool {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return true
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("asset", f.asset).Msg("Book feed stopped")
		return true
	case <-time.After(timeout):
		log.Warn().Str("asset", f.asset).Msg("⚠️ Book feed did not stop in time")
		return false
	}
}

// connectionLoop maintains the WebSocket connection
func (f *BookFeed) connectionLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Str("asset", f.asset).Msg("Connection failed, retrying...")
			if !f.sleep(reconnectDelay) {
				return
			}
			continue
		}

		f.readLoop()
		if !f.sleep(reconnectDelay) {
			return
		}
	}
}

func (f *BookFeed) sleep(d time.Duration) bool {
	select {
	case <-f.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// connect dials and subscribes to the current market
func (f *BookFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		conn.Close()
		return nil
	}
	f.conn = conn
	f.connected = true
	m := f.market
	f.mu.Unlock()

	log.Info().Str("asset", f.asset).Msg("🔌 WebSocket connected")

	if m != nil {
		if err := f.subscribe(conn, m); err != nil {
			return err
		}
	}

	f.wg.Add(1)
	go f.pingLoop(conn)
	return nil
}

func (f *BookFeed) subscribe(conn *websocket.Conn, m *types.Market) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	log.Debug().Str("asset", f.asset).Str("slug", m.Slug).Msg("Subscribing to market")
	return conn.WriteJSON(subscribeMsg{
		AssetsIDs: []string{m.UpTokenID, m.DownTokenID},
		Type:      "market",
	})
}

// pingLoop sends periodic pings to keep connection alive
func (f *BookFeed) pingLoop(conn *websocket.Conn) {
	defer f.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.Lock()
			current := f.conn == conn && f.connected
			if current {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
			f.mu.Unlock()
			if !current {
				return
			}
		}
	}
}

// readLoop reads messages until the connection drops
func (f *BookFeed) readLoop() {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
			default:
				log.Warn().Err(err).Str("asset", f.asset).Msg("Read error")
			}
			f.mu.Lock()
			f.connected = false
			f.conn = nil
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.processMessage(message)
	}
}

// processMessage handles one frame, which may hold one event or an array
func (f *BookFeed) processMessage(data []byte) {
	var events []bookEvent
	if err := json.Unmarshal(data, &events); err != nil {
		var ev bookEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		events = []bookEvent{ev}
	}

	f.mu.Lock()
	f.messages++
	f.mu.Unlock()

	for _, ev := range events {
		if ev.EventType == "book" {
			f.handleBook(ev)
		}
	}
}

// handleBook installs a snapshot and emits a tick
func (f *BookFeed) handleBook(ev bookEvent) {
	now := f.now()

	f.mu.Lock()
	m := f.market
	ob, ok := f.books[ev.AssetID]
	cb := f.onTick
	if ok {
		f.ticks++
	}
	f.mu.Unlock()

	// stale subscription or unknown token
	if !ok || m == nil {
		return
	}

	ob.Replace(ev.Bids, ev.Asks, now)
	bid, bidSize, ask, askSize := ob.Top()

	side := types.SideUp
	if ev.AssetID == m.DownTokenID {
		side = types.SideDown
	}

	if cb != nil {
		cb(types.Tick{
			Asset:     f.asset,
			Slug:      m.Slug,
			Side:      side,
			TokenID:   ev.AssetID,
			BestBid:   bid,
			BestAsk:   ask,
			BidSize:   bidSize,
			AskSize:   askSize,
			Timestamp: now,
		})
	}
}

// IsConnected reports the socket state
func (f *BookFeed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// GetMetrics returns feed counters
func (f *BookFeed) GetMetrics() map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	slug := ""
	if f.market != nil {
		slug = f.market.Slug
	}
	return map[string]interface{}{
		"asset":     f.asset,
		"market":    slug,
		"connected": f.connected,
		"messages":  f.messages,
		"ticks":     f.ticks,
	}
}
