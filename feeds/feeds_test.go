package feeds_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyexec/feeds"
	"github.com/web3guy0/polyexec/storage"
	"github.com/web3guy0/polyexec/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPriceLevel_BothWireFormats(t *testing.T) {
	var levels []feeds.PriceLevel
	raw := `[{"price":"0.48","size":"30"},["0.47","12.5"],{"price":0.46,"size":4}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &levels))
	require.Len(t, levels, 3)
	assert.True(t, levels[0].Price.Equal(dec("0.48")))
	assert.True(t, levels[1].Size.Equal(dec("12.5")))
	assert.True(t, levels[2].Price.Equal(dec("0.46")))
}

func TestOrderbook_ReplaceSortsAndFilters(t *testing.T) {
	ob := feeds.NewOrderbook("tok")
	ob.Replace(
		[]feeds.PriceLevel{{Price: dec("0.40"), Size: dec("5")}, {Price: dec("0.45"), Size: dec("10")}, {Price: dec("0.50"), Size: decimal.Zero}},
		[]feeds.PriceLevel{{Price: dec("0.55"), Size: dec("3")}, {Price: dec("0.52"), Size: dec("7")}},
		time.Now(),
	)

	bid, bidSize, ask, askSize := ob.Top()
	assert.True(t, bid.Equal(dec("0.45")))
	assert.True(t, bidSize.Equal(dec("10")))
	assert.True(t, ask.Equal(dec("0.52")))
	assert.True(t, askSize.Equal(dec("7")))
	assert.True(t, ob.Mid().Equal(dec("0.485")))

	bd, ad := ob.Depth(5)
	assert.True(t, bd.Equal(dec("15")))
	assert.True(t, ad.Equal(dec("10")))
}

func TestOrderbook_EmptySideHasNoMid(t *testing.T) {
	ob := feeds.NewOrderbook("tok")
	ob.Replace(nil, []feeds.PriceLevel{{Price: dec("0.52"), Size: dec("7")}}, time.Now())
	assert.True(t, ob.BestBid().IsZero())
	assert.True(t, ob.Mid().IsZero())
}

func gammaServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		slug := r.URL.Query().Get("slug")
		if !strings.HasPrefix(slug, "btc-") {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"slug":"` + slug + `","markets":[{"conditionId":"0xabc","clobTokenIds":"[\"111\",\"222\"]","negRisk":false}]}]`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMarketScanner_DiscoversOncePerWindow(t *testing.T) {
	var hits atomic.Int32
	srv := gammaServer(t, &hits)

	db, err := storage.New(filepath.Join(t.TempDir(), "scan.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	clock := time.Unix(1700000000, 0).UTC()
	s := feeds.NewMarketScanner(srv.URL, []string{"btc", "eth"}, db)
	s.SetClock(func() time.Time { return clock })

	var found []*types.Market
	s.OnMarket(func(m *types.Market) { found = append(found, m) })

	s.ScanOnce(context.Background())
	s.ScanOnce(context.Background())

	require.Len(t, found, 1, "eth is not listed, btc reported once")
	m := found[0]
	assert.Equal(t, "btc-updown-15m-1699999200", m.Slug)
	assert.Equal(t, "111", m.UpTokenID)
	assert.Equal(t, "222", m.DownTokenID)
	assert.Equal(t, time.Unix(1699999200+900, 0).UTC(), m.EndTime)
	assert.Same(t, m, s.Current("btc"))

	cached, ok := db.GetMarket(m.Slug)
	require.True(t, ok)
	assert.Equal(t, "0xabc", cached.ConditionID)

	// a fresh scanner resolves btc from the cache
	before := hits.Load()
	s2 := feeds.NewMarketScanner(srv.URL, []string{"btc"}, db)
	s2.SetClock(func() time.Time { return clock })
	got, err := s2.Lookup(context.Background(), "btc", m.Slug)
	require.NoError(t, err)
	assert.Equal(t, m.UpTokenID, got.UpTokenID)
	assert.Equal(t, before, hits.Load())
}

func TestMarketScanner_NotListed(t *testing.T) {
	var hits atomic.Int32
	srv := gammaServer(t, &hits)
	s := feeds.NewMarketScanner(srv.URL, nil, nil)

	_, err := s.Lookup(context.Background(), "eth", "eth-updown-15m-1699999200")
	assert.ErrorIs(t, err, feeds.ErrMarketNotListed)
}

func TestSpotFeed_PollOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		if r.URL.Query().Get("symbol") == "SOLUSDT" {
			_, _ = w.Write([]byte(`{"symbol":"SOLUSDT","price":"142.50"}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := feeds.NewSpotFeed(srv.URL, []string{"sol", "doge"})
	var updates []feeds.PriceUpdate
	f.OnPrice(func(u feeds.PriceUpdate) { updates = append(updates, u) })

	f.PollOnce(context.Background())
	f.PollOnce(context.Background())

	require.Len(t, updates, 1, "unchanged price is not re-broadcast")
	assert.Equal(t, "sol", updates[0].Asset)
	price, _ := f.Price("SOL")
	assert.True(t, price.Equal(dec("142.50")))
	missing, _ := f.Price("doge")
	assert.True(t, missing.IsZero())
}

func TestBookFeed_SubscribesAndEmitsTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subs := make(chan map[string]interface{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]interface{}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subs <- sub

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[
			{"event_type":"book","asset_id":"111","bids":[{"price":"0.47","size":"20"}],"asks":[{"price":"0.49","size":"15"}]},
			{"event_type":"price_change","asset_id":"111"},
			{"event_type":"book","asset_id":"999","bids":[],"asks":[]}
		]`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"book","asset_id":"222","bids":[["0.50","8"]],"asks":[["0.53","9"]]}`))

		// hold the socket open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := &types.Market{Slug: "btc-updown-15m-1699999200", Asset: "btc", UpTokenID: "111", DownTokenID: "222"}

	f := feeds.NewBookFeed("btc", "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, f.SetMarket(m))

	var mu sync.Mutex
	var ticks []types.Tick
	got := make(chan struct{}, 4)
	f.OnTick(func(tk types.Tick) {
		mu.Lock()
		ticks = append(ticks, tk)
		mu.Unlock()
		got <- struct{}{}
	})

	f.Start()
	defer f.Stop(2 * time.Second)

	select {
	case sub := <-subs:
		assert.Equal(t, "market", sub["type"])
		assert.ElementsMatch(t, []interface{}{"111", "222"}, sub["assets_ids"])
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("missing tick")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ticks, 2)
	assert.Equal(t, types.SideUp, ticks[0].Side)
	assert.True(t, ticks[0].BestAsk.Equal(dec("0.49")))
	assert.True(t, ticks[0].BidSize.Equal(dec("20")))
	assert.Equal(t, types.SideDown, ticks[1].Side)
	assert.True(t, ticks[1].BestBid.Equal(dec("0.50")))
	assert.Equal(t, m.Slug, ticks[1].Slug)

	assert.True(t, f.Book(types.SideDown).BestAsk().Equal(dec("0.53")))
}
